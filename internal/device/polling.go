package device

import (
	"context"
	"time"

	"go.uber.org/zap"

	"merosslan/internal/events"
	"merosslan/internal/wire"
)

// SetCloudBroker marks whether the currently attached MQTT connection is
// the vendor cloud (slower, rate-limited) rather than a user-owned
// broker; it gates UNBIND routing, smart-poll throttling and the clock
// resync push. The AUTO transport preference does not use it.
func (d *Device) SetCloudBroker(isCloud bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.mqttCloud = isCloud
}

// locallyActive reports whether the device is currently receiving MQTT
// traffic over a non-cloud broker (the glossary's "locally active").
func (d *Device) locallyActive() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.flags.MQTTActive && !d.mqttCloud
}

// StartPolling arms the adaptive polling timer. StopPolling cancels it; callers
// must await any in-flight tick before treating the device as
// fully stopped (§5 "Cancellation").
func (d *Device) StartPolling(ctx context.Context) {
	d.timerMu.Lock()
	defer d.timerMu.Unlock()
	if d.timer != nil {
		return
	}
	d.stopped = false
	d.timer = time.AfterFunc(d.currentDelay(), func() { d.pollTick(ctx) })
}

func (d *Device) StopPolling() {
	d.timerMu.Lock()
	defer d.timerMu.Unlock()
	d.stopped = true
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}

func (d *Device) currentDelay() time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pollingDelay
}

func (d *Device) pollTick(ctx context.Context) {
	now := time.Now()
	d.mu.Lock()
	online := d.flags.Online()
	d.mu.Unlock()

	var trigger wire.Namespace
	if online {
		trigger = d.onlineTick(ctx, now)
	} else {
		trigger = d.offlineTick(ctx, now)
	}

	d.sweep(ctx, trigger)
	if err := d.Flush(ctx); err != nil {
		d.logger.Debug("flush after sweep failed", zap.Error(err))
	}

	d.mu.Lock()
	m := d.metrics
	d.mu.Unlock()
	if m != nil {
		m.PollLatency.Observe(time.Since(now).Seconds())
	}

	d.timerMu.Lock()
	defer d.timerMu.Unlock()
	if d.stopped {
		return
	}
	if d.timer != nil {
		d.timer.Reset(d.currentDelay())
	}
}

// onlineTick implements the "If online" branch of §4.4 adaptive polling.
func (d *Device) onlineTick(ctx context.Context, now time.Time) wire.Namespace {
	d.mu.Lock()
	answeredRecently := d.lastResponse.After(d.lastRequest) || now.Sub(d.lastRequest) < d.pollingPeriod-2*time.Second
	current := d.currentProtocol
	configured := d.configuredProtocol
	preferred := d.preferredProtocol
	httpSilentSince := now.Sub(d.lastResponse)
	d.mu.Unlock()

	if answeredRecently {
		// nothing to do
	} else if configured == ProtocolAuto && current == TransportMQTT {
		d.switchTransport(TransportHTTP)
	} else {
		d.markOffline()
		return d.offlineTick(ctx, now)
	}

	if current == TransportMQTT && preferred == TransportHTTP && httpSilentSince > HeartbeatPeriod {
		d.probeOnce(ctx, TransportHTTP)
	}
	if d.locallyActive() {
		d.heartbeatMQTTIfDue(ctx, now)
	}

	d.mu.Lock()
	d.cloudQueueUsed = 0
	d.mu.Unlock()
	return ""
}

// offlineTick implements the "If offline" branch: probe every allowed
// transport, and on failure grow the backoff towards the heartbeat
// ceiling.
func (d *Device) offlineTick(ctx context.Context, now time.Time) wire.Namespace {
	d.mu.Lock()
	configured := d.configuredProtocol
	d.mu.Unlock()

	if configured != ProtocolMQTTOnly {
		d.probeOnce(ctx, TransportHTTP)
	}
	if configured != ProtocolHTTPOnly {
		d.probeOnce(ctx, TransportMQTT)
	}

	if d.Online() {
		return wire.NamespaceSystemAll
	}

	d.mu.Lock()
	d.pollingDelay += d.pollingPeriod
	if d.pollingDelay > HeartbeatPeriod {
		d.pollingDelay = HeartbeatPeriod
	}
	d.mu.Unlock()
	return ""
}

func (d *Device) markOffline() {
	d.mu.Lock()
	wasOnline := d.flags.Online()
	d.flags.HTTPActive = false
	d.flags.MQTTActive = false
	d.mu.Unlock()
	if wasOnline {
		d.publish(events.KindOffline, "")
		d.mu.Lock()
		m := d.metrics
		d.mu.Unlock()
		if m != nil {
			m.OnlineTransitionsTotal.WithLabelValues(d.ID, "offline").Inc()
			m.DevicesOnline.Dec()
		}
	}
}

func (d *Device) probeOnce(ctx context.Context, via Transport) {
	d.mu.Lock()
	d.currentProtocol = via
	d.mu.Unlock()
	if _, err := d.Request(ctx, wire.NamespaceSystemAll, wire.MethodGet, map[string]any{}); err != nil {
		d.logger.Debug("probe failed", zap.String("transport", via.String()), zap.Error(err))
		if via == TransportMQTT {
			d.mu.Lock()
			d.flags.MQTTActive = false
			d.mu.Unlock()
		}
	}
}

func (d *Device) heartbeatMQTTIfDue(ctx context.Context, now time.Time) {
	d.mu.Lock()
	due := now.Sub(d.lastRequest) >= HeartbeatPeriod
	d.mu.Unlock()
	if !due {
		return
	}
	if _, err := d.Request(ctx, wire.NamespaceSystemAll, wire.MethodGet, map[string]any{}); err != nil {
		d.mu.Lock()
		d.flags.MQTTActive = false
		d.mu.Unlock()
	}
}

// sweep runs every registered strategy except the one matching trigger
// (already freshly answered by whatever just arrived), per §4.4 "strategy
// sweep".
func (d *Device) sweep(ctx context.Context, trigger wire.Namespace) {
	d.mu.Lock()
	strategies := make([]*Strategy, 0, len(d.strategies))
	for ns, s := range d.strategies {
		if ns == trigger {
			continue
		}
		strategies = append(strategies, s)
	}
	d.mu.Unlock()

	for _, s := range strategies {
		if err := d.SmartPoll(ctx, s, 1); err != nil {
			d.logger.Debug("strategy poll failed", zap.String("namespace", string(s.Namespace)), zap.Error(err))
		}
	}
}

// SmartPoll wraps RequestPoll with cloud-MQTT rate limiting (§4.4 "Smart
// polling"): a strategy bound for cloud MQTT while not locally active is
// throttled to at most cloudQueueMax sends per sweep, and no more often
// than PollingPeriodCloud since its own last issuance. Otherwise the
// strategy is skipped this sweep and retried on the next one.
func (d *Device) SmartPoll(ctx context.Context, s *Strategy, cloudQueueMax int) error {
	d.mu.Lock()
	boundForCloudMQTT := d.currentProtocol == TransportMQTT && !(d.flags.MQTTActive && !d.mqttCloud)
	d.mu.Unlock()

	if !boundForCloudMQTT {
		return d.RequestPoll(ctx, s)
	}

	d.mu.Lock()
	overQuota := d.cloudQueueUsed >= cloudQueueMax
	tooSoon := !s.LastRequest.IsZero() && time.Since(s.LastRequest) < s.PollingPeriodCloud
	d.mu.Unlock()

	if overQuota || tooSoon {
		return nil
	}

	d.mu.Lock()
	d.cloudQueueUsed++
	d.mu.Unlock()
	return d.RequestPoll(ctx, s)
}
