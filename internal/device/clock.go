package device

import (
	"context"
	"time"

	"go.uber.org/zap"

	"merosslan/internal/wire"
)

// clockState tracks the smoothed device/host time delta used to decide
// when to push a resync and when to warn, grounded on
// MerossDevice._config_device_timestamp in the original source.
type clockState struct {
	delta         time.Duration
	lastPushedAt  time.Time
	lastWarnedAt  time.Time
	deadzoneUntil time.Time
}

// reconcileClock implements §4.4 "Clock reconciliation": compute the raw
// delta between host time and the reply's header timestamp, smooth it
// geometrically unless it just stepped, and gate a SYSTEM_CLOCK push
// behind a cooldown and a post-push deadzone.
func (d *Device) reconcileClock(headerTimestamp int64) {
	now := time.Now()
	signedRaw := now.Sub(time.Unix(headerTimestamp, 0))

	d.mu.Lock()
	defer d.mu.Unlock()

	if abs(signedRaw) <= ClockTolerance {
		d.clock.delta = 0
		return
	}

	prev := d.clock.delta
	if abs(prev-signedRaw) > ClockTolerance {
		d.clock.delta = signedRaw // step change
	} else {
		d.clock.delta = (4*prev + signedRaw) / 5 // geometric smoothing
	}

	inDeadzone := now.Before(d.clock.deadzoneUntil)
	cooldownActive := !d.clock.lastPushedAt.IsZero() && now.Sub(d.clock.lastPushedAt) < ClockPushCooldown
	locallyActive := d.flags.MQTTActive && !d.mqttCloud
	_, hasClockAbility := d.descriptor.Abilities[string(wire.NamespaceSystemClock)]

	localClockCapable := locallyActive && hasClockAbility && !cooldownActive
	if localClockCapable {
		d.clock.lastPushedAt = now
		d.clock.deadzoneUntil = now.Add(ClockDeadzone)
		go d.pushClockResync(signedRaw)
		return
	}

	if !inDeadzone && (d.clock.lastWarnedAt.IsZero() || now.Sub(d.clock.lastWarnedAt) > ClockWarnLockout) {
		d.clock.lastWarnedAt = now
		d.logger.Warn("device clock drift persists", zap.String("device_id", d.ID), zap.Duration("delta", signedRaw))
	}
}

func abs(t time.Duration) time.Duration {
	if t < 0 {
		return -t
	}
	return t
}

// pushClockResync issues a fire-and-forget SYSTEM_CLOCK PUSH to trigger
// the device's own re-sync. Runs detached from the caller's lock since
// Request acquires it again.
func (d *Device) pushClockResync(delta time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	payload := map[string]any{"timestamp": time.Now().Unix()}
	if _, err := d.Request(ctx, wire.NamespaceSystemClock, wire.MethodPush, payload); err != nil {
		d.logger.Debug("clock resync push failed", zap.String("device_id", d.ID), zap.Error(err))
	}
}
