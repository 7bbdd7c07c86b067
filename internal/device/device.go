// Package device implements the per-device protocol engine: transport
// selection, adaptive polling, multi-request batching, and timestamp/DST
// reconciliation. Grounded throughout on MerossDevice in the original
// Python source (meross_device.py) and on the teacher's concurrency idiom
// of one mutex-guarded struct per managed unit
// (internal/hardware.DeviceManager in the teacher repo).
package device

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"merosslan/internal/errs"
	"merosslan/internal/events"
	"merosslan/internal/httpdevice"
	"merosslan/internal/metrics"
	"merosslan/internal/wire"
)

// Protocol is the user-configured transport constraint for a device.
type Protocol int

const (
	ProtocolAuto Protocol = iota
	ProtocolHTTPOnly
	ProtocolMQTTOnly
)

// Transport is which wire path a request actually goes out on.
type Transport int

const (
	TransportNone Transport = iota
	TransportHTTP
	TransportMQTT
)

func (t Transport) String() string {
	switch t {
	case TransportHTTP:
		return "http"
	case TransportMQTT:
		return "mqtt"
	default:
		return "none"
	}
}

// Defaults mirror §3/§4 of the protocol notes: a 30s default polling
// period (used when none is configured; New does not raise a shorter
// configured period) and a 5 minute heartbeat ceiling on offline backoff /
// silence probes.
const (
	DefaultPollingPeriod = 30 * time.Second
	HeartbeatPeriod      = 5 * time.Minute
	AvailabilityTimeout  = DefaultPollingPeriod
	ClockTolerance       = 5 * time.Second
	ClockPushCooldown    = 30 * time.Minute
	ClockDeadzone        = 30 * time.Second
	ClockWarnLockout     = 7 * 24 * time.Hour
)

// MQTTPort is the narrow surface the engine needs from its attached
// broker connection, letting tests substitute a fake without importing
// mqttbroker.
type MQTTPort interface {
	Publish(deviceID string, env wire.Envelope) error
	Publishable() bool
}

// Descriptor caches a device's self-description: its SYSTEM_ALL payload
// plus its SYSTEM_ABILITY payload (namespace name -> parameters).
type Descriptor struct {
	All       map[string]any
	Abilities map[string]map[string]any
	Firmware  FirmwareInfo
	TimeRules []TimeRule
}

type FirmwareInfo struct {
	Version string
	Server  string
	Port    int
}

// TimeRule is one [epoch, utcOffsetSeconds, isDST] entry of a device's
// advertised DST transition table.
type TimeRule struct {
	Epoch      int64
	UTCOffset  int
	DST        bool
}

// Flags holds the independent transport-health booleans from the data
// model: online is a derived value, never set directly.
type Flags struct {
	MQTTAttached    bool
	MQTTConnected   bool
	MQTTPublishable bool
	MQTTActive      bool
	HTTPActive      bool
}

func (f Flags) Online() bool { return f.MQTTActive || f.HTTPActive }

// Device is the per-device protocol engine. All mutable state is guarded
// by mu, since timer callbacks, MQTT delivery callbacks, and HTTP
// responses can all land on it from different goroutines (see
// SPEC_FULL.md §5).
type Device struct {
	ID  string
	key string

	configuredProtocol Protocol
	preferredProtocol  Transport
	currentProtocol    Transport

	pollingPeriod time.Duration
	pollingDelay  time.Duration

	descriptor Descriptor
	flags      Flags

	deviceDebug     []byte // last SYSTEM_DEBUG GETACK payload, raw JSON
	deviceTimestamp int64  // device's own last-seen epoch, anchor for DST bisection

	descriptorStore *DescriptorStore

	lastRequest  time.Time
	lastResponse time.Time

	budget *httpdevice.Budget
	http   *httpdevice.Client
	mqtt   MQTTPort

	batch   *Batch
	clock   clockState
	tzCheck tzState

	strategies map[wire.Namespace]*Strategy
	handlers   map[wire.Namespace]NamespaceHandler

	timer   *time.Timer
	timerMu sync.Mutex
	stopped bool

	mqttCloud      bool // attached broker is the vendor cloud, not a LAN broker
	cloudQueueUsed int  // smart-poll throttle counter, reset each sweep

	bus     *events.Bus
	metrics *metrics.Metrics

	logger *zap.Logger

	mu sync.Mutex
}

// AttachBus wires a lifecycle event sink; nil (the default) disables
// publishing entirely.
func (d *Device) AttachBus(b *events.Bus) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.bus = b
}

// AttachMetrics wires a Prometheus collector set; nil (the default)
// disables metric recording entirely.
func (d *Device) AttachMetrics(m *metrics.Metrics) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.metrics = m
}

func (d *Device) publish(kind events.Kind, detail string) {
	d.mu.Lock()
	bus := d.bus
	d.mu.Unlock()
	if bus != nil {
		bus.Publish(events.Event{Kind: kind, DeviceID: d.ID, Detail: detail})
	}
}

func (d *Device) recordRequestMetric(via Transport, err error) {
	d.mu.Lock()
	m := d.metrics
	d.mu.Unlock()
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(d.ID, via.String()).Inc()
	if err != nil {
		kind := "generic"
		if te, ok := err.(*errs.TransportError); ok {
			kind = te.Kind.String()
		}
		m.RequestErrorsTotal.WithLabelValues(d.ID, kind).Inc()
	}
}

// Config seeds a new Device.
type Config struct {
	ID                 string
	Key                string
	ConfiguredProtocol Protocol
	HasLANHost         bool // known LAN host -> HTTP preferred under AUTO
	BelongsToCloud     bool // cloud profile -> HTTP still preferred over cloud MQTT
	PollingPeriod      time.Duration
}

// New constructs a device engine. http may be nil until a LAN host is
// known; mqtt may be nil until a broker attaches.
func New(cfg Config, http *httpdevice.Client, mqtt MQTTPort, logger *zap.Logger) *Device {
	period := cfg.PollingPeriod
	if period <= 0 {
		period = DefaultPollingPeriod
	}
	d := &Device{
		ID:                 cfg.ID,
		key:                cfg.Key,
		configuredProtocol: cfg.ConfiguredProtocol,
		pollingPeriod:      period,
		pollingDelay:       period,
		budget:             httpdevice.NewBudget(),
		http:               http,
		mqtt:               mqtt,
		batch:              newBatch(),
		strategies:         make(map[wire.Namespace]*Strategy),
		logger:             logger,
	}
	d.preferredProtocol = preferredTransport(cfg.ConfiguredProtocol, cfg.HasLANHost, cfg.BelongsToCloud)
	d.currentProtocol = d.preferredProtocol
	d.handlers = defaultHandlers()
	return d
}

// preferredTransport implements the AUTO preference rule from §4.4:
// HTTP when a LAN host is known or the device belongs to a cloud profile
// (cloud MQTT is slower), otherwise MQTT.
func preferredTransport(p Protocol, hasLANHost, belongsToCloud bool) Transport {
	switch p {
	case ProtocolHTTPOnly:
		return TransportHTTP
	case ProtocolMQTTOnly:
		return TransportMQTT
	default:
		if hasLANHost || belongsToCloud {
			return TransportHTTP
		}
		return TransportMQTT
	}
}

// AttachHTTP installs or replaces the HTTP transport, e.g. once a LAN
// host becomes known.
func (d *Device) AttachHTTP(c *httpdevice.Client) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.http = c
}

// AttachMQTT installs or replaces the MQTT transport and marks it
// attached; Detach clears both.
func (d *Device) AttachMQTT(m MQTTPort) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.mqtt = m
	d.flags.MQTTAttached = m != nil
}

// AttachDescriptorStore wires a debounced persistent saver for the
// cached descriptor, independent of the profile's own device-info
// debounce; nil (the default) disables descriptor persistence.
func (d *Device) AttachDescriptorStore(s *DescriptorStore) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.descriptorStore = s
}

// DebugBroker returns the authoritative broker host:port reported by the
// device's own last SYSTEM_DEBUG payload, or "" if none has arrived yet
// or it didn't parse. Mirrors meross_device.py's mqtt_broker property:
// prefer the currently active cloud server over the cached firmware
// server, since devices fail over between two cloud hosts.
func (d *Device) DebugBroker() string {
	d.mu.Lock()
	raw := d.deviceDebug
	d.mu.Unlock()
	if raw == nil {
		return ""
	}
	return parseDebugBroker(raw)
}

func (d *Device) DetachMQTT() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.mqtt = nil
	d.flags.MQTTAttached = false
	d.flags.MQTTConnected = false
	d.flags.MQTTPublishable = false
}

// OnMQTTConnected / OnMQTTDisconnected are the lifecycle notifications a
// broker connection fans out to every attached device (§4.3).
func (d *Device) OnMQTTConnected(publishable bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.flags.MQTTConnected = true
	d.flags.MQTTPublishable = publishable
}

func (d *Device) OnMQTTDisconnected() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.flags.MQTTConnected = false
	d.flags.MQTTPublishable = false
	d.flags.MQTTActive = false
}

func (d *Device) Online() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.flags.Online()
}

func (d *Device) CurrentProtocol() Transport {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.currentProtocol
}

// Request runs the send pipeline from §4.4: choose a transport by
// current-protocol, fall through to the other under AUTO, and on success
// run the full receive path (clock reconciliation, online transition,
// namespace dispatch).
func (d *Device) Request(ctx context.Context, namespace wire.Namespace, method wire.Method, payload any) (*wire.Envelope, error) {
	d.mu.Lock()
	current := d.currentProtocol
	configured := d.configuredProtocol
	mqttPort := d.mqtt
	mqttPublishable := d.flags.MQTTPublishable
	cloudMQTT := d.mqttCloud
	d.mu.Unlock()

	// UNBIND tears down the device's cloud pairing state as a side effect
	// of the publish itself, so it must go out over the cloud broker when
	// one is attached, even if HTTP is otherwise the current transport.
	if namespace == wire.NamespaceControlUnbind && cloudMQTT && mqttPublishable && mqttPort != nil {
		env, err := wire.Build(namespace, method, payload, d.key, "/app/self/publish")
		if err != nil {
			return nil, err
		}
		if perr := mqttPort.Publish(d.ID, env); perr == nil {
			d.mu.Lock()
			d.lastRequest = time.Now()
			d.mu.Unlock()
			d.recordRequestMetric(TransportMQTT, nil)
			return nil, nil
		}
	}

	if current == TransportMQTT {
		if mqttPublishable && mqttPort != nil {
			env, err := wire.Build(namespace, method, payload, d.key, "/app/self/publish")
			if err != nil {
				return nil, err
			}
			if perr := mqttPort.Publish(d.ID, env); perr == nil {
				d.mu.Lock()
				d.lastRequest = time.Now()
				d.mu.Unlock()
				d.recordRequestMetric(TransportMQTT, nil)
				return nil, nil // MQTT is fire-and-forget; reply arrives async via Receive
			}
		}
		if configured == ProtocolMQTTOnly {
			return nil, fmt.Errorf("device %s: mqtt unavailable and mqtt-only", d.ID)
		}
		d.switchTransport(TransportHTTP)
	}

	if d.http == nil {
		return nil, fmt.Errorf("device %s: no http transport configured", d.ID)
	}
	d.mu.Lock()
	d.lastRequest = time.Now()
	d.mu.Unlock()

	reply, err := d.http.Request(ctx, namespace, method, payload, 3)
	d.recordRequestMetric(TransportHTTP, err)
	if err == nil {
		if got := wire.DeviceIDFromFrom(reply.Header.From); got != "" && got != d.ID {
			return nil, d.HandleIdentityMismatch(got)
		}
		d.Receive(TransportHTTP, *reply)
		return reply, nil
	}

	// A reset during a multi-request has already shrunk the HTTP batch
	// budget; that envelope is not retried over MQTT. Other kinds are.
	resetOnMultiple := false
	if te, ok := err.(*errs.TransportError); ok {
		resetOnMultiple = namespace == wire.NamespaceControlMultiple && te.Kind == errs.TransportReset
	}
	d.mu.Lock()
	mqttViable := configured == ProtocolAuto && d.flags.MQTTActive && mqttPort != nil && !resetOnMultiple
	d.mu.Unlock()
	if mqttViable {
		env, berr := wire.Build(namespace, method, payload, d.key, "/app/self/publish")
		if berr == nil {
			if perr := mqttPort.Publish(d.ID, env); perr == nil {
				d.switchTransport(TransportMQTT)
				return nil, nil
			}
		}
	}
	return nil, err
}

func (d *Device) switchTransport(t Transport) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.currentProtocol = t
}

// Receive is the shared landing point for both HTTP replies and inbound
// MQTT publishes (§4.4 "On reply"). It reconciles the clock, handles the
// offline->online transition, and dispatches the namespace handler.
func (d *Device) Receive(via Transport, env wire.Envelope) {
	d.mu.Lock()
	wasOffline := !d.flags.Online()

	switch via {
	case TransportHTTP:
		d.flags.HTTPActive = true
	case TransportMQTT:
		d.flags.MQTTActive = true
		if !d.flags.MQTTAttached {
			// nothing to do; caller shouldn't route here, but stay safe
		}
	}
	d.lastResponse = time.Now()
	if env.Header.Timestamp > 0 {
		d.deviceTimestamp = env.Header.Timestamp
	}

	if d.configuredProtocol == ProtocolAuto {
		if via == TransportHTTP && d.preferredProtocol == TransportHTTP {
			d.currentProtocol = TransportHTTP
		} else if via == TransportMQTT && d.preferredProtocol == TransportMQTT {
			d.currentProtocol = TransportMQTT
		}
	}

	if wasOffline {
		d.pollingDelay = d.pollingPeriod
	}
	d.mu.Unlock()

	d.reconcileClock(env.Header.Timestamp)

	if wasOffline {
		d.rescheduleNow()
		d.publish(events.KindOnline, via.String())
		d.mu.Lock()
		m := d.metrics
		d.mu.Unlock()
		if m != nil {
			m.OnlineTransitionsTotal.WithLabelValues(d.ID, "online").Inc()
			m.DevicesOnline.Inc()
		}
	}

	if code, ok := env.ErrorCode(); ok {
		if code == wire.ErrorInvalidKey {
			d.logger.Warn("invalid key", zap.String("device_id", d.ID))
		}
		return
	}

	d.dispatch(env)
}

func (d *Device) dispatch(env wire.Envelope) {
	d.mu.Lock()
	handler, ok := d.handlers[env.Header.Namespace]
	d.mu.Unlock()
	if !ok {
		d.logger.Debug("no handler for namespace", zap.String("namespace", string(env.Header.Namespace)))
		return
	}
	if err := handler.Handle(d, env); err != nil {
		d.logger.Warn("handler error", zap.String("namespace", string(env.Header.Namespace)), zap.Error(err))
	}
}

// HandleIdentityMismatch is invoked by the HTTP layer (via the caller
// checking the reply's from field against d.ID) when a response claims a
// different device id: force offline and surface a critical condition.
func (d *Device) HandleIdentityMismatch(got string) error {
	d.mu.Lock()
	d.flags.HTTPActive = false
	d.flags.MQTTActive = false
	d.mu.Unlock()
	d.logger.Error("identity mismatch", zap.String("expected", d.ID), zap.String("got", got))
	d.publish(events.KindIdentityMismatch, got)
	return &errs.IdentityMismatchError{Expected: d.ID, Got: got}
}

func (d *Device) rescheduleNow() {
	d.timerMu.Lock()
	defer d.timerMu.Unlock()
	if d.timer != nil {
		d.timer.Reset(0)
	}
}
