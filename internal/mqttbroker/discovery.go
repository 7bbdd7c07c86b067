package mqttbroker

import (
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"merosslan/internal/wire"
)

// discoveryRetryPeriod mirrors the availability-timeout-plus-grace interval
// the profile layer waits between identify probes for an unrecognized
// device, per meross_profile.py's discovery timer cadence.
const discoveryRetryPeriod = 22 * time.Second

// maxDiscoveryAttempts bounds how many probes (SYSTEM_ALL or SYSTEM_ABILITY)
// we send an unknown device before giving up on it (meross_profile.py
// evicts after 5).
const maxDiscoveryAttempts = 5

// discoveryEntry tracks one device id that published on this broker but
// that no attached handler claims, grounded on meross_profile.py's
// per-device _KEY_STARTTIME/_KEY_REQUESTTIME/_KEY_REQUESTCOUNT bookkeeping.
// Each probe asks for whichever payload is still missing, SYSTEM_ALL first
// and SYSTEM_ABILITY once SYSTEM_ALL is held; the device is only reported
// once both GETACK payloads have been collected.
type discoveryEntry struct {
	startTime    time.Time
	lastRequest  time.Time
	requestCount int
	timer        *time.Timer

	haveAll     bool
	haveAbility bool
	allPayload  json.RawMessage
	abilityPayload json.RawMessage
}

func (e *discoveryEntry) missingNamespace() wire.Namespace {
	if !e.haveAll {
		return wire.NamespaceSystemAll
	}
	return wire.NamespaceSystemAbility
}

func (e *discoveryEntry) complete() bool {
	return e.haveAll && e.haveAbility
}

// DiscoveredPayload is the merged SYSTEM_ALL + SYSTEM_ABILITY snapshot
// handed to OnDiscovered once a device's handshake completes.
type DiscoveredPayload struct {
	All     json.RawMessage
	Ability json.RawMessage
}

// Discovery runs the unknown-device handshake: every inbound publish from a
// device id with no attached handler triggers (at most) a handful of
// SYSTEM_ALL / SYSTEM_ABILITY probes (whichever is still missing) on its
// subscribe topic,
// spaced discoveryRetryPeriod apart, so the profile layer has a chance to
// query the cloud API and attach a proper device engine before we give up.
type Discovery struct {
	conn   *Connection
	logger *zap.Logger

	mu      sync.Mutex
	entries map[string]*discoveryEntry

	// OnUnknownDevice is invoked (outside the lock) the first time a
	// device id is observed, so the caller can kick off a cloud device
	// list refresh. May be nil.
	OnUnknownDevice func(deviceID string)

	// OnDiscovered is invoked (outside the lock) once both SYSTEM_ALL and
	// SYSTEM_ABILITY GETACK payloads have been collected for a device id,
	// with the merged payload the host application needs to offer
	// configuring the device. May be nil.
	OnDiscovered func(deviceID string, payload DiscoveredPayload)
}

func NewDiscovery(conn *Connection, logger *zap.Logger) *Discovery {
	return &Discovery{
		conn:    conn,
		logger:  logger,
		entries: make(map[string]*discoveryEntry),
	}
}

// Observe records an inbound publish from an unattached device id,
// accumulates SYSTEM_ALL/SYSTEM_ABILITY GETACK payloads into its entry, and
// arranges a probe schedule on first sighting.
func (d *Discovery) Observe(deviceID string, env wire.Envelope) {
	d.mu.Lock()
	entry, known := d.entries[deviceID]
	if !known {
		entry = &discoveryEntry{startTime: time.Now()}
		d.entries[deviceID] = entry
	}

	if env.Header.Method == wire.MethodGetAck {
		switch env.Header.Namespace {
		case wire.NamespaceSystemAll:
			entry.haveAll = true
			entry.allPayload = env.Payload
		case wire.NamespaceSystemAbility:
			entry.haveAbility = true
			entry.abilityPayload = env.Payload
		}
	}
	complete := entry.complete()
	if complete {
		if entry.timer != nil {
			entry.timer.Stop()
		}
		delete(d.entries, deviceID)
	}
	d.mu.Unlock()

	if !known {
		d.logger.Info("mqtt: observed unattached device", zap.String("device_id", deviceID))
		if d.OnUnknownDevice != nil {
			d.OnUnknownDevice(deviceID)
		}
	}

	if complete {
		d.logger.Info("mqtt: discovery handshake complete", zap.String("device_id", deviceID))
		if d.OnDiscovered != nil {
			d.OnDiscovered(deviceID, DiscoveredPayload{All: entry.allPayload, Ability: entry.abilityPayload})
		}
		return
	}

	if !known {
		d.scheduleProbe(deviceID)
	}
}

// Resolved stops the discovery handshake for a device id once the profile
// layer attaches a real handler to it.
func (d *Discovery) Resolved(deviceID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if entry, ok := d.entries[deviceID]; ok {
		if entry.timer != nil {
			entry.timer.Stop()
		}
		delete(d.entries, deviceID)
	}
}

func (d *Discovery) scheduleProbe(deviceID string) {
	d.mu.Lock()
	entry, ok := d.entries[deviceID]
	if !ok {
		d.mu.Unlock()
		return
	}
	entry.timer = time.AfterFunc(discoveryRetryPeriod, func() { d.probe(deviceID) })
	d.mu.Unlock()
}

func (d *Discovery) probe(deviceID string) {
	d.mu.Lock()
	entry, ok := d.entries[deviceID]
	if !ok {
		d.mu.Unlock()
		return
	}
	entry.requestCount++
	entry.lastRequest = time.Now()
	count := entry.requestCount
	namespace := entry.missingNamespace()
	d.mu.Unlock()

	if count > maxDiscoveryAttempts {
		d.logger.Warn("mqtt: giving up on unattached device", zap.String("device_id", deviceID), zap.Int("attempts", count))
		d.mu.Lock()
		delete(d.entries, deviceID)
		d.mu.Unlock()
		return
	}

	env, err := wire.Build(namespace, wire.MethodGet, map[string]any{}, "", "/app/self/publish")
	if err == nil {
		_ = d.conn.Publish(deviceID, env)
	}
	d.scheduleProbe(deviceID)
}
