package device

import (
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"merosslan/internal/events"
	"merosslan/internal/wire"
)

// NamespaceHandler processes one inbound envelope for a device. Grounded
// on §9's redesign note replacing the source's dynamically-dispatched
// `_parse_<digest-key>` mixin methods with an explicit table.
type NamespaceHandler interface {
	Handle(d *Device, env wire.Envelope) error
}

// HandlerFunc adapts a plain function to NamespaceHandler.
type HandlerFunc func(d *Device, env wire.Envelope) error

func (f HandlerFunc) Handle(d *Device, env wire.Envelope) error { return f(d, env) }

// RegisterHandler installs (or overrides) the handler for namespace,
// e.g. a per-device-family handler built from the descriptor's digest
// keys once SYSTEM_ALL has been parsed.
func (d *Device) RegisterHandler(namespace wire.Namespace, h NamespaceHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[namespace] = h
}

func defaultHandlers() map[wire.Namespace]NamespaceHandler {
	return map[wire.Namespace]NamespaceHandler{
		wire.NamespaceSystemAll:       HandlerFunc(handleSystemAll),
		wire.NamespaceSystemAbility:   HandlerFunc(handleSystemAbility),
		wire.NamespaceSystemOnline:    HandlerFunc(handleSystemOnline),
		wire.NamespaceSystemDebug:     HandlerFunc(handleSystemDebug),
		wire.NamespaceControlMultiple: HandlerFunc(handleControlMultiple),
	}
}

type systemAllPayload struct {
	System struct {
		Firmware struct {
			Version string `json:"version"`
			Server  string `json:"server"`
			Port    int    `json:"port"`
		} `json:"firmware"`
	} `json:"system"`
}

// handleSystemAll updates the cached descriptor from a SYSTEM_ALL reply
// and flags it for persistence when the firmware version, server or port
// changed (§4.4 "Descriptor update"). The payload's time section is not
// parsed: a timezone change does not trigger a save, and
// descriptor.TimeRules is not filled from it.
func handleSystemAll(d *Device, env wire.Envelope) error {
	var p systemAllPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return err
	}
	var generic map[string]any
	_ = json.Unmarshal(env.Payload, &generic)

	d.mu.Lock()
	prevFirmware := d.descriptor.Firmware
	d.descriptor.All = generic
	d.descriptor.Firmware = FirmwareInfo{
		Version: p.System.Firmware.Version,
		Server:  p.System.Firmware.Server,
		Port:    p.System.Firmware.Port,
	}
	changed := prevFirmware != d.descriptor.Firmware
	if s, ok := d.strategies[wire.NamespaceSystemAll]; ok {
		if size := len(env.Payload) + headerOverhead; size > s.ResponseSize {
			s.ResponseSize = size
		}
	}
	d.mu.Unlock()

	if changed {
		d.logger.Info("descriptor changed, needs save", zap.String("device_id", d.ID))
		d.saveDescriptorDebounced()
	}
	return nil
}

// handleSystemDebug caches the device's own diagnostics payload, used in
// particular as the authoritative broker-fail-over source for
// Device.DebugBroker (see meross_device.py's mqtt_broker property).
func handleSystemDebug(d *Device, env wire.Envelope) error {
	d.mu.Lock()
	d.deviceDebug = append([]byte(nil), env.Payload...)
	d.mu.Unlock()
	return nil
}

type debugCloudPayload struct {
	Cloud struct {
		ActiveServer string `json:"activeServer"`
		MainServer   string `json:"mainServer"`
		MainPort     int    `json:"mainPort"`
		SecondServer string `json:"secondServer"`
		SecondPort   int    `json:"secondPort"`
	} `json:"cloud"`
}

// parseDebugBroker extracts "host:port" for whichever of the two cloud
// servers a SYSTEM_DEBUG payload reports as currently active.
func parseDebugBroker(raw []byte) string {
	var p debugCloudPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return ""
	}
	switch p.Cloud.ActiveServer {
	case p.Cloud.MainServer:
		if p.Cloud.MainServer == "" {
			return ""
		}
		return fmt.Sprintf("%s:%d", p.Cloud.MainServer, p.Cloud.MainPort)
	case p.Cloud.SecondServer:
		if p.Cloud.SecondServer == "" {
			return ""
		}
		return fmt.Sprintf("%s:%d", p.Cloud.SecondServer, p.Cloud.SecondPort)
	default:
		return ""
	}
}

type systemAbilityPayload struct {
	Ability map[string]map[string]any `json:"Ability"`
}

// handleSystemAbility stores the abilities map. If it differs from the
// previously cached set, the device must be re-instantiated (§4.4); here
// we just flag it since config reload is the host application's job.
func handleSystemAbility(d *Device, env wire.Envelope) error {
	var p systemAbilityPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return err
	}

	d.mu.Lock()
	changed := !abilitiesEqual(d.descriptor.Abilities, p.Ability)
	d.descriptor.Abilities = p.Ability
	if params, ok := p.Ability[string(wire.NamespaceControlMultiple)]; ok {
		if n, ok := params["maxCmdNum"].(float64); ok {
			d.batch.setMaxCmdNum(int(n))
		}
	}
	d.mu.Unlock()

	if changed {
		d.logger.Warn("abilities changed, config reload required", zap.String("device_id", d.ID))
		d.publish(events.KindAbilitiesChanged, "")
	}
	return nil
}

func abilitiesEqual(a, b map[string]map[string]any) bool {
	if len(a) != len(b) {
		return false
	}
	for k := range a {
		if _, ok := b[k]; !ok {
			return false
		}
	}
	return true
}

// handleSystemOnline clears mqtt-active when the device announces it is
// no longer reachable upstream of a cloud broker.
func handleSystemOnline(d *Device, env wire.Envelope) error {
	var p struct {
		Online struct {
			Status int `json:"status"`
		} `json:"online"`
	}
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return err
	}
	if p.Online.Status != 1 {
		d.mu.Lock()
		d.flags.MQTTActive = false
		d.mu.Unlock()
	}
	return nil
}

type multiplePayload struct {
	Multiple []wire.Envelope `json:"multiple"`
}

// handleControlMultiple dispatches each sub-response of a multi-request
// reply through the same handler table. It does not re-queue sub-requests
// missing from the reply; Flush does that for the HTTP replies it awaits
// (§4.4 "flush").
func handleControlMultiple(d *Device, env wire.Envelope) error {
	var p multiplePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return err
	}
	for _, sub := range p.Multiple {
		d.dispatch(sub)
	}
	return nil
}
