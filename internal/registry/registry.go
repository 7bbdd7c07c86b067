// Package registry holds the two process-wide maps the rest of the
// system resolves against: device-id -> engine and profile-id -> profile.
// Grounded on the teacher's internal/hardware.Manager device map pattern,
// generalized to two maps guarded by one sync.RWMutex that change only
// when a device or profile is added or removed.
package registry

import (
	"sync"

	"merosslan/internal/device"
	"merosslan/internal/profile"
)

// Registry is the single owner of both lookup maps. It holds no business
// logic: callers mutate it only when a device or profile is added or
// removed.
type Registry struct {
	mu       sync.RWMutex
	devices  map[string]*device.Device
	profiles map[string]*profile.Profile
}

func New() *Registry {
	return &Registry{
		devices:  make(map[string]*device.Device),
		profiles: make(map[string]*profile.Profile),
	}
}

func (r *Registry) AddDevice(d *device.Device) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.devices[d.ID] = d
}

func (r *Registry) RemoveDevice(deviceID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.devices, deviceID)
}

func (r *Registry) Device(deviceID string) (*device.Device, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.devices[deviceID]
	return d, ok
}

func (r *Registry) Devices() []*device.Device {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*device.Device, 0, len(r.devices))
	for _, d := range r.devices {
		out = append(out, d)
	}
	return out
}

func (r *Registry) AddProfile(p *profile.Profile) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.profiles[p.ID] = p
}

func (r *Registry) RemoveProfile(profileID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.profiles, profileID)
}

func (r *Registry) Profile(profileID string) (*profile.Profile, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.profiles[profileID]
	return p, ok
}

func (r *Registry) Profiles() []*profile.Profile {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*profile.Profile, 0, len(r.profiles))
	for _, p := range r.profiles {
		out = append(out, p)
	}
	return out
}

// RouteInbound resolves an inbound MQTT device id to its engine. The
// mqttbroker Connection does not call it: it routes through the handlers
// registered by Connection.Attach.
func (r *Registry) RouteInbound(deviceID string) (*device.Device, bool) {
	return r.Device(deviceID)
}
