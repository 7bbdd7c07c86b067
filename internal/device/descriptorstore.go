package device

import (
	"encoding/json"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
)

// DescriptorData is the persisted shape of a device's cached descriptor,
// independent of the profile's own device-info persistence (§4.4 vs
// §4.5 — two unrelated debounced savers, per SPEC_FULL.md §3.1).
type DescriptorData struct {
	Firmware  FirmwareInfo `json:"firmware"`
	TimeRules []TimeRule   `json:"timeRules"`
}

// DescriptorStore persists one device's descriptor to a JSON file,
// debouncing writes the same way profile.Store debounces device-info
// saves, but on its own independent timer.
type DescriptorStore struct {
	path string

	mu      sync.Mutex
	pending *DescriptorData
	timer   *time.Timer
	delay   time.Duration
	logger  *zap.Logger
}

func NewDescriptorStore(path string, logger *zap.Logger) *DescriptorStore {
	return &DescriptorStore{path: path, delay: 30 * time.Second, logger: logger}
}

// SaveDebounced schedules a write, replacing any not-yet-fired pending
// write with the latest data.
func (s *DescriptorStore) SaveDebounced(data DescriptorData) {
	s.mu.Lock()
	defer s.mu.Unlock()
	copy := data
	s.pending = &copy
	if s.timer != nil {
		s.timer.Stop()
	}
	s.timer = time.AfterFunc(s.delay, s.flush)
}

func (s *DescriptorStore) flush() {
	s.mu.Lock()
	data := s.pending
	s.pending = nil
	s.mu.Unlock()
	if data == nil {
		return
	}
	if err := s.writeNow(*data); err != nil {
		s.logger.Warn("descriptor store flush failed", zap.String("path", s.path), zap.Error(err))
	}
}

// SaveNow forces an immediate synchronous write, bypassing the debounce.
func (s *DescriptorStore) SaveNow(data DescriptorData) error {
	s.mu.Lock()
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.pending = nil
	s.mu.Unlock()
	return s.writeNow(data)
}

func (s *DescriptorStore) writeNow(data DescriptorData) error {
	raw, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(s.path, raw, 0o600)
}

// saveDescriptorDebounced schedules a persist of the current descriptor
// if a store is attached; no-op otherwise.
func (d *Device) saveDescriptorDebounced() {
	d.mu.Lock()
	store := d.descriptorStore
	data := DescriptorData{Firmware: d.descriptor.Firmware, TimeRules: d.descriptor.TimeRules}
	d.mu.Unlock()
	if store != nil {
		store.SaveDebounced(data)
	}
}
