package profile

import (
	"encoding/json"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
)

// StoreData is the persisted shape from SPEC_FULL.md §6: app id, cloud
// token, and the device-info inventory keyed by device id.
type StoreData struct {
	AppID          string                `json:"appId"`
	Token          string                `json:"token,omitempty"`
	DeviceInfo     map[string]DeviceInfo `json:"deviceInfo"`
	DeviceInfoTime float64               `json:"deviceInfoTime"`
}

// Store persists one profile's StoreData to a JSON file, debouncing
// writes so rapid successive inventory updates collapse into one flush
// (meross_profile.py's ~30s debounced save).
type Store struct {
	path string

	mu      sync.Mutex
	pending *StoreData
	timer   *time.Timer
	delay   time.Duration
	logger  *zap.Logger
}

func NewStore(path string, logger *zap.Logger) *Store {
	return &Store{path: path, delay: 30 * time.Second, logger: logger}
}

// Load reads the persisted store, returning a zero-value StoreData (not
// an error) if the file does not exist yet.
func (s *Store) Load() (StoreData, error) {
	var data StoreData
	raw, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			data.DeviceInfo = make(map[string]DeviceInfo)
			return data, nil
		}
		return data, err
	}
	if err := json.Unmarshal(raw, &data); err != nil {
		return data, err
	}
	if data.DeviceInfo == nil {
		data.DeviceInfo = make(map[string]DeviceInfo)
	}
	return data, nil
}

// SaveDebounced schedules a write delay seconds from now, replacing any
// not-yet-fired pending write with the latest data.
func (s *Store) SaveDebounced(data StoreData) {
	s.mu.Lock()
	defer s.mu.Unlock()
	copy := data
	s.pending = &copy
	if s.timer != nil {
		s.timer.Stop()
	}
	s.timer = time.AfterFunc(s.delay, s.flush)
}

func (s *Store) flush() {
	s.mu.Lock()
	data := s.pending
	s.pending = nil
	s.mu.Unlock()
	if data == nil {
		return
	}
	if err := s.writeNow(*data); err != nil {
		s.logger.Warn("profile store flush failed", zap.String("path", s.path), zap.Error(err))
	}
}

// SaveNow forces an immediate synchronous write, bypassing the debounce
// (used on clean shutdown).
func (s *Store) SaveNow(data StoreData) error {
	s.mu.Lock()
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.pending = nil
	s.mu.Unlock()
	return s.writeNow(data)
}

func (s *Store) writeNow(data StoreData) error {
	raw, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(s.path, raw, 0o600)
}
