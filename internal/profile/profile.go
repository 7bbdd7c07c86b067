// Package profile owns one cloud account (or the "local" sentinel): its
// credentials, its MQTT broker connections, and the device-info
// inventory it refreshes from the cloud API. Grounded on
// meross_profile.py's MerossCloudProfile.
package profile

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"merosslan/internal/errs"
	"merosslan/internal/mqttbroker"
)

// LocalProfileID is the sentinel identifying the non-cloud profile that
// owns user-configured, locally-brokered devices.
const LocalProfileID = "local"

// DefaultInventoryPeriod bounds how often query-devices runs absent
// other configuration.
const DefaultInventoryPeriod = 4 * time.Hour

// DeviceInfo is one entry of the cloud device inventory.
type DeviceInfo struct {
	DeviceID        string                 `json:"uuid"`
	DeviceType      string                 `json:"deviceType"`
	Domain          string                 `json:"domain"`
	ReservedDomain  string                 `json:"reservedDomain"`
	SubDeviceInfo   map[string]any         `json:"__subDeviceInfo,omitempty"`
}

// CloudAPI is the narrow surface to the vendor's HTTP API, kept as an
// interface so tests can fake it without a live account (the concrete
// implementation in SPEC_FULL.md's scope note is an external
// collaborator, not specified further here).
type CloudAPI interface {
	QueryDevices(ctx context.Context, token string) ([]DeviceInfo, error)
	QuerySubDevices(ctx context.Context, token, hubDeviceID string) ([]map[string]any, error)
	Logout(ctx context.Context, token string) error
}

// Profile is one cloud account's runtime state.
type Profile struct {
	ID  string
	Key string

	mu             sync.Mutex
	appID          string
	token          string
	deviceInfo     map[string]DeviceInfo
	deviceInfoTime time.Time
	lastUnknownWarn time.Time

	store *Store
	api   CloudAPI
	pool  *mqttbroker.Pool
	logger *zap.Logger

	inventoryPeriod time.Duration
	publishEnabled  bool

	// OnUnknownDevice is called for every inventory entry not already in
	// this profile's cached device-info map (while publishing is enabled),
	// letting the caller decide whether to offer it for setup. The host's
	// own device configuration is not consulted.
	OnUnknownDevice func(DeviceInfo)

	// OnDeviceDiscovered is called once the MQTT discovery handshake
	// (internal/mqttbroker.Discovery) has collected both SYSTEM_ALL and
	// SYSTEM_ABILITY payloads for a device id seen on one of this
	// profile's broker connections but not yet attached to any engine.
	OnDeviceDiscovered func(deviceID string, payload mqttbroker.DiscoveredPayload)
}

// New constructs a profile and loads its persisted store, generating a
// fresh app id if one was never persisted.
func New(id, key string, store *Store, api CloudAPI, pool *mqttbroker.Pool, logger *zap.Logger) (*Profile, error) {
	data, err := store.Load()
	if err != nil {
		return nil, fmt.Errorf("profile %s: load store: %w", id, err)
	}
	appID := data.AppID
	if appID == "" {
		appID = newAppID()
	}
	p := &Profile{
		ID:              id,
		Key:             key,
		appID:           appID,
		token:           data.Token,
		deviceInfo:      data.DeviceInfo,
		deviceInfoTime:  time.Unix(int64(data.DeviceInfoTime), 0),
		store:           store,
		api:             api,
		pool:            pool,
		logger:          logger,
		inventoryPeriod: DefaultInventoryPeriod,
		publishEnabled:  true,
	}
	if p.deviceInfo == nil {
		p.deviceInfo = make(map[string]DeviceInfo)
	}
	return p, nil
}

func newAppID() string {
	var b [16]byte
	_, _ = rand.Read(b[:])
	return hex.EncodeToString(b[:])
}

// ScheduleInventoryRefresh arranges the first query-devices call at
// max(0, deviceInfoTime + inventoryPeriod - now), per §4.5.
func (p *Profile) ScheduleInventoryRefresh(ctx context.Context) {
	p.mu.Lock()
	due := p.deviceInfoTime.Add(p.inventoryPeriod)
	p.mu.Unlock()

	delay := time.Until(due)
	if delay < 0 {
		delay = 0
	}
	time.AfterFunc(delay, func() {
		if err := p.QueryDevices(ctx); err != nil {
			p.logger.Warn("query-devices failed", zap.String("profile_id", p.ID), zap.Error(err))
		}
		p.ScheduleInventoryRefresh(ctx)
	})
}

// QueryDevices refreshes the cloud inventory, diffs it against the
// cache, and routes unrecognized devices to unknown-device processing.
func (p *Profile) QueryDevices(ctx context.Context) error {
	p.mu.Lock()
	token := p.token
	p.mu.Unlock()
	if token == "" {
		return &errs.CloudTokenError{StatusCode: 0}
	}

	devices, err := p.api.QueryDevices(ctx, token)
	if err != nil {
		return err
	}

	p.mu.Lock()
	for _, dev := range devices {
		if _, known := p.deviceInfo[dev.DeviceID]; !known {
			p.handleUnknownDeviceLocked(dev)
		}
		p.deviceInfo[dev.DeviceID] = dev
	}
	p.deviceInfoTime = time.Now()
	snapshot := p.snapshotLocked()
	p.mu.Unlock()

	p.store.SaveDebounced(snapshot)

	for _, dev := range devices {
		if isHub(dev) {
			p.querySubDevices(ctx, token, dev.DeviceID)
		}
	}
	return nil
}

// isHub reports whether a device type is a hub family (e.g. "msh300"),
// the way meross_profile.py dispatches sub-device queries on
// isinstance(device, MerossDeviceHub) rather than on data only a hub
// would already carry — SubDeviceInfo is itself populated by
// querySubDevices, so it can never be the signal that triggers it.
func isHub(d DeviceInfo) bool {
	return strings.HasPrefix(d.DeviceType, "msh")
}

func (p *Profile) querySubDevices(ctx context.Context, token, hubDeviceID string) {
	subs, err := p.api.QuerySubDevices(ctx, token, hubDeviceID)
	if err != nil {
		p.logger.Debug("query sub devices failed", zap.String("hub", hubDeviceID), zap.Error(err))
		return
	}
	p.mu.Lock()
	if dev, ok := p.deviceInfo[hubDeviceID]; ok {
		folded := make(map[string]any, len(subs))
		for i, s := range subs {
			folded[fmt.Sprintf("%d", i)] = s
		}
		dev.SubDeviceInfo = folded
		p.deviceInfo[hubDeviceID] = dev
	}
	p.mu.Unlock()
}

// handleUnknownDeviceLocked implements §4.5 "Unknown-device processing".
// Caller must hold p.mu.
func (p *Profile) handleUnknownDeviceLocked(dev DeviceInfo) {
	if !p.publishEnabled {
		if time.Since(p.lastUnknownWarn) > 7*24*time.Hour {
			p.lastUnknownWarn = time.Now()
			p.logger.Warn("unknown device seen but publish disabled", zap.String("device_id", dev.DeviceID))
		}
		return
	}
	if p.OnUnknownDevice != nil {
		go p.OnUnknownDevice(dev)
	}

	brokers := []string{dev.Domain}
	if dev.ReservedDomain != "" && dev.ReservedDomain != dev.Domain {
		brokers = append(brokers, dev.ReservedDomain)
	}
	for _, broker := range brokers {
		host, port := splitHostPort(broker)
		p.scheduleBrokerConnect(host, port)
	}
}

// scheduleBrokerConnect obtains-or-creates the MQTT connection for a
// broker asynchronously: §4.5 says to "schedule it to connect", not block
// the inventory diff on a live socket.
func (p *Profile) scheduleBrokerConnect(host string, port int) {
	key := mqttbroker.Key{ProfileID: p.ID, Host: host, Port: port}
	go func() {
		if _, err := p.pool.Get(key, mqttbroker.Config{Host: host, Port: port, ClientID: p.appID}); err != nil {
			p.logger.Debug("discovery broker connect failed", zap.String("broker", key.String()), zap.Error(err))
		}
	}()
}

func splitHostPort(domain string) (string, int) {
	host := domain
	port := 443
	for i := len(domain) - 1; i >= 0; i-- {
		if domain[i] == ':' {
			host = domain[:i]
			fmt.Sscanf(domain[i+1:], "%d", &port)
			break
		}
	}
	return host, port
}

func (p *Profile) snapshotLocked() StoreData {
	info := make(map[string]DeviceInfo, len(p.deviceInfo))
	for k, v := range p.deviceInfo {
		info[k] = v
	}
	return StoreData{
		AppID:          p.appID,
		Token:          p.token,
		DeviceInfo:     info,
		DeviceInfoTime: float64(p.deviceInfoTime.Unix()),
	}
}

// RefreshToken invalidates the old token (best effort) and installs the
// new one, then triggers an immediate query if one is due.
func (p *Profile) RefreshToken(ctx context.Context, newToken string) {
	p.mu.Lock()
	old := p.token
	p.token = newToken
	due := time.Now().After(p.deviceInfoTime.Add(p.inventoryPeriod))
	p.mu.Unlock()

	if old != "" {
		if err := p.api.Logout(ctx, old); err != nil {
			p.logger.Debug("token logout failed", zap.Error(err))
		}
	}
	if due {
		if err := p.QueryDevices(ctx); err != nil {
			p.logger.Warn("query-devices after token refresh failed", zap.Error(err))
		}
	}
}

// Link resolves which MQTT connection a device engine should attach to,
// preferring the authoritative broker from a recent SYSTEM_DEBUG report
// (debugBroker) over the cached descriptor firmware server.
func (p *Profile) Link(deviceID, descriptorServer string, descriptorPort int, debugBroker string) (*mqttbroker.Connection, error) {
	host, port := descriptorServer, descriptorPort
	if debugBroker != "" {
		host, port = splitHostPort(debugBroker)
	}
	if host == "" {
		return nil, fmt.Errorf("profile %s: no broker known for device %s", p.ID, deviceID)
	}
	key := mqttbroker.Key{ProfileID: p.ID, Host: host, Port: port}
	conn, err := p.pool.Get(key, mqttbroker.Config{Host: host, Port: port, ClientID: p.appID})
	if err != nil {
		return nil, err
	}
	conn.SetDiscoveryHandlers(p.onMQTTUnknownDevice, p.onMQTTDiscovered)
	return conn, nil
}

// onMQTTUnknownDevice handles a device id observed on one of this
// profile's broker connections with no attached engine: it triggers an
// out-of-cycle inventory refresh, since the cloud API is the source of
// truth for whether this id belongs to the account at all.
func (p *Profile) onMQTTUnknownDevice(deviceID string) {
	p.logger.Debug("mqtt: unrecognized device observed, refreshing inventory", zap.String("device_id", deviceID), zap.String("profile_id", p.ID))
	go func() {
		if err := p.QueryDevices(context.Background()); err != nil {
			p.logger.Debug("query-devices after mqtt discovery failed", zap.String("profile_id", p.ID), zap.Error(err))
		}
	}()
}

// onMQTTDiscovered forwards a completed discovery handshake to whatever
// the host application wired up, e.g. offering the device for setup.
func (p *Profile) onMQTTDiscovered(deviceID string, payload mqttbroker.DiscoveredPayload) {
	if p.OnDeviceDiscovered != nil {
		p.OnDeviceDiscovered(deviceID, payload)
	}
}

// Shutdown flushes the persisted store synchronously.
func (p *Profile) Shutdown() error {
	p.mu.Lock()
	snapshot := p.snapshotLocked()
	p.mu.Unlock()
	return p.store.SaveNow(snapshot)
}
