package profile_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"merosslan/internal/mqttbroker"
	"merosslan/internal/profile"
)

type fakeAPI struct {
	devices         []profile.DeviceInfo
	subDeviceHubIDs []string
}

func (f *fakeAPI) QueryDevices(ctx context.Context, token string) ([]profile.DeviceInfo, error) {
	return f.devices, nil
}
func (f *fakeAPI) QuerySubDevices(ctx context.Context, token, hub string) ([]map[string]any, error) {
	f.subDeviceHubIDs = append(f.subDeviceHubIDs, hub)
	return []map[string]any{{"subDeviceId": "sub1"}}, nil
}
func (f *fakeAPI) Logout(ctx context.Context, token string) error { return nil }

func TestQueryDevicesFlagsUnknownDevices(t *testing.T) {
	dir := t.TempDir()
	store := profile.NewStore(filepath.Join(dir, "profile.json"), zap.NewNop())
	require.NoError(t, store.SaveNow(profile.StoreData{Token: "tok"}))
	api := &fakeAPI{devices: []profile.DeviceInfo{{DeviceID: "dev1", Domain: "mqtt.example:443"}}}
	pool := mqttbroker.NewPool(zap.NewNop())

	p, err := profile.New("user1", "key", store, api, pool, zap.NewNop())
	require.NoError(t, err)

	var unknown []string
	done := make(chan struct{}, 1)
	p.OnUnknownDevice = func(d profile.DeviceInfo) {
		unknown = append(unknown, d.DeviceID)
		done <- struct{}{}
	}

	require.NoError(t, p.QueryDevices(context.Background()))
	<-done
	require.Equal(t, []string{"dev1"}, unknown)
}

func TestQueryDevicesFetchesSubDevicesForHubType(t *testing.T) {
	dir := t.TempDir()
	store := profile.NewStore(filepath.Join(dir, "profile.json"), zap.NewNop())
	require.NoError(t, store.SaveNow(profile.StoreData{Token: "tok"}))
	api := &fakeAPI{devices: []profile.DeviceInfo{
		{DeviceID: "hub1", DeviceType: "msh300", Domain: "mqtt.example:443"},
		{DeviceID: "plug1", DeviceType: "mss310", Domain: "mqtt.example:443"},
	}}
	pool := mqttbroker.NewPool(zap.NewNop())

	p, err := profile.New("user1", "key", store, api, pool, zap.NewNop())
	require.NoError(t, err)
	p.OnUnknownDevice = func(profile.DeviceInfo) {}

	require.NoError(t, p.QueryDevices(context.Background()))
	require.Equal(t, []string{"hub1"}, api.subDeviceHubIDs, "only the hub-type device should trigger a sub-device query")
}

func TestNewGeneratesAppIDWhenMissing(t *testing.T) {
	dir := t.TempDir()
	store := profile.NewStore(filepath.Join(dir, "profile.json"), zap.NewNop())
	pool := mqttbroker.NewPool(zap.NewNop())
	p, err := profile.New("local", "key", store, &fakeAPI{}, pool, zap.NewNop())
	require.NoError(t, err)
	require.NotNil(t, p)

	require.NoError(t, p.Shutdown())
	data, err := store.Load()
	require.NoError(t, err)
	require.Len(t, data.AppID, 32)
}
