package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"merosslan/internal/config"
	"merosslan/internal/device"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := config.Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	require.True(t, cfg.Status.Enabled)
	require.Equal(t, ":8090", cfg.Status.Addr)
}

func TestLoadParsesDevicesAndProfiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := `
log_level: debug
profiles:
  - id: user1
    key: secret
    store_path: ./user1.json
devices:
  - id: dev1
    host: 192.168.1.10
    key: devkey
    protocol: http
    profile_id: local
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o600))

	cfg, err := config.Load(path)
	require.NoError(t, err)
	require.Equal(t, "debug", cfg.LogLevel)
	require.Len(t, cfg.Profiles, 1)
	require.Equal(t, "user1", cfg.Profiles[0].ID)
	require.Len(t, cfg.Devices, 1)
	require.Equal(t, device.DefaultPollingPeriod, cfg.Devices[0].PollingPeriod)
	require.Equal(t, device.ProtocolHTTPOnly, cfg.Devices[0].ResolveProtocol())
}
