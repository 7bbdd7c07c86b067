// Package config loads the runtime configuration file: cloud profiles,
// statically-configured devices, and the status server block. Grounded
// on cmd/gateway/main.go's nested yaml.v3 Config struct and
// defaults-then-override loading pattern.
package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"merosslan/internal/device"
)

// Config is the top-level runtime configuration.
type Config struct {
	Profiles []ProfileConfig `yaml:"profiles"`
	Devices  []DeviceConfig  `yaml:"devices"`
	Status   StatusConfig    `yaml:"status"`
	LogLevel string          `yaml:"log_level"`
}

type ProfileConfig struct {
	ID              string        `yaml:"id"`
	Key             string        `yaml:"key"`
	Token           string        `yaml:"token,omitempty"`
	StorePath       string        `yaml:"store_path"`
	InventoryPeriod time.Duration `yaml:"inventory_period"`
}

type DeviceConfig struct {
	ID                  string        `yaml:"id"`
	Host                string        `yaml:"host,omitempty"`
	Key                 string        `yaml:"key"`
	Protocol            string        `yaml:"protocol"` // auto|http|mqtt
	ProfileID           string        `yaml:"profile_id"`
	PollingPeriod       time.Duration `yaml:"polling_period"`
	Timezone            string        `yaml:"timezone,omitempty"`
	BrokerHost          string        `yaml:"broker_host,omitempty"`
	BrokerPort          int           `yaml:"broker_port,omitempty"`
	DescriptorStorePath string        `yaml:"descriptor_store_path,omitempty"`
}

type StatusConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
	NATS    struct {
		Enabled bool     `yaml:"enabled"`
		Servers []string `yaml:"servers"`
		Subject string   `yaml:"subject"`
	} `yaml:"nats"`
}

// ResolveProtocol maps the config's string enum to device.Protocol.
func (c DeviceConfig) ResolveProtocol() device.Protocol {
	switch c.Protocol {
	case "http":
		return device.ProtocolHTTPOnly
	case "mqtt":
		return device.ProtocolMQTTOnly
	default:
		return device.ProtocolAuto
	}
}

// Default returns a Config with sane defaults, mirroring loadConfig's
// defaults-first approach before overlaying the file on top.
func Default() Config {
	return Config{
		LogLevel: "info",
		Status: StatusConfig{
			Enabled: true,
			Addr:    ":8090",
		},
	}
}

// Load reads path, falling back silently to Default() if the file does
// not exist (first-run convenience, matching the teacher's loadConfig).
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, err
	}
	for i := range cfg.Devices {
		if cfg.Devices[i].PollingPeriod <= 0 {
			cfg.Devices[i].PollingPeriod = device.DefaultPollingPeriod
		}
	}
	return cfg, nil
}
