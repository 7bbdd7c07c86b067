// Command engine wires configuration, the device registry, cloud
// profiles, and the status server together, grounded on
// cmd/gateway/main.go's flag-parsing + signal-based graceful shutdown.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"merosslan/internal/config"
	"merosslan/internal/device"
	"merosslan/internal/events"
	"merosslan/internal/httpdevice"
	"merosslan/internal/metrics"
	"merosslan/internal/mqttbroker"
	"merosslan/internal/profile"
	"merosslan/internal/registry"
	"merosslan/internal/status"
	"merosslan/internal/wire"
)

func main() {
	configFile := flag.String("config", "merosslan.yaml", "path to configuration file")
	logLevel := flag.String("log-level", "", "override log level (debug, info, warn, error)")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		panic("failed to load configuration: " + err.Error())
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}

	logger := setupLogger(cfg.LogLevel)
	defer logger.Sync()

	logger.Info("starting engine", zap.String("config", *configFile))

	reg := registry.New()
	pool := mqttbroker.NewPool(logger)
	bus := events.NewBus()
	metricsSet := metrics.New(prometheus.DefaultRegisterer)

	profilesByID := make(map[string]*profile.Profile, len(cfg.Profiles))
	for _, pc := range cfg.Profiles {
		store := profile.NewStore(pc.StorePath, logger)
		p, err := profile.New(pc.ID, pc.Key, store, noopCloudAPI{}, pool, logger)
		if err != nil {
			logger.Error("profile init failed", zap.String("profile_id", pc.ID), zap.Error(err))
			continue
		}
		p.OnUnknownDevice = func(dev profile.DeviceInfo) {
			bus.Publish(events.Event{Kind: events.KindDiscovered, DeviceID: dev.DeviceID})
		}
		p.OnDeviceDiscovered = func(deviceID string, payload mqttbroker.DiscoveredPayload) {
			logger.Info("mqtt discovery handshake complete", zap.String("device_id", deviceID), zap.String("profile_id", pc.ID))
			bus.Publish(events.Event{Kind: events.KindDiscovered, DeviceID: deviceID})
		}
		reg.AddProfile(p)
		profilesByID[pc.ID] = p
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for _, dc := range cfg.Devices {
		var httpClient *httpdevice.Client
		budget := httpdevice.NewBudget()
		if dc.Host != "" {
			httpClient = httpdevice.New(dc.Host, dc.Key, "/app/self/publish", budget, httpdevice.DefaultConfig(), logger)
			httpClient.OnTruncationRecovered = metricsSet.TruncationRecoveries.Inc
		}

		d := device.New(device.Config{
			ID:                 dc.ID,
			Key:                dc.Key,
			ConfiguredProtocol: dc.ResolveProtocol(),
			HasLANHost:         dc.Host != "",
			BelongsToCloud:     dc.ProfileID != profile.LocalProfileID,
			PollingPeriod:      dc.PollingPeriod,
		}, httpClient, nil, logger)

		d.RegisterStrategy(&device.Strategy{Namespace: "Appliance.System.All", Method: "GET", Payload: map[string]any{}})
		d.AttachBus(bus)
		d.AttachMetrics(metricsSet)
		if dc.DescriptorStorePath != "" {
			d.AttachDescriptorStore(device.NewDescriptorStore(dc.DescriptorStorePath, logger))
		}
		reg.AddDevice(d)

		if p, ok := profilesByID[dc.ProfileID]; ok {
			linkDeviceMQTT(d, p, dc, logger)
		}

		d.StartPolling(ctx)
	}

	var statusSrv *status.Server
	if cfg.Status.Enabled {
		statusSrv = status.New(cfg.Status.Addr, func() []status.DeviceSnapshot {
			devices := reg.Devices()
			out := make([]status.DeviceSnapshot, 0, len(devices))
			for _, d := range devices {
				out = append(out, status.DeviceSnapshot{ID: d.ID, Online: d.Online(), Protocol: d.CurrentProtocol().String()})
			}
			return out
		}, bus, logger)
		go func() {
			if err := statusSrv.Start(); err != nil {
				logger.Error("status server failed", zap.Error(err))
			}
		}()
	}

	if cfg.Status.NATS.Enabled {
		sink, err := events.NewNATSSink(events.NATSSinkConfig{
			Enabled: true,
			Servers: cfg.Status.NATS.Servers,
			Subject: cfg.Status.NATS.Subject,
		}, logger)
		if err != nil {
			logger.Warn("nats event sink unavailable", zap.Error(err))
		} else {
			bus.Subscribe(sink)
			defer sink.Close()
		}
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	logger.Info("shutdown signal received")

	for _, d := range reg.Devices() {
		d.StopPolling()
	}
	for _, p := range reg.Profiles() {
		if err := p.Shutdown(); err != nil {
			logger.Warn("profile shutdown save failed", zap.Error(err))
		}
	}
	if statusSrv != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = statusSrv.Shutdown(shutdownCtx)
	}
	pool.CloseAll()
	cancel()

	logger.Info("engine shutdown complete")
}

func setupLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	cfg := zap.Config{
		Level:       zap.NewAtomicLevelAt(zapLevel),
		Development: false,
		Encoding:    "json",
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "timestamp",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			MessageKey:     "msg",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.LowercaseLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.SecondsDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := cfg.Build()
	if err != nil {
		panic("failed to initialize logger: " + err.Error())
	}
	return logger
}

// linkDeviceMQTT obtains-or-creates the broker connection a device's
// profile points it at and attaches it to the engine. Skipped quietly
// when no broker is configured for the device yet (e.g. AUTO transport
// still waiting on a LAN host); discovery picks up unconfigured devices
// through the profile's OnUnknownDevice callback instead.
func linkDeviceMQTT(d *device.Device, p *profile.Profile, dc config.DeviceConfig, logger *zap.Logger) {
	if dc.BrokerHost == "" {
		return
	}
	conn, err := p.Link(dc.ID, dc.BrokerHost, dc.BrokerPort, d.DebugBroker())
	if err != nil {
		logger.Warn("mqtt link failed", zap.String("device_id", dc.ID), zap.Error(err))
		return
	}
	d.AttachMQTT(conn)
	inbound := func(deviceID string, env wire.Envelope) { d.Receive(device.TransportMQTT, env) }
	lifecycle := func(connected bool) {
		if connected {
			d.OnMQTTConnected(conn.Publishable())
		} else {
			d.OnMQTTDisconnected()
		}
	}
	if err := conn.Attach(dc.ID, inbound, lifecycle); err != nil {
		logger.Warn("mqtt attach failed", zap.String("device_id", dc.ID), zap.Error(err))
	}
}

// noopCloudAPI is the default cloud collaborator until a real client is
// configured; query-devices simply returns an empty inventory.
type noopCloudAPI struct{}

func (noopCloudAPI) QueryDevices(ctx context.Context, token string) ([]profile.DeviceInfo, error) {
	return nil, nil
}
func (noopCloudAPI) QuerySubDevices(ctx context.Context, token, hub string) ([]map[string]any, error) {
	return nil, nil
}
func (noopCloudAPI) Logout(ctx context.Context, token string) error { return nil }
