// Package metrics exposes Prometheus counters and gauges for the engine,
// grounded on the teacher's gateway.IndustrialGateway metrics block
// (internal/gateway/server.go initMetrics) and registered the same way
// (direct prometheus.NewCounter/NewGauge + MustRegister), instead of the
// promauto sugar, to match the teacher's explicit registration style.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics groups every counter/gauge the engine updates.
type Metrics struct {
	RequestsTotal          *prometheus.CounterVec
	RequestErrorsTotal     *prometheus.CounterVec
	OnlineTransitionsTotal *prometheus.CounterVec
	BatchFlushesTotal      prometheus.Counter
	TruncationRecoveries   prometheus.Counter
	DevicesOnline          prometheus.Gauge
	PollLatency            prometheus.Histogram
}

// New builds and registers the metric set against reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "merosslan_requests_total",
			Help: "Requests sent per device per transport.",
		}, []string{"device_id", "transport"}),
		RequestErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "merosslan_request_errors_total",
			Help: "Failed requests per device per transport kind.",
		}, []string{"device_id", "kind"}),
		OnlineTransitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "merosslan_online_transitions_total",
			Help: "Online/offline transitions per device.",
		}, []string{"device_id", "state"}),
		BatchFlushesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "merosslan_batch_flushes_total",
			Help: "Multi-request batch flushes across all devices.",
		}),
		TruncationRecoveries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "merosslan_truncation_recoveries_total",
			Help: "Truncated HTTP replies successfully salvaged.",
		}),
		DevicesOnline: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "merosslan_devices_online",
			Help: "Current count of online devices.",
		}),
		PollLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "merosslan_poll_latency_seconds",
			Help:    "Latency of one polling sweep tick.",
			Buckets: prometheus.DefBuckets,
		}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestErrorsTotal,
		m.OnlineTransitionsTotal,
		m.BatchFlushesTotal,
		m.TruncationRecoveries,
		m.DevicesOnline,
		m.PollLatency,
	)
	return m
}
