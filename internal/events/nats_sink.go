package events

import (
	"encoding/json"
	"fmt"
	"sync/atomic"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// NATSSinkConfig mirrors the teacher's enabled-gate convention: disabled
// by default, a thin client to an external NATS deployment, never an
// embedded broker this process would own.
type NATSSinkConfig struct {
	Enabled bool
	Servers []string
	Subject string // e.g. "merosslan.events"
}

// NATSSink publishes lifecycle events to an external NATS subject for
// hosts that want to observe them outside this process (dashboards,
// automations). Purely additive: engine correctness never depends on it.
type NATSSink struct {
	conn    *nats.Conn
	subject string
	logger  *zap.Logger

	published uint64 // atomic
	errors    uint64 // atomic
}

// NewNATSSink connects to cfg.Servers[0]; any further entries are not
// used. Returns an error if disabled, if no server is listed, or if the
// connection attempt fails.
func NewNATSSink(cfg NATSSinkConfig, logger *zap.Logger) (*NATSSink, error) {
	if !cfg.Enabled {
		return nil, fmt.Errorf("events: nats sink disabled")
	}
	if len(cfg.Servers) == 0 {
		return nil, fmt.Errorf("events: nats sink requires at least one server")
	}

	conn, err := nats.Connect(cfg.Servers[0], nats.Name("merosslan"), nats.MaxReconnects(-1))
	if err != nil {
		return nil, fmt.Errorf("events: connect nats sink: %w", err)
	}

	return &NATSSink{conn: conn, subject: cfg.Subject, logger: logger}, nil
}

// Publish implements Sink.
func (s *NATSSink) Publish(e Event) {
	payload, err := json.Marshal(e)
	if err != nil {
		atomic.AddUint64(&s.errors, 1)
		return
	}
	if err := s.conn.Publish(s.subject, payload); err != nil {
		atomic.AddUint64(&s.errors, 1)
		s.logger.Debug("nats sink publish failed", zap.Error(err))
		return
	}
	atomic.AddUint64(&s.published, 1)
}

func (s *NATSSink) Close() {
	_ = s.conn.Drain()
	s.conn.Close()
}

// Stats returns (published, errors) counters for diagnostics.
func (s *NATSSink) Stats() (uint64, uint64) {
	return atomic.LoadUint64(&s.published), atomic.LoadUint64(&s.errors)
}
