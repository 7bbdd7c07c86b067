package mqttbroker

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// Pool multiplexes Connections by Key so that every device whose broker
// resolves to the same (profile, host, port) shares one paho client,
// matching the profile layer's one-socket-per-broker discipline.
type Pool struct {
	logger *zap.Logger

	mu    sync.Mutex
	conns map[Key]*Connection
}

func NewPool(logger *zap.Logger) *Pool {
	return &Pool{logger: logger, conns: make(map[Key]*Connection)}
}

// Get returns the existing connection for key, or opens a new one using
// cfg. The open happens synchronously with a 10s handshake timeout.
func (p *Pool) Get(key Key, cfg Config) (*Connection, error) {
	p.mu.Lock()
	if conn, ok := p.conns[key]; ok {
		p.mu.Unlock()
		return conn, nil
	}
	conn := NewConnection(key, cfg, p.logger)
	p.conns[key] = conn
	p.mu.Unlock()

	if err := conn.Open(10 * time.Second); err != nil {
		p.mu.Lock()
		delete(p.conns, key)
		p.mu.Unlock()
		return nil, err
	}
	return conn, nil
}

// Release closes and forgets the connection for key once nothing is
// attached to it anymore (caller's responsibility to check).
func (p *Pool) Release(key Key) {
	p.mu.Lock()
	conn, ok := p.conns[key]
	delete(p.conns, key)
	p.mu.Unlock()
	if ok {
		conn.Close()
	}
}

func (p *Pool) CloseAll() {
	p.mu.Lock()
	conns := make([]*Connection, 0, len(p.conns))
	for _, c := range p.conns {
		conns = append(conns, c)
	}
	p.conns = make(map[Key]*Connection)
	p.mu.Unlock()
	for _, c := range conns {
		c.Close()
	}
}
