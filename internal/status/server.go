// Package status serves the operator-facing diagnostic surface: health,
// a device-status snapshot, and a websocket event stream. Grounded on
// the teacher's internal/gateway.IndustrialGateway HTTP server (mux with
// /health and /metrics, a gorilla/websocket upgrader broadcasting to a
// sync.Map of clients), trimmed of the teacher's auth/audit middleware
// since nothing in this domain needs it (see DESIGN.md).
package status

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"merosslan/internal/events"
)

// DeviceSnapshot is what one device contributes to GET /status.
type DeviceSnapshot struct {
	ID       string `json:"id"`
	Online   bool   `json:"online"`
	Protocol string `json:"protocol"`
}

// SnapshotProvider supplies the current device list for /status; the
// registry implements this without status importing it directly.
type SnapshotProvider func() []DeviceSnapshot

// Server is the status/diagnostics HTTP+websocket endpoint.
type Server struct {
	logger   *zap.Logger
	snapshot SnapshotProvider
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*websocket.Conn]bool

	httpSrv *http.Server
}

// New builds a status server listening on addr. bus, if non-nil, is
// subscribed so lifecycle events are broadcast to every websocket client.
func New(addr string, snapshot SnapshotProvider, bus *events.Bus, logger *zap.Logger) *Server {
	s := &Server{
		logger:   logger,
		snapshot: snapshot,
		upgrader: websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }},
		clients:  make(map[*websocket.Conn]bool),
	}

	if bus != nil {
		bus.Subscribe(events.SinkFunc(s.broadcast))
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/events", s.handleEvents)
	mux.Handle("/metrics", promhttp.Handler())

	s.httpSrv = &http.Server{Addr: addr, Handler: mux}
	return s
}

// Handler exposes the underlying mux for tests that want to drive it
// with httptest.NewServer without binding a real listener.
func (s *Server) Handler() http.Handler { return s.httpSrv.Handler }

func (s *Server) Start() error {
	s.logger.Info("status server listening", zap.String("addr", s.httpSrv.Addr))
	err := s.httpSrv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(s.snapshot())
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	s.mu.Lock()
	s.clients[conn] = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.clients, conn)
		s.mu.Unlock()
		conn.Close()
	}()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *Server) broadcast(e events.Event) {
	payload, err := json.Marshal(e)
	if err != nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for conn := range s.clients {
		if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			conn.Close()
			delete(s.clients, conn)
		}
	}
}
