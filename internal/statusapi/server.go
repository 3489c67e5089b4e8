// Package statusapi serves a small read-only HTTP surface for the
// people running the kiosk: health of its dependencies, the current
// session, and a websocket feed of operational events.
package statusapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nugget/pulsekiosk/internal/buildinfo"
	"github.com/nugget/pulsekiosk/internal/connwatch"
	"github.com/nugget/pulsekiosk/internal/devicelink"
	"github.com/nugget/pulsekiosk/internal/events"
	"github.com/nugget/pulsekiosk/internal/scan"
)

// ScanSource exposes the orchestrator state.
type ScanSource interface {
	Snapshot() scan.Snapshot
}

// LinkSource exposes the peripheral connection state.
type LinkSource interface {
	Snapshot() devicelink.DeviceConnection
	MalformedPayloads() int64
}

// HealthSource exposes dependency watchers.
type HealthSource interface {
	Status() map[string]connwatch.ServiceStatus
	Healthy() bool
}

// PendingCounter reports how many measurements are held for replay.
type PendingCounter interface {
	Count(ctx context.Context) (int, error)
}

// Config wires the server. Scan, Link and Health are required.
type Config struct {
	Address string
	Port    int
	Scan    ScanSource
	Link    LinkSource
	Health  HealthSource
	Pending PendingCounter            // optional
	Bus     *events.Bus[events.Event] // optional; /events is 404 without it
	Logger  *slog.Logger
}

// Server is the status HTTP server.
type Server struct {
	cfg      Config
	logger   *slog.Logger
	server   *http.Server
	upgrader websocket.Upgrader
}

// New creates a server.
func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:    cfg,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// Read-only feed on the kiosk LAN.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", s.handleRoot)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /status", s.handleStatus)
	if s.cfg.Bus != nil {
		mux.HandleFunc("GET /events", s.handleEvents)
	}
	return s.withLogging(mux)
}

// Start serves until Shutdown. It returns nil after a clean shutdown.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.Address, s.cfg.Port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	s.logger.Info("starting status server", "address", s.cfg.Address, "port", s.cfg.Port)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debug("failed to write JSON response", "error", err)
	}
}

func (s *Server) handleRoot(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{
		"name":    "pulsekiosk",
		"version": buildinfo.Version,
		"uptime":  buildinfo.Uptime().String(),
	})
}

// HealthResponse is the /healthz body.
type HealthResponse struct {
	Status   string                             `json:"status"` // ok, degraded, out_of_service
	Services map[string]connwatch.ServiceStatus `json:"services"`
	Link     devicelink.DeviceConnection        `json:"link"`
}

// handleHealth answers 503 only when the kiosk is out of service; a
// missing strap or broker is reported as degraded.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	resp := HealthResponse{
		Status:   "ok",
		Services: s.cfg.Health.Status(),
		Link:     s.cfg.Link.Snapshot(),
	}
	if !s.cfg.Health.Healthy() || resp.Link.Status != devicelink.StatusStreaming {
		resp.Status = "degraded"
	}

	code := http.StatusOK
	if s.cfg.Scan.Snapshot().OutOfService {
		resp.Status = "out_of_service"
		code = http.StatusServiceUnavailable
	}
	s.writeJSON(w, code, resp)
}

// StatusResponse is the /status body.
type StatusResponse struct {
	Scan    scan.Snapshot               `json:"scan"`
	Link    devicelink.DeviceConnection `json:"link"`
	Pending *int                        `json:"pending_measurements,omitempty"`

	// MalformedPayloads counts notifications the link could not decode.
	MalformedPayloads int64 `json:"malformed_payloads"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := StatusResponse{
		Scan:              s.cfg.Scan.Snapshot(),
		Link:              s.cfg.Link.Snapshot(),
		MalformedPayloads: s.cfg.Link.MalformedPayloads(),
	}
	if s.cfg.Pending != nil {
		if n, err := s.cfg.Pending.Count(r.Context()); err != nil {
			s.logger.Warn("count pending measurements", "error", err)
		} else {
			resp.Pending = &n
		}
	}
	s.writeJSON(w, http.StatusOK, resp)
}

const (
	eventWriteWait  = 5 * time.Second
	eventPingPeriod = 30 * time.Second
)

// handleEvents streams bus events as JSON text frames until the client
// goes away. Slow clients miss events rather than stalling the bus.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	sub := s.cfg.Bus.Subscribe(64)
	defer s.cfg.Bus.Unsubscribe(sub)

	// The reader only exists to notice the close frame.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(eventPingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-gone:
			return
		case ev, ok := <-sub:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(eventWriteWait))
			if err := conn.WriteJSON(ev); err != nil {
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					s.logger.Debug("event feed write failed", "error", err)
				}
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(eventWriteWait)); err != nil {
				return
			}
		}
	}
}
