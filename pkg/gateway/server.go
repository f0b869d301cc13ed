// Package gateway exposes run state, lock status and the live event stream
// over HTTP and WebSocket.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harun/runcore/internal/observability"
	"github.com/harun/runcore/internal/tracing"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Config holds server configuration
type Config struct {
	Host   string
	Port   int
	Runs   RunReader
	Locks  LockReader
	Logger *zerolog.Logger

	// ConnectRPM limits /events upgrades per client IP. Zero disables limiting.
	ConnectRPM   int
	ConnectBurst int
}

// Server serves /events, /runs, /locks, /metrics and /healthz.
type Server struct {
	addr        string
	runs        RunReader
	locks       LockReader
	clients     *ClientRegistry
	broadcaster *EventBroadcaster
	limiter     *RateLimiter
	upgrader    websocket.Upgrader
	logger      zerolog.Logger

	mu             sync.Mutex
	server         *http.Server
	listener       net.Listener
	isShuttingDown bool
	pumps          sync.WaitGroup
}

// NewServer creates a new gateway server
func NewServer(cfg Config) (*Server, error) {
	if cfg.Port < 0 || cfg.Port > 65535 {
		return nil, fmt.Errorf("invalid port: %d", cfg.Port)
	}
	if cfg.Runs == nil {
		return nil, fmt.Errorf("run reader is required")
	}
	if cfg.Locks == nil {
		return nil, fmt.Errorf("lock reader is required")
	}

	logger := log.Logger
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	logger = logger.With().Str("component", "gateway").Logger()

	clients := NewClientRegistry()
	return &Server{
		addr:        net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		runs:        cfg.Runs,
		locks:       cfg.Locks,
		clients:     clients,
		broadcaster: NewEventBroadcaster(clients, logger),
		limiter:     NewRateLimiter(cfg.ConnectRPM, cfg.ConnectBurst),
		logger:      logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				return true // read-only stream
			},
		},
	}, nil
}

// Broadcaster returns the sink that fans events out to /events clients.
func (s *Server) Broadcaster() *EventBroadcaster {
	return s.broadcaster
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /events", s.handleEvents)
	mux.HandleFunc("GET /runs", s.handleListRuns)
	mux.HandleFunc("GET /runs/{id}", s.handleGetRun)
	mux.HandleFunc("GET /locks", s.handleLocks)
	mux.HandleFunc("GET /clients", s.handleClients)
	mux.Handle("GET /metrics", observability.MetricsHandler())
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"status":  "ok",
			"clients": s.clients.Count(),
		})
	})
	return mux
}

// Start listens on the configured address and serves in the background.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.server != nil {
		return fmt.Errorf("gateway already started")
	}

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.listener = ln
	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	srv := s.server
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("Gateway server error")
		}
	}()

	s.logger.Info().Str("addr", ln.Addr().String()).Msg("Gateway server started")
	return nil
}

// Addr returns the bound address, useful when listening on port 0.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return s.addr
	}
	return s.listener.Addr().String()
}

// Stop closes every client stream and shuts the HTTP server down.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	s.isShuttingDown = true
	srv := s.server
	s.mu.Unlock()

	for _, client := range s.clients.GetAll() {
		s.clients.Remove(client.ID)
	}

	done := make(chan struct{})
	go func() {
		s.pumps.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warn().Msg("Shutdown timeout reached, forcing close")
	}

	if srv == nil {
		return nil
	}
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}
	s.logger.Info().Msg("Gateway server stopped")
	return nil
}

// GetConnectedClients returns information about all connected clients
func (s *Server) GetConnectedClients() []ClientInfo {
	return s.clients.GetConnectedClients()
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	shuttingDown := s.isShuttingDown
	s.mu.Unlock()
	if shuttingDown {
		writeError(w, http.StatusServiceUnavailable, "server is shutting down")
		return
	}
	if ip := clientIP(r.RemoteAddr); !s.limiter.Allow(ip) {
		s.logger.Warn().Str("ip", ip).Msg("Event stream connection rate limited")
		writeError(w, http.StatusTooManyRequests, "too many connection attempts")
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Failed to upgrade connection")
		return
	}

	clientID, err := gonanoid.New()
	if err != nil {
		conn.Close()
		s.logger.Error().Err(err).Msg("Failed to generate client id")
		return
	}

	query := r.URL.Query()
	client := newClient(clientID, conn, query.Get("run_id"), query.Get("session_id"), r.RemoteAddr)
	s.clients.Add(client)

	s.logger.Info().
		Str("clientId", clientID).
		Str("ip", r.RemoteAddr).
		Str("run_id", client.RunID).
		Str("session_id", client.SessionID).
		Msg("Client connected")

	s.pumps.Add(2)
	go func() {
		defer s.pumps.Done()
		client.writePump()
	}()
	go func() {
		defer s.pumps.Done()
		client.readPump(s.logger)
		s.clients.Remove(client.ID)
		s.logger.Info().Str("clientId", client.ID).Msg("Client disconnected")
	}()
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.runs.ListRuns())
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")
	logger := tracing.LoggerFromContext(tracing.WithRunID(r.Context(), runID), s.logger)

	run, ok := s.runs.GetRunState(runID)
	if !ok {
		logger.Debug().Msg("Run not found")
		writeError(w, http.StatusNotFound, fmt.Sprintf("run %q not found", runID))
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleLocks(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Query().Get("path")
	if path == "" {
		writeJSON(w, http.StatusOK, s.locks.GetStats())
		return
	}
	writeJSON(w, http.StatusOK, s.locks.GetLockStatus(path))
}

func (s *Server) handleClients(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.clients.GetConnectedClients())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, ErrorResponse{Error: message})
}
