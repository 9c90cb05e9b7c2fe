package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/nerrad567/gray-logic-accessory-bridge/internal/history"
	"github.com/nerrad567/gray-logic-accessory-bridge/internal/homekit"
	"github.com/nerrad567/gray-logic-accessory-bridge/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-accessory-bridge/internal/infrastructure/logging"
)

// gracefulShutdownTimeout bounds how long Close waits for in-flight requests.
const gracefulShutdownTimeout = 10 * time.Second

// Deps holds the dependencies required by the API server.
type Deps struct {
	Config   config.APIConfig
	WS       config.WebSocketConfig
	Security config.SecurityConfig
	Logger   *logging.Logger
	Bridge   homekit.Bridge

	// History is optional. Without it the history route answers 503.
	History history.Repository

	// Recorder is optional and only used for /state diagnostics.
	Recorder *history.Recorder

	Version string
}

// Server is the HTTP API server.
type Server struct {
	cfg      config.APIConfig
	wsCfg    config.WebSocketConfig
	secCfg   config.SecurityConfig
	logger   *logging.Logger
	bridge   homekit.Bridge
	history  history.Repository
	recorder *history.Recorder
	version  string

	hub            *Hub
	removeObserver func()

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
}

// New creates a server. It does not listen until Start is called.
//
// Parameters:
//   - deps: Logger and Bridge are required
//
// Returns:
//   - *Server: Configured server
//   - error: If a required dependency is missing
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if deps.Bridge == nil {
		return nil, fmt.Errorf("bridge is required")
	}

	s := &Server{
		cfg:      deps.Config,
		wsCfg:    deps.WS,
		secCfg:   deps.Security,
		logger:   deps.Logger,
		bridge:   deps.Bridge,
		history:  deps.History,
		recorder: deps.Recorder,
		version:  deps.Version,
	}
	s.hub = NewHub(deps.Bridge, deps.WS, deps.Logger)
	return s, nil
}

// Start registers the hub as a bridge observer and serves HTTP in the
// background until Close.
//
// Parameters:
//   - ctx: Cancelling it disconnects WebSocket clients
//
// Returns:
//   - error: If the listener cannot be opened
func (s *Server) Start(ctx context.Context) error {
	remove, err := s.bridge.AddObserver(s.hub.Broadcast, BroadcastKinds...)
	switch {
	case err == nil:
		s.removeObserver = remove
	case errors.Is(err, homekit.ErrPlatformUnavailable):
		s.logger.Warn("accessory events unavailable, websocket will only answer requests")
	default:
		return fmt.Errorf("registering event observer: %w", err)
	}

	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		if s.removeObserver != nil {
			s.removeObserver()
		}
		return fmt.Errorf("listening on %s: %w", addr, err)
	}

	srv := &http.Server{
		Handler:           s.buildRouter(),
		ReadTimeout:       time.Duration(s.cfg.Timeouts.Read) * time.Second,
		ReadHeaderTimeout: time.Duration(s.cfg.Timeouts.Read) * time.Second,
		WriteTimeout:      time.Duration(s.cfg.Timeouts.Write) * time.Second,
		IdleTimeout:       time.Duration(s.cfg.Timeouts.Idle) * time.Second,
	}

	s.mu.Lock()
	s.server = srv
	s.listener = ln
	s.mu.Unlock()

	go s.hub.Run(ctx)
	go func() {
		s.logger.Info("API server listening", "address", ln.Addr().String())
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
		}
	}()
	return nil
}

// Addr returns the listening address, or "" before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Close stops accepting connections, disconnects WebSocket clients and
// waits for in-flight requests.
func (s *Server) Close() error {
	s.mu.Lock()
	srv := s.server
	s.server = nil
	s.mu.Unlock()

	if s.removeObserver != nil {
		s.removeObserver()
		s.removeObserver = nil
	}
	s.hub.closeAll()

	if srv == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()

	s.logger.Info("API server shutting down")
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down API server: %w", err)
	}
	return nil
}
