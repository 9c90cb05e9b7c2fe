package api

import (
	"encoding/json"
	"net/http"

	"github.com/nerrad567/gray-logic-accessory-bridge/internal/history"
	"github.com/nerrad567/gray-logic-accessory-bridge/internal/homekit"
	"github.com/nerrad567/gray-logic-accessory-bridge/internal/infrastructure/logging"
)

// diagnostics is implemented by *homekit.RealBridge.
type diagnostics interface {
	Subscriptions() *homekit.Subscriptions
	Correlator() *homekit.Correlator
}

// StateResponse is the body of GET /state.
type StateResponse struct {
	State         homekit.Lifecycle      `json:"state"`
	Ready         bool                   `json:"ready"`
	Stats         *homekit.Stats         `json:"stats,omitempty"`
	Subscriptions *int                   `json:"subscriptions,omitempty"`
	Observed      *int                   `json:"observed,omitempty"`
	Pending       *int                   `json:"pending_requests,omitempty"`
	WebSockets    int                    `json:"websocket_clients"`
	History       *history.RecorderStats `json:"history,omitempty"`
	DebugLogging  bool                   `json:"debug_logging"`
}

// handleHealth reports that the process is serving. It does not require the
// bridge to be ready.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": s.version,
		"bridge":  s.bridge.State(),
	})
}

func (s *Server) handleState(w http.ResponseWriter, _ *http.Request) {
	resp := StateResponse{
		State:        s.bridge.State(),
		Ready:        s.bridge.IsReady(),
		WebSockets:   s.hub.ClientCount(),
		DebugLogging: logging.DebugEnabled(),
	}
	if stats, err := s.bridge.Stats(); err == nil {
		resp.Stats = &stats
	}
	if d, ok := s.bridge.(diagnostics); ok {
		subs := d.Subscriptions().Count()
		observed := len(d.Subscriptions().Observed())
		pending := d.Correlator().Pending()
		resp.Subscriptions, resp.Observed, resp.Pending = &subs, &observed, &pending
	}
	if s.recorder != nil {
		st := s.recorder.Stats()
		resp.History = &st
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleInitialize(w http.ResponseWriter, r *http.Request) {
	if err := s.bridge.Initialize(r.Context()); err != nil {
		writeBridgeError(w, err)
		return
	}
	s.writeLifecycle(w)
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if err := s.bridge.Refresh(r.Context()); err != nil {
		writeBridgeError(w, err)
		return
	}
	s.writeLifecycle(w)
}

func (s *Server) writeLifecycle(w http.ResponseWriter) {
	resp := map[string]any{"state": s.bridge.State()}
	if stats, err := s.bridge.Stats(); err == nil {
		resp["stats"] = stats
	}
	writeJSON(w, http.StatusOK, resp)
}

// debugLoggingRequest is the body of PUT /debug-logging.
type debugLoggingRequest struct {
	Enabled *bool `json:"enabled"`
}

func (s *Server) handleDebugLogging(w http.ResponseWriter, r *http.Request) {
	var req debugLoggingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Enabled == nil {
		writeBadRequest(w, `body must be {"enabled": true|false}`)
		return
	}
	if err := s.bridge.SetDebugLoggingEnabled(*req.Enabled); err != nil {
		writeBridgeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"enabled": logging.DebugEnabled()})
}
