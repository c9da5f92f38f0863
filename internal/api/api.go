// Package api provides the HTTP surface for the monitor.
//
// # Endpoints
//
//   - GET  /api/status - all target statuses, full history, config order
//   - GET  /api/config - active configuration
//   - POST /api/config - replace configuration (hot-reload)
//   - GET  /api/events - SSE stream: init, update, lag events
//   - GET  /api/system - process/host metrics for the dashboard header
//   - GET  /api/health - liveness check
package api

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/ifpj/netwatch/internal/bus"
	"github.com/ifpj/netwatch/internal/config"
	"github.com/ifpj/netwatch/internal/supervisor"
	"github.com/ifpj/netwatch/internal/sysinfo"
	"github.com/ifpj/netwatch/pkg/types"
)

// maxConfigBody bounds POST /api/config payloads.
const maxConfigBody = 1 << 20

// Server is the HTTP API server.
type Server struct {
	sup    *supervisor.Supervisor
	bus    *bus.Bus
	sys    *sysinfo.Collector
	logger *slog.Logger
	mux    *http.ServeMux

	// readOnly rejects config writes during shutdown.
	readOnly atomic.Bool
}

// NewServer creates the API server.
func NewServer(sup *supervisor.Supervisor, b *bus.Bus, sys *sysinfo.Collector, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		sup:    sup,
		bus:    b,
		sys:    sys,
		logger: logger.With("component", "api"),
		mux:    http.NewServeMux(),
	}
	s.registerRoutes()
	return s
}

// SetReadOnly toggles rejection of config writes. The shutdown coordinator
// flips this before quiescing runners.
func (s *Server) SetReadOnly(v bool) {
	s.readOnly.Store(v)
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusOK)
		return
	}

	start := time.Now()
	s.mux.ServeHTTP(w, r)
	s.logger.Debug("request",
		"method", r.Method,
		"path", r.URL.Path,
		"duration", time.Since(start))
}

func (s *Server) registerRoutes() {
	routes := map[string]map[string]http.HandlerFunc{
		"/api/status": {http.MethodGet: s.handleStatus},
		"/api/config": {http.MethodGet: s.handleGetConfig, http.MethodPost: s.handlePostConfig},
		"/api/events": {http.MethodGet: s.handleEvents},
		"/api/system": {http.MethodGet: s.handleSystem},
		"/api/health": {http.MethodGet: s.handleHealth},
	}
	for path, byMethod := range routes {
		byMethod := byMethod
		s.mux.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
			h, ok := byMethod[r.Method]
			if !ok {
				http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
				return
			}
			h(w, r)
		})
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.sup.Statuses())
}

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.sup.Config())
}

// configResult is the POST /api/config response body.
type configResult struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

func (s *Server) handlePostConfig(w http.ResponseWriter, r *http.Request) {
	if s.readOnly.Load() {
		writeJSON(w, http.StatusServiceUnavailable, configResult{
			Success: false,
			Error:   "shutting down",
		})
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxConfigBody))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, configResult{
			Success: false,
			Error:   "reading request body: " + err.Error(),
		})
		return
	}

	cfg, err := config.Parse(body, false)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, configResult{
			Success: false,
			Error:   err.Error(),
		})
		return
	}

	if err := s.sup.Apply(cfg); err != nil {
		s.logger.Error("config apply failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, configResult{
			Success: false,
			Error:   err.Error(),
		})
		return
	}

	writeJSON(w, http.StatusOK, configResult{Success: true})
}

func (s *Server) handleSystem(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.sys.Collect())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// writeJSON serializes v with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// truncateRecords bounds the records carried by SSE payloads.
func truncateRecords(st types.TargetStatus, n int) types.TargetStatus {
	if len(st.Records) > n {
		st.Records = st.Records[:n]
	}
	return st
}
