package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/danarchy-io/stargaze-gateway/internal/device"
	"github.com/danarchy-io/stargaze-gateway/internal/process"
	"github.com/danarchy-io/stargaze-gateway/internal/relay"
	"github.com/danarchy-io/stargaze-gateway/internal/session"
)

// buildRouter creates the HTTP router with all routes and middleware.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)

	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/status", s.handleStatus)
		r.Get("/devices/configs", s.handleListConfigs)
		r.Get("/cycles", s.handleListCycles)
	})

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeNotFound(w, "no such endpoint")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, ErrCodeMethodNotAllow, "method not allowed")
	})

	return r
}

// healthResponse is the body of GET /api/v1/health.
type healthResponse struct {
	Status  string `json:"status"`
	State   string `json:"state"`
	Version string `json:"version"`
}

// handleHealth returns 200 while the session is Running and 503 otherwise.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	state := s.session.State()
	resp := healthResponse{Status: "ok", State: state.String(), Version: s.version}
	status := http.StatusOK
	if state != session.Running {
		resp.Status = "degraded"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

// statusResponse is the body of GET /api/v1/status.
type statusResponse struct {
	Version  string                `json:"version"`
	Uptime   string                `json:"uptime"`
	Session  session.Snapshot      `json:"session"`
	Configs  []device.DeviceConfig `json:"device_configs"`
	Cycles   []session.Cycle       `json:"recent_cycles"`
	Relay    *relay.Stats          `json:"relay,omitempty"`
	Producer *process.Stats        `json:"producer,omitempty"`
}

// handleStatus returns a combined view of every gateway component.
// A journal read failure is logged and reported as an empty cycle list.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{
		Version: s.version,
		Uptime:  time.Since(s.started).Round(time.Second).String(),
		Session: s.session.Snapshot(),
		Configs: s.deviceConfigs(),
		Cycles:  []session.Cycle{},
	}

	if s.journal != nil {
		cycles, err := s.journal.Recent(r.Context(), recentCycles)
		if err != nil {
			s.logger.Warn("reading session journal", "error", err)
		} else if cycles != nil {
			resp.Cycles = cycles
		}
	}
	if s.relay != nil {
		st := s.relay.Stats()
		resp.Relay = &st
	}
	if s.producer != nil {
		st := s.producer.Stats()
		resp.Producer = &st
	}

	writeJSON(w, http.StatusOK, resp)
}

// handleListConfigs returns the latest configuration per device.
func (s *Server) handleListConfigs(w http.ResponseWriter, _ *http.Request) {
	configs := s.deviceConfigs()
	writeJSON(w, http.StatusOK, map[string]any{
		"configs": configs,
		"count":   len(configs),
	})
}

// handleListCycles returns recent journal entries, newest first.
func (s *Server) handleListCycles(w http.ResponseWriter, r *http.Request) {
	if s.journal == nil {
		writeError(w, http.StatusServiceUnavailable, ErrCodeUnavailable, "session journal not configured")
		return
	}
	cycles, err := s.journal.Recent(r.Context(), recentCycles)
	if err != nil {
		s.logger.Error("reading session journal", "error", err)
		writeInternalError(w, "failed to read session journal")
		return
	}
	if cycles == nil {
		cycles = []session.Cycle{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"cycles": cycles,
		"count":  len(cycles),
	})
}

func (s *Server) deviceConfigs() []device.DeviceConfig {
	if s.configs == nil {
		return []device.DeviceConfig{}
	}
	return s.configs.All()
}
