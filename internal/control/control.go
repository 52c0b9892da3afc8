// Package control runs the local HTTP control surface for a live engine.
//
// It binds to a loopback address and serves the operator commands: status
// inspection, per-leader pause/resume, and graceful shutdown. The CLI
// subcommands (status, pause, resume, stop) are thin clients of this server.
// There is no authentication; the bind address must stay on localhost.
package control

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// TraderStatus is one leader's view in the status document.
type TraderStatus struct {
	Name      string `json:"name"`
	Wallet    string `json:"wallet"`
	State     string `json:"state"` // enabled, paused, faulted, disabled
	Exposure  string `json:"exposure"`
	Allocated string `json:"allocated"`
	FailCount int    `json:"fail_count"`
}

// PositionStatus is one mirror position in the status document.
type PositionStatus struct {
	TokenID    string `json:"token_id"`
	MarketSlug string `json:"market_slug"`
	Outcome    string `json:"outcome"`
	Size       string `json:"size"`
	AvgEntry   string `json:"avg_entry"`
}

// Status is the engine state document returned by GET /status.
type Status struct {
	State            string           `json:"state"` // running, stopping
	DryRun           bool             `json:"dry_run"`
	UptimeSeconds    int64            `json:"uptime_seconds"`
	GlobalExposure   string           `json:"global_exposure"`
	MaxTotalExposure string           `json:"max_total_exposure"`
	Traders          []TraderStatus   `json:"traders"`
	Positions        []PositionStatus `json:"positions"`
}

// Engine is the slice of the engine the control surface drives.
type Engine interface {
	Status() Status
	PauseTrader(name string) error
	ResumeTrader(name string) error
	RequestShutdown()
}

// Server is the loopback HTTP control server.
type Server struct {
	engine Engine
	server *http.Server
	logger *slog.Logger
}

// NewServer creates a control server bound to addr.
func NewServer(addr string, engine Engine, logger *slog.Logger) *Server {
	s := &Server{
		engine: engine,
		logger: logger.With("component", "control"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("POST /traders/{name}/pause", s.handlePause)
	mux.HandleFunc("POST /traders/{name}/resume", s.handleResume)
	mux.HandleFunc("POST /shutdown", s.handleShutdown)

	s.server = &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Handler exposes the route table for tests.
func (s *Server) Handler() http.Handler { return s.server.Handler }

// Start serves until Stop is called. Blocks.
func (s *Server) Start() error {
	s.logger.Info("control server starting", "addr", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("control server: %w", err)
	}
	return nil
}

// Stop gracefully stops the server.
func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Status())
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if err := s.engine.PauseTrader(name); err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
		return
	}
	s.logger.Info("trader paused via control", "trader", name)
	writeJSON(w, http.StatusOK, map[string]string{"paused": name})
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if err := s.engine.ResumeTrader(name); err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
		return
	}
	s.logger.Info("trader resumed via control", "trader", name)
	writeJSON(w, http.StatusOK, map[string]string{"resumed": name})
}

func (s *Server) handleShutdown(w http.ResponseWriter, _ *http.Request) {
	s.logger.Info("shutdown requested via control")
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopping"})
	s.engine.RequestShutdown()
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
