// Package api serves the HTTP surface: command submission and reads, the ops
// control plane, and the risk endpoints. Handlers are thin; all engine
// behavior lives behind store.Store and the ops/risk packages.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/baolood/project-anchor/internal/config"
	"github.com/baolood/project-anchor/internal/ops"
	"github.com/baolood/project-anchor/internal/risk"
	"github.com/baolood/project-anchor/internal/store"
)

// Server wires the handlers to an http.Server.
type Server struct {
	cfg     *config.Config
	st      store.Store
	kill    *ops.KillSwitch
	lockout *risk.Lockout
	logger  *slog.Logger

	httpServer *http.Server
	listener   net.Listener
	mu         sync.RWMutex

	now   func() time.Time
	sleep func(d time.Duration)
}

func NewServer(cfg *config.Config, st store.Store, kill *ops.KillSwitch, lockout *risk.Lockout, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:     cfg,
		st:      st,
		kill:    kill,
		lockout: lockout,
		logger:  logger.With("component", "api"),
		now:     time.Now,
		sleep:   time.Sleep,
	}
}

// Handler builds the route table. Exposed separately from Start so tests can
// drive it through httptest without binding a port.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)

	mux.HandleFunc("POST /domain-commands/noop", s.handleCreateNoop)
	mux.HandleFunc("POST /domain-commands/fail", s.handleCreateSimple("FAIL"))
	mux.HandleFunc("POST /domain-commands/flaky", s.handleCreateSimple("FLAKY"))
	mux.HandleFunc("POST /domain-commands/quote", s.handleCreateQuote)
	mux.HandleFunc("POST /domain-commands/{id}/retry", s.handleRetry)
	mux.HandleFunc("GET /domain-commands", s.handleListCommands)
	mux.HandleFunc("GET /domain-commands/{id}", s.handleGetCommand)
	mux.HandleFunc("GET /domain-commands/{id}/events", s.handleListEvents)

	mux.HandleFunc("GET /ops/kill-switch", s.handleKillSwitchGet)
	mux.HandleFunc("POST /ops/kill-switch", s.opsAuth(s.handleKillSwitchSet))
	mux.HandleFunc("POST /ops/panic_guard/trigger", s.opsAuth(s.handlePanicTrigger))
	mux.HandleFunc("POST /ops/panic_guard/reset", s.opsAuth(s.handlePanicReset))
	mux.HandleFunc("GET /ops/state", s.handleOpsState)
	mux.HandleFunc("GET /ops/state/history", s.handleOpsHistory)
	mux.HandleFunc("GET /ops/state/history/export", s.handleOpsExportJSON)
	mux.HandleFunc("GET /ops/state/history/export.csv", s.handleOpsExportCSV)
	mux.HandleFunc("GET /ops/summary", s.handleOpsSummary)
	mux.HandleFunc("GET /ops/audit", s.handleOpsAudit)
	mux.HandleFunc("POST /ops/dev/reset-pending-domain-commands", s.opsAuth(s.handleDevReset))

	mux.HandleFunc("GET /risk/state", s.handleRiskState)
	mux.HandleFunc("POST /risk/lockout/clear", s.opsAuth(s.handleLockoutClear))

	return mux
}

// Start listens and serves until the context is cancelled.
func (s *Server) Start(ctx context.Context) error {
	s.httpServer = &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	var err error
	ln, err := net.Listen("tcp", s.cfg.HTTPAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.HTTPAddr, err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.httpServer.Shutdown(shutdownCtx)
	}()

	s.logger.Info("http server listening", "addr", ln.Addr().String())
	if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Addr returns the bound address once Start has listened.
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.cfg.HTTPAddr
}

// opsAuth enforces the X-Ops-Token header on mutating ops endpoints when
// OPS_TOKEN is configured. Read endpoints stay open.
func (s *Server) opsAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.OpsToken != "" && r.Header.Get("X-Ops-Token") != s.cfg.OpsToken {
			writeError(w, http.StatusUnauthorized, "invalid ops token")
			return
		}
		next(w, r)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError mirrors the {"detail": ...} error body used across the API.
func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]any{"detail": detail})
}
