// Package adminapi exposes the engine's operational controls over HTTP:
// health, status, system mode, risk reset, portfolio repair and manual
// proposal runs. Every endpoint is idempotent.
package adminapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"github.com/mscarn/dunder_verticals/internal/config"
	"github.com/mscarn/dunder_verticals/internal/models"
	"github.com/mscarn/dunder_verticals/internal/monitor"
	"github.com/mscarn/dunder_verticals/internal/risk"
	"github.com/mscarn/dunder_verticals/internal/storage"
)

// Actions are the engine operations the admin API can trigger. They run
// concurrently with the trade cycle; the cycle's own lock keeps them safe.
type Actions struct {
	RepairPortfolio func(ctx context.Context) (*monitor.RepairReport, error)
	RunProposals    func(ctx context.Context) (*models.Proposal, error)
}

// Server is the admin HTTP server.
type Server struct {
	router  *chi.Mux
	server  *http.Server
	store   storage.Interface
	risk    *risk.Manager
	cfg     *config.Config
	actions Actions
	log     logrus.FieldLogger
}

// NewServer builds the admin server and its routes.
func NewServer(cfg *config.Config, store storage.Interface, riskMgr *risk.Manager, actions Actions, log logrus.FieldLogger) *Server {
	s := &Server{
		router:  chi.NewRouter(),
		store:   store,
		risk:    riskMgr,
		cfg:     cfg,
		actions: actions,
		log:     log,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Timeout(60 * time.Second))

	if s.cfg.Admin.Token != "" {
		s.router.Use(s.authMiddleware)
	}

	s.router.Get("/healthz", s.handleHealth)
	s.router.Get("/api/status", s.handleStatus)
	s.router.Post("/api/system-mode", s.handleSystemMode)
	s.router.Post("/api/risk/reset", s.handleRiskReset)
	s.router.Post("/api/portfolio/repair", s.handleRepair)
	s.router.Post("/api/proposals/run", s.handleProposalsRun)
}

// Handler exposes the router for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/healthz" {
			next.ServeHTTP(w, r)
			return
		}
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if token != s.cfg.Admin.Token {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Start runs the server until Shutdown or listen failure.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:              s.cfg.Admin.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.log.WithField("addr", s.cfg.Admin.Addr).Info("admin server listening")
	return s.server.ListenAndServe()
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.WithError(err).Error("response encoding failed")
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": time.Now().Unix(),
	})
}

// statusResponse is the operational summary returned by /api/status.
type statusResponse struct {
	TradingMode      models.TradingMode `json:"trading_mode"`
	SystemMode       models.SystemMode  `json:"system_mode"`
	OpenTrades       int                `json:"open_trades"`
	PendingTrades    int                `json:"pending_trades"`
	DailyRealizedPnL float64            `json:"daily_realized_pnl"`
	LastHeartbeat    string             `json:"last_heartbeat,omitempty"`
	LastCycleError   string             `json:"last_cycle_error,omitempty"`
	LastSnapshot     *models.Snapshot   `json:"last_snapshot,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	now := time.Now()

	open, err := s.store.ListTradesByStatus(ctx, models.TradeOpen, models.TradeClosingPending)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	pending, err := s.store.ListTradesByStatus(ctx, models.TradeEntryPending)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	resp := statusResponse{
		TradingMode:      s.cfg.TradingMode(),
		SystemMode:       s.risk.SystemMode(ctx),
		OpenTrades:       len(open),
		PendingTrades:    len(pending),
		DailyRealizedPnL: s.risk.DailyRealizedPnL(ctx, now),
	}
	if hb, err := s.store.GetSetting(ctx, config.KeyLastTradeCycleHeartbeat); err == nil {
		resp.LastHeartbeat = hb
	}
	if lastErr, err := s.store.GetSetting(ctx, config.KeyLastTradeCycleError); err == nil {
		resp.LastCycleError = lastErr
	}
	if snap, err := s.store.LatestSnapshot(ctx); err == nil {
		resp.LastSnapshot = snap
	}
	s.writeJSON(w, http.StatusOK, resp)
}

type systemModeRequest struct {
	Mode   string `json:"mode"`
	Reason string `json:"reason"`
}

func (s *Server) handleSystemMode(w http.ResponseWriter, r *http.Request) {
	if s.cfg.TradingMode() == models.ModeLive {
		s.writeError(w, http.StatusForbidden, "system mode changes over HTTP are disabled in LIVE mode")
		return
	}

	var req systemModeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	mode := models.SystemMode(strings.ToUpper(strings.TrimSpace(req.Mode)))
	if mode != models.ModeNormal && mode != models.ModeHardStop {
		s.writeError(w, http.StatusBadRequest, "mode must be NORMAL or HARD_STOP")
		return
	}
	reason := req.Reason
	if reason == "" {
		reason = "admin request"
	}
	if err := s.risk.SetSystemMode(r.Context(), mode, reason, ""); err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"system_mode": mode})
}

type riskResetRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleRiskReset(w http.ResponseWriter, r *http.Request) {
	var req riskResetRequest
	// An empty body is fine; the reason is optional.
	_ = json.NewDecoder(r.Body).Decode(&req)
	if req.Reason == "" {
		req.Reason = "admin request"
	}
	if err := s.risk.ResetRiskState(r.Context(), req.Reason); err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"system_mode": s.risk.SystemMode(r.Context()),
	})
}

func (s *Server) handleRepair(w http.ResponseWriter, r *http.Request) {
	if s.actions.RepairPortfolio == nil {
		s.writeError(w, http.StatusServiceUnavailable, "repair not wired")
		return
	}
	report, err := s.actions.RepairPortfolio(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleProposalsRun(w http.ResponseWriter, r *http.Request) {
	if s.actions.RunProposals == nil {
		s.writeError(w, http.StatusServiceUnavailable, "proposals not wired")
		return
	}
	prop, err := s.actions.RunProposals(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"proposal": prop})
}
