package adminapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mscarn/dunder_verticals/internal/config"
	"github.com/mscarn/dunder_verticals/internal/models"
	"github.com/mscarn/dunder_verticals/internal/monitor"
	"github.com/mscarn/dunder_verticals/internal/risk"
	"github.com/mscarn/dunder_verticals/internal/storage"
)

func newTestServer(t *testing.T, mode string, actions Actions) (*Server, storage.Interface) {
	t.Helper()
	store, err := storage.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	log := logrus.New()
	log.SetLevel(logrus.FatalLevel)

	cfg := &config.Config{
		Environment: config.EnvironmentConfig{Mode: mode},
		Admin:       config.AdminConfig{Addr: ":0", Token: "secret"},
	}
	resolver := config.NewResolver(store, cfg, log)
	riskMgr := risk.NewManager(store, resolver, cfg, log)
	return NewServer(cfg, store, riskMgr, actions, log), store
}

func doJSON(t *testing.T, h http.Handler, method, path, token, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestHealthzSkipsAuth(t *testing.T) {
	s, _ := newTestServer(t, "SANDBOX_PAPER", Actions{})

	rr := doJSON(t, s.Handler(), http.MethodGet, "/healthz", "", "")
	assert.Equal(t, http.StatusOK, rr.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp["status"])
}

func TestAuthRequiredForAPI(t *testing.T) {
	s, _ := newTestServer(t, "SANDBOX_PAPER", Actions{})

	rr := doJSON(t, s.Handler(), http.MethodGet, "/api/status", "", "")
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	rr = doJSON(t, s.Handler(), http.MethodGet, "/api/status", "wrong", "")
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestStatusReportsModeAndTrades(t *testing.T) {
	s, store := newTestServer(t, "SANDBOX_PAPER", Actions{})
	ctx := context.Background()

	trade := &models.Trade{
		ID: "t1", ProposalID: "p1", Symbol: "SPY", Expiration: "2025-01-17",
		Strategy: models.StrategyBullPutCredit, ShortStrike: 95, LongStrike: 90,
		Width: 5, Quantity: 1, EntryPrice: 1.00, MaxProfit: 1.00, MaxLoss: 4.00,
		Status: models.TradeOpen,
	}
	require.NoError(t, store.CreateTrade(ctx, trade))

	rr := doJSON(t, s.Handler(), http.MethodGet, "/api/status", "secret", "")
	require.Equal(t, http.StatusOK, rr.Code)

	var resp statusResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, models.ModeSandboxPaper, resp.TradingMode)
	assert.Equal(t, models.ModeNormal, resp.SystemMode)
	assert.Equal(t, 1, resp.OpenTrades)
	assert.Equal(t, 0, resp.PendingTrades)
}

func TestSystemModeRoundTrip(t *testing.T) {
	s, _ := newTestServer(t, "SANDBOX_PAPER", Actions{})

	rr := doJSON(t, s.Handler(), http.MethodPost, "/api/system-mode", "secret",
		`{"mode":"HARD_STOP","reason":"manual halt"}`)
	require.Equal(t, http.StatusOK, rr.Code)

	rr = doJSON(t, s.Handler(), http.MethodGet, "/api/status", "secret", "")
	var resp statusResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, models.ModeHardStop, resp.SystemMode)

	// Reset brings the engine back to NORMAL.
	rr = doJSON(t, s.Handler(), http.MethodPost, "/api/risk/reset", "secret", `{"reason":"ops"}`)
	require.Equal(t, http.StatusOK, rr.Code)

	rr = doJSON(t, s.Handler(), http.MethodGet, "/api/status", "secret", "")
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, models.ModeNormal, resp.SystemMode)
}

func TestSystemModeRejectsGarbage(t *testing.T) {
	s, _ := newTestServer(t, "SANDBOX_PAPER", Actions{})

	rr := doJSON(t, s.Handler(), http.MethodPost, "/api/system-mode", "secret",
		`{"mode":"PANIC"}`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = doJSON(t, s.Handler(), http.MethodPost, "/api/system-mode", "secret", `{`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestSystemModeForbiddenInLive(t *testing.T) {
	s, _ := newTestServer(t, "LIVE", Actions{})

	rr := doJSON(t, s.Handler(), http.MethodPost, "/api/system-mode", "secret",
		`{"mode":"NORMAL"}`)
	assert.Equal(t, http.StatusForbidden, rr.Code)
}

func TestRepairEndpointRunsAction(t *testing.T) {
	called := false
	s, _ := newTestServer(t, "SANDBOX_PAPER", Actions{
		RepairPortfolio: func(ctx context.Context) (*monitor.RepairReport, error) {
			called = true
			return &monitor.RepairReport{Checked: 3, Broken: 1, BrokenTrades: []string{"t9"}}, nil
		},
	})

	rr := doJSON(t, s.Handler(), http.MethodPost, "/api/portfolio/repair", "secret", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.True(t, called)

	var report monitor.RepairReport
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &report))
	assert.Equal(t, 3, report.Checked)
	assert.Equal(t, []string{"t9"}, report.BrokenTrades)
}

func TestProposalsRunReturnsProposal(t *testing.T) {
	s, _ := newTestServer(t, "SANDBOX_PAPER", Actions{
		RunProposals: func(ctx context.Context) (*models.Proposal, error) {
			return &models.Proposal{ID: "prop-9", Symbol: "SPY", Score: 0.61}, nil
		},
	})

	rr := doJSON(t, s.Handler(), http.MethodPost, "/api/proposals/run", "secret", "")
	require.Equal(t, http.StatusOK, rr.Code)

	var resp struct {
		Proposal *models.Proposal `json:"proposal"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	require.NotNil(t, resp.Proposal)
	assert.Equal(t, "prop-9", resp.Proposal.ID)
}

func TestProposalsRunUnwired(t *testing.T) {
	s, _ := newTestServer(t, "SANDBOX_PAPER", Actions{})

	rr := doJSON(t, s.Handler(), http.MethodPost, "/api/proposals/run", "secret", "")
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
}
