// Package risk manages the engine's system mode and entry gating. A
// HARD_STOP blocks all new entries until an explicit reset; it never
// interferes with closing existing positions.
package risk

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mscarn/dunder_verticals/internal/config"
	"github.com/mscarn/dunder_verticals/internal/marketcal"
	"github.com/mscarn/dunder_verticals/internal/models"
	"github.com/mscarn/dunder_verticals/internal/storage"
)

// Risk state keys. Daily counters are suffixed with the ET date so a new
// session starts clean without an explicit rollover job.
const (
	KeySystemMode           = "SYSTEM_MODE"
	KeyLastHardStopAt       = "LAST_HARD_STOP_AT"
	KeyLastHardStopReason   = "LAST_HARD_STOP_REASON"
	KeyLastSystemModeChange = "LAST_SYSTEM_MODE_CHANGE"

	dailyPnLPrefix       = "DAILY_REALIZED_PNL_"
	emergencyExitsPrefix = "EMERGENCY_EXITS_"
)

// Settings keys read by the risk manager. Zero or unset disables the limit.
const (
	KeyMaxDailyLoss          = "MAX_DAILY_LOSS"
	KeyMaxEmergencyExitsPday = "MAX_EMERGENCY_EXITS_PER_DAY"
)

const defaultMaxEmergencyExitsPerDay = 3

// Manager owns system-mode transitions and the canOpenNewTrade gate.
type Manager struct {
	store    storage.Interface
	resolver *config.Resolver
	cfg      *config.Config
	log      logrus.FieldLogger
}

// NewManager creates a risk manager.
func NewManager(store storage.Interface, resolver *config.Resolver, cfg *config.Config, log logrus.FieldLogger) *Manager {
	return &Manager{store: store, resolver: resolver, cfg: cfg, log: log}
}

// SystemMode returns the current system mode, defaulting to NORMAL.
func (m *Manager) SystemMode(ctx context.Context) models.SystemMode {
	raw, err := m.store.GetRiskValue(ctx, KeySystemMode)
	if err != nil || raw == "" {
		return models.ModeNormal
	}
	if models.SystemMode(raw) == models.ModeHardStop {
		return models.ModeHardStop
	}
	return models.ModeNormal
}

// SetSystemMode transitions the system mode, no-oping when unchanged.
// Every real transition is audited to system_logs; HARD_STOP additionally
// records when and why.
func (m *Manager) SetSystemMode(ctx context.Context, newMode models.SystemMode, reason, details string) error {
	current := m.SystemMode(ctx)
	if current == newMode {
		return nil
	}

	now := time.Now().UTC()
	if err := m.store.SetRiskValue(ctx, KeySystemMode, string(newMode)); err != nil {
		return fmt.Errorf("risk.SetSystemMode: %w", err)
	}
	if err := m.store.SetRiskValue(ctx, KeyLastSystemModeChange, now.Format(time.RFC3339)); err != nil {
		return fmt.Errorf("risk.SetSystemMode: %w", err)
	}
	if newMode == models.ModeHardStop {
		_ = m.store.SetRiskValue(ctx, KeyLastHardStopAt, now.Format(time.RFC3339))
		_ = m.store.SetRiskValue(ctx, KeyLastHardStopReason, reason)
	}

	m.log.WithFields(logrus.Fields{
		"from":   current,
		"to":     newMode,
		"reason": reason,
	}).Warn("system mode change")

	return m.store.AppendSystemLog(ctx, &models.SystemLog{
		LogType: models.LogTypeSystemModeChange,
		Message: fmt.Sprintf("%s -> %s: %s", current, newMode, reason),
		Details: details,
	})
}

// ResetRiskState returns the system to NORMAL and clears today's counters.
func (m *Manager) ResetRiskState(ctx context.Context, reason string) error {
	day := dayKey(time.Now())
	_ = m.store.DeleteRiskValue(ctx, dailyPnLPrefix+day)
	_ = m.store.DeleteRiskValue(ctx, emergencyExitsPrefix+day)
	_ = m.store.DeleteRiskValue(ctx, KeyLastHardStopAt)
	_ = m.store.DeleteRiskValue(ctx, KeyLastHardStopReason)
	return m.SetSystemMode(ctx, models.ModeNormal, reason, "")
}

// CanOpenNewTrade reports whether a new entry may be placed now, with a
// human-readable reason when not.
func (m *Manager) CanOpenNewTrade(ctx context.Context, now time.Time) (bool, string, error) {
	if !marketcal.IsTradingDay(now) {
		return false, "not a trading day", nil
	}
	if !m.cfg.IsWithinTradingHours(now) {
		return false, "outside trading hours", nil
	}
	if mode := m.SystemMode(ctx); mode != models.ModeNormal {
		return false, fmt.Sprintf("system mode %s", mode), nil
	}

	open, err := m.store.ListTradesByStatus(ctx,
		models.TradeEntryPending, models.TradeOpen, models.TradeClosingPending)
	if err != nil {
		return false, "", fmt.Errorf("risk.CanOpenNewTrade: %w", err)
	}
	maxOpen := m.resolver.MaxOpenPositions(ctx)
	if len(open) >= maxOpen {
		return false, fmt.Sprintf("open position count %d >= cap %d", len(open), maxOpen), nil
	}
	return true, "", nil
}

// RecordRealizedPnL accumulates today's realized P&L. Breaching the
// configured daily loss limit escalates to HARD_STOP.
func (m *Manager) RecordRealizedPnL(ctx context.Context, pnl float64, now time.Time) error {
	key := dailyPnLPrefix + dayKey(now)
	total := m.riskFloat(ctx, key) + pnl
	if err := m.store.SetRiskValue(ctx, key, strconv.FormatFloat(total, 'f', 2, 64)); err != nil {
		return fmt.Errorf("risk.RecordRealizedPnL: %w", err)
	}

	limit := m.settingFloat(ctx, KeyMaxDailyLoss)
	if limit > 0 && total <= -limit {
		return m.SetSystemMode(ctx, models.ModeHardStop,
			"daily loss limit breached",
			fmt.Sprintf(`{"daily_pnl":%.2f,"limit":%.2f}`, total, limit))
	}
	return nil
}

// DailyRealizedPnL returns today's accumulated realized P&L.
func (m *Manager) DailyRealizedPnL(ctx context.Context, now time.Time) float64 {
	return m.riskFloat(ctx, dailyPnLPrefix+dayKey(now))
}

// RecordEmergencyExit counts an emergency exit. Too many in one session
// indicate something systemic and escalate to HARD_STOP.
func (m *Manager) RecordEmergencyExit(ctx context.Context, tradeID, reason string, now time.Time) error {
	key := emergencyExitsPrefix + dayKey(now)
	count := int(m.riskFloat(ctx, key)) + 1
	if err := m.store.SetRiskValue(ctx, key, strconv.Itoa(count)); err != nil {
		return fmt.Errorf("risk.RecordEmergencyExit: %w", err)
	}

	_ = m.store.AppendSystemLog(ctx, &models.SystemLog{
		LogType: models.LogTypeEmergencyExit,
		Message: fmt.Sprintf("emergency exit for trade %s: %s", tradeID, reason),
	})

	max := int(m.settingFloat(ctx, KeyMaxEmergencyExitsPday))
	if max <= 0 {
		max = defaultMaxEmergencyExitsPerDay
	}
	if count >= max {
		return m.SetSystemMode(ctx, models.ModeHardStop,
			"too many emergency exits today",
			fmt.Sprintf(`{"count":%d,"max":%d}`, count, max))
	}
	return nil
}

func (m *Manager) riskFloat(ctx context.Context, key string) float64 {
	raw, err := m.store.GetRiskValue(ctx, key)
	if err != nil || raw == "" {
		return 0
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0
	}
	return v
}

func (m *Manager) settingFloat(ctx context.Context, key string) float64 {
	raw, err := m.store.GetSetting(ctx, key)
	if err != nil || raw == "" {
		return 0
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0
	}
	return v
}

func dayKey(now time.Time) string {
	return now.In(marketcal.Eastern()).Format("2006-01-02")
}
