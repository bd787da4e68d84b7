package config

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/mscarn/dunder_verticals/internal/models"
	"github.com/mscarn/dunder_verticals/internal/storage"
)

// Settings keys stored in the settings table. Threshold keys override the
// built-in defaults; observability keys are written by the trade cycle.
const (
	KeyTradingMode                = "TRADING_MODE"
	KeyMaxOpenPositions           = "MAX_OPEN_POSITIONS"
	KeyUnderlyingWhitelist        = "UNDERLYING_WHITELIST"
	KeyStrategyWhitelist          = "STRATEGY_WHITELIST"
	KeyMinScore                   = "MIN_SCORE"
	KeyMinCreditFraction          = "MIN_CREDIT_FRACTION"
	KeyProfitTargetFraction       = "CLOSE_RULE_PROFIT_TARGET_FRACTION"
	KeyStopLossFraction           = "CLOSE_RULE_STOP_LOSS_FRACTION"
	KeyLiquiditySpreadThreshold   = "CLOSE_RULE_LIQUIDITY_SPREAD_THRESHOLD"
	KeyUnderlyingSpikeThreshold   = "CLOSE_RULE_UNDERLYING_SPIKE_THRESHOLD"
	KeyLowValueCloseThreshold     = "CLOSE_RULE_LOW_VALUE_CLOSE_THRESHOLD"
	KeyTrailArmFraction           = "CLOSE_RULE_TRAIL_ARM_FRACTION"
	KeyTrailGivebackFraction      = "CLOSE_RULE_TRAIL_GIVEBACK_FRACTION"
	KeyIVCrushRatio               = "CLOSE_RULE_IV_CRUSH_RATIO"
	KeyIVCrushMinProfitFraction   = "CLOSE_RULE_IV_CRUSH_MIN_PROFIT_FRACTION"
	KeyTimeExitDTE                = "CLOSE_RULE_TIME_EXIT_DTE"
	KeyDefaultTradeQuantity       = "DEFAULT_TRADE_QUANTITY"
	KeyTradeCycleLock             = "TRADE_CYCLE_LOCK"
	KeyLastTradeCycleHeartbeat    = "LAST_TRADE_CYCLE_HEARTBEAT"
	KeyLastProposalRun            = "LAST_PROPOSAL_RUN"
	KeyLastTradeCycleError        = "LAST_TRADE_CYCLE_ERROR"
	KeyLastRegime                 = "LAST_REGIME"
)

// Default thresholds. Profit target and stop loss differ between credit
// and debit spreads.
const (
	DefaultMaxOpenPositions         = 3
	DefaultMinScore                 = 0.70
	DefaultMinCreditFraction        = 0.15
	DefaultProfitTargetCredit       = 0.50
	DefaultProfitTargetDebit        = 0.60
	DefaultStopLossCredit           = 0.10
	DefaultStopLossDebit            = 0.50
	DefaultLiquiditySpread          = 0.30
	DefaultUnderlyingSpikeFraction  = 0.005
	DefaultLowValueCloseThreshold   = 0.05
	DefaultTradeQuantity            = 1
	DefaultTrailArmFraction         = 0.40
	DefaultTrailGivebackFraction    = 0.15
	DefaultIVCrushRatio             = 0.70
	DefaultIVCrushMinProfit         = 0.10
	DefaultTimeExitDTE              = 1
)

// Resolver reads runtime-tunable settings from the store, falling back to
// the static config and built-in defaults. Malformed stored values fall
// back to defaults with a warning rather than failing the cycle.
type Resolver struct {
	store storage.Interface
	cfg   *Config
	log   logrus.FieldLogger
}

// NewResolver creates a settings resolver backed by the store.
func NewResolver(store storage.Interface, cfg *Config, log logrus.FieldLogger) *Resolver {
	return &Resolver{store: store, cfg: cfg, log: log}
}

func (r *Resolver) floatSetting(ctx context.Context, key string, def float64) float64 {
	raw, err := r.store.GetSetting(ctx, key)
	if err != nil || raw == "" {
		return def
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil {
		r.log.WithField("key", key).WithField("value", raw).Warn("malformed setting, using default")
		return def
	}
	return v
}

func (r *Resolver) intSetting(ctx context.Context, key string, def int) int {
	raw, err := r.store.GetSetting(ctx, key)
	if err != nil || raw == "" {
		return def
	}
	v, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		r.log.WithField("key", key).WithField("value", raw).Warn("malformed setting, using default")
		return def
	}
	return v
}

func (r *Resolver) listSetting(ctx context.Context, key string) []string {
	raw, err := r.store.GetSetting(ctx, key)
	if err != nil || strings.TrimSpace(raw) == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if v := strings.TrimSpace(p); v != "" {
			out = append(out, strings.ToUpper(v))
		}
	}
	return out
}

// TradingMode returns the effective trading mode: the stored override when
// valid, otherwise the static config value.
func (r *Resolver) TradingMode(ctx context.Context) models.TradingMode {
	raw, err := r.store.GetSetting(ctx, KeyTradingMode)
	if err == nil && models.ValidTradingMode(strings.TrimSpace(raw)) {
		return models.TradingMode(strings.TrimSpace(raw))
	}
	return r.cfg.TradingMode()
}

// MaxOpenPositions returns the cap on concurrently open trades.
func (r *Resolver) MaxOpenPositions(ctx context.Context) int {
	v := r.intSetting(ctx, KeyMaxOpenPositions, DefaultMaxOpenPositions)
	if v <= 0 {
		return DefaultMaxOpenPositions
	}
	return v
}

// Symbols returns the eligible underlyings: the configured set intersected
// with the optional whitelist.
func (r *Resolver) Symbols(ctx context.Context) []string {
	whitelist := r.listSetting(ctx, KeyUnderlyingWhitelist)
	if len(whitelist) == 0 {
		return r.cfg.Proposal.Symbols
	}
	allowed := make(map[string]bool, len(whitelist))
	for _, s := range whitelist {
		allowed[s] = true
	}
	var out []string
	for _, s := range r.cfg.Proposal.Symbols {
		if allowed[strings.ToUpper(s)] {
			out = append(out, s)
		}
	}
	return out
}

// Strategies returns the enabled strategies: all four, intersected with
// the optional whitelist.
func (r *Resolver) Strategies(ctx context.Context) []models.Strategy {
	all := []models.Strategy{
		models.StrategyBullPutCredit,
		models.StrategyBearCallCredit,
		models.StrategyBullCallDebit,
		models.StrategyBearPutDebit,
	}
	whitelist := r.listSetting(ctx, KeyStrategyWhitelist)
	if len(whitelist) == 0 {
		return all
	}
	allowed := make(map[string]bool, len(whitelist))
	for _, s := range whitelist {
		allowed[s] = true
	}
	var out []models.Strategy
	for _, s := range all {
		if allowed[string(s)] {
			out = append(out, s)
		}
	}
	return out
}

// MinScore returns the composite score threshold on the 0..1 scale. Stored
// values above 1 are treated as percentages and divided by 100.
func (r *Resolver) MinScore(ctx context.Context) float64 {
	v := r.floatSetting(ctx, KeyMinScore, DefaultMinScore)
	if v > 1 {
		v /= 100
	}
	if v < 0 || v > 1 {
		return DefaultMinScore
	}
	return v
}

// MinCreditFraction returns the minimum credit/width ratio for credit spreads.
func (r *Resolver) MinCreditFraction(ctx context.Context) float64 {
	v := r.floatSetting(ctx, KeyMinCreditFraction, DefaultMinCreditFraction)
	if v <= 0 || v >= 1 {
		return DefaultMinCreditFraction
	}
	return v
}

// ProfitTargetFraction returns the close-rule profit target. Nonpositive
// stored values (legacy) are ignored in favor of the per-style default.
func (r *Resolver) ProfitTargetFraction(ctx context.Context, credit bool) float64 {
	def := DefaultProfitTargetDebit
	if credit {
		def = DefaultProfitTargetCredit
	}
	v := r.floatSetting(ctx, KeyProfitTargetFraction, def)
	if v <= 0 || v >= 1 {
		return def
	}
	return v
}

// StopLossFraction returns the close-rule stop loss threshold. Nonpositive
// stored values (legacy) are ignored in favor of the per-style default.
func (r *Resolver) StopLossFraction(ctx context.Context, credit bool) float64 {
	def := DefaultStopLossDebit
	if credit {
		def = DefaultStopLossCredit
	}
	v := r.floatSetting(ctx, KeyStopLossFraction, def)
	if v <= 0 {
		return def
	}
	return v
}

// LiquiditySpreadThreshold returns the per-leg absolute bid/ask spread cap.
func (r *Resolver) LiquiditySpreadThreshold(ctx context.Context) float64 {
	v := r.floatSetting(ctx, KeyLiquiditySpreadThreshold, DefaultLiquiditySpread)
	if v <= 0 {
		return DefaultLiquiditySpread
	}
	return v
}

// UnderlyingSpikeThreshold returns the |15s spot change| fraction that
// triggers an emergency exit.
func (r *Resolver) UnderlyingSpikeThreshold(ctx context.Context) float64 {
	v := r.floatSetting(ctx, KeyUnderlyingSpikeThreshold, DefaultUnderlyingSpikeFraction)
	if v <= 0 {
		return DefaultUnderlyingSpikeFraction
	}
	return v
}

// LowValueCloseThreshold returns the mark below which a credit spread is
// closed to free margin.
func (r *Resolver) LowValueCloseThreshold(ctx context.Context) float64 {
	v := r.floatSetting(ctx, KeyLowValueCloseThreshold, DefaultLowValueCloseThreshold)
	if v <= 0 {
		return DefaultLowValueCloseThreshold
	}
	return v
}

// TrailArmFraction returns the profit fraction at which the trailing stop
// arms.
func (r *Resolver) TrailArmFraction(ctx context.Context) float64 {
	v := r.floatSetting(ctx, KeyTrailArmFraction, DefaultTrailArmFraction)
	if v <= 0 || v >= 1 {
		return DefaultTrailArmFraction
	}
	return v
}

// TrailGivebackFraction returns the profit give-back from the peak that
// triggers a trailing exit once armed.
func (r *Resolver) TrailGivebackFraction(ctx context.Context) float64 {
	v := r.floatSetting(ctx, KeyTrailGivebackFraction, DefaultTrailGivebackFraction)
	if v <= 0 || v >= 1 {
		return DefaultTrailGivebackFraction
	}
	return v
}

// IVCrushRatio returns the current-over-entry IV ratio at or below which a
// profitable credit spread exits.
func (r *Resolver) IVCrushRatio(ctx context.Context) float64 {
	v := r.floatSetting(ctx, KeyIVCrushRatio, DefaultIVCrushRatio)
	if v <= 0 || v >= 1 {
		return DefaultIVCrushRatio
	}
	return v
}

// IVCrushMinProfitFraction returns the minimum profit fraction required
// before an IV crush exit may fire.
func (r *Resolver) IVCrushMinProfitFraction(ctx context.Context) float64 {
	v := r.floatSetting(ctx, KeyIVCrushMinProfitFraction, DefaultIVCrushMinProfit)
	if v <= 0 || v >= 1 {
		return DefaultIVCrushMinProfit
	}
	return v
}

// TimeExitDTE returns the DTE at or below which the time exit arms.
func (r *Resolver) TimeExitDTE(ctx context.Context) int {
	v := r.intSetting(ctx, KeyTimeExitDTE, DefaultTimeExitDTE)
	if v < 0 {
		return DefaultTimeExitDTE
	}
	return v
}

// DefaultTradeQuantity returns the contract count for new trades.
func (r *Resolver) DefaultTradeQuantity(ctx context.Context) int {
	v := r.intSetting(ctx, KeyDefaultTradeQuantity, DefaultTradeQuantity)
	if v <= 0 {
		return DefaultTradeQuantity
	}
	return v
}

// --- price snapshot ring for underlying spike detection ---

// PriceSnap is one timestamped underlying price observation.
type PriceSnap struct {
	Price float64
	// UnixMillis of the observation.
	At int64
}

func priceSnapKey(tradeID, window string) string {
	return fmt.Sprintf("PRICE_SNAP_%s_%s", tradeID, window)
}

// SetPriceSnap stores an underlying price observation for a trade and
// window ("15S" or "1M").
func (r *Resolver) SetPriceSnap(ctx context.Context, tradeID, window string, snap PriceSnap) error {
	value := fmt.Sprintf("%.6f@%d", snap.Price, snap.At)
	return r.store.SetSetting(ctx, priceSnapKey(tradeID, window), value)
}

// GetPriceSnap loads a stored price observation. Returns ok=false when no
// snapshot exists or it cannot be parsed.
func (r *Resolver) GetPriceSnap(ctx context.Context, tradeID, window string) (PriceSnap, bool) {
	raw, err := r.store.GetSetting(ctx, priceSnapKey(tradeID, window))
	if err != nil || raw == "" {
		return PriceSnap{}, false
	}
	parts := strings.SplitN(raw, "@", 2)
	if len(parts) != 2 {
		return PriceSnap{}, false
	}
	price, err1 := strconv.ParseFloat(parts[0], 64)
	at, err2 := strconv.ParseInt(parts[1], 10, 64)
	if err1 != nil || err2 != nil {
		return PriceSnap{}, false
	}
	return PriceSnap{Price: price, At: at}, true
}

// ClearPriceSnaps removes the stored observations for a trade, called when
// the trade closes.
func (r *Resolver) ClearPriceSnaps(ctx context.Context, tradeID string) {
	for _, window := range []string{"15S", "1M"} {
		_ = r.store.DeleteSetting(ctx, priceSnapKey(tradeID, window))
	}
}
