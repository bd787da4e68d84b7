// Package monitor evaluates open trades against the ordered close rules
// and repairs structurally broken positions.
package monitor

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mscarn/dunder_verticals/internal/broker"
	"github.com/mscarn/dunder_verticals/internal/config"
	"github.com/mscarn/dunder_verticals/internal/marketcal"
	"github.com/mscarn/dunder_verticals/internal/models"
	"github.com/mscarn/dunder_verticals/internal/storage"
	"github.com/mscarn/dunder_verticals/internal/util"
)

// Trigger is the outcome of one close-rule evaluation.
type Trigger string

const (
	TriggerNone          Trigger = "NONE"
	TriggerProfitTarget  Trigger = "PROFIT_TARGET"
	TriggerStopLoss      Trigger = "STOP_LOSS"
	TriggerTrailProfit   Trigger = "TRAIL_PROFIT"
	TriggerTimeExit      Trigger = "TIME_EXIT"
	TriggerIVCrushExit   Trigger = "IV_CRUSH_EXIT"
	TriggerLowValueClose Trigger = "LOW_VALUE_CLOSE"
	TriggerEmergency     Trigger = "EMERGENCY"
)

// Exit reasons attached to EMERGENCY triggers.
const (
	ReasonStructuralBreak     = "STRUCTURAL_BREAK"
	ReasonEntryOrderNotFilled = "ENTRY_ORDER_NOT_FILLED"
)

// settlingWindow is the grace period after entry before broker positions
// must reflect both legs.
const settlingWindow = 2 * time.Minute

// spikeWindowMs is the minimum age of the stored price snap before the
// 15s underlying-change rule may fire.
const spikeWindowMs = 15_000

// TradeMetrics is the per-evaluation pricing snapshot.
type TradeMetrics struct {
	ShortMid       float64 `json:"short_mid"`
	LongMid        float64 `json:"long_mid"`
	CurrentMark    float64 `json:"current_mark"`
	UnrealizedPnL  float64 `json:"unrealized_pnl"` // per spread
	ProfitFraction float64 `json:"profit_fraction"`
	LossFraction   float64 `json:"loss_fraction"`
	DTE            int     `json:"dte"`
	ShortIV        float64 `json:"short_iv"`
	Underlying     float64 `json:"underlying"`
}

// Evaluation is the result of evaluateOpenTrade: the first matching
// trigger plus the metrics that produced it.
type Evaluation struct {
	Trigger Trigger
	Reason  string
	Metrics *TradeMetrics
}

// Evaluator runs the ordered close rules for open trades.
type Evaluator struct {
	broker   broker.Broker
	store    storage.Interface
	resolver *config.Resolver
	cfg      *config.Config
	log      logrus.FieldLogger
}

// NewEvaluator creates a close-rule evaluator.
func NewEvaluator(b broker.Broker, store storage.Interface, resolver *config.Resolver, cfg *config.Config, log logrus.FieldLogger) *Evaluator {
	return &Evaluator{broker: b, store: store, resolver: resolver, cfg: cfg, log: log}
}

// EvaluateOpenTrade runs the structural pre-check and the ordered close
// rules for one OPEN trade. Transient data errors yield NONE so the next
// cycle retries; structural data errors yield EMERGENCY.
func (e *Evaluator) EvaluateOpenTrade(ctx context.Context, trade *models.Trade, now time.Time) (*Evaluation, error) {
	chain, err := e.broker.GetOptionChain(ctx, trade.Symbol, trade.Expiration, true)
	if err != nil {
		return e.classifyError(trade, err), nil
	}

	shortLeg, longLeg, structErr := e.structuralCheck(ctx, trade, chain, now)
	if structErr != nil {
		e.log.WithError(structErr).WithField("trade_id", trade.ID).Error("structural break")
		return &Evaluation{
			Trigger: TriggerEmergency,
			Reason:  fmt.Sprintf("%s: %v", ReasonStructuralBreak, structErr),
		}, nil
	}

	m, err := e.computeMetrics(ctx, trade, shortLeg, longLeg, now)
	if err != nil {
		return e.classifyError(trade, err), nil
	}

	// Rule 1: emergency on bad liquidity, bad quotes, or an underlying spike.
	if reason := e.emergencyCheck(ctx, trade, shortLeg, longLeg, m, now); reason != "" {
		return &Evaluation{Trigger: TriggerEmergency, Reason: reason, Metrics: m}, nil
	}

	// Without an entry price only the time exit and structural rules apply.
	if trade.EntryPrice <= 0 {
		if eval := e.timeExit(ctx, trade, m, now); eval != nil {
			return eval, nil
		}
		return &Evaluation{Trigger: TriggerNone, Metrics: m}, nil
	}

	// Rule 2: ratchet the trailing peak.
	peak := math.Max(trade.MaxSeenProfitFraction, math.Max(0, m.ProfitFraction))
	if peak > trade.MaxSeenProfitFraction {
		trade.MaxSeenProfitFraction = peak
		trade.UpdatedAt = now
		if err := e.store.UpdateTrade(ctx, trade); err != nil {
			e.log.WithError(err).WithField("trade_id", trade.ID).Warn("peak persist failed")
		}
	}

	// Rule 3: trailing profit give-back.
	arm := e.resolver.TrailArmFraction(ctx)
	giveback := e.resolver.TrailGivebackFraction(ctx)
	if peak >= arm && peak-m.ProfitFraction >= giveback {
		return &Evaluation{
			Trigger: TriggerTrailProfit,
			Reason:  fmt.Sprintf("peak %.2f gave back %.2f", peak, peak-m.ProfitFraction),
			Metrics: m,
		}, nil
	}

	// Rule 4: profit target.
	if target := e.resolver.ProfitTargetFraction(ctx, trade.IsCredit()); m.ProfitFraction >= target {
		return &Evaluation{
			Trigger: TriggerProfitTarget,
			Reason:  fmt.Sprintf("profit %.2f >= target %.2f", m.ProfitFraction, target),
			Metrics: m,
		}, nil
	}

	// Rule 5: stop loss.
	if stop := e.resolver.StopLossFraction(ctx, trade.IsCredit()); m.LossFraction >= stop {
		return &Evaluation{
			Trigger: TriggerStopLoss,
			Reason:  fmt.Sprintf("loss %.2f >= stop %.2f", m.LossFraction, stop),
			Metrics: m,
		}, nil
	}

	// Rule 6: IV crush, credit spreads with a stored entry IV only.
	if trade.IsCredit() && trade.IVEntry > 0 && m.ShortIV > 0 {
		ratio := e.resolver.IVCrushRatio(ctx)
		minPnL := e.resolver.IVCrushMinProfitFraction(ctx)
		if m.ShortIV <= trade.IVEntry*ratio && m.ProfitFraction >= minPnL {
			return &Evaluation{
				Trigger: TriggerIVCrushExit,
				Reason:  fmt.Sprintf("iv %.3f <= entry %.3f x %.2f", m.ShortIV, trade.IVEntry, ratio),
				Metrics: m,
			}, nil
		}
	}

	// Rule 7: time exit.
	if eval := e.timeExit(ctx, trade, m, now); eval != nil {
		return eval, nil
	}

	// Rule 8: low-value close frees margin on nearly worthless credit spreads.
	if trade.IsCredit() && m.CurrentMark <= e.resolver.LowValueCloseThreshold(ctx) {
		return &Evaluation{
			Trigger: TriggerLowValueClose,
			Reason:  fmt.Sprintf("mark %.2f below close threshold", m.CurrentMark),
			Metrics: m,
		}, nil
	}

	// Rule 9: a nonpositive mark means the marks no longer describe a
	// vertical spread.
	if m.CurrentMark <= 0 {
		return &Evaluation{
			Trigger: TriggerEmergency,
			Reason:  fmt.Sprintf("%s: nonpositive mark %.2f", ReasonStructuralBreak, m.CurrentMark),
			Metrics: m,
		}, nil
	}

	return &Evaluation{Trigger: TriggerNone, Metrics: m}, nil
}

func (e *Evaluator) timeExit(ctx context.Context, trade *models.Trade, m *TradeMetrics, now time.Time) *Evaluation {
	dteThreshold := e.resolver.TimeExitDTE(ctx)
	cutoff := e.cfg.Schedule.TimeExitCutoff
	if cutoff == "" {
		cutoff = "15:50"
	}
	if m.DTE > dteThreshold {
		return nil
	}
	after, err := marketcal.AfterCutoff(now, cutoff)
	if err != nil || !after {
		return nil
	}
	return &Evaluation{
		Trigger: TriggerTimeExit,
		Reason:  fmt.Sprintf("dte %d <= %d past %s ET", m.DTE, dteThreshold, cutoff),
		Metrics: m,
	}
}

// structuralCheck verifies geometry, chain legs and (past the settling
// window) broker positions before any P&L reasoning.
func (e *Evaluator) structuralCheck(ctx context.Context, trade *models.Trade, chain []broker.Option, now time.Time) (*broker.Option, *broker.Option, error) {
	desc, err := models.DescriptorFor(trade.Strategy)
	if err != nil {
		return nil, nil, err
	}
	if err := trade.ValidateGeometry(); err != nil {
		return nil, nil, err
	}

	shortLeg := broker.GetOptionByStrike(chain, trade.ShortStrike, string(desc.OptionType))
	longLeg := broker.GetOptionByStrike(chain, trade.LongStrike, string(desc.OptionType))
	if shortLeg == nil || longLeg == nil {
		return nil, nil, fmt.Errorf("legs missing from chain (short %.2f long %.2f %s)",
			trade.ShortStrike, trade.LongStrike, desc.OptionType)
	}

	opened := trade.CreatedAt
	if trade.OpenedAt != nil {
		opened = *trade.OpenedAt
	}
	if now.Sub(opened) <= settlingWindow {
		return shortLeg, longLeg, nil
	}

	positions, err := e.broker.GetPositions(ctx)
	if err != nil {
		// The chain already proved both legs exist, so a feed failure
		// is not a break unless the error names corrupt data.
		if broker.IsStructuralRejection(err.Error()) {
			return nil, nil, fmt.Errorf("positions fetch: %w", err)
		}
		return shortLeg, longLeg, nil
	}

	shortQty := positionQuantity(positions, trade, desc, trade.ShortStrike)
	longQty := positionQuantity(positions, trade, desc, trade.LongStrike)
	need := float64(trade.Quantity)
	if shortQty >= -need+1e-9 || longQty < need-1e-9 {
		if trade.BrokerOrderIDOpen != "" {
			if reason := e.entryOrderUnfilled(ctx, trade); reason != "" {
				return nil, nil, fmt.Errorf("%s", reason)
			}
		}
		return nil, nil, fmt.Errorf("legs not in broker positions (short qty %.0f long qty %.0f need %d)",
			shortQty, longQty, trade.Quantity)
	}
	return shortLeg, longLeg, nil
}

// entryOrderUnfilled reports ENTRY_ORDER_NOT_FILLED when the entry order
// exists at the broker with a non-filled status.
func (e *Evaluator) entryOrderUnfilled(ctx context.Context, trade *models.Trade) string {
	var id int
	if _, err := fmt.Sscanf(trade.BrokerOrderIDOpen, "%d", &id); err != nil {
		return ""
	}
	order, err := e.broker.GetOrder(ctx, id)
	if err != nil || order == nil {
		return ""
	}
	if !strings.EqualFold(order.Status, "filled") {
		return fmt.Sprintf("%s: broker status %s", ReasonEntryOrderNotFilled, order.Status)
	}
	return ""
}

func (e *Evaluator) computeMetrics(ctx context.Context, trade *models.Trade, shortLeg, longLeg *broker.Option, now time.Time) (*TradeMetrics, error) {
	shortMid := util.Mid(shortLeg.Bid, shortLeg.Ask)
	longMid := util.Mid(longLeg.Bid, longLeg.Ask)

	var mark float64
	if trade.IsCredit() {
		mark = shortMid - longMid
	} else {
		mark = longMid - shortMid
	}

	var upnl, profitFrac, lossFrac float64
	if trade.EntryPrice > 0 {
		if trade.IsCredit() {
			upnl = trade.EntryPrice - mark
		} else {
			upnl = mark - trade.EntryPrice
		}
		if trade.MaxProfit > 0 {
			profitFrac = upnl / trade.MaxProfit
		}
		if trade.MaxLoss > 0 {
			lossFrac = math.Max(0, -upnl/trade.MaxLoss)
		}
	}

	dte, err := marketcal.DTE(now, trade.Expiration)
	if err != nil {
		return nil, fmt.Errorf("invalid expiration on trade %s: %w", trade.ID, err)
	}

	var shortIV float64
	if shortLeg.Greeks != nil {
		shortIV = shortLeg.Greeks.MidIV
	}

	quote, err := e.broker.GetUnderlyingQuote(ctx, trade.Symbol)
	if err != nil {
		return nil, err
	}
	underlying := quote.Last
	if underlying <= 0 {
		underlying = util.Mid(quote.Bid, quote.Ask)
	}

	return &TradeMetrics{
		ShortMid:       shortMid,
		LongMid:        longMid,
		CurrentMark:    mark,
		UnrealizedPnL:  upnl,
		ProfitFraction: profitFrac,
		LossFraction:   lossFrac,
		DTE:            dte,
		ShortIV:        shortIV,
		Underlying:     underlying,
	}, nil
}

// emergencyCheck implements rule 1: per-leg liquidity and quote
// integrity, plus the short-window underlying spike.
func (e *Evaluator) emergencyCheck(ctx context.Context, trade *models.Trade, shortLeg, longLeg *broker.Option, m *TradeMetrics, now time.Time) string {
	liqCap := e.resolver.LiquiditySpreadThreshold(ctx)
	for _, leg := range []*broker.Option{shortLeg, longLeg} {
		if leg.Bid <= 0 || leg.Ask <= 0 || leg.Bid >= leg.Ask {
			return fmt.Sprintf("quote integrity failed on %s %.2f (bid %.2f ask %.2f)",
				leg.OptionType, leg.Strike, leg.Bid, leg.Ask)
		}
		if leg.Ask-leg.Bid > liqCap {
			return fmt.Sprintf("liquidity spread %.2f over cap %.2f on %s %.2f",
				leg.Ask-leg.Bid, liqCap, leg.OptionType, leg.Strike)
		}
	}

	if m.Underlying > 0 {
		nowMs := now.UnixMilli()
		snap, ok := e.resolver.GetPriceSnap(ctx, trade.ID, "15S")
		if ok && nowMs-snap.At >= spikeWindowMs && snap.Price > 0 {
			change := math.Abs(m.Underlying-snap.Price) / snap.Price
			if change > e.resolver.UnderlyingSpikeThreshold(ctx) {
				return fmt.Sprintf("underlying moved %.2f%% in %.0fs", change*100, float64(nowMs-snap.At)/1000)
			}
		}
		if !ok || nowMs-snap.At >= spikeWindowMs {
			_ = e.resolver.SetPriceSnap(ctx, trade.ID, "15S", config.PriceSnap{Price: m.Underlying, At: nowMs})
		}
	}
	return ""
}

// classifyError maps a broker/data error onto NONE (transient, retry next
// cycle) or EMERGENCY (the data itself is inconsistent).
func (e *Evaluator) classifyError(trade *models.Trade, err error) *Evaluation {
	if broker.IsStructuralRejection(err.Error()) {
		e.log.WithError(err).WithField("trade_id", trade.ID).Error("structural data error")
		return &Evaluation{
			Trigger: TriggerEmergency,
			Reason:  fmt.Sprintf("%s: %v", ReasonStructuralBreak, err),
		}
	}
	e.log.WithError(err).WithField("trade_id", trade.ID).Warn("transient evaluation error")
	return &Evaluation{Trigger: TriggerNone, Reason: err.Error()}
}

// positionQuantity returns the signed broker quantity for one leg, 0 when
// the leg is absent.
func positionQuantity(positions []broker.PositionItem, trade *models.Trade, desc models.Descriptor, strike float64) float64 {
	occ, err := broker.EncodeOCC(trade.Symbol, trade.Expiration, string(desc.OptionType), strike)
	if err != nil {
		return 0
	}
	for _, p := range positions {
		if p.Symbol == occ {
			return p.Quantity
		}
	}
	return 0
}
