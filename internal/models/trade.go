package models

import (
	"fmt"
	"math"
	"time"
)

const sharesPerContract = 100.0

// StrikeEpsilon is the tolerance for strike geometry comparisons.
const StrikeEpsilon = 0.01

// TradeStatus represents the lifecycle state of a managed spread.
type TradeStatus string

const (
	// TradeEntryPending means the entry order was submitted but not yet filled.
	TradeEntryPending TradeStatus = "ENTRY_PENDING"
	// TradeOpen means the entry filled and the spread is being managed.
	TradeOpen TradeStatus = "OPEN"
	// TradeClosingPending means an exit order was submitted but not yet filled.
	TradeClosingPending TradeStatus = "CLOSING_PENDING"
	// TradeClosed means the exit filled; realized P&L is final.
	TradeClosed TradeStatus = "CLOSED"
	// TradeCancelled means the entry order terminated without a fill.
	TradeCancelled TradeStatus = "CANCELLED"
)

// TradeTransition defines one edge of the trade lifecycle DAG.
type TradeTransition struct {
	From      TradeStatus
	To        TradeStatus
	Condition string
}

// ValidTradeTransitions is the full trade lifecycle. CLOSED and CANCELLED
// are terminal. CLOSING_PENDING -> OPEN covers a rejected or cancelled exit
// order: the position is still on, the next monitor cycle retries.
var ValidTradeTransitions = []TradeTransition{
	{TradeEntryPending, TradeOpen, "entry_filled"},
	{TradeEntryPending, TradeCancelled, "entry_rejected"},
	{TradeOpen, TradeClosingPending, "exit_submitted"},
	{TradeOpen, TradeClosed, "manual_close"},
	{TradeClosingPending, TradeClosed, "exit_filled"},
	{TradeClosingPending, TradeOpen, "exit_rejected"},
}

// Trade is a managed vertical spread position. The engine only ever
// evaluates and closes trades it created itself.
type Trade struct {
	ID                    string      `json:"id"`
	ProposalID            string      `json:"proposal_id"`
	Symbol                string      `json:"symbol"`
	Expiration            string      `json:"expiration"` // YYYY-MM-DD
	Strategy              Strategy    `json:"strategy"`
	ShortStrike           float64     `json:"short_strike"`
	LongStrike            float64     `json:"long_strike"`
	Width                 int         `json:"width"`
	Quantity              int         `json:"quantity"`
	EntryPrice            float64     `json:"entry_price"` // per spread, always positive
	ExitPrice             *float64    `json:"exit_price,omitempty"`
	MaxProfit             float64     `json:"max_profit"`
	MaxLoss               float64     `json:"max_loss"`
	RealizedPnL           *float64    `json:"realized_pnl,omitempty"`
	MaxSeenProfitFraction float64     `json:"max_seen_profit_fraction"`
	IVEntry               float64     `json:"iv_entry"`
	Status                TradeStatus `json:"status"`
	ExitReason            string      `json:"exit_reason,omitempty"`
	BrokerOrderIDOpen     string      `json:"broker_order_id_open,omitempty"`
	BrokerOrderIDClose    string      `json:"broker_order_id_close,omitempty"`
	OpenedAt              *time.Time  `json:"opened_at,omitempty"`
	ClosedAt              *time.Time  `json:"closed_at,omitempty"`
	CreatedAt             time.Time   `json:"created_at"`
	UpdatedAt             time.Time   `json:"updated_at"`
}

// IsCredit reports whether the trade's strategy collects premium at entry.
func (t *Trade) IsCredit() bool {
	d, ok := Descriptors[t.Strategy]
	return ok && d.Credit
}

// IsTerminal reports whether the trade status can never change again.
func (t *Trade) IsTerminal() bool {
	return t.Status == TradeClosed || t.Status == TradeCancelled
}

// CanTransition reports whether moving from the current status to the
// target status is a valid lifecycle edge.
func (t *Trade) CanTransition(to TradeStatus) bool {
	for _, tr := range ValidTradeTransitions {
		if tr.From == t.Status && tr.To == to {
			return true
		}
	}
	return false
}

// Transition moves the trade to a new status, enforcing the lifecycle DAG.
func (t *Trade) Transition(to TradeStatus, now time.Time) error {
	if t.Status == to {
		return nil
	}
	if !t.CanTransition(to) {
		return fmt.Errorf("trade %s: invalid transition %s -> %s", t.ID, t.Status, to)
	}
	t.Status = to
	t.UpdatedAt = now
	switch to {
	case TradeOpen:
		if t.OpenedAt == nil {
			opened := now
			t.OpenedAt = &opened
		}
	case TradeClosed:
		if t.ClosedAt == nil {
			closed := now
			t.ClosedAt = &closed
		}
	}
	return nil
}

// SetEntryFill records the entry fill and derives max profit/loss from it.
func (t *Trade) SetEntryFill(avgFillPrice float64, now time.Time) error {
	t.EntryPrice = avgFillPrice
	t.MaxProfit, t.MaxLoss = SpreadMaxProfitLoss(t.Strategy, float64(t.Width), avgFillPrice)
	return t.Transition(TradeOpen, now)
}

// SetExitFill records the exit fill, computes realized P&L in dollars and
// marks the trade closed. The exit reason set when the exit was submitted
// is preserved.
func (t *Trade) SetExitFill(avgFillPrice float64, now time.Time) error {
	exit := avgFillPrice
	t.ExitPrice = &exit
	var perSpread float64
	if t.IsCredit() {
		perSpread = t.EntryPrice - avgFillPrice
	} else {
		perSpread = avgFillPrice - t.EntryPrice
	}
	pnl := perSpread * float64(t.Quantity) * sharesPerContract
	t.RealizedPnL = &pnl
	return t.Transition(TradeClosed, now)
}

// ValidateGeometry checks strategy-specific strike geometry within
// StrikeEpsilon and that the stored width matches |long - short|.
func (t *Trade) ValidateGeometry() error {
	d, err := DescriptorFor(t.Strategy)
	if err != nil {
		return fmt.Errorf("trade %s: %w", t.ID, err)
	}
	width := math.Abs(t.LongStrike - t.ShortStrike)
	if math.Abs(width-float64(t.Width)) > StrikeEpsilon {
		return fmt.Errorf("trade %s: width %d does not match strikes |%.2f-%.2f|=%.2f",
			t.ID, t.Width, t.LongStrike, t.ShortStrike, width)
	}
	expectedLong := d.ExpectedLongStrike(t.ShortStrike, float64(t.Width))
	if math.Abs(expectedLong-t.LongStrike) > StrikeEpsilon {
		return fmt.Errorf("trade %s: %s long strike %.2f, expected %.2f (short %.2f width %d)",
			t.ID, t.Strategy, t.LongStrike, expectedLong, t.ShortStrike, t.Width)
	}
	if t.Quantity < 1 {
		return fmt.Errorf("trade %s: quantity must be >= 1, got %d", t.ID, t.Quantity)
	}
	return nil
}

// Validate checks the closed-trade invariant on top of geometry: once a
// trade reaches CLOSED, exit price, close time and realized P&L are all set.
func (t *Trade) Validate() error {
	if err := t.ValidateGeometry(); err != nil {
		return err
	}
	if t.Status == TradeClosed {
		if t.ExitPrice == nil {
			return fmt.Errorf("trade %s: CLOSED without exit price", t.ID)
		}
		if t.ClosedAt == nil {
			return fmt.Errorf("trade %s: CLOSED without close time", t.ID)
		}
		if t.RealizedPnL == nil {
			return fmt.Errorf("trade %s: CLOSED without realized P&L", t.ID)
		}
	}
	return nil
}

// SpreadMaxProfitLoss returns (maxProfit, maxLoss) per spread for the given
// strategy, width and entry price. Credit: maxProfit = credit, maxLoss =
// width - credit. Debit: maxProfit = width - debit, maxLoss = debit.
func SpreadMaxProfitLoss(s Strategy, width, entryPrice float64) (float64, float64) {
	d, ok := Descriptors[s]
	if ok && d.Credit {
		return entryPrice, width - entryPrice
	}
	return width - entryPrice, entryPrice
}
