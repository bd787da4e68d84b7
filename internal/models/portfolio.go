package models

import (
	"fmt"
	"time"
)

// PositionSide marks whether a broker-held leg is long or short.
type PositionSide string

const (
	PositionLong  PositionSide = "long"
	PositionShort PositionSide = "short"
)

// PositionKey identifies a broker-held option leg.
type PositionKey struct {
	Symbol     string
	Expiration string // YYYY-MM-DD
	OptionType OptionType
	Strike     float64
	Side       PositionSide
}

// String renders the key in a stable form usable as a map key or log field.
func (k PositionKey) String() string {
	return fmt.Sprintf("%s|%s|%s|%.3f|%s", k.Symbol, k.Expiration, k.OptionType, k.Strike, k.Side)
}

// PortfolioPosition is a broker-held leg as of a snapshot.
type PortfolioPosition struct {
	Key                  PositionKey `json:"key"`
	Quantity             int         `json:"quantity"` // always >= 0; sign lives in Key.Side
	CostBasisPerContract *float64    `json:"cost_basis_per_contract,omitempty"`
	Bid                  *float64    `json:"bid,omitempty"`
	Ask                  *float64    `json:"ask,omitempty"`
	Last                 *float64    `json:"last,omitempty"`
	SnapshotID           string      `json:"snapshot_id"`
	UpdatedAt            time.Time   `json:"updated_at"`
}

// Balances is the broker account balance view captured by a snapshot.
type Balances struct {
	Cash              float64 `json:"cash"`
	BuyingPower       float64 `json:"buying_power"`
	Equity            float64 `json:"equity"`
	MarginRequirement float64 `json:"margin_requirement"`
}

// Snapshot is a coherent point-in-time bundle of positions, orders and
// balances. Every row written by one sync carries the same snapshot id.
type Snapshot struct {
	ID            string    `json:"id"`
	AccountID     string    `json:"account_id"`
	AsOf          time.Time `json:"as_of"`
	PositionCount int       `json:"position_count"`
	OrderCount    int       `json:"order_count"`
	Balances      Balances  `json:"balances"`
}

// SystemMode gates whether the engine may open new trades.
type SystemMode string

const (
	// ModeNormal is the ordinary operating mode.
	ModeNormal SystemMode = "NORMAL"
	// ModeHardStop blocks all new entries until an explicit admin reset.
	ModeHardStop SystemMode = "HARD_STOP"
)

// TradingMode selects which broker environment the engine drives.
type TradingMode string

const (
	// ModeDryRun evaluates everything but never places orders.
	ModeDryRun TradingMode = "DRY_RUN"
	// ModeSandboxPaper places orders against the broker sandbox.
	ModeSandboxPaper TradingMode = "SANDBOX_PAPER"
	// ModeLive places real orders.
	ModeLive TradingMode = "LIVE"
)

// ValidTradingMode reports whether s is a recognized trading mode.
func ValidTradingMode(s string) bool {
	switch TradingMode(s) {
	case ModeDryRun, ModeSandboxPaper, ModeLive:
		return true
	}
	return false
}

// BrokerEvent is one append-only record of a broker interaction.
type BrokerEvent struct {
	ID           int64       `json:"id"`
	Operation    string      `json:"operation"`
	Symbol       string      `json:"symbol,omitempty"`
	Expiration   string      `json:"expiration,omitempty"`
	OrderID      string      `json:"order_id,omitempty"`
	StatusCode   int         `json:"status_code"`
	OK           bool        `json:"ok"`
	DurationMs   int64       `json:"duration_ms"`
	Mode         TradingMode `json:"mode"`
	ErrorMessage string      `json:"error_message,omitempty"`
	Strategy     Strategy    `json:"strategy,omitempty"`
	CreatedAt    time.Time   `json:"created_at"`
}

// SystemLog is one append-only structured log row. Details is opaque JSON.
type SystemLog struct {
	ID        int64     `json:"id"`
	LogType   string    `json:"log_type"`
	Message   string    `json:"message"`
	Details   string    `json:"details,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// System log types written by the engine.
const (
	LogTypeSystemModeChange = "system_mode_change"
	LogTypeProposalsSummary = "proposals_summary"
	LogTypeRegimeChange     = "regime_change"
	LogTypeEmergencyExit    = "emergency_exit"
	LogTypePortfolioRepair  = "portfolio_repair"
)
