package models

import (
	"strings"
	"time"
)

// OrderSide distinguishes entry and exit orders.
type OrderSide string

const (
	OrderSideEntry OrderSide = "ENTRY"
	OrderSideExit  OrderSide = "EXIT"
)

// OrderStatus is the normalized local view of a broker order.
type OrderStatus string

const (
	OrderPending   OrderStatus = "PENDING"
	OrderPlaced    OrderStatus = "PLACED"
	OrderPartial   OrderStatus = "PARTIAL"
	OrderFilled    OrderStatus = "FILLED"
	OrderCancelled OrderStatus = "CANCELLED"
	OrderRejected  OrderStatus = "REJECTED"
)

// orderStatusRank orders statuses along the lifecycle DAG so advancement
// can be checked with a comparison. Terminal statuses share the top rank.
var orderStatusRank = map[OrderStatus]int{
	OrderPending:   0,
	OrderPlaced:    1,
	OrderPartial:   2,
	OrderFilled:    3,
	OrderCancelled: 3,
	OrderRejected:  3,
}

// IsTerminal reports whether the status can never change again.
func (s OrderStatus) IsTerminal() bool {
	return s == OrderFilled || s == OrderCancelled || s == OrderRejected
}

// CanAdvance reports whether moving from s to next respects monotonic
// status advancement: terminal statuses are never overwritten, and a
// status never regresses to an earlier rank.
func (s OrderStatus) CanAdvance(next OrderStatus) bool {
	if s == next {
		return false
	}
	if s.IsTerminal() {
		return false
	}
	return orderStatusRank[next] >= orderStatusRank[s]
}

// NormalizeBrokerStatus maps a raw broker status string onto the local
// status set. Unrecognized statuses map to PENDING so they never advance
// a local order past broker truth.
func NormalizeBrokerStatus(raw string) OrderStatus {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "filled":
		return OrderFilled
	case "partially_filled", "partial":
		return OrderPartial
	case "cancelled", "canceled":
		return OrderCancelled
	case "rejected":
		return OrderRejected
	case "open", "pending", "new":
		return OrderPlaced
	default:
		return OrderPending
	}
}

// Order is a broker order tracked locally. ClientOrderID is generated
// before placement and is the primary reconciliation anchor; BrokerOrderID
// is a fallback match only.
type Order struct {
	ID                string      `json:"id"`
	ProposalID        string      `json:"proposal_id"`
	TradeID           string      `json:"trade_id,omitempty"`
	Side              OrderSide   `json:"side"`
	ClientOrderID     string      `json:"client_order_id"`
	BrokerOrderID     string      `json:"broker_order_id,omitempty"`
	Status            OrderStatus `json:"status"`
	AvgFillPrice      *float64    `json:"avg_fill_price,omitempty"`
	FilledQuantity    *float64    `json:"filled_quantity,omitempty"`
	RemainingQuantity *float64    `json:"remaining_quantity,omitempty"`
	SnapshotID        string      `json:"snapshot_id,omitempty"`
	CreatedAt         time.Time   `json:"created_at"`
	UpdatedAt         time.Time   `json:"updated_at"`
}

// FillPrice returns the average fill price, or zero when none was reported.
func (o *Order) FillPrice() float64 {
	if o.AvgFillPrice == nil {
		return 0
	}
	return *o.AvgFillPrice
}

// IsCompletelyFilled reports whether the order should be treated as filled:
// either the normalized status says so, or everything executed and nothing
// remains. An order with zero executed quantity is never "filled" even if
// remaining is zero (rejected orders report that shape).
func (o *Order) IsCompletelyFilled() bool {
	if o.Status == OrderFilled {
		return true
	}
	if o.FilledQuantity == nil || o.RemainingQuantity == nil {
		return false
	}
	const epsilon = 1e-6
	if *o.FilledQuantity <= epsilon {
		return false
	}
	return *o.RemainingQuantity <= epsilon
}
