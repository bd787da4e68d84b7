// Package reconcile pulls broker order truth back into local orders,
// trades and proposals. Every state advance is monotonic so the pass is
// safe to run arbitrarily often.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/mscarn/dunder_verticals/internal/broker"
	"github.com/mscarn/dunder_verticals/internal/models"
	"github.com/mscarn/dunder_verticals/internal/risk"
	"github.com/mscarn/dunder_verticals/internal/storage"
)

// Reconciler applies broker order state to local records.
type Reconciler struct {
	store storage.Interface
	risk  *risk.Manager
	log   logrus.FieldLogger
}

// NewReconciler creates a reconciler. riskMgr may be nil in read-only tools.
func NewReconciler(store storage.Interface, riskMgr *risk.Manager, log logrus.FieldLogger) *Reconciler {
	return &Reconciler{store: store, risk: riskMgr, log: log}
}

// ReconcileAll runs ReconcileBrokerOrder over a broker order listing.
// Unmatched orders are warnings, not errors: the account may carry manual
// positions this engine does not manage. snapshotID may be empty when the
// pass is not part of a snapshot sync.
func (r *Reconciler) ReconcileAll(ctx context.Context, items []broker.OrderItem, snapshotID string, now time.Time) (matched, unmatched int) {
	for i := range items {
		ok, err := r.ReconcileBrokerOrder(ctx, &items[i], snapshotID, now)
		if err != nil {
			r.log.WithError(err).WithField("broker_order_id", items[i].ID).Error("reconcile failed")
			continue
		}
		if ok {
			matched++
		} else {
			unmatched++
		}
	}
	return matched, unmatched
}

// ReconcileBrokerOrder matches one broker order to a local order by
// client order id, then broker order id, applies any change, and settles
// the linked trade and proposal. Returns false when the order is not ours.
func (r *Reconciler) ReconcileBrokerOrder(ctx context.Context, item *broker.OrderItem, snapshotID string, now time.Time) (bool, error) {
	order, err := r.matchOrder(ctx, item)
	if err != nil {
		return false, err
	}
	if order == nil {
		r.log.WithFields(logrus.Fields{
			"broker_order_id": item.ID,
			"tag":             item.Tag,
			"status":          item.Status,
		}).Warn("unmatched broker order, skipping")
		return false, nil
	}

	changed := r.applyBrokerState(order, item, snapshotID, now)
	if changed {
		if err := r.store.UpdateOrder(ctx, order); err != nil {
			if errors.Is(err, storage.ErrOrderStatusRegression) {
				// Local state is already further along; nothing to do.
				return true, nil
			}
			return true, fmt.Errorf("reconcile: %w", err)
		}
	}
	// Terminal orders settle even without a fresh change: a crash between
	// the order update and the trade settle must not strand the trade.
	if changed || order.Status.IsTerminal() {
		if err := r.reconcileWithTrade(ctx, order, now); err != nil {
			return true, fmt.Errorf("reconcile: %w", err)
		}
	}
	return true, nil
}

func (r *Reconciler) matchOrder(ctx context.Context, item *broker.OrderItem) (*models.Order, error) {
	if item.Tag != "" {
		order, err := r.store.GetOrderByClientOrderID(ctx, item.Tag)
		if err == nil {
			return order, nil
		}
		if !errors.Is(err, storage.ErrNotFound) {
			return nil, err
		}
	}
	order, err := r.store.GetOrderByBrokerOrderID(ctx, strconv.Itoa(item.ID))
	if err == nil {
		return order, nil
	}
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	return nil, err
}

// applyBrokerState copies status and fill data onto the local order,
// returning whether anything changed. Statuses only ever advance.
func (r *Reconciler) applyBrokerState(order *models.Order, item *broker.OrderItem, snapshotID string, now time.Time) bool {
	changed := false

	if snapshotID != "" && order.SnapshotID != snapshotID {
		order.SnapshotID = snapshotID
		changed = true
	}

	normalized := models.NormalizeBrokerStatus(item.Status)
	if normalized != order.Status && order.Status.CanAdvance(normalized) {
		order.Status = normalized
		changed = true
	}
	if order.BrokerOrderID == "" {
		order.BrokerOrderID = strconv.Itoa(item.ID)
		changed = true
	}
	if item.AvgFillPrice > 0 && (order.AvgFillPrice == nil || *order.AvgFillPrice != item.AvgFillPrice) {
		price := item.AvgFillPrice
		order.AvgFillPrice = &price
		changed = true
	}
	if order.FilledQuantity == nil || *order.FilledQuantity != item.ExecQuantity {
		filled := item.ExecQuantity
		order.FilledQuantity = &filled
		changed = true
	}
	if order.RemainingQuantity == nil || *order.RemainingQuantity != item.RemainingQuantity {
		remaining := item.RemainingQuantity
		order.RemainingQuantity = &remaining
		changed = true
	}
	if changed {
		order.UpdatedAt = now
	}
	return changed
}

func (r *Reconciler) reconcileWithTrade(ctx context.Context, order *models.Order, now time.Time) error {
	switch order.Side {
	case models.OrderSideEntry:
		return r.settleEntry(ctx, order, now)
	case models.OrderSideExit:
		return r.settleExit(ctx, order, now)
	}
	return fmt.Errorf("order %s: unknown side %q", order.ID, order.Side)
}

func (r *Reconciler) settleEntry(ctx context.Context, order *models.Order, now time.Time) error {
	if order.IsCompletelyFilled() {
		trade, err := r.findTrade(ctx, order)
		if err != nil {
			return err
		}
		fill := order.FillPrice()
		if trade == nil {
			// Placement crashed between broker ack and trade persist:
			// rebuild the trade from the proposal, strategy verbatim.
			prop, err := r.store.GetProposal(ctx, order.ProposalID)
			if err != nil {
				return fmt.Errorf("entry fill without proposal %s: %w", order.ProposalID, err)
			}
			trade = tradeFromProposal(prop, now)
			if err := trade.SetEntryFill(fill, now); err != nil {
				return err
			}
			if err := r.store.CreateTrade(ctx, trade); err != nil {
				return err
			}
			order.TradeID = trade.ID
			order.UpdatedAt = now
			if err := r.store.UpdateOrder(ctx, order); err != nil && !errors.Is(err, storage.ErrOrderStatusRegression) {
				return err
			}
		} else if trade.Status == models.TradeEntryPending {
			if err := trade.SetEntryFill(fill, now); err != nil {
				return err
			}
			trade.BrokerOrderIDOpen = order.BrokerOrderID
			if err := r.store.UpdateTrade(ctx, trade); err != nil {
				return err
			}
		}
		r.log.WithFields(logrus.Fields{
			"trade_id": trade.ID,
			"fill":     fill,
		}).Info("entry filled")
		return r.store.UpdateProposalStatus(ctx, order.ProposalID, models.ProposalConsumed)
	}

	if order.Status == models.OrderCancelled || order.Status == models.OrderRejected {
		if trade, err := r.findTrade(ctx, order); err == nil && trade != nil && trade.Status == models.TradeEntryPending {
			if err := trade.Transition(models.TradeCancelled, now); err == nil {
				if err := r.store.UpdateTrade(ctx, trade); err != nil {
					return err
				}
			}
		}
		return r.store.UpdateProposalStatus(ctx, order.ProposalID, models.ProposalInvalidated)
	}
	return nil
}

func (r *Reconciler) settleExit(ctx context.Context, order *models.Order, now time.Time) error {
	trade, err := r.findTrade(ctx, order)
	if err != nil {
		return err
	}
	if trade == nil {
		return fmt.Errorf("exit order %s has no trade", order.ID)
	}

	if order.IsCompletelyFilled() {
		if trade.Status == models.TradeClosed {
			return nil
		}
		if err := trade.SetExitFill(order.FillPrice(), now); err != nil {
			return err
		}
		trade.BrokerOrderIDClose = order.BrokerOrderID
		if err := r.store.UpdateTrade(ctx, trade); err != nil {
			return err
		}
		if r.risk != nil && trade.RealizedPnL != nil {
			if err := r.risk.RecordRealizedPnL(ctx, *trade.RealizedPnL, now); err != nil {
				r.log.WithError(err).Warn("realized pnl accounting failed")
			}
		}
		r.log.WithFields(logrus.Fields{
			"trade_id": trade.ID,
			"reason":   trade.ExitReason,
			"pnl":      trade.RealizedPnL,
		}).Info("exit filled, trade closed")
		return r.store.UpdateProposalStatus(ctx, order.ProposalID, models.ProposalConsumed)
	}

	if order.Status == models.OrderCancelled || order.Status == models.OrderRejected {
		if trade.Status == models.TradeClosingPending {
			if err := trade.Transition(models.TradeOpen, now); err != nil {
				return err
			}
			if err := r.store.UpdateTrade(ctx, trade); err != nil {
				return err
			}
			r.log.WithField("trade_id", trade.ID).Warn("exit order failed, trade back to OPEN")
		}
		return r.store.UpdateProposalStatus(ctx, order.ProposalID, models.ProposalInvalidated)
	}
	return nil
}

func (r *Reconciler) findTrade(ctx context.Context, order *models.Order) (*models.Trade, error) {
	if order.TradeID != "" {
		trade, err := r.store.GetTrade(ctx, order.TradeID)
		if err == nil {
			return trade, nil
		}
		if !errors.Is(err, storage.ErrNotFound) {
			return nil, err
		}
	}
	if order.Side == models.OrderSideExit {
		// Exit orders reference the exit proposal; the trade hangs off its
		// linked trade id, not the proposal id.
		prop, err := r.store.GetProposal(ctx, order.ProposalID)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return nil, nil
			}
			return nil, err
		}
		if prop.LinkedTradeID == "" {
			return nil, nil
		}
		trade, err := r.store.GetTrade(ctx, prop.LinkedTradeID)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return nil, nil
			}
			return nil, err
		}
		return trade, nil
	}
	trade, err := r.store.GetTradeByProposalID(ctx, order.ProposalID)
	if err == nil {
		return trade, nil
	}
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	return nil, err
}

func tradeFromProposal(prop *models.Proposal, now time.Time) *models.Trade {
	entry := prop.CreditTarget
	if entry < 0 {
		entry = -entry
	}
	maxProfit, maxLoss := models.SpreadMaxProfitLoss(prop.Strategy, float64(prop.Width), entry)
	return &models.Trade{
		ID:          uuid.NewString(),
		ProposalID:  prop.ID,
		Symbol:      prop.Symbol,
		Expiration:  prop.Expiration,
		Strategy:    prop.Strategy,
		ShortStrike: prop.ShortStrike,
		LongStrike:  prop.LongStrike,
		Width:       prop.Width,
		Quantity:    prop.Quantity,
		EntryPrice:  entry,
		MaxProfit:   maxProfit,
		MaxLoss:     maxLoss,
		Status:      models.TradeEntryPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}
