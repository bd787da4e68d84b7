// Package exec places entry and exit orders for proposals and trades,
// recording a local Order row before every broker call so reconciliation
// can always match fills back.
package exec

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/mscarn/dunder_verticals/internal/broker"
	"github.com/mscarn/dunder_verticals/internal/config"
	"github.com/mscarn/dunder_verticals/internal/models"
	"github.com/mscarn/dunder_verticals/internal/risk"
	"github.com/mscarn/dunder_verticals/internal/storage"
	"github.com/mscarn/dunder_verticals/internal/util"
)

// Executor submits entry and exit orders.
type Executor struct {
	broker   broker.Broker
	store    storage.Interface
	resolver *config.Resolver
	risk     *risk.Manager
	log      logrus.FieldLogger
}

// NewExecutor creates an order executor. risk may be nil in tools that
// never submit emergency exits.
func NewExecutor(b broker.Broker, store storage.Interface, resolver *config.Resolver, riskMgr *risk.Manager, log logrus.FieldLogger) *Executor {
	return &Executor{broker: b, store: store, resolver: resolver, risk: riskMgr, log: log}
}

// PlaceEntry submits the limit spread order for a READY entry proposal.
// In DRY_RUN the proposal is consumed without touching the broker. The
// returned order is nil when nothing was placed.
func (x *Executor) PlaceEntry(ctx context.Context, prop *models.Proposal, now time.Time) (*models.Order, error) {
	mode := x.resolver.TradingMode(ctx)
	if mode == models.ModeDryRun {
		x.log.WithFields(logrus.Fields{
			"proposal_id": prop.ID,
			"strategy":    prop.Strategy,
		}).Info("dry run: skipping entry placement")
		if err := x.store.UpdateProposalStatus(ctx, prop.ID, models.ProposalConsumed); err != nil {
			return nil, fmt.Errorf("exec.PlaceEntry: %w", err)
		}
		return nil, nil
	}

	desc, err := models.DescriptorFor(prop.Strategy)
	if err != nil {
		return nil, fmt.Errorf("exec.PlaceEntry: %w", err)
	}
	shortOCC, err := broker.EncodeOCC(prop.Symbol, prop.Expiration, string(desc.OptionType), prop.ShortStrike)
	if err != nil {
		return nil, fmt.Errorf("exec.PlaceEntry: %w", err)
	}
	longOCC, err := broker.EncodeOCC(prop.Symbol, prop.Expiration, string(desc.OptionType), prop.LongStrike)
	if err != nil {
		return nil, fmt.Errorf("exec.PlaceEntry: %w", err)
	}

	// Broker limits must land on a penny tick: shave a credit down, pad a
	// debit up, keeping the order marketable after rounding.
	limit := prop.CreditTarget
	priceType := "credit"
	if limit < 0 {
		limit = util.CeilToTick(-limit, 0.01)
		priceType = "debit"
	} else {
		limit = util.FloorToTick(limit, 0.01)
	}

	clientOrderID := uuid.NewString()
	order := &models.Order{
		ID:            uuid.NewString(),
		ProposalID:    prop.ID,
		Side:          models.OrderSideEntry,
		ClientOrderID: clientOrderID,
		Status:        models.OrderPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := x.store.CreateOrder(ctx, order); err != nil {
		return nil, fmt.Errorf("exec.PlaceEntry: %w", err)
	}

	trade := tradeFromProposal(prop, now)
	if err := x.store.CreateTrade(ctx, trade); err != nil {
		return nil, fmt.Errorf("exec.PlaceEntry: %w", err)
	}
	order.TradeID = trade.ID
	if err := x.store.UpdateOrder(ctx, order); err != nil {
		return nil, fmt.Errorf("exec.PlaceEntry: %w", err)
	}

	req := broker.SpreadOrderRequest{
		Symbol: prop.Symbol,
		Legs: []broker.SpreadLeg{
			{OptionSymbol: shortOCC, Side: broker.LegSellToOpen, Quantity: prop.Quantity},
			{OptionSymbol: longOCC, Side: broker.LegBuyToOpen, Quantity: prop.Quantity},
		},
		PriceType:  priceType,
		LimitPrice: limit,
		Duration:   "day",
		Tag:        clientOrderID,
	}

	start := time.Now()
	ack, err := x.broker.PlaceSpreadOrder(ctx, req)
	x.recordEvent(ctx, "place_spread_entry", prop.Symbol, prop.Expiration, clientOrderID, prop.Strategy, mode, start, err)
	if err != nil {
		return nil, x.entryFailure(ctx, prop, trade, order, now, err)
	}

	order.BrokerOrderID = strconv.Itoa(ack.ID)
	order.Status = models.OrderPlaced
	order.UpdatedAt = now
	if err := x.store.UpdateOrder(ctx, order); err != nil {
		return nil, fmt.Errorf("exec.PlaceEntry: %w", err)
	}
	trade.BrokerOrderIDOpen = order.BrokerOrderID
	trade.UpdatedAt = now
	if err := x.store.UpdateTrade(ctx, trade); err != nil {
		return nil, fmt.Errorf("exec.PlaceEntry: %w", err)
	}

	x.log.WithFields(logrus.Fields{
		"proposal_id":     prop.ID,
		"trade_id":        trade.ID,
		"broker_order_id": order.BrokerOrderID,
		"limit":           limit,
		"price_type":      priceType,
	}).Info("entry order placed")
	return order, nil
}

// entryFailure settles local state after a failed placement call. A benign
// market-closed rejection leaves the proposal READY for the next session;
// anything else invalidates it.
func (x *Executor) entryFailure(ctx context.Context, prop *models.Proposal, trade *models.Trade, order *models.Order, now time.Time, cause error) error {
	order.Status = models.OrderRejected
	order.UpdatedAt = now
	if err := x.store.UpdateOrder(ctx, order); err != nil {
		x.log.WithError(err).Warn("order reject persist failed")
	}
	if err := trade.Transition(models.TradeCancelled, now); err == nil {
		_ = x.store.UpdateTrade(ctx, trade)
	}

	if broker.IsBenignMarketClosed(cause.Error()) {
		x.log.WithError(cause).WithField("proposal_id", prop.ID).Info("market closed, keeping proposal for next session")
		return nil
	}
	if err := x.store.UpdateProposalStatus(ctx, prop.ID, models.ProposalInvalidated); err != nil {
		x.log.WithError(err).Warn("proposal invalidate persist failed")
	}
	return fmt.Errorf("exec.PlaceEntry: %w", cause)
}

// heldLeg is one broker-held leg of a trade pending close.
type heldLeg struct {
	occ      string
	quantity float64 // signed broker quantity
}

// SubmitExit closes a trade's held legs. Both legs held: one multileg
// order at a market-like limit, falling back to per-leg market orders on
// rejection. One leg held: a single-leg market order. No legs held is an
// error.
func (x *Executor) SubmitExit(ctx context.Context, trade *models.Trade, reason string, now time.Time) error {
	mode := x.resolver.TradingMode(ctx)
	if mode == models.ModeDryRun {
		x.log.WithFields(logrus.Fields{"trade_id": trade.ID, "reason": reason}).Info("dry run: skipping exit placement")
		return nil
	}

	legs, err := x.heldLegs(ctx, trade)
	if err != nil {
		return fmt.Errorf("exec.SubmitExit: %w", err)
	}
	if len(legs) == 0 {
		return fmt.Errorf("exec.SubmitExit: trade %s has nothing to close", trade.ID)
	}

	exitProp := &models.Proposal{
		ID:            uuid.NewString(),
		Symbol:        trade.Symbol,
		Expiration:    trade.Expiration,
		ShortStrike:   trade.ShortStrike,
		LongStrike:    trade.LongStrike,
		Width:         trade.Width,
		Quantity:      trade.Quantity,
		Strategy:      trade.Strategy,
		Status:        models.ProposalReady,
		Kind:          models.ProposalExit,
		LinkedTradeID: trade.ID,
		CreatedAt:     now,
	}
	if err := x.store.CreateProposal(ctx, exitProp); err != nil {
		return fmt.Errorf("exec.SubmitExit: %w", err)
	}

	var brokerOrderIDs []string
	if len(legs) == 1 {
		id, err := x.placeSingleLegClose(ctx, trade, exitProp, legs[0], mode, now)
		if err != nil {
			return fmt.Errorf("exec.SubmitExit: %w", err)
		}
		brokerOrderIDs = append(brokerOrderIDs, id)
	} else {
		ids, err := x.placeMultiLegClose(ctx, trade, exitProp, legs, mode, now)
		if err != nil {
			return fmt.Errorf("exec.SubmitExit: %w", err)
		}
		brokerOrderIDs = ids
	}

	trade.ExitReason = reason
	if len(brokerOrderIDs) > 0 {
		trade.BrokerOrderIDClose = brokerOrderIDs[0]
	}
	if err := trade.Transition(models.TradeClosingPending, now); err != nil {
		return fmt.Errorf("exec.SubmitExit: %w", err)
	}
	if err := x.store.UpdateTrade(ctx, trade); err != nil {
		return fmt.Errorf("exec.SubmitExit: %w", err)
	}
	x.log.WithFields(logrus.Fields{
		"trade_id": trade.ID,
		"reason":   reason,
		"orders":   brokerOrderIDs,
	}).Info("exit submitted")
	return nil
}

// SubmitEmergencyExit counts the emergency with the risk manager and then
// submits the exit. Implements monitor.ExitSubmitter.
func (x *Executor) SubmitEmergencyExit(ctx context.Context, trade *models.Trade, reason string, now time.Time) error {
	if x.risk != nil {
		if err := x.risk.RecordEmergencyExit(ctx, trade.ID, reason, now); err != nil {
			x.log.WithError(err).Warn("emergency exit accounting failed")
		}
	}
	return x.SubmitExit(ctx, trade, reason, now)
}

// heldLegs returns the trade's legs that the broker actually holds.
func (x *Executor) heldLegs(ctx context.Context, trade *models.Trade) ([]heldLeg, error) {
	desc, err := models.DescriptorFor(trade.Strategy)
	if err != nil {
		return nil, err
	}
	shortOCC, err := broker.EncodeOCC(trade.Symbol, trade.Expiration, string(desc.OptionType), trade.ShortStrike)
	if err != nil {
		return nil, err
	}
	longOCC, err := broker.EncodeOCC(trade.Symbol, trade.Expiration, string(desc.OptionType), trade.LongStrike)
	if err != nil {
		return nil, err
	}

	positions, err := x.broker.GetPositions(ctx)
	if err != nil {
		return nil, err
	}
	var legs []heldLeg
	for _, p := range positions {
		if p.Symbol == shortOCC || p.Symbol == longOCC {
			if p.Quantity != 0 {
				legs = append(legs, heldLeg{occ: p.Symbol, quantity: p.Quantity})
			}
		}
	}
	return legs, nil
}

// placeSingleLegClose closes one held leg at market.
func (x *Executor) placeSingleLegClose(ctx context.Context, trade *models.Trade, exitProp *models.Proposal, leg heldLeg, mode models.TradingMode, now time.Time) (string, error) {
	side := broker.LegSellToClose
	if leg.quantity < 0 {
		side = broker.LegBuyToClose
	}
	qty := int(abs(leg.quantity))
	if trade.Quantity < qty {
		qty = trade.Quantity
	}

	clientOrderID := uuid.NewString()
	order := &models.Order{
		ID:            uuid.NewString(),
		ProposalID:    exitProp.ID,
		TradeID:       trade.ID,
		Side:          models.OrderSideExit,
		ClientOrderID: clientOrderID,
		Status:        models.OrderPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := x.store.CreateOrder(ctx, order); err != nil {
		return "", err
	}

	start := time.Now()
	ack, err := x.broker.PlaceSingleLegOrder(ctx, broker.SingleLegOrderRequest{
		OptionSymbol: leg.occ,
		Side:         side,
		Quantity:     qty,
		OrderType:    "market",
		Duration:     "day",
		Tag:          clientOrderID,
	})
	x.recordEvent(ctx, "place_single_leg_close", trade.Symbol, trade.Expiration, clientOrderID, trade.Strategy, mode, start, err)
	if err != nil {
		order.Status = models.OrderRejected
		order.UpdatedAt = now
		_ = x.store.UpdateOrder(ctx, order)
		return "", err
	}

	order.BrokerOrderID = strconv.Itoa(ack.ID)
	order.Status = models.OrderPlaced
	order.UpdatedAt = now
	if err := x.store.UpdateOrder(ctx, order); err != nil {
		return "", err
	}
	return order.BrokerOrderID, nil
}

// placeMultiLegClose closes both legs with one multileg order at a
// market-like limit: the full width when buying back a credit spread,
// one cent when selling out a debit spread. A broker rejection falls back
// to independent per-leg market orders with fresh client order ids.
func (x *Executor) placeMultiLegClose(ctx context.Context, trade *models.Trade, exitProp *models.Proposal, legs []heldLeg, mode models.TradingMode, now time.Time) ([]string, error) {
	if !sameSeries(legs) {
		return x.perLegFallback(ctx, trade, exitProp, legs, mode, now)
	}

	priceType := "credit"
	limit := 0.01
	if trade.IsCredit() {
		priceType = "debit"
		limit = float64(trade.Width)
	}

	var spreadLegs []broker.SpreadLeg
	for _, leg := range legs {
		side := broker.LegSellToClose
		if leg.quantity < 0 {
			side = broker.LegBuyToClose
		}
		qty := int(abs(leg.quantity))
		if trade.Quantity < qty {
			qty = trade.Quantity
		}
		spreadLegs = append(spreadLegs, broker.SpreadLeg{OptionSymbol: leg.occ, Side: side, Quantity: qty})
	}

	clientOrderID := uuid.NewString()
	order := &models.Order{
		ID:            uuid.NewString(),
		ProposalID:    exitProp.ID,
		TradeID:       trade.ID,
		Side:          models.OrderSideExit,
		ClientOrderID: clientOrderID,
		Status:        models.OrderPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := x.store.CreateOrder(ctx, order); err != nil {
		return nil, err
	}

	start := time.Now()
	ack, err := x.broker.PlaceSpreadOrder(ctx, broker.SpreadOrderRequest{
		Symbol:     trade.Symbol,
		Legs:       spreadLegs,
		PriceType:  priceType,
		LimitPrice: limit,
		Duration:   "day",
		Tag:        clientOrderID,
	})
	x.recordEvent(ctx, "place_spread_close", trade.Symbol, trade.Expiration, clientOrderID, trade.Strategy, mode, start, err)
	if err != nil {
		order.Status = models.OrderRejected
		order.UpdatedAt = now
		_ = x.store.UpdateOrder(ctx, order)
		x.log.WithError(err).WithField("trade_id", trade.ID).Warn("multileg close rejected, falling back to per-leg market orders")
		return x.perLegFallback(ctx, trade, exitProp, legs, mode, now)
	}

	order.BrokerOrderID = strconv.Itoa(ack.ID)
	order.Status = models.OrderPlaced
	order.UpdatedAt = now
	if err := x.store.UpdateOrder(ctx, order); err != nil {
		return nil, err
	}
	return []string{order.BrokerOrderID}, nil
}

func (x *Executor) perLegFallback(ctx context.Context, trade *models.Trade, exitProp *models.Proposal, legs []heldLeg, mode models.TradingMode, now time.Time) ([]string, error) {
	var ids []string
	for _, leg := range legs {
		id, err := x.placeSingleLegClose(ctx, trade, exitProp, leg, mode, now)
		if err != nil {
			return ids, fmt.Errorf("per-leg close %s: %w", leg.occ, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (x *Executor) recordEvent(ctx context.Context, op, symbol, expiration, orderID string, strategy models.Strategy, mode models.TradingMode, start time.Time, cause error) {
	event := &models.BrokerEvent{
		Operation:  op,
		Symbol:     symbol,
		Expiration: expiration,
		OrderID:    orderID,
		OK:         cause == nil,
		DurationMs: time.Since(start).Milliseconds(),
		Mode:       mode,
		Strategy:   strategy,
	}
	if cause != nil {
		event.ErrorMessage = cause.Error()
		var apiErr *broker.APIError
		if errors.As(cause, &apiErr) {
			event.StatusCode = apiErr.Status
		}
	}
	if err := x.store.AppendBrokerEvent(ctx, event); err != nil {
		x.log.WithError(err).Warn("broker event append failed")
	}
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

func sameSeries(legs []heldLeg) bool {
	var underlying, expiration string
	for i, leg := range legs {
		occ, err := broker.ParseOCC(leg.occ)
		if err != nil {
			return false
		}
		if i == 0 {
			underlying, expiration = occ.Underlying, occ.Expiration
			continue
		}
		if occ.Underlying != underlying || occ.Expiration != expiration {
			return false
		}
	}
	return true
}

func abs(x float64) float64 {
	if x < 0 {
		return -x
	}
	return x
}
