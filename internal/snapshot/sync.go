// Package snapshot pulls a coherent point-in-time view of the broker
// account (balances, positions, open orders) into local storage and runs
// order reconciliation against it.
package snapshot

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/mscarn/dunder_verticals/internal/broker"
	"github.com/mscarn/dunder_verticals/internal/config"
	"github.com/mscarn/dunder_verticals/internal/models"
	"github.com/mscarn/dunder_verticals/internal/reconcile"
	"github.com/mscarn/dunder_verticals/internal/storage"
)

// Result reports what one sync pass accomplished. Errors are per-fetch
// failures that left part of the snapshot stale; warnings are oddities the
// sync worked around, like unmatched broker orders or unparseable symbols.
type Result struct {
	SnapshotID string    `json:"snapshot_id"`
	AsOf       time.Time `json:"as_of"`
	Positions  int       `json:"positions"`
	Orders     int       `json:"orders"`
	Matched    int       `json:"matched"`
	Unmatched  int       `json:"unmatched"`
	Errors     []string  `json:"errors,omitempty"`
	Warnings   []string  `json:"warnings,omitempty"`
}

// Syncer fetches the broker account state and persists it under one
// snapshot id.
type Syncer struct {
	broker broker.Broker
	store  storage.Interface
	rec    *reconcile.Reconciler
	cfg    *config.Config
	log    logrus.FieldLogger
}

// NewSyncer creates a snapshot syncer.
func NewSyncer(b broker.Broker, store storage.Interface, rec *reconcile.Reconciler, cfg *config.Config, log logrus.FieldLogger) *Syncer {
	return &Syncer{broker: b, store: store, rec: rec, cfg: cfg, log: log}
}

// Sync fetches balances, positions and orders in parallel, persists them
// under a fresh snapshot id, and reconciles every changed order. A total
// broker outage fails the sync; partial failures are recorded in the result
// so the cycle can decide whether to proceed.
func (s *Syncer) Sync(ctx context.Context, now time.Time) (*Result, error) {
	result := &Result{
		SnapshotID: uuid.NewString(),
		AsOf:       now,
	}

	var (
		balances  *broker.BalanceResponse
		positions []broker.PositionItem
		orders    []broker.OrderItem
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		balances, err = s.broker.GetBalances(gctx)
		if err != nil {
			return fmt.Errorf("balances: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		var err error
		positions, err = s.broker.GetPositions(gctx)
		if err != nil {
			return fmt.Errorf("positions: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		var err error
		orders, err = s.broker.GetAllOrders(gctx)
		if err != nil {
			return fmt.Errorf("orders: %w", err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("snapshot.Sync: %w", err)
	}

	snap := &models.Snapshot{
		ID:        result.SnapshotID,
		AccountID: s.cfg.Broker.AccountID,
		AsOf:      now,
		Balances:  convertBalances(balances),
	}

	local := s.convertPositions(positions, result, now)
	snap.PositionCount = len(local)
	snap.OrderCount = len(orders)
	result.Positions = len(local)
	result.Orders = len(orders)

	if err := s.store.CreateSnapshot(ctx, snap); err != nil {
		return nil, fmt.Errorf("snapshot.Sync: %w", err)
	}
	if err := s.store.SaveBalances(ctx, snap.ID, snap.Balances); err != nil {
		return nil, fmt.Errorf("snapshot.Sync: %w", err)
	}
	if err := s.store.ReplacePositions(ctx, snap.ID, local); err != nil {
		return nil, fmt.Errorf("snapshot.Sync: %w", err)
	}

	matched, unmatched := s.rec.ReconcileAll(ctx, orders, snap.ID, now)
	result.Matched = matched
	result.Unmatched = unmatched
	if unmatched > 0 {
		result.Warnings = append(result.Warnings,
			fmt.Sprintf("%d broker orders did not match any local order", unmatched))
	}

	s.log.WithFields(logrus.Fields{
		"snapshot_id": snap.ID,
		"positions":   result.Positions,
		"orders":      result.Orders,
		"matched":     matched,
		"unmatched":   unmatched,
	}).Info("snapshot sync complete")
	return result, nil
}

// convertPositions maps broker position items onto local option legs.
// Equity positions and unparseable symbols are skipped with a warning:
// the engine only manages option spreads.
func (s *Syncer) convertPositions(items []broker.PositionItem, result *Result, now time.Time) []models.PortfolioPosition {
	out := make([]models.PortfolioPosition, 0, len(items))
	for _, item := range items {
		occ, err := broker.ParseOCC(item.Symbol)
		if err != nil {
			result.Warnings = append(result.Warnings,
				fmt.Sprintf("skipping non-option position %q", item.Symbol))
			continue
		}
		side := models.PositionLong
		if item.Quantity < 0 {
			side = models.PositionShort
		}
		qty := int(math.Round(math.Abs(item.Quantity)))
		if qty == 0 {
			continue
		}
		pos := models.PortfolioPosition{
			Key: models.PositionKey{
				Symbol:     occ.Underlying,
				Expiration: occ.Expiration,
				OptionType: models.OptionType(occ.OptionType),
				Strike:     occ.Strike,
				Side:       side,
			},
			Quantity:   qty,
			SnapshotID: result.SnapshotID,
			UpdatedAt:  now,
		}
		if item.CostBasis != 0 {
			perContract := item.CostBasis / float64(qty)
			pos.CostBasisPerContract = &perContract
		}
		out = append(out, pos)
	}
	return out
}

func convertBalances(b *broker.BalanceResponse) models.Balances {
	out := models.Balances{
		Cash:              b.Balances.TotalCash,
		Equity:            b.Balances.TotalEquity,
		MarginRequirement: b.Balances.CurrentRequirement,
	}
	if bp, err := b.GetOptionBuyingPower(); err == nil {
		out.BuyingPower = bp
	} else {
		out.BuyingPower = b.Balances.TotalCash
	}
	return out
}
