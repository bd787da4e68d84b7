package snapshot

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mscarn/dunder_verticals/internal/broker"
	"github.com/mscarn/dunder_verticals/internal/config"
	"github.com/mscarn/dunder_verticals/internal/models"
	"github.com/mscarn/dunder_verticals/internal/reconcile"
	"github.com/mscarn/dunder_verticals/internal/risk"
	"github.com/mscarn/dunder_verticals/internal/storage"
)

type fixture struct {
	store  storage.Interface
	broker *broker.MockBroker
	syncer *Syncer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := storage.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	log := logrus.New()
	log.SetLevel(logrus.FatalLevel)

	cfg := &config.Config{
		Environment: config.EnvironmentConfig{Mode: "SANDBOX_PAPER"},
		Broker:      config.BrokerConfig{AccountID: "VA000001"},
	}
	resolver := config.NewResolver(store, cfg, log)
	riskMgr := risk.NewManager(store, resolver, cfg, log)
	rec := reconcile.NewReconciler(store, riskMgr, log)

	mb := &broker.MockBroker{
		GetBalancesFn: func(ctx context.Context) (*broker.BalanceResponse, error) {
			return marginBalances(25000, 100000, 3200), nil
		},
		GetPositionsFn: func(ctx context.Context) ([]broker.PositionItem, error) {
			return nil, nil
		},
		GetAllOrdersFn: func(ctx context.Context) ([]broker.OrderItem, error) {
			return nil, nil
		},
	}
	return &fixture{
		store:  store,
		broker: mb,
		syncer: NewSyncer(mb, store, rec, cfg, log),
	}
}

func marginBalances(cash, equity, requirement float64) *broker.BalanceResponse {
	resp := &broker.BalanceResponse{}
	resp.Balances.AccountType = "margin"
	resp.Balances.TotalCash = cash
	resp.Balances.TotalEquity = equity
	resp.Balances.CurrentRequirement = requirement
	resp.Balances.Margin = &struct {
		FedCall           float64 `json:"fed_call"`
		MaintenanceCall   float64 `json:"maintenance_call"`
		OptionBuyingPower float64 `json:"option_buying_power"`
		StockBuyingPower  float64 `json:"stock_buying_power"`
		Sweep             float64 `json:"sweep"`
	}{OptionBuyingPower: 42000}
	return resp
}

func syncTime() time.Time {
	loc, _ := time.LoadLocation("America/New_York")
	return time.Date(2025, 1, 6, 10, 30, 0, 0, loc)
}

func TestSyncPersistsSnapshotBalancesAndPositions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	now := syncTime()

	f.broker.GetPositionsFn = func(ctx context.Context) ([]broker.PositionItem, error) {
		return []broker.PositionItem{
			{Symbol: "SPY250117P00095000", Quantity: -1, CostBasis: -145},
			{Symbol: "SPY250117P00090000", Quantity: 1, CostBasis: 55},
			{Symbol: "AAPL", Quantity: 100, CostBasis: 19000},
		}, nil
	}

	result, err := f.syncer.Sync(ctx, now)
	require.NoError(t, err)
	require.NotEmpty(t, result.SnapshotID)
	assert.Equal(t, 2, result.Positions)
	require.Len(t, result.Warnings, 1)
	assert.Contains(t, result.Warnings[0], "AAPL")

	snap, err := f.store.LatestSnapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, result.SnapshotID, snap.ID)
	assert.Equal(t, "VA000001", snap.AccountID)
	assert.Equal(t, 2, snap.PositionCount)
	assert.Equal(t, 25000.0, snap.Balances.Cash)
	assert.Equal(t, 100000.0, snap.Balances.Equity)
	assert.Equal(t, 42000.0, snap.Balances.BuyingPower)
	assert.Equal(t, 3200.0, snap.Balances.MarginRequirement)

	positions, err := f.store.ListPositions(ctx)
	require.NoError(t, err)
	require.Len(t, positions, 2)
	bySide := map[models.PositionSide]models.PortfolioPosition{}
	for _, p := range positions {
		bySide[p.Key.Side] = p
	}
	short := bySide[models.PositionShort]
	assert.Equal(t, "SPY", short.Key.Symbol)
	assert.Equal(t, "2025-01-17", short.Key.Expiration)
	assert.Equal(t, models.OptionTypePut, short.Key.OptionType)
	assert.Equal(t, 95.0, short.Key.Strike)
	assert.Equal(t, 1, short.Quantity)
	assert.Equal(t, result.SnapshotID, short.SnapshotID)
	long := bySide[models.PositionLong]
	assert.Equal(t, 90.0, long.Key.Strike)
}

func TestSyncReplacesStalePositions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	now := syncTime()

	f.broker.GetPositionsFn = func(ctx context.Context) ([]broker.PositionItem, error) {
		return []broker.PositionItem{{Symbol: "SPY250117P00095000", Quantity: -1}}, nil
	}
	_, err := f.syncer.Sync(ctx, now)
	require.NoError(t, err)

	// Leg closed at the broker; the next sync must drop it locally.
	f.broker.GetPositionsFn = func(ctx context.Context) ([]broker.PositionItem, error) {
		return nil, nil
	}
	result, err := f.syncer.Sync(ctx, now.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 0, result.Positions)

	positions, err := f.store.ListPositions(ctx)
	require.NoError(t, err)
	assert.Empty(t, positions)
}

func TestSyncReconcilesOrdersAndStampsSnapshot(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	now := syncTime()

	require.NoError(t, f.store.CreateProposal(ctx, &models.Proposal{
		ID: "prop-1", Symbol: "SPY", Expiration: "2025-01-17",
		ShortStrike: 95, LongStrike: 90, Width: 5, Quantity: 1,
		Strategy: models.StrategyBullPutCredit, CreditTarget: 1.00,
		Status: models.ProposalReady, Kind: models.ProposalEntry, CreatedAt: now,
	}))
	require.NoError(t, f.store.CreateOrder(ctx, &models.Order{
		ID: "order-1", ProposalID: "prop-1", Side: models.OrderSideEntry,
		ClientOrderID: "client-1", BrokerOrderID: "6001",
		Status: models.OrderPlaced, CreatedAt: now, UpdatedAt: now,
	}))

	f.broker.GetAllOrdersFn = func(ctx context.Context) ([]broker.OrderItem, error) {
		return []broker.OrderItem{
			{ID: 6001, Tag: "client-1", Status: "filled", AvgFillPrice: 1.02, ExecQuantity: 1},
			{ID: 7777, Tag: "manual-order", Status: "open"},
		}, nil
	}

	result, err := f.syncer.Sync(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Orders)
	assert.Equal(t, 1, result.Matched)
	assert.Equal(t, 1, result.Unmatched)
	require.NotEmpty(t, result.Warnings)
	assert.Contains(t, result.Warnings[len(result.Warnings)-1], "did not match")

	order, err := f.store.GetOrderByClientOrderID(ctx, "client-1")
	require.NoError(t, err)
	assert.Equal(t, models.OrderFilled, order.Status)
	assert.Equal(t, result.SnapshotID, order.SnapshotID)

	// The entry fill flowed through to a trade.
	trade, err := f.store.GetTradeByProposalID(ctx, "prop-1")
	require.NoError(t, err)
	assert.Equal(t, models.TradeOpen, trade.Status)
	assert.Equal(t, 1.02, trade.EntryPrice)
}

func TestSyncFailsWhenBrokerIsDown(t *testing.T) {
	f := newFixture(t)

	f.broker.GetBalancesFn = func(ctx context.Context) (*broker.BalanceResponse, error) {
		return nil, errors.New("gateway timeout")
	}
	_, err := f.syncer.Sync(context.Background(), syncTime())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "balances")
}
