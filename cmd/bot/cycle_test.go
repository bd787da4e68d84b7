package main

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
	"github.com/mscarn/dunder_verticals/internal/exec"
	"github.com/mscarn/dunder_verticals/internal/marketcal"
	"github.com/mscarn/dunder_verticals/internal/models"
	"github.com/mscarn/dunder_verticals/internal/monitor"
	"github.com/mscarn/dunder_verticals/internal/proposal"
	"github.com/mscarn/dunder_verticals/internal/reconcile"
	"github.com/mscarn/dunder_verticals/internal/risk"
	"github.com/mscarn/dunder_verticals/internal/snapshot"
	"github.com/mscarn/dunder_verticals/internal/storage"
)

type cycleFixture struct {
	cycle *Cycle
	store storage.Interface
	mock  *broker.MockBroker
}

// Monday Jan 6 2025, 10:30 ET.
func tickTime() time.Time {
	return time.Date(2025, 1, 6, 10, 30, 0, 0, marketcal.Eastern())
}

// newCycleFixture wires a full cycle against a mock broker whose chain
// yields one viable BULL_PUT_CREDIT (short 95 / long 90, credit 1.00).
func newCycleFixture(t *testing.T) *cycleFixture {
	t.Helper()
	store, err := storage.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	cfg := &config.Config{
		Environment: config.EnvironmentConfig{Mode: "SANDBOX_PAPER"},
		Broker:      config.BrokerConfig{AccountID: "VA000001"},
		Schedule: config.ScheduleConfig{
			Timezone:     "America/New_York",
			TradingStart: "09:35",
			TradingEnd:   "15:55",
		},
		Proposal: config.ProposalConfig{
			Symbols:        []string{"SPY"},
			SpreadWidth:    5,
			MinDTE:         7,
			MaxDTE:         45,
			MaxExpirations: 1,
		},
	}
	log := logrus.New()
	log.SetLevel(logrus.FatalLevel)

	nextOrderID := 1000
	mock := &broker.MockBroker{
		GetBalancesFn: func(context.Context) (*broker.BalanceResponse, error) {
			resp := &broker.BalanceResponse{}
			resp.Balances.AccountType = "cash"
			resp.Balances.TotalCash = 25000
			resp.Balances.TotalEquity = 25000
			return resp, nil
		},
		GetPositionsFn: func(context.Context) ([]broker.PositionItem, error) {
			return nil, nil
		},
		GetAllOrdersFn: func(context.Context) ([]broker.OrderItem, error) {
			return nil, nil
		},
		GetHistoricalDailyClosesFn: func(context.Context, string, time.Time, time.Time) ([]broker.HistoricalDataPoint, error) {
			out := make([]broker.HistoricalDataPoint, 40)
			for i := range out {
				out[i] = broker.HistoricalDataPoint{Close: 100}
			}
			return out, nil
		},
		GetUnderlyingQuoteFn: func(_ context.Context, symbol string) (*broker.QuoteItem, error) {
			return &broker.QuoteItem{Symbol: symbol, Last: 100, Bid: 99.95, Ask: 100.05}, nil
		},
		GetOptionChainFn: func(context.Context, string, string, bool) ([]broker.Option, error) {
			return []broker.Option{
				{OptionType: "put", Strike: 95, Bid: 1.45, Ask: 1.55, Greeks: &broker.Greeks{Delta: -0.30, MidIV: 0.25}},
				{OptionType: "put", Strike: 90, Bid: 0.45, Ask: 0.55, Greeks: &broker.Greeks{Delta: -0.15, MidIV: 0.24}},
			}, nil
		},
		PlaceSpreadOrderFn: func(context.Context, broker.SpreadOrderRequest) (*broker.OrderAck, error) {
			nextOrderID++
			return &broker.OrderAck{ID: nextOrderID, Status: "ok"}, nil
		},
	}

	resolver := config.NewResolver(store, cfg, log)
	riskMgr := risk.NewManager(store, resolver, cfg, log)
	reconciler := reconcile.NewReconciler(store, riskMgr, log)
	syncer := snapshot.NewSyncer(mock, store, reconciler, cfg, log)
	evaluator := monitor.NewEvaluator(mock, store, resolver, cfg, log)
	executor := exec.NewExecutor(mock, store, resolver, riskMgr, log)
	engine := proposal.NewEngine(mock, store, resolver, cfg, proposal.FixedIVR(50), nil, log)

	return &cycleFixture{
		cycle: NewCycle(cfg, store, riskMgr, syncer, evaluator, executor, engine, log),
		store: store,
		mock:  mock,
	}
}

func TestTickPlacesEntryForReadyProposal(t *testing.T) {
	f := newCycleFixture(t)
	ctx := context.Background()
	now := tickTime()

	require.NoError(t, f.store.SetSetting(ctx, config.KeyMinScore, "0.50"))
	require.NoError(t, f.store.SetSetting(ctx, config.KeyStrategyWhitelist, "BULL_PUT_CREDIT"))

	require.NoError(t, f.cycle.Run(ctx, now))

	require.Len(t, f.mock.SpreadOrders, 1)
	assert.Equal(t, "SPY", f.mock.SpreadOrders[0].Symbol)

	pending, err := f.store.ListTradesByStatus(ctx, models.TradeEntryPending)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.InDelta(t, 1.00, pending[0].EntryPrice, 1e-9)

	hb, err := f.store.GetSetting(ctx, config.KeyLastTradeCycleHeartbeat)
	require.NoError(t, err)
	assert.NotEmpty(t, hb)

	// The advisory lock is released after the tick.
	lock, err := f.store.GetSetting(ctx, config.KeyTradeCycleLock)
	require.NoError(t, err)
	assert.Empty(t, lock)
}

func TestTickSubmitsExitBeforeNewEntries(t *testing.T) {
	f := newCycleFixture(t)
	ctx := context.Background()
	now := tickTime()

	require.NoError(t, f.store.SetSetting(ctx, config.KeyStrategyWhitelist, "BULL_PUT_CREDIT"))
	require.NoError(t, f.store.SetSetting(ctx, config.KeyMaxOpenPositions, "1"))

	opened := now.Add(-48 * time.Hour)
	trade := &models.Trade{
		ID: "t-open", ProposalID: "p-open", Symbol: "SPY", Expiration: "2025-01-17",
		Strategy: models.StrategyBullPutCredit, ShortStrike: 95, LongStrike: 90,
		Width: 5, Quantity: 1, EntryPrice: 2.50, MaxProfit: 2.50, MaxLoss: 2.50,
		IVEntry: 0.25, Status: models.TradeOpen, OpenedAt: &opened,
		CreatedAt: opened, UpdatedAt: opened,
	}
	require.NoError(t, f.store.CreateTrade(ctx, trade))

	// Both legs held at the broker so the structural check passes, and the
	// chain mark (1.00) sits at 60% of the 2.50 entry: profit target fires.
	f.mock.GetPositionsFn = func(context.Context) ([]broker.PositionItem, error) {
		return []broker.PositionItem{
			{Symbol: "SPY250117P00095000", Quantity: -1},
			{Symbol: "SPY250117P00090000", Quantity: 1},
		}, nil
	}

	require.NoError(t, f.cycle.Run(ctx, now))

	updated, err := f.store.GetTrade(ctx, "t-open")
	require.NoError(t, err)
	assert.Equal(t, models.TradeClosingPending, updated.Status)
	assert.Equal(t, "PROFIT_TARGET", updated.ExitReason)

	// Position cap 1 with one managed trade: no new entry this tick. The
	// only placement is the closing order, a marketable debit limit.
	require.Len(t, f.mock.SpreadOrders, 1)
	assert.Equal(t, "debit", f.mock.SpreadOrders[0].PriceType)
	assert.InDelta(t, 5.0, f.mock.SpreadOrders[0].LimitPrice, 1e-9)
}

func TestTickSkipsWhenAdvisoryLockHeld(t *testing.T) {
	f := newCycleFixture(t)
	ctx := context.Background()
	now := tickTime()

	require.NoError(t, f.store.SetSetting(ctx, config.KeyTradeCycleLock,
		now.Add(-time.Minute).UTC().Format(time.RFC3339)))

	require.NoError(t, f.cycle.Run(ctx, now))
	assert.Empty(t, f.mock.SpreadOrders)
}

func TestTickStealsStaleAdvisoryLock(t *testing.T) {
	f := newCycleFixture(t)
	ctx := context.Background()
	now := tickTime()

	require.NoError(t, f.store.SetSetting(ctx, config.KeyMinScore, "0.50"))
	require.NoError(t, f.store.SetSetting(ctx, config.KeyStrategyWhitelist, "BULL_PUT_CREDIT"))
	require.NoError(t, f.store.SetSetting(ctx, config.KeyTradeCycleLock,
		now.Add(-time.Hour).UTC().Format(time.RFC3339)))

	require.NoError(t, f.cycle.Run(ctx, now))
	assert.Len(t, f.mock.SpreadOrders, 1)
}

func TestTickRecordsAndClearsLastError(t *testing.T) {
	f := newCycleFixture(t)
	ctx := context.Background()
	now := tickTime()

	f.mock.GetBalancesFn = func(context.Context) (*broker.BalanceResponse, error) {
		return nil, errors.New("gateway timeout")
	}
	require.Error(t, f.cycle.Run(ctx, now))

	lastErr, err := f.store.GetSetting(ctx, config.KeyLastTradeCycleError)
	require.NoError(t, err)
	assert.Contains(t, lastErr, "snapshot sync")

	// Recovery clears the sticky error.
	f.mock.GetBalancesFn = func(context.Context) (*broker.BalanceResponse, error) {
		resp := &broker.BalanceResponse{}
		resp.Balances.AccountType = "cash"
		resp.Balances.TotalCash = 25000
		return resp, nil
	}
	require.NoError(t, f.store.SetSetting(ctx, config.KeyStrategyWhitelist, "BULL_PUT_CREDIT"))
	require.NoError(t, f.cycle.Run(ctx, now))

	lastErr, err = f.store.GetSetting(ctx, config.KeyLastTradeCycleError)
	require.NoError(t, err)
	assert.Empty(t, lastErr)
}
