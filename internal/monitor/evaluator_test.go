package monitor

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
	"github.com/mscarn/dunder_verticals/internal/marketcal"
	"github.com/mscarn/dunder_verticals/internal/models"
	"github.com/mscarn/dunder_verticals/internal/storage"
)

type fixture struct {
	eval  *Evaluator
	store storage.Interface
	mock  *broker.MockBroker
	res   *config.Resolver
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := storage.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	cfg := &config.Config{
		Environment: config.EnvironmentConfig{Mode: "SANDBOX_PAPER"},
		Schedule:    config.ScheduleConfig{TimeExitCutoff: "15:50"},
	}
	log := logrus.New()
	log.SetLevel(logrus.FatalLevel)

	mock := &broker.MockBroker{
		GetUnderlyingQuoteFn: func(_ context.Context, symbol string) (*broker.QuoteItem, error) {
			return &broker.QuoteItem{Symbol: symbol, Last: 100, Bid: 99.95, Ask: 100.05}, nil
		},
	}
	res := config.NewResolver(store, cfg, log)
	return &fixture{
		eval:  NewEvaluator(mock, store, res, cfg, log),
		store: store,
		mock:  mock,
		res:   res,
	}
}

// evalTime is Monday Jan 6 2025, 10:30 ET.
func evalTime() time.Time {
	return time.Date(2025, 1, 6, 10, 30, 0, 0, marketcal.Eastern())
}

func openCreditTrade(now time.Time) *models.Trade {
	opened := now.Add(-time.Minute)
	return &models.Trade{
		ID: "t1", ProposalID: "p1", Symbol: "SPY", Expiration: "2025-01-17",
		Strategy: models.StrategyBullPutCredit, ShortStrike: 95, LongStrike: 90,
		Width: 5, Quantity: 1,
		EntryPrice: 1.00, MaxProfit: 1.00, MaxLoss: 4.00, IVEntry: 0.25,
		Status: models.TradeOpen, OpenedAt: &opened,
		CreatedAt: opened, UpdatedAt: opened,
	}
}

func spreadChain(shortBid, shortAsk, longBid, longAsk, shortIV float64) []broker.Option {
	return []broker.Option{
		{OptionType: "put", Strike: 95, Bid: shortBid, Ask: shortAsk, Greeks: &broker.Greeks{Delta: -0.30, MidIV: shortIV}},
		{OptionType: "put", Strike: 90, Bid: longBid, Ask: longAsk, Greeks: &broker.Greeks{Delta: -0.15, MidIV: shortIV - 0.01}},
	}
}

func (f *fixture) chain(opts []broker.Option) {
	f.mock.GetOptionChainFn = func(context.Context, string, string, bool) ([]broker.Option, error) {
		return opts, nil
	}
}

func TestProfitTarget(t *testing.T) {
	f := newFixture(t)
	now := evalTime()
	trade := openCreditTrade(now)
	require.NoError(t, f.store.CreateTrade(context.Background(), trade))
	// mark 0.40 against entry 1.00: profit fraction 0.60.
	f.chain(spreadChain(0.55, 0.65, 0.15, 0.25, 0.24))

	ev, err := f.eval.EvaluateOpenTrade(context.Background(), trade, now)
	require.NoError(t, err)
	assert.Equal(t, TriggerProfitTarget, ev.Trigger)
	assert.InDelta(t, 0.40, ev.Metrics.CurrentMark, 1e-9)
	assert.InDelta(t, 0.60, ev.Metrics.ProfitFraction, 1e-9)

	// Peak persisted by rule 2.
	stored, err := f.store.GetTrade(context.Background(), trade.ID)
	require.NoError(t, err)
	assert.InDelta(t, 0.60, stored.MaxSeenProfitFraction, 1e-9)
}

func TestStopLoss(t *testing.T) {
	f := newFixture(t)
	now := evalTime()
	trade := openCreditTrade(now)
	// mark 1.50: unrealized -0.50, loss fraction 0.125 over the 0.10 stop.
	f.chain(spreadChain(1.70, 1.80, 0.20, 0.30, 0.26))

	ev, err := f.eval.EvaluateOpenTrade(context.Background(), trade, now)
	require.NoError(t, err)
	assert.Equal(t, TriggerStopLoss, ev.Trigger)
	assert.InDelta(t, 0.125, ev.Metrics.LossFraction, 1e-9)
}

func TestTrailProfitGiveback(t *testing.T) {
	f := newFixture(t)
	now := evalTime()
	trade := openCreditTrade(now)
	trade.MaxSeenProfitFraction = 0.60
	// mark 0.70: profit fraction 0.30, giveback 0.30 from the 0.60 peak.
	f.chain(spreadChain(0.85, 0.95, 0.15, 0.25, 0.24))

	ev, err := f.eval.EvaluateOpenTrade(context.Background(), trade, now)
	require.NoError(t, err)
	assert.Equal(t, TriggerTrailProfit, ev.Trigger)
}

func TestIVCrushExit(t *testing.T) {
	f := newFixture(t)
	now := evalTime()
	trade := openCreditTrade(now)
	// Profit fraction 0.20 (below the 0.50 target), short IV collapsed to
	// 0.15 against the 0.25 entry (ratio 0.60 under the 0.70 cutoff).
	f.chain(spreadChain(0.95, 1.05, 0.15, 0.25, 0.15))

	ev, err := f.eval.EvaluateOpenTrade(context.Background(), trade, now)
	require.NoError(t, err)
	assert.Equal(t, TriggerIVCrushExit, ev.Trigger)
}

func TestTimeExitRequiresCutoffAndDTE(t *testing.T) {
	f := newFixture(t)
	trade := openCreditTrade(evalTime())
	trade.Expiration = "2025-01-07"
	trade.IVEntry = 0
	// mark 0.90: no profit/loss rule close to firing.
	f.chain(spreadChain(1.05, 1.15, 0.15, 0.25, 0.24))

	// Before the cutoff nothing fires.
	early := time.Date(2025, 1, 6, 10, 30, 0, 0, marketcal.Eastern())
	opened := early.Add(-time.Minute)
	trade.OpenedAt = &opened
	ev, err := f.eval.EvaluateOpenTrade(context.Background(), trade, early)
	require.NoError(t, err)
	assert.Equal(t, TriggerNone, ev.Trigger)

	late := time.Date(2025, 1, 6, 15, 51, 0, 0, marketcal.Eastern())
	opened = late.Add(-time.Minute)
	trade.OpenedAt = &opened
	ev, err = f.eval.EvaluateOpenTrade(context.Background(), trade, late)
	require.NoError(t, err)
	assert.Equal(t, TriggerTimeExit, ev.Trigger)
	assert.Equal(t, 1, ev.Metrics.DTE)
}

func TestLowValueClose(t *testing.T) {
	f := newFixture(t)
	now := evalTime()
	trade := openCreditTrade(now)
	trade.EntryPrice = 0.10
	trade.MaxProfit = 0.10
	trade.MaxLoss = 4.90
	trade.IVEntry = 0
	require.NoError(t, f.store.SetSetting(context.Background(), config.KeyProfitTargetFraction, "0.98"))
	// mark 0.04, under the 0.05 low-value threshold.
	f.chain(spreadChain(0.05, 0.09, 0.02, 0.04, 0.24))

	ev, err := f.eval.EvaluateOpenTrade(context.Background(), trade, now)
	require.NoError(t, err)
	assert.Equal(t, TriggerLowValueClose, ev.Trigger)
}

func TestNonpositiveMarkIsEmergency(t *testing.T) {
	f := newFixture(t)
	now := evalTime()
	opened := now.Add(-time.Minute)
	trade := &models.Trade{
		ID: "t9", ProposalID: "p9", Symbol: "SPY", Expiration: "2025-01-17",
		Strategy: models.StrategyBearPutDebit, ShortStrike: 90, LongStrike: 95,
		Width: 5, Quantity: 1,
		EntryPrice: 2.00, MaxProfit: 3.00, MaxLoss: 2.00,
		Status: models.TradeOpen, OpenedAt: &opened,
		CreatedAt: opened, UpdatedAt: opened,
	}
	// Debit mark = longMid - shortMid = 0.25 - 0.45 < 0. Disarm the stop so
	// the structural rule is reached.
	require.NoError(t, f.store.SetSetting(context.Background(), config.KeyStopLossFraction, "5.0"))
	f.chain([]broker.Option{
		{OptionType: "put", Strike: 90, Bid: 0.40, Ask: 0.50, Greeks: &broker.Greeks{Delta: -0.20, MidIV: 0.22}},
		{OptionType: "put", Strike: 95, Bid: 0.20, Ask: 0.30, Greeks: &broker.Greeks{Delta: -0.35, MidIV: 0.23}},
	})

	ev, err := f.eval.EvaluateOpenTrade(context.Background(), trade, now)
	require.NoError(t, err)
	assert.Equal(t, TriggerEmergency, ev.Trigger)
	assert.Contains(t, ev.Reason, "nonpositive mark")
}

func TestQuoteIntegrityEmergency(t *testing.T) {
	f := newFixture(t)
	now := evalTime()
	trade := openCreditTrade(now)
	f.chain(spreadChain(1.05, 1.15, 0, 0.25, 0.24))

	ev, err := f.eval.EvaluateOpenTrade(context.Background(), trade, now)
	require.NoError(t, err)
	assert.Equal(t, TriggerEmergency, ev.Trigger)
	assert.Contains(t, ev.Reason, "quote integrity")
}

func TestUnderlyingSpikeEmergency(t *testing.T) {
	f := newFixture(t)
	now := evalTime()
	trade := openCreditTrade(now)
	f.chain(spreadChain(1.05, 1.15, 0.15, 0.25, 0.24))

	// Stored observation 20s old at 100; the quote fixture reports 102.
	require.NoError(t, f.res.SetPriceSnap(context.Background(), trade.ID, "15S",
		config.PriceSnap{Price: 100, At: now.Add(-20 * time.Second).UnixMilli()}))
	f.mock.GetUnderlyingQuoteFn = func(_ context.Context, symbol string) (*broker.QuoteItem, error) {
		return &broker.QuoteItem{Symbol: symbol, Last: 102, Bid: 101.95, Ask: 102.05}, nil
	}

	ev, err := f.eval.EvaluateOpenTrade(context.Background(), trade, now)
	require.NoError(t, err)
	assert.Equal(t, TriggerEmergency, ev.Trigger)
	assert.Contains(t, ev.Reason, "underlying moved")
}

func TestMissingLegIsStructuralBreak(t *testing.T) {
	f := newFixture(t)
	now := evalTime()
	trade := openCreditTrade(now)
	f.chain([]broker.Option{
		{OptionType: "put", Strike: 95, Bid: 1.05, Ask: 1.15, Greeks: &broker.Greeks{Delta: -0.30, MidIV: 0.24}},
	})

	ev, err := f.eval.EvaluateOpenTrade(context.Background(), trade, now)
	require.NoError(t, err)
	assert.Equal(t, TriggerEmergency, ev.Trigger)
	assert.Contains(t, ev.Reason, ReasonStructuralBreak)
}

func TestTransientErrorReturnsNone(t *testing.T) {
	f := newFixture(t)
	now := evalTime()
	trade := openCreditTrade(now)
	f.mock.GetOptionChainFn = func(context.Context, string, string, bool) ([]broker.Option, error) {
		return nil, errors.New("connection refused")
	}

	ev, err := f.eval.EvaluateOpenTrade(context.Background(), trade, now)
	require.NoError(t, err)
	assert.Equal(t, TriggerNone, ev.Trigger)
}

func TestStructuralDataErrorIsEmergency(t *testing.T) {
	f := newFixture(t)
	now := evalTime()
	trade := openCreditTrade(now)
	f.mock.GetOptionChainFn = func(context.Context, string, string, bool) ([]broker.Option, error) {
		return nil, errors.New("strike mismatch in chain data")
	}

	ev, err := f.eval.EvaluateOpenTrade(context.Background(), trade, now)
	require.NoError(t, err)
	assert.Equal(t, TriggerEmergency, ev.Trigger)
}

func TestSettledTradeMissingPositions(t *testing.T) {
	f := newFixture(t)
	now := evalTime()
	trade := openCreditTrade(now)
	opened := now.Add(-10 * time.Minute)
	trade.OpenedAt = &opened
	trade.BrokerOrderIDOpen = "4321"
	f.chain(spreadChain(1.05, 1.15, 0.15, 0.25, 0.24))

	// Only the short leg is held; the entry order is still working.
	f.mock.GetPositionsFn = func(context.Context) ([]broker.PositionItem, error) {
		return []broker.PositionItem{{Symbol: "SPY250117P00095000", Quantity: -1}}, nil
	}
	f.mock.GetOrderFn = func(_ context.Context, id int) (*broker.OrderItem, error) {
		return &broker.OrderItem{ID: id, Status: "open"}, nil
	}

	ev, err := f.eval.EvaluateOpenTrade(context.Background(), trade, now)
	require.NoError(t, err)
	assert.Equal(t, TriggerEmergency, ev.Trigger)
	assert.Contains(t, ev.Reason, ReasonEntryOrderNotFilled)
}

func TestSettledTradeWithPositionsPasses(t *testing.T) {
	f := newFixture(t)
	now := evalTime()
	trade := openCreditTrade(now)
	opened := now.Add(-10 * time.Minute)
	trade.OpenedAt = &opened
	f.chain(spreadChain(1.05, 1.15, 0.15, 0.25, 0.24))
	f.mock.GetPositionsFn = func(context.Context) ([]broker.PositionItem, error) {
		return []broker.PositionItem{
			{Symbol: "SPY250117P00095000", Quantity: -1},
			{Symbol: "SPY250117P00090000", Quantity: 1},
		}, nil
	}

	ev, err := f.eval.EvaluateOpenTrade(context.Background(), trade, now)
	require.NoError(t, err)
	assert.Equal(t, TriggerNone, ev.Trigger)
}

func TestPositionsAuthFailureDoesNotExitTrade(t *testing.T) {
	f := newFixture(t)
	now := evalTime()
	trade := openCreditTrade(now)
	opened := now.Add(-10 * time.Minute)
	trade.OpenedAt = &opened
	f.chain(spreadChain(1.05, 1.15, 0.15, 0.25, 0.24))

	// The chain already proved both legs; a rejected positions call must
	// not read as legs gone missing.
	f.mock.GetPositionsFn = func(context.Context) ([]broker.PositionItem, error) {
		return nil, &broker.APIError{Status: 401, Body: "unauthorized, token expired"}
	}

	ev, err := f.eval.EvaluateOpenTrade(context.Background(), trade, now)
	require.NoError(t, err)
	assert.Equal(t, TriggerNone, ev.Trigger)
}

type recordingExits struct {
	calls []string
}

func (r *recordingExits) SubmitEmergencyExit(_ context.Context, trade *models.Trade, _ string, _ time.Time) error {
	r.calls = append(r.calls, trade.ID)
	return nil
}

func TestRepairPortfolio(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	now := evalTime()
	opened := now.Add(-time.Minute)

	healthy := openCreditTrade(now)
	healthy.ID = "t-healthy"
	require.NoError(t, f.store.CreateTrade(ctx, healthy))

	broken := openCreditTrade(now)
	broken.ID = "t-broken"
	broken.Symbol = "QQQ"
	require.NoError(t, f.store.CreateTrade(ctx, broken))

	settling := openCreditTrade(now)
	settling.ID = "t-settling"
	settling.EntryPrice = 0
	settling.OpenedAt = &opened
	require.NoError(t, f.store.CreateTrade(ctx, settling))

	f.mock.GetOptionChainFn = func(_ context.Context, symbol, _ string, _ bool) ([]broker.Option, error) {
		if symbol == "QQQ" {
			return nil, nil // legs gone
		}
		return spreadChain(1.05, 1.15, 0.15, 0.25, 0.24), nil
	}

	exits := &recordingExits{}
	report, err := f.eval.RepairPortfolio(ctx, exits, now)
	require.NoError(t, err)

	assert.Equal(t, 2, report.Checked)
	assert.Equal(t, 1, report.Skipped)
	assert.Equal(t, 1, report.Broken)
	assert.Equal(t, []string{"t-broken"}, exits.calls)

	logs, err := f.store.ListSystemLogs(ctx, models.LogTypePortfolioRepair, 5)
	require.NoError(t, err)
	require.Len(t, logs, 1)
}

func TestRepairSkipsTradesOnAuthFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	now := evalTime()

	trade := openCreditTrade(now)
	require.NoError(t, f.store.CreateTrade(ctx, trade))
	f.mock.GetOptionChainFn = func(context.Context, string, string, bool) ([]broker.Option, error) {
		return nil, &broker.APIError{Status: 401, Body: "unauthorized, token expired"}
	}

	exits := &recordingExits{}
	report, err := f.eval.RepairPortfolio(ctx, exits, now)
	require.NoError(t, err)

	// An auth outage is not a structural break: nothing exits.
	assert.Equal(t, 1, report.Checked)
	assert.Equal(t, 0, report.Broken)
	assert.Empty(t, exits.calls)
}
