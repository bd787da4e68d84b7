package proposal

import (
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mscarn/dunder_verticals/internal/broker"
	"github.com/mscarn/dunder_verticals/internal/models"
)

func call(strike, bid, ask, delta, midIV float64) broker.Option {
	return broker.Option{
		OptionType: "call",
		Strike:     strike,
		Bid:        bid,
		Ask:        ask,
		Greeks:     &broker.Greeks{Delta: delta, MidIV: midIV},
	}
}

func TestClassifyRegime(t *testing.T) {
	assert.Equal(t, models.RegimeBullish, ClassifyRegime(101, 100))
	assert.Equal(t, models.RegimeBearish, ClassifyRegime(99, 100))
	assert.Equal(t, models.RegimeNeutral, ClassifyRegime(100.1, 100))
	assert.Equal(t, models.RegimeNeutral, ClassifyRegime(100, 0))
}

func TestSMA(t *testing.T) {
	_, ok := SMA([]float64{1, 2}, 20)
	assert.False(t, ok)

	closes := make([]float64, 25)
	for i := range closes {
		closes[i] = 10
	}
	sma, ok := SMA(closes, 20)
	require.True(t, ok)
	assert.InDelta(t, 10, sma, 1e-9)
}

func TestRealizedVolFlatSeriesIsZero(t *testing.T) {
	closes := []float64{100, 100, 100, 100, 100}
	assert.InDelta(t, 0, RealizedVol(closes), 1e-9)
	assert.InDelta(t, 0, RealizedVol([]float64{100}), 1e-9)
}

func TestBuildCandidatesDebitGeometry(t *testing.T) {
	// BULL_CALL_DEBIT anchors the long call near ATM; short = long + width.
	chain := []broker.Option{
		call(100, 2.80, 2.90, 0.50, 0.22),
		call(105, 0.90, 1.00, 0.25, 0.21),
	}
	desc := models.Descriptors[models.StrategyBullCallDebit]
	cands := BuildCandidates(desc, chain, "SPY", "2025-01-17", 11, 100, 5)
	require.Len(t, cands, 1)

	c := cands[0]
	assert.InDelta(t, 100, c.LongStrike, 1e-9)
	assert.InDelta(t, 105, c.ShortStrike, 1e-9)
	require.NotNil(t, c.ShortLeg)
	require.NotNil(t, c.LongLeg)
	// debit = longMid - shortMid = 2.85 - 0.95
	assert.InDelta(t, 1.90, c.Entry, 1e-9)
	assert.False(t, c.IsCredit())
}

func TestHardFilterReasons(t *testing.T) {
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)
	th := FilterThresholds{
		LiquiditySpreadCap: 0.30,
		MinCreditFraction:  0.15,
		Mode:               models.ModeLive,
	}
	desc := models.Descriptors[models.StrategyBullPutCredit]

	base := func() *RawCandidate {
		short := put(95, 1.45, 1.55, 0.30, 0.25)
		long := put(90, 0.45, 0.55, 0.15, 0.24)
		return &RawCandidate{
			Strategy: desc.Strategy, Desc: desc,
			ShortStrike: 95, LongStrike: 90, Width: 5,
			ShortLeg: &short, LongLeg: &long, Entry: 1.00, Spot: 100,
		}
	}

	assert.Equal(t, "", HardFilter(base(), th, log))

	c := base()
	c.LongLeg = nil
	assert.Equal(t, ReasonMissingOptionLegs, HardFilter(c, th, log))

	c = base()
	c.ShortLeg.Bid = 0
	assert.Equal(t, ReasonInvalidQuotes, HardFilter(c, th, log))

	c = base()
	c.ShortLeg.Ask = c.ShortLeg.Bid + 0.50
	assert.Equal(t, ReasonLiquiditySpreadTooWide, HardFilter(c, th, log))

	c = base()
	c.LongLeg.Greeks.MidIV = 0
	assert.Equal(t, ReasonMissingIV, HardFilter(c, th, log))

	c = base()
	c.LongLeg.Greeks.MidIV = 0.45
	assert.Equal(t, ReasonVerticalSkewOutOfRange, HardFilter(c, th, log))

	c = base()
	c.Entry = 0.50
	assert.Equal(t, ReasonCreditBelowMinimum, HardFilter(c, th, log))
}

func TestHardFilterSandboxLoosensSkewAndLiquidity(t *testing.T) {
	log := logrus.New()
	log.SetLevel(logrus.FatalLevel)
	th := FilterThresholds{
		LiquiditySpreadCap: 0.10,
		MinCreditFraction:  0.15,
		Mode:               models.ModeSandboxPaper,
	}
	desc := models.Descriptors[models.StrategyBullPutCredit]
	short := put(95, 4.00, 4.20, 0.30, 0.25) // spread 0.20 > cap but 5% of mid
	long := put(90, 2.00, 2.10, 0.15, 0.45)  // skew 0.20 > cap, warns only
	c := &RawCandidate{
		Strategy: desc.Strategy, Desc: desc,
		ShortStrike: 95, LongStrike: 90, Width: 5,
		ShortLeg: &short, LongLeg: &long, Entry: 2.05, Spot: 100,
	}
	assert.Equal(t, "", HardFilter(c, th, log))
}

func TestHardFilterDebitBand(t *testing.T) {
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)
	th := FilterThresholds{LiquiditySpreadCap: 0.30, MinCreditFraction: 0.15, Mode: models.ModeLive}
	desc := models.Descriptors[models.StrategyBullCallDebit]

	mk := func(entry float64) *RawCandidate {
		long := call(100, 2.80, 2.90, 0.50, 0.22)
		short := call(105, 0.90, 1.00, 0.25, 0.21)
		return &RawCandidate{
			Strategy: desc.Strategy, Desc: desc,
			ShortStrike: 105, LongStrike: 100, Width: 5,
			ShortLeg: &short, LongLeg: &long, Entry: entry, Spot: 100,
		}
	}

	assert.Equal(t, "", HardFilter(mk(1.90), th, log))
	assert.Equal(t, ReasonDebitBelowMinimum, HardFilter(mk(0.10), th, log))
	assert.Equal(t, ReasonDebitAboveMaximum, HardFilter(mk(4.50), th, log))
}

func TestComputeMetricsEV(t *testing.T) {
	desc := models.Descriptors[models.StrategyBullPutCredit]
	short := put(95, 1.45, 1.55, 0.30, 0.25)
	long := put(90, 0.45, 0.55, 0.15, 0.24)
	c := &RawCandidate{
		Strategy: desc.Strategy, Desc: desc,
		ShortStrike: 95, LongStrike: 90, Width: 5,
		ShortLeg: &short, LongLeg: &long, Entry: 1.00, Spot: 100,
	}

	m := ComputeMetrics(c)
	assert.InDelta(t, 0.70, m.POP, 1e-9)
	// 0.7*1.00 - 0.3*4.00
	assert.InDelta(t, -0.50, m.EV, 1e-9)
	assert.InDelta(t, 1.00, m.MaxProfit, 1e-9)
	assert.InDelta(t, 4.00, m.MaxLoss, 1e-9)
	assert.InDelta(t, 0.01, m.VerticalSkew, 1e-9)

	// Debit EV mirrors: pop from long delta.
	ddesc := models.Descriptors[models.StrategyBullCallDebit]
	dl := call(100, 2.80, 2.90, 0.50, 0.22)
	ds := call(105, 0.90, 1.00, 0.25, 0.21)
	dc := &RawCandidate{
		Strategy: ddesc.Strategy, Desc: ddesc,
		ShortStrike: 105, LongStrike: 100, Width: 5,
		ShortLeg: &ds, LongLeg: &dl, Entry: 1.90, Spot: 100,
	}
	dm := ComputeMetrics(dc)
	assert.InDelta(t, 0.50, dm.POP, 1e-9)
	// 0.5*3.10 - 0.5*1.90
	assert.InDelta(t, 0.60, dm.EV, 1e-9)
}

func TestScoreCompositeAndRejections(t *testing.T) {
	desc := models.Descriptors[models.StrategyBullPutCredit]
	short := put(95, 1.45, 1.55, 0.30, 0.25)
	long := put(90, 0.45, 0.55, 0.15, 0.24)
	c := &RawCandidate{
		Strategy: desc.Strategy, Desc: desc,
		ShortStrike: 95, LongStrike: 90, Width: 5,
		ShortLeg: &short, LongLeg: &long, Entry: 1.00, Spot: 100,
	}
	m := ComputeMetrics(c)

	composite, scores, rejection := Score(c, m, 50)
	require.Equal(t, "", rejection)
	assert.Greater(t, composite, 0.0)
	assert.LessOrEqual(t, composite, 1.0)
	assert.InDelta(t, 0.5, scores.IVR, 1e-9)
	assert.InDelta(t, 0.5, scores.TermStructure, 1e-9)

	// Gated delta out of band is a scoring rejection.
	c.ShortLeg.Greeks.Delta = -0.60
	_, _, rejection = Score(c, ComputeMetrics(c), 50)
	assert.Equal(t, ReasonDeltaOutOfBand, rejection)
}

func TestScoreBucketEdges(t *testing.T) {
	assert.Equal(t, "0.00-0.50", bucketFor(0.0))
	assert.Equal(t, "0.50-0.65", bucketFor(0.50))
	assert.Equal(t, "0.65-0.70", bucketFor(0.69))
	assert.Equal(t, "0.70-0.85", bucketFor(0.70))
	assert.Equal(t, "0.85-1.00", bucketFor(1.0))
}
