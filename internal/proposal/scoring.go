package proposal

import (
	"math"

	"github.com/mscarn/dunder_verticals/internal/models"
	"github.com/mscarn/dunder_verticals/internal/util"
)

// Scoring-stage rejection reasons, bucketed under scoringRejections in
// the proposals summary with a HARD_FILTER: prefix.
const (
	ReasonPopOutOfBand   = "POP_OUT_OF_BAND"
	ReasonDeltaOutOfBand = "DELTA_OUT_OF_BAND"
)

// Composite weights. They sum to 1 so the composite stays in [0,1].
const (
	weightIVR           = 0.20
	weightVerticalSkew  = 0.15
	weightTermStructure = 0.10
	weightDeltaFitness  = 0.25
	weightEV            = 0.30
)

// POP acceptance bands by spread style.
var (
	creditPopBand = models.DeltaBand{Min: 0.55, Max: 0.90}
	debitPopBand  = models.DeltaBand{Min: 0.35, Max: 0.65}
)

// Metrics are the per-candidate quantities computed before scoring.
type Metrics struct {
	POP          float64 `json:"pop"`
	EV           float64 `json:"ev"`
	VerticalSkew float64 `json:"vertical_skew"`
	// PercentSpread is the worst per-leg (ask-bid)/mid.
	PercentSpread float64 `json:"percent_spread"`
	MaxProfit     float64 `json:"max_profit"`
	MaxLoss       float64 `json:"max_loss"`
}

// ComputeMetrics derives POP, EV and liquidity metrics for a candidate
// that already passed the hard filters.
func ComputeMetrics(cand *RawCandidate) Metrics {
	delta := cand.legDelta()
	pop := 1 - delta

	var ev, maxProfit, maxLoss float64
	if cand.IsCredit() {
		maxProfit = cand.Entry
		maxLoss = cand.Width - cand.Entry
		ev = pop*cand.Entry - (1-pop)*(cand.Width-cand.Entry)
	} else {
		maxProfit = cand.Width - cand.Entry
		maxLoss = cand.Entry
		ev = pop*(cand.Width-cand.Entry) - (1-pop)*cand.Entry
	}

	shortIV, longIV := legIVs(cand)

	var worstPct float64
	for _, leg := range []*struct{ bid, ask float64 }{
		{cand.ShortLeg.Bid, cand.ShortLeg.Ask},
		{cand.LongLeg.Bid, cand.LongLeg.Ask},
	} {
		if mid := util.Mid(leg.bid, leg.ask); mid > 0 {
			if pct := (leg.ask - leg.bid) / mid; pct > worstPct {
				worstPct = pct
			}
		}
	}

	return Metrics{
		POP:           pop,
		EV:            ev,
		VerticalSkew:  math.Abs(longIV - shortIV),
		PercentSpread: worstPct,
		MaxProfit:     maxProfit,
		MaxLoss:       maxLoss,
	}
}

// Score produces the composite in [0,1] and its sub-scores, or a
// categorical rejection reason when POP or delta fall outside the
// acceptance band for the spread style.
func Score(cand *RawCandidate, m Metrics, ivr float64) (float64, models.ComponentScores, string) {
	delta := cand.legDelta()
	if !cand.Desc.GatedDeltaBand.Contains(delta) {
		return 0, models.ComponentScores{}, ReasonDeltaOutOfBand
	}
	popBand := debitPopBand
	if cand.IsCredit() {
		popBand = creditPopBand
	}
	if !popBand.Contains(m.POP) {
		return 0, models.ComponentScores{}, ReasonPopOutOfBand
	}

	scores := models.ComponentScores{
		IVR:           util.Clamp(ivr/100, 0, 1),
		VerticalSkew:  util.Clamp(1-m.VerticalSkew/verticalSkewCap, 0, 1),
		TermStructure: 0.5, // flat placeholder until a term-structure feed lands
		DeltaFitness:  deltaFitness(delta, cand.Desc.GatedDeltaBand),
		EV:            evScore(m.EV, cand.Width),
	}
	composite := weightIVR*scores.IVR +
		weightVerticalSkew*scores.VerticalSkew +
		weightTermStructure*scores.TermStructure +
		weightDeltaFitness*scores.DeltaFitness +
		weightEV*scores.EV
	return util.Clamp(composite, 0, 1), scores, ""
}

// deltaFitness is 1 at the band center, falling linearly to 0 at the edges.
func deltaFitness(delta float64, band models.DeltaBand) float64 {
	half := (band.Max - band.Min) / 2
	if half <= 0 {
		return 0
	}
	center := band.Min + half
	return util.Clamp(1-math.Abs(delta-center)/half, 0, 1)
}

// evScore maps EV (bounded by ±width) onto [0,1] with 0.5 at break-even.
func evScore(ev, width float64) float64 {
	if width <= 0 {
		return 0
	}
	return util.Clamp(0.5+ev/(2*width), 0, 1)
}
