package proposal

import (
	"math"

	"github.com/sirupsen/logrus"

	"github.com/mscarn/dunder_verticals/internal/models"
	"github.com/mscarn/dunder_verticals/internal/util"
)

// Hard-filter rejection reasons, counted in the proposals summary.
const (
	ReasonMissingOptionLegs      = "MISSING_OPTION_LEGS"
	ReasonInvalidQuotes          = "INVALID_QUOTES"
	ReasonLiquiditySpreadTooWide = "LIQUIDITY_SPREAD_TOO_WIDE"
	ReasonMissingIV              = "MISSING_IV"
	ReasonVerticalSkewOutOfRange = "VERTICAL_SKEW_OUT_OF_RANGE"
	ReasonCreditBelowMinimum     = "CREDIT_BELOW_MINIMUM"
	ReasonDebitBelowMinimum      = "DEBIT_BELOW_MINIMUM"
	ReasonDebitAboveMaximum      = "DEBIT_ABOVE_MAXIMUM"
)

// Debit entry band as fractions of spread width.
const (
	debitMinFraction = 0.05
	debitMaxFraction = 0.85
)

// verticalSkewCap bounds |iv_long - iv_short| between the two legs.
const verticalSkewCap = 0.15

// sandboxPctOfMid is the extra sandbox liquidity clause: a leg spread
// above the absolute cap still passes when it stays under this fraction
// of the leg's mid.
const sandboxPctOfMid = 0.10

// FilterThresholds carries the per-run hard-filter knobs.
type FilterThresholds struct {
	LiquiditySpreadCap float64
	MinCreditFraction  float64
	Mode               models.TradingMode
}

// HardFilter runs the pre-scoring fail-fast checks. It returns an empty
// reason when the candidate survives.
func HardFilter(cand *RawCandidate, th FilterThresholds, log logrus.FieldLogger) string {
	if cand.ShortLeg == nil || cand.LongLeg == nil {
		return ReasonMissingOptionLegs
	}

	for _, leg := range []*struct {
		bid, ask float64
	}{
		{cand.ShortLeg.Bid, cand.ShortLeg.Ask},
		{cand.LongLeg.Bid, cand.LongLeg.Ask},
	} {
		if leg.bid <= 0 || leg.ask <= 0 || leg.ask < leg.bid {
			return ReasonInvalidQuotes
		}
		spread := leg.ask - leg.bid
		if spread > th.LiquiditySpreadCap {
			if th.Mode != models.ModeSandboxPaper {
				return ReasonLiquiditySpreadTooWide
			}
			// Sandbox quotes are wide; accept when tight relative to mid.
			mid := util.Mid(leg.bid, leg.ask)
			if mid <= 0 || spread > mid*sandboxPctOfMid {
				return ReasonLiquiditySpreadTooWide
			}
		}
	}

	shortIV, longIV := legIVs(cand)
	if shortIV <= 0 || longIV <= 0 {
		return ReasonMissingIV
	}
	if skew := math.Abs(longIV - shortIV); skew > verticalSkewCap {
		if th.Mode == models.ModeSandboxPaper {
			log.WithFields(logrus.Fields{
				"symbol": cand.Symbol,
				"skew":   skew,
			}).Warn("vertical skew out of range, accepting in sandbox")
		} else {
			return ReasonVerticalSkewOutOfRange
		}
	}

	if cand.IsCredit() {
		if cand.Entry < cand.Width*th.MinCreditFraction {
			return ReasonCreditBelowMinimum
		}
	} else {
		if cand.Entry < cand.Width*debitMinFraction {
			return ReasonDebitBelowMinimum
		}
		if cand.Entry > cand.Width*debitMaxFraction {
			return ReasonDebitAboveMaximum
		}
	}
	return ""
}

func legIVs(cand *RawCandidate) (shortIV, longIV float64) {
	if cand.ShortLeg != nil && cand.ShortLeg.Greeks != nil {
		shortIV = cand.ShortLeg.Greeks.MidIV
	}
	if cand.LongLeg != nil && cand.LongLeg.Greeks != nil {
		longIV = cand.LongLeg.Greeks.MidIV
	}
	return shortIV, longIV
}
