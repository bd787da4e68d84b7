package proposal

import (
	"github.com/mscarn/dunder_verticals/internal/broker"
	"github.com/mscarn/dunder_verticals/internal/models"
	"github.com/mscarn/dunder_verticals/internal/util"
)

// RawCandidate is one vertical spread assembled from a chain, before
// filtering and scoring. Entry is the net credit (credit strategies) or
// net debit (debit strategies) at mid.
type RawCandidate struct {
	Symbol      string
	Expiration  string // YYYY-MM-DD
	DTE         int
	Strategy    models.Strategy
	Desc        models.Descriptor
	ShortStrike float64
	LongStrike  float64
	Width       float64
	ShortLeg    *broker.Option
	LongLeg     *broker.Option
	Entry       float64
	Spot        float64
}

// IsCredit reports whether the candidate collects premium at entry.
func (c *RawCandidate) IsCredit() bool { return c.Desc.Credit }

// legDelta returns |delta| of the gated leg: short for credit spreads,
// long for debit spreads. Returns 0 when greeks are absent.
func (c *RawCandidate) legDelta() float64 {
	leg := c.ShortLeg
	if !c.Desc.Credit {
		leg = c.LongLeg
	}
	if leg == nil || leg.Greeks == nil {
		return 0
	}
	d := leg.Greeks.Delta
	if d < 0 {
		d = -d
	}
	return d
}

// BuildCandidates assembles all spreads of one strategy from a chain.
// The anchor leg is the one whose delta is gated: the short leg for
// credit spreads, the long leg for debit spreads. The paired strike
// follows the strategy geometry; a missing pair still yields a candidate
// so the hard filters can count it as MISSING_OPTION_LEGS.
func BuildCandidates(desc models.Descriptor, chain []broker.Option, symbol, expiration string, dte int, spot, width float64) []*RawCandidate {
	var out []*RawCandidate
	for i := range chain {
		opt := &chain[i]
		if opt.OptionType != string(desc.OptionType) {
			continue
		}
		if opt.Greeks == nil {
			continue
		}
		absDelta := opt.Greeks.Delta
		if absDelta < 0 {
			absDelta = -absDelta
		}
		if !desc.GatedDeltaBand.Contains(absDelta) {
			continue
		}

		var shortStrike, longStrike float64
		if desc.Credit {
			// Anchor is the short leg; it must be OTM relative to spot.
			if desc.OptionType == models.OptionTypePut && opt.Strike >= spot {
				continue
			}
			if desc.OptionType == models.OptionTypeCall && opt.Strike <= spot {
				continue
			}
			shortStrike = opt.Strike
			longStrike = desc.ExpectedLongStrike(shortStrike, width)
		} else {
			// Anchor is the long leg; short = long - sign*width.
			longStrike = opt.Strike
			shortStrike = longStrike - float64(desc.LongOffsetSign)*width
		}

		cand := &RawCandidate{
			Symbol:      symbol,
			Expiration:  expiration,
			DTE:         dte,
			Strategy:    desc.Strategy,
			Desc:        desc,
			ShortStrike: shortStrike,
			LongStrike:  longStrike,
			Width:       width,
			Spot:        spot,
		}
		if desc.Credit {
			cand.ShortLeg = opt
			cand.LongLeg = broker.GetOptionByStrike(chain, longStrike, string(desc.OptionType))
		} else {
			cand.LongLeg = opt
			cand.ShortLeg = broker.GetOptionByStrike(chain, shortStrike, string(desc.OptionType))
		}
		if cand.ShortLeg != nil && cand.LongLeg != nil {
			shortMid := util.Mid(cand.ShortLeg.Bid, cand.ShortLeg.Ask)
			longMid := util.Mid(cand.LongLeg.Bid, cand.LongLeg.Ask)
			if desc.Credit {
				cand.Entry = util.RoundToTick(shortMid-longMid, 0.01)
			} else {
				cand.Entry = util.RoundToTick(longMid-shortMid, 0.01)
			}
		}
		out = append(out, cand)
	}
	return out
}
