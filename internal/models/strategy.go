// Package models provides the domain records and state tables for the
// vertical-spread trading engine.
package models

import "fmt"

// Strategy identifies one of the four supported vertical spreads.
type Strategy string

const (
	// StrategyBullPutCredit sells a put and buys a lower put for a net credit.
	StrategyBullPutCredit Strategy = "BULL_PUT_CREDIT"
	// StrategyBearCallCredit sells a call and buys a higher call for a net credit.
	StrategyBearCallCredit Strategy = "BEAR_CALL_CREDIT"
	// StrategyBullCallDebit buys a call and sells a higher call for a net debit.
	StrategyBullCallDebit Strategy = "BULL_CALL_DEBIT"
	// StrategyBearPutDebit buys a put and sells a lower put for a net debit.
	StrategyBearPutDebit Strategy = "BEAR_PUT_DEBIT"
)

// Valid returns true if the Strategy is one of the defined constants.
func (s Strategy) Valid() bool {
	_, ok := Descriptors[s]
	return ok
}

// Regime is the discrete market state derived from spot vs the 20-period SMA.
type Regime string

const (
	RegimeBullish Regime = "BULLISH"
	RegimeNeutral Regime = "NEUTRAL"
	RegimeBearish Regime = "BEARISH"
)

// OptionType represents the type of option contract.
type OptionType string

const (
	OptionTypePut  OptionType = "put"
	OptionTypeCall OptionType = "call"
)

// DeltaBand is an inclusive |delta| acceptance range.
type DeltaBand struct {
	Min float64
	Max float64
}

// Contains reports whether |delta| falls inside the band.
func (b DeltaBand) Contains(absDelta float64) bool {
	return absDelta >= b.Min && absDelta <= b.Max
}

// Descriptor captures everything that differs between the four spread
// strategies so the proposal builder and the monitor can stay parametric:
// leg option type, where the long strike sits relative to the short
// (long = short + LongOffsetSign*width), which leg's delta is gated,
// and which market regimes the strategy tolerates.
type Descriptor struct {
	Strategy       Strategy
	OptionType     OptionType
	LongOffsetSign int // long = short + sign*width
	Credit         bool
	// GatedDeltaBand applies to the short leg for credit spreads and
	// the long leg for debit spreads.
	GatedDeltaBand DeltaBand
	Regimes        []Regime
	Bullish        bool
}

// Descriptors is the strategy table. Order matters nowhere; lookups only.
var Descriptors = map[Strategy]Descriptor{
	StrategyBullPutCredit: {
		Strategy:       StrategyBullPutCredit,
		OptionType:     OptionTypePut,
		LongOffsetSign: -1,
		Credit:         true,
		GatedDeltaBand: DeltaBand{Min: 0.20, Max: 0.35},
		Regimes:        []Regime{RegimeBullish, RegimeNeutral},
		Bullish:        true,
	},
	StrategyBearCallCredit: {
		Strategy:       StrategyBearCallCredit,
		OptionType:     OptionTypeCall,
		LongOffsetSign: 1,
		Credit:         true,
		GatedDeltaBand: DeltaBand{Min: 0.20, Max: 0.35},
		Regimes:        []Regime{RegimeBearish, RegimeNeutral},
		Bullish:        false,
	},
	StrategyBullCallDebit: {
		Strategy:       StrategyBullCallDebit,
		OptionType:     OptionTypeCall,
		LongOffsetSign: -1,
		Credit:         false,
		GatedDeltaBand: DeltaBand{Min: 0.40, Max: 0.55},
		Regimes:        []Regime{RegimeBullish},
		Bullish:        true,
	},
	StrategyBearPutDebit: {
		Strategy:       StrategyBearPutDebit,
		OptionType:     OptionTypePut,
		LongOffsetSign: 1,
		Credit:         false,
		GatedDeltaBand: DeltaBand{Min: 0.40, Max: 0.55},
		Regimes:        []Regime{RegimeBearish},
		Bullish:        false,
	},
}

// DescriptorFor returns the strategy descriptor or an error for unknown
// strategies. Callers on the hot path that already validated the strategy
// can index Descriptors directly.
func DescriptorFor(s Strategy) (Descriptor, error) {
	d, ok := Descriptors[s]
	if !ok {
		return Descriptor{}, fmt.Errorf("unknown strategy: %q", s)
	}
	return d, nil
}

// ToleratesRegime reports whether the strategy may trade in the given regime.
func (d Descriptor) ToleratesRegime(r Regime) bool {
	for _, reg := range d.Regimes {
		if reg == r {
			return true
		}
	}
	return false
}

// ExpectedLongStrike returns the long strike implied by the short strike
// and width under this strategy's geometry.
func (d Descriptor) ExpectedLongStrike(shortStrike, width float64) float64 {
	return shortStrike + float64(d.LongOffsetSign)*width
}
