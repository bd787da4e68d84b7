package proposal

import (
	"math"

	"github.com/mscarn/dunder_verticals/internal/models"
)

// Regime classification bands. Spot within neutralBand of the SMA is
// NEUTRAL; outside it the regime follows the sign of the deviation.
const (
	smaPeriod   = 20
	neutralBand = 0.002
)

// RV/IV acceptance band. Outside it the whole run is rejected in
// LIVE/DRY_RUN and warned in SANDBOX_PAPER.
const (
	rvivMin = 0.25
	rvivMax = 2.0
)

const tradingDaysPerYear = 252

// SMA returns the simple moving average of the last period closes.
func SMA(closes []float64, period int) (float64, bool) {
	if period <= 0 || len(closes) < period {
		return 0, false
	}
	var sum float64
	for _, c := range closes[len(closes)-period:] {
		sum += c
	}
	return sum / float64(period), true
}

// ClassifyRegime maps spot vs SMA20 onto the discrete market regime.
func ClassifyRegime(spot, sma float64) models.Regime {
	if sma <= 0 {
		return models.RegimeNeutral
	}
	dev := (spot - sma) / sma
	switch {
	case dev > neutralBand:
		return models.RegimeBullish
	case dev < -neutralBand:
		return models.RegimeBearish
	default:
		return models.RegimeNeutral
	}
}

// TrendScore is the signed fractional deviation of spot from the SMA.
// Positive favors bullish strategies, negative favors bearish ones.
func TrendScore(spot, sma float64) float64 {
	if sma <= 0 {
		return 0
	}
	return (spot - sma) / sma
}

// RealizedVol computes annualized close-to-close volatility from daily
// closes. Returns 0 when fewer than two usable closes are available.
func RealizedVol(closes []float64) float64 {
	var returns []float64
	for i := 1; i < len(closes); i++ {
		if closes[i-1] <= 0 || closes[i] <= 0 {
			continue
		}
		returns = append(returns, math.Log(closes[i]/closes[i-1]))
	}
	if len(returns) < 2 {
		return 0
	}
	var mean float64
	for _, r := range returns {
		mean += r
	}
	mean /= float64(len(returns))
	var variance float64
	for _, r := range returns {
		variance += (r - mean) * (r - mean)
	}
	variance /= float64(len(returns) - 1)
	return math.Sqrt(variance) * math.Sqrt(tradingDaysPerYear)
}

// RVIVOk checks the realized-over-implied volatility ratio against the
// accepted band. An unknown IV (<= 0) is treated as acceptable since the
// per-candidate MISSING_IV filter handles IV quality later.
func RVIVOk(realized, implied float64) (float64, bool) {
	if implied <= 0 || realized <= 0 {
		return 0, true
	}
	ratio := realized / implied
	return ratio, ratio >= rvivMin && ratio <= rvivMax
}
