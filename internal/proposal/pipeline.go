// Package proposal implements the entry-candidate pipeline: regime and
// data-integrity gating, per-strategy spread construction, hard filters,
// scoring, the portfolio net-credit guard, and selection of at most one
// persisted Proposal per run.
package proposal

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/mscarn/dunder_verticals/internal/broker"
	"github.com/mscarn/dunder_verticals/internal/config"
	"github.com/mscarn/dunder_verticals/internal/marketcal"
	"github.com/mscarn/dunder_verticals/internal/models"
	"github.com/mscarn/dunder_verticals/internal/storage"
	"github.com/mscarn/dunder_verticals/internal/util"
)

// IVRProvider supplies the implied volatility rank for a symbol given
// its current ATM IV. Pipeline tests substitute a fixed provider.
type IVRProvider interface {
	IVR(ctx context.Context, symbol string, currentIV float64) (float64, error)
}

// HistoricalIVR approximates IVR from a year of daily closes: the rolling
// 20-day realized vol series stands in for the historical IV series.
type HistoricalIVR struct {
	Broker broker.Broker
}

// IVR implements IVRProvider.
func (h *HistoricalIVR) IVR(ctx context.Context, symbol string, currentIV float64) (float64, error) {
	end := time.Now()
	start := end.AddDate(-1, 0, 0)
	bars, err := h.Broker.GetHistoricalDailyCloses(ctx, symbol, start, end)
	if err != nil {
		return 0, fmt.Errorf("ivr %s: %w", symbol, err)
	}
	closes := make([]float64, len(bars))
	for i, b := range bars {
		closes[i] = b.Close
	}
	var series []float64
	for i := smaPeriod + 1; i <= len(closes); i++ {
		if rv := RealizedVol(closes[i-smaPeriod-1 : i]); rv > 0 {
			series = append(series, rv)
		}
	}
	return broker.ComputeIVR(currentIV, series), nil
}

// FixedIVR returns a constant rank; used in tests and DRY_RUN smoke runs.
type FixedIVR float64

// IVR implements IVRProvider.
func (f FixedIVR) IVR(context.Context, string, float64) (float64, error) {
	return float64(f), nil
}

// Notifier receives best-effort out-of-band messages.
type Notifier interface {
	Notify(ctx context.Context, message string) error
}

// Summary is the structured record emitted once per pipeline run.
type Summary struct {
	CandidateCount    int            `json:"candidate_count"`
	ScoredCount       int            `json:"scored_count"`
	PassingCount      int            `json:"passing_count"`
	BestScore         float64        `json:"best_score"`
	FilterRejections  map[string]int `json:"filter_rejections,omitempty"`
	ScoringRejections map[string]int `json:"scoring_rejections,omitempty"`
	ScoreHistogram    map[string]int `json:"score_histogram,omitempty"`
	ChosenExpiration  string         `json:"chosen_expiration,omitempty"`
	ChosenScore       float64        `json:"chosen_score,omitempty"`
	Reason            string         `json:"reason,omitempty"`
}

// histogram bucket labels, low to high.
var histogramBuckets = []struct {
	label string
	upper float64 // exclusive, except the last bucket
}{
	{"0.00-0.50", 0.50},
	{"0.50-0.65", 0.65},
	{"0.65-0.70", 0.70},
	{"0.70-0.85", 0.85},
	{"0.85-1.00", 1.01},
}

func bucketFor(score float64) string {
	for _, b := range histogramBuckets {
		if score < b.upper {
			return b.label
		}
	}
	return histogramBuckets[len(histogramBuckets)-1].label
}

// scoredCandidate pairs a surviving candidate with its scoring output.
type scoredCandidate struct {
	cand      *RawCandidate
	metrics   Metrics
	composite float64
	scores    models.ComponentScores
}

// Engine runs the proposal pipeline.
type Engine struct {
	broker   broker.Broker
	store    storage.Interface
	resolver *config.Resolver
	cfg      *config.Config
	ivr      IVRProvider
	notifier Notifier
	log      logrus.FieldLogger
}

// NewEngine creates a proposal engine. notifier may be nil.
func NewEngine(b broker.Broker, store storage.Interface, resolver *config.Resolver, cfg *config.Config, ivr IVRProvider, notifier Notifier, log logrus.FieldLogger) *Engine {
	return &Engine{
		broker:   b,
		store:    store,
		resolver: resolver,
		cfg:      cfg,
		ivr:      ivr,
		notifier: notifier,
		log:      log,
	}
}

// GenerateProposal runs the full pipeline and persists at most one READY
// proposal. A nil proposal with nil error means no candidate qualified;
// the run summary records why.
func (e *Engine) GenerateProposal(ctx context.Context, now time.Time) (*models.Proposal, error) {
	summary := &Summary{
		FilterRejections:  map[string]int{},
		ScoringRejections: map[string]int{},
		ScoreHistogram:    map[string]int{},
	}
	defer e.writeSummary(ctx, summary)

	mode := e.resolver.TradingMode(ctx)
	minScore := e.resolver.MinScore(ctx)
	thresholds := FilterThresholds{
		LiquiditySpreadCap: e.resolver.LiquiditySpreadThreshold(ctx),
		MinCreditFraction:  e.resolver.MinCreditFraction(ctx),
		Mode:               mode,
	}

	symbols := e.resolver.Symbols(ctx)
	if len(symbols) == 0 {
		summary.Reason = "no eligible symbols"
		return nil, nil
	}
	strategies := e.resolver.Strategies(ctx)
	if len(strategies) == 0 {
		summary.Reason = "no enabled strategies"
		return nil, nil
	}

	// Regime from the primary symbol, with enough history for SMA20.
	primary := symbols[0]
	closes, err := e.dailyCloses(ctx, primary, now, 60)
	if err != nil {
		summary.Reason = fmt.Sprintf("history fetch failed: %v", err)
		return nil, fmt.Errorf("proposal: %w", err)
	}
	primaryQuote, err := e.broker.GetUnderlyingQuote(ctx, primary)
	if err != nil {
		summary.Reason = fmt.Sprintf("primary quote failed: %v", err)
		return nil, fmt.Errorf("proposal: %w", err)
	}
	spot := quotePrice(primaryQuote)
	sma, ok := SMA(closes, smaPeriod)
	regime := models.RegimeNeutral
	trend := 0.0
	if ok && spot > 0 {
		regime = ClassifyRegime(spot, sma)
		trend = TrendScore(spot, sma)
	}
	e.recordRegime(ctx, regime)

	var gated []models.Strategy
	for _, s := range strategies {
		if models.Descriptors[s].ToleratesRegime(regime) {
			gated = append(gated, s)
		}
	}
	if len(gated) == 0 {
		summary.Reason = fmt.Sprintf("no strategy tolerates regime %s", regime)
		return nil, nil
	}

	var scored []scoredCandidate
	rvChecked := false

	for _, symbol := range symbols {
		if err := e.scanSymbol(ctx, symbol, now, gated, trend, mode, thresholds, closes, &rvChecked, summary, &scored); err != nil {
			// Per-symbol isolation: log and continue with the rest.
			e.log.WithError(err).WithField("symbol", symbol).Warn("symbol scan failed")
			if symbol == primary && summary.Reason != "" {
				return nil, nil
			}
		}
	}

	summary.ScoredCount = len(scored)
	var passing []scoredCandidate
	for _, sc := range scored {
		summary.ScoreHistogram[bucketFor(sc.composite)]++
		if sc.composite > summary.BestScore {
			summary.BestScore = sc.composite
		}
		if sc.composite >= minScore {
			passing = append(passing, sc)
		}
	}

	passing = e.applyPortfolioGuard(ctx, passing, summary)
	summary.PassingCount = len(passing)
	if len(passing) == 0 {
		if summary.Reason == "" {
			summary.Reason = "no candidate above threshold"
		}
		return nil, nil
	}

	sort.SliceStable(passing, func(i, j int) bool {
		a, b := passing[i], passing[j]
		if a.composite != b.composite {
			return a.composite > b.composite
		}
		if a.metrics.EV != b.metrics.EV {
			return a.metrics.EV > b.metrics.EV
		}
		return a.cand.Entry > b.cand.Entry
	})
	best := passing[0]

	prop := e.toProposal(ctx, best, now)
	if err := e.store.CreateProposal(ctx, prop); err != nil {
		summary.Reason = fmt.Sprintf("persist failed: %v", err)
		return nil, fmt.Errorf("proposal: %w", err)
	}
	summary.ChosenExpiration = prop.Expiration
	summary.ChosenScore = prop.Score
	summary.Reason = "proposal persisted"

	_ = e.store.SetSetting(ctx, config.KeyLastProposalRun, now.UTC().Format(time.RFC3339))
	e.notify(ctx, fmt.Sprintf("proposal %s %s %s %.0f/%.0f score %.3f entry %.2f",
		prop.Strategy, prop.Symbol, prop.Expiration, prop.ShortStrike, prop.LongStrike, prop.Score, prop.CreditTarget))
	return prop, nil
}

// scanSymbol runs stages 5-10 for one underlying, appending scored
// candidates and rejection counts.
func (e *Engine) scanSymbol(
	ctx context.Context,
	symbol string,
	now time.Time,
	strategies []models.Strategy,
	trend float64,
	mode models.TradingMode,
	thresholds FilterThresholds,
	primaryCloses []float64,
	rvChecked *bool,
	summary *Summary,
	scored *[]scoredCandidate,
) error {
	quote, err := e.broker.GetUnderlyingQuote(ctx, symbol)
	if err != nil {
		return fmt.Errorf("quote %s: %w", symbol, err)
	}
	spot := quotePrice(quote)
	if spot <= 0 || quote.Bid <= 0 || quote.Ask <= 0 {
		return fmt.Errorf("quote %s: no valid bid/ask/last", symbol)
	}

	maxExp := e.cfg.Proposal.MaxExpirations
	if maxExp <= 0 {
		maxExp = 5
	}
	expirations := marketcal.FridayExpirations(now, e.cfg.Proposal.MinDTE, e.cfg.Proposal.MaxDTE, maxExp)
	if len(expirations) == 0 {
		return fmt.Errorf("no eligible expirations for %s", symbol)
	}
	width := float64(e.cfg.Proposal.SpreadWidth)
	if width <= 0 {
		width = 5
	}

	for _, expiration := range expirations {
		chain, err := e.broker.GetOptionChain(ctx, symbol, expiration, true)
		if err != nil {
			e.log.WithError(err).WithFields(logrus.Fields{
				"symbol":     symbol,
				"expiration": expiration,
			}).Warn("chain fetch failed")
			continue
		}
		if len(chain) == 0 {
			continue
		}

		// Market-wide RV/IV sanity, once, against the first usable chain.
		if !*rvChecked {
			*rvChecked = true
			rv := RealizedVol(tail(primaryCloses, 31))
			iv := atmIV(chain, spot)
			if ratio, ok := RVIVOk(rv, iv); !ok {
				if mode == models.ModeSandboxPaper {
					e.log.WithField("ratio", ratio).Warn("rv/iv ratio out of band, continuing in sandbox")
				} else {
					summary.Reason = fmt.Sprintf("rv/iv ratio %.2f out of band", ratio)
					return fmt.Errorf("rv/iv ratio %.2f out of band", ratio)
				}
			}
		}

		dte, err := marketcal.DTE(now, expiration)
		if err != nil {
			continue
		}

		for _, strategy := range strategies {
			desc := models.Descriptors[strategy]
			if !directionalOK(desc, trend, mode) {
				continue
			}
			cands := BuildCandidates(desc, chain, symbol, expiration, dte, spot, width)
			summary.CandidateCount += len(cands)
			for _, cand := range cands {
				if reason := HardFilter(cand, thresholds, e.log); reason != "" {
					summary.FilterRejections[reason]++
					continue
				}
				m := ComputeMetrics(cand)
				ivr, err := e.ivr.IVR(ctx, symbol, atmIV(chain, spot))
				if err != nil {
					e.log.WithError(err).WithField("symbol", symbol).Warn("ivr unavailable, using 0")
					ivr = 0
				}
				composite, scores, rejection := Score(cand, m, ivr)
				if rejection != "" {
					summary.ScoringRejections["HARD_FILTER:"+rejection]++
					continue
				}
				*scored = append(*scored, scoredCandidate{
					cand:      cand,
					metrics:   m,
					composite: composite,
					scores:    scores,
				})
			}
		}
	}
	return nil
}

// directionalOK applies the short-term trend gate. Sandbox halves the
// required alignment so paper runs still produce flow on flat days.
func directionalOK(desc models.Descriptor, trend float64, mode models.TradingMode) bool {
	gate := neutralBand
	if mode == models.ModeSandboxPaper {
		gate = neutralBand * 4
	}
	if desc.Bullish {
		return trend >= -gate
	}
	return trend <= gate
}

// applyPortfolioGuard drops credit candidates that would push the book's
// net premium negative. Debit candidates pass; their premium contribution
// is negative by construction and capped elsewhere by the position cap.
func (e *Engine) applyPortfolioGuard(ctx context.Context, passing []scoredCandidate, summary *Summary) []scoredCandidate {
	if len(passing) == 0 {
		return passing
	}
	open, err := e.store.ListTradesByStatus(ctx,
		models.TradeEntryPending, models.TradeOpen, models.TradeClosingPending)
	if err != nil {
		e.log.WithError(err).Warn("portfolio guard: trade listing failed, admitting all")
		return passing
	}
	var premium float64
	for _, t := range open {
		contribution := t.EntryPrice * float64(t.Quantity) * 100
		if t.IsCredit() {
			premium += contribution
		} else {
			premium -= contribution
		}
	}

	qty := float64(e.resolver.DefaultTradeQuantity(ctx))
	out := passing[:0]
	for _, sc := range passing {
		if sc.cand.IsCredit() {
			if premium+sc.cand.Entry*qty*100 < 0 {
				summary.FilterRejections["PORTFOLIO_NET_CREDIT"]++
				continue
			}
		}
		out = append(out, sc)
	}
	return out
}

func (e *Engine) toProposal(ctx context.Context, sc scoredCandidate, now time.Time) *models.Proposal {
	creditTarget := sc.cand.Entry
	if !sc.cand.IsCredit() {
		creditTarget = -creditTarget
	}
	return &models.Proposal{
		ID:              uuid.NewString(),
		Symbol:          sc.cand.Symbol,
		Expiration:      sc.cand.Expiration,
		ShortStrike:     sc.cand.ShortStrike,
		LongStrike:      sc.cand.LongStrike,
		Width:           int(sc.cand.Width),
		Quantity:        e.resolver.DefaultTradeQuantity(ctx),
		Strategy:        sc.cand.Strategy,
		CreditTarget:    creditTarget,
		Score:           sc.composite,
		ComponentScores: sc.scores,
		Status:          models.ProposalReady,
		Kind:            models.ProposalEntry,
		CreatedAt:       now.UTC(),
	}
}

// recordRegime persists the last observed regime and logs the flip.
func (e *Engine) recordRegime(ctx context.Context, regime models.Regime) {
	prev, _ := e.store.GetSetting(ctx, config.KeyLastRegime)
	if prev == string(regime) {
		return
	}
	_ = e.store.SetSetting(ctx, config.KeyLastRegime, string(regime))
	if prev == "" {
		return
	}
	e.log.WithFields(logrus.Fields{"from": prev, "to": regime}).Info("market regime change")
	_ = e.store.AppendSystemLog(ctx, &models.SystemLog{
		LogType: models.LogTypeRegimeChange,
		Message: fmt.Sprintf("%s -> %s", prev, regime),
	})
}

func (e *Engine) writeSummary(ctx context.Context, summary *Summary) {
	details, err := json.Marshal(summary)
	if err != nil {
		return
	}
	_ = e.store.AppendSystemLog(ctx, &models.SystemLog{
		LogType: models.LogTypeProposalsSummary,
		Message: fmt.Sprintf("candidates=%d scored=%d passing=%d best=%.3f",
			summary.CandidateCount, summary.ScoredCount, summary.PassingCount, summary.BestScore),
		Details: string(details),
	})
}

func (e *Engine) notify(ctx context.Context, message string) {
	if e.notifier == nil {
		return
	}
	if err := e.notifier.Notify(ctx, message); err != nil {
		e.log.WithError(err).Warn("notification failed")
	}
}

func (e *Engine) dailyCloses(ctx context.Context, symbol string, now time.Time, days int) ([]float64, error) {
	bars, err := e.broker.GetHistoricalDailyCloses(ctx, symbol, now.AddDate(0, 0, -days*2), now)
	if err != nil {
		return nil, err
	}
	closes := make([]float64, 0, len(bars))
	for _, b := range bars {
		if b.Close > 0 {
			closes = append(closes, b.Close)
		}
	}
	return closes, nil
}

// quotePrice prefers last, falling back to the bid/ask midpoint.
func quotePrice(q *broker.QuoteItem) float64 {
	if q.Last > 0 {
		return q.Last
	}
	return util.Mid(q.Bid, q.Ask)
}

// atmIV returns the mid IV of the option nearest the spot.
func atmIV(chain []broker.Option, spot float64) float64 {
	bestDist := -1.0
	var iv float64
	for i := range chain {
		opt := &chain[i]
		if opt.Greeks == nil || opt.Greeks.MidIV <= 0 {
			continue
		}
		dist := opt.Strike - spot
		if dist < 0 {
			dist = -dist
		}
		if bestDist < 0 || dist < bestDist {
			bestDist = dist
			iv = opt.Greeks.MidIV
		}
	}
	return iv
}

func tail(xs []float64, n int) []float64 {
	if len(xs) <= n {
		return xs
	}
	return xs[len(xs)-n:]
}
