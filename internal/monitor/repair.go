package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mscarn/dunder_verticals/internal/broker"
	"github.com/mscarn/dunder_verticals/internal/models"
)

// ExitSubmitter submits an emergency exit for a broken trade. The order
// executor implements it; repair tests stub it.
type ExitSubmitter interface {
	SubmitEmergencyExit(ctx context.Context, trade *models.Trade, reason string, now time.Time) error
}

// RepairReport summarizes one portfolio repair pass.
type RepairReport struct {
	Checked      int      `json:"checked"`
	Skipped      int      `json:"skipped"`
	Broken       int      `json:"broken"`
	BrokenTrades []string `json:"broken_trades,omitempty"`
}

// RepairPortfolio runs the structural check over every OPEN trade and
// submits emergency exits for the ones that fail. Trades without an entry
// price are skipped: they are still settling through reconciliation.
func (e *Evaluator) RepairPortfolio(ctx context.Context, exits ExitSubmitter, now time.Time) (*RepairReport, error) {
	open, err := e.store.ListTradesByStatus(ctx, models.TradeOpen)
	if err != nil {
		return nil, fmt.Errorf("repair: %w", err)
	}

	report := &RepairReport{}
	for i := range open {
		trade := &open[i]
		if trade.EntryPrice <= 0 {
			report.Skipped++
			continue
		}
		report.Checked++

		chain, err := e.broker.GetOptionChain(ctx, trade.Symbol, trade.Expiration, true)
		if err != nil {
			// Only an error naming corrupt data is evidence of a break;
			// auth and transport failures retry next cycle.
			if !broker.IsStructuralRejection(err.Error()) {
				e.log.WithError(err).WithField("trade_id", trade.ID).Warn("repair: chain unavailable, retry next cycle")
				continue
			}
			chain = nil
		}

		if _, _, structErr := e.structuralCheck(ctx, trade, chain, now); structErr != nil {
			report.Broken++
			report.BrokenTrades = append(report.BrokenTrades, trade.ID)
			reason := fmt.Sprintf("%s: %v", ReasonStructuralBreak, structErr)
			e.log.WithField("trade_id", trade.ID).WithField("reason", reason).Error("repair: broken trade")
			if exits != nil {
				if err := exits.SubmitEmergencyExit(ctx, trade, reason, now); err != nil {
					e.log.WithError(err).WithField("trade_id", trade.ID).Error("repair: exit submission failed")
				}
			}
		}
	}

	details, _ := json.Marshal(report)
	_ = e.store.AppendSystemLog(ctx, &models.SystemLog{
		LogType: models.LogTypePortfolioRepair,
		Message: fmt.Sprintf("checked=%d skipped=%d broken=%d", report.Checked, report.Skipped, report.Broken),
		Details: string(details),
	})
	return report, nil
}
