package main

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mscarn/dunder_verticals/internal/config"
	"github.com/mscarn/dunder_verticals/internal/exec"
	"github.com/mscarn/dunder_verticals/internal/models"
	"github.com/mscarn/dunder_verticals/internal/monitor"
	"github.com/mscarn/dunder_verticals/internal/proposal"
	"github.com/mscarn/dunder_verticals/internal/risk"
	"github.com/mscarn/dunder_verticals/internal/snapshot"
	"github.com/mscarn/dunder_verticals/internal/storage"
)

// lockTTL bounds how long a crashed process can hold the advisory
// trade-cycle lock before another instance may steal it.
const lockTTL = 5 * time.Minute

// Cycle runs one trade-cycle tick: snapshot sync, portfolio repair, close
// rule evaluation with exit submission, then proposal generation and entry
// placement when the risk gate allows it. Ticks never overlap: an in-process
// mutex guards this instance and an advisory store lock guards across
// processes.
type Cycle struct {
	cfg      *config.Config
	store    storage.Interface
	risk     *risk.Manager
	syncer   *snapshot.Syncer
	monitor  *monitor.Evaluator
	executor *exec.Executor
	engine   *proposal.Engine
	log      logrus.FieldLogger

	mu sync.Mutex
}

// NewCycle wires a trade cycle from its components.
func NewCycle(
	cfg *config.Config,
	store storage.Interface,
	riskMgr *risk.Manager,
	syncer *snapshot.Syncer,
	mon *monitor.Evaluator,
	executor *exec.Executor,
	engine *proposal.Engine,
	log logrus.FieldLogger,
) *Cycle {
	return &Cycle{
		cfg:      cfg,
		store:    store,
		risk:     riskMgr,
		syncer:   syncer,
		monitor:  mon,
		executor: executor,
		engine:   engine,
		log:      log,
	}
}

// Run executes one tick. A tick that cannot acquire the lock is skipped,
// not queued: the next timer fire picks up the work.
func (c *Cycle) Run(ctx context.Context, now time.Time) error {
	if !c.mu.TryLock() {
		c.log.Warn("trade cycle still running, skipping tick")
		return nil
	}
	defer c.mu.Unlock()

	acquired, err := c.acquireAdvisoryLock(ctx, now)
	if err != nil {
		return fmt.Errorf("trade cycle: %w", err)
	}
	if !acquired {
		c.log.Warn("advisory lock held by another instance, skipping tick")
		return nil
	}
	defer func() {
		if err := c.store.DeleteSetting(ctx, config.KeyTradeCycleLock); err != nil {
			c.log.WithError(err).Warn("advisory lock release failed")
		}
	}()

	if err := c.store.SetSetting(ctx, config.KeyLastTradeCycleHeartbeat, now.UTC().Format(time.RFC3339)); err != nil {
		c.log.WithError(err).Warn("heartbeat write failed")
	}

	runErr := c.runSteps(ctx, now)
	if runErr != nil {
		if err := c.store.SetSetting(ctx, config.KeyLastTradeCycleError, runErr.Error()); err != nil {
			c.log.WithError(err).Warn("last-error write failed")
		}
		return runErr
	}
	if err := c.store.DeleteSetting(ctx, config.KeyLastTradeCycleError); err != nil {
		c.log.WithError(err).Warn("last-error clear failed")
	}
	return nil
}

func (c *Cycle) runSteps(ctx context.Context, now time.Time) error {
	// Exits always outrank entries: sync, repair and close-rule evaluation
	// run before any proposal work.
	result, err := c.syncer.Sync(ctx, now)
	if err != nil {
		return fmt.Errorf("snapshot sync: %w", err)
	}
	for _, w := range result.Warnings {
		c.log.WithField("snapshot_id", result.SnapshotID).Warn(w)
	}

	if _, err := c.monitor.RepairPortfolio(ctx, c.executor, now); err != nil {
		c.log.WithError(err).Error("portfolio repair failed")
	}

	c.evaluateOpenTrades(ctx, now)

	ok, reason, err := c.risk.CanOpenNewTrade(ctx, now)
	if err != nil {
		return fmt.Errorf("risk gate: %w", err)
	}
	if !ok {
		c.log.WithField("reason", reason).Debug("entry gate closed")
		return nil
	}

	prop, err := c.engine.GenerateProposal(ctx, now)
	if err != nil {
		return fmt.Errorf("proposal pipeline: %w", err)
	}
	if prop == nil {
		return nil
	}
	if _, err := c.executor.PlaceEntry(ctx, prop, now); err != nil {
		return fmt.Errorf("entry placement: %w", err)
	}
	return nil
}

// evaluateOpenTrades runs the close rules per trade with full error
// isolation: one broken symbol never blocks the others.
func (c *Cycle) evaluateOpenTrades(ctx context.Context, now time.Time) {
	open, err := c.store.ListTradesByStatus(ctx, models.TradeOpen)
	if err != nil {
		c.log.WithError(err).Error("listing open trades failed")
		return
	}

	for i := range open {
		trade := &open[i]
		eval, err := c.monitor.EvaluateOpenTrade(ctx, trade, now)
		if err != nil {
			c.log.WithError(err).WithField("trade_id", trade.ID).Error("close-rule evaluation failed")
			continue
		}
		if eval.Trigger == monitor.TriggerNone {
			continue
		}

		reason := eval.Reason
		if reason == "" {
			reason = string(eval.Trigger)
		}
		c.log.WithFields(logrus.Fields{
			"trade_id": trade.ID,
			"trigger":  eval.Trigger,
			"reason":   reason,
		}).Info("close rule fired")

		if eval.Trigger == monitor.TriggerEmergency {
			err = c.executor.SubmitEmergencyExit(ctx, trade, reason, now)
		} else {
			err = c.executor.SubmitExit(ctx, trade, reason, now)
		}
		if err != nil {
			c.log.WithError(err).WithField("trade_id", trade.ID).Error("exit submission failed")
		}
	}
}

// acquireAdvisoryLock claims the cross-process trade-cycle lock. A stale
// lock older than lockTTL is stolen; a fresh one defers to its holder.
func (c *Cycle) acquireAdvisoryLock(ctx context.Context, now time.Time) (bool, error) {
	held, err := c.store.GetSetting(ctx, config.KeyTradeCycleLock)
	if err != nil {
		return false, err
	}
	if held != "" {
		if ts, err := time.Parse(time.RFC3339, held); err == nil && now.Sub(ts) < lockTTL {
			return false, nil
		}
		c.log.WithField("held_since", held).Warn("stealing stale trade-cycle lock")
	}
	if err := c.store.SetSetting(ctx, config.KeyTradeCycleLock, now.UTC().Format(time.RFC3339)); err != nil {
		return false, err
	}
	return true, nil
}
