// The bot binary runs the spread trading engine: a timer-driven trade
// cycle plus an admin HTTP server for operational control.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/mscarn/dunder_verticals/internal/adminapi"
	"github.com/mscarn/dunder_verticals/internal/broker"
	"github.com/mscarn/dunder_verticals/internal/config"
	"github.com/mscarn/dunder_verticals/internal/exec"
	"github.com/mscarn/dunder_verticals/internal/models"
	"github.com/mscarn/dunder_verticals/internal/monitor"
	"github.com/mscarn/dunder_verticals/internal/notify"
	"github.com/mscarn/dunder_verticals/internal/proposal"
	"github.com/mscarn/dunder_verticals/internal/reconcile"
	"github.com/mscarn/dunder_verticals/internal/risk"
	"github.com/mscarn/dunder_verticals/internal/snapshot"
	"github.com/mscarn/dunder_verticals/internal/storage"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "config.yaml", "path to configuration file")
	flag.Parse()

	// .env is optional; real deployments export variables directly.
	_ = godotenv.Load()

	cfg, err := config.Load(configPath)
	if err != nil {
		logrus.Fatalf("loading config: %v", err)
	}

	log := newLogger(cfg.Environment.LogLevel)
	log.WithField("mode", cfg.Environment.Mode).Info("starting spread engine")
	if cfg.TradingMode() == models.ModeLive {
		log.Warn("LIVE mode: real orders will be placed, waiting 10s to confirm")
		time.Sleep(10 * time.Second)
	}

	store, err := storage.NewSQLiteStore(cfg.Storage.Path)
	if err != nil {
		log.Fatalf("opening store: %v", err)
	}
	defer func() { _ = store.Close() }()

	tradier := broker.NewTradierAPI(cfg.Broker.APIKey, cfg.Broker.AccountID, cfg.Broker.Sandbox)
	brk := broker.NewCircuitBreakerBroker(tradier)

	resolver := config.NewResolver(store, cfg, log)
	riskMgr := risk.NewManager(store, resolver, cfg, log)
	reconciler := reconcile.NewReconciler(store, riskMgr, log)
	syncer := snapshot.NewSyncer(brk, store, reconciler, cfg, log)
	evaluator := monitor.NewEvaluator(brk, store, resolver, cfg, log)
	executor := exec.NewExecutor(brk, store, resolver, riskMgr, log)
	notifier := notify.FromConfig(cfg, log)
	engine := proposal.NewEngine(brk, store, resolver, cfg, &proposal.HistoricalIVR{Broker: brk}, notifier, log)

	cycle := NewCycle(cfg, store, riskMgr, syncer, evaluator, executor, engine, log)

	admin := adminapi.NewServer(cfg, store, riskMgr, adminapi.Actions{
		RepairPortfolio: func(ctx context.Context) (*monitor.RepairReport, error) {
			return evaluator.RepairPortfolio(ctx, executor, time.Now())
		},
		RunProposals: func(ctx context.Context) (*models.Proposal, error) {
			return engine.GenerateProposal(ctx, time.Now())
		},
	}, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info("shutdown signal received")
		cancel()
	}()

	if cfg.Admin.Addr != "" {
		go func() {
			if err := admin.Start(); err != nil {
				log.WithError(err).Error("admin server stopped")
			}
		}()
	}

	run(ctx, cfg, cycle, log)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := admin.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("admin server shutdown failed")
	}
	log.Info("engine stopped")
}

// run drives the trade cycle on the configured interval until ctx ends.
// Outside trading hours the tick is skipped unless after-hours checks are
// enabled, which still lets exits through on extended data.
func run(ctx context.Context, cfg *config.Config, cycle *Cycle, log logrus.FieldLogger) {
	ticker := time.NewTicker(cfg.CycleInterval())
	defer ticker.Stop()

	tick := func(now time.Time) {
		if !cfg.IsWithinTradingHours(now) && !cfg.Schedule.AfterHoursCheck {
			log.Debug("outside trading hours, skipping tick")
			return
		}
		cycleCtx, cancel := context.WithTimeout(ctx, cfg.CycleInterval()*3)
		defer cancel()
		if err := cycle.Run(cycleCtx, now); err != nil {
			// Transient broker trouble clears itself; only persistent
			// failures deserve error-level noise.
			if broker.IsTransient(err) {
				log.WithError(err).Warn("trade cycle failed, retrying next tick")
			} else {
				log.WithError(err).Error("trade cycle failed")
			}
		}
	}

	tick(time.Now())
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			tick(now)
		}
	}
}

func newLogger(level string) *logrus.Logger {
	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	log.SetLevel(lvl)
	return log
}
