package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/vacantcourt/backend/internal/availability"
	"github.com/vacantcourt/backend/internal/bootstrap"
	"github.com/vacantcourt/backend/internal/config"
	"github.com/vacantcourt/backend/internal/sweeper"
	"github.com/vacantcourt/backend/pkg/logger"
	"go.uber.org/zap"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Printf("failed to load config: %v", err)
		return 1
	}
	zl, err := logger.New(cfg.Log)
	if err != nil {
		log.Printf("failed to build logger: %v", err)
		return 1
	}
	defer zl.Sync()

	// nothing is dialed before the configuration is known to be complete
	if err := cfg.ValidateForSweeper(); err != nil {
		zl.Error("invalid configuration", zap.Error(err))
		return 1
	}
	predicate, err := availability.ByName(cfg.Job.Predicate)
	if err != nil {
		zl.Error("invalid configuration", zap.Error(err))
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, redisClient, err := bootstrap.OpenStore(ctx, cfg, zl)
	if err != nil {
		zl.Error("failed to open store", zap.Error(err))
		return 1
	}
	defer st.Close()

	dispatcher, err := bootstrap.NewDispatcher(cfg, zl)
	if err != nil {
		zl.Error("failed to set up email transport", zap.Error(err))
		return 1
	}
	defer dispatcher.Close()

	ledger, closeLedger, err := bootstrap.SentLedger(ctx, cfg, redisClient, zl)
	if err != nil {
		zl.Error("failed to set up sent ledger", zap.Error(err))
		return 1
	}
	defer closeLedger()

	sw := sweeper.New(st, st, dispatcher, sweeper.Options{
		SiteBaseURL:  cfg.Site.BaseURL,
		Concurrency:  cfg.Job.Concurrency,
		Predicate:    predicate,
		PurgeInvalid: cfg.Job.PurgeInvalid,
		Ledger:       ledger,
	}, zl)

	if cfg.Job.Schedule <= 0 {
		sum, err := sweepOnce(ctx, sw, cfg.Job.Timeout)
		if err != nil {
			zl.Error("sweep failed", zap.Error(err))
			return 1
		}
		fmt.Println(sum.String())
		return 0
	}

	runScheduled(ctx, sw, cfg.Job, zl)
	return 0
}

func sweepOnce(ctx context.Context, sw *sweeper.Sweeper, budget time.Duration) (sweeper.Summary, error) {
	if budget > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, budget)
		defer cancel()
	}
	return sw.Run(ctx)
}

// runScheduled sweeps on every tick until ctx is cancelled. A tick that
// arrives while the previous sweep is still running is skipped.
func runScheduled(ctx context.Context, sw *sweeper.Sweeper, job config.JobConfig, zl *zap.Logger) {
	var (
		running atomic.Bool
		wg      sync.WaitGroup
	)
	tick := func() {
		if !running.CompareAndSwap(false, true) {
			zl.Warn("previous sweep still running, skipping tick")
			return
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer running.Store(false)
			sum, err := sweepOnce(ctx, sw, job.Timeout)
			if err != nil {
				zl.Error("sweep failed", zap.Error(err))
				return
			}
			zl.Info("sweep summary", zap.String("summary", sum.String()))
		}()
	}

	zl.Info("sweeper started", zap.Duration("schedule", job.Schedule), zap.Duration("timeout", job.Timeout))
	ticker := time.NewTicker(job.Schedule)
	defer ticker.Stop()

	tick()
	for {
		select {
		case <-ctx.Done():
			zl.Info("shutting down, waiting for the running sweep")
			wg.Wait()
			return
		case <-ticker.C:
			tick()
		}
	}
}
