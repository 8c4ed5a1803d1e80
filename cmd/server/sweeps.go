package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/digkill/restyle/internal/config"
	"github.com/digkill/restyle/internal/service"
	"github.com/digkill/restyle/internal/worker"
)

// scheduleSweeps registers the stale-claim reclaim and the trial expiry sweep.
// SkipIfStillRunning keeps a slow run from overlapping the next tick.
func scheduleSweeps(cfg config.Config, logr *slog.Logger, w *worker.Worker, ledger *service.LedgerService) (*cron.Cron, error) {
	cl := cronLogger{log: logr}
	c := cron.New(cron.WithLogger(cl), cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)))

	if _, err := c.AddFunc(cfg.ReclaimSchedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		n, err := w.ReclaimStale(ctx)
		if err != nil {
			logr.Error("[CRON] reclaim stale jobs", "err", err)
			return
		}
		if n > 0 {
			logr.Info("[CRON] reclaimed stale jobs", "count", n)
		}
	}); err != nil {
		return nil, fmt.Errorf("reclaim schedule %q: %w", cfg.ReclaimSchedule, err)
	}

	if _, err := c.AddFunc(cfg.TrialSweepSchedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if _, err := ledger.ExpireTrials(ctx); err != nil {
			logr.Error("[CRON] expire trials", "err", err)
		}
	}); err != nil {
		return nil, fmt.Errorf("trial sweep schedule %q: %w", cfg.TrialSweepSchedule, err)
	}
	return c, nil
}

// cronLogger routes the scheduler's own messages, recovered panics included,
// through slog. Its routine scheduling chatter goes to debug.
type cronLogger struct {
	log *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug("[CRON] "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error("[CRON] "+msg, append(keysAndValues, "err", err)...)
}
