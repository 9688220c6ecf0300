package fraud

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mbd888/riskwatch/internal/metrics"
)

// RetentionSweeper periodically deletes activity history older than the
// retention window. Retention shorter than HistoryWindow starves the
// location and time-pattern evaluators.
type RetentionSweeper struct {
	store     HistoryPruner
	retention time.Duration
	interval  time.Duration
	now       func() time.Time
	logger    *slog.Logger
	stop      chan struct{}
	stopOnce  sync.Once
	running   atomic.Bool
}

// NewRetentionSweeper creates a sweeper. It does nothing until Start.
func NewRetentionSweeper(store HistoryPruner, retention, interval time.Duration, logger *slog.Logger) *RetentionSweeper {
	if logger == nil {
		logger = slog.Default()
	}
	return &RetentionSweeper{
		store:     store,
		retention: retention,
		interval:  interval,
		now:       time.Now,
		logger:    logger,
		stop:      make(chan struct{}),
	}
}

// Running reports whether the sweep loop is active.
func (r *RetentionSweeper) Running() bool {
	return r.running.Load()
}

// Start runs the sweep loop until ctx is done or Stop is called. Call in a
// goroutine.
func (r *RetentionSweeper) Start(ctx context.Context) {
	r.running.Store(true)
	defer r.running.Store(false)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stop:
			return
		case <-ticker.C:
			r.safeSweep(ctx)
		}
	}
}

// Stop signals the loop to exit.
func (r *RetentionSweeper) Stop() {
	r.stopOnce.Do(func() { close(r.stop) })
}

func (r *RetentionSweeper) safeSweep(ctx context.Context) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("panic in retention sweeper", "panic", fmt.Sprint(rec))
		}
	}()

	if _, err := r.Sweep(ctx); err != nil {
		r.logger.Warn("history retention sweep failed", "error", err)
	}
}

// Sweep deletes history older than the retention window once.
func (r *RetentionSweeper) Sweep(ctx context.Context) (int64, error) {
	cutoff := r.now().Add(-r.retention)
	n, err := r.store.PruneHistory(ctx, cutoff)
	if err != nil {
		metrics.StoreErrorsTotal.WithLabelValues("history", "prune").Inc()
		return 0, err
	}
	metrics.HistoryPrunedTotal.Add(float64(n))
	if n > 0 {
		r.logger.Info("pruned activity history", "events", n, "cutoff", cutoff)
	}
	return n, nil
}
