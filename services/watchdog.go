package services

import (
	"context"
	"time"

	"psamonitor/metrics"

	"go.uber.org/zap"
)

// StalenessWatchdog periodically forces silent lines to unknown,
// independently of reading arrival.
type StalenessWatchdog struct {
	evaluator *AlarmEvaluator
	interval  time.Duration
	logger    *zap.Logger
	done      chan struct{}
}

func NewStalenessWatchdog(evaluator *AlarmEvaluator, interval time.Duration, logger *zap.Logger) *StalenessWatchdog {
	return &StalenessWatchdog{
		evaluator: evaluator,
		interval:  interval,
		logger:    logger,
		done:      make(chan struct{}),
	}
}

// Start runs the checker until ctx is cancelled.
func (w *StalenessWatchdog) Start(ctx context.Context) {
	defer close(w.done)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.logger.Info("Staleness watchdog started",
		zap.Duration("interval", w.interval),
		zap.Duration("timeout", w.evaluator.staleAfter))

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Staleness watchdog stopped")
			return
		case <-ticker.C:
			w.check(ctx)
		}
	}
}

func (w *StalenessWatchdog) check(ctx context.Context) {
	events := w.evaluator.ExpireStale(ctx)
	if len(events) > 0 {
		w.logger.Info("Stale lines moved to unknown", zap.Int("lines", len(events)))
	}
	metrics.SetLinesByLevel(w.evaluator.LevelCounts())
}

// Done is closed once Start has returned.
func (w *StalenessWatchdog) Done() <-chan struct{} {
	return w.done
}
