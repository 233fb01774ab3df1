package materialize

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// Timer runs the materializer on a fixed schedule. The schedule only
// triggers runs; single-flight is still enforced by the store's advisory
// lock, so overlapping timers (or a manual admin run) just skip.
type Timer struct {
	materializer *Materializer
	logger       *slog.Logger
	interval     time.Duration
	stop         chan struct{}
	running      atomic.Bool
	lastAttempt  atomic.Int64 // unix nanos of the most recent run attempt
}

// NewTimer creates a periodic batch worker.
func NewTimer(m *Materializer, interval time.Duration, logger *slog.Logger) *Timer {
	return &Timer{
		materializer: m,
		logger:       logger,
		interval:     interval,
		stop:         make(chan struct{}),
	}
}

// Running reports whether the timer loop is active.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// LastAttempt returns when the scheduler last attempted a batch, zero if
// it has not run yet. Attempts count regardless of outcome: an idle
// stream of empty batches never touches the watermark, so liveness is
// tracked here instead.
func (t *Timer) LastAttempt() time.Time {
	if n := t.lastAttempt.Load(); n != 0 {
		return time.Unix(0, n)
	}
	return time.Time{}
}

// Start runs one immediate batch to drain any backlog from before the
// restart, then ticks until the context is done or Stop is called.
func (t *Timer) Start(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)

	t.safeRun(ctx)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			t.safeRun(ctx)
		}
	}
}

// Stop signals the timer to stop.
func (t *Timer) Stop() {
	select {
	case t.stop <- struct{}{}:
	default:
	}
}

func (t *Timer) safeRun(ctx context.Context) {
	t.lastAttempt.Store(time.Now().UnixNano())
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in materializer batch", "panic", fmt.Sprint(r))
		}
	}()

	res, err := t.materializer.RunIncrementalBatch(ctx, 0)
	if err != nil {
		t.logger.Error("scheduled batch failed", "error", err)
		return
	}
	// A full batch means more rows are likely waiting; keep draining
	// without waiting for the next tick.
	for res.Status == StatusOK && res.RowsParsed >= t.materializer.batchSize {
		select {
		case <-ctx.Done():
			return
		default:
		}
		res, err = t.materializer.RunIncrementalBatch(ctx, 0)
		if err != nil {
			t.logger.Error("scheduled batch failed", "error", err)
			return
		}
	}
}
