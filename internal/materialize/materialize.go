// Package materialize is the incremental pipeline that turns frozen raw
// events into scored, typed records exactly once. Progress is tracked by a
// per-pipeline watermark; a non-blocking advisory lock keeps the job
// single-flight; every batch commits atomically, so any mid-batch failure
// rolls back both the inserted records and the watermark and the next run
// retries the identical range.
package materialize

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mbd888/visitlens/internal/ingest"
	"github.com/mbd888/visitlens/internal/metrics"
	"github.com/mbd888/visitlens/internal/scoring"
	"github.com/mbd888/visitlens/internal/signal"
	"github.com/mbd888/visitlens/internal/traces"
)

var (
	// ErrAlreadyRunning means another runner holds the pipeline lock.
	// A skip, not a failure.
	ErrAlreadyRunning = errors.New("pipeline batch already running")

	ErrRecordNotFound = errors.New("parsed record not found")
)

// Batch outcome statuses.
const (
	StatusOK      = "ok"
	StatusEmpty   = "empty"
	StatusSkipped = "skipped"
)

// Watermark is one pipeline's progress row. LastProcessedID never
// decreases; RowsProcessed is cumulative across all batches.
type Watermark struct {
	PipelineName    string    `json:"pipelineName"`
	LastProcessedID int64     `json:"lastProcessedId"`
	LastRunAt       time.Time `json:"lastRunAt"`
	RowsProcessed   int64     `json:"rowsProcessed"`
}

// BatchResult reports one incremental run.
type BatchResult struct {
	Status     string `json:"status"`
	RowsParsed int    `json:"rowsParsed"`
	FromID     int64  `json:"fromId,omitempty"`
	ToID       int64  `json:"toId,omitempty"`
}

// BackfillResult reports one backfill run.
type BackfillResult struct {
	RowsInserted int `json:"rowsInserted"`
}

// BatchTx is the unit of work inside one atomic, lock-holding batch
// transaction. Nothing written through it is visible until the
// surrounding RunBatch commits.
type BatchTx interface {
	Watermark() (*Watermark, error)
	MaxSourceID() (int64, error)
	EventsInRange(from, to int64) ([]*ingest.RawEvent, error)
	InsertRecords(records []*Record) error
	AdvanceWatermark(to int64, rows int) error

	// Backfill path: events with no parsed record yet, and guarded
	// inserts that skip rows another run got to first.
	EventsMissingRecords(limit int) ([]*ingest.RawEvent, error)
	InsertRecordsSkipExisting(records []*Record) (int, error)
}

// Store persists parsed records and watermarks. RunBatch acquires the
// pipeline's non-blocking advisory lock, runs fn inside one transaction,
// and commits only if fn returns nil; a contended lock returns
// ErrAlreadyRunning immediately, never waits.
type Store interface {
	RunBatch(ctx context.Context, pipeline string, fn func(BatchTx) error) error

	// Read side, outside any batch. beforeID is an exclusive upper bound
	// on source ID for cursor pagination; 0 means newest first.
	Watermark(ctx context.Context, pipeline string) (*Watermark, error)
	ListRecent(ctx context.Context, limit int, minBotScore int, beforeID int64) ([]*Record, error)
	GetBySourceID(ctx context.Context, id int64) (*Record, error)
	CountRecords(ctx context.Context) (int64, error)
	BucketCounts(ctx context.Context) (map[string]int64, error)
}

// Materializer orchestrates incremental batches and backfills over a
// Store, invoking the scoring engine once per row.
type Materializer struct {
	store     Store
	engine    *scoring.Engine
	pipeline  string
	batchSize int
	logger    *slog.Logger
	notify    func([]*Record)
}

// Option configures a Materializer.
type Option func(*Materializer)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Materializer) { m.logger = l }
}

// WithNotify registers a hook called with each committed batch's records,
// after commit. Used for the live dashboard feed.
func WithNotify(fn func([]*Record)) Option {
	return func(m *Materializer) { m.notify = fn }
}

// New creates a Materializer for the named pipeline.
func New(store Store, pipeline string, batchSize int, opts ...Option) *Materializer {
	m := &Materializer{
		store:     store,
		engine:    scoring.NewEngine(),
		pipeline:  pipeline,
		batchSize: batchSize,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// RunIncrementalBatch claims the range (watermark, watermark+batchSize],
// capped at the highest known source ID, scores it, and commits records
// plus the advanced watermark atomically. An empty range is a no-op that
// leaves the watermark untouched; lock contention returns a skipped
// result, not an error.
func (m *Materializer) RunIncrementalBatch(ctx context.Context, batchSize int) (*BatchResult, error) {
	if batchSize <= 0 {
		batchSize = m.batchSize
	}

	ctx, span := traces.StartSpan(ctx, "materialize.batch", traces.Pipeline(m.pipeline))
	defer span.End()

	start := time.Now()
	result := &BatchResult{Status: StatusEmpty}
	var committed []*Record

	err := m.store.RunBatch(ctx, m.pipeline, func(tx BatchTx) error {
		wm, err := tx.Watermark()
		if err != nil {
			return fmt.Errorf("read watermark: %w", err)
		}
		max, err := tx.MaxSourceID()
		if err != nil {
			return fmt.Errorf("read max source id: %w", err)
		}

		from := wm.LastProcessedID + 1
		if from > max {
			return nil
		}
		to := from + int64(batchSize) - 1
		if to > max {
			to = max
		}

		events, err := tx.EventsInRange(from, to)
		if err != nil {
			return fmt.Errorf("read events [%d,%d]: %w", from, to, err)
		}

		now := time.Now().UTC()
		records := make([]*Record, 0, len(events))
		for _, ev := range events {
			signals := signal.Decode(ev.SignalBlob)
			records = append(records, BuildRecord(ev, signals, m.engine.Score(signals), now))
		}

		if err := tx.InsertRecords(records); err != nil {
			return fmt.Errorf("insert records: %w", err)
		}
		// Gaps in the source sequence still advance the watermark to the
		// end of the claimed range.
		if err := tx.AdvanceWatermark(to, len(records)); err != nil {
			return fmt.Errorf("advance watermark: %w", err)
		}

		result.Status = StatusOK
		result.RowsParsed = len(records)
		result.FromID = from
		result.ToID = to
		committed = records
		return nil
	})

	if errors.Is(err, ErrAlreadyRunning) {
		metrics.LockContentionTotal.Inc()
		metrics.BatchRunsTotal.WithLabelValues(StatusSkipped).Inc()
		m.logger.Debug("batch skipped, already running", "pipeline", m.pipeline)
		return &BatchResult{Status: StatusSkipped}, nil
	}
	if err != nil {
		metrics.BatchRunsTotal.WithLabelValues("error").Inc()
		return nil, err
	}

	span.SetAttributes(traces.BatchFrom(result.FromID), traces.BatchTo(result.ToID),
		traces.RowCount(result.RowsParsed))
	metrics.BatchRunsTotal.WithLabelValues(result.Status).Inc()
	metrics.BatchDuration.Observe(time.Since(start).Seconds())
	if result.Status == StatusOK {
		metrics.RowsMaterializedTotal.Add(float64(result.RowsParsed))
		for _, r := range committed {
			metrics.BotScore.Observe(float64(r.BotScore))
		}
		m.logger.Info("batch materialized",
			"pipeline", m.pipeline,
			"from", result.FromID,
			"to", result.ToID,
			"rows", result.RowsParsed,
			"duration", time.Since(start))
		if m.notify != nil {
			m.notify(committed)
		}
	}
	return result, nil
}

// RunBackfill materializes every raw event that has no parsed record,
// ignoring the watermark. Each chunk commits separately and every insert
// is guarded by an existence check, so re-running after any interruption
// inserts only what is still missing.
func (m *Materializer) RunBackfill(ctx context.Context) (*BackfillResult, error) {
	ctx, span := traces.StartSpan(ctx, "materialize.backfill", traces.Pipeline(m.pipeline))
	defer span.End()

	total := 0
	for {
		select {
		case <-ctx.Done():
			return &BackfillResult{RowsInserted: total}, ctx.Err()
		default:
		}

		var inserted, found int
		err := m.store.RunBatch(ctx, m.pipeline, func(tx BatchTx) error {
			events, err := tx.EventsMissingRecords(m.batchSize)
			if err != nil {
				return fmt.Errorf("find unmaterialized events: %w", err)
			}
			found = len(events)
			if found == 0 {
				return nil
			}

			now := time.Now().UTC()
			records := make([]*Record, 0, len(events))
			for _, ev := range events {
				signals := signal.Decode(ev.SignalBlob)
				records = append(records, BuildRecord(ev, signals, m.engine.Score(signals), now))
			}

			inserted, err = tx.InsertRecordsSkipExisting(records)
			if err != nil {
				return fmt.Errorf("insert records: %w", err)
			}
			// Pull the watermark up past anything backfilled ahead of it,
			// otherwise the next incremental run would re-claim those rows
			// and trip the uniqueness constraint. Advancing is monotonic,
			// so gap backfills below the watermark leave it alone.
			last := events[len(events)-1].SourceID
			if err := tx.AdvanceWatermark(last, inserted); err != nil {
				return fmt.Errorf("advance watermark: %w", err)
			}
			return nil
		})
		if errors.Is(err, ErrAlreadyRunning) {
			metrics.LockContentionTotal.Inc()
			return &BackfillResult{RowsInserted: total}, ErrAlreadyRunning
		}
		if err != nil {
			return nil, err
		}
		total += inserted
		if found == 0 {
			break
		}
	}

	if total > 0 {
		metrics.RowsMaterializedTotal.Add(float64(total))
		m.logger.Info("backfill complete", "pipeline", m.pipeline, "rows", total)
	}
	return &BackfillResult{RowsInserted: total}, nil
}

// PipelineStatus is the admin view of pipeline progress.
type PipelineStatus struct {
	Watermark   *Watermark `json:"watermark"`
	RecordCount int64      `json:"recordCount"`
}

// Status reports the current watermark and record count.
func (m *Materializer) Status(ctx context.Context) (*PipelineStatus, error) {
	wm, err := m.store.Watermark(ctx, m.pipeline)
	if err != nil {
		return nil, err
	}
	n, err := m.store.CountRecords(ctx)
	if err != nil {
		return nil, err
	}
	return &PipelineStatus{Watermark: wm, RecordCount: n}, nil
}
