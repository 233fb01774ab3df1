package materialize

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/mbd888/visitlens/internal/ingest"
	"github.com/mbd888/visitlens/internal/scoring"
)

// MemoryStore is an in-memory implementation of Store for demo mode and
// testing, backed by an in-memory raw event store. Batch writes are
// staged inside the transaction callback and applied only on commit,
// mirroring the rollback guarantee of the Postgres store.
type MemoryStore struct {
	raw *ingest.MemoryStore

	mu         sync.RWMutex
	records    map[int64]*Record
	order      []int64
	watermarks map[string]*Watermark

	locks sync.Map // map[string]*sync.Mutex, one advisory lock per pipeline
}

// NewMemoryStore creates a memory store reading raw events from raw.
func NewMemoryStore(raw *ingest.MemoryStore) *MemoryStore {
	return &MemoryStore{
		raw:        raw,
		records:    make(map[int64]*Record),
		watermarks: make(map[string]*Watermark),
	}
}

// Compile-time interface check
var _ Store = (*MemoryStore)(nil)

func (m *MemoryStore) pipelineLock(pipeline string) *sync.Mutex {
	v, _ := m.locks.LoadOrStore(pipeline, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// RunBatch takes the pipeline's try-lock, runs fn against a staging
// transaction, and applies the staged writes only when fn succeeds.
func (m *MemoryStore) RunBatch(ctx context.Context, pipeline string, fn func(BatchTx) error) error {
	lock := m.pipelineLock(pipeline)
	if !lock.TryLock() {
		return ErrAlreadyRunning
	}
	defer lock.Unlock()

	tx := &memoryTx{store: m, pipeline: pipeline}
	if err := fn(tx); err != nil {
		return err
	}
	return m.commit(tx)
}

func (m *MemoryStore) commit(tx *memoryTx) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, r := range tx.staged {
		if _, exists := m.records[r.SourceID]; exists {
			return fmt.Errorf("duplicate parsed record for source id %d", r.SourceID)
		}
	}
	for _, r := range tx.staged {
		copied := *r
		m.records[r.SourceID] = &copied
		m.order = append(m.order, r.SourceID)
	}

	if tx.advanceTo > 0 {
		wm := m.watermarks[tx.pipeline]
		if wm == nil {
			wm = &Watermark{PipelineName: tx.pipeline}
			m.watermarks[tx.pipeline] = wm
		}
		if tx.advanceTo > wm.LastProcessedID {
			wm.LastProcessedID = tx.advanceTo
		}
		wm.LastRunAt = time.Now().UTC()
		wm.RowsProcessed += int64(tx.advanceRows)
	}
	return nil
}

// Watermark returns the pipeline's progress row, zero-valued when the
// pipeline has never committed.
func (m *MemoryStore) Watermark(ctx context.Context, pipeline string) (*Watermark, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if wm, ok := m.watermarks[pipeline]; ok {
		copied := *wm
		return &copied, nil
	}
	return &Watermark{PipelineName: pipeline}, nil
}

// ListRecent returns up to limit records with BotScore >= minBotScore,
// newest first. A nonzero beforeID skips records at or above that
// source ID, for cursor pagination.
func (m *MemoryStore) ListRecent(ctx context.Context, limit int, minBotScore int, beforeID int64) ([]*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]int64, len(m.order))
	copy(ids, m.order)
	sort.Slice(ids, func(i, j int) bool { return ids[i] > ids[j] })

	out := make([]*Record, 0, limit)
	for _, id := range ids {
		if len(out) >= limit {
			break
		}
		if beforeID > 0 && id >= beforeID {
			continue
		}
		r := m.records[id]
		if r.BotScore >= minBotScore {
			copied := *r
			out = append(out, &copied)
		}
	}
	return out, nil
}

// GetBySourceID retrieves one record.
func (m *MemoryStore) GetBySourceID(ctx context.Context, id int64) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if r, ok := m.records[id]; ok {
		copied := *r
		return &copied, nil
	}
	return nil, ErrRecordNotFound
}

// CountRecords returns the total number of parsed records.
func (m *MemoryStore) CountRecords(ctx context.Context) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return int64(len(m.records)), nil
}

// BucketCounts tallies records by display risk bucket.
func (m *MemoryStore) BucketCounts(ctx context.Context) (map[string]int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]int64)
	for _, r := range m.records {
		out[scoring.RiskBucket(r.BotScore)]++
	}
	return out, nil
}

// memoryTx stages one batch's writes. Reads see committed state only.
type memoryTx struct {
	store    *MemoryStore
	pipeline string

	staged      []*Record
	advanceTo   int64
	advanceRows int
}

func (t *memoryTx) Watermark() (*Watermark, error) {
	return t.store.Watermark(context.Background(), t.pipeline)
}

func (t *memoryTx) MaxSourceID() (int64, error) {
	return t.store.raw.MaxSourceID(context.Background())
}

func (t *memoryTx) EventsInRange(from, to int64) ([]*ingest.RawEvent, error) {
	return t.store.raw.ListRange(context.Background(), from, to)
}

func (t *memoryTx) InsertRecords(records []*Record) error {
	t.staged = append(t.staged, records...)
	return nil
}

func (t *memoryTx) AdvanceWatermark(to int64, rows int) error {
	t.advanceTo = to
	t.advanceRows = rows
	return nil
}

func (t *memoryTx) EventsMissingRecords(limit int) ([]*ingest.RawEvent, error) {
	max, err := t.store.raw.MaxSourceID(context.Background())
	if err != nil {
		return nil, err
	}
	all, err := t.store.raw.ListRange(context.Background(), 1, max)
	if err != nil {
		return nil, err
	}

	t.store.mu.RLock()
	defer t.store.mu.RUnlock()

	var out []*ingest.RawEvent
	for _, ev := range all {
		if len(out) >= limit {
			break
		}
		if _, exists := t.store.records[ev.SourceID]; !exists {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (t *memoryTx) InsertRecordsSkipExisting(records []*Record) (int, error) {
	t.store.mu.RLock()
	defer t.store.mu.RUnlock()

	n := 0
	for _, r := range records {
		if _, exists := t.store.records[r.SourceID]; exists {
			continue
		}
		t.staged = append(t.staged, r)
		n++
	}
	return n, nil
}
