package ingest

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory implementation of Store for demo mode and
// testing. Source IDs are assigned from a process-local counter.
type MemoryStore struct {
	mu     sync.RWMutex
	events []*RawEvent
	nextID int64
}

// NewMemoryStore creates a new in-memory raw event store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{nextID: 1}
}

// Compile-time interface check
var _ Store = (*MemoryStore)(nil)

// Append assigns the next source ID and freezes the event.
func (m *MemoryStore) Append(ctx context.Context, ev *RawEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	ev.SourceID = m.nextID
	m.nextID++
	if ev.ReceivedAt.IsZero() {
		ev.ReceivedAt = time.Now().UTC()
	}

	stored := *ev
	m.events = append(m.events, &stored)
	return nil
}

// MaxSourceID returns the highest assigned source ID, 0 when empty.
func (m *MemoryStore) MaxSourceID(ctx context.Context) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if len(m.events) == 0 {
		return 0, nil
	}
	return m.events[len(m.events)-1].SourceID, nil
}

// GetBySourceID retrieves one event.
func (m *MemoryStore) GetBySourceID(ctx context.Context, id int64) (*RawEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, ev := range m.events {
		if ev.SourceID == id {
			copied := *ev
			return &copied, nil
		}
	}
	return nil, ErrEventNotFound
}

// ListRange returns events with source IDs in [from, to], ascending.
func (m *MemoryStore) ListRange(ctx context.Context, from, to int64) ([]*RawEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*RawEvent
	for _, ev := range m.events {
		if ev.SourceID >= from && ev.SourceID <= to {
			copied := *ev
			out = append(out, &copied)
		}
	}
	return out, nil
}

// CountSince counts events received at or after since.
func (m *MemoryStore) CountSince(ctx context.Context, since time.Time) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var n int64
	for _, ev := range m.events {
		if !ev.ReceivedAt.Before(since) {
			n++
		}
	}
	return n, nil
}

// PurgeBefore drops events older than cutoff.
func (m *MemoryStore) PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	kept := m.events[:0]
	var removed int64
	for _, ev := range m.events {
		if ev.ReceivedAt.Before(cutoff) {
			removed++
			continue
		}
		kept = append(kept, ev)
	}
	m.events = kept
	return removed, nil
}
