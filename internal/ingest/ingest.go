// Package ingest is the append-only raw visit sink. The collector script
// fires one request per visit carrying a flat URL-encoded signal map; we
// enrich it with IP-behavior signals, freeze it as an opaque blob, and
// assign a monotonic source ID. Nothing here scores or parses signals
// beyond re-encoding; materialization happens later, out of band.
package ingest

import (
	"context"
	"errors"
	"time"
)

var ErrEventNotFound = errors.New("raw event not found")

// RawEvent is one frozen visit. Immutable once appended.
type RawEvent struct {
	SourceID   int64     `json:"sourceId"`
	IPAddress  string    `json:"ipAddress"`
	ReceivedAt time.Time `json:"receivedAt"`
	SignalBlob string    `json:"-"`
}

// Store persists raw events. Append assigns SourceID in arrival order;
// concurrent appenders need no further coordination.
type Store interface {
	Append(ctx context.Context, ev *RawEvent) error
	MaxSourceID(ctx context.Context) (int64, error)
	GetBySourceID(ctx context.Context, id int64) (*RawEvent, error)
	CountSince(ctx context.Context, since time.Time) (int64, error)

	// PurgeBefore deletes events received before cutoff and returns how
	// many were removed. Retention housekeeping only.
	PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error)
}
