package ingest

import (
	"context"
	"database/sql"
	"time"
)

// PostgresStore implements Store using PostgreSQL. source_id is a
// BIGSERIAL, so arrival order is assigned by the database and concurrent
// ingestion needs no application-side coordination.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed raw event store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Compile-time interface check
var _ Store = (*PostgresStore)(nil)

// Append inserts the event and fills in the assigned source ID.
func (p *PostgresStore) Append(ctx context.Context, ev *RawEvent) error {
	if ev.ReceivedAt.IsZero() {
		ev.ReceivedAt = time.Now().UTC()
	}
	return p.db.QueryRowContext(ctx, `
		INSERT INTO raw_events (ip_address, received_at, signal_blob)
		VALUES ($1, $2, $3)
		RETURNING source_id
	`, ev.IPAddress, ev.ReceivedAt, ev.SignalBlob).Scan(&ev.SourceID)
}

// MaxSourceID returns the highest assigned source ID, 0 when empty.
func (p *PostgresStore) MaxSourceID(ctx context.Context) (int64, error) {
	var max sql.NullInt64
	err := p.db.QueryRowContext(ctx, `SELECT MAX(source_id) FROM raw_events`).Scan(&max)
	if err != nil {
		return 0, err
	}
	return max.Int64, nil
}

// GetBySourceID retrieves one event.
func (p *PostgresStore) GetBySourceID(ctx context.Context, id int64) (*RawEvent, error) {
	ev := &RawEvent{}
	err := p.db.QueryRowContext(ctx, `
		SELECT source_id, ip_address, received_at, signal_blob
		FROM raw_events WHERE source_id = $1
	`, id).Scan(&ev.SourceID, &ev.IPAddress, &ev.ReceivedAt, &ev.SignalBlob)
	if err == sql.ErrNoRows {
		return nil, ErrEventNotFound
	}
	if err != nil {
		return nil, err
	}
	return ev, nil
}

// CountSince counts events received at or after since.
func (p *PostgresStore) CountSince(ctx context.Context, since time.Time) (int64, error) {
	var n int64
	err := p.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM raw_events WHERE received_at >= $1
	`, since).Scan(&n)
	return n, err
}

// PurgeBefore deletes events received before cutoff.
func (p *PostgresStore) PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := p.db.ExecContext(ctx, `
		DELETE FROM raw_events WHERE received_at < $1
	`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
