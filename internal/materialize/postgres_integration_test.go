package materialize

import (
	"context"
	"fmt"
	"net/url"
	"testing"
	"time"

	"github.com/mbd888/visitlens/internal/ingest"
	"github.com/mbd888/visitlens/internal/testutil"
)

func seedPostgresEvents(t *testing.T, store *ingest.PostgresStore, n int) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < n; i++ {
		v := url.Values{}
		v.Set("ua", fmt.Sprintf("Mozilla/5.0 (X11; Linux x86_64) Gecko/20100101 Firefox/128.0 visit %d", i))
		v.Set("sw", "1920")
		v.Set("sh", "1080")
		if i%3 == 0 {
			v.Set("webdriver", "1")
		}
		ev := &ingest.RawEvent{
			IPAddress:  fmt.Sprintf("198.51.100.%d", i%250),
			ReceivedAt: time.Now().UTC(),
			SignalBlob: v.Encode(),
		}
		if err := store.Append(ctx, ev); err != nil {
			t.Fatalf("append event %d: %v", i, err)
		}
	}
}

func TestPostgresIncrementalBatch(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	ctx := context.Background()
	raw := ingest.NewPostgresStore(db)
	seedPostgresEvents(t, raw, 6)

	store := NewPostgresStore(db)
	m := New(store, "pg_test_pipeline", 100)

	res, err := m.RunIncrementalBatch(ctx, 0)
	if err != nil {
		t.Fatalf("RunIncrementalBatch: %v", err)
	}
	if res.Status != StatusOK || res.RowsParsed != 6 {
		t.Fatalf("unexpected result: %+v", res)
	}

	wm, err := store.Watermark(ctx, "pg_test_pipeline")
	if err != nil {
		t.Fatalf("Watermark: %v", err)
	}
	if wm.LastProcessedID != res.ToID || wm.RowsProcessed != 6 {
		t.Errorf("watermark = %+v, want last=%d rows=6", wm, res.ToID)
	}

	// Records round-trip through the 91-column insert and scan.
	r, err := store.GetBySourceID(ctx, res.FromID)
	if err != nil {
		t.Fatalf("GetBySourceID: %v", err)
	}
	if r.UserAgent == nil || *r.UserAgent == "" {
		t.Error("user agent not persisted")
	}
	if r.ScreenW == nil || *r.ScreenW != 1920 {
		t.Error("screen width not persisted")
	}
	if r.BotScore < 10 {
		t.Errorf("webdriver event scored %d, want >= 10", r.BotScore)
	}

	// A second run sees nothing new.
	res, err = m.RunIncrementalBatch(ctx, 0)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if res.Status != StatusEmpty {
		t.Errorf("second run status = %q, want empty", res.Status)
	}
}

func TestPostgresAdvisoryLockSkipsConcurrentRun(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	ctx := context.Background()
	raw := ingest.NewPostgresStore(db)
	seedPostgresEvents(t, raw, 3)

	// Hold the pipeline lock from a second session.
	blocker, err := db.BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("begin blocker tx: %v", err)
	}
	defer blocker.Rollback()

	var locked bool
	if err := blocker.QueryRowContext(ctx,
		`SELECT pg_try_advisory_xact_lock(hashtext($1))`, "pg_lock_pipeline",
	).Scan(&locked); err != nil {
		t.Fatalf("acquire blocker lock: %v", err)
	}
	if !locked {
		t.Fatal("blocker could not take the lock")
	}

	store := NewPostgresStore(db)
	m := New(store, "pg_lock_pipeline", 100)

	res, err := m.RunIncrementalBatch(ctx, 0)
	if err != nil {
		t.Fatalf("RunIncrementalBatch: %v", err)
	}
	if res.Status != StatusSkipped {
		t.Errorf("status = %q, want skipped while lock held", res.Status)
	}

	// Release the lock; the next run processes everything.
	if err := blocker.Rollback(); err != nil {
		t.Fatalf("release blocker lock: %v", err)
	}

	res, err = m.RunIncrementalBatch(ctx, 0)
	if err != nil {
		t.Fatalf("run after release: %v", err)
	}
	if res.Status != StatusOK || res.RowsParsed != 3 {
		t.Errorf("run after release = %+v, want 3 rows", res)
	}
}

func TestPostgresBackfillSkipsExisting(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	ctx := context.Background()
	raw := ingest.NewPostgresStore(db)
	seedPostgresEvents(t, raw, 5)

	store := NewPostgresStore(db)
	m := New(store, "pg_backfill_pipeline", 2)

	res, err := m.RunBackfill(ctx)
	if err != nil {
		t.Fatalf("RunBackfill: %v", err)
	}
	if res.RowsInserted != 5 {
		t.Errorf("RowsInserted = %d, want 5", res.RowsInserted)
	}

	// Everything already has a record.
	res, err = m.RunBackfill(ctx)
	if err != nil {
		t.Fatalf("second backfill: %v", err)
	}
	if res.RowsInserted != 0 {
		t.Errorf("second backfill inserted %d rows, want 0", res.RowsInserted)
	}

	// Backfill advanced the watermark, so an incremental run is a no-op
	// instead of a conflict.
	batch, err := m.RunIncrementalBatch(ctx, 0)
	if err != nil {
		t.Fatalf("incremental after backfill: %v", err)
	}
	if batch.Status != StatusEmpty {
		t.Errorf("incremental after backfill = %q, want empty", batch.Status)
	}
}
