package materialize

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"

	"github.com/lib/pq"

	"github.com/mbd888/visitlens/internal/ingest"
)

// PostgresStore implements Store using PostgreSQL. The single-flight
// guarantee comes from pg_try_advisory_xact_lock taken as the first
// statement of the batch transaction: the lock is scoped to the
// transaction, so commit and rollback both release it and a crashed
// runner never wedges the pipeline.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed parsed record store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Compile-time interface check
var _ Store = (*PostgresStore)(nil)

// RunBatch opens one transaction, takes the pipeline's advisory try-lock,
// and runs fn. Returns ErrAlreadyRunning without waiting when another
// transaction holds the lock; any fn error rolls everything back.
func (p *PostgresStore) RunBatch(ctx context.Context, pipeline string, fn func(BatchTx) error) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin batch tx: %w", err)
	}
	defer tx.Rollback()

	var locked bool
	if err := tx.QueryRowContext(ctx,
		`SELECT pg_try_advisory_xact_lock(hashtext($1))`, pipeline,
	).Scan(&locked); err != nil {
		return fmt.Errorf("acquire pipeline lock: %w", err)
	}
	if !locked {
		return ErrAlreadyRunning
	}

	if err := fn(&pgTx{ctx: ctx, tx: tx, pipeline: pipeline}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit batch: %w", err)
	}
	return nil
}

// Watermark returns the pipeline's progress row, zero-valued when the
// pipeline has never committed.
func (p *PostgresStore) Watermark(ctx context.Context, pipeline string) (*Watermark, error) {
	return queryWatermark(ctx, p.db, pipeline)
}

type rowQuerier interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

func queryWatermark(ctx context.Context, q rowQuerier, pipeline string) (*Watermark, error) {
	wm := &Watermark{PipelineName: pipeline}
	var lastRunAt sql.NullTime
	err := q.QueryRowContext(ctx, `
		SELECT last_processed_id, last_run_at, rows_processed
		FROM pipeline_watermarks WHERE pipeline_name = $1
	`, pipeline).Scan(&wm.LastProcessedID, &lastRunAt, &wm.RowsProcessed)
	if err == sql.ErrNoRows {
		return wm, nil
	}
	if err != nil {
		return nil, err
	}
	if lastRunAt.Valid {
		wm.LastRunAt = lastRunAt.Time
	}
	return wm, nil
}

// ListRecent returns up to limit records with bot_score >= minBotScore,
// newest first. A nonzero beforeID is an exclusive upper bound on
// source ID, for cursor pagination.
func (p *PostgresStore) ListRecent(ctx context.Context, limit int, minBotScore int, beforeID int64) ([]*Record, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+recordColumns+`
		FROM parsed_records
		WHERE bot_score >= $1 AND ($3 = 0 OR source_id < $3)
		ORDER BY source_id DESC
		LIMIT $2
	`, minBotScore, limit, beforeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// GetBySourceID retrieves one record.
func (p *PostgresStore) GetBySourceID(ctx context.Context, id int64) (*Record, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+recordColumns+`
		FROM parsed_records WHERE source_id = $1
	`, id)
	r, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, err
	}
	return r, nil
}

// CountRecords returns the total number of parsed records.
func (p *PostgresStore) CountRecords(ctx context.Context) (int64, error) {
	var n int64
	err := p.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM parsed_records`).Scan(&n)
	return n, err
}

// BucketCounts tallies records by display risk bucket. Thresholds here
// mirror scoring.RiskBucket; buckets are derived, never stored.
func (p *PostgresStore) BucketCounts(ctx context.Context) (map[string]int64, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT CASE
			WHEN bot_score < 5 THEN 'likely-human'
			WHEN bot_score < 15 THEN 'low'
			WHEN bot_score < 30 THEN 'medium'
			ELSE 'high'
		END AS bucket, COUNT(*)
		FROM parsed_records
		GROUP BY bucket
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]int64)
	for rows.Next() {
		var bucket string
		var n int64
		if err := rows.Scan(&bucket, &n); err != nil {
			return nil, err
		}
		out[bucket] = n
	}
	return out, rows.Err()
}

// pgTx implements BatchTx over one open transaction.
type pgTx struct {
	ctx      context.Context
	tx       *sql.Tx
	pipeline string
}

func (t *pgTx) Watermark() (*Watermark, error) {
	return queryWatermark(t.ctx, t.tx, t.pipeline)
}

func (t *pgTx) MaxSourceID() (int64, error) {
	var max sql.NullInt64
	err := t.tx.QueryRowContext(t.ctx, `SELECT MAX(source_id) FROM raw_events`).Scan(&max)
	if err != nil {
		return 0, err
	}
	return max.Int64, nil
}

func (t *pgTx) EventsInRange(from, to int64) ([]*ingest.RawEvent, error) {
	rows, err := t.tx.QueryContext(t.ctx, `
		SELECT source_id, ip_address, received_at, signal_blob
		FROM raw_events
		WHERE source_id BETWEEN $1 AND $2
		ORDER BY source_id
	`, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

func (t *pgTx) EventsMissingRecords(limit int) ([]*ingest.RawEvent, error) {
	rows, err := t.tx.QueryContext(t.ctx, `
		SELECT e.source_id, e.ip_address, e.received_at, e.signal_blob
		FROM raw_events e
		LEFT JOIN parsed_records r ON r.source_id = e.source_id
		WHERE r.source_id IS NULL
		ORDER BY e.source_id
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

func scanEvents(rows *sql.Rows) ([]*ingest.RawEvent, error) {
	var events []*ingest.RawEvent
	for rows.Next() {
		ev := &ingest.RawEvent{}
		if err := rows.Scan(&ev.SourceID, &ev.IPAddress, &ev.ReceivedAt, &ev.SignalBlob); err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

func (t *pgTx) InsertRecords(records []*Record) error {
	for _, r := range records {
		if _, err := t.tx.ExecContext(t.ctx, insertRecordSQL, recordArgs(r)...); err != nil {
			return err
		}
	}
	return nil
}

func (t *pgTx) InsertRecordsSkipExisting(records []*Record) (int, error) {
	n := 0
	for _, r := range records {
		res, err := t.tx.ExecContext(t.ctx, insertRecordSQL+` ON CONFLICT (source_id) DO NOTHING`, recordArgs(r)...)
		if err != nil {
			return n, err
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return n, err
		}
		n += int(affected)
	}
	return n, nil
}

func (t *pgTx) AdvanceWatermark(to int64, rows int) error {
	_, err := t.tx.ExecContext(t.ctx, `
		INSERT INTO pipeline_watermarks (pipeline_name, last_processed_id, last_run_at, rows_processed)
		VALUES ($1, $2, NOW(), $3)
		ON CONFLICT (pipeline_name) DO UPDATE SET
			last_processed_id = GREATEST(pipeline_watermarks.last_processed_id, EXCLUDED.last_processed_id),
			last_run_at = NOW(),
			rows_processed = pipeline_watermarks.rows_processed + EXCLUDED.rows_processed
	`, t.pipeline, to, rows)
	return err
}

// recordColumns lists every parsed_records column in the order used by
// recordArgs and scanRecord. The three stay in lockstep.
const recordColumns = `source_id, ip_address, received_at, materialized_at, rule_set_version,
	screen_w, screen_h, avail_w, avail_h, color_depth, pixel_ratio, inner_w, inner_h, outer_w, outer_h,
	language, languages, timezone, timezone_offset,
	user_agent, platform, vendor, hardware_concurrency, device_memory, max_touch_points,
	plugin_count, mime_type_count, cookie_enabled, do_not_track, webdriver, pdf_viewer,
	gl_vendor, gl_renderer,
	canvas_hash, audio_hash, audio_hash2, fonts_hash, font_list,
	conn_type, downlink, rtt, save_data,
	local_storage, session_storage, indexed_db, storage_quota,
	has_chrome, notification_perm, perm_inconsistent, touch_event,
	prefers_dark, prefers_reduced_motion,
	doc_visible, has_focus,
	page_url, referrer, page_title,
	load_time_ms, dom_interactive_ms, heap_limit, heap_used, heap_total,
	blocked_props, cdc_marker, automation,
	ua_brands, ua_mobile, ua_platform,
	dwell_ms, mouse_moves, clicks, key_events, scrolled, scroll_y,
	sample_count, sample_bucket, mouse_entropy, timing_cv, speed_cv,
	hits_in_window, ms_since_last_hit, subnet_ip_count, subnet_hit_count, subnet_alert, rapid_fire,
	bot_score, anomaly_score, bot_flags, cross_signal_flags, behavioral_flags, evasion_signals`

const recordColumnCount = 91

var insertRecordSQL = buildInsertSQL()

func buildInsertSQL() string {
	var b strings.Builder
	b.WriteString("INSERT INTO parsed_records (")
	b.WriteString(recordColumns)
	b.WriteString(") VALUES (")
	for i := 1; i <= recordColumnCount; i++ {
		if i > 1 {
			b.WriteString(", ")
		}
		b.WriteString("$")
		b.WriteString(strconv.Itoa(i))
	}
	b.WriteString(")")
	return b.String()
}

func recordArgs(r *Record) []interface{} {
	return []interface{}{
		r.SourceID, r.IPAddress, r.ReceivedAt, r.MaterializedAt, r.RuleSetVersion,
		r.ScreenW, r.ScreenH, r.AvailW, r.AvailH, r.ColorDepth, r.PixelRatio, r.InnerW, r.InnerH, r.OuterW, r.OuterH,
		r.Language, r.Languages, r.Timezone, r.TimezoneOffset,
		r.UserAgent, r.Platform, r.Vendor, r.HardwareConcurrency, r.DeviceMemory, r.MaxTouchPoints,
		r.PluginCount, r.MimeTypeCount, r.CookieEnabled, r.DoNotTrack, r.Webdriver, r.PDFViewer,
		r.GLVendor, r.GLRenderer,
		r.CanvasHash, r.AudioHash, r.AudioHash2, r.FontsHash, r.FontList,
		r.ConnType, r.Downlink, r.RTT, r.SaveData,
		r.LocalStorage, r.SessionStorage, r.IndexedDB, r.StorageQuota,
		r.HasChrome, r.NotificationPerm, r.PermInconsistent, r.TouchEvent,
		r.PrefersDark, r.PrefersReducedMotion,
		r.DocVisible, r.HasFocus,
		r.PageURL, r.Referrer, r.PageTitle,
		r.LoadTimeMs, r.DOMInteractiveMs, r.HeapLimit, r.HeapUsed, r.HeapTotal,
		r.BlockedProps, r.CdcMarker, r.Automation,
		r.UABrands, r.UAMobile, r.UAPlatform,
		r.DwellMs, r.MouseMoves, r.Clicks, r.KeyEvents, r.Scrolled, r.ScrollY,
		r.SampleCount, r.SampleBucket, r.MouseEntropy, r.TimingCV, r.SpeedCV,
		r.HitsInWindow, r.MsSinceLastHit, r.SubnetIPCount, r.SubnetHitCount, r.SubnetAlert, r.RapidFire,
		r.BotScore, r.AnomalyScore,
		pq.Array(r.BotFlags), pq.Array(r.CrossSignalFlags), pq.Array(r.BehavioralFlags), pq.Array(r.EvasionSignals),
	}
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(row rowScanner) (*Record, error) {
	r := &Record{}
	err := row.Scan(
		&r.SourceID, &r.IPAddress, &r.ReceivedAt, &r.MaterializedAt, &r.RuleSetVersion,
		&r.ScreenW, &r.ScreenH, &r.AvailW, &r.AvailH, &r.ColorDepth, &r.PixelRatio, &r.InnerW, &r.InnerH, &r.OuterW, &r.OuterH,
		&r.Language, &r.Languages, &r.Timezone, &r.TimezoneOffset,
		&r.UserAgent, &r.Platform, &r.Vendor, &r.HardwareConcurrency, &r.DeviceMemory, &r.MaxTouchPoints,
		&r.PluginCount, &r.MimeTypeCount, &r.CookieEnabled, &r.DoNotTrack, &r.Webdriver, &r.PDFViewer,
		&r.GLVendor, &r.GLRenderer,
		&r.CanvasHash, &r.AudioHash, &r.AudioHash2, &r.FontsHash, &r.FontList,
		&r.ConnType, &r.Downlink, &r.RTT, &r.SaveData,
		&r.LocalStorage, &r.SessionStorage, &r.IndexedDB, &r.StorageQuota,
		&r.HasChrome, &r.NotificationPerm, &r.PermInconsistent, &r.TouchEvent,
		&r.PrefersDark, &r.PrefersReducedMotion,
		&r.DocVisible, &r.HasFocus,
		&r.PageURL, &r.Referrer, &r.PageTitle,
		&r.LoadTimeMs, &r.DOMInteractiveMs, &r.HeapLimit, &r.HeapUsed, &r.HeapTotal,
		&r.BlockedProps, &r.CdcMarker, &r.Automation,
		&r.UABrands, &r.UAMobile, &r.UAPlatform,
		&r.DwellMs, &r.MouseMoves, &r.Clicks, &r.KeyEvents, &r.Scrolled, &r.ScrollY,
		&r.SampleCount, &r.SampleBucket, &r.MouseEntropy, &r.TimingCV, &r.SpeedCV,
		&r.HitsInWindow, &r.MsSinceLastHit, &r.SubnetIPCount, &r.SubnetHitCount, &r.SubnetAlert, &r.RapidFire,
		&r.BotScore, &r.AnomalyScore,
		pq.Array(&r.BotFlags), pq.Array(&r.CrossSignalFlags), pq.Array(&r.BehavioralFlags), pq.Array(&r.EvasionSignals),
	)
	if err != nil {
		return nil, err
	}
	return r, nil
}
