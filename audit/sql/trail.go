// Package sql provides a modernc.org/sqlite-backed audit.ITrail, durable
// across restarts and queryable with a plain SQL index on (saga_id, seq).
package sql

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"partnersaga/audit"
)

// FsyncPolicy controls how aggressively the trail forces records to
// disk, trading durability for throughput.
type FsyncPolicy string

const (
	// FsyncAlways issues PRAGMA synchronous=FULL: every Append is
	// durable before it returns.
	FsyncAlways FsyncPolicy = "always"
	// FsyncBatched issues PRAGMA synchronous=NORMAL and commits a
	// batch of records together every BatchSize records or
	// BatchInterval, whichever comes first.
	FsyncBatched FsyncPolicy = "batched"
	// FsyncNever issues PRAGMA synchronous=OFF: fastest, but a crash
	// can lose recently appended records.
	FsyncNever FsyncPolicy = "never"
)

// Config configures the SQL trail.
type Config struct {
	DSN           string // e.g. "file:audit.db?cache=shared"
	Conn          *sql.DB
	FsyncPolicy   FsyncPolicy
	BatchSize     int
	BatchInterval time.Duration
	TableName     string
}

// Trail is a sqlite-backed audit.ITrail.
type Trail struct {
	db        *sql.DB
	ownsDB    bool
	table     string
	policy    FsyncPolicy
	batchSize int
	batchEvery time.Duration

	mu      sync.Mutex
	pending []pendingRecord
	flushAt time.Time
}

type pendingRecord struct {
	rec  audit.Record
	seq  int64
	done chan error
}

// New opens (or reuses) a sqlite connection and ensures the audit table
// exists.
func New(ctx context.Context, cfg Config) (*Trail, error) {
	if cfg.TableName == "" {
		cfg.TableName = "audit_records"
	}
	if cfg.FsyncPolicy == "" {
		cfg.FsyncPolicy = FsyncAlways
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.BatchInterval <= 0 {
		cfg.BatchInterval = 200 * time.Millisecond
	}

	db := cfg.Conn
	owns := false
	if db == nil {
		dsn := cfg.DSN
		if dsn == "" {
			dsn = "file::memory:?cache=shared"
		}
		var err error
		db, err = sql.Open("sqlite", dsn)
		if err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		owns = true
	}

	synchronous := "FULL"
	switch cfg.FsyncPolicy {
	case FsyncBatched:
		synchronous = "NORMAL"
	case FsyncNever:
		synchronous = "OFF"
	}
	if _, err := db.ExecContext(ctx, fmt.Sprintf("PRAGMA synchronous=%s", synchronous)); err != nil {
		return nil, fmt.Errorf("set synchronous pragma: %w", err)
	}

	t := &Trail{
		db:         db,
		ownsDB:     owns,
		table:      cfg.TableName,
		policy:     cfg.FsyncPolicy,
		batchSize:  cfg.BatchSize,
		batchEvery: cfg.BatchInterval,
	}
	if err := t.ensureTable(ctx); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *Trail) ensureTable(ctx context.Context) error {
	ddl := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	saga_id TEXT NOT NULL,
	seq INTEGER NOT NULL,
	partner_id TEXT NOT NULL DEFAULT '',
	kind TEXT NOT NULL,
	step_name TEXT NOT NULL DEFAULT '',
	event_type TEXT NOT NULL DEFAULT '',
	payload TEXT NOT NULL DEFAULT '{}',
	duration_ms INTEGER NOT NULL DEFAULT 0,
	at DATETIME NOT NULL,
	PRIMARY KEY (saga_id, seq)
)`, t.table)
	if _, err := t.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("create audit table: %w", err)
	}
	return nil
}

// Append assigns the next per-saga sequence number and persists rec. For
// FsyncAlways it commits before returning; for FsyncBatched it joins the
// next batch commit; for FsyncNever it commits immediately with
// synchronous writes disabled.
func (t *Trail) Append(ctx context.Context, rec audit.Record) (int64, error) {
	if t.policy == FsyncBatched {
		return t.appendBatched(ctx, rec)
	}
	return t.appendImmediate(ctx, rec)
}

func (t *Trail) appendImmediate(ctx context.Context, rec audit.Record) (int64, error) {
	tx, err := t.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	seq, err := nextSeq(ctx, tx, t.table, rec.SagaID)
	if err != nil {
		return 0, err
	}
	if err := insertRecord(ctx, tx, t.table, rec, seq); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return seq, nil
}

func (t *Trail) appendBatched(ctx context.Context, rec audit.Record) (int64, error) {
	t.mu.Lock()
	seq, err := t.allocateSeqLocked(ctx, rec.SagaID)
	if err != nil {
		t.mu.Unlock()
		return 0, err
	}
	done := make(chan error, 1)
	t.pending = append(t.pending, pendingRecord{rec: rec, seq: seq, done: done})
	flush := len(t.pending) >= t.batchSize
	t.mu.Unlock()

	if flush {
		t.flush(ctx)
	} else {
		go t.flushAfter(t.batchEvery)
	}

	select {
	case err := <-done:
		return seq, err
	case <-ctx.Done():
		return seq, ctx.Err()
	}
}

func (t *Trail) flushAfter(d time.Duration) {
	time.Sleep(d)
	t.flush(context.Background())
}

func (t *Trail) flush(ctx context.Context) {
	t.mu.Lock()
	batch := t.pending
	t.pending = nil
	if len(batch) == 0 {
		t.mu.Unlock()
		return
	}

	// Commit under the lock so allocateSeqLocked never runs while these
	// records are neither pending nor committed.
	err := t.commitBatch(ctx, batch)
	t.mu.Unlock()
	for _, p := range batch {
		p.done <- err
	}
}

func (t *Trail) commitBatch(ctx context.Context, batch []pendingRecord) error {
	tx, err := t.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, p := range batch {
		if err := insertRecord(ctx, tx, t.table, p.rec, p.seq); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// allocateSeqLocked reserves the next sequence number for sagaID,
// considering both committed rows and records already queued in this
// batch, so concurrent Appends for the same saga never collide.
func (t *Trail) allocateSeqLocked(ctx context.Context, sagaID string) (int64, error) {
	max := int64(0)
	row := t.db.QueryRowContext(ctx, fmt.Sprintf("SELECT COALESCE(MAX(seq), 0) FROM %s WHERE saga_id = ?", t.table), sagaID)
	if err := row.Scan(&max); err != nil {
		return 0, err
	}
	for _, p := range t.pending {
		if p.rec.SagaID == sagaID && p.seq > max {
			max = p.seq
		}
	}
	return max + 1, nil
}

func nextSeq(ctx context.Context, tx *sql.Tx, table, sagaID string) (int64, error) {
	var max int64
	row := tx.QueryRowContext(ctx, fmt.Sprintf("SELECT COALESCE(MAX(seq), 0) FROM %s WHERE saga_id = ?", table), sagaID)
	if err := row.Scan(&max); err != nil {
		return 0, err
	}
	return max + 1, nil
}

func insertRecord(ctx context.Context, tx *sql.Tx, table string, rec audit.Record, seq int64) error {
	payload, err := json.Marshal(rec.Payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	at := rec.At
	if at.IsZero() {
		at = time.Now()
	}
	_, err = tx.ExecContext(ctx, fmt.Sprintf(`
INSERT INTO %s (saga_id, seq, partner_id, kind, step_name, event_type, payload, duration_ms, at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`, table),
		rec.SagaID, seq, rec.PartnerID, string(rec.Kind), rec.StepName, rec.EventType, string(payload), rec.DurationMS, at.UTC())
	return err
}

// Timeline reconstructs every record for sagaID in sequence order.
func (t *Trail) Timeline(ctx context.Context, sagaID string) (*audit.Timeline, error) {
	rows, err := t.db.QueryContext(ctx, fmt.Sprintf(`
SELECT seq, partner_id, kind, step_name, event_type, payload, duration_ms, at
FROM %s WHERE saga_id = ? ORDER BY seq ASC`, t.table), sagaID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []audit.Record
	for rows.Next() {
		var rec audit.Record
		var kind, payload string
		var at time.Time
		rec.SagaID = sagaID
		if err := rows.Scan(&rec.Seq, &rec.PartnerID, &kind, &rec.StepName, &rec.EventType, &payload, &rec.DurationMS, &at); err != nil {
			return nil, err
		}
		rec.Kind = audit.Kind(kind)
		rec.At = at
		if payload != "" {
			if err := json.Unmarshal([]byte(payload), &rec.Payload); err != nil {
				return nil, fmt.Errorf("unmarshal payload: %w", err)
			}
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return &audit.Timeline{SagaID: sagaID, Records: records}, nil
}

// Close releases the underlying connection if the Trail opened it.
func (t *Trail) Close() error {
	if t.ownsDB {
		return t.db.Close()
	}
	return nil
}

var _ audit.ITrail = (*Trail)(nil)
