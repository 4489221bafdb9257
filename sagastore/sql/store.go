// Package sql is a modernc.org/sqlite-backed sagastore.ISagaStore:
// one row per saga, inserted on Create and rewritten on every Update, with
// version enforced by a WHERE version = ? clause whose zero-rows-affected
// result is translated to sagastore.ErrStaleVersion.
package sql

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"partnersaga/sagastore"
)

// Config configures the SQL-backed store.
type Config struct {
	DSN       string
	Conn      *sql.DB
	TableName string
}

// Store is a sqlite-backed sagastore.ISagaStore.
type Store struct {
	db     *sql.DB
	ownsDB bool
	table  string
}

// New opens (or reuses) a sqlite connection and ensures the snapshot
// table exists.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.TableName == "" {
		cfg.TableName = "saga_snapshots"
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

	s := &Store{db: db, ownsDB: owns, table: cfg.TableName}
	if err := s.ensureTable(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureTable(ctx context.Context) error {
	ddl := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	saga_id TEXT PRIMARY KEY,
	saga_type TEXT NOT NULL,
	partner_id TEXT NOT NULL DEFAULT '',
	correlation_id TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	completed_steps TEXT NOT NULL DEFAULT '[]',
	failed_steps TEXT NOT NULL DEFAULT '[]',
	pending_step TEXT,
	initial_payload TEXT NOT NULL DEFAULT '{}',
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL,
	version INTEGER NOT NULL
)`, s.table)
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

func (s *Store) Close() error {
	if s.ownsDB {
		return s.db.Close()
	}
	return nil
}

func (s *Store) Get(ctx context.Context, sagaID string) (*sagastore.Instance, error) {
	row := s.db.QueryRowContext(ctx, fmt.Sprintf(`
SELECT saga_id, saga_type, partner_id, correlation_id, status, completed_steps, failed_steps, pending_step,
       initial_payload, created_at, updated_at, version
FROM %s WHERE saga_id = ?`, s.table), sagaID)
	inst, err := scanInstance(row)
	if err == sql.ErrNoRows {
		return nil, sagastore.ErrNotFound
	}
	return inst, err
}

func (s *Store) Create(ctx context.Context, instance *sagastore.Instance) error {
	now := time.Now().UTC()
	completed, failed, pending, payload, err := marshalInstance(instance)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, fmt.Sprintf(`
INSERT INTO %s (saga_id, saga_type, partner_id, correlation_id, status, completed_steps, failed_steps,
                 pending_step, initial_payload, created_at, updated_at, version)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1)`, s.table),
		instance.SagaID, instance.SagaType, instance.PartnerID, instance.CorrelationID, string(instance.Status),
		completed, failed, pending, payload, now, now)
	if err != nil {
		if isUniqueViolation(err) {
			return sagastore.ErrAlreadyExists
		}
		return err
	}
	return nil
}

func (s *Store) Update(ctx context.Context, sagaID string, expectedVersion int64, newState *sagastore.Instance) error {
	completed, failed, pending, payload, err := marshalInstance(newState)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, fmt.Sprintf(`
UPDATE %s SET saga_type=?, partner_id=?, correlation_id=?, status=?, completed_steps=?, failed_steps=?,
              pending_step=?, initial_payload=?, updated_at=?, version=version+1
WHERE saga_id = ? AND version = ?`, s.table),
		newState.SagaType, newState.PartnerID, newState.CorrelationID, string(newState.Status), completed, failed,
		pending, payload, time.Now().UTC(), sagaID, expectedVersion)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, getErr := s.Get(ctx, sagaID); getErr == sagastore.ErrNotFound {
			return sagastore.ErrNotFound
		}
		return sagastore.ErrStaleVersion
	}
	return nil
}

func (s *Store) ByTypeAndStatus(ctx context.Context, sagaType string, status sagastore.Status) ([]*sagastore.Instance, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
SELECT saga_id, saga_type, partner_id, correlation_id, status, completed_steps, failed_steps, pending_step,
       initial_payload, created_at, updated_at, version
FROM %s WHERE saga_type = ? AND status = ?`, s.table), sagaType, string(status))
	if err != nil {
		return nil, err
	}
	return scanInstances(rows)
}

func (s *Store) ByPartner(ctx context.Context, partnerID string) ([]*sagastore.Instance, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
SELECT saga_id, saga_type, partner_id, correlation_id, status, completed_steps, failed_steps, pending_step,
       initial_payload, created_at, updated_at, version
FROM %s WHERE partner_id = ?`, s.table), partnerID)
	if err != nil {
		return nil, err
	}
	return scanInstances(rows)
}

func (s *Store) ListActive(ctx context.Context) ([]*sagastore.Instance, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
SELECT saga_id, saga_type, partner_id, correlation_id, status, completed_steps, failed_steps, pending_step,
       initial_payload, created_at, updated_at, version
FROM %s WHERE status NOT IN (?, ?, ?)`, s.table),
		string(sagastore.Completed), string(sagastore.Failed), string(sagastore.Compensated))
	if err != nil {
		return nil, err
	}
	return scanInstances(rows)
}

var _ sagastore.ISagaStore = (*Store)(nil)
