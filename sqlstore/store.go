// Package sqlstore is a database/sql implementation of sec.StateStore for
// SQLite and PostgreSQL.
//
// Instances live in saga_instance; their append-only history lives in
// saga_step_history, one row per record keyed by (instance_id, seq). A
// compare-and-swap updates the instance row guarded by its version and
// appends the records added since the last write, in one transaction.
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/fortressi/sec"
	"github.com/google/uuid"
)

// Dialect selects placeholder syntax and DDL.
type Dialect string

const (
	SQLite   Dialect = "sqlite"
	Postgres Dialect = "postgres"
)

// DriverName is the database/sql driver registered for the dialect.
func (d Dialect) DriverName() string {
	return string(d)
}

// Valid reports whether d is a supported dialect.
func (d Dialect) Valid() bool {
	return d == SQLite || d == Postgres
}

// rebind rewrites ? placeholders into the dialect's form.
func (d Dialect) rebind(query string) string {
	if d != Postgres {
		return query
	}
	var sb strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			sb.WriteByte('$')
			sb.WriteString(strconv.Itoa(n))
			continue
		}
		sb.WriteRune(r)
	}
	return sb.String()
}

const terminalStatuses = `('COMPLETED', 'COMPENSATED', 'FAILED')`

const instanceColumns = `id, definition_id, correlation_id, current_step_index, status, version, payload,
attempt, dispatch_at, deadline_at, failure_reason, history_len, created_at, updated_at`

// Store is a sec.StateStore backed by a SQL database.
type Store struct {
	db      *sql.DB
	dialect Dialect
}

var _ sec.StateStore = (*Store)(nil)

// New wraps an open database.
func New(db *sql.DB, dialect Dialect) *Store {
	return &Store{db: db, dialect: dialect}
}

// Open opens dsn with the dialect's driver. The driver must be linked in by
// the caller (modernc.org/sqlite or github.com/lib/pq).
func Open(dialect Dialect, dsn string) (*Store, error) {
	if !dialect.Valid() {
		return nil, fmt.Errorf("unsupported sql dialect %q", dialect)
	}
	db, err := sql.Open(dialect.DriverName(), dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s database: %w", dialect, err)
	}
	if dialect == SQLite {
		// SQLite allows a single writer.
		db.SetMaxOpenConns(1)
	}
	return New(db, dialect), nil
}

func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Close() error { return s.db.Close() }

// Migrate creates the schema if it does not exist.
func (s *Store) Migrate(ctx context.Context) error {
	compensation := "INTEGER"
	if s.dialect == Postgres {
		compensation = "SMALLINT"
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS saga_instance (
			id TEXT PRIMARY KEY,
			definition_id TEXT NOT NULL,
			correlation_id TEXT NOT NULL,
			current_step_index INTEGER NOT NULL,
			status TEXT NOT NULL,
			version BIGINT NOT NULL,
			payload TEXT NOT NULL,
			attempt INTEGER NOT NULL,
			dispatch_at BIGINT NOT NULL,
			deadline_at BIGINT NOT NULL,
			failure_reason TEXT NOT NULL,
			history_len INTEGER NOT NULL,
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS saga_instance_status ON saga_instance (status)`,
		`CREATE TABLE IF NOT EXISTS saga_step_history (
			instance_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			step_name TEXT NOT NULL,
			attempt INTEGER NOT NULL,
			compensation ` + compensation + ` NOT NULL,
			status TEXT NOT NULL,
			request_ref TEXT NOT NULL,
			response_ref TEXT NOT NULL,
			error TEXT NOT NULL,
			recorded_at BIGINT NOT NULL,
			PRIMARY KEY (instance_id, seq)
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate saga schema: %w", err)
		}
	}
	return nil
}

func (s *Store) Create(ctx context.Context, inst *sec.SagaInstance) error {
	now := time.Now()
	if inst.CreatedAt.IsZero() {
		inst.CreatedAt = now
	}
	inst.UpdatedAt = now
	inst.Version = 1

	return s.inTx(ctx, func(tx *sql.Tx) error {
		var one int
		err := tx.QueryRowContext(ctx, s.dialect.rebind(`SELECT 1 FROM saga_instance WHERE id = ?`), inst.ID.String()).Scan(&one)
		switch {
		case err == nil:
			return fmt.Errorf("%w: %s", sec.ErrInstanceExists, inst.ID)
		case !errors.Is(err, sql.ErrNoRows):
			return fmt.Errorf("check saga instance: %w", err)
		}

		_, err = tx.ExecContext(ctx, s.dialect.rebind(`INSERT INTO saga_instance (`+instanceColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
			inst.ID.String(), inst.DefinitionID, inst.CorrelationID, inst.CurrentStepIndex,
			string(inst.Status), inst.Version, string(inst.Payload), inst.Attempt,
			unixNano(inst.DispatchAt), unixNano(inst.DeadlineAt), inst.FailureReason,
			len(inst.History), unixNano(inst.CreatedAt), unixNano(inst.UpdatedAt))
		if err != nil {
			return fmt.Errorf("insert saga instance: %w", err)
		}
		return s.appendHistory(ctx, tx, inst, 0)
	})
}

func (s *Store) CompareAndSwap(ctx context.Context, inst *sec.SagaInstance, expectedVersion int64) error {
	updatedAt := time.Now()
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var (
			version    int64
			status     string
			historyLen int
		)
		err := tx.QueryRowContext(ctx, s.dialect.rebind(`SELECT version, status, history_len FROM saga_instance WHERE id = ?`),
			inst.ID.String()).Scan(&version, &status, &historyLen)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: %s", sec.ErrInstanceNotFound, inst.ID)
		}
		if err != nil {
			return fmt.Errorf("load saga version: %w", err)
		}
		if sec.SagaStatus(status).Terminal() {
			return fmt.Errorf("%w: %s is %s", sec.ErrTerminalState, inst.ID, status)
		}
		if version != expectedVersion {
			return fmt.Errorf("%w: %s at version %d, expected %d", sec.ErrVersionConflict, inst.ID, version, expectedVersion)
		}
		if len(inst.History) < historyLen {
			return fmt.Errorf("saga %s: history is append-only, have %d records, stored %d", inst.ID, len(inst.History), historyLen)
		}

		res, err := tx.ExecContext(ctx, s.dialect.rebind(`UPDATE saga_instance SET
			current_step_index = ?, status = ?, version = ?, payload = ?, attempt = ?,
			dispatch_at = ?, deadline_at = ?, failure_reason = ?, history_len = ?, updated_at = ?
			WHERE id = ? AND version = ? AND status NOT IN `+terminalStatuses),
			inst.CurrentStepIndex, string(inst.Status), expectedVersion+1, string(inst.Payload), inst.Attempt,
			unixNano(inst.DispatchAt), unixNano(inst.DeadlineAt), inst.FailureReason, len(inst.History),
			unixNano(updatedAt), inst.ID.String(), expectedVersion)
		if err != nil {
			return fmt.Errorf("update saga instance: %w", err)
		}
		if n, err := res.RowsAffected(); err != nil {
			return fmt.Errorf("update saga instance: %w", err)
		} else if n == 0 {
			return fmt.Errorf("%w: %s", sec.ErrVersionConflict, inst.ID)
		}
		return s.appendHistory(ctx, tx, inst, historyLen)
	})
	if err != nil {
		return err
	}
	inst.Version = expectedVersion + 1
	inst.UpdatedAt = updatedAt
	return nil
}

func (s *Store) appendHistory(ctx context.Context, tx *sql.Tx, inst *sec.SagaInstance, from int) error {
	query := s.dialect.rebind(`INSERT INTO saga_step_history
		(instance_id, seq, step_name, attempt, compensation, status, request_ref, response_ref, error, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	for seq := from; seq < len(inst.History); seq++ {
		rec := inst.History[seq]
		compensation := 0
		if rec.Compensation {
			compensation = 1
		}
		if _, err := tx.ExecContext(ctx, query,
			inst.ID.String(), seq, rec.StepName, rec.Attempt, compensation, string(rec.Status),
			rec.RequestRef, string(rec.ResponseRef), rec.Error, unixNano(rec.Timestamp)); err != nil {
			return fmt.Errorf("append saga history: %w", err)
		}
	}
	return nil
}

func (s *Store) Load(ctx context.Context, id uuid.UUID) (*sec.SagaInstance, error) {
	row := s.db.QueryRowContext(ctx, s.dialect.rebind(`SELECT `+instanceColumns+` FROM saga_instance WHERE id = ?`), id.String())
	inst, err := scanInstance(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", sec.ErrInstanceNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("load saga instance: %w", err)
	}
	if inst.History, err = s.loadHistory(ctx, id); err != nil {
		return nil, err
	}
	return inst, nil
}

func (s *Store) LoadActive(ctx context.Context) ([]*sec.SagaInstance, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+instanceColumns+` FROM saga_instance
		WHERE status NOT IN `+terminalStatuses+` ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("load active sagas: %w", err)
	}
	active := make([]*sec.SagaInstance, 0)
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("load active sagas: %w", err)
		}
		active = append(active, inst)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("load active sagas: %w", err)
	}
	rows.Close()

	// History is read after the cursor is closed; SQLite runs on one connection.
	for _, inst := range active {
		if inst.History, err = s.loadHistory(ctx, inst.ID); err != nil {
			return nil, err
		}
	}
	return active, nil
}

func (s *Store) loadHistory(ctx context.Context, id uuid.UUID) ([]sec.StepExecutionRecord, error) {
	rows, err := s.db.QueryContext(ctx, s.dialect.rebind(`SELECT step_name, attempt, compensation, status,
		request_ref, response_ref, error, recorded_at
		FROM saga_step_history WHERE instance_id = ? ORDER BY seq`), id.String())
	if err != nil {
		return nil, fmt.Errorf("load saga history: %w", err)
	}
	defer rows.Close()

	history := make([]sec.StepExecutionRecord, 0)
	for rows.Next() {
		var (
			rec          sec.StepExecutionRecord
			compensation int
			status       string
			response     string
			recordedAt   int64
		)
		if err := rows.Scan(&rec.StepName, &rec.Attempt, &compensation, &status,
			&rec.RequestRef, &response, &rec.Error, &recordedAt); err != nil {
			return nil, fmt.Errorf("scan saga history: %w", err)
		}
		rec.Compensation = compensation != 0
		rec.Status = sec.StepStatus(status)
		if response != "" {
			rec.ResponseRef = json.RawMessage(response)
		}
		rec.Timestamp = fromUnixNano(recordedAt)
		history = append(history, rec)
	}
	return history, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanInstance(row scanner) (*sec.SagaInstance, error) {
	var (
		inst                             sec.SagaInstance
		id, status, payload              string
		dispatchAt, deadlineAt           int64
		createdAt, updatedAt, historyLen int64
	)
	if err := row.Scan(&id, &inst.DefinitionID, &inst.CorrelationID, &inst.CurrentStepIndex, &status,
		&inst.Version, &payload, &inst.Attempt, &dispatchAt, &deadlineAt, &inst.FailureReason,
		&historyLen, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	parsed, err := uuid.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("saga id %q: %w", id, err)
	}
	inst.ID = parsed
	inst.Status = sec.SagaStatus(status)
	if payload != "" {
		inst.Payload = json.RawMessage(payload)
	}
	inst.DispatchAt = fromUnixNano(dispatchAt)
	inst.DeadlineAt = fromUnixNano(deadlineAt)
	inst.CreatedAt = fromUnixNano(createdAt)
	inst.UpdatedAt = fromUnixNano(updatedAt)
	return &inst, nil
}

func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func unixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnixNano(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}
