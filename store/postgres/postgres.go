/*
Package postgres provides a PostgreSQL-backed implementation of earnings.TxStore.

PURPOSE:
  Multi-process deployment of the earnings engine. Several server
  instances may share one database; the per-worker Redis lock serializes
  commands and the database enforces the invariants the lock cannot.

INVARIANT ENFORCEMENT:
  - shifts_one_open: partial unique index, one forming/active shift per worker
  - Shift reads inside a transaction use SELECT ... FOR UPDATE so a command
    that re-validates state holds the row until commit
  - events.shift_id REFERENCES shifts ON DELETE CASCADE

TYPES:
  Decimals are NUMERIC and round-trip through decimal.Decimal's
  sql.Scanner / driver.Valuer. Instants are TIMESTAMPTZ. Event details
  are JSONB from earnings.EncodeDetails.

SEE ALSO:
  - store/sqlite/sqlite.go: Same contract for a single process
  - lock/redis.go: Cross-process worker lock
*/
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"github.com/warp/earnings-engine/earnings"
)

// Querier is an interface satisfied by both *sql.DB and *sql.Tx.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

var (
	_ Querier = (*sql.DB)(nil)
	_ Querier = (*sql.Tx)(nil)

	_ earnings.TxStore = (*Store)(nil)
)

// Store implements earnings.TxStore on PostgreSQL.
type Store struct {
	db *sql.DB
	Repository
}

// Open connects with lib/pq, verifies the connection and migrates.
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(30 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := New(db)
	if err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return s, nil
}

// New wraps an existing connection pool. The schema is not touched.
func New(db *sql.DB) *Store {
	return &Store{db: db, Repository: Repository{q: db}}
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// Migrate creates the schema if it does not exist.
func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

const schema = `
CREATE TABLE IF NOT EXISTS workers (
	id           TEXT PRIMARY KEY,
	display_name TEXT NOT NULL DEFAULT '',
	created_at   TIMESTAMPTZ NOT NULL,
	updated_at   TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS shifts (
	id                     TEXT PRIMARY KEY,
	worker_id              TEXT NOT NULL,
	status                 TEXT NOT NULL CHECK (status IN ('forming', 'active', 'completed')),
	start_time             TIMESTAMPTZ NOT NULL,
	end_time               TIMESTAMPTZ,
	orders                 BIGINT NOT NULL DEFAULT 0 CHECK (orders >= 0),
	mileage                NUMERIC NOT NULL DEFAULT 0 CHECK (mileage >= 0),
	tips                   NUMERIC NOT NULL DEFAULT 0 CHECK (tips >= 0),
	expenses               NUMERIC NOT NULL DEFAULT 0 CHECK (expenses >= 0),
	hourly_rate            NUMERIC NOT NULL DEFAULT 0,
	per_order_rate         NUMERIC NOT NULL DEFAULT 0,
	per_distance_unit_rate NUMERIC NOT NULL DEFAULT 0,
	last_event_at          TIMESTAMPTZ NOT NULL,
	created_at             TIMESTAMPTZ NOT NULL,
	updated_at             TIMESTAMPTZ NOT NULL,
	CHECK (end_time IS NULL OR end_time >= start_time)
);

CREATE UNIQUE INDEX IF NOT EXISTS shifts_one_open
	ON shifts (worker_id) WHERE status IN ('forming', 'active');

CREATE INDEX IF NOT EXISTS shifts_worker_range
	ON shifts (worker_id, status, (COALESCE(end_time, start_time)) DESC);

CREATE TABLE IF NOT EXISTS events (
	seq          BIGSERIAL PRIMARY KEY,
	id           TEXT NOT NULL UNIQUE,
	shift_id     TEXT NOT NULL REFERENCES shifts (id) ON DELETE CASCADE,
	event_type   TEXT NOT NULL,
	ts           TIMESTAMPTZ NOT NULL,
	details      JSONB NOT NULL
);

CREATE INDEX IF NOT EXISTS events_shift_ts ON events (shift_id, ts, seq);
`

// WithTx runs fn in a transaction bound Repository.
func (s *Store) WithTx(ctx context.Context, fn func(earnings.Store) error) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if err = fn(NewRepositoryWithTx(tx)); err != nil {
		return err
	}
	return tx.Commit()
}

// SaveShiftAndEvent outside WithTx opens its own transaction so the pair
// stays atomic.
func (s *Store) SaveShiftAndEvent(ctx context.Context, shift earnings.Shift, event earnings.Event) error {
	return s.WithTx(ctx, func(tx earnings.Store) error {
		return tx.SaveShiftAndEvent(ctx, shift, event)
	})
}

// =============================================================================
// REPOSITORY - earnings.Store over a Querier
// =============================================================================

// Repository runs every statement against q.
type Repository struct {
	q Querier
}

// NewRepositoryWithTx creates a repository using a transaction.
func NewRepositoryWithTx(tx *sql.Tx) *Repository {
	return &Repository{q: tx}
}

const shiftColumns = `id, worker_id, status, start_time, end_time, orders, mileage, tips, expenses,
	hourly_rate, per_order_rate, per_distance_unit_rate, last_event_at, created_at, updated_at`

func (r *Repository) LoadOpenShift(ctx context.Context, workerID earnings.WorkerID) (*earnings.Shift, error) {
	query := `SELECT ` + shiftColumns + ` FROM shifts
		WHERE worker_id = $1 AND status IN ('forming', 'active')
		LIMIT 1 FOR UPDATE`

	shift, err := scanShift(r.q.QueryRowContext(ctx, query, workerID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return shift, err
}

func (r *Repository) LoadShift(ctx context.Context, id earnings.ShiftID) (*earnings.Shift, error) {
	query := `SELECT ` + shiftColumns + ` FROM shifts WHERE id = $1 FOR UPDATE`

	shift, err := scanShift(r.q.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &earnings.NotFoundError{Kind: "shift", ID: string(id)}
	}
	return shift, err
}

func (r *Repository) LoadShiftsInRange(ctx context.Context, workerID earnings.WorkerID, status earnings.Status, start, end time.Time, page earnings.Page) ([]earnings.Shift, error) {
	page = page.Normalize()
	query := `SELECT ` + shiftColumns + ` FROM shifts
		WHERE worker_id = $1 AND status = $2
		  AND COALESCE(end_time, start_time) BETWEEN $3 AND $4
		ORDER BY COALESCE(end_time, start_time) DESC, id DESC
		LIMIT $5 OFFSET $6`

	rows, err := r.q.QueryContext(ctx, query, workerID, status, start, end, page.Limit, page.Offset)
	if err != nil {
		return nil, fmt.Errorf("failed to query shifts: %w", err)
	}
	defer rows.Close()

	shifts := []earnings.Shift{}
	for rows.Next() {
		shift, err := scanShift(rows)
		if err != nil {
			return nil, err
		}
		shifts = append(shifts, *shift)
	}
	return shifts, rows.Err()
}

func (r *Repository) LoadLastCompletedShift(ctx context.Context, workerID earnings.WorkerID) (*earnings.Shift, error) {
	query := `SELECT ` + shiftColumns + ` FROM shifts
		WHERE worker_id = $1 AND status = 'completed'
		ORDER BY end_time DESC
		LIMIT 1`

	shift, err := scanShift(r.q.QueryRowContext(ctx, query, workerID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return shift, err
}

func (r *Repository) SaveShiftAndEvent(ctx context.Context, s earnings.Shift, e earnings.Event) error {
	query := `INSERT INTO shifts (` + shiftColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			end_time = EXCLUDED.end_time,
			orders = EXCLUDED.orders,
			mileage = EXCLUDED.mileage,
			tips = EXCLUDED.tips,
			expenses = EXCLUDED.expenses,
			hourly_rate = EXCLUDED.hourly_rate,
			per_order_rate = EXCLUDED.per_order_rate,
			per_distance_unit_rate = EXCLUDED.per_distance_unit_rate,
			last_event_at = EXCLUDED.last_event_at,
			updated_at = EXCLUDED.updated_at`

	var end sql.NullTime
	if s.EndTime != nil {
		end = sql.NullTime{Time: *s.EndTime, Valid: true}
	}
	_, err := r.q.ExecContext(ctx, query,
		s.ID, s.WorkerID, s.Status, s.StartTime, end,
		s.Counters.Orders, s.Counters.Mileage, s.Counters.Tips, s.Counters.Expenses,
		s.Rates.Hourly, s.Rates.PerOrder, s.Rates.PerDistanceUnit,
		s.LastEventAt, s.CreatedAt, s.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save shift: %w", err)
	}

	details, err := earnings.EncodeDetails(e.Details)
	if err != nil {
		return err
	}
	_, err = r.q.ExecContext(ctx,
		`INSERT INTO events (id, shift_id, event_type, ts, details) VALUES ($1, $2, $3, $4, $5)`,
		e.ID, e.ShiftID, e.Type, e.Timestamp, string(details))
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}
	return nil
}

func (r *Repository) LoadEvents(ctx context.Context, id earnings.ShiftID) ([]earnings.Event, error) {
	rows, err := r.q.QueryContext(ctx,
		`SELECT id, shift_id, event_type, ts, details FROM events
		 WHERE shift_id = $1 ORDER BY ts ASC, seq ASC`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	events := []earnings.Event{}
	for rows.Next() {
		var (
			e       earnings.Event
			details []byte
		)
		if err := rows.Scan(&e.ID, &e.ShiftID, &e.Type, &e.Timestamp, &details); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		if e.Details, err = earnings.DecodeDetails(e.Type, details); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

func (r *Repository) DeleteShift(ctx context.Context, id earnings.ShiftID) error {
	res, err := r.q.ExecContext(ctx, `DELETE FROM shifts WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete shift: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &earnings.NotFoundError{Kind: "shift", ID: string(id)}
	}
	return nil
}

func (r *Repository) SaveWorker(ctx context.Context, w earnings.Worker) error {
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO workers (id, display_name, created_at, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET
			display_name = EXCLUDED.display_name,
			updated_at = EXCLUDED.updated_at`,
		w.ID, w.DisplayName, w.CreatedAt, w.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to save worker: %w", err)
	}
	return nil
}

func (r *Repository) LoadWorker(ctx context.Context, id earnings.WorkerID) (*earnings.Worker, error) {
	var w earnings.Worker
	err := r.q.QueryRowContext(ctx,
		`SELECT id, COALESCE(display_name, ''), created_at, updated_at FROM workers WHERE id = $1`, id,
	).Scan(&w.ID, &w.DisplayName, &w.CreatedAt, &w.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load worker: %w", err)
	}
	return &w, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanShift(row scanner) (*earnings.Shift, error) {
	var (
		s   earnings.Shift
		end sql.NullTime
	)
	err := row.Scan(
		&s.ID, &s.WorkerID, &s.Status, &s.StartTime, &end,
		&s.Counters.Orders, &s.Counters.Mileage, &s.Counters.Tips, &s.Counters.Expenses,
		&s.Rates.Hourly, &s.Rates.PerOrder, &s.Rates.PerDistanceUnit,
		&s.LastEventAt, &s.CreatedAt, &s.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan shift: %w", err)
	}
	if end.Valid {
		t := end.Time
		s.EndTime = &t
	}
	return &s, nil
}
