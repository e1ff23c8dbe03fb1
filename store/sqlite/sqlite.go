/*
Package sqlite provides a SQLite-backed implementation of earnings.TxStore.

PURPOSE:
  Persists workers, shifts and the shift event ledger in a single SQLite
  file. Used by the server when DB_DRIVER=sqlite and by store tests with
  ":memory:".

KEY TABLES:
  workers: External worker ids and their display names
  shifts:  One row per shift; counters and rates cached as decimal TEXT
  events:  Append-only ledger, cascades on shift delete

APPEND-ONLY ENFORCEMENT:
  - Events are only ever INSERTed (SaveShiftAndEvent)
  - No UPDATE statement touches the events table
  - Deleting a shift removes its events through ON DELETE CASCADE

INDEXES:
  - idx_shifts_one_open: Partial unique index, at most one forming/active
    shift per worker even if the engine's lock were bypassed
  - idx_shifts_worker_range: History and period queries (hot path)
  - idx_events_shift: Ledger reads in timestamp order

STORAGE FORMAT:
  Instants are stored as fixed-width UTC text (timeLayout) so that string
  comparison in SQL orders them correctly. Decimals are stored as their
  exact string form. Event details are JSON from earnings.EncodeDetails.

CONCURRENCY:
  A single connection (SetMaxOpenConns(1)) plus sync.RWMutex. WithTx
  holds the write lock for the whole transaction and hands fn a view bound
  to the *sql.Tx, so reads inside the transaction see its own writes.

WAL MODE:
  SQLite is opened with WAL (Write-Ahead Logging) for better concurrency:
  - Multiple readers don't block
  - Single writer at a time
  - Better crash recovery

USAGE:
  store, err := sqlite.New("./data/earnings.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  engine := earnings.NewShiftEngine(store, earnings.DefaultPolicy())

SEE ALSO:
  - earnings/store.go: Interface definitions
  - earnings/store/memory.go: In-memory implementation for testing
  - store/postgres/postgres.go: Multi-process deployment
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
	"github.com/warp/earnings-engine/earnings"
)

// timeLayout is fixed width so lexical order equals chronological order.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Store implements earnings.TxStore using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// ":memory:" databases are per connection.
	db.SetMaxOpenConns(1)

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the connection for health probes.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS workers (
		id TEXT PRIMARY KEY,
		display_name TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS shifts (
		id TEXT PRIMARY KEY,
		worker_id TEXT NOT NULL,
		status TEXT NOT NULL CHECK (status IN ('forming', 'active', 'completed')),
		start_time TEXT NOT NULL,
		end_time TEXT,
		orders INTEGER NOT NULL DEFAULT 0,
		mileage TEXT NOT NULL DEFAULT '0',
		tips TEXT NOT NULL DEFAULT '0',
		expenses TEXT NOT NULL DEFAULT '0',
		hourly_rate TEXT NOT NULL DEFAULT '0',
		per_order_rate TEXT NOT NULL DEFAULT '0',
		per_distance_unit_rate TEXT NOT NULL DEFAULT '0',
		last_event_at TEXT NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	-- At most one open shift per worker
	CREATE UNIQUE INDEX IF NOT EXISTS idx_shifts_one_open
		ON shifts(worker_id) WHERE status IN ('forming', 'active');

	CREATE INDEX IF NOT EXISTS idx_shifts_worker_range
		ON shifts(worker_id, status, end_time DESC);

	-- Events (append-only ledger)
	CREATE TABLE IF NOT EXISTS events (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		shift_id TEXT NOT NULL REFERENCES shifts(id) ON DELETE CASCADE,
		event_type TEXT NOT NULL,
		timestamp TEXT NOT NULL,
		details_json TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_events_shift
		ON events(shift_id, timestamp, seq);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// STORE (earnings.Store interface)
// =============================================================================

func (s *Store) LoadOpenShift(ctx context.Context, workerID earnings.WorkerID) (*earnings.Shift, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return queries{s.db}.LoadOpenShift(ctx, workerID)
}

func (s *Store) LoadShift(ctx context.Context, id earnings.ShiftID) (*earnings.Shift, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return queries{s.db}.LoadShift(ctx, id)
}

func (s *Store) LoadEvents(ctx context.Context, id earnings.ShiftID) ([]earnings.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return queries{s.db}.LoadEvents(ctx, id)
}

func (s *Store) LoadShiftsInRange(ctx context.Context, workerID earnings.WorkerID, status earnings.Status, start, end time.Time, page earnings.Page) ([]earnings.Shift, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return queries{s.db}.LoadShiftsInRange(ctx, workerID, status, start, end, page)
}

func (s *Store) LoadLastCompletedShift(ctx context.Context, workerID earnings.WorkerID) (*earnings.Shift, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return queries{s.db}.LoadLastCompletedShift(ctx, workerID)
}

func (s *Store) LoadWorker(ctx context.Context, id earnings.WorkerID) (*earnings.Worker, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return queries{s.db}.LoadWorker(ctx, id)
}

func (s *Store) SaveWorker(ctx context.Context, w earnings.Worker) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return queries{s.db}.SaveWorker(ctx, w)
}

// SaveShiftAndEvent outside WithTx still runs in its own transaction.
func (s *Store) SaveShiftAndEvent(ctx context.Context, shift earnings.Shift, event earnings.Event) error {
	return s.WithTx(ctx, func(tx earnings.Store) error {
		return tx.SaveShiftAndEvent(ctx, shift, event)
	})
}

func (s *Store) DeleteShift(ctx context.Context, id earnings.ShiftID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return queries{s.db}.DeleteShift(ctx, id)
}

// =============================================================================
// TRANSACTIONAL STORE (earnings.TxStore interface)
// =============================================================================

// WithTx executes a function within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(store earnings.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(queries{sqlTx}); err != nil {
		return err
	}

	return sqlTx.Commit()
}

// =============================================================================
// QUERIES - Shared by *sql.DB and *sql.Tx
// =============================================================================

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// queries runs every statement against q. Inside WithTx it is the
// transaction view handed to the engine.
type queries struct {
	q querier
}

const shiftColumns = `id, worker_id, status, start_time, end_time, orders, mileage, tips, expenses,
	hourly_rate, per_order_rate, per_distance_unit_rate, last_event_at, created_at, updated_at`

func (qs queries) LoadOpenShift(ctx context.Context, workerID earnings.WorkerID) (*earnings.Shift, error) {
	row := qs.q.QueryRowContext(ctx,
		`SELECT `+shiftColumns+` FROM shifts
		 WHERE worker_id = ? AND status IN ('forming', 'active')
		 LIMIT 1`, workerID)

	shift, err := scanShift(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return shift, err
}

func (qs queries) LoadShift(ctx context.Context, id earnings.ShiftID) (*earnings.Shift, error) {
	row := qs.q.QueryRowContext(ctx, `SELECT `+shiftColumns+` FROM shifts WHERE id = ?`, id)

	shift, err := scanShift(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &earnings.NotFoundError{Kind: "shift", ID: string(id)}
	}
	return shift, err
}

func (qs queries) LoadShiftsInRange(ctx context.Context, workerID earnings.WorkerID, status earnings.Status, start, end time.Time, page earnings.Page) ([]earnings.Shift, error) {
	page = page.Normalize()

	rows, err := qs.q.QueryContext(ctx,
		`SELECT `+shiftColumns+` FROM shifts
		 WHERE worker_id = ? AND status = ?
		   AND COALESCE(end_time, start_time) >= ?
		   AND COALESCE(end_time, start_time) <= ?
		 ORDER BY COALESCE(end_time, start_time) DESC, id DESC
		 LIMIT ? OFFSET ?`,
		workerID, status, formatTime(start), formatTime(end), page.Limit, page.Offset)
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

func (qs queries) LoadLastCompletedShift(ctx context.Context, workerID earnings.WorkerID) (*earnings.Shift, error) {
	row := qs.q.QueryRowContext(ctx,
		`SELECT `+shiftColumns+` FROM shifts
		 WHERE worker_id = ? AND status = 'completed'
		 ORDER BY end_time DESC
		 LIMIT 1`, workerID)

	shift, err := scanShift(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return shift, err
}

func (qs queries) SaveShiftAndEvent(ctx context.Context, shift earnings.Shift, event earnings.Event) error {
	if err := qs.upsertShift(ctx, shift); err != nil {
		return err
	}
	return qs.insertEvent(ctx, event)
}

func (qs queries) upsertShift(ctx context.Context, s earnings.Shift) error {
	var endTime sql.NullString
	if s.EndTime != nil {
		endTime = sql.NullString{String: formatTime(*s.EndTime), Valid: true}
	}

	_, err := qs.q.ExecContext(ctx, `
		INSERT INTO shifts (`+shiftColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			end_time = excluded.end_time,
			orders = excluded.orders,
			mileage = excluded.mileage,
			tips = excluded.tips,
			expenses = excluded.expenses,
			hourly_rate = excluded.hourly_rate,
			per_order_rate = excluded.per_order_rate,
			per_distance_unit_rate = excluded.per_distance_unit_rate,
			last_event_at = excluded.last_event_at,
			updated_at = excluded.updated_at`,
		s.ID, s.WorkerID, s.Status, formatTime(s.StartTime), endTime,
		s.Counters.Orders, s.Counters.Mileage.String(), s.Counters.Tips.String(), s.Counters.Expenses.String(),
		s.Rates.Hourly.String(), s.Rates.PerOrder.String(), s.Rates.PerDistanceUnit.String(),
		formatTime(s.LastEventAt), formatTime(s.CreatedAt), formatTime(s.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save shift: %w", err)
	}
	return nil
}

func (qs queries) insertEvent(ctx context.Context, e earnings.Event) error {
	details, err := earnings.EncodeDetails(e.Details)
	if err != nil {
		return err
	}

	_, err = qs.q.ExecContext(ctx,
		`INSERT INTO events (id, shift_id, event_type, timestamp, details_json) VALUES (?, ?, ?, ?, ?)`,
		e.ID, e.ShiftID, e.Type, formatTime(e.Timestamp), string(details))
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}
	return nil
}

func (qs queries) LoadEvents(ctx context.Context, id earnings.ShiftID) ([]earnings.Event, error) {
	rows, err := qs.q.QueryContext(ctx,
		`SELECT id, shift_id, event_type, timestamp, details_json
		 FROM events WHERE shift_id = ?
		 ORDER BY timestamp ASC, seq ASC`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	events := []earnings.Event{}
	for rows.Next() {
		var (
			e       earnings.Event
			ts      string
			details string
		)
		if err := rows.Scan(&e.ID, &e.ShiftID, &e.Type, &ts, &details); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		if e.Timestamp, err = parseTime(ts); err != nil {
			return nil, err
		}
		if e.Details, err = earnings.DecodeDetails(e.Type, []byte(details)); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

func (qs queries) DeleteShift(ctx context.Context, id earnings.ShiftID) error {
	res, err := qs.q.ExecContext(ctx, `DELETE FROM shifts WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete shift: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &earnings.NotFoundError{Kind: "shift", ID: string(id)}
	}
	return nil
}

func (qs queries) SaveWorker(ctx context.Context, w earnings.Worker) error {
	_, err := qs.q.ExecContext(ctx, `
		INSERT INTO workers (id, display_name, created_at, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			display_name = excluded.display_name,
			updated_at = excluded.updated_at`,
		w.ID, w.DisplayName, formatTime(w.CreatedAt), formatTime(w.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to save worker: %w", err)
	}
	return nil
}

func (qs queries) LoadWorker(ctx context.Context, id earnings.WorkerID) (*earnings.Worker, error) {
	var (
		w                    earnings.Worker
		createdAt, updatedAt string
	)
	err := qs.q.QueryRowContext(ctx,
		`SELECT id, display_name, created_at, updated_at FROM workers WHERE id = ?`, id,
	).Scan(&w.ID, &w.DisplayName, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load worker: %w", err)
	}
	w.CreatedAt, _ = parseTime(createdAt)
	w.UpdatedAt, _ = parseTime(updatedAt)
	return &w, nil
}

// =============================================================================
// SCANNING
// =============================================================================

type scanner interface {
	Scan(dest ...any) error
}

func scanShift(row scanner) (*earnings.Shift, error) {
	var (
		s                                 earnings.Shift
		startTime, lastEventAt            string
		createdAt, updatedAt              string
		endTime                           sql.NullString
		mileage, tips, expenses           string
		hourly, perOrder, perDistanceUnit string
	)

	err := row.Scan(
		&s.ID, &s.WorkerID, &s.Status, &startTime, &endTime,
		&s.Counters.Orders, &mileage, &tips, &expenses,
		&hourly, &perOrder, &perDistanceUnit,
		&lastEventAt, &createdAt, &updatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan shift: %w", err)
	}

	if s.StartTime, err = parseTime(startTime); err != nil {
		return nil, err
	}
	if endTime.Valid {
		end, err := parseTime(endTime.String)
		if err != nil {
			return nil, err
		}
		s.EndTime = &end
	}
	s.LastEventAt, _ = parseTime(lastEventAt)
	s.CreatedAt, _ = parseTime(createdAt)
	s.UpdatedAt, _ = parseTime(updatedAt)

	s.Counters.Mileage = parseDecimal(mileage)
	s.Counters.Tips = parseDecimal(tips)
	s.Counters.Expenses = parseDecimal(expenses)
	s.Rates.Hourly = parseDecimal(hourly)
	s.Rates.PerOrder = parseDecimal(perOrder)
	s.Rates.PerDistanceUnit = parseDecimal(perDistanceUnit)

	return &s, nil
}

// =============================================================================
// HELPERS
// =============================================================================

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid stored time %q: %w", s, err)
	}
	return t, nil
}

func parseDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}
