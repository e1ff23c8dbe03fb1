/*
store.go - Persistence interface for shifts, events and workers

PURPOSE:
  Defines the interface between the engine and the database. The engine
  owns every invariant; the store only has to persist records faithfully
  and provide transactional atomicity.

KEY INTERFACES:
  Store:   Reads plus the two writes (SaveShiftAndEvent, DeleteShift)
  TxStore: Store + WithTx for all-or-nothing command execution

APPEND-ONLY CONTRACT FOR EVENTS:
  Events are only ever written through SaveShiftAndEvent, which inserts
  the event and upserts its shift in one atomic step. There is no event
  update. DeleteShift removes a shift and cascades to its events.

DETAILS ROUND TRIP:
  Event details must come back exactly as written. Implementations use
  EncodeDetails/DecodeDetails from event.go.

IMPLEMENTATIONS:
  - earnings/store/memory.go: In-memory for testing and embedded use
  - store/sqlite/sqlite.go:   SQLite (single process)
  - store/postgres/postgres.go: PostgreSQL (row locks, partial unique index)

SEE ALSO:
  - engine.go: The only writer
*/
package earnings

import (
	"context"
	"time"
)

// =============================================================================
// STORE
// =============================================================================

type Store interface {
	// LoadOpenShift returns the worker's forming/active shift, or nil.
	LoadOpenShift(ctx context.Context, workerID WorkerID) (*Shift, error)

	// LoadShift returns a shift by id. Missing → NotFoundError.
	LoadShift(ctx context.Context, id ShiftID) (*Shift, error)

	// LoadEvents returns the shift's events ordered by timestamp.
	LoadEvents(ctx context.Context, id ShiftID) ([]Event, error)

	// LoadShiftsInRange returns the worker's shifts with the given status
	// whose end time (start time for open shifts) is in [start, end],
	// newest first, paginated.
	LoadShiftsInRange(ctx context.Context, workerID WorkerID, status Status, start, end time.Time, page Page) ([]Shift, error)

	// LoadLastCompletedShift returns the worker's most recently ended shift, or nil.
	LoadLastCompletedShift(ctx context.Context, workerID WorkerID) (*Shift, error)

	// SaveShiftAndEvent upserts the shift and appends the event atomically.
	SaveShiftAndEvent(ctx context.Context, shift Shift, event Event) error

	// DeleteShift removes the shift and all its events.
	DeleteShift(ctx context.Context, id ShiftID) error

	// SaveWorker upserts a worker.
	SaveWorker(ctx context.Context, w Worker) error

	// LoadWorker returns a worker, or nil.
	LoadWorker(ctx context.Context, id WorkerID) (*Worker, error)
}

// =============================================================================
// TRANSACTIONAL STORE
// =============================================================================

// TxStore wraps Store with transaction support.
type TxStore interface {
	Store

	// WithTx executes fn within a transaction.
	// If fn returns error, transaction is rolled back.
	// If fn returns nil, transaction is committed.
	WithTx(ctx context.Context, fn func(Store) error) error
}
