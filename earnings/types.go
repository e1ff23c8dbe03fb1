/*
Package earnings provides the shift lifecycle and earnings ledger engine.

PURPOSE:
  Tracks a gig worker's paid shifts and answers, for any instant and any
  historical window, "what is the net profit and where did it come from".
  The same engine handles the shift state machine, the append-only event
  log, the per-shift breakdown and the period aggregation.

KEY CONCEPTS IN THIS FILE (types.go):
  - Shift: The aggregate root (status, times, counters, rates)
  - Counters: Cached projection of the event log (orders, mileage, tips, expenses)
  - Rates: Hourly, per-order and per-distance-unit rates
  - Worker: The owner of shifts, identified by an external id

DESIGN PRINCIPLES:
  1. Event sourcing: Counters are derived from events, never edited directly
  2. Precision: Uses decimal.Decimal so replay and sums are exact
  3. Type Safety: Distinct ID types prevent mixing worker/shift/event IDs
  4. Frozen history: A completed shift never changes again

USAGE:
  engine := earnings.NewShiftEngine(store, earnings.DefaultPolicy())
  res, _ := engine.StartShift(ctx, earnings.StartShiftCommand{WorkerID: "w-1"})
  engine.RecordAccrual(ctx, earnings.AccrualCommand{
      WorkerID: "w-1",
      Kind:     earnings.EventAddOrder,
      Value:    decimal.NewFromInt(2),
  })

SEE ALSO:
  - event.go: Event model and details variants
  - engine.go: Shift state machine
  - calculator.go: Breakdown calculation
  - aggregate.go: Period report
*/
package earnings

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type WorkerID string
type ShiftID string
type EventID string

// =============================================================================
// WORKER
// =============================================================================

// Worker owns zero or many shifts. DisplayName is last-write-wins.
type Worker struct {
	ID          WorkerID
	DisplayName string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// =============================================================================
// SHIFT STATUS
// =============================================================================

type Status string

const (
	StatusForming   Status = "forming"   // Reserved slot, promoted on first accrual
	StatusActive    Status = "active"    // Accruing
	StatusCompleted Status = "completed" // Terminal, frozen
)

// IsOpen reports whether the status counts toward the one-open-shift limit.
func (s Status) IsOpen() bool { return s == StatusForming || s == StatusActive }

func (s Status) Valid() bool {
	switch s {
	case StatusForming, StatusActive, StatusCompleted:
		return true
	}
	return false
}

// =============================================================================
// RATES
// =============================================================================

// RateField names one of the three configurable rates.
type RateField string

const (
	RateHourly          RateField = "hourly_rate"
	RatePerOrder        RateField = "per_order_rate"
	RatePerDistanceUnit RateField = "per_distance_unit_rate"
)

func (f RateField) Valid() bool {
	switch f {
	case RateHourly, RatePerOrder, RatePerDistanceUnit:
		return true
	}
	return false
}

// Rates is the shift's rate configuration. Mutable until the shift completes.
type Rates struct {
	Hourly          decimal.Decimal
	PerOrder        decimal.Decimal
	PerDistanceUnit decimal.Decimal
}

// Get returns the value of one rate field.
func (r Rates) Get(f RateField) decimal.Decimal {
	switch f {
	case RateHourly:
		return r.Hourly
	case RatePerOrder:
		return r.PerOrder
	case RatePerDistanceUnit:
		return r.PerDistanceUnit
	}
	return decimal.Zero
}

// With returns a copy of r with field f set to v.
func (r Rates) With(f RateField, v decimal.Decimal) Rates {
	switch f {
	case RateHourly:
		r.Hourly = v
	case RatePerOrder:
		r.PerOrder = v
	case RatePerDistanceUnit:
		r.PerDistanceUnit = v
	}
	return r
}

// =============================================================================
// COUNTERS - Cached projection of the event log
// =============================================================================

type Counters struct {
	Orders   int64
	Mileage  decimal.Decimal
	Tips     decimal.Decimal
	Expenses decimal.Decimal
}

// Equal compares counters by value (decimal scale is ignored).
func (c Counters) Equal(o Counters) bool {
	return c.Orders == o.Orders &&
		c.Mileage.Equal(o.Mileage) &&
		c.Tips.Equal(o.Tips) &&
		c.Expenses.Equal(o.Expenses)
}

// =============================================================================
// SHIFT - The aggregate root
// =============================================================================

// Shift is one continuous work session of a worker.
//
// INVARIANTS:
//   - At most one forming/active shift per worker
//   - EndTime != nil iff Status == StatusCompleted, and EndTime >= StartTime
//   - Counters equal Replay(events)
//   - LastEventAt is the timestamp of the newest event; new events never precede it
type Shift struct {
	ID          ShiftID
	WorkerID    WorkerID
	Status      Status
	StartTime   time.Time
	EndTime     *time.Time
	Counters    Counters
	Rates       Rates
	LastEventAt time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// IsOpen reports whether the shift is forming or active.
func (s Shift) IsOpen() bool { return s.Status.IsOpen() }

// IsCompleted reports whether the shift is frozen.
func (s Shift) IsCompleted() bool { return s.Status == StatusCompleted }

// Clone returns a deep copy so callers can't mutate stored state through EndTime.
func (s Shift) Clone() Shift {
	if s.EndTime != nil {
		end := *s.EndTime
		s.EndTime = &end
	}
	return s
}

// ShiftRecord is a shift with its ledger, the input of the calculator.
type ShiftRecord struct {
	Shift  Shift
	Events []Event
}

// =============================================================================
// PAGINATION
// =============================================================================

// DefaultPageSize matches the history view of the bot (five newest shifts).
const DefaultPageSize = 5

type Page struct {
	Limit  int
	Offset int
}

// Normalize fills defaults and clamps negatives.
func (p Page) Normalize() Page {
	if p.Limit <= 0 {
		p.Limit = DefaultPageSize
	}
	if p.Offset < 0 {
		p.Offset = 0
	}
	return p
}
