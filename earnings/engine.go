/*
engine.go - Shift state machine and command processing

PURPOSE:
  The only writer of shifts and events. Every command validates its input,
  takes the worker's lock, opens a transaction, re-reads the shift inside
  it, checks the state machine, appends exactly one event and persists the
  updated shift together with that event. Queries never lock.

STATE MACHINE:
  ┌─────────┐  first accrual  ┌────────┐   EndShift   ┌───────────┐
  │ forming │ ──────────────▶ │ active │ ───────────▶ │ completed │
  └─────────┘                 └────────┘              └───────────┘
       ▲                           ▲
       └──── (reserved slots) ─────┴──── StartShift (resumes if open)

COMMAND PIPELINE:
  1. Validate pure input (sign, integrality, field names)    → ValidationError
  2. Lock worker (Locker)                                     → StoreError
  3. WithTx: load shift, check ownership and status           → NotFound / NoActiveShift
  4. Check time bounds against StartTime and LastEventAt      → InvalidTimeError
  5. Build event, fold into counters, SaveShiftAndEvent       → StoreError
  Any failure rolls the transaction back: no partial writes.

TIME BOUNDS:
  Manual instants may not be in the future, may not precede the shift's
  StartTime and may not precede LastEventAt. This keeps the event log
  monotonic so ReplayUntil(asOf) sees a prefix of what happened.

OBSERVABILITY:
  Commands log through a logrus.FieldLogger and report outcomes to a
  Recorder (metrics.Metrics in production, NopRecorder by default).

SEE ALSO:
  - lock.go: Per-worker serialization
  - store.go: Persistence contract
  - calculator.go: Breakdown used by the query side
*/
package earnings

import (
	"context"
	"errors"
	"io"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// =============================================================================
// RECORDER - Outcome hook for metrics
// =============================================================================

// Recorder receives command outcomes. Implementations must be safe for
// concurrent use.
type Recorder interface {
	ShiftStarted(resumed bool)
	ShiftCompleted(hours float64)
	AccrualRecorded(kind EventType)
	RateUpdated(field RateField)
	CommandFailed(op string, err error)
}

// NopRecorder discards everything.
type NopRecorder struct{}

func (NopRecorder) ShiftStarted(bool)           {}
func (NopRecorder) ShiftCompleted(float64)      {}
func (NopRecorder) AccrualRecorded(EventType)   {}
func (NopRecorder) RateUpdated(RateField)       {}
func (NopRecorder) CommandFailed(string, error) {}

// =============================================================================
// COMMANDS
// =============================================================================

// StartShiftCommand opens a shift. DisplayName, when set, updates the
// worker's name (last write wins). StartTime defaults to now.
type StartShiftCommand struct {
	WorkerID    WorkerID
	DisplayName string
	StartTime   *time.Time
}

// StartResult tells the caller whether an existing shift was resumed.
// Notice is a *ShiftAlreadyOpenError when Resumed is set, nil otherwise.
type StartResult struct {
	Shift   Shift
	Resumed bool
	Notice  error
}

// AccrualCommand records an order, tip, expense or mileage entry. With an
// empty ShiftID the worker's open shift is used.
type AccrualCommand struct {
	WorkerID WorkerID
	ShiftID  ShiftID
	Kind     EventType
	Value    decimal.Decimal
	Category string // expenses only
	At       *time.Time
}

type RateCommand struct {
	WorkerID WorkerID
	ShiftID  ShiftID
	Field    RateField
	Value    decimal.Decimal
}

type EndShiftCommand struct {
	WorkerID WorkerID
	ShiftID  ShiftID
	EndTime  *time.Time
}

// =============================================================================
// ENGINE
// =============================================================================

type ShiftEngine struct {
	Store      TxStore
	Clock      Clock
	Locker     Locker
	Calculator Calculator
	Logger     logrus.FieldLogger
	Recorder   Recorder
}

type Option func(*ShiftEngine)

func WithClock(c Clock) Option { return func(e *ShiftEngine) { e.Clock = c } }

func WithLocker(l Locker) Option { return func(e *ShiftEngine) { e.Locker = l } }

func WithLogger(l logrus.FieldLogger) Option { return func(e *ShiftEngine) { e.Logger = l } }

func WithRecorder(r Recorder) Option { return func(e *ShiftEngine) { e.Recorder = r } }

// NewShiftEngine wires an engine with an in-process locker, the system
// clock in the default timezone and a silent logger unless overridden.
func NewShiftEngine(store TxStore, policy Policy, opts ...Option) *ShiftEngine {
	silent := logrus.New()
	silent.SetOutput(io.Discard)

	e := &ShiftEngine{
		Store:      store,
		Clock:      SystemClock{Location: LoadLocation(DefaultTimezone)},
		Locker:     NewKeyedMutex(),
		Calculator: NewCalculator(policy),
		Logger:     silent,
		Recorder:   NopRecorder{},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// =============================================================================
// COMMANDS - START / END
// =============================================================================

// StartShift opens a shift for the worker, or returns the open one with
// Resumed set. It never creates a second open shift.
func (e *ShiftEngine) StartShift(ctx context.Context, cmd StartShiftCommand) (StartResult, error) {
	const op = "start_shift"
	var res StartResult

	if cmd.WorkerID == "" {
		return res, e.fail(op, &ValidationError{Field: "worker_id", Reason: "is required"})
	}
	now := e.Clock.Now()
	start := now
	if cmd.StartTime != nil {
		if cmd.StartTime.After(now) {
			return res, e.fail(op, &InvalidTimeError{Field: "start_time", At: *cmd.StartTime, Bound: now, Reason: "is after"})
		}
		start = *cmd.StartTime
	}

	err := e.withWorker(ctx, cmd.WorkerID, func(s Store) error {
		if err := e.touchWorker(ctx, s, cmd.WorkerID, cmd.DisplayName, now); err != nil {
			return err
		}

		open, err := s.LoadOpenShift(ctx, cmd.WorkerID)
		if err != nil {
			return storeErr("load open shift", err)
		}
		if open != nil {
			res = StartResult{
				Shift:   open.Clone(),
				Resumed: true,
				Notice:  &ShiftAlreadyOpenError{WorkerID: cmd.WorkerID, ShiftID: open.ID, Status: open.Status},
			}
			return nil
		}

		var rates Rates
		if e.Calculator.Policy.CarryRates {
			last, err := s.LoadLastCompletedShift(ctx, cmd.WorkerID)
			if err != nil {
				return storeErr("load last shift", err)
			}
			if last != nil {
				rates = last.Rates
			}
		}

		shift := Shift{
			ID:          ShiftID(uuid.NewString()),
			WorkerID:    cmd.WorkerID,
			Status:      StatusActive,
			StartTime:   start,
			Rates:       rates,
			LastEventAt: start,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		ev := NewEvent(shift.ID, start, StartDetails{Message: "shift started"})
		if err := s.SaveShiftAndEvent(ctx, shift, ev); err != nil {
			return storeErr("save shift", err)
		}
		res = StartResult{Shift: shift}
		return nil
	})
	if err != nil {
		return StartResult{}, e.fail(op, err)
	}

	e.Recorder.ShiftStarted(res.Resumed)
	e.Logger.WithFields(logrus.Fields{
		"worker_id": cmd.WorkerID,
		"shift_id":  res.Shift.ID,
		"resumed":   res.Resumed,
	}).Info("shift started")
	return res, nil
}

// EndShift completes the worker's active shift. A forming shift cannot be
// ended; it has nothing to close.
func (e *ShiftEngine) EndShift(ctx context.Context, cmd EndShiftCommand) (Shift, error) {
	const op = "end_shift"
	var out Shift

	now := e.Clock.Now()
	if cmd.EndTime != nil && cmd.EndTime.After(now) {
		return out, e.fail(op, &InvalidTimeError{Field: "end_time", At: *cmd.EndTime, Bound: now, Reason: "is after"})
	}

	err := e.withWorker(ctx, cmd.WorkerID, func(s Store) error {
		shift, err := e.resolveShift(ctx, s, cmd.WorkerID, cmd.ShiftID)
		if err != nil {
			return err
		}
		if shift.Status != StatusActive {
			return &NoActiveShiftError{WorkerID: cmd.WorkerID, ShiftID: shift.ID, Status: shift.Status}
		}

		end := now
		if cmd.EndTime != nil {
			end = *cmd.EndTime
		}
		if end.Before(shift.StartTime) {
			return &InvalidTimeError{Field: "end_time", At: end, Bound: shift.StartTime, Reason: "is before shift start"}
		}
		if end.Before(shift.LastEventAt) {
			return &InvalidTimeError{Field: "end_time", At: end, Bound: shift.LastEventAt, Reason: "is before last event"}
		}

		shift.Status = StatusCompleted
		shift.EndTime = &end
		shift.LastEventAt = end
		shift.UpdatedAt = now

		ev := NewEvent(shift.ID, end, CompleteDetails{Message: "shift completed"})
		if err := s.SaveShiftAndEvent(ctx, *shift, ev); err != nil {
			return storeErr("save shift", err)
		}
		out = shift.Clone()
		return nil
	})
	if err != nil {
		return Shift{}, e.fail(op, err)
	}

	hours, _ := durationHours(out.StartTime, *out.EndTime).Float64()
	e.Recorder.ShiftCompleted(hours)
	e.Logger.WithFields(logrus.Fields{
		"worker_id": out.WorkerID,
		"shift_id":  out.ID,
		"hours":     hours,
	}).Info("shift completed")
	return out, nil
}

// =============================================================================
// COMMANDS - ACCRUALS / RATES
// =============================================================================

// RecordAccrual appends an accrual event and bumps the matching counter.
// Expenses must be strictly positive; the other kinds accept zero. Orders
// must be whole numbers.
func (e *ShiftEngine) RecordAccrual(ctx context.Context, cmd AccrualCommand) (Shift, error) {
	const op = "record_accrual"
	var out Shift

	details, err := accrualDetails(cmd)
	if err != nil {
		return out, e.fail(op, err)
	}
	now := e.Clock.Now()
	if cmd.At != nil && cmd.At.After(now) {
		return out, e.fail(op, &InvalidTimeError{Field: "at", At: *cmd.At, Bound: now, Reason: "is after"})
	}

	err = e.withWorker(ctx, cmd.WorkerID, func(s Store) error {
		shift, err := e.resolveShift(ctx, s, cmd.WorkerID, cmd.ShiftID)
		if err != nil {
			return err
		}
		if !shift.IsOpen() {
			return &NoActiveShiftError{WorkerID: cmd.WorkerID, ShiftID: shift.ID, Status: shift.Status}
		}

		at := now
		if cmd.At != nil {
			at = *cmd.At
		}
		if at.Before(shift.StartTime) {
			return &InvalidTimeError{Field: "at", At: at, Bound: shift.StartTime, Reason: "is before shift start"}
		}
		if at.Before(shift.LastEventAt) {
			return &InvalidTimeError{Field: "at", At: at, Bound: shift.LastEventAt, Reason: "is before last event"}
		}

		if od, ok := details.(OrderDetails); ok && od.Count > math.MaxInt64-shift.Counters.Orders {
			return &ValidationError{Field: "value", Value: cmd.Value.String(), Reason: "orders total out of range"}
		}

		if shift.Status == StatusForming {
			shift.Status = StatusActive
		}
		ev := NewEvent(shift.ID, at, details)
		ev.Apply(&shift.Counters)
		shift.LastEventAt = at
		shift.UpdatedAt = now

		if err := s.SaveShiftAndEvent(ctx, *shift, ev); err != nil {
			return storeErr("save shift", err)
		}
		out = shift.Clone()
		return nil
	})
	if err != nil {
		return Shift{}, e.fail(op, err)
	}

	e.Recorder.AccrualRecorded(cmd.Kind)
	if exp, ok := details.(ExpenseDetails); ok && !e.Calculator.Policy.KnownCategory(exp.Category) {
		e.Logger.WithFields(logrus.Fields{
			"worker_id": cmd.WorkerID,
			"shift_id":  out.ID,
			"category":  exp.Category,
		}).Warn("expense category not declared by policy, reported as other")
	}
	e.Logger.WithFields(logrus.Fields{
		"worker_id": cmd.WorkerID,
		"shift_id":  out.ID,
		"kind":      cmd.Kind,
		"value":     cmd.Value.String(),
	}).Debug("accrual recorded")
	return out, nil
}

// maxOrders bounds a single ADD_ORDER so the count fits in int64.
var maxOrders = decimal.NewFromInt(math.MaxInt64)

func accrualDetails(cmd AccrualCommand) (Details, error) {
	if cmd.WorkerID == "" {
		return nil, &ValidationError{Field: "worker_id", Reason: "is required"}
	}
	if !cmd.Kind.IsAccrual() {
		return nil, &ValidationError{Field: "kind", Value: string(cmd.Kind), Reason: "is not an accrual"}
	}
	v := cmd.Value
	if v.IsNegative() {
		return nil, &ValidationError{Field: "value", Value: v.String(), Reason: "must be non-negative"}
	}

	switch cmd.Kind {
	case EventAddOrder:
		if !v.IsInteger() {
			return nil, &ValidationError{Field: "value", Value: v.String(), Reason: "orders must be a whole number"}
		}
		if v.GreaterThan(maxOrders) {
			return nil, &ValidationError{Field: "value", Value: v.String(), Reason: "orders out of range"}
		}
		return OrderDetails{Count: v.IntPart()}, nil
	case EventAddTips:
		return TipsDetails{Amount: v}, nil
	case EventAddExpense:
		if !v.IsPositive() {
			return nil, &ValidationError{Field: "value", Value: v.String(), Reason: "expense must be positive"}
		}
		return ExpenseDetails{Amount: v, Category: NormalizeCategory(cmd.Category)}, nil
	default:
		return MileageDetails{Distance: v}, nil
	}
}

// UpdateRate changes one rate of an open shift. The change applies to the
// whole shift from the next breakdown on; counters are untouched.
func (e *ShiftEngine) UpdateRate(ctx context.Context, cmd RateCommand) (Shift, error) {
	const op = "update_rate"
	var out Shift

	if !cmd.Field.Valid() {
		return out, e.fail(op, &ValidationError{Field: "field", Value: string(cmd.Field), Reason: "unknown rate field"})
	}
	if cmd.Value.IsNegative() {
		return out, e.fail(op, &ValidationError{Field: string(cmd.Field), Value: cmd.Value.String(), Reason: "must be non-negative"})
	}
	now := e.Clock.Now()

	err := e.withWorker(ctx, cmd.WorkerID, func(s Store) error {
		shift, err := e.resolveShift(ctx, s, cmd.WorkerID, cmd.ShiftID)
		if err != nil {
			return err
		}
		if !shift.IsOpen() {
			return &NoActiveShiftError{WorkerID: cmd.WorkerID, ShiftID: shift.ID, Status: shift.Status}
		}

		at := now
		if at.Before(shift.LastEventAt) {
			at = shift.LastEventAt
		}
		old := shift.Rates.Get(cmd.Field)
		shift.Rates = shift.Rates.With(cmd.Field, cmd.Value)
		shift.LastEventAt = at
		shift.UpdatedAt = now

		ev := NewEvent(shift.ID, at, RateDetails{Field: cmd.Field, Old: old, New: cmd.Value})
		if err := s.SaveShiftAndEvent(ctx, *shift, ev); err != nil {
			return storeErr("save shift", err)
		}
		out = shift.Clone()
		return nil
	})
	if err != nil {
		return Shift{}, e.fail(op, err)
	}

	e.Recorder.RateUpdated(cmd.Field)
	e.Logger.WithFields(logrus.Fields{
		"worker_id": cmd.WorkerID,
		"shift_id":  out.ID,
		"field":     cmd.Field,
		"value":     cmd.Value.String(),
	}).Info("rate updated")
	return out, nil
}

// =============================================================================
// COMMANDS - ADMINISTRATIVE
// =============================================================================

// DeleteShift removes a shift and its events. Only the owner may delete;
// a shift owned by someone else is reported as not found.
func (e *ShiftEngine) DeleteShift(ctx context.Context, shiftID ShiftID, workerID WorkerID) error {
	const op = "delete_shift"
	if shiftID == "" {
		return e.fail(op, &ValidationError{Field: "shift_id", Reason: "is required"})
	}

	err := e.withWorker(ctx, workerID, func(s Store) error {
		if _, err := e.resolveShift(ctx, s, workerID, shiftID); err != nil {
			return err
		}
		return storeErr("delete shift", s.DeleteShift(ctx, shiftID))
	})
	if err != nil {
		return e.fail(op, err)
	}

	e.Logger.WithFields(logrus.Fields{"worker_id": workerID, "shift_id": shiftID}).Info("shift deleted")
	return nil
}

// RegisterWorker creates the worker or refreshes its display name.
func (e *ShiftEngine) RegisterWorker(ctx context.Context, id WorkerID, displayName string) (Worker, error) {
	const op = "register_worker"
	if id == "" {
		return Worker{}, e.fail(op, &ValidationError{Field: "worker_id", Reason: "is required"})
	}

	now := e.Clock.Now()
	var out Worker
	err := e.withWorker(ctx, id, func(s Store) error {
		if err := e.touchWorker(ctx, s, id, displayName, now); err != nil {
			return err
		}
		w, err := s.LoadWorker(ctx, id)
		if err != nil {
			return storeErr("load worker", err)
		}
		out = *w
		return nil
	})
	if err != nil {
		return Worker{}, e.fail(op, err)
	}
	return out, nil
}

// touchWorker creates a missing worker and applies a non-empty name.
func (e *ShiftEngine) touchWorker(ctx context.Context, s Store, id WorkerID, name string, now time.Time) error {
	w, err := s.LoadWorker(ctx, id)
	if err != nil {
		return storeErr("load worker", err)
	}
	if w == nil {
		w = &Worker{ID: id, CreatedAt: now}
	} else if name == "" || name == w.DisplayName {
		return nil
	}
	if name != "" {
		w.DisplayName = name
	}
	w.UpdatedAt = now
	return storeErr("save worker", s.SaveWorker(ctx, *w))
}

// =============================================================================
// QUERIES
// =============================================================================

// GetWorker returns a registered worker.
func (e *ShiftEngine) GetWorker(ctx context.Context, id WorkerID) (Worker, error) {
	w, err := e.Store.LoadWorker(ctx, id)
	if err != nil {
		return Worker{}, storeErr("load worker", err)
	}
	if w == nil {
		return Worker{}, &NotFoundError{Kind: "worker", ID: string(id)}
	}
	return *w, nil
}

// GetOpenShift returns the worker's open shift, or nil.
func (e *ShiftEngine) GetOpenShift(ctx context.Context, workerID WorkerID) (*Shift, error) {
	s, err := e.Store.LoadOpenShift(ctx, workerID)
	if err != nil {
		return nil, storeErr("load open shift", err)
	}
	return s, nil
}

// GetShift returns a shift with its full event log.
func (e *ShiftEngine) GetShift(ctx context.Context, id ShiftID) (ShiftRecord, error) {
	shift, err := e.Store.LoadShift(ctx, id)
	if err != nil {
		return ShiftRecord{}, storeErr("load shift", err)
	}
	events, err := e.Store.LoadEvents(ctx, id)
	if err != nil {
		return ShiftRecord{}, storeErr("load events", err)
	}
	return ShiftRecord{Shift: *shift, Events: events}, nil
}

// GetCompletedShifts lists the worker's completed shifts that ended in the
// window, newest first.
func (e *ShiftEngine) GetCompletedShifts(ctx context.Context, workerID WorkerID, w Window, page Page) ([]Shift, error) {
	if err := w.Validate(); err != nil {
		return nil, err
	}
	shifts, err := e.Store.LoadShiftsInRange(ctx, workerID, StatusCompleted, w.Start, w.End, page.Normalize())
	if err != nil {
		return nil, storeErr("load shifts", err)
	}
	return shifts, nil
}

// ComputeBreakdown returns the breakdown of a shift at asOf (now when nil).
// Completed shifts are always priced at their end time.
func (e *ShiftEngine) ComputeBreakdown(ctx context.Context, id ShiftID, asOf *time.Time) (Breakdown, error) {
	rec, err := e.GetShift(ctx, id)
	if err != nil {
		return Breakdown{}, err
	}
	at := e.Clock.Now()
	if asOf != nil {
		at = *asOf
	}
	if rec.Events == nil {
		rec.Events = []Event{}
	}

	b := e.Calculator.Compute(rec.Shift, rec.Events, at)
	if !b.ExpenseDrift.IsZero() {
		e.Logger.WithFields(logrus.Fields{
			"shift_id": id,
			"drift":    b.ExpenseDrift.String(),
		}).Warn("expense counter disagrees with event log")
	}
	return b, nil
}

// reportBatch is the page size used to drain the store for a period report.
const reportBatch = 200

// ComputePeriodReport aggregates every completed shift of the worker that
// ended in the window.
func (e *ShiftEngine) ComputePeriodReport(ctx context.Context, workerID WorkerID, w Window) (PeriodReport, error) {
	if err := w.Validate(); err != nil {
		return PeriodReport{}, err
	}

	var records []ShiftRecord
	for offset := 0; ; offset += reportBatch {
		shifts, err := e.Store.LoadShiftsInRange(ctx, workerID, StatusCompleted, w.Start, w.End, Page{Limit: reportBatch, Offset: offset})
		if err != nil {
			return PeriodReport{}, storeErr("load shifts", err)
		}
		for _, s := range shifts {
			events, err := e.Store.LoadEvents(ctx, s.ID)
			if err != nil {
				return PeriodReport{}, storeErr("load events", err)
			}
			if events == nil {
				events = []Event{}
			}
			records = append(records, ShiftRecord{Shift: s, Events: events})
		}
		if len(shifts) < reportBatch {
			break
		}
	}
	return e.Calculator.Aggregate(records, w), nil
}

// RecentEvents returns up to n events of the shift, newest first.
func (e *ShiftEngine) RecentEvents(ctx context.Context, id ShiftID, n int) ([]Event, error) {
	if n <= 0 {
		n = DefaultPageSize
	}
	if _, err := e.Store.LoadShift(ctx, id); err != nil {
		return nil, storeErr("load shift", err)
	}
	events, err := e.Store.LoadEvents(ctx, id)
	if err != nil {
		return nil, storeErr("load events", err)
	}
	sorted := SortEvents(events)
	out := make([]Event, 0, n)
	for i := len(sorted) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, sorted[i])
	}
	return out, nil
}

// =============================================================================
// INTERNALS
// =============================================================================

// withWorker runs fn inside a transaction while holding the worker's lock.
func (e *ShiftEngine) withWorker(ctx context.Context, workerID WorkerID, fn func(Store) error) error {
	if workerID == "" {
		return &ValidationError{Field: "worker_id", Reason: "is required"}
	}
	unlock, err := e.Locker.Lock(ctx, workerLockKey(workerID))
	if err != nil {
		return &StoreError{Op: "lock worker", Err: err}
	}
	defer unlock()
	return e.Store.WithTx(ctx, fn)
}

// resolveShift loads the named shift, or the worker's open shift when id
// is empty. Shifts of other workers are reported as not found.
func (e *ShiftEngine) resolveShift(ctx context.Context, s Store, workerID WorkerID, id ShiftID) (*Shift, error) {
	if id == "" {
		open, err := s.LoadOpenShift(ctx, workerID)
		if err != nil {
			return nil, storeErr("load open shift", err)
		}
		if open == nil {
			return nil, &NoActiveShiftError{WorkerID: workerID}
		}
		return open, nil
	}

	shift, err := s.LoadShift(ctx, id)
	if err != nil {
		return nil, storeErr("load shift", err)
	}
	if shift.WorkerID != workerID {
		return nil, &NotFoundError{Kind: "shift", ID: string(id)}
	}
	return shift, nil
}

// fail records a failed command and passes err through.
func (e *ShiftEngine) fail(op string, err error) error {
	e.Recorder.CommandFailed(op, err)
	entry := e.Logger.WithFields(logrus.Fields{"op": op, "kind": Kind(err)})
	if errors.Is(err, ErrStore) {
		entry.WithError(err).Error("command failed")
	} else {
		entry.WithError(err).Debug("command rejected")
	}
	return err
}
