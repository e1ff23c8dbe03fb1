package earnings_test

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/earnings-engine/earnings"
	"github.com/warp/earnings-engine/earnings/store"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func newTestEngine(t *testing.T) (*earnings.ShiftEngine, *store.TxMemory, *earnings.ManualClock) {
	t.Helper()
	mem := store.NewTxMemory()
	clock := earnings.NewManualClock(t0)
	engine := earnings.NewShiftEngine(mem, earnings.DefaultPolicy(), earnings.WithClock(clock))
	return engine, mem, clock
}

func setRates(t *testing.T, e *earnings.ShiftEngine, worker earnings.WorkerID, hourly, perOrder, perUnit string) {
	t.Helper()
	ctx := context.Background()
	for field, v := range map[earnings.RateField]string{
		earnings.RateHourly:          hourly,
		earnings.RatePerOrder:        perOrder,
		earnings.RatePerDistanceUnit: perUnit,
	} {
		_, err := e.UpdateRate(ctx, earnings.RateCommand{WorkerID: worker, Field: field, Value: dec(v)})
		require.NoError(t, err)
	}
}

func accrue(kind earnings.EventType, v string) earnings.AccrualCommand {
	return earnings.AccrualCommand{WorkerID: "w-1", Kind: kind, Value: dec(v)}
}

// =============================================================================
// LIFECYCLE TESTS
// =============================================================================

func TestEngine_ReferenceScenario(t *testing.T) {
	// GIVEN: Rates 200/50/10, shift started at T0
	// WHEN: 2 orders at T0+1h; 10 units and 100 tips at T0+2h; end at T0+2h
	// THEN: The breakdown reproduces the reference figures

	ctx := context.Background()
	engine, _, clock := newTestEngine(t)

	res, err := engine.StartShift(ctx, earnings.StartShiftCommand{WorkerID: "w-1", DisplayName: "Ann"})
	require.NoError(t, err)
	assert.False(t, res.Resumed)
	setRates(t, engine, "w-1", "200", "50", "10")

	clock.Advance(time.Hour)
	_, err = engine.RecordAccrual(ctx, accrue(earnings.EventAddOrder, "2"))
	require.NoError(t, err)

	clock.Advance(time.Hour)
	_, err = engine.RecordAccrual(ctx, accrue(earnings.EventAddMileage, "10"))
	require.NoError(t, err)
	_, err = engine.RecordAccrual(ctx, accrue(earnings.EventAddTips, "100"))
	require.NoError(t, err)

	ended, err := engine.EndShift(ctx, earnings.EndShiftCommand{WorkerID: "w-1"})
	require.NoError(t, err)
	assert.Equal(t, earnings.StatusCompleted, ended.Status)

	clock.Advance(5 * time.Hour)
	b, err := engine.ComputeBreakdown(ctx, res.Shift.ID, nil)
	require.NoError(t, err)

	assertDec(t, "2", b.DurationHours, "duration_hours")
	assertDec(t, "400", b.RevenueTime, "revenue_time")
	assertDec(t, "100", b.RevenueOrders, "revenue_orders")
	assertDec(t, "600", b.GrossIncome, "gross_income")
	assertDec(t, "100", b.MileageCost, "mileage_cost")
	assertDec(t, "30", b.Tax, "tax")
	assertDec(t, "470", b.NetProfit, "net_profit")
	assertDec(t, "235", b.ProfitPerHour, "profit_per_hour")

	rec, err := engine.GetShift(ctx, res.Shift.ID)
	require.NoError(t, err)
	assert.True(t, rec.Shift.Counters.Equal(earnings.Replay(rec.Events)), "counters match replay")
	assert.Equal(t, earnings.EventStartShift, rec.Events[0].Type)
	assert.Equal(t, earnings.EventCompleteShift, rec.Events[len(rec.Events)-1].Type)
}

func TestEngine_StartShift_Idempotent(t *testing.T) {
	// GIVEN: Worker with an open shift
	// WHEN: StartShift is called again
	// THEN: The same shift is returned with Resumed=true and no new event

	ctx := context.Background()
	engine, mem, _ := newTestEngine(t)

	first, err := engine.StartShift(ctx, earnings.StartShiftCommand{WorkerID: "w-1"})
	require.NoError(t, err)
	_, eventsBefore := mem.Counts()

	second, err := engine.StartShift(ctx, earnings.StartShiftCommand{WorkerID: "w-1"})
	require.NoError(t, err)

	assert.True(t, second.Resumed)
	assert.Nil(t, first.Notice)
	assert.ErrorIs(t, second.Notice, earnings.ErrShiftAlreadyOpen)
	var open *earnings.ShiftAlreadyOpenError
	require.ErrorAs(t, second.Notice, &open)
	assert.Equal(t, first.Shift.ID, open.ShiftID)
	assert.Equal(t, "shift_already_open", earnings.Kind(second.Notice))
	assert.Equal(t, first.Shift.ID, second.Shift.ID)
	shifts, eventsAfter := mem.Counts()
	assert.Equal(t, 1, shifts)
	assert.Equal(t, eventsBefore, eventsAfter)
}

func TestEngine_StartShift_FutureStartRejected(t *testing.T) {
	ctx := context.Background()
	engine, _, _ := newTestEngine(t)

	future := t0.Add(time.Minute)
	_, err := engine.StartShift(ctx, earnings.StartShiftCommand{WorkerID: "w-1", StartTime: &future})

	assert.ErrorIs(t, err, earnings.ErrInvalidTime)
}

func TestEngine_StartShift_UpdatesDisplayName(t *testing.T) {
	ctx := context.Background()
	engine, _, _ := newTestEngine(t)

	_, err := engine.RegisterWorker(ctx, "w-1", "Ann")
	require.NoError(t, err)
	_, err = engine.StartShift(ctx, earnings.StartShiftCommand{WorkerID: "w-1", DisplayName: "Anna"})
	require.NoError(t, err)

	w, err := engine.GetWorker(ctx, "w-1")
	require.NoError(t, err)
	assert.Equal(t, "Anna", w.DisplayName)
}

func TestEngine_StartShift_CarriesRatesFromLastShift(t *testing.T) {
	ctx := context.Background()
	engine, _, clock := newTestEngine(t)

	_, err := engine.StartShift(ctx, earnings.StartShiftCommand{WorkerID: "w-1"})
	require.NoError(t, err)
	setRates(t, engine, "w-1", "250", "40", "8")
	clock.Advance(time.Hour)
	_, err = engine.EndShift(ctx, earnings.EndShiftCommand{WorkerID: "w-1"})
	require.NoError(t, err)

	clock.Advance(time.Hour)
	res, err := engine.StartShift(ctx, earnings.StartShiftCommand{WorkerID: "w-1"})
	require.NoError(t, err)

	assertDec(t, "250", res.Shift.Rates.Hourly, "hourly")
	assertDec(t, "40", res.Shift.Rates.PerOrder, "per order")
	assertDec(t, "8", res.Shift.Rates.PerDistanceUnit, "per unit")
}

func TestEngine_EndShift_BeforeStart_StaysActive(t *testing.T) {
	// GIVEN: An active shift started at T0
	// WHEN: EndShift with end_time before T0
	// THEN: InvalidTimeError, shift remains active, no COMPLETE_SHIFT event

	ctx := context.Background()
	engine, _, clock := newTestEngine(t)

	res, err := engine.StartShift(ctx, earnings.StartShiftCommand{WorkerID: "w-1"})
	require.NoError(t, err)
	clock.Advance(time.Hour)

	early := t0.Add(-time.Minute)
	_, err = engine.EndShift(ctx, earnings.EndShiftCommand{WorkerID: "w-1", EndTime: &early})

	var timeErr *earnings.InvalidTimeError
	require.ErrorAs(t, err, &timeErr)
	assert.Equal(t, "end_time", timeErr.Field)

	rec, err := engine.GetShift(ctx, res.Shift.ID)
	require.NoError(t, err)
	assert.Equal(t, earnings.StatusActive, rec.Shift.Status)
	assert.Nil(t, rec.Shift.EndTime)
	for _, e := range rec.Events {
		assert.NotEqual(t, earnings.EventCompleteShift, e.Type)
	}
}

func TestEngine_EndShift_NoOpenShift(t *testing.T) {
	ctx := context.Background()
	engine, _, _ := newTestEngine(t)

	_, err := engine.EndShift(ctx, earnings.EndShiftCommand{WorkerID: "w-1"})

	assert.ErrorIs(t, err, earnings.ErrNoActiveShift)
}

func TestEngine_CompletedShiftIsFrozen(t *testing.T) {
	// GIVEN: A completed shift
	// WHEN: Accruals, rate changes and a second end target it by id
	// THEN: Every command fails with NoActiveShift and nothing changes

	ctx := context.Background()
	engine, mem, clock := newTestEngine(t)

	res, err := engine.StartShift(ctx, earnings.StartShiftCommand{WorkerID: "w-1"})
	require.NoError(t, err)
	clock.Advance(time.Hour)
	_, err = engine.EndShift(ctx, earnings.EndShiftCommand{WorkerID: "w-1"})
	require.NoError(t, err)
	_, before := mem.Counts()

	id := res.Shift.ID
	_, err = engine.RecordAccrual(ctx, earnings.AccrualCommand{WorkerID: "w-1", ShiftID: id, Kind: earnings.EventAddTips, Value: dec("5")})
	assert.ErrorIs(t, err, earnings.ErrNoActiveShift)
	_, err = engine.UpdateRate(ctx, earnings.RateCommand{WorkerID: "w-1", ShiftID: id, Field: earnings.RateHourly, Value: dec("1")})
	assert.ErrorIs(t, err, earnings.ErrNoActiveShift)
	_, err = engine.EndShift(ctx, earnings.EndShiftCommand{WorkerID: "w-1", ShiftID: id})
	assert.ErrorIs(t, err, earnings.ErrNoActiveShift)

	_, after := mem.Counts()
	assert.Equal(t, before, after)
}

// =============================================================================
// ACCRUAL TESTS
// =============================================================================

func TestEngine_RecordAccrual_NegativeRejected(t *testing.T) {
	// GIVEN: An active shift
	// WHEN: Any accrual kind with value -5
	// THEN: ValidationError, no event appended, counters unchanged

	ctx := context.Background()
	engine, mem, _ := newTestEngine(t)
	res, err := engine.StartShift(ctx, earnings.StartShiftCommand{WorkerID: "w-1"})
	require.NoError(t, err)
	_, before := mem.Counts()

	for _, kind := range []earnings.EventType{
		earnings.EventAddOrder, earnings.EventAddTips, earnings.EventAddExpense, earnings.EventAddMileage,
	} {
		_, err := engine.RecordAccrual(ctx, accrue(kind, "-5"))
		assert.ErrorIs(t, err, earnings.ErrValidation, "kind %s", kind)
	}

	_, after := mem.Counts()
	assert.Equal(t, before, after)
	open, err := engine.GetOpenShift(ctx, "w-1")
	require.NoError(t, err)
	assert.True(t, open.Counters.Equal(res.Shift.Counters))
}

func TestEngine_RecordAccrual_Validation(t *testing.T) {
	ctx := context.Background()
	engine, _, _ := newTestEngine(t)
	_, err := engine.StartShift(ctx, earnings.StartShiftCommand{WorkerID: "w-1"})
	require.NoError(t, err)

	tests := []struct {
		name string
		cmd  earnings.AccrualCommand
	}{
		{"fractional orders", accrue(earnings.EventAddOrder, "1.5")},
		{"orders beyond int64", accrue(earnings.EventAddOrder, "18446744073709551615")},
		{"orders one past int64", accrue(earnings.EventAddOrder, "9223372036854775808")},
		{"zero expense", accrue(earnings.EventAddExpense, "0")},
		{"not an accrual", accrue(earnings.EventUpdateRate, "1")},
		{"missing worker", earnings.AccrualCommand{Kind: earnings.EventAddTips, Value: dec("1")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := engine.RecordAccrual(ctx, tt.cmd)
			assert.ErrorIs(t, err, earnings.ErrValidation)
		})
	}
}

func TestEngine_RecordAccrual_OrdersTotalCannotOverflow(t *testing.T) {
	// GIVEN: A shift already holding the largest representable order count
	// WHEN: One more order is recorded
	// THEN: It is rejected as invalid and the count stays non-negative

	ctx := context.Background()
	engine, mem, _ := newTestEngine(t)
	_, err := engine.StartShift(ctx, earnings.StartShiftCommand{WorkerID: "w-1"})
	require.NoError(t, err)

	shift, err := engine.RecordAccrual(ctx, accrue(earnings.EventAddOrder, "9223372036854775807"))
	require.NoError(t, err)
	assert.Equal(t, int64(math.MaxInt64), shift.Counters.Orders)
	_, eventsBefore := mem.Counts()

	_, err = engine.RecordAccrual(ctx, accrue(earnings.EventAddOrder, "1"))
	assert.ErrorIs(t, err, earnings.ErrValidation)

	open, err := engine.GetOpenShift(ctx, "w-1")
	require.NoError(t, err)
	assert.Equal(t, int64(math.MaxInt64), open.Counters.Orders)
	_, eventsAfter := mem.Counts()
	assert.Equal(t, eventsBefore, eventsAfter)
}

func TestEngine_RecordAccrual_ZeroAllowed(t *testing.T) {
	ctx := context.Background()
	engine, _, _ := newTestEngine(t)
	_, err := engine.StartShift(ctx, earnings.StartShiftCommand{WorkerID: "w-1"})
	require.NoError(t, err)

	_, err = engine.RecordAccrual(ctx, accrue(earnings.EventAddTips, "0"))
	assert.NoError(t, err)
}

func TestEngine_RecordAccrual_WithoutShift(t *testing.T) {
	ctx := context.Background()
	engine, _, _ := newTestEngine(t)

	_, err := engine.RecordAccrual(ctx, accrue(earnings.EventAddTips, "10"))

	var noShift *earnings.NoActiveShiftError
	require.ErrorAs(t, err, &noShift)
	assert.Equal(t, earnings.WorkerID("w-1"), noShift.WorkerID)
}

func TestEngine_RecordAccrual_ManualTimeOrdering(t *testing.T) {
	// GIVEN: An active shift with an event at T0+30m
	// WHEN: A manual accrual is back-dated before that event, before the
	//       start, or into the future
	// THEN: Each is rejected with InvalidTimeError

	ctx := context.Background()
	engine, _, clock := newTestEngine(t)
	_, err := engine.StartShift(ctx, earnings.StartShiftCommand{WorkerID: "w-1"})
	require.NoError(t, err)
	clock.Advance(time.Hour)

	at := t0.Add(30 * time.Minute)
	cmd := accrue(earnings.EventAddOrder, "1")
	cmd.At = &at
	_, err = engine.RecordAccrual(ctx, cmd)
	require.NoError(t, err)

	for _, bad := range []time.Time{t0.Add(10 * time.Minute), t0.Add(-time.Minute), t0.Add(2 * time.Hour)} {
		bad := bad
		cmd.At = &bad
		_, err := engine.RecordAccrual(ctx, cmd)
		assert.ErrorIs(t, err, earnings.ErrInvalidTime, "at %s", bad)
	}
}

func TestEngine_ExpenseCategoriesFlowIntoBreakdown(t *testing.T) {
	ctx := context.Background()
	engine, _, clock := newTestEngine(t)
	res, err := engine.StartShift(ctx, earnings.StartShiftCommand{WorkerID: "w-1"})
	require.NoError(t, err)
	clock.Advance(time.Hour)

	food := accrue(earnings.EventAddExpense, "15")
	food.Category = "food"
	fuel := accrue(earnings.EventAddExpense, "25")
	fuel.Category = "fuel"
	_, err = engine.RecordAccrual(ctx, food)
	require.NoError(t, err)
	_, err = engine.RecordAccrual(ctx, fuel)
	require.NoError(t, err)

	b, err := engine.ComputeBreakdown(ctx, res.Shift.ID, nil)
	require.NoError(t, err)
	assertDec(t, "15", b.FoodExpense, "food")
	assertDec(t, "25", b.OtherExpense, "other")
	assert.True(t, b.ExpenseDrift.IsZero())
}

func TestEngine_UndeclaredExpenseCategory_Warns(t *testing.T) {
	// GIVEN: A policy declaring food, fuel and other
	// WHEN: Expenses are recorded as fuel and as parking
	// THEN: Only parking is logged as undeclared, and both land in the other bucket

	ctx := context.Background()
	logger, hook := logtest.NewNullLogger()
	policy := earnings.DefaultPolicy()
	policy.ExpenseCategories = []earnings.Category{"food", "fuel", "other"}
	engine := earnings.NewShiftEngine(store.NewTxMemory(), policy,
		earnings.WithClock(earnings.NewManualClock(t0)),
		earnings.WithLogger(logger))

	res, err := engine.StartShift(ctx, earnings.StartShiftCommand{WorkerID: "w-1"})
	require.NoError(t, err)

	fuel := accrue(earnings.EventAddExpense, "10")
	fuel.Category = "Fuel"
	_, err = engine.RecordAccrual(ctx, fuel)
	require.NoError(t, err)

	parking := accrue(earnings.EventAddExpense, "5")
	parking.Category = "parking"
	_, err = engine.RecordAccrual(ctx, parking)
	require.NoError(t, err)

	var warned []any
	for _, entry := range hook.AllEntries() {
		if entry.Level == logrus.WarnLevel {
			warned = append(warned, entry.Data["category"])
		}
	}
	assert.Equal(t, []any{earnings.Category("parking")}, warned)

	b, err := engine.ComputeBreakdown(ctx, res.Shift.ID, nil)
	require.NoError(t, err)
	assertDec(t, "15", b.OtherExpense, "other")
}

func TestEngine_BreakdownAsOfPast(t *testing.T) {
	ctx := context.Background()
	engine, _, clock := newTestEngine(t)
	res, err := engine.StartShift(ctx, earnings.StartShiftCommand{WorkerID: "w-1"})
	require.NoError(t, err)
	clock.Advance(2 * time.Hour)
	_, err = engine.RecordAccrual(ctx, accrue(earnings.EventAddOrder, "3"))
	require.NoError(t, err)

	asOf := t0.Add(time.Hour)
	b, err := engine.ComputeBreakdown(ctx, res.Shift.ID, &asOf)
	require.NoError(t, err)

	assert.Equal(t, int64(0), b.OrdersCount)
	assertDec(t, "1", b.DurationHours, "duration")
}

// =============================================================================
// RATE TESTS
// =============================================================================

func TestEngine_UpdateRate_RecordsOldAndNew(t *testing.T) {
	ctx := context.Background()
	engine, _, _ := newTestEngine(t)
	res, err := engine.StartShift(ctx, earnings.StartShiftCommand{WorkerID: "w-1"})
	require.NoError(t, err)

	_, err = engine.UpdateRate(ctx, earnings.RateCommand{WorkerID: "w-1", Field: earnings.RateHourly, Value: dec("200")})
	require.NoError(t, err)
	shift, err := engine.UpdateRate(ctx, earnings.RateCommand{WorkerID: "w-1", Field: earnings.RateHourly, Value: dec("300")})
	require.NoError(t, err)
	assertDec(t, "300", shift.Rates.Hourly, "hourly")

	events, err := engine.RecentEvents(ctx, res.Shift.ID, 1)
	require.NoError(t, err)
	require.Len(t, events, 1)
	d, ok := events[0].Details.(earnings.RateDetails)
	require.True(t, ok)
	assertDec(t, "200", d.Old, "old")
	assertDec(t, "300", d.New, "new")
}

func TestEngine_UpdateRate_Validation(t *testing.T) {
	ctx := context.Background()
	engine, _, _ := newTestEngine(t)
	_, err := engine.StartShift(ctx, earnings.StartShiftCommand{WorkerID: "w-1"})
	require.NoError(t, err)

	_, err = engine.UpdateRate(ctx, earnings.RateCommand{WorkerID: "w-1", Field: "bonus", Value: dec("1")})
	assert.ErrorIs(t, err, earnings.ErrValidation)
	_, err = engine.UpdateRate(ctx, earnings.RateCommand{WorkerID: "w-1", Field: earnings.RateHourly, Value: dec("-1")})
	assert.ErrorIs(t, err, earnings.ErrValidation)
}

// =============================================================================
// FORMING STATE
// =============================================================================

func TestEngine_FormingShift_PromotedOnFirstAccrual(t *testing.T) {
	// GIVEN: A forming shift written directly to the store
	// WHEN: The first accrual arrives
	// THEN: The shift becomes active; ending a forming shift is refused

	ctx := context.Background()
	engine, mem, _ := newTestEngine(t)

	forming := earnings.Shift{
		ID: "s-forming", WorkerID: "w-1", Status: earnings.StatusForming,
		StartTime: t0, LastEventAt: t0,
	}
	require.NoError(t, mem.SaveShiftAndEvent(ctx, forming, earnings.NewEvent(forming.ID, t0, earnings.StartDetails{})))

	_, err := engine.EndShift(ctx, earnings.EndShiftCommand{WorkerID: "w-1"})
	assert.ErrorIs(t, err, earnings.ErrNoActiveShift)

	shift, err := engine.RecordAccrual(ctx, accrue(earnings.EventAddOrder, "1"))
	require.NoError(t, err)
	assert.Equal(t, earnings.StatusActive, shift.Status)
	assert.Equal(t, earnings.ShiftID("s-forming"), shift.ID)
}

// =============================================================================
// DELETE / QUERY TESTS
// =============================================================================

func TestEngine_DeleteShift_OwnerOnly(t *testing.T) {
	ctx := context.Background()
	engine, mem, _ := newTestEngine(t)
	res, err := engine.StartShift(ctx, earnings.StartShiftCommand{WorkerID: "w-1"})
	require.NoError(t, err)

	err = engine.DeleteShift(ctx, res.Shift.ID, "w-2")
	assert.ErrorIs(t, err, earnings.ErrNotFound)

	require.NoError(t, engine.DeleteShift(ctx, res.Shift.ID, "w-1"))
	shifts, events := mem.Counts()
	assert.Zero(t, shifts)
	assert.Zero(t, events)

	_, err = engine.GetShift(ctx, res.Shift.ID)
	assert.ErrorIs(t, err, earnings.ErrNotFound)
}

func TestEngine_HistoryAndPeriodReport(t *testing.T) {
	// GIVEN: Seven completed shifts on consecutive days
	// WHEN: Listing history and building the all-time report
	// THEN: History pages hold five newest first; the report covers all seven

	ctx := context.Background()
	engine, _, clock := newTestEngine(t)

	var ids []earnings.ShiftID
	for i := 0; i < 7; i++ {
		res, err := engine.StartShift(ctx, earnings.StartShiftCommand{WorkerID: "w-1"})
		require.NoError(t, err)
		ids = append(ids, res.Shift.ID)
		setRates(t, engine, "w-1", "100", "0", "0")
		clock.Advance(time.Hour)
		_, err = engine.EndShift(ctx, earnings.EndShiftCommand{WorkerID: "w-1"})
		require.NoError(t, err)
		clock.Advance(23 * time.Hour)
	}

	window, err := earnings.WindowFor(earnings.PresetAllTime, clock.Now())
	require.NoError(t, err)

	page, err := engine.GetCompletedShifts(ctx, "w-1", window, earnings.Page{})
	require.NoError(t, err)
	require.Len(t, page, earnings.DefaultPageSize)
	assert.Equal(t, ids[6], page[0].ID)

	rest, err := engine.GetCompletedShifts(ctx, "w-1", window, earnings.Page{Offset: 5})
	require.NoError(t, err)
	assert.Len(t, rest, 2)

	report, err := engine.ComputePeriodReport(ctx, "w-1", window)
	require.NoError(t, err)
	assert.Equal(t, 7, report.ShiftCount)
	assertDec(t, "7", report.DurationHours, "hours")
	assertDec(t, "700", report.GrossIncome, "gross")
	assertDec(t, "1", report.AvgHoursPerShift, "avg")
}

func TestEngine_RecentEvents_NewestFirst(t *testing.T) {
	ctx := context.Background()
	engine, _, clock := newTestEngine(t)
	res, err := engine.StartShift(ctx, earnings.StartShiftCommand{WorkerID: "w-1"})
	require.NoError(t, err)
	for i := 1; i <= 6; i++ {
		clock.Advance(time.Minute)
		_, err := engine.RecordAccrual(ctx, accrue(earnings.EventAddOrder, fmt.Sprint(i)))
		require.NoError(t, err)
	}

	events, err := engine.RecentEvents(ctx, res.Shift.ID, 0)
	require.NoError(t, err)

	require.Len(t, events, earnings.DefaultPageSize)
	assert.Equal(t, int64(6), events[0].Details.(earnings.OrderDetails).Count)
	assert.True(t, events[0].Timestamp.After(events[4].Timestamp))
}

// =============================================================================
// ATOMICITY TESTS
// =============================================================================

// failingStore commits the write then fails, so only a rollback can undo it.
type failingStore struct {
	*store.TxMemory
}

func (f *failingStore) WithTx(ctx context.Context, fn func(earnings.Store) error) error {
	return f.TxMemory.WithTx(ctx, func(s earnings.Store) error {
		return fn(&failAfterSave{Store: s})
	})
}

type failAfterSave struct {
	earnings.Store
}

func (f *failAfterSave) SaveShiftAndEvent(ctx context.Context, shift earnings.Shift, event earnings.Event) error {
	if err := f.Store.SaveShiftAndEvent(ctx, shift, event); err != nil {
		return err
	}
	return errors.New("disk full")
}

func TestEngine_StoreFailure_RollsBack(t *testing.T) {
	// GIVEN: A store whose save fails after writing
	// WHEN: StartShift runs
	// THEN: StoreError is returned and nothing is persisted

	ctx := context.Background()
	mem := store.NewTxMemory()
	engine := earnings.NewShiftEngine(&failingStore{TxMemory: mem}, earnings.DefaultPolicy(),
		earnings.WithClock(earnings.NewManualClock(t0)))

	_, err := engine.StartShift(ctx, earnings.StartShiftCommand{WorkerID: "w-1"})

	assert.ErrorIs(t, err, earnings.ErrStore)
	var storeErr *earnings.StoreError
	require.ErrorAs(t, err, &storeErr)
	assert.EqualError(t, storeErr.Err, "disk full")

	shifts, events := mem.Counts()
	assert.Zero(t, shifts)
	assert.Zero(t, events)
}

// =============================================================================
// CONCURRENCY TESTS
// =============================================================================

func TestEngine_ConcurrentStarts_SingleOpenShift(t *testing.T) {
	// GIVEN: 20 goroutines starting a shift for the same worker
	// THEN: Exactly one shift exists and 19 callers were resumed

	ctx := context.Background()
	engine, mem, _ := newTestEngine(t)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		resumed int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := engine.StartShift(ctx, earnings.StartShiftCommand{WorkerID: "w-1"})
			if assert.NoError(t, err) && res.Resumed {
				mu.Lock()
				resumed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	shifts, _ := mem.Counts()
	assert.Equal(t, 1, shifts)
	assert.Equal(t, 19, resumed)
}

func TestEngine_ConcurrentAccruals_NoLostUpdates(t *testing.T) {
	// GIVEN: Several workers, each receiving concurrent orders
	// THEN: Every worker's counter equals the number of orders sent

	ctx := context.Background()
	engine, _, _ := newTestEngine(t)

	workers := []earnings.WorkerID{"w-1", "w-2", "w-3"}
	for _, w := range workers {
		_, err := engine.StartShift(ctx, earnings.StartShiftCommand{WorkerID: w})
		require.NoError(t, err)
	}

	const perWorker = 50
	var wg sync.WaitGroup
	for _, w := range workers {
		for i := 0; i < perWorker; i++ {
			wg.Add(1)
			go func(w earnings.WorkerID) {
				defer wg.Done()
				_, err := engine.RecordAccrual(ctx, earnings.AccrualCommand{
					WorkerID: w, Kind: earnings.EventAddOrder, Value: decimal.NewFromInt(1),
				})
				assert.NoError(t, err)
			}(w)
		}
	}
	wg.Wait()

	for _, w := range workers {
		open, err := engine.GetOpenShift(ctx, w)
		require.NoError(t, err)
		require.NotNil(t, open)
		assert.Equal(t, int64(perWorker), open.Counters.Orders, "worker %s", w)

		rec, err := engine.GetShift(ctx, open.ID)
		require.NoError(t, err)
		assert.True(t, rec.Shift.Counters.Equal(earnings.Replay(rec.Events)))
	}
}

func TestKeyedMutex_DifferentKeysDoNotBlock(t *testing.T) {
	km := earnings.NewKeyedMutex()
	ctx := context.Background()

	unlockA, err := km.Lock(ctx, "a")
	require.NoError(t, err)
	defer unlockA()

	done := make(chan struct{})
	go func() {
		unlockB, err := km.Lock(ctx, "b")
		if assert.NoError(t, err) {
			unlockB()
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock on b blocked behind a")
	}
}

func TestKeyedMutex_ContextCancel(t *testing.T) {
	km := earnings.NewKeyedMutex()

	unlock, err := km.Lock(context.Background(), "a")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = km.Lock(ctx, "a")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	unlock()
	assert.Equal(t, 0, km.Len())
}
