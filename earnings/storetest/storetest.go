// Package storetest is a conformance suite for earnings.TxStore
// implementations. Each backend's tests call Run with a constructor that
// returns an empty store.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/earnings-engine/earnings"
)

// T0 is the reference instant used by the suite. Whole seconds keep it
// exact across backends with microsecond timestamps.
var T0 = time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)

// Factory returns an empty store. It registers its own cleanup.
type Factory func(t *testing.T) earnings.TxStore

// Run executes every conformance test against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	tests := map[string]func(*testing.T, earnings.TxStore){
		"ShiftRoundTrip":         testShiftRoundTrip,
		"DetailsRoundTrip":       testDetailsRoundTrip,
		"OpenAndLastCompleted":   testOpenAndLastCompleted,
		"OneOpenShiftPerWorker":  testOneOpenShiftPerWorker,
		"DuplicateEventRejected": testDuplicateEventRejected,
		"RangeAndPaging":         testRangeAndPaging,
		"DeleteCascades":         testDeleteCascades,
		"Workers":                testWorkers,
		"WithTxRollback":         testWithTxRollback,
		"WithTxCommit":           testWithTxCommit,
	}
	for name, fn := range tests {
		t.Run(name, func(t *testing.T) {
			fn(t, newStore(t))
		})
	}
}

// =============================================================================
// FIXTURES
// =============================================================================

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// NewShift returns an active shift starting at start.
func NewShift(id earnings.ShiftID, worker earnings.WorkerID, start time.Time) earnings.Shift {
	return earnings.Shift{
		ID:          id,
		WorkerID:    worker,
		Status:      earnings.StatusActive,
		StartTime:   start,
		LastEventAt: start,
		CreatedAt:   start,
		UpdatedAt:   start,
	}
}

// Complete marks s completed at end.
func Complete(s earnings.Shift, end time.Time) earnings.Shift {
	s.Status = earnings.StatusCompleted
	s.EndTime = &end
	s.LastEventAt = end
	s.UpdatedAt = end
	return s
}

func save(t *testing.T, st earnings.Store, s earnings.Shift, d earnings.Details, at time.Time) earnings.Event {
	t.Helper()
	ev := earnings.NewEvent(s.ID, at, d)
	require.NoError(t, st.SaveShiftAndEvent(context.Background(), s, ev))
	return ev
}

// saveCompleted stores a started-then-completed shift.
func saveCompleted(t *testing.T, st earnings.Store, id earnings.ShiftID, worker earnings.WorkerID, start, end time.Time) {
	t.Helper()
	s := NewShift(id, worker, start)
	save(t, st, s, earnings.StartDetails{}, start)
	save(t, st, Complete(s, end), earnings.CompleteDetails{}, end)
}

func ids(shifts []earnings.Shift) []earnings.ShiftID {
	out := make([]earnings.ShiftID, len(shifts))
	for i, s := range shifts {
		out[i] = s.ID
	}
	return out
}

// =============================================================================
// TESTS
// =============================================================================

func testShiftRoundTrip(t *testing.T, st earnings.TxStore) {
	ctx := context.Background()

	s := NewShift("s-1", "w-1", T0)
	s.Counters = earnings.Counters{Orders: 3, Mileage: dec("12.5"), Tips: dec("100.25"), Expenses: dec("7")}
	s.Rates = earnings.Rates{Hourly: dec("200"), PerOrder: dec("50"), PerDistanceUnit: dec("10.5")}
	save(t, st, s, earnings.StartDetails{Message: "shift started"}, T0)

	got, err := st.LoadShift(ctx, "s-1")
	require.NoError(t, err)
	assert.Equal(t, s.ID, got.ID)
	assert.Equal(t, s.WorkerID, got.WorkerID)
	assert.Equal(t, earnings.StatusActive, got.Status)
	assert.True(t, s.StartTime.Equal(got.StartTime))
	assert.Nil(t, got.EndTime)
	assert.True(t, s.Counters.Equal(got.Counters), "counters %+v", got.Counters)
	assert.True(t, s.Rates.PerDistanceUnit.Equal(got.Rates.PerDistanceUnit))

	end := T0.Add(2 * time.Hour)
	save(t, st, Complete(*got, end), earnings.CompleteDetails{}, end)

	got, err = st.LoadShift(ctx, "s-1")
	require.NoError(t, err)
	assert.Equal(t, earnings.StatusCompleted, got.Status)
	require.NotNil(t, got.EndTime)
	assert.True(t, end.Equal(*got.EndTime))

	_, err = st.LoadShift(ctx, "missing")
	assert.True(t, errors.Is(err, earnings.ErrNotFound), "got %v", err)
}

func testDetailsRoundTrip(t *testing.T, st earnings.TxStore) {
	ctx := context.Background()
	s := NewShift("s-1", "w-1", T0)

	written := []earnings.Details{
		earnings.StartDetails{Message: "shift started"},
		earnings.OrderDetails{Count: 2},
		earnings.TipsDetails{Amount: dec("12.34")},
		earnings.ExpenseDetails{Amount: dec("5.5"), Category: earnings.CategoryFood},
		earnings.MileageDetails{Distance: dec("17.125")},
		earnings.RateDetails{Field: earnings.RateHourly, Old: dec("0"), New: dec("250")},
	}
	for i, d := range written {
		save(t, st, s, d, T0.Add(time.Duration(i)*time.Minute))
	}

	events, err := st.LoadEvents(ctx, "s-1")
	require.NoError(t, err)
	require.Len(t, events, len(written))

	for i, e := range events {
		assert.Equal(t, written[i].EventType(), e.Type)
		assert.Equal(t, earnings.ShiftID("s-1"), e.ShiftID)
		assert.True(t, T0.Add(time.Duration(i)*time.Minute).Equal(e.Timestamp))
	}
	assert.Equal(t, int64(2), events[1].Details.(earnings.OrderDetails).Count)
	assert.True(t, dec("12.34").Equal(events[2].Details.(earnings.TipsDetails).Amount))
	exp := events[3].Details.(earnings.ExpenseDetails)
	assert.True(t, dec("5.5").Equal(exp.Amount))
	assert.Equal(t, earnings.CategoryFood, exp.Category)
	rate := events[5].Details.(earnings.RateDetails)
	assert.Equal(t, earnings.RateHourly, rate.Field)
	assert.True(t, dec("250").Equal(rate.New))
}

func testOpenAndLastCompleted(t *testing.T, st earnings.TxStore) {
	ctx := context.Background()

	open, err := st.LoadOpenShift(ctx, "w-1")
	require.NoError(t, err)
	assert.Nil(t, open)

	last, err := st.LoadLastCompletedShift(ctx, "w-1")
	require.NoError(t, err)
	assert.Nil(t, last)

	saveCompleted(t, st, "s-1", "w-1", T0, T0.Add(time.Hour))
	saveCompleted(t, st, "s-2", "w-1", T0.Add(2*time.Hour), T0.Add(3*time.Hour))
	save(t, st, NewShift("s-3", "w-1", T0.Add(4*time.Hour)), earnings.StartDetails{}, T0.Add(4*time.Hour))

	open, err = st.LoadOpenShift(ctx, "w-1")
	require.NoError(t, err)
	require.NotNil(t, open)
	assert.Equal(t, earnings.ShiftID("s-3"), open.ID)

	last, err = st.LoadLastCompletedShift(ctx, "w-1")
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.Equal(t, earnings.ShiftID("s-2"), last.ID)

	other, err := st.LoadOpenShift(ctx, "w-2")
	require.NoError(t, err)
	assert.Nil(t, other)
}

func testOneOpenShiftPerWorker(t *testing.T, st earnings.TxStore) {
	ctx := context.Background()
	save(t, st, NewShift("s-1", "w-1", T0), earnings.StartDetails{}, T0)

	second := NewShift("s-2", "w-1", T0.Add(time.Minute))
	err := st.SaveShiftAndEvent(ctx, second, earnings.NewEvent(second.ID, second.StartTime, earnings.StartDetails{}))
	assert.Error(t, err)

	_, err = st.LoadShift(ctx, "s-2")
	assert.True(t, errors.Is(err, earnings.ErrNotFound), "rejected shift must not be stored")

	save(t, st, NewShift("s-3", "w-2", T0), earnings.StartDetails{}, T0)
}

func testDuplicateEventRejected(t *testing.T, st earnings.TxStore) {
	ctx := context.Background()
	s := NewShift("s-1", "w-1", T0)
	ev := save(t, st, s, earnings.StartDetails{}, T0)

	assert.Error(t, st.SaveShiftAndEvent(ctx, s, ev))

	events, err := st.LoadEvents(ctx, "s-1")
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func testRangeAndPaging(t *testing.T, st earnings.TxStore) {
	ctx := context.Background()
	for i := 0; i < 4; i++ {
		start := T0.Add(time.Duration(i) * 24 * time.Hour)
		saveCompleted(t, st, earnings.ShiftID(fmt.Sprintf("s-%d", i)), "w-1", start, start.Add(time.Hour))
	}
	saveCompleted(t, st, "x-1", "w-2", T0, T0.Add(time.Hour))

	all := func(page earnings.Page) []earnings.ShiftID {
		shifts, err := st.LoadShiftsInRange(ctx, "w-1", earnings.StatusCompleted, T0, T0.Add(30*24*time.Hour), page)
		require.NoError(t, err)
		return ids(shifts)
	}

	assert.Equal(t, []earnings.ShiftID{"s-3", "s-2", "s-1", "s-0"}, all(earnings.Page{Limit: 10}))
	assert.Equal(t, []earnings.ShiftID{"s-1", "s-0"}, all(earnings.Page{Limit: 2, Offset: 2}))
	assert.Empty(t, all(earnings.Page{Limit: 2, Offset: 10}))

	// Bounds are inclusive on the end time.
	shifts, err := st.LoadShiftsInRange(ctx, "w-1", earnings.StatusCompleted,
		T0.Add(time.Hour), T0.Add(25*time.Hour), earnings.Page{Limit: 10})
	require.NoError(t, err)
	assert.Equal(t, []earnings.ShiftID{"s-1", "s-0"}, ids(shifts))

	shifts, err = st.LoadShiftsInRange(ctx, "w-1", earnings.StatusActive, T0, T0.Add(30*24*time.Hour), earnings.Page{})
	require.NoError(t, err)
	assert.Empty(t, shifts)
}

func testDeleteCascades(t *testing.T, st earnings.TxStore) {
	ctx := context.Background()
	saveCompleted(t, st, "s-1", "w-1", T0, T0.Add(time.Hour))
	saveCompleted(t, st, "s-2", "w-1", T0.Add(2*time.Hour), T0.Add(3*time.Hour))

	require.NoError(t, st.DeleteShift(ctx, "s-1"))

	_, err := st.LoadShift(ctx, "s-1")
	assert.True(t, errors.Is(err, earnings.ErrNotFound))
	events, err := st.LoadEvents(ctx, "s-1")
	require.NoError(t, err)
	assert.Empty(t, events)

	events, err = st.LoadEvents(ctx, "s-2")
	require.NoError(t, err)
	assert.Len(t, events, 2)

	assert.True(t, errors.Is(st.DeleteShift(ctx, "s-1"), earnings.ErrNotFound))
}

func testWorkers(t *testing.T, st earnings.TxStore) {
	ctx := context.Background()

	w, err := st.LoadWorker(ctx, "w-1")
	require.NoError(t, err)
	assert.Nil(t, w)

	require.NoError(t, st.SaveWorker(ctx, earnings.Worker{ID: "w-1", DisplayName: "Ann", CreatedAt: T0, UpdatedAt: T0}))
	require.NoError(t, st.SaveWorker(ctx, earnings.Worker{ID: "w-1", DisplayName: "Anna", CreatedAt: T0, UpdatedAt: T0.Add(time.Hour)}))

	w, err = st.LoadWorker(ctx, "w-1")
	require.NoError(t, err)
	require.NotNil(t, w)
	assert.Equal(t, "Anna", w.DisplayName)
	assert.True(t, T0.Equal(w.CreatedAt))
	assert.True(t, T0.Add(time.Hour).Equal(w.UpdatedAt))
}

func testWithTxRollback(t *testing.T, st earnings.TxStore) {
	ctx := context.Background()
	boom := errors.New("boom")

	err := st.WithTx(ctx, func(tx earnings.Store) error {
		require.NoError(t, tx.SaveWorker(ctx, earnings.Worker{ID: "w-1", CreatedAt: T0, UpdatedAt: T0}))
		s := NewShift("s-1", "w-1", T0)
		require.NoError(t, tx.SaveShiftAndEvent(ctx, s, earnings.NewEvent(s.ID, T0, earnings.StartDetails{})))

		open, err := tx.LoadOpenShift(ctx, "w-1")
		require.NoError(t, err)
		require.NotNil(t, open, "writes are visible inside the transaction")
		return boom
	})
	assert.ErrorIs(t, err, boom)

	_, err = st.LoadShift(ctx, "s-1")
	assert.True(t, errors.Is(err, earnings.ErrNotFound))
	w, err := st.LoadWorker(ctx, "w-1")
	require.NoError(t, err)
	assert.Nil(t, w)
}

func testWithTxCommit(t *testing.T, st earnings.TxStore) {
	ctx := context.Background()

	err := st.WithTx(ctx, func(tx earnings.Store) error {
		s := NewShift("s-1", "w-1", T0)
		if err := tx.SaveShiftAndEvent(ctx, s, earnings.NewEvent(s.ID, T0, earnings.StartDetails{})); err != nil {
			return err
		}
		s.Counters.Orders = 1
		return tx.SaveShiftAndEvent(ctx, s, earnings.NewEvent(s.ID, T0.Add(time.Minute), earnings.OrderDetails{Count: 1}))
	})
	require.NoError(t, err)

	got, err := st.LoadShift(ctx, "s-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.Counters.Orders)

	events, err := st.LoadEvents(ctx, "s-1")
	require.NoError(t, err)
	assert.Len(t, events, 2)
}
