package store_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/earnings-engine/earnings"
	"github.com/warp/earnings-engine/earnings/store"
	"github.com/warp/earnings-engine/earnings/storetest"
)

func TestTxMemory_Conformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) earnings.TxStore {
		return store.NewTxMemory()
	})
}

func TestMemory_RejectsEventOfAnotherShift(t *testing.T) {
	// GIVEN: A shift s-1
	// WHEN: Saving it with an event that names s-2
	// THEN: The pair is rejected and nothing is written

	ctx := context.Background()
	m := store.NewMemory()
	s := storetest.NewShift("s-1", "w-1", storetest.T0)

	err := m.SaveShiftAndEvent(ctx, s, earnings.NewEvent("s-2", storetest.T0, earnings.StartDetails{}))
	require.Error(t, err)

	shifts, events := m.Counts()
	assert.Equal(t, 0, shifts)
	assert.Equal(t, 0, events)
}

func TestMemory_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()
	end := storetest.T0.Add(1)
	s := storetest.Complete(storetest.NewShift("s-1", "w-1", storetest.T0), end)
	require.NoError(t, m.SaveShiftAndEvent(ctx, s, earnings.NewEvent(s.ID, end, earnings.CompleteDetails{})))

	got, err := m.LoadShift(ctx, "s-1")
	require.NoError(t, err)
	*got.EndTime = storetest.T0.Add(1000)

	again, err := m.LoadShift(ctx, "s-1")
	require.NoError(t, err)
	assert.True(t, end.Equal(*again.EndTime))
}
