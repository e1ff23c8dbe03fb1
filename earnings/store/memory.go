// Package store provides in-process Store implementations.
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/warp/earnings-engine/earnings"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu sync.RWMutex
	state
}

// state holds the data and implements every read/write without locking.
// Memory guards it with mu; the transactional view runs under the lock
// already held by WithTx.
type state struct {
	workers map[earnings.WorkerID]earnings.Worker
	shifts  map[earnings.ShiftID]earnings.Shift
	events  map[earnings.ShiftID][]earnings.Event
	eventID map[earnings.EventID]bool
}

func newState() state {
	return state{
		workers: make(map[earnings.WorkerID]earnings.Worker),
		shifts:  make(map[earnings.ShiftID]earnings.Shift),
		events:  make(map[earnings.ShiftID][]earnings.Event),
		eventID: make(map[earnings.EventID]bool),
	}
}

func NewMemory() *Memory {
	return &Memory{state: newState()}
}

func (m *Memory) LoadOpenShift(ctx context.Context, workerID earnings.WorkerID) (*earnings.Shift, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.LoadOpenShift(ctx, workerID)
}

func (m *Memory) LoadShift(ctx context.Context, id earnings.ShiftID) (*earnings.Shift, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.LoadShift(ctx, id)
}

func (m *Memory) LoadEvents(ctx context.Context, id earnings.ShiftID) ([]earnings.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.LoadEvents(ctx, id)
}

func (m *Memory) LoadShiftsInRange(ctx context.Context, workerID earnings.WorkerID, status earnings.Status, start, end time.Time, page earnings.Page) ([]earnings.Shift, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.LoadShiftsInRange(ctx, workerID, status, start, end, page)
}

func (m *Memory) LoadLastCompletedShift(ctx context.Context, workerID earnings.WorkerID) (*earnings.Shift, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.LoadLastCompletedShift(ctx, workerID)
}

func (m *Memory) SaveShiftAndEvent(ctx context.Context, shift earnings.Shift, event earnings.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.SaveShiftAndEvent(ctx, shift, event)
}

func (m *Memory) DeleteShift(ctx context.Context, id earnings.ShiftID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.DeleteShift(ctx, id)
}

func (m *Memory) SaveWorker(ctx context.Context, w earnings.Worker) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.SaveWorker(ctx, w)
}

func (m *Memory) LoadWorker(ctx context.Context, id earnings.WorkerID) (*earnings.Worker, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.LoadWorker(ctx, id)
}

// =============================================================================
// UNLOCKED OPERATIONS
// =============================================================================

func (s *state) LoadOpenShift(_ context.Context, workerID earnings.WorkerID) (*earnings.Shift, error) {
	for _, sh := range s.shifts {
		if sh.WorkerID == workerID && sh.IsOpen() {
			out := sh.Clone()
			return &out, nil
		}
	}
	return nil, nil
}

func (s *state) LoadShift(_ context.Context, id earnings.ShiftID) (*earnings.Shift, error) {
	sh, ok := s.shifts[id]
	if !ok {
		return nil, &earnings.NotFoundError{Kind: "shift", ID: string(id)}
	}
	out := sh.Clone()
	return &out, nil
}

func (s *state) LoadEvents(_ context.Context, id earnings.ShiftID) ([]earnings.Event, error) {
	return earnings.SortEvents(s.events[id]), nil
}

func (s *state) LoadShiftsInRange(_ context.Context, workerID earnings.WorkerID, status earnings.Status, start, end time.Time, page earnings.Page) ([]earnings.Shift, error) {
	page = page.Normalize()

	var matched []earnings.Shift
	for _, sh := range s.shifts {
		if sh.WorkerID != workerID || sh.Status != status {
			continue
		}
		at := rangeKey(sh)
		if at.Before(start) || at.After(end) {
			continue
		}
		matched = append(matched, sh.Clone())
	}

	sort.Slice(matched, func(i, j int) bool {
		ai, aj := rangeKey(matched[i]), rangeKey(matched[j])
		if !ai.Equal(aj) {
			return ai.After(aj)
		}
		return matched[i].ID > matched[j].ID
	})

	if page.Offset >= len(matched) {
		return []earnings.Shift{}, nil
	}
	matched = matched[page.Offset:]
	if len(matched) > page.Limit {
		matched = matched[:page.Limit]
	}
	return matched, nil
}

func (s *state) LoadLastCompletedShift(_ context.Context, workerID earnings.WorkerID) (*earnings.Shift, error) {
	var last *earnings.Shift
	for _, sh := range s.shifts {
		if sh.WorkerID != workerID || !sh.IsCompleted() || sh.EndTime == nil {
			continue
		}
		if last == nil || sh.EndTime.After(*last.EndTime) {
			c := sh.Clone()
			last = &c
		}
	}
	return last, nil
}

func (s *state) SaveShiftAndEvent(_ context.Context, shift earnings.Shift, event earnings.Event) error {
	if event.ShiftID != shift.ID {
		return fmt.Errorf("event %s belongs to shift %s, not %s", event.ID, event.ShiftID, shift.ID)
	}
	if s.eventID[event.ID] {
		return fmt.Errorf("duplicate event id %s", event.ID)
	}
	if shift.IsOpen() {
		for id, other := range s.shifts {
			if id != shift.ID && other.WorkerID == shift.WorkerID && other.IsOpen() {
				return fmt.Errorf("worker %s already has open shift %s", shift.WorkerID, id)
			}
		}
	}

	s.shifts[shift.ID] = shift.Clone()
	s.events[shift.ID] = append(s.events[shift.ID], event)
	s.eventID[event.ID] = true
	return nil
}

func (s *state) DeleteShift(_ context.Context, id earnings.ShiftID) error {
	if _, ok := s.shifts[id]; !ok {
		return &earnings.NotFoundError{Kind: "shift", ID: string(id)}
	}
	for _, e := range s.events[id] {
		delete(s.eventID, e.ID)
	}
	delete(s.events, id)
	delete(s.shifts, id)
	return nil
}

func (s *state) SaveWorker(_ context.Context, w earnings.Worker) error {
	s.workers[w.ID] = w
	return nil
}

func (s *state) LoadWorker(_ context.Context, id earnings.WorkerID) (*earnings.Worker, error) {
	w, ok := s.workers[id]
	if !ok {
		return nil, nil
	}
	return &w, nil
}

// rangeKey is the instant a shift is filed under: end for completed
// shifts, start otherwise.
func rangeKey(sh earnings.Shift) time.Time {
	if sh.EndTime != nil {
		return *sh.EndTime
	}
	return sh.StartTime
}

// =============================================================================
// TRANSACTIONAL MEMORY STORE
// =============================================================================

// TxMemory wraps Memory with transaction support.
type TxMemory struct {
	*Memory
}

func NewTxMemory() *TxMemory {
	return &TxMemory{Memory: NewMemory()}
}

// WithTx executes fn within a transaction.
// For memory store, this is simulated with a snapshot + rollback on error.
func (tm *TxMemory) WithTx(ctx context.Context, fn func(earnings.Store) error) error {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	snapshot := tm.state.snapshot()

	if err := fn(&tm.state); err != nil {
		tm.state = snapshot
		return err
	}
	return nil
}

func (s *state) snapshot() state {
	c := newState()
	for k, v := range s.workers {
		c.workers[k] = v
	}
	for k, v := range s.shifts {
		c.shifts[k] = v.Clone()
	}
	for k, v := range s.events {
		c.events[k] = append([]earnings.Event(nil), v...)
	}
	for k, v := range s.eventID {
		c.eventID[k] = v
	}
	return c
}

// Counts reports how many shifts and events are stored.
func (m *Memory) Counts() (shifts, events int) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.shifts), len(m.eventID)
}
