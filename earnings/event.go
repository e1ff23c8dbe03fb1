/*
event.go - Immutable ledger events

PURPOSE:
  Every monetized or administrative action on a shift is recorded as an
  Event. Events are the source of truth; the shift counters are a cached
  projection that Replay() can rebuild at any time.

EVENT TYPES:
  START_SHIFT     StartDetails      shift opened
  COMPLETE_SHIFT  CompleteDetails   shift closed
  ADD_ORDER       OrderDetails      +count orders
  ADD_TIPS        TipsDetails       +amount tips
  ADD_EXPENSE     ExpenseDetails    +amount expense in a category
  ADD_MILEAGE     MileageDetails    +distance driven
  UPDATE_RATE     RateDetails       rate field changed (audit only)

DETAILS AS A SUM TYPE:
  Details is a sealed interface: each event type has exactly one struct.
  The fold over counters is a method on each variant, so adding a variant
  without teaching it how to apply itself does not compile.

WIRE FORMAT:
  EncodeDetails/DecodeDetails turn details into a flat JSON object with
  decimals as strings. This is the only durable-format contract imposed on
  stores and it round-trips exactly.

SEE ALSO:
  - types.go: Counters
  - calculator.go: Category folding
*/
package earnings

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// =============================================================================
// EVENT TYPE
// =============================================================================

type EventType string

const (
	EventStartShift    EventType = "START_SHIFT"
	EventCompleteShift EventType = "COMPLETE_SHIFT"
	EventAddOrder      EventType = "ADD_ORDER"
	EventAddTips       EventType = "ADD_TIPS"
	EventAddExpense    EventType = "ADD_EXPENSE"
	EventAddMileage    EventType = "ADD_MILEAGE"
	EventUpdateRate    EventType = "UPDATE_RATE"
)

func (t EventType) Valid() bool {
	switch t {
	case EventStartShift, EventCompleteShift, EventAddOrder, EventAddTips,
		EventAddExpense, EventAddMileage, EventUpdateRate:
		return true
	}
	return false
}

// IsAccrual reports whether the type increases a counter.
func (t EventType) IsAccrual() bool {
	switch t {
	case EventAddOrder, EventAddTips, EventAddExpense, EventAddMileage:
		return true
	}
	return false
}

// =============================================================================
// EXPENSE CATEGORIES
// =============================================================================

// Category is an open set; only food is split out in reports.
type Category string

const (
	CategoryFood  Category = "food"
	CategoryOther Category = "other"
)

// NormalizeCategory lower-cases and trims; empty becomes other.
func NormalizeCategory(s string) Category {
	c := Category(strings.ToLower(strings.TrimSpace(s)))
	if c == "" {
		return CategoryOther
	}
	return c
}

// Bucket maps any category onto the two reporting buckets.
func (c Category) Bucket() Category {
	if NormalizeCategory(string(c)) == CategoryFood {
		return CategoryFood
	}
	return CategoryOther
}

// =============================================================================
// DETAILS - One variant per event type
// =============================================================================

// Details is the typed payload of an event.
type Details interface {
	EventType() EventType
	apply(c *Counters)
}

type StartDetails struct {
	Message string `json:"message,omitempty"`
}

type CompleteDetails struct {
	Message string `json:"message,omitempty"`
}

type OrderDetails struct {
	Count int64 `json:"count"`
}

type TipsDetails struct {
	Amount decimal.Decimal `json:"amount"`
}

type ExpenseDetails struct {
	Amount   decimal.Decimal `json:"amount"`
	Category Category        `json:"category"`
}

type MileageDetails struct {
	Distance decimal.Decimal `json:"distance"`
}

type RateDetails struct {
	Field RateField       `json:"field"`
	Old   decimal.Decimal `json:"old"`
	New   decimal.Decimal `json:"new"`
}

func (StartDetails) EventType() EventType    { return EventStartShift }
func (CompleteDetails) EventType() EventType { return EventCompleteShift }
func (OrderDetails) EventType() EventType    { return EventAddOrder }
func (TipsDetails) EventType() EventType     { return EventAddTips }
func (ExpenseDetails) EventType() EventType  { return EventAddExpense }
func (MileageDetails) EventType() EventType  { return EventAddMileage }
func (RateDetails) EventType() EventType     { return EventUpdateRate }

func (StartDetails) apply(*Counters)       {}
func (CompleteDetails) apply(*Counters)    {}
func (RateDetails) apply(*Counters)        {}
func (d OrderDetails) apply(c *Counters)   { c.Orders += d.Count }
func (d TipsDetails) apply(c *Counters)    { c.Tips = c.Tips.Add(d.Amount) }
func (d ExpenseDetails) apply(c *Counters) { c.Expenses = c.Expenses.Add(d.Amount) }
func (d MileageDetails) apply(c *Counters) { c.Mileage = c.Mileage.Add(d.Distance) }

// =============================================================================
// EVENT
// =============================================================================

// Event is an immutable fact belonging to exactly one shift.
type Event struct {
	ID        EventID
	ShiftID   ShiftID
	Type      EventType
	Timestamp time.Time
	Details   Details
}

// NewEvent builds an event with a fresh id; Type is taken from the details.
func NewEvent(shiftID ShiftID, at time.Time, d Details) Event {
	return Event{
		ID:        EventID(uuid.NewString()),
		ShiftID:   shiftID,
		Type:      d.EventType(),
		Timestamp: at,
		Details:   d,
	}
}

// Apply folds the event into counters.
func (e Event) Apply(c *Counters) {
	if e.Details != nil {
		e.Details.apply(c)
	}
}

// SortEvents returns a copy ordered by timestamp. Ties keep append order.
func SortEvents(events []Event) []Event {
	out := make([]Event, len(events))
	copy(out, events)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out
}

// Replay rebuilds counters from the full event log.
func Replay(events []Event) Counters {
	var c Counters
	for _, e := range SortEvents(events) {
		e.Apply(&c)
	}
	return c
}

// ReplayUntil rebuilds counters from events with Timestamp <= asOf.
func ReplayUntil(events []Event, asOf time.Time) Counters {
	var c Counters
	for _, e := range SortEvents(events) {
		if e.Timestamp.After(asOf) {
			break
		}
		e.Apply(&c)
	}
	return c
}

// =============================================================================
// CODEC
// =============================================================================

// EncodeDetails serializes details for persistence.
func EncodeDetails(d Details) ([]byte, error) {
	if d == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(d)
}

// DecodeDetails restores the variant for the given event type.
func DecodeDetails(t EventType, data []byte) (Details, error) {
	if len(data) == 0 {
		data = []byte("{}")
	}
	var (
		d   Details
		err error
	)
	switch t {
	case EventStartShift:
		var v StartDetails
		err = json.Unmarshal(data, &v)
		d = v
	case EventCompleteShift:
		var v CompleteDetails
		err = json.Unmarshal(data, &v)
		d = v
	case EventAddOrder:
		var v OrderDetails
		err = json.Unmarshal(data, &v)
		d = v
	case EventAddTips:
		var v TipsDetails
		err = json.Unmarshal(data, &v)
		d = v
	case EventAddExpense:
		var v ExpenseDetails
		err = json.Unmarshal(data, &v)
		v.Category = NormalizeCategory(string(v.Category))
		d = v
	case EventAddMileage:
		var v MileageDetails
		err = json.Unmarshal(data, &v)
		d = v
	case EventUpdateRate:
		var v RateDetails
		err = json.Unmarshal(data, &v)
		d = v
	default:
		return nil, fmt.Errorf("unknown event type %q", t)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s details: %w", t, err)
	}
	return d, nil
}
