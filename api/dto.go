/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the earnings model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

MONEY AND DISTANCE:
  Every decimal is rendered as a JSON string ("235.5") so clients never
  round through float64. Requests accept either strings or numbers.

VALIDATION:
  Request types carry go-playground/validator tags for shape checks
  (required, oneof). Domain rules such as non-negative values and time
  ordering stay in the engine so every transport gets them.

SEE ALSO:
  - handlers.go: Uses these types
  - factory/policy.go: PolicyJSON type
*/
package api

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/earnings-engine/earnings"
)

// =============================================================================
// REQUESTS
// =============================================================================

// RegisterWorkerRequest creates or renames a worker.
type RegisterWorkerRequest struct {
	DisplayName string `json:"display_name" validate:"max=200"`
}

// StartShiftRequest opens a shift. Both fields are optional.
type StartShiftRequest struct {
	DisplayName string     `json:"display_name,omitempty" validate:"max=200"`
	StartTime   *time.Time `json:"start_time,omitempty"`
}

// AccrualRequest records one order, tip, expense or mileage entry.
type AccrualRequest struct {
	Kind     string           `json:"kind" validate:"required,oneof=order tips expense mileage"`
	Value    *decimal.Decimal `json:"value" validate:"required"`
	Category string           `json:"category,omitempty" validate:"max=64"`
	At       *time.Time       `json:"at,omitempty"`
}

// UpdateRateRequest sets one rate of an open shift.
type UpdateRateRequest struct {
	Field string           `json:"field" validate:"required,oneof=hourly_rate per_order_rate per_distance_unit_rate"`
	Value *decimal.Decimal `json:"value" validate:"required"`
}

// EndShiftRequest completes a shift. EndTime defaults to now.
type EndShiftRequest struct {
	EndTime *time.Time `json:"end_time,omitempty"`
}

// accrualKinds maps request kinds onto event types.
var accrualKinds = map[string]earnings.EventType{
	"order":   earnings.EventAddOrder,
	"tips":    earnings.EventAddTips,
	"expense": earnings.EventAddExpense,
	"mileage": earnings.EventAddMileage,
}

// =============================================================================
// RESPONSES
// =============================================================================

// WorkerDTO represents a worker.
type WorkerDTO struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	CreatedAt   string `json:"created_at"`
	UpdatedAt   string `json:"updated_at"`
}

// RatesDTO holds the three configurable rates.
type RatesDTO struct {
	Hourly          decimal.Decimal `json:"hourly_rate"`
	PerOrder        decimal.Decimal `json:"per_order_rate"`
	PerDistanceUnit decimal.Decimal `json:"per_distance_unit_rate"`
}

// ShiftDTO represents a shift with its cached counters.
type ShiftDTO struct {
	ID          string          `json:"id"`
	WorkerID    string          `json:"worker_id"`
	Status      string          `json:"status"`
	StartTime   string          `json:"start_time"`
	EndTime     *string         `json:"end_time,omitempty"`
	Orders      int64           `json:"orders"`
	Mileage     decimal.Decimal `json:"mileage"`
	Tips        decimal.Decimal `json:"tips"`
	Expenses    decimal.Decimal `json:"expenses"`
	Rates       RatesDTO        `json:"rates"`
	LastEventAt string          `json:"last_event_at"`
}

// StartShiftResponse tells the client whether the shift was resumed.
type StartShiftResponse struct {
	Shift   ShiftDTO `json:"shift"`
	Resumed bool     `json:"resumed"`
	Notice  string   `json:"notice,omitempty"`
}

// EventDTO represents one ledger entry.
type EventDTO struct {
	ID        string          `json:"id"`
	ShiftID   string          `json:"shift_id"`
	Type      string          `json:"type"`
	Timestamp string          `json:"timestamp"`
	Details   json.RawMessage `json:"details"`
}

// ShiftRecordDTO is a shift with its full ledger.
type ShiftRecordDTO struct {
	Shift  ShiftDTO   `json:"shift"`
	Events []EventDTO `json:"events"`
}

// TotalsDTO mirrors earnings.Totals.
type TotalsDTO struct {
	DurationHours       decimal.Decimal `json:"duration_hours"`
	OrdersCount         int64           `json:"orders_count"`
	TotalMileage        decimal.Decimal `json:"total_mileage"`
	TotalTips           decimal.Decimal `json:"total_tips"`
	RevenueTime         decimal.Decimal `json:"revenue_time"`
	RevenueOrders       decimal.Decimal `json:"revenue_orders"`
	GrossIncome         decimal.Decimal `json:"gross_income"`
	MileageCost         decimal.Decimal `json:"mileage_cost"`
	FoodExpense         decimal.Decimal `json:"food_expense"`
	OtherExpense        decimal.Decimal `json:"other_expense"`
	OperationalExpenses decimal.Decimal `json:"operational_expenses"`
	Tax                 decimal.Decimal `json:"tax"`
	TotalExpenses       decimal.Decimal `json:"total_expenses"`
	NetProfit           decimal.Decimal `json:"net_profit"`
}

// UnitRatesDTO mirrors earnings.UnitRates.
type UnitRatesDTO struct {
	ProfitPerHour         decimal.Decimal `json:"profit_per_hour"`
	ProfitPerOrder        decimal.Decimal `json:"profit_per_order"`
	ProfitPerDistanceUnit decimal.Decimal `json:"profit_per_distance_unit"`
	OrdersPerHour         decimal.Decimal `json:"orders_per_hour"`
	MileagePerOrder       decimal.Decimal `json:"mileage_per_order"`
}

// ProjectionDTO is one projected monthly income.
type ProjectionDTO struct {
	Name   string          `json:"name"`
	Hours  decimal.Decimal `json:"hours"`
	Income decimal.Decimal `json:"income"`
}

// BreakdownDTO is a shift's statistics card.
type BreakdownDTO struct {
	ShiftID      string          `json:"shift_id"`
	WorkerID     string          `json:"worker_id"`
	Status       string          `json:"status"`
	StartTime    string          `json:"start_time"`
	AsOf         string          `json:"as_of"`
	Rates        RatesDTO        `json:"rates"`
	Totals       TotalsDTO       `json:"totals"`
	UnitRates    UnitRatesDTO    `json:"unit_rates"`
	ExpenseDrift decimal.Decimal `json:"expense_drift"`
	Projections  []ProjectionDTO `json:"projections"`
}

// PeriodReportDTO aggregates completed shifts in a window.
type PeriodReportDTO struct {
	From             string          `json:"from"`
	To               string          `json:"to"`
	ShiftCount       int             `json:"shift_count"`
	Totals           TotalsDTO       `json:"totals"`
	UnitRates        UnitRatesDTO    `json:"unit_rates"`
	AvgHoursPerShift decimal.Decimal `json:"avg_hours_per_shift"`
	Projections      []ProjectionDTO `json:"projections"`
	Shifts           []BreakdownDTO  `json:"shifts"`
}

// ShiftListDTO is one page of history.
type ShiftListDTO struct {
	Shifts []ShiftDTO `json:"shifts"`
	Limit  int        `json:"limit"`
	Offset int        `json:"offset"`
}

// ErrorResponse is the standard error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details any    `json:"details,omitempty"`
}

// =============================================================================
// CONVERSION HELPERS
// =============================================================================

func formatTime(t time.Time) string { return t.Format(time.RFC3339) }

func toWorkerDTO(w earnings.Worker) WorkerDTO {
	return WorkerDTO{
		ID:          string(w.ID),
		DisplayName: w.DisplayName,
		CreatedAt:   formatTime(w.CreatedAt),
		UpdatedAt:   formatTime(w.UpdatedAt),
	}
}

func toRatesDTO(r earnings.Rates) RatesDTO {
	return RatesDTO{Hourly: r.Hourly, PerOrder: r.PerOrder, PerDistanceUnit: r.PerDistanceUnit}
}

func toShiftDTO(s earnings.Shift) ShiftDTO {
	dto := ShiftDTO{
		ID:          string(s.ID),
		WorkerID:    string(s.WorkerID),
		Status:      string(s.Status),
		StartTime:   formatTime(s.StartTime),
		Orders:      s.Counters.Orders,
		Mileage:     s.Counters.Mileage,
		Tips:        s.Counters.Tips,
		Expenses:    s.Counters.Expenses,
		Rates:       toRatesDTO(s.Rates),
		LastEventAt: formatTime(s.LastEventAt),
	}
	if s.EndTime != nil {
		end := formatTime(*s.EndTime)
		dto.EndTime = &end
	}
	return dto
}

func toShiftDTOs(shifts []earnings.Shift) []ShiftDTO {
	dtos := make([]ShiftDTO, len(shifts))
	for i, s := range shifts {
		dtos[i] = toShiftDTO(s)
	}
	return dtos
}

// toEventDTOs encodes details with the same codec the stores use, so
// clients can decode them per event type.
func toEventDTOs(events []earnings.Event) ([]EventDTO, error) {
	dtos := make([]EventDTO, len(events))
	for i, e := range events {
		raw, err := earnings.EncodeDetails(e.Details)
		if err != nil {
			return nil, fmt.Errorf("encode details of event %s: %w", e.ID, err)
		}
		dtos[i] = EventDTO{
			ID:        string(e.ID),
			ShiftID:   string(e.ShiftID),
			Type:      string(e.Type),
			Timestamp: formatTime(e.Timestamp),
			Details:   raw,
		}
	}
	return dtos, nil
}

func toTotalsDTO(t earnings.Totals) TotalsDTO {
	return TotalsDTO{
		DurationHours:       t.DurationHours,
		OrdersCount:         t.OrdersCount,
		TotalMileage:        t.TotalMileage,
		TotalTips:           t.TotalTips,
		RevenueTime:         t.RevenueTime,
		RevenueOrders:       t.RevenueOrders,
		GrossIncome:         t.GrossIncome,
		MileageCost:         t.MileageCost,
		FoodExpense:         t.FoodExpense,
		OtherExpense:        t.OtherExpense,
		OperationalExpenses: t.OperationalExpenses,
		Tax:                 t.Tax,
		TotalExpenses:       t.TotalExpenses,
		NetProfit:           t.NetProfit,
	}
}

func toUnitRatesDTO(u earnings.UnitRates) UnitRatesDTO {
	return UnitRatesDTO{
		ProfitPerHour:         u.ProfitPerHour,
		ProfitPerOrder:        u.ProfitPerOrder,
		ProfitPerDistanceUnit: u.ProfitPerDistanceUnit,
		OrdersPerHour:         u.OrdersPerHour,
		MileagePerOrder:       u.MileagePerOrder,
	}
}

func toProjectionDTOs(ps []earnings.Projection) []ProjectionDTO {
	dtos := make([]ProjectionDTO, len(ps))
	for i, p := range ps {
		dtos[i] = ProjectionDTO{Name: p.Name, Hours: p.Hours, Income: p.Income}
	}
	return dtos
}

func toBreakdownDTO(b earnings.Breakdown) BreakdownDTO {
	return BreakdownDTO{
		ShiftID:      string(b.ShiftID),
		WorkerID:     string(b.WorkerID),
		Status:       string(b.Status),
		StartTime:    formatTime(b.StartTime),
		AsOf:         formatTime(b.AsOf),
		Rates:        toRatesDTO(b.Rates),
		Totals:       toTotalsDTO(b.Totals),
		UnitRates:    toUnitRatesDTO(b.UnitRates),
		ExpenseDrift: b.ExpenseDrift,
		Projections:  toProjectionDTOs(b.Projections),
	}
}

func toPeriodReportDTO(r earnings.PeriodReport) PeriodReportDTO {
	shifts := make([]BreakdownDTO, len(r.Shifts))
	for i, b := range r.Shifts {
		shifts[i] = toBreakdownDTO(b)
	}
	return PeriodReportDTO{
		From:             formatTime(r.Window.Start),
		To:               formatTime(r.Window.End),
		ShiftCount:       r.ShiftCount,
		Totals:           toTotalsDTO(r.Totals),
		UnitRates:        toUnitRatesDTO(r.UnitRates),
		AvgHoursPerShift: r.AvgHoursPerShift,
		Projections:      toProjectionDTOs(r.Projections),
		Shifts:           shifts,
	}
}
