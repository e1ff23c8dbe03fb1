/*
calculator.go - Financial breakdown of a single shift

PURPOSE:
  Turns a shift's rates, its event log and an "as of" instant into the
  full financial picture: revenue components, expenses, tax, net profit,
  per-unit rates and monthly projections.

KEY INSIGHT:
  Time revenue is NOT accrued per interval. It is the CURRENT hourly rate
  times the elapsed duration at query time, so a rate change mid-shift
  re-prices the whole shift's time component from then on. Order revenue
  and mileage cost work the same way with their rates. Rate changes are
  never applied retroactively to the counters themselves.

FORMULAS:
  duration_hours      = max(0, as_of - start) / 1h
  revenue_time        = duration_hours * hourly_rate
  revenue_orders      = orders * per_order_rate
  gross_income        = revenue_time + revenue_orders + tips
  mileage_cost        = mileage * per_distance_unit_rate
  operational         = food + other + mileage_cost
  tax                 = gross_income * policy.TaxRate
  net_profit          = gross_income - operational - tax

ZERO CASES:
  Every per-unit rate returns exactly 0 when its denominator is at or
  below the policy epsilon (hours, distance) or zero (orders). Never NaN,
  never infinity, never an error.

PURITY:
  Compute has no side effects and takes an immutable snapshot, so it is
  safe to call concurrently for different shifts without locking.

SEE ALSO:
  - aggregate.go: Period report built from many breakdowns
  - projection.go: Policy and projections
*/
package earnings

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// TOTALS - Additive components shared by breakdowns and period reports
// =============================================================================

type Totals struct {
	DurationHours decimal.Decimal
	OrdersCount   int64
	TotalMileage  decimal.Decimal
	TotalTips     decimal.Decimal

	RevenueTime   decimal.Decimal
	RevenueOrders decimal.Decimal
	GrossIncome   decimal.Decimal

	MileageCost         decimal.Decimal
	FoodExpense         decimal.Decimal
	OtherExpense        decimal.Decimal
	OperationalExpenses decimal.Decimal
	Tax                 decimal.Decimal
	TotalExpenses       decimal.Decimal // operational + tax
	NetProfit           decimal.Decimal
}

// Add sums every field.
func (t Totals) Add(o Totals) Totals {
	return Totals{
		DurationHours:       t.DurationHours.Add(o.DurationHours),
		OrdersCount:         t.OrdersCount + o.OrdersCount,
		TotalMileage:        t.TotalMileage.Add(o.TotalMileage),
		TotalTips:           t.TotalTips.Add(o.TotalTips),
		RevenueTime:         t.RevenueTime.Add(o.RevenueTime),
		RevenueOrders:       t.RevenueOrders.Add(o.RevenueOrders),
		GrossIncome:         t.GrossIncome.Add(o.GrossIncome),
		MileageCost:         t.MileageCost.Add(o.MileageCost),
		FoodExpense:         t.FoodExpense.Add(o.FoodExpense),
		OtherExpense:        t.OtherExpense.Add(o.OtherExpense),
		OperationalExpenses: t.OperationalExpenses.Add(o.OperationalExpenses),
		Tax:                 t.Tax.Add(o.Tax),
		TotalExpenses:       t.TotalExpenses.Add(o.TotalExpenses),
		NetProfit:           t.NetProfit.Add(o.NetProfit),
	}
}

// UnitRates are derived from totals, never summed.
type UnitRates struct {
	ProfitPerHour         decimal.Decimal
	ProfitPerOrder        decimal.Decimal
	ProfitPerDistanceUnit decimal.Decimal
	OrdersPerHour         decimal.Decimal
	MileagePerOrder       decimal.Decimal
}

// =============================================================================
// BREAKDOWN - One shift at one instant
// =============================================================================

type Breakdown struct {
	ShiftID   ShiftID
	WorkerID  WorkerID
	Status    Status
	StartTime time.Time
	AsOf      time.Time
	Rates     Rates

	Totals
	UnitRates

	// ExpenseDrift is the cached expense counter minus the category fold.
	// Non-zero means the counter and the event log disagree.
	ExpenseDrift decimal.Decimal

	Projections []Projection
}

// =============================================================================
// CALCULATOR
// =============================================================================

type Calculator struct {
	Policy Policy
}

func NewCalculator(p Policy) Calculator {
	return Calculator{Policy: p}
}

// Compute derives the breakdown of shift at asOf.
//
// For a completed shift asOf is replaced by its EndTime. When events is
// non-nil the counters are replayed from events up to asOf; with nil
// events the cached counters are used and all expenses count as "other".
func (c Calculator) Compute(shift Shift, events []Event, asOf time.Time) Breakdown {
	if shift.IsCompleted() && shift.EndTime != nil {
		asOf = *shift.EndTime
	}

	counters := shift.Counters
	food, other := decimal.Zero, decimal.Zero
	drift := decimal.Zero

	if events != nil {
		counters = Counters{}
		truncated := false
		for _, e := range SortEvents(events) {
			if e.Timestamp.After(asOf) {
				truncated = true
				break
			}
			e.Apply(&counters)
			if d, ok := e.Details.(ExpenseDetails); ok {
				if d.Category.Bucket() == CategoryFood {
					food = food.Add(d.Amount)
				} else {
					other = other.Add(d.Amount)
				}
			}
		}
		if !truncated {
			drift = shift.Counters.Expenses.Sub(food.Add(other))
		}
	} else {
		other = counters.Expenses
	}

	hours := durationHours(shift.StartTime, asOf)
	t := c.totals(hours, counters, shift.Rates, food, other)
	rates := c.unitRates(t)

	return Breakdown{
		ShiftID:      shift.ID,
		WorkerID:     shift.WorkerID,
		Status:       shift.Status,
		StartTime:    shift.StartTime,
		AsOf:         asOf,
		Rates:        shift.Rates,
		Totals:       t,
		UnitRates:    rates,
		ExpenseDrift: drift,
		Projections:  Project(rates.ProfitPerHour, c.Policy.Projections),
	}
}

func (c Calculator) totals(hours decimal.Decimal, counters Counters, r Rates, food, other decimal.Decimal) Totals {
	t := Totals{
		DurationHours: hours,
		OrdersCount:   counters.Orders,
		TotalMileage:  counters.Mileage,
		TotalTips:     counters.Tips,
		FoodExpense:   food,
		OtherExpense:  other,
	}
	t.RevenueTime = hours.Mul(r.Hourly)
	t.RevenueOrders = decimal.NewFromInt(counters.Orders).Mul(r.PerOrder)
	t.GrossIncome = t.RevenueTime.Add(t.RevenueOrders).Add(counters.Tips)

	t.MileageCost = counters.Mileage.Mul(r.PerDistanceUnit)
	t.OperationalExpenses = food.Add(other).Add(t.MileageCost)
	t.Tax = t.GrossIncome.Mul(c.Policy.TaxRate)
	t.TotalExpenses = t.OperationalExpenses.Add(t.Tax)
	t.NetProfit = t.GrossIncome.Sub(t.OperationalExpenses).Sub(t.Tax)
	return t
}

func (c Calculator) unitRates(t Totals) UnitRates {
	eps := c.Policy.Epsilon
	orders := decimal.NewFromInt(t.OrdersCount)

	var r UnitRates
	if t.DurationHours.GreaterThan(eps) {
		r.ProfitPerHour = t.NetProfit.Div(t.DurationHours)
		r.OrdersPerHour = orders.Div(t.DurationHours)
	}
	if t.OrdersCount > 0 {
		r.ProfitPerOrder = t.NetProfit.Div(orders)
		r.MileagePerOrder = t.TotalMileage.Div(orders)
	}
	if t.TotalMileage.GreaterThan(eps) {
		r.ProfitPerDistanceUnit = t.NetProfit.Div(t.TotalMileage)
	}
	return r
}

var nanosPerHour = decimal.NewFromInt(int64(time.Hour))

// durationHours is max(0, to-from) in hours.
func durationHours(from, to time.Time) decimal.Decimal {
	d := to.Sub(from)
	if d <= 0 {
		return decimal.Zero
	}
	return decimal.NewFromInt(d.Nanoseconds()).Div(nanosPerHour)
}
