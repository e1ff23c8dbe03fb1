package earnings

import (
	"sort"

	"github.com/shopspring/decimal"
)

// =============================================================================
// PERIOD REPORT - Aggregated breakdown over a window
// =============================================================================

// PeriodReport sums the breakdowns of every completed shift that ended in
// the window. Unit rates are derived from the summed totals, not averaged
// per shift, so short shifts don't skew them.
type PeriodReport struct {
	Window     Window
	ShiftCount int

	Totals
	UnitRates

	AvgHoursPerShift decimal.Decimal
	Projections      []Projection

	// Shifts holds the per-shift breakdowns, newest end first.
	Shifts []Breakdown
}

// Aggregate builds the period report. Shifts that are not completed or
// whose EndTime falls outside the window are ignored. An empty input
// yields a zero report.
func (c Calculator) Aggregate(records []ShiftRecord, window Window) PeriodReport {
	report := PeriodReport{Window: window, Shifts: []Breakdown{}}

	for _, rec := range records {
		s := rec.Shift
		if !s.IsCompleted() || s.EndTime == nil || !window.Contains(*s.EndTime) {
			continue
		}
		b := c.Compute(s, rec.Events, *s.EndTime)
		report.Totals = report.Totals.Add(b.Totals)
		report.Shifts = append(report.Shifts, b)
	}

	report.ShiftCount = len(report.Shifts)
	report.UnitRates = c.unitRates(report.Totals)
	if report.ShiftCount > 0 {
		report.AvgHoursPerShift = report.DurationHours.Div(decimal.NewFromInt(int64(report.ShiftCount)))
	}
	report.Projections = Project(report.ProfitPerHour, c.Policy.Projections)

	sort.SliceStable(report.Shifts, func(i, j int) bool {
		return report.Shifts[i].AsOf.After(report.Shifts[j].AsOf)
	})
	return report
}
