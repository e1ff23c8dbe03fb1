/*
projection.go - Monthly income projections and calculation policy

PURPOSE:
  Extrapolates profit per hour onto canonical monthly schedules
  ("what would I earn on a 2/2 schedule of 12-hour days?"). Purely
  illustrative: no guard against unrealistic inputs beyond the
  non-negativity enforced when events are recorded.

POLICY:
  Policy bundles every tunable of the calculator so none of them is
  hard-coded: tax rate, division epsilon, projection presets, the set of
  expense categories the product knows about, and whether rates carry
  over from the previous shift.

DEFAULTS (from the reference product):
  TaxRate      0.05
  Epsilon      0.001 (hours / distance units)
  Projections  5/2 x 8h = 160h, 2/2 x 12h = 180h, 3/1 x 12h = 252h, 7/0 x 12h = 336h

SEE ALSO:
  - calculator.go: Uses Policy
  - factory/policy.go: Loads Policy from JSON or YAML
*/
package earnings

import "github.com/shopspring/decimal"

// =============================================================================
// PROJECTIONS
// =============================================================================

// ProjectionPreset is a named monthly-hours schedule.
type ProjectionPreset struct {
	Name  string
	Hours decimal.Decimal
}

// Projection is the projected monthly income for one preset.
type Projection struct {
	Name   string
	Hours  decimal.Decimal
	Income decimal.Decimal
}

// DefaultProjections are the schedules the statistics card shows.
func DefaultProjections() []ProjectionPreset {
	return []ProjectionPreset{
		{Name: "5/2 x 8h", Hours: decimal.NewFromInt(160)},
		{Name: "2/2 x 12h", Hours: decimal.NewFromInt(180)},
		{Name: "3/1 x 12h", Hours: decimal.NewFromInt(252)},
		{Name: "7/0 x 12h", Hours: decimal.NewFromInt(336)},
	}
}

// Project multiplies profit per hour by each preset's hours.
func Project(profitPerHour decimal.Decimal, presets []ProjectionPreset) []Projection {
	out := make([]Projection, 0, len(presets))
	for _, p := range presets {
		out = append(out, Projection{
			Name:   p.Name,
			Hours:  p.Hours,
			Income: profitPerHour.Mul(p.Hours),
		})
	}
	return out
}

// =============================================================================
// POLICY
// =============================================================================

type Policy struct {
	TaxRate     decimal.Decimal
	Epsilon     decimal.Decimal
	Projections []ProjectionPreset

	// Categories known to the product; anything else is still accepted
	// and reported under "other".
	ExpenseCategories []Category

	// CarryRates seeds a new shift with the rates of the worker's last
	// completed shift.
	CarryRates bool
}

// DefaultPolicy returns the reference policy.
func DefaultPolicy() Policy {
	return Policy{
		TaxRate:           decimal.RequireFromString("0.05"),
		Epsilon:           decimal.RequireFromString("0.001"),
		Projections:       DefaultProjections(),
		ExpenseCategories: []Category{CategoryFood, CategoryOther},
		CarryRates:        true,
	}
}

// Validate checks the policy for negative or missing values.
func (p Policy) Validate() error {
	if p.TaxRate.IsNegative() || p.TaxRate.GreaterThan(decimal.NewFromInt(1)) {
		return &ValidationError{Field: "tax_rate", Value: p.TaxRate.String(), Reason: "must be within [0, 1]"}
	}
	if !p.Epsilon.IsPositive() {
		return &ValidationError{Field: "epsilon", Value: p.Epsilon.String(), Reason: "must be positive"}
	}
	for _, pr := range p.Projections {
		if pr.Hours.IsNegative() {
			return &ValidationError{Field: "projection." + pr.Name, Value: pr.Hours.String(), Reason: "hours must be non-negative"}
		}
	}
	return nil
}

// KnownCategory reports whether c is declared by the policy.
func (p Policy) KnownCategory(c Category) bool {
	for _, k := range p.ExpenseCategories {
		if k == c {
			return true
		}
	}
	return false
}
