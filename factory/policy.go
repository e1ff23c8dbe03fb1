/*
Package factory provides JSON/YAML to Go calculation policy conversion.

PURPOSE:
  Converts policy documents into earnings.Policy. Tax rate, projection
  schedules and expense categories change more often than code; operators
  edit a file and restart the service.

JSON SCHEMA:
  {
    "tax_rate": "0.05",
    "epsilon": 0.001,
    "carry_rates": true,
    "expense_categories": ["food", "fuel", "other"],
    "projections": [
      {"name": "5/2 x 8h", "hours": 160},
      {"name": "2/2 x 12h", "hours": 180}
    ]
  }

  YAML files use the same keys. Decimals may be numbers or strings.

DEFAULTS:
  Every omitted field keeps its earnings.DefaultPolicy() value. An empty
  projections list is kept as empty (no projections shown); omit the key
  to keep the defaults.

USAGE:
  f := factory.NewPolicyFactory()
  policy, err := f.LoadPolicyFile("policy.yaml")
  engine := earnings.NewShiftEngine(store, policy)

SEE ALSO:
  - earnings/projection.go: Policy type definition
*/
package factory

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"github.com/warp/earnings-engine/earnings"
	"gopkg.in/yaml.v3"
)

// =============================================================================
// SCHEMA TYPES
// =============================================================================

// PolicyJSON is the document representation of a policy.
type PolicyJSON struct {
	TaxRate           *decimal.Decimal  `json:"tax_rate,omitempty"`
	Epsilon           *decimal.Decimal  `json:"epsilon,omitempty"`
	CarryRates        *bool             `json:"carry_rates,omitempty"`
	ExpenseCategories []string          `json:"expense_categories,omitempty" validate:"omitempty,dive,required"`
	Projections       *[]ProjectionJSON `json:"projections,omitempty" validate:"omitempty,dive"`
}

// ProjectionJSON is one monthly schedule.
type ProjectionJSON struct {
	Name  string          `json:"name" validate:"required"`
	Hours decimal.Decimal `json:"hours"`
}

// =============================================================================
// POLICY FACTORY
// =============================================================================

// PolicyFactory converts documents to earnings.Policy.
type PolicyFactory struct {
	validate *validator.Validate
}

// NewPolicyFactory creates a new policy factory.
func NewPolicyFactory() *PolicyFactory {
	return &PolicyFactory{validate: validator.New()}
}

// ParsePolicy parses a JSON string into a Policy.
func (f *PolicyFactory) ParsePolicy(jsonStr string) (earnings.Policy, error) {
	var pj PolicyJSON
	if err := json.Unmarshal([]byte(jsonStr), &pj); err != nil {
		return earnings.Policy{}, fmt.Errorf("failed to parse policy JSON: %w", err)
	}
	return f.FromJSON(pj)
}

// ParsePolicyYAML parses a YAML document into a Policy. The document is
// normalized to JSON first so decimals decode the same way in both formats.
func (f *PolicyFactory) ParsePolicyYAML(data []byte) (earnings.Policy, error) {
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return earnings.Policy{}, fmt.Errorf("failed to parse policy YAML: %w", err)
	}
	if raw == nil {
		return f.FromJSON(PolicyJSON{})
	}
	jsonBytes, err := json.Marshal(raw)
	if err != nil {
		return earnings.Policy{}, fmt.Errorf("failed to normalize policy YAML: %w", err)
	}
	return f.ParsePolicy(string(jsonBytes))
}

// LoadPolicyFile reads a .json, .yaml or .yml policy file.
func (f *PolicyFactory) LoadPolicyFile(path string) (earnings.Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return earnings.Policy{}, fmt.Errorf("failed to read policy file: %w", err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return f.ParsePolicyYAML(data)
	case ".json", "":
		return f.ParsePolicy(string(data))
	default:
		return earnings.Policy{}, fmt.Errorf("unsupported policy file extension %q", filepath.Ext(path))
	}
}

// FromJSON overlays pj on the default policy and validates the result.
func (f *PolicyFactory) FromJSON(pj PolicyJSON) (earnings.Policy, error) {
	if err := f.validate.Struct(pj); err != nil {
		return earnings.Policy{}, fmt.Errorf("invalid policy: %w", err)
	}

	policy := earnings.DefaultPolicy()
	if pj.TaxRate != nil {
		policy.TaxRate = *pj.TaxRate
	}
	if pj.Epsilon != nil {
		policy.Epsilon = *pj.Epsilon
	}
	if pj.CarryRates != nil {
		policy.CarryRates = *pj.CarryRates
	}
	if pj.ExpenseCategories != nil {
		policy.ExpenseCategories = parseCategories(pj.ExpenseCategories)
	}
	if pj.Projections != nil {
		policy.Projections = make([]earnings.ProjectionPreset, 0, len(*pj.Projections))
		for _, p := range *pj.Projections {
			policy.Projections = append(policy.Projections, earnings.ProjectionPreset{Name: p.Name, Hours: p.Hours})
		}
	}

	if err := policy.Validate(); err != nil {
		return earnings.Policy{}, err
	}
	return policy, nil
}

// ToJSON converts a Policy to PolicyJSON.
func (f *PolicyFactory) ToJSON(policy earnings.Policy) PolicyJSON {
	tax, eps, carry := policy.TaxRate, policy.Epsilon, policy.CarryRates

	projections := make([]ProjectionJSON, 0, len(policy.Projections))
	for _, p := range policy.Projections {
		projections = append(projections, ProjectionJSON{Name: p.Name, Hours: p.Hours})
	}
	categories := make([]string, 0, len(policy.ExpenseCategories))
	for _, c := range policy.ExpenseCategories {
		categories = append(categories, string(c))
	}

	return PolicyJSON{
		TaxRate:           &tax,
		Epsilon:           &eps,
		CarryRates:        &carry,
		ExpenseCategories: categories,
		Projections:       &projections,
	}
}

// =============================================================================
// PARSING HELPERS
// =============================================================================

// parseCategories normalizes and de-duplicates, always keeping "other"
// so uncategorized expenses have a declared home.
func parseCategories(in []string) []earnings.Category {
	seen := make(map[earnings.Category]bool)
	var out []earnings.Category
	for _, s := range in {
		c := earnings.NormalizeCategory(s)
		if !seen[c] {
			seen[c] = true
			out = append(out, c)
		}
	}
	if !seen[earnings.CategoryOther] {
		out = append(out, earnings.CategoryOther)
	}
	return out
}
