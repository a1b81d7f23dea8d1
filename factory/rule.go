/*
Package factory provides JSON to Go deduction rule conversion.

PURPOSE:
  Converts JSON rule definitions (as stored by the settings subsystem) into
  settlement.DeductionRule values, and builds rules from the common
  templates a fleet configures for its drivers.

JSON SCHEMA:
  {
    "id": "rule-lease-101",
    "driver_id": "drv-101",
    "name": "Truck lease",
    "type": "EQUIPMENT_LEASE",
    "category": "deduction",
    "calculation": "FIXED",
    "amount": "250.00",
    "frequency": "WEEKLY",
    "stop_limit": "12000.00",
    "current_amount": "0",
    "effective_from": "2025-01-01"
  }

TEMPLATES:
  EscrowRule:              weekly deposit up to the driver's escrow target
  EquipmentLeaseRule:      fixed payment until the payoff amount is reached
  OccupationalAccidentRule: fixed weekly insurance premium
  PerDiemRule:             per-mile addition

USAGE:
  f := factory.NewRuleFactory()
  rule, err := f.ParseRule(jsonString)

SEE ALSO:
  - settlement/types.go: DeductionRule definition
  - settlement/evaluator.go: how rules turn into line items
*/
package factory

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/settlement-engine/settlement"
)

// =============================================================================
// JSON SCHEMA TYPES
// =============================================================================

// RuleJSON is the JSON representation of a deduction rule. Money is a
// decimal string so values survive the round trip exactly.
type RuleJSON struct {
	ID            string           `json:"id"`
	DriverID      string           `json:"driver_id"`
	Name          string           `json:"name"`
	Type          string           `json:"type,omitempty"`
	Category      string           `json:"category"`
	Calculation   string           `json:"calculation,omitempty"` // FIXED (default), PERCENTAGE, PER_MILE
	Amount        *decimal.Decimal `json:"amount,omitempty"`
	Percentage    *decimal.Decimal `json:"percentage,omitempty"`
	PerMileRate   *decimal.Decimal `json:"per_mile_rate,omitempty"`
	Frequency     string           `json:"frequency,omitempty"` // PER_SETTLEMENT (default)
	MinGrossPay   *decimal.Decimal `json:"min_gross_pay,omitempty"`
	MaxAmount     *decimal.Decimal `json:"max_amount,omitempty"`
	StopLimit     *decimal.Decimal `json:"stop_limit,omitempty"`
	CurrentAmount *decimal.Decimal `json:"current_amount,omitempty"`
	EffectiveFrom string           `json:"effective_from,omitempty"`
	EffectiveTo   string           `json:"effective_to,omitempty"`
	Active        *bool            `json:"active,omitempty"` // default true
}

// =============================================================================
// RULE FACTORY
// =============================================================================

// RuleFactory converts JSON rules to settlement.DeductionRule.
type RuleFactory struct {
	now func() time.Time
}

// NewRuleFactory creates a new rule factory.
func NewRuleFactory() *RuleFactory {
	return &RuleFactory{now: time.Now}
}

// ParseRule parses a JSON string into a DeductionRule.
func (f *RuleFactory) ParseRule(jsonStr string) (settlement.DeductionRule, error) {
	var rj RuleJSON
	if err := json.Unmarshal([]byte(jsonStr), &rj); err != nil {
		return settlement.DeductionRule{}, fmt.Errorf("failed to parse rule JSON: %w", err)
	}
	return f.FromJSON(rj)
}

// ParseRules parses a JSON array of rules. Creation timestamps are spaced
// one microsecond apart so that array order becomes evaluation order.
func (f *RuleFactory) ParseRules(jsonStr string) ([]settlement.DeductionRule, error) {
	var rjs []RuleJSON
	if err := json.Unmarshal([]byte(jsonStr), &rjs); err != nil {
		return nil, fmt.Errorf("failed to parse rules JSON: %w", err)
	}
	base := f.now().UTC()
	rules := make([]settlement.DeductionRule, 0, len(rjs))
	for i, rj := range rjs {
		r, err := f.FromJSON(rj)
		if err != nil {
			return nil, fmt.Errorf("rule %d: %w", i, err)
		}
		r.CreatedAt = base.Add(time.Duration(i) * time.Microsecond)
		rules = append(rules, r)
	}
	return rules, nil
}

// FromJSON converts and validates a RuleJSON.
func (f *RuleFactory) FromJSON(rj RuleJSON) (settlement.DeductionRule, error) {
	r := settlement.DeductionRule{
		ID:            settlement.RuleID(rj.ID),
		DriverID:      settlement.DriverID(rj.DriverID),
		Name:          rj.Name,
		Type:          parseType(rj.Type),
		Category:      settlement.Category(rj.Category),
		Calculation:   settlement.CalcFixed,
		Frequency:     settlement.FreqPerSettlement,
		Amount:        deref(rj.Amount),
		Percentage:    deref(rj.Percentage),
		PerMileRate:   deref(rj.PerMileRate),
		MinGrossPay:   rj.MinGrossPay,
		MaxAmount:     rj.MaxAmount,
		StopLimit:     rj.StopLimit,
		CurrentAmount: deref(rj.CurrentAmount),
		Active:        rj.Active == nil || *rj.Active,
		Version:       1,
		CreatedAt:     f.now().UTC(),
	}
	if rj.Calculation != "" {
		r.Calculation = settlement.CalculationType(rj.Calculation)
	}
	if rj.Frequency != "" {
		r.Frequency = settlement.Frequency(rj.Frequency)
	}

	if rj.EffectiveFrom != "" {
		t, err := time.Parse(settlement.DateLayout, rj.EffectiveFrom)
		if err != nil {
			return r, &settlement.ValidationError{Field: "effective_from", Message: "must be YYYY-MM-DD"}
		}
		r.EffectiveFrom = t
	}
	if rj.EffectiveTo != "" {
		t, err := time.Parse(settlement.DateLayout, rj.EffectiveTo)
		if err != nil {
			return r, &settlement.ValidationError{Field: "effective_to", Message: "must be YYYY-MM-DD"}
		}
		r.EffectiveTo = &t
	}

	if err := Validate(r); err != nil {
		return r, err
	}
	return r, nil
}

// ToJSON converts a DeductionRule to RuleJSON.
func (f *RuleFactory) ToJSON(r settlement.DeductionRule) RuleJSON {
	active := r.Active
	current := r.CurrentAmount
	rj := RuleJSON{
		ID:            string(r.ID),
		DriverID:      string(r.DriverID),
		Name:          r.Name,
		Type:          string(r.Type),
		Category:      string(r.Category),
		Calculation:   string(r.Calculation),
		Frequency:     string(r.Frequency),
		MinGrossPay:   r.MinGrossPay,
		MaxAmount:     r.MaxAmount,
		StopLimit:     r.StopLimit,
		CurrentAmount: &current,
		Active:        &active,
	}
	switch r.Calculation {
	case settlement.CalcPercentage:
		p := r.Percentage
		rj.Percentage = &p
	case settlement.CalcPerMile:
		p := r.PerMileRate
		rj.PerMileRate = &p
	default:
		a := r.Amount
		rj.Amount = &a
	}
	if !r.EffectiveFrom.IsZero() {
		rj.EffectiveFrom = r.EffectiveFrom.Format(settlement.DateLayout)
	}
	if r.EffectiveTo != nil {
		rj.EffectiveTo = r.EffectiveTo.Format(settlement.DateLayout)
	}
	return rj
}

// =============================================================================
// VALIDATION
// =============================================================================

// Validate checks a rule's configuration.
func Validate(r settlement.DeductionRule) error {
	if r.ID == "" {
		return &settlement.ValidationError{Field: "id", Message: "is required"}
	}
	if r.DriverID == "" {
		return &settlement.ValidationError{Field: "driver_id", Message: "is required"}
	}
	if r.Name == "" {
		return &settlement.ValidationError{Field: "name", Message: "is required"}
	}
	switch r.Category {
	case settlement.CategoryAddition, settlement.CategoryDeduction:
	default:
		return &settlement.ValidationError{Field: "category", Message: fmt.Sprintf("unknown category %q", r.Category)}
	}
	switch r.Frequency {
	case settlement.FreqPerSettlement, settlement.FreqWeekly, settlement.FreqBiweekly, settlement.FreqMonthly:
	default:
		return &settlement.ValidationError{Field: "frequency", Message: fmt.Sprintf("unknown frequency %q", r.Frequency)}
	}

	var value decimal.Decimal
	var field string
	switch r.Calculation {
	case settlement.CalcFixed:
		value, field = r.Amount, "amount"
	case settlement.CalcPercentage:
		value, field = r.Percentage, "percentage"
		if value.GreaterThan(decimal.NewFromInt(100)) {
			return &settlement.ValidationError{Field: field, Message: "must not exceed 100"}
		}
	case settlement.CalcPerMile:
		value, field = r.PerMileRate, "per_mile_rate"
	default:
		return &settlement.ValidationError{Field: "calculation", Message: fmt.Sprintf("unknown calculation %q", r.Calculation)}
	}
	if !value.IsPositive() {
		return &settlement.ValidationError{Field: field, Message: "must be positive"}
	}

	if r.MaxAmount != nil && !r.MaxAmount.IsPositive() {
		return &settlement.ValidationError{Field: "max_amount", Message: "must be positive"}
	}
	if r.MinGrossPay != nil && r.MinGrossPay.IsNegative() {
		return &settlement.ValidationError{Field: "min_gross_pay", Message: "must not be negative"}
	}
	if r.CurrentAmount.IsNegative() {
		return &settlement.ValidationError{Field: "current_amount", Message: "must not be negative"}
	}
	if r.StopLimit != nil {
		if r.Category == settlement.CategoryAddition {
			return &settlement.ValidationError{Field: "stop_limit", Message: "only deductions can be stop-limited"}
		}
		if !r.StopLimit.IsPositive() {
			return &settlement.ValidationError{Field: "stop_limit", Message: "must be positive"}
		}
	}
	if r.EffectiveTo != nil && !r.EffectiveFrom.IsZero() && r.EffectiveTo.Before(r.EffectiveFrom) {
		return &settlement.ValidationError{Field: "effective_to", Message: "must not be before effective_from"}
	}
	return nil
}

// =============================================================================
// TEMPLATES
// =============================================================================

// EscrowRule materializes a driver's escrow configuration as a stop-limited
// weekly deduction. Returns false when the driver has no escrow configured.
func EscrowRule(d settlement.Driver, createdAt time.Time) (settlement.DeductionRule, bool) {
	if !d.EscrowTarget.IsPositive() || !d.EscrowWeeklyDeposit.IsPositive() {
		return settlement.DeductionRule{}, false
	}
	target := d.EscrowTarget
	return settlement.DeductionRule{
		ID:          settlement.RuleID("escrow-" + string(d.ID)),
		DriverID:    d.ID,
		Name:        "Escrow deposit",
		Type:        settlement.TypeEscrow,
		Category:    settlement.CategoryDeduction,
		Calculation: settlement.CalcFixed,
		Amount:      d.EscrowWeeklyDeposit,
		Frequency:   settlement.FreqWeekly,
		StopLimit:   &target,
		Active:      true,
		Version:     1,
		CreatedAt:   createdAt,
	}, true
}

// EquipmentLeaseRule deducts a fixed payment each period until payoff.
func EquipmentLeaseRule(id settlement.RuleID, driverID settlement.DriverID, payment, payoff decimal.Decimal, createdAt time.Time) settlement.DeductionRule {
	return settlement.DeductionRule{
		ID:          id,
		DriverID:    driverID,
		Name:        "Equipment lease",
		Type:        settlement.TypeEquipmentLease,
		Category:    settlement.CategoryDeduction,
		Calculation: settlement.CalcFixed,
		Amount:      payment,
		Frequency:   settlement.FreqWeekly,
		StopLimit:   &payoff,
		Active:      true,
		Version:     1,
		CreatedAt:   createdAt,
	}
}

// OccupationalAccidentRule is a weekly insurance premium with no limit.
func OccupationalAccidentRule(id settlement.RuleID, driverID settlement.DriverID, premium decimal.Decimal, createdAt time.Time) settlement.DeductionRule {
	return settlement.DeductionRule{
		ID:          id,
		DriverID:    driverID,
		Name:        "Occupational accident insurance",
		Type:        settlement.TypeOccupational,
		Category:    settlement.CategoryDeduction,
		Calculation: settlement.CalcFixed,
		Amount:      premium,
		Frequency:   settlement.FreqWeekly,
		Active:      true,
		Version:     1,
		CreatedAt:   createdAt,
	}
}

// PerDiemRule pays a per-mile allowance as an addition.
func PerDiemRule(id settlement.RuleID, driverID settlement.DriverID, perMile decimal.Decimal, createdAt time.Time) settlement.DeductionRule {
	return settlement.DeductionRule{
		ID:          id,
		DriverID:    driverID,
		Name:        "Per diem",
		Type:        settlement.TypePerDiem,
		Category:    settlement.CategoryAddition,
		Calculation: settlement.CalcPerMile,
		PerMileRate: perMile,
		Frequency:   settlement.FreqPerSettlement,
		Active:      true,
		Version:     1,
		CreatedAt:   createdAt,
	}
}

// =============================================================================
// PARSING HELPERS
// =============================================================================

func parseType(s string) settlement.DeductionType {
	if s == "" {
		return settlement.TypeOther
	}
	return settlement.DeductionType(s)
}

func deref(d *decimal.Decimal) decimal.Decimal {
	if d == nil {
		return decimal.Zero
	}
	return *d
}
