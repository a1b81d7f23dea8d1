/*
evaluator.go - Turns deduction rules into draft line items

PURPOSE:
  Given a driver's rules and the period's base pay, proposes one line item
  per applicable rule. Pure: no store access, no clock, no mutation.

EVALUATION ORDER (per rule):
  1. Inactive, outside EffectiveFrom/To, or frequency not due → skip
  2. Base pay below MinGrossPay → skip
  3. Amount = FIXED | PERCENTAGE × basePay | PER_MILE × miles
  4. Cap at MaxAmount
  5. Deductions with a stop-limit: clip to headroom, skip at zero headroom
  6. Round to cents; skip if not positive

STOP-LIMITS:
  A stop-limit models debt payoff (equipment lease, escrow target). Once
  CurrentAmount reaches StopLimit the rule silently drops off. Additions
  never consult StopLimit or CurrentAmount.

  Rule A: stop $300, current $200, fixed $150 → line $100
  Rule A after approval: current $300 → skipped (headroom 0)

DETERMINISM:
  Rules are evaluated in creation order (CreatedAt, then store order), so
  the same inputs always produce the same lines.

SEE ALSO:
  - workflow.go: commits CurrentAmount on approval
*/
package settlement

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// EvaluationInput is everything the evaluator reads.
type EvaluationInput struct {
	Driver     Driver
	Rules      []DeductionRule
	Period     Period
	BasePay    decimal.Decimal
	TotalMiles decimal.Decimal
}

// SkipReason explains why a rule produced no line.
type SkipReason string

const (
	SkipInactive      SkipReason = "inactive"
	SkipNotEffective  SkipReason = "not_effective"
	SkipNotDue        SkipReason = "frequency_not_due"
	SkipBelowMinGross SkipReason = "below_min_gross"
	SkipLimitReached  SkipReason = "stop_limit_reached"
	SkipZeroAmount    SkipReason = "zero_amount"
)

type SkippedRule struct {
	RuleID RuleID
	Reason SkipReason
}

// Evaluation is the evaluator's output.
type Evaluation struct {
	Lines   []LineItem
	Skipped []SkippedRule
	// Clipped lists rules whose line was reduced to the remaining headroom.
	Clipped []RuleID
}

// Evaluate proposes line items for the driver's rules. Lines carry a RuleRef
// source but no IDs; the assembler assigns those.
func Evaluate(in EvaluationInput) Evaluation {
	rules := append([]DeductionRule(nil), in.Rules...)
	sort.SliceStable(rules, func(i, j int) bool {
		return rules[i].CreatedAt.Before(rules[j].CreatedAt)
	})

	var out Evaluation
	for _, r := range rules {
		if r.DriverID != "" && in.Driver.ID != "" && r.DriverID != in.Driver.ID {
			continue
		}
		line, clipped, reason := evaluateRule(r, in)
		if reason != "" {
			out.Skipped = append(out.Skipped, SkippedRule{RuleID: r.ID, Reason: reason})
			continue
		}
		if clipped {
			out.Clipped = append(out.Clipped, r.ID)
		}
		out.Lines = append(out.Lines, line)
	}
	return out
}

func evaluateRule(r DeductionRule, in EvaluationInput) (LineItem, bool, SkipReason) {
	if !r.Active {
		return LineItem{}, false, SkipInactive
	}
	if !effectiveIn(r, in.Period) {
		return LineItem{}, false, SkipNotEffective
	}
	if !FrequencyDue(r, in.Period) {
		return LineItem{}, false, SkipNotDue
	}
	if r.MinGrossPay != nil && in.BasePay.LessThan(*r.MinGrossPay) {
		return LineItem{}, false, SkipBelowMinGross
	}

	amount := ruleAmount(r, in)
	if r.MaxAmount != nil && amount.GreaterThan(*r.MaxAmount) {
		amount = *r.MaxAmount
	}

	clipped := false
	if r.IsDeduction() {
		if headroom, limited := r.Headroom(); limited {
			if !headroom.IsPositive() {
				return LineItem{}, false, SkipLimitReached
			}
			if amount.GreaterThan(headroom) {
				amount = headroom
				clipped = true
			}
		}
	}

	amount = Cents(amount)
	if !amount.IsPositive() {
		return LineItem{}, false, SkipZeroAmount
	}

	return LineItem{
		Type:        r.Type,
		Category:    r.Category,
		Description: ruleDescription(r, clipped),
		Amount:      amount,
		Source:      RuleRef(r.ID),
	}, clipped, ""
}

func ruleAmount(r DeductionRule, in EvaluationInput) decimal.Decimal {
	switch r.Calculation {
	case CalcPercentage:
		return in.BasePay.Mul(r.Percentage).Div(hundred)
	case CalcPerMile:
		return in.TotalMiles.Mul(r.PerMileRate)
	default:
		return r.Amount
	}
}

func ruleDescription(r DeductionRule, clipped bool) string {
	name := r.Name
	if name == "" {
		name = string(r.Type)
	}
	if clipped {
		return fmt.Sprintf("%s (final installment)", name)
	}
	return name
}

func effectiveIn(r DeductionRule, p Period) bool {
	if !r.EffectiveFrom.IsZero() && Truncate(r.EffectiveFrom).After(p.End) {
		return false
	}
	if r.EffectiveTo != nil && Truncate(*r.EffectiveTo).Before(p.Start) {
		return false
	}
	return true
}

// FrequencyDue reports whether the rule fires in the period.
//
//	PER_SETTLEMENT, WEEKLY  every period
//	BIWEEKLY                every second week, counted from the week containing EffectiveFrom
//	MONTHLY                 the period containing the 1st of a month
func FrequencyDue(r DeductionRule, p Period) bool {
	switch r.Frequency {
	case FreqBiweekly:
		anchor := r.EffectiveFrom
		if anchor.IsZero() {
			anchor = r.CreatedAt
		}
		if anchor.IsZero() {
			return true
		}
		// Align the anchor to the first day of its pay week so the week
		// containing it is week 0, whichever weekday it falls on.
		start := Truncate(p.Start)
		offset := floorMod(daysBetween(start, Truncate(anchor)), 7)
		anchorWeek := Truncate(anchor).AddDate(0, 0, -offset)
		weeks := daysBetween(anchorWeek, start) / 7
		return floorMod(weeks, 2) == 0
	case FreqMonthly:
		return containsFirstOfMonth(p)
	default:
		return true
	}
}

// daysBetween is the number of calendar days from a to b.
func daysBetween(a, b time.Time) int {
	return int(math.Round(b.Sub(a).Hours() / 24))
}

func floorMod(n, m int) int {
	r := n % m
	if r < 0 {
		r += m
	}
	return r
}

func containsFirstOfMonth(p Period) bool {
	if p.Start.Day() == 1 {
		return true
	}
	first := time.Date(p.End.Year(), p.End.Month(), 1, 0, 0, 0, 0, time.UTC)
	return first.After(p.Start) && !first.After(p.End)
}
