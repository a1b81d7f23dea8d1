/*
assembler.go - Builds a draft settlement from activity and rule lines

PURPOSE:
  Combines base pay, accessorial pay, rule lines and pass-through activity
  into a Settlement whose totals satisfy:

    netPay          = grossPay + totalAdditions − totalDeductions
    totalAdditions  = Σ addition line items
    totalDeductions = Σ deduction line items

ACTIVITY LINES:
  Reimbursable expense   → addition  (ExpenseRef)
  Chargeback expense     → deduction (ExpenseRef)
  Driver-chargeable fuel → deduction (FuelEntryRef)
  Approved advance       → deduction (AdvanceRef)
  Open negative balance  → deduction (NegativeBalanceRef)
  Accessorial charges    → gross pay (no line, recorded per load)

SIDE EFFECTS:
  Save writes the draft and its children in one call. Rule balances and
  settled markers are NOT touched here; see workflow.go.

  NetPay may be negative (deductions exceed pay). Approval then records the
  shortfall as a NegativeBalance, which the driver's next draft deducts.
*/
package settlement

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Assembler builds drafts. The zero value is not usable; see NewAssembler.
type Assembler struct {
	now   func() time.Time
	newID func() string
}

// AssemblerOption configures an Assembler.
type AssemblerOption func(*Assembler)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) AssemblerOption {
	return func(a *Assembler) { a.now = now }
}

// WithIDs overrides uuid generation.
func WithIDs(newID func() string) AssemblerOption {
	return func(a *Assembler) { a.newID = newID }
}

func NewAssembler(opts ...AssemblerOption) *Assembler {
	a := &Assembler{
		now:   func() time.Time { return time.Now().UTC() },
		newID: uuid.NewString,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Now returns the assembler's clock reading.
func (a *Assembler) Now() time.Time { return a.now() }

// NewID returns a fresh identifier.
func (a *Assembler) NewID() string { return a.newID() }

// Assemble computes a draft settlement. It does not persist anything.
func (a *Assembler) Assemble(driver Driver, bundle ActivityBundle, rules []DeductionRule) (Settlement, Evaluation, error) {
	now := a.now()
	id := SettlementID(a.newID())

	basePay, loads := BasePay(driver, bundle.Loads)
	accessorialPay := a.attachAccessorials(loads, bundle.Accessorials)

	eval := Evaluate(EvaluationInput{
		Driver:     driver,
		Rules:      rules,
		Period:     bundle.Period,
		BasePay:    basePay,
		TotalMiles: bundle.TotalMiles(),
	})

	lines := append([]LineItem(nil), eval.Lines...)
	lines = append(lines, activityLines(bundle)...)
	for i := range lines {
		lines[i].ID = LineItemID(a.newID())
		lines[i].SettlementID = id
		lines[i].CreatedAt = now
	}

	s := Settlement{
		ID:             id,
		Number:         settlementNumber(bundle.Period, string(id)),
		CompanyID:      driver.CompanyID,
		DriverID:       driver.ID,
		Period:         bundle.Period,
		GrossPay:       Cents(basePay.Add(accessorialPay)),
		Status:         StatusPending,
		ApprovalStatus: ApprovalPending,
		Loads:          loads,
		LineItems:      lines,
		Version:        1,
		CalculatedAt:   now,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	s.TotalAdditions, s.TotalDeductions = LineTotals(lines)
	s.NetPay = s.GrossPay.Add(s.TotalAdditions).Sub(s.TotalDeductions)

	if err := Verify(s); err != nil {
		return Settlement{}, eval, err
	}
	return s, eval, nil
}

// Save persists a draft with its loads and line items in one write.
func (a *Assembler) Save(ctx context.Context, store SettlementStore, s Settlement) error {
	if s.Status != StatusPending || s.ApprovalStatus != ApprovalPending {
		return &InvariantError{SettlementID: s.ID, Detail: "only drafts can be saved"}
	}
	if err := Verify(s); err != nil {
		return err
	}
	return store.CreateSettlement(ctx, s)
}

func (a *Assembler) attachAccessorials(loads []SettlementLoad, charges []AccessorialCharge) decimal.Decimal {
	byLoad := make(map[LoadID]decimal.Decimal)
	total := decimal.Zero
	for _, c := range charges {
		amt := Cents(c.Amount)
		byLoad[c.LoadID] = byLoad[c.LoadID].Add(amt)
		total = total.Add(amt)
	}
	for i := range loads {
		loads[i].Accessorial = byLoad[loads[i].LoadID]
	}
	return total
}

func activityLines(b ActivityBundle) []LineItem {
	var lines []LineItem
	for _, e := range b.Expenses {
		li := LineItem{
			Amount: Cents(e.Amount),
			Source: ExpenseRef(e.ID),
		}
		if e.Treatment == ExpenseChargeback {
			li.Type, li.Category = TypeChargeback, CategoryDeduction
			li.Description = fmt.Sprintf("%s chargeback", e.Type)
		} else {
			li.Type, li.Category = TypeReimbursement, CategoryAddition
			li.Description = fmt.Sprintf("%s reimbursement", e.Type)
		}
		if e.Vendor != "" {
			li.Description += " - " + e.Vendor
		}
		lines = append(lines, li)
	}
	for _, f := range b.FuelEntries {
		desc := "Fuel purchase"
		if f.Location != "" {
			desc += " - " + f.Location
		}
		lines = append(lines, LineItem{
			Type:        TypeFuel,
			Category:    CategoryDeduction,
			Description: desc,
			Amount:      Cents(f.Amount),
			Source:      FuelEntryRef(f.ID),
		})
	}
	for _, adv := range b.Advances {
		desc := "Cash advance repayment"
		if adv.Reason != "" {
			desc += " - " + adv.Reason
		}
		lines = append(lines, LineItem{
			Type:        TypeAdvance,
			Category:    CategoryDeduction,
			Description: desc,
			Amount:      Cents(adv.Amount),
			Source:      AdvanceRef(adv.ID),
		})
	}

	for _, nb := range b.NegativeBalances {
		desc := "Previous negative balance applied"
		if nb.OriginNumber != "" {
			desc += " (" + nb.OriginNumber + ")"
		}
		lines = append(lines, LineItem{
			Type:        TypeCarryForward,
			Category:    CategoryDeduction,
			Description: desc,
			Amount:      Cents(nb.Amount),
			Source:      NegativeBalanceRef(nb.ID),
		})
	}

	// Zero-amount activity produces no line.
	kept := lines[:0]
	for _, li := range lines {
		if li.Amount.IsPositive() {
			kept = append(kept, li)
		}
	}
	return kept
}

// LineTotals sums line items by category.
func LineTotals(lines []LineItem) (additions, deductions decimal.Decimal) {
	additions, deductions = decimal.Zero, decimal.Zero
	for _, li := range lines {
		switch li.Category {
		case CategoryAddition:
			additions = additions.Add(li.Amount)
		case CategoryDeduction:
			deductions = deductions.Add(li.Amount)
		}
	}
	return additions, deductions
}

// Verify checks the arithmetic invariant and line item sanity.
func Verify(s Settlement) error {
	seen := make(map[LineItemSource]bool)
	for _, li := range s.LineItems {
		if li.Category != CategoryAddition && li.Category != CategoryDeduction {
			return &InvariantError{SettlementID: s.ID, Detail: fmt.Sprintf("line %s has unknown category %q", li.ID, li.Category)}
		}
		if !li.Amount.IsPositive() {
			return &InvariantError{SettlementID: s.ID, Detail: fmt.Sprintf("line %s amount %s is not positive", li.ID, li.Amount)}
		}
		if li.SettlementID != "" && li.SettlementID != s.ID {
			return &InvariantError{SettlementID: s.ID, Detail: fmt.Sprintf("line %s belongs to %s", li.ID, li.SettlementID)}
		}
		if !li.Source.IsNone() {
			if seen[li.Source] {
				return &InvariantError{SettlementID: s.ID, Detail: fmt.Sprintf("source %s referenced twice", li.Source)}
			}
			seen[li.Source] = true
		}
	}

	additions, deductions := LineTotals(s.LineItems)
	if !additions.Equal(s.TotalAdditions) {
		return &InvariantError{SettlementID: s.ID, Detail: fmt.Sprintf("totalAdditions %s != line sum %s", s.TotalAdditions, additions)}
	}
	if !deductions.Equal(s.TotalDeductions) {
		return &InvariantError{SettlementID: s.ID, Detail: fmt.Sprintf("totalDeductions %s != line sum %s", s.TotalDeductions, deductions)}
	}
	expected := s.GrossPay.Add(s.TotalAdditions).Sub(s.TotalDeductions)
	if !expected.Equal(s.NetPay) {
		return &InvariantError{SettlementID: s.ID, Detail: fmt.Sprintf("netPay %s != %s", s.NetPay, expected)}
	}
	return nil
}

func settlementNumber(p Period, id string) string {
	short := strings.ReplaceAll(id, "-", "")
	if len(short) > 8 {
		short = short[:8]
	}
	return fmt.Sprintf("SET-%d-%s", p.End.Year(), strings.ToUpper(short))
}

// Refs lists the activity a settlement consumed, for MarkSettled.
func (s Settlement) Refs(at time.Time) SettledRefs {
	refs := SettledRefs{SettlementID: s.ID, At: at}
	for _, l := range s.Loads {
		refs.Loads = append(refs.Loads, l.LoadID)
	}
	for _, li := range s.LineItems {
		switch li.Source.Kind {
		case SourceExpense:
			refs.Expenses = append(refs.Expenses, ExpenseID(li.Source.ID))
		case SourceFuelEntry:
			refs.FuelEntries = append(refs.FuelEntries, FuelEntryID(li.Source.ID))
		case SourceAdvance:
			refs.Advances = append(refs.Advances, AdvanceID(li.Source.ID))
		case SourceNegativeBalance:
			refs.NegativeBalances = append(refs.NegativeBalances, NegativeBalanceID(li.Source.ID))
		}
	}
	return refs
}
