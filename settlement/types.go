/*
Package settlement provides the driver settlement calculation and approval engine.

PURPOSE:
  Computes what each driver is owed for a pay period, applies recurring
  additions/deductions with bounded (stop-limit) accumulation, and carries
  the resulting settlement through submit/approve/reject/pay.

KEY CONCEPTS IN THIS FILE (types.go):
  - Driver / Company: who is paid and how periods are configured
  - DeductionRule: recurring addition or deduction template, optionally stop-limited
  - Settlement: one pay statement per (driver, period) while live
  - LineItem: an addition or deduction belonging to one settlement
  - LineItemSource: typed reference to what produced a line item
  - Approval: append-only audit entry written on every workflow transition
  - Activity records: loads, accessorials, expenses, fuel, advances

DESIGN PRINCIPLES:
  1. Precision: all money is decimal.Decimal, rounded to cents at line level
  2. Single commit point: rule balances and "settled" markers only change on approval
  3. No physical deletes: cancellation is a status, the audit trail is append-only
  4. Traceability: every line item names at most one source record

SEE ALSO:
  - evaluator.go: rule evaluation and stop-limit clipping
  - assembler.go: gross/net pay and draft persistence
  - workflow.go: approval state machine
*/
package settlement

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type CompanyID string
type DriverID string
type SettlementID string
type LineItemID string
type RuleID string
type LoadID string
type ExpenseID string
type FuelEntryID string
type AdvanceID string
type NegativeBalanceID string

// =============================================================================
// MONEY
// =============================================================================

// Cents rounds to two decimal places.
func Cents(d decimal.Decimal) decimal.Decimal { return d.Round(2) }

// Dollars is shorthand for building amounts in tests and presets.
func Dollars(v float64) decimal.Decimal { return decimal.NewFromFloat(v).Round(2) }

// Sum adds a list of amounts.
func Sum(values ...decimal.Decimal) decimal.Decimal {
	total := decimal.Zero
	for _, v := range values {
		total = total.Add(v)
	}
	return total
}

// =============================================================================
// COMPANY & DRIVER
// =============================================================================

type Company struct {
	ID     CompanyID
	Name   string
	Active bool

	// Pay period boundaries, e.g. Monday..Sunday.
	PayPeriodStart time.Weekday
	PayPeriodEnd   time.Weekday
}

// PeriodConfig returns the company's pay period configuration.
func (c Company) PeriodConfig() PayPeriodConfig {
	return PayPeriodConfig{StartDay: c.PayPeriodStart, EndDay: c.PayPeriodEnd}
}

type PayType string

const (
	PayPerMile    PayType = "PER_MILE"
	PayPercentage PayType = "PERCENTAGE"
	PayPerLoad    PayType = "PER_LOAD"
	PayHourly     PayType = "HOURLY"
	PayWeekly     PayType = "WEEKLY"
)

// Valid reports whether the pay type is known.
func (p PayType) Valid() bool {
	switch p {
	case PayPerMile, PayPercentage, PayPerLoad, PayHourly, PayWeekly:
		return true
	}
	return false
}

type Driver struct {
	ID        DriverID
	CompanyID CompanyID
	Number    string
	Name      string
	Active    bool

	PayType PayType
	PayRate decimal.Decimal

	// Escrow configuration. The settings subsystem materializes these
	// as a stop-limited ESCROW rule (see factory.EscrowRule).
	EscrowTarget        decimal.Decimal
	EscrowWeeklyDeposit decimal.Decimal
}

// =============================================================================
// DEDUCTION RULES
// =============================================================================

type Category string

const (
	CategoryAddition  Category = "addition"
	CategoryDeduction Category = "deduction"
)

type CalculationType string

const (
	CalcFixed      CalculationType = "FIXED"
	CalcPercentage CalculationType = "PERCENTAGE"
	CalcPerMile    CalculationType = "PER_MILE"
)

type Frequency string

const (
	FreqPerSettlement Frequency = "PER_SETTLEMENT"
	FreqWeekly        Frequency = "WEEKLY"
	FreqBiweekly      Frequency = "BIWEEKLY"
	FreqMonthly       Frequency = "MONTHLY"
)

// DeductionType classifies line items for reporting. Rules and activity
// both produce typed line items.
type DeductionType string

const (
	TypeInsurance      DeductionType = "INSURANCE"
	TypeOccupational   DeductionType = "OCCUPATIONAL_ACCIDENT"
	TypeEscrow         DeductionType = "ESCROW"
	TypeEquipmentLease DeductionType = "EQUIPMENT_LEASE"
	TypeFuelCardFee    DeductionType = "FUEL_CARD_FEE"
	TypeFuel           DeductionType = "FUEL"
	TypeAdvance        DeductionType = "CASH_ADVANCE"
	TypeChargeback     DeductionType = "CHARGEBACK"
	TypeReimbursement  DeductionType = "REIMBURSEMENT"
	TypeBonus          DeductionType = "BONUS"
	TypePerDiem        DeductionType = "PER_DIEM"
	TypeCarryForward   DeductionType = "NEGATIVE_BALANCE"
	TypeOther          DeductionType = "OTHER"
)

// DeductionRule is a recurring transaction template for one driver.
//
// CurrentAmount is the progress toward StopLimit. It is only ever written by
// the approval transaction (see Workflow.Approve).
type DeductionRule struct {
	ID       RuleID
	DriverID DriverID
	Name     string
	Type     DeductionType
	Category Category

	Calculation CalculationType
	Amount      decimal.Decimal // FIXED
	Percentage  decimal.Decimal // PERCENTAGE, of base pay
	PerMileRate decimal.Decimal // PER_MILE
	Frequency   Frequency

	MinGrossPay *decimal.Decimal
	MaxAmount   *decimal.Decimal

	StopLimit     *decimal.Decimal
	CurrentAmount decimal.Decimal

	EffectiveFrom time.Time
	EffectiveTo   *time.Time
	Active        bool

	Version   int
	CreatedAt time.Time
}

// IsDeduction reports whether the rule reduces pay.
func (r DeductionRule) IsDeduction() bool { return r.Category == CategoryDeduction }

// Headroom returns how much more the rule may deduct before hitting its
// stop-limit, clipped at zero. Rules without a stop-limit return ok=false.
func (r DeductionRule) Headroom() (headroom decimal.Decimal, ok bool) {
	if r.StopLimit == nil {
		return decimal.Zero, false
	}
	h := r.StopLimit.Sub(r.CurrentAmount)
	if h.IsNegative() {
		h = decimal.Zero
	}
	return h, true
}

// =============================================================================
// ACTIVITY RECORDS (externally owned)
// =============================================================================

type LoadStatus string

const (
	LoadAssigned    LoadStatus = "ASSIGNED"
	LoadInTransit   LoadStatus = "IN_TRANSIT"
	LoadDelivered   LoadStatus = "DELIVERED"
	LoadReadyToBill LoadStatus = "READY_TO_BILL"
	LoadBillingHold LoadStatus = "BILLING_HOLD"
	LoadInvoiced    LoadStatus = "INVOICED"
	LoadPaid        LoadStatus = "PAID"
	LoadCancelled   LoadStatus = "CANCELLED"
)

// SettleableLoadStatuses are the load statuses eligible for driver pay.
var SettleableLoadStatuses = []LoadStatus{
	LoadDelivered, LoadReadyToBill, LoadBillingHold, LoadInvoiced, LoadPaid,
}

// Settleable reports whether the status is in the settleable set.
func (s LoadStatus) Settleable() bool {
	for _, st := range SettleableLoadStatuses {
		if s == st {
			return true
		}
	}
	return false
}

type Load struct {
	ID          LoadID
	CompanyID   CompanyID
	DriverID    DriverID
	Number      string
	Status      LoadStatus
	DeliveredAt *time.Time

	LoadedMiles   decimal.Decimal
	EmptyMiles    decimal.Decimal
	Revenue       decimal.Decimal
	FuelSurcharge decimal.Decimal

	// DriverPay overrides the pay-type calculation when positive.
	DriverPay decimal.Decimal

	// Set on approval.
	SettlementID SettlementID
	SettledAt    *time.Time
}

// Miles returns loaded plus empty miles.
func (l Load) Miles() decimal.Decimal { return l.LoadedMiles.Add(l.EmptyMiles) }

type AccessorialType string

const (
	AccessorialDetention AccessorialType = "DETENTION"
	AccessorialLayover   AccessorialType = "LAYOVER"
	AccessorialStop      AccessorialType = "ADDITIONAL_STOP"
)

// AccessorialCharge is driver-facing accessorial pay for a load, computed
// upstream (detention engine, dispatch).
type AccessorialCharge struct {
	ID          string
	LoadID      LoadID
	Type        AccessorialType
	Description string
	Amount      decimal.Decimal
	Approved    bool
}

type ExpenseTreatment string

const (
	// ExpenseReimburse: driver paid out of pocket, company pays it back.
	ExpenseReimburse ExpenseTreatment = "REIMBURSE"
	// ExpenseChargeback: company paid, driver owes it.
	ExpenseChargeback ExpenseTreatment = "CHARGEBACK"
)

type LoadExpense struct {
	ID         ExpenseID
	LoadID     LoadID
	DriverID   DriverID
	Type       string // TOLL, SCALE, LUMPER, ...
	Treatment  ExpenseTreatment
	Amount     decimal.Decimal
	Vendor     string
	IncurredAt time.Time
	Approved   bool

	SettlementID SettlementID
	SettledAt    *time.Time
}

type FuelEntry struct {
	ID          FuelEntryID
	DriverID    DriverID
	Gallons     decimal.Decimal
	Amount      decimal.Decimal
	Location    string
	PurchasedAt time.Time

	// DriverChargeable entries are deducted from the driver's pay.
	DriverChargeable bool

	SettlementID SettlementID
	SettledAt    *time.Time
}

type DriverAdvance struct {
	ID       AdvanceID
	DriverID DriverID
	Amount   decimal.Decimal
	Reason   string
	IssuedAt time.Time
	Approved bool

	SettlementID SettlementID
	SettledAt    *time.Time
}

// NegativeBalance is what a driver still owes after an approved settlement
// closed below zero. The driver's next draft deducts it, and approval of
// that draft marks it applied.
type NegativeBalance struct {
	ID                 NegativeBalanceID
	DriverID           DriverID
	Amount             decimal.Decimal
	OriginSettlementID SettlementID
	OriginNumber       string
	CreatedAt          time.Time

	AppliedSettlementID SettlementID
	AppliedAt           *time.Time
}

// Invoice is read by the reconciliation bridge only.
type Invoice struct {
	ID            string
	CompanyID     CompanyID
	LoadIDs       []LoadID
	Subtotal      decimal.Decimal
	FuelSurcharge decimal.Decimal
	IssuedAt      time.Time
}

// ActivityBundle is everything a driver has to settle in one period.
type ActivityBundle struct {
	DriverID     DriverID
	Period       Period
	Loads        []Load
	Accessorials []AccessorialCharge
	Expenses     []LoadExpense
	FuelEntries  []FuelEntry
	Advances     []DriverAdvance

	// NegativeBalances carried from earlier settlements. They ride along
	// with other activity but never make a settlement on their own.
	NegativeBalances []NegativeBalance
}

// IsEmpty reports whether there is nothing to settle.
func (b ActivityBundle) IsEmpty() bool {
	return len(b.Loads) == 0 && len(b.Expenses) == 0 &&
		len(b.FuelEntries) == 0 && len(b.Advances) == 0
}

// TotalMiles sums loaded and empty miles across the bundle's loads.
func (b ActivityBundle) TotalMiles() decimal.Decimal {
	total := decimal.Zero
	for _, l := range b.Loads {
		total = total.Add(l.Miles())
	}
	return total
}

// =============================================================================
// SETTLEMENT
// =============================================================================

// Status is the operational lifecycle.
type Status string

const (
	StatusPending   Status = "PENDING" // draft
	StatusApproved  Status = "APPROVED"
	StatusPaid      Status = "PAID"
	StatusRejected  Status = "REJECTED"
	StatusCancelled Status = "CANCELLED"
)

// Live reports whether a settlement in this status claims its driver/period
// and its activity. Rejected and cancelled settlements are kept for audit
// but release both.
func (s Status) Live() bool {
	return s != StatusCancelled && s != StatusRejected
}

// ApprovalStatus is the governance lifecycle.
type ApprovalStatus string

const (
	ApprovalPending     ApprovalStatus = "PENDING"
	ApprovalUnderReview ApprovalStatus = "UNDER_REVIEW"
	ApprovalApproved    ApprovalStatus = "APPROVED"
	ApprovalRejected    ApprovalStatus = "REJECTED"
)

type PaymentMethod string

const (
	PaymentACH   PaymentMethod = "ACH"
	PaymentCheck PaymentMethod = "CHECK"
	PaymentWire  PaymentMethod = "WIRE"
	PaymentCash  PaymentMethod = "CASH"
	PaymentOther PaymentMethod = "OTHER"
)

// Valid reports whether the payment method is known.
func (m PaymentMethod) Valid() bool {
	switch m {
	case PaymentACH, PaymentCheck, PaymentWire, PaymentCash, PaymentOther:
		return true
	}
	return false
}

type Settlement struct {
	ID        SettlementID
	Number    string
	CompanyID CompanyID
	DriverID  DriverID
	Period    Period

	GrossPay        decimal.Decimal
	TotalAdditions  decimal.Decimal
	TotalDeductions decimal.Decimal
	NetPay          decimal.Decimal

	Status         Status
	ApprovalStatus ApprovalStatus

	PaidDate         *time.Time
	PaymentMethod    PaymentMethod
	PaymentReference string

	Notes string

	Loads     []SettlementLoad
	LineItems []LineItem

	Version      int
	CalculatedAt time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// SettlementLoad records how one load contributed to gross pay.
type SettlementLoad struct {
	LoadID      LoadID
	LoadNumber  string
	Miles       decimal.Decimal
	Revenue     decimal.Decimal
	Pay         decimal.Decimal
	Accessorial decimal.Decimal
	AppliedRule string
}

// =============================================================================
// LINE ITEMS
// =============================================================================

type SourceKind string

const (
	SourceNone      SourceKind = ""
	SourceRule      SourceKind = "rule"
	SourceFuelEntry SourceKind = "fuel_entry"
	SourceAdvance   SourceKind = "advance"
	SourceExpense   SourceKind = "expense"

	SourceNegativeBalance SourceKind = "negative_balance"
)

// LineItemSource is a typed reference to the record that produced a line
// item. At most one source per line.
type LineItemSource struct {
	Kind SourceKind
	ID   string
}

func NoSource() LineItemSource                   { return LineItemSource{} }
func RuleRef(id RuleID) LineItemSource           { return LineItemSource{Kind: SourceRule, ID: string(id)} }
func FuelEntryRef(id FuelEntryID) LineItemSource { return LineItemSource{Kind: SourceFuelEntry, ID: string(id)} }
func AdvanceRef(id AdvanceID) LineItemSource     { return LineItemSource{Kind: SourceAdvance, ID: string(id)} }
func ExpenseRef(id ExpenseID) LineItemSource     { return LineItemSource{Kind: SourceExpense, ID: string(id)} }

func NegativeBalanceRef(id NegativeBalanceID) LineItemSource {
	return LineItemSource{Kind: SourceNegativeBalance, ID: string(id)}
}

func (s LineItemSource) IsNone() bool { return s.Kind == SourceNone }

// RuleID returns the referenced rule, if the source is a rule.
func (s LineItemSource) RuleID() (RuleID, bool) { return RuleID(s.ID), s.Kind == SourceRule }

func (s LineItemSource) String() string {
	if s.IsNone() {
		return "none"
	}
	return string(s.Kind) + ":" + s.ID
}

type LineItem struct {
	ID           LineItemID
	SettlementID SettlementID
	Type         DeductionType
	Category     Category
	Description  string
	Amount       decimal.Decimal
	Source       LineItemSource
	CreatedAt    time.Time
}

// =============================================================================
// APPROVAL AUDIT TRAIL
// =============================================================================

type Action string

const (
	ActionSubmitted    Action = "submitted"
	ActionApproved     Action = "approved"
	ActionRejected     Action = "rejected"
	ActionPaid         Action = "paid"
	ActionCancelled    Action = "cancelled"
	ActionRecalculated Action = "recalculated"
)

// Approval is an append-only audit entry. Never updated, never deleted.
type Approval struct {
	ID             string
	SettlementID   SettlementID
	Action         Action
	Status         Status
	ApprovalStatus ApprovalStatus
	ActorID        string
	Notes          string
	CreatedAt      time.Time
}

// =============================================================================
// GENERATION RUNS
// =============================================================================

type TriggerSource string

const (
	TriggerScheduled TriggerSource = "scheduled"
	TriggerManual    TriggerSource = "manual"
)

type DispatchMode string

const (
	ModeInline   DispatchMode = "inline"
	ModeAsync    DispatchMode = "async"
	ModeFallback DispatchMode = "fallback"
)

type RunStatus string

const (
	RunQueued    RunStatus = "queued"
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
)

// GenerationRun records one company batch for operational visibility.
type GenerationRun struct {
	ID          string
	CompanyID   CompanyID
	Period      Period
	Trigger     TriggerSource
	Mode        DispatchMode
	Status      RunStatus
	Created     int
	Skipped     int
	Failed      int
	Error       string
	StartedAt   time.Time
	CompletedAt *time.Time
}
