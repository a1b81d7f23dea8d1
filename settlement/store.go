/*
store.go - Persistence interfaces for the settlement engine

PURPOSE:
  Defines the boundary between settlement logic and the database.
  Activity and rule records are owned by other subsystems; the engine
  reads them and only ever writes the "settled" marker and rule progress.

KEY INTERFACES:
  DriverDirectory: companies and drivers (read-only)
  RuleStore:       active rules, plus the approval-only progress write
  ActivitySource:  "find unsettled in period" queries, MarkSettled on approval
  SettlementStore: settlements, line items, approvals (append-only)
  RunLog:          generation run records
  TxStore:         all of the above with WithTx for atomic multi-table writes

UNIQUENESS:
  Implementations MUST reject a second live settlement for the same
  (driver, periodStart, periodEnd) with ErrStorageConflict. The application
  level overlap check is not enough on its own: two generators can both
  pass it before either inserts.

IMPLEMENTATIONS:
  - store/sqlite/sqlite.go: SQLite with a partial unique index
  - settlement/store/memory.go: In-memory for tests and demos

SEE ALSO:
  - workflow.go: the only caller of UpdateRuleProgress and MarkSettled
*/
package settlement

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// READ-SIDE COLLABORATORS
// =============================================================================

// DriverDirectory resolves companies and their drivers.
type DriverDirectory interface {
	GetCompany(ctx context.Context, id CompanyID) (Company, error)

	// ListCompanies returns active companies, for scheduled runs.
	ListCompanies(ctx context.Context) ([]Company, error)

	GetDriver(ctx context.Context, id DriverID) (Driver, error)

	// ListSettleableDrivers returns the company's active drivers ordered by ID.
	ListSettleableDrivers(ctx context.Context, companyID CompanyID) ([]Driver, error)
}

// RuleStore reads deduction rules and commits their progress.
type RuleStore interface {
	// ListRules returns every rule for the driver in creation order.
	ListRules(ctx context.Context, driverID DriverID) ([]DeductionRule, error)

	GetRule(ctx context.Context, id RuleID) (DeductionRule, error)

	// UpdateRuleProgress sets CurrentAmount if the stored version still
	// equals expectedVersion, and bumps the version. Otherwise returns
	// ErrConcurrentModification.
	UpdateRuleProgress(ctx context.Context, id RuleID, expectedVersion int, current decimal.Decimal) error
}

// ActivitySource exposes unsettled activity for a driver and period.
//
// "Unsettled" means: no settled marker AND not claimed by a live settlement.
// A load is claimed through the settlement's load list; expenses, fuel
// entries and advances through a line item source.
type ActivitySource interface {
	UnsettledLoads(ctx context.Context, driverID DriverID, period Period) ([]Load, error)
	Accessorials(ctx context.Context, loadIDs []LoadID) ([]AccessorialCharge, error)
	UnsettledExpenses(ctx context.Context, driverID DriverID, period Period) ([]LoadExpense, error)
	UnsettledFuelEntries(ctx context.Context, driverID DriverID, period Period) ([]FuelEntry, error)
	UnsettledAdvances(ctx context.Context, driverID DriverID, period Period) ([]DriverAdvance, error)

	// OpenNegativeBalances returns the driver's unapplied balances that no
	// live settlement claims, oldest first. They are not period-bound.
	OpenNegativeBalances(ctx context.Context, driverID DriverID) ([]NegativeBalance, error)

	// RecordNegativeBalance stores a balance carried forward by an approval.
	// A duplicate ID is ErrStorageConflict.
	RecordNegativeBalance(ctx context.Context, nb NegativeBalance) error

	// MarkSettled links the records to the settlement and marks negative
	// balances applied. It fails with ErrConcurrentModification if any
	// record is already settled or applied.
	MarkSettled(ctx context.Context, refs SettledRefs) error

	// Read-only queries for the reconciliation bridge.
	ListLoads(ctx context.Context, companyID CompanyID, period Period) ([]Load, error)
	ListInvoices(ctx context.Context, companyID CompanyID) ([]Invoice, error)
}

// SettledRefs lists what an approved settlement consumed.
type SettledRefs struct {
	SettlementID SettlementID
	At           time.Time
	Loads        []LoadID
	Expenses     []ExpenseID
	FuelEntries  []FuelEntryID
	Advances     []AdvanceID

	NegativeBalances []NegativeBalanceID
}

// =============================================================================
// SETTLEMENT PERSISTENCE
// =============================================================================

// SettlementFilter narrows ListSettlements. Zero values match everything.
type SettlementFilter struct {
	CompanyID CompanyID
	DriverID  DriverID
	Status    Status
	Period    *Period // overlapping
	LiveOnly  bool
}

// SettlementStore persists settlements and their children.
// There is no delete: cancellation is a status.
type SettlementStore interface {
	// CreateSettlement writes the settlement, its loads and line items.
	// Returns ErrStorageConflict if a live settlement already exists for the
	// same driver and period.
	CreateSettlement(ctx context.Context, s Settlement) error

	// GetSettlement returns the settlement with loads and line items.
	GetSettlement(ctx context.Context, id SettlementID) (Settlement, error)

	// FindLiveSettlement returns a live settlement for the driver whose
	// period overlaps the given one, or nil.
	FindLiveSettlement(ctx context.Context, driverID DriverID, period Period) (*Settlement, error)

	ListSettlements(ctx context.Context, filter SettlementFilter) ([]Settlement, error)

	// UpdateSettlement writes header fields (status, totals, payment, notes)
	// if the stored version equals s.Version, then bumps it.
	UpdateSettlement(ctx context.Context, s Settlement) error

	// ReplaceSettlementItems swaps the loads and line items of a draft.
	ReplaceSettlementItems(ctx context.Context, id SettlementID, loads []SettlementLoad, items []LineItem) error

	// AppendApproval adds an audit entry. Append-only.
	AppendApproval(ctx context.Context, a Approval) error

	ListApprovals(ctx context.Context, id SettlementID) ([]Approval, error)
}

// RunLog keeps generation run records.
type RunLog interface {
	SaveRun(ctx context.Context, run GenerationRun) error

	// LastRun returns the most recently started run, or nil.
	LastRun(ctx context.Context, companyID CompanyID) (*GenerationRun, error)
}

// =============================================================================
// STORE - Everything the engine needs
// =============================================================================

type Store interface {
	DriverDirectory
	RuleStore
	ActivitySource
	SettlementStore
	RunLog
}

// TxStore wraps Store with transaction support.
type TxStore interface {
	Store

	// WithTx executes fn within a transaction.
	// If fn returns error, transaction is rolled back.
	// If fn returns nil, transaction is committed.
	WithTx(ctx context.Context, fn func(Store) error) error
}

// =============================================================================
// SEEDER - Master data writes owned by other subsystems
// =============================================================================

// Seeder loads master and activity data. The engine itself never calls it;
// demo scenarios and tests do.
type Seeder interface {
	SaveCompany(ctx context.Context, c Company) error
	SaveDriver(ctx context.Context, d Driver) error
	SaveRule(ctx context.Context, r DeductionRule) error
	SaveLoad(ctx context.Context, l Load) error
	SaveAccessorial(ctx context.Context, a AccessorialCharge) error
	SaveExpense(ctx context.Context, e LoadExpense) error
	SaveFuelEntry(ctx context.Context, f FuelEntry) error
	SaveAdvance(ctx context.Context, a DriverAdvance) error
	SaveInvoice(ctx context.Context, inv Invoice) error

	// Reset wipes all data.
	Reset(ctx context.Context) error
}
