// Package store provides in-memory settlement.Store implementations.
package store

import (
	"context"
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/warp/settlement-engine/settlement"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory is a settlement.TxStore backed by maps. All calls serialize on one
// mutex; WithTx holds it for the whole callback.
type Memory struct {
	mu sync.Mutex
	st *state
}

func NewMemory() *Memory {
	return &Memory{st: newState()}
}

type state struct {
	companies    map[settlement.CompanyID]settlement.Company
	drivers      map[settlement.DriverID]settlement.Driver
	rules        map[settlement.RuleID]settlement.DeductionRule
	ruleOrder    []settlement.RuleID
	loads        map[settlement.LoadID]settlement.Load
	accessorials map[string]settlement.AccessorialCharge
	expenses     map[settlement.ExpenseID]settlement.LoadExpense
	fuel         map[settlement.FuelEntryID]settlement.FuelEntry
	advances     map[settlement.AdvanceID]settlement.DriverAdvance
	balances     map[settlement.NegativeBalanceID]settlement.NegativeBalance
	invoices     map[string]settlement.Invoice
	settlements  map[settlement.SettlementID]settlement.Settlement
	approvals    map[settlement.SettlementID][]settlement.Approval
	runs         map[string]settlement.GenerationRun
}

func newState() *state {
	return &state{
		companies:    make(map[settlement.CompanyID]settlement.Company),
		drivers:      make(map[settlement.DriverID]settlement.Driver),
		rules:        make(map[settlement.RuleID]settlement.DeductionRule),
		loads:        make(map[settlement.LoadID]settlement.Load),
		accessorials: make(map[string]settlement.AccessorialCharge),
		expenses:     make(map[settlement.ExpenseID]settlement.LoadExpense),
		fuel:         make(map[settlement.FuelEntryID]settlement.FuelEntry),
		advances:     make(map[settlement.AdvanceID]settlement.DriverAdvance),
		balances:     make(map[settlement.NegativeBalanceID]settlement.NegativeBalance),
		invoices:     make(map[string]settlement.Invoice),
		settlements:  make(map[settlement.SettlementID]settlement.Settlement),
		approvals:    make(map[settlement.SettlementID][]settlement.Approval),
		runs:         make(map[string]settlement.GenerationRun),
	}
}

// clone copies every map. Slices inside records are never mutated in place,
// so sharing them with the snapshot is safe.
func (s *state) clone() *state {
	c := newState()
	for k, v := range s.companies {
		c.companies[k] = v
	}
	for k, v := range s.drivers {
		c.drivers[k] = v
	}
	for k, v := range s.rules {
		c.rules[k] = v
	}
	c.ruleOrder = append([]settlement.RuleID(nil), s.ruleOrder...)
	for k, v := range s.loads {
		c.loads[k] = v
	}
	for k, v := range s.accessorials {
		c.accessorials[k] = v
	}
	for k, v := range s.expenses {
		c.expenses[k] = v
	}
	for k, v := range s.fuel {
		c.fuel[k] = v
	}
	for k, v := range s.advances {
		c.advances[k] = v
	}
	for k, v := range s.balances {
		c.balances[k] = v
	}
	for k, v := range s.invoices {
		c.invoices[k] = v
	}
	for k, v := range s.settlements {
		c.settlements[k] = v
	}
	for k, v := range s.approvals {
		c.approvals[k] = append([]settlement.Approval(nil), v...)
	}
	for k, v := range s.runs {
		c.runs[k] = v
	}
	return c
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// WithTx executes fn within a transaction.
// For memory store, this is simulated with a snapshot + rollback on error.
func (m *Memory) WithTx(ctx context.Context, fn func(settlement.Store) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.st.clone()
	if err := fn(m.st); err != nil {
		m.st = snapshot
		return err
	}
	return nil
}

func (m *Memory) locked(fn func(s *state) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return fn(m.st)
}

// =============================================================================
// DRIVER DIRECTORY
// =============================================================================

func (s *state) GetCompany(_ context.Context, id settlement.CompanyID) (settlement.Company, error) {
	c, ok := s.companies[id]
	if !ok {
		return settlement.Company{}, &settlement.NotFoundError{Kind: "company", ID: string(id)}
	}
	return c, nil
}

func (s *state) ListCompanies(_ context.Context) ([]settlement.Company, error) {
	var out []settlement.Company
	for _, c := range s.companies {
		if c.Active {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *state) GetDriver(_ context.Context, id settlement.DriverID) (settlement.Driver, error) {
	d, ok := s.drivers[id]
	if !ok {
		return settlement.Driver{}, &settlement.NotFoundError{Kind: "driver", ID: string(id)}
	}
	return d, nil
}

func (s *state) ListSettleableDrivers(_ context.Context, companyID settlement.CompanyID) ([]settlement.Driver, error) {
	var out []settlement.Driver
	for _, d := range s.drivers {
		if d.CompanyID == companyID && d.Active {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// =============================================================================
// RULES
// =============================================================================

func (s *state) ListRules(_ context.Context, driverID settlement.DriverID) ([]settlement.DeductionRule, error) {
	var out []settlement.DeductionRule
	for _, id := range s.ruleOrder {
		if r := s.rules[id]; r.DriverID == driverID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *state) GetRule(_ context.Context, id settlement.RuleID) (settlement.DeductionRule, error) {
	r, ok := s.rules[id]
	if !ok {
		return settlement.DeductionRule{}, &settlement.NotFoundError{Kind: "rule", ID: string(id)}
	}
	return r, nil
}

func (s *state) UpdateRuleProgress(_ context.Context, id settlement.RuleID, expectedVersion int, current decimal.Decimal) error {
	r, ok := s.rules[id]
	if !ok {
		return &settlement.NotFoundError{Kind: "rule", ID: string(id)}
	}
	if r.Version != expectedVersion {
		return settlement.ErrConcurrentModification
	}
	r.CurrentAmount = current
	r.Version++
	s.rules[id] = r
	return nil
}

// =============================================================================
// ACTIVITY
// =============================================================================

// claims returns what live settlements already hold.
func (s *state) claims() (map[settlement.LoadID]bool, map[settlement.LineItemSource]bool) {
	loads := make(map[settlement.LoadID]bool)
	sources := make(map[settlement.LineItemSource]bool)
	for _, st := range s.settlements {
		if !st.Status.Live() {
			continue
		}
		for _, l := range st.Loads {
			loads[l.LoadID] = true
		}
		for _, li := range st.LineItems {
			if !li.Source.IsNone() {
				sources[li.Source] = true
			}
		}
	}
	return loads, sources
}

func (s *state) UnsettledLoads(_ context.Context, driverID settlement.DriverID, period settlement.Period) ([]settlement.Load, error) {
	claimed, _ := s.claims()
	var out []settlement.Load
	for _, l := range s.loads {
		if l.DriverID != driverID || l.SettledAt != nil || claimed[l.ID] {
			continue
		}
		if !l.Status.Settleable() || l.DeliveredAt == nil || !period.Contains(*l.DeliveredAt) {
			continue
		}
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].DeliveredAt.Equal(*out[j].DeliveredAt) {
			return out[i].DeliveredAt.Before(*out[j].DeliveredAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *state) Accessorials(_ context.Context, loadIDs []settlement.LoadID) ([]settlement.AccessorialCharge, error) {
	want := make(map[settlement.LoadID]bool, len(loadIDs))
	for _, id := range loadIDs {
		want[id] = true
	}
	var out []settlement.AccessorialCharge
	for _, a := range s.accessorials {
		if want[a.LoadID] && a.Approved {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *state) UnsettledExpenses(_ context.Context, driverID settlement.DriverID, period settlement.Period) ([]settlement.LoadExpense, error) {
	_, claimed := s.claims()
	var out []settlement.LoadExpense
	for _, e := range s.expenses {
		if e.DriverID != driverID || !e.Approved || e.SettledAt != nil || claimed[settlement.ExpenseRef(e.ID)] {
			continue
		}
		if period.Contains(e.IncurredAt) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *state) UnsettledFuelEntries(_ context.Context, driverID settlement.DriverID, period settlement.Period) ([]settlement.FuelEntry, error) {
	_, claimed := s.claims()
	var out []settlement.FuelEntry
	for _, f := range s.fuel {
		if f.DriverID != driverID || f.SettledAt != nil || claimed[settlement.FuelEntryRef(f.ID)] {
			continue
		}
		if period.Contains(f.PurchasedAt) {
			out = append(out, f)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *state) UnsettledAdvances(_ context.Context, driverID settlement.DriverID, period settlement.Period) ([]settlement.DriverAdvance, error) {
	_, claimed := s.claims()
	var out []settlement.DriverAdvance
	for _, a := range s.advances {
		if a.DriverID != driverID || !a.Approved || a.SettledAt != nil || claimed[settlement.AdvanceRef(a.ID)] {
			continue
		}
		if period.Contains(a.IssuedAt) {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *state) OpenNegativeBalances(_ context.Context, driverID settlement.DriverID) ([]settlement.NegativeBalance, error) {
	_, claimed := s.claims()
	var out []settlement.NegativeBalance
	for _, nb := range s.balances {
		if nb.DriverID != driverID || nb.AppliedAt != nil || claimed[settlement.NegativeBalanceRef(nb.ID)] {
			continue
		}
		out = append(out, nb)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *state) RecordNegativeBalance(_ context.Context, nb settlement.NegativeBalance) error {
	if _, exists := s.balances[nb.ID]; exists {
		return settlement.ErrStorageConflict
	}
	s.balances[nb.ID] = nb
	return nil
}

func (s *state) MarkSettled(_ context.Context, refs settlement.SettledRefs) error {
	at := refs.At
	for _, id := range refs.Loads {
		l, ok := s.loads[id]
		if !ok {
			return &settlement.NotFoundError{Kind: "load", ID: string(id)}
		}
		if l.SettledAt != nil {
			return settlement.ErrConcurrentModification
		}
		l.SettlementID, l.SettledAt = refs.SettlementID, &at
		s.loads[id] = l
	}
	for _, id := range refs.Expenses {
		e, ok := s.expenses[id]
		if !ok {
			return &settlement.NotFoundError{Kind: "expense", ID: string(id)}
		}
		if e.SettledAt != nil {
			return settlement.ErrConcurrentModification
		}
		e.SettlementID, e.SettledAt = refs.SettlementID, &at
		s.expenses[id] = e
	}
	for _, id := range refs.FuelEntries {
		f, ok := s.fuel[id]
		if !ok {
			return &settlement.NotFoundError{Kind: "fuel entry", ID: string(id)}
		}
		if f.SettledAt != nil {
			return settlement.ErrConcurrentModification
		}
		f.SettlementID, f.SettledAt = refs.SettlementID, &at
		s.fuel[id] = f
	}
	for _, id := range refs.Advances {
		a, ok := s.advances[id]
		if !ok {
			return &settlement.NotFoundError{Kind: "advance", ID: string(id)}
		}
		if a.SettledAt != nil {
			return settlement.ErrConcurrentModification
		}
		a.SettlementID, a.SettledAt = refs.SettlementID, &at
		s.advances[id] = a
	}
	for _, id := range refs.NegativeBalances {
		nb, ok := s.balances[id]
		if !ok {
			return &settlement.NotFoundError{Kind: "negative balance", ID: string(id)}
		}
		if nb.AppliedAt != nil {
			return settlement.ErrConcurrentModification
		}
		nb.AppliedSettlementID, nb.AppliedAt = refs.SettlementID, &at
		s.balances[id] = nb
	}
	return nil
}

func (s *state) ListLoads(_ context.Context, companyID settlement.CompanyID, period settlement.Period) ([]settlement.Load, error) {
	var out []settlement.Load
	for _, l := range s.loads {
		if l.CompanyID == companyID && l.DeliveredAt != nil && period.Contains(*l.DeliveredAt) {
			out = append(out, l)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *state) ListInvoices(_ context.Context, companyID settlement.CompanyID) ([]settlement.Invoice, error) {
	var out []settlement.Invoice
	for _, inv := range s.invoices {
		if inv.CompanyID == companyID {
			out = append(out, inv)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// =============================================================================
// SETTLEMENTS
// =============================================================================

func (s *state) CreateSettlement(_ context.Context, st settlement.Settlement) error {
	if _, exists := s.settlements[st.ID]; exists {
		return settlement.ErrStorageConflict
	}
	if st.Status.Live() {
		for _, other := range s.settlements {
			if other.DriverID == st.DriverID && other.Status.Live() &&
				other.Period.Start.Equal(st.Period.Start) && other.Period.End.Equal(st.Period.End) {
				return settlement.ErrStorageConflict
			}
		}
	}
	st.Loads = append([]settlement.SettlementLoad(nil), st.Loads...)
	st.LineItems = append([]settlement.LineItem(nil), st.LineItems...)
	s.settlements[st.ID] = st
	return nil
}

func (s *state) GetSettlement(_ context.Context, id settlement.SettlementID) (settlement.Settlement, error) {
	st, ok := s.settlements[id]
	if !ok {
		return settlement.Settlement{}, &settlement.NotFoundError{Kind: "settlement", ID: string(id)}
	}
	return st, nil
}

func (s *state) FindLiveSettlement(_ context.Context, driverID settlement.DriverID, period settlement.Period) (*settlement.Settlement, error) {
	for _, st := range s.settlements {
		if st.DriverID == driverID && st.Status.Live() && st.Period.Overlaps(period) {
			found := st
			return &found, nil
		}
	}
	return nil, nil
}

func (s *state) ListSettlements(_ context.Context, f settlement.SettlementFilter) ([]settlement.Settlement, error) {
	var out []settlement.Settlement
	for _, st := range s.settlements {
		if f.CompanyID != "" && st.CompanyID != f.CompanyID {
			continue
		}
		if f.DriverID != "" && st.DriverID != f.DriverID {
			continue
		}
		if f.Status != "" && st.Status != f.Status {
			continue
		}
		if f.Period != nil && !st.Period.Overlaps(*f.Period) {
			continue
		}
		if f.LiveOnly && !st.Status.Live() {
			continue
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *state) UpdateSettlement(_ context.Context, st settlement.Settlement) error {
	stored, ok := s.settlements[st.ID]
	if !ok {
		return &settlement.NotFoundError{Kind: "settlement", ID: string(st.ID)}
	}
	if stored.Version != st.Version {
		return settlement.ErrConcurrentModification
	}
	st.Loads, st.LineItems = stored.Loads, stored.LineItems
	st.Version++
	s.settlements[st.ID] = st
	return nil
}

func (s *state) ReplaceSettlementItems(_ context.Context, id settlement.SettlementID, loads []settlement.SettlementLoad, items []settlement.LineItem) error {
	stored, ok := s.settlements[id]
	if !ok {
		return &settlement.NotFoundError{Kind: "settlement", ID: string(id)}
	}
	stored.Loads = append([]settlement.SettlementLoad(nil), loads...)
	stored.LineItems = append([]settlement.LineItem(nil), items...)
	s.settlements[id] = stored
	return nil
}

func (s *state) AppendApproval(_ context.Context, a settlement.Approval) error {
	if _, ok := s.settlements[a.SettlementID]; !ok {
		return &settlement.NotFoundError{Kind: "settlement", ID: string(a.SettlementID)}
	}
	s.approvals[a.SettlementID] = append(s.approvals[a.SettlementID], a)
	return nil
}

func (s *state) ListApprovals(_ context.Context, id settlement.SettlementID) ([]settlement.Approval, error) {
	return append([]settlement.Approval(nil), s.approvals[id]...), nil
}

// =============================================================================
// RUN LOG
// =============================================================================

func (s *state) SaveRun(_ context.Context, run settlement.GenerationRun) error {
	s.runs[run.ID] = run
	return nil
}

func (s *state) LastRun(_ context.Context, companyID settlement.CompanyID) (*settlement.GenerationRun, error) {
	var last *settlement.GenerationRun
	for _, r := range s.runs {
		if r.CompanyID != companyID {
			continue
		}
		if last == nil || r.StartedAt.After(last.StartedAt) ||
			(r.StartedAt.Equal(last.StartedAt) && r.ID > last.ID) {
			run := r
			last = &run
		}
	}
	return last, nil
}

// =============================================================================
// SEEDER
// =============================================================================

func (s *state) SaveCompany(_ context.Context, c settlement.Company) error {
	s.companies[c.ID] = c
	return nil
}

func (s *state) SaveDriver(_ context.Context, d settlement.Driver) error {
	s.drivers[d.ID] = d
	return nil
}

func (s *state) SaveRule(_ context.Context, r settlement.DeductionRule) error {
	if _, exists := s.rules[r.ID]; !exists {
		s.ruleOrder = append(s.ruleOrder, r.ID)
	}
	s.rules[r.ID] = r
	return nil
}

func (s *state) SaveLoad(_ context.Context, l settlement.Load) error {
	s.loads[l.ID] = l
	return nil
}

func (s *state) SaveAccessorial(_ context.Context, a settlement.AccessorialCharge) error {
	s.accessorials[a.ID] = a
	return nil
}

func (s *state) SaveExpense(_ context.Context, e settlement.LoadExpense) error {
	s.expenses[e.ID] = e
	return nil
}

func (s *state) SaveFuelEntry(_ context.Context, f settlement.FuelEntry) error {
	s.fuel[f.ID] = f
	return nil
}

func (s *state) SaveAdvance(_ context.Context, a settlement.DriverAdvance) error {
	s.advances[a.ID] = a
	return nil
}

func (s *state) SaveInvoice(_ context.Context, inv settlement.Invoice) error {
	s.invoices[inv.ID] = inv
	return nil
}

func (s *state) Reset(_ context.Context) error {
	*s = *newState()
	return nil
}
