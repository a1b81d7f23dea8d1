package store

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/warp/settlement-engine/settlement"
)

// Locked entry points. Each one takes the store mutex and delegates to the
// unlocked state, which is also what WithTx callbacks see.

var (
	_ settlement.TxStore = (*Memory)(nil)
	_ settlement.Seeder  = (*Memory)(nil)
	_ settlement.Store   = (*state)(nil)
)

func (m *Memory) GetCompany(ctx context.Context, id settlement.CompanyID) (settlement.Company, error) {
	var out settlement.Company
	err := m.locked(func(s *state) (err error) {
		out, err = s.GetCompany(ctx, id)
		return err
	})
	return out, err
}

func (m *Memory) ListCompanies(ctx context.Context) ([]settlement.Company, error) {
	var out []settlement.Company
	err := m.locked(func(s *state) (err error) {
		out, err = s.ListCompanies(ctx)
		return err
	})
	return out, err
}

func (m *Memory) GetDriver(ctx context.Context, id settlement.DriverID) (settlement.Driver, error) {
	var out settlement.Driver
	err := m.locked(func(s *state) (err error) {
		out, err = s.GetDriver(ctx, id)
		return err
	})
	return out, err
}

func (m *Memory) ListSettleableDrivers(ctx context.Context, companyID settlement.CompanyID) ([]settlement.Driver, error) {
	var out []settlement.Driver
	err := m.locked(func(s *state) (err error) {
		out, err = s.ListSettleableDrivers(ctx, companyID)
		return err
	})
	return out, err
}

func (m *Memory) ListRules(ctx context.Context, driverID settlement.DriverID) ([]settlement.DeductionRule, error) {
	var out []settlement.DeductionRule
	err := m.locked(func(s *state) (err error) {
		out, err = s.ListRules(ctx, driverID)
		return err
	})
	return out, err
}

func (m *Memory) GetRule(ctx context.Context, id settlement.RuleID) (settlement.DeductionRule, error) {
	var out settlement.DeductionRule
	err := m.locked(func(s *state) (err error) {
		out, err = s.GetRule(ctx, id)
		return err
	})
	return out, err
}

func (m *Memory) UpdateRuleProgress(ctx context.Context, id settlement.RuleID, expectedVersion int, current decimal.Decimal) error {
	return m.locked(func(s *state) error { return s.UpdateRuleProgress(ctx, id, expectedVersion, current) })
}

func (m *Memory) UnsettledLoads(ctx context.Context, driverID settlement.DriverID, period settlement.Period) ([]settlement.Load, error) {
	var out []settlement.Load
	err := m.locked(func(s *state) (err error) {
		out, err = s.UnsettledLoads(ctx, driverID, period)
		return err
	})
	return out, err
}

func (m *Memory) Accessorials(ctx context.Context, loadIDs []settlement.LoadID) ([]settlement.AccessorialCharge, error) {
	var out []settlement.AccessorialCharge
	err := m.locked(func(s *state) (err error) {
		out, err = s.Accessorials(ctx, loadIDs)
		return err
	})
	return out, err
}

func (m *Memory) UnsettledExpenses(ctx context.Context, driverID settlement.DriverID, period settlement.Period) ([]settlement.LoadExpense, error) {
	var out []settlement.LoadExpense
	err := m.locked(func(s *state) (err error) {
		out, err = s.UnsettledExpenses(ctx, driverID, period)
		return err
	})
	return out, err
}

func (m *Memory) UnsettledFuelEntries(ctx context.Context, driverID settlement.DriverID, period settlement.Period) ([]settlement.FuelEntry, error) {
	var out []settlement.FuelEntry
	err := m.locked(func(s *state) (err error) {
		out, err = s.UnsettledFuelEntries(ctx, driverID, period)
		return err
	})
	return out, err
}

func (m *Memory) UnsettledAdvances(ctx context.Context, driverID settlement.DriverID, period settlement.Period) ([]settlement.DriverAdvance, error) {
	var out []settlement.DriverAdvance
	err := m.locked(func(s *state) (err error) {
		out, err = s.UnsettledAdvances(ctx, driverID, period)
		return err
	})
	return out, err
}

func (m *Memory) OpenNegativeBalances(ctx context.Context, driverID settlement.DriverID) ([]settlement.NegativeBalance, error) {
	var out []settlement.NegativeBalance
	err := m.locked(func(s *state) (err error) {
		out, err = s.OpenNegativeBalances(ctx, driverID)
		return err
	})
	return out, err
}

func (m *Memory) RecordNegativeBalance(ctx context.Context, nb settlement.NegativeBalance) error {
	return m.locked(func(s *state) error { return s.RecordNegativeBalance(ctx, nb) })
}

func (m *Memory) MarkSettled(ctx context.Context, refs settlement.SettledRefs) error {
	return m.locked(func(s *state) error { return s.MarkSettled(ctx, refs) })
}

func (m *Memory) ListLoads(ctx context.Context, companyID settlement.CompanyID, period settlement.Period) ([]settlement.Load, error) {
	var out []settlement.Load
	err := m.locked(func(s *state) (err error) {
		out, err = s.ListLoads(ctx, companyID, period)
		return err
	})
	return out, err
}

func (m *Memory) ListInvoices(ctx context.Context, companyID settlement.CompanyID) ([]settlement.Invoice, error) {
	var out []settlement.Invoice
	err := m.locked(func(s *state) (err error) {
		out, err = s.ListInvoices(ctx, companyID)
		return err
	})
	return out, err
}

func (m *Memory) CreateSettlement(ctx context.Context, st settlement.Settlement) error {
	return m.locked(func(s *state) error { return s.CreateSettlement(ctx, st) })
}

func (m *Memory) GetSettlement(ctx context.Context, id settlement.SettlementID) (settlement.Settlement, error) {
	var out settlement.Settlement
	err := m.locked(func(s *state) (err error) {
		out, err = s.GetSettlement(ctx, id)
		return err
	})
	return out, err
}

func (m *Memory) FindLiveSettlement(ctx context.Context, driverID settlement.DriverID, period settlement.Period) (*settlement.Settlement, error) {
	var out *settlement.Settlement
	err := m.locked(func(s *state) (err error) {
		out, err = s.FindLiveSettlement(ctx, driverID, period)
		return err
	})
	return out, err
}

func (m *Memory) ListSettlements(ctx context.Context, f settlement.SettlementFilter) ([]settlement.Settlement, error) {
	var out []settlement.Settlement
	err := m.locked(func(s *state) (err error) {
		out, err = s.ListSettlements(ctx, f)
		return err
	})
	return out, err
}

func (m *Memory) UpdateSettlement(ctx context.Context, st settlement.Settlement) error {
	return m.locked(func(s *state) error { return s.UpdateSettlement(ctx, st) })
}

func (m *Memory) ReplaceSettlementItems(ctx context.Context, id settlement.SettlementID, loads []settlement.SettlementLoad, items []settlement.LineItem) error {
	return m.locked(func(s *state) error { return s.ReplaceSettlementItems(ctx, id, loads, items) })
}

func (m *Memory) AppendApproval(ctx context.Context, a settlement.Approval) error {
	return m.locked(func(s *state) error { return s.AppendApproval(ctx, a) })
}

func (m *Memory) ListApprovals(ctx context.Context, id settlement.SettlementID) ([]settlement.Approval, error) {
	var out []settlement.Approval
	err := m.locked(func(s *state) (err error) {
		out, err = s.ListApprovals(ctx, id)
		return err
	})
	return out, err
}

func (m *Memory) SaveRun(ctx context.Context, run settlement.GenerationRun) error {
	return m.locked(func(s *state) error { return s.SaveRun(ctx, run) })
}

func (m *Memory) LastRun(ctx context.Context, companyID settlement.CompanyID) (*settlement.GenerationRun, error) {
	var out *settlement.GenerationRun
	err := m.locked(func(s *state) (err error) {
		out, err = s.LastRun(ctx, companyID)
		return err
	})
	return out, err
}

func (m *Memory) SaveCompany(ctx context.Context, c settlement.Company) error {
	return m.locked(func(s *state) error { return s.SaveCompany(ctx, c) })
}

func (m *Memory) SaveDriver(ctx context.Context, d settlement.Driver) error {
	return m.locked(func(s *state) error { return s.SaveDriver(ctx, d) })
}

func (m *Memory) SaveRule(ctx context.Context, r settlement.DeductionRule) error {
	return m.locked(func(s *state) error { return s.SaveRule(ctx, r) })
}

func (m *Memory) SaveLoad(ctx context.Context, l settlement.Load) error {
	return m.locked(func(s *state) error { return s.SaveLoad(ctx, l) })
}

func (m *Memory) SaveAccessorial(ctx context.Context, a settlement.AccessorialCharge) error {
	return m.locked(func(s *state) error { return s.SaveAccessorial(ctx, a) })
}

func (m *Memory) SaveExpense(ctx context.Context, e settlement.LoadExpense) error {
	return m.locked(func(s *state) error { return s.SaveExpense(ctx, e) })
}

func (m *Memory) SaveFuelEntry(ctx context.Context, f settlement.FuelEntry) error {
	return m.locked(func(s *state) error { return s.SaveFuelEntry(ctx, f) })
}

func (m *Memory) SaveAdvance(ctx context.Context, a settlement.DriverAdvance) error {
	return m.locked(func(s *state) error { return s.SaveAdvance(ctx, a) })
}

func (m *Memory) SaveInvoice(ctx context.Context, inv settlement.Invoice) error {
	return m.locked(func(s *state) error { return s.SaveInvoice(ctx, inv) })
}

func (m *Memory) Reset(ctx context.Context) error {
	return m.locked(func(s *state) error { return s.Reset(ctx) })
}
