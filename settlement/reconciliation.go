package settlement

import (
	"context"
	"sort"

	"github.com/shopspring/decimal"
)

// =============================================================================
// RECONCILIATION BRIDGE - Read-only profitability over finalized settlements
// =============================================================================

// DriverProfitability joins one driver's finalized settlements to their loads.
type DriverProfitability struct {
	DriverID    DriverID        `json:"driverId"`
	Settlements []SettlementID  `json:"settlementIds"`
	Loads       int             `json:"loads"`
	Miles       decimal.Decimal `json:"miles"`
	Revenue     decimal.Decimal `json:"revenue"`
	DriverCost  decimal.Decimal `json:"driverCost"`
	Margin      decimal.Decimal `json:"margin"`
	// MarginPct is Margin / Revenue × 100, zero without revenue.
	MarginPct decimal.Decimal `json:"marginPct"`
}

// ProfitabilityReport covers a company and period.
type ProfitabilityReport struct {
	CompanyID       CompanyID             `json:"companyId"`
	Period          Period                `json:"-"`
	Drivers         []DriverProfitability `json:"drivers"`
	Revenue         decimal.Decimal       `json:"revenue"`
	InvoicedRevenue decimal.Decimal       `json:"invoicedRevenue"`
	DriverCost      decimal.Decimal       `json:"driverCost"`
	Margin          decimal.Decimal       `json:"margin"`
	// UnsettledLoads counts loads delivered in the period that no finalized
	// settlement covers yet.
	UnsettledLoads int `json:"unsettledLoads"`
}

// ReconciliationSource is what the bridge reads.
type ReconciliationSource interface {
	ListSettlements(ctx context.Context, filter SettlementFilter) ([]Settlement, error)
	ListInvoices(ctx context.Context, companyID CompanyID) ([]Invoice, error)
	ListLoads(ctx context.Context, companyID CompanyID, period Period) ([]Load, error)
}

// Profitability reads APPROVED and PAID settlements overlapping the period.
// Driver cost is gross pay plus additions; deductions are driver repayments
// and don't reduce it. It never writes.
func Profitability(ctx context.Context, src ReconciliationSource, companyID CompanyID, period Period) (ProfitabilityReport, error) {
	report := ProfitabilityReport{
		CompanyID:       companyID,
		Period:          period,
		Revenue:         decimal.Zero,
		InvoicedRevenue: decimal.Zero,
		DriverCost:      decimal.Zero,
		Margin:          decimal.Zero,
	}

	settlements, err := src.ListSettlements(ctx, SettlementFilter{CompanyID: companyID, Period: &period})
	if err != nil {
		return report, err
	}

	byDriver := make(map[DriverID]*DriverProfitability)
	settledLoads := make(map[LoadID]bool)
	for _, s := range settlements {
		if s.Status != StatusApproved && s.Status != StatusPaid {
			continue
		}
		dp, ok := byDriver[s.DriverID]
		if !ok {
			dp = &DriverProfitability{DriverID: s.DriverID, Miles: decimal.Zero, Revenue: decimal.Zero, DriverCost: decimal.Zero}
			byDriver[s.DriverID] = dp
		}
		dp.Settlements = append(dp.Settlements, s.ID)
		dp.DriverCost = dp.DriverCost.Add(s.GrossPay).Add(s.TotalAdditions)
		for _, l := range s.Loads {
			dp.Loads++
			dp.Miles = dp.Miles.Add(l.Miles)
			dp.Revenue = dp.Revenue.Add(l.Revenue)
			settledLoads[l.LoadID] = true
		}
	}

	invoices, err := src.ListInvoices(ctx, companyID)
	if err != nil {
		return report, err
	}
	for _, inv := range invoices {
		for _, id := range inv.LoadIDs {
			if settledLoads[id] {
				report.InvoicedRevenue = report.InvoicedRevenue.Add(inv.Subtotal).Add(inv.FuelSurcharge)
				break
			}
		}
	}

	loads, err := src.ListLoads(ctx, companyID, period)
	if err != nil {
		return report, err
	}
	for _, l := range loads {
		if l.Status.Settleable() && !settledLoads[l.ID] {
			report.UnsettledLoads++
		}
	}

	for _, dp := range byDriver {
		dp.Margin = dp.Revenue.Sub(dp.DriverCost)
		dp.MarginPct = decimal.Zero
		if dp.Revenue.IsPositive() {
			dp.MarginPct = dp.Margin.Div(dp.Revenue).Mul(hundred).Round(2)
		}
		report.Revenue = report.Revenue.Add(dp.Revenue)
		report.DriverCost = report.DriverCost.Add(dp.DriverCost)
		report.Drivers = append(report.Drivers, *dp)
	}
	report.Margin = report.Revenue.Sub(report.DriverCost)
	sort.Slice(report.Drivers, func(i, j int) bool { return report.Drivers[i].DriverID < report.Drivers[j].DriverID })
	return report, nil
}
