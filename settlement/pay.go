package settlement

import (
	"github.com/shopspring/decimal"
)

// =============================================================================
// BASE PAY - Driver pay type × load metric
// =============================================================================

var (
	hundred          = decimal.NewFromInt(100)
	milesPerHour     = decimal.NewFromInt(50)
	defaultLoadHours = decimal.NewFromInt(10)
)

// Applied-rule labels recorded on each SettlementLoad.
const (
	AppliedOverride = "OVERRIDE"
)

// BasePay computes per-load pay for the driver. The returned SettlementLoads
// carry the audit trail; the total is their sum.
//
//	PER_MILE    (loaded + empty miles) × rate
//	PERCENTAGE  (revenue − fuel surcharge) × rate / 100
//	PER_LOAD    rate
//	HOURLY      estimated hours × rate (miles / 50, or 10h without miles)
//	WEEKLY      rate once per period, carried by the first load
//
// A positive Load.DriverPay overrides the calculation for that load. WEEKLY
// drivers are salaried: overrides are ignored and the period total is the
// flat rate whatever the loads say.
func BasePay(d Driver, loads []Load) (decimal.Decimal, []SettlementLoad) {
	total := decimal.Zero
	out := make([]SettlementLoad, 0, len(loads))

	for i, l := range loads {
		sl := SettlementLoad{
			LoadID:     l.ID,
			LoadNumber: l.Number,
			Miles:      l.Miles(),
			Revenue:    l.Revenue,
		}

		switch {
		case l.DriverPay.IsPositive() && d.PayType != PayWeekly:
			sl.Pay = l.DriverPay
			sl.AppliedRule = AppliedOverride
		default:
			sl.Pay = loadPay(d, l, i == 0)
			sl.AppliedRule = string(d.PayType)
		}

		sl.Pay = Cents(sl.Pay)
		total = total.Add(sl.Pay)
		out = append(out, sl)
	}
	return total, out
}

func loadPay(d Driver, l Load, first bool) decimal.Decimal {
	switch d.PayType {
	case PayPerMile:
		return l.Miles().Mul(d.PayRate)
	case PayPercentage:
		return l.Revenue.Sub(l.FuelSurcharge).Mul(d.PayRate).Div(hundred)
	case PayPerLoad:
		return d.PayRate
	case PayHourly:
		hours := defaultLoadHours
		if miles := l.Miles(); miles.IsPositive() {
			hours = miles.Div(milesPerHour)
		}
		return hours.Mul(d.PayRate)
	case PayWeekly:
		if first {
			return d.PayRate
		}
		return decimal.Zero
	}
	return decimal.Zero
}
