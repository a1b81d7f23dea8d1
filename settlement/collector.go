package settlement

import (
	"context"
	"fmt"
)

// =============================================================================
// ELIGIBLE-ACTIVITY COLLECTOR
// =============================================================================

// Collect gathers a driver's unsettled activity for the period. It returns
// ErrNoEligibleActivity when there is nothing to settle.
//
// Exclusion of already-settled and already-claimed records is the
// ActivitySource's job; Collect only filters by business rules that don't
// depend on storage (settleable status, approved accessorials).
func Collect(ctx context.Context, src ActivitySource, driverID DriverID, period Period) (ActivityBundle, error) {
	b := ActivityBundle{DriverID: driverID, Period: period}

	loads, err := src.UnsettledLoads(ctx, driverID, period)
	if err != nil {
		return b, fmt.Errorf("loading loads: %w", err)
	}
	for _, l := range loads {
		if l.Status.Settleable() {
			b.Loads = append(b.Loads, l)
		}
	}

	if len(b.Loads) > 0 {
		ids := make([]LoadID, len(b.Loads))
		for i, l := range b.Loads {
			ids[i] = l.ID
		}
		acc, err := src.Accessorials(ctx, ids)
		if err != nil {
			return b, fmt.Errorf("loading accessorials: %w", err)
		}
		for _, a := range acc {
			if a.Approved && a.Amount.IsPositive() {
				b.Accessorials = append(b.Accessorials, a)
			}
		}
	}

	if b.Expenses, err = src.UnsettledExpenses(ctx, driverID, period); err != nil {
		return b, fmt.Errorf("loading expenses: %w", err)
	}
	fuel, err := src.UnsettledFuelEntries(ctx, driverID, period)
	if err != nil {
		return b, fmt.Errorf("loading fuel entries: %w", err)
	}
	// Company-paid fuel doesn't touch driver pay.
	for _, f := range fuel {
		if f.DriverChargeable {
			b.FuelEntries = append(b.FuelEntries, f)
		}
	}
	if b.Advances, err = src.UnsettledAdvances(ctx, driverID, period); err != nil {
		return b, fmt.Errorf("loading advances: %w", err)
	}

	if b.IsEmpty() {
		return b, ErrNoEligibleActivity
	}

	if b.NegativeBalances, err = src.OpenNegativeBalances(ctx, driverID); err != nil {
		return b, fmt.Errorf("loading negative balances: %w", err)
	}
	return b, nil
}
