package settlement_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/settlement-engine/settlement"
)

func TestCollect_FiltersIneligibleActivity(t *testing.T) {
	// GIVEN: A driver with a mix of eligible and ineligible records
	// WHEN: Collecting for week 0
	// THEN: Only settleable, approved, in-period, driver-chargeable records

	f := newFixture(t)
	d := f.driver("d1", settlement.PayPerLoad, 300)

	f.load("delivered", d.ID, midweek(0), 500, 1500, 0)
	lastMinute := f.load("sunday-night", d.ID, week(0).End.Add(23*time.Hour+59*time.Minute), 300, 900, 0)

	assigned := f.load("assigned", d.ID, midweek(0), 200, 600, 0)
	assigned.Status = settlement.LoadAssigned
	require.NoError(t, f.store.SaveLoad(f.ctx, assigned))

	f.load("next-week", d.ID, midweek(1), 200, 600, 0)
	f.load("other-driver", "d2", midweek(0), 200, 600, 0)

	require.NoError(t, f.store.SaveAccessorial(f.ctx, settlement.AccessorialCharge{
		ID: "acc-ok", LoadID: "delivered", Amount: settlement.Dollars(75), Approved: true,
	}))
	require.NoError(t, f.store.SaveAccessorial(f.ctx, settlement.AccessorialCharge{
		ID: "acc-pending", LoadID: "delivered", Amount: settlement.Dollars(40), Approved: false,
	}))
	require.NoError(t, f.store.SaveExpense(f.ctx, settlement.LoadExpense{
		ID: "exp-ok", DriverID: d.ID, Treatment: settlement.ExpenseReimburse, Amount: settlement.Dollars(20), IncurredAt: midweek(0), Approved: true,
	}))
	require.NoError(t, f.store.SaveExpense(f.ctx, settlement.LoadExpense{
		ID: "exp-unapproved", DriverID: d.ID, Treatment: settlement.ExpenseReimburse, Amount: settlement.Dollars(20), IncurredAt: midweek(0),
	}))
	require.NoError(t, f.store.SaveFuelEntry(f.ctx, settlement.FuelEntry{
		ID: "fuel-driver", DriverID: d.ID, Amount: settlement.Dollars(300), PurchasedAt: midweek(0), DriverChargeable: true,
	}))
	require.NoError(t, f.store.SaveFuelEntry(f.ctx, settlement.FuelEntry{
		ID: "fuel-company", DriverID: d.ID, Amount: settlement.Dollars(500), PurchasedAt: midweek(0),
	}))
	require.NoError(t, f.store.SaveAdvance(f.ctx, settlement.DriverAdvance{
		ID: "adv-ok", DriverID: d.ID, Amount: settlement.Dollars(100), IssuedAt: midweek(0), Approved: true,
	}))
	require.NoError(t, f.store.SaveAdvance(f.ctx, settlement.DriverAdvance{
		ID: "adv-pending", DriverID: d.ID, Amount: settlement.Dollars(100), IssuedAt: midweek(0),
	}))

	b, err := settlement.Collect(f.ctx, f.store, d.ID, week(0))
	require.NoError(t, err)

	var loadIDs []settlement.LoadID
	for _, l := range b.Loads {
		loadIDs = append(loadIDs, l.ID)
	}
	assert.Equal(t, []settlement.LoadID{"delivered", lastMinute.ID}, loadIDs)
	require.Len(t, b.Accessorials, 1)
	assert.Equal(t, "acc-ok", b.Accessorials[0].ID)
	require.Len(t, b.Expenses, 1)
	assert.Equal(t, settlement.ExpenseID("exp-ok"), b.Expenses[0].ID)
	require.Len(t, b.FuelEntries, 1)
	assert.Equal(t, settlement.FuelEntryID("fuel-driver"), b.FuelEntries[0].ID)
	require.Len(t, b.Advances, 1)
	assert.Equal(t, settlement.AdvanceID("adv-ok"), b.Advances[0].ID)
}

func TestCollect_NothingToSettle(t *testing.T) {
	f := newFixture(t)
	d := f.driver("idle", settlement.PayWeekly, 1500)
	f.load("old", d.ID, midweek(-1), 100, 300, 0)

	_, err := settlement.Collect(f.ctx, f.store, d.ID, week(0))
	assert.ErrorIs(t, err, settlement.ErrNoEligibleActivity)
}

func TestCollect_ActivityWithoutLoads(t *testing.T) {
	// GIVEN: No loads but an approved advance in the period
	// THEN: The advance alone is something to settle

	f := newFixture(t)
	d := f.driver("d1", settlement.PayPerLoad, 300)
	require.NoError(t, f.store.SaveAdvance(f.ctx, settlement.DriverAdvance{
		ID: "adv", DriverID: d.ID, Amount: settlement.Dollars(100), IssuedAt: midweek(0), Approved: true,
	}))

	b, err := settlement.Collect(f.ctx, f.store, d.ID, week(0))
	require.NoError(t, err)
	assert.Empty(t, b.Loads)
	assert.Len(t, b.Advances, 1)
}
