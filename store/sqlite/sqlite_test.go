package sqlite_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/settlement-engine/logging"
	"github.com/warp/settlement-engine/settlement"
	"github.com/warp/settlement-engine/store/sqlite"
)

// =============================================================================
// TEST SETUP
// =============================================================================

var (
	week0 = settlement.Period{Start: settlement.Date(2025, time.January, 6), End: settlement.Date(2025, time.January, 12)}
	week1 = settlement.Period{Start: settlement.Date(2025, time.January, 13), End: settlement.Date(2025, time.January, 19)}
	wed   = time.Date(2025, time.January, 8, 14, 0, 0, 0, time.UTC)
	now   = time.Date(2025, time.January, 15, 9, 0, 0, 0, time.UTC)
)

func newTestStore(t *testing.T) (*sqlite.Store, context.Context) {
	t.Helper()
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	ctx := context.Background()
	require.NoError(t, store.SaveCompany(ctx, settlement.Company{
		ID: "acme", Name: "Acme Freight", Active: true, PayPeriodStart: time.Monday, PayPeriodEnd: time.Sunday,
	}))
	require.NoError(t, store.SaveDriver(ctx, settlement.Driver{
		ID: "d1", CompanyID: "acme", Name: "Dana", Active: true,
		PayType: settlement.PayPerLoad, PayRate: settlement.Dollars(1000),
	}))
	return store, ctx
}

func saveLoad(t *testing.T, store *sqlite.Store, id settlement.LoadID, at time.Time) {
	t.Helper()
	require.NoError(t, store.SaveLoad(context.Background(), settlement.Load{
		ID: id, CompanyID: "acme", DriverID: "d1", Number: "L-" + string(id),
		Status: settlement.LoadDelivered, DeliveredAt: &at,
		LoadedMiles: decimal.NewFromInt(400), Revenue: settlement.Dollars(2400),
	}))
}

func testDraft(id settlement.SettlementID, p settlement.Period) settlement.Settlement {
	return settlement.Settlement{
		ID:              id,
		Number:          "SET-2025-" + string(id),
		CompanyID:       "acme",
		DriverID:        "d1",
		Period:          p,
		GrossPay:        settlement.Dollars(1000),
		TotalAdditions:  settlement.Dollars(25),
		TotalDeductions: settlement.Dollars(90.10),
		NetPay:          settlement.Dollars(934.90),
		Status:          settlement.StatusPending,
		ApprovalStatus:  settlement.ApprovalPending,
		Version:         1,
		CalculatedAt:    now,
		CreatedAt:       now,
		UpdatedAt:       now,
		Loads: []settlement.SettlementLoad{{
			LoadID: "l1", LoadNumber: "L-l1", Miles: decimal.NewFromInt(400),
			Revenue: settlement.Dollars(2400), Pay: settlement.Dollars(1000),
			Accessorial: decimal.Zero, AppliedRule: "PER_LOAD",
		}},
		LineItems: []settlement.LineItem{
			{
				ID: settlement.LineItemID(id + "-fuel"), SettlementID: id, Type: settlement.TypeFuel,
				Category: settlement.CategoryDeduction, Description: "Fuel purchase", Amount: settlement.Dollars(90.10),
				Source: settlement.FuelEntryRef("f1"), CreatedAt: now,
			},
			{
				ID: settlement.LineItemID(id + "-bonus"), SettlementID: id, Type: settlement.TypeBonus,
				Category: settlement.CategoryAddition, Description: "Safety bonus", Amount: settlement.Dollars(25),
				Source: settlement.NoSource(), CreatedAt: now,
			},
		},
	}
}

// =============================================================================
// SETTLEMENTS
// =============================================================================

func TestStore_SettlementRoundTrip(t *testing.T) {
	store, ctx := newTestStore(t)
	saveLoad(t, store, "l1", wed)
	want := testDraft("s1", week0)

	require.NoError(t, store.CreateSettlement(ctx, want))
	got, err := store.GetSettlement(ctx, "s1")
	require.NoError(t, err)

	assert.Equal(t, want.Number, got.Number)
	assert.Equal(t, week0, got.Period)
	assert.True(t, want.NetPay.Equal(got.NetPay), "net %s", got.NetPay)
	assert.Equal(t, settlement.StatusPending, got.Status)
	assert.Equal(t, 1, got.Version)
	assert.Equal(t, now, got.CreatedAt)
	require.Len(t, got.Loads, 1)
	assert.Equal(t, "PER_LOAD", got.Loads[0].AppliedRule)
	require.Len(t, got.LineItems, 2)
	assert.Equal(t, settlement.FuelEntryRef("f1"), got.LineItems[0].Source)
	assert.True(t, got.LineItems[1].Source.IsNone())
	assert.NoError(t, settlement.Verify(got))

	_, err = store.GetSettlement(ctx, "missing")
	assert.ErrorIs(t, err, settlement.ErrNotFound)
}

func TestStore_OneLiveSettlementPerDriverPeriod(t *testing.T) {
	// GIVEN: A live settlement for d1 in week 0
	// WHEN: Inserting another for the same exact period
	// THEN: The partial unique index refuses it; rejected rows don't count

	store, ctx := newTestStore(t)
	require.NoError(t, store.CreateSettlement(ctx, testDraft("s1", week0)))

	err := store.CreateSettlement(ctx, testDraft("s2", week0))
	assert.ErrorIs(t, err, settlement.ErrStorageConflict)

	rejected := testDraft("s3", week0)
	rejected.Status = settlement.StatusRejected
	rejected.ApprovalStatus = settlement.ApprovalRejected
	assert.NoError(t, store.CreateSettlement(ctx, rejected))

	assert.NoError(t, store.CreateSettlement(ctx, testDraft("s4", week1)))

	live, err := store.FindLiveSettlement(ctx, "d1", settlement.Period{Start: week0.End, End: week1.Start})
	require.NoError(t, err)
	require.NotNil(t, live)

	list, err := store.ListSettlements(ctx, settlement.SettlementFilter{CompanyID: "acme", LiveOnly: true})
	require.NoError(t, err)
	assert.Len(t, list, 2)
	for _, s := range list {
		assert.Len(t, s.LineItems, 2, "children loaded for %s", s.ID)
	}

	rejectedOnly, err := store.ListSettlements(ctx, settlement.SettlementFilter{Status: settlement.StatusRejected})
	require.NoError(t, err)
	require.Len(t, rejectedOnly, 1)
	assert.Equal(t, settlement.SettlementID("s3"), rejectedOnly[0].ID)
}

func TestStore_UpdateSettlementVersionCheck(t *testing.T) {
	store, ctx := newTestStore(t)
	require.NoError(t, store.CreateSettlement(ctx, testDraft("s1", week0)))

	s, err := store.GetSettlement(ctx, "s1")
	require.NoError(t, err)
	stale := s

	paid := now.Add(48 * time.Hour)
	s.Status = settlement.StatusApproved
	s.ApprovalStatus = settlement.ApprovalApproved
	s.PaidDate = &paid
	s.PaymentMethod = settlement.PaymentWire
	require.NoError(t, store.UpdateSettlement(ctx, s))

	err = store.UpdateSettlement(ctx, stale)
	assert.ErrorIs(t, err, settlement.ErrConcurrentModification)

	got, err := store.GetSettlement(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, 2, got.Version)
	assert.Equal(t, settlement.StatusApproved, got.Status)
	assert.Equal(t, settlement.PaymentWire, got.PaymentMethod)
	require.NotNil(t, got.PaidDate)
	assert.True(t, paid.Equal(*got.PaidDate))

	ghost := testDraft("ghost", week1)
	assert.ErrorIs(t, store.UpdateSettlement(ctx, ghost), settlement.ErrNotFound)
}

func TestStore_ReplaceItemsAndApprovals(t *testing.T) {
	store, ctx := newTestStore(t)
	require.NoError(t, store.CreateSettlement(ctx, testDraft("s1", week0)))

	require.NoError(t, store.ReplaceSettlementItems(ctx, "s1", nil, nil))
	got, err := store.GetSettlement(ctx, "s1")
	require.NoError(t, err)
	assert.Empty(t, got.Loads)
	assert.Empty(t, got.LineItems)

	for i, action := range []settlement.Action{settlement.ActionSubmitted, settlement.ActionRejected} {
		require.NoError(t, store.AppendApproval(ctx, settlement.Approval{
			ID: fmt.Sprintf("a%d", i), SettlementID: "s1", Action: action,
			Status: settlement.StatusPending, ApprovalStatus: settlement.ApprovalUnderReview,
			ActorID: "mgr", CreatedAt: now,
		}))
	}
	audit, err := store.ListApprovals(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, audit, 2)
	assert.Equal(t, settlement.ActionSubmitted, audit[0].Action)
	assert.Equal(t, settlement.ActionRejected, audit[1].Action)
}

// =============================================================================
// ACTIVITY
// =============================================================================

func TestStore_ClaimsAndSettledMarkers(t *testing.T) {
	store, ctx := newTestStore(t)
	saveLoad(t, store, "l1", wed)
	saveLoad(t, store, "l-late", week0.End.Add(23*time.Hour+59*time.Minute))
	require.NoError(t, store.SaveFuelEntry(ctx, settlement.FuelEntry{
		ID: "f1", DriverID: "d1", Amount: settlement.Dollars(90.10), PurchasedAt: wed, DriverChargeable: true,
	}))

	loads, err := store.UnsettledLoads(ctx, "d1", week0)
	require.NoError(t, err)
	assert.Len(t, loads, 2, "23:59 on the last day is inside the period")

	require.NoError(t, store.CreateSettlement(ctx, testDraft("s1", week0)))

	loads, err = store.UnsettledLoads(ctx, "d1", week0)
	require.NoError(t, err)
	require.Len(t, loads, 1)
	assert.Equal(t, settlement.LoadID("l-late"), loads[0].ID)
	fuel, err := store.UnsettledFuelEntries(ctx, "d1", week0)
	require.NoError(t, err)
	assert.Empty(t, fuel)

	refs := settlement.SettledRefs{SettlementID: "s1", At: now, Loads: []settlement.LoadID{"l1"}, FuelEntries: []settlement.FuelEntryID{"f1"}}
	require.NoError(t, store.MarkSettled(ctx, refs))
	assert.ErrorIs(t, store.MarkSettled(ctx, refs), settlement.ErrConcurrentModification)
	assert.ErrorIs(t, store.MarkSettled(ctx, settlement.SettledRefs{Advances: []settlement.AdvanceID{"nope"}}), settlement.ErrNotFound)

	all, err := store.ListLoads(ctx, "acme", week0)
	require.NoError(t, err)
	require.Len(t, all, 2)
	byID := map[settlement.LoadID]settlement.Load{all[0].ID: all[0], all[1].ID: all[1]}
	require.NotNil(t, byID["l1"].SettledAt)
	assert.Equal(t, settlement.SettlementID("s1"), byID["l1"].SettlementID)
	assert.Nil(t, byID["l-late"].SettledAt)
}

func TestStore_NegativeBalances(t *testing.T) {
	store, ctx := newTestStore(t)
	older := settlement.NegativeBalance{
		ID: "nb-1", DriverID: "d1", Amount: settlement.Dollars(200.55),
		OriginSettlementID: "s0", OriginNumber: "SET-2025-s0", CreatedAt: wed,
	}
	newer := settlement.NegativeBalance{ID: "nb-2", DriverID: "d1", Amount: settlement.Dollars(50), OriginSettlementID: "s0b", CreatedAt: now}
	require.NoError(t, store.RecordNegativeBalance(ctx, newer))
	require.NoError(t, store.RecordNegativeBalance(ctx, older))
	assert.ErrorIs(t, store.RecordNegativeBalance(ctx, older), settlement.ErrStorageConflict)

	open, err := store.OpenNegativeBalances(ctx, "d1")
	require.NoError(t, err)
	require.Len(t, open, 2)
	assert.Equal(t, settlement.NegativeBalanceID("nb-1"), open[0].ID)
	assert.True(t, settlement.Dollars(200.55).Equal(open[0].Amount))
	assert.Equal(t, "SET-2025-s0", open[0].OriginNumber)
	assert.True(t, wed.Equal(open[0].CreatedAt))

	// A live draft deducting nb-1 claims it.
	s := testDraft("s1", week1)
	s.LineItems = append(s.LineItems, settlement.LineItem{
		ID: "s1-carry", SettlementID: "s1", Type: settlement.TypeCarryForward,
		Category: settlement.CategoryDeduction, Description: "Previous negative balance applied",
		Amount: settlement.Dollars(200.55), Source: settlement.NegativeBalanceRef("nb-1"), CreatedAt: now,
	})
	require.NoError(t, store.CreateSettlement(ctx, s))

	open, err = store.OpenNegativeBalances(ctx, "d1")
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, settlement.NegativeBalanceID("nb-2"), open[0].ID)

	refs := settlement.SettledRefs{SettlementID: "s1", At: now, NegativeBalances: []settlement.NegativeBalanceID{"nb-1"}}
	require.NoError(t, store.MarkSettled(ctx, refs))
	assert.ErrorIs(t, store.MarkSettled(ctx, refs), settlement.ErrConcurrentModification)
	ghost := settlement.SettledRefs{NegativeBalances: []settlement.NegativeBalanceID{"nb-ghost"}}
	assert.ErrorIs(t, store.MarkSettled(ctx, ghost), settlement.ErrNotFound)

	s.Status = settlement.StatusRejected
	require.NoError(t, store.UpdateSettlement(ctx, s))
	open, err = store.OpenNegativeBalances(ctx, "d1")
	require.NoError(t, err)
	require.Len(t, open, 1, "applied balances stay closed")

	require.NoError(t, store.Reset(ctx))
	open, err = store.OpenNegativeBalances(ctx, "d1")
	require.NoError(t, err)
	assert.Empty(t, open)
}

func TestStore_RulesInCreationOrder(t *testing.T) {
	store, ctx := newTestStore(t)
	limit := settlement.Dollars(300)
	for i, id := range []settlement.RuleID{"zeta", "alpha", "mid"} {
		require.NoError(t, store.SaveRule(ctx, settlement.DeductionRule{
			ID: id, DriverID: "d1", Name: string(id), Type: settlement.TypeOther,
			Category: settlement.CategoryDeduction, Calculation: settlement.CalcFixed,
			Amount: settlement.Dollars(10), Frequency: settlement.FreqWeekly, Active: true,
			StopLimit: &limit, CreatedAt: now.Add(time.Duration(i) * time.Microsecond),
		}))
	}

	rules, err := store.ListRules(ctx, "d1")
	require.NoError(t, err)
	require.Len(t, rules, 3)
	assert.Equal(t, settlement.RuleID("zeta"), rules[0].ID)
	assert.Equal(t, settlement.RuleID("mid"), rules[2].ID)
	require.NotNil(t, rules[0].StopLimit)
	assert.True(t, limit.Equal(*rules[0].StopLimit))
	assert.Nil(t, rules[0].MaxAmount)

	require.NoError(t, store.UpdateRuleProgress(ctx, "zeta", 1, settlement.Dollars(10)))
	assert.ErrorIs(t, store.UpdateRuleProgress(ctx, "zeta", 1, settlement.Dollars(20)), settlement.ErrConcurrentModification)
	assert.ErrorIs(t, store.UpdateRuleProgress(ctx, "ghost", 1, settlement.Dollars(20)), settlement.ErrNotFound)

	zeta, err := store.GetRule(ctx, "zeta")
	require.NoError(t, err)
	assert.True(t, settlement.Dollars(10).Equal(zeta.CurrentAmount))
	assert.Equal(t, 2, zeta.Version)
}

// =============================================================================
// TRANSACTIONS, RUNS, RESET
// =============================================================================

func TestStore_WithTxRollsBack(t *testing.T) {
	store, ctx := newTestStore(t)
	boom := errors.New("boom")

	err := store.WithTx(ctx, func(tx settlement.Store) error {
		if err := tx.CreateSettlement(ctx, testDraft("s1", week0)); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	_, err = store.GetSettlement(ctx, "s1")
	assert.ErrorIs(t, err, settlement.ErrNotFound)
}

func TestStore_LastRun(t *testing.T) {
	store, ctx := newTestStore(t)

	none, err := store.LastRun(ctx, "acme")
	require.NoError(t, err)
	assert.Nil(t, none)

	run := settlement.GenerationRun{
		ID: "r1", CompanyID: "acme", Period: week0, Trigger: settlement.TriggerScheduled,
		Mode: settlement.ModeAsync, Status: settlement.RunQueued, StartedAt: now,
	}
	require.NoError(t, store.SaveRun(ctx, run))
	require.NoError(t, store.SaveRun(ctx, settlement.GenerationRun{
		ID: "r0", CompanyID: "acme", Period: week0, Status: settlement.RunCompleted, StartedAt: now.Add(-time.Hour),
	}))

	done := now.Add(time.Minute)
	run.Status, run.Created, run.CompletedAt = settlement.RunCompleted, 4, &done
	require.NoError(t, store.SaveRun(ctx, run))

	last, err := store.LastRun(ctx, "acme")
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.Equal(t, "r1", last.ID)
	assert.Equal(t, settlement.RunCompleted, last.Status)
	assert.Equal(t, 4, last.Created)
	assert.Equal(t, week0, last.Period)
	require.NotNil(t, last.CompletedAt)
}

func TestStore_Reset(t *testing.T) {
	store, ctx := newTestStore(t)
	require.NoError(t, store.CreateSettlement(ctx, testDraft("s1", week0)))

	require.NoError(t, store.Reset(ctx))

	_, err := store.GetCompany(ctx, "acme")
	assert.ErrorIs(t, err, settlement.ErrNotFound)
	list, err := store.ListSettlements(ctx, settlement.SettlementFilter{})
	require.NoError(t, err)
	assert.Empty(t, list)
	assert.NoError(t, store.Ping(ctx))
}

// =============================================================================
// ENGINE ON SQLITE
// =============================================================================

func TestStore_GenerateApproveEndToEnd(t *testing.T) {
	// GIVEN: The payoff driver on SQLite: two $1000 loads, lease $150 with
	//        $100 of headroom
	// WHEN: Generating, approving, then generating again
	// THEN: One $100 lease line, progress committed to $300, rerun skips

	store, ctx := newTestStore(t)
	saveLoad(t, store, "p1", wed)
	saveLoad(t, store, "p2", wed.Add(24*time.Hour))
	limit := settlement.Dollars(300)
	require.NoError(t, store.SaveRule(ctx, settlement.DeductionRule{
		ID: "lease", DriverID: "d1", Name: "Equipment lease", Type: settlement.TypeEquipmentLease,
		Category: settlement.CategoryDeduction, Calculation: settlement.CalcFixed,
		Amount: settlement.Dollars(150), Frequency: settlement.FreqWeekly, Active: true,
		StopLimit: &limit, CurrentAmount: settlement.Dollars(200), CreatedAt: now.AddDate(0, -1, 0),
	}))

	logger := logging.New(io.Discard, slog.LevelError)
	asm := settlement.NewAssembler(settlement.WithClock(func() time.Time { return now }))
	gen := settlement.NewGenerator(store, settlement.WithGeneratorAssembler(asm), settlement.WithGeneratorLogger(logger))
	wf := settlement.NewWorkflow(store, settlement.WithWorkflowAssembler(asm), settlement.WithWorkflowLogger(logger))

	res, err := gen.GenerateForCompany(ctx, settlement.GenerateRequest{CompanyID: "acme", Period: week0, Mode: settlement.ModeInline})
	require.NoError(t, err)
	require.Len(t, res.Created, 1)
	assert.True(t, settlement.Dollars(1900).Equal(res.Created[0].NetPay))

	s, err := store.GetSettlement(ctx, res.Created[0].SettlementID)
	require.NoError(t, err)
	require.Len(t, s.LineItems, 1)
	assert.Equal(t, "Equipment lease (final installment)", s.LineItems[0].Description)

	_, err = wf.Approve(ctx, s.ID, "mgr", "")
	require.NoError(t, err)

	lease, err := store.GetRule(ctx, "lease")
	require.NoError(t, err)
	assert.True(t, settlement.Dollars(300).Equal(lease.CurrentAmount))

	again, err := gen.GenerateForCompany(ctx, settlement.GenerateRequest{CompanyID: "acme", Period: week0})
	require.NoError(t, err)
	assert.Empty(t, again.Created)
	require.Len(t, again.Skipped, 1)
	assert.Equal(t, "duplicate", again.Skipped[0].Reason)

	audit, err := store.ListApprovals(ctx, s.ID)
	require.NoError(t, err)
	require.Len(t, audit, 1)
	assert.Equal(t, settlement.ActionApproved, audit[0].Action)
}
