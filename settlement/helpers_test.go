package settlement_test

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/settlement-engine/logging"
	"github.com/warp/settlement-engine/settlement"
	"github.com/warp/settlement-engine/settlement/store"
)

// =============================================================================
// TEST SETUP
// =============================================================================

const testCompany settlement.CompanyID = "acme"

var (
	// fixedNow is a Wednesday; the last completed Mon..Sun week is week(0).
	fixedNow = time.Date(2025, time.January, 15, 9, 0, 0, 0, time.UTC)
)

// week returns the Mon..Sun week n weeks after 2025-01-06.
func week(n int) settlement.Period {
	start := settlement.Date(2025, time.January, 6).AddDate(0, 0, 7*n)
	return settlement.Period{Start: start, End: start.AddDate(0, 0, 6)}
}

// midweek is 14:00 on the Wednesday of week(n).
func midweek(n int) time.Time {
	return week(n).Start.AddDate(0, 0, 2).Add(14 * time.Hour)
}

func dollars(v float64) *decimal.Decimal {
	d := settlement.Dollars(v)
	return &d
}

func assertMoney(t *testing.T, want float64, got decimal.Decimal, msgAndArgs ...any) {
	t.Helper()
	assert.Truef(t, settlement.Dollars(want).Equal(got), "want %.2f, got %s %v", want, got, msgAndArgs)
}

func quietLogger() *slog.Logger {
	return logging.New(io.Discard, slog.LevelError)
}

type fixture struct {
	t     *testing.T
	ctx   context.Context
	store *store.Memory
	asm   *settlement.Assembler
	gen   *settlement.Generator
	wf    *settlement.Workflow

	ruleSeq int
}

func newFixture(t *testing.T, opts ...settlement.GeneratorOption) *fixture {
	t.Helper()
	var ids atomic.Int64
	asm := settlement.NewAssembler(
		settlement.WithClock(func() time.Time { return fixedNow }),
		settlement.WithIDs(func() string { return fmt.Sprintf("id-%06d", ids.Add(1)) }),
	)
	mem := store.NewMemory()

	genOpts := append([]settlement.GeneratorOption{
		settlement.WithGeneratorAssembler(asm),
		settlement.WithGeneratorLogger(quietLogger()),
	}, opts...)

	f := &fixture{
		t:     t,
		ctx:   context.Background(),
		store: mem,
		asm:   asm,
		gen:   settlement.NewGenerator(mem, genOpts...),
		wf: settlement.NewWorkflow(mem,
			settlement.WithWorkflowAssembler(asm),
			settlement.WithWorkflowLogger(quietLogger())),
	}
	require.NoError(t, mem.SaveCompany(f.ctx, settlement.Company{
		ID: testCompany, Name: "Acme Freight", Active: true,
		PayPeriodStart: time.Monday, PayPeriodEnd: time.Sunday,
	}))
	return f
}

func (f *fixture) driver(id settlement.DriverID, payType settlement.PayType, rate float64) settlement.Driver {
	d := settlement.Driver{
		ID:        id,
		CompanyID: testCompany,
		Number:    string(id),
		Name:      "Driver " + string(id),
		Active:    true,
		PayType:   payType,
		PayRate:   settlement.Dollars(rate),
	}
	require.NoError(f.t, f.store.SaveDriver(f.ctx, d))
	return d
}

// load saves a delivered load. A positive pay is a per-load override.
func (f *fixture) load(id settlement.LoadID, driverID settlement.DriverID, at time.Time, miles, revenue, pay float64) settlement.Load {
	l := settlement.Load{
		ID:          id,
		CompanyID:   testCompany,
		DriverID:    driverID,
		Number:      "L-" + string(id),
		Status:      settlement.LoadDelivered,
		DeliveredAt: &at,
		LoadedMiles: decimal.NewFromFloat(miles),
		EmptyMiles:  decimal.Zero,
		Revenue:     settlement.Dollars(revenue),
		DriverPay:   settlement.Dollars(pay),
	}
	require.NoError(f.t, f.store.SaveLoad(f.ctx, l))
	return l
}

// rule saves r with a creation time after every earlier rule.
func (f *fixture) rule(r settlement.DeductionRule) settlement.DeductionRule {
	f.ruleSeq++
	if r.Calculation == "" {
		r.Calculation = settlement.CalcFixed
	}
	if r.Frequency == "" {
		r.Frequency = settlement.FreqPerSettlement
	}
	if r.Category == "" {
		r.Category = settlement.CategoryDeduction
	}
	if r.Type == "" {
		r.Type = settlement.TypeOther
	}
	r.Active = true
	r.Version = 1
	r.CreatedAt = fixedNow.AddDate(0, -1, 0).Add(time.Duration(f.ruleSeq) * time.Second)
	require.NoError(f.t, f.store.SaveRule(f.ctx, r))
	return r
}

// leaseRule is the stop-limited equipment lease used across workflow tests.
func (f *fixture) leaseRule(id settlement.RuleID, driverID settlement.DriverID, amount, stop, current float64) settlement.DeductionRule {
	return f.rule(settlement.DeductionRule{
		ID:            id,
		DriverID:      driverID,
		Name:          "Equipment lease",
		Type:          settlement.TypeEquipmentLease,
		Amount:        settlement.Dollars(amount),
		StopLimit:     dollars(stop),
		CurrentAmount: settlement.Dollars(current),
	})
}

func (f *fixture) generate(p settlement.Period) settlement.BatchResult {
	f.t.Helper()
	res, err := f.gen.GenerateForCompany(f.ctx, settlement.GenerateRequest{
		CompanyID: testCompany, Period: p, Trigger: settlement.TriggerManual, Mode: settlement.ModeInline,
	})
	require.NoError(f.t, err)
	return res
}

// live returns the driver's only live settlement.
func (f *fixture) live(driverID settlement.DriverID) settlement.Settlement {
	f.t.Helper()
	list, err := f.store.ListSettlements(f.ctx, settlement.SettlementFilter{DriverID: driverID, LiveOnly: true})
	require.NoError(f.t, err)
	require.Len(f.t, list, 1, "live settlements for %s", driverID)
	return list[0]
}

func (f *fixture) get(id settlement.SettlementID) settlement.Settlement {
	f.t.Helper()
	s, err := f.store.GetSettlement(f.ctx, id)
	require.NoError(f.t, err)
	return s
}

func (f *fixture) getRule(id settlement.RuleID) settlement.DeductionRule {
	f.t.Helper()
	r, err := f.store.GetRule(f.ctx, id)
	require.NoError(f.t, err)
	return r
}

func (f *fixture) getLoad(id settlement.LoadID) settlement.Load {
	f.t.Helper()
	loads, err := f.store.ListLoads(f.ctx, testCompany, settlement.Period{
		Start: settlement.Date(2024, time.January, 1), End: settlement.Date(2026, time.December, 31),
	})
	require.NoError(f.t, err)
	for _, l := range loads {
		if l.ID == id {
			return l
		}
	}
	f.t.Fatalf("load %s not found", id)
	return settlement.Load{}
}

// payoffDriver is scenario "stop-limit payoff": $2000 base pay over two
// loads, lease $150 with $100 of headroom left.
func (f *fixture) payoffDriver() settlement.Driver {
	d := f.driver("drv-payoff", settlement.PayPerLoad, 1000)
	f.load("p1", d.ID, midweek(0), 400, 2400, 0)
	f.load("p2", d.ID, midweek(0).Add(24*time.Hour), 350, 2100, 0)
	f.leaseRule("lease", d.ID, 150, 300, 200)
	return d
}

// shortWeekDriver earns $300 in week 0 against a $500 advance.
func (f *fixture) shortWeekDriver() settlement.Driver {
	d := f.driver("drv-short", settlement.PayPerLoad, 300)
	f.load("s1", d.ID, midweek(0), 200, 900, 0)
	require.NoError(f.t, f.store.SaveAdvance(f.ctx, settlement.DriverAdvance{
		ID: "adv-short", DriverID: d.ID, Amount: settlement.Dollars(500),
		Reason: "Repairs", IssuedAt: midweek(0), Approved: true,
	}))
	return d
}
