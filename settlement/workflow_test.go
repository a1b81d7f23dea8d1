package settlement_test

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/warp/settlement-engine/settlement"
)

// mockObserver records engine events.
type mockObserver struct{ mock.Mock }

func (m *mockObserver) DriverProcessed(o settlement.Outcome) { m.Called(o) }
func (m *mockObserver) BatchCompleted(mode settlement.DispatchMode, _ time.Duration) {
	m.Called(mode)
}
func (m *mockObserver) TransitionAttempted(op string, err error) { m.Called(op, err) }

// =============================================================================
// LEGALITY
// =============================================================================

func TestCanTransition_Grid(t *testing.T) {
	type state struct {
		status   settlement.Status
		approval settlement.ApprovalStatus
	}
	draft := state{settlement.StatusPending, settlement.ApprovalPending}
	review := state{settlement.StatusPending, settlement.ApprovalUnderReview}
	approved := state{settlement.StatusApproved, settlement.ApprovalApproved}
	paid := state{settlement.StatusPaid, settlement.ApprovalApproved}
	rejected := state{settlement.StatusRejected, settlement.ApprovalRejected}
	cancelled := state{settlement.StatusCancelled, settlement.ApprovalPending}

	allowed := map[state][]string{
		draft:     {settlement.OpSubmit, settlement.OpApprove, settlement.OpReject, settlement.OpCancel, settlement.OpRecalculate},
		review:    {settlement.OpApprove, settlement.OpReject, settlement.OpCancel},
		approved:  {settlement.OpPay},
		paid:      nil,
		rejected:  nil,
		cancelled: nil,
	}
	ops := []string{
		settlement.OpSubmit, settlement.OpApprove, settlement.OpReject,
		settlement.OpPay, settlement.OpCancel, settlement.OpRecalculate,
	}

	for st, legal := range allowed {
		for _, op := range ops {
			want := false
			for _, l := range legal {
				if l == op {
					want = true
				}
			}
			s := settlement.Settlement{Status: st.status, ApprovalStatus: st.approval}
			assert.Equal(t, want, settlement.CanTransition(s, op), "%s/%s %s", st.status, st.approval, op)
		}
	}
	assert.False(t, settlement.CanTransition(settlement.Settlement{
		Status: settlement.StatusPending, ApprovalStatus: settlement.ApprovalPending,
	}, "archive"))
}

// =============================================================================
// APPROVE - The commit point
// =============================================================================

func TestApprove_CommitsRuleProgressAndSettlesActivity(t *testing.T) {
	// GIVEN: The payoff draft: $2000 base, lease line clipped to $100
	// WHEN: Approving it
	// THEN: Lease progress is exactly $300, loads are settled, audit has one entry

	f := newFixture(t)
	d := f.payoffDriver()
	res := f.generate(week(0))
	require.Len(t, res.Created, 1)

	draft := f.live(d.ID)
	assertMoney(t, 2000, draft.GrossPay)
	assertMoney(t, 100, draft.TotalDeductions)
	assertMoney(t, 1900, draft.NetPay)

	approved, err := f.wf.Approve(f.ctx, draft.ID, "mgr-1", "looks good")
	require.NoError(t, err)

	assert.Equal(t, settlement.StatusApproved, approved.Status)
	assert.Equal(t, settlement.ApprovalApproved, approved.ApprovalStatus)
	assert.Equal(t, draft.Version+1, approved.Version)

	lease := f.getRule("lease")
	assertMoney(t, 300, lease.CurrentAmount)
	assert.Equal(t, 2, lease.Version)

	for _, id := range []settlement.LoadID{"p1", "p2"} {
		l := f.getLoad(id)
		require.NotNil(t, l.SettledAt, id)
		assert.Equal(t, draft.ID, l.SettlementID)
	}

	audit, err := f.store.ListApprovals(f.ctx, draft.ID)
	require.NoError(t, err)
	require.Len(t, audit, 1)
	assert.Equal(t, settlement.ActionApproved, audit[0].Action)
	assert.Equal(t, "mgr-1", audit[0].ActorID)
	assert.Equal(t, "looks good", audit[0].Notes)
}

func TestApprove_NegativeNetCarriesForward(t *testing.T) {
	// GIVEN: A $300 week against a $500 advance
	// WHEN: Approving the -$200 settlement
	// THEN: The settlement keeps its negative net and $200 is owed forward

	f := newFixture(t)
	d := f.shortWeekDriver()
	f.generate(week(0))
	draft := f.live(d.ID)
	assertMoney(t, -200, draft.NetPay)

	open, err := f.store.OpenNegativeBalances(f.ctx, d.ID)
	require.NoError(t, err)
	assert.Empty(t, open, "drafts never record a balance")

	approved, err := f.wf.Approve(f.ctx, draft.ID, "mgr-1", "")
	require.NoError(t, err)
	assertMoney(t, -200, approved.NetPay)

	open, err = f.store.OpenNegativeBalances(f.ctx, d.ID)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assertMoney(t, 200, open[0].Amount)
	assert.Equal(t, draft.ID, open[0].OriginSettlementID)
	assert.Equal(t, draft.Number, open[0].OriginNumber)
	assert.Nil(t, open[0].AppliedAt)
}

func TestApprove_PositiveNetRecordsNoBalance(t *testing.T) {
	f := newFixture(t)
	d := f.payoffDriver()
	f.generate(week(0))

	_, err := f.wf.Approve(f.ctx, f.live(d.ID).ID, "mgr-1", "")
	require.NoError(t, err)

	open, err := f.store.OpenNegativeBalances(f.ctx, d.ID)
	require.NoError(t, err)
	assert.Empty(t, open)
}

func TestApprove_Twice_CommitsOnce(t *testing.T) {
	f := newFixture(t)
	d := f.payoffDriver()
	f.generate(week(0))
	draft := f.live(d.ID)

	_, err := f.wf.Approve(f.ctx, draft.ID, "mgr-1", "")
	require.NoError(t, err)

	_, err = f.wf.Approve(f.ctx, draft.ID, "mgr-1", "")
	require.Error(t, err)
	assert.ErrorIs(t, err, settlement.ErrInvariantViolation)

	assertMoney(t, 300, f.getRule("lease").CurrentAmount)
}

func TestApprove_ConcurrentApprovalsCommitOnce(t *testing.T) {
	f := newFixture(t)
	d := f.payoffDriver()
	f.generate(week(0))
	draft := f.live(d.ID)

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = f.wf.Approve(f.ctx, draft.ID, "mgr", "")
		}()
	}
	wg.Wait()

	ok := 0
	for _, err := range errs {
		if err == nil {
			ok++
			continue
		}
		assert.ErrorIs(t, err, settlement.ErrInvariantViolation)
	}
	assert.Equal(t, 1, ok)
	assertMoney(t, 300, f.getRule("lease").CurrentAmount)
}

func TestApprove_RequiresApprover(t *testing.T) {
	f := newFixture(t)
	d := f.payoffDriver()
	f.generate(week(0))

	_, err := f.wf.Approve(f.ctx, f.live(d.ID).ID, "", "")
	assert.ErrorIs(t, err, settlement.ErrValidation)
	assert.Equal(t, settlement.StatusPending, f.live(d.ID).Status)
}

func TestApprove_UnknownSettlement(t *testing.T) {
	f := newFixture(t)
	_, err := f.wf.Approve(f.ctx, "nope", "mgr", "")
	assert.ErrorIs(t, err, settlement.ErrNotFound)
}

func TestApprove_StaleDraftRefusedPastStopLimit(t *testing.T) {
	// GIVEN: Two weekly drafts, each proposing the last $100 of the lease
	// WHEN: Approving both
	// THEN: The second is refused and nothing it touched changes;
	//       after a recalculation it approves without a lease line

	f := newFixture(t)
	d := f.driver("drv-lease", settlement.PayPerLoad, 1000)
	f.load("w0", d.ID, midweek(0), 400, 2400, 0)
	f.load("w1", d.ID, midweek(1), 400, 2400, 0)
	f.leaseRule("lease", d.ID, 150, 300, 200)

	f.generate(week(0))
	f.generate(week(1))
	drafts, err := f.store.ListSettlements(f.ctx, settlement.SettlementFilter{DriverID: d.ID})
	require.NoError(t, err)
	require.Len(t, drafts, 2)
	first, second := drafts[0], drafts[1]
	if first.Period != week(0) {
		first, second = second, first
	}
	assertMoney(t, 100, second.TotalDeductions)

	_, err = f.wf.Approve(f.ctx, first.ID, "mgr", "")
	require.NoError(t, err)

	_, err = f.wf.Approve(f.ctx, second.ID, "mgr", "")
	var inv *settlement.InvariantError
	require.True(t, errors.As(err, &inv), "got %v", err)
	assert.Equal(t, settlement.RuleID("lease"), inv.RuleID)
	assertMoney(t, 300, f.getRule("lease").CurrentAmount)
	assert.Nil(t, f.getLoad("w1").SettledAt)

	recalculated, err := f.wf.Recalculate(f.ctx, second.ID, "mgr")
	require.NoError(t, err)
	assert.True(t, recalculated.TotalDeductions.IsZero())
	assertMoney(t, 1000, recalculated.NetPay)

	_, err = f.wf.Approve(f.ctx, second.ID, "mgr", "")
	require.NoError(t, err)
	assertMoney(t, 300, f.getRule("lease").CurrentAmount)
}

func TestStopLimit_SequenceNeverExceedsLimit(t *testing.T) {
	// GIVEN: A $150 lease with a $400 stop-limit and nothing paid
	// WHEN: Generating and approving five consecutive weeks
	// THEN: Deductions are 150, 150, 100, 0, 0 and progress ends at $400

	f := newFixture(t)
	d := f.driver("drv-lease", settlement.PayPerLoad, 800)
	f.leaseRule("lease", d.ID, 150, 400, 0)

	want := []float64{150, 150, 100, 0, 0}
	for n, expected := range want {
		f.load(settlement.LoadID(fmt.Sprintf("w%d", n)), d.ID, midweek(n), 300, 1200, 0)
		f.generate(week(n))

		list, err := f.store.ListSettlements(f.ctx, settlement.SettlementFilter{DriverID: d.ID, Period: ptrPeriod(week(n))})
		require.NoError(t, err)
		require.Len(t, list, 1, "week %d", n)
		assertMoney(t, expected, list[0].TotalDeductions, "week", n)

		_, err = f.wf.Approve(f.ctx, list[0].ID, "mgr", "")
		require.NoError(t, err)

		lease := f.getRule("lease")
		assert.False(t, lease.CurrentAmount.GreaterThan(*lease.StopLimit), "week %d", n)
	}
	assertMoney(t, 400, f.getRule("lease").CurrentAmount)
}

func ptrPeriod(p settlement.Period) *settlement.Period { return &p }

// =============================================================================
// REJECT
// =============================================================================

func TestReject_LeavesNoTrace(t *testing.T) {
	// GIVEN: A draft for the payoff driver
	// WHEN: Rejecting it with "missing POD"
	// THEN: REJECTED/REJECTED with the reason, rule and loads untouched,
	//       and a fresh run drafts the driver again

	f := newFixture(t)
	d := f.payoffDriver()
	f.generate(week(0))
	draft := f.live(d.ID)

	rejected, err := f.wf.Reject(f.ctx, draft.ID, "mgr-2", "missing POD")
	require.NoError(t, err)

	assert.Equal(t, settlement.StatusRejected, rejected.Status)
	assert.Equal(t, settlement.ApprovalRejected, rejected.ApprovalStatus)
	assert.Equal(t, "missing POD", rejected.Notes)

	lease := f.getRule("lease")
	assertMoney(t, 200, lease.CurrentAmount)
	assert.Equal(t, 1, lease.Version)
	assert.Nil(t, f.getLoad("p1").SettledAt)

	audit, err := f.store.ListApprovals(f.ctx, draft.ID)
	require.NoError(t, err)
	require.Len(t, audit, 1)
	assert.Equal(t, settlement.ActionRejected, audit[0].Action)
	assert.Equal(t, "missing POD", audit[0].Notes)

	again := f.generate(week(0))
	require.Len(t, again.Created, 1)
	assert.NotEqual(t, draft.ID, again.Created[0].SettlementID)
	assertMoney(t, 1900, again.Created[0].NetPay)
}

func TestReject_RequiresReason(t *testing.T) {
	f := newFixture(t)
	d := f.payoffDriver()
	f.generate(week(0))

	_, err := f.wf.Reject(f.ctx, f.live(d.ID).ID, "mgr", "")
	assert.ErrorIs(t, err, settlement.ErrValidation)
}

func TestReject_AfterApprovalRefused(t *testing.T) {
	// GIVEN: An approved settlement
	// WHEN: Rejecting it
	// THEN: Invariant violation, settlement stays APPROVED

	f := newFixture(t)
	d := f.payoffDriver()
	f.generate(week(0))
	draft := f.live(d.ID)
	_, err := f.wf.Approve(f.ctx, draft.ID, "mgr", "")
	require.NoError(t, err)

	_, err = f.wf.Reject(f.ctx, draft.ID, "mgr", "changed my mind")
	assert.ErrorIs(t, err, settlement.ErrInvariantViolation)
	var terr *settlement.TransitionError
	require.True(t, errors.As(err, &terr))
	assert.Equal(t, settlement.OpReject, terr.Op)
	assert.Equal(t, settlement.StatusApproved, terr.Status)

	stored, err := f.store.GetSettlement(f.ctx, draft.ID)
	require.NoError(t, err)
	assert.Equal(t, settlement.StatusApproved, stored.Status)
	assert.Equal(t, settlement.ApprovalApproved, stored.ApprovalStatus)
	assertMoney(t, 300, f.getRule("lease").CurrentAmount)
}

// =============================================================================
// SUBMIT / PAY / CANCEL / RECALCULATE
// =============================================================================

func TestSubmit_ThenApproveFromReview(t *testing.T) {
	f := newFixture(t)
	d := f.payoffDriver()
	f.generate(week(0))
	draft := f.live(d.ID)

	submitted, err := f.wf.Submit(f.ctx, draft.ID, "dispatcher-1", "ready")
	require.NoError(t, err)
	assert.Equal(t, settlement.StatusPending, submitted.Status)
	assert.Equal(t, settlement.ApprovalUnderReview, submitted.ApprovalStatus)

	_, err = f.wf.Submit(f.ctx, draft.ID, "dispatcher-1", "")
	assert.ErrorIs(t, err, settlement.ErrInvariantViolation)
	_, err = f.wf.Recalculate(f.ctx, draft.ID, "dispatcher-1")
	assert.ErrorIs(t, err, settlement.ErrInvariantViolation)

	_, err = f.wf.Approve(f.ctx, draft.ID, "mgr", "")
	require.NoError(t, err)

	audit, err := f.store.ListApprovals(f.ctx, draft.ID)
	require.NoError(t, err)
	require.Len(t, audit, 2)
	assert.Equal(t, settlement.ActionSubmitted, audit[0].Action)
	assert.Equal(t, settlement.ApprovalUnderReview, audit[0].ApprovalStatus)
	assert.Equal(t, settlement.ActionApproved, audit[1].Action)
}

func TestPay_RecordsPayment(t *testing.T) {
	f := newFixture(t)
	d := f.payoffDriver()
	f.generate(week(0))
	id := f.live(d.ID).ID

	_, err := f.wf.Pay(f.ctx, id, settlement.PaymentDetails{Method: settlement.PaymentACH})
	assert.ErrorIs(t, err, settlement.ErrInvariantViolation, "draft can't be paid")

	_, err = f.wf.Approve(f.ctx, id, "mgr", "")
	require.NoError(t, err)

	_, err = f.wf.Pay(f.ctx, id, settlement.PaymentDetails{Method: "BITCOIN"})
	assert.ErrorIs(t, err, settlement.ErrValidation)

	paid, err := f.wf.Pay(f.ctx, id, settlement.PaymentDetails{
		Method: settlement.PaymentACH, Reference: "ACH-20250117-001", ActorID: "payroll",
	})
	require.NoError(t, err)
	assert.Equal(t, settlement.StatusPaid, paid.Status)
	assert.Equal(t, settlement.ApprovalApproved, paid.ApprovalStatus)
	require.NotNil(t, paid.PaidDate)
	assert.Equal(t, fixedNow, *paid.PaidDate)
	assert.Equal(t, "ACH-20250117-001", paid.PaymentReference)

	_, err = f.wf.Pay(f.ctx, id, settlement.PaymentDetails{Method: settlement.PaymentACH})
	assert.ErrorIs(t, err, settlement.ErrInvariantViolation, "paid twice")
}

func TestCancel_ReleasesActivity(t *testing.T) {
	// GIVEN: A draft that claims the driver's loads
	// WHEN: Cancelling it
	// THEN: The next run drafts a new settlement with the same loads

	f := newFixture(t)
	d := f.payoffDriver()
	f.generate(week(0))
	draft := f.live(d.ID)

	cancelled, err := f.wf.Cancel(f.ctx, draft.ID, "ops", "wrong period")
	require.NoError(t, err)
	assert.Equal(t, settlement.StatusCancelled, cancelled.Status)
	assert.Equal(t, "wrong period", cancelled.Notes)

	res := f.generate(week(0))
	require.Len(t, res.Created, 1)
	fresh := f.live(d.ID)
	assert.Len(t, fresh.Loads, 2)

	_, err = f.wf.Cancel(f.ctx, draft.ID, "ops", "")
	assert.ErrorIs(t, err, settlement.ErrInvariantViolation)
}

func TestRecalculate_PicksUpLateActivity(t *testing.T) {
	// GIVEN: A draft, then a load delivered in the same week shows up late
	// WHEN: Recalculating the draft
	// THEN: The load is included and the lease line is unchanged

	f := newFixture(t)
	d := f.payoffDriver()
	f.generate(week(0))
	draft := f.live(d.ID)

	f.load("p3", d.ID, midweek(0).Add(2*time.Hour), 100, 600, 0)

	updated, err := f.wf.Recalculate(f.ctx, draft.ID, "ops")
	require.NoError(t, err)

	assert.Equal(t, draft.ID, updated.ID)
	assertMoney(t, 3000, updated.GrossPay)
	assertMoney(t, 100, updated.TotalDeductions)
	assertMoney(t, 2900, updated.NetPay)
	assert.Len(t, updated.Loads, 3)
	assert.Greater(t, updated.Version, draft.Version)
	require.NoError(t, settlement.Verify(updated))

	stored, err := f.store.GetSettlement(f.ctx, draft.ID)
	require.NoError(t, err)
	assert.Len(t, stored.LineItems, 1)
	assertMoney(t, 3000, stored.GrossPay)

	audit, err := f.store.ListApprovals(f.ctx, draft.ID)
	require.NoError(t, err)
	require.Len(t, audit, 1)
	assert.Equal(t, settlement.ActionRecalculated, audit[0].Action)
	assert.Equal(t,
		"previous: gross 2000.00, additions 0.00, deductions 100.00, net 1900.00 (calculated 2025-01-15T09:00:00Z)",
		audit[0].Notes)
}

// =============================================================================
// OBSERVER
// =============================================================================

func TestWorkflow_ReportsTransitionsToObserver(t *testing.T) {
	f := newFixture(t)
	d := f.payoffDriver()
	f.generate(week(0))
	id := f.live(d.ID).ID

	obs := &mockObserver{}
	obs.On("TransitionAttempted", settlement.OpApprove, nil).Once()
	obs.On("TransitionAttempted", settlement.OpReject, mock.MatchedBy(func(err error) bool {
		return errors.Is(err, settlement.ErrInvariantViolation)
	})).Once()

	wf := settlement.NewWorkflow(f.store,
		settlement.WithWorkflowAssembler(f.asm),
		settlement.WithWorkflowObserver(obs),
		settlement.WithWorkflowLogger(quietLogger()))

	_, err := wf.Approve(f.ctx, id, "mgr", "")
	require.NoError(t, err)
	_, err = wf.Reject(f.ctx, id, "mgr", "late")
	require.Error(t, err)

	obs.AssertExpectations(t)
}
