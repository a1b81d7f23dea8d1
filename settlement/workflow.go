/*
workflow.go - Settlement approval and payment state machine

PURPOSE:
  Owns every write to Settlement.Status / ApprovalStatus after the draft is
  created, and is the single commit point for rule progress and settled
  markers.

STATE MACHINE:
  PENDING ──submit──▶ UNDER_REVIEW ──approve──▶ APPROVED ──pay──▶ PAID
     │                    │
     │                    ├──reject──▶ REJECTED   (terminal)
     │                    └──cancel──▶ CANCELLED  (terminal)
     │
     └── approve / reject / cancel directly from PENDING

  Status tracks the operational lifecycle (PENDING/APPROVED/PAID/...),
  ApprovalStatus the governance one (PENDING/UNDER_REVIEW/APPROVED/REJECTED).

COMMIT POINT (Approve):
  In ONE transaction:
  1. Re-verify settlement arithmetic
  2. For every deduction line sourced from a rule:
       rule.CurrentAmount += line.Amount   (version-checked)
     refusing if that would pass the rule's stop-limit
  3. Mark loads, expenses, fuel entries and advances settled, and carried
     negative balances applied
  4. If netPay < 0, record the shortfall as a new NegativeBalance
  5. Status/ApprovalStatus → APPROVED (version-checked)
  6. Append the audit entry

  Any failure rolls back all of it. Two concurrent approvals of the same
  settlement can't both pass step 5.

SEE ALSO:
  - evaluator.go: proposal-time stop-limit clipping
  - generator.go: regeneration relies on REJECTED/CANCELLED being non-live
*/
package settlement

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Transition names, used in errors, audit entries and metrics.
const (
	OpSubmit      = "submit"
	OpApprove     = "approve"
	OpReject      = "reject"
	OpPay         = "pay"
	OpCancel      = "cancel"
	OpRecalculate = "recalculate"
)

// Workflow manages settlement transitions.
type Workflow struct {
	store     TxStore
	assembler *Assembler
	logger    *slog.Logger
	observer  Observer
}

// WorkflowOption configures a Workflow.
type WorkflowOption func(*Workflow)

func WithWorkflowLogger(l *slog.Logger) WorkflowOption {
	return func(w *Workflow) { w.logger = l }
}

func WithWorkflowObserver(o Observer) WorkflowOption {
	return func(w *Workflow) { w.observer = o }
}

// WithWorkflowAssembler sets the assembler used for clocks, IDs and
// recalculation.
func WithWorkflowAssembler(a *Assembler) WorkflowOption {
	return func(w *Workflow) { w.assembler = a }
}

func NewWorkflow(store TxStore, opts ...WorkflowOption) *Workflow {
	w := &Workflow{
		store:     store,
		assembler: NewAssembler(),
		logger:    slog.Default(),
		observer:  NopObserver{},
	}
	for _, opt := range opts {
		opt(w)
	}
	w.logger = w.logger.With("component", "workflow")
	return w
}

// PaymentDetails is the input to Pay.
type PaymentDetails struct {
	Method    PaymentMethod
	Reference string
	PaidDate  *time.Time
	ActorID   string
}

// =============================================================================
// PRECONDITIONS
// =============================================================================

func inReviewable(s Settlement) bool {
	return s.Status == StatusPending &&
		(s.ApprovalStatus == ApprovalPending || s.ApprovalStatus == ApprovalUnderReview)
}

// CanTransition reports whether op is legal from the settlement's state.
func CanTransition(s Settlement, op string) bool {
	switch op {
	case OpSubmit, OpRecalculate:
		return s.Status == StatusPending && s.ApprovalStatus == ApprovalPending
	case OpApprove, OpReject, OpCancel:
		return inReviewable(s)
	case OpPay:
		return s.Status == StatusApproved && s.ApprovalStatus == ApprovalApproved
	}
	return false
}

func transitionError(op string, s Settlement) error {
	return &TransitionError{Op: op, Status: s.Status, ApprovalStatus: s.ApprovalStatus}
}

// =============================================================================
// TRANSITIONS
// =============================================================================

// Submit moves a draft to UNDER_REVIEW.
func (w *Workflow) Submit(ctx context.Context, id SettlementID, actorID, notes string) (Settlement, error) {
	return w.transition(ctx, id, OpSubmit, actorID, notes, func(_ Store, s *Settlement, _ *string) (Action, error) {
		s.ApprovalStatus = ApprovalUnderReview
		return ActionSubmitted, nil
	})
}

// Approve commits the settlement. See the file header for what it writes.
func (w *Workflow) Approve(ctx context.Context, id SettlementID, approverID, notes string) (Settlement, error) {
	if approverID == "" {
		return Settlement{}, &ValidationError{Field: "approverId", Message: "required"}
	}
	return w.transition(ctx, id, OpApprove, approverID, notes, func(tx Store, s *Settlement, _ *string) (Action, error) {
		if err := Verify(*s); err != nil {
			return "", err
		}
		if err := w.commitRuleProgress(ctx, tx, *s); err != nil {
			return "", err
		}
		if err := tx.MarkSettled(ctx, s.Refs(w.assembler.Now())); err != nil {
			return "", fmt.Errorf("marking activity settled: %w", err)
		}
		if err := w.carryForward(ctx, tx, *s); err != nil {
			return "", err
		}
		s.Status = StatusApproved
		s.ApprovalStatus = ApprovalApproved
		return ActionApproved, nil
	})
}

// commitRuleProgress is the only writer of DeductionRule.CurrentAmount.
func (w *Workflow) commitRuleProgress(ctx context.Context, tx Store, s Settlement) error {
	for _, li := range s.LineItems {
		ruleID, ok := li.Source.RuleID()
		if !ok || li.Category != CategoryDeduction {
			continue
		}
		rule, err := tx.GetRule(ctx, ruleID)
		if err != nil {
			return fmt.Errorf("loading rule %s: %w", ruleID, err)
		}
		next := rule.CurrentAmount.Add(li.Amount)
		if rule.StopLimit != nil && next.GreaterThan(*rule.StopLimit) {
			return &InvariantError{
				SettlementID: s.ID,
				RuleID:       ruleID,
				Detail: fmt.Sprintf("line %s would raise currentAmount to %s past stop-limit %s; recalculate the settlement",
					li.Amount, next, rule.StopLimit),
			}
		}
		if err := tx.UpdateRuleProgress(ctx, ruleID, rule.Version, next); err != nil {
			return fmt.Errorf("updating rule %s: %w", ruleID, err)
		}
		w.logger.Debug("rule progress committed",
			"settlement_id", s.ID, "rule_id", ruleID, "current_amount", next.String())
	}
	return nil
}

// carryForward records a negative net pay as a balance owed by the driver.
func (w *Workflow) carryForward(ctx context.Context, tx Store, s Settlement) error {
	if !s.NetPay.IsNegative() {
		return nil
	}
	nb := NegativeBalance{
		ID:                 NegativeBalanceID(w.assembler.NewID()),
		DriverID:           s.DriverID,
		Amount:             s.NetPay.Neg(),
		OriginSettlementID: s.ID,
		OriginNumber:       s.Number,
		CreatedAt:          w.assembler.Now(),
	}
	if err := tx.RecordNegativeBalance(ctx, nb); err != nil {
		return fmt.Errorf("recording negative balance: %w", err)
	}
	w.logger.Info("negative balance carried forward",
		"settlement_id", s.ID, "driver_id", s.DriverID, "amount", nb.Amount.String())
	return nil
}

// Reject closes the settlement with a reason. Rule balances are untouched
// and the activity is released for a new draft.
func (w *Workflow) Reject(ctx context.Context, id SettlementID, approverID, reason string) (Settlement, error) {
	if reason == "" {
		return Settlement{}, &ValidationError{Field: "reason", Message: "required"}
	}
	return w.transition(ctx, id, OpReject, approverID, reason, func(_ Store, s *Settlement, _ *string) (Action, error) {
		s.Status = StatusRejected
		s.ApprovalStatus = ApprovalRejected
		s.Notes = reason
		return ActionRejected, nil
	})
}

// Pay records payment of an approved settlement.
func (w *Workflow) Pay(ctx context.Context, id SettlementID, p PaymentDetails) (Settlement, error) {
	if !p.Method.Valid() {
		return Settlement{}, &ValidationError{Field: "method", Message: fmt.Sprintf("unknown payment method %q", p.Method)}
	}
	return w.transition(ctx, id, OpPay, p.ActorID, p.Reference, func(_ Store, s *Settlement, _ *string) (Action, error) {
		paid := w.assembler.Now()
		if p.PaidDate != nil {
			paid = *p.PaidDate
		}
		s.Status = StatusPaid
		s.PaidDate = &paid
		s.PaymentMethod = p.Method
		s.PaymentReference = p.Reference
		return ActionPaid, nil
	})
}

// Cancel voids an unapproved settlement, releasing its driver/period and
// activity.
func (w *Workflow) Cancel(ctx context.Context, id SettlementID, actorID, reason string) (Settlement, error) {
	return w.transition(ctx, id, OpCancel, actorID, reason, func(_ Store, s *Settlement, _ *string) (Action, error) {
		s.Status = StatusCancelled
		if reason != "" {
			s.Notes = reason
		}
		return ActionCancelled, nil
	})
}

// Recalculate rebuilds a draft from current activity and rules. The audit
// entry keeps the totals it replaced.
func (w *Workflow) Recalculate(ctx context.Context, id SettlementID, actorID string) (Settlement, error) {
	return w.transition(ctx, id, OpRecalculate, actorID, "", func(tx Store, s *Settlement, notes *string) (Action, error) {
		*notes = previousTotals(*s)

		// Release our own claims so the collector sees them again.
		if err := tx.ReplaceSettlementItems(ctx, s.ID, nil, nil); err != nil {
			return "", err
		}
		driver, err := tx.GetDriver(ctx, s.DriverID)
		if err != nil {
			return "", err
		}
		bundle, err := Collect(ctx, tx, s.DriverID, s.Period)
		if err != nil {
			return "", err
		}
		rules, err := tx.ListRules(ctx, s.DriverID)
		if err != nil {
			return "", err
		}
		draft, _, err := w.assembler.Assemble(driver, bundle, rules)
		if err != nil {
			return "", err
		}
		for i := range draft.LineItems {
			draft.LineItems[i].SettlementID = s.ID
		}
		if err := tx.ReplaceSettlementItems(ctx, s.ID, draft.Loads, draft.LineItems); err != nil {
			return "", err
		}
		s.Loads, s.LineItems = draft.Loads, draft.LineItems
		s.GrossPay = draft.GrossPay
		s.TotalAdditions = draft.TotalAdditions
		s.TotalDeductions = draft.TotalDeductions
		s.NetPay = draft.NetPay
		s.CalculatedAt = draft.CalculatedAt
		return ActionRecalculated, nil
	})
}

func previousTotals(s Settlement) string {
	return fmt.Sprintf("previous: gross %s, additions %s, deductions %s, net %s (calculated %s)",
		s.GrossPay.StringFixed(2), s.TotalAdditions.StringFixed(2),
		s.TotalDeductions.StringFixed(2), s.NetPay.StringFixed(2),
		s.CalculatedAt.UTC().Format(time.RFC3339))
}

// =============================================================================
// SHARED TRANSITION PLUMBING
// =============================================================================

// mutation changes s in place. It may replace the audit note.
type mutation func(tx Store, s *Settlement, notes *string) (Action, error)

// transition runs check → mutate → versioned write → audit in one
// transaction. On error the stored settlement is unchanged.
func (w *Workflow) transition(ctx context.Context, id SettlementID, op, actorID, notes string, mutate mutation) (Settlement, error) {
	var out Settlement
	err := w.store.WithTx(ctx, func(tx Store) error {
		s, err := tx.GetSettlement(ctx, id)
		if err != nil {
			return err
		}
		if !CanTransition(s, op) {
			return transitionError(op, s)
		}

		action, err := mutate(tx, &s, &notes)
		if err != nil {
			return err
		}

		now := w.assembler.Now()
		s.UpdatedAt = now
		if err := tx.UpdateSettlement(ctx, s); err != nil {
			return fmt.Errorf("%s settlement %s: %w", op, id, err)
		}
		s.Version++

		if err := tx.AppendApproval(ctx, Approval{
			ID:             w.assembler.NewID(),
			SettlementID:   s.ID,
			Action:         action,
			Status:         s.Status,
			ApprovalStatus: s.ApprovalStatus,
			ActorID:        actorID,
			Notes:          notes,
			CreatedAt:      now,
		}); err != nil {
			return fmt.Errorf("recording approval: %w", err)
		}

		out = s
		return nil
	})

	w.observer.TransitionAttempted(op, err)
	if err != nil {
		w.logger.Warn("transition refused",
			"op", op, "settlement_id", id, "actor", actorID, "error", err)
		return Settlement{}, err
	}
	w.logger.Info("settlement transitioned",
		"op", op, "settlement_id", id, "driver_id", out.DriverID,
		"status", out.Status, "approval_status", out.ApprovalStatus, "actor", actorID)
	return out, nil
}
