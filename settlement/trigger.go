package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
)

// =============================================================================
// TRIGGER - Manual and scheduled entry point
// =============================================================================

// TriggerResult has the same shape whether the batch was queued, ran
// inline, or fell back to inline after a dispatch failure.
type TriggerResult struct {
	Message     string       `json:"message"`
	PeriodStart time.Time    `json:"periodStart"`
	PeriodEnd   time.Time    `json:"periodEnd"`
	Mode        DispatchMode `json:"mode"`
	RunID       string       `json:"runId"`
	// Fallback is set when async dispatch was unavailable and the batch ran
	// synchronously instead.
	Fallback bool         `json:"fallback"`
	Batch    *BatchResult `json:"batch,omitempty"`
}

// Trigger resolves periods and hands batches to a Dispatcher.
type Trigger struct {
	gen        *Generator
	dispatcher Dispatcher
	logger     *slog.Logger
}

func NewTrigger(gen *Generator, dispatcher Dispatcher, logger *slog.Logger) *Trigger {
	if dispatcher == nil {
		dispatcher = NewInlineDispatcher(gen)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Trigger{gen: gen, dispatcher: dispatcher, logger: logger.With("component", "trigger")}
}

// ResolvePeriod returns the explicit period, or the company's last completed
// period when both bounds are nil.
func (t *Trigger) ResolvePeriod(ctx context.Context, company Company, start, end *time.Time) (Period, error) {
	switch {
	case start != nil && end != nil:
		return NewPeriod(*start, *end)
	case start != nil || end != nil:
		return Period{}, &ValidationError{Field: "period", Message: "periodStart and periodEnd must be given together"}
	}
	return company.PeriodConfig().LastCompleted(t.gen.Assembler().Now())
}

// Generate runs or queues generation for one company.
func (t *Trigger) Generate(ctx context.Context, companyID CompanyID, start, end *time.Time, source TriggerSource) (TriggerResult, error) {
	company, err := t.gen.Store().GetCompany(ctx, companyID)
	if err != nil {
		return TriggerResult{}, err
	}
	period, err := t.ResolvePeriod(ctx, company, start, end)
	if err != nil {
		return TriggerResult{}, err
	}

	res := TriggerResult{PeriodStart: period.Start, PeriodEnd: period.End}
	req := GenerateRequest{CompanyID: company.ID, Period: period, Trigger: source}

	dispatched, err := t.dispatcher.Dispatch(ctx, req)
	switch {
	case errors.Is(err, ErrDispatchUnavailable):
		t.logger.Warn("dispatch unavailable, running synchronously",
			"company_id", company.ID, "period", period.Key())
		req.Mode = ModeFallback
		req.RunID = dispatched.RunID
		batch, err := t.gen.GenerateForCompany(ctx, req)
		if err != nil {
			return res, fmt.Errorf("%w; synchronous fallback failed: %w", ErrDispatchUnavailable, err)
		}
		res.Mode, res.RunID, res.Fallback, res.Batch = ModeFallback, batch.RunID, true, &batch
		res.Message = "Dispatch unavailable, ran synchronously: " + summary(batch)
		return res, nil

	case err != nil:
		return res, err
	}

	res.Mode, res.RunID, res.Batch = dispatched.Mode, dispatched.RunID, dispatched.Batch
	if dispatched.Batch != nil {
		res.Message = "Settlement generation completed: " + summary(*dispatched.Batch)
	} else {
		res.Message = fmt.Sprintf("Settlement generation queued for %s", period.Key())
	}
	return res, nil
}

// GetLastRun returns the company's most recent run, or nil.
func (t *Trigger) GetLastRun(ctx context.Context, companyID CompanyID) (*GenerationRun, error) {
	if _, err := t.gen.Store().GetCompany(ctx, companyID); err != nil {
		return nil, err
	}
	return t.gen.Store().LastRun(ctx, companyID)
}

// CompanyRunError is one company's failure in a scheduled sweep.
type CompanyRunError struct {
	CompanyID CompanyID
	Err       error
}

// GenerateAll triggers every active company for its last completed period.
// Companies run in parallel, bounded by limit; one company's error doesn't
// stop the others.
func (t *Trigger) GenerateAll(ctx context.Context, limit int) ([]TriggerResult, []CompanyRunError) {
	companies, err := t.gen.Store().ListCompanies(ctx)
	if err != nil {
		return nil, []CompanyRunError{{Err: fmt.Errorf("listing companies: %w", err)}}
	}
	if limit < 1 {
		limit = 1
	}

	results := make([]TriggerResult, len(companies))
	errs := make([]error, len(companies))

	var eg errgroup.Group
	eg.SetLimit(limit)
	for i, c := range companies {
		eg.Go(func() error {
			results[i], errs[i] = t.Generate(ctx, c.ID, nil, nil, TriggerScheduled)
			return nil
		})
	}
	_ = eg.Wait()

	var ok []TriggerResult
	var failed []CompanyRunError
	for i, c := range companies {
		if errs[i] != nil {
			t.logger.Error("scheduled generation failed", "company_id", c.ID, "error", errs[i])
			failed = append(failed, CompanyRunError{CompanyID: c.ID, Err: errs[i]})
			continue
		}
		ok = append(ok, results[i])
	}
	return ok, failed
}

func summary(b BatchResult) string {
	created, skipped, failed := b.Counts()
	return fmt.Sprintf("%d created, %d skipped, %d failed", created, skipped, failed)
}
