/*
generator.go - Company-wide settlement generation (the orchestrator)

PURPOSE:
  Entry point for scheduled and manual runs. For one company and period it
  enumerates drivers, runs Collect → Evaluate → Assemble per driver, and
  returns which drivers got a settlement, which were skipped, and which
  failed.

IDEMPOTENCY (three layers):
  1. KeyedMutex per company+period: same-company runs serialize in-process
  2. FindLiveSettlement inside the driver's transaction: overlap → skip
  3. Storage uniqueness on (driver, periodStart, periodEnd) for live rows:
     a conflict is retried once, and the retry sees the winner and skips

FAILURE ISOLATION:
  Each driver runs in its own transaction with its own (optional) timeout
  and panic recovery. A failure lands in BatchResult.Failed; siblings keep
  going. Only batch-level problems (unknown company, bad period, lock wait
  cancelled) fail the whole call.

SEE ALSO:
  - dispatcher.go: inline vs queued execution of GenerateForCompany
  - trigger.go: default period resolution and synchronous fallback
*/
package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

// GenerateRequest is one company batch.
type GenerateRequest struct {
	CompanyID CompanyID
	Period    Period
	Trigger   TriggerSource
	Mode      DispatchMode
	// RunID reuses a run record created at dispatch time. Empty creates one.
	RunID string
}

type CreatedSettlement struct {
	DriverID     DriverID        `json:"driverId"`
	SettlementID SettlementID    `json:"settlementId"`
	Number       string          `json:"settlementNumber"`
	NetPay       decimal.Decimal `json:"netPay"`
}

type DriverSkip struct {
	DriverID DriverID `json:"driverId"`
	Reason   string   `json:"reason"`
}

type DriverFailure struct {
	DriverID DriverID `json:"driverId"`
	Error    string   `json:"error"`
}

// BatchResult distinguishes created, skipped and failed drivers.
type BatchResult struct {
	RunID     string              `json:"runId"`
	CompanyID CompanyID           `json:"companyId"`
	Period    Period              `json:"-"`
	Created   []CreatedSettlement `json:"created"`
	Skipped   []DriverSkip        `json:"skipped"`
	Failed    []DriverFailure     `json:"failed"`
}

// Counts returns (created, skipped, failed).
func (r BatchResult) Counts() (int, int, int) {
	return len(r.Created), len(r.Skipped), len(r.Failed)
}

// Generator is the generation orchestrator.
type Generator struct {
	store         TxStore
	assembler     *Assembler
	locks         *KeyedMutex
	concurrency   int
	driverTimeout time.Duration
	logger        *slog.Logger
	observer      Observer
}

type GeneratorOption func(*Generator)

// WithConcurrency bounds parallel drivers per batch. Values < 1 mean 1.
func WithConcurrency(n int) GeneratorOption {
	return func(g *Generator) { g.concurrency = n }
}

// WithDriverTimeout abandons a single driver after d. Zero disables it.
func WithDriverTimeout(d time.Duration) GeneratorOption {
	return func(g *Generator) { g.driverTimeout = d }
}

func WithGeneratorLogger(l *slog.Logger) GeneratorOption {
	return func(g *Generator) { g.logger = l }
}

func WithGeneratorObserver(o Observer) GeneratorOption {
	return func(g *Generator) { g.observer = o }
}

func WithGeneratorAssembler(a *Assembler) GeneratorOption {
	return func(g *Generator) { g.assembler = a }
}

func NewGenerator(store TxStore, opts ...GeneratorOption) *Generator {
	g := &Generator{
		store:       store,
		assembler:   NewAssembler(),
		locks:       NewKeyedMutex(),
		concurrency: 4,
		logger:      slog.Default(),
		observer:    NopObserver{},
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.concurrency < 1 {
		g.concurrency = 1
	}
	g.logger = g.logger.With("component", "generator")
	return g
}

// Store exposes the generator's store to dispatchers and triggers.
func (g *Generator) Store() TxStore { return g.store }

// Assembler exposes the clock and ID source shared with the workflow.
func (g *Generator) Assembler() *Assembler { return g.assembler }

// GenerateForCompany creates draft settlements for every settleable driver.
func (g *Generator) GenerateForCompany(ctx context.Context, req GenerateRequest) (BatchResult, error) {
	result := BatchResult{CompanyID: req.CompanyID, Period: req.Period}

	if req.Period.End.Before(req.Period.Start) || req.Period.Start.IsZero() {
		return result, &ValidationError{Field: "period", Message: "invalid period"}
	}
	company, err := g.store.GetCompany(ctx, req.CompanyID)
	if err != nil {
		return result, err
	}

	unlock, err := g.locks.Lock(ctx, CompanyPeriodKey(company.ID, req.Period))
	if err != nil {
		return result, fmt.Errorf("waiting for generation lock: %w", err)
	}
	defer unlock()

	started := g.assembler.Now()
	run := GenerationRun{
		ID:        req.RunID,
		CompanyID: company.ID,
		Period:    req.Period,
		Trigger:   req.Trigger,
		Mode:      req.Mode,
		Status:    RunRunning,
		StartedAt: started,
	}
	if run.ID == "" {
		run.ID = g.assembler.NewID()
	}
	result.RunID = run.ID
	if err := g.store.SaveRun(ctx, run); err != nil {
		g.logger.Warn("saving run record failed", "run_id", run.ID, "error", err)
	}

	log := g.logger.With("company_id", company.ID, "period", req.Period.Key(), "run_id", run.ID)
	log.Info("generation started", "trigger", req.Trigger, "mode", req.Mode)

	batchErr := g.runDrivers(ctx, company, req.Period, &result, log)

	finished := g.assembler.Now()
	run.CompletedAt = &finished
	run.Created, run.Skipped, run.Failed = result.Counts()
	run.Status = RunCompleted
	if batchErr != nil {
		run.Status = RunFailed
		run.Error = batchErr.Error()
	}
	// The batch context may be gone; the run record should still land.
	if err := g.store.SaveRun(context.WithoutCancel(ctx), run); err != nil {
		log.Warn("saving run record failed", "error", err)
	}

	g.observer.BatchCompleted(req.Mode, finished.Sub(started))
	log.Info("generation finished",
		"created", run.Created, "skipped", run.Skipped, "failed", run.Failed,
		"elapsed", finished.Sub(started))
	return result, batchErr
}

func (g *Generator) runDrivers(ctx context.Context, company Company, period Period, result *BatchResult, log *slog.Logger) error {
	drivers, err := g.store.ListSettleableDrivers(ctx, company.ID)
	if err != nil {
		return fmt.Errorf("listing drivers: %w", err)
	}

	type outcome struct {
		driver DriverID
		s      Settlement
		err    error
	}
	outcomes := make([]outcome, len(drivers))

	var eg errgroup.Group
	eg.SetLimit(g.concurrency)
	for i, d := range drivers {
		eg.Go(func() error {
			s, err := g.generateDriverWithRetry(ctx, d, period)
			outcomes[i] = outcome{driver: d.ID, s: s, err: err}
			return nil
		})
	}
	_ = eg.Wait()

	for _, o := range outcomes {
		switch {
		case o.err == nil:
			result.Created = append(result.Created, CreatedSettlement{
				DriverID: o.driver, SettlementID: o.s.ID, Number: o.s.Number, NetPay: o.s.NetPay,
			})
			g.observer.DriverProcessed(OutcomeCreated)
			log.Info("settlement drafted", "driver_id", o.driver, "settlement_id", o.s.ID, "net_pay", o.s.NetPay.String())
		case IsSkip(o.err):
			result.Skipped = append(result.Skipped, DriverSkip{DriverID: o.driver, Reason: skipReason(o.err)})
			g.observer.DriverProcessed(OutcomeSkipped)
			log.Debug("driver skipped", "driver_id", o.driver, "reason", o.err)
		default:
			result.Failed = append(result.Failed, DriverFailure{DriverID: o.driver, Error: o.err.Error()})
			g.observer.DriverProcessed(OutcomeFailed)
			log.Error("driver generation failed", "driver_id", o.driver, "error", o.err)
		}
	}

	sort.Slice(result.Created, func(i, j int) bool { return result.Created[i].DriverID < result.Created[j].DriverID })
	sort.Slice(result.Skipped, func(i, j int) bool { return result.Skipped[i].DriverID < result.Skipped[j].DriverID })
	sort.Slice(result.Failed, func(i, j int) bool { return result.Failed[i].DriverID < result.Failed[j].DriverID })
	return nil
}

func skipReason(err error) string {
	switch {
	case errors.Is(err, ErrDuplicateSettlement):
		return "duplicate"
	case errors.Is(err, ErrNoEligibleActivity):
		return "no_activity"
	}
	return err.Error()
}

// generateDriverWithRetry retries a storage conflict once. The retry's
// overlap check normally finds the winning row and reports a duplicate.
func (g *Generator) generateDriverWithRetry(ctx context.Context, d Driver, period Period) (Settlement, error) {
	s, err := g.generateDriver(ctx, d, period)
	if errors.Is(err, ErrStorageConflict) {
		g.logger.Warn("storage conflict, retrying once", "driver_id", d.ID, "period", period.Key())
		s, err = g.generateDriver(ctx, d, period)
	}
	if err != nil {
		return Settlement{}, &DriverError{DriverID: d.ID, Err: err}
	}
	return s, nil
}

// GenerateForDriver drafts one driver's settlement outside a batch. It goes
// through the same transaction and guards as batch generation.
func (g *Generator) GenerateForDriver(ctx context.Context, driverID DriverID, period Period) (Settlement, error) {
	d, err := g.store.GetDriver(ctx, driverID)
	if err != nil {
		return Settlement{}, err
	}
	unlock, err := g.locks.Lock(ctx, CompanyPeriodKey(d.CompanyID, period))
	if err != nil {
		return Settlement{}, err
	}
	defer unlock()
	return g.generateDriverWithRetry(ctx, d, period)
}

func (g *Generator) generateDriver(ctx context.Context, d Driver, period Period) (s Settlement, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic generating settlement: %v", r)
		}
	}()

	if g.driverTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.driverTimeout)
		defer cancel()
	}
	if err := ctx.Err(); err != nil {
		return Settlement{}, err
	}

	err = g.store.WithTx(ctx, func(tx Store) error {
		existing, err := tx.FindLiveSettlement(ctx, d.ID, period)
		if err != nil {
			return err
		}
		if existing != nil {
			return fmt.Errorf("%w: %s covers %s", ErrDuplicateSettlement, existing.Number, existing.Period)
		}

		bundle, err := Collect(ctx, tx, d.ID, period)
		if err != nil {
			return err
		}
		rules, err := tx.ListRules(ctx, d.ID)
		if err != nil {
			return fmt.Errorf("loading rules: %w", err)
		}

		draft, eval, err := g.assembler.Assemble(d, bundle, rules)
		if err != nil {
			return err
		}
		for _, id := range eval.Clipped {
			g.logger.Info("stop-limited rule clipped to headroom", "driver_id", d.ID, "rule_id", id)
		}
		if err := g.assembler.Save(ctx, tx, draft); err != nil {
			return err
		}
		s = draft
		return nil
	})
	if err != nil {
		return Settlement{}, err
	}
	return s, nil
}
