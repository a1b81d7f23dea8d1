/*
scheduler.go - Automated settlement generation scheduler

PURPOSE:
  Periodically triggers settlement generation for every active company's
  last completed pay period, through the same Trigger path as manual
  requests.

DESIGN:
  - Runs a background goroutine with configurable check interval
  - Runs once immediately on start
  - Repeated ticks are harmless: generation skips drivers that already
    have a live settlement for the period
  - Each company batch is recorded as a GenerationRun by the generator

USAGE:
  scheduler := NewGenerationScheduler(trigger, logger)
  scheduler.CheckInterval = 15 * time.Minute
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - handlers.go: GenerateSettlements endpoint (manual trigger)
  - settlement/trigger.go: GenerateAll
*/
package api

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/warp/settlement-engine/settlement"
)

// GenerationScheduler runs scheduled settlement generation.
type GenerationScheduler struct {
	Trigger       *settlement.Trigger
	CheckInterval time.Duration
	Enabled       bool
	// Concurrency bounds how many companies are triggered in parallel.
	Concurrency int

	logger *slog.Logger
	ticker *time.Ticker
	stop   chan struct{}
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// NewGenerationScheduler creates a new scheduler.
func NewGenerationScheduler(trigger *settlement.Trigger, logger *slog.Logger) *GenerationScheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &GenerationScheduler{
		Trigger:       trigger,
		CheckInterval: 1 * time.Hour,
		Enabled:       true,
		Concurrency:   2,
		logger:        logger.With("component", "scheduler"),
	}
}

// Start begins the scheduler.
func (gs *GenerationScheduler) Start() {
	gs.mu.Lock()
	defer gs.mu.Unlock()

	if !gs.Enabled {
		gs.logger.Info("scheduler disabled, not starting")
		return
	}
	if gs.ticker != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	gs.cancel = cancel
	gs.stop = make(chan struct{})
	gs.ticker = time.NewTicker(gs.CheckInterval)
	gs.wg.Add(1)

	go gs.run(ctx)

	gs.logger.Info("scheduler started", "interval", gs.CheckInterval)
}

// Stop stops the scheduler and waits for an in-flight sweep.
func (gs *GenerationScheduler) Stop() {
	gs.mu.Lock()
	defer gs.mu.Unlock()

	if gs.ticker == nil {
		return
	}
	gs.ticker.Stop()
	close(gs.stop)
	gs.cancel()
	gs.wg.Wait()
	gs.ticker = nil
	gs.logger.Info("scheduler stopped")
}

func (gs *GenerationScheduler) run(ctx context.Context) {
	defer gs.wg.Done()

	gs.RunNow(ctx)

	for {
		select {
		case <-gs.ticker.C:
			gs.RunNow(ctx)
		case <-gs.stop:
			return
		}
	}
}

// RunNow triggers every active company once and returns the results.
func (gs *GenerationScheduler) RunNow(ctx context.Context) ([]settlement.TriggerResult, []settlement.CompanyRunError) {
	start := time.Now()
	results, failed := gs.Trigger.GenerateAll(ctx, gs.Concurrency)

	for _, f := range failed {
		gs.logger.Error("company generation failed", "company_id", f.CompanyID, "error", f.Err)
	}
	gs.logger.Info("scheduled sweep completed",
		"companies", len(results)+len(failed), "failed", len(failed),
		"elapsed", time.Since(start))
	return results, failed
}
