package settlement

import (
	"context"
	"log/slog"
	"sync"
)

// =============================================================================
// DISPATCHER - How a generation batch gets executed
// =============================================================================

// Dispatched describes an accepted batch. Batch is set only when the batch
// already ran (inline).
type Dispatched struct {
	RunID string
	Mode  DispatchMode
	Batch *BatchResult
}

// Dispatcher runs generation batches. Implementations return
// ErrDispatchUnavailable when they can't accept work; callers then run the
// batch synchronously.
type Dispatcher interface {
	Dispatch(ctx context.Context, req GenerateRequest) (Dispatched, error)
	Mode() DispatchMode
}

// InlineDispatcher runs the batch in the caller's goroutine.
type InlineDispatcher struct {
	gen *Generator
}

func NewInlineDispatcher(gen *Generator) *InlineDispatcher {
	return &InlineDispatcher{gen: gen}
}

func (d *InlineDispatcher) Mode() DispatchMode { return ModeInline }

func (d *InlineDispatcher) Dispatch(ctx context.Context, req GenerateRequest) (Dispatched, error) {
	if req.Mode == "" {
		req.Mode = ModeInline
	}
	res, err := d.gen.GenerateForCompany(ctx, req)
	if err != nil {
		return Dispatched{RunID: res.RunID, Mode: req.Mode}, err
	}
	return Dispatched{RunID: res.RunID, Mode: req.Mode, Batch: &res}, nil
}

// =============================================================================
// QUEUE DISPATCHER - Fire-and-forget via a bounded in-process queue
// =============================================================================

// QueueDispatcher hands batches to a fixed pool of workers. A full or
// stopped queue refuses work with ErrDispatchUnavailable.
type QueueDispatcher struct {
	gen     *Generator
	workers int
	logger  *slog.Logger

	mu      sync.RWMutex
	jobs    chan GenerateRequest
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func NewQueueDispatcher(gen *Generator, size, workers int, logger *slog.Logger) *QueueDispatcher {
	if size < 1 {
		size = 1
	}
	if workers < 1 {
		workers = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &QueueDispatcher{
		gen:     gen,
		workers: workers,
		logger:  logger.With("component", "dispatcher"),
		jobs:    make(chan GenerateRequest, size),
	}
}

func (d *QueueDispatcher) Mode() DispatchMode { return ModeAsync }

// Start launches the workers. Jobs run under a context detached from the
// request that queued them and cancelled by Stop.
func (d *QueueDispatcher) Start() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel
	d.running = true
	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.work(ctx, i)
	}
	d.logger.Info("dispatcher started", "workers", d.workers, "queue_size", cap(d.jobs))
}

// Stop refuses new work, drains what's queued and waits for the workers.
func (d *QueueDispatcher) Stop() {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return
	}
	d.running = false
	close(d.jobs)
	d.mu.Unlock()

	d.wg.Wait()
	d.cancel()
	d.logger.Info("dispatcher stopped")
}

// Dispatch queues the batch. The queued run record is written before the
// send so a fast worker's "running" record always wins. On a full queue the
// returned RunID can be reused for the synchronous fallback.
func (d *QueueDispatcher) Dispatch(ctx context.Context, req GenerateRequest) (Dispatched, error) {
	req.Mode = ModeAsync
	if req.RunID == "" {
		req.RunID = d.gen.Assembler().NewID()
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	if !d.running {
		return Dispatched{}, ErrDispatchUnavailable
	}

	queued := GenerationRun{
		ID:        req.RunID,
		CompanyID: req.CompanyID,
		Period:    req.Period,
		Trigger:   req.Trigger,
		Mode:      ModeAsync,
		Status:    RunQueued,
		StartedAt: d.gen.Assembler().Now(),
	}
	if err := d.gen.Store().SaveRun(ctx, queued); err != nil {
		d.logger.Warn("saving queued run failed", "run_id", req.RunID, "error", err)
	}

	select {
	case d.jobs <- req:
		return Dispatched{RunID: req.RunID, Mode: ModeAsync}, nil
	default:
		d.logger.Warn("dispatch queue full", "company_id", req.CompanyID, "run_id", req.RunID)
		return Dispatched{RunID: req.RunID}, ErrDispatchUnavailable
	}
}

func (d *QueueDispatcher) work(ctx context.Context, n int) {
	defer d.wg.Done()
	for req := range d.jobs {
		if _, err := d.gen.GenerateForCompany(ctx, req); err != nil {
			d.logger.Error("queued generation failed",
				"worker", n, "company_id", req.CompanyID, "period", req.Period.Key(), "error", err)
		}
	}
}
