package workflow

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sagecrm/drip/db"
	"github.com/sagecrm/drip/errors"
	"github.com/sagecrm/drip/metrics"
)

// DispatcherConfig contains configuration for the polling dispatcher
type DispatcherConfig struct {
	TickInterval time.Duration `json:"tick_interval"` // How often to poll for due jobs
	BatchSize    int           `json:"batch_size"`    // Max due jobs fetched per tick
	Concurrency  int           `json:"concurrency"`   // Jobs processed concurrently within a tick
}

// DefaultDispatcherConfig returns sensible defaults
func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		TickInterval: 5 * time.Second,
		BatchSize:    50,
		Concurrency:  5,
	}
}

// Dispatcher polls the job store on a fixed tick, claims due jobs with a
// conditional update and fans them out to step handlers with bounded
// concurrency.
//
// Ticks are driven purely by the timer and are not serialized against the
// previous tick's work: if processing outlives the interval, ticks
// logically overlap. Correctness against duplicate execution comes from
// MarkRunning's compare-and-set, never from tick spacing. The same holds
// for the low-latency Notify path: every trigger funnels through the same
// claim, so a job's handler runs at most once.
type Dispatcher struct {
	store      *Store
	retrier    *Retrier
	executor   *Executor
	recurrence *RecurrenceManager
	cfg        DispatcherConfig
	logger     *zap.SugaredLogger

	parentCtx context.Context // parent context from which the run context is derived
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup

	notify chan struct{} // manual / low-latency trigger for an extra tick

	mu         sync.Mutex
	running    bool
	nextTickAt time.Time
}

// NewDispatcher creates a dispatcher over the given store, retrier and
// step registry. Callers must register handlers before calling Start().
func NewDispatcher(store *Store, retrier *Retrier, registry *Registry, cfg DispatcherConfig, logger *zap.SugaredLogger) *Dispatcher {
	return NewDispatcherWithContext(context.Background(), store, retrier, registry, cfg, logger)
}

// NewDispatcherWithContext creates a dispatcher with a parent context.
// Useful for tests and for shutdown coordination from a server.
func NewDispatcherWithContext(ctx context.Context, store *Store, retrier *Retrier, registry *Registry, cfg DispatcherConfig, logger *zap.SugaredLogger) *Dispatcher {
	runCtx, cancel := context.WithCancel(ctx)

	return &Dispatcher{
		store:      store,
		retrier:    retrier,
		executor:   NewExecutor(registry),
		recurrence: NewRecurrenceManager(store, logger),
		cfg:        cfg,
		logger:     logger.Named("dispatcher"),
		parentCtx:  ctx,
		ctx:        runCtx,
		cancel:     cancel,
		notify:     make(chan struct{}, 1),
	}
}

// Start begins the polling loop. Safe to call again after Stop().
func (d *Dispatcher) Start() {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return
	}

	// Recreate the run context if a previous Stop() cancelled it.
	// Must happen before the loop goroutine spawns to avoid races.
	select {
	case <-d.ctx.Done():
		d.ctx, d.cancel = context.WithCancel(d.parentCtx)
	default:
	}

	d.running = true
	d.nextTickAt = time.Now().Add(d.cfg.TickInterval)
	d.mu.Unlock()

	// Rows orphaned in running by a previous crash are invisible to
	// FetchDue; reset them before the first tick.
	if recovered, err := d.store.RecoverOrphanedJobs(d.parentCtx); err != nil {
		d.logger.Errorw("Failed to recover orphaned jobs", "error", err)
	} else if recovered > 0 {
		d.logger.Warnw("Recovered jobs orphaned by a previous shutdown", "count", recovered)
	}

	d.wg.Add(1)
	go d.run()

	d.logger.Infow("Dispatcher started",
		"tick_interval", d.cfg.TickInterval,
		"batch_size", d.cfg.BatchSize,
		"concurrency", d.cfg.Concurrency)
}

// Stop stops scheduling new work. In-flight jobs from the last tick are
// allowed to finish; a generous timeout keeps shutdown from blocking on
// a stuck handler.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return
	}
	d.running = false
	d.mu.Unlock()

	d.cancel()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	timeout := 30 * time.Second
	select {
	case <-done:
		d.logger.Infow("Dispatcher stopped")
	case <-time.After(timeout):
		d.logger.Warnw("Dispatcher stop timed out, jobs may still be finishing", "timeout", timeout)
	}
}

// TriggerManualRun requests an immediate extra tick without waiting for
// the timer. Non-blocking; coalesces with a pending trigger.
func (d *Dispatcher) TriggerManualRun() {
	select {
	case d.notify <- struct{}{}:
	default:
	}
}

// Notify is the optional low-latency path: callers that just enqueued a
// job may nudge the dispatcher instead of waiting for the next tick.
// Polling alone remains sufficient for correctness.
func (d *Dispatcher) Notify() {
	d.TriggerManualRun()
}

// DispatcherStatus describes the dispatcher for the control surface.
type DispatcherStatus struct {
	IsRunning   bool          `json:"is_running"`
	BatchSize   int           `json:"batch_size"`
	NextTickETA time.Duration `json:"next_tick_eta"`
}

// GetStatus returns the current dispatcher status.
func (d *Dispatcher) GetStatus() DispatcherStatus {
	d.mu.Lock()
	defer d.mu.Unlock()

	eta := time.Until(d.nextTickAt)
	if !d.running || eta < 0 {
		eta = 0
	}
	return DispatcherStatus{
		IsRunning:   d.running,
		BatchSize:   d.cfg.BatchSize,
		NextTickETA: eta,
	}
}

// run is the main polling loop. Every tick is caught-and-logged so a bad
// tick can never kill future ticks.
func (d *Dispatcher) run() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.cfg.TickInterval)
	defer ticker.Stop()

	// Batches run under the parent context, not the run context: Stop()
	// cancels the run context to stop scheduling, while claimed jobs must
	// still reach a terminal state. Cancelling mid-batch would abort the
	// handler and then fail the MarkCompleted/MarkFailed write on the same
	// dead context, stranding the row in running.
	for {
		select {
		case <-d.ctx.Done():
			return
		case now := <-ticker.C:
			d.mu.Lock()
			d.nextTickAt = now.Add(d.cfg.TickInterval)
			d.mu.Unlock()

			if _, err := d.ProcessPendingJobs(d.parentCtx, d.cfg.BatchSize); err != nil {
				d.observeTickError(err)
			}
		case <-d.notify:
			if _, err := d.ProcessPendingJobs(d.parentCtx, d.cfg.BatchSize); err != nil {
				d.observeTickError(err)
			}
		}
	}
}

// observeTickError logs a failed tick unless the engine is shutting down.
func (d *Dispatcher) observeTickError(err error) {
	select {
	case <-d.ctx.Done():
		return
	default:
	}
	if db.IsDatabaseClosed(err) {
		return
	}
	metrics.TickErrors.Inc()
	d.logger.Errorw("Dispatch tick failed", "error", err)
}

// ProcessPendingJobs runs one dispatch pass: fetch up to limit due jobs
// and drive each to a terminal state. Returns the number of jobs this
// dispatcher actually claimed and executed. Exposed for the control
// surface and ad hoc/test execution.
func (d *Dispatcher) ProcessPendingJobs(ctx context.Context, limit int) (int, error) {
	var jobs []*Job
	err := d.retrier.Do(ctx, "fetch due jobs", func() error {
		var fetchErr error
		jobs, fetchErr = d.store.FetchDue(ctx, time.Now().UTC(), limit)
		return fetchErr
	})
	if err != nil {
		return 0, errors.Wrap(err, "failed to fetch due jobs")
	}

	if len(jobs) == 0 {
		return 0, nil
	}

	d.logger.Debugw("Fetched due jobs", "count", len(jobs))

	// Sub-batches of the concurrency limit run sequentially; jobs within
	// a sub-batch run concurrently. Bounded fan-out, not a full flood.
	processed := 0
	for start := 0; start < len(jobs); start += d.cfg.Concurrency {
		end := start + d.cfg.Concurrency
		if end > len(jobs) {
			end = len(jobs)
		}

		var wg sync.WaitGroup
		results := make([]bool, end-start)
		for i, job := range jobs[start:end] {
			wg.Add(1)
			go func(i int, job *Job) {
				defer wg.Done()
				results[i] = d.processJob(ctx, job)
			}(i, job)
		}
		wg.Wait()

		for _, claimed := range results {
			if claimed {
				processed++
			}
		}
	}

	return processed, nil
}

// processJob drives a single job to a terminal state. Returns whether
// this dispatcher claimed the job. A handler failure or panic becomes a
// failed terminal state for that job only; it never aborts the batch.
func (d *Dispatcher) processJob(ctx context.Context, job *Job) bool {
	var claimed bool
	err := d.retrier.Do(ctx, "claim job", func() error {
		var claimErr error
		claimed, claimErr = d.store.MarkRunning(ctx, job.ID)
		return claimErr
	})
	if err != nil {
		d.logger.Errorw("Failed to claim job", "job_id", job.ID, "error", err)
		return false
	}
	if !claimed {
		// Another dispatcher won the race; must not execute the handler.
		metrics.JobsSkipped.WithLabelValues("lost_claim").Inc()
		d.logger.Debugw("Skipping job claimed elsewhere", "job_id", job.ID)
		return false
	}

	execErr := d.executeStep(ctx, job)
	if execErr != nil {
		d.failJob(ctx, job, execErr)
		return true
	}

	completedAt := time.Now().UTC()
	err = d.retrier.Do(ctx, "mark job completed", func() error {
		return d.store.MarkCompleted(ctx, job.ID)
	})
	if err != nil {
		d.logger.Errorw("Failed to record job completion", "job_id", job.ID, "error", err)
		return true
	}

	metrics.JobsProcessed.WithLabelValues("completed").Inc()
	d.logger.Infow("Job completed",
		"job_id", job.ID,
		"lead_id", job.LeadID,
		"workflow_type", job.Type,
		"step", job.StepName)

	if _, err := d.recurrence.ScheduleNext(ctx, job, completedAt); err != nil {
		d.logger.Errorw("Failed to schedule next occurrence", "job_id", job.ID, "error", err)
	}

	return true
}

// executeStep invokes the handler with panic recovery.
func (d *Dispatcher) executeStep(ctx context.Context, job *Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Newf("step handler panic: %v", r)
		}
	}()
	return d.executor.Execute(ctx, job)
}

// failJob records a failed terminal state for the job.
func (d *Dispatcher) failJob(ctx context.Context, job *Job, cause error) {
	if markErr := d.retrier.Do(ctx, "mark job failed", func() error {
		return d.store.MarkFailed(ctx, job.ID, cause)
	}); markErr != nil {
		d.logger.Errorw("Failed to record job failure",
			"job_id", job.ID,
			"job_error", cause,
			"error", markErr)
		return
	}

	metrics.JobsProcessed.WithLabelValues("failed").Inc()

	reason := "handler_error"
	if errors.Is(cause, errors.ErrUnknownStep) {
		reason = "unknown_step"
	} else if errors.IsValidationError(cause) {
		reason = "validation"
	}
	d.logger.Warnw(fmt.Sprintf("Job failed (%s)", reason),
		"job_id", job.ID,
		"lead_id", job.LeadID,
		"workflow_type", job.Type,
		"step", job.StepName,
		"error", cause)
}
