package workflow

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sagecrm/drip/errors"
	driptest "github.com/sagecrm/drip/internal/testing"
	"github.com/sagecrm/drip/logger"
)

type dispatcherFixture struct {
	store      *Store
	registry   *Registry
	dispatcher *Dispatcher
}

func newDispatcherFixture(t *testing.T, cfg DispatcherConfig) *dispatcherFixture {
	t.Helper()
	store := NewStore(driptest.CreateTestDB(t))
	registry := NewRegistry()

	retrier := NewRetrier(DefaultRetryConfig(), logger.NewTestLogger())
	retrier.sleep = func(ctx context.Context, d time.Duration) error { return nil }

	d := NewDispatcher(store, retrier, registry, cfg, logger.NewTestLogger())
	return &dispatcherFixture{store: store, registry: registry, dispatcher: d}
}

func TestProcessPendingJobsCompletesDueJobs(t *testing.T) {
	fx := newDispatcherFixture(t, DefaultDispatcherConfig())
	ctx := context.Background()

	var calls atomic.Int64
	fx.registry.Register(TypeReminderSequence, "send_reminder", HandlerFunc(func(ctx context.Context, job *Job) error {
		calls.Add(1)
		return nil
	}))

	due1 := enqueueJob(t, fx.store, "lead-1", time.Now().UTC().Add(-2*time.Minute))
	due2 := enqueueJob(t, fx.store, "lead-2", time.Now().UTC().Add(-time.Minute))
	enqueueJob(t, fx.store, "lead-3", time.Now().UTC().Add(time.Hour))

	processed, err := fx.dispatcher.ProcessPendingJobs(ctx, 50)
	require.NoError(t, err)
	assert.Equal(t, 2, processed)
	assert.EqualValues(t, 2, calls.Load())

	for _, id := range []string{due1.ID, due2.ID} {
		got, err := fx.store.GetJob(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, StatusCompleted, got.Status)
	}
}

func TestProcessPendingJobsEmptyQueue(t *testing.T) {
	fx := newDispatcherFixture(t, DefaultDispatcherConfig())

	processed, err := fx.dispatcher.ProcessPendingJobs(context.Background(), 50)
	require.NoError(t, err)
	assert.Zero(t, processed)
}

func TestHandlerErrorMarksJobFailed(t *testing.T) {
	fx := newDispatcherFixture(t, DefaultDispatcherConfig())
	ctx := context.Background()

	fx.registry.Register(TypeReminderSequence, "send_reminder", HandlerFunc(func(ctx context.Context, job *Job) error {
		return errors.New("smtp unavailable")
	}))

	job := enqueueJob(t, fx.store, "lead-1", time.Now().UTC().Add(-time.Minute))

	processed, err := fx.dispatcher.ProcessPendingJobs(ctx, 50)
	require.NoError(t, err)
	assert.Equal(t, 1, processed, "a failed job still counts as claimed and driven")

	got, err := fx.store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Contains(t, got.LastError, "smtp unavailable")
}

func TestHandlerPanicIsRecovered(t *testing.T) {
	fx := newDispatcherFixture(t, DefaultDispatcherConfig())
	ctx := context.Background()

	fx.registry.Register(TypeReminderSequence, "send_reminder", HandlerFunc(func(ctx context.Context, job *Job) error {
		panic("template rendering exploded")
	}))

	job := enqueueJob(t, fx.store, "lead-1", time.Now().UTC().Add(-time.Minute))

	processed, err := fx.dispatcher.ProcessPendingJobs(ctx, 50)
	require.NoError(t, err)
	assert.Equal(t, 1, processed)

	got, err := fx.store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Contains(t, got.LastError, "panic")
}

func TestUnknownStepFailsWithoutHandler(t *testing.T) {
	fx := newDispatcherFixture(t, DefaultDispatcherConfig())
	ctx := context.Background()

	job := enqueueJob(t, fx.store, "lead-1", time.Now().UTC().Add(-time.Minute))

	processed, err := fx.dispatcher.ProcessPendingJobs(ctx, 50)
	require.NoError(t, err)
	assert.Equal(t, 1, processed)

	got, err := fx.store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Contains(t, got.LastError, "unknown workflow step")
}

func TestRacingDispatchersRunEachJobOnce(t *testing.T) {
	fx := newDispatcherFixture(t, DefaultDispatcherConfig())
	ctx := context.Background()

	var calls atomic.Int64
	fx.registry.Register(TypeReminderSequence, "send_reminder", HandlerFunc(func(ctx context.Context, job *Job) error {
		calls.Add(1)
		return nil
	}))

	const jobCount = 10
	for i := 0; i < jobCount; i++ {
		enqueueJob(t, fx.store, "lead-"+string(rune('a'+i)), time.Now().UTC().Add(-time.Minute))
	}

	// A second dispatcher over the same store, sharing the registry.
	retrier := NewRetrier(DefaultRetryConfig(), logger.NewTestLogger())
	retrier.sleep = func(ctx context.Context, d time.Duration) error { return nil }
	rival := NewDispatcher(fx.store, retrier, fx.registry, DefaultDispatcherConfig(), logger.NewTestLogger())

	var wg sync.WaitGroup
	counts := make([]int, 2)
	for i, d := range []*Dispatcher{fx.dispatcher, rival} {
		wg.Add(1)
		go func(i int, d *Dispatcher) {
			defer wg.Done()
			n, err := d.ProcessPendingJobs(ctx, 50)
			assert.NoError(t, err)
			counts[i] = n
		}(i, d)
	}
	wg.Wait()

	assert.EqualValues(t, jobCount, calls.Load(), "every handler runs exactly once")
	assert.Equal(t, jobCount, counts[0]+counts[1], "claims split between dispatchers")

	pending, err := fx.store.FetchDue(ctx, time.Now().UTC(), 50)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestRunningJobIsNeverRefetched(t *testing.T) {
	fx := newDispatcherFixture(t, DefaultDispatcherConfig())
	ctx := context.Background()

	job := enqueueJob(t, fx.store, "lead-1", time.Now().UTC().Add(-time.Minute))
	claimed, err := fx.store.MarkRunning(ctx, job.ID)
	require.NoError(t, err)
	require.True(t, claimed)

	processed, err := fx.dispatcher.ProcessPendingJobs(ctx, 50)
	require.NoError(t, err)
	assert.Zero(t, processed, "a running job is invisible to dispatch")
}

func TestRecurringJobSchedulesNextOccurrence(t *testing.T) {
	fx := newDispatcherFixture(t, DefaultDispatcherConfig())
	ctx := context.Background()

	fx.registry.Register(TypeReminderSequence, "send_reminder", HandlerFunc(func(ctx context.Context, job *Job) error {
		return nil
	}))

	meta := Meta{Recurring: true, IntervalMinutes: 30}
	enqueueJobWithMeta(t, fx.store, "lead-1", time.Now().UTC().Add(-time.Minute), meta)

	before := time.Now().UTC()
	processed, err := fx.dispatcher.ProcessPendingJobs(ctx, 50)
	require.NoError(t, err)
	require.Equal(t, 1, processed)

	history, err := fx.store.ListByLead(ctx, "lead-1")
	require.NoError(t, err)
	require.Len(t, history, 2)

	var next *Job
	for _, j := range history {
		if j.Status == StatusPending {
			next = j
		}
	}
	require.NotNil(t, next, "completion of a recurring job enqueues the next occurrence")
	assert.WithinDuration(t, before.Add(30*time.Minute), next.ScheduledAt, 5*time.Second)
	assert.Equal(t, meta, next.Meta)
}

func TestFailedRecurringJobDoesNotRecur(t *testing.T) {
	fx := newDispatcherFixture(t, DefaultDispatcherConfig())
	ctx := context.Background()

	fx.registry.Register(TypeReminderSequence, "send_reminder", HandlerFunc(func(ctx context.Context, job *Job) error {
		return errors.New("smtp unavailable")
	}))

	meta := Meta{Recurring: true, IntervalMinutes: 30}
	enqueueJobWithMeta(t, fx.store, "lead-1", time.Now().UTC().Add(-time.Minute), meta)

	_, err := fx.dispatcher.ProcessPendingJobs(ctx, 50)
	require.NoError(t, err)

	history, err := fx.store.ListByLead(ctx, "lead-1")
	require.NoError(t, err)
	assert.Len(t, history, 1, "recurrence fires on success only")
}

func TestDispatcherStartStop(t *testing.T) {
	cfg := DispatcherConfig{TickInterval: 10 * time.Millisecond, BatchSize: 50, Concurrency: 5}
	fx := newDispatcherFixture(t, cfg)

	var calls atomic.Int64
	fx.registry.Register(TypeReminderSequence, "send_reminder", HandlerFunc(func(ctx context.Context, job *Job) error {
		calls.Add(1)
		return nil
	}))

	enqueueJob(t, fx.store, "lead-1", time.Now().UTC().Add(-time.Minute))

	fx.dispatcher.Start()
	assert.True(t, fx.dispatcher.GetStatus().IsRunning)

	require.Eventually(t, func() bool {
		return calls.Load() == 1
	}, 2*time.Second, 5*time.Millisecond)

	fx.dispatcher.Stop()
	assert.False(t, fx.dispatcher.GetStatus().IsRunning)

	// No further ticks after Stop.
	enqueueJob(t, fx.store, "lead-2", time.Now().UTC().Add(-time.Minute))
	time.Sleep(50 * time.Millisecond)
	assert.EqualValues(t, 1, calls.Load())
}

func TestStopLetsInFlightJobFinish(t *testing.T) {
	cfg := DispatcherConfig{TickInterval: 10 * time.Millisecond, BatchSize: 50, Concurrency: 5}
	fx := newDispatcherFixture(t, cfg)

	started := make(chan struct{})
	release := make(chan struct{})
	fx.registry.Register(TypeReminderSequence, "send_reminder", HandlerFunc(func(ctx context.Context, job *Job) error {
		close(started)
		select {
		case <-release:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}))

	job := enqueueJob(t, fx.store, "lead-1", time.Now().UTC().Add(-time.Minute))

	fx.dispatcher.Start()
	<-started

	// Stop while the handler is mid-execution, then let it finish.
	stopped := make(chan struct{})
	go func() {
		fx.dispatcher.Stop()
		close(stopped)
	}()
	close(release)

	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return after the in-flight job finished")
	}

	got, err := fx.store.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status, "shutdown must not strand a claimed job in running")
}

func TestStartRecoversJobsOrphanedByCrash(t *testing.T) {
	cfg := DispatcherConfig{TickInterval: 10 * time.Millisecond, BatchSize: 50, Concurrency: 5}
	fx := newDispatcherFixture(t, cfg)
	ctx := context.Background()

	var calls atomic.Int64
	fx.registry.Register(TypeReminderSequence, "send_reminder", HandlerFunc(func(ctx context.Context, job *Job) error {
		calls.Add(1)
		return nil
	}))

	// Simulate a hard kill: the row was claimed but the process died
	// before a terminal mark.
	job := enqueueJob(t, fx.store, "lead-1", time.Now().UTC().Add(-time.Minute))
	claimed, err := fx.store.MarkRunning(ctx, job.ID)
	require.NoError(t, err)
	require.True(t, claimed)

	fx.dispatcher.Start()
	defer fx.dispatcher.Stop()

	require.Eventually(t, func() bool {
		got, err := fx.store.GetJob(ctx, job.ID)
		return err == nil && got.Status == StatusCompleted
	}, 2*time.Second, 5*time.Millisecond)
	assert.EqualValues(t, 1, calls.Load())
}

func TestDispatcherRestartAfterStop(t *testing.T) {
	cfg := DispatcherConfig{TickInterval: 10 * time.Millisecond, BatchSize: 50, Concurrency: 5}
	fx := newDispatcherFixture(t, cfg)

	var calls atomic.Int64
	fx.registry.Register(TypeReminderSequence, "send_reminder", HandlerFunc(func(ctx context.Context, job *Job) error {
		calls.Add(1)
		return nil
	}))

	fx.dispatcher.Start()
	fx.dispatcher.Stop()

	enqueueJob(t, fx.store, "lead-1", time.Now().UTC().Add(-time.Minute))
	fx.dispatcher.Start()
	defer fx.dispatcher.Stop()

	require.Eventually(t, func() bool {
		return calls.Load() == 1
	}, 2*time.Second, 5*time.Millisecond)
}

func TestTriggerManualRunProcessesImmediately(t *testing.T) {
	// A long tick interval so only the manual trigger can do the work.
	cfg := DispatcherConfig{TickInterval: time.Hour, BatchSize: 50, Concurrency: 5}
	fx := newDispatcherFixture(t, cfg)

	var calls atomic.Int64
	fx.registry.Register(TypeReminderSequence, "send_reminder", HandlerFunc(func(ctx context.Context, job *Job) error {
		calls.Add(1)
		return nil
	}))

	enqueueJob(t, fx.store, "lead-1", time.Now().UTC().Add(-time.Minute))

	fx.dispatcher.Start()
	defer fx.dispatcher.Stop()

	fx.dispatcher.Notify()
	require.Eventually(t, func() bool {
		return calls.Load() == 1
	}, 2*time.Second, 5*time.Millisecond)
}

func TestGetStatusReportsBatchSize(t *testing.T) {
	fx := newDispatcherFixture(t, DefaultDispatcherConfig())

	status := fx.dispatcher.GetStatus()
	assert.False(t, status.IsRunning)
	assert.Equal(t, 50, status.BatchSize)
	assert.Zero(t, status.NextTickETA)
}
