// Package queue owns job admission and dispatch. Jobs are durable rows in the
// store; the queue layers a worker pool, a wake signal for fresh enqueues,
// and a periodic lease sweep on top of the store's claim protocol.
package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/google/uuid"

	"git.home.luguber.info/inful/boardbuilder/internal/events"
	"git.home.luguber.info/inful/boardbuilder/internal/logfields"
	"git.home.luguber.info/inful/boardbuilder/internal/metrics"
	"git.home.luguber.info/inful/boardbuilder/internal/store"
)

// Processor executes one claimed job to a terminal state. Implementations own
// the job's state transitions; the queue only claims and dispatches.
type Processor interface {
	Process(ctx context.Context, job *store.Job)
}

// Options tunes the queue. Zero values fall back to defaults.
type Options struct {
	Workers            int
	IdlePollInterval   time.Duration
	SweepInterval      time.Duration
	MaxAttemptDuration time.Duration
	Emitter            events.Emitter
	Metrics            metrics.Recorder
}

func (o *Options) applyDefaults() {
	if o.Workers <= 0 {
		o.Workers = 1
	}
	if o.IdlePollInterval <= 0 {
		o.IdlePollInterval = 5 * time.Second
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = time.Minute
	}
	if o.MaxAttemptDuration <= 0 {
		o.MaxAttemptDuration = 20 * time.Minute
	}
	if o.Emitter == nil {
		o.Emitter = events.NoopEmitter{}
	}
	if o.Metrics == nil {
		o.Metrics = metrics.NoopRecorder{}
	}
}

// JobQueue admits build jobs and dispatches them to a worker pool. It is an
// explicit value wired through the daemon, shareable across components that
// need to enqueue or inspect jobs.
type JobQueue struct {
	store     store.Store
	processor Processor
	opts      Options
	emitter   events.Emitter
	metrics   metrics.Recorder

	wake      chan struct{}
	stopChan  chan struct{}
	wg        sync.WaitGroup
	scheduler gocron.Scheduler
	active    atomic.Int64

	startOnce sync.Once
	stopOnce  sync.Once
}

// New creates a JobQueue over the given store and processor.
func New(st store.Store, processor Processor, opts Options) (*JobQueue, error) {
	opts.applyDefaults()
	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("create lease sweep scheduler: %w", err)
	}
	return &JobQueue{
		store:     st,
		processor: processor,
		opts:      opts,
		emitter:   opts.Emitter,
		metrics:   opts.Metrics,
		wake:      make(chan struct{}, 1),
		stopChan:  make(chan struct{}),
		scheduler: scheduler,
	}, nil
}

// Enqueue inserts a queued job for the deployment and signals the pool.
// Returns the generated job id.
func (q *JobQueue) Enqueue(ctx context.Context, deploymentID string, priority int, meta store.JobMetadata) (string, error) {
	job := &store.Job{
		ID:           uuid.NewString(),
		DeploymentID: deploymentID,
		Status:       store.JobQueued,
		Priority:     priority,
		QueuedAt:     time.Now(),
		Metadata:     meta,
	}
	if err := q.store.InsertJob(ctx, job); err != nil {
		return "", err
	}

	slog.Info("Job enqueued",
		logfields.JobID(job.ID),
		logfields.DeploymentID(deploymentID),
		logfields.Priority(priority))

	if err := q.emitter.Emit(ctx, events.JobEvent{
		Type: events.JobEnqueued, JobID: job.ID, DeploymentID: deploymentID, Priority: priority,
	}); err != nil {
		slog.Warn("Failed to emit enqueue event", logfields.JobID(job.ID), logfields.Error(err))
	}
	q.updateQueueDepth(ctx)

	// Non-blocking: a pending wake already covers this enqueue.
	select {
	case q.wake <- struct{}{}:
	default:
	}
	return job.ID, nil
}

// Status returns the job, or store.ErrNotFound.
func (q *JobQueue) Status(ctx context.Context, jobID string) (*store.Job, error) {
	return q.store.GetJob(ctx, jobID)
}

// QueuedCount returns the number of jobs waiting to be claimed.
func (q *JobQueue) QueuedCount(ctx context.Context) (int, error) {
	return q.store.QueuedJobCount(ctx)
}

// QueuePosition returns the 1-based claim position of a queued job, or 0 when
// the job has already left the queue.
func (q *JobQueue) QueuePosition(ctx context.Context, jobID string) (int, error) {
	return q.store.QueuePosition(ctx, jobID)
}

// Cancel transitions a queued or processing job to cancelled. A processing
// job's in-flight attempt runs to completion but its result is discarded.
func (q *JobQueue) Cancel(ctx context.Context, jobID string) (bool, error) {
	return q.store.CancelJob(ctx, jobID)
}

// Start launches the worker pool and the lease sweeper.
func (q *JobQueue) Start(ctx context.Context) {
	q.startOnce.Do(func() {
		slog.Info("Starting job queue",
			slog.Int("workers", q.opts.Workers),
			slog.Duration("idle_poll", q.opts.IdlePollInterval),
			slog.Duration("sweep_interval", q.opts.SweepInterval))

		for i := 0; i < q.opts.Workers; i++ {
			workerID := fmt.Sprintf("worker-%d", i)
			q.wg.Add(1)
			go q.workerLoop(ctx, workerID)
		}

		if _, err := q.scheduler.NewJob(
			gocron.DurationJob(q.opts.SweepInterval),
			gocron.NewTask(q.sweepStaleLeases, ctx),
			gocron.WithName("lease-sweep"),
		); err != nil {
			slog.Error("Failed to schedule lease sweep", logfields.Error(err))
		}
		q.scheduler.Start()
	})
}

// Stop shuts the pool down, waiting for in-flight jobs to reach a terminal
// state.
func (q *JobQueue) Stop(ctx context.Context) {
	q.stopOnce.Do(func() {
		slog.Info("Stopping job queue")
		close(q.stopChan)
		if err := q.scheduler.Shutdown(); err != nil {
			slog.Warn("Lease sweep scheduler shutdown failed", logfields.Error(err))
		}
		q.wg.Wait()
		slog.Info("Job queue stopped")
	})
}

// workerLoop claims and processes jobs until stopped. An empty claim idles
// until the poll interval elapses or an enqueue wakes the pool.
func (q *JobQueue) workerLoop(ctx context.Context, workerID string) {
	defer q.wg.Done()
	slog.Debug("Queue worker started", logfields.WorkerID(workerID))

	for {
		select {
		case <-ctx.Done():
			slog.Debug("Queue worker stopped by context", logfields.WorkerID(workerID))
			return
		case <-q.stopChan:
			slog.Debug("Queue worker stopped", logfields.WorkerID(workerID))
			return
		default:
		}

		job, err := q.store.ClaimNextJob(ctx, workerID)
		if err != nil {
			slog.Error("Job claim failed", logfields.WorkerID(workerID), logfields.Error(err))
			q.idle(ctx)
			continue
		}
		if job == nil {
			q.idle(ctx)
			continue
		}

		slog.Info("Job claimed",
			logfields.JobID(job.ID),
			logfields.WorkerID(workerID),
			logfields.RetryCount(job.RetryCount))

		if err := q.emitter.Emit(ctx, events.JobEvent{
			Type: events.JobStarted, JobID: job.ID, DeploymentID: job.DeploymentID,
			WorkerID: workerID, RetryCount: job.RetryCount,
		}); err != nil {
			slog.Warn("Failed to emit start event", logfields.JobID(job.ID), logfields.Error(err))
		}

		q.metrics.SetActiveWorkers(int(q.active.Add(1)))
		q.processor.Process(ctx, job)
		q.metrics.SetActiveWorkers(int(q.active.Add(-1)))
		q.updateQueueDepth(ctx)
	}
}

func (q *JobQueue) idle(ctx context.Context) {
	timer := time.NewTimer(q.opts.IdlePollInterval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-q.stopChan:
	case <-q.wake:
	case <-timer.C:
	}
}

// sweepStaleLeases requeues jobs whose worker died mid-attempt.
func (q *JobQueue) sweepStaleLeases(ctx context.Context) {
	n, err := q.store.RequeueStale(ctx, q.opts.MaxAttemptDuration)
	if err != nil {
		slog.Error("Lease sweep failed", logfields.Error(err))
		return
	}
	if n > 0 {
		slog.Warn("Recovered stale job leases", slog.Int("count", n))
		for i := 0; i < n; i++ {
			q.metrics.IncLeaseRecovered()
		}
		select {
		case q.wake <- struct{}{}:
		default:
		}
	}
}

func (q *JobQueue) updateQueueDepth(ctx context.Context) {
	if n, err := q.store.QueuedJobCount(ctx); err == nil {
		q.metrics.SetQueueDepth(n)
	}
}
