// Mech is a multi-tenant job queueing and dispatch service.
// Copyright (C) 2025 Mech Authors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package dispatch runs the job lifecycle: submit, reserve, process with a
// lease heartbeat, retry with backoff, and stalled-job recovery. Worker
// pools are per queue; the broker holds queue position while the store
// holds the job document.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"mech/internal/broker"
	"mech/internal/metrics"
	"mech/internal/store"
	"mech/pkg/mech"
)

// ErrNoProcessor is returned when a queue has no registered processor.
var ErrNoProcessor = errors.New("no processor registered")

// ProgressFn reports processing progress as a 0-100 percentage.
type ProgressFn func(ctx context.Context, percent int) error

// Processor handles one job attempt. A nil error completes the job with
// the returned result; an error triggers retry or terminal failure.
type Processor func(ctx context.Context, job *mech.Job, progress ProgressFn) (json.RawMessage, error)

// Broker is the queue-mechanics surface the dispatcher needs.
type Broker interface {
	Push(ctx context.Context, queue, jobID string, payload []byte, priority int, delayUntil time.Time) error
	Reserve(ctx context.Context, queue string, visibility time.Duration) (string, []byte, error)
	Ack(ctx context.Context, queue, jobID string) error
	Nack(ctx context.Context, queue, jobID string, requeueAfter time.Duration) error
	Remove(ctx context.Context, queue, jobID string) (bool, error)
	ScanDelayed(ctx context.Context, queue string, now time.Time) (int64, error)
	ExpiredActive(ctx context.Context, queue string, now time.Time, limit int64) ([]string, error)
	ClaimExpired(ctx context.Context, queue, jobID string) (bool, error)
	Requeue(ctx context.Context, queue, jobID string) error
	ExtendLease(ctx context.Context, queue, jobID string, until time.Time) (bool, error)
	Counts(ctx context.Context, queue string) (map[string]int64, error)
}

// Store is the persistence surface the dispatcher needs.
type Store interface {
	InsertJob(ctx context.Context, j *mech.Job) error
	GetJob(ctx context.Context, queueName, id string) (*mech.Job, error)
	MarkJobActive(ctx context.Context, id string, attempt int, startedAt time.Time) error
	UpdateJobProgress(ctx context.Context, id string, progress int) error
	MarkJobCompleted(ctx context.Context, id string, result json.RawMessage, at time.Time) error
	MarkJobFailed(ctx context.Context, id string, jobErr *mech.JobError, at time.Time) error
	MarkJobRetrying(ctx context.Context, id string, jobErr *mech.JobError) error
	SetJobStatus(ctx context.Context, id string, status mech.JobStatus) error
	DeleteJob(ctx context.Context, queueName, id string) error
	CleanJobs(ctx context.Context, queueName string, status mech.JobStatus, grace time.Duration, limit int) ([]string, error)
	ApplyRemovalPolicy(ctx context.Context, queueName string, status mech.JobStatus, policy mech.RemovalPolicy) ([]string, error)
	AppendJobEvent(ctx context.Context, ev *mech.JobEvent) error
}

// QueueConfig resolves queue existence and effective options.
type QueueConfig interface {
	Ensure(ctx context.Context, name string) (*mech.Queue, error)
	EffectiveOptions(ctx context.Context, name string, opts mech.JobOptions) (mech.JobOptions, error)
}

// Publisher emits lifecycle events.
type Publisher interface {
	Publish(ev mech.Event)
}

// Options tune the dispatcher's loops.
type Options struct {
	// Visibility is the default processing timeout used to size leases. A
	// job's lease is twice the larger of this and its own timeout; expired
	// leases mark the job stalled.
	Visibility time.Duration
	// PollInterval is the idle wait between reserve attempts.
	PollInterval time.Duration
	// DelayedInterval is how often due delayed jobs are promoted.
	DelayedInterval time.Duration
	// StalledInterval is how often expired leases are swept.
	StalledInterval time.Duration
}

func (o *Options) withDefaults() {
	if o.Visibility <= 0 {
		o.Visibility = 30 * time.Second
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 250 * time.Millisecond
	}
	if o.DelayedInterval <= 0 {
		o.DelayedInterval = time.Second
	}
	if o.StalledInterval <= 0 {
		o.StalledInterval = 15 * time.Second
	}
}

type pool struct {
	queue       string
	proc        Processor
	concurrency int
}

// Dispatcher owns submission and the per-queue worker pools.
type Dispatcher struct {
	broker Broker
	store  Store
	queues QueueConfig
	pub    Publisher
	log    *slog.Logger
	opts   Options

	mu       sync.Mutex
	pools    map[string]*pool
	limiters map[string]*slidingLimiter
}

// New constructs a Dispatcher.
func New(br Broker, st Store, queues QueueConfig, pub Publisher, log *slog.Logger, opts Options) *Dispatcher {
	opts.withDefaults()
	return &Dispatcher{
		broker:   br,
		store:    st,
		queues:   queues,
		pub:      pub,
		log:      log,
		opts:     opts,
		pools:    make(map[string]*pool),
		limiters: make(map[string]*slidingLimiter),
	}
}

// RegisterProcessor attaches a processor pool to a queue. Must be called
// before Run.
func (d *Dispatcher) RegisterProcessor(queueName string, concurrency int, proc Processor) {
	if concurrency <= 0 {
		concurrency = 1
	}
	d.mu.Lock()
	d.pools[queueName] = &pool{queue: queueName, proc: proc, concurrency: concurrency}
	d.mu.Unlock()
}

// Submit validates, persists, and enqueues a new job, returning the stored
// document.
func (d *Dispatcher) Submit(ctx context.Context, queueName, applicationID string, data json.RawMessage, opts mech.JobOptions) (*mech.Job, error) {
	effective, err := d.queues.EffectiveOptions(ctx, queueName, opts)
	if err != nil {
		return nil, err
	}

	job := mech.NewJob(queueName, applicationID, data, effective)
	job.ID = uuid.NewString()

	if err := d.store.InsertJob(ctx, &job); err != nil {
		return nil, fmt.Errorf("persist job: %w", err)
	}

	var delayUntil time.Time
	if effective.DelayUntil != nil {
		delayUntil = *effective.DelayUntil
	}
	if err := d.broker.Push(ctx, queueName, job.ID, data, effective.Priority, delayUntil); err != nil {
		// Keep the document; the stalled sweep cannot see it, so surface the
		// enqueue failure to the caller.
		return nil, fmt.Errorf("enqueue job: %w", err)
	}

	metrics.JobsSubmitted.WithLabelValues(queueName).Inc()
	d.appendEvent(ctx, job.ID, mech.EventLevelInfo, "job submitted", nil)
	d.pub.Publish(mech.Event{
		Name:          mech.EventJobCreated,
		Timestamp:     time.Now().UTC(),
		ApplicationID: applicationID,
		QueueName:     queueName,
		JobID:         job.ID,
		JobStatus:     job.Status,
	})
	d.log.Info("job submitted", "queue", queueName, "jobId", job.ID, "status", job.Status)
	return &job, nil
}

// Cancel removes a waiting, delayed, or paused job outright. Cancelling an
// active job is best effort: queue-side state is dropped so the lease
// lapses without a requeue, and the in-flight attempt is abandoned once
// its heartbeat loses the lease. Cancelling a terminal job is a no-op and
// leaves the record intact.
func (d *Dispatcher) Cancel(ctx context.Context, queueName, jobID string) error {
	job, err := d.store.GetJob(ctx, queueName, jobID)
	if err != nil {
		return err
	}
	switch {
	case job.Status.IsTerminal():
		return nil
	case job.Status == mech.JobStatusActive:
		if _, err := d.broker.ClaimExpired(ctx, queueName, jobID); err != nil {
			return err
		}
		if _, err := d.broker.Remove(ctx, queueName, jobID); err != nil {
			return err
		}
		return d.store.DeleteJob(ctx, queueName, jobID)
	default:
		if _, err := d.broker.Remove(ctx, queueName, jobID); err != nil {
			return err
		}
		return d.store.DeleteJob(ctx, queueName, jobID)
	}
}

// Clean bulk-removes terminal jobs older than grace.
func (d *Dispatcher) Clean(ctx context.Context, queueName string, status mech.JobStatus, grace time.Duration, limit int) (int, error) {
	if !status.IsTerminal() {
		return 0, fmt.Errorf("clean targets terminal statuses, got %q", status)
	}
	ids, err := d.store.CleanJobs(ctx, queueName, status, grace, limit)
	if err != nil {
		return 0, err
	}
	return len(ids), nil
}

// Run starts every registered worker pool plus per-queue housekeeping and
// blocks until ctx is cancelled and in-flight jobs have finished.
func (d *Dispatcher) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	d.mu.Lock()
	pools := make([]*pool, 0, len(d.pools))
	for _, p := range d.pools {
		pools = append(pools, p)
	}
	d.mu.Unlock()

	for _, p := range pools {
		p := p
		if _, err := d.queues.Ensure(ctx, p.queue); err != nil {
			return err
		}
		for i := 0; i < p.concurrency; i++ {
			g.Go(func() error {
				d.workerLoop(ctx, p)
				return nil
			})
		}
		g.Go(func() error {
			d.housekeepingLoop(ctx, p.queue)
			return nil
		})
	}

	return g.Wait()
}

func (d *Dispatcher) workerLoop(ctx context.Context, p *pool) {
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 0

	for {
		if ctx.Err() != nil {
			return
		}

		lim := d.limiter(ctx, p.queue)
		if lim != nil {
			ok, wait := lim.Peek(time.Now())
			if !ok {
				metrics.RateLimited.WithLabelValues(p.queue).Inc()
				sleepCtx(ctx, minDuration(wait, d.opts.PollInterval*4))
				continue
			}
		}

		// The initial lease only needs to cover loading the document; it is
		// widened from the job's own timeout once the options are known.
		jobID, _, err := d.broker.Reserve(ctx, p.queue, 2*d.opts.Visibility)
		switch {
		case errors.Is(err, broker.ErrNoJob), errors.Is(err, broker.ErrPaused):
			sleepCtx(ctx, d.opts.PollInterval)
			continue
		case err != nil:
			if ctx.Err() != nil {
				return
			}
			d.log.Error("reserve failed", "queue", p.queue, "error", err)
			sleepCtx(ctx, bo.NextBackOff())
			continue
		}
		bo.Reset()
		if lim != nil {
			lim.Record(time.Now())
		}

		d.process(ctx, p, jobID)
	}
}

// process runs one attempt. The job context survives dispatcher shutdown so
// in-flight work drains instead of aborting mid-attempt.
func (d *Dispatcher) process(ctx context.Context, p *pool, jobID string) {
	base := context.WithoutCancel(ctx)

	job, err := d.store.GetJob(base, p.queue, jobID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			// Broker entry without a document; drop the orphan.
			_ = d.broker.Ack(base, p.queue, jobID)
			return
		}
		d.log.Error("load job failed", "queue", p.queue, "jobId", jobID, "error", err)
		_ = d.broker.Nack(base, p.queue, jobID, d.opts.PollInterval)
		return
	}

	attempt := job.AttemptNumber + 1
	started := time.Now()
	if err := d.store.MarkJobActive(base, jobID, attempt, started); err != nil {
		d.log.Error("mark active failed", "jobId", jobID, "error", err)
		_ = d.broker.Nack(base, p.queue, jobID, d.opts.PollInterval)
		return
	}
	job.Status = mech.JobStatusActive
	job.AttemptNumber = attempt

	d.appendEvent(base, jobID, mech.EventLevelInfo, fmt.Sprintf("attempt %d started", attempt), nil)
	d.pub.Publish(mech.Event{
		Name:          mech.EventJobStarted,
		Timestamp:     started.UTC(),
		ApplicationID: job.ApplicationID,
		QueueName:     p.queue,
		JobID:         jobID,
		JobStatus:     mech.JobStatusActive,
		Attempt:       attempt,
	})

	vis := d.visibilityFor(job.Options)
	if _, err := d.broker.ExtendLease(base, p.queue, jobID, started.Add(vis)); err != nil {
		d.log.Warn("lease widen failed", "jobId", jobID, "error", err)
	}

	jobCtx := base
	var cancel context.CancelFunc
	if job.Options.TimeoutMs > 0 {
		jobCtx, cancel = context.WithTimeout(base, time.Duration(job.Options.TimeoutMs)*time.Millisecond)
	} else {
		jobCtx, cancel = context.WithCancel(base)
	}
	defer cancel()

	var leaseLost atomic.Bool
	stopHeartbeat := d.startHeartbeat(base, jobCtx, p.queue, jobID, vis, func() {
		leaseLost.Store(true)
		cancel()
	})
	result, procErr := p.proc(jobCtx, job, d.progressFn(p.queue, job))
	stopHeartbeat()

	if procErr != nil && leaseLost.Load() {
		// Ownership moved: the stalled sweep reclaimed the job or a cancel
		// removed it. Whichever path took it owns the document now.
		d.log.Warn("attempt abandoned after lease loss",
			"queue", p.queue, "jobId", jobID, "attempt", attempt)
		return
	}
	if procErr == nil {
		d.complete(base, p.queue, job, result, time.Since(started))
		return
	}
	d.fail(base, p.queue, job, attempt, procErr, jobCtx)
}

// visibilityFor sizes the processing lease from the job's effective
// timeout: twice the larger of the timeout and the configured default, so
// a healthy attempt never outlives its lease.
func (d *Dispatcher) visibilityFor(opts mech.JobOptions) time.Duration {
	vis := d.opts.Visibility
	if t := time.Duration(opts.TimeoutMs) * time.Millisecond; t > vis {
		vis = t
	}
	return 2 * vis
}

func (d *Dispatcher) complete(ctx context.Context, queue string, job *mech.Job, result json.RawMessage, took time.Duration) {
	now := time.Now()
	if err := d.broker.Ack(ctx, queue, job.ID); err != nil {
		d.log.Error("ack failed", "jobId", job.ID, "error", err)
	}
	if err := d.store.MarkJobCompleted(ctx, job.ID, result, now); err != nil {
		d.log.Error("mark completed failed", "jobId", job.ID, "error", err)
		return
	}

	metrics.JobsCompleted.WithLabelValues(queue).Inc()
	metrics.JobDuration.WithLabelValues(queue).Observe(took.Seconds())
	d.appendEvent(ctx, job.ID, mech.EventLevelInfo, "completed", nil)
	d.pub.Publish(mech.Event{
		Name:          mech.EventJobCompleted,
		Timestamp:     now.UTC(),
		ApplicationID: job.ApplicationID,
		QueueName:     queue,
		JobID:         job.ID,
		JobStatus:     mech.JobStatusCompleted,
		Attempt:       job.AttemptNumber,
		Data:          result,
	})
	d.log.Info("job completed", "queue", queue, "jobId", job.ID, "took", took)

	if job.Options.RemoveOnComplete != nil {
		if _, err := d.store.ApplyRemovalPolicy(ctx, queue, mech.JobStatusCompleted, *job.Options.RemoveOnComplete); err != nil {
			d.log.Error("removal policy failed", "queue", queue, "error", err)
		}
	}
}

func (d *Dispatcher) fail(ctx context.Context, queue string, job *mech.Job, attempt int, procErr error, jobCtx context.Context) {
	jobErr := &mech.JobError{Message: procErr.Error()}
	if errors.Is(procErr, context.DeadlineExceeded) || errors.Is(jobCtx.Err(), context.DeadlineExceeded) {
		jobErr.Kind = "timeout"
	}

	attempts := job.Options.Attempts
	if attempts <= 0 {
		attempts = 1
	}

	if attempt < attempts {
		delay := ComputeBackoff(job.Options.Backoff, attempt)
		if err := d.broker.Nack(ctx, queue, job.ID, delay); err != nil {
			d.log.Error("nack failed", "jobId", job.ID, "error", err)
		}
		if err := d.store.MarkJobRetrying(ctx, job.ID, jobErr); err != nil {
			d.log.Error("mark retrying failed", "jobId", job.ID, "error", err)
		}
		if delay <= 0 {
			_ = d.store.SetJobStatus(ctx, job.ID, mech.JobStatusWaiting)
		}

		metrics.JobsRetried.WithLabelValues(queue).Inc()
		d.appendEvent(ctx, job.ID, mech.EventLevelWarn,
			fmt.Sprintf("attempt %d failed, retrying in %s: %s", attempt, delay.Round(time.Millisecond), jobErr.Message), nil)
		d.pub.Publish(mech.Event{
			Name:          mech.EventJobRetrying,
			Timestamp:     time.Now().UTC(),
			ApplicationID: job.ApplicationID,
			QueueName:     queue,
			JobID:         job.ID,
			JobStatus:     mech.JobStatusDelayed,
			Attempt:       attempt,
		})
		d.log.Warn("job retrying", "queue", queue, "jobId", job.ID, "attempt", attempt, "delay", delay)
		return
	}

	now := time.Now()
	if err := d.broker.Ack(ctx, queue, job.ID); err != nil {
		d.log.Error("ack failed", "jobId", job.ID, "error", err)
	}
	if err := d.store.MarkJobFailed(ctx, job.ID, jobErr, now); err != nil {
		d.log.Error("mark failed failed", "jobId", job.ID, "error", err)
	}

	metrics.JobsFailed.WithLabelValues(queue).Inc()
	d.appendEvent(ctx, job.ID, mech.EventLevelError,
		fmt.Sprintf("failed after %d attempts: %s", attempt, jobErr.Message), nil)
	d.pub.Publish(mech.Event{
		Name:          mech.EventJobFailed,
		Timestamp:     now.UTC(),
		ApplicationID: job.ApplicationID,
		QueueName:     queue,
		JobID:         job.ID,
		JobStatus:     mech.JobStatusFailed,
		Attempt:       attempt,
	})
	d.log.Error("job failed", "queue", queue, "jobId", job.ID, "attempts", attempt, "error", jobErr.Message)

	if job.Options.RemoveOnFail != nil {
		if _, err := d.store.ApplyRemovalPolicy(ctx, queue, mech.JobStatusFailed, *job.Options.RemoveOnFail); err != nil {
			d.log.Error("removal policy failed", "queue", queue, "error", err)
		}
	}
}

// startHeartbeat extends the job lease while the attempt runs. Extension
// stops once the job context is done, so a processor stuck past its
// timeout loses the lease and the stalled sweep can reclaim the job. If
// the lease is lost first (stolen after a partition, or cancelled), onLost
// aborts the attempt.
func (d *Dispatcher) startHeartbeat(ctx, jobCtx context.Context, queue, jobID string, vis time.Duration, onLost func()) (stop func()) {
	hbCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	interval := d.opts.Visibility / 3
	if interval < 100*time.Millisecond {
		interval = 100 * time.Millisecond
	}

	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-hbCtx.Done():
				return
			case <-ticker.C:
				if jobCtx.Err() != nil {
					return
				}
				ok, err := d.broker.ExtendLease(hbCtx, queue, jobID, time.Now().Add(vis))
				if err != nil {
					d.log.Warn("lease extend failed", "jobId", jobID, "error", err)
					continue
				}
				if !ok {
					d.log.Warn("lease lost, aborting attempt", "queue", queue, "jobId", jobID)
					onLost()
					return
				}
			}
		}
	}()

	return func() {
		cancel()
		<-done
	}
}

func (d *Dispatcher) progressFn(queue string, job *mech.Job) ProgressFn {
	return func(ctx context.Context, percent int) error {
		if percent < 0 {
			percent = 0
		}
		if percent > 100 {
			percent = 100
		}
		if err := d.store.UpdateJobProgress(ctx, job.ID, percent); err != nil {
			return err
		}
		d.pub.Publish(mech.Event{
			Name:          mech.EventJobProgress,
			Timestamp:     time.Now().UTC(),
			ApplicationID: job.ApplicationID,
			QueueName:     queue,
			JobID:         job.ID,
			JobStatus:     mech.JobStatusActive,
			Attempt:       job.AttemptNumber,
			Data:          json.RawMessage(fmt.Sprintf(`{"progress":%d}`, percent)),
		})
		return nil
	}
}

// housekeepingLoop promotes due delayed jobs, sweeps expired leases, and
// refreshes depth gauges for one queue.
func (d *Dispatcher) housekeepingLoop(ctx context.Context, queue string) {
	delayed := time.NewTicker(d.opts.DelayedInterval)
	stalled := time.NewTicker(d.opts.StalledInterval)
	defer delayed.Stop()
	defer stalled.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-delayed.C:
			if _, err := d.broker.ScanDelayed(ctx, queue, time.Now()); err != nil && ctx.Err() == nil {
				d.log.Error("delayed scan failed", "queue", queue, "error", err)
			}
		case <-stalled.C:
			d.sweepStalled(ctx, queue)
			d.updateDepth(ctx, queue)
		}
	}
}

// sweepStalled handles jobs whose lease expired without an ack. The claim
// is atomic, so with several dispatcher replicas exactly one sweeps each
// job. A job with retry budget left is requeued; the attempt number is not
// advanced here, the next start counts it. A job that stalled on its final
// attempt is failed terminally instead.
func (d *Dispatcher) sweepStalled(ctx context.Context, queue string) {
	ids, err := d.broker.ExpiredActive(ctx, queue, time.Now(), 100)
	if err != nil {
		if ctx.Err() == nil {
			d.log.Error("stalled scan failed", "queue", queue, "error", err)
		}
		return
	}
	for _, id := range ids {
		ok, err := d.broker.ClaimExpired(ctx, queue, id)
		if err != nil || !ok {
			continue
		}

		job, err := d.store.GetJob(ctx, queue, id)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				// Claimed entry without a document (cancelled mid-flight);
				// drop the leftover payload.
				_, _ = d.broker.Remove(ctx, queue, id)
				continue
			}
			d.log.Error("stalled load failed", "queue", queue, "jobId", id, "error", err)
			_ = d.broker.Requeue(ctx, queue, id)
			continue
		}
		attempts := job.Options.Attempts
		if attempts <= 0 {
			attempts = 1
		}
		if job.AttemptNumber >= attempts {
			d.failStalled(ctx, queue, job)
			continue
		}

		if err := d.broker.Requeue(ctx, queue, id); err != nil {
			d.log.Error("stalled requeue failed", "queue", queue, "jobId", id, "error", err)
			continue
		}
		if err := d.store.SetJobStatus(ctx, id, mech.JobStatusWaiting); err != nil && !errors.Is(err, store.ErrNotFound) {
			d.log.Error("stalled status reset failed", "jobId", id, "error", err)
		}

		metrics.JobsStalled.WithLabelValues(queue).Inc()
		d.appendEvent(ctx, id, mech.EventLevelWarn, "lease expired, requeued", nil)
		d.pub.Publish(mech.Event{
			Name:      mech.EventJobStalled,
			Timestamp: time.Now().UTC(),
			QueueName: queue,
			JobID:     id,
			JobStatus: mech.JobStatusWaiting,
		})
		d.log.Warn("stalled job requeued", "queue", queue, "jobId", id)
	}
}

// failStalled terminally fails a job whose lease expired with no retry
// budget left, so the recorded attempt count never exceeds the configured
// attempts.
func (d *Dispatcher) failStalled(ctx context.Context, queue string, job *mech.Job) {
	now := time.Now()
	if _, err := d.broker.Remove(ctx, queue, job.ID); err != nil {
		d.log.Error("stalled cleanup failed", "jobId", job.ID, "error", err)
	}

	jobErr := &mech.JobError{
		Message: fmt.Sprintf("lease expired on attempt %d", job.AttemptNumber),
		Kind:    "stalled",
	}
	if err := d.store.MarkJobFailed(ctx, job.ID, jobErr, now); err != nil {
		d.log.Error("mark failed failed", "jobId", job.ID, "error", err)
	}

	metrics.JobsFailed.WithLabelValues(queue).Inc()
	d.appendEvent(ctx, job.ID, mech.EventLevelError,
		fmt.Sprintf("lease expired on final attempt %d, failing", job.AttemptNumber), nil)
	d.pub.Publish(mech.Event{
		Name:          mech.EventJobFailed,
		Timestamp:     now.UTC(),
		ApplicationID: job.ApplicationID,
		QueueName:     queue,
		JobID:         job.ID,
		JobStatus:     mech.JobStatusFailed,
		Attempt:       job.AttemptNumber,
	})
	d.log.Error("stalled job failed", "queue", queue, "jobId", job.ID, "attempts", job.AttemptNumber)

	if job.Options.RemoveOnFail != nil {
		if _, err := d.store.ApplyRemovalPolicy(ctx, queue, mech.JobStatusFailed, *job.Options.RemoveOnFail); err != nil {
			d.log.Error("removal policy failed", "queue", queue, "error", err)
		}
	}
}

func (d *Dispatcher) updateDepth(ctx context.Context, queue string) {
	counts, err := d.broker.Counts(ctx, queue)
	if err != nil {
		return
	}
	for state, n := range counts {
		metrics.QueueDepth.WithLabelValues(queue, state).Set(float64(n))
	}
}

// limiter returns the queue's reservation limiter, if one is configured.
func (d *Dispatcher) limiter(ctx context.Context, queue string) *slidingLimiter {
	d.mu.Lock()
	if lim, ok := d.limiters[queue]; ok {
		d.mu.Unlock()
		return lim
	}
	d.mu.Unlock()

	q, err := d.queues.Ensure(ctx, queue)
	if err != nil || q.RateLimit == nil || q.RateLimit.Max <= 0 || q.RateLimit.WindowMs <= 0 {
		return nil
	}
	lim := newSlidingLimiter(*q.RateLimit)
	d.mu.Lock()
	d.limiters[queue] = lim
	d.mu.Unlock()
	return lim
}

func (d *Dispatcher) appendEvent(ctx context.Context, jobID string, level mech.EventLevel, msg string, step *string) {
	ev := &mech.JobEvent{JobID: jobID, Time: time.Now().UTC(), Level: level, Message: msg, Step: step}
	if err := d.store.AppendJobEvent(ctx, ev); err != nil {
		d.log.Warn("append job event failed", "jobId", jobID, "error", err)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
