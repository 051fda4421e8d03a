package worker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/rendiffdev/ffmpeg-api-sub000/internal/adapter/storage"
	"github.com/rendiffdev/ffmpeg-api-sub000/internal/adapter/webhook"
	"github.com/rendiffdev/ffmpeg-api-sub000/internal/domain"
	"github.com/rendiffdev/ffmpeg-api-sub000/internal/observability"
)

// Runtime drives one worker process: it leases tasks, guards each with
// the per-job lock, executes, and owns the terminal transition. Several
// Run loops may share one Runtime; the lock keeps them disjoint per job.
type Runtime struct {
	ID       string
	Jobs     domain.JobRepository
	Queue    domain.TaskQueue
	Locker   domain.Locker
	Bus      domain.ProgressBus
	Webhooks domain.WebhookRepository
	Store    *storage.Resolver
	Trans    Transcoder

	Visibility time.Duration
	LockTTL    time.Duration
	Poll       time.Duration
	Debounce   time.Duration
	TempDir    string
	Retry      domain.RetryPolicy

	// busyBackoff is the nack delay when another worker holds the lock.
	busyBackoff time.Duration
}

// NewRuntime wires a Runtime with defaults for zero-valued knobs.
func NewRuntime(jobs domain.JobRepository, q domain.TaskQueue, l domain.Locker,
	bus domain.ProgressBus, wh domain.WebhookRepository, st *storage.Resolver,
	tr Transcoder) *Runtime {
	return &Runtime{
		ID:          uuid.NewString(),
		Jobs:        jobs,
		Queue:       q,
		Locker:      l,
		Bus:         bus,
		Webhooks:    wh,
		Store:       st,
		Trans:       tr,
		Visibility:  7 * time.Hour,
		LockTTL:     2 * time.Minute,
		Poll:        time.Second,
		Debounce:    500 * time.Millisecond,
		TempDir:     "/tmp/media-jobs",
		Retry:       domain.DefaultJobRetryPolicy(),
		busyBackoff: 2 * time.Second,
	}
}

// Run leases and processes tasks until ctx is cancelled.
func (r *Runtime) Run(ctx context.Context) {
	slog.Info("worker loop starting", slog.String("worker_id", r.ID))
	for {
		if ctx.Err() != nil {
			slog.Info("worker loop stopping", slog.String("worker_id", r.ID))
			return
		}
		task, err := r.Queue.Lease(ctx, r.ID, r.Visibility)
		if errors.Is(err, domain.ErrQueueEmpty) {
			select {
			case <-ctx.Done():
			case <-time.After(r.Poll):
			}
			continue
		}
		if err != nil {
			slog.Error("lease failed", slog.Any("error", err))
			select {
			case <-ctx.Done():
			case <-time.After(r.Poll):
			}
			continue
		}
		r.processTask(ctx, task)
	}
}

// RunReaper periodically returns expired leases for redelivery and
// refreshes the queue depth gauge.
func (r *Runtime) RunReaper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		n, err := r.Queue.ReapExpired(ctx, time.Now())
		if err != nil {
			slog.Error("lease reap failed", slog.Any("error", err))
			continue
		}
		if n > 0 {
			observability.LeasesReapedTotal.Add(float64(n))
			slog.Warn("expired leases returned", slog.Int64("count", n))
		}
		if depth, err := r.Queue.Depth(ctx); err == nil {
			observability.QueueDepth.Set(float64(depth))
		}
	}
}

// processTask handles one leased task through to ack.
func (r *Runtime) processTask(ctx context.Context, task domain.LeasedTask) {
	log := slog.With(
		slog.String("worker_id", r.ID),
		slog.String("job_id", task.JobID),
		slog.Int("attempt", task.Attempt))

	lease, err := r.Locker.Acquire(ctx, "job:"+task.JobID, r.LockTTL)
	if errors.Is(err, domain.ErrLockBusy) {
		// Another worker is live on this job; step aside briefly.
		if nerr := r.Queue.Nack(ctx, task.Token, r.busyBackoff); nerr != nil {
			log.Warn("busy nack failed", slog.Any("error", nerr))
		}
		return
	}
	if err != nil {
		log.Error("lock acquire failed", slog.Any("error", err))
		_ = r.Queue.Nack(ctx, task.Token, r.busyBackoff)
		return
	}
	defer func() {
		if rerr := r.Locker.Release(ctx, lease); rerr != nil {
			log.Warn("lock release failed", slog.Any("error", rerr))
		}
	}()

	j, err := r.Jobs.Get(ctx, task.JobID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			// Swept or never committed; drop the delivery.
			_ = r.Queue.Ack(ctx, task.Token)
			return
		}
		log.Error("job load failed", slog.Any("error", err))
		_ = r.Queue.Nack(ctx, task.Token, r.busyBackoff)
		return
	}
	if j.Status.IsTerminal() {
		// Redelivery of finished work is normal under at-least-once.
		_ = r.Queue.Ack(ctx, task.Token)
		return
	}
	j, err = r.Jobs.MarkProcessing(ctx, j.ID, r.ID, lease.Fence, time.Now().Add(r.LockTTL))
	if err != nil {
		if errors.Is(err, domain.ErrConflict) {
			_ = r.Queue.Ack(ctx, task.Token)
			return
		}
		// Stale fence: a newer holder owns the job now.
		log.Warn("mark processing refused", slog.Any("error", err))
		_ = r.Queue.Ack(ctx, task.Token)
		return
	}
	observability.JobsProcessing.Inc()
	defer observability.JobsProcessing.Dec()
	log.Info("job started", slog.Int64("fence", lease.Fence))

	// A cancel that landed while the job sat queued is honored before any
	// work starts; the fence is ours now, so the transition sticks.
	if j.CancelRequested {
		r.finish(ctx, j, lease.Fence, task.Token, domain.JobCancelled, nil)
		return
	}

	jobCtx, cancelJob := context.WithCancel(ctx)
	defer cancelJob()

	// Renew at a third of the TTL; a lost lock aborts the invocation so
	// the fenced store writes are never even attempted.
	renewDone := make(chan struct{})
	lockLost := false
	go func() {
		defer close(renewDone)
		ticker := time.NewTicker(r.LockTTL / 3)
		defer ticker.Stop()
		for {
			select {
			case <-jobCtx.Done():
				return
			case <-ticker.C:
				if err := r.Locker.Renew(ctx, lease, r.LockTTL); err != nil {
					log.Error("lock renew failed", slog.Any("error", err))
					lockLost = true
					cancelJob()
					return
				}
			}
		}
	}()

	rep := newReporter(r.Jobs, r.Bus, r.Webhooks, j, lease.Fence, 0, r.Debounce, cancelJob)
	execErr := r.execute(jobCtx, j, rep)
	cancelJob()
	<-renewDone

	r.settle(ctx, j, lease.Fence, task, rep, execErr, lockLost)
}

// settle classifies the execution outcome and drives the terminal or
// retry path.
func (r *Runtime) settle(ctx context.Context, j domain.Job, fence int64, task domain.LeasedTask, rep *reporter, execErr error, lockLost bool) {
	log := slog.With(slog.String("job_id", j.ID), slog.String("worker_id", r.ID))

	switch {
	case execErr == nil:
		r.finish(ctx, j, fence, task.Token, domain.JobCompleted, nil)

	case rep.wasCancelled():
		r.finish(ctx, j, fence, task.Token, domain.JobCancelled, nil)

	case ctx.Err() != nil:
		// Process shutdown: hand the job back untouched.
		log.Info("shutdown mid-job, requeueing")
		if err := r.Jobs.Requeue(ctx, j.ID, fence); err != nil {
			log.Warn("requeue failed", slog.Any("error", err))
		}
		// Lease stays un-acked; the visibility reaper redelivers.

	case lockLost:
		log.Warn("lock lost mid-job")
		r.retryOrFail(ctx, j, fence, task, domain.WithCode(domain.CodeLockLost, domain.ErrLockLost))

	default:
		r.retryOrFail(ctx, j, fence, task, execErr)
	}
}

// retryOrFail requeues retryable failures with exponential delay and
// fails the rest terminally.
func (r *Runtime) retryOrFail(ctx context.Context, j domain.Job, fence int64, task domain.LeasedTask, execErr error) {
	code := domain.CodeOf(execErr)
	log := slog.With(slog.String("job_id", j.ID), slog.String("code", string(code)))

	if code.Retryable() && !r.Retry.Exhausted(task.Attempt) {
		delay := r.Retry.Delay(task.Attempt)
		log.Warn("retryable failure, redelivering",
			slog.Int("attempt", task.Attempt),
			slog.Duration("delay", delay),
			slog.Any("error", execErr))
		if err := r.Jobs.Requeue(ctx, j.ID, fence); err != nil {
			log.Warn("requeue failed", slog.Any("error", err))
		}
		if err := r.Queue.Nack(ctx, task.Token, delay); err != nil {
			log.Warn("nack failed", slog.Any("error", err))
		}
		return
	}

	log.Error("job failed terminally", slog.Any("error", execErr))
	r.finish(ctx, j, fence, task.Token, domain.JobFailed, jobErrorFor(code))
}

// finish drives the terminal transition, announces it, and acks the
// lease last so a crash anywhere here ends in redelivery, which the now
// terminal store state absorbs.
func (r *Runtime) finish(ctx context.Context, j domain.Job, fence int64, token string, status domain.JobStatus, jobErr *domain.JobError) {
	log := slog.With(slog.String("job_id", j.ID), slog.String("status", string(status)))

	final, err := r.Jobs.TransitionTerminal(ctx, j.ID, fence, status, jobErr)
	if err != nil {
		log.Error("terminal transition failed", slog.Any("error", err))
		// Leave the lease to expire; a later delivery re-judges the job.
		return
	}
	observability.JobsFinishedTotal.WithLabelValues(string(status)).Inc()
	if final.StartedAt != nil && final.FinishedAt != nil {
		observability.JobDuration.Observe(final.FinishedAt.Sub(*final.StartedAt).Seconds())
	}

	r.announce(ctx, final)

	if err := r.Queue.Ack(ctx, token); err != nil {
		log.Warn("ack failed", slog.Any("error", err))
	}
	log.Info("job finished",
		slog.Int("attempt", final.Attempt),
		slog.Float64("progress", final.Progress))
}

// announce publishes the terminal progress event and enqueues the
// terminal webhook.
func (r *Runtime) announce(ctx context.Context, j domain.Job) {
	log := slog.With(slog.String("job_id", j.ID))

	seq, err := r.Bus.NextSeq(ctx, j.ID)
	if err == nil {
		err = r.Bus.Publish(ctx, domain.ProgressEvent{
			JobID:     j.ID,
			Seq:       seq,
			Timestamp: time.Now().UTC(),
			Progress:  j.Progress,
			Stage:     string(j.Status),
			Terminal:  true,
			Status:    j.Status,
			Error:     j.Error,
		})
	}
	if err != nil {
		log.Warn("terminal event publish failed", slog.Any("error", err))
	}

	if j.WebhookURL == "" {
		return
	}
	kind := domain.WebhookEventCompleted
	switch j.Status {
	case domain.JobFailed:
		kind = domain.WebhookEventFailed
	case domain.JobCancelled:
		kind = domain.WebhookEventCancelled
	}
	d, err := webhook.NewDelivery(j, kind)
	if err == nil {
		_, err = r.Webhooks.Enqueue(ctx, d)
	}
	if err != nil {
		log.Warn("webhook enqueue failed", slog.Any("error", err))
	}
}

// jobErrorFor maps a machine code to its sanitized public record.
func jobErrorFor(code domain.ErrorCode) *domain.JobError {
	switch code {
	case domain.CodeTranscoderTimeout:
		return domain.NewJobError(code, "transcoding exceeded its time limits").
			WithSuggestion("try a shorter input or a faster preset")
	case domain.CodeTranscoderInvalidMedia:
		return domain.NewJobError(code, "input could not be decoded").
			WithSuggestion("verify the file is a valid media file")
	case domain.CodeTranscoderCrash:
		return domain.NewJobError(code, "transcoding failed")
	case domain.CodeStorageConflict:
		return domain.NewJobError(code, "output already exists").
			WithSuggestion("choose a different output path")
	case domain.CodeStorageNotFound:
		return domain.NewJobError(code, "input no longer exists")
	case domain.CodeStorageUnavailable:
		return domain.NewJobError(code, "storage was unavailable")
	case domain.CodeCodecContainerMismatch:
		return domain.NewJobError(code, "codec not allowed in the target container").
			WithSuggestion("request a compatible codec or container")
	case domain.CodeLockLost:
		return domain.NewJobError(code, "execution lease was lost")
	default:
		return domain.NewJobError(code, "job failed")
	}
}
