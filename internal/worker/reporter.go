// Package worker implements the job execution runtime: lease, lock,
// transcode, progress reporting, retry classification, and the terminal
// transition with its notifications.
package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/rendiffdev/ffmpeg-api-sub000/internal/adapter/transcoder"
	"github.com/rendiffdev/ffmpeg-api-sub000/internal/adapter/webhook"
	"github.com/rendiffdev/ffmpeg-api-sub000/internal/domain"
)

// reporter debounces transcoder updates into store writes and bus
// events, and polls the cooperative cancel flag at the same cadence.
// The transcoder's update stream can tick many times per second; the
// store and bus see at most one write per debounce window.
type reporter struct {
	jobs     domain.JobRepository
	bus      domain.ProgressBus
	webhooks domain.WebhookRepository
	job      domain.Job
	jobID    string
	fence    int64
	// durationSec is the probed input duration; zero means unknown and
	// percentage holds at the last known value.
	durationSec float64
	debounce    time.Duration
	// cancel aborts the invocation when the cancel flag is observed.
	cancel context.CancelFunc

	mu          sync.Mutex
	lastSent    time.Time
	lastPct     float64
	lastHookPct float64
	cancelled   bool
}

func newReporter(jobs domain.JobRepository, bus domain.ProgressBus, wh domain.WebhookRepository,
	j domain.Job, fence int64, durationSec float64, debounce time.Duration, cancel context.CancelFunc) *reporter {
	if debounce <= 0 {
		debounce = 500 * time.Millisecond
	}
	return &reporter{
		jobs:        jobs,
		bus:         bus,
		webhooks:    wh,
		job:         j,
		jobID:       j.ID,
		fence:       fence,
		durationSec: durationSec,
		debounce:    debounce,
		cancel:      cancel,
	}
}

// onUpdate is the transcoder callback. Runs on the parse goroutine.
func (r *reporter) onUpdate(ctx context.Context, u transcoder.Update) {
	r.mu.Lock()
	if time.Since(r.lastSent) < r.debounce && !u.Done {
		r.mu.Unlock()
		return
	}
	r.lastSent = time.Now()

	pct := transcoder.Percentage(u.OutTimeMS, r.durationSec)
	if pct < 0 {
		// Unknown duration: hold the last value, stage-only updates.
		pct = r.lastPct
	}
	r.lastPct = pct
	r.mu.Unlock()

	eta := transcoder.ETA(u.OutTimeMS, r.durationSec, u.Speed)
	stage := "transcoding"
	if u.Done {
		stage = "finalizing"
	}

	if err := r.jobs.UpdateProgress(ctx, r.jobID, r.fence, pct, stage, u.FPS, eta); err != nil {
		slog.Warn("progress write refused",
			slog.String("job_id", r.jobID), slog.Any("error", err))
	}
	r.publish(ctx, pct, stage, u.FPS, eta)
	r.maybeHook(ctx, pct, stage)

	// Cancel poll rides the same debounce cadence.
	if flag, err := r.jobs.CancelRequested(ctx, r.jobID); err == nil && flag {
		r.mu.Lock()
		r.cancelled = true
		r.mu.Unlock()
		r.cancel()
	}
}

func (r *reporter) publish(ctx context.Context, pct float64, stage string, fps float64, eta int64) {
	seq, err := r.bus.NextSeq(ctx, r.jobID)
	if err != nil {
		slog.Warn("progress seq failed", slog.String("job_id", r.jobID), slog.Any("error", err))
		return
	}
	ev := domain.ProgressEvent{
		JobID:      r.jobID,
		Seq:        seq,
		Timestamp:  time.Now().UTC(),
		Progress:   pct,
		Stage:      stage,
		FPS:        fps,
		ETASeconds: eta,
	}
	if err := r.bus.Publish(ctx, ev); err != nil {
		slog.Warn("progress publish failed", slog.String("job_id", r.jobID), slog.Any("error", err))
	}
}

// maybeHook enqueues a progress webhook every ten points of advance when
// the job opted in. Terminal webhooks go through the runtime, not here.
func (r *reporter) maybeHook(ctx context.Context, pct float64, stage string) {
	if r.webhooks == nil || !r.job.ProgressWebhook || r.job.WebhookURL == "" {
		return
	}
	r.mu.Lock()
	if pct < r.lastHookPct+10 {
		r.mu.Unlock()
		return
	}
	r.lastHookPct = pct
	r.mu.Unlock()

	snapshot := r.job
	snapshot.Status = domain.JobProcessing
	snapshot.Progress = pct
	snapshot.Stage = stage
	d, err := webhook.NewDelivery(snapshot, domain.WebhookEventProgress)
	if err == nil {
		_, err = r.webhooks.Enqueue(ctx, d)
	}
	if err != nil {
		slog.Warn("progress webhook enqueue failed",
			slog.String("job_id", r.jobID), slog.Any("error", err))
	}
}

// wasCancelled reports whether the cancel flag fired during the run.
func (r *reporter) wasCancelled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cancelled
}

// stage publishes a coarse stage change outside the debounce window
// (downloading, uploading).
func (r *reporter) stage(ctx context.Context, name string) {
	r.mu.Lock()
	pct := r.lastPct
	r.mu.Unlock()
	if err := r.jobs.UpdateProgress(ctx, r.jobID, r.fence, pct, name, 0, 0); err != nil {
		slog.Warn("stage write refused",
			slog.String("job_id", r.jobID), slog.Any("error", err))
	}
	r.publish(ctx, pct, name, 0, 0)
}
