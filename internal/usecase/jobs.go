package usecase

import (
	"context"
	"log/slog"
	"time"

	"github.com/rendiffdev/ffmpeg-api-sub000/internal/adapter/webhook"
	"github.com/rendiffdev/ffmpeg-api-sub000/internal/domain"
)

// JobService answers queries and cancellations for existing jobs.
type JobService struct {
	Jobs     domain.JobRepository
	Bus      domain.ProgressBus
	Webhooks domain.WebhookRepository
}

// NewJobService constructs a JobService.
func NewJobService(jobs domain.JobRepository, bus domain.ProgressBus, wh domain.WebhookRepository) JobService {
	return JobService{Jobs: jobs, Bus: bus, Webhooks: wh}
}

// Get loads one job scoped to the owner. Another owner's job reads as
// absent, never as forbidden, so ids cannot be probed.
func (s JobService) Get(ctx context.Context, owner, id string) (domain.Job, error) {
	j, err := s.Jobs.Get(ctx, id)
	if err != nil {
		return domain.Job{}, err
	}
	if j.OwnerID != owner {
		return domain.Job{}, domain.Codef(domain.CodeNotFound, domain.ErrNotFound,
			"op=jobs.get id=%s", id)
	}
	return j, nil
}

// List returns one page of the owner's jobs and the total match count.
func (s JobService) List(ctx context.Context, f domain.ListFilter) ([]domain.Job, int64, error) {
	if f.Status != "" {
		switch f.Status {
		case domain.JobQueued, domain.JobProcessing, domain.JobCompleted,
			domain.JobFailed, domain.JobCancelled:
		default:
			return nil, 0, domain.Codef(domain.CodeInvalidInput, domain.ErrInvalidArgument,
				"op=jobs.list: status %q", f.Status)
		}
	}
	return s.Jobs.List(ctx, f)
}

// Stats returns the owner's grouped per-status counts.
func (s JobService) Stats(ctx context.Context, owner string) (domain.JobStats, error) {
	return s.Jobs.Stats(ctx, owner)
}

// Cancel cancels the owner's job. A queued job cancels synchronously; a
// processing job gets the cooperative flag and the worker finishes the
// transition. A second DELETE of a cancelled job is a no-op returning the
// same record; completed and failed jobs refuse with a conflict.
func (s JobService) Cancel(ctx context.Context, owner, id string) (domain.Job, error) {
	j, err := s.Get(ctx, owner, id)
	if err != nil {
		return domain.Job{}, err
	}
	if j.Status == domain.JobCancelled {
		return j, nil
	}
	if j.Status.IsTerminal() {
		return j, domain.Codef(domain.CodeConflict, domain.ErrConflict,
			"op=jobs.cancel id=%s: already %s", id, j.Status)
	}

	done, err := s.Jobs.CancelIfPending(ctx, id)
	if err != nil {
		return domain.Job{}, err
	}
	if done {
		cancelled, err := s.Jobs.Get(ctx, id)
		if err != nil {
			return domain.Job{}, err
		}
		s.announceCancelled(ctx, cancelled)
		return cancelled, nil
	}

	// Raced into processing (or already was): cooperative path.
	if err := s.Jobs.RequestCancel(ctx, id); err != nil {
		return domain.Job{}, err
	}
	return s.Jobs.Get(ctx, id)
}

// announceCancelled publishes the terminal event and enqueues the
// webhook for a synchronously cancelled job. Best effort: the store is
// already authoritative.
func (s JobService) announceCancelled(ctx context.Context, j domain.Job) {
	if s.Bus != nil {
		seq, err := s.Bus.NextSeq(ctx, j.ID)
		if err == nil {
			err = s.Bus.Publish(ctx, domain.ProgressEvent{
				JobID:     j.ID,
				Seq:       seq,
				Timestamp: time.Now().UTC(),
				Progress:  j.Progress,
				Stage:     "cancelled",
				Terminal:  true,
				Status:    domain.JobCancelled,
			})
		}
		if err != nil {
			slog.Warn("cancel event publish failed",
				slog.String("job_id", j.ID), slog.Any("error", err))
		}
	}
	if s.Webhooks != nil && j.WebhookURL != "" {
		d, err := webhook.NewDelivery(j, domain.WebhookEventCancelled)
		if err == nil {
			_, err = s.Webhooks.Enqueue(ctx, d)
		}
		if err != nil {
			slog.Warn("cancel webhook enqueue failed",
				slog.String("job_id", j.ID), slog.Any("error", err))
		}
	}
}
