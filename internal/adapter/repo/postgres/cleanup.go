package postgres

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/rendiffdev/ffmpeg-api-sub000/internal/domain"
)

// Sweeper reclaims jobs past the retention window together with their
// delivery records and progress rings.
type Sweeper struct {
	Jobs      *JobRepo
	Webhooks  *WebhookRepo
	Bus       domain.ProgressBus
	Retention time.Duration
}

// NewSweeper constructs a Sweeper. Retention defaults to 7 days.
func NewSweeper(jobs *JobRepo, webhooks *WebhookRepo, bus domain.ProgressBus, retention time.Duration) *Sweeper {
	if retention <= 0 {
		retention = 7 * 24 * time.Hour
	}
	return &Sweeper{Jobs: jobs, Webhooks: webhooks, Bus: bus, Retention: retention}
}

// Sweep removes one batch of expired jobs and their side artifacts.
func (s *Sweeper) Sweep(ctx context.Context, now time.Time) (int64, error) {
	cutoff := now.Add(-s.Retention)

	// Side artifacts go first so a crash mid-sweep leaves the job row to
	// retry against, never an orphaned ring.
	ids, err := s.Jobs.ExpiredIDs(ctx, cutoff, 500)
	if err != nil {
		return 0, fmt.Errorf("op=sweeper.Sweep: %w", err)
	}
	for _, id := range ids {
		if s.Bus != nil {
			if err := s.Bus.Drop(ctx, id); err != nil {
				slog.Warn("sweep: dropping progress ring failed",
					slog.String("job_id", id), slog.Any("error", err))
			}
		}
		if err := s.Webhooks.DeleteForJob(ctx, id); err != nil {
			slog.Warn("sweep: deleting delivery records failed",
				slog.String("job_id", id), slog.Any("error", err))
		}
	}

	n, err := s.Jobs.SweepExpired(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("op=sweeper.Sweep: %w", err)
	}
	return n, nil
}

// RunPeriodic sweeps on a timer until ctx is cancelled.
func (s *Sweeper) RunPeriodic(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("retention sweeper stopping")
			return
		case <-ticker.C:
			n, err := s.Sweep(ctx, time.Now())
			if err != nil {
				slog.Error("retention sweep failed", slog.Any("error", err))
				continue
			}
			if n > 0 {
				slog.Info("retention sweep completed", slog.Int64("deleted_jobs", n))
			}
		}
	}
}
