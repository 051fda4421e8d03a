package webhook

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/rendiffdev/ffmpeg-api-sub000/internal/domain"
	"github.com/rendiffdev/ffmpeg-api-sub000/internal/observability"
)

// Dispatcher is the single-writer loop draining due delivery records.
// Exactly one dispatcher per deployment consumes records at a time
// (see RunElected); at-least-once delivery comes from the persisted
// next-attempt schedule.
type Dispatcher struct {
	Repo     domain.WebhookRepository
	Guard    *Guard
	Breakers *observability.BreakerSet
	Policy   domain.RetryPolicy
	Client   *http.Client
	// SecretFor resolves the per-key signing secret of a delivery's owner.
	SecretFor func(ctx context.Context, ownerID string) (string, error)

	PollInterval time.Duration
	BatchSize    int
}

// NewDispatcher applies defaults for zero-valued knobs.
func NewDispatcher(repo domain.WebhookRepository, guard *Guard, breakers *observability.BreakerSet,
	policy domain.RetryPolicy, timeout time.Duration,
	secretFor func(ctx context.Context, ownerID string) (string, error)) *Dispatcher {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Dispatcher{
		Repo:      repo,
		Guard:     guard,
		Breakers:  breakers,
		Policy:    policy,
		Client:    &http.Client{Timeout: timeout},
		SecretFor: secretFor,

		PollInterval: time.Second,
		BatchSize:    50,
	}
}

// Run drains due records until ctx is cancelled. Repo outages back off
// exponentially instead of spinning.
func (d *Dispatcher) Run(ctx context.Context) {
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 0

	ticker := time.NewTicker(d.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("webhook dispatcher stopping")
			return
		case <-ticker.C:
		}

		due, err := d.Repo.Due(ctx, time.Now(), d.BatchSize)
		if err != nil {
			wait := bo.NextBackOff()
			slog.Error("webhook due query failed",
				slog.Any("error", err), slog.Duration("backoff", wait))
			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}
			continue
		}
		bo.Reset()

		for _, rec := range due {
			d.deliver(ctx, rec)
			if ctx.Err() != nil {
				return
			}
		}
	}
}

// leaderResource is the lock name serializing dispatchers across
// worker replicas.
const leaderResource = "webhook-dispatcher"

// RunElected runs the drain loop behind a leadership lock so only one
// replica consumes delivery records at a time. Non-leaders retry the
// lock; the leader renews at a third of the TTL and steps down when a
// renewal fails.
func (d *Dispatcher) RunElected(ctx context.Context, locker domain.Locker, ttl time.Duration) {
	for ctx.Err() == nil {
		lease, err := locker.Acquire(ctx, leaderResource, ttl)
		if err != nil {
			select {
			case <-ctx.Done():
				return
			case <-time.After(ttl / 2):
			}
			continue
		}
		d.runAsLeader(ctx, locker, lease, ttl)
	}
}

func (d *Dispatcher) runAsLeader(ctx context.Context, locker domain.Locker, lease domain.LockLease, ttl time.Duration) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		d.Run(runCtx)
	}()

	ticker := time.NewTicker(ttl / 3)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			_ = locker.Release(context.Background(), lease)
			return
		case <-ticker.C:
			if err := locker.Renew(runCtx, lease, ttl); err != nil {
				slog.Warn("webhook dispatcher leadership lost", slog.Any("error", err))
				cancel()
				<-done
				return
			}
		}
	}
}

// deliver attempts one record and persists the outcome.
func (d *Dispatcher) deliver(ctx context.Context, rec domain.WebhookDelivery) {
	attempt := rec.Attempts + 1

	status, err := d.post(ctx, rec)
	if err == nil && status >= 200 && status < 300 {
		observability.WebhookDeliveriesTotal.WithLabelValues("delivered").Inc()
		if merr := d.Repo.MarkDelivered(ctx, rec.ID, status); merr != nil {
			slog.Error("webhook mark delivered failed",
				slog.String("delivery_id", rec.ID), slog.Any("error", merr))
		}
		return
	}

	// Guard rejections never retry: the target became forbidden after
	// admission (DNS rebind) and will stay forbidden.
	if ErrForbidden(err) {
		observability.WebhookDeliveriesTotal.WithLabelValues("forbidden").Inc()
		slog.Warn("webhook target rejected at send time",
			slog.String("delivery_id", rec.ID), slog.String("job_id", rec.JobID))
		_ = d.Repo.MarkDead(ctx, rec.ID, status)
		return
	}

	if d.Policy.Exhausted(attempt) {
		observability.WebhookDeliveriesTotal.WithLabelValues("dead").Inc()
		slog.Warn("webhook delivery dead-lettered",
			slog.String("delivery_id", rec.ID),
			slog.String("job_id", rec.JobID),
			slog.Int("attempts", attempt),
			slog.Int("last_status", status))
		if merr := d.Repo.MarkDead(ctx, rec.ID, status); merr != nil {
			slog.Error("webhook mark dead failed",
				slog.String("delivery_id", rec.ID), slog.Any("error", merr))
		}
		return
	}

	observability.WebhookDeliveriesTotal.WithLabelValues("retry").Inc()
	next := time.Now().Add(d.Policy.Delay(attempt))
	if merr := d.Repo.Reschedule(ctx, rec.ID, status, next); merr != nil {
		slog.Error("webhook reschedule failed",
			slog.String("delivery_id", rec.ID), slog.Any("error", merr))
	}
}

// post performs the HTTP attempt under the target host's breaker.
func (d *Dispatcher) post(ctx context.Context, rec domain.WebhookDelivery) (int, error) {
	// Re-validate at send time; admission-time DNS answers may have
	// changed under us.
	if err := d.Guard.Validate(ctx, rec.URL); err != nil {
		return 0, err
	}

	host := hostOf(rec.URL)
	var status int
	err := d.Breakers.For(host).Do(func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, rec.URL, bytes.NewReader(rec.Payload))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Job-Id", rec.JobID)
		req.Header.Set("X-Event", string(rec.Event))
		if d.SecretFor != nil {
			if secret, serr := d.SecretFor(ctx, rec.OwnerID); serr == nil && secret != "" {
				req.Header.Set(SignatureHeader, Sign(secret, rec.Payload))
			}
		}

		resp, err := d.Client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		status = resp.StatusCode
		if status < 200 || status >= 300 {
			return fmt.Errorf("op=webhook.post: status %d", status)
		}
		return nil
	})
	return status, err
}

func hostOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	return u.Hostname()
}
