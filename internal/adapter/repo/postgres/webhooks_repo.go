package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"

	"github.com/rendiffdev/ffmpeg-api-sub000/internal/domain"
)

// WebhookRepo persists delivery records for the dispatcher.
type WebhookRepo struct{ Pool *pgxpool.Pool }

// NewWebhookRepo constructs a WebhookRepo with the given pool.
func NewWebhookRepo(p *pgxpool.Pool) *WebhookRepo { return &WebhookRepo{Pool: p} }

// Enqueue stores a new delivery record due immediately.
func (r *WebhookRepo) Enqueue(ctx context.Context, d domain.WebhookDelivery) (string, error) {
	ctx, span := otel.Tracer("repo.webhooks").Start(ctx, "webhooks.Enqueue")
	defer span.End()

	id := uuid.NewString()
	now := time.Now().UTC()
	next := d.NextAttempt
	if next.IsZero() {
		next = now
	}
	_, err := r.Pool.Exec(ctx, `
		INSERT INTO webhook_deliveries (id, job_id, owner_id, event, url,
			payload, attempts, next_attempt, terminal, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,0,$7,$8,$9,$9)`,
		id, d.JobID, d.OwnerID, string(d.Event), d.URL, d.Payload, next.UTC(),
		d.Terminal, now)
	if err != nil {
		return "", fmt.Errorf("op=webhooks.enqueue: %w", err)
	}
	return id, nil
}

// Due returns at most limit undelivered records whose next attempt is
// not after now, ordered oldest first.
func (r *WebhookRepo) Due(ctx context.Context, now time.Time, limit int) ([]domain.WebhookDelivery, error) {
	ctx, span := otel.Tracer("repo.webhooks").Start(ctx, "webhooks.Due")
	defer span.End()

	rows, err := r.Pool.Query(ctx, `
		SELECT id, job_id, owner_id, event, url, payload, attempts,
			next_attempt, last_status, terminal, dead, delivered,
			created_at, updated_at
		FROM webhook_deliveries
		WHERE NOT delivered AND NOT dead AND next_attempt <= $1
		ORDER BY next_attempt LIMIT $2`, now.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("op=webhooks.due: %w", err)
	}
	defer rows.Close()

	var out []domain.WebhookDelivery
	for rows.Next() {
		var d domain.WebhookDelivery
		var event string
		if err := rows.Scan(&d.ID, &d.JobID, &d.OwnerID, &event, &d.URL,
			&d.Payload, &d.Attempts, &d.NextAttempt, &d.LastStatus,
			&d.Terminal, &d.Dead, &d.Delivered, &d.CreatedAt, &d.UpdatedAt); err != nil {
			return nil, fmt.Errorf("op=webhooks.due: scan: %w", err)
		}
		d.Event = domain.WebhookEventKind(event)
		out = append(out, d)
	}
	return out, rows.Err()
}

// MarkDelivered finalizes a record after a 2xx response.
func (r *WebhookRepo) MarkDelivered(ctx context.Context, id string, status int) error {
	_, err := r.Pool.Exec(ctx, `
		UPDATE webhook_deliveries SET delivered=TRUE, last_status=$2,
			attempts=attempts+1, updated_at=now()
		WHERE id=$1`, id, status)
	if err != nil {
		return fmt.Errorf("op=webhooks.mark_delivered: %w", err)
	}
	return nil
}

// Reschedule records a failed attempt and when to try again.
func (r *WebhookRepo) Reschedule(ctx context.Context, id string, status int, next time.Time) error {
	_, err := r.Pool.Exec(ctx, `
		UPDATE webhook_deliveries SET attempts=attempts+1, last_status=$2,
			next_attempt=$3, updated_at=now()
		WHERE id=$1`, id, status, next.UTC())
	if err != nil {
		return fmt.Errorf("op=webhooks.reschedule: %w", err)
	}
	return nil
}

// MarkDead dead-letters a record after retry exhaustion.
func (r *WebhookRepo) MarkDead(ctx context.Context, id string, status int) error {
	_, err := r.Pool.Exec(ctx, `
		UPDATE webhook_deliveries SET dead=TRUE, attempts=attempts+1,
			last_status=$2, updated_at=now()
		WHERE id=$1`, id, status)
	if err != nil {
		return fmt.Errorf("op=webhooks.mark_dead: %w", err)
	}
	return nil
}

// DeleteForJob removes all delivery records of a reclaimed job.
func (r *WebhookRepo) DeleteForJob(ctx context.Context, jobID string) error {
	_, err := r.Pool.Exec(ctx, `DELETE FROM webhook_deliveries WHERE job_id=$1`, jobID)
	if err != nil {
		return fmt.Errorf("op=webhooks.delete_for_job: %w", err)
	}
	return nil
}

var _ domain.WebhookRepository = (*WebhookRepo)(nil)
