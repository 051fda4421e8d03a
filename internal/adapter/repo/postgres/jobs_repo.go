package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"

	"github.com/rendiffdev/ffmpeg-api-sub000/internal/domain"
)

// JobRepo persists and loads jobs from PostgreSQL.
type JobRepo struct{ Pool *pgxpool.Pool }

// NewJobRepo constructs a JobRepo with the given pool.
func NewJobRepo(p *pgxpool.Pool) *JobRepo { return &JobRepo{Pool: p} }

const jobCols = `id, owner_id, operations, input, output, options, priority,
	webhook_url, progress_webhook, idempotency_key, status, progress, stage,
	fps, eta_seconds, error, cancel_requested, created_at, started_at,
	updated_at, finished_at, attempt, worker_id, fencing_token, lock_expiry`

func scanJob(row pgx.Row) (domain.Job, error) {
	var (
		j        domain.Job
		ops      []byte
		opts     []byte
		errJSON  []byte
		priority string
		status   string
	)
	err := row.Scan(&j.ID, &j.OwnerID, &ops, &j.Input, &j.Output, &opts,
		&priority, &j.WebhookURL, &j.ProgressWebhook, &j.IdemKey, &status,
		&j.Progress, &j.Stage, &j.FPS, &j.ETASeconds, &errJSON,
		&j.CancelRequested, &j.CreatedAt, &j.StartedAt, &j.UpdatedAt,
		&j.FinishedAt, &j.Attempt, &j.WorkerID, &j.FencingToken, &j.LockExpiry)
	if err != nil {
		return domain.Job{}, err
	}
	j.Priority = domain.Priority(priority)
	j.Status = domain.JobStatus(status)
	if err := json.Unmarshal(ops, &j.Operations); err != nil {
		return domain.Job{}, fmt.Errorf("operations column: %w", err)
	}
	if len(opts) > 0 {
		if err := json.Unmarshal(opts, &j.Options); err != nil {
			return domain.Job{}, fmt.Errorf("options column: %w", err)
		}
	}
	if len(errJSON) > 0 {
		var je domain.JobError
		if err := json.Unmarshal(errJSON, &je); err != nil {
			return domain.Job{}, fmt.Errorf("error column: %w", err)
		}
		j.Error = &je
	}
	return j, nil
}

// CreateWithQuota inserts the job and bumps the owner's in-flight count
// inside one transaction. The job id is minted inside the transaction so
// no id escapes before the quota check commits.
func (r *JobRepo) CreateWithQuota(ctx context.Context, j domain.Job, quota int) (string, error) {
	ctx, span := otel.Tracer("repo.jobs").Start(ctx, "jobs.CreateWithQuota")
	defer span.End()

	tx, err := r.Pool.Begin(ctx)
	if err != nil {
		return "", fmt.Errorf("op=jobs.create: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var inFlight int
	err = tx.QueryRow(ctx, `
		INSERT INTO owner_quota (owner_id, in_flight) VALUES ($1, 1)
		ON CONFLICT (owner_id) DO UPDATE SET in_flight = owner_quota.in_flight + 1
		WHERE owner_quota.in_flight < $2
		RETURNING in_flight`, j.OwnerID, quota).Scan(&inFlight)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", domain.Codef(domain.CodeQuotaExceeded, domain.ErrQuotaExceeded,
			"op=jobs.create: owner %s at %d in-flight jobs", j.OwnerID, quota)
	}
	if err != nil {
		return "", fmt.Errorf("op=jobs.create: quota: %w", err)
	}

	id := ulid.Make().String()
	ops, err := json.Marshal(j.Operations)
	if err != nil {
		return "", fmt.Errorf("op=jobs.create: %w", err)
	}
	opts, err := json.Marshal(j.Options)
	if err != nil {
		return "", fmt.Errorf("op=jobs.create: %w", err)
	}
	now := time.Now().UTC()
	_, err = tx.Exec(ctx, `
		INSERT INTO jobs (id, owner_id, operations, input, output, options,
			priority, webhook_url, progress_webhook, idempotency_key, status,
			created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,'queued',$11,$11)`,
		id, j.OwnerID, ops, j.Input, j.Output, opts, string(j.Priority),
		j.WebhookURL, j.ProgressWebhook, j.IdemKey, now)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			// Concurrent replay of the same idempotency key; the caller
			// re-resolves the winning job.
			return "", fmt.Errorf("op=jobs.create: idempotency replay: %w", domain.ErrConflict)
		}
		return "", fmt.Errorf("op=jobs.create: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return "", fmt.Errorf("op=jobs.create: commit: %w", err)
	}
	return id, nil
}

// Get loads a job by id.
func (r *JobRepo) Get(ctx context.Context, id string) (domain.Job, error) {
	ctx, span := otel.Tracer("repo.jobs").Start(ctx, "jobs.Get")
	defer span.End()

	j, err := scanJob(r.Pool.QueryRow(ctx, `SELECT `+jobCols+` FROM jobs WHERE id=$1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Job{}, fmt.Errorf("op=jobs.get id=%s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return domain.Job{}, fmt.Errorf("op=jobs.get: %w", err)
	}
	return j, nil
}

// FindByIdempotencyKey loads a job by the owner's idempotency key.
func (r *JobRepo) FindByIdempotencyKey(ctx context.Context, owner, key string) (domain.Job, error) {
	ctx, span := otel.Tracer("repo.jobs").Start(ctx, "jobs.FindByIdempotencyKey")
	defer span.End()

	j, err := scanJob(r.Pool.QueryRow(ctx,
		`SELECT `+jobCols+` FROM jobs WHERE owner_id=$1 AND idempotency_key=$2 LIMIT 1`, owner, key))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Job{}, fmt.Errorf("op=jobs.find_idem: %w", domain.ErrNotFound)
	}
	if err != nil {
		return domain.Job{}, fmt.Errorf("op=jobs.find_idem: %w", err)
	}
	return j, nil
}

// List returns one page of the owner's jobs plus the total match count.
func (r *JobRepo) List(ctx context.Context, f domain.ListFilter) ([]domain.Job, int64, error) {
	ctx, span := otel.Tracer("repo.jobs").Start(ctx, "jobs.List")
	defer span.End()

	if f.Page < 1 {
		f.Page = 1
	}
	if f.PerPage < 1 || f.PerPage > 100 {
		f.PerPage = 20
	}
	order := "created_at DESC"
	switch strings.ToLower(f.Sort) {
	case "created_at", "oldest":
		order = "created_at ASC"
	case "", "-created_at", "newest":
	default:
		return nil, 0, fmt.Errorf("op=jobs.list: sort %q: %w", f.Sort, domain.ErrInvalidArgument)
	}

	q := `SELECT ` + jobCols + `, COUNT(*) OVER() AS total FROM jobs WHERE owner_id=$1`
	args := []any{f.Owner}
	if f.Status != "" {
		q += ` AND status=$2`
		args = append(args, string(f.Status))
	}
	q += fmt.Sprintf(` ORDER BY %s LIMIT %d OFFSET %d`, order, f.PerPage, (f.Page-1)*f.PerPage)

	rows, err := r.Pool.Query(ctx, q, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("op=jobs.list: %w", err)
	}
	defer rows.Close()

	var (
		out   []domain.Job
		total int64
	)
	for rows.Next() {
		var (
			j        domain.Job
			ops      []byte
			opts     []byte
			errJSON  []byte
			priority string
			status   string
		)
		err := rows.Scan(&j.ID, &j.OwnerID, &ops, &j.Input, &j.Output, &opts,
			&priority, &j.WebhookURL, &j.ProgressWebhook, &j.IdemKey, &status,
			&j.Progress, &j.Stage, &j.FPS, &j.ETASeconds, &errJSON,
			&j.CancelRequested, &j.CreatedAt, &j.StartedAt, &j.UpdatedAt,
			&j.FinishedAt, &j.Attempt, &j.WorkerID, &j.FencingToken, &j.LockExpiry,
			&total)
		if err != nil {
			return nil, 0, fmt.Errorf("op=jobs.list: scan: %w", err)
		}
		j.Priority = domain.Priority(priority)
		j.Status = domain.JobStatus(status)
		if err := json.Unmarshal(ops, &j.Operations); err != nil {
			return nil, 0, fmt.Errorf("op=jobs.list: operations column: %w", err)
		}
		if len(opts) > 0 {
			_ = json.Unmarshal(opts, &j.Options)
		}
		if len(errJSON) > 0 {
			var je domain.JobError
			if err := json.Unmarshal(errJSON, &je); err == nil {
				j.Error = &je
			}
		}
		out = append(out, j)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("op=jobs.list: %w", err)
	}
	return out, total, nil
}

// Stats aggregates the owner's per-status counts in one grouped query.
func (r *JobRepo) Stats(ctx context.Context, owner string) (domain.JobStats, error) {
	ctx, span := otel.Tracer("repo.jobs").Start(ctx, "jobs.Stats")
	defer span.End()

	rows, err := r.Pool.Query(ctx,
		`SELECT status, COUNT(*) FROM jobs WHERE owner_id=$1 GROUP BY status`, owner)
	if err != nil {
		return domain.JobStats{}, fmt.Errorf("op=jobs.stats: %w", err)
	}
	defer rows.Close()

	var s domain.JobStats
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return domain.JobStats{}, fmt.Errorf("op=jobs.stats: scan: %w", err)
		}
		switch domain.JobStatus(status) {
		case domain.JobQueued:
			s.Queued = n
		case domain.JobProcessing:
			s.Processing = n
		case domain.JobCompleted:
			s.Completed = n
		case domain.JobFailed:
			s.Failed = n
		case domain.JobCancelled:
			s.Cancelled = n
		}
		s.Total += n
	}
	if err := rows.Err(); err != nil {
		return domain.JobStats{}, fmt.Errorf("op=jobs.stats: %w", err)
	}
	return s, nil
}

// MarkProcessing transitions queued→processing under the caller's fence.
// Redelivery of a job still marked processing bumps the attempt counter
// provided the caller holds a strictly newer fence.
func (r *JobRepo) MarkProcessing(ctx context.Context, id, workerID string, fence int64, lockExpiry time.Time) (domain.Job, error) {
	ctx, span := otel.Tracer("repo.jobs").Start(ctx, "jobs.MarkProcessing")
	defer span.End()

	j, err := scanJob(r.Pool.QueryRow(ctx, `
		UPDATE jobs SET status='processing', worker_id=$2, fencing_token=$3,
			lock_expiry=$4, attempt=attempt+1,
			started_at=COALESCE(started_at, now()), updated_at=now()
		WHERE id=$1 AND status IN ('queued','processing') AND fencing_token < $3
		RETURNING `+jobCols, id, workerID, fence, lockExpiry.UTC()))
	if err == nil {
		return j, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return domain.Job{}, fmt.Errorf("op=jobs.mark_processing: %w", err)
	}
	cur, gerr := r.Get(ctx, id)
	if gerr != nil {
		return domain.Job{}, gerr
	}
	if cur.Status.IsTerminal() {
		return cur, fmt.Errorf("op=jobs.mark_processing id=%s terminal: %w", id, domain.ErrConflict)
	}
	return cur, fmt.Errorf("op=jobs.mark_processing id=%s fence=%d: %w", id, fence, domain.ErrStaleToken)
}

// Requeue moves a processing job back to queued after a retryable
// failure. Terminal jobs are left untouched.
func (r *JobRepo) Requeue(ctx context.Context, id string, fence int64) error {
	ctx, span := otel.Tracer("repo.jobs").Start(ctx, "jobs.Requeue")
	defer span.End()

	tag, err := r.Pool.Exec(ctx, `
		UPDATE jobs SET status='queued', worker_id='', lock_expiry=NULL, updated_at=now()
		WHERE id=$1 AND status='processing' AND fencing_token=$2`, id, fence)
	if err != nil {
		return fmt.Errorf("op=jobs.requeue: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return nil
	}
	return nil
}

// UpdateProgress writes the debounced progress snapshot. Progress never
// moves backwards inside one attempt; stale fences are refused and
// terminal jobs silently absorb the write.
func (r *JobRepo) UpdateProgress(ctx context.Context, id string, fence int64, progress float64, stage string, fps float64, etaSeconds int64) error {
	ctx, span := otel.Tracer("repo.jobs").Start(ctx, "jobs.UpdateProgress")
	defer span.End()

	tag, err := r.Pool.Exec(ctx, `
		UPDATE jobs SET progress=GREATEST(progress, LEAST($3, 100)), stage=$4,
			fps=$5, eta_seconds=$6, updated_at=now()
		WHERE id=$1 AND status='processing' AND fencing_token=$2`,
		id, fence, progress, stage, fps, etaSeconds)
	if err != nil {
		return fmt.Errorf("op=jobs.update_progress: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	cur, gerr := r.Get(ctx, id)
	if gerr != nil {
		return gerr
	}
	if cur.Status.IsTerminal() {
		return nil
	}
	return fmt.Errorf("op=jobs.update_progress id=%s fence=%d: %w", id, fence, domain.ErrStaleToken)
}

// TransitionTerminal writes the final state and releases the owner's
// in-flight slot. A second terminal write is a silent no-op returning
// the stored job.
func (r *JobRepo) TransitionTerminal(ctx context.Context, id string, fence int64, status domain.JobStatus, jobErr *domain.JobError) (domain.Job, error) {
	ctx, span := otel.Tracer("repo.jobs").Start(ctx, "jobs.TransitionTerminal")
	defer span.End()

	if !status.IsTerminal() {
		return domain.Job{}, fmt.Errorf("op=jobs.terminal: status %q: %w", status, domain.ErrInvalidArgument)
	}
	var errJSON []byte
	if jobErr != nil {
		b, err := json.Marshal(jobErr)
		if err != nil {
			return domain.Job{}, fmt.Errorf("op=jobs.terminal: %w", err)
		}
		errJSON = b
	}

	tx, err := r.Pool.Begin(ctx)
	if err != nil {
		return domain.Job{}, fmt.Errorf("op=jobs.terminal: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	j, err := scanJob(tx.QueryRow(ctx, `
		UPDATE jobs SET status=$3, error=$4,
			progress=CASE WHEN $3='completed' THEN 100 ELSE progress END,
			finished_at=now(), updated_at=now(), lock_expiry=NULL
		WHERE id=$1 AND status NOT IN ('completed','failed','cancelled')
			AND fencing_token=$2
		RETURNING `+jobCols, id, fence, string(status), errJSON))
	if errors.Is(err, pgx.ErrNoRows) {
		cur, gerr := r.Get(ctx, id)
		if gerr != nil {
			return domain.Job{}, gerr
		}
		if cur.Status.IsTerminal() {
			return cur, nil
		}
		return domain.Job{}, fmt.Errorf("op=jobs.terminal id=%s fence=%d: %w", id, fence, domain.ErrStaleToken)
	}
	if err != nil {
		return domain.Job{}, fmt.Errorf("op=jobs.terminal: %w", err)
	}
	if _, err := tx.Exec(ctx, `
		UPDATE owner_quota SET in_flight=GREATEST(in_flight-1, 0) WHERE owner_id=$1`,
		j.OwnerID); err != nil {
		return domain.Job{}, fmt.Errorf("op=jobs.terminal: quota: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return domain.Job{}, fmt.Errorf("op=jobs.terminal: commit: %w", err)
	}
	return j, nil
}

// CancelIfPending cancels a queued job synchronously, bypassing the
// fencing path because no worker holds it yet.
func (r *JobRepo) CancelIfPending(ctx context.Context, id string) (bool, error) {
	ctx, span := otel.Tracer("repo.jobs").Start(ctx, "jobs.CancelIfPending")
	defer span.End()

	tx, err := r.Pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("op=jobs.cancel_pending: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var owner string
	err = tx.QueryRow(ctx, `
		UPDATE jobs SET status='cancelled', finished_at=now(), updated_at=now()
		WHERE id=$1 AND status='queued'
		RETURNING owner_id`, id).Scan(&owner)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("op=jobs.cancel_pending: %w", err)
	}
	if _, err := tx.Exec(ctx, `
		UPDATE owner_quota SET in_flight=GREATEST(in_flight-1, 0) WHERE owner_id=$1`,
		owner); err != nil {
		return false, fmt.Errorf("op=jobs.cancel_pending: quota: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("op=jobs.cancel_pending: commit: %w", err)
	}
	return true, nil
}

// RequestCancel sets the cooperative cancel flag on a live job.
func (r *JobRepo) RequestCancel(ctx context.Context, id string) error {
	ctx, span := otel.Tracer("repo.jobs").Start(ctx, "jobs.RequestCancel")
	defer span.End()

	tag, err := r.Pool.Exec(ctx, `
		UPDATE jobs SET cancel_requested=TRUE, updated_at=now()
		WHERE id=$1 AND status IN ('queued','processing')`, id)
	if err != nil {
		return fmt.Errorf("op=jobs.request_cancel: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := r.Get(ctx, id); err != nil {
			return err
		}
		return fmt.Errorf("op=jobs.request_cancel id=%s terminal: %w", id, domain.ErrConflict)
	}
	return nil
}

// CancelRequested reads the cancel flag.
func (r *JobRepo) CancelRequested(ctx context.Context, id string) (bool, error) {
	var flag bool
	err := r.Pool.QueryRow(ctx, `SELECT cancel_requested FROM jobs WHERE id=$1`, id).Scan(&flag)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, fmt.Errorf("op=jobs.cancel_requested id=%s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return false, fmt.Errorf("op=jobs.cancel_requested: %w", err)
	}
	return flag, nil
}

// ExpiredIDs lists jobs whose retention window has elapsed. The sweeper
// uses the ids to reclaim progress rings and delivery records before the
// rows themselves are deleted.
func (r *JobRepo) ExpiredIDs(ctx context.Context, cutoff time.Time, limit int) ([]string, error) {
	rows, err := r.Pool.Query(ctx, `
		SELECT id FROM jobs WHERE finished_at IS NOT NULL AND finished_at < $1
		ORDER BY finished_at LIMIT $2`, cutoff.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("op=jobs.expired_ids: %w", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("op=jobs.expired_ids: scan: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// SweepExpired deletes jobs finished before the retention cutoff.
func (r *JobRepo) SweepExpired(ctx context.Context, cutoff time.Time) (int64, error) {
	ctx, span := otel.Tracer("repo.jobs").Start(ctx, "jobs.SweepExpired")
	defer span.End()

	tag, err := r.Pool.Exec(ctx,
		`DELETE FROM jobs WHERE finished_at IS NOT NULL AND finished_at < $1`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("op=jobs.sweep_expired: %w", err)
	}
	return tag.RowsAffected(), nil
}

var _ domain.JobRepository = (*JobRepo)(nil)
