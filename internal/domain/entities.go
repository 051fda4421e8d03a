// Package domain defines the core entities and ports of the transcoding
// job service. Adapters and usecases depend on this package; it depends
// on nothing but the standard library.
package domain

import (
	"context"
	"io"
	"time"
)

// JobStatus enumerates the lifecycle states of a job.
type JobStatus string

const (
	JobQueued     JobStatus = "queued"
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
	JobCancelled  JobStatus = "cancelled"
)

// IsTerminal reports whether the status is final. Terminal states are
// immutable; the store ignores writes against them.
func (s JobStatus) IsTerminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobCancelled
}

// Priority orders jobs within the task queue.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// Weight maps a priority to its fixed queue weight.
func (p Priority) Weight() int {
	switch p {
	case PriorityLow:
		return 1
	case PriorityHigh:
		return 8
	case PriorityUrgent:
		return 10
	default:
		return 5
	}
}

// Valid reports whether p is a known priority.
func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityUrgent:
		return true
	}
	return false
}

// JobError is the sanitized error record stored on a failed job and sent
// to webhook targets. Message never contains paths, argv, or subprocess
// output.
type JobError struct {
	Kind       string    `json:"kind"`
	Code       ErrorCode `json:"code"`
	Message    string    `json:"message"`
	Suggestion string    `json:"suggestion,omitempty"`
}

// Job is the central entity.
type Job struct {
	ID              string
	OwnerID         string
	Operations      []Operation
	Input           string
	Output          string
	Options         map[string]string
	Priority        Priority
	WebhookURL      string
	ProgressWebhook bool
	IdemKey         *string

	Status          JobStatus
	Progress        float64
	Stage           string
	FPS             float64
	ETASeconds      int64
	Error           *JobError
	CancelRequested bool

	CreatedAt  time.Time
	StartedAt  *time.Time
	UpdatedAt  time.Time
	FinishedAt *time.Time

	Attempt      int
	WorkerID     string
	FencingToken int64
	LockExpiry   *time.Time
}

// ProgressEvent is one entry of a job's append-only progress history.
// Events are strictly ordered by Seq within a job; the terminal event is
// the last one published on a job's channel.
type ProgressEvent struct {
	JobID      string    `json:"job_id"`
	Seq        int64     `json:"seq"`
	Timestamp  time.Time `json:"ts"`
	Progress   float64   `json:"progress"`
	Stage      string    `json:"stage"`
	FPS        float64   `json:"fps,omitempty"`
	ETASeconds int64     `json:"eta_seconds,omitempty"`
	Terminal   bool      `json:"terminal,omitempty"`
	Status     JobStatus `json:"status,omitempty"`
	Error      *JobError `json:"error,omitempty"`
}

// APIKey is the resolved credential handle used for quota and ownership
// checks. Secret signs webhook payloads for this key's jobs.
type APIKey struct {
	ID     string
	Owner  string
	Quota  int
	Secret string
}

// WebhookEventKind tags a delivery record.
type WebhookEventKind string

const (
	WebhookEventCompleted WebhookEventKind = "completed"
	WebhookEventFailed    WebhookEventKind = "failed"
	WebhookEventCancelled WebhookEventKind = "cancelled"
	WebhookEventProgress  WebhookEventKind = "progress"
)

// WebhookDelivery is one at-least-once delivery record.
type WebhookDelivery struct {
	ID          string
	JobID       string
	OwnerID     string
	Event       WebhookEventKind
	URL         string
	Payload     []byte
	Attempts    int
	NextAttempt time.Time
	LastStatus  int
	Terminal    bool
	Dead        bool
	Delivered   bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// JobStats is the grouped per-status aggregation for an owner.
type JobStats struct {
	Queued     int64 `json:"queued"`
	Processing int64 `json:"processing"`
	Completed  int64 `json:"completed"`
	Failed     int64 `json:"failed"`
	Cancelled  int64 `json:"cancelled"`
	Total      int64 `json:"total"`
}

// ListFilter selects jobs for the listing endpoint. Page is 1-based.
type ListFilter struct {
	Owner   string
	Status  JobStatus
	Page    int
	PerPage int
	Sort    string
}

// Repositories (ports)

// JobRepository is the durable job store. All worker writes carry the
// fencing token of its lock lease; writes with a stale token fail with
// ErrStaleToken.
type JobRepository interface {
	// CreateWithQuota inserts the job and bumps the owner's in-flight
	// count inside one transaction. The job id is generated inside the
	// transaction and returned. Fails with ErrQuotaExceeded when the
	// owner already has quota in-flight jobs.
	CreateWithQuota(ctx context.Context, j Job, quota int) (string, error)
	Get(ctx context.Context, id string) (Job, error)
	FindByIdempotencyKey(ctx context.Context, owner, key string) (Job, error)
	List(ctx context.Context, f ListFilter) ([]Job, int64, error)
	Stats(ctx context.Context, owner string) (JobStats, error)

	// MarkProcessing transitions queued→processing and records the
	// executor. Re-delivery of an already-processing job bumps Attempt.
	MarkProcessing(ctx context.Context, id, workerID string, fence int64, lockExpiry time.Time) (Job, error)
	// Requeue moves a processing job back to queued after a retryable
	// failure. No-op on terminal jobs.
	Requeue(ctx context.Context, id string, fence int64) error
	UpdateProgress(ctx context.Context, id string, fence int64, progress float64, stage string, fps float64, etaSeconds int64) error
	// TransitionTerminal writes the final state. Terminal states are
	// immutable: a second call is a silent no-op returning the stored
	// job. The owner's in-flight count is decremented here.
	TransitionTerminal(ctx context.Context, id string, fence int64, status JobStatus, jobErr *JobError) (Job, error)
	// CancelIfPending cancels a queued job synchronously. Returns false
	// when the job was not in queued state.
	CancelIfPending(ctx context.Context, id string) (bool, error)
	// RequestCancel sets the cancel flag observed by the worker.
	RequestCancel(ctx context.Context, id string) error
	// CancelRequested reads the cancel flag. Polled by the worker at
	// progress debounce points.
	CancelRequested(ctx context.Context, id string) (bool, error)
	// SweepExpired deletes jobs finished before the retention cutoff and
	// returns how many were removed.
	SweepExpired(ctx context.Context, cutoff time.Time) (int64, error)
}

// WebhookRepository persists delivery records for the dispatcher.
type WebhookRepository interface {
	Enqueue(ctx context.Context, d WebhookDelivery) (string, error)
	// Due returns at most limit records whose next attempt is not after
	// now, ordered by next attempt time.
	Due(ctx context.Context, now time.Time, limit int) ([]WebhookDelivery, error)
	MarkDelivered(ctx context.Context, id string, status int) error
	// Reschedule records a failed attempt and the next attempt time.
	Reschedule(ctx context.Context, id string, status int, next time.Time) error
	MarkDead(ctx context.Context, id string, status int) error
	DeleteForJob(ctx context.Context, jobID string) error
}

// KeyStore resolves API key material to a key record. Implementations
// compare hashes in constant time.
type KeyStore interface {
	Resolve(ctx context.Context, material string) (APIKey, error)
}

// Queue (port)

// LeasedTask is one dequeued task. Token must be passed back to Ack/Nack.
type LeasedTask struct {
	JobID    string
	Priority Priority
	Token    string
	Attempt  int
}

// TaskQueue is the durable priority queue of job ids awaiting execution.
// Delivery is at least once; duplicate suppression belongs to the lock
// and the store.
type TaskQueue interface {
	Enqueue(ctx context.Context, jobID string, p Priority) error
	// Lease returns ErrQueueEmpty when no task is ready. The task becomes
	// invisible for the visibility window; an un-acked lease past the
	// window is returned to the queue by the reaper.
	Lease(ctx context.Context, workerID string, visibility time.Duration) (LeasedTask, error)
	Ack(ctx context.Context, token string) error
	Nack(ctx context.Context, token string, delay time.Duration) error
	// ReapExpired returns expired leases to the ready set.
	ReapExpired(ctx context.Context, now time.Time) (int64, error)
	Depth(ctx context.Context) (int64, error)
}

// Lock (port)

// LockLease is an acquired lock with its fencing token. Fence increases
// monotonically across acquisitions of the same resource.
type LockLease struct {
	Resource string
	Token    string
	Fence    int64
}

// Locker grants exclusive write authority on a named resource.
type Locker interface {
	// Acquire returns ErrLockBusy when another holder is active.
	Acquire(ctx context.Context, resource string, ttl time.Duration) (LockLease, error)
	Renew(ctx context.Context, lease LockLease, ttl time.Duration) error
	Release(ctx context.Context, lease LockLease) error
}

// ProgressBus (port)

// ProgressBus is the transient pub/sub channel carrying progress events
// from workers to API streamers, with a bounded per-job replay ring.
type ProgressBus interface {
	Publish(ctx context.Context, ev ProgressEvent) error
	// Subscribe replays ring events with Seq > afterSeq, then streams
	// live events. Cancel ctx to unsubscribe; slow subscribers are
	// dropped after a bounded backlog.
	Subscribe(ctx context.Context, jobID string, afterSeq int64) (<-chan ProgressEvent, error)
	// NextSeq allocates the next sequence number for a job.
	NextSeq(ctx context.Context, jobID string) (int64, error)
	// Drop removes a job's replay ring (retention sweep).
	Drop(ctx context.Context, jobID string) error
}

// Storage (port)

// StatInfo is the result of a storage stat call.
type StatInfo struct {
	Size  int64
	MTime time.Time
}

// Storage is the byte-stream collaborator behind input/output locators.
// Exists is advisory only; writers proceed transactionally and surface
// "already exists" as ErrStorageConflict.
type Storage interface {
	Scheme() string
	Stat(ctx context.Context, locator string) (StatInfo, error)
	OpenRead(ctx context.Context, locator string) (io.ReadCloser, error)
	OpenWrite(ctx context.Context, locator string) (io.WriteCloser, error)
	Exists(ctx context.Context, locator string) (bool, error)
}
