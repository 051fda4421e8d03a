package usecase

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rendiffdev/ffmpeg-api-sub000/internal/domain"
)

// fakeJobs is an in-memory JobRepository good enough for admission and
// cancellation flows.
type fakeJobs struct {
	mu       sync.Mutex
	seq      int
	jobs     map[string]domain.Job
	inFlight map[string]int
}

func newFakeJobs() *fakeJobs {
	return &fakeJobs{jobs: map[string]domain.Job{}, inFlight: map[string]int{}}
}

func (f *fakeJobs) CreateWithQuota(_ context.Context, j domain.Job, quota int) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if j.IdemKey != nil {
		for _, ex := range f.jobs {
			if ex.OwnerID == j.OwnerID && ex.IdemKey != nil && *ex.IdemKey == *j.IdemKey {
				return "", fmt.Errorf("idempotency replay: %w", domain.ErrConflict)
			}
		}
	}
	if f.inFlight[j.OwnerID] >= quota {
		return "", domain.Codef(domain.CodeQuotaExceeded, domain.ErrQuotaExceeded,
			"owner %s at quota", j.OwnerID)
	}
	f.inFlight[j.OwnerID]++
	f.seq++
	id := fmt.Sprintf("01FAKE%020d", f.seq)
	j.ID = id
	j.CreatedAt = time.Now().UTC()
	f.jobs[id] = j
	return id, nil
}

func (f *fakeJobs) Get(_ context.Context, id string) (domain.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[id]
	if !ok {
		return domain.Job{}, fmt.Errorf("job %s: %w", id, domain.ErrNotFound)
	}
	return j, nil
}

func (f *fakeJobs) FindByIdempotencyKey(_ context.Context, owner, key string) (domain.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, j := range f.jobs {
		if j.OwnerID == owner && j.IdemKey != nil && *j.IdemKey == key {
			return j, nil
		}
	}
	return domain.Job{}, domain.ErrNotFound
}

func (f *fakeJobs) List(_ context.Context, flt domain.ListFilter) ([]domain.Job, int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.Job
	for _, j := range f.jobs {
		if j.OwnerID == flt.Owner && (flt.Status == "" || j.Status == flt.Status) {
			out = append(out, j)
		}
	}
	return out, int64(len(out)), nil
}

func (f *fakeJobs) Stats(_ context.Context, owner string) (domain.JobStats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var s domain.JobStats
	for _, j := range f.jobs {
		if j.OwnerID != owner {
			continue
		}
		s.Total++
		switch j.Status {
		case domain.JobQueued:
			s.Queued++
		case domain.JobProcessing:
			s.Processing++
		case domain.JobCompleted:
			s.Completed++
		case domain.JobFailed:
			s.Failed++
		case domain.JobCancelled:
			s.Cancelled++
		}
	}
	return s, nil
}

func (f *fakeJobs) MarkProcessing(_ context.Context, id, workerID string, fence int64, lockExpiry time.Time) (domain.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j := f.jobs[id]
	j.Status = domain.JobProcessing
	j.WorkerID = workerID
	j.FencingToken = fence
	j.Attempt++
	f.jobs[id] = j
	return j, nil
}

func (f *fakeJobs) Requeue(_ context.Context, id string, _ int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	j := f.jobs[id]
	j.Status = domain.JobQueued
	f.jobs[id] = j
	return nil
}

func (f *fakeJobs) UpdateProgress(_ context.Context, id string, _ int64, progress float64, stage string, fps float64, eta int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	j := f.jobs[id]
	j.Progress = progress
	j.Stage = stage
	j.FPS = fps
	j.ETASeconds = eta
	f.jobs[id] = j
	return nil
}

func (f *fakeJobs) TransitionTerminal(_ context.Context, id string, _ int64, status domain.JobStatus, jobErr *domain.JobError) (domain.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j := f.jobs[id]
	if j.Status.IsTerminal() {
		return j, nil
	}
	j.Status = status
	j.Error = jobErr
	f.jobs[id] = j
	if f.inFlight[j.OwnerID] > 0 {
		f.inFlight[j.OwnerID]--
	}
	return j, nil
}

func (f *fakeJobs) CancelIfPending(_ context.Context, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j := f.jobs[id]
	if j.Status != domain.JobQueued {
		return false, nil
	}
	j.Status = domain.JobCancelled
	f.jobs[id] = j
	if f.inFlight[j.OwnerID] > 0 {
		f.inFlight[j.OwnerID]--
	}
	return true, nil
}

func (f *fakeJobs) RequestCancel(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	j := f.jobs[id]
	j.CancelRequested = true
	f.jobs[id] = j
	return nil
}

func (f *fakeJobs) CancelRequested(_ context.Context, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.jobs[id].CancelRequested, nil
}

func (f *fakeJobs) SweepExpired(context.Context, time.Time) (int64, error) { return 0, nil }

var _ domain.JobRepository = (*fakeJobs)(nil)

// fakeQueue records enqueues and optionally fails them.
type fakeQueue struct {
	mu         sync.Mutex
	enqueued   []string
	enqueueErr error
}

func (q *fakeQueue) Enqueue(_ context.Context, jobID string, _ domain.Priority) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.enqueueErr != nil {
		return q.enqueueErr
	}
	q.enqueued = append(q.enqueued, jobID)
	return nil
}

func (q *fakeQueue) Lease(context.Context, string, time.Duration) (domain.LeasedTask, error) {
	return domain.LeasedTask{}, domain.ErrQueueEmpty
}
func (q *fakeQueue) Ack(context.Context, string) error                  { return nil }
func (q *fakeQueue) Nack(context.Context, string, time.Duration) error  { return nil }
func (q *fakeQueue) ReapExpired(context.Context, time.Time) (int64, error) { return 0, nil }
func (q *fakeQueue) Depth(context.Context) (int64, error)               { return 0, nil }

var _ domain.TaskQueue = (*fakeQueue)(nil)

// fakeBus captures published events.
type fakeBus struct {
	mu     sync.Mutex
	seq    map[string]int64
	events []domain.ProgressEvent
}

func newFakeBus() *fakeBus { return &fakeBus{seq: map[string]int64{}} }

func (b *fakeBus) Publish(_ context.Context, ev domain.ProgressEvent) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, ev)
	return nil
}

func (b *fakeBus) Subscribe(context.Context, string, int64) (<-chan domain.ProgressEvent, error) {
	ch := make(chan domain.ProgressEvent)
	close(ch)
	return ch, nil
}

func (b *fakeBus) NextSeq(_ context.Context, jobID string) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.seq[jobID]++
	return b.seq[jobID], nil
}

func (b *fakeBus) Drop(context.Context, string) error { return nil }

var _ domain.ProgressBus = (*fakeBus)(nil)

// fakeWebhooks captures enqueued delivery records.
type fakeWebhooks struct {
	mu      sync.Mutex
	records []domain.WebhookDelivery
}

func (w *fakeWebhooks) Enqueue(_ context.Context, d domain.WebhookDelivery) (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.records = append(w.records, d)
	return fmt.Sprintf("d%d", len(w.records)), nil
}

func (w *fakeWebhooks) Due(context.Context, time.Time, int) ([]domain.WebhookDelivery, error) {
	return nil, nil
}
func (w *fakeWebhooks) MarkDelivered(context.Context, string, int) error          { return nil }
func (w *fakeWebhooks) Reschedule(context.Context, string, int, time.Time) error  { return nil }
func (w *fakeWebhooks) MarkDead(context.Context, string, int) error               { return nil }
func (w *fakeWebhooks) DeleteForJob(context.Context, string) error                { return nil }

var _ domain.WebhookRepository = (*fakeWebhooks)(nil)
