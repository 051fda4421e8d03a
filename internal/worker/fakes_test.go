package worker

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/rendiffdev/ffmpeg-api-sub000/internal/adapter/transcoder"
	"github.com/rendiffdev/ffmpeg-api-sub000/internal/domain"
)

// memJobs is an in-memory JobRepository with real fencing semantics so
// the runtime's write ordering is exercised.
type memJobs struct {
	mu   sync.Mutex
	jobs map[string]domain.Job
}

func newMemJobs() *memJobs { return &memJobs{jobs: map[string]domain.Job{}} }

func (m *memJobs) put(j domain.Job) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[j.ID] = j
}

func (m *memJobs) CreateWithQuota(_ context.Context, j domain.Job, _ int) (string, error) {
	m.put(j)
	return j.ID, nil
}

func (m *memJobs) Get(_ context.Context, id string) (domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return domain.Job{}, fmt.Errorf("job %s: %w", id, domain.ErrNotFound)
	}
	return j, nil
}

func (m *memJobs) FindByIdempotencyKey(context.Context, string, string) (domain.Job, error) {
	return domain.Job{}, domain.ErrNotFound
}

func (m *memJobs) List(context.Context, domain.ListFilter) ([]domain.Job, int64, error) {
	return nil, 0, nil
}

func (m *memJobs) Stats(context.Context, string) (domain.JobStats, error) {
	return domain.JobStats{}, nil
}

func (m *memJobs) MarkProcessing(_ context.Context, id, workerID string, fence int64, lockExpiry time.Time) (domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return domain.Job{}, domain.ErrNotFound
	}
	if j.Status.IsTerminal() {
		return j, fmt.Errorf("terminal: %w", domain.ErrConflict)
	}
	if fence <= j.FencingToken {
		return j, fmt.Errorf("fence %d: %w", fence, domain.ErrStaleToken)
	}
	j.Status = domain.JobProcessing
	j.WorkerID = workerID
	j.FencingToken = fence
	j.LockExpiry = &lockExpiry
	j.Attempt++
	now := time.Now()
	if j.StartedAt == nil {
		j.StartedAt = &now
	}
	m.jobs[id] = j
	return j, nil
}

func (m *memJobs) Requeue(_ context.Context, id string, fence int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j := m.jobs[id]
	if j.Status != domain.JobProcessing || j.FencingToken != fence {
		return nil
	}
	j.Status = domain.JobQueued
	j.WorkerID = ""
	m.jobs[id] = j
	return nil
}

func (m *memJobs) UpdateProgress(_ context.Context, id string, fence int64, progress float64, stage string, fps float64, eta int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j := m.jobs[id]
	if j.Status.IsTerminal() {
		return nil
	}
	if j.Status != domain.JobProcessing || j.FencingToken != fence {
		return fmt.Errorf("fence %d: %w", fence, domain.ErrStaleToken)
	}
	if progress > j.Progress {
		j.Progress = progress
	}
	j.Stage = stage
	j.FPS = fps
	j.ETASeconds = eta
	m.jobs[id] = j
	return nil
}

func (m *memJobs) TransitionTerminal(_ context.Context, id string, fence int64, status domain.JobStatus, jobErr *domain.JobError) (domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j := m.jobs[id]
	if j.Status.IsTerminal() {
		return j, nil
	}
	if j.FencingToken != fence {
		return domain.Job{}, fmt.Errorf("fence %d: %w", fence, domain.ErrStaleToken)
	}
	j.Status = status
	j.Error = jobErr
	if status == domain.JobCompleted {
		j.Progress = 100
	}
	now := time.Now()
	j.FinishedAt = &now
	m.jobs[id] = j
	return j, nil
}

func (m *memJobs) CancelIfPending(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j := m.jobs[id]
	if j.Status != domain.JobQueued {
		return false, nil
	}
	j.Status = domain.JobCancelled
	m.jobs[id] = j
	return true, nil
}

func (m *memJobs) RequestCancel(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j := m.jobs[id]
	j.CancelRequested = true
	m.jobs[id] = j
	return nil
}

func (m *memJobs) CancelRequested(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.jobs[id].CancelRequested, nil
}

func (m *memJobs) SweepExpired(context.Context, time.Time) (int64, error) { return 0, nil }

var _ domain.JobRepository = (*memJobs)(nil)

// memWebhooks records enqueued deliveries.
type memWebhooks struct {
	mu      sync.Mutex
	records []domain.WebhookDelivery
}

func (w *memWebhooks) Enqueue(_ context.Context, d domain.WebhookDelivery) (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.records = append(w.records, d)
	return fmt.Sprintf("d%d", len(w.records)), nil
}

func (w *memWebhooks) Due(context.Context, time.Time, int) ([]domain.WebhookDelivery, error) {
	return nil, nil
}
func (w *memWebhooks) MarkDelivered(context.Context, string, int) error         { return nil }
func (w *memWebhooks) Reschedule(context.Context, string, int, time.Time) error { return nil }
func (w *memWebhooks) MarkDead(context.Context, string, int) error              { return nil }
func (w *memWebhooks) DeleteForJob(context.Context, string) error               { return nil }

var _ domain.WebhookRepository = (*memWebhooks)(nil)

// fakeTranscoder scripts the invocation outcome and records calls.
type fakeTranscoder struct {
	mu       sync.Mutex
	runs     int
	runErr   error
	probeErr error
	duration float64
	// emit streams these updates before returning.
	emit []transcoder.Update
	// produce writes a byte to the output path so commit has an artifact.
	produce bool
	// midRun, when set, fires once after the first emitted update.
	midRun func()
}

func (f *fakeTranscoder) Run(ctx context.Context, spec transcoder.InvocationSpec, onProgress func(transcoder.Update)) error {
	f.mu.Lock()
	f.runs++
	f.mu.Unlock()
	for i, u := range f.emit {
		if onProgress != nil {
			onProgress(u)
		}
		if i == 0 && f.midRun != nil {
			f.midRun()
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	if f.runErr != nil {
		return f.runErr
	}
	if f.produce {
		if err := writeFile(spec.OutputPath, []byte("artifact")); err != nil {
			return err
		}
	}
	return ctx.Err()
}

func (f *fakeTranscoder) Probe(context.Context, string) (transcoder.MediaInfo, error) {
	if f.probeErr != nil {
		return transcoder.MediaInfo{}, f.probeErr
	}
	d := f.duration
	if d == 0 {
		d = 10
	}
	return transcoder.MediaInfo{DurationSec: d, Container: "mov,mp4", VideoCodec: "h264", AudioCodec: "aac"}, nil
}

func (f *fakeTranscoder) AnalyzeToJSON(context.Context, string) ([]byte, error) {
	return []byte(`{"duration_sec":10}`), nil
}

func writeFile(path string, b []byte) error {
	return os.WriteFile(path, b, 0o644)
}

func (f *fakeTranscoder) runCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.runs
}

var _ Transcoder = (*fakeTranscoder)(nil)
