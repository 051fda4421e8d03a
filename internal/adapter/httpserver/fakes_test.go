package httpserver

import (
	"context"
	"sync"
	"time"

	"github.com/rendiffdev/ffmpeg-api-sub000/internal/domain"
	"github.com/rendiffdev/ffmpeg-api-sub000/internal/service/ratelimiter"
	"github.com/rendiffdev/ffmpeg-api-sub000/internal/usecase"
)

// fakeKeys resolves a fixed set of key materials.
type fakeKeys struct {
	keys map[string]domain.APIKey
}

func (f *fakeKeys) Resolve(_ context.Context, material string) (domain.APIKey, error) {
	k, ok := f.keys[material]
	if !ok {
		return domain.APIKey{}, domain.Codef(domain.CodeUnauthorized, domain.ErrUnauthorized,
			"op=keys.resolve")
	}
	return k, nil
}

var _ domain.KeyStore = (*fakeKeys)(nil)

// fakeSubmitter records submissions and returns a scripted outcome.
type fakeSubmitter struct {
	mu      sync.Mutex
	reqs    []usecase.SubmitRequest
	job     domain.Job
	err     error
	nextSeq int
}

func (f *fakeSubmitter) Submit(_ context.Context, req usecase.SubmitRequest) (domain.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reqs = append(f.reqs, req)
	if f.err != nil {
		return domain.Job{}, f.err
	}
	j := f.job
	if j.ID == "" {
		f.nextSeq++
		j = domain.Job{
			ID:        "01HTEST" + string(rune('A'+f.nextSeq)),
			OwnerID:   req.Owner.ID,
			Status:    domain.JobQueued,
			Priority:  req.Priority,
			CreatedAt: time.Now().UTC(),
		}
	}
	return j, nil
}

func (f *fakeSubmitter) SubmitBatch(ctx context.Context, reqs []usecase.SubmitRequest) []usecase.BatchResult {
	out := make([]usecase.BatchResult, len(reqs))
	for i, req := range reqs {
		j, err := f.Submit(ctx, req)
		out[i] = usecase.BatchResult{Job: j, Err: err}
	}
	return out
}

func (f *fakeSubmitter) submitted() []usecase.SubmitRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]usecase.SubmitRequest(nil), f.reqs...)
}

var _ Submitter = (*fakeSubmitter)(nil)

// fakeJobReader serves a fixed job set with the usecase owner-scoping
// rules.
type fakeJobReader struct {
	jobs    map[string]domain.Job
	listErr error
}

func (f *fakeJobReader) Get(_ context.Context, owner, id string) (domain.Job, error) {
	j, ok := f.jobs[id]
	if !ok || j.OwnerID != owner {
		return domain.Job{}, domain.Codef(domain.CodeNotFound, domain.ErrNotFound,
			"op=jobs.get id=%s", id)
	}
	return j, nil
}

func (f *fakeJobReader) List(_ context.Context, filter domain.ListFilter) ([]domain.Job, int64, error) {
	if f.listErr != nil {
		return nil, 0, f.listErr
	}
	var out []domain.Job
	for _, j := range f.jobs {
		if j.OwnerID != filter.Owner {
			continue
		}
		if filter.Status != "" && j.Status != filter.Status {
			continue
		}
		out = append(out, j)
	}
	return out, int64(len(out)), nil
}

func (f *fakeJobReader) Stats(_ context.Context, owner string) (domain.JobStats, error) {
	var st domain.JobStats
	for _, j := range f.jobs {
		if j.OwnerID != owner {
			continue
		}
		st.Total++
		switch j.Status {
		case domain.JobQueued:
			st.Queued++
		case domain.JobProcessing:
			st.Processing++
		case domain.JobCompleted:
			st.Completed++
		case domain.JobFailed:
			st.Failed++
		case domain.JobCancelled:
			st.Cancelled++
		}
	}
	return st, nil
}

func (f *fakeJobReader) Cancel(ctx context.Context, owner, id string) (domain.Job, error) {
	j, err := f.Get(ctx, owner, id)
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
	j.Status = domain.JobCancelled
	f.jobs[id] = j
	return j, nil
}

var _ JobReader = (*fakeJobReader)(nil)

// fakeLimiter denies once configured.
type fakeLimiter struct {
	deny       bool
	retryAfter time.Duration
	calls      int
}

func (f *fakeLimiter) Allow(context.Context, string, ratelimiter.Class, int64) (bool, time.Duration, error) {
	f.calls++
	if f.deny {
		return false, f.retryAfter, nil
	}
	return true, 0, nil
}

var _ ratelimiter.Limiter = (*fakeLimiter)(nil)
