package usecase

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendiffdev/ffmpeg-api-sub000/internal/domain"
)

func seedJob(t *testing.T, jobs *fakeJobs, j domain.Job) string {
	t.Helper()
	id, err := jobs.CreateWithQuota(context.Background(), j, 100)
	require.NoError(t, err)
	return id
}

func TestGetScopesToOwner(t *testing.T) {
	t.Parallel()
	jobs := newFakeJobs()
	svc := NewJobService(jobs, newFakeBus(), &fakeWebhooks{})
	id := seedJob(t, jobs, domain.Job{OwnerID: "owner-1", Status: domain.JobQueued})

	j, err := svc.Get(context.Background(), "owner-1", id)
	require.NoError(t, err)
	assert.Equal(t, id, j.ID)

	// Someone else's job reads as absent.
	_, err = svc.Get(context.Background(), "owner-2", id)
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrNotFound))
	assert.Equal(t, domain.CodeNotFound, domain.CodeOf(err))
}

func TestListRejectsUnknownStatus(t *testing.T) {
	t.Parallel()
	svc := NewJobService(newFakeJobs(), newFakeBus(), &fakeWebhooks{})
	_, _, err := svc.List(context.Background(), domain.ListFilter{Owner: "owner-1", Status: "sleeping"})
	require.Error(t, err)
	assert.Equal(t, domain.CodeInvalidInput, domain.CodeOf(err))
}

func TestStatsCountsPerStatus(t *testing.T) {
	t.Parallel()
	jobs := newFakeJobs()
	svc := NewJobService(jobs, newFakeBus(), &fakeWebhooks{})
	seedJob(t, jobs, domain.Job{OwnerID: "owner-1", Status: domain.JobQueued})
	seedJob(t, jobs, domain.Job{OwnerID: "owner-1", Status: domain.JobCompleted})
	seedJob(t, jobs, domain.Job{OwnerID: "owner-2", Status: domain.JobQueued})

	s, err := svc.Stats(context.Background(), "owner-1")
	require.NoError(t, err)
	assert.EqualValues(t, 1, s.Queued)
	assert.EqualValues(t, 1, s.Completed)
	assert.EqualValues(t, 2, s.Total)
}

func TestCancelQueuedIsSynchronousAndAnnounced(t *testing.T) {
	t.Parallel()
	jobs := newFakeJobs()
	bus := newFakeBus()
	wh := &fakeWebhooks{}
	svc := NewJobService(jobs, bus, wh)
	id := seedJob(t, jobs, domain.Job{
		OwnerID:    "owner-1",
		Status:     domain.JobQueued,
		WebhookURL: "https://hooks.example.com/cb",
	})

	j, err := svc.Cancel(context.Background(), "owner-1", id)
	require.NoError(t, err)
	assert.Equal(t, domain.JobCancelled, j.Status)

	require.Len(t, bus.events, 1)
	assert.True(t, bus.events[0].Terminal)
	assert.Equal(t, domain.JobCancelled, bus.events[0].Status)
	assert.EqualValues(t, 1, bus.events[0].Seq)

	require.Len(t, wh.records, 1)
	assert.Equal(t, domain.WebhookEventCancelled, wh.records[0].Event)
	assert.True(t, wh.records[0].Terminal)
}

func TestCancelProcessingSetsFlag(t *testing.T) {
	t.Parallel()
	jobs := newFakeJobs()
	bus := newFakeBus()
	svc := NewJobService(jobs, bus, &fakeWebhooks{})
	id := seedJob(t, jobs, domain.Job{OwnerID: "owner-1", Status: domain.JobQueued})
	_, err := jobs.MarkProcessing(context.Background(), id, "w1", 1, time.Now())
	require.NoError(t, err)

	j, err := svc.Cancel(context.Background(), "owner-1", id)
	require.NoError(t, err)
	assert.Equal(t, domain.JobProcessing, j.Status)
	assert.True(t, j.CancelRequested)
	// The worker owns the terminal transition; nothing announced yet.
	assert.Empty(t, bus.events)
}

func TestCancelTerminalConflicts(t *testing.T) {
	t.Parallel()
	jobs := newFakeJobs()
	svc := NewJobService(jobs, newFakeBus(), &fakeWebhooks{})
	id := seedJob(t, jobs, domain.Job{OwnerID: "owner-1", Status: domain.JobQueued})
	_, err := jobs.TransitionTerminal(context.Background(), id, 0, domain.JobCompleted, nil)
	require.NoError(t, err)

	_, err = svc.Cancel(context.Background(), "owner-1", id)
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrConflict))
	assert.Equal(t, domain.CodeConflict, domain.CodeOf(err))
}

func TestCancelTwiceIsIdempotent(t *testing.T) {
	t.Parallel()
	jobs := newFakeJobs()
	bus := newFakeBus()
	wh := &fakeWebhooks{}
	svc := NewJobService(jobs, bus, wh)
	id := seedJob(t, jobs, domain.Job{
		OwnerID:    "owner-1",
		Status:     domain.JobQueued,
		WebhookURL: "https://hooks.example.com/cb",
	})

	first, err := svc.Cancel(context.Background(), "owner-1", id)
	require.NoError(t, err)
	assert.Equal(t, domain.JobCancelled, first.Status)

	// Repeating the DELETE answers the same record and changes nothing.
	second, err := svc.Cancel(context.Background(), "owner-1", id)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, domain.JobCancelled, second.Status)
	assert.Len(t, bus.events, 1)
	assert.Len(t, wh.records, 1)
}
