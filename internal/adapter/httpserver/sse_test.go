package httpserver

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendiffdev/ffmpeg-api-sub000/internal/adapter/progress"
	"github.com/rendiffdev/ffmpeg-api-sub000/internal/domain"
)

func newSSEFixture(t *testing.T) (*serverFixture, *progress.Bus) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	bus := progress.New(rdb, 256)
	f := newServerFixture(t)
	f.srv.Bus = bus
	f.router = f.buildRouter()
	return f, bus
}

func publishEvent(t *testing.T, bus *progress.Bus, jobID string, pct float64, terminal bool) int64 {
	t.Helper()
	ctx := context.Background()
	seq, err := bus.NextSeq(ctx, jobID)
	require.NoError(t, err)
	ev := domain.ProgressEvent{
		JobID:     jobID,
		Seq:       seq,
		Timestamp: time.Now().UTC(),
		Progress:  pct,
		Stage:     "transcoding",
		Terminal:  terminal,
	}
	if terminal {
		ev.Status = domain.JobCompleted
		ev.Stage = "completed"
	}
	require.NoError(t, bus.Publish(ctx, ev))
	return seq
}

func TestEventsReplaysRingAndClosesOnTerminal(t *testing.T) {
	f, bus := newSSEFixture(t)
	f.jobs.jobs["01SSE"] = domain.Job{ID: "01SSE", OwnerID: "key-1", Status: domain.JobCompleted}

	publishEvent(t, bus, "01SSE", 40, false)
	publishEvent(t, bus, "01SSE", 80, false)
	publishEvent(t, bus, "01SSE", 100, true)

	rec := f.do(t, http.MethodGet, "/api/v1/jobs/01SSE/events", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))

	body := rec.Body.String()
	assert.Contains(t, body, "id: 1")
	assert.Contains(t, body, "id: 2")
	assert.Contains(t, body, "id: 3")
	assert.Contains(t, body, "event: progress")
	assert.Contains(t, body, "event: terminal")
}

func TestEventsResumesAfterLastEventID(t *testing.T) {
	f, bus := newSSEFixture(t)
	f.jobs.jobs["01SSE"] = domain.Job{ID: "01SSE", OwnerID: "key-1", Status: domain.JobCompleted}

	publishEvent(t, bus, "01SSE", 40, false)
	publishEvent(t, bus, "01SSE", 80, false)
	publishEvent(t, bus, "01SSE", 100, true)

	rec := f.do(t, http.MethodGet, "/api/v1/jobs/01SSE/events", "",
		map[string]string{"Last-Event-ID": "2"})
	require.Equal(t, http.StatusOK, rec.Code)

	body := rec.Body.String()
	assert.NotContains(t, body, "id: 1\n")
	assert.NotContains(t, body, "id: 2\n")
	assert.Contains(t, body, "id: 3")
	assert.Contains(t, body, "event: terminal")
}

func TestEventsSynthesizesTerminalWhenRingExpired(t *testing.T) {
	f, _ := newSSEFixture(t)
	// Finished long ago; the progress ring has aged out of Redis.
	f.jobs.jobs["01OLD"] = domain.Job{
		ID:       "01OLD",
		OwnerID:  "key-1",
		Status:   domain.JobFailed,
		Progress: 42,
		Error:    domain.NewJobError(domain.CodeTranscoderCrash, "transcoding failed"),
	}

	rec := f.do(t, http.MethodGet, "/api/v1/jobs/01OLD/events", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	body := rec.Body.String()
	assert.Contains(t, body, "event: terminal")
	assert.Contains(t, body, `"status":"failed"`)
	assert.Contains(t, body, "TRANSCODER_CRASH")
}

func TestEventsUnknownJobIs404(t *testing.T) {
	f, _ := newSSEFixture(t)
	rec := f.do(t, http.MethodGet, "/api/v1/jobs/01NOPE/events", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestEventsForeignJobIs404(t *testing.T) {
	f, bus := newSSEFixture(t)
	f.jobs.jobs["01OTHER"] = domain.Job{ID: "01OTHER", OwnerID: "key-2", Status: domain.JobProcessing}
	publishEvent(t, bus, "01OTHER", 10, false)

	rec := f.do(t, http.MethodGet, "/api/v1/jobs/01OTHER/events", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestEventsStreamsLiveEvents(t *testing.T) {
	f, bus := newSSEFixture(t)
	f.jobs.jobs["01LIVE"] = domain.Job{ID: "01LIVE", OwnerID: "key-1", Status: domain.JobProcessing}

	ts := httptest.NewServer(f.router)
	defer ts.Close()

	req, err := http.NewRequest(http.MethodGet, ts.URL+"/api/v1/jobs/01LIVE/events", nil)
	require.NoError(t, err)
	req.Header.Set("X-API-Key", "secret-key")

	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// Give the subscriber a beat to attach, then publish live.
	time.Sleep(100 * time.Millisecond)
	publishEvent(t, bus, "01LIVE", 50, false)
	publishEvent(t, bus, "01LIVE", 100, true)

	deadline := time.Now().Add(5 * time.Second)
	buf := make([]byte, 4096)
	var got string
	for time.Now().Before(deadline) {
		n, rerr := resp.Body.Read(buf)
		got += string(buf[:n])
		if rerr != nil {
			break
		}
		if strings.Contains(got, "event: terminal") {
			break
		}
	}
	assert.Contains(t, got, "event: progress")
	assert.Contains(t, got, "event: terminal")
}
