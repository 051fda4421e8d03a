package redisq

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendiffdev/ffmpeg-api-sub000/internal/domain"
)

func newTestQueue(t *testing.T) (*Queue, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return New(rdb), mr
}

func TestLeaseOrdersByPriorityThenFIFO(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, "low-1", domain.PriorityLow))
	require.NoError(t, q.Enqueue(ctx, "norm-1", domain.PriorityNormal))
	require.NoError(t, q.Enqueue(ctx, "urgent-1", domain.PriorityUrgent))
	require.NoError(t, q.Enqueue(ctx, "norm-2", domain.PriorityNormal))
	require.NoError(t, q.Enqueue(ctx, "high-1", domain.PriorityHigh))

	var got []string
	for i := 0; i < 5; i++ {
		task, err := q.Lease(ctx, "w1", time.Minute)
		require.NoError(t, err)
		got = append(got, task.JobID)
	}
	assert.Equal(t, []string{"urgent-1", "high-1", "norm-1", "norm-2", "low-1"}, got)

	_, err := q.Lease(ctx, "w1", time.Minute)
	assert.ErrorIs(t, err, domain.ErrQueueEmpty)
}

func TestLeaseEmptyQueue(t *testing.T) {
	q, _ := newTestQueue(t)
	_, err := q.Lease(context.Background(), "w1", time.Minute)
	assert.ErrorIs(t, err, domain.ErrQueueEmpty)
}

func TestAckRemovesTask(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, "job-a", domain.PriorityNormal))
	task, err := q.Lease(ctx, "w1", time.Minute)
	require.NoError(t, err)
	require.Equal(t, "job-a", task.JobID)
	require.Equal(t, 1, task.Attempt)

	require.NoError(t, q.Ack(ctx, task.Token))

	depth, err := q.Depth(ctx)
	require.NoError(t, err)
	assert.Zero(t, depth)

	// Double-ack surfaces a missing lease.
	assert.ErrorIs(t, q.Ack(ctx, task.Token), domain.ErrLeaseNotFound)
}

func TestNackImmediateRequeue(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, "job-a", domain.PriorityHigh))
	task, err := q.Lease(ctx, "w1", time.Minute)
	require.NoError(t, err)

	require.NoError(t, q.Nack(ctx, task.Token, 0))

	again, err := q.Lease(ctx, "w2", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "job-a", again.JobID)
	assert.Equal(t, domain.PriorityHigh, again.Priority)
	// Delivery count grows on redelivery.
	assert.Equal(t, 2, again.Attempt)
}

func TestNackWithDelayHidesUntilDue(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, "job-a", domain.PriorityNormal))
	task, err := q.Lease(ctx, "w1", time.Minute)
	require.NoError(t, err)

	require.NoError(t, q.Nack(ctx, task.Token, time.Hour))

	_, err = q.Lease(ctx, "w1", time.Minute)
	assert.ErrorIs(t, err, domain.ErrQueueEmpty)
}

func TestReapExpiredRedelivers(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, "job-a", domain.PriorityNormal))
	_, err := q.Lease(ctx, "w1", 10*time.Millisecond)
	require.NoError(t, err)

	// Before expiry the task is invisible.
	n, err := q.ReapExpired(ctx, time.Now())
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = q.ReapExpired(ctx, time.Now().Add(time.Second))
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	task, err := q.Lease(ctx, "w2", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "job-a", task.JobID)
	assert.Equal(t, 2, task.Attempt)
}

func TestDepthCountsReadyOnly(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, "a", domain.PriorityNormal))
	require.NoError(t, q.Enqueue(ctx, "b", domain.PriorityNormal))

	depth, err := q.Depth(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, depth)

	_, err = q.Lease(ctx, "w1", time.Minute)
	require.NoError(t, err)

	depth, err = q.Depth(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, depth)
}
