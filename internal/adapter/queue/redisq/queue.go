// Package redisq implements the durable task queue on Redis. A sorted
// set orders ready tasks by priority then arrival; leased tasks move to
// an expiry-scored set until acked. All transitions run as Lua scripts
// so concurrent workers never observe a half-moved task.
package redisq

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/rendiffdev/ffmpeg-api-sub000/internal/domain"
)

const (
	keyReady    = "q:ready"   // ZSET job_id → rank*1e13 + seq
	keyDelayed  = "q:delayed" // ZSET job_id → ready-at unix ms
	keyLeased   = "q:leased"  // ZSET lease token → expiry unix ms
	keySeq      = "q:seq"     // arrival counter, FIFO within a priority
	keyPriority = "q:prio"    // HASH job_id → priority
	keyAttempts = "q:attempts" // HASH job_id → delivery count
	leasePrefix = "q:lease:"  // HASH per token: job_id, priority, attempt, worker_id
)

// Queue is the redis-backed TaskQueue.
type Queue struct {
	rdb *redis.Client

	enqueue *redis.Script
	lease   *redis.Script
	ack     *redis.Script
	nack    *redis.Script
	reap    *redis.Script
}

// New creates a Queue on the given client.
func New(rdb *redis.Client) *Queue {
	return &Queue{
		rdb:     rdb,
		enqueue: redis.NewScript(luaEnqueue),
		lease:   redis.NewScript(luaLease),
		ack:     redis.NewScript(luaAck),
		nack:    redis.NewScript(luaNack),
		reap:    redis.NewScript(luaReap),
	}
}

// Priority rank orders the ready set: lower pops first. Derived from the
// fixed weight table so urgent outranks high outranks normal outranks low.
const luaScore = `
local function score(prio, seq)
  local rank = 5
  if prio == "urgent" then rank = 0
  elseif prio == "high" then rank = 2
  elseif prio == "normal" then rank = 5
  elseif prio == "low" then rank = 9
  end
  return rank * 1e13 + seq
end
`

const luaEnqueue = luaScore + `
local job = ARGV[1]
local prio = ARGV[2]
local seq = redis.call("INCR", KEYS[3])
redis.call("HSET", KEYS[2], job, prio)
redis.call("ZADD", KEYS[1], score(prio, seq), job)
return 1
`

// Lease first promotes due delayed tasks, then pops the lowest-scored
// ready task and records the lease under the caller-supplied token.
const luaLease = luaScore + `
local ready, delayed, leased, seqk, priok, attemptsk = KEYS[1], KEYS[2], KEYS[3], KEYS[4], KEYS[5], KEYS[6]
local token, worker = ARGV[1], ARGV[2]
local now_ms, expiry_ms = tonumber(ARGV[3]), tonumber(ARGV[4])

local due = redis.call("ZRANGEBYSCORE", delayed, "-inf", now_ms)
for _, job in ipairs(due) do
  redis.call("ZREM", delayed, job)
  local prio = redis.call("HGET", priok, job) or "normal"
  local seq = redis.call("INCR", seqk)
  redis.call("ZADD", ready, score(prio, seq), job)
end

local popped = redis.call("ZRANGE", ready, 0, 0)
if #popped == 0 then
  return nil
end
local job = popped[1]
redis.call("ZREM", ready, job)
local prio = redis.call("HGET", priok, job) or "normal"
local attempt = redis.call("HINCRBY", attemptsk, job, 1)
redis.call("HSET", "q:lease:" .. token, "job_id", job, "priority", prio, "attempt", attempt, "worker_id", worker)
redis.call("ZADD", leased, expiry_ms, token)
return { job, prio, attempt }
`

const luaAck = `
local leased, priok, attemptsk = KEYS[1], KEYS[2], KEYS[3]
local token = ARGV[1]
local lk = "q:lease:" .. token
local job = redis.call("HGET", lk, "job_id")
if not job then
  return 0
end
redis.call("ZREM", leased, token)
redis.call("DEL", lk)
redis.call("HDEL", priok, job)
redis.call("HDEL", attemptsk, job)
return 1
`

const luaNack = luaScore + `
local ready, delayed, leased, seqk, priok = KEYS[1], KEYS[2], KEYS[3], KEYS[4], KEYS[5]
local token = ARGV[1]
local ready_at_ms = tonumber(ARGV[2])
local now_ms = tonumber(ARGV[3])
local lk = "q:lease:" .. token
local job = redis.call("HGET", lk, "job_id")
if not job then
  return 0
end
redis.call("ZREM", leased, token)
redis.call("DEL", lk)
if ready_at_ms > now_ms then
  redis.call("ZADD", delayed, ready_at_ms, job)
else
  local prio = redis.call("HGET", priok, job) or "normal"
  local seq = redis.call("INCR", seqk)
  redis.call("ZADD", ready, score(prio, seq), job)
end
return 1
`

const luaReap = luaScore + `
local ready, leased, seqk, priok = KEYS[1], KEYS[2], KEYS[3], KEYS[4]
local now_ms = tonumber(ARGV[1])
local expired = redis.call("ZRANGEBYSCORE", leased, "-inf", now_ms)
local n = 0
for _, token in ipairs(expired) do
  local lk = "q:lease:" .. token
  local job = redis.call("HGET", lk, "job_id")
  redis.call("ZREM", leased, token)
  redis.call("DEL", lk)
  if job then
    local prio = redis.call("HGET", priok, job) or "normal"
    local seq = redis.call("INCR", seqk)
    redis.call("ZADD", ready, score(prio, seq), job)
    n = n + 1
  end
end
return n
`

// Enqueue places a job on the ready set. FIFO within a priority.
func (q *Queue) Enqueue(ctx context.Context, jobID string, p domain.Priority) error {
	ctx, span := otel.Tracer("queue.redisq").Start(ctx, "queue.enqueue")
	defer span.End()
	span.SetAttributes(attribute.String("job.id", jobID), attribute.String("job.priority", string(p)))

	if !p.Valid() {
		p = domain.PriorityNormal
	}
	if err := q.enqueue.Run(ctx, q.rdb,
		[]string{keyReady, keyPriority, keySeq}, jobID, string(p)).Err(); err != nil {
		return fmt.Errorf("op=redisq.Enqueue: %w", err)
	}
	return nil
}

// Lease pops one ready task, making it invisible for the visibility
// window. Returns ErrQueueEmpty when nothing is ready.
func (q *Queue) Lease(ctx context.Context, workerID string, visibility time.Duration) (domain.LeasedTask, error) {
	ctx, span := otel.Tracer("queue.redisq").Start(ctx, "queue.lease")
	defer span.End()

	token := uuid.NewString()
	now := time.Now()
	res, err := q.lease.Run(ctx, q.rdb,
		[]string{keyReady, keyDelayed, keyLeased, keySeq, keyPriority, keyAttempts},
		token, workerID, now.UnixMilli(), now.Add(visibility).UnixMilli()).Result()
	if err == redis.Nil {
		return domain.LeasedTask{}, domain.ErrQueueEmpty
	}
	if err != nil {
		return domain.LeasedTask{}, fmt.Errorf("op=redisq.Lease: %w", err)
	}
	vals, ok := res.([]interface{})
	if !ok || len(vals) != 3 {
		return domain.LeasedTask{}, fmt.Errorf("op=redisq.Lease: unexpected reply %v: %w", res, domain.ErrInternal)
	}
	jobID, _ := vals[0].(string)
	prio, _ := vals[1].(string)
	attempt, _ := vals[2].(int64)
	span.SetAttributes(attribute.String("job.id", jobID), attribute.Int64("job.attempt", attempt))
	return domain.LeasedTask{
		JobID:    jobID,
		Priority: domain.Priority(prio),
		Token:    token,
		Attempt:  int(attempt),
	}, nil
}

// Ack removes the lease and the task for good.
func (q *Queue) Ack(ctx context.Context, token string) error {
	n, err := q.ack.Run(ctx, q.rdb, []string{keyLeased, keyPriority, keyAttempts}, token).Int()
	if err != nil {
		return fmt.Errorf("op=redisq.Ack: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("op=redisq.Ack: token %s: %w", token, domain.ErrLeaseNotFound)
	}
	return nil
}

// Nack returns the task to the queue after delay (zero for immediate).
func (q *Queue) Nack(ctx context.Context, token string, delay time.Duration) error {
	now := time.Now()
	n, err := q.nack.Run(ctx, q.rdb,
		[]string{keyReady, keyDelayed, keyLeased, keySeq, keyPriority},
		token, now.Add(delay).UnixMilli(), now.UnixMilli()).Int()
	if err != nil {
		return fmt.Errorf("op=redisq.Nack: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("op=redisq.Nack: token %s: %w", token, domain.ErrLeaseNotFound)
	}
	return nil
}

// ReapExpired returns leases past their visibility window to the ready
// set. Run periodically by the worker process.
func (q *Queue) ReapExpired(ctx context.Context, now time.Time) (int64, error) {
	n, err := q.reap.Run(ctx, q.rdb,
		[]string{keyReady, keyLeased, keySeq, keyPriority}, now.UnixMilli()).Int64()
	if err != nil {
		return 0, fmt.Errorf("op=redisq.ReapExpired: %w", err)
	}
	return n, nil
}

// Depth reports the number of ready tasks (delayed excluded).
func (q *Queue) Depth(ctx context.Context) (int64, error) {
	n, err := q.rdb.ZCard(ctx, keyReady).Result()
	if err != nil {
		return 0, fmt.Errorf("op=redisq.Depth: %w", err)
	}
	return n, nil
}

var _ domain.TaskQueue = (*Queue)(nil)
