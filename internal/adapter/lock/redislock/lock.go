// Package redislock implements the per-job distributed lock as an
// expiring Redis key plus a monotonic fencing counter. The counter
// outlives the lock key, so every acquisition of a resource observes a
// strictly larger fence than any earlier holder.
package redislock

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/rendiffdev/ffmpeg-api-sub000/internal/domain"
)

const (
	lockPrefix  = "lock:"
	fencePrefix = "fence:"
)

const luaAcquire = `
local ok = redis.call("SET", KEYS[1], ARGV[1], "NX", "PX", ARGV[2])
if not ok then
  return nil
end
return redis.call("INCR", KEYS[2])
`

const luaRenew = `
if redis.call("GET", KEYS[1]) ~= ARGV[1] then
  return 0
end
redis.call("PEXPIRE", KEYS[1], ARGV[2])
return 1
`

const luaRelease = `
if redis.call("GET", KEYS[1]) ~= ARGV[1] then
  return 0
end
redis.call("DEL", KEYS[1])
return 1
`

// Locker is the redis-backed Locker.
type Locker struct {
	rdb     *redis.Client
	acquire *redis.Script
	renew   *redis.Script
	release *redis.Script
}

// New creates a Locker on the given client.
func New(rdb *redis.Client) *Locker {
	return &Locker{
		rdb:     rdb,
		acquire: redis.NewScript(luaAcquire),
		renew:   redis.NewScript(luaRenew),
		release: redis.NewScript(luaRelease),
	}
}

// Acquire takes the lock on resource or fails with ErrLockBusy.
func (l *Locker) Acquire(ctx context.Context, resource string, ttl time.Duration) (domain.LockLease, error) {
	token := uuid.NewString()
	fence, err := l.acquire.Run(ctx, l.rdb,
		[]string{lockPrefix + resource, fencePrefix + resource},
		token, ttl.Milliseconds()).Int64()
	if err == redis.Nil {
		return domain.LockLease{}, fmt.Errorf("op=redislock.Acquire resource=%s: %w", resource, domain.ErrLockBusy)
	}
	if err != nil {
		return domain.LockLease{}, fmt.Errorf("op=redislock.Acquire: %w", err)
	}
	return domain.LockLease{Resource: resource, Token: token, Fence: fence}, nil
}

// Renew extends the lease. Fails with ErrLockLost when the key expired
// or another holder took over.
func (l *Locker) Renew(ctx context.Context, lease domain.LockLease, ttl time.Duration) error {
	n, err := l.renew.Run(ctx, l.rdb,
		[]string{lockPrefix + lease.Resource}, lease.Token, ttl.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("op=redislock.Renew: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("op=redislock.Renew resource=%s: %w", lease.Resource, domain.ErrLockLost)
	}
	return nil
}

// Release drops the lease. Releasing a lost lease is not an error; the
// next holder already fenced us out.
func (l *Locker) Release(ctx context.Context, lease domain.LockLease) error {
	if err := l.release.Run(ctx, l.rdb,
		[]string{lockPrefix + lease.Resource}, lease.Token).Err(); err != nil {
		return fmt.Errorf("op=redislock.Release: %w", err)
	}
	return nil
}

var _ domain.Locker = (*Locker)(nil)
