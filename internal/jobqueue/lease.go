package jobqueue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/EagleChen/mapmutex"
	"github.com/go-redis/redis/v8"
)

// Lease grants one holder at a time exclusive use of a key. The dispatcher
// leases the VM id for the duration of each job.
type Lease interface {
	Acquire(ctx context.Context, key, holder string, ttl time.Duration) (bool, error)
	// Refresh extends a lease still held by holder and reports whether it
	// was.
	Refresh(ctx context.Context, key, holder string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key, holder string) error
}

// LocalLease leases keys within one process. TTLs are not enforced: a lease
// lives until released.
type LocalLease struct {
	locks *mapmutex.Mutex

	mu      sync.Mutex
	holders map[string]string
}

// NewLocalLease creates a LocalLease.
func NewLocalLease() *LocalLease {
	return &LocalLease{
		// One attempt: Acquire never waits for a busy key.
		locks:   mapmutex.NewCustomizedMapMutex(1, 100000000, 10, 1.1, 0.2),
		holders: make(map[string]string),
	}
}

// Acquire implements Lease.
func (l *LocalLease) Acquire(_ context.Context, key, holder string, _ time.Duration) (bool, error) {
	if !l.locks.TryLock(key) {
		return false, nil
	}
	l.mu.Lock()
	l.holders[key] = holder
	l.mu.Unlock()
	return true, nil
}

// Refresh implements Lease.
func (l *LocalLease) Refresh(_ context.Context, key, holder string, _ time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.holders[key] == holder, nil
}

// Release implements Lease. Releasing a lease held by someone else is a
// no-op.
func (l *LocalLease) Release(_ context.Context, key, holder string) error {
	l.mu.Lock()
	if l.holders[key] != holder {
		l.mu.Unlock()
		return nil
	}
	delete(l.holders, key)
	l.mu.Unlock()
	l.locks.Unlock(key)
	return nil
}

var (
	refreshScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("pexpire", KEYS[1], ARGV[2])
end
return 0`)

	releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0`)
)

// RedisLease leases keys across every node sharing a Redis server.
type RedisLease struct {
	rdb    redis.UniversalClient
	prefix string
}

// NewRedisLease creates a RedisLease storing leases under prefix.
func NewRedisLease(rdb redis.UniversalClient, prefix string) *RedisLease {
	return &RedisLease{rdb: rdb, prefix: prefix}
}

func (l *RedisLease) key(k string) string {
	return l.prefix + "lease:" + k
}

// Acquire implements Lease.
func (l *RedisLease) Acquire(ctx context.Context, key, holder string, ttl time.Duration) (bool, error) {
	ok, err := l.rdb.SetNX(ctx, l.key(key), holder, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to acquire lease %s: %w", key, err)
	}
	return ok, nil
}

// Refresh implements Lease.
func (l *RedisLease) Refresh(ctx context.Context, key, holder string, ttl time.Duration) (bool, error) {
	n, err := refreshScript.Run(ctx, l.rdb, []string{l.key(key)}, holder, ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("failed to refresh lease %s: %w", key, err)
	}
	return n == 1, nil
}

// Release implements Lease.
func (l *RedisLease) Release(ctx context.Context, key, holder string) error {
	if err := releaseScript.Run(ctx, l.rdb, []string{l.key(key)}, holder).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("failed to release lease %s: %w", key, err)
	}
	return nil
}
