package store

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// MemoryLocks holds expiring dedup locks in process memory.
type MemoryLocks struct {
	mu    sync.Mutex
	locks map[string]time.Time
}

// NewMemoryLocks creates an empty lock table.
func NewMemoryLocks() *MemoryLocks {
	return &MemoryLocks{locks: make(map[string]time.Time)}
}

// Acquire takes key for ttl unless an unexpired holder exists.
func (l *MemoryLocks) Acquire(key string, ttl time.Duration, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return acquireLock(l.locks, key, ttl, now)
}

// Release drops key so the next Acquire succeeds.
func (l *MemoryLocks) Release(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.locks, key)
}

// GC deletes expired locks.
func (l *MemoryLocks) GC(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	trimExpiredLocks(l.locks, now)
}

func acquireLock(lockMap map[string]time.Time, key string, ttl time.Duration, now time.Time) bool {
	expiry, exists := lockMap[key]
	if exists && now.Before(expiry) {
		return false
	}
	lockMap[key] = now.Add(ttl)
	return true
}

func trimExpiredLocks(lockMap map[string]time.Time, now time.Time) {
	for key, expiry := range lockMap {
		if !now.Before(expiry) {
			delete(lockMap, key)
		}
	}
}

type lockCommander interface {
	SetNX(ctx context.Context, key string, value any, expiration time.Duration) *redis.BoolCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// RedisLocksConfig configures Redis-backed dedup locks.
type RedisLocksConfig struct {
	Namespace string
	Timeout   time.Duration
}

// RedisLocks shares dedup locks across instances with SET NX.
type RedisLocks struct {
	client    lockCommander
	namespace string
	timeout   time.Duration
}

// NewRedisLocks creates Redis-backed dedup locks.
func NewRedisLocks(client redis.UniversalClient, cfg RedisLocksConfig) *RedisLocks {
	return newRedisLocksFromCommander(client, cfg)
}

func newRedisLocksFromCommander(client lockCommander, cfg RedisLocksConfig) *RedisLocks {
	namespace := cfg.Namespace
	if namespace == "" {
		namespace = "repo-insights"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &RedisLocks{client: client, namespace: namespace, timeout: timeout}
}

// Acquire takes key for ttl unless another holder exists. Redis errors deny
// the lock so a flapping Redis cannot fan out duplicate work.
func (l *RedisLocks) Acquire(key string, ttl time.Duration, now time.Time) bool {
	if l == nil || l.client == nil {
		return false
	}
	if ttl <= 0 {
		return true
	}

	ctx, cancel := context.WithTimeout(context.Background(), l.timeout)
	defer cancel()

	acquired, err := l.client.SetNX(ctx, l.lockKey(key), now.UTC().Format(time.RFC3339Nano), ttl).Result()
	if err != nil {
		return false
	}
	return acquired
}

// Release deletes key. A failed delete leaves the lock to expire on its TTL.
func (l *RedisLocks) Release(key string) {
	if l == nil || l.client == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), l.timeout)
	defer cancel()
	_ = l.client.Del(ctx, l.lockKey(key)).Err()
}

func (l *RedisLocks) lockKey(key string) string {
	return l.namespace + ":lock:dedup:" + key
}
