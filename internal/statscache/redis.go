package statscache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

type redisCommander interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
}

// RedisConfig configures the Redis-backed cache.
type RedisConfig struct {
	Namespace string
	TTL       time.Duration
	// Timeout bounds each Redis round trip.
	Timeout time.Duration
	// OnError is called for Redis failures; lookups degrade to misses.
	OnError func(op string, err error)
}

// Redis shares commit stats across instances. Capacity is governed by the
// Redis maxmemory policy rather than an entry count.
type Redis struct {
	client    redisCommander
	namespace string
	ttl       time.Duration
	timeout   time.Duration
	onError   func(op string, err error)
}

// NewRedis creates a Redis-backed cache.
func NewRedis(client redis.UniversalClient, cfg RedisConfig) *Redis {
	return newRedisFromCommander(client, cfg)
}

func newRedisFromCommander(client redisCommander, cfg RedisConfig) *Redis {
	if cfg.Namespace == "" {
		cfg.Namespace = "repo-insights"
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Second
	}
	if cfg.OnError == nil {
		cfg.OnError = func(string, error) {}
	}
	return &Redis{
		client:    client,
		namespace: cfg.Namespace,
		ttl:       cfg.TTL,
		timeout:   cfg.Timeout,
		onError:   cfg.OnError,
	}
}

// Get reads cached stats. Redis expiry enforces the TTL.
func (c *Redis) Get(repoFullName, sha string) (Stats, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	raw, err := c.client.Get(ctx, c.key(repoFullName, sha)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.onError("get", err)
		}
		return Stats{}, false
	}

	var stats Stats
	if err := json.Unmarshal(raw, &stats); err != nil {
		c.onError("decode", err)
		return Stats{}, false
	}
	return stats, true
}

// Set writes stats with the configured TTL.
func (c *Redis) Set(repoFullName, sha string, stats Stats) {
	payload, err := json.Marshal(stats)
	if err != nil {
		c.onError("encode", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()
	if err := c.client.Set(ctx, c.key(repoFullName, sha), payload, c.ttl).Err(); err != nil {
		c.onError("set", err)
	}
}

func (c *Redis) key(repoFullName, sha string) string {
	return c.namespace + ":commit-stats:" + Key(repoFullName, sha)
}
