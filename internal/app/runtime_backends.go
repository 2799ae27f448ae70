package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cam3ron2/repo-insights/internal/config"
	"github.com/cam3ron2/repo-insights/internal/statscache"
	"github.com/cam3ron2/repo-insights/internal/store"
	"github.com/cam3ron2/repo-insights/internal/syncqueue"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const redisNamespace = "repo-insights"

// newStoreFromConfig opens the configured persistence backend, migrating the
// schema first when requested.
func newStoreFromConfig(ctx context.Context, cfg *config.Config, logger *zap.Logger, now func() time.Time) (store.Store, error) {
	if !strings.EqualFold(cfg.Database.Backend, "postgres") {
		logger.Warn("using in-memory store; links and snapshots are lost on restart")
		return store.NewMemoryStore(now), nil
	}

	if cfg.Database.AutoMigrate {
		if err := store.Migrate(cfg.Database.URL); err != nil {
			return nil, fmt.Errorf("migrate database: %w", err)
		}
		logger.Info("database migrations applied")
	}
	postgres, err := store.NewPostgresStore(ctx, store.PostgresConfig{
		URL:             cfg.Database.URL,
		MaxConns:        cfg.Database.MaxConns,
		MaxConnLifetime: cfg.Database.MaxConnLifetime,
	})
	if err != nil {
		return nil, fmt.Errorf("open postgres store: %w", err)
	}
	return postgres, nil
}

// newRedisClientFromConfig connects to standalone Redis or to a Sentinel
// managed master and verifies the connection.
func newRedisClientFromConfig(ctx context.Context, cfg config.RedisConfig) (redis.UniversalClient, error) {
	var client redis.UniversalClient
	if strings.EqualFold(cfg.Mode, "sentinel") {
		client = redis.NewFailoverClient(&redis.FailoverOptions{
			MasterName:    cfg.MasterSet,
			SentinelAddrs: cfg.SentinelAddrs,
			Password:      cfg.Password,
			DB:            cfg.DB,
			DialTimeout:   cfg.Timeout,
		})
	} else {
		client = redis.NewClient(&redis.Options{
			Addr:        cfg.Addr,
			Password:    cfg.Password,
			DB:          cfg.DB,
			DialTimeout: cfg.Timeout,
		})
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

// newStatsCache builds the commit stats cache. Redis errors degrade to cache
// misses and are logged, never surfaced to callers.
func newStatsCache(cfg *config.Config, client redis.UniversalClient, logger *zap.Logger, now func() time.Time) statscache.Cache {
	if client != nil && strings.EqualFold(cfg.Cache.Backend, "redis") {
		return statscache.NewRedis(client, statscache.RedisConfig{
			Namespace: redisNamespace,
			TTL:       cfg.Cache.TTL,
			Timeout:   cfg.Redis.Timeout,
			OnError: func(op string, err error) {
				logger.Debug("commit stats cache error", zap.String("op", op), zap.Error(err))
			},
		})
	}
	return statscache.NewMemory(statscache.Config{
		TTL:      cfg.Cache.TTL,
		Capacity: cfg.Cache.Capacity,
		Now:      now,
	})
}

// newSyncDeduper builds the lock store that suppresses duplicate sync jobs.
// Redis locks are shared across replicas; memory locks only dedup within one
// process.
func newSyncDeduper(cfg *config.Config, client redis.UniversalClient) syncqueue.Deduper {
	if client != nil && strings.EqualFold(cfg.Sync.LockBackend, "redis") {
		return store.NewRedisLocks(client, store.RedisLocksConfig{
			Namespace: redisNamespace,
			Timeout:   cfg.Redis.Timeout,
		})
	}
	return store.NewMemoryLocks()
}
