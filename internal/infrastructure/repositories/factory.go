package repositories

import (
	"context"
	"errors"
	"fmt"
	"time"

	"rendezvous/internal/core/ports"
	eventmirror "rendezvous/internal/infrastructure/distributed"
	"rendezvous/internal/infrastructure/repositories/memory"
	redisrepo "rendezvous/internal/infrastructure/repositories/redis"
	"rendezvous/pkg/circuitbreaker"
	"rendezvous/pkg/config"
	"rendezvous/pkg/distributed"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RepositoryFactory builds the event log and, when Redis is configured and
// reachable, the Redis mirror. A Redis outage at startup falls back to
// running without a mirror.
type RepositoryFactory struct {
	cfg         *config.Config
	redisClient *redis.Client
	mirrorLease *distributed.Lease
	logger      *zap.SugaredLogger
}

// ErrMirrorOwned is returned when another relay already mirrors to the
// configured key prefix.
var ErrMirrorOwned = errors.New("event mirror owned by another relay")

const mirrorLeaseTTL = 15 * time.Second

// NewRepositoryFactory creates a new repository factory
func NewRepositoryFactory(ctx context.Context, cfg *config.Config, logger *zap.SugaredLogger) *RepositoryFactory {
	factory := &RepositoryFactory{cfg: cfg, logger: logger}

	if cfg.Redis.Enabled {
		client, err := redisrepo.NewRedisClient(ctx, redisrepo.ClientOptions{
			Address:  cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
		}, logger)
		if err != nil {
			logger.Warnw("failed to connect to Redis, running without event mirror", "error", err)
		} else {
			factory.redisClient = client
		}
	}

	return factory
}

func (f *RepositoryFactory) CreateEventLogRepository() ports.EventLogRepository {
	return memory.NewMemoryEventLogRepository()
}

// CreateEventMirror returns nil when Redis is not in use.
func (f *RepositoryFactory) CreateEventMirror(ctx context.Context) (ports.EventMirror, error) {
	if f.redisClient == nil {
		return nil, nil
	}

	lease := distributed.NewLease(f.redisClient, f.cfg.Redis.KeyPrefix+":mirror-owner", mirrorLeaseTTL)
	ok, err := lease.TryAcquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("create event mirror: %w", err)
	}
	if !ok {
		return nil, ErrMirrorOwned
	}
	f.mirrorLease = lease

	mirror := eventmirror.NewRedisEventMirror(f.redisClient, eventmirror.MirrorConfig{
		Key:           f.cfg.Redis.KeyPrefix + ":log",
		Channel:       f.cfg.Redis.Channel,
		BatchSize:     f.cfg.Redis.BatchSize,
		BatchInterval: f.cfg.Redis.BatchInterval,
		Breaker:       circuitbreaker.DefaultConfig(),
	}, f.logger)

	if err := mirror.Reset(ctx); err != nil {
		_ = mirror.Close()
		return nil, fmt.Errorf("create event mirror: %w", err)
	}
	f.logger.Infow("mirroring event log to Redis", "lease", lease.Key(), "key", f.cfg.Redis.KeyPrefix+":log", "channel", f.cfg.Redis.Channel)
	return mirror, nil
}

// RedisClient is nil when Redis is disabled or unreachable.
func (f *RepositoryFactory) RedisClient() *redis.Client {
	return f.redisClient
}

// MirrorLease is nil unless CreateEventMirror succeeded.
func (f *RepositoryFactory) MirrorLease() *distributed.Lease {
	return f.mirrorLease
}

// Close releases the mirror lease and closes the Redis client
func (f *RepositoryFactory) Close() error {
	if f.mirrorLease != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := f.mirrorLease.Release(ctx); err != nil {
			f.logger.Warnw("failed to release mirror lease", "key", f.mirrorLease.Key(), "error", err)
		}
		cancel()
	}
	if f.redisClient != nil {
		return f.redisClient.Close()
	}
	return nil
}
