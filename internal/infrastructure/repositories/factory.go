package repositories

import (
	"context"

	"rillcall/internal/core/ports"
	samplearchive "rillcall/internal/infrastructure/archive"
	"rillcall/internal/infrastructure/repositories/memory"
	redisrepo "rillcall/internal/infrastructure/repositories/redis"
	"rillcall/pkg/archive"
	"rillcall/pkg/config"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RepositoryFactory creates repositories with fallback support
type RepositoryFactory struct {
	cfg         *config.Config
	useRedis    bool
	redisClient *redis.Client
	logger      *zap.SugaredLogger
}

// NewRepositoryFactory connects to Redis when enabled and falls back to memory when it is unreachable.
func NewRepositoryFactory(cfg *config.Config, logger *zap.SugaredLogger) *RepositoryFactory {
	factory := &RepositoryFactory{
		cfg:      cfg,
		useRedis: cfg.Redis.Enabled,
		logger:   logger,
	}

	if cfg.Redis.Enabled {
		client, err := redisrepo.NewRedisClient(
			cfg.Redis.Address,
			cfg.Redis.Password,
			cfg.Redis.DB,
			cfg.Redis.PoolSize,
			logger,
		)
		if err != nil {
			logger.Warnw("failed to connect to Redis, falling back to memory repositories",
				"error", err,
			)
			factory.useRedis = false
		} else {
			factory.redisClient = client
			logger.Info("using Redis repositories")
		}
	}

	if !factory.useRedis {
		logger.Info("using memory repositories")
	}
	return factory
}

func (f *RepositoryFactory) CreateCallRecordRepository() ports.CallRecordRepository {
	if f.useRedis && f.redisClient != nil {
		return redisrepo.NewRedisCallRecordRepository(f.redisClient, f.cfg.Redis.Retention)
	}
	return memory.NewMemoryCallRecordRepository()
}

// CreateSampleArchive prefers S3, then a local directory. It returns nil when neither is configured.
func (f *RepositoryFactory) CreateSampleArchive(ctx context.Context) (ports.SampleArchive, error) {
	storageCfg := f.cfg.Storage
	switch {
	case storageCfg.S3.Enabled:
		s3cfg := storageCfg.S3
		storage, err := archive.NewS3StorageFromConfig(ctx, s3cfg.Region, s3cfg.Endpoint, s3cfg.Bucket, s3cfg.Prefix)
		if err != nil {
			return nil, err
		}
		f.logger.Infow("archiving call samples to S3", "bucket", s3cfg.Bucket, "prefix", s3cfg.Prefix)
		return samplearchive.NewSampleArchive(storage), nil
	case storageCfg.LocalDir != "":
		storage, err := archive.NewFileStorage(storageCfg.LocalDir)
		if err != nil {
			return nil, err
		}
		f.logger.Infow("archiving call samples to disk", "dir", storageCfg.LocalDir)
		return samplearchive.NewSampleArchive(storage), nil
	default:
		return nil, nil
	}
}

// RedisClient is nil when running on memory repositories.
func (f *RepositoryFactory) RedisClient() *redis.Client {
	if f.useRedis {
		return f.redisClient
	}
	return nil
}

func (f *RepositoryFactory) Close() error {
	if f.redisClient != nil {
		return redisrepo.CloseRedisClient(f.redisClient)
	}
	return nil
}
