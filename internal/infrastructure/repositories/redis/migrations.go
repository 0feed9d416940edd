package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"rillcall/pkg/distributed"
)

const (
	keyPrefix        = "rillcall:"
	schemaVersionKey = keyPrefix + "schema:version"
	migrationLockKey = keyPrefix + "lock:migrate"
)

type Migration struct {
	Version     int
	Description string
	Up          func(ctx context.Context, client *redis.Client) error
}

// Migrate applies pending migrations. Concurrent relays serialize on a Redis lock.
func Migrate(ctx context.Context, client *redis.Client, logger *zap.SugaredLogger) error {
	lock := distributed.NewLock(client, migrationLockKey, 30*time.Second)
	if err := lock.Acquire(ctx, 20*time.Second); err != nil {
		return err
	}
	defer func() {
		if err := lock.Release(context.Background()); err != nil {
			logger.Warnw("Failed to release migration lock", "error", err)
		}
	}()

	current, err := getSchemaVersion(ctx, client)
	if err != nil {
		return fmt.Errorf("failed to get schema version: %w", err)
	}

	for _, m := range migrations() {
		if m.Version <= current {
			continue
		}
		logger.Infow("Running migration", "version", m.Version, "description", m.Description)
		if err := m.Up(ctx, client); err != nil {
			return fmt.Errorf("migration %d failed: %w", m.Version, err)
		}
		if err := client.Set(ctx, schemaVersionKey, m.Version, 0).Err(); err != nil {
			return fmt.Errorf("failed to update schema version: %w", err)
		}
		current = m.Version
	}

	logger.Infow("Schema is up to date", "version", current)
	return nil
}

func getSchemaVersion(ctx context.Context, client *redis.Client) (int, error) {
	val, err := client.Get(ctx, schemaVersionKey).Int()
	if err == redis.Nil {
		return 0, nil
	}
	return val, err
}

func migrations() []Migration {
	return []Migration{
		{
			Version:     1,
			Description: "mark call record keyspace",
			Up: func(ctx context.Context, client *redis.Client) error {
				return client.HSet(ctx, keyPrefix+"schema:info", "records", "json", "index", "zset").Err()
			},
		},
		{
			Version:     2,
			Description: "rebuild per-user call indexes",
			Up:          rebuildUserIndexes,
		},
	}
}

// rebuildUserIndexes scans stored outcomes and re-adds them to both parties' indexes.
func rebuildUserIndexes(ctx context.Context, client *redis.Client) error {
	iter := client.Scan(ctx, 0, callKeyPrefix+"*", 200).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		if !isOutcomeKey(key) {
			continue
		}
		data, err := client.Get(ctx, key).Bytes()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return err
		}
		record, err := decodeRecord(data)
		if err != nil {
			continue
		}
		pipe := client.Pipeline()
		indexRecord(ctx, pipe, record)
		if _, err := pipe.Exec(ctx); err != nil {
			return err
		}
	}
	return iter.Err()
}
