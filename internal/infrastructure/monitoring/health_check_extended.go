package monitoring

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"rillcall/internal/core/domain"
	"rillcall/internal/core/ports"
)

func (h *HealthChecker) AddRedisCheck(client *redis.Client, interval, timeout time.Duration) {
	h.AddCheck("redis", func(ctx context.Context) error {
		return client.Ping(ctx).Err()
	}, interval, timeout)
}

const healthCheckCallID domain.CallID = "health-check"

// AddRepositoryCheck reads a call id that never exists; only a not-found answer is healthy.
func (h *HealthChecker) AddRepositoryCheck(repo ports.CallRecordRepository, interval, timeout time.Duration) {
	h.AddCheck("call_records", func(ctx context.Context) error {
		_, err := repo.GetOutcome(ctx, healthCheckCallID)
		if err == nil || errors.Is(err, domain.ErrCallNotFound) {
			return nil
		}
		return err
	}, interval, timeout)
}

// IsReady checks if the relay can accept traffic.
func (h *HealthChecker) IsReady(ctx context.Context) bool {
	return h.CheckAll(ctx).Status == StatusHealthy
}
