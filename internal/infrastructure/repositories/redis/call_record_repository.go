package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"rillcall/internal/core/domain"
	"rillcall/internal/core/ports"

	"github.com/redis/go-redis/v9"
)

const (
	callKeyPrefix    = keyPrefix + "call:"
	DefaultRetention = 30 * 24 * time.Hour
)

type RedisCallRecordRepository struct {
	client    *redis.Client
	retention time.Duration
}

func NewRedisCallRecordRepository(client *redis.Client, retention time.Duration) ports.CallRecordRepository {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &RedisCallRecordRepository{
		client:    client,
		retention: retention,
	}
}

func callKey(id domain.CallID) string {
	return callKeyPrefix + string(id)
}

func statsKey(id domain.CallID, reporter domain.UserID) string {
	return callKeyPrefix + string(id) + ":stats:" + string(reporter)
}

// reportersKey is the set of users who reported stats for the call.
func reportersKey(id domain.CallID) string {
	return callKeyPrefix + string(id) + ":reporters"
}

// isOutcomeKey tells call outcome keys apart from the per-call keys nested under them.
func isOutcomeKey(key string) bool {
	rest := strings.TrimPrefix(key, callKeyPrefix)
	return rest != key && rest != "" && !strings.Contains(rest, ":")
}

func userCallsKey(id domain.UserID) string {
	return fmt.Sprintf("%suser:%s:calls", keyPrefix, id)
}

func decodeRecord(data []byte) (*domain.CallRecord, error) {
	var record domain.CallRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("failed to unmarshal call record: %w", err)
	}
	return &record, nil
}

// indexRecord scores the call by start time in both parties' indexes.
func indexRecord(ctx context.Context, pipe redis.Pipeliner, record *domain.CallRecord) {
	member := redis.Z{
		Score:  float64(record.StartTime.UnixMilli()),
		Member: string(record.CallID),
	}
	pipe.ZAdd(ctx, userCallsKey(record.CallerID), member)
	pipe.ZAdd(ctx, userCallsKey(record.CalleeID), member)
}

// SaveOutcome keeps the first outcome written for a call.
func (r *RedisCallRecordRepository) SaveOutcome(ctx context.Context, record *domain.CallRecord) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal call record: %w", err)
	}

	stored, err := r.client.SetNX(ctx, callKey(record.CallID), data, r.retention).Result()
	if err != nil {
		return fmt.Errorf("failed to store call record: %w", err)
	}
	if !stored {
		return nil
	}

	pipe := r.client.TxPipeline()
	indexRecord(ctx, pipe, record)
	pipe.Expire(ctx, userCallsKey(record.CallerID), r.retention)
	pipe.Expire(ctx, userCallsKey(record.CalleeID), r.retention)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to index call record: %w", err)
	}
	return nil
}

func (r *RedisCallRecordRepository) GetOutcome(ctx context.Context, id domain.CallID) (*domain.CallRecord, error) {
	data, err := r.client.Get(ctx, callKey(id)).Bytes()
	if err == redis.Nil {
		return nil, domain.ErrCallNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get call record: %w", err)
	}
	return decodeRecord(data)
}

// ListByUser returns the user's calls newest first. Index entries whose record expired are skipped.
func (r *RedisCallRecordRepository) ListByUser(ctx context.Context, userID domain.UserID, limit int) ([]*domain.CallRecord, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit - 1)
	}
	ids, err := r.client.ZRevRange(ctx, userCallsKey(userID), 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list user calls: %w", err)
	}
	if len(ids) == 0 {
		return []*domain.CallRecord{}, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = callKey(domain.CallID(id))
	}
	values, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load user calls: %w", err)
	}

	records := make([]*domain.CallRecord, 0, len(values))
	for _, v := range values {
		s, ok := v.(string)
		if !ok {
			continue
		}
		record, err := decodeRecord([]byte(s))
		if err != nil {
			continue
		}
		records = append(records, record)
	}
	return records, nil
}

// SaveStats stores the report under its reporter, so each party of a call keeps one report.
func (r *RedisCallRecordRepository) SaveStats(ctx context.Context, stats *domain.CallStats) error {
	data, err := json.Marshal(stats)
	if err != nil {
		return fmt.Errorf("failed to marshal call stats: %w", err)
	}

	pipe := r.client.TxPipeline()
	pipe.Set(ctx, statsKey(stats.CallID, stats.ReportedBy), data, r.retention)
	pipe.SAdd(ctx, reportersKey(stats.CallID), string(stats.ReportedBy))
	pipe.Expire(ctx, reportersKey(stats.CallID), r.retention)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to store call stats: %w", err)
	}
	return nil
}

func (r *RedisCallRecordRepository) GetStats(ctx context.Context, id domain.CallID) ([]*domain.CallStats, error) {
	reporters, err := r.client.SMembers(ctx, reportersKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list call stats reporters: %w", err)
	}
	if len(reporters) == 0 {
		return nil, domain.ErrCallStatsNotFound
	}
	sort.Strings(reporters)

	keys := make([]string, len(reporters))
	for i, reporter := range reporters {
		keys[i] = statsKey(id, domain.UserID(reporter))
	}
	values, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get call stats: %w", err)
	}

	reports := make([]*domain.CallStats, 0, len(values))
	for _, v := range values {
		s, ok := v.(string)
		if !ok {
			continue
		}
		var stats domain.CallStats
		if err := json.Unmarshal([]byte(s), &stats); err != nil {
			return nil, fmt.Errorf("failed to unmarshal call stats: %w", err)
		}
		reports = append(reports, &stats)
	}
	if len(reports) == 0 {
		return nil, domain.ErrCallStatsNotFound
	}
	return reports, nil
}
