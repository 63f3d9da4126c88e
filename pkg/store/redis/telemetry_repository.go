package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"

	"hetbalancer/pkg/interfaces"
	"hetbalancer/pkg/logger"
	"hetbalancer/pkg/scheduler"

	"github.com/go-redis/redis/v8"
)

const (
	telemetryKeyPrefix  = keyPrefix + "telemetry:"         // Latest sample per worker
	telemetryWorkersSet = keyPrefix + "telemetry:workers" // Workers that published
	defaultTelemetryTTL = time.Minute
)

// TelemetryRepository peer telemetry exchange (ephemeral data with TTL)
type TelemetryRepository struct {
	redis *redis.Client
	ttl   time.Duration
}

// NewTelemetryRepository creates the telemetry repository
func NewTelemetryRepository(redisClient *RedisClient, ttl time.Duration) *TelemetryRepository {
	if ttl <= 0 {
		ttl = defaultTelemetryTTL
	}
	return &TelemetryRepository{
		redis: redisClient.GetClient(),
		ttl:   ttl,
	}
}

func telemetryKey(workerID int) string {
	return telemetryKeyPrefix + strconv.Itoa(workerID)
}

// PublishTelemetry stores the latest sample of one worker
func (r *TelemetryRepository) PublishTelemetry(ctx context.Context, t scheduler.Telemetry) error {
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("failed to marshal telemetry: %w", err)
	}

	pipe := r.redis.Pipeline()
	pipe.Set(ctx, telemetryKey(t.WorkerID), data, r.ttl)
	pipe.SAdd(ctx, telemetryWorkersSet, t.WorkerID)
	pipe.Expire(ctx, telemetryWorkersSet, r.ttl*2)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to publish telemetry: %w", err)
	}
	return nil
}

// ListTelemetry returns the unexpired samples ordered by worker id.
// Members whose sample expired are removed from the set.
func (r *TelemetryRepository) ListTelemetry(ctx context.Context) ([]scheduler.Telemetry, error) {
	members, err := r.redis.SMembers(ctx, telemetryWorkersSet).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list telemetry workers: %w", err)
	}
	if len(members) == 0 {
		return []scheduler.Telemetry{}, nil
	}

	pipe := r.redis.Pipeline()
	cmds := make([]*redis.StringCmd, len(members))
	for i, m := range members {
		cmds[i] = pipe.Get(ctx, telemetryKeyPrefix+m)
	}
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, fmt.Errorf("failed to fetch telemetry: %w", err)
	}

	samples := make([]scheduler.Telemetry, 0, len(members))
	var expired []interface{}
	for i, cmd := range cmds {
		data, err := cmd.Bytes()
		if err == redis.Nil {
			expired = append(expired, members[i])
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to fetch telemetry of worker %s: %w", members[i], err)
		}
		var t scheduler.Telemetry
		if err := json.Unmarshal(data, &t); err != nil {
			logger.WarnCtx(ctx, "skipping malformed telemetry of worker %s: %v", members[i], err)
			continue
		}
		samples = append(samples, t)
	}

	if len(expired) > 0 {
		if err := r.redis.SRem(ctx, telemetryWorkersSet, expired...).Err(); err != nil {
			logger.WarnCtx(ctx, "failed to prune expired telemetry members: %v", err)
		}
	}

	sort.Slice(samples, func(i, j int) bool { return samples[i].WorkerID < samples[j].WorkerID })
	return samples, nil
}

// ClearTelemetry drops every sample
func (r *TelemetryRepository) ClearTelemetry(ctx context.Context) error {
	members, err := r.redis.SMembers(ctx, telemetryWorkersSet).Result()
	if err != nil {
		return fmt.Errorf("failed to list telemetry workers: %w", err)
	}
	keys := make([]string, 0, len(members)+1)
	for _, m := range members {
		keys = append(keys, telemetryKeyPrefix+m)
	}
	keys = append(keys, telemetryWorkersSet)
	if err := r.redis.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("failed to clear telemetry: %w", err)
	}
	return nil
}

var _ interfaces.TelemetryStore = (*TelemetryRepository)(nil)
