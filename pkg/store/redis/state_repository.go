package redis

import (
	"context"
	"fmt"

	"hetbalancer/pkg/interfaces"
	"hetbalancer/pkg/scheduler"

	"github.com/go-redis/redis/v8"
)

// StateRepository keeps the scheduler snapshot under a single key, without TTL
type StateRepository struct {
	redis *redis.Client
	key   string
}

// NewStateRepository creates the state repository; key defaults to hetbalancer:state
func NewStateRepository(redisClient *RedisClient, key string) *StateRepository {
	if key == "" {
		key = keyPrefix + "state"
	}
	return &StateRepository{
		redis: redisClient.GetClient(),
		key:   key,
	}
}

// SaveState overwrites the stored snapshot
func (r *StateRepository) SaveState(ctx context.Context, snap *scheduler.Snapshot) error {
	data, err := scheduler.MarshalState(snap)
	if err != nil {
		return err
	}
	if err := r.redis.Set(ctx, r.key, data, 0).Err(); err != nil {
		return fmt.Errorf("failed to save scheduler state: %w", err)
	}
	return nil
}

// LoadState returns the stored snapshot or interfaces.ErrStateNotFound
func (r *StateRepository) LoadState(ctx context.Context) (*scheduler.Snapshot, error) {
	data, err := r.redis.Get(ctx, r.key).Bytes()
	if err == redis.Nil {
		return nil, interfaces.ErrStateNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load scheduler state: %w", err)
	}
	return scheduler.UnmarshalState(data)
}

var _ interfaces.StateStore = (*StateRepository)(nil)
