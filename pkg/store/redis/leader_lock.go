package redis

import (
	"context"
	"fmt"
	"sync"
	"time"

	"hetbalancer/pkg/interfaces"
	"hetbalancer/pkg/logger"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

const (
	leaderLockKey      = keyPrefix + "leader"
	defaultLeaderTTL   = 30 * time.Second
	lockAcquireTimeout = 5 * time.Second
)

// Acquire the lock, or extend it when this instance already owns it
var acquireScript = redis.NewScript(`
local v = redis.call("get", KEYS[1])
if not v then
	redis.call("set", KEYS[1], ARGV[1], "PX", ARGV[2])
	return 1
end
if v == ARGV[1] then
	redis.call("pexpire", KEYS[1], ARGV[2])
	return 1
end
return 0
`)

var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end
`)

// LeaderLock Redis lease electing the one instance that checkpoints and
// prunes history. The lease is extended by calling TryLock again before it expires.
type LeaderLock struct {
	client *redis.Client
	key    string
	value  string // unique per instance, never release another instance's lock
	ttl    time.Duration

	mu     sync.Mutex
	isHeld bool
}

// NewLeaderLock creates the lock; a nil client means single-instance mode
// where the lock is always granted
func NewLeaderLock(redisClient *RedisClient, key string, ttl time.Duration) *LeaderLock {
	if key == "" {
		key = leaderLockKey
	}
	if ttl <= 0 {
		ttl = defaultLeaderTTL
	}
	var client *redis.Client
	if redisClient != nil {
		client = redisClient.GetClient()
	}
	return &LeaderLock{
		client: client,
		key:    key,
		value:  uuid.NewString(),
		ttl:    ttl,
	}
}

// TryLock acquires or extends the lease
func (l *LeaderLock) TryLock(ctx context.Context) (bool, error) {
	if l.client == nil {
		l.setHeld(true)
		return true, nil
	}

	acquireCtx, cancel := context.WithTimeout(ctx, lockAcquireTimeout)
	defer cancel()

	res, err := acquireScript.Run(acquireCtx, l.client, []string{l.key}, l.value, l.ttl.Milliseconds()).Int64()
	if err != nil {
		return false, fmt.Errorf("failed to acquire leader lock: %w", err)
	}

	held := res == 1
	if held != l.IsHeld() {
		if held {
			logger.InfoCtx(ctx, "leader lock acquired (%s)", l.key)
		} else {
			logger.WarnCtx(ctx, "leader lock lost (%s)", l.key)
		}
	}
	l.setHeld(held)
	return held, nil
}

// Unlock releases the lease if this instance owns it
func (l *LeaderLock) Unlock(ctx context.Context) error {
	if !l.IsHeld() {
		return nil
	}
	l.setHeld(false)
	if l.client == nil {
		return nil
	}

	res, err := releaseScript.Run(ctx, l.client, []string{l.key}, l.value).Int64()
	if err != nil {
		return fmt.Errorf("failed to release leader lock: %w", err)
	}
	if res == 0 {
		logger.WarnCtx(ctx, "leader lock was already released or held by another instance")
	}
	return nil
}

// IsHeld last known ownership
func (l *LeaderLock) IsHeld() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.isHeld
}

func (l *LeaderLock) setHeld(held bool) {
	l.mu.Lock()
	l.isHeld = held
	l.mu.Unlock()
}

var _ interfaces.LeaderLock = (*LeaderLock)(nil)
