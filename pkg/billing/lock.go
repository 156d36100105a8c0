package billing

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// ErrLockHeld is returned by RunLock.Acquire when another holder owns the lock
var ErrLockHeld = errors.New("run lock is held")

// Unlock releases an acquired RunLock
type Unlock func(ctx context.Context) error

// RunLock prevents two billing cycles from running at the same time
type RunLock interface {
	Acquire(ctx context.Context) (Unlock, error)
}

// DefaultLockKey is the Redis key guarding the billing cycle
const DefaultLockKey = "inkwell:billing:cycle-lock"

// releaseScript deletes the lock only while it still holds our token
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// RedisRunLock is a RunLock shared by every replica through Redis.
// The TTL bounds how long a crashed holder can block later runs.
type RedisRunLock struct {
	client *redis.Client
	key    string
	ttl    time.Duration
}

// NewRedisRunLock creates a Redis-backed run lock
func NewRedisRunLock(client *redis.Client, key string, ttl time.Duration) *RedisRunLock {
	if key == "" {
		key = DefaultLockKey
	}
	if ttl <= 0 {
		ttl = 2 * time.Hour
	}
	return &RedisRunLock{client: client, key: key, ttl: ttl}
}

// Acquire takes the lock with SET NX
func (l *RedisRunLock) Acquire(ctx context.Context) (Unlock, error) {
	token := uuid.NewString()

	ok, err := l.client.SetNX(ctx, l.key, token, l.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire run lock: %w", err)
	}
	if !ok {
		return nil, ErrLockHeld
	}

	return func(ctx context.Context) error {
		if err := releaseScript.Run(ctx, l.client, []string{l.key}, token).Err(); err != nil {
			return fmt.Errorf("failed to release run lock: %w", err)
		}
		return nil
	}, nil
}

// LocalRunLock is a RunLock for a single process
type LocalRunLock struct {
	mu sync.Mutex
}

// Acquire takes the lock without blocking
func (l *LocalRunLock) Acquire(ctx context.Context) (Unlock, error) {
	if !l.mu.TryLock() {
		return nil, ErrLockHeld
	}
	return func(context.Context) error {
		l.mu.Unlock()
		return nil
	}, nil
}
