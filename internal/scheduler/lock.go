package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrTickInProgress is returned when another process holds the tick lock.
var ErrTickInProgress = errors.New("crawl tick already in progress")

// TickLock serializes ticks across processes.
type TickLock interface {
	// Acquire returns ErrTickInProgress if the lock is held elsewhere.
	Acquire(ctx context.Context) (release func(), err error)
}

const defaultLockKey = "dealradar:crawl-tick"

var releaseScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("del", KEYS[1])
	else
		return 0
	end
`)

// RedisLock is a TickLock backed by a Redis key with a TTL.
type RedisLock struct {
	client *redis.Client
	key    string
	ttl    time.Duration
}

// NewRedisLock creates a Redis tick lock. The TTL bounds how long a crashed
// holder can block other processes.
func NewRedisLock(client *redis.Client, ttl time.Duration) *RedisLock {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &RedisLock{client: client, key: defaultLockKey, ttl: ttl}
}

func (l *RedisLock) Acquire(ctx context.Context) (func(), error) {
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, l.key, token, l.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire tick lock: %w", err)
	}
	if !ok {
		return nil, ErrTickInProgress
	}

	return func() {
		// Release only our own token; an expired lock may already belong to someone else.
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		_ = releaseScript.Run(releaseCtx, l.client, []string{l.key}, token).Err()
	}, nil
}
