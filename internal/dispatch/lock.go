package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
)

// TickLocker elects a single dispatcher instance per tick. A nil locker means
// single-instance deployment and every tick runs.
type TickLocker interface {
	TryLock(ctx context.Context) (bool, error)
	Unlock(ctx context.Context) error
}

// releaseScript deletes the lock only when this instance still holds it.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisTickLock is a best-effort leader lock backed by SET NX with a TTL.
type RedisTickLock struct {
	client *redis.Client
	key    string
	ttl    time.Duration
	token  string
}

// NewRedisTickLock constructs a lock with a per-instance token.
func NewRedisTickLock(client *redis.Client, key string, ttl time.Duration) *RedisTickLock {
	return &RedisTickLock{
		client: client,
		key:    key,
		ttl:    ttl,
		token:  uuid.NewString(),
	}
}

// TryLock attempts to claim the tick; false means another instance holds it.
func (l *RedisTickLock) TryLock(ctx context.Context) (bool, error) {
	ok, err := l.client.SetNX(ctx, l.key, l.token, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("tick lock: acquire: %w", err)
	}
	return ok, nil
}

// Unlock releases the tick lock if this instance still owns it.
func (l *RedisTickLock) Unlock(ctx context.Context) error {
	if err := releaseScript.Run(ctx, l.client, []string{l.key}, l.token).Err(); err != nil && err != redis.Nil {
		return fmt.Errorf("tick lock: release: %w", err)
	}
	return nil
}
