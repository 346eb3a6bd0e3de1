package poller

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"github.com/user/issuebot/pkg/logger"
)

// ErrLockHeld is returned by a Locker when another instance runs a cycle.
var ErrLockHeld = errors.New("poll cycle lock held by another instance")

// Locker guards poll cycles across processes sharing one database.
type Locker interface {
	Acquire(ctx context.Context) (release func(), err error)
}

// RedisLocker is a Locker backed by a single Redis key.
type RedisLocker struct {
	cli *redis.Client
	key string
	ttl time.Duration
}

// NewRedisLocker creates a locker. The ttl bounds how long a crashed holder
// can block other instances and should exceed the longest expected cycle.
func NewRedisLocker(cli *redis.Client, key string, ttl time.Duration) *RedisLocker {
	return &RedisLocker{cli: cli, key: key, ttl: ttl}
}

var luaUnlock = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
else
	return 0
end`)

// Acquire takes the lock or returns ErrLockHeld.
func (l *RedisLocker) Acquire(ctx context.Context) (func(), error) {
	token := uuid.NewString()
	ok, err := l.cli.SetNX(ctx, l.key, token, l.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire cycle lock: %w", err)
	}
	if !ok {
		return nil, ErrLockHeld
	}

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, err := luaUnlock.Run(ctx, l.cli, []string{l.key}, token).Result(); err != nil {
			logger.Warn().Err(err).Str("key", l.key).Msg("Failed to release cycle lock")
		}
	}, nil
}
