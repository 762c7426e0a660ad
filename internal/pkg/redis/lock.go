package redis

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/Gopher0727/UbiquiTimes/config"
	"github.com/Gopher0727/UbiquiTimes/internal/services"
)

const (
	lockKeyPrefix = "ut:lock:"
	lockRetry     = 50 * time.Millisecond
)

var ErrLockNotAcquired = errors.New("lock not acquired")

// 只删除自己持有的锁
var unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Locker 基于 SET NX PX 的分布式锁
type Locker struct {
	client *Client
	ttl    time.Duration
	wait   time.Duration
	log    *zap.Logger
}

var _ services.Locker = (*Locker)(nil)

func NewLocker(client *Client, cfg config.LockConfig, log *zap.Logger) *Locker {
	if log == nil {
		log = zap.NewNop()
	}
	return &Locker{client: client, ttl: cfg.TTL, wait: cfg.Wait, log: log.Named("locker")}
}

// Lock blocks until key is acquired, wait elapses (ErrLockNotAcquired) or ctx ends.
// The lock expires after ttl even if unlock is never called.
func (l *Locker) Lock(ctx context.Context, key string) (func(), error) {
	fullKey := lockKeyPrefix + key
	token := uuid.NewString()

	waitCtx, cancel := context.WithTimeout(ctx, l.wait)
	defer cancel()

	for {
		ok, err := l.client.client.SetNX(waitCtx, fullKey, token, l.ttl).Result()
		if err != nil && waitCtx.Err() == nil {
			return nil, fmt.Errorf("failed to acquire lock %s: %w", key, err)
		}
		if ok {
			return l.unlocker(fullKey, token), nil
		}

		select {
		case <-waitCtx.Done():
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			return nil, fmt.Errorf("%w: %s", ErrLockNotAcquired, key)
		case <-time.After(lockRetry):
		}
	}
}

func (l *Locker) unlocker(fullKey, token string) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := unlockScript.Run(ctx, l.client.client, []string{fullKey}, token).Err(); err != nil {
				l.log.Warn("failed to release lock", zap.String("key", fullKey), zap.Error(err))
			}
		})
	}
}
