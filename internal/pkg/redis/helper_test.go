package redis

import (
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"

	"github.com/Gopher0727/UbiquiTimes/config"
)

func setupMiniRedis(t *testing.T) (*Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	client := NewClientFromRedis(rdb)
	t.Cleanup(func() { _ = client.Close() })
	return client, mr
}

func testLockConfig(wait time.Duration) config.LockConfig {
	return config.LockConfig{TTL: time.Minute, Wait: wait}
}
