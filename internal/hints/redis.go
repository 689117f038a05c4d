package hints

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// redisClient is the slice of the go-redis API the cache touches.
// Narrowing to an interface keeps the redis path testable without a
// server; *redis.Client satisfies it.
type redisClient interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// Connect opens a redis client and verifies the connection before
// handing it back. Callers own the returned client's lifecycle.
func Connect(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("connect to redis at %s: %w", addr, err)
	}
	return rdb, nil
}

func imagesKey(prefix, threadID string) string {
	return fmt.Sprintf("%s:images:%s", prefix, threadID)
}

// redisGet reads a boolean hint. The second return is false on a miss;
// errors other than redis.Nil are surfaced to the caller.
func (c *Cache) redisGet(ctx context.Context, key string) (bool, bool, error) {
	val, err := c.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return false, false, nil
	}
	if err != nil {
		return false, false, err
	}
	return val == "1", true, nil
}

func (c *Cache) redisSet(ctx context.Context, key string, v bool, ttl time.Duration) error {
	val := "0"
	if v {
		val = "1"
	}
	return c.rdb.Set(ctx, key, val, ttl).Err()
}

func (c *Cache) redisDel(ctx context.Context, key string) error {
	return c.rdb.Del(ctx, key).Err()
}
