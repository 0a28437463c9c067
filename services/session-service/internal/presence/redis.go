package presence

import (
	"context"
	"errors"

	"github.com/redis/go-redis/v9"
)

// RedisCounter shares connection counts across instances in one hash.
type RedisCounter struct {
	rdb *redis.Client
	key string
}

var decrScript = redis.NewScript(`
local n = redis.call("HINCRBY", KEYS[1], ARGV[1], -1)
if n <= 0 then
  redis.call("HDEL", KEYS[1], ARGV[1])
  return 0
end
return n
`)

func NewRedisCounter(rdb *redis.Client, key string) *RedisCounter {
	if key == "" {
		key = "presence:counts"
	}
	return &RedisCounter{rdb: rdb, key: key}
}

func (r *RedisCounter) Incr(ctx context.Context, key string) (int64, error) {
	return r.rdb.HIncrBy(ctx, r.key, key, 1).Result()
}

func (r *RedisCounter) Decr(ctx context.Context, key string) (int64, error) {
	return decrScript.Run(ctx, r.rdb, []string{r.key}, key).Int64()
}

func (r *RedisCounter) Count(ctx context.Context, key string) (int64, error) {
	n, err := r.rdb.HGet(ctx, r.key, key).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return n, err
}

func (r *RedisCounter) Keys(ctx context.Context) ([]string, error) {
	return r.rdb.HKeys(ctx, r.key).Result()
}
