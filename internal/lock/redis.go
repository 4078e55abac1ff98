package lock

import (
	"context"
	"time"

	r "github.com/redis/go-redis/v9"
)

// releaseScript deletes the key only while it still holds the caller's owner.
var releaseScript = r.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
  return redis.call("del", KEYS[1])
end
return 0
`)

// RedisManager keeps locks as keys with a PX expiry; redis drops expired
// keys itself.
type RedisManager struct {
	rdb    *r.Client
	prefix string
}

func NewRedisManager(rdb *r.Client) *RedisManager {
	return &RedisManager{rdb: rdb, prefix: "lock:"}
}

func (m *RedisManager) Acquire(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		return false, ErrInvalidTTL
	}
	return m.rdb.SetNX(ctx, m.prefix+key, owner, ttl).Result()
}

func (m *RedisManager) Release(ctx context.Context, key, owner string) (bool, error) {
	n, err := releaseScript.Run(ctx, m.rdb, []string{m.prefix + key}, owner).Int64()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (m *RedisManager) SweepExpired(context.Context) (int64, error) { return 0, nil }
