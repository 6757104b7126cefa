package redis

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"fundarb/internal/application/port"
)

// 只有持有者的 token 匹配时才删除
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

// Locker 基于 SET NX PX 的分布式锁
type Locker struct {
	rdb    *redis.Client
	prefix string
}

func NewLocker(rdb *redis.Client, prefix string) *Locker {
	return &Locker{rdb: rdb, prefix: prefix}
}

func (l *Locker) key(k string) string {
	if l.prefix == "" {
		return k
	}
	return l.prefix + ":" + k
}

func (l *Locker) Acquire(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	return l.rdb.SetNX(ctx, l.key(key), token, ttl).Result()
}

func (l *Locker) Release(ctx context.Context, key, token string) (bool, error) {
	n, err := releaseScript.Run(ctx, l.rdb, []string{l.key(key)}, token).Int64()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

var _ port.Locker = (*Locker)(nil)
