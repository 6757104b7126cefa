package port

import (
	"context"
	"time"
)

// Locker 分布式锁，Release 必须是原子的比较后删除
type Locker interface {
	Acquire(ctx context.Context, key, token string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key, token string) (bool, error)
}
