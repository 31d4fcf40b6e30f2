package ws

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// ConnCounter 统计用户在所有实例上的连接数。未配置时只使用本实例 Hub 的计数。
type ConnCounter interface {
	Incr(ctx context.Context, userID uint) (int64, error)
	Decr(ctx context.Context, userID uint) (int64, error)
}

// connsTTL 在每次连接时续期；实例崩溃遗留的计数最多保留这么久。
const connsTTL = 24 * time.Hour

func connsKey(userID uint) string { return fmt.Sprintf("presence:conns:%d", userID) }

// RedisConnCounter 用 INCR/DECR 在 Redis 中维护跨实例的连接数。
type RedisConnCounter struct {
	client *redis.Client
}

func NewRedisConnCounter(client *redis.Client) *RedisConnCounter {
	return &RedisConnCounter{client: client}
}

func (r *RedisConnCounter) Incr(ctx context.Context, userID uint) (int64, error) {
	key := connsKey(userID)
	pipe := r.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, connsTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return incr.Val(), nil
}

// Decr 减到 0 及以下时删除 key，返回值不小于 0。
func (r *RedisConnCounter) Decr(ctx context.Context, userID uint) (int64, error) {
	key := connsKey(userID)
	n, err := r.client.Decr(ctx, key).Result()
	if err != nil {
		return 0, err
	}
	if n <= 0 {
		if err := r.client.Del(ctx, key).Err(); err != nil {
			return 0, err
		}
		return 0, nil
	}
	return n, nil
}

// userLocks 串行化同一用户的上线/下线流程，锁在无人持有时回收。
type userLocks struct {
	mu    sync.Mutex
	locks map[uint]*userLock
}

type userLock struct {
	mu   sync.Mutex
	refs int
}

func newUserLocks() *userLocks {
	return &userLocks{locks: make(map[uint]*userLock)}
}

func (l *userLocks) lock(userID uint) (unlock func()) {
	l.mu.Lock()
	ul := l.locks[userID]
	if ul == nil {
		ul = &userLock{}
		l.locks[userID] = ul
	}
	ul.refs++
	l.mu.Unlock()

	ul.mu.Lock()
	return func() {
		ul.mu.Unlock()
		l.mu.Lock()
		ul.refs--
		if ul.refs == 0 {
			delete(l.locks, userID)
		}
		l.mu.Unlock()
	}
}

func (l *userLocks) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
