package counters

import (
	"context"
	"time"

	"github.com/ArmaGroupHolding/wildduck/internal/storage/redis"
)

// Redis 基于 Redis INCR 的计数器实现，供多进程部署使用。
type Redis struct {
	client *redis.Client
}

// NewRedis 创建 Redis 计数器实例。
func NewRedis(client *redis.Client) *Redis {
	return &Redis{client: client}
}

// Next 自增并返回新值，同时刷新 TTL。
func (r *Redis) Next(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	return r.client.Next(ctx, key, ttl)
}

// Current 返回当前值，不存在时为 0。
func (r *Redis) Current(ctx context.Context, key string) (int64, error) {
	return r.client.Current(ctx, key)
}

// Set 将计数器推进到至少 value。
// Redis 侧先读取当前值，再逐次 INCR 直到达到 value；读取与自增之间不加锁，也不重试。
func (r *Redis) Set(ctx context.Context, key string, value int64, ttl time.Duration) error {
	cur, err := r.client.Current(ctx, key)
	if err != nil {
		return err
	}
	for cur < value {
		if _, err := r.client.Next(ctx, key, ttl); err != nil {
			return err
		}
		cur++
	}
	return nil
}
