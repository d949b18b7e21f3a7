// Package redis 封装跨进程协作所需的 Redis 能力：
// 通知总线的发布订阅与单调计数器。
package redis

import (
	"context"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Config Redis 连接配置。
type Config struct {
	Address  string
	Password string
	DB       int
}

// Client 封装 Redis 客户端。
type Client struct {
	rdb *goredis.Client
	log *zap.Logger
}

// New 创建新的 Redis 客户端。
func New(cfg Config, log *zap.Logger) (*Client, error) {
	rdb := goredis.NewClient(&goredis.Options{
		Addr:         cfg.Address,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	log.Info("connected to Redis",
		zap.String("address", cfg.Address),
		zap.Int("db", cfg.DB),
	)

	return &Client{rdb: rdb, log: log}, nil
}

// Close 关闭 Redis 连接。
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Ping 测试 Redis 连接。
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// ========== 通知总线 ==========

// Publish 向频道发布一条轻量唤醒消息。
func (c *Client) Publish(ctx context.Context, channel, payload string) error {
	return c.rdb.Publish(ctx, channel, payload).Err()
}

// Subscribe 订阅频道，返回消息通道与取消函数。
// 订阅方收到唤醒后自行回放日志，消息本身不携带数据。
func (c *Client) Subscribe(ctx context.Context, channel string) (<-chan string, func()) {
	sub := c.rdb.Subscribe(ctx, channel)
	out := make(chan string, 64)

	go func() {
		defer close(out)
		for msg := range sub.Channel() {
			select {
			case out <- msg.Payload:
			default:
				// 订阅方迟缓时丢弃唤醒；日志回放会补齐
			}
		}
	}()

	return out, func() { _ = sub.Close() }
}

// ========== 计数器 ==========

// Next 自增并返回计数器的新值，同时刷新 TTL。
func (c *Client) Next(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	pipe := c.rdb.TxPipeline()
	incr := pipe.Incr(ctx, key)
	if ttl > 0 {
		pipe.Expire(ctx, key, ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return incr.Val(), nil
}

// Current 返回计数器当前值，不存在时为 0。
func (c *Client) Current(ctx context.Context, key string) (int64, error) {
	val, err := c.rdb.Get(ctx, key).Int64()
	if err == goredis.Nil {
		return 0, nil
	}
	return val, err
}
