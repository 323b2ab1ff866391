package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"perp-pilot/internal/config"
)

// Redis 封装 redis.Client，提供日度亏损计数与事件发布。
type Redis struct {
	client *redis.Client
	prefix string
	logger *zap.Logger
}

// NewRedis 创建客户端并检测连通性。
func NewRedis(ctx context.Context, cfg config.RedisConfig, logger *zap.Logger) (*Redis, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("cache: 连接 Redis %s 失败: %w", cfg.Addr, err)
	}

	logger.Info("Redis 已连接", zap.String("addr", cfg.Addr))
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "perp-pilot"
	}
	return &Redis{client: client, prefix: prefix, logger: logger}, nil
}

func (r *Redis) key(parts ...string) string {
	k := r.prefix
	for _, p := range parts {
		k += ":" + p
	}
	return k
}

// Add 原子累加当日亏损并把过期时间设为日终。
func (r *Redis) Add(ctx context.Context, day string, amount decimal.Decimal, expireAt time.Time) (decimal.Decimal, error) {
	key := r.key("daily_loss", day)

	pipe := r.client.TxPipeline()
	incr := pipe.IncrByFloat(ctx, key, amount.InexactFloat64())
	pipe.ExpireAt(ctx, key, expireAt)
	if _, err := pipe.Exec(ctx); err != nil {
		return decimal.Zero, fmt.Errorf("cache: 累加日度亏损失败: %w", err)
	}
	return decimal.NewFromFloat(incr.Val()), nil
}

// Get 读取当日亏损，键不存在时为 0。
func (r *Redis) Get(ctx context.Context, day string) (decimal.Decimal, error) {
	val, err := r.client.Get(ctx, r.key("daily_loss", day)).Result()
	if errors.Is(err, redis.Nil) {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("cache: 读取日度亏损失败: %w", err)
	}
	d, err := decimal.NewFromString(val)
	if err != nil {
		return decimal.Zero, fmt.Errorf("cache: 解析日度亏损 %q 失败: %w", val, err)
	}
	return d, nil
}

// Reset 删除当日计数。
func (r *Redis) Reset(ctx context.Context, day string) error {
	if err := r.client.Del(ctx, r.key("daily_loss", day)).Err(); err != nil {
		return fmt.Errorf("cache: 清零日度亏损失败: %w", err)
	}
	return nil
}

// EventsChannel 为监控事件频道名，发布时自动加前缀。
const EventsChannel = "events"

// Channel 返回带前缀的完整频道名。
func (r *Redis) Channel(name string) string {
	return r.key(name)
}

// Publish 以 JSON 形式向频道发布消息，channel 不含前缀。
func (r *Redis) Publish(ctx context.Context, channel string, message any) error {
	payload, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("cache: 序列化消息失败: %w", err)
	}
	if err := r.client.Publish(ctx, r.Channel(channel), payload).Err(); err != nil {
		return fmt.Errorf("cache: 发布消息失败: %w", err)
	}
	return nil
}

// Close 关闭连接。
func (r *Redis) Close() error {
	if r.client == nil {
		return nil
	}
	return r.client.Close()
}
