package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/oriys/courier/internal/config"
	"github.com/redis/go-redis/v9"
)

var json = jsoniter.ConfigFastest

// RedisCache 是基于 Redis 的响应缓存
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache 创建 Redis 响应缓存并测试连接
func NewRedisCache(cfg config.RedisConfig) (*RedisCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,

		// 连接池配置
		PoolSize:        50,
		MinIdleConns:    5,
		ConnMaxIdleTime: 5 * time.Minute,

		// 缓存是尽力而为的，超时要短
		DialTimeout:  3 * time.Second,
		ReadTimeout:  500 * time.Millisecond,
		WriteTimeout: 500 * time.Millisecond,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RedisCache{client: client}, nil
}

// NewRedisCacheFromClient 使用已有的 Redis 客户端创建缓存
func NewRedisCacheFromClient(client *redis.Client) *RedisCache {
	return &RedisCache{client: client}
}

// Close 关闭 Redis 连接
func (c *RedisCache) Close() error {
	return c.client.Close()
}

// Get 读取缓存值
func (c *RedisCache) Get(ctx context.Context, key Key) ([]byte, bool, error) {
	data, err := c.client.Get(ctx, key.String()).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

// Set 写入缓存值，ttl 为 0 时保留已有的过期时间（KEEPTTL）
func (c *RedisCache) Set(ctx context.Context, key Key, value []byte, ttl time.Duration) error {
	if ttl == 0 {
		ttl = redis.KeepTTL
	}
	return c.client.Set(ctx, key.String(), value, ttl).Err()
}

// TTL 返回剩余有效期
func (c *RedisCache) TTL(ctx context.Context, key Key) (time.Duration, error) {
	return c.client.TTL(ctx, key.String()).Result()
}

// Put 在一个 MULTI 事务中写入缓存值：SET KEEPTTL 保留已有过期时间，
// EXPIRE NX 只给没有过期时间的键设置 defaultTTL。返回写入后的剩余有效期。
func (c *RedisCache) Put(ctx context.Context, key Key, value []byte, defaultTTL time.Duration) (time.Duration, error) {
	k := key.String()
	var ttl *redis.DurationCmd
	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, k, value, redis.KeepTTL)
		pipe.ExpireNX(ctx, k, defaultTTL)
		ttl = pipe.TTL(ctx, k)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return ttl.Val(), nil
}

// Store 序列化 value 并写入缓存：已有过期时间时保留，否则使用 defaultTTL。
// 返回最终生效的有效期。
func Store(ctx context.Context, c ResponseCache, key Key, value any, defaultTTL time.Duration) (time.Duration, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return 0, fmt.Errorf("failed to serialize cached value: %w", err)
	}
	return c.Put(ctx, key, data, defaultTTL)
}
