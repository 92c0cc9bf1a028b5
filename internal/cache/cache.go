// Package cache 提供幂等调用的响应缓存。
// 缓存是尽力而为的：读写失败只记录日志，不影响调用结果。
package cache

import (
	"context"
	"time"
)

// keyPrefix 响应缓存键前缀
const keyPrefix = "CourierResponseCache"

// Key 标识一条缓存记录：命名空间 + 服务函数 + 参数 JSON
type Key struct {
	Namespace       string
	ServiceFunction string
	ArgumentJSON    string
}

// String 返回 Redis 键，格式为 CourierResponseCache:<ns>:<svc.fn>:<json>
func (k Key) String() string {
	return keyPrefix + ":" + k.Namespace + ":" + k.ServiceFunction + ":" + k.ArgumentJSON
}

// ResponseCache 响应缓存接口
type ResponseCache interface {
	// Get 读取缓存值，不存在时返回 (nil, false, nil)
	Get(ctx context.Context, key Key) ([]byte, bool, error)
	// Set 写入缓存值。ttl 为 0 时保留已有的过期时间
	Set(ctx context.Context, key Key, value []byte, ttl time.Duration) error
	// Put 原子地写入缓存值并返回写入后的有效期，
	// 已有过期时间时保留，否则使用 defaultTTL
	Put(ctx context.Context, key Key, value []byte, defaultTTL time.Duration) (time.Duration, error)
	// TTL 返回剩余有效期，键不存在或没有过期时间时返回负值
	TTL(ctx context.Context, key Key) (time.Duration, error)
}
