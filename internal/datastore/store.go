// Package datastore 提供服务关联的本地数据存储。
//
// 所有操作都会通过 execctx.RecordDataStoreOperation 上报给当前调用的执行上下文，
// InTransaction 内的操作只计为一次。实现包括基于 PostgreSQL 的 PostgresStore
// 和进程内的 MemoryStore（测试及未配置数据库时使用）。
package datastore

import (
	"context"
	"encoding/json"
	"time"
)

// Record 是以 JSON 文档形式保存的实体
type Record struct {
	// Collection 实体所属集合（如 orders）
	Collection string `json:"collection"`
	// ID 实体唯一标识
	ID string `json:"_id"`
	// Version 乐观并发控制版本号，从 1 开始，每次更新加 1
	Version int64 `json:"version"`
	// Data 实体内容
	Data json.RawMessage `json:"data"`
	// CreatedAt 创建时间
	CreatedAt time.Time `json:"createdAt"`
	// UpdatedAt 最后更新时间
	UpdatedAt time.Time `json:"updatedAt"`
}

// Decode 将实体内容解码到 v
func (r *Record) Decode(v any) error {
	return json.Unmarshal(r.Data, v)
}

// AnyVersion 表示 Update 不检查版本号
const AnyVersion int64 = 0

// Store 是服务使用的数据存储接口
type Store interface {
	// Reserve 从连接池预留一个连接并绑定到返回的 ctx
	Reserve(ctx context.Context) (context.Context, error)
	// Release 释放 ctx 上绑定的连接，未绑定时为空操作
	Release(ctx context.Context)

	// Create 创建实体，id 已存在时返回 domain.ErrDuplicateEntity
	Create(ctx context.Context, collection, id string, data any) (*Record, error)
	// Get 读取实体，不存在时返回 domain.ErrEntityNotFound
	Get(ctx context.Context, collection, id string) (*Record, error)
	// Update 更新实体；expectedVersion 不是 AnyVersion 且与当前版本不同时
	// 返回 domain.ErrVersionMismatch
	Update(ctx context.Context, collection, id string, expectedVersion int64, data any) (*Record, error)
	// Delete 删除实体
	Delete(ctx context.Context, collection, id string) error
	// Count 统计集合中的实体数量
	Count(ctx context.Context, collection string) (int64, error)
	// InTransaction 在本地事务中执行 fn，fn 返回错误时回滚
	InTransaction(ctx context.Context, fn func(ctx context.Context) error) error

	// Close 关闭存储
	Close() error
}

// Options 存储选项
type Options struct {
	// MaxEntitiesPerCollection 每个集合允许的最大实体数，0 表示不限制
	MaxEntitiesPerCollection int64
}

func marshalData(data any) (json.RawMessage, error) {
	if raw, ok := data.(json.RawMessage); ok {
		return raw, nil
	}
	return json.Marshal(data)
}
