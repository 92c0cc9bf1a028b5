package datastore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/oriys/courier/internal/domain"
	"github.com/oriys/courier/internal/execctx"
)

// MemoryStore 是进程内的数据存储。
// 连接池用信号量模拟。事务的写入先记在事务自己的写集合中，提交前对其他调用不可见；
// 提交时若写入的实体已被其他调用修改则整体失败，回滚只需丢弃写集合。
type MemoryStore struct {
	mu    sync.RWMutex
	data  map[string]map[string]*Record
	opts  Options
	pool  chan struct{}
	clock func() time.Time
}

type entityKey struct {
	collection string
	id         string
}

// txWrite 事务内对一个实体的最终写入
type txWrite struct {
	// rec 为 nil 表示删除
	rec *Record
	// baseVersion 首次写入时已提交的版本，0 表示当时不存在
	baseVersion int64
}

type memoryTx struct {
	store  *MemoryStore
	writes map[entityKey]*txWrite
}

type reservedKey struct{}

type memoryTxKey struct{}

// NewMemoryStore 创建内存存储，poolSize 为可同时预留的连接数
func NewMemoryStore(poolSize int, opts Options) *MemoryStore {
	if poolSize <= 0 {
		poolSize = 10
	}
	return &MemoryStore{
		data:  make(map[string]map[string]*Record),
		opts:  opts,
		pool:  make(chan struct{}, poolSize),
		clock: time.Now,
	}
}

// Reserve 预留一个连接
func (s *MemoryStore) Reserve(ctx context.Context) (context.Context, error) {
	select {
	case s.pool <- struct{}{}:
		return context.WithValue(ctx, reservedKey{}, s), nil
	case <-ctx.Done():
		return ctx, fmt.Errorf("failed to reserve connection: %w", ctx.Err())
	}
}

// Release 释放连接
func (s *MemoryStore) Release(ctx context.Context) {
	if owner, ok := ctx.Value(reservedKey{}).(*MemoryStore); ok && owner == s {
		<-s.pool
	}
}

// InUse 当前被预留的连接数
func (s *MemoryStore) InUse() int {
	return len(s.pool)
}

// Create 创建实体
func (s *MemoryStore) Create(ctx context.Context, collection, id string, data any) (*Record, error) {
	execctx.RecordDataStoreOperation(ctx)

	raw, err := marshalData(data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal entity: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx := s.txFrom(ctx)
	if _, exists := s.lookup(tx, collection, id); exists {
		return nil, fmt.Errorf("%w: %s/%s", domain.ErrDuplicateEntity, collection, id)
	}
	if s.opts.MaxEntitiesPerCollection > 0 && s.count(tx, collection) >= s.opts.MaxEntitiesPerCollection {
		return nil, fmt.Errorf("%w: %s", domain.ErrMaxEntityCount, collection)
	}

	now := s.clock()
	rec := &Record{Collection: collection, ID: id, Version: 1, Data: raw, CreatedAt: now, UpdatedAt: now}
	s.put(tx, collection, id, rec)
	return copyRecord(rec), nil
}

// Get 读取实体
func (s *MemoryStore) Get(ctx context.Context, collection, id string) (*Record, error) {
	execctx.RecordDataStoreOperation(ctx)

	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.lookup(s.txFrom(ctx), collection, id)
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", domain.ErrEntityNotFound, collection, id)
	}
	return copyRecord(rec), nil
}

// Update 更新实体
func (s *MemoryStore) Update(ctx context.Context, collection, id string, expectedVersion int64, data any) (*Record, error) {
	execctx.RecordDataStoreOperation(ctx)

	raw, err := marshalData(data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal entity: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx := s.txFrom(ctx)
	rec, ok := s.lookup(tx, collection, id)
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", domain.ErrEntityNotFound, collection, id)
	}
	if expectedVersion != AnyVersion && rec.Version != expectedVersion {
		return nil, fmt.Errorf("%w: %s/%s expected %d, current %d",
			domain.ErrVersionMismatch, collection, id, expectedVersion, rec.Version)
	}

	updated := copyRecord(rec)
	updated.Data = raw
	updated.Version++
	updated.UpdatedAt = s.clock()
	s.put(tx, collection, id, updated)
	return copyRecord(updated), nil
}

// Delete 删除实体
func (s *MemoryStore) Delete(ctx context.Context, collection, id string) error {
	execctx.RecordDataStoreOperation(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()

	tx := s.txFrom(ctx)
	if _, ok := s.lookup(tx, collection, id); !ok {
		return fmt.Errorf("%w: %s/%s", domain.ErrEntityNotFound, collection, id)
	}
	s.put(tx, collection, id, nil)
	return nil
}

// Count 统计实体数量
func (s *MemoryStore) Count(ctx context.Context, collection string) (int64, error) {
	execctx.RecordDataStoreOperation(ctx)

	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.count(s.txFrom(ctx), collection), nil
}

// InTransaction 在事务中执行 fn。fn 返回错误时丢弃事务内的全部写入；
// 提交时发现写入的实体已被其他调用修改则返回 ErrVersionMismatch（新建冲突为 ErrDuplicateEntity）。
func (s *MemoryStore) InTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	// 嵌套事务直接复用外层事务
	if s.txFrom(ctx) != nil {
		return fn(ctx)
	}

	tx := &memoryTx{store: s, writes: make(map[entityKey]*txWrite)}
	txCtx := context.WithValue(execctx.BeginTransaction(ctx), memoryTxKey{}, tx)

	if err := fn(txCtx); err != nil {
		return err
	}
	return s.commit(tx)
}

func (s *MemoryStore) txFrom(ctx context.Context) *memoryTx {
	if tx, ok := ctx.Value(memoryTxKey{}).(*memoryTx); ok && tx.store == s {
		return tx
	}
	return nil
}

// 以下方法要求调用方持有 s.mu

func (s *MemoryStore) lookup(tx *memoryTx, collection, id string) (*Record, bool) {
	if tx != nil {
		if w, ok := tx.writes[entityKey{collection, id}]; ok {
			return w.rec, w.rec != nil
		}
	}
	rec, ok := s.data[collection][id]
	return rec, ok
}

// put 写入实体，rec 为 nil 表示删除
func (s *MemoryStore) put(tx *memoryTx, collection, id string, rec *Record) {
	if tx == nil {
		s.apply(collection, id, rec)
		return
	}
	key := entityKey{collection, id}
	w, ok := tx.writes[key]
	if !ok {
		w = &txWrite{baseVersion: s.committedVersion(collection, id)}
		tx.writes[key] = w
	}
	w.rec = rec
}

func (s *MemoryStore) count(tx *memoryTx, collection string) int64 {
	n := int64(len(s.data[collection]))
	if tx == nil {
		return n
	}
	for key, w := range tx.writes {
		if key.collection != collection {
			continue
		}
		_, committed := s.data[collection][key.id]
		switch {
		case w.rec != nil && !committed:
			n++
		case w.rec == nil && committed:
			n--
		}
	}
	return n
}

func (s *MemoryStore) committedVersion(collection, id string) int64 {
	if rec, ok := s.data[collection][id]; ok {
		return rec.Version
	}
	return 0
}

func (s *MemoryStore) apply(collection, id string, rec *Record) {
	if rec == nil {
		delete(s.data[collection], id)
		return
	}
	entities := s.data[collection]
	if entities == nil {
		entities = make(map[string]*Record)
		s.data[collection] = entities
	}
	entities[id] = rec
}

func (s *MemoryStore) commit(tx *memoryTx) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for key, w := range tx.writes {
		current := s.committedVersion(key.collection, key.id)
		if current == w.baseVersion {
			continue
		}
		if w.baseVersion == 0 {
			return fmt.Errorf("%w: %s/%s", domain.ErrDuplicateEntity, key.collection, key.id)
		}
		return fmt.Errorf("%w: %s/%s modified by another call during transaction",
			domain.ErrVersionMismatch, key.collection, key.id)
	}
	for key, w := range tx.writes {
		s.apply(key.collection, key.id, w.rec)
	}
	return nil
}

// Close 关闭存储
func (s *MemoryStore) Close() error {
	return nil
}

func copyRecord(r *Record) *Record {
	c := *r
	c.Data = append([]byte(nil), r.Data...)
	return &c
}
