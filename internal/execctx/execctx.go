// Package execctx 实现每次服务函数调用独享的执行上下文。
//
// 执行上下文通过 context.Context 在调用链中隐式传递：分发器在调用处理器前
// 使用 With 绑定一个新的 Execution，处理器内部发起的数据存储操作和远程调用
// 通过 RecordDataStoreOperation / RecordRemoteCall 上报，处理器返回后
// 分发器读取一次 Snapshot 交给事务安全监视器评估。
//
// Execution 从不保存在全局变量中，也不会跨调用共享。处理器在自身生命周期内
// 派生的子 goroutine 可以并发上报，计数器使用原子操作，监视器只关心最终总数。
package execctx

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/oriys/courier/internal/domain"
)

// PostHook 是在处理器主体结果计算完成后、响应收尾前执行的回调
type PostHook func(ctx context.Context) error

// Execution 保存单次调用的执行状态
type Execution struct {
	// authHeader 调用方的授权头，远程调用时转发
	authHeader string

	dbLocalTransactionCount                  atomic.Int64
	remoteServiceCallCount                   atomic.Int64
	postHookRemoteServiceCallCount           atomic.Int64
	dataStoreOperationAfterRemoteServiceCall atomic.Bool

	mu        sync.Mutex
	postHooks []PostHook
}

// Counters 是执行上下文计数器的不可变快照
type Counters struct {
	DBLocalTransactionCount                  int64
	RemoteServiceCallCount                   int64
	PostHookRemoteServiceCallCount           int64
	DataStoreOperationAfterRemoteServiceCall bool
}

// New 为一次调用创建新的执行上下文，所有计数器归零
func New(authHeader string) *Execution {
	return &Execution{authHeader: authHeader}
}

// AuthHeader 返回调用方的授权头
func (e *Execution) AuthHeader() string {
	return e.authHeader
}

// Snapshot 读取当前计数器的快照
func (e *Execution) Snapshot() Counters {
	return Counters{
		DBLocalTransactionCount:                  e.dbLocalTransactionCount.Load(),
		RemoteServiceCallCount:                   e.remoteServiceCallCount.Load(),
		PostHookRemoteServiceCallCount:           e.postHookRemoteServiceCallCount.Load(),
		DataStoreOperationAfterRemoteServiceCall: e.dataStoreOperationAfterRemoteServiceCall.Load(),
	}
}

// PostHooks 返回处理器注册的后置钩子（按注册顺序）
func (e *Execution) PostHooks() []PostHook {
	e.mu.Lock()
	defer e.mu.Unlock()
	hooks := make([]PostHook, len(e.postHooks))
	copy(hooks, e.postHooks)
	return hooks
}

func (e *Execution) recordDataStoreOperation() {
	e.dbLocalTransactionCount.Add(1)
	if e.remoteServiceCallCount.Load() > 0 || e.postHookRemoteServiceCallCount.Load() > 0 {
		e.dataStoreOperationAfterRemoteServiceCall.Store(true)
	}
}

type executionKey struct{}

type postHookPhaseKey struct{}

type transactionKey struct{}

// With 将执行上下文绑定到 ctx
func With(ctx context.Context, e *Execution) context.Context {
	return context.WithValue(ctx, executionKey{}, e)
}

// From 返回 ctx 上绑定的执行上下文，未绑定时返回 nil
func From(ctx context.Context) *Execution {
	if e, ok := ctx.Value(executionKey{}).(*Execution); ok {
		return e
	}
	return nil
}

// AuthHeader 返回 ctx 上执行上下文携带的授权头
func AuthHeader(ctx context.Context) string {
	if e := From(ctx); e != nil {
		return e.authHeader
	}
	return ""
}

// WithPostHookPhase 标记 ctx 处于后置钩子阶段，
// 在此阶段发起的远程调用计入 postHookRemoteServiceCallCount。
func WithPostHookPhase(ctx context.Context) context.Context {
	return context.WithValue(ctx, postHookPhaseKey{}, true)
}

// InPostHookPhase 判断 ctx 是否处于后置钩子阶段
func InPostHookPhase(ctx context.Context) bool {
	v, _ := ctx.Value(postHookPhaseKey{}).(bool)
	return v
}

// BeginTransaction 记录一次本地事务并返回标记为事务内的 ctx。
// 整个事务只计为一次本地数据库操作，事务内部的操作不再单独计数。
func BeginTransaction(ctx context.Context) context.Context {
	if InTransaction(ctx) {
		return ctx
	}
	RecordDataStoreOperation(ctx)
	return context.WithValue(ctx, transactionKey{}, true)
}

// InTransaction 判断 ctx 是否处于本地事务内
func InTransaction(ctx context.Context) bool {
	v, _ := ctx.Value(transactionKey{}).(bool)
	return v
}

// RecordDataStoreOperation 上报一次本地数据库操作（读写均计数）。
// 事务内部的操作以及不在调用上下文中的操作（如启动时的迁移）不计数。
func RecordDataStoreOperation(ctx context.Context) {
	if InTransaction(ctx) {
		return
	}
	if e := From(ctx); e != nil {
		e.recordDataStoreOperation()
	}
}

// RecordRemoteCall 上报一次对外远程服务调用
func RecordRemoteCall(ctx context.Context) {
	e := From(ctx)
	if e == nil {
		return
	}
	if InPostHookPhase(ctx) {
		e.postHookRemoteServiceCallCount.Add(1)
		return
	}
	e.remoteServiceCallCount.Add(1)
}

// AddPostHook 为当前调用注册后置钩子
func AddPostHook(ctx context.Context, hook PostHook) error {
	e := From(ctx)
	if e == nil {
		return domain.ErrNoExecutionContext
	}
	e.mu.Lock()
	e.postHooks = append(e.postHooks, hook)
	e.mu.Unlock()
	return nil
}
