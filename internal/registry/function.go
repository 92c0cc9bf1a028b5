package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"reflect"
	"time"

	"github.com/oriys/courier/internal/txsafety"
)

// Annotations 处理器的事务注解
type Annotations = txsafety.Annotations

// AccessRules 描述服务函数的访问规则
type AccessRules struct {
	// EveryUser 任何已认证用户均可调用
	EveryUser bool `json:"everyUser,omitempty"`
	// Roles 允许调用的角色列表
	Roles []string `json:"roles,omitempty"`
	// Self 允许用户操作自己的资源
	Self bool `json:"self,omitempty"`
	// InternalOnly 仅允许受信任的进程内调用（如定时任务）
	InternalOnly bool `json:"internalOnly,omitempty"`
}

// CacheRule 描述响应缓存的启用条件
type CacheRule struct {
	// When 判断本次参数是否允许缓存，nil 表示总是缓存
	When func(arg any) bool
	// TTL 缓存有效期，0 表示使用配置的默认值
	TTL time.Duration
}

// FetchFunc 由分发器提供，用于按服务函数标识发起远程调用
type FetchFunc func(ctx context.Context, serviceFunction string, arg any) (json.RawMessage, error)

// RemoteFetch 描述返回值中需要从其他服务补全的引用
type RemoteFetch struct {
	// ServiceFunction 远程服务函数标识
	ServiceFunction string
	resolve         func(ctx context.Context, result any, fetch FetchFunc) (any, error)
}

// Resolve 拉取远程数据并合并到结果中
func (r RemoteFetch) Resolve(ctx context.Context, result any, fetch FetchFunc) (any, error) {
	return r.resolve(ctx, result, fetch)
}

// Function 是注册后的服务函数描述，注册完成后只读
type Function struct {
	// Name 函数名
	Name string
	// Annotations 事务注解
	Annotations Annotations
	// Access 访问规则
	Access AccessRules
	// Cache 响应缓存规则，nil 表示不缓存
	Cache *CacheRule
	// RemoteFetches 返回值中的远程引用
	RemoteFetches []RemoteFetch
	// SuccessStatus 成功时的状态码，0 表示 200
	SuccessStatus int
	// CronExpression 周期执行的 cron 表达式（6 段，含秒）
	CronExpression string

	staticHeaders    http.Header
	generatedHeaders map[string]func(arg, result any) string
	argType          reflect.Type
	returnType       reflect.Type
	newArg           func() any
	invoke           func(ctx context.Context, arg any) (any, error)
	selfSubject      func(arg any) string
}

// HasArgument 判断函数是否声明了参数类型
func (f *Function) HasArgument() bool {
	return f.newArg != nil
}

// NewArgument 创建参数类型的零值指针，未声明参数时返回 nil
func (f *Function) NewArgument() any {
	if f.newArg == nil {
		return nil
	}
	return f.newArg()
}

// HasReturnType 判断函数是否声明了具体的返回类型
func (f *Function) HasReturnType() bool {
	return f.returnType != nil
}

// ArgumentTypeName 参数类型名
func (f *Function) ArgumentTypeName() string {
	if f.argType == nil {
		return ""
	}
	return f.argType.String()
}

// ReturnTypeName 返回类型名
func (f *Function) ReturnTypeName() string {
	if f.returnType == nil {
		return ""
	}
	return f.returnType.String()
}

// Invoke 调用处理器
func (f *Function) Invoke(ctx context.Context, arg any) (any, error) {
	return f.invoke(ctx, arg)
}

// SelfSubject 从参数中提取"本人"校验所用的用户标识
func (f *Function) SelfSubject(arg any) string {
	if f.selfSubject == nil || arg == nil {
		return ""
	}
	return f.selfSubject(arg)
}

// ResponseHeaders 计算本次调用需要附加的响应头
func (f *Function) ResponseHeaders(arg, result any) http.Header {
	h := f.staticHeaders.Clone()
	if h == nil {
		h = make(http.Header)
	}
	for name, gen := range f.generatedHeaders {
		if v := gen(arg, result); v != "" {
			h.Set(name, v)
		}
	}
	return h
}

// Definition 可注册到服务中的函数定义
type Definition interface {
	Function() *Function
}

// Function 实现 Definition
func (f *Function) Function() *Function {
	return f
}

// FuncBuilder 以类型安全的方式声明服务函数及其元数据
type FuncBuilder[A any, R any] struct {
	fn *Function
}

// Func 声明带参数的服务函数，处理器接收参数指针
func Func[A any, R any](name string, handler func(ctx context.Context, arg *A) (R, error)) *FuncBuilder[A, R] {
	fn := newFunction[R](name)
	fn.argType = reflect.TypeOf((*A)(nil)).Elem()
	fn.newArg = func() any { return new(A) }
	fn.invoke = func(ctx context.Context, arg any) (any, error) {
		a, ok := arg.(*A)
		if !ok {
			return nil, fmt.Errorf("argument type %T does not match %s", arg, fn.argType)
		}
		return handler(ctx, a)
	}
	return &FuncBuilder[A, R]{fn: fn}
}

// NoArgFunc 声明无参数的服务函数
func NoArgFunc[R any](name string, handler func(ctx context.Context) (R, error)) *FuncBuilder[struct{}, R] {
	fn := newFunction[R](name)
	fn.invoke = func(ctx context.Context, _ any) (any, error) {
		return handler(ctx)
	}
	return &FuncBuilder[struct{}, R]{fn: fn}
}

func newFunction[R any](name string) *Function {
	fn := &Function{
		Name:             name,
		staticHeaders:    make(http.Header),
		generatedHeaders: make(map[string]func(arg, result any) string),
	}
	// 返回类型为接口（如 any）视为未声明
	if rt := reflect.TypeOf((*R)(nil)).Elem(); rt.Kind() != reflect.Interface {
		fn.returnType = rt
	}
	return fn
}

// Function 实现 Definition
func (b *FuncBuilder[A, R]) Function() *Function {
	return b.fn
}

// NonTransactional 声明处理器不要求本地事务
func (b *FuncBuilder[A, R]) NonTransactional() *FuncBuilder[A, R] {
	b.fn.Annotations.NonTransactional = true
	return b
}

// NonDistributedTransactional 声明处理器接受多次远程调用无法回滚
func (b *FuncBuilder[A, R]) NonDistributedTransactional() *FuncBuilder[A, R] {
	b.fn.Annotations.NonDistributedTransactional = true
	return b
}

// AllowForEveryUser 允许任何已认证用户调用
func (b *FuncBuilder[A, R]) AllowForEveryUser() *FuncBuilder[A, R] {
	b.fn.Access.EveryUser = true
	return b
}

// AllowForUserRoles 允许指定角色调用
func (b *FuncBuilder[A, R]) AllowForUserRoles(roles ...string) *FuncBuilder[A, R] {
	b.fn.Access.Roles = append(b.fn.Access.Roles, roles...)
	return b
}

// AllowForSelf 允许用户操作自己的资源，subject 从参数中提取资源所属用户 ID
func (b *FuncBuilder[A, R]) AllowForSelf(subject func(arg *A) string) *FuncBuilder[A, R] {
	b.fn.Access.Self = true
	b.fn.selfSubject = func(arg any) string {
		if a, ok := arg.(*A); ok && a != nil {
			return subject(a)
		}
		return ""
	}
	return b
}

// AllowForInternalUse 仅允许受信任的进程内调用
func (b *FuncBuilder[A, R]) AllowForInternalUse() *FuncBuilder[A, R] {
	b.fn.Access.InternalOnly = true
	return b
}

// ResponseHeader 声明固定的响应头
func (b *FuncBuilder[A, R]) ResponseHeader(name, value string) *FuncBuilder[A, R] {
	b.fn.staticHeaders.Set(name, value)
	return b
}

// ResponseHeaderFunc 声明由参数和结果生成的响应头，返回空串时不设置
func (b *FuncBuilder[A, R]) ResponseHeaderFunc(name string, gen func(arg *A, result R) string) *FuncBuilder[A, R] {
	b.fn.generatedHeaders[http.CanonicalHeaderKey(name)] = func(arg, result any) string {
		a, _ := arg.(*A)
		r, _ := result.(R)
		return gen(a, r)
	}
	return b
}

// ResponseStatus 声明成功时的状态码
func (b *FuncBuilder[A, R]) ResponseStatus(status int) *FuncBuilder[A, R] {
	b.fn.SuccessStatus = status
	return b
}

// CacheResponse 对 GET 调用启用响应缓存，ttl 为 0 时使用默认值
func (b *FuncBuilder[A, R]) CacheResponse(ttl time.Duration) *FuncBuilder[A, R] {
	b.fn.Cache = &CacheRule{TTL: ttl}
	return b
}

// CacheResponseWhen 仅当 pred 对参数返回 true 时缓存
func (b *FuncBuilder[A, R]) CacheResponseWhen(pred func(arg *A) bool, ttl time.Duration) *FuncBuilder[A, R] {
	b.fn.Cache = &CacheRule{
		TTL: ttl,
		When: func(arg any) bool {
			a, _ := arg.(*A)
			return pred(a)
		},
	}
	return b
}

// FetchFromRemote 声明返回值中的远程引用：
// buildArg 根据结果构造远程参数（返回 nil 时跳过），assign 将远程响应合并回结果。
func (b *FuncBuilder[A, R]) FetchFromRemote(serviceFunction string, buildArg func(result R) any, assign func(result R, remote json.RawMessage) (R, error)) *FuncBuilder[A, R] {
	b.fn.RemoteFetches = append(b.fn.RemoteFetches, RemoteFetch{
		ServiceFunction: serviceFunction,
		resolve: func(ctx context.Context, result any, fetch FetchFunc) (any, error) {
			r, ok := result.(R)
			if !ok {
				return result, nil
			}
			arg := buildArg(r)
			if arg == nil {
				return result, nil
			}
			data, err := fetch(ctx, serviceFunction, arg)
			if err != nil {
				return nil, err
			}
			return assign(r, data)
		},
	})
	return b
}

// Cron 声明周期执行（6 段 cron 表达式，含秒）
func (b *FuncBuilder[A, R]) Cron(expr string) *FuncBuilder[A, R] {
	b.fn.CronExpression = expr
	return b
}
