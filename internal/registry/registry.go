// Package registry 维护服务名到服务实现的显式注册表。
//
// 服务及其函数在启动时通过类型安全的构建器注册，注册表冻结后只读，
// 可被所有请求 goroutine 并发访问。
package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/oriys/courier/internal/domain"
)

// ResourcePool 是服务关联的数据存储在调用期间需要的连接预留接口
type ResourcePool interface {
	// Reserve 预留一个连接并绑定到返回的 ctx
	Reserve(ctx context.Context) (context.Context, error)
	// Release 释放 ctx 上绑定的连接
	Release(ctx context.Context)
}

// UserDirectory 用户账户服务提供的身份查询
type UserDirectory interface {
	// UserIDBySubject 根据认证主体查找用户 ID
	UserIDBySubject(ctx context.Context, subject string) (string, error)
}

// Service 一个已注册的服务
type Service struct {
	// Name 服务名
	Name string
	// DataStore 服务关联的数据存储，可为空
	DataStore ResourcePool
	// Users 非空时表示该服务是用户账户服务
	Users UserDirectory

	functions map[string]*Function
	order     []string
}

// ServiceOption 服务选项
type ServiceOption func(*Service)

// WithDataStore 关联数据存储
func WithDataStore(store ResourcePool) ServiceOption {
	return func(s *Service) { s.DataStore = store }
}

// AsUsersService 将服务标记为用户账户服务
func AsUsersService(users UserDirectory) ServiceOption {
	return func(s *Service) { s.Users = users }
}

// NewService 创建服务并注册函数定义
func NewService(name string, defs []Definition, opts ...ServiceOption) (*Service, error) {
	s := &Service{Name: name, functions: make(map[string]*Function)}
	for _, opt := range opts {
		opt(s)
	}
	for _, def := range defs {
		fn := def.Function()
		if _, exists := s.functions[fn.Name]; exists {
			return nil, fmt.Errorf("service %s: function %s registered twice", name, fn.Name)
		}
		s.functions[fn.Name] = fn
		s.order = append(s.order, fn.Name)
	}
	return s, nil
}

// Function 按名称查找函数
func (s *Service) Function(name string) (*Function, bool) {
	fn, ok := s.functions[name]
	return fn, ok
}

// Functions 按注册顺序返回所有函数
func (s *Service) Functions() []*Function {
	fns := make([]*Function, 0, len(s.order))
	for _, name := range s.order {
		fns = append(fns, s.functions[name])
	}
	return fns
}

// Registry 服务注册表
type Registry struct {
	mu       sync.RWMutex
	services map[string]*Service
	frozen   bool
}

// New 创建空注册表
func New() *Registry {
	return &Registry{services: make(map[string]*Service)}
}

// Add 注册服务
func (r *Registry) Add(s *Service) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.frozen {
		return domain.ErrRegistryFrozen
	}
	if _, exists := r.services[s.Name]; exists {
		return fmt.Errorf("%w: %s", domain.ErrServiceExists, s.Name)
	}
	r.services[s.Name] = s
	return nil
}

// Freeze 冻结注册表
func (r *Registry) Freeze() {
	r.mu.Lock()
	r.frozen = true
	r.mu.Unlock()
}

// Service 按名称查找服务
func (r *Registry) Service(name string) (*Service, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.services[name]
	return s, ok
}

// Services 按名称排序返回所有服务
func (r *Registry) Services() []*Service {
	r.mu.RLock()
	defer r.mu.RUnlock()

	services := make([]*Service, 0, len(r.services))
	for _, s := range r.services {
		services = append(services, s)
	}
	sort.Slice(services, func(i, j int) bool { return services[i].Name < services[j].Name })
	return services
}

// UsersService 返回用户账户服务，不存在时返回 nil
func (r *Registry) UsersService() *Service {
	for _, s := range r.Services() {
		if s.Users != nil {
			return s
		}
	}
	return nil
}

// FunctionMetadata 对外暴露的函数元数据
type FunctionMetadata struct {
	FunctionName                string      `json:"functionName"`
	ArgType                     string      `json:"argType,omitempty"`
	ReturnValueType             string      `json:"returnValueType"`
	Access                      AccessRules `json:"access"`
	NonTransactional            bool        `json:"nonTransactional,omitempty"`
	NonDistributedTransactional bool        `json:"nonDistributedTransactional,omitempty"`
	Cached                      bool        `json:"cached,omitempty"`
	CronExpression              string      `json:"cronExpression,omitempty"`
}

// ServiceMetadata 对外暴露的服务元数据
type ServiceMetadata struct {
	ServiceName string             `json:"serviceName"`
	Functions   []FunctionMetadata `json:"functions"`
}

// Metadata 返回所有服务的元数据，仅供内部使用的函数不会列出
func (r *Registry) Metadata() []ServiceMetadata {
	var out []ServiceMetadata
	for _, s := range r.Services() {
		sm := ServiceMetadata{ServiceName: s.Name, Functions: []FunctionMetadata{}}
		for _, fn := range s.Functions() {
			if fn.Access.InternalOnly || !fn.HasReturnType() {
				continue
			}
			sm.Functions = append(sm.Functions, FunctionMetadata{
				FunctionName:                fn.Name,
				ArgType:                     fn.ArgumentTypeName(),
				ReturnValueType:             fn.ReturnTypeName(),
				Access:                      fn.Access,
				NonTransactional:            fn.Annotations.NonTransactional,
				NonDistributedTransactional: fn.Annotations.NonDistributedTransactional,
				Cached:                      fn.Cache != nil,
				CronExpression:              fn.CronExpression,
			})
		}
		out = append(out, sm)
	}
	return out
}
