// Package orders 是演示用的订单服务，展示注册表构建器的各项声明。
package orders

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/oriys/courier/internal/datastore"
	"github.com/oriys/courier/internal/domain"
	"github.com/oriys/courier/internal/execctx"
	"github.com/oriys/courier/internal/registry"
	"github.com/oriys/courier/internal/remote"
)

// ServiceName 服务名
const ServiceName = "orders"

const collection = "orders"

// Item 订单项
type Item struct {
	SKU        string `json:"sku" validate:"required"`
	Quantity   int    `json:"quantity" validate:"gte=1"`
	PriceCents int64  `json:"priceCents" validate:"gte=0"`
}

// Customer 从 customers 服务补全的客户信息
type Customer struct {
	ID          string `json:"_id"`
	DisplayName string `json:"displayName"`
}

// Order 订单
type Order struct {
	ID         string    `json:"_id" validate:"required"`
	Version    int64     `json:"version" validate:"gte=1"`
	CustomerID string    `json:"customerId" validate:"required"`
	Items      []Item    `json:"items" validate:"required,min=1,dive"`
	TotalCents int64     `json:"totalCents" validate:"gte=0"`
	CreatedAt  time.Time `json:"createdAt"`
	Customer   *Customer `json:"customer,omitempty"`
}

// CreateOrderArg 创建订单参数
type CreateOrderArg struct {
	CustomerID string `json:"customerId" validate:"required"`
	Items      []Item `json:"items" validate:"required,min=1,dive"`
}

// GetOrderArg 查询订单参数
type GetOrderArg struct {
	ID string `json:"id" validate:"required"`
}

// UpdateOrderArg 更新订单参数，Version 为调用方读到的版本
type UpdateOrderArg struct {
	ID      string `json:"id" validate:"required"`
	Version int64  `json:"version" validate:"gte=1"`
	Items   []Item `json:"items" validate:"required,min=1,dive"`
}

// OrderCount 订单数量
type OrderCount struct {
	Count int64 `json:"count"`
}

// Service 订单服务
type Service struct {
	store    datastore.Store
	notifier remote.Gateway
}

// Option 服务选项
type Option func(*Service)

// WithNotifier 创建订单后在后置钩子中调用 notifications.sendOrderConfirmation
func WithNotifier(gw remote.Gateway) Option {
	return func(s *Service) { s.notifier = gw }
}

// New 创建订单服务
func New(store datastore.Store, opts ...Option) *Service {
	s := &Service{store: store}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register 构建注册表中的 orders 服务
func (s *Service) Register() (*registry.Service, error) {
	return registry.NewService(ServiceName, []registry.Definition{
		registry.Func("create", s.Create).
			AllowForUserRoles("customer", "admin").
			ResponseStatus(201).
			ResponseHeaderFunc("Location", func(_ *CreateOrderArg, o *Order) string {
				if o == nil {
					return ""
				}
				return "/orders.get?arg=" + url.QueryEscape(fmt.Sprintf(`{"id":%q}`, o.ID))
			}),
		registry.Func("get", s.Get).
			AllowForUserRoles("customer", "admin").
			CacheResponse(0),
		registry.Func("getWithCustomer", s.Get).
			AllowForUserRoles("admin").
			FetchFromRemote("customers.getCustomer",
				func(o domain.One[Order]) any { return map[string]string{"id": o.Data.CustomerID} },
				func(o domain.One[Order], raw json.RawMessage) (domain.One[Order], error) {
					var c Customer
					if err := json.Unmarshal(raw, &c); err != nil {
						return o, err
					}
					o.Data.Customer = &c
					return o, nil
				}),
		registry.Func("update", s.Update).
			AllowForUserRoles("admin"),
		registry.Func("delete", s.Delete).
			AllowForUserRoles("admin"),
		registry.NoArgFunc("getCount", s.Count).
			AllowForUserRoles("admin").
			CacheResponse(30 * time.Second),
	}, registry.WithDataStore(s.store))
}

// Create 创建订单（单次写入）
func (s *Service) Create(ctx context.Context, arg *CreateOrderArg) (*Order, error) {
	order := &Order{
		ID:         uuid.New().String(),
		CustomerID: arg.CustomerID,
		Items:      arg.Items,
		TotalCents: total(arg.Items),
		CreatedAt:  time.Now().UTC(),
	}
	rec, err := s.store.Create(ctx, collection, order.ID, order)
	if err != nil {
		return nil, err
	}
	order.Version = rec.Version

	if s.notifier != nil {
		if err := execctx.AddPostHook(ctx, func(ctx context.Context) error {
			_, err := s.notifier.Call(ctx, "notifications.sendOrderConfirmation", map[string]string{
				"orderId":    order.ID,
				"customerId": order.CustomerID,
			})
			return err
		}); err != nil {
			return nil, err
		}
	}
	return order, nil
}

// Get 查询订单，返回 {data} 包装，ETag 取自 data.version
func (s *Service) Get(ctx context.Context, arg *GetOrderArg) (domain.One[Order], error) {
	rec, err := s.store.Get(ctx, collection, arg.ID)
	if err != nil {
		return domain.One[Order]{}, err
	}
	return decode(rec)
}

// Update 在事务中读取并按版本号更新订单
func (s *Service) Update(ctx context.Context, arg *UpdateOrderArg) (domain.One[Order], error) {
	var out domain.One[Order]
	err := s.store.InTransaction(ctx, func(ctx context.Context) error {
		rec, err := s.store.Get(ctx, collection, arg.ID)
		if err != nil {
			return err
		}
		current, err := decode(rec)
		if err != nil {
			return err
		}
		order := current.Data
		order.Items = arg.Items
		order.TotalCents = total(arg.Items)

		updated, err := s.store.Update(ctx, collection, arg.ID, arg.Version, order)
		if err != nil {
			return err
		}
		order.Version = updated.Version
		out = domain.One[Order]{Data: order}
		return nil
	})
	return out, err
}

// Delete 删除订单
func (s *Service) Delete(ctx context.Context, arg *GetOrderArg) (*struct{}, error) {
	if err := s.store.Delete(ctx, collection, arg.ID); err != nil {
		return nil, err
	}
	return &struct{}{}, nil
}

// Count 统计订单数量
func (s *Service) Count(ctx context.Context) (*OrderCount, error) {
	n, err := s.store.Count(ctx, collection)
	if err != nil {
		return nil, err
	}
	return &OrderCount{Count: n}, nil
}

func decode(rec *datastore.Record) (domain.One[Order], error) {
	var order Order
	if err := rec.Decode(&order); err != nil {
		return domain.One[Order]{}, fmt.Errorf("failed to decode order %s: %w", rec.ID, err)
	}
	order.Version = rec.Version
	return domain.One[Order]{Data: order}, nil
}

func total(items []Item) int64 {
	var sum int64
	for _, it := range items {
		sum += int64(it.Quantity) * it.PriceCents
	}
	return sum
}
