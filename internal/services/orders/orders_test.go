package orders

import (
	"context"
	"encoding/json"
	"net/url"
	"sync"
	"testing"

	"github.com/oriys/courier/internal/datastore"
	"github.com/oriys/courier/internal/domain"
	"github.com/oriys/courier/internal/execctx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingGateway struct {
	mu    sync.Mutex
	calls []string
	args  []any
}

func (g *recordingGateway) Call(ctx context.Context, serviceFunction string, arg any) (json.RawMessage, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls = append(g.calls, serviceFunction)
	g.args = append(g.args, arg)
	return json.RawMessage(`{}`), nil
}

func items() []Item {
	return []Item{{SKU: "a", Quantity: 2, PriceCents: 150}, {SKU: "b", Quantity: 1, PriceCents: 99}}
}

func TestCreateAndGet(t *testing.T) {
	ctx := context.Background()
	svc := New(datastore.NewMemoryStore(2, datastore.Options{}))

	order, err := svc.Create(ctx, &CreateOrderArg{CustomerID: "c1", Items: items()})
	require.NoError(t, err)
	assert.NotEmpty(t, order.ID)
	assert.Equal(t, int64(1), order.Version)
	assert.Equal(t, int64(399), order.TotalCents)

	got, err := svc.Get(ctx, &GetOrderArg{ID: order.ID})
	require.NoError(t, err)
	assert.Equal(t, order.ID, got.Data.ID)
	assert.Equal(t, "c1", got.Data.CustomerID)
	assert.Equal(t, int64(1), got.Data.Version)

	_, err = svc.Get(ctx, &GetOrderArg{ID: "missing"})
	assert.ErrorIs(t, err, domain.ErrEntityNotFound)
}

func TestCreateRegistersNotificationHook(t *testing.T) {
	gw := &recordingGateway{}
	svc := New(datastore.NewMemoryStore(2, datastore.Options{}), WithNotifier(gw))

	// 没有调用上下文时无法注册后置钩子
	_, err := svc.Create(context.Background(), &CreateOrderArg{CustomerID: "c1", Items: items()})
	assert.ErrorIs(t, err, domain.ErrNoExecutionContext)

	exec := execctx.New("")
	ctx := execctx.With(context.Background(), exec)
	order, err := svc.Create(ctx, &CreateOrderArg{CustomerID: "c1", Items: items()})
	require.NoError(t, err)
	assert.Empty(t, gw.calls)

	hooks := exec.PostHooks()
	require.Len(t, hooks, 1)
	require.NoError(t, hooks[0](execctx.WithPostHookPhase(ctx)))
	assert.Equal(t, []string{"notifications.sendOrderConfirmation"}, gw.calls)
	assert.Equal(t, map[string]string{"orderId": order.ID, "customerId": "c1"}, gw.args[0])
}

func TestUpdateChecksVersion(t *testing.T) {
	ctx := context.Background()
	svc := New(datastore.NewMemoryStore(2, datastore.Options{}))

	order, err := svc.Create(ctx, &CreateOrderArg{CustomerID: "c1", Items: items()})
	require.NoError(t, err)

	updated, err := svc.Update(ctx, &UpdateOrderArg{ID: order.ID, Version: 1, Items: []Item{{SKU: "c", Quantity: 3, PriceCents: 10}}})
	require.NoError(t, err)
	assert.Equal(t, int64(2), updated.Data.Version)
	assert.Equal(t, int64(30), updated.Data.TotalCents)
	assert.Equal(t, "c1", updated.Data.CustomerID)

	_, err = svc.Update(ctx, &UpdateOrderArg{ID: order.ID, Version: 1, Items: items()})
	assert.ErrorIs(t, err, domain.ErrVersionMismatch)

	got, err := svc.Get(ctx, &GetOrderArg{ID: order.ID})
	require.NoError(t, err)
	assert.Equal(t, int64(30), got.Data.TotalCents)
}

func TestDeleteAndCount(t *testing.T) {
	ctx := context.Background()
	svc := New(datastore.NewMemoryStore(2, datastore.Options{}))

	a, err := svc.Create(ctx, &CreateOrderArg{CustomerID: "c1", Items: items()})
	require.NoError(t, err)
	_, err = svc.Create(ctx, &CreateOrderArg{CustomerID: "c2", Items: items()})
	require.NoError(t, err)

	count, err := svc.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), count.Count)

	_, err = svc.Delete(ctx, &GetOrderArg{ID: a.ID})
	require.NoError(t, err)
	_, err = svc.Delete(ctx, &GetOrderArg{ID: a.ID})
	assert.ErrorIs(t, err, domain.ErrEntityNotFound)

	count, err = svc.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count.Count)
}

func TestRegisterDeclarations(t *testing.T) {
	svc := New(datastore.NewMemoryStore(1, datastore.Options{}))
	rs, err := svc.Register()
	require.NoError(t, err)
	assert.Equal(t, ServiceName, rs.Name)

	var names []string
	for _, fn := range rs.Functions() {
		names = append(names, fn.Name)
	}
	assert.Equal(t, []string{"create", "get", "getWithCustomer", "update", "delete", "getCount"}, names)

	create, ok := rs.Function("create")
	require.True(t, ok)
	assert.Equal(t, 201, create.SuccessStatus)
	assert.ElementsMatch(t, []string{"customer", "admin"}, create.Access.Roles)
	h := create.ResponseHeaders(&CreateOrderArg{}, &Order{ID: "42"})
	assert.Equal(t, "/orders.get?arg="+url.QueryEscape(`{"id":"42"}`), h.Get("Location"))
	assert.Empty(t, create.ResponseHeaders(&CreateOrderArg{}, (*Order)(nil)).Get("Location"))

	get, ok := rs.Function("get")
	require.True(t, ok)
	require.NotNil(t, get.Cache)
	assert.Zero(t, get.Cache.TTL)

	count, ok := rs.Function("getCount")
	require.True(t, ok)
	require.NotNil(t, count.Cache)
	assert.False(t, count.HasArgument())

	update, ok := rs.Function("update")
	require.True(t, ok)
	assert.Nil(t, update.Cache)
	assert.Equal(t, []string{"admin"}, update.Access.Roles)
}

func TestGetWithCustomerResolvesReference(t *testing.T) {
	svc := New(datastore.NewMemoryStore(1, datastore.Options{}))
	rs, err := svc.Register()
	require.NoError(t, err)

	fn, ok := rs.Function("getWithCustomer")
	require.True(t, ok)
	require.Len(t, fn.RemoteFetches, 1)
	assert.Equal(t, "customers.getCustomer", fn.RemoteFetches[0].ServiceFunction)

	var fetchedArg any
	fetch := func(ctx context.Context, serviceFunction string, arg any) (json.RawMessage, error) {
		fetchedArg = arg
		return json.RawMessage(`{"_id":"c1","displayName":"Ada"}`), nil
	}
	out, err := fn.RemoteFetches[0].Resolve(context.Background(), domain.One[Order]{Data: Order{ID: "42", CustomerID: "c1"}}, fetch)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"id": "c1"}, fetchedArg)

	resolved, ok := out.(domain.One[Order])
	require.True(t, ok)
	require.NotNil(t, resolved.Data.Customer)
	assert.Equal(t, "Ada", resolved.Data.Customer.DisplayName)
}
