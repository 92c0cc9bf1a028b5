package validation

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/oriys/courier/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type lineItem struct {
	SKU      string `json:"sku" validate:"required"`
	Quantity int    `json:"quantity" validate:"min=1"`
}

type createOrderArg struct {
	CustomerID  string     `json:"customerId" validate:"required"`
	Items       []lineItem `json:"items" validate:"required,min=1,dive"`
	DeliverBy   time.Time  `json:"deliverBy"`
	Description string     `json:"description,omitempty" validate:"max=10"`
}

func TestCoerceInstantiatesNestedTypes(t *testing.T) {
	raw := map[string]any{
		"customerId": "c1",
		"items": []any{
			map[string]any{"sku": "A", "quantity": float64(2)},
		},
		"deliverBy": "2026-01-02T15:04:05Z",
	}

	var arg createOrderArg
	require.NoError(t, Coerce(raw, &arg))

	assert.Equal(t, "c1", arg.CustomerID)
	require.Len(t, arg.Items, 1)
	assert.Equal(t, lineItem{SKU: "A", Quantity: 2}, arg.Items[0])
	assert.Equal(t, 2026, arg.DeliverBy.Year())
	assert.Nil(t, ValidateArgument(&arg))
}

func TestCoerceTypeMismatch(t *testing.T) {
	var arg createOrderArg
	err := Coerce(map[string]any{"customerId": []any{"x"}}, &arg)
	require.Error(t, err)

	execErr := domain.ErrorFrom(err)
	assert.Equal(t, domain.CodeInvalidArgument, execErr.ErrorCode)
}

type counters struct {
	Hits    int64   `json:"hits"`
	Limit   *int    `json:"limit"`
	Ratio   float64 `json:"ratio"`
	Label   string  `json:"label"`
	Retries []uint  `json:"retries"`
}

func TestCoerceRejectsLossyNumbers(t *testing.T) {
	cases := []struct {
		name string
		raw  map[string]any
	}{
		{"fraction into int", map[string]any{"hits": json.Number("2.9")}},
		{"fraction float into int", map[string]any{"hits": 2.9}},
		{"fraction into int pointer", map[string]any{"limit": json.Number("1.5")}},
		{"negative into uint", map[string]any{"retries": []any{json.Number("-1")}}},
		{"number into string", map[string]any{"label": json.Number("7")}},
		{"fraction in nested item", map[string]any{"customerId": "c1", "items": []any{
			map[string]any{"sku": "A", "quantity": json.Number("2.9")},
		}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var target any = &counters{}
			if _, nested := tc.raw["items"]; nested {
				target = &createOrderArg{}
			}
			err := Coerce(tc.raw, target)
			require.Error(t, err)
			assert.Equal(t, domain.CodeInvalidArgument, domain.ErrorFrom(err).ErrorCode)
		})
	}
}

func TestCoerceKeepsExactNumbers(t *testing.T) {
	var c counters
	require.NoError(t, Coerce(map[string]any{
		"hits":    json.Number("9007199254740993"),
		"limit":   json.Number("3"),
		"ratio":   json.Number("0.25"),
		"label":   "x",
		"retries": []any{json.Number("10"), float64(60)},
	}, &c))

	assert.Equal(t, int64(9007199254740993), c.Hits)
	require.NotNil(t, c.Limit)
	assert.Equal(t, 3, *c.Limit)
	assert.Equal(t, 0.25, c.Ratio)
	assert.Equal(t, []uint{10, 60}, c.Retries)
}

func TestValidateArgumentAggregatesErrors(t *testing.T) {
	arg := &createOrderArg{
		Items:       []lineItem{{SKU: "", Quantity: 0}},
		Description: "much too long",
	}

	err := ValidateArgument(arg)
	require.NotNil(t, err)
	assert.Equal(t, domain.CodeInvalidArgument, err.ErrorCode)
	assert.Equal(t, 400, err.StatusCode)
	assert.Contains(t, err.Message, "customerId: required")
	assert.Contains(t, err.Message, "items[0].sku: required")
	assert.Contains(t, err.Message, "items[0].quantity: min=1")
	assert.Contains(t, err.Message, "description: max=10")
}

func TestValidateReturnValueShapes(t *testing.T) {
	valid := lineItem{SKU: "A", Quantity: 1}
	invalid := lineItem{SKU: "A"}

	assert.Nil(t, ValidateReturnValue("scalar", "orders.count"))
	assert.Nil(t, ValidateReturnValue(42, "orders.count"))
	assert.Nil(t, ValidateReturnValue(valid, "orders.get"))
	assert.Nil(t, ValidateReturnValue([]lineItem{}, "orders.list"))
	assert.Nil(t, ValidateReturnValue([]lineItem{valid, invalid}, "orders.list"))
	assert.Nil(t, ValidateReturnValue(domain.Page[lineItem]{}, "orders.list"))

	err := ValidateReturnValue(&invalid, "orders.get")
	require.NotNil(t, err)
	assert.Equal(t, domain.CodeInternalServerError, err.ErrorCode)
	assert.True(t, err.IsFatal())
	assert.NotContains(t, err.Message, "orders.get")
	assert.Contains(t, err.Unwrap().Error(), "invalid return value from orders.get")

	assert.NotNil(t, ValidateReturnValue([]lineItem{invalid}, "orders.list"))
	assert.NotNil(t, ValidateReturnValue(domain.Page[lineItem]{Data: []lineItem{invalid}}, "orders.list"))
	assert.NotNil(t, ValidateReturnValue(domain.One[lineItem]{Data: invalid}, "orders.get"))
}
