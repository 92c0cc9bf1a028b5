// Package validation 负责把原始参数转换为处理器声明的结构化类型并进行约束校验，
// 同时校验处理器的返回值。
package validation

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"
	"github.com/oriys/courier/internal/domain"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	// 错误信息中使用 JSON 字段名
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name, _, _ := strings.Cut(fld.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		if name == "" {
			return fld.Name
		}
		return name
	})
	return v
}

// Coerce 将解码后的 JSON 对象转换为 target 指向的结构体。
// 嵌套结构体和结构体切片会被递归实例化，RFC3339 字符串转换为 time.Time。
func Coerce(raw map[string]any, target any) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName: "json",
		Result:  target,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			strictNumberHook,
			mapstructure.StringToTimeHookFunc(time.RFC3339),
			mapstructure.StringToTimeDurationHookFunc(),
		),
	})
	if err != nil {
		return fmt.Errorf("failed to create decoder: %w", err)
	}
	if err := decoder.Decode(raw); err != nil {
		return domain.NewExecutionError(domain.CodeInvalidArgument, err.Error()).WithCause(err)
	}
	return nil
}

var numberType = reflect.TypeOf(json.Number(""))

// strictNumberHook 拒绝有损的数值转换：小数不能写入整数字段，数字不能写入字符串或时间字段。
// 参数以 json.Number 解码时保留原文，大整数不会经过 float64 丢失精度。
func strictNumberHook(_ reflect.Type, to reflect.Type, data any) (any, error) {
	for to.Kind() == reflect.Ptr {
		to = to.Elem()
	}
	switch v := data.(type) {
	case json.Number:
		switch to.Kind() {
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			if _, err := strconv.ParseInt(string(v), 10, 64); err != nil {
				return nil, fmt.Errorf("expected integer, got %s", v)
			}
		case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
			if _, err := strconv.ParseUint(string(v), 10, 64); err != nil {
				return nil, fmt.Errorf("expected non-negative integer, got %s", v)
			}
		case reflect.Float32, reflect.Float64, reflect.Interface:
		default:
			if to != numberType {
				return nil, fmt.Errorf("expected %s, got number %s", to, v)
			}
		}
	case float64:
		switch to.Kind() {
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
			reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
			if v != math.Trunc(v) || math.IsInf(v, 0) {
				return nil, fmt.Errorf("expected integer, got %v", v)
			}
		}
	}
	return data, nil
}

// ValidateArgument 校验参数的约束，所有字段错误合并为一个 INVALID_ARGUMENT
func ValidateArgument(arg any) *domain.ExecutionError {
	if arg == nil {
		return nil
	}
	if err := validateStruct(arg); err != nil {
		return domain.NewExecutionError(domain.CodeInvalidArgument, describe(err)).WithCause(err)
	}
	return nil
}

// ValidateReturnValue 校验处理器返回值。
// 返回值不合法属于服务端缺陷，因此报告为内部错误。
func ValidateReturnValue(value any, serviceFunction string) *domain.ExecutionError {
	target, ok := ReturnTarget(value)
	if !ok {
		return nil
	}
	if err := validateStruct(target); err != nil {
		return domain.NewExecutionError(domain.CodeInternalServerError, "").
			WithCause(fmt.Errorf("invalid return value from %s: %s", serviceFunction, describe(err)))
	}
	return nil
}

// ReturnTarget 选出返回值中需要校验的部分：
// 分页/包装响应取 Data，切片取第一个元素，结构体取自身，标量不校验。
func ReturnTarget(value any) (any, bool) {
	if value == nil {
		return nil, false
	}
	if t, ok := value.(interface{ ValidationTarget() (any, bool) }); ok {
		inner, ok := t.ValidationTarget()
		if !ok {
			return nil, false
		}
		return ReturnTarget(inner)
	}

	rv := reflect.ValueOf(value)
	for rv.Kind() == reflect.Pointer {
		if rv.IsNil() {
			return nil, false
		}
		rv = rv.Elem()
	}

	switch rv.Kind() {
	case reflect.Struct:
		return rv.Interface(), true
	case reflect.Slice, reflect.Array:
		if rv.Len() == 0 {
			return nil, false
		}
		return ReturnTarget(rv.Index(0).Interface())
	default:
		return nil, false
	}
}

func validateStruct(v any) error {
	rv := reflect.ValueOf(v)
	for rv.Kind() == reflect.Pointer {
		if rv.IsNil() {
			return nil
		}
		rv = rv.Elem()
	}
	if rv.Kind() != reflect.Struct {
		return nil
	}
	return validate.Struct(v)
}

func describe(err error) string {
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return err.Error()
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		field := fe.Namespace()
		if _, rest, found := strings.Cut(field, "."); found {
			field = rest
		}
		if fe.Param() != "" {
			msgs = append(msgs, fmt.Sprintf("%s: %s=%s", field, fe.Tag(), fe.Param()))
		} else {
			msgs = append(msgs, fmt.Sprintf("%s: %s", field, fe.Tag()))
		}
	}
	return strings.Join(msgs, ", ")
}
