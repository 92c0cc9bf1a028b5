// Package domain 定义了服务函数分发核心的领域模型。
package domain

import (
	"errors"
	"fmt"
	"net/http"
)

// 领域错误定义
// 这些错误用于在数据存储、远程调用和分发器之间传递业务语义，
// 在分发边界统一转换为 ExecutionError。

var (
	// ========== 实体相关错误 ==========

	// ErrEntityNotFound 表示请求的实体不存在
	ErrEntityNotFound = errors.New("entity not found")
	// ErrDuplicateEntity 表示尝试创建的实体已经存在（唯一键冲突）
	ErrDuplicateEntity = errors.New("duplicate entity")
	// ErrVersionMismatch 表示乐观并发控制的版本号不匹配
	ErrVersionMismatch = errors.New("entity version mismatch")
	// ErrMaxEntityCount 表示集合中的实体数量已达到上限
	ErrMaxEntityCount = errors.New("maximum entity count reached")

	// ========== 执行上下文相关错误 ==========

	// ErrNoExecutionContext 表示当前 context 中没有绑定执行上下文
	ErrNoExecutionContext = errors.New("no execution context bound to context")

	// ========== 注册相关错误 ==========

	// ErrServiceExists 表示同名服务已经注册
	ErrServiceExists = errors.New("service already registered")
	// ErrRegistryFrozen 表示注册表已冻结，不能再注册服务
	ErrRegistryFrozen = errors.New("registry is frozen")
)

// ErrorCode 是稳定的、机器可读的错误码。
type ErrorCode string

// 错误码定义
const (
	CodeUnknownService               ErrorCode = "UNKNOWN_SERVICE"
	CodeUnknownServiceFunction       ErrorCode = "UNKNOWN_SERVICE_FUNCTION"
	CodeInvalidArgument              ErrorCode = "INVALID_ARGUMENT"
	CodeMissingServiceFunctionArg    ErrorCode = "MISSING_SERVICE_FUNCTION_ARGUMENT"
	CodeHTTPMethodMustBePost         ErrorCode = "HTTP_METHOD_MUST_BE_POST"
	CodeUserNotAuthenticated         ErrorCode = "USER_NOT_AUTHENTICATED"
	CodeServiceFunctionNotAuthorized ErrorCode = "SERVICE_FUNCTION_CALL_NOT_AUTHORIZED"
	CodeEntityNotFound               ErrorCode = "ENTITY_NOT_FOUND"
	CodeEntityVersionMismatch        ErrorCode = "ENTITY_VERSION_MISMATCH"
	CodeDuplicateEntity              ErrorCode = "DUPLICATE_ENTITY"
	CodeMaxEntityCountReached        ErrorCode = "MAX_ENTITY_COUNT_REACHED"
	CodeRequestIsTooLong             ErrorCode = "REQUEST_IS_TOO_LONG"
	CodeInvalidCaptchaToken          ErrorCode = "INVALID_CAPTCHA_TOKEN"
	CodeTooManyRequests              ErrorCode = "TOO_MANY_REQUESTS"
	CodeRemoteServiceCallFailed      ErrorCode = "REMOTE_SERVICE_CALL_FAILED"
	CodeInternalServerError          ErrorCode = "INTERNAL_SERVER_ERROR"
	CodeTransactionalSafetyViolation ErrorCode = "TRANSACTIONAL_SAFETY_VIOLATION"
)

// errorDefinition 描述错误码对应的基础消息和 HTTP 状态码
type errorDefinition struct {
	message    string
	statusCode int
}

var errorDefinitions = map[ErrorCode]errorDefinition{
	CodeUnknownService:               {"Unknown service: ", http.StatusNotFound},
	CodeUnknownServiceFunction:       {"Unknown service function: ", http.StatusNotFound},
	CodeInvalidArgument:              {"Invalid service function argument: ", http.StatusBadRequest},
	CodeMissingServiceFunctionArg:    {"Missing service function argument", http.StatusBadRequest},
	CodeHTTPMethodMustBePost:         {"Invalid HTTP method. HTTP method must be POST", http.StatusMethodNotAllowed},
	CodeUserNotAuthenticated:         {"User is not authenticated", http.StatusUnauthorized},
	CodeServiceFunctionNotAuthorized: {"Service function call not authorized", http.StatusForbidden},
	CodeEntityNotFound:               {"Entity not found", http.StatusNotFound},
	CodeEntityVersionMismatch:        {"Entity version conflict. Entity was updated before this request", http.StatusConflict},
	CodeDuplicateEntity:              {"Duplicate entity", http.StatusConflict},
	CodeMaxEntityCountReached:        {"Maximum entity count reached", http.StatusUnprocessableEntity},
	CodeRequestIsTooLong:             {"Request is too long", http.StatusRequestEntityTooLarge},
	CodeInvalidCaptchaToken:          {"Invalid captcha token", http.StatusBadRequest},
	CodeTooManyRequests:              {"Too many requests", http.StatusTooManyRequests},
	CodeRemoteServiceCallFailed:      {"Remote service call failed: ", http.StatusBadGateway},
	CodeInternalServerError:          {"Internal server error: ", http.StatusInternalServerError},
	CodeTransactionalSafetyViolation: {"Transactional safety violation: ", http.StatusInternalServerError},
}

// ExecutionError 是分发器向调用方返回的唯一错误形态。
// 它同时携带稳定错误码、可读消息以及用于传输层映射的 HTTP 状态码。
type ExecutionError struct {
	// ErrorCode 机器可读的错误码
	ErrorCode ErrorCode `json:"errorCode"`
	// Message 人类可读的错误消息
	Message string `json:"message"`
	// StatusCode HTTP 风格的状态码
	StatusCode int `json:"statusCode"`

	cause error
}

// NewExecutionError 根据错误码创建 ExecutionError。
// detail 会追加在错误码的基础消息之后。
func NewExecutionError(code ErrorCode, detail string) *ExecutionError {
	def, ok := errorDefinitions[code]
	if !ok {
		def = errorDefinitions[CodeInternalServerError]
	}
	return &ExecutionError{
		ErrorCode:  code,
		Message:    def.message + detail,
		StatusCode: def.statusCode,
	}
}

// Error 实现 error 接口
func (e *ExecutionError) Error() string {
	return fmt.Sprintf("%s: %s", e.ErrorCode, e.Message)
}

// Unwrap 返回导致该错误的底层错误
func (e *ExecutionError) Unwrap() error {
	return e.cause
}

// WithCause 记录底层错误，便于日志排查，不会改变返回给调用方的内容
func (e *ExecutionError) WithCause(err error) *ExecutionError {
	e.cause = err
	return e
}

// IsFatal 判断错误是否属于致命分类（内部错误、事务安全违规等）。
func (e *ExecutionError) IsFatal() bool {
	return e.StatusCode >= http.StatusInternalServerError
}

// IsClientError 判断错误是否属于 4xx 分类
func (e *ExecutionError) IsClientError() bool {
	return e.StatusCode >= http.StatusBadRequest && e.StatusCode < http.StatusInternalServerError
}

// ErrorFrom 将任意错误转换为 ExecutionError。
// 已经是 ExecutionError 的错误原样返回；数据存储的哨兵错误映射到对应的错误码；
// 其余错误一律视为内部错误。
func ErrorFrom(err error) *ExecutionError {
	if err == nil {
		return nil
	}

	var execErr *ExecutionError
	if errors.As(err, &execErr) {
		return execErr
	}

	switch {
	case errors.Is(err, ErrEntityNotFound):
		return NewExecutionError(CodeEntityNotFound, "").WithCause(err)
	case errors.Is(err, ErrDuplicateEntity):
		return NewExecutionError(CodeDuplicateEntity, "").WithCause(err)
	case errors.Is(err, ErrVersionMismatch):
		return NewExecutionError(CodeEntityVersionMismatch, "").WithCause(err)
	case errors.Is(err, ErrMaxEntityCount):
		return NewExecutionError(CodeMaxEntityCountReached, "").WithCause(err)
	}

	return NewExecutionError(CodeInternalServerError, "").WithCause(err)
}
