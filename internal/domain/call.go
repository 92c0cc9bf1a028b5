package domain

import (
	"encoding/json"
	"net/http"
	"strings"
)

// ServiceFunctionCall 表示一次逻辑调用请求。
// 调用在接收后不可变。
type ServiceFunctionCall struct {
	// ServiceFunction 调用标识，格式为 "serviceName.functionName"
	ServiceFunction string
	// Argument 原始参数载荷（GET 请求时为 URL 编码的 JSON 字符串）
	Argument json.RawMessage
	// Headers 调用方请求头
	Headers http.Header
	// HTTPMethod 传输方法（GET 或 POST）
	HTTPMethod string
	// SourceAddress 调用方地址，用于审计
	SourceAddress string
	// Internal 标记调用来自受信任的进程内路径（如定时任务），公开 HTTP 入口从不设置
	Internal bool
}

// Split 将调用标识按第一个 "." 拆分为服务名和函数名
func (c *ServiceFunctionCall) Split() (serviceName, functionName string) {
	serviceName, functionName, _ = strings.Cut(c.ServiceFunction, ".")
	return serviceName, functionName
}

// Header 返回指定请求头的值，不区分大小写
func (c *ServiceFunctionCall) Header(name string) string {
	if c.Headers == nil {
		return ""
	}
	return c.Headers.Get(name)
}

// IsIdempotent 判断调用是否使用幂等传输方法
func (c *ServiceFunctionCall) IsIdempotent() bool {
	return c.HTTPMethod == http.MethodGet
}

// Result 是带标签的调用结果：要么携带成功值，要么携带一个 ExecutionError，二者不会同时存在。
type Result struct {
	Value any
	Err   *ExecutionError
}

// Success 构造成功结果
func Success(value any) Result {
	return Result{Value: value}
}

// Failure 构造失败结果
func Failure(err *ExecutionError) Result {
	if err == nil {
		err = NewExecutionError(CodeInternalServerError, "nil error")
	}
	return Result{Err: err}
}

// Failed 判断结果是否为失败
func (r Result) Failed() bool {
	return r.Err != nil
}

// Response 是分发器的最终输出，传输层据此写回 HTTP 响应。
type Response struct {
	// Result 调用结果
	Result Result
	// StatusCode HTTP 状态码
	StatusCode int
	// Headers 需要写回的响应头
	Headers http.Header
	// Body 响应体；304 和探针响应为空
	Body []byte
	// NotModified 条件请求命中当前版本
	NotModified bool
}

// Metadata 是分页响应的元数据
type Metadata struct {
	// CurrentPageTokens 当前页令牌，用于防止任意跳页
	CurrentPageTokens []string `json:"currentPageTokens,omitempty"`
	// EntityCounts 各子实体的总数
	EntityCounts map[string]int64 `json:"entityCounts,omitempty"`
}

// Page 表示分页的多实体响应 {data, metadata}
type Page[T any] struct {
	Data     []T      `json:"data"`
	Metadata Metadata `json:"metadata"`
}

// ValidationTarget 返回用于返回值校验的代表性元素（第一条数据）
func (p Page[T]) ValidationTarget() (any, bool) {
	if len(p.Data) == 0 {
		return nil, false
	}
	return p.Data[0], true
}

// One 表示单实体响应 {data, metadata}
type One[T any] struct {
	Data     T        `json:"data"`
	Metadata Metadata `json:"metadata"`
}

// ValidationTarget 返回用于返回值校验的实体
func (o One[T]) ValidationTarget() (any, bool) {
	return o.Data, true
}
