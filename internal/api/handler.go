package api

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	jsoniter "github.com/json-iterator/go"
	"github.com/oriys/courier/internal/domain"
	"github.com/sirupsen/logrus"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// defaultMaxRequestBytes 未配置时的请求体上限
const defaultMaxRequestBytes = 1 << 20

// Executor 执行一次服务函数调用，由 dispatch.Dispatcher 实现
type Executor interface {
	Execute(ctx context.Context, call *domain.ServiceFunctionCall) *domain.Response
}

// Handler 把 HTTP 请求转换为 ServiceFunctionCall 并写回分发结果
type Handler struct {
	executor        Executor
	logger          *logrus.Logger
	maxRequestBytes int64
}

// NewHandler 创建处理器。maxRequestBytes 同时限制请求体和 GET 参数长度。
func NewHandler(executor Executor, logger *logrus.Logger, maxRequestBytes int64) *Handler {
	if maxRequestBytes <= 0 {
		maxRequestBytes = defaultMaxRequestBytes
	}
	return &Handler{executor: executor, logger: logger, maxRequestBytes: maxRequestBytes}
}

// ServeCall 处理 GET/POST /{service.function}
func (h *Handler) ServeCall(w http.ResponseWriter, r *http.Request) {
	call := &domain.ServiceFunctionCall{
		ServiceFunction: chi.URLParam(r, "serviceFunction"),
		Headers:         r.Header,
		HTTPMethod:      r.Method,
		SourceAddress:   sourceAddress(r),
	}

	switch r.Method {
	case http.MethodGet:
		// 保留原始编码，解码由分发器完成
		arg := rawQueryValue(r.URL.RawQuery, "arg")
		if int64(len(arg)) > h.maxRequestBytes {
			writeExecutionError(w, domain.NewExecutionError(domain.CodeRequestIsTooLong, ""))
			return
		}
		call.Argument = []byte(arg)
	default:
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxRequestBytes))
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				writeExecutionError(w, domain.NewExecutionError(domain.CodeRequestIsTooLong, ""))
				return
			}
			writeExecutionError(w, domain.NewExecutionError(domain.CodeInvalidArgument, "failed to read request body").WithCause(err))
			return
		}
		call.Argument = body
	}

	writeResponse(w, h.executor.Execute(r.Context(), call))
}

// MethodNotAllowed 只接受 GET 和 POST
func (h *Handler) MethodNotAllowed(w http.ResponseWriter, r *http.Request) {
	writeExecutionError(w, domain.NewExecutionError(domain.CodeHTTPMethodMustBePost, ""))
}

// writeExecutionError 以与分发器相同的 JSON 形态写出错误
func writeExecutionError(w http.ResponseWriter, err *domain.ExecutionError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(err.StatusCode)
	_ = json.NewEncoder(w).Encode(err)
}

func writeResponse(w http.ResponseWriter, resp *domain.Response) {
	for name, values := range resp.Headers {
		for _, v := range values {
			w.Header().Add(name, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	if len(resp.Body) > 0 {
		_, _ = w.Write(resp.Body)
	}
}

// sourceAddress 优先使用 X-Forwarded-For，其次是连接的对端地址
func sourceAddress(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		return strings.TrimSpace(xff)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// rawQueryValue 返回查询参数的原始（未解码）值
func rawQueryValue(rawQuery, key string) string {
	for _, pair := range strings.Split(rawQuery, "&") {
		k, v, _ := strings.Cut(pair, "=")
		if k == key {
			return v
		}
	}
	return ""
}
