// Package api 提供服务函数网关的 HTTP 入口。
// 该文件负责配置 HTTP 路由器和中间件，将 /{service.function} 请求交给分发器。
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/oriys/courier/internal/config"
	"github.com/oriys/courier/internal/telemetry"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// RouterConfig 路由器配置选项
type RouterConfig struct {
	// Handler 服务函数调用处理器
	Handler *Handler
	// Server 服务器配置（超时、限流）
	Server config.ServerConfig
	// Gatherer 指标采集器，为 nil 时不暴露 /metrics
	Gatherer prometheus.Gatherer
	// ServiceName 追踪中使用的服务名
	ServiceName string
	// Logger 日志记录器
	Logger *logrus.Logger
}

// NewRouter 创建并配置 HTTP 路由器。
//
// 路由结构：
//
//	/metrics                       - Prometheus 指标端点
//	GET  /{service.function}?arg=  - 幂等调用，参数为 URL 编码的 JSON
//	POST /{service.function}       - 调用，参数为请求体 JSON
func NewRouter(cfg *RouterConfig) *chi.Mux {
	h := cfg.Handler
	r := chi.NewRouter()

	// 中间件按照添加顺序执行
	r.Use(telemetry.HTTPMiddleware(cfg.ServiceName))
	r.Use(middleware.RequestID)
	r.Use(requestLogger(cfg.Logger))
	r.Use(middleware.Recoverer)

	timeout := cfg.Server.RequestTimeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	r.Use(middleware.Timeout(timeout))
	r.Use(corsMiddleware)

	if cfg.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{}))
	}

	r.Group(func(r chi.Router) {
		if rl := cfg.Server.RateLimit; rl.Enabled {
			r.Use(NewClientLimiter(rl.RequestsPerSecond, rl.Burst, 10*time.Minute).Middleware)
		}
		r.Get("/{serviceFunction}", h.ServeCall)
		r.Post("/{serviceFunction}", h.ServeCall)
	})

	r.MethodNotAllowed(h.MethodNotAllowed)
	return r
}

// requestLogger 以结构化日志记录每个请求
func requestLogger(logger *logrus.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.WithContext(r.Context()).WithFields(logrus.Fields{
				"method":      r.Method,
				"path":        r.URL.Path,
				"status":      ww.Status(),
				"bytes":       ww.BytesWritten(),
				"request_id":  middleware.GetReqID(r.Context()),
				"duration_ms": time.Since(start).Milliseconds(),
			}).Debug("HTTP request")
		})
	}
}

// corsMiddleware 处理跨域请求
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, If-None-Match")

		// 预检请求
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}
