// Package metrics 集中定义分发核心的 Prometheus 指标，保持各模块标签一致。
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics 分发核心的指标集合。
//
// 指标分类:
//   - 调用指标: 按服务函数统计调用次数、耗时和错误码
//   - 缓存指标: 响应缓存命中与未命中
//   - 事务安全指标: 按规则统计违规次数
//   - 任务指标: 定时任务执行结果
type Metrics struct {
	// CallsTotal 服务函数调用总数
	// 标签: service_function, status_code
	CallsTotal *prometheus.CounterVec

	// CallDuration 调用耗时直方图（单位：毫秒）
	// 标签: service_function
	CallDuration *prometheus.HistogramVec

	// CallErrors 调用错误计数，按错误码分类
	// 标签: service_function, error_code
	CallErrors *prometheus.CounterVec

	// InFlight 正在处理的调用数
	InFlight prometheus.Gauge

	// CacheLookups 响应缓存查询次数
	// 标签: service_function, result (hit/miss)
	CacheLookups *prometheus.CounterVec

	// CachedResponses 写入缓存的响应数
	// 标签: service_function
	CachedResponses *prometheus.CounterVec

	// TxSafetyViolations 事务安全违规次数
	// 标签: service_function, rule
	TxSafetyViolations *prometheus.CounterVec

	// RemoteCalls 远程服务调用次数
	// 标签: service_function, success
	RemoteCalls *prometheus.CounterVec

	// JobExecutions 定时任务执行次数
	// 标签: service_function, status
	JobExecutions *prometheus.CounterVec

	// RegisteredFunctions 已注册的服务函数数量
	RegisteredFunctions prometheus.Gauge
}

// NewMetrics 在 reg 上创建并注册指标，reg 为 nil 时使用默认注册表。
// namespace 作为所有指标名的前缀。
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		CallsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "calls_total",
				Help:      "Total number of service function calls",
			},
			[]string{"service_function", "status_code"},
		),
		CallDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "call_duration_ms",
				Help:      "Service function call duration in milliseconds",
				Buckets:   []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
			},
			[]string{"service_function"},
		),
		CallErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "call_errors_total",
				Help:      "Total number of failed calls by error code",
			},
			[]string{"service_function", "error_code"},
		),
		InFlight: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "calls_in_flight",
				Help:      "Number of calls currently being dispatched",
			},
		),
		CacheLookups: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "response_cache_lookups_total",
				Help:      "Response cache lookups by result",
			},
			[]string{"service_function", "result"},
		),
		CachedResponses: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cached_responses_total",
				Help:      "Responses stored into the response cache",
			},
			[]string{"service_function"},
		),
		TxSafetyViolations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "transactional_safety_violations_total",
				Help:      "Transactional safety violations by rule",
			},
			[]string{"service_function", "rule"},
		),
		RemoteCalls: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "remote_calls_total",
				Help:      "Remote service calls made while resolving results",
			},
			[]string{"service_function", "success"},
		),
		JobExecutions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "job_executions_total",
				Help:      "Scheduled job executions by status",
			},
			[]string{"service_function", "status"},
		),
		RegisteredFunctions: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "registered_functions",
				Help:      "Number of registered service functions",
			},
		),
	}
}

// RecordCall 记录一次调用。errorCode 为空表示成功。
func (m *Metrics) RecordCall(serviceFunction string, statusCode int, errorCode string, durationMs float64) {
	m.CallsTotal.WithLabelValues(serviceFunction, statusLabel(statusCode)).Inc()
	m.CallDuration.WithLabelValues(serviceFunction).Observe(durationMs)
	if errorCode != "" {
		m.CallErrors.WithLabelValues(serviceFunction, errorCode).Inc()
	}
}

// RecordCacheLookup 记录缓存查询结果
func (m *Metrics) RecordCacheLookup(serviceFunction string, hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	m.CacheLookups.WithLabelValues(serviceFunction, result).Inc()
}

// RecordCacheStore 记录一次缓存写入
func (m *Metrics) RecordCacheStore(serviceFunction string) {
	m.CachedResponses.WithLabelValues(serviceFunction).Inc()
}

// RecordViolation 记录事务安全违规
func (m *Metrics) RecordViolation(serviceFunction, rule string) {
	m.TxSafetyViolations.WithLabelValues(serviceFunction, rule).Inc()
}

// RecordRemoteCall 记录远程调用
func (m *Metrics) RecordRemoteCall(serviceFunction string, success bool) {
	successStr := "true"
	if !success {
		successStr = "false"
	}
	m.RemoteCalls.WithLabelValues(serviceFunction, successStr).Inc()
}

// RecordJob 记录定时任务执行结果
func (m *Metrics) RecordJob(serviceFunction, status string) {
	m.JobExecutions.WithLabelValues(serviceFunction, status).Inc()
}

func statusLabel(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	case code >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
