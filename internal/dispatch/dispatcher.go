// Package dispatch 实现服务函数调用的分发流水线。
//
// Dispatcher.Execute 依次完成：目标解析、保留路由、传输方法约束、参数形态检查、
// 验证码校验、授权、参数转换与校验、响应缓存查询、在独立执行上下文中调用处理器、
// 事务安全评估、远程引用补全与返回值校验、缓存写入、响应整形，最后写入审计记录。
// 任一步骤失败都会短路为 *domain.ExecutionError，缓存和审计失败只记录日志。
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/oriys/courier/internal/audit"
	"github.com/oriys/courier/internal/authz"
	"github.com/oriys/courier/internal/cache"
	"github.com/oriys/courier/internal/config"
	"github.com/oriys/courier/internal/domain"
	"github.com/oriys/courier/internal/execctx"
	"github.com/oriys/courier/internal/metrics"
	"github.com/oriys/courier/internal/registry"
	"github.com/oriys/courier/internal/remote"
	"github.com/oriys/courier/internal/scheduler"
	"github.com/oriys/courier/internal/telemetry"
	"github.com/oriys/courier/internal/txsafety"
	"github.com/oriys/courier/internal/validation"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// CaptchaVerifier 校验参数中携带的 captchaToken
type CaptchaVerifier interface {
	VerifyCaptcha(ctx context.Context, token string) (bool, error)
}

// JobScheduler 接收经保留路由提交的定时任务
type JobScheduler interface {
	ScheduleJob(ctx context.Context, req scheduler.JobRequest) (string, error)
}

// Dispatcher 服务函数分发器，注册表冻结后可被多个请求并发使用
type Dispatcher struct {
	registry *registry.Registry
	gate     *authz.Gate
	cfg      config.DispatchConfig
	logger   *logrus.Logger

	cache    cache.ResponseCache
	cacheTTL time.Duration
	remote   remote.Gateway
	audit    audit.Sink
	captcha  CaptchaVerifier
	jobs     JobScheduler
	metrics  *metrics.Metrics

	allowedGet *regexp.Regexp
	deniedGet  map[string]bool
}

// Option 配置 Dispatcher 的可选协作者
type Option func(*Dispatcher)

// WithResponseCache 启用响应缓存，defaultTTL 用于没有声明有效期的函数
func WithResponseCache(c cache.ResponseCache, defaultTTL time.Duration) Option {
	return func(d *Dispatcher) {
		d.cache = c
		d.cacheTTL = defaultTTL
	}
}

// WithRemoteGateway 设置补全远程引用时使用的网关
func WithRemoteGateway(g remote.Gateway) Option {
	return func(d *Dispatcher) { d.remote = g }
}

// WithAuditSink 设置审计记录的写入目标
func WithAuditSink(s audit.Sink) Option {
	return func(d *Dispatcher) { d.audit = s }
}

// WithCaptchaVerifier 设置验证码校验器
func WithCaptchaVerifier(v CaptchaVerifier) Option {
	return func(d *Dispatcher) { d.captcha = v }
}

// WithJobScheduler 开放 jobScheduler.scheduleJobExecution 保留路由
func WithJobScheduler(s JobScheduler) Option {
	return func(d *Dispatcher) { d.jobs = s }
}

// WithMetrics 记录分发指标
func WithMetrics(m *metrics.Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// New 创建分发器。reg 应当已经冻结。
func New(reg *registry.Registry, gate *authz.Gate, cfg config.DispatchConfig, logger *logrus.Logger, opts ...Option) (*Dispatcher, error) {
	pattern := cfg.AllowedGetPattern
	if pattern == "" {
		pattern = `^\w+\.get`
	}
	allowed, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid allowed GET pattern %q: %w", pattern, err)
	}

	d := &Dispatcher{
		registry:   reg,
		gate:       gate,
		cfg:        cfg,
		logger:     logger,
		allowedGet: allowed,
		deniedGet:  make(map[string]bool, len(cfg.DeniedGetFunctions)),
	}
	for _, name := range cfg.DeniedGetFunctions {
		d.deniedGet[name] = true
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// callState 贯穿一次调用的中间状态，收尾阶段据此生成审计记录
type callState struct {
	call      *domain.ServiceFunctionCall
	service   *registry.Service
	function  *registry.Function
	rawArg    map[string]any
	arg       any
	identity  *authz.Identity
	cacheHit  bool
	violation *txsafety.Violation
}

// Execute 执行一次调用。返回的 Response 总是非 nil，且 Result 中成功值与错误恰有其一。
func (d *Dispatcher) Execute(ctx context.Context, call *domain.ServiceFunctionCall) *domain.Response {
	start := time.Now()

	ctx, span := telemetry.StartSpan(ctx, "dispatch "+call.ServiceFunction,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("courier.service_function", call.ServiceFunction),
			attribute.String("courier.http_method", call.HTTPMethod),
			attribute.Bool("courier.internal", call.Internal),
		),
	)

	if d.metrics != nil {
		d.metrics.InFlight.Inc()
		defer d.metrics.InFlight.Dec()
	}

	st := &callState{call: call}
	resp := d.run(ctx, st)
	d.finalize(ctx, st, resp)

	durationMs := float64(time.Since(start).Microseconds()) / 1000
	errorCode := ""
	if resp.Result.Failed() {
		errorCode = string(resp.Result.Err.ErrorCode)
	}
	if d.metrics != nil {
		d.metrics.RecordCall(call.ServiceFunction, resp.StatusCode, errorCode, durationMs)
	}

	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
	if resp.Result.Failed() {
		telemetry.EndSpan(span, resp.Result.Err)
	} else {
		telemetry.EndSpan(span, nil)
	}

	entry := d.logger.WithContext(ctx).WithFields(logrus.Fields{
		"service_function": call.ServiceFunction,
		"method":           call.HTTPMethod,
		"status":           resp.StatusCode,
		"duration_ms":      durationMs,
		"cache_hit":        st.cacheHit,
	})
	switch {
	case resp.Result.Failed() && resp.Result.Err.IsFatal():
		// 响应体只有通用消息，底层原因只进日志
		if cause := errors.Unwrap(resp.Result.Err); cause != nil {
			entry = entry.WithField("cause", cause.Error())
		}
		entry.WithError(resp.Result.Err).Error("Service function call failed")
	case resp.Result.Failed():
		entry.WithField("error_code", errorCode).Info("Service function call rejected")
	default:
		entry.Debug("Service function call")
	}
	return resp
}

func (d *Dispatcher) run(ctx context.Context, st *callState) (resp *domain.Response) {
	// 处理器之外的意外错误同样转换为内部错误
	defer func() {
		if r := recover(); r != nil {
			d.logger.WithContext(ctx).WithField("panic", r).Error("Unexpected panic in dispatcher")
			resp = d.errorResponse(domain.NewExecutionError(domain.CodeInternalServerError, "").
				WithCause(fmt.Errorf("dispatcher panic: %v", r)))
		}
	}()

	if resp, handled := d.reservedRoute(ctx, st); handled {
		return resp
	}

	// 1. 解析目标
	if err := d.resolve(st); err != nil {
		return d.errorResponse(err)
	}

	// 3. 传输方法约束
	argument := st.call.Argument
	if st.call.IsIdempotent() {
		if !d.getAllowed(st.call.ServiceFunction) {
			return d.errorResponse(domain.NewExecutionError(domain.CodeHTTPMethodMustBePost, ""))
		}
		decoded, err := decodeGetArgument(argument)
		if err != nil {
			return d.errorResponse(err)
		}
		argument = decoded
	}

	// 4. 参数形态
	raw, err := parseArgument(argument)
	if err != nil {
		return d.errorResponse(err)
	}
	st.rawArg = raw

	// 5. 验证码
	if err := d.verifyCaptcha(ctx, raw); err != nil {
		return d.errorResponse(err)
	}

	// 参数先行转换，供授权阶段的本人规则使用；转换错误在授权之后报告
	var coerceErr error
	if st.function.HasArgument() && raw != nil {
		st.arg = st.function.NewArgument()
		if coerceErr = validation.Coerce(raw, st.arg); coerceErr != nil {
			st.arg = nil
		}
	}

	// 6. 授权
	identity, authErr := d.gate.Authorize(ctx, authz.Request{Call: st.call, Function: st.function, Argument: st.arg})
	st.identity = identity
	if authErr != nil {
		return d.errorResponse(authErr)
	}

	// 7. 参数转换与校验
	if st.function.HasArgument() {
		if raw == nil {
			return d.errorResponse(domain.NewExecutionError(domain.CodeMissingServiceFunctionArg, ""))
		}
		if coerceErr != nil {
			return d.errorResponse(domain.ErrorFrom(coerceErr))
		}
		if err := validation.ValidateArgument(st.arg); err != nil {
			return d.errorResponse(err)
		}
	}

	// 8. 缓存查询
	cacheKey, cacheable := d.cacheKey(st)
	var value any
	if cacheable {
		if cached, ok := d.cacheLookup(ctx, st, cacheKey); ok {
			st.cacheHit = true
			value = cached
		}
	}

	if !st.cacheHit {
		// 9. 在独立执行上下文中调用处理器
		result, execErr := d.invoke(ctx, st)
		if execErr != nil {
			return d.errorResponse(execErr)
		}

		// 10. 远程引用补全与返回值校验
		result, execErr = d.resolveRemote(ctx, st, result)
		if execErr != nil {
			return d.errorResponse(execErr)
		}
		if execErr := validation.ValidateReturnValue(result, st.call.ServiceFunction); execErr != nil {
			return d.errorResponse(execErr)
		}
		value = result
	}

	// 11. 缓存写入
	var ttl time.Duration
	if cacheable {
		ttl = d.cacheStore(ctx, st, cacheKey, value)
	}

	// 12. 响应整形
	return d.shape(st, value, ttl)
}

func (d *Dispatcher) resolve(st *callState) *domain.ExecutionError {
	serviceName, functionName := st.call.Split()
	service, ok := d.registry.Service(serviceName)
	if !ok {
		return domain.NewExecutionError(domain.CodeUnknownService, serviceName)
	}
	fn, ok := service.Function(functionName)
	if !ok || !fn.HasReturnType() {
		return domain.NewExecutionError(domain.CodeUnknownServiceFunction, st.call.ServiceFunction)
	}
	st.service = service
	st.function = fn
	return nil
}

func (d *Dispatcher) getAllowed(serviceFunction string) bool {
	return d.allowedGet.MatchString(serviceFunction) && !d.deniedGet[serviceFunction]
}

func (d *Dispatcher) verifyCaptcha(ctx context.Context, raw map[string]any) *domain.ExecutionError {
	token, present := raw["captchaToken"]
	if !present {
		return nil
	}
	tokenStr, _ := token.(string)
	if d.captcha == nil || tokenStr == "" {
		return domain.NewExecutionError(domain.CodeInvalidCaptchaToken, "")
	}
	ok, err := d.captcha.VerifyCaptcha(ctx, tokenStr)
	if err != nil {
		d.logger.WithContext(ctx).WithError(err).Warn("Captcha verification failed")
		return domain.NewExecutionError(domain.CodeInvalidCaptchaToken, "").WithCause(err)
	}
	if !ok {
		return domain.NewExecutionError(domain.CodeInvalidCaptchaToken, "")
	}
	return nil
}

// invoke 为调用创建执行上下文并运行处理器和后置钩子，随后评估事务安全
func (d *Dispatcher) invoke(ctx context.Context, st *callState) (any, *domain.ExecutionError) {
	exec := execctx.New(st.call.Header("Authorization"))
	ctx = execctx.With(ctx, exec)

	if pool := st.service.DataStore; pool != nil {
		reserved, err := pool.Reserve(ctx)
		if err != nil {
			return nil, domain.NewExecutionError(domain.CodeInternalServerError, "failed to reserve data store connection").WithCause(err)
		}
		ctx = reserved
		defer pool.Release(reserved)
	}

	value, err := d.callHandler(ctx, st)
	if err == nil {
		err = runPostHooks(ctx, exec)
	}

	counters := exec.Snapshot()
	if v := txsafety.Evaluate(st.call.ServiceFunction, counters, st.function.Annotations); v != nil {
		st.violation = v
		if d.metrics != nil {
			d.metrics.RecordViolation(st.call.ServiceFunction, string(v.Rule))
		}
		d.logger.WithContext(ctx).WithFields(logrus.Fields{
			"service_function":           st.call.ServiceFunction,
			"rule":                       v.Rule,
			"db_local_transaction_count": counters.DBLocalTransactionCount,
			"remote_service_call_count":  counters.RemoteServiceCallCount,
			"post_hook_remote_calls":     counters.PostHookRemoteServiceCallCount,
		}).Error("Transactional safety violation")
		return nil, domain.NewExecutionError(domain.CodeTransactionalSafetyViolation, v.Message).WithCause(v)
	}

	if err != nil {
		return nil, domain.ErrorFrom(err)
	}
	return value, nil
}

// callHandler 调用处理器，处理器 panic 转换为内部错误
func (d *Dispatcher) callHandler(ctx context.Context, st *callState) (value any, err error) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.WithContext(ctx).WithFields(logrus.Fields{
				"service_function": st.call.ServiceFunction,
				"panic":            r,
			}).Error("Service function panicked")
			value = nil
			err = domain.NewExecutionError(domain.CodeInternalServerError, "").
				WithCause(fmt.Errorf("service function panicked: %v", r))
		}
	}()
	return st.function.Invoke(ctx, st.arg)
}

func runPostHooks(ctx context.Context, exec *execctx.Execution) error {
	hookCtx := execctx.WithPostHookPhase(ctx)
	for _, hook := range exec.PostHooks() {
		if err := hook(hookCtx); err != nil {
			return err
		}
	}
	return nil
}

func (d *Dispatcher) resolveRemote(ctx context.Context, st *callState, result any) (any, *domain.ExecutionError) {
	if len(st.function.RemoteFetches) == 0 {
		return result, nil
	}
	if d.remote == nil {
		return nil, domain.NewExecutionError(domain.CodeInternalServerError, "no remote gateway configured for "+st.call.ServiceFunction)
	}

	fetch := func(ctx context.Context, serviceFunction string, arg any) (json.RawMessage, error) {
		data, err := d.remote.Call(ctx, serviceFunction, arg)
		if d.metrics != nil {
			d.metrics.RecordRemoteCall(serviceFunction, err == nil)
		}
		return data, err
	}

	var err error
	for _, rf := range st.function.RemoteFetches {
		result, err = rf.Resolve(ctx, result, fetch)
		if err != nil {
			var execErr *domain.ExecutionError
			if errors.As(err, &execErr) {
				return nil, execErr
			}
			return nil, domain.NewExecutionError(domain.CodeRemoteServiceCallFailed, rf.ServiceFunction+": "+err.Error()).WithCause(err)
		}
	}
	return result, nil
}
