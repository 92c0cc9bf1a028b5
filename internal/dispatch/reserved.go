package dispatch

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/oriys/courier/internal/authz"
	"github.com/oriys/courier/internal/domain"
	"github.com/oriys/courier/internal/registry"
	"github.com/oriys/courier/internal/scheduler"
	"github.com/oriys/courier/internal/validation"
)

// 保留路由
const (
	RouteServicesMetadata = "metadataService.getServicesMetadata"
	RouteLiveness         = "livenessCheckService.isServiceAlive"
	RouteReadiness        = "readinessCheckService.isServiceReady"
	RouteStartup          = "startupCheckService.isServiceStarted"
	RouteScheduleJob      = "jobScheduler.scheduleJobExecution"
)

// ServicesMetadata 是 metadataService.getServicesMetadata 的响应
type ServicesMetadata struct {
	Services []registry.ServiceMetadata `json:"services"`
}

// ScheduledJob 是 jobScheduler.scheduleJobExecution 的响应
type ScheduledJob struct {
	JobID string `json:"jobId"`
}

// reservedRoute 处理保留路由，handled 为 false 时继续常规流程
func (d *Dispatcher) reservedRoute(ctx context.Context, st *callState) (*domain.Response, bool) {
	switch st.call.ServiceFunction {
	case RouteServicesMetadata:
		if !d.cfg.MetadataEnabled {
			return d.errorResponse(domain.NewExecutionError(domain.CodeUnknownService, "metadataService")), true
		}
		return jsonResponse(http.StatusOK, ServicesMetadata{Services: d.registry.Metadata()}), true

	case RouteLiveness:
		return emptyResponse(), true

	case RouteReadiness, RouteStartup:
		// 应用自己注册了同名服务时由该服务处理
		serviceName, _ := st.call.Split()
		if _, ok := d.registry.Service(serviceName); ok {
			return nil, false
		}
		return emptyResponse(), true

	case RouteScheduleJob:
		if d.jobs == nil {
			return d.errorResponse(domain.NewExecutionError(domain.CodeUnknownService, "jobScheduler")), true
		}
		return d.scheduleJob(ctx, st), true
	}
	return nil, false
}

// scheduleJob 校验任务请求，并按目标函数的访问规则对调用方授权后提交任务
func (d *Dispatcher) scheduleJob(ctx context.Context, st *callState) *domain.Response {
	if st.call.IsIdempotent() {
		return d.errorResponse(domain.NewExecutionError(domain.CodeHTTPMethodMustBePost, ""))
	}

	raw, execErr := parseArgument(st.call.Argument)
	if execErr != nil {
		return d.errorResponse(execErr)
	}
	if raw == nil {
		return d.errorResponse(domain.NewExecutionError(domain.CodeMissingServiceFunctionArg, ""))
	}
	st.rawArg = raw

	var req scheduler.JobRequest
	if err := codec.Unmarshal(st.call.Argument, &req); err != nil {
		return d.errorResponse(domain.NewExecutionError(domain.CodeInvalidArgument, err.Error()).WithCause(err))
	}
	if execErr := validation.ValidateArgument(&req); execErr != nil {
		return d.errorResponse(execErr)
	}

	target := &domain.ServiceFunctionCall{
		ServiceFunction: req.ServiceFunctionName,
		Argument:        req.Argument,
		Headers:         st.call.Headers,
		HTTPMethod:      http.MethodPost,
		SourceAddress:   st.call.SourceAddress,
	}
	targetState := &callState{call: target}
	if execErr := d.resolve(targetState); execErr != nil {
		return d.errorResponse(execErr)
	}

	var targetArg any
	if targetState.function.HasArgument() {
		if targetRaw, execErr := parseArgument(req.Argument); execErr == nil && targetRaw != nil {
			targetArg = targetState.function.NewArgument()
			if validation.Coerce(targetRaw, targetArg) != nil {
				targetArg = nil
			}
		}
	}

	identity, authErr := d.gate.Authorize(ctx, authz.Request{Call: target, Function: targetState.function, Argument: targetArg})
	st.identity = identity
	if authErr != nil {
		return d.errorResponse(authErr)
	}

	jobID, err := d.jobs.ScheduleJob(ctx, req)
	if err != nil {
		if errors.Is(err, scheduler.ErrInvalidJob) {
			return d.errorResponse(domain.NewExecutionError(domain.CodeInvalidArgument,
				strings.TrimPrefix(err.Error(), scheduler.ErrInvalidJob.Error()+": ")).WithCause(err))
		}
		return d.errorResponse(domain.NewExecutionError(domain.CodeInternalServerError, "").WithCause(err))
	}
	return jsonResponse(http.StatusOK, ScheduledJob{JobID: jobID})
}
