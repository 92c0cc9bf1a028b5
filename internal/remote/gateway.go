// Package remote 提供对其他服务的服务函数调用。
//
// 每次调用都会通过 execctx.RecordRemoteCall 上报给当前调用的执行上下文，
// 并转发执行上下文中的授权头。
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/oriys/courier/internal/domain"
	"github.com/oriys/courier/internal/execctx"
	"github.com/oriys/courier/internal/telemetry"
	"github.com/sirupsen/logrus"
)

// Gateway 远程服务函数调用接口。
// 失败时返回的错误总是 *domain.ExecutionError。
type Gateway interface {
	Call(ctx context.Context, serviceFunction string, arg any) (json.RawMessage, error)
}

// HTTPGateway 通过 HTTP POST <baseURL>/<service.function> 调用远程服务
type HTTPGateway struct {
	services   map[string]string
	httpClient *http.Client
	logger     *logrus.Logger
}

// NewHTTPGateway 创建远程调用网关，services 为服务名到基础 URL 的映射
func NewHTTPGateway(services map[string]string, timeout time.Duration, logger *logrus.Logger) *HTTPGateway {
	normalized := make(map[string]string, len(services))
	for name, baseURL := range services {
		normalized[name] = strings.TrimRight(baseURL, "/")
	}
	return &HTTPGateway{
		services: normalized,
		httpClient: &http.Client{
			Timeout:   timeout,
			Transport: telemetry.HTTPClientTransport(nil),
		},
		logger: logger,
	}
}

// Call 调用远程服务函数
func (g *HTTPGateway) Call(ctx context.Context, serviceFunction string, arg any) (json.RawMessage, error) {
	execctx.RecordRemoteCall(ctx)

	serviceName, _, _ := strings.Cut(serviceFunction, ".")
	baseURL, ok := g.services[serviceName]
	if !ok {
		return nil, domain.NewExecutionError(domain.CodeRemoteServiceCallFailed,
			"unknown remote service: "+serviceName)
	}

	data, err := json.Marshal(arg)
	if err != nil {
		return nil, domain.NewExecutionError(domain.CodeInternalServerError,
			"marshal remote argument: "+err.Error()).WithCause(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/"+serviceFunction, bytes.NewReader(data))
	if err != nil {
		return nil, domain.NewExecutionError(domain.CodeRemoteServiceCallFailed, err.Error()).WithCause(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if auth := execctx.AuthHeader(ctx); auth != "" {
		req.Header.Set("Authorization", auth)
	}

	resp, err := g.httpClient.Do(req)
	if err != nil {
		telemetry.EntryWithTraceContext(ctx, g.logger.WithField("service_function", serviceFunction)).
			WithError(err).Warn("Remote service call failed")
		return nil, domain.NewExecutionError(domain.CodeRemoteServiceCallFailed, err.Error()).WithCause(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, domain.NewExecutionError(domain.CodeRemoteServiceCallFailed, "read response: "+err.Error()).WithCause(err)
	}

	if resp.StatusCode >= 400 {
		var remoteErr domain.ExecutionError
		if json.Unmarshal(body, &remoteErr) == nil && remoteErr.ErrorCode != "" {
			if remoteErr.StatusCode == 0 {
				remoteErr.StatusCode = resp.StatusCode
			}
			return nil, &remoteErr
		}
		return nil, domain.NewExecutionError(domain.CodeRemoteServiceCallFailed,
			fmt.Sprintf("%s: http %d: %s", serviceFunction, resp.StatusCode, strings.TrimSpace(string(body))))
	}

	return body, nil
}

// CallInto 调用远程服务函数并将响应解码到 out
func CallInto(ctx context.Context, gw Gateway, serviceFunction string, arg, out any) error {
	data, err := gw.Call(ctx, serviceFunction, arg)
	if err != nil {
		return err
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return domain.NewExecutionError(domain.CodeRemoteServiceCallFailed,
			"decode response from "+serviceFunction+": "+err.Error()).WithCause(err)
	}
	return nil
}
