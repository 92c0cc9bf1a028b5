package dispatch

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"github.com/oriys/courier/internal/audit"
	"github.com/oriys/courier/internal/cache"
	"github.com/oriys/courier/internal/domain"
)

var codec = jsoniter.ConfigCompatibleWithStandardLibrary

// argumentCodec 数字解码为 json.Number，由参数转换按目标字段类型严格解析
var argumentCodec = jsoniter.Config{
	EscapeHTML:             true,
	SortMapKeys:            true,
	ValidateJsonRawMessage: true,
	UseNumber:              true,
}.Froze()

// strictTransportSecurity 与最大 32 位整数秒数一致
const strictTransportSecurity = "max-age=2147483647; includeSubDomains"

func securityHeaders() http.Header {
	h := make(http.Header)
	h.Set("X-Content-Type-Options", "nosniff")
	h.Set("Strict-Transport-Security", strictTransportSecurity)
	return h
}

func (d *Dispatcher) errorResponse(err *domain.ExecutionError) *domain.Response {
	body, marshalErr := codec.Marshal(err)
	if marshalErr != nil {
		body = []byte(`{"errorCode":"INTERNAL_SERVER_ERROR"}`)
	}
	h := securityHeaders()
	h.Set("Content-Type", "application/json")
	return &domain.Response{
		Result:     domain.Failure(err),
		StatusCode: err.StatusCode,
		Headers:    h,
		Body:       body,
	}
}

// emptyResponse 探针类保留路由的响应：200 且无响应体
func emptyResponse() *domain.Response {
	return &domain.Response{
		Result:     domain.Success(nil),
		StatusCode: http.StatusOK,
		Headers:    securityHeaders(),
	}
}

func jsonResponse(status int, value any) *domain.Response {
	body, err := codec.Marshal(value)
	if err != nil {
		execErr := domain.NewExecutionError(domain.CodeInternalServerError, "").WithCause(fmt.Errorf("marshal response: %w", err))
		return &domain.Response{Result: domain.Failure(execErr), StatusCode: execErr.StatusCode, Headers: securityHeaders()}
	}
	h := securityHeaders()
	h.Set("Content-Type", "application/json")
	return &domain.Response{Result: domain.Success(value), StatusCode: status, Headers: h, Body: body}
}

// decodeGetArgument GET 调用的参数是 URL 编码的 JSON 字符串
func decodeGetArgument(raw []byte) ([]byte, *domain.ExecutionError) {
	if len(raw) == 0 {
		return nil, nil
	}
	decoded, err := url.PathUnescape(string(raw))
	if err != nil {
		return nil, domain.NewExecutionError(domain.CodeInvalidArgument,
			"argument must be a URI encoded JSON string").WithCause(err)
	}
	if !codec.Valid([]byte(decoded)) {
		return nil, domain.NewExecutionError(domain.CodeInvalidArgument,
			"argument not valid or too long. Argument must be a URI encoded JSON string")
	}
	return []byte(decoded), nil
}

// parseArgument 参数必须是 JSON 对象；缺省（空或 null）时返回 nil
func parseArgument(raw []byte) (map[string]any, *domain.ExecutionError) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, nil
	}
	if trimmed[0] != '{' {
		return nil, domain.NewExecutionError(domain.CodeInvalidArgument, "argument must be a JSON object")
	}
	var obj map[string]any
	if err := argumentCodec.Unmarshal(trimmed, &obj); err != nil {
		return nil, domain.NewExecutionError(domain.CodeInvalidArgument, "argument must be a JSON object").WithCause(err)
	}
	return obj, nil
}

// cacheKey 判断本次调用是否参与响应缓存
func (d *Dispatcher) cacheKey(st *callState) (cache.Key, bool) {
	rule := st.function.Cache
	if d.cache == nil || rule == nil || !st.call.IsIdempotent() {
		return cache.Key{}, false
	}
	if rule.When != nil && !rule.When(st.arg) {
		return cache.Key{}, false
	}
	// map 序列化时键有序，相同参数得到相同的键
	argJSON, err := codec.Marshal(st.rawArg)
	if err != nil {
		return cache.Key{}, false
	}
	return cache.Key{
		Namespace:       d.cfg.Namespace,
		ServiceFunction: st.call.ServiceFunction,
		ArgumentJSON:    string(argJSON),
	}, true
}

func (d *Dispatcher) cacheLookup(ctx context.Context, st *callState, key cache.Key) (any, bool) {
	cached, ok, err := d.cache.Get(ctx, key)
	if err != nil {
		d.logger.WithContext(ctx).WithError(err).WithField("key", key.String()).Error("Response cache lookup failed")
		return nil, false
	}
	if d.metrics != nil {
		d.metrics.RecordCacheLookup(st.call.ServiceFunction, ok)
	}
	if !ok {
		return nil, false
	}
	return jsoniter.RawMessage(cached), true
}

// cacheStore 写入缓存，返回生效的有效期；失败时返回 0
func (d *Dispatcher) cacheStore(ctx context.Context, st *callState, key cache.Key, value any) time.Duration {
	defaultTTL := d.cacheTTL
	if st.function.Cache.TTL > 0 {
		defaultTTL = st.function.Cache.TTL
	}
	ttl, err := cache.Store(ctx, d.cache, key, value, defaultTTL)
	if err != nil {
		d.logger.WithContext(ctx).WithError(err).WithField("key", key.String()).Error("Response cache store failed")
		return 0
	}
	if d.metrics != nil && !st.cacheHit {
		d.metrics.RecordCacheStore(st.call.ServiceFunction)
	}
	return ttl
}

// versionOf 返回响应数据中的版本号，优先 data.version
func versionOf(body []byte) string {
	for _, path := range [][]any{{"data", "version"}, {"version"}} {
		v := codec.Get(body, path...)
		switch v.ValueType() {
		case jsoniter.StringValue, jsoniter.NumberValue:
			return v.ToString()
		}
	}
	return ""
}

// shape 生成成功响应：版本号/ETag、条件请求、安全头和函数声明的响应头
func (d *Dispatcher) shape(st *callState, value any, ttl time.Duration) *domain.Response {
	body, err := codec.Marshal(value)
	if err != nil {
		return d.errorResponse(domain.NewExecutionError(domain.CodeInternalServerError, "").WithCause(fmt.Errorf("marshal response: %w", err)))
	}

	h := securityHeaders()
	if ttl > 0 {
		h.Set("Cache-Control", "max-age="+strconv.Itoa(int(ttl.Seconds())))
	}
	for name, values := range st.function.ResponseHeaders(st.arg, value) {
		for _, v := range values {
			h.Set(name, v)
		}
	}

	status := http.StatusOK
	if st.function.SuccessStatus != 0 {
		status = st.function.SuccessStatus
	}

	resp := &domain.Response{Result: domain.Success(value), StatusCode: status, Headers: h, Body: body}

	if version := versionOf(body); version != "" {
		h.Set("ETag", version)
		if match := st.call.Header("If-None-Match"); match != "" && strings.Trim(match, `"`) == version {
			resp.StatusCode = http.StatusNotModified
			resp.NotModified = true
			resp.Body = nil
			return resp
		}
	}

	h.Set("Content-Type", "application/json")
	return resp
}

// finalize 收尾：目标是用户服务或已确认调用方身份时写入审计记录
func (d *Dispatcher) finalize(ctx context.Context, st *callState, resp *domain.Response) {
	if d.audit == nil {
		return
	}
	usersService := st.service != nil && st.service.Users != nil
	if !usersService && st.identity == nil {
		return
	}

	entry := &domain.AuditLogEntry{
		ID:            uuid.New().String(),
		SourceAddress: st.call.SourceAddress,
		AuthHeader:    audit.Fingerprint(st.call.Header("Authorization")),
		OperationName: st.call.ServiceFunction,
		Outcome:       domain.AuditSuccess,
		CreatedAt:     time.Now().UTC(),
	}

	if st.identity != nil {
		entry.Actor = st.identity.Subject
	} else if userName, ok := st.rawArg["userName"].(string); ok {
		entry.Actor = userName
	}

	if usersService {
		_, entry.OperationName = st.call.Split()
		entry.Subject = redact(st.rawArg)
	} else if resp.Body != nil && !resp.Result.Failed() {
		if id := codec.Get(resp.Body, "_id"); id.ValueType() == jsoniter.StringValue {
			entry.Subject = map[string]any{"_id": id.ToString()}
		} else if id := codec.Get(resp.Body, "data", "_id"); id.ValueType() == jsoniter.StringValue {
			entry.Subject = map[string]any{"_id": id.ToString()}
		}
	}

	if resp.Result.Failed() {
		entry.Outcome = domain.AuditFailure
		entry.StatusCode = resp.Result.Err.StatusCode
		entry.ErrorMessage = resp.Result.Err.Message
	}

	// 调用方取消请求时审计仍然要写完
	if err := d.audit.Append(context.WithoutCancel(ctx), entry); err != nil {
		d.logger.WithContext(ctx).WithError(err).WithField("operation", entry.OperationName).Error("Failed to write audit log entry")
	}
}

// redact 去掉参数中的口令字段
func redact(raw map[string]any) map[string]any {
	if raw == nil {
		return nil
	}
	out := make(map[string]any, len(raw))
	for k, v := range raw {
		if strings.Contains(strings.ToLower(k), "password") {
			continue
		}
		out[k] = v
	}
	return out
}
