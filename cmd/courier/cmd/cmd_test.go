package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/oriys/courier/internal/authz"
	"github.com/oriys/courier/internal/config"
	"github.com/oriys/courier/internal/domain"
	"github.com/oriys/courier/internal/events"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// runCommand 以全新的标志状态执行命令并返回标准输出
func runCommand(t *testing.T, apiURL string, stdin string, args ...string) (string, error) {
	t.Helper()
	callData, callFile, callGet, callHeaders, callVerbose = "", "", false, nil, false
	scheduleCron, scheduleAt, scheduleRetry = "", "", nil
	tokenRoles = nil

	require.NoError(t, rootCmd.PersistentFlags().Set("output", "table"))
	require.NoError(t, rootCmd.PersistentFlags().Set("token", ""))

	viper.Set("api_url", apiURL)
	t.Cleanup(func() { viper.Set("api_url", "") })

	var buf bytes.Buffer
	rootCmd.SetOut(&buf)
	rootCmd.SetErr(io.Discard)
	rootCmd.SetIn(strings.NewReader(stdin))
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return buf.String(), err
}

type capturedRequest struct {
	method string
	path   string
	query  string
	body   string
	auth   string
	header http.Header
}

func newGateway(t *testing.T, status int, body string) (*httptest.Server, *[]capturedRequest) {
	t.Helper()
	var captured []capturedRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		captured = append(captured, capturedRequest{
			method: r.Method,
			path:   r.URL.Path,
			query:  r.URL.RawQuery,
			body:   string(b),
			auth:   r.Header.Get("Authorization"),
			header: r.Header.Clone(),
		})
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("ETag", `"3"`)
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv, &captured
}

func TestCallPost(t *testing.T) {
	srv, captured := newGateway(t, http.StatusCreated, `{"_id":"42","version":"1"}`)

	out, err := runCommand(t, srv.URL, "", "call", "orders.create", "--data", `{"customerId":"c1"}`, "--token", "abc")
	require.NoError(t, err)
	assert.Contains(t, out, `"_id": "42"`)

	require.Len(t, *captured, 1)
	req := (*captured)[0]
	assert.Equal(t, http.MethodPost, req.method)
	assert.Equal(t, "/orders.create", req.path)
	assert.JSONEq(t, `{"customerId":"c1"}`, req.body)
	assert.Equal(t, "Bearer abc", req.auth)
}

func TestCallGetEncodesArgument(t *testing.T) {
	srv, captured := newGateway(t, http.StatusOK, `{"_id":"42"}`)

	out, err := runCommand(t, srv.URL, "", "call", "orders.get", "--get", "--data", `{"id":"4 2"}`,
		"-H", `If-None-Match: "2"`, "--verbose")
	require.NoError(t, err)
	assert.Contains(t, out, "HTTP 200")
	assert.Contains(t, out, `Etag: "3"`)

	require.Len(t, *captured, 1)
	req := (*captured)[0]
	assert.Equal(t, http.MethodGet, req.method)
	assert.Equal(t, "arg=%7B%22id%22%3A%224%202%22%7D", req.query)
	assert.Equal(t, `"2"`, req.header.Get("If-None-Match"))
}

func TestCallReadsStdin(t *testing.T) {
	srv, captured := newGateway(t, http.StatusOK, `{}`)

	_, err := runCommand(t, srv.URL, `{"id":"7"}`+"\n", "call", "orders.get")
	require.NoError(t, err)
	require.Len(t, *captured, 1)
	assert.JSONEq(t, `{"id":"7"}`, (*captured)[0].body)
}

func TestCallRejectsInvalidJSON(t *testing.T) {
	srv, captured := newGateway(t, http.StatusOK, `{}`)

	_, err := runCommand(t, srv.URL, "", "call", "orders.get", "--data", `{id:`)
	require.Error(t, err)
	assert.Empty(t, *captured)

	_, err = runCommand(t, srv.URL, "", "call", "orders.get", "-H", "no-colon")
	require.Error(t, err)
}

func TestCallReportsGatewayError(t *testing.T) {
	srv, _ := newGateway(t, http.StatusNotFound,
		`{"errorCode":"UNKNOWN_SERVICE_FUNCTION","message":"Unknown service function","statusCode":404}`)

	_, err := runCommand(t, srv.URL, "", "call", "orders.nothing")
	require.Error(t, err)
	var callErr *CallError
	require.ErrorAs(t, err, &callErr)
	assert.Equal(t, string(domain.CodeUnknownServiceFunction), callErr.ErrorCode)
	assert.Equal(t, http.StatusNotFound, callErr.StatusCode)
}

func TestServices(t *testing.T) {
	srv, captured := newGateway(t, http.StatusOK, `{"services":[{"serviceName":"orders","functions":[
		{"functionName":"get","argType":"OrderID","returnValueType":"Order","access":{"everyUser":true},"cached":true},
		{"functionName":"create","argType":"CreateOrderArg","returnValueType":"Order","access":{"roles":["admin","clerk"]}}
	]}]}`)

	out, err := runCommand(t, srv.URL, "", "services")
	require.NoError(t, err)
	assert.Contains(t, out, "FUNCTION")
	assert.Contains(t, out, "orders.get")
	assert.Contains(t, out, "cached")
	assert.Contains(t, out, "roles=admin|clerk")

	require.Len(t, *captured, 1)
	assert.Equal(t, "/metadataService.getServicesMetadata", (*captured)[0].path)
}

func TestServicesYAML(t *testing.T) {
	srv, _ := newGateway(t, http.StatusOK, `{"services":[{"serviceName":"users","functions":[]}]}`)

	out, err := runCommand(t, srv.URL, "", "services", "-o", "yaml")
	require.NoError(t, err)
	assert.Contains(t, out, "servicename: users")
}

func TestSchedule(t *testing.T) {
	srv, captured := newGateway(t, http.StatusOK, `{"jobId":"job-9"}`)

	out, err := runCommand(t, srv.URL, "", "schedule", "orders.cancel",
		"--data", `{"id":"42"}`, "--at", "2026-11-01T08:00:00Z", "--retry", "10,60")
	require.NoError(t, err)
	assert.Contains(t, out, "job-9")

	require.Len(t, *captured, 1)
	req := (*captured)[0]
	assert.Equal(t, "/jobScheduler.scheduleJobExecution", req.path)

	var body map[string]any
	require.NoError(t, json.Unmarshal([]byte(req.body), &body))
	assert.Equal(t, "orders.cancel", body["serviceFunctionName"])
	assert.Equal(t, map[string]any{"id": "42"}, body["serviceFunctionArgument"])
	assert.Equal(t, "2026-11-01T08:00:00Z", body["scheduledExecutionTimestamp"])
	assert.Equal(t, []any{float64(10), float64(60)}, body["retryIntervalsInSecs"])

	_, err = runCommand(t, srv.URL, "", "schedule", "orders.cancel", "--at", "tomorrow")
	assert.Error(t, err)
}

func TestTokenVerifiesWithSameSecret(t *testing.T) {
	out, err := runCommand(t, "", "", "token", "alice@example.com", "--secret", "s3cret", "--role", "admin", "--role", "clerk")
	require.NoError(t, err)

	svc := authz.NewJWTService(config.AuthConfig{
		JWTSecret:        "s3cret",
		SubjectClaimPath: "sub",
		RolesClaimPath:   "roles",
		JWTExpiration:    time.Hour,
	})
	identity, err := svc.VerifyIdentity(context.Background(), "Bearer "+strings.TrimSpace(out))
	require.NoError(t, err)
	assert.Equal(t, "alice@example.com", identity.Subject)
	assert.ElementsMatch(t, []string{"admin", "clerk"}, identity.Roles)
}

func TestAuditPrinter(t *testing.T) {
	var buf bytes.Buffer
	p := &auditPrinter{w: &buf, format: "table"}

	data, err := json.Marshal(domain.AuditLogEntry{
		Actor:         "alice",
		OperationName: "orders.create",
		Outcome:       domain.AuditFailure,
		StatusCode:    http.StatusForbidden,
		ErrorMessage:  "Service function call not allowed",
		CreatedAt:     time.Date(2026, 10, 19, 8, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	require.NoError(t, p.handle(&events.Event{Data: data}))

	line := buf.String()
	assert.Contains(t, line, "2026-10-19 08:00:00")
	assert.Contains(t, line, "orders.create")
	assert.Contains(t, line, "actor=alice")
	assert.Contains(t, line, "status=403")

	assert.Error(t, p.handle(&events.Event{Data: []byte("not json")}))
}

func TestVersion(t *testing.T) {
	out, err := runCommand(t, "", "", "version")
	require.NoError(t, err)
	assert.Contains(t, out, "courier version dev")
}
