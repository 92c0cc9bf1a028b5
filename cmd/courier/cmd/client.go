package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Client 网关 HTTP 客户端
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// CallResult 一次服务函数调用的原始结果
type CallResult struct {
	StatusCode int
	Headers    http.Header
	Body       []byte
	Duration   time.Duration
}

// Failed 状态码 >= 400 视为失败
func (r *CallResult) Failed() bool {
	return r.StatusCode >= 400
}

// CallError 网关返回的错误体
type CallError struct {
	ErrorCode  string `json:"errorCode"`
	Message    string `json:"message"`
	StatusCode int    `json:"statusCode"`
}

func (e *CallError) Error() string {
	return fmt.Sprintf("%s (%d): %s", e.ErrorCode, e.StatusCode, e.Message)
}

// NewClient 从 viper 配置创建客户端
func NewClient() *Client {
	baseURL := viper.GetString("api_url")
	if baseURL == "" {
		baseURL = "http://localhost:8080"
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      viper.GetString("token"),
		httpClient: &http.Client{Timeout: 60 * time.Second},
	}
}

// Call 调用服务函数。GET 调用时参数以 URL 编码的 JSON 放在 arg 查询参数中
func (c *Client) Call(serviceFunction string, arg json.RawMessage, useGet bool, headers map[string]string) (*CallResult, error) {
	var req *http.Request
	var err error
	if useGet {
		target := c.baseURL + "/" + serviceFunction
		if len(arg) > 0 {
			target += "?arg=" + encodeArgument(string(arg))
		}
		req, err = http.NewRequest(http.MethodGet, target, nil)
	} else {
		req, err = http.NewRequest(http.MethodPost, c.baseURL+"/"+serviceFunction, bytes.NewReader(arg))
		if err == nil {
			req.Header.Set("Content-Type", "application/json")
		}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	return &CallResult{
		StatusCode: resp.StatusCode,
		Headers:    resp.Header,
		Body:       body,
		Duration:   time.Since(start),
	}, nil
}

// CallInto 调用服务函数并解码成功响应，失败时返回 *CallError
func (c *Client) CallInto(serviceFunction string, arg any, out any) error {
	var raw json.RawMessage
	if arg != nil {
		data, err := json.Marshal(arg)
		if err != nil {
			return fmt.Errorf("failed to marshal argument: %w", err)
		}
		raw = data
	}
	res, err := c.Call(serviceFunction, raw, false, nil)
	if err != nil {
		return err
	}
	if res.Failed() {
		return decodeCallError(res)
	}
	if out == nil || len(res.Body) == 0 {
		return nil
	}
	return json.Unmarshal(res.Body, out)
}

// encodeArgument 与 encodeURIComponent 一致：空格编码为 %20，+ 编码为 %2B
func encodeArgument(s string) string {
	return strings.ReplaceAll(url.QueryEscape(s), "+", "%20")
}

func decodeCallError(res *CallResult) error {
	var callErr CallError
	if err := json.Unmarshal(res.Body, &callErr); err != nil || callErr.ErrorCode == "" {
		return fmt.Errorf("http %d: %s", res.StatusCode, strings.TrimSpace(string(res.Body)))
	}
	return &callErr
}
