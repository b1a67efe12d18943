package core

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// maxBodySize 单个响应体的最大读取字节数
const maxBodySize = 32 << 20

// AuthConfig 密钥放在哪个请求头上。Scheme 为空时直接使用密钥本身。
type AuthConfig struct {
	Header string
	Scheme string
}

// BearerAuth Authorization: Bearer <secret>
func BearerAuth() AuthConfig {
	return AuthConfig{Header: "Authorization", Scheme: "Bearer"}
}

func (a AuthConfig) apply(req *http.Request, secret string) {
	if secret == "" || a.Header == "" {
		return
	}
	value := secret
	if a.Scheme != "" {
		value = a.Scheme + " " + secret
	}
	req.Header.Set(a.Header, value)
}

// TransportConfig HTTP 传输配置
type TransportConfig struct {
	BaseURL   string
	Auth      AuthConfig
	Headers   map[string]string
	Timeout   time.Duration
	UserAgent string
}

// RawResponse 原始响应，交给各提供商的分类函数处理
type RawResponse struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Transport 带认证的 HTTP 传输层，每次调用只发一个请求，不做重试
type Transport struct {
	client *http.Client
	config TransportConfig
}

// NewTransport 创建传输层
func NewTransport(config TransportConfig) *Transport {
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	if config.UserAgent == "" {
		config.UserAgent = "TaskForge/1.0"
	}
	config.BaseURL = strings.TrimRight(config.BaseURL, "/")

	return &Transport{
		client: &http.Client{
			Timeout: config.Timeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     30 * time.Second,
				MaxConnsPerHost:     10,
			},
		},
		config: config,
	}
}

// BaseURL 返回基础地址
func (t *Transport) BaseURL() string {
	return t.config.BaseURL
}

// PostJSON 以 JSON 提交 payload
func (t *Transport) PostJSON(ctx context.Context, path string, payload interface{}, secret string) (*RawResponse, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	return t.Do(ctx, http.MethodPost, path, nil, body, secret)
}

// Get 发送 GET 请求
func (t *Transport) Get(ctx context.Context, path string, query url.Values, secret string) (*RawResponse, error) {
	return t.Do(ctx, http.MethodGet, path, query, nil, secret)
}

// Do 发送请求并读取完整响应体。只有没拿到响应时才返回错误，
// 非 2xx 状态码由调用方分类。
func (t *Transport) Do(ctx context.Context, method, path string, query url.Values, body []byte, secret string) (*RawResponse, error) {
	target := t.config.BaseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", t.config.UserAgent)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range t.config.Headers {
		req.Header.Set(k, v)
	}
	t.config.Auth.apply(req, secret)

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	return &RawResponse{StatusCode: resp.StatusCode, Header: resp.Header, Body: data}, nil
}
