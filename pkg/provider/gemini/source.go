// Package gemini 生成式模型目录。REST 接口，pageToken 分页。
package gemini

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"taskforge/pkg/logger"
	"taskforge/pkg/provider/core"
	"taskforge/pkg/timing"

	"github.com/sirupsen/logrus"
)

const (
	DefaultBaseURL = "https://generativelanguage.googleapis.com"
	Kind           = "gemini"
	modelsPath     = "/v1beta/models"
)

// Config Gemini 客户端配置
type Config struct {
	BaseURL   string
	Timeout   time.Duration
	UserAgent string
	Headers   map[string]string
	Auth      core.AuthConfig // 为空时使用默认认证头
}

// Source Gemini 模型列表
type Source struct {
	transport *core.Transport
	clock     timing.TimeService
	log       *logrus.Entry
}

// apiError Google API 的错误信封
type apiError struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
		Details []struct {
			Type       string `json:"@type"`
			Reason     string `json:"reason"`
			RetryDelay string `json:"retryDelay"`
		} `json:"details"`
	} `json:"error"`
}

// New 创建 Gemini 数据源
func New(config Config, clock timing.TimeService, log *logrus.Entry) *Source {
	if config.BaseURL == "" {
		config.BaseURL = DefaultBaseURL
	}
	auth := config.Auth
	if auth.Header == "" {
		auth = core.AuthConfig{Header: "x-goog-api-key"}
	}
	if clock == nil {
		clock = timing.SystemClock()
	}
	if log == nil {
		log = logger.WithComponent("gemini")
	}
	return &Source{
		transport: core.NewTransport(core.TransportConfig{
			BaseURL:   config.BaseURL,
			Auth:      auth,
			Headers:   config.Headers,
			Timeout:   config.Timeout,
			UserAgent: config.UserAgent,
		}),
		clock: clock,
		log:   log,
	}
}

func (s *Source) Name() string {
	return Kind
}

// FetchPage 获取一页模型，nextPageToken 为空表示结束
func (s *Source) FetchPage(ctx context.Context, secret string, req core.PageRequest) (core.Page, error) {
	query := url.Values{}
	if req.Limit > 0 {
		query.Set("pageSize", strconv.Itoa(req.Limit))
	}
	if req.Cursor != "" {
		query.Set("pageToken", req.Cursor)
	}

	resp, err := s.transport.Get(ctx, modelsPath, query, secret)
	if err != nil {
		return core.Page{}, core.ClassifyTransportError(err).Err()
	}
	if err := s.ClassifyResponse(resp).Err(); err != nil {
		return core.Page{}, err
	}

	var payload struct {
		Models        []json.RawMessage `json:"models"`
		NextPageToken string            `json:"nextPageToken"`
	}
	if err := json.Unmarshal(resp.Body, &payload); err != nil {
		return core.Page{}, core.NewTransientError(resp.StatusCode, "unexpected models shape", err)
	}

	page := core.Page{
		Records:    make([]core.Record, 0, len(payload.Models)),
		NextCursor: payload.NextPageToken,
		HasMore:    payload.NextPageToken != "",
	}
	for i, raw := range payload.Models {
		var model struct {
			Name string `json:"name"`
		}
		if err := json.Unmarshal(raw, &model); err != nil || model.Name == "" {
			page.Dropped++
			s.log.WithField("index", req.Offset+i).Warn("丢弃缺少 name 的模型")
			continue
		}
		page.Records = append(page.Records, core.Record{ExternalID: model.Name, Payload: raw})
	}
	return page, nil
}

// TestConnection 请求只有一个模型的页面验证密钥
func (s *Source) TestConnection(ctx context.Context, secret string) (string, error) {
	page, err := s.FetchPage(ctx, secret, core.PageRequest{Limit: 1})
	if err != nil {
		return "", err
	}
	if len(page.Records) == 0 {
		return "", nil
	}
	return page.Records[0].ExternalID, nil
}

// ClassifyResponse 429 RESOURCE_EXHAUSTED 的 RetryInfo 中带有 retryDelay（如 "30s"）。
// 密钥无效时 Google 返回 400 + API_KEY_INVALID，按认证失败处理。
func (s *Source) ClassifyResponse(resp *core.RawResponse) core.Classification {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return core.Success(resp.StatusCode)
	}

	c := core.ClassifyHTTPStatus(resp, s.clock.Now())
	var body apiError
	if err := json.Unmarshal(resp.Body, &body); err != nil {
		return c
	}

	status := body.Error.Status
	if resp.StatusCode == http.StatusTooManyRequests || status == "RESOURCE_EXHAUSTED" {
		retryAfter := c.RetryAfter
		for _, d := range body.Error.Details {
			if d.RetryDelay == "" {
				continue
			}
			if delay, err := time.ParseDuration(d.RetryDelay); err == nil && delay > 0 {
				retryAfter = delay
			}
		}
		return core.RateLimited(resp.StatusCode, c.RetryAt, retryAfter, body.Error.Message)
	}
	for _, d := range body.Error.Details {
		if d.Reason == "API_KEY_INVALID" {
			return core.Fatal(http.StatusUnauthorized, "auth", body.Error.Message)
		}
	}
	if status == "UNAUTHENTICATED" || status == "PERMISSION_DENIED" {
		return core.Fatal(http.StatusForbidden, "auth", body.Error.Message)
	}
	if status == "UNAVAILABLE" || status == "DEADLINE_EXCEEDED" || strings.EqualFold(status, "INTERNAL") {
		return core.Transient(resp.StatusCode, "server_error", body.Error.Message)
	}
	if body.Error.Message != "" {
		c.Message = body.Error.Message
	}
	return c
}
