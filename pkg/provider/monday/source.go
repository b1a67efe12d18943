// Package monday 任务看板提供商。GraphQL 接口，items_page 游标分页。
package monday

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"taskforge/pkg/logger"
	"taskforge/pkg/provider/core"
	"taskforge/pkg/timing"

	"github.com/sirupsen/logrus"
)

const (
	DefaultBaseURL    = "https://api.monday.com/v2"
	DefaultAPIVersion = "2023-10"
	Kind              = "monday"
)

const itemFields = `id name state created_at updated_at group { id title } column_values { id text value }`

const firstPageQuery = `query Items($boardId: [ID!], $limit: Int!) {
  boards(ids: $boardId) {
    items_page(limit: $limit) { cursor items { ` + itemFields + ` } }
  }
}`

const nextPageQuery = `query NextItems($cursor: String!, $limit: Int!) {
  next_items_page(cursor: $cursor, limit: $limit) { cursor items { ` + itemFields + ` } }
}`

const meQuery = `query { me { id name email } }`

// Config monday 客户端配置
type Config struct {
	BaseURL    string
	BoardID    string
	APIVersion string
	Timeout    time.Duration
	UserAgent  string
	Headers    map[string]string
	Auth       core.AuthConfig // 为空时使用默认认证头
}

// Source monday 看板条目
type Source struct {
	boardID   string
	transport *core.Transport
	clock     timing.TimeService
	log       *logrus.Entry
}

type itemsPage struct {
	Cursor *string           `json:"cursor"`
	Items  []json.RawMessage `json:"items"`
}

// New 创建 monday 数据源，board_id 必填
func New(config Config, clock timing.TimeService, log *logrus.Entry) (*Source, error) {
	if config.BoardID == "" {
		return nil, fmt.Errorf("monday: board_id is required")
	}
	if config.BaseURL == "" {
		config.BaseURL = DefaultBaseURL
	}
	if config.APIVersion == "" {
		config.APIVersion = DefaultAPIVersion
	}
	headers := map[string]string{"API-Version": config.APIVersion}
	for k, v := range config.Headers {
		headers[k] = v
	}
	auth := config.Auth
	if auth.Header == "" {
		auth = core.AuthConfig{Header: "Authorization"}
	}
	if clock == nil {
		clock = timing.SystemClock()
	}
	if log == nil {
		log = logger.WithComponent("monday")
	}
	return &Source{
		boardID: config.BoardID,
		transport: core.NewTransport(core.TransportConfig{
			BaseURL:   config.BaseURL,
			Auth:      auth,
			Headers:   headers,
			Timeout:   config.Timeout,
			UserAgent: config.UserAgent,
		}),
		clock: clock,
		log:   log.WithField("board_id", config.BoardID),
	}, nil
}

func (s *Source) Name() string {
	return Kind
}

// FetchPage 首页查询 boards.items_page，之后用游标查询 next_items_page。
// 游标为空表示没有更多数据。
func (s *Source) FetchPage(ctx context.Context, secret string, req core.PageRequest) (core.Page, error) {
	var body core.GraphQLRequest
	if req.Cursor == "" {
		body = core.GraphQLRequest{
			Query:     firstPageQuery,
			Variables: map[string]interface{}{"boardId": []string{s.boardID}, "limit": req.Limit},
		}
	} else {
		body = core.GraphQLRequest{
			Query:     nextPageQuery,
			Variables: map[string]interface{}{"cursor": req.Cursor, "limit": req.Limit},
		}
	}

	data, err := s.execute(ctx, secret, body)
	if err != nil {
		return core.Page{}, err
	}

	var ip *itemsPage
	if req.Cursor == "" {
		var payload struct {
			Boards []struct {
				ItemsPage *itemsPage `json:"items_page"`
			} `json:"boards"`
		}
		if err := json.Unmarshal(data, &payload); err != nil {
			return core.Page{}, core.NewTransientError(http.StatusOK, "unexpected boards shape", err)
		}
		if len(payload.Boards) == 0 {
			return core.Page{}, core.NewFatalError(http.StatusNotFound, fmt.Sprintf("board %s not found", s.boardID))
		}
		ip = payload.Boards[0].ItemsPage
	} else {
		var payload struct {
			NextItemsPage *itemsPage `json:"next_items_page"`
		}
		if err := json.Unmarshal(data, &payload); err != nil {
			return core.Page{}, core.NewTransientError(http.StatusOK, "unexpected next_items_page shape", err)
		}
		ip = payload.NextItemsPage
	}
	if ip == nil {
		return core.Page{}, nil
	}

	page := core.Page{Records: make([]core.Record, 0, len(ip.Items))}
	if ip.Cursor != nil && *ip.Cursor != "" {
		page.NextCursor = *ip.Cursor
		page.HasMore = true
	}
	for i, raw := range ip.Items {
		var item struct {
			ID   string `json:"id"`
			Name string `json:"name"`
		}
		if err := json.Unmarshal(raw, &item); err != nil || item.ID == "" {
			page.Dropped++
			s.log.WithField("index", req.Offset+i).Warn("丢弃缺少 id 的看板条目")
			continue
		}
		page.Records = append(page.Records, core.Record{ExternalID: item.ID, Payload: raw})
	}
	return page, nil
}

// TestConnection 查询 me 验证令牌
func (s *Source) TestConnection(ctx context.Context, secret string) (string, error) {
	data, err := s.execute(ctx, secret, core.GraphQLRequest{Query: meQuery})
	if err != nil {
		return "", err
	}
	var payload struct {
		Me *struct {
			ID    json.Number `json:"id"`
			Name  string      `json:"name"`
			Email string      `json:"email"`
		} `json:"me"`
	}
	if err := json.Unmarshal(data, &payload); err != nil || payload.Me == nil {
		return "", core.NewTransientError(http.StatusOK, "me not present in response", err)
	}
	if payload.Me.Email != "" {
		return payload.Me.Email, nil
	}
	return payload.Me.ID.String(), nil
}

// ClassifyResponse monday 的限流有两种形态：HTTP 429，
// 以及复杂度预算耗尽时 200/4xx 响应中带 retry_in_seconds 的错误。
func (s *Source) ClassifyResponse(resp *core.RawResponse) core.Classification {
	now := s.clock.Now()
	gql, decodeErr := core.DecodeGraphQL(resp.Body)

	if decodeErr == nil {
		if c, ok := classifyErrors(gql, resp.StatusCode); ok {
			return c
		}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return core.ClassifyHTTPStatus(resp, now)
	}
	if decodeErr != nil {
		return core.Transient(resp.StatusCode, "malformed", decodeErr.Error())
	}
	if gql.HasErrors() {
		msg := gql.ErrorMessage
		if msg == "" && len(gql.Errors) > 0 {
			msg = gql.Errors[0].Message
		}
		return core.Fatal(http.StatusBadRequest, "graphql", msg)
	}
	return core.Success(resp.StatusCode)
}

func classifyErrors(gql *core.GraphQLResponse, statusCode int) (core.Classification, bool) {
	code := strings.ToLower(gql.ErrorCode)
	msg := strings.ToLower(gql.ErrorMessage)
	switch {
	case strings.Contains(code, "complexity") || strings.Contains(code, "ratelimit") || strings.Contains(code, "rate_limit") ||
		strings.Contains(msg, "complexity budget exhausted") || strings.Contains(msg, "rate limit"):
		return core.RateLimited(statusCode, time.Time{}, retryInSeconds(gql.ErrorMessage), gql.ErrorMessage), true
	case code == "userunauthorizedexception" || strings.Contains(msg, "not authenticated"):
		return core.Fatal(http.StatusUnauthorized, "auth", gql.ErrorMessage), true
	}

	for _, e := range gql.Errors {
		var extCode string
		e.Extension("code", &extCode)
		lower := strings.ToLower(extCode)
		if strings.Contains(lower, "complexity") || strings.Contains(lower, "rate_limit") || strings.Contains(lower, "ratelimit") ||
			strings.Contains(strings.ToLower(e.Message), "complexity budget exhausted") {
			var secs float64
			if !e.Extension("retry_in_seconds", &secs) {
				secs = float64(retryInSeconds(e.Message) / time.Second)
			}
			return core.RateLimited(statusCode, time.Time{}, time.Duration(secs*float64(time.Second)), e.Message), true
		}
		if lower == "unauthenticated" || lower == "userunauthorizedexception" {
			return core.Fatal(http.StatusUnauthorized, "auth", e.Message), true
		}
	}
	return core.Classification{}, false
}

// retryInSeconds 从 "... reset in 23 seconds" 形式的消息里提取等待时间
func retryInSeconds(message string) time.Duration {
	fields := strings.Fields(message)
	for i := 0; i+1 < len(fields); i++ {
		if !strings.HasPrefix(strings.ToLower(fields[i+1]), "second") {
			continue
		}
		var n int
		if _, err := fmt.Sscanf(fields[i], "%d", &n); err == nil && n > 0 {
			return time.Duration(n) * time.Second
		}
	}
	return 0
}

func (s *Source) execute(ctx context.Context, secret string, body core.GraphQLRequest) (json.RawMessage, error) {
	resp, err := s.transport.PostJSON(ctx, "", body, secret)
	if err != nil {
		return nil, core.ClassifyTransportError(err).Err()
	}
	if err := s.ClassifyResponse(resp).Err(); err != nil {
		return nil, err
	}
	gql, _ := core.DecodeGraphQL(resp.Body)
	if len(gql.Data) == 0 || string(gql.Data) == "null" {
		return nil, core.NewTransientError(resp.StatusCode, "empty data", nil)
	}
	return gql.Data, nil
}
