// Package fireflies 会议转录提供商，GraphQL 接口，limit/skip 偏移量分页。
package fireflies

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"taskforge/pkg/logger"
	"taskforge/pkg/provider/core"
	"taskforge/pkg/timing"

	"github.com/sirupsen/logrus"
	"golang.org/x/text/unicode/norm"
)

const (
	// DefaultBaseURL 官方 GraphQL 地址
	DefaultBaseURL = "https://api.fireflies.ai/graphql"
	// Kind 提供商类型名
	Kind = "fireflies"
)

const transcriptsQuery = `query Transcripts($limit: Int, $skip: Int) {
  transcripts(limit: $limit, skip: $skip) {
    id
    title
    date
    duration
    transcript_url
    meeting_link
    organizer_email
    host_email
    participants
    meeting_info { silent_meeting fred_joined summary_status }
    summary { overview action_items keywords short_summary meeting_type }
    sentences { index speaker_name text start_time end_time }
    meeting_attendees { displayName email }
  }
}`

const userQuery = `query { user { user_id email } }`

// Config Fireflies 客户端配置
type Config struct {
	BaseURL   string
	Timeout   time.Duration
	UserAgent string
	Headers   map[string]string
	Auth      core.AuthConfig // 为空时使用默认认证头
}

// Source Fireflies 转录列表
type Source struct {
	transport *core.Transport
	clock     timing.TimeService
	log       *logrus.Entry
}

// New 创建 Fireflies 数据源
func New(config Config, clock timing.TimeService, log *logrus.Entry) *Source {
	if config.BaseURL == "" {
		config.BaseURL = DefaultBaseURL
	}
	auth := config.Auth
	if auth.Header == "" {
		auth = core.BearerAuth()
	}
	if clock == nil {
		clock = timing.SystemClock()
	}
	if log == nil {
		log = logger.WithComponent("fireflies")
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

// FetchPage 获取一页转录。返回条数等于 limit 时认为还有下一页。
func (s *Source) FetchPage(ctx context.Context, secret string, req core.PageRequest) (core.Page, error) {
	body := core.GraphQLRequest{
		Query: transcriptsQuery,
		Variables: map[string]interface{}{
			"limit": req.Limit,
			"skip":  req.Offset,
		},
	}
	data, err := s.execute(ctx, secret, body)
	if err != nil {
		return core.Page{}, err
	}

	var payload struct {
		Transcripts []json.RawMessage `json:"transcripts"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return core.Page{}, core.NewTransientError(http.StatusOK, "unexpected transcripts shape", err)
	}

	page := core.Page{
		Records: make([]core.Record, 0, len(payload.Transcripts)),
		HasMore: req.Limit > 0 && len(payload.Transcripts) >= req.Limit,
	}
	for i, raw := range payload.Transcripts {
		record, err := normalizeTranscript(req.Offset+i, raw)
		if err != nil {
			page.Dropped++
			s.log.WithError(err).WithField("index", req.Offset+i).Warn("丢弃无效转录记录")
			continue
		}
		page.Records = append(page.Records, record)
	}
	return page, nil
}

// TestConnection 查询当前用户验证密钥
func (s *Source) TestConnection(ctx context.Context, secret string) (string, error) {
	data, err := s.execute(ctx, secret, core.GraphQLRequest{Query: userQuery})
	if err != nil {
		return "", err
	}
	var payload struct {
		User *struct {
			UserID string `json:"user_id"`
			Email  string `json:"email"`
		} `json:"user"`
	}
	if err := json.Unmarshal(data, &payload); err != nil || payload.User == nil {
		return "", core.NewTransientError(http.StatusOK, "user not present in response", err)
	}
	if payload.User.Email != "" {
		return payload.User.Email, nil
	}
	return payload.User.UserID, nil
}

// ClassifyResponse Fireflies 在 200 响应里用 errors 表示限流，
// extensions.retryAfter 是毫秒级的恢复时间戳。
func (s *Source) ClassifyResponse(resp *core.RawResponse) core.Classification {
	now := s.clock.Now()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c := core.ClassifyHTTPStatus(resp, now)
		if c.Outcome != core.OutcomeRateLimited {
			if gql, err := core.DecodeGraphQL(resp.Body); err == nil {
				if rl, ok := rateLimitFromErrors(gql.Errors, resp.StatusCode); ok {
					return rl
				}
			}
		}
		return c
	}

	gql, err := core.DecodeGraphQL(resp.Body)
	if err != nil {
		return core.Transient(resp.StatusCode, "malformed", err.Error())
	}
	if !gql.HasErrors() {
		return core.Success(resp.StatusCode)
	}
	if rl, ok := rateLimitFromErrors(gql.Errors, resp.StatusCode); ok {
		return rl
	}

	for _, e := range gql.Errors {
		var code string
		e.Extension("code", &code)
		msg := strings.ToLower(e.Message)
		switch {
		case code == "UNAUTHENTICATED" || code == "FORBIDDEN" || strings.Contains(msg, "invalid api key") || strings.Contains(msg, "unauthorized"):
			return core.Fatal(http.StatusUnauthorized, "auth", e.Message)
		case code == "INTERNAL_SERVER_ERROR" || strings.Contains(msg, "timeout"):
			return core.Transient(resp.StatusCode, "server_error", e.Message)
		}
	}
	return core.Fatal(http.StatusBadRequest, "graphql", gql.Errors[0].Message)
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

func rateLimitFromErrors(errs []core.GraphQLError, statusCode int) (core.Classification, bool) {
	for _, e := range errs {
		var code string
		e.Extension("code", &code)
		if !strings.Contains(strings.ToLower(e.Message), "too many requests") && code != "too_many_requests" {
			continue
		}
		var retryAt time.Time
		var ms int64
		if e.Extension("retryAfter", &ms) && ms > 0 {
			retryAt = time.UnixMilli(ms)
		}
		return core.RateLimited(statusCode, retryAt, 0, e.Message), true
	}
	return core.Classification{}, false
}

// normalizeTranscript 校验 id 并把文本字段规范化为 NFC，
// 同一条转录重复获取时得到字节相同的 payload
func normalizeTranscript(index int, raw json.RawMessage) (core.Record, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var doc map[string]interface{}
	if err := dec.Decode(&doc); err != nil || doc == nil {
		return core.Record{}, core.NewDataIntegrityError(index, "transcript is not an object")
	}
	id, _ := doc["id"].(string)
	if strings.TrimSpace(id) == "" {
		return core.Record{}, core.NewDataIntegrityError(index, "transcript missing id")
	}

	if title, ok := doc["title"].(string); ok {
		doc["title"] = norm.NFC.String(title)
	}
	if participants, ok := doc["participants"].([]interface{}); ok {
		for i, p := range participants {
			if name, ok := p.(string); ok {
				participants[i] = norm.NFC.String(name)
			}
		}
	}
	if attendees, ok := doc["meeting_attendees"].([]interface{}); ok {
		for _, a := range attendees {
			if m, ok := a.(map[string]interface{}); ok {
				if name, ok := m["displayName"].(string); ok {
					m["displayName"] = norm.NFC.String(name)
				}
			}
		}
	}

	payload, err := json.Marshal(doc)
	if err != nil {
		return core.Record{}, core.NewDataIntegrityError(index, "re-encode transcript: %v", err)
	}
	return core.Record{ExternalID: id, Payload: payload}, nil
}
