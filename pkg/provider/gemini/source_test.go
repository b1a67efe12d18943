package gemini

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"taskforge/pkg/provider/core"
	"taskforge/pkg/timing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 3, 12, 10, 0, 0, 0, time.UTC)

func TestFetchPage_令牌分页(t *testing.T) {
	var keys, tokens []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, modelsPath, r.URL.Path)
		keys = append(keys, r.Header.Get("x-goog-api-key"))
		tokens = append(tokens, r.URL.Query().Get("pageToken"))
		if r.URL.Query().Get("pageToken") == "" {
			_, _ = w.Write([]byte(`{"models":[{"name":"models/gemini-2.5-flash"},{"displayName":"broken"}],"nextPageToken":"p2"}`))
			return
		}
		_, _ = w.Write([]byte(`{"models":[{"name":"models/gemini-2.5-pro"}]}`))
	}))
	defer server.Close()

	src := New(Config{BaseURL: server.URL}, timing.NewManualClock(t0), nil)
	req := core.PageRequest{Limit: 2}

	first, err := src.FetchPage(context.Background(), "AIza-test", req)
	require.NoError(t, err)
	require.Len(t, first.Records, 1)
	assert.Equal(t, 1, first.Dropped)
	assert.True(t, first.HasMore)

	second, err := src.FetchPage(context.Background(), "AIza-test", req.Next(first))
	require.NoError(t, err)
	assert.False(t, second.HasMore)
	assert.Equal(t, "models/gemini-2.5-pro", second.Records[0].ExternalID)

	assert.Equal(t, []string{"AIza-test", "AIza-test"}, keys)
	assert.Equal(t, []string{"", "p2"}, tokens)
}

func TestClassifyResponse(t *testing.T) {
	src := New(Config{}, timing.NewManualClock(t0), nil)

	tests := []struct {
		name       string
		status     int
		body       string
		want       core.Outcome
		retryAfter time.Duration
	}{
		{"成功", 200, `{"models":[]}`, core.OutcomeSuccess, 0},
		{"配额耗尽", 429, `{"error":{"code":429,"message":"Quota exceeded","status":"RESOURCE_EXHAUSTED","details":[{"@type":"type.googleapis.com/google.rpc.RetryInfo","retryDelay":"30s"}]}}`, core.OutcomeRateLimited, 30 * time.Second},
		{"无效密钥", 400, `{"error":{"code":400,"message":"API key not valid","status":"INVALID_ARGUMENT","details":[{"@type":"type.googleapis.com/google.rpc.ErrorInfo","reason":"API_KEY_INVALID"}]}}`, core.OutcomeFatal, 0},
		{"权限不足", 403, `{"error":{"code":403,"status":"PERMISSION_DENIED"}}`, core.OutcomeFatal, 0},
		{"服务不可用", 503, `{"error":{"code":503,"status":"UNAVAILABLE","message":"overloaded"}}`, core.OutcomeTransient, 0},
		{"网关错误", 502, `<html></html>`, core.OutcomeTransient, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := src.ClassifyResponse(&core.RawResponse{StatusCode: tt.status, Header: http.Header{}, Body: []byte(tt.body)})
			assert.Equal(t, tt.want, c.Outcome)
			assert.Equal(t, tt.retryAfter, c.RetryAfter)
		})
	}

	var fatal *core.FatalError
	err := src.ClassifyResponse(&core.RawResponse{StatusCode: 400, Header: http.Header{}, Body: []byte(tests[2].body)}).Err()
	require.ErrorAs(t, err, &fatal)
	assert.True(t, fatal.IsAuth())
}
