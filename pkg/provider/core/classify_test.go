package core

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	apperr "taskforge/pkg/error"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2024, 3, 12, 10, 0, 0, 0, time.UTC)

func raw(code int, header http.Header, body string) *RawResponse {
	if header == nil {
		header = http.Header{}
	}
	return &RawResponse{StatusCode: code, Header: header, Body: []byte(body)}
}

func TestClassifyHTTPStatus(t *testing.T) {
	tests := []struct {
		name string
		resp *RawResponse
		want Outcome
	}{
		{"200", raw(200, nil, "{}"), OutcomeSuccess},
		{"429", raw(429, nil, "slow down"), OutcomeRateLimited},
		{"401", raw(401, nil, "bad key"), OutcomeFatal},
		{"403", raw(403, nil, ""), OutcomeFatal},
		{"400", raw(400, nil, "bad query"), OutcomeFatal},
		{"408", raw(408, nil, ""), OutcomeTransient},
		{"500", raw(500, nil, ""), OutcomeTransient},
		{"503", raw(503, nil, ""), OutcomeTransient},
		{"302", raw(302, nil, ""), OutcomeTransient},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := ClassifyHTTPStatus(tt.resp, now)
			assert.Equal(t, tt.want, c.Outcome)
			assert.Equal(t, tt.want, ClassifyError(c.Err()))
		})
	}
}

func TestParseRetryAfter(t *testing.T) {
	at, after := ParseRetryAfter("30", now)
	assert.True(t, at.IsZero())
	assert.Equal(t, 30*time.Second, after)

	future := now.Add(2 * time.Minute)
	at, after = ParseRetryAfter(future.Format(http.TimeFormat), now)
	assert.True(t, at.Equal(future))
	assert.Equal(t, 2*time.Minute, after)

	at, after = ParseRetryAfter("soon", now)
	assert.True(t, at.IsZero())
	assert.Zero(t, after)
}

func TestRateLimitedError_ResolveRetryAt(t *testing.T) {
	header := http.Header{}
	header.Set("Retry-After", "45")
	err := ClassifyHTTPStatus(raw(429, header, ""), now).Err()

	var rl *RateLimitedError
	require.True(t, errors.As(err, &rl))
	assert.Equal(t, now.Add(45*time.Second), rl.ResolveRetryAt(now, time.Minute, 0))
	assert.True(t, apperr.HasCode(err, ErrCodeRateLimited))

	bare := NewRateLimitedError(429, "limited", time.Time{}, 0)
	assert.Equal(t, now.Add(time.Minute), bare.ResolveRetryAt(now, time.Minute, 0))

	past := NewRateLimitedError(429, "limited", now.Add(-time.Second), 0)
	assert.Equal(t, now.Add(time.Minute), past.ResolveRetryAt(now, time.Minute, 0))

	short := NewRateLimitedError(200, "too many requests", now.Add(5*time.Second), 0)
	assert.Equal(t, now.Add(time.Minute), short.ResolveRetryAt(now, 5*time.Minute, time.Minute), "提供商给出的时间早于下限时使用下限")
	assert.Equal(t, now.Add(5*time.Minute), bare.ResolveRetryAt(now, 5*time.Minute, time.Minute))
}

func TestFatalError_IsAuth(t *testing.T) {
	assert.True(t, NewFatalError(401, "x").IsAuth())
	assert.True(t, NewFatalError(403, "x").IsAuth())
	assert.False(t, NewFatalError(400, "x").IsAuth())
}

func TestClassifyTransportError(t *testing.T) {
	assert.Equal(t, "timeout", ClassifyTransportError(context.DeadlineExceeded).Reason)
	assert.Equal(t, "dns", ClassifyTransportError(&net.DNSError{Err: "no such host", Name: "x"}).Reason)
	assert.Equal(t, "network", ClassifyTransportError(fmt.Errorf("boom")).Reason)
	assert.Equal(t, OutcomeTransient, ClassifyTransportError(fmt.Errorf("boom")).Outcome)
}

func TestTransport_认证头(t *testing.T) {
	var gotAuth, gotAgent, gotVersion string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotAgent = r.Header.Get("User-Agent")
		gotVersion = r.Header.Get("API-Version")
		w.WriteHeader(http.StatusTeapot)
		_, _ = w.Write([]byte("short and stout"))
	}))
	defer server.Close()

	tr := NewTransport(TransportConfig{
		BaseURL: server.URL + "/",
		Auth:    BearerAuth(),
		Headers: map[string]string{"API-Version": "2023-10"},
	})
	resp, err := tr.PostJSON(context.Background(), "/graphql", GraphQLRequest{Query: "{x}"}, "secret-token")
	require.NoError(t, err)

	assert.Equal(t, "Bearer secret-token", gotAuth)
	assert.Equal(t, "TaskForge/1.0", gotAgent)
	assert.Equal(t, "2023-10", gotVersion)
	assert.Equal(t, http.StatusTeapot, resp.StatusCode)
	assert.Equal(t, OutcomeFatal, ClassifyHTTPStatus(resp, now).Outcome)
}

func TestDecodeGraphQL(t *testing.T) {
	resp, err := DecodeGraphQL([]byte(`{"errors":[{"message":"Too many requests","extensions":{"retryAfter":1710237600000}}]}`))
	require.NoError(t, err)
	require.True(t, resp.HasErrors())

	var retryAfter int64
	assert.True(t, resp.Errors[0].Extension("retryAfter", &retryAfter))
	assert.Equal(t, int64(1710237600000), retryAfter)
	assert.False(t, resp.Errors[0].Extension("code", &retryAfter))

	_, err = DecodeGraphQL([]byte("<html>"))
	assert.Error(t, err)
}

func TestPageRequest_Next(t *testing.T) {
	req := PageRequest{Limit: 2}
	next := req.Next(Page{Records: []Record{{ExternalID: "a"}}, Dropped: 1, NextCursor: "c1"})
	assert.Equal(t, PageRequest{Index: 1, Offset: 2, Limit: 2, Cursor: "c1"}, next)
}
