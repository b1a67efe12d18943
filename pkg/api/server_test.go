package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"taskforge/pkg/fetcher"
	"taskforge/pkg/limiter"
	"taskforge/pkg/provider"
	"taskforge/pkg/provider/core"
	"taskforge/pkg/storage"
	"taskforge/pkg/timing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 3, 12, 10, 0, 0, 0, time.UTC)

// transcriptSource 返回两条会议日期不同的转录
type transcriptSource struct {
	calls int
}

func (s *transcriptSource) Name() string { return "fireflies" }

func (s *transcriptSource) FetchPage(ctx context.Context, secret string, req core.PageRequest) (core.Page, error) {
	s.calls++
	doc := func(id string, at time.Time) core.Record {
		return core.Record{ExternalID: id, Payload: json.RawMessage(fmt.Sprintf(`{"id":%q,"date":%d}`, id, at.UnixMilli()))}
	}
	return core.Page{Records: []core.Record{
		doc("today", t0.Add(-time.Hour)),
		doc("yesterday", t0.Add(-24*time.Hour)),
	}}, nil
}

func (s *transcriptSource) TestConnection(ctx context.Context, secret string) (string, error) {
	return "ops@example.com", nil
}

func newTestServer(t *testing.T, opts Options) (*gin.Engine, *transcriptSource) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	clock := timing.NewManualClock(t0)
	src := &transcriptSource{}
	f, err := fetcher.New(fetcher.Config{
		Endpoint:    "fireflies",
		Credentials: []string{"secret-a", "secret-b"},
		Limits:      limiter.Config{MaxRequestsPerMinute: 100},
		CacheTTL:    time.Hour,
	}, src, storage.NewMemoryStore(clock), fetcher.WithClock(clock))
	require.NoError(t, err)

	m := provider.NewManager()
	require.NoError(t, m.Register("fireflies", f))

	opts.Clock = clock
	return NewServer(m, opts).Router(), src
}

func do(router http.Handler, method, path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(method, path, nil)
	router.ServeHTTP(w, req)
	return w
}

func TestHealth(t *testing.T) {
	router, _ := newTestServer(t, Options{
		Store:  PingFunc(func(context.Context) error { return nil }),
		Checks: map[string]Pinger{"redis": PingFunc(func(context.Context) error { return errors.New("connection refused") })},
	})

	w := do(router, http.MethodGet, "/health")
	require.Equal(t, http.StatusOK, w.Code)

	var resp HealthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "degraded", resp.Status)
	assert.Equal(t, "ok", resp.Checks["store"])
	assert.Equal(t, "connection refused", resp.Checks["redis"])
	assert.Equal(t, "closed", resp.Circuits["fireflies"])
}

func TestHealth_存储不可用(t *testing.T) {
	router, _ := newTestServer(t, Options{
		Store: PingFunc(func(context.Context) error { return errors.New("database is locked") }),
	})
	w := do(router, http.MethodGet, "/health")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestGetRecords(t *testing.T) {
	router, src := newTestServer(t, Options{})

	w := do(router, http.MethodGet, "/api/v1/endpoints/fireflies/records")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "LIVE", w.Header().Get("X-Data-Source"))
	assert.Equal(t, "false", w.Header().Get("X-Degraded"))

	var body struct {
		Source string        `json:"source"`
		Count  int           `json:"count"`
		Items  []core.Record `json:"records"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, 2, body.Count)

	w = do(router, http.MethodGet, "/api/v1/endpoints/fireflies/records?today=true")
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "CACHE", body.Source)
	require.Len(t, body.Items, 1)
	assert.Equal(t, "today", body.Items[0].ExternalID)
	assert.Equal(t, 1, src.calls)

	w = do(router, http.MethodGet, "/api/v1/endpoints/fireflies/records?force=true&date=2024-03-11")
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "LIVE", body.Source)
	require.Len(t, body.Items, 1)
	assert.Equal(t, "yesterday", body.Items[0].ExternalID)
	assert.Equal(t, 2, src.calls)

	w = do(router, http.MethodGet, "/api/v1/endpoints/fireflies/records?date=03/11")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(router, http.MethodGet, "/api/v1/endpoints/jira/records")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestEndpointAdmin(t *testing.T) {
	router, src := newTestServer(t, Options{})

	w := do(router, http.MethodGet, "/api/v1/endpoints")
	require.Equal(t, http.StatusOK, w.Code)
	var list struct {
		Endpoints []fetcher.Status `json:"endpoints"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	require.Len(t, list.Endpoints, 1)
	assert.Equal(t, 2, list.Endpoints[0].TotalKeys)

	w = do(router, http.MethodGet, "/api/v1/endpoints/fireflies/status")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.NotContains(t, w.Body.String(), "secret-a")

	do(router, http.MethodGet, "/api/v1/endpoints/fireflies/records")
	w = do(router, http.MethodDelete, "/api/v1/endpoints/fireflies/cache")
	assert.Equal(t, http.StatusNoContent, w.Code)
	do(router, http.MethodGet, "/api/v1/endpoints/fireflies/records")
	assert.Equal(t, 2, src.calls, "清除缓存后重新实时获取")

	w = do(router, http.MethodPost, "/api/v1/endpoints/fireflies/test")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "ops@example.com")

	w = do(router, http.MethodPost, "/api/v1/endpoints/fireflies/credentials/key-2/reset")
	assert.Equal(t, http.StatusNoContent, w.Code)
	w = do(router, http.MethodPost, "/api/v1/endpoints/fireflies/credentials/key-9/reset")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestMetricsRoute(t *testing.T) {
	reg := prometheus.NewRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "taskforge_test_total", Help: "test"})
	reg.MustRegister(counter)
	counter.Inc()

	router, _ := newTestServer(t, Options{Gatherer: reg})
	w := do(router, http.MethodGet, "/metrics")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "taskforge_test_total 1")
}
