package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	apperr "taskforge/pkg/error"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestDefault 测试默认配置是否正确
func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, "info", cfg.Logger.Level)
	assert.Equal(t, CacheBackendDisk, cfg.Cache.Backend)
	assert.Equal(t, "data/taskforge.db", cfg.Storage.Path)
	assert.Empty(t, cfg.Endpoints)
	assert.NoError(t, cfg.Validate(), "默认配置应该是有效的")

	ff := DefaultEndpoint(KindFireflies)
	assert.Equal(t, 3*time.Second, ff.MinRequestInterval)
	assert.Equal(t, 20, ff.MaxRequestsPerMinute)
	assert.Equal(t, 50, ff.PageSize)
	assert.Equal(t, 10, ff.MaxPagesPerFetch)
	assert.Equal(t, 4*time.Hour, ff.CacheTTL)
	assert.Equal(t, 60*time.Second, ff.RequestTimeout)
	assert.Equal(t, 5, ff.CircuitFailureThreshold)
	assert.Equal(t, 7*24*time.Hour, ff.FallbackWindow)
	assert.Equal(t, 5*time.Minute, ff.RateLimitBackoff)
	assert.Equal(t, 60*time.Second, ff.MinRateLimitBackoff)

	gm := DefaultEndpoint(KindGemini)
	assert.Equal(t, 4*time.Second, gm.MinRequestInterval)
	assert.Equal(t, 15, gm.MaxRequestsPerMinute)
	assert.Equal(t, 60*time.Second, gm.RateLimitBackoff)
	assert.Zero(t, gm.MinRateLimitBackoff)

	mon := DefaultEndpoint(KindMonday)
	assert.Equal(t, 2*time.Second, mon.MinRequestInterval)
	assert.Equal(t, 30, mon.MaxRequestsPerMinute)
	assert.Equal(t, 30*time.Second, mon.RequestTimeout)
}

// TestValidate 测试配置验证功能
func TestValidate(t *testing.T) {
	valid := func() *Config {
		return Default().SetEndpoint("fireflies", EndpointConfig{Credentials: []string{"ff-key-1"}})
	}
	require.NoError(t, valid().Validate())

	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"没有凭据", func(c *Config) {
			e := c.Endpoints["fireflies"]
			e.Credentials = nil
			c.Endpoints["fireflies"] = e
		}},
		{"空凭据", func(c *Config) {
			e := c.Endpoints["fireflies"]
			e.Credentials = []string{"ok-key", " "}
			c.Endpoints["fireflies"] = e
		}},
		{"未知类型", func(c *Config) { c.SetEndpoint("x", EndpointConfig{Kind: "sina", Credentials: []string{"k"}}) }},
		{"monday 缺少看板", func(c *Config) { c.SetEndpoint("monday", EndpointConfig{Credentials: []string{"k"}}) }},
		{"非正的限流上限", func(c *Config) {
			e := c.Endpoints["fireflies"]
			e.MaxRequestsPerMinute = -1
			c.Endpoints["fireflies"] = e
		}},
		{"非正的分页大小", func(c *Config) {
			e := c.Endpoints["fireflies"]
			e.PageSize = -5
			c.Endpoints["fireflies"] = e
		}},
		{"负的限流退避下限", func(c *Config) {
			e := c.Endpoints["fireflies"]
			e.MinRateLimitBackoff = -time.Second
			c.Endpoints["fireflies"] = e
		}},
		{"刷新时刻格式错误", func(c *Config) {
			e := c.Endpoints["fireflies"]
			e.FixedRefreshTimes = []string{"25:00"}
			c.Endpoints["fireflies"] = e
		}},
		{"未知时区", func(c *Config) {
			e := c.Endpoints["fireflies"]
			e.RefreshTimezone = "Mars/Olympus"
			c.Endpoints["fireflies"] = e
		}},
		{"未知缓存后端", func(c *Config) { c.SetCacheBackend("memcached") }},
		{"redis 缓存未启用 redis", func(c *Config) { c.SetCacheBackend(CacheBackendRedis) }},
		{"空存储路径", func(c *Config) { c.SetStoragePath("") }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.True(t, apperr.HasCode(err, apperr.ErrConfigInvalid))
		})
	}

	t.Run("停用的端点可以没有凭据", func(t *testing.T) {
		cfg := valid()
		cfg.SetEndpoint("gemini", EndpointConfig{Disabled: true})
		assert.NoError(t, cfg.Validate())
	})
}

func TestLoad_文件与环境变量(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "taskforge.yaml")
	yaml := `
logger:
  level: debug
cache:
  backend: memory
storage:
  path: ":memory:"
endpoints:
  fireflies:
    credentials: ["ff-key-1", "ff-key-2"]
    cache_ttl: 2h
    fixed_refresh_times: ["09:00", "17:30"]
    refresh_timezone: UTC
  board:
    kind: monday
    board_id: "9212659997"
    credentials: ["mon-key"]
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))
	t.Setenv("TASKFORGE_ENDPOINTS_GEMINI_CREDENTIALS", "gm-key-1,gm-key-2")
	t.Setenv("TASKFORGE_REDIS_ADDR", "redis.internal:6379")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "debug", cfg.Logger.Level)
	assert.Equal(t, CacheBackendMemory, cfg.Cache.Backend)
	assert.Equal(t, "redis.internal:6379", cfg.Redis.Addr)
	assert.Equal(t, []string{"board", "fireflies", "gemini"}, cfg.EndpointNames())

	ff := cfg.Endpoints["fireflies"]
	assert.Equal(t, KindFireflies, ff.Kind)
	assert.Equal(t, []string{"ff-key-1", "ff-key-2"}, ff.Credentials)
	assert.Equal(t, 2*time.Hour, ff.CacheTTL)
	assert.Equal(t, 20, ff.MaxRequestsPerMinute, "未设置的字段使用默认值")
	schedule, err := ff.Schedule()
	require.NoError(t, err)
	assert.Len(t, schedule.Times(), 2)

	board := cfg.Endpoints["board"]
	assert.Equal(t, KindMonday, board.Kind)
	assert.Equal(t, 30, board.MaxRequestsPerMinute)

	gm := cfg.Endpoints["gemini"]
	assert.Equal(t, KindGemini, gm.Kind)
	assert.Equal(t, []string{"gm-key-1", "gm-key-2"}, gm.Credentials)
}

func TestLoad_文件不存在(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err, "显式指定的文件不存在时报错")
}
