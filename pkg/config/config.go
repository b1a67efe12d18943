package config

import (
	"fmt"
	"sort"
	"strings"
	"time"

	apperr "taskforge/pkg/error"
	"taskforge/pkg/logger"
	"taskforge/pkg/timing"
)

// 支持的提供商类型
const (
	KindFireflies = "fireflies"
	KindMonday    = "monday"
	KindGemini    = "gemini"
)

// 支持的缓存后端
const (
	CacheBackendMemory = "memory"
	CacheBackendDisk   = "disk"
	CacheBackendRedis  = "redis"
)

// Config 主配置结构
type Config struct {
	Logger    logger.Config             `json:"logger" mapstructure:"logger"`
	Server    ServerConfig              `json:"server" mapstructure:"server"`
	Redis     RedisConfig               `json:"redis" mapstructure:"redis"`
	InfluxDB  InfluxDBConfig            `json:"influxdb" mapstructure:"influxdb"`
	Metrics   MetricsConfig             `json:"metrics" mapstructure:"metrics"`
	Cache     CacheConfig               `json:"cache" mapstructure:"cache"`
	Storage   StorageConfig             `json:"storage" mapstructure:"storage"`
	Scheduler SchedulerConfig           `json:"scheduler" mapstructure:"scheduler"`
	Endpoints map[string]EndpointConfig `json:"endpoints" mapstructure:"endpoints"`
}

// ServerConfig HTTP 服务配置
type ServerConfig struct {
	Enabled bool   `json:"enabled" mapstructure:"enabled"`
	Port    string `json:"port" mapstructure:"port"`
	Mode    string `json:"mode" mapstructure:"mode"` // debug, release, test
	// Timezone 解释 today/date 过滤条件的时区
	Timezone string `json:"timezone" mapstructure:"timezone"`
}

// RedisConfig Redis 连接配置，同时用于缓存后端和记录流发布
type RedisConfig struct {
	Enabled      bool   `json:"enabled" mapstructure:"enabled"`
	Addr         string `json:"addr" mapstructure:"addr"`
	Password     string `json:"password" mapstructure:"password"`
	DB           int    `json:"db" mapstructure:"db"`
	StreamMaxLen int64  `json:"stream_max_len" mapstructure:"stream_max_len"`
}

// InfluxDBConfig InfluxDB 配置
type InfluxDBConfig struct {
	Enabled bool   `json:"enabled" mapstructure:"enabled"`
	URL     string `json:"url" mapstructure:"url"`
	Token   string `json:"token" mapstructure:"token"`
	Org     string `json:"org" mapstructure:"org"`
	Bucket  string `json:"bucket" mapstructure:"bucket"`
}

// MetricsConfig Prometheus 指标配置
type MetricsConfig struct {
	Enabled   bool   `json:"enabled" mapstructure:"enabled"`
	Namespace string `json:"namespace" mapstructure:"namespace"`
}

// CacheConfig 缓存后端配置
type CacheConfig struct {
	Backend   string        `json:"backend" mapstructure:"backend"`     // memory, disk, redis
	Dir       string        `json:"dir" mapstructure:"dir"`             // disk 后端的目录
	KeyPrefix string        `json:"key_prefix" mapstructure:"key_prefix"`
	Retention time.Duration `json:"retention" mapstructure:"retention"` // redis 后端的键保留时长
}

// StorageConfig 持久化兜底存储配置，Path 为 ":memory:" 时使用内存存储
type StorageConfig struct {
	Path string `json:"path" mapstructure:"path"`
}

// SchedulerConfig 调度器配置
type SchedulerConfig struct {
	JobsFile string `json:"jobs_file" mapstructure:"jobs_file"`
}

// EndpointConfig 单个端点的配置
type EndpointConfig struct {
	Kind         string            `json:"kind" mapstructure:"kind"`
	Disabled     bool              `json:"disabled" mapstructure:"disabled"`
	BaseURL      string            `json:"base_url" mapstructure:"base_url"`
	AuthHeader   string            `json:"auth_header" mapstructure:"auth_header"`
	AuthScheme   string            `json:"auth_scheme" mapstructure:"auth_scheme"`
	ExtraHeaders map[string]string `json:"extra_headers" mapstructure:"extra_headers"`
	UserAgent    string            `json:"user_agent" mapstructure:"user_agent"`
	Credentials  []string          `json:"-" mapstructure:"credentials"`

	MinRequestInterval   time.Duration `json:"min_request_interval" mapstructure:"min_request_interval"`
	MaxRequestsPerMinute int           `json:"max_requests_per_minute" mapstructure:"max_requests_per_minute"`

	CacheTTL                time.Duration `json:"cache_ttl" mapstructure:"cache_ttl"`
	FixedRefreshTimes       []string      `json:"fixed_refresh_times" mapstructure:"fixed_refresh_times"`
	RefreshTimezone         string        `json:"refresh_timezone" mapstructure:"refresh_timezone"`
	RefreshBusinessDaysOnly bool          `json:"refresh_business_days_only" mapstructure:"refresh_business_days_only"`

	CircuitFailureThreshold int           `json:"circuit_failure_threshold" mapstructure:"circuit_failure_threshold"`
	CircuitCooldown         time.Duration `json:"circuit_cooldown" mapstructure:"circuit_cooldown"`

	MaxPagesPerFetch  int           `json:"max_pages_per_fetch" mapstructure:"max_pages_per_fetch"`
	PageSize          int           `json:"page_size" mapstructure:"page_size"`
	FallbackWindow    time.Duration `json:"fallback_window" mapstructure:"fallback_window"`
	RequestTimeout    time.Duration `json:"request_timeout" mapstructure:"request_timeout"`
	RateLimitBackoff  time.Duration `json:"rate_limit_backoff" mapstructure:"rate_limit_backoff"`
	DisableCooldown   time.Duration `json:"disable_cooldown" mapstructure:"disable_cooldown"`
	MaxWaitPerAttempt time.Duration `json:"max_wait_per_attempt" mapstructure:"max_wait_per_attempt"`
	MaxTotalWait      time.Duration `json:"max_total_wait" mapstructure:"max_total_wait"`
	MaxAttempts       int           `json:"max_attempts" mapstructure:"max_attempts"`

	MinRateLimitBackoff time.Duration `json:"min_rate_limit_backoff" mapstructure:"min_rate_limit_backoff"`

	BoardID    string `json:"board_id,omitempty" mapstructure:"board_id"`
	APIVersion string `json:"api_version,omitempty" mapstructure:"api_version"`
}

// Default 返回默认配置，默认不包含任何端点
func Default() *Config {
	return &Config{
		Logger: logger.Config{Level: "info", Format: "text"},
		Server: ServerConfig{Enabled: true, Port: "8080", Mode: "release", Timezone: "UTC"},
		Redis: RedisConfig{
			Addr:         "localhost:6379",
			StreamMaxLen: 10000,
		},
		InfluxDB: InfluxDBConfig{
			URL:    "http://localhost:8086",
			Org:    "taskforge",
			Bucket: "fetch_outcomes",
		},
		Metrics: MetricsConfig{Enabled: true, Namespace: "taskforge"},
		Cache: CacheConfig{
			Backend:   CacheBackendDisk,
			Dir:       "data/cache",
			KeyPrefix: "taskforge",
			Retention: 7 * 24 * time.Hour,
		},
		Storage:   StorageConfig{Path: "data/taskforge.db"},
		Scheduler: SchedulerConfig{JobsFile: "config/jobs.yaml"},
		Endpoints: map[string]EndpointConfig{},
	}
}

// DefaultEndpoint 返回某类提供商的默认端点配置
func DefaultEndpoint(kind string) EndpointConfig {
	e := EndpointConfig{
		Kind:                    kind,
		MinRequestInterval:      3 * time.Second,
		MaxRequestsPerMinute:    20,
		CacheTTL:                4 * time.Hour,
		RefreshTimezone:         "UTC",
		CircuitFailureThreshold: 5,
		CircuitCooldown:         60 * time.Second,
		MaxPagesPerFetch:        10,
		PageSize:                50,
		FallbackWindow:          7 * 24 * time.Hour,
		RequestTimeout:          60 * time.Second,
		RateLimitBackoff:        60 * time.Second,
		DisableCooldown:         30 * time.Minute,
		MaxWaitPerAttempt:       5 * time.Second,
		MaxTotalWait:            30 * time.Second,
	}
	switch kind {
	case KindFireflies:
		// 限流后至少停用 60 秒，没有恢复时间时按 5 分钟退避
		e.RateLimitBackoff = 5 * time.Minute
		e.MinRateLimitBackoff = 60 * time.Second
	case KindGemini:
		e.MinRequestInterval = 4 * time.Second
		e.MaxRequestsPerMinute = 15
		e.CacheTTL = 30 * time.Minute
	case KindMonday:
		e.MinRequestInterval = 2 * time.Second
		e.MaxRequestsPerMinute = 30
		e.CacheTTL = 15 * time.Minute
		e.RequestTimeout = 30 * time.Second
		e.PageSize = 100
	}
	return e
}

// withDefaults 用同类默认值补齐未设置的字段
func (e EndpointConfig) withDefaults(name string) EndpointConfig {
	if e.Kind == "" {
		e.Kind = name
	}
	d := DefaultEndpoint(e.Kind)
	if e.MinRequestInterval == 0 {
		e.MinRequestInterval = d.MinRequestInterval
	}
	if e.MaxRequestsPerMinute == 0 {
		e.MaxRequestsPerMinute = d.MaxRequestsPerMinute
	}
	if e.CacheTTL == 0 {
		e.CacheTTL = d.CacheTTL
	}
	if e.RefreshTimezone == "" {
		e.RefreshTimezone = d.RefreshTimezone
	}
	if e.CircuitFailureThreshold == 0 {
		e.CircuitFailureThreshold = d.CircuitFailureThreshold
	}
	if e.CircuitCooldown == 0 {
		e.CircuitCooldown = d.CircuitCooldown
	}
	if e.MaxPagesPerFetch == 0 {
		e.MaxPagesPerFetch = d.MaxPagesPerFetch
	}
	if e.PageSize == 0 {
		e.PageSize = d.PageSize
	}
	if e.FallbackWindow == 0 {
		e.FallbackWindow = d.FallbackWindow
	}
	if e.RequestTimeout == 0 {
		e.RequestTimeout = d.RequestTimeout
	}
	if e.RateLimitBackoff == 0 {
		e.RateLimitBackoff = d.RateLimitBackoff
	}
	if e.MinRateLimitBackoff == 0 {
		e.MinRateLimitBackoff = d.MinRateLimitBackoff
	}
	if e.DisableCooldown == 0 {
		e.DisableCooldown = d.DisableCooldown
	}
	if e.MaxWaitPerAttempt == 0 {
		e.MaxWaitPerAttempt = d.MaxWaitPerAttempt
	}
	if e.MaxTotalWait == 0 {
		e.MaxTotalWait = d.MaxTotalWait
	}
	return e
}

// Validate 验证配置
func (c *Config) Validate() error {
	switch c.Cache.Backend {
	case CacheBackendMemory, CacheBackendRedis:
	case CacheBackendDisk:
		if c.Cache.Dir == "" {
			return apperr.NewConfigError("cache.dir cannot be empty for disk backend")
		}
	default:
		return apperr.NewConfigError("unknown cache backend %q", c.Cache.Backend)
	}
	if c.Cache.Backend == CacheBackendRedis && !c.Redis.Enabled {
		return apperr.NewConfigError("cache backend redis requires redis.enabled")
	}
	if c.Storage.Path == "" {
		return apperr.NewConfigError("storage.path cannot be empty")
	}
	if c.InfluxDB.Enabled && (c.InfluxDB.URL == "" || c.InfluxDB.Bucket == "") {
		return apperr.NewConfigError("influxdb url and bucket are required when enabled")
	}

	for _, name := range c.EndpointNames() {
		if err := c.Endpoints[name].Validate(name); err != nil {
			return err
		}
	}
	return nil
}

// Validate 验证单个端点
func (e EndpointConfig) Validate(name string) error {
	if name == "" {
		return apperr.NewConfigError("endpoint name cannot be empty")
	}
	switch e.Kind {
	case KindFireflies, KindGemini, KindMonday:
	default:
		return apperr.NewConfigError("endpoint %s: unknown kind %q", name, e.Kind)
	}
	if e.Disabled {
		return nil
	}
	if e.Kind == KindMonday && e.BoardID == "" {
		return apperr.NewConfigError("endpoint %s: board_id is required for monday", name)
	}
	if len(e.Credentials) == 0 {
		return apperr.NewConfigError("endpoint %s: at least one credential is required", name)
	}
	for i, s := range e.Credentials {
		if strings.TrimSpace(s) == "" {
			return apperr.NewConfigError("endpoint %s: credential %d is empty", name, i+1)
		}
	}
	if e.MaxRequestsPerMinute <= 0 {
		return apperr.NewConfigError("endpoint %s: max_requests_per_minute must be positive", name)
	}
	if e.MinRequestInterval < 0 {
		return apperr.NewConfigError("endpoint %s: min_request_interval cannot be negative", name)
	}
	if e.MinRateLimitBackoff < 0 {
		return apperr.NewConfigError("endpoint %s: min_rate_limit_backoff cannot be negative", name)
	}
	if e.PageSize <= 0 {
		return apperr.NewConfigError("endpoint %s: page_size must be positive", name)
	}
	if e.MaxPagesPerFetch <= 0 {
		return apperr.NewConfigError("endpoint %s: max_pages_per_fetch must be positive", name)
	}
	if e.CacheTTL <= 0 {
		return apperr.NewConfigError("endpoint %s: cache_ttl must be positive", name)
	}
	if e.CircuitFailureThreshold <= 0 {
		return apperr.NewConfigError("endpoint %s: circuit_failure_threshold must be positive", name)
	}
	if e.CircuitCooldown <= 0 {
		return apperr.NewConfigError("endpoint %s: circuit_cooldown must be positive", name)
	}
	if e.MaxAttempts < 0 {
		return apperr.NewConfigError("endpoint %s: max_attempts cannot be negative", name)
	}
	if _, err := e.Schedule(); err != nil {
		return apperr.NewConfigError("endpoint %s: %v", name, err)
	}
	return nil
}

// Location 解析 refresh_timezone
func (e EndpointConfig) Location() (*time.Location, error) {
	if e.RefreshTimezone == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(e.RefreshTimezone)
	if err != nil {
		return nil, fmt.Errorf("invalid refresh_timezone %q: %w", e.RefreshTimezone, err)
	}
	return loc, nil
}

// Schedule 构造固定刷新计划，没有配置刷新时刻时返回空计划
func (e EndpointConfig) Schedule() (*timing.RefreshSchedule, error) {
	loc, err := e.Location()
	if err != nil {
		return nil, err
	}
	return timing.NewRefreshSchedule(e.FixedRefreshTimes, loc, e.RefreshBusinessDaysOnly)
}

// EndpointNames 返回排序后的端点名称
func (c *Config) EndpointNames() []string {
	names := make([]string, 0, len(c.Endpoints))
	for name := range c.Endpoints {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// SetEndpoint 设置端点配置，未设置的字段使用同类默认值
func (c *Config) SetEndpoint(name string, endpoint EndpointConfig) *Config {
	if c.Endpoints == nil {
		c.Endpoints = map[string]EndpointConfig{}
	}
	c.Endpoints[name] = endpoint.withDefaults(name)
	return c
}

// SetCacheBackend 设置缓存后端
func (c *Config) SetCacheBackend(backend string) *Config {
	c.Cache.Backend = backend
	return c
}

// SetStoragePath 设置兜底存储路径
func (c *Config) SetStoragePath(path string) *Config {
	c.Storage.Path = path
	return c
}

// SetLogLevel 设置日志级别
func (c *Config) SetLogLevel(level string) *Config {
	c.Logger.Level = level
	return c
}
