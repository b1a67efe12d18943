package fetcher

import (
	"time"

	"taskforge/pkg/breaker"
	"taskforge/pkg/cache"
	"taskforge/pkg/keypool"
	"taskforge/pkg/limiter"
	"taskforge/pkg/provider/core"
	"taskforge/pkg/timing"
)

// Source 结果来源
type Source string

const (
	SourceLive     Source = "LIVE"
	SourceCache    Source = "CACHE"
	SourceFallback Source = "FALLBACK"
)

// Config 单个端点的获取配置
type Config struct {
	Endpoint    string
	Credentials []string

	Limits limiter.Config
	Wait   limiter.WaitPolicy

	CacheTTL time.Duration
	Schedule *timing.RefreshSchedule

	FailureThreshold uint32
	CircuitCooldown  time.Duration

	PageSize    int
	MaxPages    int
	MaxAttempts int // 每次调用最多尝试几个凭据，0 表示凭据总数

	RequestTimeout   time.Duration // 单个 HTTP 请求的超时
	RateLimitBackoff time.Duration // 提供商没有给出恢复时间时的默认退避
	DisableCooldown  time.Duration // 认证失败的凭据停用多久，0 表示直到手动恢复
	FallbackWindow   time.Duration // 兜底存储回看多久
	DegradeTimeout   time.Duration // 降级读取缓存和兜底存储的超时

	MinRateLimitBackoff time.Duration // 限流后凭据至少停用多久，0 表示完全按提供商给出的时间
}

// Result 一次 GetRecords 的结果。Degraded 为 true 时数据可能已过期。
type Result struct {
	Endpoint  string        `json:"endpoint"`
	Records   []core.Record `json:"records"`
	Source    Source        `json:"source"`
	Degraded  bool          `json:"degraded"`
	FetchedAt time.Time     `json:"fetched_at"`
	Attempts  int           `json:"attempts"`
}

// FetchEvent 每次 GetRecords 结束后发给 Observer 的事件
type FetchEvent struct {
	Endpoint     string
	Kind         string
	Source       Source
	Degraded     bool
	Forced       bool
	Records      int
	Pages        int
	Attempts     int
	RateLimited  int
	Transient    int
	Throttled    int
	Dropped      int
	Duplicates   int
	Exhausted    bool
	CircuitState breaker.State
	Duration     time.Duration
	Time         time.Time
}

// Observer 接收获取结果，用于指标上报
type Observer interface {
	ObserveFetch(event FetchEvent)
}

// ObserverFunc 函数形式的 Observer
type ObserverFunc func(event FetchEvent)

func (fn ObserverFunc) ObserveFetch(event FetchEvent) {
	fn(event)
}

// Status 端点状态快照
type Status struct {
	Endpoint      string                     `json:"endpoint"`
	Kind          string                     `json:"kind"`
	Cache         cache.Status               `json:"cache"`
	ActiveKeys    int                        `json:"active_keys"`
	TotalKeys     int                        `json:"total_keys"`
	Credentials   []keypool.CredentialStatus `json:"credentials"`
	Circuit       breaker.Snapshot           `json:"circuit"`
	StoredRecords int                        `json:"stored_records"`
	StoreError    string                     `json:"store_error,omitempty"`
}
