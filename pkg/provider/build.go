package provider

import (
	"taskforge/pkg/cache"
	"taskforge/pkg/config"
	apperr "taskforge/pkg/error"
	"taskforge/pkg/fetcher"
	"taskforge/pkg/limiter"
	"taskforge/pkg/logger"
	"taskforge/pkg/storage"
	"taskforge/pkg/timing"

	"github.com/sirupsen/logrus"
)

// Deps 所有端点共享的依赖
type Deps struct {
	Store        storage.FallbackStore
	CacheBackend cache.Backend
	Clock        timing.Clock
	Observer     fetcher.Observer
	Logger       *logrus.Entry
}

// FetcherConfig 把端点配置转换为获取器配置
func FetcherConfig(name string, e config.EndpointConfig) (fetcher.Config, error) {
	schedule, err := e.Schedule()
	if err != nil {
		return fetcher.Config{}, apperr.NewConfigError("endpoint %s: %v", name, err)
	}
	return fetcher.Config{
		Endpoint:    name,
		Credentials: e.Credentials,
		Limits: limiter.Config{
			MaxRequestsPerMinute: e.MaxRequestsPerMinute,
			MinInterval:          e.MinRequestInterval,
		},
		Wait: limiter.WaitPolicy{
			PerAttempt: e.MaxWaitPerAttempt,
			Total:      e.MaxTotalWait,
		},
		CacheTTL:         e.CacheTTL,
		Schedule:         schedule,
		FailureThreshold: uint32(e.CircuitFailureThreshold),
		CircuitCooldown:  e.CircuitCooldown,
		PageSize:         e.PageSize,
		MaxPages:         e.MaxPagesPerFetch,
		MaxAttempts:      e.MaxAttempts,
		RequestTimeout:   e.RequestTimeout,
		RateLimitBackoff: e.RateLimitBackoff,
		DisableCooldown:  e.DisableCooldown,
		FallbackWindow:   e.FallbackWindow,

		MinRateLimitBackoff: e.MinRateLimitBackoff,
	}, nil
}

// BuildManager 为每个启用的端点创建获取器。配置无效时返回 CONFIG_INVALID 错误。
func BuildManager(cfg *config.Config, deps Deps) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Store == nil {
		return nil, apperr.NewConfigError("fallback store is required")
	}
	if deps.Logger == nil {
		deps.Logger = logger.WithComponent("fetcher")
	}
	if deps.Clock == nil {
		deps.Clock = timing.SystemClock()
	}

	m := NewManager()
	for _, name := range cfg.EndpointNames() {
		e := cfg.Endpoints[name]
		if e.Disabled {
			deps.Logger.WithField("endpoint", name).Info("端点已停用，跳过")
			continue
		}

		source, err := NewSource(name, e, deps.Clock, deps.Logger.WithField("component", e.Kind))
		if err != nil {
			return nil, err
		}
		fc, err := FetcherConfig(name, e)
		if err != nil {
			return nil, err
		}

		opts := []fetcher.Option{
			fetcher.WithClock(deps.Clock),
			fetcher.WithLogger(deps.Logger),
		}
		if deps.CacheBackend != nil {
			opts = append(opts, fetcher.WithCacheBackend(deps.CacheBackend))
		}
		if deps.Observer != nil {
			opts = append(opts, fetcher.WithObserver(deps.Observer))
		}

		f, err := fetcher.New(fc, source, deps.Store, opts...)
		if err != nil {
			return nil, err
		}
		if err := m.Register(name, f); err != nil {
			return nil, apperr.WrapError(apperr.ErrConfigInvalid, "register endpoint", err)
		}
		deps.Logger.WithFields(logrus.Fields{
			"endpoint":    name,
			"kind":        e.Kind,
			"credentials": len(e.Credentials),
		}).Info("端点已就绪")
	}
	return m, nil
}
