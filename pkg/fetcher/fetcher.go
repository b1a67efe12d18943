// Package fetcher 按端点组合凭据池、限流、熔断、缓存与兜底存储，
// 对外只暴露 GetRecords：运行时错误全部被吸收为降级结果。
package fetcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"taskforge/pkg/breaker"
	"taskforge/pkg/cache"
	apperr "taskforge/pkg/error"
	"taskforge/pkg/keypool"
	"taskforge/pkg/limiter"
	"taskforge/pkg/logger"
	"taskforge/pkg/provider/core"
	"taskforge/pkg/storage"
	"taskforge/pkg/timing"

	"github.com/sirupsen/logrus"
)

// Fetcher 单个端点的获取器，可被多个 goroutine 并发调用
type Fetcher struct {
	config   Config
	source   core.Source
	pool     *keypool.KeyPool
	breaker  *breaker.CircuitBreaker
	cache    *cache.Layer
	store    storage.FallbackStore
	clock    timing.Clock
	log      *logrus.Entry
	observer Observer
	backend  cache.Backend

	// live 保证同一端点同时只有一次实时获取
	live chan struct{}
}

// Option Fetcher 选项
type Option func(*Fetcher)

// WithClock 指定时钟
func WithClock(clock timing.Clock) Option {
	return func(f *Fetcher) {
		f.clock = clock
	}
}

// WithLogger 指定日志器
func WithLogger(log *logrus.Entry) Option {
	return func(f *Fetcher) {
		f.log = log
	}
}

// WithObserver 指定结果观察者
func WithObserver(observer Observer) Option {
	return func(f *Fetcher) {
		f.observer = observer
	}
}

// WithCacheBackend 指定缓存后端，默认使用进程内存
func WithCacheBackend(backend cache.Backend) Option {
	return func(f *Fetcher) {
		f.backend = backend
	}
}

// New 创建获取器。只有配置错误会在这里返回。
func New(config Config, source core.Source, store storage.FallbackStore, opts ...Option) (*Fetcher, error) {
	if config.Endpoint == "" {
		return nil, apperr.NewConfigError("endpoint name cannot be empty")
	}
	if len(config.Credentials) == 0 {
		return nil, apperr.NewConfigError("endpoint %s: at least one credential is required", config.Endpoint)
	}
	if source == nil {
		return nil, apperr.NewConfigError("endpoint %s: source is required", config.Endpoint)
	}
	if store == nil {
		return nil, apperr.NewConfigError("endpoint %s: fallback store is required", config.Endpoint)
	}
	if config.Limits.MaxRequestsPerMinute <= 0 {
		return nil, apperr.NewConfigError("endpoint %s: max_requests_per_minute must be positive", config.Endpoint)
	}
	config = withDefaults(config)

	f := &Fetcher{
		config: config,
		source: source,
		store:  store,
		live:   make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(f)
	}
	if f.clock == nil {
		f.clock = timing.SystemClock()
	}
	if f.log == nil {
		f.log = logger.WithComponent("fetcher")
	}
	f.log = f.log.WithFields(logrus.Fields{"endpoint": config.Endpoint, "kind": source.Name()})
	if f.backend == nil {
		f.backend = cache.NewMemoryBackend()
	}

	pool, err := keypool.New(config.Endpoint, config.Credentials, config.Limits, f.clock, f.log)
	if err != nil {
		return nil, apperr.WrapError(apperr.ErrConfigInvalid, "invalid credentials", err)
	}
	f.pool = pool
	for _, secret := range pool.Secrets() {
		logger.RegisterSecret(secret)
	}

	f.breaker = breaker.New(breaker.Config{
		Name:             config.Endpoint,
		FailureThreshold: config.FailureThreshold,
		Cooldown:         config.CircuitCooldown,
	}, breaker.WithClassifier(breakerOutcome), breaker.WithLogger(f.log))

	f.cache = cache.NewLayer(f.backend, cache.LayerConfig{
		Key:      "records:" + config.Endpoint,
		TTL:      config.CacheTTL,
		Schedule: config.Schedule,
	}, f.clock, f.log)

	return f, nil
}

func withDefaults(c Config) Config {
	if c.PageSize <= 0 {
		c.PageSize = 50
	}
	if c.MaxPages <= 0 {
		c.MaxPages = 10
	}
	if c.MaxAttempts <= 0 || c.MaxAttempts > len(c.Credentials) {
		c.MaxAttempts = len(c.Credentials)
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = 4 * time.Hour
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 30 * time.Second
	}
	if c.RateLimitBackoff <= 0 {
		c.RateLimitBackoff = 60 * time.Second
	}
	if c.FallbackWindow <= 0 {
		c.FallbackWindow = 7 * 24 * time.Hour
	}
	if c.DegradeTimeout <= 0 {
		c.DegradeTimeout = 10 * time.Second
	}
	if c.Wait.PerAttempt <= 0 || c.Wait.Total <= 0 {
		d := limiter.DefaultWaitPolicy()
		if c.Wait.PerAttempt <= 0 {
			c.Wait.PerAttempt = d.PerAttempt
		}
		if c.Wait.Total <= 0 {
			c.Wait.Total = d.Total
		}
	}
	return c
}

// breakerOutcome 只有瞬时错误计入熔断。限流和认证失败说明下游有响应，只影响单个凭据；
// 本地等待超限和调用方取消没有到达下游，不算成功也不算失败。
func breakerOutcome(err error) breaker.Outcome {
	var (
		transient  *core.TransientError
		waitBudget *limiter.WaitBudgetError
	)
	switch {
	case err == nil:
		return breaker.OutcomeSuccess
	case errors.As(err, &transient):
		return breaker.OutcomeFailure
	case errors.As(err, &waitBudget),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return breaker.OutcomeIgnored
	default:
		return breaker.OutcomeSuccess
	}
}

// Endpoint 返回端点名
func (f *Fetcher) Endpoint() string {
	return f.config.Endpoint
}

// Kind 返回提供商类型
func (f *Fetcher) Kind() string {
	return f.source.Name()
}

// CircuitState 返回熔断器状态
func (f *Fetcher) CircuitState() breaker.State {
	return f.breaker.State()
}

// Pool 返回凭据池，用于手动恢复凭据
func (f *Fetcher) Pool() *keypool.KeyPool {
	return f.pool
}

// fetchStats 单次调用的统计
type fetchStats struct {
	attempts    int
	pages       int
	rateLimited int
	transient   int
	throttled   int
	dropped     int
	duplicates  int
	exhausted   bool
}

// GetRecords 返回端点的记录。
// 非强制刷新时优先返回新鲜缓存；否则轮换凭据实时获取；全部失败时依次
// 降级到陈旧缓存和兜底存储。结果总是非 nil。
func (f *Fetcher) GetRecords(ctx context.Context, force bool) *Result {
	start := f.clock.Now()
	stats := &fetchStats{}

	result := f.getRecords(ctx, force, stats)

	f.log.WithFields(logrus.Fields{
		"source":   result.Source,
		"degraded": result.Degraded,
		"count":    len(result.Records),
		"attempts": stats.attempts,
	}).Debug("获取完成")

	if f.observer != nil {
		f.observer.ObserveFetch(FetchEvent{
			Endpoint:     f.config.Endpoint,
			Kind:         f.source.Name(),
			Source:       result.Source,
			Degraded:     result.Degraded,
			Forced:       force,
			Records:      len(result.Records),
			Pages:        stats.pages,
			Attempts:     stats.attempts,
			RateLimited:  stats.rateLimited,
			Transient:    stats.transient,
			Throttled:    stats.throttled,
			Dropped:      stats.dropped,
			Duplicates:   stats.duplicates,
			Exhausted:    stats.exhausted,
			CircuitState: f.breaker.State(),
			Duration:     f.clock.Now().Sub(start),
			Time:         start,
		})
	}
	return result
}

func (f *Fetcher) getRecords(ctx context.Context, force bool, stats *fetchStats) *Result {
	if !force {
		if r, ok := f.fromCache(ctx); ok {
			return r
		}
	}

	select {
	case f.live <- struct{}{}:
	case <-ctx.Done():
		f.log.WithError(ctx.Err()).Warn("等待进行中的实时获取时被取消")
		return f.degrade(ctx, stats)
	}
	defer func() { <-f.live }()

	// 等锁期间可能已有其他调用刷新了缓存
	if !force {
		if r, ok := f.fromCache(ctx); ok {
			return r
		}
	}

	if r, ok := f.fetchLive(ctx, stats); ok {
		return r
	}
	return f.degrade(ctx, stats)
}

func (f *Fetcher) fromCache(ctx context.Context) (*Result, bool) {
	entry, ok := f.cache.Get(ctx)
	if !ok {
		return nil, false
	}
	records, err := decodeRecords(entry.Payload)
	if err != nil {
		f.log.WithError(err).Warn("缓存内容无法解析，按未命中处理")
		return nil, false
	}
	return &Result{
		Endpoint:  f.config.Endpoint,
		Records:   records,
		Source:    SourceCache,
		FetchedAt: entry.FetchedAt,
	}, true
}

// fetchLive 轮换凭据尝试实时获取，每个凭据本次调用最多尝试一次
func (f *Fetcher) fetchLive(ctx context.Context, stats *fetchStats) (*Result, bool) {
	tried := make(map[string]bool, f.pool.Size())

	for attempt := 1; attempt <= f.config.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			f.log.WithError(err).Warn("调用方取消，停止实时获取")
			return nil, false
		}

		cred, ok := f.pool.NextAvailable(tried)
		if !ok {
			stats.exhausted = true
			f.log.WithField("attempt", attempt).Warn("没有可用凭据，转入降级")
			return nil, false
		}
		tried[cred.ID] = true
		stats.attempts++
		log := f.log.WithFields(logrus.Fields{"credential": cred.ID, "attempt": attempt})

		if f.breaker.State() == breaker.StateOpen {
			log.Warn("熔断器打开，跳过实时获取")
			return nil, false
		}
		// 第一页的本地限流在熔断器之外完成，半开试探名额只留给真正发出的请求
		if err := f.pool.Throttle(ctx, cred.ID, f.config.Wait); err != nil {
			if ctx.Err() != nil {
				log.WithError(ctx.Err()).Warn("调用方取消，停止实时获取")
				return nil, false
			}
			stats.throttled++
			log.WithError(err).Info("本地限流等待超出预算，换下一个凭据")
			continue
		}

		out, err := f.breaker.Call(func() (interface{}, error) {
			return f.paginate(ctx, cred, stats, log)
		})
		if err == nil {
			f.pool.MarkSuccess(cred.ID)
			result := f.commit(ctx, out.([]core.Record))
			result.Attempts = stats.attempts
			return result, true
		}

		var (
			rateLimited *core.RateLimitedError
			waitBudget  *limiter.WaitBudgetError
			fatal       *core.FatalError
		)
		switch {
		case errors.Is(err, breaker.ErrCircuitOpen):
			log.Warn("熔断器打开，跳过实时获取")
			return nil, false
		case ctx.Err() != nil:
			log.WithError(ctx.Err()).Warn("调用方取消，丢弃已获取的分页")
			return nil, false
		case errors.As(err, &rateLimited):
			stats.rateLimited++
			f.pool.MarkRateLimited(cred.ID, rateLimited.ResolveRetryAt(f.clock.Now(), f.config.RateLimitBackoff, f.config.MinRateLimitBackoff))
		case errors.As(err, &waitBudget):
			stats.throttled++
			log.WithField("required_wait", waitBudget.Required).Info("本地限流等待超出预算，换下一个凭据")
		case errors.As(err, &fatal):
			if !fatal.IsAuth() {
				log.WithError(err).Error("请求不可重试，转入降级")
				return nil, false
			}
			f.pool.Disable(cred.ID, f.disableUntil(), fmt.Sprintf("auth failed (status %d)", fatal.StatusCode))
		default:
			stats.transient++
			failures := f.pool.MarkFailure(cred.ID)
			log.WithError(err).WithField("consecutive_failures", failures).Warn("瞬时错误，换下一个凭据")
		}
	}

	stats.exhausted = true
	f.log.WithField("attempts", stats.attempts).Warn("实时获取尝试次数用尽，转入降级")
	return nil, false
}

// disableUntil 认证失败的凭据的恢复时刻，零值表示直到手动恢复
func (f *Fetcher) disableUntil() time.Time {
	if f.config.DisableCooldown <= 0 {
		return time.Time{}
	}
	return f.clock.Now().Add(f.config.DisableCooldown)
}

// paginate 使用同一个凭据按顺序获取所有分页。任何一页失败都丢弃已获取的分页。
// 调用方已为第一页完成限流等待。
func (f *Fetcher) paginate(ctx context.Context, cred keypool.Credential, stats *fetchStats, log *logrus.Entry) ([]core.Record, error) {
	records := make([]core.Record, 0)
	seen := make(map[string]bool)
	req := core.PageRequest{Limit: f.config.PageSize}

	for {
		if req.Index >= f.config.MaxPages {
			log.WithField("max_pages", f.config.MaxPages).Warn("达到最大分页数，停止分页")
			break
		}
		if req.Index > 0 {
			if err := f.pool.Throttle(ctx, cred.ID, f.config.Wait); err != nil {
				if ctx.Err() != nil {
					return nil, ctx.Err()
				}
				return nil, err
			}
		}

		pageCtx, cancel := context.WithTimeout(ctx, f.config.RequestTimeout)
		page, err := f.source.FetchPage(pageCtx, cred.Secret, req)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, err
		}

		stats.pages++
		stats.dropped += page.Dropped
		for _, r := range page.Records {
			if seen[r.ExternalID] {
				stats.duplicates++
				continue
			}
			seen[r.ExternalID] = true
			records = append(records, r)
		}
		log.WithFields(logrus.Fields{
			"page":    req.Index,
			"count":   len(page.Records),
			"dropped": page.Dropped,
		}).Debug("获取分页")
		if page.Dropped > 0 {
			log.WithFields(logrus.Fields{"page": req.Index, "dropped": page.Dropped}).Warn("分页中有记录未通过校验")
		}

		if (len(page.Records) == 0 && page.Dropped == 0) || !page.HasMore {
			break
		}
		req = req.Next(page)
	}
	return records, nil
}

// commit 写入缓存与兜底存储。写入失败只记录日志，不影响本次结果。
func (f *Fetcher) commit(ctx context.Context, records []core.Record) *Result {
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), f.config.DegradeTimeout)
	defer cancel()

	fetchedAt := f.clock.Now()
	payload, err := json.Marshal(records)
	if err != nil {
		f.log.WithError(err).Error("序列化记录失败，跳过缓存")
	} else if entry, err := f.cache.Put(writeCtx, payload, len(records)); err != nil {
		f.log.WithError(err).Warn("写入缓存失败")
	} else {
		fetchedAt = entry.FetchedAt
	}

	persisted := make([]storage.PersistedRecord, len(records))
	for i, r := range records {
		persisted[i] = storage.PersistedRecord{ExternalID: r.ExternalID, RawPayload: r.Payload}
	}
	if err := f.store.Persist(writeCtx, f.config.Endpoint, persisted); err != nil {
		f.log.WithError(err).Error("写入兜底存储失败")
	}

	f.log.WithField("count", len(records)).Info("实时获取成功")
	return &Result{
		Endpoint:  f.config.Endpoint,
		Records:   records,
		Source:    SourceLive,
		FetchedAt: fetchedAt,
	}
}

// degrade 实时获取失败后先读陈旧缓存，再读兜底存储。空结果也是合法结果。
func (f *Fetcher) degrade(ctx context.Context, stats *fetchStats) *Result {
	readCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), f.config.DegradeTimeout)
	defer cancel()

	if entry, ok := f.cache.GetEvenIfStale(readCtx); ok {
		records, err := decodeRecords(entry.Payload)
		if err == nil {
			f.log.WithFields(logrus.Fields{
				"source":     SourceCache,
				"degraded":   true,
				"fetched_at": entry.FetchedAt.Format(time.RFC3339),
			}).Warn("返回陈旧缓存")
			return &Result{
				Endpoint:  f.config.Endpoint,
				Records:   records,
				Source:    SourceCache,
				Degraded:  true,
				FetchedAt: entry.FetchedAt,
				Attempts:  stats.attempts,
			}
		}
		f.log.WithError(err).Warn("陈旧缓存无法解析")
	}

	rows, err := f.store.Recent(readCtx, f.config.Endpoint, f.config.FallbackWindow)
	if err != nil {
		f.log.WithError(err).Error("读取兜底存储失败，返回空结果")
	}
	records := make([]core.Record, 0, len(rows))
	var newest time.Time
	for _, row := range rows {
		records = append(records, core.Record{ExternalID: row.ExternalID, Payload: row.RawPayload})
		if row.UpdatedAt.After(newest) {
			newest = row.UpdatedAt
		}
	}
	f.log.WithFields(logrus.Fields{
		"source":   SourceFallback,
		"degraded": true,
		"count":    len(records),
	}).Warn("返回兜底存储数据")
	return &Result{
		Endpoint:  f.config.Endpoint,
		Records:   records,
		Source:    SourceFallback,
		Degraded:  true,
		FetchedAt: newest,
		Attempts:  stats.attempts,
	}
}

func decodeRecords(payload json.RawMessage) ([]core.Record, error) {
	records := make([]core.Record, 0)
	if err := json.Unmarshal(payload, &records); err != nil {
		return nil, err
	}
	if records == nil {
		records = make([]core.Record, 0)
	}
	return records, nil
}
