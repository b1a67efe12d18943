package cache

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	apperr "taskforge/pkg/error"
	"taskforge/pkg/logger"
	"taskforge/pkg/timing"

	"github.com/sirupsen/logrus"
)

// LayerConfig 缓存层配置
type LayerConfig struct {
	Key      string                  // 端点的缓存键
	TTL      time.Duration           // 超过 TTL 视为陈旧
	Schedule *timing.RefreshSchedule // 固定刷新边界，可为 nil
}

// Layer 单个端点的缓存层。陈旧判断是 TTL 到期与跨过刷新边界的并集，
// Get 对陈旧条目返回未命中，回退场景需显式调用 GetEvenIfStale。
type Layer struct {
	backend  Backend
	key      string
	ttl      time.Duration
	schedule *timing.RefreshSchedule
	clock    timing.TimeService
	log      *logrus.Entry

	hits   atomic.Int64
	misses atomic.Int64
}

// NewLayer 创建缓存层
func NewLayer(backend Backend, config LayerConfig, clock timing.TimeService, log *logrus.Entry) *Layer {
	if clock == nil {
		clock = &timing.SystemTimeService{}
	}
	if log == nil {
		log = logger.WithComponent("cache")
	}
	return &Layer{
		backend:  backend,
		key:      config.Key,
		ttl:      config.TTL,
		schedule: config.Schedule,
		clock:    clock,
		log:      log.WithFields(logrus.Fields{"cache_key": config.Key, "backend": backend.Name()}),
	}
}

// Get 返回新鲜的缓存条目，不存在或已陈旧时 ok 为 false
func (l *Layer) Get(ctx context.Context) (*Entry, bool) {
	entry, ok := l.read(ctx)
	if !ok || l.Stale(entry) {
		l.misses.Add(1)
		return nil, false
	}
	l.hits.Add(1)
	return entry, true
}

// GetEvenIfStale 返回最后一次 Put 的条目，不论是否陈旧
func (l *Layer) GetEvenIfStale(ctx context.Context) (*Entry, bool) {
	return l.read(ctx)
}

// Put 覆盖写入端点的结果集
func (l *Layer) Put(ctx context.Context, payload json.RawMessage, count int) (*Entry, error) {
	entry := &Entry{
		Payload:   payload,
		FetchedAt: l.clock.Now(),
		TTL:       l.ttl,
		Count:     count,
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return nil, WrapCacheError(ErrCacheCorrupted, "序列化缓存条目失败", err)
	}
	if err := l.backend.Set(ctx, l.key, data); err != nil {
		return nil, err
	}
	l.log.WithField("count", count).Debug("缓存已更新")
	return entry, nil
}

// IsStale 当前条目是否陈旧，没有条目时也视为陈旧
func (l *Layer) IsStale(ctx context.Context) bool {
	entry, ok := l.read(ctx)
	return !ok || l.Stale(entry)
}

// Stale 判断条目是否陈旧
func (l *Layer) Stale(entry *Entry) bool {
	now := l.clock.Now()
	if now.Sub(entry.FetchedAt) > l.ttl {
		return true
	}
	return l.schedule.Crossed(entry.FetchedAt, now)
}

// NextRefresh 返回条目变为陈旧的时刻：TTL 到期与下一个刷新边界中较早者
func (l *Layer) NextRefresh(entry *Entry) time.Time {
	next := entry.FetchedAt.Add(l.ttl)
	if b, ok := l.schedule.NextBoundary(entry.FetchedAt); ok && b.Before(next) {
		next = b
	}
	return next
}

// Clear 删除端点的缓存条目
func (l *Layer) Clear(ctx context.Context) error {
	return l.backend.Delete(ctx, l.key)
}

// Status 返回缓存状态
func (l *Layer) Status(ctx context.Context) Status {
	s := Status{
		Backend:    l.backend.Name(),
		Key:        l.key,
		TTLSeconds: l.ttl.Seconds(),
		Hits:       l.hits.Load(),
		Misses:     l.misses.Load(),
		Stale:      true,
	}
	entry, ok := l.read(ctx)
	if !ok {
		return s
	}
	fetchedAt := entry.FetchedAt
	expiresAt := fetchedAt.Add(l.ttl)
	nextRefresh := l.NextRefresh(entry)
	s.Present = true
	s.Stale = l.Stale(entry)
	s.Count = entry.Count
	s.FetchedAt = &fetchedAt
	s.ExpiresAt = &expiresAt
	s.NextRefresh = &nextRefresh
	return s
}

// read 读取并解码条目，后端故障与数据损坏都按未命中处理
func (l *Layer) read(ctx context.Context) (*Entry, bool) {
	data, err := l.backend.Get(ctx, l.key)
	if err != nil {
		if !apperr.HasCode(err, ErrCacheMiss) {
			l.log.WithError(err).Warn("读取缓存失败，按未命中处理")
		}
		return nil, false
	}

	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		l.log.WithError(err).Warn("缓存条目已损坏，按未命中处理")
		return nil, false
	}
	return &entry, true
}
