package limiter

import (
	"context"
	"sync"
	"time"

	"taskforge/pkg/timing"
)

// Window 频率上限的统计窗口
const Window = time.Minute

// Config 单个凭据的限流配置
type Config struct {
	MaxRequestsPerMinute int           // 任意 60 秒窗口内的请求上限，0 表示不限
	MinInterval          time.Duration // 同一凭据两次请求的最小间隔
}

// WaitPolicy 有界等待策略：单次睡眠不超过 PerAttempt，累计不超过 Total
type WaitPolicy struct {
	PerAttempt time.Duration
	Total      time.Duration
}

// DefaultWaitPolicy 默认等待策略
func DefaultWaitPolicy() WaitPolicy {
	return WaitPolicy{
		PerAttempt: 5 * time.Second,
		Total:      30 * time.Second,
	}
}

func (p WaitPolicy) normalize() WaitPolicy {
	d := DefaultWaitPolicy()
	if p.PerAttempt <= 0 {
		p.PerAttempt = d.PerAttempt
	}
	if p.Total <= 0 {
		p.Total = d.Total
	}
	return p
}

// rateWindow 单个凭据的请求时间戳，按时间升序，长度不超过上限
type rateWindow struct {
	timestamps []time.Time
}

// RateLimiter 按凭据维护滑动窗口，超出上限时给出需要等待的时长而不是丢弃请求
type RateLimiter struct {
	mu      sync.Mutex
	config  Config
	clock   timing.Clock
	windows map[string]*rateWindow
}

// NewRateLimiter 创建限流器
func NewRateLimiter(config Config, clock timing.Clock) *RateLimiter {
	if clock == nil {
		clock = timing.SystemClock()
	}
	return &RateLimiter{
		config:  config,
		clock:   clock,
		windows: make(map[string]*rateWindow),
	}
}

// Config 返回限流配置
func (l *RateLimiter) Config() Config {
	return l.config
}

// Allow 判断凭据现在能否发出请求。允许时记录时间戳并返回 (true, 0)，
// 否则返回最短等待时长。
func (l *RateLimiter) Allow(id string) (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	w := l.windowLocked(id)
	w.prune(now)

	if wait := l.delayLocked(w, now); wait > 0 {
		return false, wait
	}

	w.timestamps = append(w.timestamps, now)
	if limit := l.config.MaxRequestsPerMinute; limit > 0 && len(w.timestamps) > limit {
		w.timestamps = w.timestamps[len(w.timestamps)-limit:]
	} else if limit <= 0 && len(w.timestamps) > 1 {
		w.timestamps = w.timestamps[len(w.timestamps)-1:]
	}
	return true, 0
}

// Delay 返回凭据现在发出请求需要等待的时长，不记录时间戳
func (l *RateLimiter) Delay(id string) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	w := l.windowLocked(id)
	w.prune(now)
	return l.delayLocked(w, now)
}

// delayLocked 同时考虑最小间隔和 60 秒窗口上限，取较长的等待
func (l *RateLimiter) delayLocked(w *rateWindow, now time.Time) time.Duration {
	var wait time.Duration
	if n := len(w.timestamps); n > 0 && l.config.MinInterval > 0 {
		if gap := now.Sub(w.timestamps[n-1]); gap < l.config.MinInterval {
			wait = l.config.MinInterval - gap
		}
	}
	if limit := l.config.MaxRequestsPerMinute; limit > 0 && len(w.timestamps) >= limit {
		// 第 limit 个最近请求移出窗口之后才能再发
		oldest := w.timestamps[len(w.timestamps)-limit]
		if d := oldest.Add(Window).Sub(now); d > wait {
			wait = d
		}
	}
	return wait
}

// Wait 按策略有界等待直到 Allow 成功。所需等待超过剩余预算时立即返回
// WaitBudgetError，ctx 取消时返回 ctx.Err()。
func (l *RateLimiter) Wait(ctx context.Context, id string, policy WaitPolicy) error {
	policy = policy.normalize()

	var waited time.Duration
	for {
		ok, wait := l.Allow(id)
		if ok {
			return nil
		}
		if waited+wait > policy.Total {
			return NewWaitBudgetError(id, wait, waited)
		}
		step := wait
		if step > policy.PerAttempt {
			step = policy.PerAttempt
		}
		if err := l.clock.Sleep(ctx, step); err != nil {
			return err
		}
		waited += step
	}
}

// InWindow 返回凭据在当前窗口内的请求数
func (l *RateLimiter) InWindow(id string) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.windows[id]
	if !ok {
		return 0
	}
	w.prune(l.clock.Now())
	return len(w.timestamps)
}

// Reset 清除凭据的窗口状态
func (l *RateLimiter) Reset(id string) {
	l.mu.Lock()
	delete(l.windows, id)
	l.mu.Unlock()
}

func (l *RateLimiter) windowLocked(id string) *rateWindow {
	w, ok := l.windows[id]
	if !ok {
		w = &rateWindow{}
		l.windows[id] = w
	}
	return w
}

// prune 移除已经离开窗口的时间戳
func (w *rateWindow) prune(now time.Time) {
	cutoff := now.Add(-Window)
	i := 0
	for i < len(w.timestamps) && !w.timestamps[i].After(cutoff) {
		i++
	}
	if i > 0 {
		w.timestamps = append(w.timestamps[:0], w.timestamps[i:]...)
	}
}
