package keypool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"taskforge/pkg/limiter"
	"taskforge/pkg/logger"
	"taskforge/pkg/timing"

	"github.com/sirupsen/logrus"
)

// State 凭据可用状态
type State string

const (
	StateActive      State = "active"
	StateRateLimited State = "rate_limited"
	StateDisabled    State = "disabled"
)

// Credential 凭据的只读快照。Secret 只用于发请求，ID 用于日志和状态展示。
type Credential struct {
	ID     string
	Secret string
}

// CredentialStatus 凭据状态快照，不包含密钥
type CredentialStatus struct {
	ID                  string     `json:"id"`
	State               State      `json:"state"`
	Available           bool       `json:"available"`
	UnavailableUntil    *time.Time `json:"unavailable_until,omitempty"`
	LastUsedAt          *time.Time `json:"last_used_at,omitempty"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	RequestsInWindow    int        `json:"requests_in_window"`
	Reason              string     `json:"reason,omitempty"`
}

// credential 凭据及其可变状态，只由 KeyPool 的方法修改
type credential struct {
	id                  string
	secret              string
	state               State
	unavailableUntil    time.Time // 零值表示无限期（仅 disabled）
	lastUsedAt          time.Time
	consecutiveFailures int
	reason              string
}

// KeyPool 轮询选择可用凭据。不可用的凭据在每次调用时惰性检查是否到期恢复，
// 没有后台定时器。
type KeyPool struct {
	mu      sync.Mutex
	name    string
	creds   []*credential
	index   map[string]*credential
	cursor  int // 下一次轮询的起点
	clock   timing.Clock
	limiter *limiter.RateLimiter
	log     *logrus.Entry
}

// New 创建凭据池，secrets 的顺序决定轮询顺序，凭据 ID 为 key-1、key-2 …
func New(name string, secrets []string, limits limiter.Config, clock timing.Clock, log *logrus.Entry) (*KeyPool, error) {
	if len(secrets) == 0 {
		return nil, fmt.Errorf("endpoint %s: at least one credential is required", name)
	}
	if clock == nil {
		clock = timing.SystemClock()
	}
	if log == nil {
		log = logger.WithComponent("keypool")
	}

	p := &KeyPool{
		name:    name,
		creds:   make([]*credential, 0, len(secrets)),
		index:   make(map[string]*credential, len(secrets)),
		clock:   clock,
		limiter: limiter.NewRateLimiter(limits, clock),
		log:     log.WithField("endpoint", name),
	}
	for i, secret := range secrets {
		if secret == "" {
			return nil, fmt.Errorf("endpoint %s: credential %d is empty", name, i+1)
		}
		c := &credential{
			id:     fmt.Sprintf("key-%d", i+1),
			secret: secret,
			state:  StateActive,
		}
		p.creds = append(p.creds, c)
		p.index[c.id] = c
	}
	return p, nil
}

// Name 返回端点名
func (p *KeyPool) Name() string {
	return p.name
}

// Size 返回凭据总数
func (p *KeyPool) Size() int {
	return len(p.creds)
}

// NextAvailable 从上次使用的凭据之后开始轮询，跳过不可用和 exclude 中的凭据。
// 优先返回限流器现在就放行的凭据；所有可用凭据都需要等待时返回等待最短的一个，
// 由调用方通过 Throttle 按等待策略有界等待，超出预算时换下一个凭据。
// 没有可用凭据时 ok 为 false。
func (p *KeyPool) NextAvailable(exclude map[string]bool) (Credential, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.clock.Now()
	n := len(p.creds)
	best := -1
	var bestDelay time.Duration
	for i := 0; i < n; i++ {
		idx := (p.cursor + i) % n
		c := p.creds[idx]
		if exclude[c.id] {
			continue
		}
		if !p.availableLocked(c, now) {
			continue
		}
		delay := p.limiter.Delay(c.id)
		if delay == 0 {
			best = idx
			break
		}
		if best < 0 || delay < bestDelay {
			best, bestDelay = idx, delay
		}
	}
	if best < 0 {
		return Credential{}, false
	}

	c := p.creds[best]
	p.cursor = (best + 1) % n
	c.lastUsedAt = now
	return Credential{ID: c.id, Secret: c.secret}, true
}

// Throttle 按凭据的限流窗口有界等待
func (p *KeyPool) Throttle(ctx context.Context, id string, policy limiter.WaitPolicy) error {
	return p.limiter.Wait(ctx, id, policy)
}

// MarkRateLimited 标记凭据被限流直到 retryAt
func (p *KeyPool) MarkRateLimited(id string, retryAt time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()

	c, ok := p.index[id]
	if !ok {
		return
	}
	c.state = StateRateLimited
	c.unavailableUntil = retryAt
	c.reason = "rate limited"
	p.log.WithFields(logrus.Fields{
		"credential": id,
		"until":      retryAt.Format(time.RFC3339),
	}).Warn("凭据被限流，暂停使用")
}

// MarkSuccess 重置连续失败计数
func (p *KeyPool) MarkSuccess(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if c, ok := p.index[id]; ok {
		c.consecutiveFailures = 0
	}
}

// MarkFailure 增加连续失败计数，凭据仍然可用
func (p *KeyPool) MarkFailure(id string) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	c, ok := p.index[id]
	if !ok {
		return 0
	}
	c.consecutiveFailures++
	return c.consecutiveFailures
}

// Disable 停用凭据。until 为零值时无限期停用，直到 Reset。
func (p *KeyPool) Disable(id string, until time.Time, reason string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	c, ok := p.index[id]
	if !ok {
		return
	}
	c.state = StateDisabled
	c.unavailableUntil = until
	c.reason = reason
	entry := p.log.WithFields(logrus.Fields{"credential": id, "reason": reason})
	if !until.IsZero() {
		entry = entry.WithField("until", until.Format(time.RFC3339))
	}
	entry.Warn("凭据已停用")
}

// Reset 立即恢复凭据并清空其限流窗口
func (p *KeyPool) Reset(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	c, ok := p.index[id]
	if !ok {
		return false
	}
	c.state = StateActive
	c.unavailableUntil = time.Time{}
	c.consecutiveFailures = 0
	c.reason = ""
	p.limiter.Reset(id)
	return true
}

// ActiveCount 返回当前可用的凭据数
func (p *KeyPool) ActiveCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.clock.Now()
	count := 0
	for _, c := range p.creds {
		if p.availableLocked(c, now) {
			count++
		}
	}
	return count
}

// Snapshot 返回所有凭据的状态快照
func (p *KeyPool) Snapshot() []CredentialStatus {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.clock.Now()
	out := make([]CredentialStatus, 0, len(p.creds))
	for _, c := range p.creds {
		available := p.availableLocked(c, now)
		s := CredentialStatus{
			ID:                  c.id,
			State:               c.state,
			Available:           available,
			ConsecutiveFailures: c.consecutiveFailures,
			RequestsInWindow:    p.limiter.InWindow(c.id),
			Reason:              c.reason,
		}
		if !c.unavailableUntil.IsZero() {
			until := c.unavailableUntil
			s.UnavailableUntil = &until
		}
		if !c.lastUsedAt.IsZero() {
			last := c.lastUsedAt
			s.LastUsedAt = &last
		}
		out = append(out, s)
	}
	return out
}

// Secrets 返回所有密钥，用于向日志脱敏登记
func (p *KeyPool) Secrets() []string {
	out := make([]string, len(p.creds))
	for i, c := range p.creds {
		out[i] = c.secret
	}
	return out
}

// availableLocked 判断凭据是否可用，到期的凭据在此惰性恢复
func (p *KeyPool) availableLocked(c *credential, now time.Time) bool {
	switch c.state {
	case StateActive:
		return true
	case StateDisabled:
		if c.unavailableUntil.IsZero() {
			return false
		}
	}
	if now.Before(c.unavailableUntil) {
		return false
	}
	c.state = StateActive
	c.unavailableUntil = time.Time{}
	c.reason = ""
	p.log.WithField("credential", c.id).Info("凭据恢复可用")
	return true
}
