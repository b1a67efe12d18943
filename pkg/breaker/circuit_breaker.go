package breaker

import (
	"errors"
	"sync/atomic"
	"time"

	apperr "taskforge/pkg/error"
	"taskforge/pkg/logger"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
)

// ErrCodeCircuitOpen 熔断器打开
const ErrCodeCircuitOpen apperr.ErrorCode = "CIRCUIT_OPEN"

// ErrCircuitOpen 熔断器打开或半开试探名额已被占用时返回，操作不会被执行
var ErrCircuitOpen = apperr.NewError(ErrCodeCircuitOpen, "circuit breaker is open")

// State 熔断器状态
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// Config 熔断器配置
type Config struct {
	Name             string        `mapstructure:"name"`
	FailureThreshold uint32        `mapstructure:"failure_threshold"` // 连续失败多少次后打开
	Cooldown         time.Duration `mapstructure:"cooldown"`          // 打开后多久进入半开
}

// DefaultConfig 默认熔断器配置
func DefaultConfig(name string) Config {
	return Config{
		Name:             name,
		FailureThreshold: 5,
		Cooldown:         60 * time.Second,
	}
}

// Snapshot 熔断器状态快照
type Snapshot struct {
	Name                string     `json:"name"`
	State               State      `json:"state"`
	ConsecutiveFailures uint32     `json:"consecutive_failures"`
	TotalFailures       uint32     `json:"total_failures"`
	TotalSuccesses      uint32     `json:"total_successes"`
	Rejected            int64      `json:"rejected"`
	OpenedAt            *time.Time `json:"opened_at,omitempty"`
	FailureThreshold    uint32     `json:"failure_threshold"`
	CooldownSeconds     float64    `json:"cooldown_seconds"`
}

// Outcome 一次调用对熔断统计的影响
type Outcome int

const (
	// OutcomeSuccess 下游正常响应，清零连续失败；半开时关闭熔断器
	OutcomeSuccess Outcome = iota
	// OutcomeFailure 计入连续失败；半开时重新打开
	OutcomeFailure
	// OutcomeIgnored 调用没有得到下游的结论（本地限流、调用方取消）。
	// 关闭状态下不影响统计；半开时试探名额作废并重新打开。
	OutcomeIgnored
)

// DefaultClassifier 所有非 nil 错误都计入失败
func DefaultClassifier(err error) Outcome {
	if err != nil {
		return OutcomeFailure
	}
	return OutcomeSuccess
}

// CircuitBreaker 按逻辑端点统计连续失败，基于 sony/gobreaker 的两阶段熔断器。
// 半开状态只放行一次试探调用，只有试探得到下游成功响应才会关闭。
type CircuitBreaker struct {
	cb       *gobreaker.TwoStepCircuitBreaker
	config   Config
	classify func(err error) Outcome
	rejected atomic.Int64
	openedAt atomic.Pointer[time.Time]
	log      *logrus.Entry
}

// Option 熔断器选项
type Option func(*CircuitBreaker)

// WithClassifier 指定错误对熔断统计的影响，默认使用 DefaultClassifier
func WithClassifier(classify func(err error) Outcome) Option {
	return func(b *CircuitBreaker) {
		b.classify = classify
	}
}

// WithLogger 指定日志器
func WithLogger(log *logrus.Entry) Option {
	return func(b *CircuitBreaker) {
		b.log = log
	}
}

// New 创建熔断器
func New(config Config, opts ...Option) *CircuitBreaker {
	d := DefaultConfig(config.Name)
	if config.FailureThreshold == 0 {
		config.FailureThreshold = d.FailureThreshold
	}
	if config.Cooldown <= 0 {
		config.Cooldown = d.Cooldown
	}

	b := &CircuitBreaker{
		config:   config,
		classify: DefaultClassifier,
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.log == nil {
		b.log = logger.WithComponent("breaker")
	}
	b.log = b.log.WithField("breaker", config.Name)

	settings := gobreaker.Settings{
		Name:        config.Name,
		MaxRequests: 1,
		Interval:    0, // 关闭状态下不按时间清零，只由成功清零连续失败
		Timeout:     config.Cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= config.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			if to == gobreaker.StateOpen {
				now := time.Now()
				b.openedAt.Store(&now)
			} else if to == gobreaker.StateClosed {
				b.openedAt.Store(nil)
			}
			b.log.WithFields(logrus.Fields{
				"from": convertState(from),
				"to":   convertState(to),
			}).Warn("熔断器状态变更")
		},
	}
	b.cb = gobreaker.NewTwoStepCircuitBreaker(settings)
	return b
}

// Call 通过熔断器执行操作。打开状态下立即返回 ErrCircuitOpen 且不调用 op。
func (b *CircuitBreaker) Call(op func() (interface{}, error)) (interface{}, error) {
	done, err := b.cb.Allow()
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			b.rejected.Add(1)
			return nil, ErrCircuitOpen
		}
		return nil, err
	}
	// Allow 之后半开状态保持到 done 被调用，此时读取的就是本次调用所处的状态
	probing := b.cb.State() == gobreaker.StateHalfOpen

	defer func() {
		if e := recover(); e != nil {
			done(false)
			panic(e)
		}
	}()

	result, err := op()
	switch b.classify(err) {
	case OutcomeSuccess:
		done(true)
	case OutcomeFailure:
		done(false)
	case OutcomeIgnored:
		if probing {
			b.log.WithError(err).Warn("半开试探没有到达下游，重新打开")
			done(false)
		}
	}
	return result, err
}

// State 返回当前状态
func (b *CircuitBreaker) State() State {
	return convertState(b.cb.State())
}

// Name 返回熔断器名称
func (b *CircuitBreaker) Name() string {
	return b.config.Name
}

// Snapshot 返回状态快照
func (b *CircuitBreaker) Snapshot() Snapshot {
	counts := b.cb.Counts()
	s := Snapshot{
		Name:                b.config.Name,
		State:               b.State(),
		ConsecutiveFailures: counts.ConsecutiveFailures,
		TotalFailures:       counts.TotalFailures,
		TotalSuccesses:      counts.TotalSuccesses,
		Rejected:            b.rejected.Load(),
		FailureThreshold:    b.config.FailureThreshold,
		CooldownSeconds:     b.config.Cooldown.Seconds(),
	}
	if openedAt := b.openedAt.Load(); openedAt != nil && s.State != StateClosed {
		t := *openedAt
		s.OpenedAt = &t
	}
	return s
}

func convertState(s gobreaker.State) State {
	switch s {
	case gobreaker.StateOpen:
		return StateOpen
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	default:
		return StateClosed
	}
}
