package core

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// Outcome 单次提供商调用的结果类别
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeRateLimited
	OutcomeTransient
	OutcomeFatal
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeRateLimited:
		return "rate_limited"
	case OutcomeTransient:
		return "transient"
	case OutcomeFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Classification 响应分类结果。只有 RateLimited 使用 RetryAt/RetryAfter。
type Classification struct {
	Outcome    Outcome
	StatusCode int
	RetryAt    time.Time
	RetryAfter time.Duration
	Reason     string
	Message    string
}

// Success 成功
func Success(statusCode int) Classification {
	return Classification{Outcome: OutcomeSuccess, StatusCode: statusCode}
}

// RateLimited 限流，retryAt 和 retryAfter 都可以为零值
func RateLimited(statusCode int, retryAt time.Time, retryAfter time.Duration, message string) Classification {
	return Classification{
		Outcome:    OutcomeRateLimited,
		StatusCode: statusCode,
		RetryAt:    retryAt,
		RetryAfter: retryAfter,
		Reason:     "rate_limit",
		Message:    message,
	}
}

// Transient 瞬时错误
func Transient(statusCode int, reason, message string) Classification {
	return Classification{Outcome: OutcomeTransient, StatusCode: statusCode, Reason: reason, Message: message}
}

// Fatal 不可重试错误
func Fatal(statusCode int, reason, message string) Classification {
	return Classification{Outcome: OutcomeFatal, StatusCode: statusCode, Reason: reason, Message: message}
}

// Err 把分类转换为对应的错误类型，成功时返回 nil
func (c Classification) Err() error {
	switch c.Outcome {
	case OutcomeSuccess:
		return nil
	case OutcomeRateLimited:
		return NewRateLimitedError(c.StatusCode, c.describe(), c.RetryAt, c.RetryAfter)
	case OutcomeFatal:
		return NewFatalError(c.StatusCode, c.describe())
	default:
		return NewTransientError(c.StatusCode, c.describe(), nil)
	}
}

func (c Classification) describe() string {
	msg := c.Message
	if msg == "" {
		msg = c.Reason
	}
	if c.StatusCode > 0 {
		return fmt.Sprintf("status %d: %s", c.StatusCode, msg)
	}
	return msg
}

// ClassifyHTTPStatus 通用的 HTTP 状态码分类：
// 429 为限流（读取 Retry-After），401/403 为认证失败，408 和 5xx 为瞬时错误，其他 4xx 不可重试。
func ClassifyHTTPStatus(resp *RawResponse, now time.Time) Classification {
	code := resp.StatusCode
	switch {
	case code >= 200 && code < 300:
		return Success(code)
	case code == http.StatusTooManyRequests:
		retryAt, retryAfter := ParseRetryAfter(resp.Header.Get("Retry-After"), now)
		return RateLimited(code, retryAt, retryAfter, snippet(resp.Body))
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return Fatal(code, "auth", snippet(resp.Body))
	case code == http.StatusRequestTimeout || code >= 500:
		return Transient(code, "server_error", snippet(resp.Body))
	case code >= 400:
		return Fatal(code, "client_error", snippet(resp.Body))
	default:
		return Transient(code, "unexpected_status", snippet(resp.Body))
	}
}

// ParseRetryAfter 解析 Retry-After 头，支持秒数和 HTTP 日期两种形式
func ParseRetryAfter(value string, now time.Time) (time.Time, time.Duration) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, 0
	}
	if secs, err := strconv.ParseFloat(value, 64); err == nil && secs >= 0 {
		return time.Time{}, time.Duration(secs * float64(time.Second))
	}
	if at, err := http.ParseTime(value); err == nil {
		if at.After(now) {
			return at, at.Sub(now)
		}
	}
	return time.Time{}, 0
}

// ClassifyTransportError 对没有拿到响应的错误分类，网络层故障一律视为瞬时错误
func ClassifyTransportError(err error) Classification {
	if err == nil {
		return Success(0)
	}
	msg := err.Error()
	switch {
	case errors.Is(err, context.Canceled):
		return Transient(0, "canceled", msg)
	case errors.Is(err, context.DeadlineExceeded):
		return Transient(0, "timeout", msg)
	case errors.Is(err, syscall.ECONNREFUSED):
		return Transient(0, "connection_refused", msg)
	case errors.Is(err, syscall.ECONNRESET):
		return Transient(0, "connection_reset", msg)
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return Transient(0, "dns", msg)
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) && urlErr.Timeout() {
		return Transient(0, "timeout", msg)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return Transient(0, "timeout", msg)
	}
	return Transient(0, "network", msg)
}

// ClassifyError 把任意错误映射回分类，供指标和日志使用
func ClassifyError(err error) Outcome {
	var (
		rl  *RateLimitedError
		fat *FatalError
	)
	switch {
	case err == nil:
		return OutcomeSuccess
	case errors.As(err, &rl):
		return OutcomeRateLimited
	case errors.As(err, &fat):
		return OutcomeFatal
	default:
		return OutcomeTransient
	}
}

func snippet(body []byte) string {
	const limit = 200
	s := strings.TrimSpace(string(body))
	if len(s) > limit {
		return s[:limit] + "..."
	}
	return s
}
