package core

import (
	"fmt"
	"net/http"
	"time"

	apperr "taskforge/pkg/error"
)

const (
	// ErrCodeTransient 网络故障、5xx、超时，换一个凭据重试
	ErrCodeTransient apperr.ErrorCode = "TRANSIENT_PROVIDER"
	// ErrCodeRateLimited 提供商明确限流了当前凭据
	ErrCodeRateLimited apperr.ErrorCode = "RATE_LIMITED"
	// ErrCodeFatal 请求本身不可能成功，例如认证失败或参数错误
	ErrCodeFatal apperr.ErrorCode = "FATAL_PROVIDER"
	// ErrCodeExhausted 所有凭据都不可用，触发降级
	ErrCodeExhausted apperr.ErrorCode = "CREDENTIALS_EXHAUSTED"
	// ErrCodeDataIntegrity 记录未通过基本结构校验
	ErrCodeDataIntegrity apperr.ErrorCode = "DATA_INTEGRITY"
)

// ErrCredentialsExhausted 所有凭据都已尝试或不可用
var ErrCredentialsExhausted = apperr.NewError(ErrCodeExhausted, "no credential available")

// TransientError 瞬时错误
type TransientError struct {
	apperr.BaseError
	StatusCode int
}

// NewTransientError 创建瞬时错误
func NewTransientError(statusCode int, message string, cause error) *TransientError {
	return &TransientError{
		BaseError:  *apperr.WrapError(ErrCodeTransient, message, cause),
		StatusCode: statusCode,
	}
}

// RateLimitedError 限流错误。RetryAt 为提供商给出的绝对时间，
// RetryAfter 为相对时长，两者都可能为空。
type RateLimitedError struct {
	apperr.BaseError
	StatusCode int
	RetryAt    time.Time
	RetryAfter time.Duration
}

// NewRateLimitedError 创建限流错误
func NewRateLimitedError(statusCode int, message string, retryAt time.Time, retryAfter time.Duration) *RateLimitedError {
	return &RateLimitedError{
		BaseError:  *apperr.NewError(ErrCodeRateLimited, message),
		StatusCode: statusCode,
		RetryAt:    retryAt,
		RetryAfter: retryAfter,
	}
}

// ResolveRetryAt 计算凭据恢复时刻。提供商没有给出或给出的时间已过时使用 fallback，
// 结果不早于 now+floor。
func (e *RateLimitedError) ResolveRetryAt(now time.Time, fallback, floor time.Duration) time.Time {
	var at time.Time
	switch {
	case !e.RetryAt.IsZero() && e.RetryAt.After(now):
		at = e.RetryAt
	case e.RetryAfter > 0:
		at = now.Add(e.RetryAfter)
	default:
		at = now.Add(fallback)
	}
	if earliest := now.Add(floor); at.Before(earliest) {
		return earliest
	}
	return at
}

// FatalError 不可重试的错误
type FatalError struct {
	apperr.BaseError
	StatusCode int
}

// NewFatalError 创建不可重试错误
func NewFatalError(statusCode int, message string) *FatalError {
	return &FatalError{
		BaseError:  *apperr.NewError(ErrCodeFatal, message),
		StatusCode: statusCode,
	}
}

// IsAuth 是否是凭据本身的问题
func (e *FatalError) IsAuth() bool {
	return e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden
}

// DataIntegrityError 单条记录校验失败，记录被丢弃但不影响整次获取
type DataIntegrityError struct {
	apperr.BaseError
	Index int
}

// NewDataIntegrityError 创建记录校验错误
func NewDataIntegrityError(index int, format string, args ...interface{}) *DataIntegrityError {
	return &DataIntegrityError{
		BaseError: *apperr.NewError(ErrCodeDataIntegrity, fmt.Sprintf(format, args...)),
		Index:     index,
	}
}
