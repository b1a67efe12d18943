package error

import (
	"errors"
	"fmt"
	"time"
)

// ErrorCode 错误代码类型
type ErrorCode string

// ErrConfigInvalid 配置错误，唯一允许传播到调用方的错误类别
const ErrConfigInvalid ErrorCode = "CONFIG_INVALID"

// BaseError 基础错误类型
type BaseError struct {
	Code      ErrorCode              `json:"code"`              // 错误的分类代码
	Message   string                 `json:"message"`           // 人类可读的错误信息
	Cause     error                  `json:"-"`                 // 导致此错误的原始错误
	Context   map[string]interface{} `json:"context,omitempty"` // 额外的上下文信息
	Timestamp time.Time              `json:"timestamp"`         // 错误发生的时间戳
}

// NewError 创建新的基础错误
func NewError(code ErrorCode, message string) *BaseError {
	return &BaseError{
		Code:      code,
		Message:   message,
		Timestamp: time.Now(),
		Context:   make(map[string]interface{}),
	}
}

// WrapError 包装现有错误
func WrapError(code ErrorCode, message string, cause error) *BaseError {
	e := NewError(code, message)
	e.Cause = cause
	return e
}

// Error 实现 error 接口
func (e *BaseError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap 支持错误包装
func (e *BaseError) Unwrap() error {
	return e.Cause
}

// Is 按错误代码比较，使 errors.Is(err, NewError(code, "")) 成立
func (e *BaseError) Is(target error) bool {
	if t, ok := target.(*BaseError); ok {
		return e.Code == t.Code
	}
	return false
}

// WithContext 为错误附加一个键值对形式的上下文信息。
func (e *BaseError) WithContext(key string, value interface{}) *BaseError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// ErrorCode 返回错误代码，嵌入 BaseError 的类型会自动获得该方法
func (e *BaseError) ErrorCode() ErrorCode {
	return e.Code
}

// Coder 携带错误代码的错误
type Coder interface {
	error
	ErrorCode() ErrorCode
}

// CodeOf 返回错误链中第一个携带代码的错误的代码，没有时返回空串
func CodeOf(err error) ErrorCode {
	var c Coder
	if errors.As(err, &c) {
		return c.ErrorCode()
	}
	return ""
}

// HasCode 判断错误链中是否包含指定代码
func HasCode(err error, code ErrorCode) bool {
	return errors.Is(err, &BaseError{Code: code})
}

// NewConfigError 创建配置错误
func NewConfigError(format string, args ...interface{}) *BaseError {
	return NewError(ErrConfigInvalid, fmt.Sprintf(format, args...))
}
