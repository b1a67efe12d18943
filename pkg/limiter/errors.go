package limiter

import (
	"fmt"
	"time"

	"taskforge/pkg/error"
)

// ErrWaitBudgetExceeded 所需等待超过剩余的等待预算
const ErrWaitBudgetExceeded error.ErrorCode = "WAIT_BUDGET_EXCEEDED"

// WaitBudgetError 等待预算耗尽错误
type WaitBudgetError struct {
	error.BaseError
	Required time.Duration // 仍需等待的时长
	Waited   time.Duration // 已经等待的时长
}

// NewWaitBudgetError 创建等待预算耗尽错误
func NewWaitBudgetError(id string, required, waited time.Duration) *WaitBudgetError {
	e := &WaitBudgetError{
		BaseError: *error.NewError(ErrWaitBudgetExceeded, fmt.Sprintf("credential %s needs %v more after waiting %v", id, required, waited)),
		Required:  required,
		Waited:    waited,
	}
	e.WithContext("credential", id)
	return e
}
