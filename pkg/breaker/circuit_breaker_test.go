package breaker

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errTransient = errors.New("502 bad gateway")

func failing(calls *int32) func() (interface{}, error) {
	return func() (interface{}, error) {
		atomic.AddInt32(calls, 1)
		return nil, errTransient
	}
}

func succeeding(calls *int32) func() (interface{}, error) {
	return func() (interface{}, error) {
		atomic.AddInt32(calls, 1)
		return "ok", nil
	}
}

func TestCircuitBreaker_达到阈值后打开(t *testing.T) {
	b := New(Config{Name: "fireflies", FailureThreshold: 5, Cooldown: time.Minute})

	var calls int32
	for i := 0; i < 4; i++ {
		_, err := b.Call(failing(&calls))
		require.ErrorIs(t, err, errTransient)
		assert.Equal(t, StateClosed, b.State(), "第 %d 次失败后仍关闭", i+1)
	}

	_, err := b.Call(failing(&calls))
	require.ErrorIs(t, err, errTransient)
	assert.Equal(t, StateOpen, b.State())

	_, err = b.Call(failing(&calls))
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, int32(5), atomic.LoadInt32(&calls), "打开后操作不会被调用")

	snap := b.Snapshot()
	assert.Equal(t, int64(1), snap.Rejected)
	assert.NotNil(t, snap.OpenedAt)
}

func TestCircuitBreaker_半开试探(t *testing.T) {
	tests := []struct {
		name      string
		trialOK   bool
		wantState State
	}{
		{name: "试探成功后关闭", trialOK: true, wantState: StateClosed},
		{name: "试探失败后重新打开", trialOK: false, wantState: StateOpen},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := New(Config{Name: "monday", FailureThreshold: 2, Cooldown: 30 * time.Millisecond})

			var calls int32
			_, _ = b.Call(failing(&calls))
			_, _ = b.Call(failing(&calls))
			require.Equal(t, StateOpen, b.State())

			time.Sleep(60 * time.Millisecond)
			assert.Equal(t, StateHalfOpen, b.State())

			op := failing(&calls)
			if tt.trialOK {
				op = succeeding(&calls)
			}
			_, _ = b.Call(op)
			assert.Equal(t, int32(3), atomic.LoadInt32(&calls), "冷却后的调用被放行")
			assert.Equal(t, tt.wantState, b.State())
		})
	}
}

func TestCircuitBreaker_半开只放行一次(t *testing.T) {
	b := New(Config{Name: "gemini", FailureThreshold: 1, Cooldown: 20 * time.Millisecond})

	var calls int32
	_, _ = b.Call(failing(&calls))
	time.Sleep(40 * time.Millisecond)

	release := make(chan struct{})
	started := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, _ = b.Call(func() (interface{}, error) {
			close(started)
			<-release
			return "ok", nil
		})
	}()
	<-started

	_, err := b.Call(succeeding(&calls))
	assert.ErrorIs(t, err, ErrCircuitOpen, "试探进行中时其他调用被拒绝")

	close(release)
	wg.Wait()
	assert.Equal(t, StateClosed, b.State())
}

var (
	errThrottled = errors.New("rate limited")
	errLocalWait = errors.New("local wait budget exceeded")
)

func classifyForTest(err error) Outcome {
	switch {
	case err == nil, errors.Is(err, errThrottled):
		return OutcomeSuccess
	case errors.Is(err, errLocalWait):
		return OutcomeIgnored
	default:
		return OutcomeFailure
	}
}

func TestCircuitBreaker_失败判定(t *testing.T) {
	b := New(Config{Name: "fireflies", FailureThreshold: 2, Cooldown: time.Minute},
		WithClassifier(classifyForTest))

	for i := 0; i < 5; i++ {
		_, err := b.Call(func() (interface{}, error) { return nil, errThrottled })
		assert.ErrorIs(t, err, errThrottled)
	}
	assert.Equal(t, StateClosed, b.State(), "限流不计入端点失败")
}

func TestCircuitBreaker_未到达下游的调用不清零连续失败(t *testing.T) {
	b := New(Config{Name: "fireflies", FailureThreshold: 2, Cooldown: time.Minute},
		WithClassifier(classifyForTest))

	var calls int32
	_, _ = b.Call(failing(&calls))
	_, err := b.Call(func() (interface{}, error) { return nil, errLocalWait })
	assert.ErrorIs(t, err, errLocalWait)
	assert.Equal(t, uint32(1), b.Snapshot().ConsecutiveFailures)

	_, _ = b.Call(failing(&calls))
	assert.Equal(t, StateOpen, b.State())
}

func TestCircuitBreaker_半开试探未到达下游时重新打开(t *testing.T) {
	b := New(Config{Name: "monday", FailureThreshold: 1, Cooldown: 30 * time.Millisecond},
		WithClassifier(classifyForTest))

	var calls int32
	_, _ = b.Call(failing(&calls))
	require.Equal(t, StateOpen, b.State())

	time.Sleep(60 * time.Millisecond)
	require.Equal(t, StateHalfOpen, b.State())

	_, err := b.Call(func() (interface{}, error) { return nil, errLocalWait })
	assert.ErrorIs(t, err, errLocalWait)
	assert.Equal(t, StateOpen, b.State())

	_, err = b.Call(succeeding(&calls))
	assert.ErrorIs(t, err, ErrCircuitOpen, "重新打开后进入新的冷却期")
}

func TestNew_默认配置(t *testing.T) {
	b := New(Config{Name: "x"})
	snap := b.Snapshot()
	assert.Equal(t, uint32(5), snap.FailureThreshold)
	assert.Equal(t, float64(60), snap.CooldownSeconds)
	assert.Equal(t, "x", b.Name())
	assert.Nil(t, snap.OpenedAt)
}
