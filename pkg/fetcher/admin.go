package fetcher

import (
	"context"
	"errors"
	"fmt"

	"taskforge/pkg/keypool"
	"taskforge/pkg/provider/core"
)

// Status 返回缓存、凭据、熔断器与兜底存储的状态
func (f *Fetcher) Status(ctx context.Context) Status {
	s := Status{
		Endpoint:      f.config.Endpoint,
		Kind:          f.source.Name(),
		Cache:         f.cache.Status(ctx),
		ActiveKeys:    f.pool.ActiveCount(),
		TotalKeys:     f.pool.Size(),
		Credentials:   f.pool.Snapshot(),
		Circuit:       f.breaker.Snapshot(),
		StoredRecords: -1,
	}
	count, err := f.store.Count(ctx, f.config.Endpoint)
	if err != nil {
		s.StoreError = err.Error()
	} else {
		s.StoredRecords = count
	}
	return s
}

// InvalidateCache 删除端点缓存，下一次 GetRecords 一定会尝试实时获取
func (f *Fetcher) InvalidateCache(ctx context.Context) error {
	if err := f.cache.Clear(ctx); err != nil {
		return err
	}
	f.log.Info("缓存已清除")
	return nil
}

// TestConnection 用一个可用凭据做最小请求，经过限流但不经过熔断器和缓存
func (f *Fetcher) TestConnection(ctx context.Context) (string, error) {
	tester, ok := f.source.(core.ConnectionTester)
	if !ok {
		return "", fmt.Errorf("%s does not support connection tests", f.source.Name())
	}
	cred, ok := f.pool.NextAvailable(nil)
	if !ok {
		return "", core.ErrCredentialsExhausted
	}
	if err := f.pool.Throttle(ctx, cred.ID, f.config.Wait); err != nil {
		return "", err
	}

	reqCtx, cancel := context.WithTimeout(ctx, f.config.RequestTimeout)
	defer cancel()
	identity, err := tester.TestConnection(reqCtx, cred.Secret)
	f.recordOutcome(cred, err)
	if err != nil {
		return "", fmt.Errorf("credential %s: %w", cred.ID, err)
	}
	f.log.WithField("credential", cred.ID).Info("连接测试成功")
	return identity, nil
}

// recordOutcome 把单次请求的结果反馈到凭据池
func (f *Fetcher) recordOutcome(cred keypool.Credential, err error) {
	var (
		rateLimited *core.RateLimitedError
		fatal       *core.FatalError
	)
	switch {
	case err == nil:
		f.pool.MarkSuccess(cred.ID)
	case errors.As(err, &rateLimited):
		f.pool.MarkRateLimited(cred.ID, rateLimited.ResolveRetryAt(f.clock.Now(), f.config.RateLimitBackoff, f.config.MinRateLimitBackoff))
	case errors.As(err, &fatal) && fatal.IsAuth():
		f.pool.Disable(cred.ID, f.disableUntil(), "auth failed during connection test")
	default:
		f.pool.MarkFailure(cred.ID)
	}
}
