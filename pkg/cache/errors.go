package cache

import (
	apperr "taskforge/pkg/error"
)

type CacheError struct {
	apperr.BaseError
}

const (
	// ErrCacheMiss 表示在缓存中未找到请求的条目。
	ErrCacheMiss apperr.ErrorCode = "CACHE_MISS"
	// ErrCacheCorrupted 表示缓存数据已损坏。
	ErrCacheCorrupted apperr.ErrorCode = "CACHE_CORRUPTED"
	// ErrCacheBackend 表示缓存后端读写失败。
	ErrCacheBackend apperr.ErrorCode = "CACHE_BACKEND"
	// ErrCacheClosed 表示缓存已关闭。
	ErrCacheClosed apperr.ErrorCode = "CACHE_CLOSED"
)

var (
	ErrCacheMissNotFound = NewCacheError(ErrCacheMiss, "cache entry not found")
	ErrCacheIsClosed     = NewCacheError(ErrCacheClosed, "cache is closed")
)

func NewCacheError(code apperr.ErrorCode, message string) *CacheError {
	return &CacheError{
		BaseError: *apperr.NewError(code, message),
	}
}

// WrapCacheError 包装后端错误
func WrapCacheError(code apperr.ErrorCode, message string, cause error) *CacheError {
	return &CacheError{
		BaseError: *apperr.WrapError(code, message, cause),
	}
}
