package storage

import (
	apperr "taskforge/pkg/error"
)

const (
	// ErrStorageIO 表示发生了存储I/O错误。
	ErrStorageIO apperr.ErrorCode = "STORAGE_IO"
	// ErrResourceClosed 表示尝试访问已关闭的资源。
	ErrResourceClosed apperr.ErrorCode = "RESOURCE_CLOSED"
	// ErrInvalidRecord 表示记录缺少必要字段。
	ErrInvalidRecord apperr.ErrorCode = "INVALID_RECORD"
)

var (
	ErrStoreClosed = NewStorageError(ErrResourceClosed, "store is closed")
)

type StorageError struct {
	apperr.BaseError
}

func NewStorageError(code apperr.ErrorCode, message string) *StorageError {
	return &StorageError{
		BaseError: *apperr.NewError(code, message),
	}
}

// WrapStorageError 包装底层 I/O 错误
func WrapStorageError(message string, cause error) *StorageError {
	return &StorageError{
		BaseError: *apperr.WrapError(ErrStorageIO, message, cause),
	}
}

// NewInvalidRecordError 创建记录校验错误
func NewInvalidRecordError(endpoint, message string) *StorageError {
	e := NewStorageError(ErrInvalidRecord, message)
	e.WithContext("endpoint", endpoint)
	return e
}
