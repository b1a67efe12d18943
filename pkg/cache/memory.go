package cache

import (
	"context"
	"sync"
	"sync/atomic"
)

// MemoryBackend 线程安全的内存缓存后端，进程退出后数据丢失
type MemoryBackend struct {
	mu        sync.RWMutex
	entries   map[string][]byte
	closed    bool
	hitCount  int64
	missCount int64
}

var _ Backend = (*MemoryBackend)(nil)

// NewMemoryBackend 创建内存缓存后端
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		entries: make(map[string][]byte),
	}
}

// Get 获取缓存值
func (m *MemoryBackend) Get(ctx context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrCacheIsClosed
	}
	value, ok := m.entries[key]
	if !ok {
		atomic.AddInt64(&m.missCount, 1)
		return nil, ErrCacheMissNotFound
	}
	atomic.AddInt64(&m.hitCount, 1)

	out := make([]byte, len(value))
	copy(out, value)
	return out, nil
}

// Set 设置缓存值
func (m *MemoryBackend) Set(ctx context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrCacheIsClosed
	}
	stored := make([]byte, len(value))
	copy(stored, value)
	m.entries[key] = stored
	return nil
}

// Delete 删除缓存值
func (m *MemoryBackend) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.entries, key)
	return nil
}

// Name 返回后端名称
func (m *MemoryBackend) Name() string {
	return "memory"
}

// Len 返回条目数
func (m *MemoryBackend) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

// Counts 返回命中与未命中次数
func (m *MemoryBackend) Counts() (hits, misses int64) {
	return atomic.LoadInt64(&m.hitCount), atomic.LoadInt64(&m.missCount)
}

// Close 关闭后端
func (m *MemoryBackend) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true
	m.entries = make(map[string][]byte)
	return nil
}
