package provider

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"taskforge/pkg/fetcher"
)

// Manager 按端点名称管理获取器，进程启动时显式构造
type Manager struct {
	fetchers map[string]*fetcher.Fetcher
	mu       sync.RWMutex
}

// NewManager 创建空的管理器
func NewManager() *Manager {
	return &Manager{
		fetchers: make(map[string]*fetcher.Fetcher),
	}
}

// Register 注册端点获取器，同名端点不能重复注册
func (m *Manager) Register(name string, f *fetcher.Fetcher) error {
	if name == "" {
		return fmt.Errorf("endpoint name cannot be empty")
	}
	if f == nil {
		return fmt.Errorf("fetcher cannot be nil")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.fetchers[name]; exists {
		return fmt.Errorf("endpoint %s already registered", name)
	}
	m.fetchers[name] = f
	return nil
}

// Unregister 注销端点
func (m *Manager) Unregister(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.fetchers[name]; !exists {
		return false
	}
	delete(m.fetchers, name)
	return true
}

// Get 获取端点的获取器
func (m *Manager) Get(name string) (*fetcher.Fetcher, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	f, ok := m.fetchers[name]
	return f, ok
}

// Names 返回排序后的端点名称
func (m *Manager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.fetchers))
	for name := range m.fetchers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Len 返回端点数量
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.fetchers)
}

// Statuses 返回所有端点的状态，按名称排序
func (m *Manager) Statuses(ctx context.Context) []fetcher.Status {
	names := m.Names()
	out := make([]fetcher.Status, 0, len(names))
	for _, name := range names {
		if f, ok := m.Get(name); ok {
			out = append(out, f.Status(ctx))
		}
	}
	return out
}
