package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"taskforge/pkg/timing"
)

// MemoryStore 完全在内存中实现的 FallbackStore，用于测试和本地开发，
// 数据在进程结束时丢失。
type MemoryStore struct {
	mu      sync.RWMutex
	clock   timing.TimeService
	records map[string]map[string]*memoryRow
	seq     int64
	closed  bool
}

type memoryRow struct {
	record PersistedRecord
	seq    int64
}

var _ FallbackStore = (*MemoryStore)(nil)

// NewMemoryStore 创建内存存储
func NewMemoryStore(clock timing.TimeService) *MemoryStore {
	if clock == nil {
		clock = &timing.SystemTimeService{}
	}
	return &MemoryStore{
		clock:   clock,
		records: make(map[string]map[string]*memoryRow),
	}
}

// Persist 幂等写入
func (m *MemoryStore) Persist(ctx context.Context, endpoint string, records []PersistedRecord) error {
	if err := validate(endpoint, records); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStoreClosed
	}
	table, ok := m.records[endpoint]
	if !ok {
		table = make(map[string]*memoryRow)
		m.records[endpoint] = table
	}

	now := m.clock.Now()
	for _, r := range records {
		payload := append([]byte(nil), r.RawPayload...)
		if row, exists := table[r.ExternalID]; exists {
			row.record.RawPayload = payload
			row.record.UpdatedAt = now
			continue
		}
		m.seq++
		table[r.ExternalID] = &memoryRow{
			seq: m.seq,
			record: PersistedRecord{
				Endpoint:    endpoint,
				ExternalID:  r.ExternalID,
				RawPayload:  payload,
				FirstSeenAt: now,
				UpdatedAt:   now,
			},
		}
	}
	return nil
}

// Recent 返回窗口内的记录
func (m *MemoryStore) Recent(ctx context.Context, endpoint string, window time.Duration) ([]PersistedRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStoreClosed
	}
	since := m.clock.Now().Add(-window)
	rows := make([]*memoryRow, 0)
	for _, row := range m.records[endpoint] {
		if !row.record.FirstSeenAt.Before(since) {
			rows = append(rows, row)
		}
	}
	sort.Slice(rows, func(i, j int) bool {
		a, b := rows[i].record.FirstSeenAt, rows[j].record.FirstSeenAt
		if !a.Equal(b) {
			return a.After(b)
		}
		return rows[i].seq < rows[j].seq
	})

	out := make([]PersistedRecord, len(rows))
	for i, row := range rows {
		out[i] = row.record
	}
	return out, nil
}

// Count 返回记录数
func (m *MemoryStore) Count(ctx context.Context, endpoint string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return 0, ErrStoreClosed
	}
	return len(m.records[endpoint]), nil
}

// Ping 检查存储是否可用
func (m *MemoryStore) Ping(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return ErrStoreClosed
	}
	return nil
}

// Close 关闭存储
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true
	return nil
}

// validate 拒绝缺少端点或 ExternalID 的记录
func validate(endpoint string, records []PersistedRecord) error {
	if endpoint == "" {
		return NewInvalidRecordError(endpoint, "endpoint is required")
	}
	for i, r := range records {
		if r.ExternalID == "" {
			return NewInvalidRecordError(endpoint, fmt.Sprintf("record %d has no external_id", i))
		}
	}
	return nil
}
