// Package storage 提供持久化回退存储：每次成功获取后写入，实时获取与缓存都失败时读取。
package storage

import (
	"context"
	"encoding/json"
	"time"
)

// PersistedRecord 一条规范化后的记录（例如一条会议转录）。
// 同一端点内 ExternalID 唯一，重复写入只更新 RawPayload。
type PersistedRecord struct {
	Endpoint    string          `json:"endpoint"`
	ExternalID  string          `json:"external_id"`
	RawPayload  json.RawMessage `json:"raw_payload"`
	FirstSeenAt time.Time       `json:"first_seen_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// FallbackStore 持久化回退存储，必须在进程重启后保留数据
type FallbackStore interface {
	// Persist 按 (endpoint, external_id) 幂等写入，新记录的 FirstSeenAt 为写入时刻，已有记录保留原值
	Persist(ctx context.Context, endpoint string, records []PersistedRecord) error
	// Recent 返回 FirstSeenAt 落在 window 内的记录，按 FirstSeenAt 倒序，同批次内保持写入顺序
	Recent(ctx context.Context, endpoint string, window time.Duration) ([]PersistedRecord, error)
	// Count 返回端点的记录总数
	Count(ctx context.Context, endpoint string) (int, error)
	// Ping 检查存储是否可用
	Ping(ctx context.Context) error
	// Close 关闭存储连接并释放所有资源
	Close() error
}
