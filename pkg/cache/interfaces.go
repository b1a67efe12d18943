package cache

import (
	"context"
	"encoding/json"
	"time"
)

// Backend 缓存后端，只负责按键存取字节。过期与陈旧判断由 Layer 完成，
// 后端不得在 Layer 需要回退读取之前自行淘汰条目。
type Backend interface {
	// Get 读取键对应的数据，不存在时返回 ErrCacheMiss 代码的错误
	Get(ctx context.Context, key string) ([]byte, error)
	// Set 覆盖写入键对应的数据
	Set(ctx context.Context, key string, value []byte) error
	// Delete 删除键，不存在时不报错
	Delete(ctx context.Context, key string) error
	// Name 后端名称
	Name() string
	// Close 释放资源
	Close() error
}

// Entry 一个端点最近一次成功获取的完整结果集，每个端点最多一条
type Entry struct {
	Payload   json.RawMessage `json:"payload"`
	FetchedAt time.Time       `json:"fetched_at"`
	TTL       time.Duration   `json:"ttl"`
	Count     int             `json:"count"`
}

// ExpiresAt 返回 TTL 到期时刻
func (e *Entry) ExpiresAt() time.Time {
	return e.FetchedAt.Add(e.TTL)
}

// Status 缓存状态快照
type Status struct {
	Backend     string     `json:"backend"`
	Key         string     `json:"key"`
	Present     bool       `json:"present"`
	Stale       bool       `json:"stale"`
	Count       int        `json:"count"`
	FetchedAt   *time.Time `json:"fetched_at,omitempty"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
	NextRefresh *time.Time `json:"next_refresh,omitempty"`
	TTLSeconds  float64    `json:"ttl_seconds"`
	Hits        int64      `json:"hits"`
	Misses      int64      `json:"misses"`
}
