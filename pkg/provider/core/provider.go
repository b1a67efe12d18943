package core

import (
	"context"
	"encoding/json"
)

// Record 一条规范化后的记录，ExternalID 是去重键，Payload 为提供商原始文档
type Record struct {
	ExternalID string          `json:"external_id"`
	Payload    json.RawMessage `json:"payload"`
}

// PageRequest 分页请求。偏移量分页的提供商使用 Offset/Limit，
// 游标分页的提供商使用 Cursor，首页 Cursor 为空。
type PageRequest struct {
	Index  int    // 第几页，从 0 开始
	Offset int    // 已获取的记录数
	Limit  int    // 每页大小
	Cursor string // 上一页返回的续传令牌
}

// Page 一页结果
type Page struct {
	Records    []Record
	NextCursor string // 游标分页的续传令牌，空表示没有更多
	HasMore    bool   // 提供商是否还有下一页
	Dropped    int    // 未通过基本校验而被丢弃的记录数
}

// Next 根据当前页构造下一页请求
func (r PageRequest) Next(p Page) PageRequest {
	return PageRequest{
		Index:  r.Index + 1,
		Offset: r.Offset + len(p.Records) + p.Dropped,
		Limit:  r.Limit,
		Cursor: p.NextCursor,
	}
}

// Source 数据提供商。每次调用只发出一个 HTTP 请求，失败时返回
// TransientError、RateLimitedError 或 FatalError。
type Source interface {
	// Name 返回提供商名称，用于标识和日志记录
	Name() string
	// FetchPage 使用给定密钥获取一页数据
	FetchPage(ctx context.Context, secret string, req PageRequest) (Page, error)
}

// ConnectionTester 支持连通性检查的提供商可以实现此接口
type ConnectionTester interface {
	// TestConnection 用最小的请求验证密钥，返回账户或服务标识
	TestConnection(ctx context.Context, secret string) (string, error)
}
