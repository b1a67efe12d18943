package message

import (
	"context"
	"fmt"

	"github.com/go-redis/redis/v8"
)

// RedisPublisher 把消息写入 Redis Stream
type RedisPublisher struct {
	client *redis.Client
	maxLen int64
}

// NewRedisPublisher 创建发布器，maxLen>0 时按近似长度裁剪 stream
func NewRedisPublisher(client *redis.Client, maxLen int64) *RedisPublisher {
	return &RedisPublisher{client: client, maxLen: maxLen}
}

// Publish 发布消息，返回 stream 中的消息 ID
func (p *RedisPublisher) Publish(ctx context.Context, stream string, msg *MessageFormat) (string, error) {
	if stream == "" {
		stream = GetStreamName(msg.Metadata.Endpoint)
	}
	jsonData, err := msg.ToJSON()
	if err != nil {
		return "", fmt.Errorf("序列化消息失败: %w", err)
	}

	args := &redis.XAddArgs{
		Stream: stream,
		Values: map[string]interface{}{
			"data":     jsonData,
			"endpoint": msg.Metadata.Endpoint,
			"source":   msg.Metadata.Source,
		},
	}
	if p.maxLen > 0 {
		args.MaxLen = p.maxLen
		args.Approx = true
	}

	id, err := p.client.XAdd(ctx, args).Result()
	if err != nil {
		return "", fmt.Errorf("发布消息到 Redis Streams 失败: %w", err)
	}
	return id, nil
}
