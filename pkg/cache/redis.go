package cache

import (
	"context"
	"errors"
	"time"

	"github.com/go-redis/redis/v8"
)

// RedisBackendConfig Redis 缓存配置
type RedisBackendConfig struct {
	KeyPrefix string        `mapstructure:"key_prefix"`
	Retention time.Duration `mapstructure:"retention"` // 条目在 Redis 中的保留时间，0 表示不过期
}

// RedisBackend 基于 Redis 的缓存后端，多个进程共享同一份缓存。
// Retention 必须明显长于 TTL，陈旧条目还要用于降级回退。
type RedisBackend struct {
	client    *redis.Client
	keyPrefix string
	retention time.Duration
}

var _ Backend = (*RedisBackend)(nil)

// NewRedisBackend 创建 Redis 缓存后端
func NewRedisBackend(client *redis.Client, config RedisBackendConfig) *RedisBackend {
	if config.KeyPrefix == "" {
		config.KeyPrefix = "taskforge:cache:"
	}
	return &RedisBackend{
		client:    client,
		keyPrefix: config.KeyPrefix,
		retention: config.Retention,
	}
}

// Get 读取缓存
func (r *RedisBackend) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := r.client.Get(ctx, r.keyPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrCacheMissNotFound
	}
	if err != nil {
		return nil, WrapCacheError(ErrCacheBackend, "redis get failed", err)
	}
	return data, nil
}

// Set 写入缓存
func (r *RedisBackend) Set(ctx context.Context, key string, value []byte) error {
	if err := r.client.Set(ctx, r.keyPrefix+key, value, r.retention).Err(); err != nil {
		return WrapCacheError(ErrCacheBackend, "redis set failed", err)
	}
	return nil
}

// Delete 删除缓存
func (r *RedisBackend) Delete(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, r.keyPrefix+key).Err(); err != nil {
		return WrapCacheError(ErrCacheBackend, "redis del failed", err)
	}
	return nil
}

// Name 返回后端名称
func (r *RedisBackend) Name() string {
	return "redis"
}

// Ping 检查 Redis 连接
func (r *RedisBackend) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close 客户端由调用方持有，这里不关闭
func (r *RedisBackend) Close() error {
	return nil
}
