package cache

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"testing"
	"time"

	"taskforge/pkg/timing"

	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 3, 12, 8, 0, 0, 0, time.UTC)

func newLayer(t *testing.T, backend Backend, clock *timing.ManualClock, ttl time.Duration, refresh ...string) *Layer {
	t.Helper()
	schedule, err := timing.NewRefreshSchedule(refresh, time.UTC, false)
	require.NoError(t, err)
	return NewLayer(backend, LayerConfig{Key: "fireflies:records", TTL: ttl, Schedule: schedule}, clock, nil)
}

func TestLayer_TTL内命中(t *testing.T) {
	clock := timing.NewManualClock(t0)
	l := newLayer(t, NewMemoryBackend(), clock, 4*time.Hour)

	_, ok := l.Get(context.Background())
	assert.False(t, ok)
	assert.True(t, l.IsStale(context.Background()), "没有条目视为陈旧")

	_, err := l.Put(context.Background(), json.RawMessage(`[{"id":"a"}]`), 1)
	require.NoError(t, err)

	clock.Advance(3 * time.Hour)
	entry, ok := l.Get(context.Background())
	require.True(t, ok)
	assert.JSONEq(t, `[{"id":"a"}]`, string(entry.Payload))
	assert.Equal(t, t0, entry.FetchedAt)

	clock.Advance(time.Hour)
	_, ok = l.Get(context.Background())
	assert.True(t, ok, "恰好等于 TTL 仍然新鲜")

	clock.Advance(2 * time.Hour)
	_, ok = l.Get(context.Background())
	assert.False(t, ok, "超过 TTL 后未命中")

	stale, ok := l.GetEvenIfStale(context.Background())
	require.True(t, ok)
	assert.JSONEq(t, `[{"id":"a"}]`, string(stale.Payload))
}

func TestLayer_跨过刷新边界即陈旧(t *testing.T) {
	clock := timing.NewManualClock(t0)
	l := newLayer(t, NewMemoryBackend(), clock, 4*time.Hour, "09:00", "17:00")

	_, err := l.Put(context.Background(), json.RawMessage(`[]`), 0)
	require.NoError(t, err)

	clock.Set(t0.Add(59 * time.Minute))
	_, ok := l.Get(context.Background())
	assert.True(t, ok)

	clock.Set(t0.Add(61 * time.Minute))
	_, ok = l.Get(context.Background())
	assert.False(t, ok, "TTL 未到但跨过 09:00 边界")

	entry, ok := l.GetEvenIfStale(context.Background())
	require.True(t, ok)
	assert.Equal(t, t0.Add(time.Hour), l.NextRefresh(entry))
}

func TestLayer_覆盖写入(t *testing.T) {
	clock := timing.NewManualClock(t0)
	backend := NewMemoryBackend()
	l := newLayer(t, backend, clock, time.Hour)

	_, err := l.Put(context.Background(), json.RawMessage(`["first"]`), 1)
	require.NoError(t, err)
	clock.Advance(time.Minute)
	_, err = l.Put(context.Background(), json.RawMessage(`["second","third"]`), 2)
	require.NoError(t, err)

	entry, ok := l.Get(context.Background())
	require.True(t, ok)
	assert.JSONEq(t, `["second","third"]`, string(entry.Payload))
	assert.Equal(t, 1, backend.Len(), "每个端点最多一条缓存")

	status := l.Status(context.Background())
	assert.True(t, status.Present)
	assert.False(t, status.Stale)
	assert.Equal(t, 2, status.Count)
	assert.Equal(t, "memory", status.Backend)
	require.NotNil(t, status.NextRefresh)
	assert.Equal(t, t0.Add(time.Minute+time.Hour), *status.NextRefresh)

	require.NoError(t, l.Clear(context.Background()))
	_, ok = l.GetEvenIfStale(context.Background())
	assert.False(t, ok)
	assert.False(t, l.Status(context.Background()).Present)
}

type brokenBackend struct{ *MemoryBackend }

func (b *brokenBackend) Get(ctx context.Context, key string) ([]byte, error) {
	return nil, WrapCacheError(ErrCacheBackend, "boom", errors.New("connection refused"))
}

func TestLayer_后端故障按未命中处理(t *testing.T) {
	clock := timing.NewManualClock(t0)
	l := newLayer(t, &brokenBackend{MemoryBackend: NewMemoryBackend()}, clock, time.Hour)

	_, ok := l.Get(context.Background())
	assert.False(t, ok)
	_, ok = l.GetEvenIfStale(context.Background())
	assert.False(t, ok)
}

func TestLayer_损坏数据按未命中处理(t *testing.T) {
	clock := timing.NewManualClock(t0)
	backend := NewMemoryBackend()
	require.NoError(t, backend.Set(context.Background(), "fireflies:records", []byte("{not json")))

	l := newLayer(t, backend, clock, time.Hour)
	_, ok := l.GetEvenIfStale(context.Background())
	assert.False(t, ok)
}

func TestDiskBackend_重启后仍可读取(t *testing.T) {
	dir := t.TempDir()
	clock := timing.NewManualClock(t0)

	d1, err := NewDiskBackend(DiskBackendConfig{BaseDir: dir})
	require.NoError(t, err)
	l1 := newLayer(t, d1, clock, time.Hour)
	_, err = l1.Put(context.Background(), json.RawMessage(`[{"id":"x"}]`), 1)
	require.NoError(t, err)
	require.NoError(t, d1.Close())

	_, err = d1.Get(context.Background(), "fireflies:records")
	assert.Error(t, err, "关闭后不可读")

	d2, err := NewDiskBackend(DiskBackendConfig{BaseDir: dir})
	require.NoError(t, err)
	l2 := newLayer(t, d2, clock, time.Hour)

	entry, ok := l2.Get(context.Background())
	require.True(t, ok)
	assert.JSONEq(t, `[{"id":"x"}]`, string(entry.Payload))

	require.NoError(t, l2.Clear(context.Background()))
	_, err = d2.Get(context.Background(), "fireflies:records")
	assert.Error(t, err)
}

func TestDiskBackend_多个实例共享目录(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	a, err := NewDiskBackend(DiskBackendConfig{BaseDir: dir})
	require.NoError(t, err)
	b, err := NewDiskBackend(DiskBackendConfig{BaseDir: dir})
	require.NoError(t, err)

	_, err = a.Get(ctx, "records:fireflies")
	require.ErrorIs(t, err, ErrCacheMissNotFound)

	require.NoError(t, b.Set(ctx, "records:fireflies", []byte(`{"v":1}`)))
	data, err := a.Get(ctx, "records:fireflies")
	require.NoError(t, err, "另一个实例写入的条目立即可见")
	assert.JSONEq(t, `{"v":1}`, string(data))

	require.NoError(t, a.Set(ctx, "records:monday", []byte(`{"v":2}`)))
	entries, err := b.Entries()
	require.NoError(t, err)
	assert.Contains(t, entries, "records:fireflies")
	assert.Contains(t, entries, "records:monday", "元数据不会覆盖其他实例的记录")

	require.NoError(t, a.Delete(ctx, "records:fireflies"))
	_, err = b.Get(ctx, "records:fireflies")
	assert.ErrorIs(t, err, ErrCacheMissNotFound)
	entries, err = a.Entries()
	require.NoError(t, err)
	assert.NotContains(t, entries, "records:fireflies")
}

func TestMemoryBackend_统计与关闭(t *testing.T) {
	m := NewMemoryBackend()
	_, err := m.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrCacheMissNotFound)

	require.NoError(t, m.Set(context.Background(), "k", []byte("v")))
	v, err := m.Get(context.Background(), "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), v)

	hits, misses := m.Counts()
	assert.Equal(t, int64(1), hits)
	assert.Equal(t, int64(1), misses)

	require.NoError(t, m.Close())
	assert.ErrorIs(t, m.Set(context.Background(), "k", nil), ErrCacheIsClosed)
}

func TestRedisBackend(t *testing.T) {
	addr := os.Getenv("TASKFORGE_TEST_REDIS")
	if addr == "" {
		t.Skip("TASKFORGE_TEST_REDIS 未设置，跳过 Redis 测试")
	}

	client := redis.NewClient(&redis.Options{Addr: addr})
	defer client.Close()

	r := NewRedisBackend(client, RedisBackendConfig{KeyPrefix: "taskforge:test:"})
	require.NoError(t, r.Ping(context.Background()))
	defer r.Delete(context.Background(), "k")

	_, err := r.Get(context.Background(), "k")
	assert.ErrorIs(t, err, ErrCacheMissNotFound)

	clock := timing.NewManualClock(t0)
	l := NewLayer(r, LayerConfig{Key: "k", TTL: time.Hour}, clock, nil)
	_, err = l.Put(context.Background(), json.RawMessage(`[1,2]`), 2)
	require.NoError(t, err)

	entry, ok := l.Get(context.Background())
	require.True(t, ok)
	assert.Equal(t, 2, entry.Count)
}
