// Package app 按配置组装存储、缓存、指标与各端点的获取器，供命令行程序共用
package app

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"taskforge/pkg/api"
	"taskforge/pkg/cache"
	"taskforge/pkg/config"
	"taskforge/pkg/fetcher"
	"taskforge/pkg/logger"
	"taskforge/pkg/message"
	"taskforge/pkg/metrics"
	"taskforge/pkg/provider"
	"taskforge/pkg/storage"
	"taskforge/pkg/timing"

	"github.com/go-redis/redis/v8"
	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	influxapi "github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"
)

// MemoryStorePath 使用内存兜底存储
const MemoryStorePath = ":memory:"

// Runtime 组装好的运行时依赖
type Runtime struct {
	Config    *config.Config
	Clock     timing.Clock
	Store     storage.FallbackStore
	Cache     cache.Backend
	Redis     *redis.Client
	Publisher *message.RedisPublisher
	Registry  *prometheus.Registry
	Manager   *provider.Manager

	influx   influxdb2.Client
	writeAPI influxapi.WriteAPI
	log      *logrus.Entry
}

// Build 按配置创建运行时。任何一步失败都会释放已创建的资源。
func Build(ctx context.Context, cfg *config.Config, clock timing.Clock) (*Runtime, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if clock == nil {
		clock = timing.SystemClock()
	}
	rt := &Runtime{
		Config: cfg,
		Clock:  clock,
		log:    logger.WithComponent("app"),
	}
	if err := rt.build(ctx); err != nil {
		rt.Close()
		return nil, err
	}
	return rt, nil
}

func (rt *Runtime) build(ctx context.Context) (err error) {
	cfg, clock := rt.Config, rt.Clock

	if rt.Store, err = openStore(cfg.Storage.Path, clock); err != nil {
		return err
	}

	if cfg.Redis.Enabled {
		rt.Redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err = rt.Redis.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			return fmt.Errorf("无法连接到 Redis: %w", err)
		}
		rt.Publisher = message.NewRedisPublisher(rt.Redis, cfg.Redis.StreamMaxLen)
		rt.log.WithField("addr", cfg.Redis.Addr).Info("Redis 连接成功")
	}

	if rt.Cache, err = rt.openCache(); err != nil {
		return err
	}

	var observers metrics.Multi
	if cfg.Metrics.Enabled {
		rt.Registry = prometheus.NewRegistry()
		rt.Registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		observers = append(observers, metrics.NewPrometheusObserver(rt.Registry, cfg.Metrics.Namespace))
	}
	if cfg.InfluxDB.Enabled {
		observers = append(observers, rt.openInflux(ctx))
	}

	deps := provider.Deps{
		Store:        rt.Store,
		CacheBackend: rt.Cache,
		Clock:        clock,
		Logger:       logger.WithComponent("fetcher"),
	}
	if len(observers) > 0 {
		deps.Observer = observers
	}
	if rt.Manager, err = provider.BuildManager(cfg, deps); err != nil {
		return err
	}
	return nil
}

// Fetcher 按端点名查找获取器
func (rt *Runtime) Fetcher(name string) (*fetcher.Fetcher, bool) {
	return rt.Manager.Get(name)
}

// Gatherer 指标未启用时返回 nil
func (rt *Runtime) Gatherer() prometheus.Gatherer {
	if rt.Registry == nil {
		return nil
	}
	return rt.Registry
}

// HealthChecks 除兜底存储外的依赖检查
func (rt *Runtime) HealthChecks() map[string]api.Pinger {
	checks := map[string]api.Pinger{}
	if rt.Redis != nil {
		client := rt.Redis
		checks["redis"] = api.PingFunc(func(ctx context.Context) error {
			return client.Ping(ctx).Err()
		})
	}
	if rt.influx != nil {
		client := rt.influx
		checks["influxdb"] = api.PingFunc(func(ctx context.Context) error {
			ok, err := client.Ping(ctx)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("influxdb not ready")
			}
			return nil
		})
	}
	return checks
}

// Close 释放所有资源
func (rt *Runtime) Close() {
	if rt.writeAPI != nil {
		rt.writeAPI.Flush()
	}
	if rt.influx != nil {
		rt.influx.Close()
	}
	if rt.Cache != nil {
		if err := rt.Cache.Close(); err != nil {
			rt.log.WithError(err).Warn("关闭缓存失败")
		}
	}
	if rt.Redis != nil {
		if err := rt.Redis.Close(); err != nil {
			rt.log.WithError(err).Warn("关闭 Redis 连接失败")
		}
	}
	if rt.Store != nil {
		if err := rt.Store.Close(); err != nil {
			rt.log.WithError(err).Warn("关闭兜底存储失败")
		}
	}
}

func openStore(path string, clock timing.Clock) (storage.FallbackStore, error) {
	if path == MemoryStorePath {
		return storage.NewMemoryStore(clock), nil
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("创建存储目录失败: %w", err)
		}
	}
	store, err := storage.NewSQLiteStore(path, clock)
	if err != nil {
		return nil, err
	}
	return store, nil
}

func (rt *Runtime) openCache() (cache.Backend, error) {
	c := rt.Config.Cache
	switch c.Backend {
	case config.CacheBackendMemory:
		return cache.NewMemoryBackend(), nil
	case config.CacheBackendRedis:
		return cache.NewRedisBackend(rt.Redis, cache.RedisBackendConfig{
			KeyPrefix: c.KeyPrefix + ":cache:",
			Retention: c.Retention,
		}), nil
	default:
		disk, err := cache.NewDiskBackend(cache.DiskBackendConfig{
			BaseDir:    c.Dir,
			FilePrefix: c.KeyPrefix,
		})
		if err != nil {
			return nil, err
		}
		return disk, nil
	}
}

// openInflux 连接失败只记录警告，写入在后台重试
func (rt *Runtime) openInflux(ctx context.Context) *metrics.InfluxObserver {
	c := rt.Config.InfluxDB
	rt.influx = influxdb2.NewClient(c.URL, c.Token)

	healthCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if health, err := rt.influx.Health(healthCtx); err != nil {
		rt.log.WithError(err).Warn("InfluxDB 健康检查失败")
	} else if health.Status != "pass" {
		rt.log.WithField("status", health.Status).Warn("InfluxDB 状态异常")
	}

	rt.writeAPI = rt.influx.WriteAPI(c.Org, c.Bucket)
	errs := rt.writeAPI.Errors()
	go func() {
		for err := range errs {
			rt.log.WithError(err).Warn("写入 InfluxDB 失败")
		}
	}()
	rt.log.WithFields(logrus.Fields{"url": c.URL, "bucket": c.Bucket}).Info("InfluxDB 指标已启用")
	return metrics.NewInfluxObserver(rt.writeAPI)
}
