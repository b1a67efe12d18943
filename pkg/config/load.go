package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// EnvPrefix 环境变量前缀，例如 TASKFORGE_ENDPOINTS_FIREFLIES_CREDENTIALS=a,b
const EnvPrefix = "TASKFORGE"

// knownEndpoints 环境变量可以直接配置的端点名称
var knownEndpoints = []string{KindFireflies, KindMonday, KindGemini}

// endpointEnvKeys 允许通过环境变量覆盖的端点字段
var endpointEnvKeys = []string{"credentials", "base_url", "board_id", "disabled", "cache_ttl", "page_size"}

// Load 从 YAML 文件和环境变量加载配置。path 为空时在 ./config 和当前目录查找 taskforge.yaml，
// 找不到文件不算错误。
func Load(path string) (*Config, error) {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("taskforge")
		v.SetConfigType("yaml")
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
	}

	setDefaults(v, Default())

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, name := range knownEndpoints {
		for _, key := range endpointEnvKeys {
			if err := v.BindEnv("endpoints." + name + "." + key); err != nil {
				return nil, fmt.Errorf("bind env: %w", err)
			}
		}
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	cfg := Default()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	for name, endpoint := range cfg.Endpoints {
		cfg.Endpoints[name] = endpoint.withDefaults(name)
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("logger.level", d.Logger.Level)
	v.SetDefault("logger.format", d.Logger.Format)
	v.SetDefault("server.enabled", d.Server.Enabled)
	v.SetDefault("server.port", d.Server.Port)
	v.SetDefault("server.mode", d.Server.Mode)
	v.SetDefault("server.timezone", d.Server.Timezone)
	v.SetDefault("redis.enabled", d.Redis.Enabled)
	v.SetDefault("redis.addr", d.Redis.Addr)
	v.SetDefault("redis.password", d.Redis.Password)
	v.SetDefault("redis.db", d.Redis.DB)
	v.SetDefault("redis.stream_max_len", d.Redis.StreamMaxLen)
	v.SetDefault("influxdb.enabled", d.InfluxDB.Enabled)
	v.SetDefault("influxdb.url", d.InfluxDB.URL)
	v.SetDefault("influxdb.token", d.InfluxDB.Token)
	v.SetDefault("influxdb.org", d.InfluxDB.Org)
	v.SetDefault("influxdb.bucket", d.InfluxDB.Bucket)
	v.SetDefault("metrics.enabled", d.Metrics.Enabled)
	v.SetDefault("metrics.namespace", d.Metrics.Namespace)
	v.SetDefault("cache.backend", d.Cache.Backend)
	v.SetDefault("cache.dir", d.Cache.Dir)
	v.SetDefault("cache.key_prefix", d.Cache.KeyPrefix)
	v.SetDefault("cache.retention", d.Cache.Retention)
	v.SetDefault("storage.path", d.Storage.Path)
	v.SetDefault("scheduler.jobs_file", d.Scheduler.JobsFile)
}
