package scheduler

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
)

// DefaultJobTimeout 任务未配置超时时使用
const DefaultJobTimeout = 5 * time.Minute

// JobConfig 定义单个刷新任务的配置
type JobConfig struct {
	Name         string        `mapstructure:"name" json:"name"`
	Enabled      bool          `mapstructure:"enabled" json:"enabled"`
	Schedule     string        `mapstructure:"schedule" json:"schedule"`
	Endpoint     string        `mapstructure:"endpoint" json:"endpoint"`
	ForceRefresh bool          `mapstructure:"force_refresh" json:"force_refresh"`
	Timeout      time.Duration `mapstructure:"timeout" json:"timeout,omitempty"`
	Output       *OutputConfig `mapstructure:"output" json:"output,omitempty"`
}

// 输出类型
const (
	OutputLog   = "log"
	OutputRedis = "redis"
	OutputFile  = "file"
)

// OutputConfig 定义获取结果的去向
type OutputConfig struct {
	Type      string `mapstructure:"type" json:"type"`
	Directory string `mapstructure:"directory" json:"directory,omitempty"`
	Stream    string `mapstructure:"stream" json:"stream,omitempty"`
}

// JobsConfig 定义整个任务配置文件结构
type JobsConfig struct {
	Jobs []JobConfig `mapstructure:"jobs" json:"jobs"`
}

// Job 表示一个已注册的任务
type Job struct {
	ID         string
	Config     JobConfig
	EntryID    cron.EntryID
	Status     JobStatus
	LastRun    *time.Time
	NextRun    *time.Time
	RunCount   int64
	ErrorCount int64
	LastError  error
}

// JobStatus 任务状态
type JobStatus string

const (
	JobStatusPending  JobStatus = "pending"
	JobStatusRunning  JobStatus = "running"
	JobStatusStopped  JobStatus = "stopped"
	JobStatusError    JobStatus = "error"
	JobStatusDisabled JobStatus = "disabled"
)

// JobExecutor 任务执行器接口
type JobExecutor interface {
	Execute(ctx context.Context, job *Job) error
}

// JobScheduler 任务调度器接口
type JobScheduler interface {
	// 加载配置
	LoadConfig(configPath string) error

	// 启动调度器
	Start() error

	// 停止调度器
	Stop() error

	// 添加任务
	AddJob(config JobConfig) error

	// 移除任务
	RemoveJob(jobName string) error

	// 获取任务状态
	GetJob(jobName string) (*Job, error)

	// 获取所有任务
	GetAllJobs() []*Job

	// 手动执行任务
	RunJob(jobName string) error

	// 设置任务执行器
	SetExecutor(executor JobExecutor)
}
