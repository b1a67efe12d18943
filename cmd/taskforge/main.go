package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"taskforge/pkg/api"
	"taskforge/pkg/app"
	"taskforge/pkg/config"
	"taskforge/pkg/logger"
	"taskforge/pkg/scheduler"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

var (
	configPath = flag.String("config", "", "配置文件路径（默认查找 config/taskforge.yaml）")
	jobsPath   = flag.String("jobs", "", "任务配置文件路径（覆盖 scheduler.jobs_file）")
	nodeID     = flag.String("node-id", "", "节点ID（默认自动生成）")
	logLevel   = flag.String("log-level", "", "日志级别（覆盖配置文件）")
)

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "加载配置失败: %v\n", err)
		os.Exit(1)
	}
	if *logLevel != "" {
		cfg.SetLogLevel(*logLevel)
	}
	logger.Init(cfg.Logger)
	log := logger.WithComponent("taskforge")

	if *nodeID == "" {
		*nodeID = "taskforge-" + uuid.New().String()[:8]
	}
	log = log.WithField("nodeID", *nodeID)
	log.Info("启动 TaskForge")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt, err := app.Build(ctx, cfg, nil)
	if err != nil {
		log.WithError(err).Error("初始化失败")
		os.Exit(1)
	}
	defer rt.Close()
	log.Infof("已加载 %d 个端点", rt.Manager.Len())

	// 任务调度
	var publisher scheduler.Publisher
	if rt.Publisher != nil {
		publisher = rt.Publisher
	}
	executor := scheduler.NewRefreshExecutor(func(endpoint string) (scheduler.RecordFetcher, bool) {
		f, ok := rt.Fetcher(endpoint)
		if !ok {
			return nil, false
		}
		return f, true
	}, publisher, *nodeID, rt.Clock)

	jobScheduler := scheduler.NewJobScheduler()
	jobScheduler.SetExecutor(executor)
	jobScheduler.SetEndpointChecker(func(endpoint string) bool {
		_, ok := rt.Fetcher(endpoint)
		return ok
	})

	jobsFile := cfg.Scheduler.JobsFile
	if *jobsPath != "" {
		jobsFile = *jobsPath
	}
	if jobsFile != "" {
		if err := jobScheduler.LoadConfig(jobsFile); err != nil {
			log.WithError(err).Warn("加载任务配置失败，调度器不含任何任务")
		}
	}
	if err := jobScheduler.Start(); err != nil {
		log.WithError(err).Error("启动任务调度器失败")
		os.Exit(1)
	}
	for _, job := range jobScheduler.GetAllJobs() {
		log.Debugf("任务详情: %s (%s) 端点=%s 状态=%s", job.Config.Name, job.Config.Schedule, job.Config.Endpoint, job.Status)
	}

	// HTTP 服务
	var server *api.Server
	if cfg.Server.Enabled {
		gin.SetMode(cfg.Server.Mode)
		loc, err := time.LoadLocation(cfg.Server.Timezone)
		if err != nil {
			log.WithError(err).Warn("无效的时区，使用 UTC")
			loc = time.UTC
		}
		server = api.NewServer(rt.Manager, api.Options{
			Store:    rt.Store,
			Checks:   rt.HealthChecks(),
			Gatherer: rt.Gatherer(),
			Location: loc,
			Clock:    rt.Clock,
		})
		server.Start(":" + cfg.Server.Port)
	}

	log.Info("TaskForge 运行中，按 Ctrl+C 停止...")
	<-ctx.Done()
	log.Info("收到停止信号，正在优雅关闭...")

	if err := jobScheduler.Stop(); err != nil {
		log.WithError(err).Error("停止任务调度器失败")
	}
	if server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := server.Stop(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
			log.WithError(err).Error("HTTP 服务关闭失败")
		}
		cancel()
	}
	log.Info("TaskForge 已停止")
}
