package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"taskforge/pkg/app"
	"taskforge/pkg/config"
	"taskforge/pkg/fetcher"
	"taskforge/pkg/logger"
)

var (
	configPath = flag.String("config", "", "配置文件路径（默认查找 config/taskforge.yaml）")
	endpoint   = flag.String("endpoint", "", "只处理指定端点（默认全部）")
	force      = flag.Bool("force", false, "忽略缓存强制刷新")
	dryRun     = flag.Bool("dry-run", false, "只报告是否需要刷新")
	status     = flag.Bool("status", false, "打印端点状态后退出")
	timeout    = flag.Duration("timeout", 5*time.Minute, "整体超时")
)

func main() {
	flag.Parse()
	os.Exit(run())
}

// run 返回退出码：0 成功，1 出错，2 至少一个端点降级
func run() int {
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "加载配置失败: %v\n", err)
		return 1
	}
	// 单次运行不需要上报指标
	cfg.Metrics.Enabled = false
	cfg.InfluxDB.Enabled = false
	logger.Init(cfg.Logger)
	log := logger.WithComponent("cache_refresh")

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	rt, err := app.Build(ctx, cfg, nil)
	if err != nil {
		log.WithError(err).Error("初始化失败")
		return 1
	}
	defer rt.Close()

	fetchers, err := selectFetchers(rt, *endpoint)
	if err != nil {
		log.Error(err.Error())
		return 1
	}

	if *status {
		statuses := make([]fetcher.Status, 0, len(fetchers))
		for _, f := range fetchers {
			statuses = append(statuses, f.Status(ctx))
		}
		if err := app.WriteJSON(os.Stdout, statuses); err != nil {
			log.WithError(err).Error("输出状态失败")
			return 1
		}
		return 0
	}

	reports := make([]app.RefreshReport, 0, len(fetchers))
	degraded := false
	for _, f := range fetchers {
		r := app.RefreshEndpoint(ctx, f, app.RefreshOptions{Force: *force, DryRun: *dryRun})
		degraded = degraded || r.Degraded
		reports = append(reports, r)
	}
	if err := app.WriteJSON(os.Stdout, reports); err != nil {
		log.WithError(err).Error("输出刷新结果失败")
		return 1
	}

	if degraded {
		return 2
	}
	return 0
}

func selectFetchers(rt *app.Runtime, name string) ([]*fetcher.Fetcher, error) {
	if name != "" {
		f, ok := rt.Fetcher(name)
		if !ok {
			return nil, fmt.Errorf("未知或已停用的端点: %s", name)
		}
		return []*fetcher.Fetcher{f}, nil
	}
	names := rt.Manager.Names()
	out := make([]*fetcher.Fetcher, 0, len(names))
	for _, n := range names {
		f, _ := rt.Fetcher(n)
		out = append(out, f)
	}
	return out, nil
}
