package app

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"taskforge/pkg/fetcher"
	"taskforge/pkg/logger"

	"github.com/sirupsen/logrus"
)

// RefreshOptions 单次刷新选项
type RefreshOptions struct {
	Force  bool
	DryRun bool
}

// RefreshReport 单个端点的刷新结果
type RefreshReport struct {
	Endpoint  string         `json:"endpoint"`
	Reason    string         `json:"reason"`
	Refreshed bool           `json:"refreshed"`
	Source    fetcher.Source `json:"source,omitempty"`
	Degraded  bool           `json:"degraded"`
	Count     int            `json:"count"`
}

// 刷新原因
const (
	ReasonForced = "forced"
	ReasonEmpty  = "empty"
	ReasonStale  = "stale"
	ReasonFresh  = "fresh"
)

// RefreshEndpoint 缓存为空、已过期或强制时才刷新，DryRun 只报告是否需要刷新
func RefreshEndpoint(ctx context.Context, f *fetcher.Fetcher, opts RefreshOptions) RefreshReport {
	status := f.Status(ctx)
	report := RefreshReport{Endpoint: f.Endpoint(), Count: status.Cache.Count}

	switch {
	case opts.Force:
		report.Reason = ReasonForced
	case !status.Cache.Present:
		report.Reason = ReasonEmpty
	case status.Cache.Stale:
		report.Reason = ReasonStale
	default:
		report.Reason = ReasonFresh
	}

	log := logger.WithComponent("cache_refresh").WithFields(logrus.Fields{
		"event":    "cache_refresh",
		"endpoint": report.Endpoint,
		"reason":   report.Reason,
		"dry_run":  opts.DryRun,
	})

	if report.Reason == ReasonFresh || opts.DryRun {
		log.WithField("count", report.Count).Info("跳过刷新")
		return report
	}

	result := f.GetRecords(ctx, opts.Force)
	report.Refreshed = true
	report.Source = result.Source
	report.Degraded = result.Degraded
	report.Count = len(result.Records)

	log = log.WithFields(logrus.Fields{
		"source":   result.Source,
		"degraded": result.Degraded,
		"count":    report.Count,
		"attempts": result.Attempts,
	})
	if result.Degraded {
		log.Warn("刷新未能获取实时数据")
	} else {
		log.Info("刷新完成")
	}
	return report
}

// WriteJSON 以缩进 JSON 写出 v，写入失败时返回错误
func WriteJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("写出 JSON 失败: %w", err)
	}
	return nil
}
