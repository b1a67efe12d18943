package scheduler

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"taskforge/pkg/fetcher"
	"taskforge/pkg/logger"
	"taskforge/pkg/message"
	"taskforge/pkg/timing"

	"github.com/sirupsen/logrus"
)

// RecordFetcher 单个端点的获取入口
type RecordFetcher interface {
	GetRecords(ctx context.Context, force bool) *fetcher.Result
}

// FetcherLookup 按端点名查找获取器
type FetcherLookup func(endpoint string) (RecordFetcher, bool)

// Publisher 发布记录批次
type Publisher interface {
	Publish(ctx context.Context, stream string, msg *message.MessageFormat) (string, error)
}

// RefreshExecutor 刷新端点并把结果发往任务配置的输出
type RefreshExecutor struct {
	lookup    FetcherLookup
	publisher Publisher
	producer  string
	clock     timing.TimeService
	log       *logrus.Entry
}

// NewRefreshExecutor 创建执行器，publisher 可以为 nil，此时 redis 输出会报错
func NewRefreshExecutor(lookup FetcherLookup, publisher Publisher, producer string, clock timing.TimeService) *RefreshExecutor {
	if clock == nil {
		clock = timing.SystemClock()
	}
	return &RefreshExecutor{
		lookup:    lookup,
		publisher: publisher,
		producer:  producer,
		clock:     clock,
		log:       logger.WithComponent("executor"),
	}
}

// Execute 实现 JobExecutor。降级但仍有数据的结果照常输出，
// 降级且没有任何数据时返回错误以便任务记录失败。
func (e *RefreshExecutor) Execute(ctx context.Context, job *Job) error {
	log := e.log.WithFields(logrus.Fields{
		"job":      job.Config.Name,
		"jobID":    job.ID,
		"endpoint": job.Config.Endpoint,
	})

	f, ok := e.lookup(job.Config.Endpoint)
	if !ok {
		return fmt.Errorf("未知的端点: %s", job.Config.Endpoint)
	}

	result := f.GetRecords(ctx, job.Config.ForceRefresh)
	log = log.WithFields(logrus.Fields{
		"source":   result.Source,
		"degraded": result.Degraded,
		"records":  len(result.Records),
	})
	if result.Degraded {
		log.Warn("端点已降级")
		if len(result.Records) == 0 {
			return fmt.Errorf("端点 %s 降级且没有可用数据", job.Config.Endpoint)
		}
	}

	msg := message.NewRecordBatch(e.producer, result, e.clock.Now())
	msg.SetJobName(job.Config.Name)

	out := job.Config.Output
	if out == nil || out.Type == OutputLog {
		log.Info("刷新完成")
		return nil
	}

	switch out.Type {
	case OutputRedis:
		if e.publisher == nil {
			return fmt.Errorf("未配置 Redis，无法发布任务 %s 的结果", job.Config.Name)
		}
		id, err := e.publisher.Publish(ctx, out.Stream, msg)
		if err != nil {
			return err
		}
		log.WithField("messageID", id).Info("消息发布成功")
	case OutputFile:
		path, err := e.writeFile(out.Directory, msg)
		if err != nil {
			return err
		}
		log.WithField("path", path).Info("结果已写入文件")
	default:
		return fmt.Errorf("不支持的输出类型: %s", out.Type)
	}
	return nil
}

func (e *RefreshExecutor) writeFile(dir string, msg *message.MessageFormat) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("创建输出目录失败: %w", err)
	}
	data, err := msg.ToJSON()
	if err != nil {
		return "", fmt.Errorf("序列化消息失败: %w", err)
	}
	name := fmt.Sprintf("%s-%s.json", msg.Metadata.Endpoint, time.Unix(msg.Header.Timestamp, 0).UTC().Format("20060102T150405Z"))
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		return "", fmt.Errorf("写入输出文件失败: %w", err)
	}
	return path, nil
}
