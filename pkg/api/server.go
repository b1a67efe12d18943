// Package api 提供端点查询和运维的 HTTP 接口
package api

import (
	"context"
	"net/http"
	"sort"
	"strconv"
	"time"

	"taskforge/pkg/breaker"
	"taskforge/pkg/fetcher"
	"taskforge/pkg/logger"
	"taskforge/pkg/provider"
	"taskforge/pkg/provider/fireflies"
	"taskforge/pkg/timing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// Pinger 健康检查
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingFunc 函数形式的 Pinger
type PingFunc func(ctx context.Context) error

func (fn PingFunc) Ping(ctx context.Context) error {
	return fn(ctx)
}

// Options 服务依赖，除 Manager 外都可以为空
type Options struct {
	Store    Pinger
	Checks   map[string]Pinger
	Gatherer prometheus.Gatherer
	Location *time.Location
	Clock    timing.TimeService
}

// Server HTTP 接口
type Server struct {
	manager *provider.Manager
	opts    Options
	log     *logrus.Entry
	server  *http.Server
}

// ErrorResponse 错误响应
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// HealthResponse 健康检查响应
type HealthResponse struct {
	Status    string            `json:"status"`
	Checks    map[string]string `json:"checks"`
	Circuits  map[string]string `json:"circuits"`
	Timestamp time.Time         `json:"timestamp"`
}

// NewServer 创建服务
func NewServer(manager *provider.Manager, opts Options) *Server {
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.Clock == nil {
		opts.Clock = timing.SystemClock()
	}
	return &Server{
		manager: manager,
		opts:    opts,
		log:     logger.WithComponent("api"),
	}
}

// Router 构造路由
func (s *Server) Router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(s.logMiddleware())
	router.Use(corsMiddleware())

	router.GET("/health", s.healthCheck)
	if s.opts.Gatherer != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.opts.Gatherer, promhttp.HandlerOpts{})))
	}

	v1 := router.Group("/api/v1")
	{
		v1.GET("/endpoints", s.listEndpoints)
		v1.GET("/endpoints/:name/status", s.endpointStatus)
		v1.GET("/endpoints/:name/records", s.getRecords)
		v1.DELETE("/endpoints/:name/cache", s.invalidateCache)
		v1.POST("/endpoints/:name/test", s.testConnection)
		v1.POST("/endpoints/:name/credentials/:id/reset", s.resetCredential)
	}
	return router
}

// Start 在后台监听 addr
func (s *Server) Start(addr string) {
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.log.WithField("addr", addr).Info("启动 HTTP 服务")

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.WithError(err).Error("HTTP 服务异常退出")
		}
	}()
}

// Stop 优雅关闭
func (s *Server) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *Server) healthCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	resp := HealthResponse{
		Status:    "ok",
		Checks:    map[string]string{},
		Circuits:  map[string]string{},
		Timestamp: s.opts.Clock.Now(),
	}
	code := http.StatusOK

	if s.opts.Store != nil {
		if err := s.opts.Store.Ping(ctx); err != nil {
			resp.Checks["store"] = err.Error()
			resp.Status = "unhealthy"
			code = http.StatusServiceUnavailable
		} else {
			resp.Checks["store"] = "ok"
		}
	}
	for name, p := range s.opts.Checks {
		if err := p.Ping(ctx); err != nil {
			resp.Checks[name] = err.Error()
			if resp.Status == "ok" {
				resp.Status = "degraded"
			}
		} else {
			resp.Checks[name] = "ok"
		}
	}
	for _, name := range s.manager.Names() {
		f, ok := s.manager.Get(name)
		if !ok {
			continue
		}
		state := f.CircuitState()
		resp.Circuits[name] = string(state)
		if state != breaker.StateClosed && resp.Status == "ok" {
			resp.Status = "degraded"
		}
	}
	c.JSON(code, resp)
}

func (s *Server) listEndpoints(c *gin.Context) {
	statuses := s.manager.Statuses(c.Request.Context())
	sort.Slice(statuses, func(i, j int) bool { return statuses[i].Endpoint < statuses[j].Endpoint })
	c.JSON(http.StatusOK, gin.H{"endpoints": statuses})
}

func (s *Server) endpointStatus(c *gin.Context) {
	f, ok := s.lookup(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, f.Status(c.Request.Context()))
}

// getRecords 支持 force=true 强制刷新，today=true 或 date=YYYY-MM-DD 按会议日期过滤（仅 fireflies）
func (s *Server) getRecords(c *gin.Context) {
	f, ok := s.lookup(c)
	if !ok {
		return
	}

	force, _ := strconv.ParseBool(c.DefaultQuery("force", "false"))
	date := c.Query("date")
	if today, _ := strconv.ParseBool(c.Query("today")); today {
		date = "today"
	}
	day, filter, err := s.parseDay(date)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid_date", Message: err.Error()})
		return
	}
	if filter && f.Kind() != fireflies.Kind {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "unsupported_filter", Message: "date filter is only supported for fireflies endpoints"})
		return
	}

	result := f.GetRecords(c.Request.Context(), force)
	if filter {
		filtered := *result
		filtered.Records = fireflies.FilterByDay(result.Records, day, s.opts.Location)
		result = &filtered
	}

	c.Header("X-Data-Source", string(result.Source))
	c.Header("X-Degraded", strconv.FormatBool(result.Degraded))
	c.JSON(http.StatusOK, gin.H{
		"endpoint":   result.Endpoint,
		"source":     result.Source,
		"degraded":   result.Degraded,
		"fetched_at": result.FetchedAt,
		"attempts":   result.Attempts,
		"count":      len(result.Records),
		"records":    result.Records,
	})
}

func (s *Server) invalidateCache(c *gin.Context) {
	f, ok := s.lookup(c)
	if !ok {
		return
	}
	if err := f.InvalidateCache(c.Request.Context()); err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "cache_error", Message: err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) testConnection(c *gin.Context) {
	f, ok := s.lookup(c)
	if !ok {
		return
	}
	identity, err := f.TestConnection(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusBadGateway, ErrorResponse{Error: "connection_failed", Message: err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"endpoint": f.Endpoint(), "identity": identity})
}

func (s *Server) resetCredential(c *gin.Context) {
	f, ok := s.lookup(c)
	if !ok {
		return
	}
	id := c.Param("id")
	if !f.Pool().Reset(id) {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "not_found", Message: "unknown credential " + id})
		return
	}
	s.log.WithFields(logrus.Fields{"endpoint": f.Endpoint(), "credential": id}).Info("凭据已手动恢复")
	c.Status(http.StatusNoContent)
}

func (s *Server) lookup(c *gin.Context) (*fetcher.Fetcher, bool) {
	name := c.Param("name")
	f, ok := s.manager.Get(name)
	if !ok {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "not_found", Message: "unknown endpoint " + name})
		return nil, false
	}
	return f, true
}

func (s *Server) parseDay(value string) (time.Time, bool, error) {
	switch value {
	case "":
		return time.Time{}, false, nil
	case "today":
		return s.opts.Clock.Now().In(s.opts.Location), true, nil
	}
	day, err := time.ParseInLocation("2006-01-02", value, s.opts.Location)
	if err != nil {
		return time.Time{}, false, err
	}
	return day, true, nil
}

func (s *Server) logMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.WithFields(logrus.Fields{
			"method":   c.Request.Method,
			"path":     c.FullPath(),
			"status":   c.Writer.Status(),
			"duration": time.Since(start).String(),
		}).Debug("HTTP 请求")
	}
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	}
}
