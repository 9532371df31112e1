// Package web 提供运行分发与监控的HTTP接口
// 所有运行时进度通过SSE推送，接口本身保持无状态
package web

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"llm-fanout/config"
	"llm-fanout/internal/events"
	"llm-fanout/internal/orchestrator"
	"llm-fanout/internal/tracking"

	"github.com/gin-gonic/gin"
)

// WebServer represents the HTTP API server
type WebServer struct {
	server       *http.Server
	engine       *gin.Engine
	logger       *slog.Logger
	config       *config.Config
	orchestrator *orchestrator.Orchestrator
	eventBus     events.EventBus
	usageTracker *tracking.UsageTracker
	startTime    time.Time

	// 同一时刻只允许一次运行在途
	runMu     sync.Mutex
	runActive bool
}

// NewWebServer creates a new HTTP API server
func NewWebServer(cfg *config.Config, orch *orchestrator.Orchestrator, eventBus events.EventBus, usageTracker *tracking.UsageTracker, logger *slog.Logger, startTime time.Time) *WebServer {
	// 设置gin为release模式以减少日志输出
	gin.SetMode(gin.ReleaseMode)

	engine := gin.New()
	engine.Use(ginLoggerMiddleware(logger))
	engine.Use(gin.Recovery())

	ws := &WebServer{
		engine:       engine,
		logger:       logger,
		config:       cfg,
		orchestrator: orch,
		eventBus:     eventBus,
		usageTracker: usageTracker,
		startTime:    startTime,
	}

	ws.setupRoutes()
	return ws
}

// Start启动Web服务器
func (ws *WebServer) Start() error {
	addr := fmt.Sprintf("%s:%d", ws.config.Web.Host, ws.config.Web.Port)

	ws.server = &http.Server{
		Addr:         addr,
		Handler:      ws.engine,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // SSE连接需要禁用写入超时
		IdleTimeout:  300 * time.Second,
	}

	ws.logger.Info(fmt.Sprintf("🌐 Web接口启动中... - 地址: %s", addr))

	go func() {
		if err := ws.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			ws.logger.Error(fmt.Sprintf("❌ Web服务器启动失败: %v", err))
		}
	}()

	ws.logger.Info(fmt.Sprintf("✅ Web接口启动成功！访问地址: http://%s", addr))
	return nil
}

// Stop优雅关闭Web服务器
func (ws *WebServer) Stop(ctx context.Context) error {
	if ws.server == nil {
		return nil
	}

	ws.logger.Info("🛑 正在关闭Web服务器...")
	err := ws.server.Shutdown(ctx)
	if err != nil {
		ws.logger.Error(fmt.Sprintf("❌ Web服务器关闭失败: %v", err))
	} else {
		ws.logger.Info("✅ Web服务器已安全关闭")
	}
	return err
}

// UpdateConfig更新配置
func (ws *WebServer) UpdateConfig(newConfig *config.Config) {
	ws.config = newConfig
	ws.logger.Info("🔄 Web服务器配置已更新")
}

// setupRoutes设置路由
func (ws *WebServer) setupRoutes() {
	ws.engine.GET("/healthz", ws.handleHealthz)

	api := ws.engine.Group("/v1")
	{
		api.POST("/runs", ws.handleRun)
		api.POST("/retry/:provider", ws.handleRetry)
		api.GET("/results", ws.handleResults)
		api.GET("/events", ws.handleSSE)
		api.GET("/stats", ws.handleStats)
		api.GET("/usage/summary", ws.handleUsageSummary)
		api.GET("/usage/recent", ws.handleUsageRecent)
	}
}

// ginLoggerMiddleware创建gin的日志中间件
func ginLoggerMiddleware(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		raw := c.Request.URL.RawQuery

		c.Next()

		latency := time.Since(start)

		if c.Request.Method != "GET" || !strings.Contains(path, "/events") {
			clientIP := c.ClientIP()
			method := c.Request.Method
			statusCode := c.Writer.Status()

			if raw != "" {
				path = path + "?" + raw
			}

			if statusCode >= 400 {
				logger.Warn(fmt.Sprintf("🌐 Web请求 %s %s %d %v %s",
					method, path, statusCode, latency, clientIP))
			} else {
				logger.Debug(fmt.Sprintf("🌐 Web请求 %s %s %d %v %s",
					method, path, statusCode, latency, clientIP))
			}
		}
	}
}
