package api

import (
	"time"

	"github.com/apk-analysis/apk-secscan/internal/api/handlers"
	"github.com/apk-analysis/apk-secscan/internal/config"
	"github.com/apk-analysis/apk-secscan/internal/middleware"
	"github.com/apk-analysis/apk-secscan/internal/service"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// Version 服务版本
const Version = "1.0.0"

// Deps 路由依赖
type Deps struct {
	Service    service.ScanService
	Dispatcher handlers.Dispatcher
	Hub        *handlers.ProgressHub
	Metrics    *middleware.PrometheusMetrics // 可为空
	Memory     *middleware.MemoryMonitor     // 可为空
	Logger     *logrus.Logger
}

// SetupRouter 注册全部路由
func SetupRouter(cfg *config.ServerConfig, deps Deps) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()

	r.Use(gin.Recovery())
	r.Use(LoggerMiddleware(deps.Logger))
	r.Use(CORSMiddleware())
	if deps.Metrics != nil {
		r.Use(deps.Metrics.HTTPMiddleware())
		r.GET("/metrics/prometheus", deps.Metrics.Handler())
	}
	if deps.Memory != nil {
		r.GET("/metrics", deps.Memory.MetricsEndpoint())
	}

	scanHandler := handlers.NewScanHandler(deps.Service, deps.Dispatcher, cfg.MaxUploadMB, deps.Logger)
	scanHandler.SetVersion(Version)
	if deps.Metrics != nil {
		scanHandler.OnSubmit(deps.Metrics.RecordScanSubmitted)
	}

	v1 := r.Group("/api")
	{
		// 健康检查（无需认证）
		v1.GET("/health", func(c *gin.Context) {
			c.JSON(200, gin.H{
				"status":  "ok",
				"version": Version,
			})
		})

		authed := v1.Group("", middleware.TokenAuth(cfg.APIToken))
		authed.GET("/engines", scanHandler.ListEngines)
		authed.POST("/scans", scanHandler.SubmitScan)
		authed.GET("/scans", scanHandler.ListScans)
		authed.GET("/scans/:id", scanHandler.GetScan)
		authed.GET("/scans/:id/findings", scanHandler.ListFindings)
		authed.GET("/scans/:id/sarif", scanHandler.GetSARIF)
		authed.DELETE("/scans/:id", scanHandler.DeleteScan)
		authed.GET("/scans/:id/ws", deps.Hub.HandleWebSocket)
	}

	return r
}

// LoggerMiddleware 日志中间件
func LoggerMiddleware(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		startTime := time.Now()

		c.Next()

		logger.WithFields(logrus.Fields{
			"status":  c.Writer.Status(),
			"method":  c.Request.Method,
			"path":    c.Request.URL.Path,
			"latency": time.Since(startTime).Milliseconds(),
		}).Info("HTTP Request")
	}
}

// CORSMiddleware CORS 中间件
func CORSMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	}
}
