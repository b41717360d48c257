package middleware

import (
	"strconv"
	"time"

	"github.com/apk-analysis/apk-secscan/internal/domain"
	"github.com/apk-analysis/apk-secscan/internal/toolrunner"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// PrometheusMetrics Prometheus 指标收集器
//
// 同时实现 domain.EventSink，直接消费扫描事件。
type PrometheusMetrics struct {
	logger *logrus.Logger

	// HTTP 请求指标
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	// 扫描指标
	scansSubmitted  prometheus.Counter
	scansTotal      *prometheus.CounterVec
	scansInProgress prometheus.Gauge
	scanDuration    *prometheus.HistogramVec
	findingsTotal   prometheus.Counter
	stageFailures   *prometheus.CounterVec

	// 引擎与外部工具
	engineRunsTotal *prometheus.CounterVec
	engineDuration  *prometheus.HistogramVec
	toolRunsTotal   *prometheus.CounterVec
	toolDuration    *prometheus.HistogramVec

	// 系统与队列
	memoryUsage         prometheus.Gauge
	goroutinesCount     prometheus.Gauge
	gcCount             prometheus.Gauge
	workerPoolQueueSize prometheus.Gauge
	brokerQueueDepth    prometheus.Gauge
}

// NewPrometheusMetrics 创建 Prometheus 指标收集器
func NewPrometheusMetrics(logger *logrus.Logger, namespace string) *PrometheusMetrics {
	if namespace == "" {
		namespace = "apk_secscan"
	}

	pm := &PrometheusMetrics{
		logger: logger,

		httpRequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		httpRequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request latencies in seconds",
				Buckets:   []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5, 10},
			},
			[]string{"method", "path"},
		),

		scansSubmitted: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "scans_submitted_total",
				Help:      "Total number of submitted scans",
			},
		),
		scansTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "scans_total",
				Help:      "Total number of finished scans by report status",
			},
			[]string{"status"}, // COMPLETED, FAILED, error
		),
		scansInProgress: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "scans_in_progress",
				Help:      "Number of scans currently running",
			},
		),
		scanDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "scan_duration_seconds",
				Help:      "Scan pipeline duration in seconds",
				Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600},
			},
			[]string{"status"},
		),
		findingsTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "findings_total",
				Help:      "Total number of reported findings",
			},
		),
		stageFailures: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "stage_failures_total",
				Help:      "Total number of failed pipeline stages",
			},
			[]string{"stage"},
		),

		engineRunsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "engine_runs_total",
				Help:      "Total number of detection engine runs",
			},
			[]string{"engine", "status"}, // ok, failed
		),
		engineDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "engine_duration_seconds",
				Help:      "Detection engine duration in seconds",
				Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 300},
			},
			[]string{"engine"},
		),
		toolRunsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tool_invocations_total",
				Help:      "Total number of external tool invocations",
			},
			[]string{"tool", "result"}, // ok, failed, unavailable
		),
		toolDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "tool_duration_seconds",
				Help:      "External tool duration in seconds",
				Buckets:   []float64{0.5, 1, 5, 10, 30, 60, 180, 600},
			},
			[]string{"tool"},
		),

		memoryUsage: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "memory_usage_bytes",
				Help:      "Current memory usage in bytes",
			},
		),
		goroutinesCount: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "goroutines_count",
				Help:      "Current number of goroutines",
			},
		),
		gcCount: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "gc_count",
				Help:      "Number of completed GC cycles",
			},
		),
		workerPoolQueueSize: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "worker_pool_queue_size",
				Help:      "Number of scans waiting in the worker pool",
			},
		),
		brokerQueueDepth: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "broker_queue_depth",
				Help:      "Number of scan messages waiting in RabbitMQ",
			},
		),
	}

	logger.Info("Prometheus metrics initialized")
	return pm
}

// HTTPMiddleware HTTP 请求监控中间件
func (pm *PrometheusMetrics) HTTPMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}

		pm.httpRequestsTotal.WithLabelValues(c.Request.Method, path, status).Inc()
		pm.httpRequestDuration.WithLabelValues(c.Request.Method, path).Observe(duration)
	}
}

// Handler 返回 Prometheus HTTP Handler
func (pm *PrometheusMetrics) Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// Emit 消费扫描事件
func (pm *PrometheusMetrics) Emit(e domain.ScanEvent) {
	switch e.Stage {
	case domain.StageExtract:
		if e.Status == "started" {
			pm.scansInProgress.Inc()
		}
	case domain.StageEngine:
		if e.Status == "ok" || e.Status == "failed" {
			pm.engineRunsTotal.WithLabelValues(e.Name, e.Status).Inc()
			pm.engineDuration.WithLabelValues(e.Name).Observe(float64(e.DurationMs) / 1000)
		}
	case domain.StageReport:
		pm.scansInProgress.Dec()
		pm.scansTotal.WithLabelValues(e.Status).Inc()
		pm.scanDuration.WithLabelValues(e.Status).Observe(float64(e.DurationMs) / 1000)
		pm.findingsTotal.Add(float64(e.Findings))
		return
	}
	if e.Status == "failed" {
		pm.stageFailures.WithLabelValues(string(e.Stage)).Inc()
	}
}

// ObserveTool 外部工具调用回调，挂到 toolrunner.Runner.SetObserver
func (pm *PrometheusMetrics) ObserveTool(res *toolrunner.Result) {
	result := "ok"
	switch {
	case !res.Ran:
		result = "unavailable"
	case !res.OK:
		result = "failed"
	}
	pm.toolRunsTotal.WithLabelValues(res.Tool, result).Inc()
	if res.Ran {
		pm.toolDuration.WithLabelValues(res.Tool).Observe(float64(res.DurationMs) / 1000)
	}
}

// RecordScanSubmitted 记录扫描提交
func (pm *PrometheusMetrics) RecordScanSubmitted() {
	pm.scansSubmitted.Inc()
}

// UpdateMemoryStats 更新内存统计
func (pm *PrometheusMetrics) UpdateMemoryStats(stats MemoryStats) {
	pm.memoryUsage.Set(float64(stats.Alloc))
	pm.goroutinesCount.Set(float64(stats.Goroutines))
	pm.gcCount.Set(float64(stats.NumGC))
}

// UpdateQueueStats 更新 worker 池与 broker 队列长度
func (pm *PrometheusMetrics) UpdateQueueStats(poolQueued, brokerDepth int) {
	pm.workerPoolQueueSize.Set(float64(poolQueued))
	pm.brokerQueueDepth.Set(float64(brokerDepth))
}
