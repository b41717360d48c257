package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/apk-analysis/apk-secscan/internal/api"
	"github.com/apk-analysis/apk-secscan/internal/api/handlers"
	"github.com/apk-analysis/apk-secscan/internal/config"
	"github.com/apk-analysis/apk-secscan/internal/domain"
	"github.com/apk-analysis/apk-secscan/internal/middleware"
	"github.com/apk-analysis/apk-secscan/internal/queue"
	"github.com/apk-analysis/apk-secscan/internal/repository"
	"github.com/apk-analysis/apk-secscan/internal/scanner"
	"github.com/apk-analysis/apk-secscan/internal/service"
	"github.com/apk-analysis/apk-secscan/internal/watcher"
	"github.com/apk-analysis/apk-secscan/internal/worker"
	"github.com/sirupsen/logrus"
)

var (
	Version   = api.Version
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	// 1. 打印版本信息
	fmt.Printf("APK Security Scanner\n")
	fmt.Printf("Version: %s\n", Version)
	fmt.Printf("Build Time: %s\n", BuildTime)
	fmt.Printf("Git Commit: %s\n\n", GitCommit)

	// 2. 加载配置
	configPath := "./configs/config.yaml"
	if len(os.Args) > 1 && os.Args[1] == "--config" && len(os.Args) > 2 {
		configPath = os.Args[2]
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// 3. 初始化日志
	logger := config.InitLogger(&cfg.Log)
	logger.Infof("Starting APK Security Scanner %s", Version)
	logger.Infof("Config loaded from: %s", configPath)

	// 4. 初始化数据库
	db, err := repository.InitDB(&cfg.Database, logger)
	if err != nil {
		logger.Fatalf("Failed to init database: %v", err)
	}
	logger.Info("Database connected successfully")

	scanRepo := repository.NewScanRepository(db, logger)

	// 清理因服务重启而中断的扫描
	if n, err := scanRepo.FailInterrupted(context.Background(), "服务重启，扫描中断"); err != nil {
		logger.WithError(err).Warn("Failed to cleanup interrupted scans")
	} else if n > 0 {
		logger.WithField("count", n).Warn("Marked interrupted scans as failed")
	}

	// 5. 指标
	promMetrics := middleware.NewPrometheusMetrics(logger, "apk_secscan")
	memMonitor := middleware.NewMemoryMonitor(logger, 30*time.Second, promMetrics.UpdateMemoryStats)
	memMonitor.Start()
	defer memMonitor.Stop()
	logger.Info("Memory monitor started")

	// 6. 初始化扫描流水线
	pipeline, err := scanner.FromConfig(&cfg.Scan, promMetrics.ObserveTool, logger)
	if err != nil {
		logger.Fatalf("Failed to build scan pipeline: %v", err)
	}

	scanService := service.NewScanService(scanRepo, pipeline, cfg.Server.UploadDir, logger,
		service.WithDefaults(cfg.Scan.EnabledEngines, cfg.Scan.Apktool.Mode))

	// 7. 初始化 Worker Pool，进度事件同时推送到 WebSocket 和指标
	hub := handlers.NewProgressHub(logger)
	sink := domain.MultiSink{hub, promMetrics}

	workerPool := worker.NewPool(cfg.Worker.Concurrency, cfg.Worker.QueueSize, scanService, sink, logger)
	workerPool.Start(context.Background())
	defer workerPool.Stop()
	logger.Infof("Worker pool started with %d workers", cfg.Worker.Concurrency)

	// 8. 选择分发方式：RabbitMQ 或进程内队列
	var dispatcher handlers.Dispatcher = &poolDispatcher{pool: workerPool}
	var broker *queue.Broker
	if cfg.RabbitMQ.Enabled {
		broker, err = queue.NewBroker(context.Background(), cfg.RabbitMQ.URL(), cfg.RabbitMQ.Queue, cfg.Worker.Concurrency, logger)
		if err != nil {
			logger.Fatalf("Failed to init RabbitMQ: %v", err)
		}
		defer broker.Close()

		producer := queue.NewProducer(broker, logger)
		dispatcher = &queueDispatcher{producer: producer}

		consumer := queue.NewConsumer(broker, createScanHandler(workerPool, logger), cfg.Worker.Concurrency, logger)
		if err := consumer.Start(context.Background()); err != nil {
			logger.Fatalf("Failed to start consumer: %v", err)
		}
		defer consumer.Stop()
		logger.WithField("queue", cfg.RabbitMQ.Queue).Info("RabbitMQ consumer started")
	} else {
		logger.Info("RabbitMQ disabled, using in-process queue")
	}

	// 重新分发排队中的扫描（以数据库为准重建队列）
	if err := requeueScans(context.Background(), scanRepo, dispatcher, logger); err != nil {
		logger.WithError(err).Warn("Failed to requeue queued scans")
	}

	// 队列深度指标
	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		for range ticker.C {
			depth := 0
			if broker != nil {
				if n, err := broker.QueueDepth(); err == nil {
					depth = n
				}
			}
			promMetrics.UpdateQueueStats(workerPool.QueueSize(), depth)
		}
	}()

	// 9. 启动投递目录监控
	if cfg.Scan.InboundDir != "" {
		inbound, err := watcher.New(cfg.Scan.InboundDir, watcher.Options{ScanExisting: true},
			createFileHandler(scanService, dispatcher, promMetrics, logger), logger)
		if err != nil {
			logger.Fatalf("Failed to create inbound watcher: %v", err)
		}
		if err := inbound.Start(context.Background()); err != nil {
			logger.Fatalf("Failed to start inbound watcher: %v", err)
		}
		defer inbound.Stop()
		logger.Infof("Inbound watcher started for directory: %s", cfg.Scan.InboundDir)
	}

	// 10. 设置 HTTP Server
	router := api.SetupRouter(&cfg.Server, api.Deps{
		Service:    scanService,
		Dispatcher: dispatcher,
		Hub:        hub,
		Metrics:    promMetrics,
		Memory:     memMonitor,
		Logger:     logger,
	})
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  10 * time.Minute, // 支持大文件上传
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Infof("HTTP server listening on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("HTTP server error: %v", err)
		}
	}()

	// 11. 等待中断信号
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("Shutting down gracefully...")

	delay := config.Seconds(cfg.Server.ShutdownDelay)
	if delay <= 0 {
		delay = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), delay)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Errorf("HTTP server shutdown error: %v", err)
	}

	if sqlDB, err := db.DB(); err == nil {
		defer sqlDB.Close()
	}
	logger.Info("Server stopped")
}

// poolDispatcher 直接提交到进程内 Worker Pool
type poolDispatcher struct {
	pool *worker.Pool
}

func (d *poolDispatcher) Dispatch(_ context.Context, scan *domain.Scan) error {
	return d.pool.Submit(scan.ID)
}

// queueDispatcher 发布到 RabbitMQ，由 consumer 交给 Worker Pool
type queueDispatcher struct {
	producer *queue.Producer
}

func (d *queueDispatcher) Dispatch(ctx context.Context, scan *domain.Scan) error {
	return d.producer.PublishScan(ctx, queue.NewScanMessage(scan))
}

// createScanHandler 消息处理器：同步等待扫描结束后再 ack
func createScanHandler(workerPool *worker.Pool, logger *logrus.Logger) queue.ScanHandler {
	return func(ctx context.Context, msg *queue.ScanMessage) error {
		logger.WithFields(logrus.Fields{
			"scan_id":  msg.ScanID,
			"apk_name": msg.APKName,
		}).Info("Received scan from RabbitMQ, submitting to worker pool")

		return workerPool.SubmitAndWait(ctx, msg.ScanID)
	}
}

// createFileHandler 投递目录中出现的新 APK 直接创建扫描
func createFileHandler(svc service.ScanService, dispatcher handlers.Dispatcher, metrics *middleware.PrometheusMetrics, logger *logrus.Logger) watcher.FileHandler {
	return func(ctx context.Context, filePath string) error {
		logger.WithFields(logrus.Fields{
			"file_path": filePath,
			"file_name": filepath.Base(filePath),
		}).Info("New APK file detected")

		scan, err := svc.SubmitFile(ctx, filePath, service.SubmitOptions{})
		if err != nil {
			return fmt.Errorf("failed to create scan: %w", err)
		}
		if err := dispatcher.Dispatch(ctx, scan); err != nil {
			return fmt.Errorf("failed to dispatch scan: %w", err)
		}
		metrics.RecordScanSubmitted()
		return nil
	}
}

// requeueScans 服务启动时重新分发 queued 状态的扫描
func requeueScans(ctx context.Context, repo repository.ScanRepository, dispatcher handlers.Dispatcher, logger *logrus.Logger) error {
	scans, err := repo.ListQueued(ctx)
	if err != nil {
		return fmt.Errorf("failed to list queued scans: %w", err)
	}
	if len(scans) == 0 {
		return nil
	}

	requeued := 0
	for _, scan := range scans {
		if err := dispatcher.Dispatch(ctx, scan); err != nil {
			logger.WithError(err).WithField("scan_id", scan.ID).Warn("Failed to requeue scan")
			continue
		}
		requeued++
	}
	logger.WithFields(logrus.Fields{
		"total":    len(scans),
		"requeued": requeued,
	}).Info("Queued scans redistributed")
	return nil
}
