package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/apk-analysis/apk-secscan/internal/domain"
	"github.com/sirupsen/logrus"
)

// ErrQueueFull 等待队列已满
var ErrQueueFull = errors.New("task queue is full")

// Executor 执行一次已登记的扫描
type Executor interface {
	Execute(ctx context.Context, scanID string, sink domain.EventSink) (*domain.UnifiedReport, error)
}

// Job 扫描任务
type Job struct {
	ScanID   string
	resultCh chan error // 用于同步等待任务完成
}

// Pool 扫描 Worker 池，限制同时执行的扫描数量
type Pool struct {
	workers int
	jobs    chan *Job
	exec    Executor
	sink    domain.EventSink
	logger  *logrus.Logger
	wg      sync.WaitGroup

	stopOnce sync.Once
}

// NewPool 创建 Worker 池
func NewPool(workers, queueSize int, exec Executor, sink domain.EventSink, logger *logrus.Logger) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if queueSize <= 0 {
		queueSize = 100
	}
	if sink == nil {
		sink = domain.NopSink{}
	}
	return &Pool{
		workers: workers,
		jobs:    make(chan *Job, queueSize),
		exec:    exec,
		sink:    sink,
		logger:  logger,
	}
}

// Start 启动 Worker 池
func (p *Pool) Start(ctx context.Context) {
	p.logger.WithField("workers", p.workers).Info("Starting worker pool")

	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}
}

func (p *Pool) worker(ctx context.Context, id int) {
	defer p.wg.Done()

	for {
		select {
		case <-ctx.Done():
			p.logger.WithField("worker_id", id).Info("Worker shutting down")
			return

		case job, ok := <-p.jobs:
			if !ok {
				return
			}

			err := p.run(ctx, id, job)
			if job.resultCh != nil {
				job.resultCh <- err
				close(job.resultCh)
			}
		}
	}
}

// run 执行单个任务，panic 转为错误
func (p *Pool) run(ctx context.Context, workerID int, job *Job) (err error) {
	log := p.logger.WithFields(logrus.Fields{
		"worker_id": workerID,
		"scan_id":   job.ScanID,
	})
	defer func() {
		if r := recover(); r != nil {
			log.WithField("stack", string(debug.Stack())).Errorf("Scan panicked: %v", r)
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	log.Info("Processing scan")
	report, err := p.exec.Execute(ctx, job.ScanID, p.sink)
	if err != nil {
		log.WithError(err).Error("Scan execution failed")
		return err
	}
	log.WithFields(logrus.Fields{
		"status":   report.Status,
		"findings": len(report.Findings),
	}).Info("Scan completed")
	return nil
}

// Submit 提交任务（异步，不等待结果）
func (p *Pool) Submit(scanID string) error {
	select {
	case p.jobs <- &Job{ScanID: scanID}:
		p.logger.WithField("scan_id", scanID).Debug("Scan submitted to pool")
		return nil
	default:
		return ErrQueueFull
	}
}

// SubmitAndWait 提交任务并等待完成
func (p *Pool) SubmitAndWait(ctx context.Context, scanID string) error {
	job := &Job{ScanID: scanID, resultCh: make(chan error, 1)}

	select {
	case p.jobs <- job:
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-job.resultCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop 不再接收任务，等待已排队的任务执行完
func (p *Pool) Stop() {
	p.stopOnce.Do(func() {
		p.logger.Info("Stopping worker pool")
		close(p.jobs)
		p.wg.Wait()
		p.logger.Info("Worker pool stopped")
	})
}

// QueueSize 等待执行的任务数
func (p *Pool) QueueSize() int {
	return len(p.jobs)
}
