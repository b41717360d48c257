package queue

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"
)

// ScanHandler 处理一条扫描消息
type ScanHandler func(ctx context.Context, msg *ScanMessage) error

// Source 消息来源
type Source interface {
	Consume() (<-chan amqp.Delivery, error)
	Reconnected() <-chan struct{}
}

// Consumer 扫描消息消费者
type Consumer struct {
	src     Source
	handler ScanHandler
	workers int
	logger  *logrus.Logger

	wg     sync.WaitGroup
	active int32
	mu     sync.Mutex
	cancel context.CancelFunc
}

// NewConsumer 创建消费者
func NewConsumer(src Source, handler ScanHandler, workers int, logger *logrus.Logger) *Consumer {
	if workers <= 0 {
		workers = 1
	}
	return &Consumer{
		src:     src,
		handler: handler,
		workers: workers,
		logger:  logger,
	}
}

// Start 启动消费，连接恢复后自动重新订阅
func (c *Consumer) Start(ctx context.Context) error {
	if err := c.subscribe(ctx); err != nil {
		return err
	}

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-c.src.Reconnected():
				c.logger.Warn("Broker reconnected, restarting consumer")
				c.stopWorkers()
				if err := c.subscribe(ctx); err != nil {
					c.logger.WithError(err).Error("Failed to restart consumer")
				}
			}
		}
	}()
	return nil
}

func (c *Consumer) subscribe(ctx context.Context) error {
	msgs, err := c.src.Consume()
	if err != nil {
		return fmt.Errorf("failed to start consuming: %w", err)
	}

	workerCtx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()

	for i := 0; i < c.workers; i++ {
		c.wg.Add(1)
		go c.worker(workerCtx, i, msgs)
	}
	c.logger.WithField("workers", c.workers).Info("Consumer started")
	return nil
}

func (c *Consumer) worker(ctx context.Context, id int, msgs <-chan amqp.Delivery) {
	defer c.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-msgs:
			if !ok {
				c.logger.WithField("worker_id", id).Warn("Message channel closed")
				return
			}
			atomic.AddInt32(&c.active, 1)
			c.process(ctx, id, d)
			atomic.AddInt32(&c.active, -1)
		}
	}
}

// process 处理单条消息；失败的消息不重新入队
func (c *Consumer) process(ctx context.Context, workerID int, d amqp.Delivery) {
	start := time.Now()

	msg, err := DecodeScanMessage(d.Body)
	if err != nil {
		c.logger.WithError(err).Error("Dropping malformed message")
		if nerr := d.Nack(false, false); nerr != nil {
			c.logger.WithError(nerr).Error("Failed to nack message")
		}
		return
	}

	log := c.logger.WithFields(logrus.Fields{
		"worker_id": workerID,
		"scan_id":   msg.ScanID,
	})
	log.Info("Processing scan message")

	if err := c.handler(ctx, msg); err != nil {
		log.WithError(err).Error("Scan message processing failed")
		if nerr := d.Nack(false, false); nerr != nil {
			log.WithError(nerr).Error("Failed to nack message")
		}
		return
	}

	if err := d.Ack(false); err != nil {
		log.WithError(err).Error("Failed to acknowledge message")
	}
	log.WithField("duration_ms", time.Since(start).Milliseconds()).Info("Scan message done")
}

func (c *Consumer) stopWorkers() {
	c.mu.Lock()
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.mu.Unlock()
	c.wg.Wait()
}

// Stop 停止消费并等待正在处理的消息结束
func (c *Consumer) Stop() {
	c.logger.Info("Stopping consumer...")
	c.stopWorkers()
	c.logger.Info("Consumer stopped")
}

// ActiveWorkers 正在处理消息的 worker 数
func (c *Consumer) ActiveWorkers() int {
	return int(atomic.LoadInt32(&c.active))
}
