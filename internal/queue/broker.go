package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/apk-analysis/apk-secscan/internal/retry"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"
)

// Broker RabbitMQ 连接，声明一个持久化的扫描队列
type Broker struct {
	url       string
	queueName string
	prefetch  int
	heartbeat time.Duration
	policy    retry.Policy
	logger    *logrus.Logger

	mu        sync.RWMutex
	conn      *amqp.Connection
	channel   *amqp.Channel
	closed    bool
	reconnect chan struct{}
}

// NewBroker 连接 RabbitMQ；prefetch 应与 worker 数量一致
func NewBroker(ctx context.Context, url, queueName string, prefetch int, logger *logrus.Logger) (*Broker, error) {
	if prefetch <= 0 {
		prefetch = 1
	}
	policy := retry.DefaultPolicy("rabbitmq connect", logger)
	policy.MaxAttempts = 5

	b := &Broker{
		url:       url,
		queueName: queueName,
		prefetch:  prefetch,
		heartbeat: 10 * time.Second,
		policy:    policy,
		logger:    logger,
		reconnect: make(chan struct{}, 1),
	}
	if err := retry.Do(ctx, b.policy, func(context.Context) error { return b.connect() }); err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	go b.watch()
	return b, nil
}

// connect 建立连接和 channel 并声明队列
func (b *Broker) connect() error {
	conn, err := amqp.DialConfig(b.url, amqp.Config{
		Heartbeat: b.heartbeat,
		Locale:    "en_US",
	})
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("open channel: %w", err)
	}
	if err := ch.Qos(b.prefetch, 0, false); err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("set QoS: %w", err)
	}
	if _, err := ch.QueueDeclare(
		b.queueName,
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,
	); err != nil {
		ch.Close()
		conn.Close()
		// 队列参数与已存在的队列冲突，重试无意义
		return retry.Permanent(fmt.Errorf("declare queue %s: %w", b.queueName, err))
	}

	b.mu.Lock()
	b.conn = conn
	b.channel = ch
	b.mu.Unlock()

	b.logger.WithFields(logrus.Fields{
		"queue":    b.queueName,
		"prefetch": b.prefetch,
	}).Info("Connected to RabbitMQ")
	return nil
}

// watch 连接断开时重连，成功后通知消费者
func (b *Broker) watch() {
	for {
		b.mu.RLock()
		conn := b.conn
		b.mu.RUnlock()
		if conn == nil {
			return
		}

		amqpErr, ok := <-conn.NotifyClose(make(chan *amqp.Error, 1))
		b.mu.RLock()
		closed := b.closed
		b.mu.RUnlock()
		if closed {
			return
		}
		if ok && amqpErr != nil {
			b.logger.WithError(amqpErr).Error("RabbitMQ connection closed unexpectedly")
		} else {
			b.logger.Warn("RabbitMQ connection closed")
		}

		policy := b.policy
		policy.Op = "rabbitmq reconnect"
		policy.MaxAttempts = 10
		if err := retry.Do(context.Background(), policy, func(context.Context) error { return b.connect() }); err != nil {
			b.logger.WithError(err).Error("Giving up reconnecting to RabbitMQ")
			return
		}

		select {
		case b.reconnect <- struct{}{}:
		default:
		}
	}
}

// Reconnected 重连成功后收到信号
func (b *Broker) Reconnected() <-chan struct{} {
	return b.reconnect
}

// Publish 发布一条持久化消息
func (b *Broker) Publish(ctx context.Context, body []byte) error {
	b.mu.RLock()
	ch := b.channel
	b.mu.RUnlock()
	if ch == nil || ch.IsClosed() {
		return fmt.Errorf("channel is not open")
	}

	return ch.PublishWithContext(ctx,
		"",          // exchange
		b.queueName, // routing key
		false,       // mandatory
		false,       // immediate
		amqp.Publishing{
			DeliveryMode: amqp.Persistent,
			ContentType:  "application/json",
			Body:         body,
			Timestamp:    time.Now(),
		},
	)
}

// Consume 开始手动确认模式的消费
func (b *Broker) Consume() (<-chan amqp.Delivery, error) {
	b.mu.RLock()
	ch := b.channel
	b.mu.RUnlock()
	if ch == nil {
		return nil, fmt.Errorf("channel is not open")
	}

	msgs, err := ch.Consume(
		b.queueName,
		"",    // consumer
		false, // auto-ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to consume: %w", err)
	}
	return msgs, nil
}

// QueueDepth 队列中待处理的消息数
func (b *Broker) QueueDepth() (int, error) {
	b.mu.RLock()
	ch := b.channel
	b.mu.RUnlock()
	if ch == nil {
		return 0, fmt.Errorf("channel is not open")
	}
	q, err := ch.QueueInspect(b.queueName)
	if err != nil {
		return 0, err
	}
	return q.Messages, nil
}

// IsConnected 连接是否可用
func (b *Broker) IsConnected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.conn != nil && !b.conn.IsClosed()
}

// Close 关闭连接，之后不再重连
func (b *Broker) Close() error {
	b.mu.Lock()
	b.closed = true
	ch, conn := b.channel, b.conn
	b.mu.Unlock()

	if ch != nil {
		if err := ch.Close(); err != nil {
			b.logger.WithError(err).Debug("Failed to close channel")
		}
	}
	if conn != nil {
		if err := conn.Close(); err != nil {
			b.logger.WithError(err).Debug("Failed to close connection")
		}
	}
	b.logger.Info("RabbitMQ connection closed")
	return nil
}
