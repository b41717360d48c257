package queue

import (
	"context"
	"fmt"

	"github.com/apk-analysis/apk-secscan/internal/retry"
	"github.com/sirupsen/logrus"
)

// Publisher 发布原始消息
type Publisher interface {
	Publish(ctx context.Context, body []byte) error
}

// Producer 扫描消息生产者
type Producer struct {
	pub    Publisher
	policy retry.Policy
	logger *logrus.Logger
}

// NewProducer 创建生产者，发布失败按指数退避重试
func NewProducer(pub Publisher, logger *logrus.Logger) *Producer {
	return &Producer{
		pub:    pub,
		policy: retry.DefaultPolicy("publish scan", logger),
		logger: logger,
	}
}

// PublishScan 发布扫描消息
func (p *Producer) PublishScan(ctx context.Context, msg *ScanMessage) error {
	body, err := msg.Encode()
	if err != nil {
		return fmt.Errorf("failed to encode message: %w", err)
	}

	if err := retry.Do(ctx, p.policy, func(ctx context.Context) error {
		return p.pub.Publish(ctx, body)
	}); err != nil {
		p.logger.WithError(err).WithField("scan_id", msg.ScanID).Error("Failed to publish scan")
		return fmt.Errorf("failed to publish: %w", err)
	}

	p.logger.WithFields(logrus.Fields{
		"scan_id":  msg.ScanID,
		"apk_name": msg.APKName,
	}).Info("Scan published to queue")
	return nil
}
