package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/apk-analysis/apk-secscan/internal/domain"
)

// ScanMessage 扫描任务消息
type ScanMessage struct {
	ScanID      string   `json:"scan_id"`
	APKName     string   `json:"apk_name"`
	APKPath     string   `json:"apk_path"`
	Engines     []string `json:"engines,omitempty"`
	ApktoolMode string   `json:"apktool_mode,omitempty"`
}

// NewScanMessage 由扫描记录构造消息
func NewScanMessage(scan *domain.Scan) *ScanMessage {
	msg := &ScanMessage{
		ScanID:      scan.ID,
		APKName:     scan.FileName,
		APKPath:     scan.ArtifactPath,
		ApktoolMode: scan.ApktoolMode,
	}
	if scan.Engines != "" {
		msg.Engines = strings.Split(scan.Engines, ",")
	}
	return msg
}

// Encode 序列化消息
func (m *ScanMessage) Encode() ([]byte, error) {
	if m.ScanID == "" {
		return nil, errors.New("scan_id is required")
	}
	return json.Marshal(m)
}

// DecodeScanMessage 解析消息体
func DecodeScanMessage(body []byte) (*ScanMessage, error) {
	var msg ScanMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return nil, fmt.Errorf("unmarshal scan message: %w", err)
	}
	if msg.ScanID == "" {
		return nil, errors.New("scan message without scan_id")
	}
	return &msg, nil
}
