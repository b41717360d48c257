package handlers

import (
	"net/http"
	"sync"
	"time"

	"github.com/apk-analysis/apk-secscan/internal/domain"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const (
	subscriberBuffer = 64
	writeWait        = 10 * time.Second
)

// ProgressHub 将扫描事件推送给 WebSocket 订阅者，实现 domain.EventSink
type ProgressHub struct {
	logger   *logrus.Logger
	upgrader websocket.Upgrader

	mu   sync.RWMutex
	subs map[string]map[chan domain.ScanEvent]struct{}
}

// NewProgressHub 创建进度推送中心
func NewProgressHub(logger *logrus.Logger) *ProgressHub {
	return &ProgressHub{
		logger: logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // 允许所有来源（生产环境需要限制）
			},
		},
		subs: make(map[string]map[chan domain.ScanEvent]struct{}),
	}
}

// Emit 非阻塞分发；订阅者缓冲区满时丢弃事件
func (h *ProgressHub) Emit(e domain.ScanEvent) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for ch := range h.subs[e.ScanID] {
		select {
		case ch <- e:
		default:
			h.logger.WithField("scan_id", e.ScanID).Debug("Progress subscriber is slow, dropping event")
		}
	}
}

// Subscribe 订阅某个扫描的事件，返回取消函数
func (h *ProgressHub) Subscribe(scanID string) (<-chan domain.ScanEvent, func()) {
	ch := make(chan domain.ScanEvent, subscriberBuffer)

	h.mu.Lock()
	if h.subs[scanID] == nil {
		h.subs[scanID] = make(map[chan domain.ScanEvent]struct{})
	}
	h.subs[scanID][ch] = struct{}{}
	h.mu.Unlock()

	return ch, func() {
		h.mu.Lock()
		delete(h.subs[scanID], ch)
		if len(h.subs[scanID]) == 0 {
			delete(h.subs, scanID)
		}
		h.mu.Unlock()
	}
}

// Subscribers 当前订阅者数量
func (h *ProgressHub) Subscribers(scanID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[scanID])
}

// HandleWebSocket 推送扫描进度，收到报告事件后关闭连接
// GET /api/scans/:id/ws
func (h *ProgressHub) HandleWebSocket(c *gin.Context) {
	scanID := c.Param("id")

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.WithError(err).Error("Failed to upgrade to WebSocket")
		return
	}
	defer conn.Close()

	events, cancel := h.Subscribe(scanID)
	defer cancel()

	log := h.logger.WithField("scan_id", scanID)
	log.Info("Progress client connected")

	// 读循环只用于感知客户端断开
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					log.WithError(err).Debug("WebSocket read error")
				}
				return
			}
		}
	}()

	for {
		select {
		case <-gone:
			log.Info("Progress client disconnected")
			return
		case e := <-events:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(e); err != nil {
				log.WithError(err).Warn("Failed to write to WebSocket client")
				return
			}
			if e.Stage == domain.StageReport {
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "scan finished"),
					time.Now().Add(writeWait))
				return
			}
		}
	}
}
