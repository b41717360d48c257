package domain

import "time"

// ScanStage 扫描阶段
type ScanStage string

const (
	StageExtract    ScanStage = "extract"
	StageDexStrings ScanStage = "dex_strings"
	StageApktool    ScanStage = "apktool"
	StageEngine     ScanStage = "engine"
	StageTool       ScanStage = "tool"
	StageReport     ScanStage = "report"
)

// ScanEvent 扫描进度事件
type ScanEvent struct {
	ScanID     string    `json:"scan_id"`
	Stage      ScanStage `json:"stage"`
	Name       string    `json:"name,omitempty"` // 引擎或工具名称
	Status     string    `json:"status"`         // started / ok / failed / skipped
	Message    string    `json:"message,omitempty"`
	Findings   int       `json:"findings,omitempty"`
	DurationMs int64     `json:"duration_ms,omitempty"`
	Time       time.Time `json:"time"`
}

// EventSink 接收扫描事件，实现必须是非阻塞且并发安全的
type EventSink interface {
	Emit(event ScanEvent)
}

// MultiSink 将事件分发给多个接收者
type MultiSink []EventSink

// Emit 分发事件
func (m MultiSink) Emit(event ScanEvent) {
	for _, s := range m {
		if s != nil {
			s.Emit(event)
		}
	}
}

// NopSink 丢弃所有事件
type NopSink struct{}

// Emit 不做任何事
func (NopSink) Emit(ScanEvent) {}
