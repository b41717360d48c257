package domain

import "time"

// ScanStatus 扫描记录状态
type ScanStatus string

const (
	ScanStatusQueued    ScanStatus = "queued"
	ScanStatusRunning   ScanStatus = "running"
	ScanStatusCompleted ScanStatus = "completed"
	ScanStatusFailed    ScanStatus = "failed"
)

// IsTerminal 是否为终态
func (s ScanStatus) IsTerminal() bool {
	return s == ScanStatusCompleted || s == ScanStatusFailed
}

// Scan 扫描记录表
type Scan struct {
	ID           string     `gorm:"type:varchar(36);primaryKey" json:"id"`
	ParentScanID *string    `gorm:"type:varchar(36);index:idx_parent_scan_id" json:"parent_scan_id,omitempty"`
	FileName     string     `gorm:"type:varchar(255);not null" json:"file_name"`
	ArtifactPath string     `gorm:"type:varchar(1024)" json:"-"`
	FileSize     int64      `json:"file_size"`
	SHA256       string     `gorm:"type:varchar(64);index:idx_sha256" json:"sha256,omitempty"`
	MD5          string     `gorm:"type:varchar(32)" json:"md5,omitempty"`
	Status       ScanStatus `gorm:"type:varchar(20);default:'queued';index:idx_status" json:"status"`
	Error        string     `gorm:"type:text" json:"error,omitempty"`

	// 请求参数
	Engines     string `gorm:"type:varchar(255)" json:"engines,omitempty"` // 逗号分隔
	ApktoolMode string `gorm:"type:varchar(20)" json:"apktool_mode,omitempty"`

	// 结果摘要
	ReportStatus     ReportStatus `gorm:"type:varchar(20)" json:"report_status,omitempty"`
	SucceededEngines string       `gorm:"type:varchar(255)" json:"succeeded_engines,omitempty"`
	FindingsCount    int          `gorm:"default:0" json:"findings_count"`
	DurationMs       int64        `json:"duration_ms,omitempty"`
	ContextJSON      string       `gorm:"type:text" json:"-"`
	EnginesJSON      string       `gorm:"type:text" json:"-"`

	CreatedAt   time.Time  `gorm:"not null" json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

func (Scan) TableName() string {
	return "scans"
}

// ScanFinding 扫描发现表
type ScanFinding struct {
	ID             uint     `gorm:"primaryKey;autoIncrement" json:"-"`
	ScanID         string   `gorm:"type:varchar(36);index:idx_scan_id;not null" json:"scan_id"`
	Position       int      `gorm:"not null" json:"-"` // 报告内顺序
	FindingID      string   `gorm:"type:varchar(128);not null" json:"finding_id"`
	Title          string   `gorm:"type:varchar(512)" json:"title"`
	Severity       Severity `gorm:"type:varchar(10);index:idx_severity" json:"severity"`
	Source         string   `gorm:"type:varchar(32)" json:"source"`
	FilePath       string   `gorm:"type:varchar(1024)" json:"file_path,omitempty"`
	Line           int      `json:"line,omitempty"`
	EvidenceJSON   string   `gorm:"type:text" json:"evidence_json"`
	Recommendation string   `gorm:"type:text" json:"recommendation,omitempty"`
	CWE            string   `gorm:"type:varchar(255)" json:"cwe,omitempty"`
}

func (ScanFinding) TableName() string {
	return "scan_findings"
}
