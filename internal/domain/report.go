package domain

// ReportStatus 报告终态
type ReportStatus string

const (
	ReportCompleted ReportStatus = "COMPLETED"
	ReportFailed    ReportStatus = "FAILED"
)

// EngineStats 引擎统计
type EngineStats struct {
	FilesScanned int `json:"files_scanned"`
	Matches      int `json:"matches"`
	Skipped      int `json:"skipped,omitempty"`
}

// EngineResult 单个引擎的输出；Error 非空时 Findings 仍可能有部分结果
type EngineResult struct {
	Engine   string      `json:"engine"`
	Findings []Finding   `json:"findings"`
	Stats    EngineStats `json:"stats"`
	Error    string      `json:"error,omitempty"`
}

// EngineSummary 报告中的引擎执行摘要
type EngineSummary struct {
	Name         string `json:"name"`
	OK           bool   `json:"ok"`
	Error        string `json:"error,omitempty"`
	Findings     int    `json:"findings"`
	FilesScanned int    `json:"files_scanned"`
	DurationMs   int64  `json:"duration_ms"`
}

// ReportContext 扫描上下文
type ReportContext struct {
	FileName          string `json:"file_name"`
	SHA256            string `json:"sha256"`
	MD5               string `json:"md5,omitempty"`
	FileSize          int64  `json:"file_size"`
	ExtractedFiles    int    `json:"extracted_files"`
	SkippedEntries    int    `json:"skipped_entries"`
	OversizedEntries  int    `json:"oversized_entries"`
	ScanRoot          string `json:"scan_root"`
	ApktoolMode       string `json:"apktool_mode"`
	ApktoolRan        bool   `json:"apktool_ran"`
	ApktoolOK         bool   `json:"apktool_ok"`
	ApktoolError      string `json:"apktool_error,omitempty"`
	DexStringsCount   int    `json:"dex_strings_count"`
	DexStringsSkipped int    `json:"dex_strings_skipped"`
	DexStringsError   string `json:"dex_strings_error,omitempty"`
	DurationMs        int64  `json:"duration_ms"`
}

// UnifiedReport 统一扫描报告
type UnifiedReport struct {
	ScanID           string          `json:"scan_id,omitempty"`
	Status           ReportStatus    `json:"status"`
	Error            string          `json:"error,omitempty"`
	Errors           []string        `json:"errors"`
	Findings         []Finding       `json:"findings"`
	SucceededEngines []string        `json:"succeeded_engines"`
	Engines          []EngineSummary `json:"engines"`
	DurationMs       int64           `json:"duration_ms"`
	Context          ReportContext   `json:"context"`
}

// CountBySeverity 按风险等级统计
func (r *UnifiedReport) CountBySeverity() map[Severity]int {
	counts := make(map[Severity]int)
	for _, f := range r.Findings {
		counts[f.Severity]++
	}
	return counts
}
