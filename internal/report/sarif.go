package report

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/apk-analysis/apk-secscan/internal/domain"
)

const (
	// SARIFVersion 输出的 SARIF 版本
	SARIFVersion = "2.1.0"
	// SARIFSchema SARIF 2.1.0 schema 地址
	SARIFSchema = "https://json.schemastore.org/sarif-2.1.0.json"
	// ToolName SARIF driver 名称
	ToolName = "apk-secscan"
)

// SARIFLog SARIF 顶层对象（仅包含用到的字段）
type SARIFLog struct {
	Schema  string     `json:"$schema"`
	Version string     `json:"version"`
	Runs    []SARIFRun `json:"runs"`
}

// SARIFRun 一次工具运行
type SARIFRun struct {
	Tool       SARIFTool              `json:"tool"`
	Results    []SARIFResult          `json:"results"`
	Properties map[string]interface{} `json:"properties,omitempty"`
}

// SARIFTool 工具信息
type SARIFTool struct {
	Driver SARIFDriver `json:"driver"`
}

// SARIFDriver 工具 driver 与规则表
type SARIFDriver struct {
	Name    string      `json:"name"`
	Version string      `json:"version,omitempty"`
	Rules   []SARIFRule `json:"rules"`
}

// SARIFRule 规则描述，每个 finding id 一条
type SARIFRule struct {
	ID                   string                 `json:"id"`
	Name                 string                 `json:"name"`
	ShortDescription     SARIFText              `json:"shortDescription"`
	FullDescription      SARIFText              `json:"fullDescription"`
	DefaultConfiguration SARIFRuleConfig        `json:"defaultConfiguration"`
	Properties           map[string]interface{} `json:"properties,omitempty"`
}

// SARIFRuleConfig 规则默认级别
type SARIFRuleConfig struct {
	Level string `json:"level"`
}

// SARIFText 文本消息
type SARIFText struct {
	Text string `json:"text"`
}

// SARIFResult 单个发现
type SARIFResult struct {
	RuleID     string                 `json:"ruleId"`
	RuleIndex  int                    `json:"ruleIndex"`
	Level      string                 `json:"level"`
	Message    SARIFText              `json:"message"`
	Locations  []SARIFLocation        `json:"locations,omitempty"`
	Properties map[string]interface{} `json:"properties,omitempty"`
}

// SARIFLocation 发现位置
type SARIFLocation struct {
	PhysicalLocation SARIFPhysicalLocation `json:"physicalLocation"`
}

// SARIFPhysicalLocation 文件与行号
type SARIFPhysicalLocation struct {
	ArtifactLocation SARIFArtifactLocation `json:"artifactLocation"`
	Region           *SARIFRegion          `json:"region,omitempty"`
}

// SARIFArtifactLocation 相对扫描根目录的文件路径
type SARIFArtifactLocation struct {
	URI string `json:"uri"`
}

// SARIFRegion 起始行
type SARIFRegion struct {
	StartLine int `json:"startLine"`
}

// SARIFLevel 严重级别映射: CRITICAL/HIGH -> error, MEDIUM -> warning, 其余 -> note
func SARIFLevel(sev domain.Severity) string {
	switch sev {
	case domain.SeverityCritical, domain.SeverityHigh:
		return "error"
	case domain.SeverityMedium:
		return "warning"
	default:
		return "note"
	}
}

// BuildSARIF 由统一报告生成 SARIF，规则表按 finding id 首次出现的顺序排列
func BuildSARIF(r *domain.UnifiedReport, toolVersion string) *SARIFLog {
	rules := make([]SARIFRule, 0)
	ruleIndex := make(map[string]int)
	results := make([]SARIFResult, 0, len(r.Findings))

	for i := range r.Findings {
		f := &r.Findings[i]
		id := f.ID
		if id == "" {
			id = "UNKNOWN"
		}
		title := f.Title
		if title == "" {
			title = id
		}

		idx, ok := ruleIndex[id]
		if !ok {
			full := f.Recommendation
			if full == "" {
				full = title
			}
			props := map[string]interface{}{
				"source":   f.Source,
				"severity": string(f.Severity),
			}
			if len(f.CWE) > 0 {
				props["cwe"] = f.CWE
			}
			idx = len(rules)
			ruleIndex[id] = idx
			rules = append(rules, SARIFRule{
				ID:                   id,
				Name:                 title,
				ShortDescription:     SARIFText{Text: title},
				FullDescription:      SARIFText{Text: full},
				DefaultConfiguration: SARIFRuleConfig{Level: SARIFLevel(f.Severity)},
				Properties:           props,
			})
		}

		props := map[string]interface{}{
			"severity": string(f.Severity),
		}
		if len(f.Evidence) > 0 {
			props["evidence"] = f.Evidence
		}
		if f.Recommendation != "" {
			props["recommendation"] = f.Recommendation
		}

		results = append(results, SARIFResult{
			RuleID:     id,
			RuleIndex:  idx,
			Level:      SARIFLevel(f.Severity),
			Message:    SARIFText{Text: fmt.Sprintf("%s [source=%s]", title, f.Source)},
			Locations:  locations(f),
			Properties: props,
		})
	}

	run := SARIFRun{
		Tool: SARIFTool{Driver: SARIFDriver{
			Name:    ToolName,
			Version: toolVersion,
			Rules:   rules,
		}},
		Results: results,
		Properties: map[string]interface{}{
			"status":            string(r.Status),
			"file_name":         r.Context.FileName,
			"sha256":            r.Context.SHA256,
			"succeeded_engines": r.SucceededEngines,
		},
	}
	if r.ScanID != "" {
		run.Properties["scan_id"] = r.ScanID
	}

	return &SARIFLog{
		Schema:  SARIFSchema,
		Version: SARIFVersion,
		Runs:    []SARIFRun{run},
	}
}

// locations 证据中有 file 时生成物理位置，line 为正整数时带上起始行
func locations(f *domain.Finding) []SARIFLocation {
	file, ok := f.EvidenceString(domain.EvidenceFile)
	if !ok || file == "UNKNOWN" {
		return nil
	}
	loc := SARIFLocation{PhysicalLocation: SARIFPhysicalLocation{
		ArtifactLocation: SARIFArtifactLocation{URI: strings.TrimPrefix(file, "/")},
	}}
	if line, ok := f.EvidenceString(domain.EvidenceLine); ok {
		if n, err := strconv.Atoi(line); err == nil && n > 0 {
			loc.PhysicalLocation.Region = &SARIFRegion{StartLine: n}
		}
	}
	return []SARIFLocation{loc}
}
