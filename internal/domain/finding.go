package domain

import (
	"fmt"
	"strings"
)

// Severity 风险等级
type Severity string

const (
	SeverityInfo     Severity = "INFO"
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// ParseSeverity 解析风险等级（大小写不敏感）
func ParseSeverity(s string) (Severity, error) {
	switch sev := Severity(strings.ToUpper(strings.TrimSpace(s))); sev {
	case SeverityInfo, SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return sev, nil
	default:
		return "", fmt.Errorf("unknown severity %q", s)
	}
}

// Rank 数值越大风险越高，用于排序和过滤
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 4
	case SeverityHigh:
		return 3
	case SeverityMedium:
		return 2
	case SeverityLow:
		return 1
	default:
		return 0
	}
}

// Evidence 证据键
const (
	EvidenceEngine       = "engine"
	EvidenceFile         = "file"
	EvidenceLine         = "line"
	EvidenceOffset       = "offset"
	EvidenceMatchPreview = "match_preview"
	EvidenceRule         = "rule"
)

// Finding 检测发现
//
// RawSecret 只在引擎与 normalizer 之间传递，normalizer 输出前会将其替换为
// 掩码后的 match_preview 并清空，不参与序列化。
type Finding struct {
	ID             string                 `json:"id"`
	Title          string                 `json:"title"`
	Severity       Severity               `json:"severity"`
	Evidence       map[string]interface{} `json:"evidence"`
	Recommendation string                 `json:"recommendation,omitempty"`
	Source         string                 `json:"source"`
	CWE            []string               `json:"cwe,omitempty"`

	RawSecret string `json:"-"`
}

// EvidenceString 以字符串形式读取证据字段，不存在时返回 false
func (f *Finding) EvidenceString(key string) (string, bool) {
	if f.Evidence == nil {
		return "", false
	}
	v, ok := f.Evidence[key]
	if !ok || v == nil {
		return "", false
	}
	s := fmt.Sprint(v)
	if s == "" {
		return "", false
	}
	return s, true
}
