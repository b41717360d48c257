package engine

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/apk-analysis/apk-secscan/internal/domain"
	"github.com/sirupsen/logrus"
)

const (
	manifestFile = "AndroidManifest.xml"
	// axmlMagic 二进制 XML chunk 头 (RES_XML_TYPE=0x0003, header size 0x0008)
	axmlMagic = 0x00080003
)

// ErrBinaryManifest manifest 仍为二进制 AXML，需要 apktool 解码
var ErrBinaryManifest = errors.New("AndroidManifest.xml is binary AXML; decode the package with apktool to enable manifest checks")

// ManifestEngine manifest 规则检查
type ManifestEngine struct {
	rules  *ManifestRules
	logger *logrus.Logger
}

// NewManifestEngine 创建 manifest 引擎
func NewManifestEngine(rules *ManifestRules, logger *logrus.Logger) *ManifestEngine {
	if rules == nil {
		rules = &ManifestRules{}
	}
	return &ManifestEngine{rules: rules, logger: logger}
}

// Name 引擎名称
func (e *ManifestEngine) Name() string { return "manifest" }

// Run 执行检查
func (e *ManifestEngine) Run(ctx context.Context, target Target) (*domain.EngineResult, error) {
	result := newResult(e.Name())
	if err := ctx.Err(); err != nil {
		return result, err
	}

	path := filepath.Join(target.ScanRoot(), manifestFile)
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return result, fmt.Errorf("%s not found in scan root", manifestFile)
		}
		return result, fmt.Errorf("read manifest: %w", err)
	}
	if isBinaryXML(data) {
		return result, ErrBinaryManifest
	}

	result.Stats.FilesScanned = 1
	result.Findings = e.Check(string(data))
	result.Stats.Matches = len(result.Findings)

	e.logger.WithFields(logrus.Fields{
		"scan_id":  target.ScanID,
		"engine":   e.Name(),
		"findings": len(result.Findings),
	}).Debug("Manifest checks finished")
	return result, nil
}

// Check 对文本 manifest 执行所有规则，按规则声明顺序输出
func (e *ManifestEngine) Check(content string) []domain.Finding {
	findings := []domain.Finding{}

	for i := range e.rules.Checks {
		rule := &e.rules.Checks[i]
		evidence, hit := evaluate(rule, content)
		if !hit {
			continue
		}
		evidence[domain.EvidenceEngine] = e.Name()
		evidence[domain.EvidenceFile] = manifestFile
		findings = append(findings, domain.Finding{
			ID:             rule.ID,
			Title:          rule.Title,
			Severity:       rule.Severity,
			Evidence:       evidence,
			Recommendation: rule.Recommendation,
			Source:         e.Name(),
			CWE:            rule.CWE,
		})
	}

	// 权限发现不带 line，同一行出现多个权限时按权限名去重
	for _, perm := range e.rules.Permissions {
		idx := strings.Index(content, perm.Name)
		if idx < 0 {
			continue
		}
		findings = append(findings, domain.Finding{
			ID:       "APK-004",
			Title:    perm.Title,
			Severity: perm.Severity,
			Evidence: map[string]interface{}{
				domain.EvidenceEngine:       e.Name(),
				domain.EvidenceFile:         manifestFile,
				domain.EvidenceMatchPreview: perm.Name,
				"permission":                perm.Name,
				"first_line":                lineAt(content, idx),
			},
			Recommendation: perm.Recommendation,
			Source:         e.Name(),
			CWE:            perm.CWE,
		})
	}
	return findings
}

// evaluate 按规则类型判断是否命中并返回证据
func evaluate(rule *ManifestRule, content string) (map[string]interface{}, bool) {
	ev := map[string]interface{}{"check": string(rule.Kind)}

	switch rule.Kind {
	case CheckContains:
		idx := strings.Index(content, rule.Pattern)
		if idx < 0 {
			return nil, false
		}
		ev[domain.EvidenceLine] = lineAt(content, idx)
		ev[domain.EvidenceMatchPreview] = rule.Pattern

	case CheckContainsWithSecondary:
		idx := strings.Index(content, rule.Pattern)
		if idx < 0 || !strings.Contains(content, rule.SecondaryPattern) {
			return nil, false
		}
		ev[domain.EvidenceLine] = lineAt(content, idx)
		ev[domain.EvidenceMatchPreview] = rule.Pattern
		ev["secondary_pattern"] = rule.SecondaryPattern

	case CheckAbsenceOrExplicitTrue:
		explicit := rule.Pattern + `="true"`
		if idx := strings.Index(content, explicit); idx >= 0 {
			ev[domain.EvidenceLine] = lineAt(content, idx)
			ev[domain.EvidenceMatchPreview] = explicit
			ev["reason"] = "explicit_true"
		} else if !strings.Contains(content, rule.Pattern) {
			ev[domain.EvidenceMatchPreview] = rule.Pattern + " (absent)"
			ev["reason"] = "absent"
		} else {
			return nil, false
		}

	case CheckMustHaveMustNotHave:
		if !strings.Contains(content, rule.MustHave) || strings.Contains(content, rule.MustNotHave) {
			return nil, false
		}
		ev[domain.EvidenceMatchPreview] = rule.MustNotHave + " (absent)"

	default:
		return nil, false
	}
	return ev, true
}

// isBinaryXML 判断是否为 Android 二进制 XML
func isBinaryXML(data []byte) bool {
	if len(data) < 8 {
		return false
	}
	if binary.LittleEndian.Uint32(data[:4]) == axmlMagic {
		return true
	}
	// 文本 XML 中不会出现 NUL
	return bytes.IndexByte(data[:min(len(data), 512)], 0x00) >= 0
}
