package engine

import (
	"bufio"
	"context"
	"os"
	"strconv"
	"strings"

	"github.com/apk-analysis/apk-secscan/internal/domain"
	"github.com/sirupsen/logrus"
)

const (
	smaliPreviewLen = 200
	maxSmaliLine    = 1 << 20
)

// SmaliEngine smali 逐行规则扫描，需要 apktool 解码后的目录
type SmaliEngine struct {
	rules  []SmaliRule
	logger *logrus.Logger
}

// NewSmaliEngine 创建 smali 引擎
func NewSmaliEngine(rules []SmaliRule, logger *logrus.Logger) *SmaliEngine {
	return &SmaliEngine{rules: rules, logger: logger}
}

// Name 引擎名称
func (e *SmaliEngine) Name() string { return "smali" }

// Run 扫描 *.smali；没有 smali 文件时结果为空而非失败
func (e *SmaliEngine) Run(ctx context.Context, target Target) (*domain.EngineResult, error) {
	result := newResult(e.Name())
	root := target.ScanRoot()
	seen := make(map[string]struct{})

	unreadable, err := walkFiles(ctx, root, func(path, rel string, _ int64) error {
		if !strings.HasSuffix(path, ".smali") {
			return nil
		}
		if err := e.scanFile(path, rel, seen, result); err != nil {
			result.Stats.Skipped++
		}
		return nil
	})
	result.Stats.Skipped += unreadable
	if err != nil {
		return result, err
	}

	if result.Stats.FilesScanned == 0 {
		e.logger.WithFields(logrus.Fields{"scan_id": target.ScanID, "root": root}).Debug("No smali files under scan root")
	}
	return result, nil
}

func (e *SmaliEngine) scanFile(path, rel string, seen map[string]struct{}, result *domain.EngineResult) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	result.Stats.FilesScanned++

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), maxSmaliLine)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Text()
		for i := range e.rules {
			rule := &e.rules[i]
			if !rule.Match(line) {
				continue
			}
			key := rule.ID + "\x00" + rel + "\x00" + strconv.Itoa(lineNo)
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			result.Stats.Matches++

			preview := strings.TrimSpace(line)
			if r := []rune(preview); len(r) > smaliPreviewLen {
				preview = string(r[:smaliPreviewLen])
			}
			result.Findings = append(result.Findings, domain.Finding{
				ID:       rule.ID,
				Title:    rule.Title,
				Severity: rule.Severity,
				Evidence: map[string]interface{}{
					domain.EvidenceEngine:       e.Name(),
					domain.EvidenceFile:         rel,
					domain.EvidenceLine:         lineNo,
					domain.EvidenceMatchPreview: preview,
				},
				Recommendation: rule.Recommendation,
				Source:         e.Name(),
				CWE:            rule.CWE,
			})
		}
	}
	return scanner.Err()
}
