package engine

import (
	"context"
	"os"

	"github.com/apk-analysis/apk-secscan/internal/domain"
	"github.com/sirupsen/logrus"
)

// maxMatchesPerRule 单文件单规则最多记录的命中数
const maxMatchesPerRule = 100

// RegexEngine 文本文件正则扫描
type RegexEngine struct {
	rules  []RegexRule
	logger *logrus.Logger
}

// NewRegexEngine 创建正则引擎
func NewRegexEngine(rules []RegexRule, logger *logrus.Logger) *RegexEngine {
	return &RegexEngine{rules: rules, logger: logger}
}

// Name 引擎名称
func (e *RegexEngine) Name() string { return "regex" }

// Run 扫描 scan root 下的文本文件，以及 DEX 字符串文件
func (e *RegexEngine) Run(ctx context.Context, target Target) (*domain.EngineResult, error) {
	result := newResult(e.Name())
	root := target.ScanRoot()

	unreadable, err := walkFiles(ctx, root, func(path, rel string, size int64) error {
		if !IsProbablyText(path, size) {
			return nil
		}
		e.scanFile(path, rel, result)
		return nil
	})
	result.Stats.Skipped = unreadable
	if err != nil {
		return result, err
	}

	// DEX 字符串文件位于 work root 之外
	if target.DexStrings != "" {
		if _, statErr := os.Stat(target.DexStrings); statErr == nil {
			e.scanFile(target.DexStrings, "dex_strings.txt", result)
		}
	}

	e.logger.WithFields(logrus.Fields{
		"scan_id":       target.ScanID,
		"engine":        e.Name(),
		"root":          root,
		"scanned_files": result.Stats.FilesScanned,
		"matches":       result.Stats.Matches,
	}).Debug("Regex scan finished")
	return result, nil
}

func (e *RegexEngine) scanFile(path, rel string, result *domain.EngineResult) {
	text, err := readTextPrefix(path, maxTextRead)
	if err != nil {
		result.Stats.Skipped++
		return
	}
	result.Stats.FilesScanned++

	for i := range e.rules {
		rule := &e.rules[i]
		for _, m := range rule.Pattern.FindAllString(text, maxMatchesPerRule) {
			result.Stats.Matches++
			result.Findings = append(result.Findings, domain.Finding{
				ID:       rule.ID,
				Title:    rule.Title,
				Severity: rule.Severity,
				Evidence: map[string]interface{}{
					domain.EvidenceEngine: e.Name(),
					domain.EvidenceFile:   rel,
				},
				Recommendation: rule.Recommendation,
				Source:         e.Name(),
				RawSecret:      m,
			})
		}
	}
}
