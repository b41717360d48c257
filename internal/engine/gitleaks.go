package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/apk-analysis/apk-secscan/internal/domain"
	"github.com/apk-analysis/apk-secscan/internal/toolrunner"
	"github.com/sirupsen/logrus"
)

// gitleaksItem gitleaks JSON 报告条目
type gitleaksItem struct {
	RuleID      string `json:"RuleID"`
	Description string `json:"Description"`
	File        string `json:"File"`
	Secret      string `json:"Secret"`
	Match       string `json:"Match"`
	StartLine   int    `json:"StartLine"`
	EndLine     int    `json:"EndLine"`
}

// GitleaksEngine 调用 gitleaks 扫描 scan root 和 dex 字符串
type GitleaksEngine struct {
	runner  *toolrunner.Runner
	bin     string
	timeout time.Duration
	logger  *logrus.Logger
}

// NewGitleaksEngine 创建 gitleaks 引擎
func NewGitleaksEngine(runner *toolrunner.Runner, bin string, timeout time.Duration, logger *logrus.Logger) *GitleaksEngine {
	return &GitleaksEngine{runner: runner, bin: bin, timeout: timeout, logger: logger}
}

// Name 引擎名称
func (e *GitleaksEngine) Name() string { return "gitleaks" }

// Run 依次扫描 scan root 和 dex 字符串目录
func (e *GitleaksEngine) Run(ctx context.Context, target Target) (*domain.EngineResult, error) {
	result := newResult(e.Name())

	for _, root := range target.ToolRoots() {
		if err := e.scan(ctx, root, result); err != nil {
			return result, err
		}
	}

	e.logger.WithFields(logrus.Fields{
		"scan_id": target.ScanID,
		"engine":  e.Name(),
		"matches": result.Stats.Matches,
	}).Debug("Gitleaks scan finished")
	return result, nil
}

// scan 报告写到工作目录之外的临时文件，保证扫描目录只读
func (e *GitleaksEngine) scan(ctx context.Context, root string, result *domain.EngineResult) error {
	report, err := os.CreateTemp("", "gitleaks-*.json")
	if err != nil {
		return fmt.Errorf("create report file: %w", err)
	}
	reportPath := report.Name()
	report.Close()
	defer os.Remove(reportPath)

	res, err := e.runner.Run(ctx, toolrunner.GitleaksSpec(e.bin), toolrunner.Invocation{
		Args:    toolrunner.GitleaksDetectArgs(root, reportPath),
		Timeout: e.timeout,
		Mode:    domain.ToolModeOptional,
	})
	if err != nil {
		return err
	}
	if !res.OK {
		return errors.New(res.Error)
	}

	data, err := os.ReadFile(reportPath)
	if err != nil {
		return fmt.Errorf("read gitleaks report: %w", err)
	}
	items, err := parseGitleaksReport(data)
	if err != nil {
		return err
	}

	for _, item := range items {
		result.Stats.Matches++
		result.Findings = append(result.Findings, e.toFinding(root, item))
	}
	return nil
}

func (e *GitleaksEngine) toFinding(root string, item gitleaksItem) domain.Finding {
	ruleID := item.RuleID
	if ruleID == "" {
		ruleID = "UNKNOWN"
	}
	title := item.Description
	if title == "" {
		title = "Secret detected by gitleaks"
	}
	file := item.File
	if file == "" {
		file = "UNKNOWN"
	} else if filepath.IsAbs(file) || strings.HasPrefix(file, root) {
		file = Rel(root, file)
	}
	secret := item.Secret
	if secret == "" {
		secret = item.Match
	}

	evidence := map[string]interface{}{
		domain.EvidenceEngine: e.Name(),
		domain.EvidenceFile:   file,
		domain.EvidenceRule:   ruleID,
		"start_line":          item.StartLine,
		"end_line":            item.EndLine,
	}
	if item.StartLine > 0 {
		evidence[domain.EvidenceLine] = item.StartLine
	}

	return domain.Finding{
		ID:             "SH-GL-" + ruleID,
		Title:          title,
		Severity:       domain.SeverityHigh,
		Evidence:       evidence,
		Recommendation: "Revoke and rotate the secret, remove it from the code and load it from a secrets manager or the environment.",
		Source:         e.Name(),
		RawSecret:      secret,
	}
}

// parseGitleaksReport 空文件视为没有发现
func parseGitleaksReport(data []byte) ([]gitleaksItem, error) {
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil, nil
	}
	var items []gitleaksItem
	if err := json.Unmarshal(data, &items); err != nil {
		return nil, fmt.Errorf("parse gitleaks report: %w", err)
	}
	return items, nil
}
