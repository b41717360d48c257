package engine

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/apk-analysis/apk-secscan/internal/domain"
	"github.com/apk-analysis/apk-secscan/internal/toolrunner"
	"github.com/sirupsen/logrus"
)

// maxYaraOutput yara stdout 捕获上限
const maxYaraOutput = 8 << 20

// yaraHit 一条 "rule file" 命中及其后的字符串匹配
type yaraHit struct {
	Rule    string
	File    string
	Offset  string
	Ident   string
	Matched string
	Strings int
}

// YaraEngine 调用 yara 命令行扫描 scan root 和 dex 字符串
type YaraEngine struct {
	runner    *toolrunner.Runner
	bin       string
	rulesPath string
	timeout   time.Duration
	logger    *logrus.Logger
}

// NewYaraEngine 创建 yara 引擎
func NewYaraEngine(runner *toolrunner.Runner, bin, rulesPath string, timeout time.Duration, logger *logrus.Logger) *YaraEngine {
	return &YaraEngine{runner: runner, bin: bin, rulesPath: rulesPath, timeout: timeout, logger: logger}
}

// Name 引擎名称
func (e *YaraEngine) Name() string { return "yara" }

// Run 对 scan root 和 dex 字符串目录分别执行 yara -r -s <rules> <root>
func (e *YaraEngine) Run(ctx context.Context, target Target) (*domain.EngineResult, error) {
	result := newResult(e.Name())

	if e.rulesPath == "" {
		return result, errors.New("no yara rules configured")
	}
	if _, err := os.Stat(e.rulesPath); err != nil {
		return result, fmt.Errorf("yara rules: %w", err)
	}

	files := make(map[string]struct{})
	for _, root := range target.ToolRoots() {
		if err := e.scan(ctx, root, files, result); err != nil {
			result.Stats.FilesScanned = len(files)
			return result, err
		}
	}
	result.Stats.FilesScanned = len(files)

	e.logger.WithFields(logrus.Fields{
		"scan_id": target.ScanID,
		"engine":  e.Name(),
		"matches": result.Stats.Matches,
	}).Debug("YARA scan finished")
	return result, nil
}

// scan 扫描单个目录，命中追加到 result
func (e *YaraEngine) scan(ctx context.Context, root string, files map[string]struct{}, result *domain.EngineResult) error {
	res, err := e.runner.Run(ctx, toolrunner.YaraSpec(e.bin), toolrunner.Invocation{
		Args:          toolrunner.YaraScanArgs(e.rulesPath, root),
		Timeout:       e.timeout,
		Mode:          domain.ToolModeOptional,
		CaptureStdout: maxYaraOutput,
	})
	if err != nil {
		return err
	}
	if !res.OK {
		return errors.New(res.Error)
	}

	for _, hit := range parseYaraOutput(res.Stdout) {
		rel := Rel(root, hit.File)
		files[rel] = struct{}{}
		result.Stats.Matches++

		evidence := map[string]interface{}{
			domain.EvidenceEngine: e.Name(),
			domain.EvidenceFile:   rel,
			domain.EvidenceRule:   hit.Rule,
			"strings_matched":     hit.Strings,
		}
		if hit.Offset != "" {
			evidence[domain.EvidenceOffset] = hit.Offset
			evidence["identifier"] = hit.Ident
		}
		if hit.Matched == "" {
			// 纯条件规则没有匹配数据，用文件路径区分不同命中
			evidence[domain.EvidenceMatchPreview] = rel
		}
		result.Findings = append(result.Findings, domain.Finding{
			ID:             "SH-YR-" + hit.Rule,
			Title:          "YARA rule matched: " + hit.Rule,
			Severity:       domain.SeverityHigh,
			Evidence:       evidence,
			Recommendation: "Review the matched file, remove the secret and revoke or rotate it.",
			Source:         e.Name(),
			RawSecret:      hit.Matched,
		})
	}
	return nil
}

// parseYaraOutput 解析 yara -s 输出
//
//	rule_name /path/to/file
//	0x1f:$key: AKIA...
func parseYaraOutput(out []byte) []yaraHit {
	var hits []yaraHit
	scanner := bufio.NewScanner(bytes.NewReader(out))
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)

	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "0x") {
			if len(hits) == 0 {
				continue
			}
			cur := &hits[len(hits)-1]
			cur.Strings++
			if cur.Offset != "" {
				continue
			}
			parts := strings.SplitN(line, ":", 3)
			if len(parts) == 3 {
				cur.Offset = parts[0]
				cur.Ident = parts[1]
				cur.Matched = strings.TrimSpace(parts[2])
			}
			continue
		}
		rule, file, ok := strings.Cut(line, " ")
		if !ok || rule == "" || file == "" {
			continue
		}
		hits = append(hits, yaraHit{Rule: rule, File: file})
	}
	return hits
}
