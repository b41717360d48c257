package engine

import (
	"bufio"
	"context"
	"os"
	"path"
	"sort"
	"strings"

	"github.com/apk-analysis/apk-secscan/internal/domain"
	"github.com/sirupsen/logrus"
)

// packerThreshold 置信度达到该值即认为加壳
const packerThreshold = 0.4

// suspiciousPatterns 加固相关文件名片段
var suspiciousPatterns = []string{
	"stub", "shell", "protect", "guard", "jiagu", "secneo", "ijiami", "bangcle", "nagapt",
	"assets/classes", "assets/dex", "assets/jiagu", "assets/protect",
}

// PackerInfo 加壳检测结果
type PackerInfo struct {
	IsPacked   bool     `json:"is_packed"`
	Name       string   `json:"packer_name,omitempty"`
	Type       string   `json:"packer_type,omitempty"`
	Confidence float64  `json:"confidence"`
	Indicators []string `json:"indicators"`
}

// packageStats 解压目录中的加固相关统计
type packageStats struct {
	NativeLibs      []string
	DEXSize         int64
	NativeSize      int64
	DEXCount        int
	SuspiciousFiles []string
	Descriptors     map[string]struct{} // DEX 字符串中的类型描述符
	Files           int
}

// PackerEngine 加固检测，始终基于原始解压目录
type PackerEngine struct {
	rules  []packerRule
	logger *logrus.Logger
}

// NewPackerEngine 创建加固检测引擎
func NewPackerEngine(logger *logrus.Logger) *PackerEngine {
	rules := builtinPackerRules()
	// 按优先级降序
	sort.SliceStable(rules, func(i, j int) bool {
		return rules[i].Priority > rules[j].Priority
	})
	return &PackerEngine{rules: rules, logger: logger}
}

// Name 引擎名称
func (e *PackerEngine) Name() string { return "packer" }

// Run 检测加壳
func (e *PackerEngine) Run(ctx context.Context, target Target) (*domain.EngineResult, error) {
	result := newResult(e.Name())

	stats, unreadable, err := e.collect(ctx, target)
	result.Stats.Skipped = unreadable
	if err != nil {
		return result, err
	}
	result.Stats.FilesScanned = stats.Files

	info := e.Detect(stats)
	if !info.IsPacked {
		e.logger.WithField("scan_id", target.ScanID).Debug("No packer detected")
		return result, nil
	}

	result.Stats.Matches = 1
	result.Findings = append(result.Findings, domain.Finding{
		ID:       "APK-PACK-001",
		Title:    "Packer detected: " + info.Name,
		Severity: domain.SeverityInfo,
		Evidence: map[string]interface{}{
			domain.EvidenceEngine:       e.Name(),
			domain.EvidenceMatchPreview: info.Name,
			"packer_type":               info.Type,
			"confidence":                info.Confidence,
			"indicators":                info.Indicators,
		},
		Recommendation: "Packed code hides most of the bytecode from static analysis; unpack the application and rescan for full coverage.",
		Source:         e.Name(),
	})

	e.logger.WithFields(logrus.Fields{
		"scan_id":     target.ScanID,
		"packer_name": info.Name,
		"packer_type": info.Type,
		"confidence":  info.Confidence,
		"indicators":  info.Indicators,
	}).Info("Packer detected")
	return result, nil
}

// Detect 按优先级匹配规则，返回第一个达到阈值的结果
func (e *PackerEngine) Detect(stats *packageStats) *PackerInfo {
	info := &PackerInfo{Indicators: []string{}}
	for _, rule := range e.rules {
		confidence, indicators := matchPackerRule(rule, stats)
		if confidence >= packerThreshold {
			info.IsPacked = true
			info.Name = rule.Name
			info.Type = rule.Type
			info.Confidence = min(confidence, 1.0)
			info.Indicators = indicators
			return info
		}
	}
	return info
}

func (e *PackerEngine) collect(ctx context.Context, target Target) (*packageStats, int, error) {
	stats := &packageStats{Descriptors: make(map[string]struct{})}

	unreadable, err := walkFiles(ctx, target.WorkRoot, func(_, rel string, size int64) error {
		stats.Files++
		if strings.HasPrefix(rel, "lib/") && strings.HasSuffix(rel, ".so") {
			stats.NativeLibs = append(stats.NativeLibs, path.Base(rel))
			stats.NativeSize += size
		}
		if strings.HasSuffix(rel, ".dex") {
			stats.DEXSize += size
			stats.DEXCount++
		}
		if isSuspiciousFile(rel) {
			stats.SuspiciousFiles = append(stats.SuspiciousFiles, rel)
		}
		return nil
	})
	if err != nil {
		return stats, unreadable, err
	}

	if target.DexStrings != "" {
		if err := loadDescriptors(target.DexStrings, stats.Descriptors); err != nil && !os.IsNotExist(err) {
			unreadable++
		}
	}
	return stats, unreadable, nil
}

// loadDescriptors 只保留形如 Lcom/foo/Bar; 的类型描述符
func loadDescriptors(path string, into map[string]struct{}) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "L") && strings.HasSuffix(line, ";") {
			into[line] = struct{}{}
		}
	}
	return scanner.Err()
}

// matchPackerRule 计算单条规则的置信度
func matchPackerRule(rule packerRule, stats *packageStats) (float64, []string) {
	confidence := 0.0
	indicators := []string{}

	for _, ruleLib := range rule.NativeLibs {
		for _, apkLib := range stats.NativeLibs {
			if matchLibName(ruleLib, apkLib) {
				confidence += 0.4
				indicators = append(indicators, "native_lib:"+apkLib)
			}
		}
	}

	for _, class := range rule.ClassNames {
		if _, ok := stats.Descriptors[classDescriptor(class)]; ok {
			confidence += 0.3
			indicators = append(indicators, "class:"+class)
		}
	}

	if rule.FileSize.DEXMaxKB > 0 && stats.DEXSize > 0 {
		if stats.DEXSize/1024 < rule.FileSize.DEXMaxKB {
			confidence += 0.3
			indicators = append(indicators, "dex_size_anomaly")
		}
	}
	if rule.FileSize.NativeMinMB > 0 && stats.NativeSize > 0 {
		if stats.NativeSize/(1024*1024) > rule.FileSize.NativeMinMB {
			confidence += 0.3
			indicators = append(indicators, "native_size_anomaly")
		}
	}

	for _, file := range stats.SuspiciousFiles {
		lower := strings.ToLower(file)
		for _, s := range rule.Strings {
			if strings.Contains(lower, strings.ToLower(s)) {
				confidence += 0.2
				indicators = append(indicators, "suspicious_file:"+file)
			}
		}
	}

	return confidence, indicators
}

// matchLibName 库名匹配，容忍版本号后缀 (libshellx-2.10.3.4.so -> libshellx.so)
func matchLibName(pattern, name string) bool {
	if pattern == name {
		return true
	}

	patternBase := strings.TrimSuffix(pattern, ".so")
	nameBase := strings.TrimSuffix(name, ".so")
	if strings.HasPrefix(nameBase, patternBase) {
		return true
	}

	patternCore := strings.Split(strings.TrimPrefix(patternBase, "lib"), "-")[0]
	nameCore := strings.Split(strings.TrimPrefix(nameBase, "lib"), "-")[0]
	return patternCore == nameCore
}

func isSuspiciousFile(name string) bool {
	lower := strings.ToLower(name)
	for _, p := range suspiciousPatterns {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}

// classDescriptor com.stub.StubApp -> Lcom/stub/StubApp;
func classDescriptor(class string) string {
	return "L" + strings.ReplaceAll(class, ".", "/") + ";"
}
