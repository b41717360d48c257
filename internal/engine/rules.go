package engine

import (
	"embed"
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/apk-analysis/apk-secscan/internal/domain"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

//go:embed rules/regex_rules.json rules/smali_rules.json rules/manifest_rules.yaml
var builtinRules embed.FS

const (
	builtinRegex    = "rules/regex_rules.json"
	builtinSmali    = "rules/smali_rules.json"
	builtinManifest = "rules/manifest_rules.yaml"
)

// RuleError 规则文件整体不可用（读取失败或顶层结构不对）
type RuleError struct {
	Path string
	Err  error
}

func (e *RuleError) Error() string {
	return fmt.Sprintf("load rules %s: %v", e.Path, e.Err)
}

func (e *RuleError) Unwrap() error {
	return e.Err
}

// LoadStats 单个规则文件的加载统计
type LoadStats struct {
	Source  string `json:"source"`
	Loaded  int    `json:"loaded"`
	Skipped int    `json:"skipped"`
}

// CWEList 兼容 "CWE-798" 与 ["CWE-798"] 两种写法
type CWEList []string

// UnmarshalJSON 实现 json.Unmarshaler
func (c *CWEList) UnmarshalJSON(data []byte) error {
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		*c = splitCWE(single)
		return nil
	}
	var list []string
	if err := json.Unmarshal(data, &list); err != nil {
		return fmt.Errorf("cwe must be a string or a list of strings")
	}
	*c = list
	return nil
}

// UnmarshalYAML 实现 yaml.Unmarshaler
func (c *CWEList) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		*c = splitCWE(node.Value)
		return nil
	case yaml.SequenceNode:
		var list []string
		if err := node.Decode(&list); err != nil {
			return err
		}
		*c = list
		return nil
	default:
		return fmt.Errorf("line %d: cwe must be a string or a list of strings", node.Line)
	}
}

func splitCWE(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// ==================== regex ====================

// RegexRule 文本正则规则
type RegexRule struct {
	ID             string
	Title          string
	Severity       domain.Severity
	Recommendation string
	Pattern        *regexp.Regexp
}

type regexRuleFile struct {
	ID             string `json:"id"`
	Title          string `json:"title"`
	Severity       string `json:"severity"`
	Pattern        string `json:"pattern"`
	Recommendation string `json:"recommendation"`
	IgnoreCase     bool   `json:"ignore_case"`
}

// ParseRegexRules 解析 JSON 数组格式的正则规则，单条非法规则被跳过
func ParseRegexRules(data []byte, source string, logger *logrus.Logger) ([]RegexRule, LoadStats, error) {
	stats := LoadStats{Source: source}

	var items []json.RawMessage
	if err := json.Unmarshal(data, &items); err != nil {
		return nil, stats, &RuleError{Path: source, Err: fmt.Errorf("regex rules must be a JSON array: %w", err)}
	}

	rules := make([]RegexRule, 0, len(items))
	for i, item := range items {
		rule, err := compileRegexRule(item)
		if err != nil {
			stats.Skipped++
			logger.WithFields(logrus.Fields{"source": source, "index": i}).WithError(err).Warn("Skipping invalid regex rule")
			continue
		}
		rules = append(rules, rule)
	}
	stats.Loaded = len(rules)
	return rules, stats, nil
}

func compileRegexRule(raw json.RawMessage) (RegexRule, error) {
	var r regexRuleFile
	if err := json.Unmarshal(raw, &r); err != nil {
		return RegexRule{}, err
	}
	if r.ID == "" || r.Pattern == "" {
		return RegexRule{}, fmt.Errorf("id and pattern are required")
	}
	sev, err := severityOrDefault(r.Severity, domain.SeverityMedium)
	if err != nil {
		return RegexRule{}, fmt.Errorf("rule %s: %w", r.ID, err)
	}
	pattern := r.Pattern
	if r.IgnoreCase {
		pattern = "(?i)" + pattern
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return RegexRule{}, fmt.Errorf("rule %s: %w", r.ID, err)
	}
	title := r.Title
	if title == "" {
		title = "Secret detected by regex"
	}
	return RegexRule{ID: r.ID, Title: title, Severity: sev, Recommendation: r.Recommendation, Pattern: re}, nil
}

// ==================== smali ====================

// SmaliMatchType smali 规则匹配方式
type SmaliMatchType string

const (
	SmaliRegex  SmaliMatchType = "SMALI_REGEX"
	SmaliString SmaliMatchType = "STRING"
)

// SmaliRule smali 逐行规则
type SmaliRule struct {
	ID             string
	Title          string
	Severity       domain.Severity
	Type           SmaliMatchType
	Recommendation string
	CWE            []string

	literal string
	re      *regexp.Regexp
}

// Match 判断单行是否命中
func (r *SmaliRule) Match(line string) bool {
	if r.Type == SmaliRegex {
		return r.re.MatchString(line)
	}
	return strings.Contains(line, r.literal)
}

type smaliRuleFile struct {
	ID             string  `json:"id"`
	Title          string  `json:"title"`
	Severity       string  `json:"severity"`
	Type           string  `json:"type"`
	Pattern        string  `json:"pattern"`
	Recommendation string  `json:"recommendation"`
	CWE            CWEList `json:"cwe"`
}

// ParseSmaliRules 解析 {"rules": [...]} 格式
func ParseSmaliRules(data []byte, source string, logger *logrus.Logger) ([]SmaliRule, LoadStats, error) {
	stats := LoadStats{Source: source}

	var doc struct {
		Rules []json.RawMessage `json:"rules"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, stats, &RuleError{Path: source, Err: fmt.Errorf("smali rules must be an object with a rules array: %w", err)}
	}

	rules := make([]SmaliRule, 0, len(doc.Rules))
	for i, item := range doc.Rules {
		rule, err := compileSmaliRule(item)
		if err != nil {
			stats.Skipped++
			logger.WithFields(logrus.Fields{"source": source, "index": i}).WithError(err).Warn("Skipping invalid smali rule")
			continue
		}
		rules = append(rules, rule)
	}
	stats.Loaded = len(rules)
	return rules, stats, nil
}

func compileSmaliRule(raw json.RawMessage) (SmaliRule, error) {
	var r smaliRuleFile
	if err := json.Unmarshal(raw, &r); err != nil {
		return SmaliRule{}, err
	}
	if r.ID == "" || r.Title == "" || r.Pattern == "" {
		return SmaliRule{}, fmt.Errorf("id, title and pattern are required")
	}
	sev, err := domain.ParseSeverity(r.Severity)
	if err != nil {
		return SmaliRule{}, fmt.Errorf("rule %s: %w", r.ID, err)
	}

	rule := SmaliRule{ID: r.ID, Title: r.Title, Severity: sev, Recommendation: r.Recommendation, CWE: r.CWE}
	switch SmaliMatchType(strings.ToUpper(r.Type)) {
	case SmaliRegex:
		re, err := regexp.Compile(r.Pattern)
		if err != nil {
			return SmaliRule{}, fmt.Errorf("rule %s: %w", r.ID, err)
		}
		rule.Type, rule.re = SmaliRegex, re
	case SmaliString, "":
		rule.Type, rule.literal = SmaliString, r.Pattern
	default:
		return SmaliRule{}, fmt.Errorf("rule %s: unknown type %q", r.ID, r.Type)
	}
	return rule, nil
}

// ==================== manifest ====================

// ManifestCheckKind manifest 检查类型
type ManifestCheckKind string

const (
	// CheckContains pattern 出现即命中
	CheckContains ManifestCheckKind = "CONTAINS"
	// CheckContainsWithSecondary pattern 与 secondary_pattern 同时出现
	CheckContainsWithSecondary ManifestCheckKind = "CONTAINS_WITH_SECONDARY"
	// CheckAbsenceOrExplicitTrue 属性缺失或显式为 "true"
	CheckAbsenceOrExplicitTrue ManifestCheckKind = "ABSENCE_OR_EXPLICIT_TRUE"
	// CheckMustHaveMustNotHave must_have 出现且 must_not_have 不出现
	CheckMustHaveMustNotHave ManifestCheckKind = "MUST_HAVE_AND_MUST_NOT_HAVE"
)

// legacyKinds 旧版 check_type 名称
var legacyKinds = map[string]ManifestCheckKind{
	"contains":     CheckContains,
	"backup_check": CheckAbsenceOrExplicitTrue,
	"complex":      CheckMustHaveMustNotHave,
}

// ManifestRule manifest 检查规则
type ManifestRule struct {
	ID               string            `yaml:"id"`
	Kind             ManifestCheckKind `yaml:"kind"`
	CheckType        string            `yaml:"check_type"`
	Pattern          string            `yaml:"pattern"`
	SecondaryPattern string            `yaml:"secondary_pattern"`
	MustHave         string            `yaml:"pattern_must_have"`
	MustNotHave      string            `yaml:"pattern_must_not_have"`
	Title            string            `yaml:"title"`
	Severity         domain.Severity   `yaml:"severity"`
	CWE              CWEList           `yaml:"cwe"`
	Description      string            `yaml:"description"`
	Recommendation   string            `yaml:"recommendation"`
}

// DangerousPermission 危险权限
type DangerousPermission struct {
	Name           string          `yaml:"name"`
	Title          string          `yaml:"title"`
	Severity       domain.Severity `yaml:"severity"`
	CWE            CWEList         `yaml:"cwe"`
	Description    string          `yaml:"description"`
	Recommendation string          `yaml:"recommendation"`
}

// ManifestRules manifest 规则集
type ManifestRules struct {
	Checks      []ManifestRule
	Permissions []DangerousPermission
}

// ParseManifestRules 解析 YAML 规则；未知 kind 与缺字段的规则在加载时被拒绝
func ParseManifestRules(data []byte, source string, logger *logrus.Logger) (*ManifestRules, LoadStats, error) {
	stats := LoadStats{Source: source}

	var doc struct {
		Checks      []yaml.Node `yaml:"manifest_patterns"`
		Permissions []yaml.Node `yaml:"dangerous_permissions"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, stats, &RuleError{Path: source, Err: err}
	}

	rules := &ManifestRules{}
	for i := range doc.Checks {
		var r ManifestRule
		err := doc.Checks[i].Decode(&r)
		if err == nil {
			err = r.normalize()
		}
		if err != nil {
			stats.Skipped++
			logger.WithFields(logrus.Fields{"source": source, "line": doc.Checks[i].Line}).WithError(err).Warn("Skipping invalid manifest rule")
			continue
		}
		rules.Checks = append(rules.Checks, r)
	}
	for i := range doc.Permissions {
		var p DangerousPermission
		err := doc.Permissions[i].Decode(&p)
		if err == nil {
			err = p.normalize()
		}
		if err != nil {
			stats.Skipped++
			logger.WithFields(logrus.Fields{"source": source, "line": doc.Permissions[i].Line}).WithError(err).Warn("Skipping invalid dangerous permission")
			continue
		}
		rules.Permissions = append(rules.Permissions, p)
	}

	stats.Loaded = len(rules.Checks) + len(rules.Permissions)
	return rules, stats, nil
}

// normalize 解析旧版 check_type 并按 kind 校验必填字段
func (r *ManifestRule) normalize() error {
	if r.Kind == "" && r.CheckType != "" {
		kind, ok := legacyKinds[strings.ToLower(r.CheckType)]
		if !ok {
			return fmt.Errorf("unknown check_type %q", r.CheckType)
		}
		r.Kind = kind
		if kind == CheckContains && r.SecondaryPattern != "" {
			r.Kind = CheckContainsWithSecondary
		}
	}
	if r.Kind == "" {
		r.Kind = CheckContains
	}
	r.Kind = ManifestCheckKind(strings.ToUpper(string(r.Kind)))

	if r.Title == "" {
		return fmt.Errorf("title is required")
	}
	sev, err := domain.ParseSeverity(string(r.Severity))
	if err != nil {
		return err
	}
	r.Severity = sev

	switch r.Kind {
	case CheckContains, CheckAbsenceOrExplicitTrue:
		if r.Pattern == "" {
			return fmt.Errorf("%s requires pattern", r.Kind)
		}
	case CheckContainsWithSecondary:
		if r.Pattern == "" || r.SecondaryPattern == "" {
			return fmt.Errorf("%s requires pattern and secondary_pattern", r.Kind)
		}
	case CheckMustHaveMustNotHave:
		if r.MustHave == "" || r.MustNotHave == "" {
			return fmt.Errorf("%s requires pattern_must_have and pattern_must_not_have", r.Kind)
		}
	default:
		return fmt.Errorf("unknown kind %q", r.Kind)
	}

	if r.ID == "" {
		r.ID = "MANIFEST-" + strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(r.Title), " ", "_"))
	}
	return nil
}

func (p *DangerousPermission) normalize() error {
	if p.Name == "" {
		return fmt.Errorf("name is required")
	}
	sev, err := severityOrDefault(string(p.Severity), domain.SeverityMedium)
	if err != nil {
		return err
	}
	p.Severity = sev
	if p.Title == "" {
		p.Title = "Dangerous permission requested: " + p.Name
	}
	return nil
}

func severityOrDefault(s string, def domain.Severity) (domain.Severity, error) {
	if strings.TrimSpace(s) == "" {
		return def, nil
	}
	return domain.ParseSeverity(s)
}

// ==================== rule set ====================

// RulePaths 规则文件路径，为空时使用内置规则
type RulePaths struct {
	Regex    string
	Smali    string
	Manifest string
}

// RuleSet 一次加载、按引用传给各引擎的规则集合
type RuleSet struct {
	Regex    []RegexRule
	Smali    []SmaliRule
	Manifest *ManifestRules
	Stats    []LoadStats
}

// LoadRuleSet 加载全部规则文件
func LoadRuleSet(paths RulePaths, logger *logrus.Logger) (*RuleSet, error) {
	set := &RuleSet{}

	data, source, err := readRules(paths.Regex, builtinRegex)
	if err != nil {
		return nil, err
	}
	regexRules, stats, err := ParseRegexRules(data, source, logger)
	if err != nil {
		return nil, err
	}
	set.Regex = regexRules
	set.Stats = append(set.Stats, stats)

	data, source, err = readRules(paths.Smali, builtinSmali)
	if err != nil {
		return nil, err
	}
	smaliRules, stats, err := ParseSmaliRules(data, source, logger)
	if err != nil {
		return nil, err
	}
	set.Smali = smaliRules
	set.Stats = append(set.Stats, stats)

	data, source, err = readRules(paths.Manifest, builtinManifest)
	if err != nil {
		return nil, err
	}
	manifestRules, stats, err := ParseManifestRules(data, source, logger)
	if err != nil {
		return nil, err
	}
	set.Manifest = manifestRules
	set.Stats = append(set.Stats, stats)

	for _, s := range set.Stats {
		logger.WithFields(logrus.Fields{
			"source":  s.Source,
			"loaded":  s.Loaded,
			"skipped": s.Skipped,
		}).Info("Rules loaded")
	}
	return set, nil
}

func readRules(path, builtin string) ([]byte, string, error) {
	if path == "" {
		data, err := builtinRules.ReadFile(builtin)
		if err != nil {
			return nil, "builtin:" + builtin, &RuleError{Path: "builtin:" + builtin, Err: err}
		}
		return data, "builtin:" + builtin, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, path, &RuleError{Path: path, Err: err}
	}
	return data, path, nil
}
