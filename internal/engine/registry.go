package engine

import (
	"fmt"
	"strings"
	"time"

	"github.com/apk-analysis/apk-secscan/internal/toolrunner"
	"github.com/sirupsen/logrus"
)

// 引擎名称，声明顺序即报告中发现的排列顺序
const (
	NameManifest  = "manifest"
	NameRegex     = "regex"
	NameSmali     = "smali"
	NameEndpoints = "endpoints"
	NamePacker    = "packer"
	NameGitleaks  = "gitleaks"
	NameYara      = "yara"
)

var declarationOrder = []string{
	NameManifest,
	NameRegex,
	NameSmali,
	NameEndpoints,
	NamePacker,
	NameGitleaks,
	NameYara,
}

// Names 全部引擎名称（声明顺序）
func Names() []string {
	return append([]string(nil), declarationOrder...)
}

// ToolConfig 外部工具引擎配置
type ToolConfig struct {
	Bin     string
	Timeout time.Duration
	Rules   string // 仅 yara 使用
}

// Deps 构建引擎所需的依赖
type Deps struct {
	Rules    *RuleSet
	Runner   *toolrunner.Runner
	Gitleaks ToolConfig
	Yara     ToolConfig
	Logger   *logrus.Logger
}

// Registry 按名称构建引擎
type Registry struct {
	deps Deps
}

// NewRegistry 创建注册表
func NewRegistry(deps Deps) *Registry {
	if deps.Rules == nil {
		deps.Rules = &RuleSet{Manifest: &ManifestRules{}}
	}
	return &Registry{deps: deps}
}

// ParseNames 解析逗号分隔的引擎列表，空字符串表示全部
func ParseNames(s string) ([]string, error) {
	if strings.TrimSpace(s) == "" {
		return Names(), nil
	}
	var names []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			names = append(names, part)
		}
	}
	return Normalize(names)
}

// Normalize 校验名称并按声明顺序去重排列；未知名称直接拒绝
func Normalize(names []string) ([]string, error) {
	if len(names) == 0 {
		return Names(), nil
	}
	requested := make(map[string]bool, len(names))
	for _, n := range names {
		n = strings.ToLower(strings.TrimSpace(n))
		if !isKnown(n) {
			return nil, fmt.Errorf("unknown engine %q (available: %s)", n, strings.Join(declarationOrder, ", "))
		}
		requested[n] = true
	}
	out := make([]string, 0, len(requested))
	for _, n := range declarationOrder {
		if requested[n] {
			out = append(out, n)
		}
	}
	return out, nil
}

func isKnown(name string) bool {
	for _, n := range declarationOrder {
		if n == name {
			return true
		}
	}
	return false
}

// Build 按声明顺序构建请求的引擎
func (r *Registry) Build(names []string) ([]Engine, error) {
	ordered, err := Normalize(names)
	if err != nil {
		return nil, err
	}

	d := r.deps
	engines := make([]Engine, 0, len(ordered))
	for _, name := range ordered {
		switch name {
		case NameManifest:
			engines = append(engines, NewManifestEngine(d.Rules.Manifest, d.Logger))
		case NameRegex:
			engines = append(engines, NewRegexEngine(d.Rules.Regex, d.Logger))
		case NameSmali:
			engines = append(engines, NewSmaliEngine(d.Rules.Smali, d.Logger))
		case NameEndpoints:
			engines = append(engines, NewEndpointsEngine(d.Logger))
		case NamePacker:
			engines = append(engines, NewPackerEngine(d.Logger))
		case NameGitleaks:
			engines = append(engines, NewGitleaksEngine(d.Runner, d.Gitleaks.Bin, d.Gitleaks.Timeout, d.Logger))
		case NameYara:
			engines = append(engines, NewYaraEngine(d.Runner, d.Yara.Bin, d.Yara.Rules, d.Yara.Timeout, d.Logger))
		}
	}
	return engines, nil
}
