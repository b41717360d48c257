package engine

import (
	"testing"

	"github.com/apk-analysis/apk-secscan/internal/toolrunner"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestNormalize 测试名称校验与声明顺序
func TestNormalize(t *testing.T) {
	names, err := Normalize([]string{"yara", "Regex", "manifest", "regex"})
	require.NoError(t, err)
	assert.Equal(t, []string{"manifest", "regex", "yara"}, names)

	all, err := Normalize(nil)
	require.NoError(t, err)
	assert.Equal(t, Names(), all)

	_, err = Normalize([]string{"manifest", "semgrep"})
	assert.ErrorContains(t, err, `unknown engine "semgrep"`)
}

// TestParseNames 测试逗号分隔的引擎列表
func TestParseNames(t *testing.T) {
	names, err := ParseNames(" smali, ,endpoints ")
	require.NoError(t, err)
	assert.Equal(t, []string{"smali", "endpoints"}, names)

	names, err = ParseNames("")
	require.NoError(t, err)
	assert.Len(t, names, 7)
}

// TestRegistry_Build 测试按声明顺序构建引擎
func TestRegistry_Build(t *testing.T) {
	registry := NewRegistry(Deps{
		Rules:  builtinRuleSet(t),
		Runner: toolrunner.NewRunner(newTestLogger()),
		Logger: newTestLogger(),
	})

	engines, err := registry.Build([]string{"packer", "manifest", "gitleaks"})
	require.NoError(t, err)
	require.Len(t, engines, 3)
	assert.Equal(t, "manifest", engines[0].Name())
	assert.Equal(t, "packer", engines[1].Name())
	assert.Equal(t, "gitleaks", engines[2].Name())

	all, err := registry.Build(nil)
	require.NoError(t, err)
	for i, e := range all {
		assert.Equal(t, declarationOrder[i], e.Name())
	}

	_, err = registry.Build([]string{"bogus"})
	assert.Error(t, err)
}
