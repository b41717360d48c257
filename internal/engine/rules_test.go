package engine

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/apk-analysis/apk-secscan/internal/domain"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

// TestLoadRuleSet_Builtin 测试内置规则可以完整加载
func TestLoadRuleSet_Builtin(t *testing.T) {
	set, err := LoadRuleSet(RulePaths{}, newTestLogger())
	require.NoError(t, err)

	assert.NotEmpty(t, set.Regex)
	assert.NotEmpty(t, set.Smali)
	require.NotNil(t, set.Manifest)
	assert.NotEmpty(t, set.Manifest.Checks)
	assert.NotEmpty(t, set.Manifest.Permissions)
	for _, s := range set.Stats {
		assert.Zero(t, s.Skipped, "builtin rules in %s must all be valid", s.Source)
	}
}

// TestParseRegexRules_SkipsInvalid 测试单条非法规则被跳过
func TestParseRegexRules_SkipsInvalid(t *testing.T) {
	data := []byte(`[
		{"id":"R1","title":"ok","severity":"HIGH","pattern":"AKIA[0-9A-Z]{16}"},
		{"id":"R2","title":"bad regex","severity":"HIGH","pattern":"(unclosed"},
		{"id":"R3","title":"bad severity","severity":"URGENT","pattern":"x"},
		{"title":"missing id","pattern":"x"},
		"not an object",
		{"id":"R6","pattern":"token","ignore_case":true}
	]`)

	rules, stats, err := ParseRegexRules(data, "test.json", newTestLogger())
	require.NoError(t, err)

	require.Len(t, rules, 2)
	assert.Equal(t, "R1", rules[0].ID)
	assert.Equal(t, "R6", rules[1].ID)
	assert.Equal(t, domain.SeverityMedium, rules[1].Severity, "missing severity defaults to MEDIUM")
	assert.True(t, rules[1].Pattern.MatchString("TOKEN"))
	assert.Equal(t, 2, stats.Loaded)
	assert.Equal(t, 4, stats.Skipped)
}

// TestParseRegexRules_NotArray 测试顶层结构错误
func TestParseRegexRules_NotArray(t *testing.T) {
	_, _, err := ParseRegexRules([]byte(`{"rules":[]}`), "x.json", newTestLogger())
	var ruleErr *RuleError
	require.True(t, errors.As(err, &ruleErr))
	assert.Equal(t, "x.json", ruleErr.Path)
}

// TestParseSmaliRules 测试 smali 规则类型
func TestParseSmaliRules(t *testing.T) {
	data := []byte(`{"rules":[
		{"id":"S1","title":"md5","severity":"MEDIUM","type":"SMALI_REGEX","pattern":"\"MD5\"","cwe":["CWE-327"]},
		{"id":"S2","title":"random","severity":"LOW","type":"STRING","pattern":"Ljava/util/Random;","cwe":"CWE-330"},
		{"id":"S3","title":"bad type","severity":"LOW","type":"XPATH","pattern":"x"}
	]}`)

	rules, stats, err := ParseSmaliRules(data, "smali.json", newTestLogger())
	require.NoError(t, err)
	require.Len(t, rules, 2)
	assert.Equal(t, 1, stats.Skipped)

	assert.True(t, rules[0].Match(`const-string v0, "MD5"`))
	assert.False(t, rules[0].Match(`const-string v0, "SHA-256"`))
	assert.True(t, rules[1].Match(`new-instance v1, Ljava/util/Random;`))
	assert.Equal(t, []string{"CWE-330"}, rules[1].CWE)
}

// TestParseManifestRules_Kinds 测试 kind 校验与旧版 check_type
func TestParseManifestRules_Kinds(t *testing.T) {
	data := []byte(`
manifest_patterns:
  - id: M1
    kind: CONTAINS
    pattern: 'android:debuggable="true"'
    title: debuggable
    severity: HIGH
  - id: M2
    check_type: contains
    pattern: 'android:exported="true"'
    secondary_pattern: '<provider'
    title: exported provider
    severity: high
  - id: M3
    check_type: backup_check
    pattern: android:allowBackup
    title: backup
    severity: MEDIUM
    cwe: CWE-530
  - id: M4
    check_type: complex
    pattern_must_have: '<application'
    pattern_must_not_have: networkSecurityConfig
    title: nsc
    severity: LOW
  - id: M5
    kind: REGEX
    pattern: x
    title: unknown kind
    severity: LOW
  - id: M6
    kind: CONTAINS_WITH_SECONDARY
    pattern: only-primary
    title: missing secondary
    severity: LOW
  - id: M7
    kind: CONTAINS
    pattern: x
    title: no severity
dangerous_permissions:
  - name: android.permission.READ_SMS
    cwe: [CWE-250]
  - title: missing name
`)

	rules, stats, err := ParseManifestRules(data, "manifest.yaml", newTestLogger())
	require.NoError(t, err)

	require.Len(t, rules.Checks, 4)
	assert.Equal(t, CheckContains, rules.Checks[0].Kind)
	assert.Equal(t, CheckContainsWithSecondary, rules.Checks[1].Kind)
	assert.Equal(t, domain.SeverityHigh, rules.Checks[1].Severity)
	assert.Equal(t, CheckAbsenceOrExplicitTrue, rules.Checks[2].Kind)
	assert.Equal(t, CWEList{"CWE-530"}, rules.Checks[2].CWE)
	assert.Equal(t, CheckMustHaveMustNotHave, rules.Checks[3].Kind)

	require.Len(t, rules.Permissions, 1)
	assert.Equal(t, domain.SeverityMedium, rules.Permissions[0].Severity)
	assert.Contains(t, rules.Permissions[0].Title, "READ_SMS")

	assert.Equal(t, 5, stats.Loaded)
	assert.Equal(t, 4, stats.Skipped)
}

// TestLoadRuleSet_MissingFile 测试规则文件不存在
func TestLoadRuleSet_MissingFile(t *testing.T) {
	_, err := LoadRuleSet(RulePaths{Regex: filepath.Join(t.TempDir(), "missing.json")}, newTestLogger())
	var ruleErr *RuleError
	require.True(t, errors.As(err, &ruleErr))
	assert.True(t, errors.Is(err, os.ErrNotExist))
}
