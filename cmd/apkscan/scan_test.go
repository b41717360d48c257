package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/apk-analysis/apk-secscan/internal/config"
	"github.com/apk-analysis/apk-secscan/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestApplyScanFlags 测试命令行参数覆盖配置
func TestApplyScanFlags(t *testing.T) {
	cfg := config.Default().Scan

	applyScanFlags(&cfg, scanFlags{
		apktool:    "required",
		apktoolBin: "/opt/apktool",
		timeout:    60,
		workDir:    "/tmp/work",
		keep:       true,
		noDex:      true,
	})

	assert.Equal(t, "required", cfg.Apktool.Mode)
	assert.Equal(t, "/opt/apktool", cfg.Apktool.Bin)
	assert.Equal(t, 60, cfg.Apktool.Timeout)
	assert.Equal(t, 60, cfg.Gitleaks.Timeout)
	assert.Equal(t, 60, cfg.Yara.Timeout)
	assert.Equal(t, "/tmp/work", cfg.WorkDir)
	assert.True(t, cfg.KeepWorkDir)
	assert.False(t, cfg.DexStrings)

	untouched := config.Default().Scan
	applyScanFlags(&untouched, scanFlags{})
	assert.Equal(t, config.Default().Scan, untouched)
}

// TestBuildRequest 测试请求构造与校验
func TestBuildRequest(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.apk")
	require.NoError(t, os.WriteFile(path, []byte("hello"), 0644))

	cfg := config.Default().Scan
	cfg.Apktool.Mode = "auto"
	cfg.EnabledEngines = []string{"smali", "manifest"}

	req, err := buildRequest(path, &cfg, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"manifest", "smali"}, req.EnabledEngines)
	assert.Equal(t, domain.ToolModeAuto, req.ApktoolMode)
	assert.Equal(t, 180*time.Second, req.ToolTimeout)
	assert.Equal(t, "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824", req.SHA256)
	assert.NotEmpty(t, req.ScanID)

	req, err = buildRequest(path, &cfg, "regex, yara")
	require.NoError(t, err)
	assert.Equal(t, []string{"regex", "yara"}, req.EnabledEngines)

	_, err = buildRequest(path, &cfg, "regex,nope")
	assert.Error(t, err)

	cfg.Apktool.Mode = "REQUIRED"
	req, err = buildRequest(path, &cfg, "")
	require.NoError(t, err)
	assert.Equal(t, domain.ToolModeRequired, req.ApktoolMode)

	cfg.Apktool.Mode = "sometimes"
	_, err = buildRequest(path, &cfg, "")
	assert.Error(t, err)

	cfg.Apktool.Mode = "off"
	_, err = buildRequest(filepath.Join(t.TempDir(), "missing.apk"), &cfg, "")
	assert.Error(t, err)
}

// TestProgressPrinter 测试进度行格式
func TestProgressPrinter(t *testing.T) {
	var buf bytes.Buffer
	p := &progressPrinter{w: &buf}

	p.Emit(domain.ScanEvent{Stage: domain.StageEngine, Name: "regex", Status: "ok", Findings: 2, Time: time.Now()})
	p.Emit(domain.ScanEvent{Stage: domain.StageApktool, Status: "failed", Message: "exit 1", Time: time.Now()})

	out := buf.String()
	assert.Contains(t, out, "engine/regex")
	assert.Contains(t, out, "ok (2 findings)")
	assert.Contains(t, out, "failed: exit 1")
}

// TestEnginesCommand 测试引擎列表命令
func TestEnginesCommand(t *testing.T) {
	var buf bytes.Buffer
	rootCmd.SetOut(&buf)
	rootCmd.SetArgs([]string{"engines"})
	defer rootCmd.SetArgs(nil)

	require.NoError(t, rootCmd.Execute())
	assert.Equal(t, "manifest\nregex\nsmali\nendpoints\npacker\ngitleaks\nyara\n", buf.String())
}
