package domain

import (
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// ToolMode 外部工具可用性策略
type ToolMode string

const (
	ToolModeOff      ToolMode = "off"
	ToolModeOptional ToolMode = "optional"
	ToolModeRequired ToolMode = "required"
	ToolModeAuto     ToolMode = "auto" // 前置步骤没有信号时才执行
)

// ParseToolMode 解析工具模式，空字符串视为 optional
func ParseToolMode(s string) (ToolMode, error) {
	switch m := ToolMode(strings.ToLower(strings.TrimSpace(s))); m {
	case "":
		return ToolModeOptional, nil
	case ToolModeOff, ToolModeOptional, ToolModeRequired, ToolModeAuto:
		return m, nil
	default:
		return "", fmt.Errorf("unknown tool mode %q (want off, optional, required or auto)", s)
	}
}

// ScanRequest 扫描请求，创建后不可修改
type ScanRequest struct {
	ScanID         string
	ArtifactPath   string
	FileName       string
	FileSize       int64
	SHA256         string
	MD5            string
	EnabledEngines []string
	ApktoolMode    ToolMode
	ApktoolBin     string        // 覆盖 apktool 路径
	ToolTimeout    time.Duration // 0 表示使用配置默认值
}

// RequestOptions 创建请求的可选参数
type RequestOptions struct {
	ScanID      string
	ApktoolMode ToolMode
	ApktoolBin  string
	ToolTimeout time.Duration
}

// NewScanRequest 创建扫描请求，一次读取同时计算 MD5 和 SHA256
func NewScanRequest(artifactPath string, engines []string, opts RequestOptions) (*ScanRequest, error) {
	file, err := os.Open(artifactPath)
	if err != nil {
		return nil, fmt.Errorf("open artifact: %w", err)
	}
	defer file.Close()

	md5Hash := md5.New()
	sha256Hash := sha256.New()
	size, err := io.Copy(io.MultiWriter(md5Hash, sha256Hash), file)
	if err != nil {
		return nil, fmt.Errorf("hash artifact: %w", err)
	}

	mode := opts.ApktoolMode
	if mode == "" {
		mode = ToolModeOptional
	}

	return &ScanRequest{
		ScanID:         opts.ScanID,
		ArtifactPath:   artifactPath,
		FileName:       filepath.Base(artifactPath),
		FileSize:       size,
		SHA256:         hex.EncodeToString(sha256Hash.Sum(nil)),
		MD5:            hex.EncodeToString(md5Hash.Sum(nil)),
		EnabledEngines: append([]string(nil), engines...),
		ApktoolMode:    mode,
		ApktoolBin:     opts.ApktoolBin,
		ToolTimeout:    opts.ToolTimeout,
	}, nil
}
