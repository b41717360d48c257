package dexstrings

import (
	"archive/zip"
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
)

// OutputFile 工作目录中保存字符串的文件名
const OutputFile = "dex_strings.txt"

// maxDEXSize 单个 DEX 读取上限
const maxDEXSize = 256 << 20

// FileResult 单个 DEX 文件的解码统计
type FileResult struct {
	Name     string `json:"name"`
	Valid    bool   `json:"valid"`
	Declared int    `json:"declared"`
	Decoded  int    `json:"decoded"`
	Skipped  int    `json:"skipped"`
}

// ArchiveResult 整个 APK 的解码结果
type ArchiveResult struct {
	Strings []string
	Files   []FileResult
	Skipped int
}

// IsDEXEntry 判断条目名是否为 classes*.dex（仅根目录）
func IsDEXEntry(name string) bool {
	return !strings.Contains(name, "/") && strings.HasPrefix(name, "classes") && strings.HasSuffix(name, ".dex")
}

// Decoder 从 APK 中直接解码 DEX 字符串池
type Decoder struct {
	logger *logrus.Logger
	limits Limits
}

// NewDecoder 创建解码器
func NewDecoder(logger *logrus.Logger, limits Limits) *Decoder {
	return &Decoder{logger: logger, limits: limits}
}

// DecodeArchive 读取 APK 中的 classes*.dex 并解码字符串池
func (d *Decoder) DecodeArchive(ctx context.Context, apkPath string) (*ArchiveResult, error) {
	reader, err := zip.OpenReader(apkPath)
	if err != nil && reader == nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}
	defer reader.Close()

	result := &ArchiveResult{}
	remaining := d.limits.MaxStrings
	if remaining <= 0 {
		remaining = DefaultMaxStrings
	}

	for _, file := range reader.File {
		if !IsDEXEntry(file.Name) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		data, err := readEntry(file)
		if err != nil {
			d.logger.WithError(err).WithField("dex", file.Name).Warn("Failed to read DEX entry")
			result.Files = append(result.Files, FileResult{Name: file.Name})
			continue
		}

		limits := d.limits
		limits.MaxStrings = remaining
		decoded := Decode(data, limits)

		result.Strings = append(result.Strings, decoded.Strings...)
		result.Skipped += decoded.Skipped
		result.Files = append(result.Files, FileResult{
			Name:     file.Name,
			Valid:    IsDEX(data),
			Declared: decoded.Declared,
			Decoded:  len(decoded.Strings),
			Skipped:  decoded.Skipped,
		})

		remaining -= len(decoded.Strings)
		if remaining <= 0 {
			d.logger.WithField("max_strings", d.limits.MaxStrings).Warn("DEX string cap reached, remaining DEX files ignored")
			break
		}
	}

	d.logger.WithFields(logrus.Fields{
		"dex_files": len(result.Files),
		"strings":   len(result.Strings),
		"skipped":   result.Skipped,
	}).Info("DEX string pools decoded")

	return result, nil
}

// WriteFile 每行一个字符串写入 dir/dex_strings.txt，返回文件路径
func WriteFile(dir string, strs []string) (string, error) {
	path := filepath.Join(dir, OutputFile)
	f, err := os.Create(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	for i, s := range strs {
		if i > 0 {
			w.WriteByte('\n')
		}
		// 字符串内部的换行会破坏逐行格式
		w.WriteString(strings.ReplaceAll(s, "\n", "\\n"))
	}
	if err := w.Flush(); err != nil {
		return "", err
	}
	return path, nil
}

func readEntry(file *zip.File) ([]byte, error) {
	rc, err := file.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(io.LimitReader(rc, maxDEXSize))
}
