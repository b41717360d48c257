package extractor

import (
	"archive/zip"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
)

// ExtractionError 压缩包无法打开或读取，整个扫描必须中止
type ExtractionError struct {
	Archive string
	Err     error
}

func (e *ExtractionError) Error() string {
	return fmt.Sprintf("extract %s: %v", e.Archive, e.Err)
}

func (e *ExtractionError) Unwrap() error {
	return e.Err
}

// WorkTree 解压结果
type WorkTree struct {
	Root      string   // 扫描专属根目录
	Files     []string // 相对 Root 的文件路径
	Skipped   []string // 因路径越界被跳过的条目名
	Oversized []string // 超过单条目大小上限被跳过的条目名
	Failed    int      // 单个条目读写失败（跳过并计数）
}

// errEntryTooLarge 条目实际解压大小超过上限
var errEntryTooLarge = errors.New("entry exceeds size limit")

// Count 实际写入的文件数
func (w *WorkTree) Count() int {
	return len(w.Files)
}

// Extractor 安全解压器
type Extractor struct {
	logger       *logrus.Logger
	maxEntrySize int64 // 单个条目最大解压字节数，0 表示不限制
}

// NewExtractor 创建解压器
func NewExtractor(logger *logrus.Logger, maxEntrySize int64) *Extractor {
	return &Extractor{logger: logger, maxEntrySize: maxEntrySize}
}

// ScopedDir 返回按内容哈希隔离的工作目录
func ScopedDir(workDir, sha256 string) string {
	return filepath.Join(workDir, sha256)
}

// Extract 将 archivePath 解压到 destRoot
//
// 每个条目的目标路径都必须是 destRoot 的严格子路径，越界条目（../、绝对路径、
// 盘符路径）被跳过，其余条目继续解压。只有压缩包本身打不开才返回 ExtractionError。
func (e *Extractor) Extract(ctx context.Context, archivePath, destRoot string) (*WorkTree, error) {
	reader, err := zip.OpenReader(archivePath)
	if err != nil && !errors.Is(err, zip.ErrInsecurePath) {
		return nil, &ExtractionError{Archive: archivePath, Err: err}
	}
	// ErrInsecurePath 时 reader 仍然有效，越界条目在下面逐个跳过
	defer reader.Close()

	root, err := filepath.Abs(destRoot)
	if err != nil {
		return nil, &ExtractionError{Archive: archivePath, Err: err}
	}
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("create work dir: %w", err)
	}

	tree := &WorkTree{Root: root}

	for _, file := range reader.File {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		target, ok := safeJoin(root, file.Name)
		if !ok {
			tree.Skipped = append(tree.Skipped, file.Name)
			e.logger.WithFields(logrus.Fields{
				"entry":   file.Name,
				"archive": filepath.Base(archivePath),
			}).Warn("Skipping archive entry outside destination root")
			continue
		}

		if file.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0755); err != nil {
				tree.Failed++
			}
			continue
		}

		if e.maxEntrySize > 0 && file.UncompressedSize64 > uint64(e.maxEntrySize) {
			tree.Oversized = append(tree.Oversized, file.Name)
			e.logger.WithFields(logrus.Fields{
				"entry": file.Name,
				"size":  file.UncompressedSize64,
				"limit": e.maxEntrySize,
			}).Warn("Skipping oversized archive entry")
			continue
		}

		if err := e.writeEntry(file, target); err != nil {
			if errors.Is(err, errEntryTooLarge) {
				os.Remove(target)
				tree.Oversized = append(tree.Oversized, file.Name)
				e.logger.WithField("entry", file.Name).Warn("Archive entry larger than declared, skipped")
				continue
			}
			tree.Failed++
			e.logger.WithError(err).WithField("entry", file.Name).Debug("Failed to extract entry")
			continue
		}

		rel, _ := filepath.Rel(root, target)
		tree.Files = append(tree.Files, filepath.ToSlash(rel))
	}

	e.logger.WithFields(logrus.Fields{
		"root":      root,
		"extracted": tree.Count(),
		"skipped":   len(tree.Skipped),
		"oversized": len(tree.Oversized),
		"failed":    tree.Failed,
	}).Info("Archive extracted")

	return tree, nil
}

// writeEntry 写出单个条目，实际大小超过上限时返回 errEntryTooLarge
func (e *Extractor) writeEntry(file *zip.File, target string) error {
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return err
	}

	src, err := file.Open()
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	defer dst.Close()

	if e.maxEntrySize <= 0 {
		_, err = io.Copy(dst, src)
		return err
	}
	n, err := io.CopyN(dst, src, e.maxEntrySize+1)
	if n > e.maxEntrySize {
		return errEntryTooLarge
	}
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

// safeJoin 规范化条目路径，仅当结果位于 root 之内时返回 true
func safeJoin(root, name string) (string, bool) {
	if name == "" {
		return "", false
	}
	normalized := strings.ReplaceAll(name, "\\", "/")
	if strings.HasPrefix(normalized, "/") || filepath.IsAbs(name) || filepath.VolumeName(name) != "" {
		return "", false
	}
	// Windows 盘符形式 (C:/...) 在非 Windows 平台上不会被 IsAbs 识别
	if len(normalized) >= 2 && normalized[1] == ':' {
		return "", false
	}
	for _, seg := range strings.Split(normalized, "/") {
		if seg == ".." {
			return "", false
		}
	}

	target := filepath.Join(root, filepath.FromSlash(normalized))
	rel, err := filepath.Rel(root, target)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", false
	}
	return target, true
}
