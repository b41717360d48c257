package engine

import (
	"context"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

const (
	// maxTextRead 单个文件最多读取的字节数
	maxTextRead = 512000
	// smallFileThreshold 扩展名未知时，小于该大小的文件视为文本
	smallFileThreshold = 256000
)

var textExtensions = map[string]bool{
	".txt": true, ".xml": true, ".json": true, ".yml": true, ".yaml": true,
	".properties": true, ".gradle": true, ".kt": true, ".java": true, ".js": true,
	".ts": true, ".py": true, ".rb": true, ".go": true, ".php": true, ".cs": true,
	".swift": true, ".m": true, ".mm": true, ".html": true, ".css": true, ".md": true,
	".ini": true, ".cfg": true, ".conf": true, ".smali": true,
}

var binaryExtensions = map[string]bool{
	".png": true, ".jpg": true, ".jpeg": true, ".gif": true, ".webp": true, ".ico": true,
	".dex": true, ".so": true, ".jar": true, ".class": true, ".arsc": true,
	".ttf": true, ".otf": true, ".mp3": true, ".mp4": true, ".wav": true, ".avi": true, ".pdf": true,
}

// IsProbablyText 先看扩展名黑白名单，再按大小判断
func IsProbablyText(path string, size int64) bool {
	ext := strings.ToLower(filepath.Ext(path))
	if binaryExtensions[ext] {
		return false
	}
	if textExtensions[ext] {
		return true
	}
	return size < smallFileThreshold
}

// fileVisitor 遍历回调，rel 为相对 root 的 '/' 分隔路径
type fileVisitor func(path, rel string, size int64) error

// walkFiles 遍历 root 下的普通文件，跳过符号链接，每个文件前检查 ctx
//
// 单个目录或文件不可读只计数，不中止遍历。
func walkFiles(ctx context.Context, root string, visit fileVisitor) (unreadable int, err error) {
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			if path == root {
				return walkErr
			}
			unreadable++
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			unreadable++
			return nil
		}
		return visit(path, Rel(root, path), info.Size())
	})
	return unreadable, err
}

// readTextPrefix 读取文件前 max 字节
func readTextPrefix(path string, max int64) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, max))
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// lineAt 返回 offset 所在的行号（从 1 开始）
func lineAt(text string, offset int) int {
	if offset > len(text) {
		offset = len(text)
	}
	return strings.Count(text[:offset], "\n") + 1
}
