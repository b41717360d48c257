package engine

import (
	"context"
	"os"
	"path/filepath"

	"github.com/apk-analysis/apk-secscan/internal/domain"
)

// Target 引擎扫描目标，所有目录在引擎运行期间只读
type Target struct {
	ScanID      string
	WorkRoot    string // 解压后的原始文件树
	DecodedRoot string // apktool 输出，未执行或失败时为空
	DexStrings  string // dex_strings.txt 路径，未生成时为空；所在目录只包含该文件
}

// ScanRoot 有反编译目录时使用反编译目录，否则使用解压目录
func (t Target) ScanRoot() string {
	if t.DecodedRoot != "" {
		return t.DecodedRoot
	}
	return t.WorkRoot
}

// ToolRoots 外部工具的扫描目录：scan root，以及 dex_strings.txt 所在目录（存在时）
func (t Target) ToolRoots() []string {
	roots := []string{t.ScanRoot()}
	if t.DexStrings != "" {
		if _, err := os.Stat(t.DexStrings); err == nil {
			roots = append(roots, filepath.Dir(t.DexStrings))
		}
	}
	return roots
}

// Rel 返回相对 root 的路径，统一使用 '/' 分隔
func Rel(root, path string) string {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return filepath.ToSlash(path)
	}
	return filepath.ToSlash(rel)
}

// Engine 检测引擎
//
// 返回 error 表示引擎失败；失败时 result 仍可携带已产生的部分发现。
type Engine interface {
	Name() string
	Run(ctx context.Context, target Target) (*domain.EngineResult, error)
}

func newResult(name string) *domain.EngineResult {
	return &domain.EngineResult{Engine: name, Findings: []domain.Finding{}}
}
