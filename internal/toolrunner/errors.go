package toolrunner

import (
	"errors"
	"fmt"
)

// ErrRequiredTool REQUIRED 模式下工具缺失或失败，扫描必须中止
var ErrRequiredTool = errors.New("required tool failed")

// ToolUnavailableError 无法解析到可执行文件
type ToolUnavailableError struct {
	Tool  string
	Tried []string
}

func (e *ToolUnavailableError) Error() string {
	return fmt.Sprintf("%s not found (tried: %v); install it or set an explicit binary path", e.Tool, e.Tried)
}

// FailureKind 工具失败类型
type FailureKind string

const (
	FailureExit     FailureKind = "exit"
	FailureTimeout  FailureKind = "timeout"
	FailureStart    FailureKind = "start"
	FailureCanceled FailureKind = "canceled"
)

// ToolFailureError 工具已启动但未成功结束
type ToolFailureError struct {
	Tool     string
	Kind     FailureKind
	ExitCode int
	Message  string // 已截断的输出尾部或超时描述
}

func (e *ToolFailureError) Error() string {
	switch e.Kind {
	case FailureExit:
		return fmt.Sprintf("%s failed (exit=%d): %s", e.Tool, e.ExitCode, e.Message)
	default:
		return fmt.Sprintf("%s %s: %s", e.Tool, e.Kind, e.Message)
	}
}

// requiredError 将失败提升为致命错误，同时保留原始错误类型
type requiredError struct {
	err error
}

func (e *requiredError) Error() string {
	return fmt.Sprintf("%v: %v", ErrRequiredTool, e.err)
}

func (e *requiredError) Unwrap() []error {
	return []error{ErrRequiredTool, e.err}
}

// IsFatal 判断错误是否应中止整个扫描
func IsFatal(err error) bool {
	return errors.Is(err, ErrRequiredTool)
}
