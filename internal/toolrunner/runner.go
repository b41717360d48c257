package toolrunner

import (
	"bytes"
	"context"
	"errors"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/apk-analysis/apk-secscan/internal/domain"
	"github.com/sirupsen/logrus"
)

const (
	// DefaultTailLimit 错误信息中保留的输出尾部长度
	DefaultTailLimit = 2500
	DefaultTimeout   = 180 * time.Second

	waitDelay = 2 * time.Second
)

// Spec 工具描述
type Spec struct {
	Name     string   // 日志与错误中的名称
	Override string   // 显式指定的可执行文件，优先级最高
	EnvVars  []string // 依次查找的环境变量
	Default  string   // PATH 中查找的默认名称
}

// Invocation 单次调用参数
type Invocation struct {
	Args    []string
	Timeout time.Duration
	Mode    domain.ToolMode
	Dir     string

	// CaptureStdout > 0 时保留 stdout 前 N 字节用于解析，stderr 仍只保留尾部
	CaptureStdout int
}

// Result 调用结果
type Result struct {
	Tool       string `json:"tool"`
	Binary     string `json:"binary,omitempty"`
	Ran        bool   `json:"ran"`
	OK         bool   `json:"ok"`
	Error      string `json:"error,omitempty"`
	ExitCode   int    `json:"exit_code"`
	DurationMs int64  `json:"duration_ms"`
	Stdout     []byte `json:"-"`
}

// Observer 调用完成回调（指标采集）
type Observer func(res *Result)

// Runner 外部工具执行器
type Runner struct {
	logger    *logrus.Logger
	tailLimit int
	lookPath  func(string) (string, error)
	getenv    func(string) string
	observer  Observer
}

// NewRunner 创建执行器
func NewRunner(logger *logrus.Logger) *Runner {
	return &Runner{
		logger:    logger,
		tailLimit: DefaultTailLimit,
		lookPath:  exec.LookPath,
		getenv:    os.Getenv,
	}
}

// SetTailLimit 设置输出尾部长度
func (r *Runner) SetTailLimit(n int) {
	if n > 0 {
		r.tailLimit = n
	}
}

// SetObserver 设置调用完成回调
func (r *Runner) SetObserver(o Observer) {
	r.observer = o
}

// Resolve 按 显式参数 -> 环境变量 -> PATH 的顺序解析可执行文件
func (r *Runner) Resolve(spec Spec) (string, error) {
	var tried []string

	candidates := make([]string, 0, len(spec.EnvVars)+2)
	if spec.Override != "" {
		candidates = append(candidates, spec.Override)
	}
	for _, env := range spec.EnvVars {
		if v := strings.TrimSpace(r.getenv(env)); v != "" {
			candidates = append(candidates, v)
		}
	}
	if spec.Default != "" {
		candidates = append(candidates, spec.Default)
	}

	for _, c := range candidates {
		tried = append(tried, c)
		if path, err := r.lookPath(c); err == nil {
			return path, nil
		}
	}

	return "", &ToolUnavailableError{Tool: spec.Name, Tried: tried}
}

// Run 执行工具
//
// OPTIONAL/AUTO 模式下缺失、非零退出和超时都只体现在 Result 中，error 为 nil；
// REQUIRED 模式下这些情况返回包装了 ErrRequiredTool 的错误。父 context 被取消时
// 总是返回 ctx.Err()。
func (r *Runner) Run(ctx context.Context, spec Spec, inv Invocation) (*Result, error) {
	res := &Result{Tool: spec.Name}
	if inv.Mode == domain.ToolModeOff {
		return res, nil
	}

	bin, err := r.Resolve(spec)
	if err != nil {
		res.Error = err.Error()
		r.finish(res)
		return res, r.classify(inv.Mode, err)
	}
	res.Binary = bin

	timeout := inv.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	tail := newTailBuffer(r.tailLimit)
	cmd := exec.CommandContext(runCtx, bin, inv.Args...)
	cmd.Dir = inv.Dir
	cmd.WaitDelay = waitDelay
	setProcessGroup(cmd)
	cmd.Stderr = tail
	var stdout *headBuffer
	if inv.CaptureStdout > 0 {
		stdout = newHeadBuffer(inv.CaptureStdout)
		cmd.Stdout = stdout
	} else {
		cmd.Stdout = tail
	}

	r.logger.WithFields(logrus.Fields{
		"tool":    spec.Name,
		"binary":  bin,
		"args":    inv.Args,
		"timeout": timeout.String(),
	}).Debug("Running external tool")

	start := time.Now()
	res.Ran = true
	runErr := cmd.Run()
	res.DurationMs = time.Since(start).Milliseconds()
	if stdout != nil {
		res.Stdout = stdout.Bytes()
	}

	if runErr == nil {
		res.OK = true
		r.finish(res)
		return res, nil
	}

	// 父 context 取消优先于超时判断
	if ctx.Err() != nil {
		failure := &ToolFailureError{Tool: spec.Name, Kind: FailureCanceled, ExitCode: -1, Message: ctx.Err().Error()}
		res.Error = failure.Error()
		res.ExitCode = -1
		r.finish(res)
		return res, ctx.Err()
	}

	var failure *ToolFailureError
	var exitErr *exec.ExitError
	switch {
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		failure = &ToolFailureError{
			Tool:     spec.Name,
			Kind:     FailureTimeout,
			ExitCode: -1,
			Message:  "timeout after " + timeout.String(),
		}
		res.Error = failure.Message
	case errors.As(runErr, &exitErr):
		msg := tail.String()
		if msg == "" {
			msg = "no output"
		}
		failure = &ToolFailureError{Tool: spec.Name, Kind: FailureExit, ExitCode: exitErr.ExitCode(), Message: msg}
		res.Error = failure.Error()
	default:
		failure = &ToolFailureError{Tool: spec.Name, Kind: FailureStart, ExitCode: -1, Message: runErr.Error()}
		res.Error = failure.Error()
	}
	res.ExitCode = failure.ExitCode

	r.finish(res)
	return res, r.classify(inv.Mode, failure)
}

// classify 按模式决定失败是否致命
func (r *Runner) classify(mode domain.ToolMode, err error) error {
	if mode == domain.ToolModeRequired {
		return &requiredError{err: err}
	}
	return nil
}

func (r *Runner) finish(res *Result) {
	fields := logrus.Fields{
		"tool":        res.Tool,
		"ran":         res.Ran,
		"ok":          res.OK,
		"duration_ms": res.DurationMs,
	}
	if res.OK {
		r.logger.WithFields(fields).Info("External tool finished")
	} else {
		r.logger.WithFields(fields).WithField("error", res.Error).Warn("External tool did not succeed")
	}
	if r.observer != nil {
		r.observer(res)
	}
}

// ShouldRun 判断工具是否需要执行；AUTO 仅在前置步骤没有产出信号时执行
func ShouldRun(mode domain.ToolMode, precedingSignal bool) bool {
	switch mode {
	case domain.ToolModeOff:
		return false
	case domain.ToolModeAuto:
		return !precedingSignal
	default:
		return true
	}
}

// tailBuffer 只保留最后 limit 字节
type tailBuffer struct {
	limit int
	buf   []byte
}

func newTailBuffer(limit int) *tailBuffer {
	return &tailBuffer{limit: limit}
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	n := len(p)
	if len(p) >= t.limit {
		t.buf = append(t.buf[:0], p[len(p)-t.limit:]...)
		return n, nil
	}
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.limit; over > 0 {
		t.buf = append(t.buf[:0], t.buf[over:]...)
	}
	return n, nil
}

// String 返回去除首尾空白的尾部文本，截断处的残缺 UTF-8 被丢弃
func (t *tailBuffer) String() string {
	return strings.TrimSpace(strings.ToValidUTF8(string(t.buf), ""))
}

// headBuffer 只保留前 limit 字节，超出部分丢弃
type headBuffer struct {
	limit int
	buf   bytes.Buffer
}

func newHeadBuffer(limit int) *headBuffer {
	return &headBuffer{limit: limit}
}

func (h *headBuffer) Write(p []byte) (int, error) {
	if room := h.limit - h.buf.Len(); room > 0 {
		if len(p) > room {
			h.buf.Write(p[:room])
		} else {
			h.buf.Write(p)
		}
	}
	return len(p), nil
}

func (h *headBuffer) Bytes() []byte {
	return h.buf.Bytes()
}
