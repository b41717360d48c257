package scanner

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/apk-analysis/apk-secscan/internal/dexstrings"
	"github.com/apk-analysis/apk-secscan/internal/domain"
	"github.com/apk-analysis/apk-secscan/internal/engine"
	"github.com/apk-analysis/apk-secscan/internal/extractor"
	"github.com/apk-analysis/apk-secscan/internal/orchestrator"
	"github.com/apk-analysis/apk-secscan/internal/toolrunner"
	"github.com/sirupsen/logrus"
)

// 扫描目录布局: <work_dir>/<sha256>/{files,decoded,dex/dex_strings.txt}
const (
	filesDir   = "files"
	decodedDir = "decoded"
	dexDir     = "dex"
)

// Config 流水线配置
type Config struct {
	WorkDir        string
	KeepWorkDir    bool
	DexStrings     bool // 是否直接解码 DEX 字符串池
	ApktoolBin     string
	ApktoolTimeout time.Duration
}

// Deps 流水线依赖
type Deps struct {
	Extractor    *extractor.Extractor
	Decoder      *dexstrings.Decoder
	Runner       *toolrunner.Runner
	Registry     *engine.Registry
	Orchestrator *orchestrator.Orchestrator
	Logger       *logrus.Logger
}

// Scanner 单个 APK 的完整扫描流水线
type Scanner struct {
	cfg          Config
	extractor    *extractor.Extractor
	decoder      *dexstrings.Decoder
	runner       *toolrunner.Runner
	registry     *engine.Registry
	orchestrator *orchestrator.Orchestrator
	logger       *logrus.Logger

	mu    sync.Mutex
	locks map[string]*hashLock
}

// hashLock 同一 sha256 的扫描共享工作目录，需要串行
type hashLock struct {
	mu   sync.Mutex
	refs int
}

// New 创建流水线
func New(cfg Config, deps Deps) *Scanner {
	if cfg.WorkDir == "" {
		cfg.WorkDir = filepath.Join(os.TempDir(), "apk-secscan")
	}
	return &Scanner{
		cfg:          cfg,
		extractor:    deps.Extractor,
		decoder:      deps.Decoder,
		runner:       deps.Runner,
		registry:     deps.Registry,
		orchestrator: deps.Orchestrator,
		logger:       deps.Logger,
		locks:        make(map[string]*hashLock),
	}
}

// Scan 执行 解压 -> DEX 字符串 -> apktool -> 引擎 -> 报告
//
// 只有请求非法、ExtractionError、REQUIRED 模式下的工具失败和 context 取消会返回
// error；其余失败都体现在报告中。
func (s *Scanner) Scan(ctx context.Context, req *domain.ScanRequest, sink domain.EventSink) (report *domain.UnifiedReport, err error) {
	if sink == nil {
		sink = domain.NopSink{}
	}
	start := time.Now()

	engines, err := s.registry.Build(req.EnabledEngines)
	if err != nil {
		return nil, err
	}

	unlock := s.lock(req.SHA256)
	defer unlock()

	scoped := extractor.ScopedDir(s.cfg.WorkDir, req.SHA256)
	if err := os.RemoveAll(scoped); err != nil {
		return nil, fmt.Errorf("clean work dir: %w", err)
	}
	if !s.cfg.KeepWorkDir {
		defer s.cleanup(req.ScanID, scoped)
	}

	log := s.logger.WithFields(logrus.Fields{
		"scan_id": req.ScanID,
		"sha256":  req.SHA256,
	})
	rc := domain.ReportContext{
		FileName:    req.FileName,
		SHA256:      req.SHA256,
		MD5:         req.MD5,
		FileSize:    req.FileSize,
		ApktoolMode: string(req.ApktoolMode),
	}
	emit := func(stage domain.ScanStage, status, msg string) {
		sink.Emit(domain.ScanEvent{ScanID: req.ScanID, Stage: stage, Status: status, Message: msg, Time: time.Now()})
	}
	defer func() {
		if err != nil {
			emit(domain.StageReport, "error", err.Error())
		}
	}()

	// 1. 解压
	emit(domain.StageExtract, "started", "")
	tree, err := s.extractor.Extract(ctx, req.ArtifactPath, filepath.Join(scoped, filesDir))
	if err != nil {
		emit(domain.StageExtract, "failed", err.Error())
		return nil, err
	}
	rc.ExtractedFiles = tree.Count()
	rc.SkippedEntries = len(tree.Skipped) + len(tree.Oversized) + tree.Failed
	rc.OversizedEntries = len(tree.Oversized)
	emit(domain.StageExtract, "ok", fmt.Sprintf("%d files", tree.Count()))

	target := engine.Target{ScanID: req.ScanID, WorkRoot: tree.Root}

	// 2. DEX 字符串池
	if s.cfg.DexStrings {
		path, count, skipped, err := s.decodeStrings(ctx, req.ArtifactPath, scoped)
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		rc.DexStringsCount = count
		rc.DexStringsSkipped = skipped
		if err != nil {
			rc.DexStringsError = err.Error()
			log.WithError(err).Warn("DEX string decoding failed")
			emit(domain.StageDexStrings, "failed", err.Error())
		} else {
			target.DexStrings = path
			emit(domain.StageDexStrings, "ok", fmt.Sprintf("%d strings", count))
		}
	} else {
		emit(domain.StageDexStrings, "skipped", "disabled")
	}

	// 3. apktool
	if toolrunner.ShouldRun(req.ApktoolMode, rc.DexStringsCount > 0) {
		decoded, res, err := s.decode(ctx, req, scoped)
		if err != nil {
			emit(domain.StageApktool, "failed", err.Error())
			return nil, err
		}
		rc.ApktoolRan = res.Ran
		rc.ApktoolOK = res.OK
		rc.ApktoolError = res.Error
		if res.OK {
			target.DecodedRoot = decoded
			emit(domain.StageApktool, "ok", "")
		} else {
			log.WithField("error", res.Error).Warn("apktool unavailable, scanning raw work tree")
			emit(domain.StageApktool, "failed", res.Error)
		}
	} else {
		emit(domain.StageApktool, "skipped", string(req.ApktoolMode))
	}
	rc.ScanRoot = target.ScanRoot()

	// 4. 引擎
	report = s.orchestrator.Run(ctx, target, engines, sink)
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	rc.DurationMs = time.Since(start).Milliseconds()
	report.Context = rc
	report.DurationMs = rc.DurationMs
	sink.Emit(domain.ScanEvent{
		ScanID:     req.ScanID,
		Stage:      domain.StageReport,
		Status:     string(report.Status),
		Message:    report.Error,
		Findings:   len(report.Findings),
		DurationMs: report.DurationMs,
		Time:       time.Now(),
	})

	log.WithFields(logrus.Fields{
		"status":      report.Status,
		"findings":    len(report.Findings),
		"duration_ms": report.DurationMs,
	}).Info("Scan finished")
	return report, nil
}

// decodeStrings 解码并写出 dex/dex_strings.txt（位于解压目录之外，单独一个目录供外部工具扫描）
func (s *Scanner) decodeStrings(ctx context.Context, apkPath, scoped string) (string, int, int, error) {
	res, err := s.decoder.DecodeArchive(ctx, apkPath)
	if err != nil {
		return "", 0, 0, err
	}
	dir := filepath.Join(scoped, dexDir)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", len(res.Strings), res.Skipped, fmt.Errorf("create dex strings dir: %w", err)
	}
	path, err := dexstrings.WriteFile(dir, res.Strings)
	if err != nil {
		return "", len(res.Strings), res.Skipped, fmt.Errorf("write dex strings: %w", err)
	}
	return path, len(res.Strings), res.Skipped, nil
}

// decode 调用 apktool；REQUIRED 模式下的失败和 context 取消返回 error
func (s *Scanner) decode(ctx context.Context, req *domain.ScanRequest, scoped string) (string, *toolrunner.Result, error) {
	out := filepath.Join(scoped, decodedDir)
	bin := req.ApktoolBin
	if bin == "" {
		bin = s.cfg.ApktoolBin
	}
	timeout := req.ToolTimeout
	if timeout <= 0 {
		timeout = s.cfg.ApktoolTimeout
	}

	res, err := s.runner.Run(ctx, toolrunner.ApktoolSpec(bin), toolrunner.Invocation{
		Args:    toolrunner.ApktoolDecodeArgs(req.ArtifactPath, out),
		Timeout: timeout,
		Mode:    req.ApktoolMode,
	})
	if err != nil {
		if toolrunner.IsFatal(err) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return "", res, err
		}
	}
	return out, res, nil
}

func (s *Scanner) cleanup(scanID, dir string) {
	if err := os.RemoveAll(dir); err != nil {
		s.logger.WithError(err).WithFields(logrus.Fields{
			"scan_id": scanID,
			"dir":     dir,
		}).Warn("Failed to remove work dir")
	}
}

// lock 获取 sha256 对应的锁，返回释放函数
func (s *Scanner) lock(key string) func() {
	s.mu.Lock()
	l, ok := s.locks[key]
	if !ok {
		l = &hashLock{}
		s.locks[key] = l
	}
	l.refs++
	s.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		s.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(s.locks, key)
		}
		s.mu.Unlock()
	}
}
