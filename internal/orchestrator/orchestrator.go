package orchestrator

import (
	"context"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/apk-analysis/apk-secscan/internal/domain"
	"github.com/apk-analysis/apk-secscan/internal/engine"
	"github.com/apk-analysis/apk-secscan/internal/normalizer"
	"github.com/sirupsen/logrus"
)

// DefaultConcurrency 同时运行的引擎数
const DefaultConcurrency = 4

// errNoEngines 没有任何引擎被执行
const errNoEngines = "No engines executed"

// Options 编排参数
type Options struct {
	Concurrency   int
	EngineTimeout time.Duration // 单个引擎的超时，0 表示不限制
}

// Orchestrator 并发执行检测引擎并汇总结果
type Orchestrator struct {
	normalizer    *normalizer.Normalizer
	concurrency   int
	engineTimeout time.Duration
	logger        *logrus.Logger
}

// outcome 单个引擎的执行结果
type outcome struct {
	result   *domain.EngineResult
	err      error
	duration time.Duration
}

// New 创建编排器
func New(n *normalizer.Normalizer, opts Options, logger *logrus.Logger) *Orchestrator {
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultConcurrency
	}
	return &Orchestrator{
		normalizer:    n,
		concurrency:   opts.Concurrency,
		engineTimeout: opts.EngineTimeout,
		logger:        logger,
	}
}

// Run 在共享只读目标上运行引擎
//
// 引擎之间互不影响：错误和 panic 只记录到该引擎的摘要中。发现按引擎传入顺序拼接，
// 与完成顺序无关。至少一个引擎成功时状态为 COMPLETED。
func (o *Orchestrator) Run(ctx context.Context, target engine.Target, engines []engine.Engine, sink domain.EventSink) *domain.UnifiedReport {
	if sink == nil {
		sink = domain.NopSink{}
	}
	start := time.Now()
	outcomes := make([]outcome, len(engines))

	sem := make(chan struct{}, o.concurrency)
	var wg sync.WaitGroup
	for i, e := range engines {
		wg.Add(1)
		go func(i int, e engine.Engine) {
			defer wg.Done()

			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				outcomes[i] = outcome{err: ctx.Err()}
				return
			}
			defer func() { <-sem }()

			outcomes[i] = o.runOne(ctx, e, target, sink)
		}(i, e)
	}
	wg.Wait()

	report := assemble(engines, outcomes)
	report.ScanID = target.ScanID
	report.Findings = o.normalizer.Normalize(report.Findings)
	report.DurationMs = time.Since(start).Milliseconds()

	o.logger.WithFields(logrus.Fields{
		"scan_id":     target.ScanID,
		"status":      report.Status,
		"succeeded":   report.SucceededEngines,
		"findings":    len(report.Findings),
		"duration_ms": report.DurationMs,
	}).Info("Engines finished")
	return report
}

// runOne 执行单个引擎，panic 转换为错误
func (o *Orchestrator) runOne(ctx context.Context, e engine.Engine, target engine.Target, sink domain.EventSink) (out outcome) {
	name := e.Name()
	start := time.Now()
	sink.Emit(domain.ScanEvent{ScanID: target.ScanID, Stage: domain.StageEngine, Name: name, Status: "started", Time: start})

	defer func() {
		if r := recover(); r != nil {
			o.logger.WithFields(logrus.Fields{
				"scan_id": target.ScanID,
				"engine":  name,
				"panic":   r,
				"stack":   string(debug.Stack()),
			}).Error("Engine panicked (recovered)")
			out.err = fmt.Errorf("panic: %v", r)
		}
		out.duration = time.Since(start)
		o.emitFinished(sink, target.ScanID, name, out)
	}()

	if err := ctx.Err(); err != nil {
		return outcome{err: err}
	}

	runCtx := ctx
	if o.engineTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, o.engineTimeout)
		defer cancel()
	}

	result, err := e.Run(runCtx, target)
	if err != nil {
		o.logger.WithError(err).WithFields(logrus.Fields{
			"scan_id": target.ScanID,
			"engine":  name,
		}).Warn("Engine failed")
	}
	return outcome{result: result, err: err}
}

func (o *Orchestrator) emitFinished(sink domain.EventSink, scanID, name string, out outcome) {
	event := domain.ScanEvent{
		ScanID:     scanID,
		Stage:      domain.StageEngine,
		Name:       name,
		Status:     "ok",
		DurationMs: out.duration.Milliseconds(),
		Time:       time.Now(),
	}
	if out.result != nil {
		event.Findings = len(out.result.Findings)
	}
	if out.err != nil {
		event.Status = "failed"
		event.Message = out.err.Error()
	}
	sink.Emit(event)
}

// assemble 按引擎顺序拼接发现并决定报告状态
func assemble(engines []engine.Engine, outcomes []outcome) *domain.UnifiedReport {
	report := &domain.UnifiedReport{
		Errors:           []string{},
		Findings:         []domain.Finding{},
		SucceededEngines: []string{},
		Engines:          make([]domain.EngineSummary, 0, len(engines)),
	}

	for i, e := range engines {
		name := e.Name()
		out := outcomes[i]
		summary := domain.EngineSummary{Name: name, DurationMs: out.duration.Milliseconds()}

		// 失败引擎的部分结果同样保留
		if out.result != nil {
			report.Findings = append(report.Findings, out.result.Findings...)
			summary.Findings = len(out.result.Findings)
			summary.FilesScanned = out.result.Stats.FilesScanned
		}

		errMsg := ""
		if out.err != nil {
			errMsg = out.err.Error()
		} else if out.result != nil && out.result.Error != "" {
			errMsg = out.result.Error
		}

		if errMsg == "" {
			summary.OK = true
			report.SucceededEngines = append(report.SucceededEngines, name)
		} else {
			summary.Error = errMsg
			report.Errors = append(report.Errors, name+": "+errMsg)
		}
		report.Engines = append(report.Engines, summary)
	}

	if len(report.SucceededEngines) > 0 {
		report.Status = domain.ReportCompleted
		return report
	}

	report.Status = domain.ReportFailed
	if len(report.Errors) == 0 {
		report.Error = errNoEngines
	} else {
		report.Error = strings.Join(report.Errors, "; ")
	}
	return report
}
