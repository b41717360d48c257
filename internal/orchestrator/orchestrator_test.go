package orchestrator

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/apk-analysis/apk-secscan/internal/domain"
	"github.com/apk-analysis/apk-secscan/internal/engine"
	"github.com/apk-analysis/apk-secscan/internal/normalizer"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeEngine 可配置行为的测试引擎
type fakeEngine struct {
	name     string
	findings []domain.Finding
	err      error
	panicMsg string
	delay    time.Duration
	onRun    func()
}

func (f *fakeEngine) Name() string { return f.name }

func (f *fakeEngine) Run(ctx context.Context, _ engine.Target) (*domain.EngineResult, error) {
	if f.onRun != nil {
		f.onRun()
	}
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.panicMsg != "" {
		panic(f.panicMsg)
	}
	res := &domain.EngineResult{Engine: f.name, Findings: f.findings}
	res.Stats.FilesScanned = len(f.findings)
	return res, f.err
}

// recordingSink 记录事件
type recordingSink struct {
	mu     sync.Mutex
	events []domain.ScanEvent
}

func (s *recordingSink) Emit(e domain.ScanEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
}

func newTestOrchestrator(opts Options) *Orchestrator {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return New(normalizer.NewNormalizer(logger, 4, 4), opts, logger)
}

func finding(id, file string, line int) domain.Finding {
	return domain.Finding{
		ID:       id,
		Title:    id,
		Severity: domain.SeverityHigh,
		Evidence: map[string]interface{}{domain.EvidenceFile: file, domain.EvidenceLine: line},
		Source:   "a",
	}
}

// TestRun_OneEnginePanics 测试一个引擎 panic 不影响另一个引擎
func TestRun_OneEnginePanics(t *testing.T) {
	a := &fakeEngine{name: "A", findings: []domain.Finding{finding("A-1", "x.txt", 1), finding("A-2", "y.txt", 2)}}
	b := &fakeEngine{name: "B", panicMsg: "boom"}

	report := newTestOrchestrator(Options{}).Run(context.Background(), engine.Target{ScanID: "s1"}, []engine.Engine{a, b}, nil)

	assert.Equal(t, domain.ReportCompleted, report.Status)
	assert.Equal(t, []string{"A"}, report.SucceededEngines)
	require.Len(t, report.Errors, 1)
	assert.Contains(t, report.Errors[0], "boom")
	require.Len(t, report.Findings, 2)
	assert.Equal(t, "A-1", report.Findings[0].ID)
	assert.Equal(t, "A-2", report.Findings[1].ID)
	assert.Empty(t, report.Error)
	assert.Equal(t, "s1", report.ScanID)

	require.Len(t, report.Engines, 2)
	assert.True(t, report.Engines[0].OK)
	assert.False(t, report.Engines[1].OK)
	assert.Contains(t, report.Engines[1].Error, "panic: boom")
}

// TestRun_AllFail 测试所有引擎失败
func TestRun_AllFail(t *testing.T) {
	engines := []engine.Engine{
		&fakeEngine{name: "A", err: errors.New("rules missing")},
		&fakeEngine{name: "B", panicMsg: "nil map"},
	}

	report := newTestOrchestrator(Options{}).Run(context.Background(), engine.Target{}, engines, nil)

	assert.Equal(t, domain.ReportFailed, report.Status)
	assert.Empty(t, report.Findings)
	assert.Empty(t, report.SucceededEngines)
	assert.Equal(t, "A: rules missing; B: panic: nil map", report.Error)
}

// TestRun_NoEngines 测试空引擎列表
func TestRun_NoEngines(t *testing.T) {
	report := newTestOrchestrator(Options{}).Run(context.Background(), engine.Target{}, nil, nil)
	assert.Equal(t, domain.ReportFailed, report.Status)
	assert.Equal(t, "No engines executed", report.Error)
	assert.NotNil(t, report.Findings)
}

// TestRun_DeclarationOrder 测试完成顺序不影响发现顺序
func TestRun_DeclarationOrder(t *testing.T) {
	slow := &fakeEngine{name: "slow", delay: 50 * time.Millisecond, findings: []domain.Finding{finding("S", "s.txt", 1)}}
	fast := &fakeEngine{name: "fast", findings: []domain.Finding{finding("F", "f.txt", 1)}}

	for i := 0; i < 5; i++ {
		report := newTestOrchestrator(Options{Concurrency: 2}).Run(context.Background(), engine.Target{}, []engine.Engine{slow, fast}, nil)
		require.Len(t, report.Findings, 2)
		assert.Equal(t, "S", report.Findings[0].ID)
		assert.Equal(t, "F", report.Findings[1].ID)
		assert.Equal(t, []string{"slow", "fast"}, report.SucceededEngines)
	}
}

// TestRun_ConcurrencyBound 测试同时运行的引擎数不超过上限
func TestRun_ConcurrencyBound(t *testing.T) {
	var running, peak int32
	onRun := func() {
		n := atomic.AddInt32(&running, 1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		atomic.AddInt32(&running, -1)
	}

	var engines []engine.Engine
	for _, name := range []string{"a", "b", "c", "d", "e", "f"} {
		engines = append(engines, &fakeEngine{name: name, onRun: onRun})
	}

	report := newTestOrchestrator(Options{Concurrency: 2}).Run(context.Background(), engine.Target{}, engines, nil)
	assert.Equal(t, domain.ReportCompleted, report.Status)
	assert.Len(t, report.SucceededEngines, 6)
	assert.LessOrEqual(t, atomic.LoadInt32(&peak), int32(2))
}

// TestRun_EngineTimeout 测试单引擎超时只影响该引擎
func TestRun_EngineTimeout(t *testing.T) {
	hang := &fakeEngine{name: "hang", delay: 5 * time.Second}
	ok := &fakeEngine{name: "ok"}

	start := time.Now()
	report := newTestOrchestrator(Options{EngineTimeout: 50 * time.Millisecond}).Run(context.Background(), engine.Target{}, []engine.Engine{hang, ok}, nil)

	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, domain.ReportCompleted, report.Status)
	assert.Equal(t, []string{"ok"}, report.SucceededEngines)
	assert.Contains(t, report.Errors[0], "deadline exceeded")
}

// TestRun_PartialFindingsKept 测试失败引擎的部分结果被保留并掩码
func TestRun_PartialFindingsKept(t *testing.T) {
	partial := &fakeEngine{
		name: "partial",
		err:  errors.New("walk aborted"),
		findings: []domain.Finding{{
			ID:        "SH-RX-001",
			Severity:  domain.SeverityHigh,
			Evidence:  map[string]interface{}{domain.EvidenceFile: "a.txt"},
			Source:    "partial",
			RawSecret: "AKIAABCDEFGHEXAMPLE",
		}},
	}
	dup := &fakeEngine{name: "dup", findings: []domain.Finding{finding("X", "f", 1), finding("X", "f", 1)}}

	report := newTestOrchestrator(Options{}).Run(context.Background(), engine.Target{}, []engine.Engine{partial, dup}, nil)

	assert.Equal(t, domain.ReportCompleted, report.Status)
	require.Len(t, report.Findings, 2, "duplicates collapsed by the normalizer")
	assert.Equal(t, "AKIA****MPLE", report.Findings[0].Evidence[domain.EvidenceMatchPreview])
	assert.Empty(t, report.Findings[0].RawSecret)
	assert.Equal(t, 1, report.Engines[0].Findings)
}

// TestRun_Events 测试每个引擎发出开始和结束事件
func TestRun_Events(t *testing.T) {
	sink := &recordingSink{}
	engines := []engine.Engine{
		&fakeEngine{name: "A", findings: []domain.Finding{finding("A-1", "x", 1)}},
		&fakeEngine{name: "B", err: errors.New("bad")},
	}

	newTestOrchestrator(Options{}).Run(context.Background(), engine.Target{ScanID: "s2"}, engines, sink)

	statuses := map[string][]string{}
	for _, e := range sink.events {
		assert.Equal(t, "s2", e.ScanID)
		assert.Equal(t, domain.StageEngine, e.Stage)
		statuses[e.Name] = append(statuses[e.Name], e.Status)
	}
	assert.Equal(t, []string{"started", "ok"}, statuses["A"])
	assert.Equal(t, []string{"started", "failed"}, statuses["B"])
}

// TestRun_ParentCanceled 测试父 context 取消时所有引擎失败
func TestRun_ParentCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	report := newTestOrchestrator(Options{}).Run(ctx, engine.Target{}, []engine.Engine{&fakeEngine{name: "A"}}, nil)
	assert.Equal(t, domain.ReportFailed, report.Status)
	assert.Contains(t, report.Error, "context canceled")
}
