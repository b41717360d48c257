package watcher

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// FileHandler 处理一个就绪的 APK 文件
type FileHandler func(ctx context.Context, path string) error

// Options 监控参数
type Options struct {
	Pattern      string        // 文件匹配模式，默认 *.apk
	Debounce     time.Duration // 同一文件连续事件的合并窗口，默认 2s
	SettleDelay  time.Duration // 两次大小检查的间隔，默认 500ms
	ScanExisting bool          // 启动时处理目录中已有文件
}

// InboundWatcher 监控投递目录中的 APK
type InboundWatcher struct {
	fsw     *fsnotify.Watcher
	dir     string
	opts    Options
	handler FileHandler
	logger  *logrus.Logger

	mu         sync.Mutex
	timers     map[string]*time.Timer
	processing map[string]bool
	wg         sync.WaitGroup
	stopped    bool
	stop       chan struct{}
	stopOnce   sync.Once
}

// New 创建监控器，目录不存在时创建
func New(dir string, opts Options, handler FileHandler, logger *logrus.Logger) (*InboundWatcher, error) {
	if opts.Pattern == "" {
		opts.Pattern = "*.apk"
	}
	if opts.Debounce <= 0 {
		opts.Debounce = 2 * time.Second
	}
	if opts.SettleDelay <= 0 {
		opts.SettleDelay = 500 * time.Millisecond
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create watch directory: %w", err)
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := fsw.Add(dir); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("failed to add watch directory: %w", err)
	}

	logger.WithFields(logrus.Fields{
		"watch_dir": dir,
		"pattern":   opts.Pattern,
	}).Info("Inbound watcher created")

	return &InboundWatcher{
		fsw:        fsw,
		dir:        dir,
		opts:       opts,
		handler:    handler,
		logger:     logger,
		timers:     make(map[string]*time.Timer),
		processing: make(map[string]bool),
		stop:       make(chan struct{}),
	}, nil
}

// Start 启动事件循环
func (w *InboundWatcher) Start(ctx context.Context) error {
	if w.opts.ScanExisting {
		entries, err := os.ReadDir(w.dir)
		if err != nil {
			return err
		}
		for _, e := range entries {
			if !e.IsDir() && Match(w.opts.Pattern, e.Name()) {
				w.schedule(ctx, filepath.Join(w.dir, e.Name()))
			}
		}
	}

	go w.loop(ctx)
	return nil
}

func (w *InboundWatcher) loop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stop:
			return
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
				continue
			}
			if !Match(w.opts.Pattern, filepath.Base(event.Name)) {
				continue
			}
			w.logger.WithFields(logrus.Fields{
				"event": event.Op.String(),
				"file":  event.Name,
			}).Debug("File event detected")
			w.schedule(ctx, event.Name)

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.WithError(err).Error("Watcher error")
		}
	}
}

// schedule 防抖：窗口内的重复事件只触发一次处理
func (w *InboundWatcher) schedule(ctx context.Context, path string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if t, ok := w.timers[path]; ok {
		t.Stop()
	}
	w.timers[path] = time.AfterFunc(w.opts.Debounce, func() {
		w.mu.Lock()
		delete(w.timers, path)
		if w.stopped || w.processing[path] {
			w.mu.Unlock()
			return
		}
		w.processing[path] = true
		w.wg.Add(1)
		w.mu.Unlock()

		defer func() {
			w.mu.Lock()
			delete(w.processing, path)
			w.mu.Unlock()
			w.wg.Done()
		}()
		w.handle(ctx, path)
	})
}

func (w *InboundWatcher) handle(ctx context.Context, path string) {
	log := w.logger.WithField("file", path)
	if err := w.waitReady(ctx, path); err != nil {
		log.WithError(err).Warn("File not ready")
		return
	}

	log.Info("Processing inbound file")
	if err := w.handler(ctx, path); err != nil {
		log.WithError(err).Error("Failed to process inbound file")
	}
}

// waitReady 等待文件大小稳定且非空
func (w *InboundWatcher) waitReady(ctx context.Context, path string) error {
	const maxAttempts = 10
	var last int64 = -1
	for i := 0; i < maxAttempts; i++ {
		info, err := os.Stat(path)
		if err != nil {
			return err
		}
		if info.Size() > 0 && info.Size() == last {
			return nil
		}
		last = info.Size()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(w.opts.SettleDelay):
		}
	}
	return fmt.Errorf("file not ready after %d attempts", maxAttempts)
}

// Match 简单通配：*、*.ext（大小写不敏感）或完整文件名
func Match(pattern, name string) bool {
	if pattern == "*" {
		return true
	}
	if strings.HasPrefix(pattern, "*.") {
		return strings.HasSuffix(strings.ToLower(name), strings.ToLower(pattern[1:]))
	}
	return name == pattern
}

// Stop 停止监控并等待正在处理的文件
func (w *InboundWatcher) Stop() error {
	var err error
	w.stopOnce.Do(func() {
		close(w.stop)
		w.mu.Lock()
		w.stopped = true
		for p, t := range w.timers {
			t.Stop()
			delete(w.timers, p)
		}
		w.mu.Unlock()
		err = w.fsw.Close()
		w.wg.Wait()
		w.logger.Info("Inbound watcher stopped")
	})
	return err
}

// Dir 监控目录
func (w *InboundWatcher) Dir() string {
	return w.dir
}
