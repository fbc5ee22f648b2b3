// 工作流定义目录监听器。
//
// 轮询目录中定义文件的修改时间，防抖后触发重新加载回调。
package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/durableflow/workflow"
)

// DirWatcher polls a definitions directory and invokes the registered
// callbacks after the directory content settles.
type DirWatcher struct {
	dir           string
	interval      time.Duration
	debounceDelay time.Duration
	logger        *zap.Logger

	mu        sync.Mutex
	callbacks []func()
	running   bool
	stop      chan struct{}
	done      chan struct{}
	last      string
}

// WatcherOption configures a DirWatcher.
type WatcherOption func(*DirWatcher)

// WithDebounceDelay sets how long the directory must stay unchanged before
// callbacks run.
func WithDebounceDelay(d time.Duration) WatcherOption {
	return func(w *DirWatcher) {
		w.debounceDelay = d
	}
}

// WithWatcherLogger sets the logger.
func WithWatcherLogger(logger *zap.Logger) WatcherOption {
	return func(w *DirWatcher) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// NewDirWatcher creates a watcher for dir. interval <= 0 polls every second.
func NewDirWatcher(dir string, interval time.Duration, opts ...WatcherOption) (*DirWatcher, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to stat %s: %w", dir, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%s is not a directory", dir)
	}
	if interval <= 0 {
		interval = time.Second
	}
	w := &DirWatcher{
		dir:           dir,
		interval:      interval,
		debounceDelay: 100 * time.Millisecond,
		logger:        zap.NewNop(),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.logger = w.logger.With(zap.String("component", "dir_watcher"))
	return w, nil
}

// OnChange registers a callback.
func (w *DirWatcher) OnChange(cb func()) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.callbacks = append(w.callbacks, cb)
}

// Start begins polling until ctx is done or Stop is called.
func (w *DirWatcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return fmt.Errorf("watcher already running")
	}
	fp, err := w.fingerprint()
	if err != nil {
		return err
	}
	w.last = fp
	w.running = true
	w.stop = make(chan struct{})
	w.done = make(chan struct{})
	go w.loop(ctx, w.stop, w.done)

	w.logger.Info("watching workflow definitions",
		zap.String("dir", w.dir),
		zap.Duration("interval", w.interval))
	return nil
}

// Stop stops polling and waits for the loop to exit.
func (w *DirWatcher) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	close(w.stop)
	done := w.done
	w.mu.Unlock()
	<-done
}

func (w *DirWatcher) loop(ctx context.Context, stop, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	var (
		pending bool
		changed time.Time
	)
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case now := <-ticker.C:
			fp, err := w.fingerprint()
			if err != nil {
				w.logger.Warn("scan failed", zap.Error(err))
				continue
			}
			w.mu.Lock()
			if fp != w.last {
				w.last = fp
				pending = true
				changed = now
			}
			w.mu.Unlock()
			if pending && now.Sub(changed) >= w.debounceDelay {
				pending = false
				w.fire()
			}
		}
	}
}

func (w *DirWatcher) fire() {
	w.mu.Lock()
	callbacks := append([]func(){}, w.callbacks...)
	w.mu.Unlock()
	w.logger.Debug("definitions changed", zap.String("dir", w.dir))
	for _, cb := range callbacks {
		cb()
	}
}

// fingerprint lists definition files with size and mtime.
func (w *DirWatcher) fingerprint() (string, error) {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", w.dir, err)
	}
	var parts []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if _, err := workflow.FormatFromPath(e.Name()); err != nil {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		parts = append(parts, fmt.Sprintf("%s:%d:%d", filepath.Base(e.Name()), info.Size(), info.ModTime().UnixNano()))
	}
	sort.Strings(parts)
	return fmt.Sprint(parts), nil
}

// ReloadCatalog loads dir into a fresh catalog and swaps it in through set
// only when every file parses, so a bad edit keeps the previous definitions.
func ReloadCatalog(dir string, set func(*workflow.DefinitionCatalog)) error {
	catalog := workflow.NewDefinitionCatalog()
	if err := catalog.LoadDir(dir); err != nil {
		return err
	}
	set(catalog)
	return nil
}
