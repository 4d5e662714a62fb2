package fileproc

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"

	"github.com/kenneth/filecrypt/internal/config"
	"github.com/kenneth/filecrypt/internal/crypto"
	"github.com/kenneth/filecrypt/internal/metrics"
)

// Watcher processes files dropped into a directory tree. A file is
// picked up once no further writes arrive for the settle delay, which
// keeps half-copied files out of the processor. Subdirectories are
// watched as they appear. Hidden files, configured ignore paths and the
// processor's own outputs are never picked up.
type Watcher struct {
	processor *Processor
	dir       string
	settle    time.Duration
	mode      Mode
	ignore    map[string]struct{}
	logger    *logrus.Logger

	watcher  *fsnotify.Watcher
	mu       sync.Mutex
	pending  map[string]*time.Timer
	done     chan struct{}
	stopOnce sync.Once

	processed atomic.Int64
	failed    atomic.Int64
}

// NewWatcher creates a watcher for the configured drop directory.
func NewWatcher(processor *Processor, cfg config.WatchConfig, logger *logrus.Logger) (*Watcher, error) {
	if logger == nil {
		logger = logrus.New()
	}

	info, err := os.Stat(cfg.Dir)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to stat watch directory %s: %w", crypto.ErrIO, cfg.Dir, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%w: watch path is not a directory: %s", crypto.ErrIO, cfg.Dir)
	}

	mode := ModeEncrypt
	if cfg.Mode == "decrypt" {
		mode = ModeDecrypt
	}
	settle := cfg.SettleDelay
	if settle <= 0 {
		settle = 500 * time.Millisecond
	}

	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create directory watcher: %w", err)
	}
	if err := fsWatcher.Add(cfg.Dir); err != nil {
		fsWatcher.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", cfg.Dir, err)
	}

	ignore := make(map[string]struct{}, len(cfg.IgnorePaths))
	for _, p := range cfg.IgnorePaths {
		if abs, aerr := filepath.Abs(p); aerr == nil {
			ignore[abs] = struct{}{}
		}
	}

	w := &Watcher{
		processor: processor,
		dir:       cfg.Dir,
		settle:    settle,
		mode:      mode,
		ignore:    ignore,
		logger:    logger,
		watcher:   fsWatcher,
		pending:   make(map[string]*time.Timer),
		done:      make(chan struct{}),
	}
	w.watchTree(cfg.Dir)
	return w, nil
}

// watchTree adds root and every subdirectory below it to the watch
// list. Unreadable subtrees are logged and skipped.
func (w *Watcher) watchTree(root string) {
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			w.logger.WithError(err).WithField("path", path).Warn("failed to scan watch directory")
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if path != root && strings.HasPrefix(filepath.Base(path), ".") {
			return fs.SkipDir
		}
		if werr := w.watcher.Add(path); werr != nil {
			w.logger.WithError(werr).WithField("path", path).Warn("failed to watch subdirectory")
		}
		return nil
	})
	if err != nil {
		w.logger.WithError(err).WithField("path", root).Warn("failed to scan watch directory")
	}
}

// Start runs the watch loop. It blocks until ctx is cancelled or Stop
// is called.
func (w *Watcher) Start(ctx context.Context) error {
	w.logger.WithFields(logrus.Fields{
		"dir":    w.dir,
		"mode":   w.mode,
		"settle": w.settle,
	}).Info("watching drop directory")

	for {
		select {
		case <-ctx.Done():
			w.Stop()
			return nil
		case <-w.done:
			return nil
		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			w.handleEvent(event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.WithError(err).Warn("directory watcher error")
		}
	}
}

// Stop stops the watch loop and cancels pending settle timers.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.done)
		w.watcher.Close()
		w.mu.Lock()
		for _, timer := range w.pending {
			timer.Stop()
		}
		w.pending = make(map[string]*time.Timer)
		w.mu.Unlock()
	})
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
		return
	}
	if strings.HasPrefix(filepath.Base(event.Name), ".") {
		return
	}
	if w.ignored(event.Name) {
		return
	}
	if event.Has(fsnotify.Create) {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			w.watchTree(event.Name)
			return
		}
	}
	if !w.processor.ShouldProcess(event.Name, w.mode) {
		return
	}
	if w.processor.policies != nil {
		if rel, rerr := filepath.Rel(w.dir, event.Name); rerr == nil && w.processor.policies.ShouldSkip(rel) {
			return
		}
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if timer, ok := w.pending[event.Name]; ok {
		timer.Reset(w.settle)
		return
	}
	path := event.Name
	w.pending[path] = time.AfterFunc(w.settle, func() {
		w.process(path)
	})
}

// process runs once a file has settled.
func (w *Watcher) process(path string) {
	w.mu.Lock()
	delete(w.pending, path)
	w.mu.Unlock()

	select {
	case <-w.done:
		return
	default:
	}

	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		return
	}

	result, err := w.processor.ProcessFile(context.Background(), path, w.mode)
	if w.processor.metrics != nil {
		if err == nil {
			w.processor.metrics.RecordWatchEvent(metrics.FileProcessed)
		} else {
			w.processor.metrics.RecordWatchEvent(metrics.FileFailed)
		}
	}
	if w.processor.audit != nil {
		w.processor.audit.LogWatch(w.dir, path, err == nil, err)
	}
	if err != nil {
		w.failed.Add(1)
		w.logger.WithError(err).WithField("path", path).Warn("failed to process dropped file")
		return
	}
	w.processed.Add(1)
	w.logger.WithFields(logrus.Fields{
		"input":  path,
		"output": result.Output,
	}).Info("processed dropped file")
}

// ignored reports whether path is on the configured ignore list.
func (w *Watcher) ignored(path string) bool {
	if len(w.ignore) == 0 {
		return false
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return false
	}
	_, ok := w.ignore[abs]
	return ok
}

// Stats returns how many dropped files were processed and how many
// failed since the watcher started.
func (w *Watcher) Stats() (processed, failed int64) {
	return w.processed.Load(), w.failed.Load()
}
