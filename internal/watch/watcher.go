package watch

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/clinisafe/scrub/internal/faults"
	"github.com/clinisafe/scrub/internal/logger"
)

// Config controls inbox watching
type Config struct {
	// Dir is the inbox directory to watch
	Dir string
	// Settle is how long the inbox must stay quiet before a run
	// triggers. Uploads arrive in bursts; one run per burst.
	Settle time.Duration
}

// Watcher triggers a callback after inbox activity settles. The
// callback runs on the watcher goroutine, so triggers never overlap.
type Watcher struct {
	config  Config
	trigger func(context.Context)
	watcher *fsnotify.Watcher
	logger  *logger.Logger
}

// New builds a watcher over the inbox directory and every directory
// below it
func New(cfg Config, trigger func(context.Context), log *logger.Logger) (*Watcher, error) {
	if cfg.Dir == "" {
		return nil, faults.Configuration("watch.dir must be set for watch mode")
	}
	if cfg.Settle <= 0 {
		cfg.Settle = 2 * time.Second
	}

	info, err := os.Stat(cfg.Dir)
	if err != nil {
		return nil, faults.FileAccess(cfg.Dir, err)
	}
	if !info.IsDir() {
		return nil, faults.Configuration("watch.dir %s is not a directory", cfg.Dir)
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, faults.Configuration("inbox watcher not available: %v", err)
	}

	w := &Watcher{
		config:  cfg,
		trigger: trigger,
		watcher: fw,
		logger:  log.WithComponent("watch"),
	}

	if err := w.addTree(cfg.Dir); err != nil {
		fw.Close()
		return nil, err
	}
	return w, nil
}

// addTree registers a directory and everything below it
func (w *Watcher) addTree(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return faults.FileAccess(path, err)
		}
		if !d.IsDir() {
			return nil
		}
		if err := w.watcher.Add(path); err != nil {
			return faults.FileAccess(path, err)
		}
		return nil
	})
}

// Run watches until the context ends. Every burst of inbox activity
// that then stays quiet for the settle window produces one trigger.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.watcher.Close()

	w.logger.Info("Watching inbox",
		zap.String("dir", w.config.Dir),
		zap.Duration("settle", w.config.Settle),
	)

	settle := time.NewTimer(w.config.Settle)
	if !settle.Stop() {
		<-settle.C
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if w.handleEvent(event) {
				if !settle.Stop() {
					select {
					case <-settle.C:
					default:
					}
				}
				settle.Reset(w.config.Settle)
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("Inbox watcher error", zap.Error(err))

		case <-settle.C:
			w.logger.Info("Inbox settled, starting run")
			w.trigger(ctx)
		}
	}
}

// handleEvent reports whether the event counts as inbox activity.
// Directories created mid-watch join the watch set; a directory moved
// in with files already inside emits no per-file events, so the create
// itself counts as activity.
func (w *Watcher) handleEvent(event fsnotify.Event) bool {
	if event.Op&fsnotify.Create != 0 {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if err := w.addTree(event.Name); err != nil {
				w.logger.Warn("New directory not watchable",
					zap.String("dir", event.Name),
					zap.Error(err),
				)
			}
			return true
		}
	}

	if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
		return false
	}
	return isDataFile(event.Name)
}

// isDataFile filters watcher noise down to the formats the engine reads
func isDataFile(name string) bool {
	if strings.HasSuffix(name, ".tmp") {
		return false
	}
	switch strings.ToLower(filepath.Ext(name)) {
	case ".jsonl", ".json", ".csv":
		return true
	}
	return false
}
