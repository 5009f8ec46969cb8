// Package watcher turns file system changes in the plugins directory into
// plugin-sync runs.
package watcher

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/vrsandeep/pplx-kit/internal/jobs"
	"github.com/vrsandeep/pplx-kit/internal/logger"
	"github.com/vrsandeep/pplx-kit/internal/plugins"
)

// DefaultDebounce is how long the watcher waits after the last change.
const DefaultDebounce = 2 * time.Second

// WatcherService watches the plugins directory and queues a plugin-sync job
// once changes settle.
type WatcherService struct {
	ctx           jobs.JobContext
	log           logger.Logger
	watcher       *fsnotify.Watcher
	changedPaths  map[string]bool
	mu            sync.Mutex
	debounceTimer *time.Timer
	debounceDelay time.Duration
	stopChan      chan struct{}
	stopOnce      sync.Once
}

func NewWatcherService(ctx jobs.JobContext, debounce time.Duration) *WatcherService {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	return &WatcherService{
		ctx:           ctx,
		log:           ctx.Logger().Create("watcher"),
		changedPaths:  make(map[string]bool),
		debounceDelay: debounce,
		stopChan:      make(chan struct{}),
	}
}

// Start begins watching the plugins directory and every plugin directory in it.
func (w *WatcherService) Start() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	w.watcher = watcher

	root := w.ctx.Config().Plugins.Path
	if err := os.MkdirAll(root, 0755); err != nil {
		watcher.Close()
		return err
	}

	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if path != root && isHidden(path) {
			return filepath.SkipDir
		}
		return watcher.Add(path)
	})
	if err != nil {
		watcher.Close()
		return err
	}

	w.log.Info("File watcher started for plugins: " + root)
	go w.processEvents()
	return nil
}

// Stop stops the file watcher service.
func (w *WatcherService) Stop() error {
	var err error
	w.stopOnce.Do(func() {
		close(w.stopChan)
		w.mu.Lock()
		if w.debounceTimer != nil {
			w.debounceTimer.Stop()
		}
		w.mu.Unlock()
		if w.watcher != nil {
			err = w.watcher.Close()
		}
	})
	return err
}

func (w *WatcherService) processEvents() {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.Warn("File watcher error", err)

		case <-w.stopChan:
			return
		}
	}
}

func (w *WatcherService) handleEvent(event fsnotify.Event) {
	// Chmod fires on plain reads.
	if event.Op == fsnotify.Chmod || isHidden(event.Name) {
		return
	}
	if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) &&
		!event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
		return
	}

	info, err := os.Stat(event.Name)
	isDir := err == nil && info.IsDir()
	if event.Has(fsnotify.Create) && isDir {
		w.watcher.Add(event.Name)
	} else if !isDir && !isRelevantFile(event.Name) && !w.isPluginDir(event.Name) {
		return
	}
	w.TriggerSync(event.Name)
}

// isPluginDir reports whether path is a direct child of the plugins
// directory, which covers removed plugin directories.
func (w *WatcherService) isPluginDir(path string) bool {
	return filepath.Dir(path) == filepath.Clean(w.ctx.Config().Plugins.Path)
}

func isRelevantFile(path string) bool {
	base := filepath.Base(path)
	return base == plugins.ManifestFile || strings.HasSuffix(base, ".js")
}

// isHidden skips dot entries, including bundle staging directories.
func isHidden(path string) bool {
	return strings.HasPrefix(filepath.Base(path), ".")
}

// TriggerSync records path as changed and (re)starts the debounce timer.
func (w *WatcherService) TriggerSync(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	select {
	case <-w.stopChan:
		return
	default:
	}
	w.changedPaths[path] = true
	if w.debounceTimer != nil {
		w.debounceTimer.Stop()
	}
	w.debounceTimer = time.AfterFunc(w.debounceDelay, w.triggerPluginSync)
}

func (w *WatcherService) triggerPluginSync() {
	w.mu.Lock()
	if len(w.changedPaths) == 0 {
		w.mu.Unlock()
		return
	}
	count := len(w.changedPaths)
	w.mu.Unlock()

	if err := w.ctx.JobManager().RunJob(jobs.PluginSyncJobID, w.ctx); err != nil {
		// Another job is running; keep the paths and try again later.
		w.log.Debug(fmt.Sprintf("File watcher could not start %s, retrying", jobs.PluginSyncJobID), err)
		w.mu.Lock()
		select {
		case <-w.stopChan:
		default:
			w.debounceTimer = time.AfterFunc(w.debounceDelay, w.triggerPluginSync)
		}
		w.mu.Unlock()
		return
	}

	w.log.Info(fmt.Sprintf("File watcher detected %d changed path(s), triggering %s", count, jobs.PluginSyncJobID))
	w.mu.Lock()
	w.changedPaths = make(map[string]bool)
	w.mu.Unlock()
}
