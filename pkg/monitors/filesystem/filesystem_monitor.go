package filesystem

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/lucid-vigil/hostwatch/pkg/events"
	"github.com/lucid-vigil/hostwatch/pkg/monitors/base"
	"github.com/rs/zerolog"
)

const MonitorName = "filesystem_monitor"

// FilesystemMonitor implements the scheduler.Monitor interface. It watches a
// directory tree with fsnotify and emits one event per create, write and
// delete of a file. Directories created under the root are watched too.
type FilesystemMonitor struct {
	*base.BaseMonitor
	root        string
	scoreEvents bool

	mu      sync.Mutex
	watcher *fsnotify.Watcher
	dirs    map[string]bool
}

// NewFilesystemMonitor creates a monitor for the tree under root. When
// scoreEvents is set, events are scored against the latest host sample
// instead of being recorded as informational.
func NewFilesystemMonitor(root string, scoreEvents bool, recorder *base.Recorder, logger zerolog.Logger) *FilesystemMonitor {
	return &FilesystemMonitor{
		BaseMonitor: base.NewBaseMonitor(MonitorName, recorder, logger),
		root:        root,
		scoreEvents: scoreEvents,
		dirs:        make(map[string]bool),
	}
}

// Start creates the watcher and registers every directory under the root.
func (fm *FilesystemMonitor) Start(ctx context.Context) error {
	info, err := os.Stat(fm.root)
	if err != nil {
		return fmt.Errorf("watch root %s: %w", fm.root, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("watch root %s is not a directory", fm.root)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	fm.mu.Lock()
	fm.watcher = watcher
	fm.mu.Unlock()

	fm.addTree(fm.root)
	fm.Logger().Info().Str("root", fm.root).Int("directories", fm.watchedDirs()).Msg("Monitoring filesystem path.")
	return nil
}

// Run processes watcher notifications until ctx is cancelled.
func (fm *FilesystemMonitor) Run(ctx context.Context) {
	fm.mu.Lock()
	watcher := fm.watcher
	fm.mu.Unlock()
	if watcher == nil {
		return
	}
	defer func() {
		watcher.Close()
		fm.mu.Lock()
		fm.watcher = nil
		fm.mu.Unlock()
	}()

	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			fm.handleFilesystemEvent(event)
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			fm.MarkRun(fm.Recorder().Now(), err)
			fm.Logger().Error().Err(err).Msg("Filesystem watcher error.")
		case <-ctx.Done():
			fm.Logger().Info().Msg("Filesystem Monitor finished.")
			return
		}
	}
}

func (fm *FilesystemMonitor) handleFilesystemEvent(event fsnotify.Event) {
	switch {
	case event.Has(fsnotify.Create):
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			fm.addTree(event.Name)
			return
		}
		fm.emit(events.ActivityFileCreated, event.Name)
	case event.Has(fsnotify.Write):
		fm.emit(events.ActivityFileModified, event.Name)
	case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
		if fm.forgetDir(event.Name) {
			return
		}
		fm.emit(events.ActivityFileDeleted, event.Name)
	}
}

func (fm *FilesystemMonitor) emit(kind events.ActivityKind, path string) {
	rec := fm.Recorder()
	details := "File: " + path
	if fm.scoreEvents {
		fm.Emit(rec.ScoredLatest(kind, details))
		return
	}
	fm.Emit(rec.Informational(kind, details))
}

// addTree watches dir and every directory below it. Unreadable directories
// are skipped.
func (fm *FilesystemMonitor) addTree(dir string) {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	if fm.watcher == nil {
		return
	}

	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == dir {
				return err
			}
			return fs.SkipDir
		}
		if !d.IsDir() {
			return nil
		}
		if addErr := fm.watcher.Add(path); addErr != nil {
			fm.Logger().Warn().Err(addErr).Str("path", path).Msg("Failed to add path to watcher.")
			return nil
		}
		fm.dirs[path] = true
		return nil
	})
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		fm.Logger().Warn().Err(err).Str("path", dir).Msg("Failed to walk directory.")
	}
	fm.UpdateMetrics("watched_directories", len(fm.dirs))
}

// forgetDir drops a watched directory and reports whether path was one.
func (fm *FilesystemMonitor) forgetDir(path string) bool {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	if !fm.dirs[path] {
		return false
	}
	delete(fm.dirs, path)
	fm.UpdateMetrics("watched_directories", len(fm.dirs))
	return true
}

func (fm *FilesystemMonitor) watchedDirs() int {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	return len(fm.dirs)
}
