// Package watcher reports file count changes in session workspaces.
package watcher

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"forge/internal/protocol"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

const (
	debounceInterval = 500 * time.Millisecond
	// MaxTreeDepth bounds BuildFileTree for files.tree replies.
	MaxTreeDepth = 3
)

// excludedDirs are directories excluded from file counting and tree generation.
var excludedDirs = map[string]bool{
	"node_modules": true,
	".git":         true,
	"vendor":       true,
	"dist":         true,
}

// UpdateCallback is called when the file count changes for a session.
type UpdateCallback func(sessionID string, fileCount int)

// Watcher monitors session workspaces for file changes.
type Watcher struct {
	mu       sync.RWMutex
	watchers map[string]*sessionWatcher // sessionID → watcher
	callback UpdateCallback
	logger   *zap.Logger
}

type sessionWatcher struct {
	sessionID string
	workDir   string
	fsWatcher *fsnotify.Watcher
	cancel    chan struct{}
	done      chan struct{}

	mu        sync.Mutex
	lastCount int
}

// New creates a new file system watcher.
func New(callback UpdateCallback, logger *zap.Logger) *Watcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Watcher{
		watchers: make(map[string]*sessionWatcher),
		callback: callback,
		logger:   logger.Named("watcher"),
	}
}

// Watch starts watching a workspace for a given session. Watching a
// session again replaces the previous watch.
func (w *Watcher) Watch(sessionID, workDir string) error {
	info, err := os.Stat(workDir)
	if err != nil {
		return fmt.Errorf("watch %s: %w", workDir, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("watch %s: not a directory", workDir)
	}

	fsW, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	sw := &sessionWatcher{
		sessionID: sessionID,
		workDir:   workDir,
		fsWatcher: fsW,
		cancel:    make(chan struct{}),
		done:      make(chan struct{}),
		lastCount: -1, // Force initial update.
	}

	if err := addDirsRecursive(fsW, workDir); err != nil {
		fsW.Close()
		return err
	}

	w.Unwatch(sessionID)
	w.mu.Lock()
	w.watchers[sessionID] = sw
	w.mu.Unlock()

	go w.watchLoop(sw)

	w.logger.Debug("watching workspace", zap.String("session", sessionID), zap.String("dir", workDir))
	return nil
}

// Unwatch stops watching a session's workspace.
func (w *Watcher) Unwatch(sessionID string) {
	w.mu.Lock()
	sw, ok := w.watchers[sessionID]
	if ok {
		delete(w.watchers, sessionID)
	}
	w.mu.Unlock()

	if ok {
		close(sw.cancel)
		sw.fsWatcher.Close()
		<-sw.done
	}
}

// watchLoop sends the initial count, then recounts after each burst of
// fsnotify events.
func (w *Watcher) watchLoop(sw *sessionWatcher) {
	defer close(sw.done)

	w.recount(sw)

	timer := time.NewTimer(debounceInterval)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-sw.cancel:
			return

		case event, ok := <-sw.fsWatcher.Events:
			if !ok {
				return
			}

			// If a new directory is created, watch it too.
			if event.Has(fsnotify.Create) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() && !skip(info.Name()) {
					if err := addDirsRecursive(sw.fsWatcher, event.Name); err != nil {
						w.logger.Debug("watch new directory", zap.String("dir", event.Name), zap.Error(err))
					}
				}
			}

			// Debounce: reset timer on each event.
			timer.Reset(debounceInterval)

		case <-timer.C:
			w.recount(sw)

		case err, ok := <-sw.fsWatcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("watcher error", zap.String("session", sw.sessionID), zap.Error(err))
		}
	}
}

// recount recalculates the file count and notifies if it changed.
func (w *Watcher) recount(sw *sessionWatcher) {
	count := CountFiles(sw.workDir)

	sw.mu.Lock()
	changed := count != sw.lastCount
	sw.lastCount = count
	sw.mu.Unlock()

	if changed && w.callback != nil {
		w.callback(sw.sessionID, count)
	}
}

// CountFiles counts all non-excluded, non-hidden files in a directory.
func CountFiles(dir string) int {
	count := 0
	filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil // Skip inaccessible paths.
		}
		if path == dir {
			return nil
		}
		if skip(d.Name()) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.IsDir() {
			count++
		}
		return nil
	})
	return count
}

// BuildFileTree generates a FileNode tree for a directory up to maxDepth
// levels. Paths use forward slashes.
func BuildFileTree(dir string, maxDepth int) []protocol.FileNode {
	return buildTreeRecursive(dir, dir, 0, maxDepth)
}

func buildTreeRecursive(rootDir, currentDir string, depth, maxDepth int) []protocol.FileNode {
	if depth >= maxDepth {
		return nil
	}

	entries, err := os.ReadDir(currentDir)
	if err != nil {
		return nil
	}

	// Dirs first, files second; ReadDir already sorts by name.
	var dirs, files []os.DirEntry
	for _, entry := range entries {
		if skip(entry.Name()) {
			continue
		}
		if entry.IsDir() {
			dirs = append(dirs, entry)
		} else {
			files = append(files, entry)
		}
	}

	nodes := make([]protocol.FileNode, 0, len(dirs)+len(files))

	for _, d := range dirs {
		fullPath := filepath.Join(currentDir, d.Name())
		nodes = append(nodes, protocol.FileNode{
			Name:     d.Name(),
			Path:     relSlash(rootDir, fullPath),
			IsDir:    true,
			Children: buildTreeRecursive(rootDir, fullPath, depth+1, maxDepth),
		})
	}

	for _, f := range files {
		fullPath := filepath.Join(currentDir, f.Name())
		var size int64
		if info, err := f.Info(); err == nil {
			size = info.Size()
		}
		nodes = append(nodes, protocol.FileNode{
			Name: f.Name(),
			Path: relSlash(rootDir, fullPath),
			Size: size,
		})
	}

	return nodes
}

// Shutdown stops all watchers.
func (w *Watcher) Shutdown() {
	w.mu.Lock()
	ids := make([]string, 0, len(w.watchers))
	for id := range w.watchers {
		ids = append(ids, id)
	}
	w.mu.Unlock()

	for _, id := range ids {
		w.Unwatch(id)
	}
}

// addDirsRecursive adds a directory and its subdirectories to an fsnotify watcher.
func addDirsRecursive(w *fsnotify.Watcher, dir string) error {
	return filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if path != dir && skip(d.Name()) {
			return filepath.SkipDir
		}
		return w.Add(path)
	})
}

func relSlash(root, path string) string {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return filepath.ToSlash(path)
	}
	return filepath.ToSlash(rel)
}

func skip(name string) bool {
	return excludedDirs[name] || isHidden(name)
}

func isHidden(name string) bool {
	return len(name) > 0 && name[0] == '.'
}
