// Package reload detects edits to the configuration file so the binary can
// rebuild the service.
package reload

import (
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/timzifer/signalboard/config"
)

type fileState struct {
	modTime time.Time
	size    int64
}

// Watcher remembers the size and modification time of tracked files.
type Watcher struct {
	mu    sync.Mutex
	files map[string]fileState
}

// NewWatcher tracks the file cfg was loaded from plus any extra paths.
func NewWatcher(cfg *config.Config, extra ...string) (*Watcher, error) {
	watcher := &Watcher{}
	if err := watcher.Update(cfg, extra...); err != nil {
		return nil, err
	}
	return watcher, nil
}

// Sources lists the files a configuration depends on.
func Sources(cfg *config.Config) []string {
	if cfg == nil || cfg.Path() == "" {
		return nil
	}
	return []string{cfg.Path()}
}

// Update replaces the tracked files with the sources of cfg and extra.
// Missing files and directories are skipped.
func (w *Watcher) Update(cfg *config.Config, extra ...string) error {
	if w == nil {
		return nil
	}
	paths := Sources(cfg)
	for _, path := range extra {
		if path == "" {
			continue
		}
		if abs, err := filepath.Abs(path); err == nil {
			paths = append(paths, abs)
		}
	}
	states := make(map[string]fileState, len(paths))
	for _, path := range uniquePaths(paths) {
		info, err := os.Stat(path)
		if err != nil || info.IsDir() {
			continue
		}
		states[path] = fileState{modTime: info.ModTime(), size: info.Size()}
	}
	w.mu.Lock()
	w.files = states
	w.mu.Unlock()
	return nil
}

// Check reports the files that changed or vanished since the last Update,
// sorted by path.
func (w *Watcher) Check() ([]string, error) {
	if w == nil {
		return nil, nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	changed := make([]string, 0)
	for path, state := range w.files {
		info, err := os.Stat(path)
		switch {
		case err != nil:
			changed = append(changed, path)
		case info.IsDir():
		case !info.ModTime().Equal(state.modTime) || info.Size() != state.size:
			changed = append(changed, path)
		}
	}
	sort.Strings(changed)
	return changed, nil
}

func uniquePaths(paths []string) []string {
	seen := make(map[string]struct{}, len(paths))
	result := make([]string, 0, len(paths))
	for _, path := range paths {
		if path == "" {
			continue
		}
		if _, ok := seen[path]; ok {
			continue
		}
		seen[path] = struct{}{}
		result = append(result, path)
	}
	return result
}
