// Package reload detects changes to the files a configuration was loaded from.
package reload

import (
	"crypto/sha256"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/timzifer/brokerctx/config"
)

type fileState struct {
	modTime time.Time
	size    int64
	digest  [sha256.Size]byte
}

// Watcher keeps track of configuration source files and detects modifications.
type Watcher struct {
	mu    sync.Mutex
	files map[string]fileState
}

// NewWatcher snapshots the source files of cfg.
func NewWatcher(cfg *config.Config) (*Watcher, error) {
	watcher := &Watcher{}
	if err := watcher.Update(cfg); err != nil {
		return nil, err
	}
	return watcher, nil
}

// Update replaces the snapshot with the source files of cfg. Files that do not
// exist are not tracked.
func (w *Watcher) Update(cfg *config.Config) error {
	if w == nil {
		return nil
	}
	states := make(map[string]fileState)
	for _, path := range uniquePaths(config.SourceFiles(cfg)) {
		state, ok := stat(path)
		if !ok {
			continue
		}
		states[path] = state
	}
	w.mu.Lock()
	w.files = states
	w.mu.Unlock()
	return nil
}

// Check reports the files that changed or disappeared since the last snapshot.
func (w *Watcher) Check() ([]string, error) {
	if w == nil {
		return nil, nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	changed := make([]string, 0)
	for path, previous := range w.files {
		current, ok := stat(path)
		if !ok {
			changed = append(changed, path)
			continue
		}
		if current.size != previous.size || current.digest != previous.digest {
			changed = append(changed, path)
			continue
		}
		// Touched without content change.
		if current.modTime.After(previous.modTime) {
			w.files[path] = current
		}
	}
	sort.Strings(changed)
	return changed, nil
}

func stat(path string) (fileState, bool) {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return fileState{}, false
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fileState{}, false
	}
	return fileState{modTime: info.ModTime(), size: info.Size(), digest: sha256.Sum256(data)}, true
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
