// Package workspace clears the engine's scratch directories between jobs.
//
// The engine's input/output/temp areas are shared across sequential jobs;
// clearing them before submission keeps a previous job's artifacts out of the
// current job's output collection.
package workspace

import (
	"log/slog"
	"os"
	"path/filepath"
)

// Cleaner removes entries from a fixed set of scratch directories,
// skipping an allow-list of preserved paths.
type Cleaner struct {
	dirs     []string
	preserve map[string]bool
}

// NewCleaner creates a cleaner for the given directories.
// Paths in preserve are never removed.
func NewCleaner(dirs, preserve []string) *Cleaner {
	preserved := make(map[string]bool, len(preserve))
	for _, p := range preserve {
		preserved[filepath.Clean(p)] = true
	}
	return &Cleaner{dirs: dirs, preserve: preserved}
}

// Clean removes all entries in the scratch directories except preserved
// paths. Errors are logged per entry and never abort the sweep; the job
// proceeds regardless.
func (c *Cleaner) Clean() {
	for _, dir := range c.dirs {
		entries, err := os.ReadDir(dir)
		if err != nil {
			if !os.IsNotExist(err) {
				slog.Warn("Scratch directory unreadable", "dir", dir, "error", err)
			}
			continue
		}

		for _, entry := range entries {
			path := filepath.Join(dir, entry.Name())
			if c.preserve[filepath.Clean(path)] {
				continue
			}
			if err := os.RemoveAll(path); err != nil {
				slog.Warn("Scratch cleanup failed", "path", path, "error", err)
			}
		}
	}
}
