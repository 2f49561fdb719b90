// Package workspace manages the shared baseline and per-task isolated
// execution environments
package workspace

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
)

// Baseline is the single shared integration target. It is mutated only
// through Apply, under a single-writer discipline; snapshots read it
// concurrently.
type Baseline struct {
	root    string
	version int64
	mu      sync.RWMutex
}

// OpenBaseline opens (or creates) the baseline tree rooted at root
func OpenBaseline(root string) (*Baseline, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create baseline root: %w", err)
	}
	return &Baseline{root: root}, nil
}

// Root returns the baseline directory
func (b *Baseline) Root() string { return b.root }

// Version returns the current baseline version. It advances by one per
// applied merge.
func (b *Baseline) Version() int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.version
}

// SetVersion restores the version counter during crash recovery
func (b *Baseline) SetVersion(v int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.version = v
}

// SnapshotTo copies the baseline tree into dest and returns the version
// the snapshot was taken at. The copy is consistent: no merge can apply
// while it runs.
func (b *Baseline) SnapshotTo(dest string) (int64, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if err := copyTree(b.root, dest); err != nil {
		return 0, fmt.Errorf("failed to snapshot baseline: %w", err)
	}
	return b.version, nil
}

// Apply integrates one task's changes atomically and bumps the version.
// Every file is staged to a tmp path before the first rename, so a
// failure while writing leaves the previous baseline fully intact.
func (b *Baseline) Apply(changes map[string][]byte) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	staged := make(map[string]string, len(changes))
	cleanup := func() {
		for _, tmp := range staged {
			os.Remove(tmp)
		}
	}

	for rel, content := range changes {
		path := filepath.Join(b.root, rel)
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			cleanup()
			return 0, fmt.Errorf("failed to create directory for %s: %w", rel, err)
		}
		tmp := path + ".tmp"
		if err := os.WriteFile(tmp, content, 0644); err != nil {
			cleanup()
			return 0, fmt.Errorf("failed to stage %s: %w", rel, err)
		}
		staged[rel] = tmp
	}

	for rel, tmp := range staged {
		if err := os.Rename(tmp, filepath.Join(b.root, rel)); err != nil {
			cleanup()
			return 0, fmt.Errorf("failed to apply %s: %w", rel, err)
		}
		delete(staged, rel)
	}

	b.version++
	return b.version, nil
}

// Files returns the relative path and content of every baseline file
func (b *Baseline) Files() (map[string][]byte, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make(map[string][]byte)
	err := filepath.WalkDir(b.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		rel, err := filepath.Rel(b.root, path)
		if err != nil {
			return err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		out[rel] = data
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read baseline: %w", err)
	}
	return out, nil
}

// copyTree copies src into dest, creating dest if needed
func copyTree(src, dest string) error {
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dest, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0755)
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		return os.WriteFile(target, data, 0644)
	})
}
