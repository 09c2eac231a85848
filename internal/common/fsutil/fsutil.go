// Package fsutil prepares the on-disk layout of a governor working tree and
// provides small filesystem helpers shared across components.
package fsutil

import (
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
)

// WorkDir lays out a governor working directory:
//
//	<root>/data/       finished object files
//	<root>/tasks/      per-task temporary directories
//	<root>/executors/  per-executor working directories
type WorkDir struct {
	root    string
	counter atomic.Int64
}

// NewWorkDir creates the working tree, wiping any stale content.
func NewWorkDir(root string) (*WorkDir, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	for _, sub := range []string{"data", "tasks", "executors"} {
		dir := filepath.Join(abs, sub)
		if err := os.RemoveAll(dir); err != nil {
			return nil, fmt.Errorf("cleaning workdir %s: %w", dir, err)
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating workdir %s: %w", dir, err)
		}
	}
	return &WorkDir{root: abs}, nil
}

func (w *WorkDir) Root() string    { return w.root }
func (w *WorkDir) DataDir() string { return filepath.Join(w.root, "data") }

// NewObjectPath returns a fresh path under data/ for a finished object.
func (w *WorkDir) NewObjectPath() string {
	n := w.counter.Add(1)
	return filepath.Join(w.root, "data", fmt.Sprintf("obj-%d", n))
}

// TaskDir creates a temporary directory for one task run. The returned
// handle removes the directory on Release unless kept.
func (w *WorkDir) TaskDir(name string) (*DirHandle, error) {
	path := filepath.Join(w.root, "tasks", name)
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, err
	}
	return &DirHandle{path: path}, nil
}

// ExecutorDir creates a working directory for a spawned executor.
func (w *WorkDir) ExecutorDir(id int32) (string, error) {
	path := filepath.Join(w.root, "executors", fmt.Sprintf("executor-%d", id))
	if err := os.MkdirAll(path, 0o755); err != nil {
		return "", err
	}
	return path, nil
}

// DirHandle owns a scoped directory. Release removes it; Keep disarms the
// removal (failed tasks retained for debugging).
type DirHandle struct {
	path string
	kept bool
}

func (d *DirHandle) Path() string { return d.path }

// Keep disarms removal on Release.
func (d *DirHandle) Keep() { d.kept = true }

// Release removes the directory unless kept.
func (d *DirHandle) Release() error {
	if d.kept {
		return nil
	}
	return os.RemoveAll(d.path)
}

// TouchReadyFile creates an empty file signalling component readiness.
// A configured-but-uncreatable ready file is a hard error: the supervisor
// is waiting on it.
func TouchReadyFile(path string) error {
	if path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	return f.Close()
}

// EnsureLogDir creates the log directory if missing.
func EnsureLogDir(path string) error {
	if path == "" {
		return nil
	}
	return os.MkdirAll(path, 0o755)
}
