package transcoder

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
)

// WorkDir is the scoped temp directory of one job execution. Release is
// idempotent and safe to defer on every exit path, including panics in
// the enclosing goroutine.
type WorkDir struct {
	path string
	once sync.Once
}

// NewWorkDir creates a fresh directory under root for the job.
func NewWorkDir(root, jobID string) (*WorkDir, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("op=transcoder.NewWorkDir: %w", err)
	}
	p, err := os.MkdirTemp(root, "job-"+jobID+"-")
	if err != nil {
		return nil, fmt.Errorf("op=transcoder.NewWorkDir: %w", err)
	}
	return &WorkDir{path: p}, nil
}

// Path joins elements onto the directory root.
func (w *WorkDir) Path(elem ...string) string {
	return filepath.Join(append([]string{w.path}, elem...)...)
}

// Release deletes the directory tree. Safe to call more than once.
func (w *WorkDir) Release() {
	w.once.Do(func() {
		if err := os.RemoveAll(w.path); err != nil {
			slog.Warn("temp dir release failed",
				slog.String("dir", w.path), slog.Any("error", err))
		}
	})
}
