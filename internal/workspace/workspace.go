// Package workspace manages per-attempt scratch directories. A workspace is
// owned by exactly one job attempt and removed unconditionally when the
// attempt exits.
package workspace

import (
	"fmt"
	"log/slog"
	"os"

	"git.home.luguber.info/inful/boardbuilder/internal/logfields"
)

// Workspace is the on-disk extraction root for a single job attempt.
type Workspace struct {
	root  string
	jobID string
}

// New creates a scratch directory for the given job attempt under baseDir
// (os.TempDir() when empty). The caller must call Cleanup when done.
func New(baseDir, jobID string) (*Workspace, error) {
	if baseDir == "" {
		baseDir = os.TempDir()
	}
	if err := os.MkdirAll(baseDir, 0o750); err != nil {
		return nil, fmt.Errorf("create workspace base directory: %w", err)
	}
	root, err := os.MkdirTemp(baseDir, fmt.Sprintf("boardbuilder-%s-", jobID))
	if err != nil {
		return nil, fmt.Errorf("create workspace directory: %w", err)
	}
	slog.Debug("Created workspace", logfields.JobID(jobID), logfields.Path(root))
	return &Workspace{root: root, jobID: jobID}, nil
}

// Root returns the workspace root path.
func (w *Workspace) Root() string { return w.root }

// JobID returns the id of the owning job attempt.
func (w *Workspace) JobID() string { return w.jobID }

// Cleanup removes the workspace directory. Safe to call more than once.
func (w *Workspace) Cleanup() error {
	if w.root == "" {
		return nil
	}
	if err := os.RemoveAll(w.root); err != nil {
		return fmt.Errorf("cleanup workspace: %w", err)
	}
	slog.Debug("Cleaned up workspace", logfields.JobID(w.jobID), logfields.Path(w.root))
	w.root = ""
	return nil
}
