// Package workspace manages the per-attempt scratch directories builds run in.
package workspace

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

const (
	dirPrefix = "build-"
	// lockName marks a directory as a workspace; its flock is held while the
	// attempt that owns it runs
	lockName = ".workspace.lock"
	// defaultSubdir keeps workspaces apart from everything else in the OS temp dir
	defaultSubdir = "template-worker"
)

var errLocked = errors.New("workspace is locked")

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9_-]`)

// Manager creates and removes workspaces under a base directory
type Manager struct {
	baseDir string
	logger  *slog.Logger
}

// Workspace is a directory exclusively owned by one job attempt
type Workspace struct {
	Root   string
	JobID  string
	logger *slog.Logger
	lock   *os.File
}

// NewManager creates a workspace manager; an empty baseDir uses a dedicated
// directory under the OS temp dir
func NewManager(baseDir string, logger *slog.Logger) *Manager {
	if baseDir == "" {
		baseDir = filepath.Join(os.TempDir(), defaultSubdir)
	}
	return &Manager{baseDir: baseDir, logger: logger}
}

// BaseDir returns the directory workspaces are created in
func (m *Manager) BaseDir() string {
	return m.baseDir
}

// Create makes a fresh, uniquely named workspace for jobID
func (m *Manager) Create(jobID string) (*Workspace, error) {
	if err := os.MkdirAll(m.baseDir, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create workspace base directory: %w", err)
	}

	name := unsafeChars.ReplaceAllString(jobID, "_")
	if len(name) > 64 {
		name = name[:64]
	}

	root, err := os.MkdirTemp(m.baseDir, dirPrefix+name+"-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create workspace directory: %w", err)
	}

	lock, err := lockFile(filepath.Join(root, lockName))
	if err != nil {
		_ = removeAll(root)
		return nil, fmt.Errorf("failed to lock workspace: %w", err)
	}

	m.logger.Debug("Created workspace",
		slog.String("job_id", jobID),
		slog.String("path", root),
	)

	return &Workspace{Root: root, JobID: jobID, logger: m.logger, lock: lock}, nil
}

// Sweep removes workspaces left behind by crashed attempts. Only directories
// carrying a workspace lock that nobody holds are removed, so foreign
// directories and workspaces of running attempts survive.
func (m *Manager) Sweep() (int, error) {
	entries, err := os.ReadDir(m.baseDir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to read workspace base directory: %w", err)
	}

	removed := 0
	var errs []error
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), dirPrefix) {
			continue
		}
		ok, err := m.sweepOne(filepath.Join(m.baseDir, e.Name()))
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if ok {
			removed++
		}
	}

	if removed > 0 {
		m.logger.Info("Removed stale workspaces", slog.Int("count", removed))
	}
	return removed, errors.Join(errs...)
}

// sweepOne removes dir if it is an abandoned workspace
func (m *Manager) sweepOne(dir string) (bool, error) {
	lockPath := filepath.Join(dir, lockName)
	if _, err := os.Lstat(lockPath); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			m.logger.Debug("Skipping directory without workspace lock", slog.String("path", dir))
			return false, nil
		}
		return false, fmt.Errorf("failed to stat workspace lock: %w", err)
	}

	lock, err := lockFile(lockPath)
	if err != nil {
		if errors.Is(err, errLocked) {
			m.logger.Debug("Skipping workspace in use", slog.String("path", dir))
			return false, nil
		}
		return false, fmt.Errorf("failed to lock workspace: %w", err)
	}
	defer lock.Close()

	if err := removeAll(dir); err != nil {
		return false, err
	}
	return true, nil
}

// ArchivePath is where the downloaded source archive is stored
func (w *Workspace) ArchivePath() string {
	return filepath.Join(w.Root, "source.zip")
}

// SourceDir is where the archive is extracted
func (w *Workspace) SourceDir() string {
	return filepath.Join(w.Root, "src")
}

// Cleanup removes the workspace and everything in it, then releases its lock
func (w *Workspace) Cleanup() error {
	defer w.release()
	if err := removeAll(w.Root); err != nil {
		w.logger.Error("Failed to cleanup workspace",
			slog.String("job_id", w.JobID),
			slog.String("path", w.Root),
			slog.Any("error", err),
		)
		return fmt.Errorf("failed to cleanup workspace: %w", err)
	}

	w.logger.Debug("Cleaned up workspace",
		slog.String("job_id", w.JobID),
		slog.String("path", w.Root),
	)
	return nil
}

// release drops the workspace lock
func (w *Workspace) release() {
	if w.lock != nil {
		w.lock.Close()
		w.lock = nil
	}
}

// removeAll deletes path, restoring owner write permission on directories
// that a build left read-only
func removeAll(path string) error {
	err := os.RemoveAll(path)
	if err == nil {
		return nil
	}

	_ = filepath.WalkDir(path, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr == nil && d.IsDir() {
			_ = os.Chmod(p, 0o700)
		}
		return nil
	})
	return os.RemoveAll(path)
}
