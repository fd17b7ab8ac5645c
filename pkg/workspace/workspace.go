package workspace

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Manager owns deployment-specific working directories under a common root.
type Manager struct {
	root string
}

// Handle is one acquired workspace. Release removes everything under it and
// is safe to call more than once.
type Handle struct {
	manager *Manager
	dir     string
}

// New ensures the workspace root exists and is accessible.
func New(root string) (*Manager, error) {
	if root == "" {
		return nil, fmt.Errorf("workspace root cannot be empty")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace root: %w", err)
	}
	return &Manager{root: abs}, nil
}

// Root returns the absolute workspace root.
func (m *Manager) Root() string {
	return m.root
}

// Acquire creates a fresh directory for identifier, removing whatever an
// earlier run left behind.
func (m *Manager) Acquire(identifier string) (*Handle, error) {
	dir, err := m.path(identifier)
	if err != nil {
		return nil, err
	}
	if err := os.RemoveAll(dir); err != nil {
		return nil, fmt.Errorf("cleanup workspace: %w", err)
	}
	for _, sub := range []string{"repo", "archive", "staging"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			_ = os.RemoveAll(dir)
			return nil, fmt.Errorf("create workspace: %w", err)
		}
	}
	return &Handle{manager: m, dir: dir}, nil
}

// Exists reports whether a workspace for identifier is present on disk.
func (m *Manager) Exists(identifier string) bool {
	dir, err := m.path(identifier)
	if err != nil {
		return false
	}
	_, err = os.Stat(dir)
	return err == nil
}

func (m *Manager) path(identifier string) (string, error) {
	if identifier == "" {
		return "", fmt.Errorf("workspace identifier cannot be empty")
	}
	if strings.ContainsAny(identifier, `/\`) || identifier == "." || identifier == ".." {
		return "", fmt.Errorf("invalid workspace identifier %q", identifier)
	}
	return filepath.Join(m.root, identifier), nil
}

// cleanup removes path, refusing anything outside the root.
func (m *Manager) cleanup(path string) error {
	if path == "" {
		return nil
	}
	rel, err := filepath.Rel(m.root, path)
	if err != nil || rel == "." || rel == "" || strings.HasPrefix(rel, "..") {
		return fmt.Errorf("refusing to cleanup path outside workspace root")
	}
	return os.RemoveAll(path)
}

func (h *Handle) Dir() string { return h.dir }

// RepoDir is where the repository is cloned.
func (h *Handle) RepoDir() string { return filepath.Join(h.dir, "repo") }

// ArchiveDir holds the downloaded archive until it is extracted.
func (h *Handle) ArchiveDir() string { return filepath.Join(h.dir, "archive") }

// StagingDir receives extracted files before they are copied into the repo.
func (h *Handle) StagingDir() string { return filepath.Join(h.dir, "staging") }

func (h *Handle) Release() error {
	if h == nil || h.dir == "" {
		return nil
	}
	return h.manager.cleanup(h.dir)
}
