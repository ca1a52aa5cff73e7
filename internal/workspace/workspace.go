package workspace

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Manager owns per-deployment source directories under a common root.
type Manager struct {
	root string
	mu   sync.Mutex
}

// New ensures the workspace root exists. An empty root uses a directory
// under the system temp dir.
func New(root string) (*Manager, error) {
	if strings.TrimSpace(root) == "" {
		root = filepath.Join(os.TempDir(), "quickdeploy-workspaces")
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
func (m *Manager) Root() string { return m.root }

// Prepare returns an empty directory for the deployment id, discarding any
// leftovers from an earlier attempt.
func (m *Manager) Prepare(deploymentID string) (string, error) {
	dir, err := m.path(deploymentID)
	if err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := os.RemoveAll(dir); err != nil {
		return "", fmt.Errorf("cleanup workspace: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create workspace: %w", err)
	}
	return dir, nil
}

// Release removes the workspace of the deployment id. Missing directories are ignored.
func (m *Manager) Release(deploymentID string) error {
	dir, err := m.path(deploymentID)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return os.RemoveAll(dir)
}

// Sweep removes every workspace whose id is not kept. It returns the removed ids.
func (m *Manager) Sweep(keep func(deploymentID string) bool) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entries, err := os.ReadDir(m.root)
	if err != nil {
		return nil, fmt.Errorf("read workspace root: %w", err)
	}
	var removed []string
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		id := entry.Name()
		if keep != nil && keep(id) {
			continue
		}
		if err := os.RemoveAll(filepath.Join(m.root, id)); err != nil {
			return removed, fmt.Errorf("remove workspace %s: %w", id, err)
		}
		removed = append(removed, id)
	}
	return removed, nil
}

func (m *Manager) path(deploymentID string) (string, error) {
	id := strings.TrimSpace(deploymentID)
	if id == "" || id == "." || id == ".." || strings.ContainsAny(id, `/\`) {
		return "", fmt.Errorf("invalid workspace identifier %q", deploymentID)
	}
	return filepath.Join(m.root, id), nil
}
