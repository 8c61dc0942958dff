// Package keymat materializes ephemeral SSH private key files for copy
// subprocesses. Keys live in a process-private temp location with 0600
// permissions and are tracked so every path can be removed on normal
// or signal-driven shutdown.
package keymat

import (
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/tidesync/tidesync/internal/errdefs"
)

const filePrefix = "tidesync_key_"

// Manager tracks every key file it has written.
type Manager struct {
	dir   string
	mu    sync.Mutex
	paths map[string]struct{}
}

// NewManager writes key files under dir; an empty dir means the system
// temp directory.
func NewManager(dir string) *Manager {
	if dir == "" {
		dir = os.TempDir()
	}
	return &Manager{
		dir:   dir,
		paths: make(map[string]struct{}),
	}
}

// Write validates keyText as PEM material and persists it to a new
// 0600 file, returning the path. The create is exclusive so an
// existing path is never reused.
func (m *Manager) Write(keyText string) (string, error) {
	if !strings.Contains(keyText, "-----BEGIN") || !strings.Contains(keyText, "-----END") {
		return "", errdefs.New(errdefs.CodeValidation, "key material is not PEM encoded")
	}
	// SSH clients reject key files without a trailing newline.
	if !strings.HasSuffix(keyText, "\n") {
		keyText += "\n"
	}

	f, err := os.CreateTemp(m.dir, filePrefix+"*")
	if err != nil {
		return "", errdefs.Wrap(errdefs.CodeSystem, err, "create key file")
	}
	path := f.Name()

	if err := f.Chmod(0o600); err != nil {
		f.Close()
		os.Remove(path)
		return "", errdefs.Wrap(errdefs.CodeSystem, err, "restrict key file mode")
	}
	if _, err := f.WriteString(keyText); err != nil {
		f.Close()
		os.Remove(path)
		return "", errdefs.Wrap(errdefs.CodeSystem, err, "write key file")
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return "", errdefs.Wrap(errdefs.CodeSystem, err, "close key file")
	}

	m.mu.Lock()
	m.paths[path] = struct{}{}
	m.mu.Unlock()

	slog.Debug("key material written", "path", path)
	return path, nil
}

// Cleanup removes one tracked key file. Paths the manager did not
// write are refused. A file already gone is not an error.
func (m *Manager) Cleanup(path string) error {
	m.mu.Lock()
	_, tracked := m.paths[path]
	if tracked {
		delete(m.paths, path)
	}
	m.mu.Unlock()

	if !tracked {
		return errdefs.New(errdefs.CodeValidation, "path %s is not tracked key material", path)
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return errdefs.Wrap(errdefs.CodeSystem, err, "remove key file")
	}
	return nil
}

// CleanupAll removes every tracked key file, continuing past
// individual failures and returning the first one.
func (m *Manager) CleanupAll() error {
	m.mu.Lock()
	paths := make([]string, 0, len(m.paths))
	for p := range m.paths {
		paths = append(paths, p)
	}
	m.paths = make(map[string]struct{})
	m.mu.Unlock()

	var firstErr error
	for _, p := range paths {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			slog.Warn("key material cleanup failed", "path", p, "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	if len(paths) > 0 {
		slog.Debug("key material cleaned", "count", len(paths))
	}
	return firstErr
}

// Active reports how many key files are currently tracked.
func (m *Manager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.paths)
}
