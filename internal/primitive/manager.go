package primitive

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/promptobjects/promptobjects/internal/capability"
	"github.com/promptobjects/promptobjects/internal/registry"
)

// Manager owns the primitives/ directory: it loads .star files at boot and
// persists runtime-authored primitives.
type Manager struct {
	dir      string
	registry *registry.Registry
	logger   *slog.Logger
}

// NewManager creates a manager over dir.
func NewManager(dir string, reg *registry.Registry) *Manager {
	return &Manager{
		dir:      dir,
		registry: reg,
		logger:   slog.Default().With("component", "primitives"),
	}
}

// LoadDir compiles and registers every .star file in the directory. Malformed
// primitives are skipped with a logged error; they do not abort boot.
func (m *Manager) LoadDir() []error {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return []error{fmt.Errorf("read primitives dir: %w", err)}
	}

	var names []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".star") {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Strings(names)

	var errs []error
	for _, name := range names {
		path := filepath.Join(m.dir, name)
		source, err := os.ReadFile(path)
		if err != nil {
			errs = append(errs, fmt.Errorf("read %s: %w", name, err))
			continue
		}
		prim, err := Compile(name, string(source))
		if err != nil {
			m.logger.Warn("skipping malformed primitive", "file", name, "error", err)
			errs = append(errs, err)
			continue
		}
		if err := m.registry.Register(prim); err != nil {
			m.logger.Warn("skipping primitive", "file", name, "error", err)
			errs = append(errs, fmt.Errorf("register %s: %w", prim.Name(), err))
			continue
		}
		m.logger.Debug("primitive loaded", "name", prim.Name(), "file", name)
	}
	return errs
}

// Create compiles code, registers the primitive, and persists its source
// under primitives/. Fails if a primitive with that name already has a file.
func (m *Manager) Create(code string) (*StarlarkPrimitive, error) {
	prim, err := Compile("create", code)
	if err != nil {
		return nil, err
	}
	path, err := m.sourcePath(prim.Name())
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(path); err == nil {
		return nil, fmt.Errorf("primitive %q already exists", prim.Name())
	}
	if err := m.registry.Register(prim); err != nil {
		return nil, err
	}
	if err := m.writeSource(path, code); err != nil {
		m.registry.Unregister(prim.Name())
		return nil, err
	}
	m.logger.Info("primitive created", "name", prim.Name())
	return prim, nil
}

// Modify replaces an existing primitive's code. The new code must declare the
// same name.
func (m *Manager) Modify(name, code string) (*StarlarkPrimitive, error) {
	path, err := m.sourcePath(name)
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("primitive %q has no source file: %w", name, err)
	}
	prim, err := Compile(name+".star", code)
	if err != nil {
		return nil, err
	}
	if prim.Name() != name {
		return nil, fmt.Errorf("code declares name %q, expected %q", prim.Name(), name)
	}
	if err := m.writeSource(path, code); err != nil {
		return nil, err
	}
	if err := m.registry.Register(prim); err != nil {
		return nil, err
	}
	m.logger.Info("primitive modified", "name", name)
	return prim, nil
}

// Delete unregisters a runtime-authored primitive and removes its file.
// Built-ins have no file and cannot be deleted.
func (m *Manager) Delete(name string) error {
	path, err := m.sourcePath(name)
	if err != nil {
		return err
	}
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("primitive %q has no source file: %w", name, err)
	}
	if err := os.Remove(path); err != nil {
		return fmt.Errorf("remove %s: %w", path, err)
	}
	m.registry.Unregister(name)
	m.logger.Info("primitive deleted", "name", name)
	return nil
}

// Verify compiles code and executes its receive against a sample message
// without registering or persisting anything.
func (m *Manager) Verify(ctx context.Context, code, message string) (string, error) {
	prim, err := Compile("verify", code)
	if err != nil {
		return "", err
	}
	return prim.Receive(ctx, capability.Normalize([]byte(message)))
}

func (m *Manager) sourcePath(name string) (string, error) {
	if name == "" {
		return "", fmt.Errorf("primitive name is required")
	}
	for _, r := range name {
		if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == '_' || r == '-') {
			return "", fmt.Errorf("invalid primitive name %q", name)
		}
	}
	return filepath.Join(m.dir, name+".star"), nil
}

func (m *Manager) writeSource(path, code string) error {
	if err := os.MkdirAll(m.dir, 0o755); err != nil {
		return fmt.Errorf("create primitives dir: %w", err)
	}
	if !strings.HasSuffix(code, "\n") {
		code += "\n"
	}
	if err := os.WriteFile(path, []byte(code), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}
