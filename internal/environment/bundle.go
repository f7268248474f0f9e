package environment

import (
	"archive/zip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// ExportOptions tunes Export.
type ExportOptions struct {
	// IncludeSessions keeps sessions.db in the bundle. Off by default so
	// bundles stay shareable without leaking conversation history.
	IncludeSessions bool
}

// Export writes the environment directory as a zip bundle.
func Export(dir string, out io.Writer, opts ExportOptions) error {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return err
	}
	if _, err := os.Stat(filepath.Join(abs, manifestFile)); err != nil {
		return fmt.Errorf("%s is not an environment: %w", dir, err)
	}

	zw := zip.NewWriter(out)
	err = filepath.WalkDir(abs, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(abs, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if !opts.IncludeSessions && isSessionFile(rel) {
			return nil
		}

		w, err := zw.Create(rel)
		if err != nil {
			return err
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(w, f)
		return err
	})
	if err != nil {
		zw.Close()
		return err
	}
	return zw.Close()
}

func isSessionFile(rel string) bool {
	return rel == databaseFile ||
		rel == databaseFile+"-wal" ||
		rel == databaseFile+"-shm"
}

// Import unpacks a bundle into dest. dest must not already hold an
// environment.
func Import(bundle, dest string) error {
	zr, err := zip.OpenReader(bundle)
	if err != nil {
		return fmt.Errorf("open bundle: %w", err)
	}
	defer zr.Close()

	if _, err := os.Stat(filepath.Join(dest, manifestFile)); err == nil {
		return fmt.Errorf("%s already contains an environment", dest)
	}
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return err
	}

	for _, file := range zr.File {
		if err := extractFile(file, dest); err != nil {
			return err
		}
	}
	return nil
}

func extractFile(file *zip.File, dest string) error {
	// Reject entries escaping the destination.
	name := filepath.FromSlash(file.Name)
	if filepath.IsAbs(name) || strings.Contains(name, "..") {
		return fmt.Errorf("bundle entry %q escapes destination", file.Name)
	}
	target := filepath.Join(dest, name)

	if file.FileInfo().IsDir() {
		return os.MkdirAll(target, 0o755)
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}

	r, err := file.Open()
	if err != nil {
		return err
	}
	defer r.Close()

	w, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(w, r); err != nil {
		w.Close()
		return err
	}
	return w.Close()
}
