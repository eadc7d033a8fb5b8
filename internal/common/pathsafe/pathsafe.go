// Package pathsafe restricts user-supplied paths to a small set of roots.
// Project directories and raw-log paths come in from API callers, so every
// one of them is resolved and checked before the filesystem is touched.
package pathsafe

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/autodev/autodev/internal/common/errors"
)

// allowedRoots returns the directories a user-supplied path may live under:
// the user's home directory, /tmp, and the current working directory.
func allowedRoots() []string {
	roots := make([]string, 0, 3)
	if home, err := os.UserHomeDir(); err == nil && home != "" {
		roots = append(roots, home)
	}
	roots = append(roots, os.TempDir(), "/tmp")
	if cwd, err := os.Getwd(); err == nil && cwd != "" {
		roots = append(roots, cwd)
	}
	return roots
}

// resolve returns the absolute, symlink-resolved form of p. When p does not
// exist yet, the nearest existing ancestor is resolved instead so that a
// to-be-created project directory can still be validated.
func resolve(p string) (string, error) {
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", err
	}

	probe := abs
	suffix := ""
	for {
		real, err := filepath.EvalSymlinks(probe)
		if err == nil {
			return filepath.Join(real, suffix), nil
		}
		if !os.IsNotExist(err) {
			return "", err
		}
		parent := filepath.Dir(probe)
		if parent == probe {
			return abs, nil
		}
		suffix = filepath.Join(filepath.Base(probe), suffix)
		probe = parent
	}
}

// IsSafe reports whether p resolves to a descendant of (or exactly) one of
// the allowed roots.
func IsSafe(p string) bool {
	if p == "" {
		return false
	}
	resolved, err := resolve(p)
	if err != nil {
		return false
	}

	for _, root := range allowedRoots() {
		rootResolved, err := resolve(root)
		if err != nil {
			continue
		}
		if resolved == rootResolved {
			return true
		}
		if strings.HasPrefix(resolved, rootResolved+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

// Check returns an UnsafePath error unless p passes IsSafe.
func Check(p string) error {
	if !IsSafe(p) {
		return errors.UnsafePath(p)
	}
	return nil
}

// CheckUnder verifies that p resolves to a descendant of (or exactly) root.
// Used for raw-log streaming, where the path must stay inside the log dir.
func CheckUnder(p, root string) error {
	resolved, err := resolve(p)
	if err != nil {
		return errors.UnsafePath(p)
	}
	rootResolved, err := resolve(root)
	if err != nil {
		return errors.UnsafePath(p)
	}
	if resolved != rootResolved && !strings.HasPrefix(resolved, rootResolved+string(filepath.Separator)) {
		return errors.UnsafePath(p)
	}
	return nil
}
