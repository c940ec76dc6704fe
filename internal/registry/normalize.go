package registry

import (
	"os"
	"path/filepath"
)

// Normalizer maps an enlistment root to its canonical registry key.
type Normalizer func(root string) (string, error)

// Normalize makes root absolute and clean, and resolves symlinks when the
// path exists. A missing path is kept in its cleaned form.
func Normalize(root string) (string, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return "", err
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return abs, nil
		}
		return "", err
	}
	return resolved, nil
}

// CleanOnly normalizes without touching the filesystem.
func CleanOnly(root string) (string, error) {
	return filepath.Clean(root), nil
}
