package file

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

const appDirPerm os.FileMode = 0o750

// EnsureDir creates the directory if it does not exist.
func EnsureDir(dirPath string) error {
	if dirPath == "" {
		return errors.New("empty dir path")
	}
	if err := os.MkdirAll(dirPath, appDirPerm); err != nil { //nolint:gosec // app-owned data dir
		return fmt.Errorf("ensure dir: %w", err)
	}
	return nil
}

// RemoveIfExists deletes filename. A file that is already gone is not an error,
// so concurrent cleanups of the same path are safe.
func RemoveIfExists(filename string) error {
	if filename == "" {
		return errors.New("empty filename")
	}
	if err := os.Remove(filename); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove %s: %w", filepath.Base(filename), err)
	}
	return nil
}
