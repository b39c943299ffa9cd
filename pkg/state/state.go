package state

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// EnsureStateDirs creates the runtime folder layout under the base
// directory: not symlinks, restrictive perms, writable.
func EnsureStateDirs(base string) error {
	p := PathsFor(base)
	dirs := []string{p.Base, p.Backups, p.Tmp, p.Audit, p.Maintenance}

	for _, d := range dirs {
		// ensure parent exists
		if err := os.MkdirAll(filepath.Dir(d), 0o700); err != nil {
			return fmt.Errorf("cannot create parent for %s: %w", d, err)
		}

		// must be directory and not symlink if exists
		if fi, err := os.Lstat(d); err == nil {
			if fi.Mode()&os.ModeSymlink != 0 {
				return fmt.Errorf("path is a symlink: %s", d)
			}
			if !fi.IsDir() {
				return fmt.Errorf("path exists and is not a directory: %s", d)
			}
		}

		// create if missing
		if err := os.MkdirAll(d, 0o700); err != nil {
			return fmt.Errorf("cannot create path %s: %w", d, err)
		}

		// check not symlink after creation
		if fi2, err := os.Lstat(d); err == nil {
			if fi2.Mode()&os.ModeSymlink != 0 {
				return fmt.Errorf("path is a symlink after creation: %s", d)
			}
		}

		// check writable by creating and deleting a temp file
		tmp, err := os.CreateTemp(d, ".validate-*")
		if err != nil {
			return fmt.Errorf("path not writable: %s: %w", d, err)
		}
		tmp.Close()
		_ = os.Remove(tmp.Name())
	}

	return nil
}

var (
	PathsVar Paths
	initOnce sync.Once
	initErr  error
)

// Init resolves and caches the layout for the daemon. Safe to call multiple
// times; initialization happens once.
func Init(base string) error {
	initOnce.Do(func() {
		b := strings.TrimSpace(base)
		if b == "" {
			b = "./data"
		}
		b = filepath.Clean(b)
		PathsVar = PathsFor(b)
		initErr = EnsureStateDirs(b)
	})
	return initErr
}
