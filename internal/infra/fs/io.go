// Package fs holds filesystem durability helpers for the OS filesystem.
package fs

import (
	"errors"
	"fmt"
	"os"
	"syscall"
)

// FsyncDir syncs directory metadata to disk so that a rename into the
// directory survives a crash. Filesystems and platforms that cannot sync
// directories are treated as success.
func FsyncDir(dirPath string) error {
	if dirPath == "" {
		return fmt.Errorf("FsyncDir: directory path is empty")
	}

	dir, err := os.Open(dirPath)
	if err != nil {
		return fmt.Errorf("FsyncDir: failed to open directory %s: %w", dirPath, err)
	}
	defer dir.Close()

	if err := dir.Sync(); err != nil {
		if isNotSupported(err) {
			return nil
		}
		return fmt.Errorf("FsyncDir: failed to sync directory %s: %w", dirPath, err)
	}
	return nil
}

// isNotSupported reports errors from filesystems without directory fsync
func isNotSupported(err error) bool {
	return errors.Is(err, syscall.EINVAL) ||
		errors.Is(err, syscall.ENOTSUP) ||
		errors.Is(err, os.ErrPermission)
}
