package file

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/spf13/afero"

	"github.com/YoshitsuguKoike/paracle/internal/app"
	infrafs "github.com/YoshitsuguKoike/paracle/internal/infra/fs"
)

// TempInfix separates the target name from the per-attempt ULID in temp
// file names: <path>.tmp.<ULID>
const TempInfix = ".tmp."

// WriteError is returned when an atomic write fails. The target file is
// left exactly as it was before the call.
type WriteError struct {
	Op   string // mkdir, create, write, sync, close, rename
	Path string
	Err  error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("atomic write %s: %s: %v", e.Path, e.Op, e.Err)
}

func (e *WriteError) Unwrap() error {
	return e.Err
}

// TempPath returns a fresh temp file name next to path.
func TempPath(path string) string {
	return path + TempInfix + ulid.Make().String()
}

// WriteFileAtomic writes data to path using temp file + rename, so readers
// see either the old content or the new content, never a partial file.
// On failure the temp file is removed (best effort) and path is untouched.
func WriteFileAtomic(fs afero.Fs, path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := fs.MkdirAll(dir, 0o755); err != nil {
		return &WriteError{Op: "mkdir", Path: path, Err: err}
	}

	tmpPath := TempPath(path)
	tmpFile, err := fs.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, perm)
	if err != nil {
		return &WriteError{Op: "create", Path: path, Err: err}
	}

	committed := false
	defer func() {
		if !committed {
			_ = fs.Remove(tmpPath)
		}
	}()

	if _, err := tmpFile.Write(data); err != nil {
		tmpFile.Close()
		return &WriteError{Op: "write", Path: path, Err: err}
	}
	if err := tmpFile.Sync(); err != nil {
		tmpFile.Close()
		return &WriteError{Op: "sync", Path: path, Err: err}
	}
	if err := tmpFile.Close(); err != nil {
		return &WriteError{Op: "close", Path: path, Err: err}
	}

	if err := fs.Rename(tmpPath, path); err != nil {
		return &WriteError{Op: "rename", Path: path, Err: err}
	}
	committed = true

	// The rename is already visible; a failed directory sync only weakens
	// durability across power loss, so it is reported but not returned.
	if _, ok := fs.(*afero.OsFs); ok {
		if err := infrafs.FsyncDir(dir); err != nil {
			app.GetLogger().Warn("atomic write %s: %v", path, err)
		}
	}
	return nil
}

// IsTempFile reports whether name is a temp file produced for target.
func IsTempFile(name, target string) bool {
	return strings.HasPrefix(filepath.Base(name), filepath.Base(target)+TempInfix)
}

// SweepTempFiles removes temp files for path that were last modified more
// than olderThan before now. They are left behind only by writers that
// crashed between create and rename. Returns the removed paths.
func SweepTempFiles(fs afero.Fs, path string, olderThan time.Duration, now time.Time) ([]string, error) {
	dir := filepath.Dir(path)
	entries, err := afero.ReadDir(fs, dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("sweep %s: %w", dir, err)
	}

	var removed []string
	for _, entry := range entries {
		if entry.IsDir() || !IsTempFile(entry.Name(), path) {
			continue
		}
		if now.Sub(entry.ModTime()) < olderThan {
			continue
		}
		full := filepath.Join(dir, entry.Name())
		if err := fs.Remove(full); err != nil && !os.IsNotExist(err) {
			return removed, fmt.Errorf("sweep %s: %w", full, err)
		}
		removed = append(removed, full)
	}
	return removed, nil
}
