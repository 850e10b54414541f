package file_test

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/afero"

	"github.com/YoshitsuguKoike/paracle/internal/infra/persistence/file"
)

func TestWriteFileAtomic(t *testing.T) {
	tests := []struct {
		name        string
		path        string
		data        []byte
		setupFS     func(fs afero.Fs) error
		checkResult func(t *testing.T, fs afero.Fs, path string)
	}{
		{
			name: "Write new file successfully",
			path: "var/current_state.yaml",
			data: []byte("revision: 1\n"),
			checkResult: func(t *testing.T, fs afero.Fs, path string) {
				content, err := afero.ReadFile(fs, path)
				if err != nil {
					t.Fatalf("Failed to read file: %v", err)
				}
				if string(content) != "revision: 1\n" {
					t.Errorf("File content mismatch: got %q", string(content))
				}
				info, err := fs.Stat("var")
				if err != nil || !info.IsDir() {
					t.Errorf("Directory not created: %v", err)
				}
			},
		},
		{
			name: "Overwrite existing file",
			path: "var/current_state.yaml",
			data: []byte("revision: 2\n"),
			setupFS: func(fs afero.Fs) error {
				return afero.WriteFile(fs, "var/current_state.yaml", []byte("revision: 1\n"), 0o644)
			},
			checkResult: func(t *testing.T, fs afero.Fs, path string) {
				content, err := afero.ReadFile(fs, path)
				if err != nil {
					t.Fatalf("Failed to read file: %v", err)
				}
				if string(content) != "revision: 2\n" {
					t.Errorf("File not overwritten: got %q", string(content))
				}
			},
		},
		{
			name: "Write empty file",
			path: "empty.yaml",
			data: []byte{},
			checkResult: func(t *testing.T, fs afero.Fs, path string) {
				content, err := afero.ReadFile(fs, path)
				if err != nil {
					t.Fatalf("Failed to read file: %v", err)
				}
				if len(content) != 0 {
					t.Errorf("Expected empty file, got %d bytes", len(content))
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fs := afero.NewMemMapFs()
			if tt.setupFS != nil {
				if err := tt.setupFS(fs); err != nil {
					t.Fatalf("Failed to setup filesystem: %v", err)
				}
			}

			if err := file.WriteFileAtomic(fs, tt.path, tt.data, 0o644); err != nil {
				t.Fatalf("WriteFileAtomic() error = %v", err)
			}
			tt.checkResult(t, fs, tt.path)
			assertNoTempFiles(t, fs, tt.path)
		})
	}
}

// MockFailFS is a filesystem that fails on specific operations
type MockFailFS struct {
	afero.Fs
	failOnRename bool
	failOnCreate bool
}

func (m *MockFailFS) Rename(oldname, newname string) error {
	if m.failOnRename {
		return errors.New("rename failed")
	}
	return m.Fs.Rename(oldname, newname)
}

func (m *MockFailFS) OpenFile(name string, flag int, perm os.FileMode) (afero.File, error) {
	if m.failOnCreate && flag&os.O_CREATE != 0 {
		return nil, os.ErrPermission
	}
	return m.Fs.OpenFile(name, flag, perm)
}

func TestWriteFileAtomic_FailureLeavesTargetUntouched(t *testing.T) {
	tests := []struct {
		name   string
		fs     *MockFailFS
		wantOp string
	}{
		{name: "rename fails", fs: &MockFailFS{failOnRename: true}, wantOp: "rename"},
		{name: "create fails", fs: &MockFailFS{failOnCreate: true}, wantOp: "create"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			base := afero.NewMemMapFs()
			if err := afero.WriteFile(base, "state.yaml", []byte("original"), 0o644); err != nil {
				t.Fatal(err)
			}
			tt.fs.Fs = base

			err := file.WriteFileAtomic(tt.fs, "state.yaml", []byte("replacement"), 0o644)
			if err == nil {
				t.Fatal("Expected error")
			}

			var we *file.WriteError
			if !errors.As(err, &we) {
				t.Fatalf("error type = %T, want *file.WriteError", err)
			}
			if we.Op != tt.wantOp {
				t.Errorf("Op = %q, want %q", we.Op, tt.wantOp)
			}
			if we.Path != "state.yaml" {
				t.Errorf("Path = %q, want state.yaml", we.Path)
			}

			content, _ := afero.ReadFile(base, "state.yaml")
			if string(content) != "original" {
				t.Errorf("target modified on failure: %q", content)
			}
			assertNoTempFiles(t, base, "state.yaml")
		})
	}
}

func TestWriteFileAtomic_OsFs(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "var", "current_state.yaml")

	if err := file.WriteFileAtomic(afero.NewOsFs(), path, []byte("phase: init\n"), 0o600); err != nil {
		t.Fatalf("WriteFileAtomic() error = %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("Permissions = %v, want 0600", info.Mode().Perm())
	}
	assertNoTempFiles(t, afero.NewOsFs(), path)
}

func TestTempPathIsUnique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		p := file.TempPath("state.yaml")
		if !strings.HasPrefix(p, "state.yaml.tmp.") {
			t.Fatalf("unexpected temp path %q", p)
		}
		if seen[p] {
			t.Fatalf("duplicate temp path %q", p)
		}
		seen[p] = true
	}
}

func TestSweepTempFiles(t *testing.T) {
	fs := afero.NewMemMapFs()
	now := time.Now()
	target := "var/current_state.yaml"

	old := target + ".tmp.01OLD"
	fresh := target + ".tmp.01FRESH"
	other := "var/other.yaml.tmp.01OTHER"
	for _, p := range []string{target, old, fresh, other} {
		if err := afero.WriteFile(fs, p, []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	if err := fs.Chtimes(old, now.Add(-2*time.Hour), now.Add(-2*time.Hour)); err != nil {
		t.Fatal(err)
	}
	if err := fs.Chtimes(other, now.Add(-2*time.Hour), now.Add(-2*time.Hour)); err != nil {
		t.Fatal(err)
	}

	removed, err := file.SweepTempFiles(fs, target, time.Hour, now)
	if err != nil {
		t.Fatalf("SweepTempFiles() error = %v", err)
	}
	if len(removed) != 1 || filepath.Base(removed[0]) != filepath.Base(old) {
		t.Errorf("removed = %v, want only %s", removed, old)
	}

	for p, want := range map[string]bool{target: true, old: false, fresh: true, other: true} {
		_, err := fs.Stat(p)
		if exists := err == nil; exists != want {
			t.Errorf("%s exists = %v, want %v", p, exists, want)
		}
	}
}

func TestSweepTempFilesMissingDir(t *testing.T) {
	removed, err := file.SweepTempFiles(afero.NewMemMapFs(), "nope/state.yaml", 0, time.Now())
	if err != nil {
		t.Fatalf("SweepTempFiles() error = %v", err)
	}
	if len(removed) != 0 {
		t.Errorf("removed = %v, want none", removed)
	}
}

func assertNoTempFiles(t *testing.T, fs afero.Fs, target string) {
	t.Helper()
	files, _ := afero.ReadDir(fs, filepath.Dir(target))
	for _, f := range files {
		if file.IsTempFile(f.Name(), target) {
			t.Errorf("Temp file not cleaned up: %s", f.Name())
		}
	}
}
