package fs

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFsyncDir(t *testing.T) {
	tmpDir := t.TempDir()

	assert.NoError(t, FsyncDir(tmpDir))
	assert.Error(t, FsyncDir(""), "empty path")
	assert.Error(t, FsyncDir(filepath.Join(tmpDir, "non-existent")))
}
