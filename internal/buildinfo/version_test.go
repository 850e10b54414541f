package buildinfo

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestString(t *testing.T) {
	origVersion, origCommit := Version, Commit
	t.Cleanup(func() { Version, Commit = origVersion, origCommit })

	Version, Commit = "", ""
	assert.Equal(t, "dev", String())

	Version, Commit = "v0.3.0", "abc123"
	assert.Equal(t, "v0.3.0 (abc123)", String())
}
