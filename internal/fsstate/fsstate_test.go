package fsstate

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOSReadFileAndExists(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "door.txt")
	require.NoError(t, os.WriteFile(path, []byte("Name door\n"), 0o644))

	var fs OS
	assert.True(t, fs.Exists(path))
	assert.False(t, fs.Exists(filepath.Join(dir, "missing.txt")))

	data, err := fs.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "Name door\n", string(data))
}
