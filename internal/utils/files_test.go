package utils

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCopyFile(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src.fits")
	require.NoError(t, os.WriteFile(src, []byte("SIMPLE  = T"), 0o600))

	dst := filepath.Join(dir, "nested", "deeper", "dst.fits")
	require.NoError(t, CopyFile(src, dst))

	data, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "SIMPLE  = T", string(data))

	info, err := os.Stat(dst)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	// The source is left alone
	assert.FileExists(t, src)
}

func TestCopyFile_MissingSource(t *testing.T) {
	dir := t.TempDir()

	err := CopyFile(filepath.Join(dir, "missing"), filepath.Join(dir, "dst"))
	require.Error(t, err)
	assert.True(t, os.IsNotExist(err))
	assert.NoFileExists(t, filepath.Join(dir, "dst"))
}
