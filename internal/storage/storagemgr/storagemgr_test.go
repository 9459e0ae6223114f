package storagemgr

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultLocationIncludesUsername(t *testing.T) {
	loc, err := DefaultLocation("/var/lib/gsignond")
	require.NoError(t, err)
	assert.Contains(t, loc, "/var/lib/gsignond/gsignond.")
}

func TestPlainInitializeStorageCreatesDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "gsignond.testuser")
	p := NewPlain(dir)

	assert.False(t, p.StorageIsInitialized())
	require.NoError(t, p.InitializeStorage())
	assert.True(t, p.StorageIsInitialized())

	// Idempotent.
	require.NoError(t, p.InitializeStorage())
}

func TestPlainMountUnmountAreNoops(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "gsignond.testuser")
	p := NewPlain(dir)
	require.NoError(t, p.InitializeStorage())

	path, err := p.MountFilesystem()
	require.NoError(t, err)
	assert.Equal(t, dir, path)
	assert.True(t, p.FilesystemIsMounted())

	require.NoError(t, p.UnmountFilesystem())
}

func TestPlainDeleteStorageRemovesDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "gsignond.testuser")
	p := NewPlain(dir)
	require.NoError(t, p.InitializeStorage())
	require.NoError(t, os.WriteFile(filepath.Join(dir, "secret.db"), []byte("top secret"), 0o600))

	require.NoError(t, p.DeleteStorage())
	_, err := os.Stat(dir)
	assert.True(t, os.IsNotExist(err))
}

func TestWipeFileRemovesFileAndOverwritesContent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "secret.db")
	require.NoError(t, os.WriteFile(path, []byte("sensitive data here"), 0o600))

	require.NoError(t, WipeFile(path))
	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestWipeFileOnMissingFileIsNoop(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing.db")
	require.NoError(t, WipeFile(path))
}

func TestWipeDirectoryRemovesTree(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.db"), []byte("a"), 0o600))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub"), 0o700))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "sub", "b.db"), []byte("b"), 0o600))

	require.NoError(t, WipeDirectory(dir))
	_, err := os.Stat(dir)
	assert.True(t, os.IsNotExist(err))
}

func TestSecureMountDecryptsAndUnmountReseals(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "gsignond.testuser")
	s, err := NewSecure(dir, "secret.db", "correct-horse-battery-staple", "some-salt")
	require.NoError(t, err)

	path, err := s.MountFilesystem()
	require.NoError(t, err)
	assert.Equal(t, dir, path)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "secret.db"), []byte("plaintext secret contents"), 0o600))
	require.NoError(t, s.UnmountFilesystem())

	// Plaintext is gone after unmount; only the sealed sidecar remains.
	_, err = os.Stat(filepath.Join(dir, "secret.db"))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(dir, "secret.db.age"))
	require.NoError(t, err)

	// Remounting decrypts the sidecar back into place.
	_, err = s.MountFilesystem()
	require.NoError(t, err)
	data, err := os.ReadFile(filepath.Join(dir, "secret.db"))
	require.NoError(t, err)
	assert.Equal(t, "plaintext secret contents", string(data))
}
