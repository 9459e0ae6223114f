package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultHasSaneTimeouts(t *testing.T) {
	cfg := Default()
	assert.Equal(t, 300*time.Second, cfg.ObjectTimeouts.IdentityTimeout)
	assert.Equal(t, 300*time.Second, cfg.ObjectTimeouts.AuthSessionTimeout)
	assert.Equal(t, "secret.db", cfg.Storage.SecretDBFilename)
}

func TestLoadOverlaysFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
general:
  storagePath: /tmp/custom
storage:
  secretDBFilename: custom-secret.db
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/custom", cfg.General.StoragePath)
	assert.Equal(t, "custom-secret.db", cfg.Storage.SecretDBFilename)
	// Values not present in the file keep their defaults.
	assert.Equal(t, "metadata.db", cfg.Storage.MetadataDBFilename)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("SSO_STORAGE_PATH", "/env/path")
	t.Setenv("SSO_IDENTITY_TIMEOUT", "42")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "/env/path", cfg.General.StoragePath)
	assert.Equal(t, 42*time.Second, cfg.ObjectTimeouts.IdentityTimeout)
}
