package discovery_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/gsignond/gsignond-go/internal/plugin/discovery"
)

func TestScanPluginsDirFiltersByPrefix(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"gsignond-plugin-password", "gsignond-plugin-digest", "README.md", "gsignond-plugin-digest.sig"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o755))
	}
	require.NoError(t, os.Mkdir(filepath.Join(dir, "gsignond-plugin-subdir"), 0o755))

	paths, err := discovery.ScanPluginsDir(dir)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{
		filepath.Join(dir, "gsignond-plugin-digest"),
		filepath.Join(dir, "gsignond-plugin-digest.sig"),
		filepath.Join(dir, "gsignond-plugin-password"),
	}, paths)
}

func TestScanPluginsDirMissingDirReturnsEmpty(t *testing.T) {
	paths, err := discovery.ScanPluginsDir(filepath.Join(t.TempDir(), "does-not-exist"))
	require.NoError(t, err)
	require.Empty(t, paths)
}

func TestVerifyingStarterRejectsUnknownMethod(t *testing.T) {
	locator := func(method string) (string, bool) { return "", false }
	starter := discovery.VerifyingStarter(locator, nil, nil, nil)
	_, err := starter(t.Context(), "does-not-exist")
	require.Error(t, err)
}
