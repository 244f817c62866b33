package datadir

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeEnv(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestLoadEnv_FirstFileWins(t *testing.T) {
	t.Setenv(EnvFileEnvVar, "")
	root := t.TempDir()
	extra := t.TempDir()
	writeEnv(t, root, "VT_TEST_A=from-root\nVT_TEST_QUOTED=\"quoted value\"\n")
	writeEnv(t, extra, "# comment\nVT_TEST_A=from-extra\nVT_TEST_B=only-extra\n")

	t.Setenv("VT_TEST_A", "")
	os.Unsetenv("VT_TEST_A")
	t.Setenv("VT_TEST_B", "")
	os.Unsetenv("VT_TEST_B")
	t.Setenv("VT_TEST_QUOTED", "")
	os.Unsetenv("VT_TEST_QUOTED")

	require.NoError(t, LoadEnv(root, extra))
	assert.Equal(t, "from-root", os.Getenv("VT_TEST_A"))
	assert.Equal(t, "only-extra", os.Getenv("VT_TEST_B"))
	assert.Equal(t, "quoted value", os.Getenv("VT_TEST_QUOTED"))
}

func TestLoadEnv_ExistingEnvWins(t *testing.T) {
	t.Setenv(EnvFileEnvVar, "")
	root := t.TempDir()
	writeEnv(t, root, "VT_TEST_KEY=from-file\n")
	t.Setenv("VT_TEST_KEY", "from-shell")

	require.NoError(t, LoadEnv(root))
	assert.Equal(t, "from-shell", os.Getenv("VT_TEST_KEY"))
}

func TestLoadEnv_MissingFilesAreFine(t *testing.T) {
	t.Setenv(EnvFileEnvVar, "")
	assert.NoError(t, LoadEnv(filepath.Join(t.TempDir(), "nowhere")))
}

func TestFindEnvFiles_Override(t *testing.T) {
	root := t.TempDir()
	writeEnv(t, root, "X=1\n")
	custom := filepath.Join(t.TempDir(), "custom.env")
	require.NoError(t, os.WriteFile(custom, []byte("Y=2\n"), 0600))

	t.Setenv(EnvFileEnvVar, custom)
	assert.Equal(t, []string{custom}, FindEnvFiles(root))
}

func TestDedupPaths(t *testing.T) {
	got := dedupPaths([]string{"/a/.env", "/a/../a/.env", "/b/.env"})
	assert.Equal(t, []string{"/a/.env", "/b/.env"}, got)
}
