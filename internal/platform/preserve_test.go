package platform

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPreserveAttrsCopiesMode(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	orig := filepath.Join(dir, "orig")
	repl := filepath.Join(dir, "repl")
	require.NoError(t, os.WriteFile(orig, []byte("a"), 0o750))
	require.NoError(t, os.Chmod(orig, 0o750))
	require.NoError(t, os.WriteFile(repl, []byte("b"), 0o600))

	info, err := os.Stat(orig)
	require.NoError(t, err)
	require.NoError(t, PreserveAttrs(repl, info))

	got, err := os.Stat(repl)
	require.NoError(t, err)
	assert.Equal(t, info.Mode().Perm(), got.Mode().Perm())
}
