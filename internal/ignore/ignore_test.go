package ignore

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoad_ReturnsNilWhenAbsent(t *testing.T) {
	t.Parallel()
	patterns, err := Load(t.TempDir())
	require.NoError(t, err)
	require.Nil(t, patterns)
}

func TestLoad_ReadsHeadlampIgnore(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".headlampignore"), []byte("fixtures/\n*.golden\n"), 0o644))

	patterns, err := Load(dir)
	require.NoError(t, err)
	require.Contains(t, patterns, "fixtures/")
	require.Contains(t, patterns, "*.golden")
}

func TestMatcher_IsIgnored_MatchesDirectoryAndChildren(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".headlampignore"), []byte("fixtures/\n"), 0o644))

	m := NewMatcher(dir)
	ignored, err := m.IsIgnored("fixtures/sample.test.js")
	require.NoError(t, err)
	require.True(t, ignored)

	notIgnored, err := m.IsIgnored("src/foo.test.js")
	require.NoError(t, err)
	require.False(t, notIgnored)
}

func TestMatcher_IsIgnored_NoFileMeansNothingIgnored(t *testing.T) {
	t.Parallel()
	m := NewMatcher(t.TempDir())
	ignored, err := m.IsIgnored("src/foo.test.js")
	require.NoError(t, err)
	require.False(t, ignored)
}

func TestMatcher_IsIgnored_AcceptsAbsolutePath(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".headlampignore"), []byte("fixtures/\n"), 0o644))

	m := NewMatcher(dir)
	ignored, err := m.IsIgnored(filepath.Join(dir, "fixtures", "sample.test.js"))
	require.NoError(t, err)
	require.True(t, ignored)
}
