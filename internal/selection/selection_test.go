package selection

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseChangedMode_DefaultsEmptyToAll(t *testing.T) {
	t.Parallel()
	mode, ok := ParseChangedMode("")
	require.True(t, ok)
	require.Equal(t, ChangedAll, mode)
}

func TestParseChangedMode_AcceptsKnownModes(t *testing.T) {
	t.Parallel()
	for _, m := range []ChangedMode{ChangedAll, ChangedStaged, ChangedUnstaged, ChangedBranch, ChangedLastCommit} {
		mode, ok := ParseChangedMode(string(m))
		require.True(t, ok)
		require.Equal(t, m, mode)
	}
}

func TestParseChangedMode_RejectsUnknownMode(t *testing.T) {
	t.Parallel()
	_, ok := ParseChangedMode("yesterday")
	require.False(t, ok)
}

func TestSelection_NamePatternOnly(t *testing.T) {
	t.Parallel()
	require.True(t, Selection{NamePattern: "renders"}.NamePatternOnly())
	require.False(t, Selection{NamePattern: "renders", Paths: []string{"a.ts"}}.NamePatternOnly())
	require.False(t, Selection{NamePattern: "renders", HasChanged: true}.NamePatternOnly())
	require.False(t, Selection{}.NamePatternOnly())
}

func TestIsTestFile(t *testing.T) {
	t.Parallel()
	tests := map[string]bool{
		"src/foo.test.ts":    true,
		"src/foo.spec.js":    true,
		"src/tests/bar.ts":   true,
		"src/foo.ts":         false,
		"test_something.py": true,
		"something_test.py": true,
		"widget_test.cc":     true,
		"WidgetTest.cpp":     true,
		"widget.cpp":         false,
	}
	for path, want := range tests {
		require.Equal(t, want, IsTestFile(path), path)
	}
}

func TestNormalizePath_ConvertsToAbsoluteForwardSlash(t *testing.T) {
	t.Parallel()
	got, err := NormalizePath("foo/bar.ts")
	require.NoError(t, err)
	require.True(t, filepath.IsAbs(got))
	require.NotContains(t, got, "\\")
}

func TestIsExcludedDir(t *testing.T) {
	t.Parallel()
	require.True(t, IsExcludedDir("/repo/node_modules/pkg"))
	require.True(t, IsExcludedDir("/repo/vendor/lib"))
	require.True(t, IsExcludedDir("/repo/.git/objects"))
	require.False(t, IsExcludedDir("/repo/src/vendored.ts"))
}

func TestClassify(t *testing.T) {
	t.Parallel()
	require.Equal(t, ClassBareName, Classify("renders header"))
	require.Equal(t, ClassTestLike, Classify("src/foo.test.ts"))
	require.Equal(t, ClassProductionLike, Classify("src/foo.ts"))
	require.Equal(t, ClassProductionLike, Classify("widget.cpp"))
}
