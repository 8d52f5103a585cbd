package coverage

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

const sampleIstanbul = `{
	"/repo/src/foo.js": {
		"statementMap": {"0": {"start": {"line": 1}}, "1": {"start": {"line": 2}}},
		"fnMap": {"0": {"decl": {"start": {"line": 1}}}},
		"branchMap": {"0": {}},
		"s": {"0": 1, "1": 0},
		"f": {"0": 1},
		"b": {"0": [1, 0]}
	}
}`

func TestParseBytes_ComputesMetrics(t *testing.T) {
	t.Parallel()
	cm, err := ParseBytes([]byte(sampleIstanbul))
	require.NoError(t, err)

	fc, ok := cm["/repo/src/foo.js"]
	require.True(t, ok)
	require.Equal(t, Metric{Covered: 1, Total: 2}, fc.Statements)
	require.Equal(t, Metric{Covered: 1, Total: 1}, fc.Functions)
	require.Equal(t, Metric{Covered: 1, Total: 2}, fc.Branches)
	require.Equal(t, Metric{Covered: 1, Total: 2}, fc.Lines)
}

func TestMetric_PctHandlesZeroTotal(t *testing.T) {
	t.Parallel()
	require.Equal(t, 100.0, Metric{}.Pct())
	require.Equal(t, 50.0, Metric{Covered: 1, Total: 2}.Pct())
}

func TestCoverageMap_MergeAdditivelyUnionsCounts(t *testing.T) {
	t.Parallel()
	a := CoverageMap{"x.js": {Statements: Metric{Covered: 1, Total: 2}}}
	b := CoverageMap{"x.js": {Statements: Metric{Covered: 1, Total: 2}}, "y.js": {Statements: Metric{Covered: 3, Total: 3}}}

	merged := a.Merge(b)
	require.Equal(t, Metric{Covered: 2, Total: 4}, merged["x.js"].Statements)
	require.Equal(t, Metric{Covered: 3, Total: 3}, merged["y.js"].Statements)
}

func TestFindCoverageFiles_RecursiveScan(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	nested := filepath.Join(root, "project-a", "coverage")
	require.NoError(t, os.MkdirAll(nested, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(nested, CoverageFileName), []byte(sampleIstanbul), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "unrelated.json"), []byte("{}"), 0o644))

	files, err := FindCoverageFiles(root)
	require.NoError(t, err)
	require.Len(t, files, 1)
}

func TestMergeAll_CombinesAcrossRoots(t *testing.T) {
	t.Parallel()
	rootA := t.TempDir()
	rootB := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(rootA, CoverageFileName), []byte(sampleIstanbul), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(rootB, CoverageFileName), []byte(sampleIstanbul), 0o644))

	merged, err := MergeAll([]string{rootA, rootB})
	require.NoError(t, err)
	require.Equal(t, Metric{Covered: 2, Total: 4}, merged["/repo/src/foo.js"].Statements)
}

func TestMergeLCOV_ConcatenatesNonEmptyBodies(t *testing.T) {
	t.Parallel()
	rootA := t.TempDir()
	rootB := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(rootA, LCOVFileName), []byte("SF:a.js\nend_of_record\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(rootB, LCOVFileName), []byte("   \n"), 0o644))

	merged, err := MergeLCOV([]string{rootA, rootB})
	require.NoError(t, err)
	require.Equal(t, "SF:a.js\nend_of_record\n", string(merged))
}

func TestFilterGlobs_RetriesWithWildcardWhenEmpty(t *testing.T) {
	t.Parallel()
	cm := CoverageMap{"src/a.js": {}, "src/b.js": {}}

	filtered := FilterGlobs(cm, []string{"does/not/match/**"}, nil)
	require.Len(t, filtered, 2) // retried with **/*
}

func TestFilterGlobs_ExcludeWins(t *testing.T) {
	t.Parallel()
	cm := CoverageMap{"src/a.js": {}, "src/a.test.js": {}}

	filtered := FilterGlobs(cm, []string{"**/*"}, []string{"**/*.test.js"})
	require.Len(t, filtered, 1)
	_, ok := filtered["src/a.js"]
	require.True(t, ok)
}

func TestWriteTable_RendersHeaderAndFooter(t *testing.T) {
	t.Parallel()
	cm := CoverageMap{"a.js": {Statements: Metric{Covered: 1, Total: 2}}}
	var buf bytes.Buffer
	WriteTable(&buf, cm)

	require.Contains(t, buf.String(), "File")
	require.Contains(t, buf.String(), "All files")
}

func TestDetail_BoundsByMaxFilesAndLogsOmitted(t *testing.T) {
	t.Parallel()
	cm := CoverageMap{
		"a.js": {Statements: Metric{Covered: 0, Total: 10}},
		"b.js": {Statements: Metric{Covered: 10, Total: 10}},
		"c.js": {Statements: Metric{Covered: 5, Total: 10}},
	}
	var buf bytes.Buffer
	Detail(&buf, cm, 1, 1)

	require.Contains(t, buf.String(), "more files omitted")
}

func TestHotspots_ReturnsWorstCoveredFirst(t *testing.T) {
	t.Parallel()
	cm := CoverageMap{
		"a.js": {Statements: Metric{Covered: 9, Total: 10}},
		"b.js": {Statements: Metric{Covered: 1, Total: 10}},
	}
	hotspots := Hotspots(cm, 1)
	require.Len(t, hotspots, 1)
	require.Equal(t, "b.js", hotspots[0].Path)
}
