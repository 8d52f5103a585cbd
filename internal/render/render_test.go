package render

import (
	"bytes"
	"testing"

	"github.com/gkampitakis/go-snaps/snaps"
	"github.com/stretchr/testify/require"

	"github.com/wharflab/headlamp/internal/bridge"
	"github.com/wharflab/headlamp/internal/testutil"
)

func TestMerge_SumsCountersAndConcatenatesResults(t *testing.T) {
	t.Parallel()

	docs := []*bridge.Document{
		{
			TestResults: []bridge.FileResult{{TestFilePath: "a.test.js"}},
			Aggregated:  bridge.Aggregated{NumTotalTests: 2, NumPassedTests: 2},
		},
		{
			TestResults: []bridge.FileResult{{TestFilePath: "b.test.js"}},
			Aggregated:  bridge.Aggregated{NumTotalTests: 3, NumPassedTests: 1, NumFailedTests: 2},
		},
		nil,
	}

	merged := Merge(docs)
	require.Len(t, merged.TestResults, 2)
	require.Equal(t, 5, merged.Aggregated.NumTotalTests)
	require.Equal(t, 2, merged.Aggregated.NumFailedTests)
	require.False(t, merged.Aggregated.Success)
}

func TestDirectnessSort_OrdersLeastDirectFirst(t *testing.T) {
	t.Parallel()

	results := []bridge.FileResult{
		{TestFilePath: "direct.test.js"},
		{TestFilePath: "unrelated.test.js"},
		{TestFilePath: "indirect.test.js"},
	}
	ctx := &Context{Ranks: map[string]int{
		"direct.test.js":   0,
		"indirect.test.js": 2,
	}}

	sorted := directnessSort{}.Process(results, ctx)
	require.Equal(t, []string{"unrelated.test.js", "indirect.test.js", "direct.test.js"},
		[]string{sorted[0].TestFilePath, sorted[1].TestFilePath, sorted[2].TestFilePath})
}

func TestOnlyFailuresFilter_DropsPassingFilesAndCases(t *testing.T) {
	t.Parallel()

	results := []bridge.FileResult{
		{TestFilePath: "all-pass.test.js", TestCases: []bridge.TestCase{{Status: bridge.StatusPassed}}},
		{TestFilePath: "mixed.test.js", TestCases: []bridge.TestCase{
			{Status: bridge.StatusPassed, NamePath: []string{"a"}},
			{Status: bridge.StatusFailed, NamePath: []string{"b"}},
		}},
	}

	ctx := &Context{Opts: Options{OnlyFailures: true}}
	filtered := onlyFailuresFilter{}.Process(results, ctx)

	require.Len(t, filtered, 1)
	require.Equal(t, "mixed.test.js", filtered[0].TestFilePath)
	require.Len(t, filtered[0].TestCases, 1)
	require.Equal(t, bridge.StatusFailed, filtered[0].TestCases[0].Status)
}

func TestOnlyFailuresFilter_NoopWhenDisabled(t *testing.T) {
	t.Parallel()
	results := []bridge.FileResult{{TestFilePath: "a.test.js"}}
	out := onlyFailuresFilter{}.Process(results, &Context{})
	require.Equal(t, results, out)
}

func TestConsoleDedup_RemovesDuplicateEntries(t *testing.T) {
	t.Parallel()
	results := []bridge.FileResult{{
		TestFilePath: "a.test.js",
		ConsoleEntries: []bridge.ConsoleEntry{
			{Level: "log", Message: "hi"},
			{Level: "log", Message: "hi"},
			{Level: "warn", Message: "hi"},
		},
	}}

	out := consoleDedup{}.Process(results, &Context{})
	require.Len(t, out[0].ConsoleEntries, 2)
}

func TestRender_OnlyFailuresAndGitHubAnnotations(t *testing.T) {
	t.Parallel()

	docs := []*bridge.Document{{
		TestResults: []bridge.FileResult{{
			TestFilePath: "src/foo.test.js",
			TestCases: []bridge.TestCase{
				{NamePath: []string{"adds"}, Status: bridge.StatusPassed},
				{NamePath: []string{"subtracts"}, Status: bridge.StatusFailed,
					FailureMessages: []string{"Error: expected 2 got 3"},
					Location:        &bridge.Location{Line: 10, Column: 3}},
			},
		}},
		Aggregated: bridge.Aggregated{NumTotalTests: 2, NumPassedTests: 1, NumFailedTests: 1},
	}}

	colorOff := false
	var buf bytes.Buffer
	err := Render(&buf, docs, nil, Options{OnlyFailures: true, CI: true, Color: &colorOff})
	require.NoError(t, err)

	out := buf.String()
	require.Contains(t, out, "FAILED src/foo.test.js > subtracts")
	require.NotContains(t, out, "adds")
	require.Contains(t, out, "::error file=src/foo.test.js,line=10,col=3,title=subtracts::")
}

func TestRender_SparseOutputAppendsPrettifier(t *testing.T) {
	t.Parallel()

	docs := []*bridge.Document{{
		TestResults: []bridge.FileResult{{
			TestFilePath: "a.test.js",
			TestCases: []bridge.TestCase{
				{NamePath: []string{"x"}, Status: bridge.StatusFailed, FailureMessages: []string{"Error: boom"}},
			},
		}},
	}}

	colorOff := false
	var buf bytes.Buffer
	err := Render(&buf, docs, nil, Options{Color: &colorOff})
	require.NoError(t, err)
	require.Contains(t, buf.String(), "additional detail")
}

func TestEscapeGitHubProperty_EscapesReservedChars(t *testing.T) {
	t.Parallel()
	require.Equal(t, "a%3Ab%2Cc%0Ad", escapeGitHubProperty("a:b,c\nd"))
}

func TestMerge_DerivesCountersFromFixtureBuilders(t *testing.T) {
	t.Parallel()

	docs := []*bridge.Document{
		testutil.Document(
			testutil.FileResult("a.test.js", testutil.PassingCase("adds")),
			testutil.FileResult("b.test.js",
				testutil.PassingCase("subtracts"),
				testutil.FailingCase("Error: expected 2 got 3", "multiplies")),
		),
	}

	merged := Merge(docs)
	require.Equal(t, 3, merged.Aggregated.NumTotalTests)
	require.Equal(t, 2, merged.Aggregated.NumPassedTests)
	require.Equal(t, 1, merged.Aggregated.NumFailedTests)
	require.False(t, merged.Aggregated.Success)
}

func TestMerge_AggregatedSnapshot(t *testing.T) {
	docs := []*bridge.Document{
		{Aggregated: bridge.Aggregated{NumTotalTests: 4, NumPassedTests: 3, NumFailedTests: 1}},
		{Aggregated: bridge.Aggregated{NumTotalTests: 2, NumPassedTests: 2}},
	}
	snaps.MatchJSON(t, Merge(docs).Aggregated)
}
