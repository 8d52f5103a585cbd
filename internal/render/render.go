// Package render merges per-project bridge documents into one textual
// report (spec §4.9, component 9): sums aggregated counters, concatenates
// test results, reorders by directness rank so the most directly related
// failures scroll back last, and optionally attaches console logs or
// emits GitHub Actions annotations. Grounded on the teacher's
// internal/processor Processor/Chain pattern (reused in shape: a Context
// carrying shared state, a Chain running ordered stages over a slice) and
// internal/reporter's text/github_actions/markdown formatting
// conventions.
package render

import (
	"bufio"
	"fmt"
	"io"
	"math"
	"os"
	"sort"
	"strings"

	"github.com/mattn/go-isatty"

	"github.com/wharflab/headlamp/internal/bridge"
)

// Options toggles the renderer's behavior, set from CLI flags / config.
type Options struct {
	OnlyFailures bool
	ShowLogs     bool
	CI           bool
	Color        *bool // nil means auto-detect
}

// Context carries shared state through the processor chain, mirroring the
// teacher's processor.Context.
type Context struct {
	Opts Options
	// Ranks maps a test file path to its directness rank (lower is more
	// direct). Absent entries sort first (least direct / unrelated).
	Ranks map[string]int
}

// Processor transforms a slice of file results. Implementations must not
// modify the input slice in place.
type Processor interface {
	Name() string
	Process(results []bridge.FileResult, ctx *Context) []bridge.FileResult
}

// Chain runs processors in sequence.
type Chain struct {
	processors []Processor
}

// NewChain builds a processor chain from its ordered stages.
func NewChain(processors ...Processor) *Chain {
	return &Chain{processors: processors}
}

// Process runs every stage over results in order.
func (c *Chain) Process(results []bridge.FileResult, ctx *Context) []bridge.FileResult {
	for _, p := range c.processors {
		results = p.Process(results, ctx)
	}
	return results
}

// DefaultChain is the standard pipeline: path-normalize, dedupe console
// entries within each file result, sort by directness rank descending
// (least direct first, most direct last), only-failures filter. Console
// logs are attached later, by writeSummary, when Options.ShowLogs is set.
func DefaultChain() *Chain {
	return NewChain(
		pathNormalization{},
		consoleDedup{},
		directnessSort{},
		onlyFailuresFilter{},
	)
}

// pathNormalization forces forward slashes in test file paths for
// cross-platform consistent output, mirroring the teacher's
// NewPathNormalization processor.
type pathNormalization struct{}

func (pathNormalization) Name() string { return "path-normalization" }

func (pathNormalization) Process(results []bridge.FileResult, _ *Context) []bridge.FileResult {
	out := make([]bridge.FileResult, len(results))
	for i, r := range results {
		r.TestFilePath = strings.ReplaceAll(r.TestFilePath, `\`, "/")
		out[i] = r
	}
	return out
}

// consoleDedup removes duplicate console entries (same level+message)
// within a file result, keeping first occurrence order.
type consoleDedup struct{}

func (consoleDedup) Name() string { return "console-dedup" }

func (consoleDedup) Process(results []bridge.FileResult, _ *Context) []bridge.FileResult {
	out := make([]bridge.FileResult, len(results))
	for i, r := range results {
		seen := make(map[string]struct{}, len(r.ConsoleEntries))
		deduped := make([]bridge.ConsoleEntry, 0, len(r.ConsoleEntries))
		for _, entry := range r.ConsoleEntries {
			key := entry.Level + "\x00" + entry.Message
			if _, ok := seen[key]; ok {
				continue
			}
			seen[key] = struct{}{}
			deduped = append(deduped, entry)
		}
		r.ConsoleEntries = deduped
		out[i] = r
	}
	return out
}

// directnessSort orders file results by directness rank descending, so
// unrelated/least-direct files are printed first and the most directly
// related test files appear last, optimizing for terminal scroll-back
// (spec §8, "Implementations should preserve this convention").
type directnessSort struct{}

func (directnessSort) Name() string { return "directness-sort" }

func (directnessSort) Process(results []bridge.FileResult, ctx *Context) []bridge.FileResult {
	out := make([]bridge.FileResult, len(results))
	copy(out, results)

	rank := func(path string) int {
		if ctx == nil || ctx.Ranks == nil {
			return math.MaxInt
		}
		if r, ok := ctx.Ranks[path]; ok {
			return r
		}
		return math.MaxInt // unranked sorts as least direct
	}

	sort.SliceStable(out, func(i, j int) bool {
		ri, rj := rank(out[i].TestFilePath), rank(out[j].TestFilePath)
		if ri != rj {
			return ri > rj // descending: higher rank (less direct) first
		}
		return out[i].TestFilePath < out[j].TestFilePath
	})
	return out
}

// onlyFailuresFilter drops file results with no failed test cases, and
// within a kept file drops its passed cases, when Opts.OnlyFailures is
// set. A no-op otherwise.
type onlyFailuresFilter struct{}

func (onlyFailuresFilter) Name() string { return "only-failures-filter" }

func (onlyFailuresFilter) Process(results []bridge.FileResult, ctx *Context) []bridge.FileResult {
	if ctx == nil || !ctx.Opts.OnlyFailures {
		return results
	}

	out := make([]bridge.FileResult, 0, len(results))
	for _, r := range results {
		failed := make([]bridge.TestCase, 0, len(r.TestCases))
		for _, tc := range r.TestCases {
			if tc.Status == bridge.StatusFailed {
				failed = append(failed, tc)
			}
		}
		if len(failed) == 0 {
			continue
		}
		r.TestCases = failed
		out = append(out, r)
	}
	return out
}

// Merged is the combined output of all projects' bridge documents, ready
// for rendering.
type Merged struct {
	TestResults []bridge.FileResult
	Aggregated  bridge.Aggregated
}

// Merge sums aggregated counters and concatenates test_results across
// every project's bridge document (spec §4.9).
func Merge(docs []*bridge.Document) Merged {
	var m Merged
	for _, doc := range docs {
		if doc == nil {
			continue
		}
		m.TestResults = append(m.TestResults, doc.TestResults...)
		m.Aggregated.NumTotalTestSuites += doc.Aggregated.NumTotalTestSuites
		m.Aggregated.NumPassedTestSuites += doc.Aggregated.NumPassedTestSuites
		m.Aggregated.NumFailedTestSuites += doc.Aggregated.NumFailedTestSuites
		m.Aggregated.NumTotalTests += doc.Aggregated.NumTotalTests
		m.Aggregated.NumPassedTests += doc.Aggregated.NumPassedTests
		m.Aggregated.NumFailedTests += doc.Aggregated.NumFailedTests
		m.Aggregated.NumPendingTests += doc.Aggregated.NumPendingTests
		m.Aggregated.NumTodoTests += doc.Aggregated.NumTodoTests
		m.Aggregated.NumTimedOutTests += doc.Aggregated.NumTimedOutTests
		m.Aggregated.RunTimeMs += doc.Aggregated.RunTimeMs
	}
	m.Aggregated.Success = m.Aggregated.NumFailedTests == 0
	return m
}

// Render writes the final textual report to w, after running merged
// results through the processor chain. When opts.CI (or the CI env var)
// is set, GitHub Actions annotations are emitted for each failed test in
// addition to the textual summary, per spec §4.9.
func Render(w io.Writer, docs []*bridge.Document, ranks map[string]int, opts Options) error {
	merged := Merge(docs)

	ctx := &Context{Opts: opts, Ranks: ranks}
	results := DefaultChain().Process(merged.TestResults, ctx)

	color := IsTTY(w)
	if opts.Color != nil {
		color = *opts.Color
	}

	if err := writeSummary(w, results, merged.Aggregated, opts, color); err != nil {
		return err
	}

	if opts.CI || os.Getenv("CI") != "" {
		if err := writeGitHubAnnotations(w, results); err != nil {
			return err
		}
	}

	if looksSparse(results) {
		if err := writeTextPrettifier(w, results); err != nil {
			return err
		}
	}

	return nil
}

func writeSummary(w io.Writer, results []bridge.FileResult, agg bridge.Aggregated, opts Options, color bool) error {
	for _, r := range results {
		for _, tc := range r.TestCases {
			status := strings.ToUpper(string(tc.Status))
			line := fmt.Sprintf("%s %s > %s", status, r.TestFilePath, strings.Join(tc.NamePath, " > "))
			if color {
				line = colorize(line, tc.Status)
			}
			if _, err := fmt.Fprintln(w, line); err != nil {
				return err
			}
			for _, msg := range tc.FailureMessages {
				if _, err := fmt.Fprintf(w, "    %s\n", indentContinuation(msg)); err != nil {
					return err
				}
			}
		}
		if opts.ShowLogs {
			for _, entry := range r.ConsoleEntries {
				if _, err := fmt.Fprintf(w, "    [%s] %s: %s\n", r.TestFilePath, entry.Level, entry.Message); err != nil {
					return err
				}
			}
		}
	}

	summary := fmt.Sprintf("Tests: %d passed, %d failed, %d pending, %d todo (%d total)",
		agg.NumPassedTests, agg.NumFailedTests, agg.NumPendingTests, agg.NumTodoTests, agg.NumTotalTests)
	_, err := fmt.Fprintln(w, summary)
	return err
}

func colorize(line string, status bridge.TestStatus) string {
	const (
		red    = "\033[31m"
		green  = "\033[32m"
		yellow = "\033[33m"
		reset  = "\033[0m"
	)
	switch status {
	case bridge.StatusFailed:
		return red + line + reset
	case bridge.StatusPassed:
		return green + line + reset
	default:
		return yellow + line + reset
	}
}

func indentContinuation(msg string) string {
	return strings.ReplaceAll(strings.TrimSpace(msg), "\n", "\n    ")
}

// writeGitHubAnnotations emits `::error file=...::` workflow commands for
// each failed test case, grounded on the teacher's
// reporter/github_actions.go escaping rules (% \r \n : , all escaped in
// properties; % \r \n only in the message body).
func writeGitHubAnnotations(w io.Writer, results []bridge.FileResult) error {
	for _, r := range results {
		file := strings.ReplaceAll(r.TestFilePath, `\`, "/")
		for _, tc := range r.TestCases {
			if tc.Status != bridge.StatusFailed {
				continue
			}
			var parts []string
			parts = append(parts, "file="+escapeGitHubProperty(file))
			if tc.Location != nil {
				parts = append(parts, fmt.Sprintf("line=%d", tc.Location.Line))
				if tc.Location.Column > 0 {
					parts = append(parts, fmt.Sprintf("col=%d", tc.Location.Column))
				}
			}
			parts = append(parts, "title="+escapeGitHubProperty(strings.Join(tc.NamePath, " > ")))

			message := strings.Join(tc.FailureMessages, "\n")
			message = escapeGitHubMessage(message)

			if _, err := fmt.Fprintf(w, "::error %s::%s\n", strings.Join(parts, ","), message); err != nil {
				return err
			}
		}
	}
	return nil
}

func escapeGitHubMessage(s string) string {
	s = strings.ReplaceAll(s, "%", "%25")
	s = strings.ReplaceAll(s, "\r", "%0D")
	s = strings.ReplaceAll(s, "\n", "%0A")
	return s
}

func escapeGitHubProperty(s string) string {
	s = escapeGitHubMessage(s)
	s = strings.ReplaceAll(s, ":", "%3A")
	s = strings.ReplaceAll(s, ",", "%2C")
	return s
}

// looksSparse implements the heuristic "sparse output detector" (spec
// §8): a failure message containing "Error:" with no accompanying
// "Message:"/"Thrown:" detail line suggests the runner's own output was
// truncated or uninformative, so the text prettifier is appended as a
// hint source.
func looksSparse(results []bridge.FileResult) bool {
	for _, r := range results {
		for _, tc := range r.TestCases {
			if tc.Status != bridge.StatusFailed {
				continue
			}
			for _, msg := range tc.FailureMessages {
				if strings.Contains(msg, "Error:") &&
					!strings.Contains(msg, "Message:") &&
					!strings.Contains(msg, "Thrown:") {
					return true
				}
			}
		}
	}
	return false
}

// writeTextPrettifier appends a plain-text restatement of every failure,
// used both for the sparse-output hint and as the fallback format when a
// project's bridge artifact was missing/unparseable (the caller passes
// whatever FileResults it could reconstruct, possibly from inline-scanned
// console events alone).
func writeTextPrettifier(w io.Writer, results []bridge.FileResult) error {
	if _, err := fmt.Fprintln(w, "\n--- additional detail ---"); err != nil {
		return err
	}
	for _, r := range results {
		for _, tc := range r.TestCases {
			if tc.Status != bridge.StatusFailed {
				continue
			}
			if _, err := fmt.Fprintf(w, "%s > %s\n", r.TestFilePath, strings.Join(tc.NamePath, " > ")); err != nil {
				return err
			}
			scanner := bufio.NewScanner(strings.NewReader(strings.Join(tc.FailureMessages, "\n")))
			for scanner.Scan() {
				if _, err := fmt.Fprintf(w, "  %s\n", scanner.Text()); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// IsTTY reports whether w looks like an interactive terminal, for callers
// deciding the Color default the way isatty-gated teacher code does.
func IsTTY(w io.Writer) bool {
	type fdWriter interface {
		Fd() uintptr
	}
	f, ok := w.(fdWriter)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd())
}
