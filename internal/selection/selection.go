// Package selection holds the core data model shared by every stage of the
// headlamp pipeline: the user's effective Selection, the statically
// discovered Project set, and the path-classification helpers (TestFile vs
// ProductionFile) that the discovery, graph, and ownership stages all build
// on.
package selection

import (
	"path/filepath"
	"regexp"
	"strings"
)

// ChangedMode names one of the five VCS change-probe modes.
type ChangedMode string

const (
	ChangedAll        ChangedMode = "all"
	ChangedStaged     ChangedMode = "staged"
	ChangedUnstaged   ChangedMode = "unstaged"
	ChangedBranch     ChangedMode = "branch"
	ChangedLastCommit ChangedMode = "lastCommit"
)

// ParseChangedMode validates a user-supplied mode string, defaulting to
// ChangedAll for an empty string (bare --changed).
func ParseChangedMode(s string) (ChangedMode, bool) {
	switch ChangedMode(s) {
	case "", ChangedAll:
		return ChangedAll, true
	case ChangedStaged, ChangedUnstaged, ChangedBranch, ChangedLastCommit:
		return ChangedMode(s), true
	default:
		return "", false
	}
}

// Selection is the effective set of paths and patterns the user asked to
// run, after the argument normalizer and VCS probe have both run.
type Selection struct {
	// Specified reports whether the user asked for any explicit selection
	// at all (paths, bare names, or a name pattern). False means "run
	// everything".
	Specified bool

	// Paths is the ordered, deduplicated set of absolute, forward-slash
	// paths the user (or the VCS probe) selected.
	Paths []string

	// NamePattern is the -t/--testNamePattern value, if any.
	NamePattern string

	IncludeGlobs []string
	ExcludeGlobs []string

	ChangedMode  ChangedMode
	HasChanged   bool
	ChangedDepth int
}

// DefaultChangedDepth is used when --changed.depth is absent.
const DefaultChangedDepth = 1

// NamePatternOnly reports whether the sole selector is a name pattern, with
// no path or changed-file selection — the discovery engine's "name-pattern
// grep" shortcut (spec §4.3) and the dispatch planner's forced-run rule
// (spec §4.6) both key off this.
func (s Selection) NamePatternOnly() bool {
	return s.NamePattern != "" && len(s.Paths) == 0 && !s.HasChanged
}

// Project is a statically discovered test-running project: one backing
// runner configuration and its working directory. Immutable after
// construction.
type Project struct {
	ConfigPath string
	WorkingDir string
	RunnerKind string
}

// testFileRE matches spec §3's TestFile classification: a
// `.test.`/`.spec.` suffix before a JS/TS extension, or a `/test/`,
// `/tests/` path segment. Also covers the scripting-runner convention
// (`test_*.py` / `*_test.py`) and the native-runner convention
// (`*_test.cc`, `*_test.cpp`, `*Test.cpp`).
var testFileRE = regexp.MustCompile(
	`(?i)(\.(test|spec)\.[tj]sx?$)|(/tests?/)|(^|/)(test_[^/]+\.py$|[^/]+_test\.py$)|([^/]+_test\.(cc|cpp)$)|([^/]+Test\.cpp$)`,
)

// IsTestFile classifies an absolute, forward-slash-normalized path.
func IsTestFile(path string) bool {
	return testFileRE.MatchString(path)
}

// NormalizePath converts path to an absolute, forward-slash form. It never
// touches the filesystem beyond filepath.Abs's cwd lookup, so it is safe to
// call on paths that may not exist (e.g. paths reported by a child process
// that has already exited).
func NormalizePath(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	return filepath.ToSlash(abs), nil
}

// vendorCoverageSegments are directory names excluded from the VCS probe's
// output and from the project, test-file and bare-name scans (the coverage
// artifact scan does not use them). Matched as whole path segments,
// case-sensitively, at any depth.
var vendorCoverageSegments = []string{
	"node_modules", "vendor", "coverage", ".git", ".cache",
}

// IsExcludedDir reports whether path contains a vendor or coverage
// directory segment anywhere in its path.
func IsExcludedDir(path string) bool {
	slashed := filepath.ToSlash(path)
	for _, seg := range strings.Split(slashed, "/") {
		for _, excluded := range vendorCoverageSegments {
			if seg == excluded {
				return true
			}
		}
	}
	return false
}

// Classification buckets a single normalizer token.
type Classification int

const (
	ClassBareName Classification = iota
	ClassTestLike
	ClassProductionLike
)

// sourceExtRE recognizes tokens that look like a source file regardless of
// separators, so "Button.tsx" (no slash) is still path-like.
var sourceExtRE = regexp.MustCompile(`\.(test|spec)?\.?[tj]sx?$|\.py$|\.(cc|cpp|h|hpp)$`)

// Classify implements spec §4.1's positional-token classification:
// path-like (separator or source extension) further splits into test-like
// vs production-like; anything else is a bare name.
func Classify(token string) Classification {
	pathLike := strings.ContainsAny(token, "/\\") || sourceExtRE.MatchString(token)
	if !pathLike {
		return ClassBareName
	}
	if IsTestFile(filepath.ToSlash(token)) {
		return ClassTestLike
	}
	return ClassProductionLike
}
