// Package argnorm implements derive_args (spec §4.1): it turns the flat CLI
// token list into a DerivedArgs record, splitting out recognized flags,
// classifying positional tokens (bare-name / test-like / production-like),
// expanding bare names against the filesystem, and forwarding everything
// after a literal "--" (or any token it does not recognize) to the child
// runner unchanged.
package argnorm

import (
	"io/fs"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/wharflab/headlamp/internal/selection"
)

// CoverageMode names the --coverage.mode values.
type CoverageMode string

const (
	CoverageModeCompact CoverageMode = "compact"
	CoverageModeFull    CoverageMode = "full"
	CoverageModeAuto    CoverageMode = "auto"
)

// CoverageArgs holds the `--coverage` / `--coverage.<key>=<value>` keyed
// options (spec §4.1).
type CoverageArgs struct {
	Enabled        bool
	AbortOnFailure bool
	Mode           CoverageMode
	PageFit        bool
	Detail         string // integer string, "all", or "auto"
	ShowCode       bool
	MaxFiles       int
	MaxHotspots    int
	Include        []string
	Exclude        []string
}

// defaultCoverageArgs is the shorthand-expansion target for bare `--coverage`
// (promoting the scalar flag to its full object form), mirroring the
// config loader's rule-options shorthand canonicalization.
func defaultCoverageArgs() CoverageArgs {
	return CoverageArgs{
		Enabled: true,
		Mode:    CoverageModeAuto,
		Detail:  "auto",
	}
}

// DerivedArgs is the normalizer's output.
type DerivedArgs struct {
	RunnerKind string
	Coverage   CoverageArgs
	CoverageUI string // "jest" | "both"

	Selection selection.Selection

	OnlyFailures     bool
	ShowLogs         bool
	Sequential       bool
	Verbose          bool
	CI               bool
	NoCache          bool
	Watch            bool
	KeepArtifacts    bool
	BootstrapCommand string
	Editor           string

	// Forwarded carries tokens after a literal "--" plus any token the
	// normalizer could not classify, in original order, for verbatim
	// pass-through to the child runner.
	Forwarded []string

	// Warnings records non-fatal issues (spec §4.1's malformed
	// --coverage.detail, defaulted to "auto").
	Warnings []string
}

// BareNameResolver expands a bare name to production-like candidate paths
// under root. Injected for testability; DefaultBareNameResolver is used in
// production.
type BareNameResolver func(root, token string) ([]string, error)

// Options configures Parse.
type Options struct {
	RepoRoot    string
	ResolveBare BareNameResolver
	Log         *logrus.Logger
}

// Parse implements derive_args(tokens).
func Parse(tokens []string, opts Options) (*DerivedArgs, error) {
	if opts.ResolveBare == nil {
		opts.ResolveBare = DefaultBareNameResolver
	}
	if opts.Log == nil {
		opts.Log = logrus.StandardLogger()
	}

	out := &DerivedArgs{
		Selection: selection.Selection{ChangedDepth: selection.DefaultChangedDepth},
	}

	var bareNames []string

	i := 0
	for i < len(tokens) {
		tok := tokens[i]

		if tok == "--" {
			out.Forwarded = append(out.Forwarded, tokens[i+1:]...)
			break
		}

		if !strings.HasPrefix(tok, "-") {
			out.Selection.Specified = true
			switch selection.Classify(tok) {
			case selection.ClassBareName:
				bareNames = append(bareNames, tok)
			case selection.ClassProductionLike, selection.ClassTestLike:
				if norm, err := selection.NormalizePath(tok); err == nil {
					out.Selection.Paths = append(out.Selection.Paths, norm)
				}
			}
			i++
			continue
		}

		key, val, hasVal := splitFlag(tok)

		switch {
		case key == "--runner":
			out.RunnerKind = requireVal(val, hasVal, tokens, &i)
		case key == "--coverage":
			out.Coverage = mergeCoverage(out.Coverage, defaultCoverageArgs())
		case strings.HasPrefix(key, "--coverage."):
			applyCoverageOption(&out.Coverage, strings.TrimPrefix(key, "--coverage."), val, hasVal, out)
			out.Coverage.Enabled = true
		case key == "--coverage-ui":
			out.CoverageUI = requireVal(val, hasVal, tokens, &i)
		case key == "--changed":
			mode, ok := selection.ParseChangedMode(val)
			if !ok {
				mode = selection.ChangedAll
			}
			out.Selection.HasChanged = true
			out.Selection.Specified = true
			out.Selection.ChangedMode = mode
		case key == "--changed.depth":
			if n, err := strconv.Atoi(val); err == nil && n > 0 {
				out.Selection.ChangedDepth = n
			}
		case key == "--onlyFailures":
			out.OnlyFailures = true
		case key == "--showLogs":
			out.ShowLogs = true
		case key == "--sequential":
			out.Sequential = true
		case key == "--verbose":
			out.Verbose = true
		case key == "--ci":
			out.CI = true
		case key == "--no-cache":
			out.NoCache = true
		case key == "--watch":
			out.Watch = true
		case key == "--keep-artifacts":
			out.KeepArtifacts = true
		case key == "--bootstrapCommand":
			out.BootstrapCommand = requireVal(val, hasVal, tokens, &i)
		case key == "--editor":
			out.Editor = requireVal(val, hasVal, tokens, &i)
		case key == "-t" || key == "--testNamePattern":
			out.Selection.NamePattern = requireVal(val, hasVal, tokens, &i)
			out.Selection.Specified = true
		default:
			opts.Log.WithField("token", tok).Debug("argnorm: unrecognized flag, forwarding verbatim")
			out.Forwarded = append(out.Forwarded, tok)
		}
		i++
	}

	if out.Coverage.Detail != "" && out.Coverage.Detail != "all" && out.Coverage.Detail != "auto" {
		if _, err := strconv.Atoi(out.Coverage.Detail); err != nil {
			out.Warnings = append(out.Warnings, "malformed --coverage.detail %q, defaulting to \"auto\": "+out.Coverage.Detail)
			out.Coverage.Detail = "auto"
		}
	}

	for _, name := range bareNames {
		candidates, err := opts.ResolveBare(opts.RepoRoot, name)
		if err != nil {
			opts.Log.WithError(err).WithField("name", name).Debug("argnorm: bare-name resolution failed")
			continue
		}
		for _, c := range candidates {
			if selection.Classify(c) == selection.ClassProductionLike {
				if norm, err := selection.NormalizePath(c); err == nil {
					out.Selection.Paths = append(out.Selection.Paths, norm)
				}
			}
		}
	}

	return out, nil
}

// splitFlag splits "--key=value" into ("--key", "value", true), or returns
// ("--key", "", false) for a bare flag with no "=".
func splitFlag(tok string) (key, val string, hasVal bool) {
	if idx := strings.Index(tok, "="); idx >= 0 {
		return tok[:idx], tok[idx+1:], true
	}
	return tok, "", false
}

// requireVal returns val if present, else consumes the next positional
// token as the value (space-separated flag form, e.g. `--editor vim`).
func requireVal(val string, hasVal bool, tokens []string, i *int) string {
	if hasVal {
		return val
	}
	if *i+1 < len(tokens) {
		*i++
		return tokens[*i]
	}
	return ""
}

// mergeCoverage overlays defaults onto an already-partially-set CoverageArgs
// without clobbering fields a preceding `--coverage.<key>` already set.
func mergeCoverage(existing, defaults CoverageArgs) CoverageArgs {
	existing.Enabled = true
	if existing.Mode == "" {
		existing.Mode = defaults.Mode
	}
	if existing.Detail == "" {
		existing.Detail = defaults.Detail
	}
	return existing
}

func applyCoverageOption(cov *CoverageArgs, key, val string, hasVal bool, out *DerivedArgs) {
	switch key {
	case "abortOnFailure":
		cov.AbortOnFailure = boolVal(val, hasVal)
	case "mode":
		cov.Mode = CoverageMode(val)
	case "pageFit":
		cov.PageFit = boolVal(val, hasVal)
	case "detail":
		cov.Detail = val
	case "showCode":
		cov.ShowCode = boolVal(val, hasVal)
	case "maxFiles":
		if n, err := strconv.Atoi(val); err == nil {
			cov.MaxFiles = n
		}
	case "maxHotspots":
		if n, err := strconv.Atoi(val); err == nil {
			cov.MaxHotspots = n
		}
	case "include":
		cov.Include = splitCommaList(val)
	case "exclude":
		cov.Exclude = splitCommaList(val)
	default:
		out.Warnings = append(out.Warnings, "unrecognized coverage option: "+key)
	}
}

func boolVal(val string, hasVal bool) bool {
	if !hasVal {
		return true
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		return true
	}
	return b
}

func splitCommaList(val string) []string {
	if val == "" {
		return nil
	}
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// DefaultBareNameResolver walks root looking for files whose path ends with
// token, skipping vendor/coverage directories.
func DefaultBareNameResolver(root, token string) ([]string, error) {
	if root == "" {
		root = "."
	}
	var matches []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil //nolint:nilerr // best-effort walk, unreadable entries are skipped
		}
		if d.IsDir() {
			if selection.IsExcludedDir(path) {
				return filepath.SkipDir
			}
			return nil
		}
		if strings.HasSuffix(filepath.ToSlash(path), token) {
			matches = append(matches, path)
		}
		return nil
	})
	return matches, err
}
