// Package ownership implements filter_for_project (spec §4.5): given a
// candidate test-file set, decide which of them the project's backing
// runner would actually pick up, by interrogating the runner and
// intersecting its answer with the candidates. When interrogation fails,
// it falls back to offline glob matching against the runner kind's default
// test-match patterns (SPEC_FULL.md §4.5 "no-owned-after-scan" recovery).
package ownership

import (
	"bufio"
	"context"
	"path/filepath"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/sirupsen/logrus"

	"github.com/wharflab/headlamp/internal/executor"
	"github.com/wharflab/headlamp/internal/runnerkind"
	"github.com/wharflab/headlamp/internal/selection"
)

// InterrogateTimeout bounds the runner list-only invocation.
const InterrogateTimeout = 10 * time.Second

// Interrogator invokes a project's backing runner in list-only mode over
// candidates and returns the subset it claims. Swappable for tests.
type Interrogator func(ctx context.Context, proj selection.Project, desc runnerkind.Descriptor, candidates []string) ([]string, error)

// DefaultInterrogator runs `<runner binary> <InterrogateFlag> <candidates...>`
// via the shared process executor and parses one path per stdout line.
func DefaultInterrogator(ctx context.Context, proj selection.Project, desc runnerkind.Descriptor, candidates []string) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, InterrogateTimeout)
	defer cancel()

	command := append([]string{proj.RunnerKind, desc.InterrogateFlag}, candidates...)
	res, err := executor.CaptureOnly(ctx, executor.Request{
		Command: command,
		Dir:     proj.WorkingDir,
	})
	if err != nil {
		return nil, err
	}

	claimed := make(map[string]struct{})
	scanner := bufio.NewScanner(strings.NewReader(string(res.CombinedOutput)))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if norm, err := selection.NormalizePath(line); err == nil {
			claimed[norm] = struct{}{}
		}
	}
	return keys(claimed), nil
}

// Filter runs filter_for_project against one project.
type Filter struct {
	Interrogator Interrogator
	Log          *logrus.Logger
}

// New returns a Filter using DefaultInterrogator.
func New(log *logrus.Logger) *Filter {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Filter{Interrogator: DefaultInterrogator, Log: log}
}

// FilterForProject returns the subset of candidates proj actually owns.
func (f *Filter) FilterForProject(ctx context.Context, proj selection.Project, desc runnerkind.Descriptor, candidates []string) []string {
	if len(candidates) == 0 {
		return nil
	}

	claimed, err := f.Interrogator(ctx, proj, desc, candidates)
	if err != nil {
		f.Log.WithError(err).WithField("project", proj.ConfigPath).
			Debug("ownership: interrogation failed, falling back to offline glob match")
		return f.offlineFallback(proj, desc, candidates)
	}

	claimedSet := make(map[string]struct{}, len(claimed))
	for _, c := range claimed {
		claimedSet[c] = struct{}{}
	}

	var owned []string
	for _, c := range candidates {
		if _, ok := claimedSet[c]; ok {
			owned = append(owned, c)
		}
	}

	if len(owned) == 0 {
		// No-owned-after-scan: the intersection may be empty because the
		// runner's interrogation output format diverged, not because the
		// project genuinely owns nothing. Recover via offline match rather
		// than silently dropping every candidate.
		return f.offlineFallback(proj, desc, candidates)
	}

	return owned
}

// offlineFallback matches candidates against desc.TestMatch globs rooted at
// desc.RootDir (or proj.WorkingDir when RootDir is unset).
func (f *Filter) offlineFallback(proj selection.Project, desc runnerkind.Descriptor, candidates []string) []string {
	root := desc.RootDir
	if root == "" {
		root = proj.WorkingDir
	}

	var owned []string
	for _, c := range candidates {
		rel, err := filepath.Rel(root, c)
		if err != nil {
			continue
		}
		rel = filepath.ToSlash(rel)
		for _, pattern := range desc.TestMatch {
			if ok, _ := doublestar.Match(pattern, rel); ok {
				owned = append(owned, c)
				break
			}
		}
	}
	return owned
}

func keys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
