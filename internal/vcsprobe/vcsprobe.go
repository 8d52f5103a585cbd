// Package vcsprobe implements the changed_files operation (spec §4.2): it
// shells out to git, parses the result as a real unified diff via
// bluekeyes/go-gitdiff rather than line-splitting `--name-only` output, and
// returns an absolute, forward-slash, vendor/coverage-filtered path set.
package vcsprobe

import (
	"bufio"
	"context"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/bluekeyes/go-gitdiff/gitdiff"
	backoff "github.com/cenkalti/backoff/v5"
	"github.com/sirupsen/logrus"

	"github.com/wharflab/headlamp/internal/executor"
	"github.com/wharflab/headlamp/internal/selection"
)

// ProbeTimeout bounds every individual git invocation (spec §4.2).
const ProbeTimeout = 4 * time.Second

// Prober runs git commands against one working directory.
type Prober struct {
	Dir string
	Log *logrus.Logger
}

// New returns a Prober rooted at dir. A nil logger falls back to the
// standard logrus instance.
func New(dir string, log *logrus.Logger) *Prober {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Prober{Dir: dir, Log: log}
}

// Head returns the repository's current commit hash, used by discovery's
// cache key (spec §3: "repository head commit"). Soft-fails to "" on any
// git error, the same way ChangedFiles treats VCS unavailability.
func (p *Prober) Head(ctx context.Context) string {
	out, err := p.run(ctx, "rev-parse", "HEAD")
	if err != nil {
		p.Log.WithError(err).Debug("vcsprobe: rev-parse HEAD failed")
		return ""
	}
	return strings.TrimSpace(out)
}

// ChangedFiles implements changed_files(mode, cwd). Any command failure,
// after the retry budget is spent, soft-fails to an empty set rather than
// propagating an error — the spec treats VCS unavailability as "nothing
// selected", not fatal.
func (p *Prober) ChangedFiles(ctx context.Context, mode selection.ChangedMode) map[string]struct{} {
	out := make(map[string]struct{})

	switch mode {
	case selection.ChangedStaged:
		p.addDiff(ctx, out, "diff", "--diff-filter=ACMRTUXB", "--cached")
	case selection.ChangedUnstaged:
		p.addDiff(ctx, out, "diff", "--diff-filter=ACMRTUXB")
		p.addUntracked(ctx, out)
	case selection.ChangedAll:
		p.addDiff(ctx, out, "diff", "--diff-filter=ACMRTUXB", "--cached")
		p.addDiff(ctx, out, "diff", "--diff-filter=ACMRTUXB")
		p.addUntracked(ctx, out)
	case selection.ChangedLastCommit:
		p.addDiff(ctx, out, "diff", "--diff-filter=ACMRTUXB", "HEAD^", "HEAD")
	case selection.ChangedBranch:
		base := p.diffBase(ctx)
		if base != "" {
			p.addDiff(ctx, out, "diff", base, "HEAD")
		}
		p.addDiff(ctx, out, "diff", "--diff-filter=ACMRTUXB", "--cached")
		p.addDiff(ctx, out, "diff", "--diff-filter=ACMRTUXB")
		p.addUntracked(ctx, out)
	}

	return out
}

// diffBase resolves spec §4.2's branch-mode merge-base: the default branch
// via the remote's symbolic-ref, falling back to origin/main then
// origin/master.
func (p *Prober) diffBase(ctx context.Context) string {
	defaultBranch := "origin/main"
	if ref, err := p.run(ctx, "symbolic-ref", "refs/remotes/origin/HEAD"); err == nil {
		ref = strings.TrimSpace(ref)
		if strings.HasPrefix(ref, "refs/remotes/") {
			defaultBranch = strings.TrimPrefix(ref, "refs/remotes/")
		}
	} else if _, err := p.run(ctx, "rev-parse", "--verify", "origin/main"); err != nil {
		defaultBranch = "origin/master"
	}

	base, err := p.run(ctx, "merge-base", "HEAD", defaultBranch)
	if err != nil {
		p.Log.WithError(err).WithField("defaultBranch", defaultBranch).Debug("vcsprobe: merge-base failed")
		return ""
	}
	return strings.TrimSpace(base)
}

// addDiff runs `git diff <args...>` and extracts file paths from the
// unified diff's file headers.
func (p *Prober) addDiff(ctx context.Context, out map[string]struct{}, args ...string) {
	raw, err := p.run(ctx, args...)
	if err != nil {
		p.Log.WithError(err).WithField("args", args).Debug("vcsprobe: diff command failed, soft-failing")
		return
	}
	if strings.TrimSpace(raw) == "" {
		return
	}

	files, _, err := gitdiff.Parse(strings.NewReader(raw))
	if err != nil {
		p.Log.WithError(err).Debug("vcsprobe: unified diff parse failed, soft-failing")
		return
	}

	for _, f := range files {
		name := f.NewName
		if f.IsDelete || name == "" {
			name = f.OldName
		}
		p.addPath(out, name)
	}
}

// addUntracked runs `git ls-files --others --exclude-standard` and adds
// each reported path (already repo-relative, one per line).
func (p *Prober) addUntracked(ctx context.Context, out map[string]struct{}) {
	raw, err := p.run(ctx, "ls-files", "--others", "--exclude-standard")
	if err != nil {
		p.Log.WithError(err).Debug("vcsprobe: ls-files failed, soft-failing")
		return
	}
	scanner := bufio.NewScanner(strings.NewReader(raw))
	for scanner.Scan() {
		p.addPath(out, scanner.Text())
	}
}

func (p *Prober) addPath(out map[string]struct{}, rel string) {
	rel = strings.TrimSpace(rel)
	if rel == "" {
		return
	}
	abs := filepath.ToSlash(filepath.Join(p.Dir, rel))
	if selection.IsExcludedDir(abs) {
		return
	}
	out[abs] = struct{}{}
}

// run executes one git subcommand with the probe timeout, retrying once
// with backoff before soft-failing (spec §4.2's "auxiliary git calls retry
// once with backoff").
func (p *Prober) run(ctx context.Context, args ...string) (string, error) {
	op := func() (string, error) {
		runCtx, cancel := context.WithTimeout(ctx, ProbeTimeout)
		defer cancel()

		res, err := executor.CaptureOnly(runCtx, executor.Request{
			Command: append([]string{"git"}, args...),
			Dir:     p.Dir,
		})
		if err != nil {
			return "", err
		}
		if res.ExitCode != 0 {
			return "", backoff.Permanent(&exitError{args: args, code: res.ExitCode})
		}
		return string(res.CombinedOutput), nil
	}

	return backoff.Retry(ctx, op, backoff.WithMaxTries(2))
}

type exitError struct {
	args []string
	code int
}

func (e *exitError) Error() string {
	return "git " + strings.Join(e.args, " ") + ": exit " + strconv.Itoa(e.code)
}
