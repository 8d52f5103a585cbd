// Package dispatch decides which projects to run and assembles/executes
// their per-project commands (spec §4.6, component 7). Grounded on
// internal/discovery's async.Runtime fan-out shape — the dispatch stride
// is the third call site sharing that one scheduler type, at concurrency
// 3 (or 1 under --sequential) instead of discovery's interrogation
// concurrency.
package dispatch

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/wharflab/headlamp/internal/async"
	"github.com/wharflab/headlamp/internal/bridge"
	"github.com/wharflab/headlamp/internal/executor"
	"github.com/wharflab/headlamp/internal/progress"
	"github.com/wharflab/headlamp/internal/runnerkind"
	"github.com/wharflab/headlamp/internal/selection"
)

// ShareThreshold is the default fraction (spec §4.6: "share > threshold")
// above which a project with a nonempty but partial candidate set still
// runs even without an explicit selection.
const ShareThreshold = 0.1

// RunTimeout bounds one project's child invocation.
const RunTimeout = 10 * time.Minute

// ProjectCandidates is one project's discovery output, the dispatch
// planner's input per project.
type ProjectCandidates struct {
	Project    selection.Project
	Descriptor runnerkind.Descriptor
	Candidates []string
}

// ShouldRun implements spec §4.6's should_run(project) decision.
// totalDiscovered is the sum of candidate counts across all projects,
// used to compute this project's share.
func ShouldRun(pc ProjectCandidates, sel selection.Selection, totalDiscovered int) bool {
	if sel.NamePatternOnly() {
		return true
	}
	if len(pc.Candidates) == 0 {
		return false
	}
	if sel.Specified {
		return true
	}
	if totalDiscovered == 0 {
		return false
	}
	share := float64(len(pc.Candidates)) / float64(totalDiscovered)
	return share > ShareThreshold
}

// Plan is one project's assembled invocation, ready for execution.
type Plan struct {
	Project      selection.Project
	Command      []string
	Env          []string
	ArtifactPath string
}

// BuildPlan assembles a project's argument list: runner binary, config
// path, reporter plugin path, candidate test paths (omitted in
// name-pattern-only mode), the name-pattern flag, coverage wiring when
// requested, and forwarded args (stripped of positional path tokens when
// the selection is production-like); color forcing is passed as
// FORCE_COLOR=3 in Env (spec §4.6). No test-location flag is added.
func BuildPlan(pc ProjectCandidates, sel selection.Selection, pluginDir string, coverageDir string, forwardedArgs []string) (Plan, error) {
	pluginPaths, err := bridge.WritePlugins(pluginDir)
	if err != nil {
		return Plan{}, fmt.Errorf("dispatch: write bridge plugins for %s: %w", pc.Project.WorkingDir, err)
	}
	reporterPath := pluginPaths[0]

	artifactPath := filepath.Join(pluginDir, "bridge-out.json")

	cmd := []string{runnerBinary(pc.Descriptor)}

	if pc.Project.ConfigPath != "" {
		cmd = append(cmd, "--config", pc.Project.ConfigPath)
	}

	if pc.Descriptor.ReporterFlag != "" {
		cmd = append(cmd, pc.Descriptor.ReporterFlag, reporterPath)
	}

	if !sel.NamePatternOnly() {
		for _, c := range pc.Candidates {
			rel, relErr := filepath.Rel(pc.Project.WorkingDir, c)
			if relErr != nil {
				rel = c
			}
			cmd = append(cmd, filepath.ToSlash(rel))
		}
	}

	if sel.NamePattern != "" && pc.Descriptor.NamePatternFlag != "" {
		cmd = append(cmd, pc.Descriptor.NamePatternFlag, sel.NamePattern)
	}

	if coverageDir != "" {
		if pc.Descriptor.CoverageDirFlag != "" {
			cmd = append(cmd, pc.Descriptor.CoverageDirFlag, coverageDir)
		}
		if pc.Descriptor.CollectCoverageFromFlag != "" && productionLike(sel) {
			for _, p := range sel.Paths {
				rel, relErr := filepath.Rel(pc.Project.WorkingDir, p)
				if relErr != nil {
					rel = p
				}
				cmd = append(cmd, pc.Descriptor.CollectCoverageFromFlag, filepath.ToSlash(rel))
			}
		}
	}

	cmd = append(cmd, forwardArgs(forwardedArgs, productionLike(sel))...)

	env := []string{
		bridge.BridgeOutEnv + "=" + artifactPath,
		"FORCE_COLOR=3",
	}

	return Plan{Project: pc.Project, Command: cmd, Env: env, ArtifactPath: artifactPath}, nil
}

// productionLike mirrors discovery's fast-path trigger: a selection of
// only non-test paths, whose positional tokens are the runner's own
// source args rather than test paths to forward.
func productionLike(sel selection.Selection) bool {
	if len(sel.Paths) == 0 {
		return false
	}
	for _, p := range sel.Paths {
		if selection.IsTestFile(p) {
			return false
		}
	}
	return true
}

// forwardArgs drops positional (non-flag) tokens from the user's
// forwarded args when the selection is production-like, since those
// tokens would be source file paths the runner shouldn't also try to
// treat as test-name filters.
func forwardArgs(args []string, stripPositional bool) []string {
	if !stripPositional {
		return args
	}
	out := make([]string, 0, len(args))
	for _, a := range args {
		if strings.HasPrefix(a, "-") {
			out = append(out, a)
		}
	}
	return out
}

func runnerBinary(d runnerkind.Descriptor) string {
	switch d.Kind {
	case "js":
		return "jest"
	case "native", "native-next":
		return "ctest"
	case "script":
		return "pytest"
	default:
		return d.Kind
	}
}

// Result is one project's run outcome.
type Result struct {
	Project  selection.Project
	ExitCode int
	Output   []byte
	Err      error
}

// resolverID is the async.Resolver key this package registers under.
const resolverID = "dispatch.run"

type runResolver struct{}

func (runResolver) ID() string { return resolverID }

func (runResolver) Resolve(ctx context.Context, data any) (any, error) {
	plan := data.(Plan)
	res, err := executor.RunWithCapture(ctx, executor.Request{
		Command: plan.Command,
		Dir:     plan.Project.WorkingDir,
		Env:     plan.Env,
	})
	return res, err
}

type resultHandler struct {
	plan Plan
}

func (h resultHandler) OnSuccess(resolved any) []any {
	res := resolved.(executor.CaptureResult)
	return []any{Result{Project: h.plan.Project, ExitCode: res.ExitCode, Output: res.CombinedOutput}}
}

// Run executes every plan with the given concurrency (3, or 1 under
// --sequential), reporting per-project progress via reporter. Runs in
// parallel strides, not once the full batch is assembled — async.Runtime
// dispatches each plan to the shared resolver as its semaphore slot frees.
func Run(ctx context.Context, plans []Plan, concurrency int, reporter *progress.Reporter) []Result {
	if concurrency <= 0 {
		concurrency = 3
	}

	rt := &async.Runtime{
		Concurrency: concurrency,
		Resolvers:   map[string]async.Resolver{resolverID: runResolver{}},
	}

	finishers := make(map[string]progress.Finish, len(plans))
	startTimes := make(map[string]time.Time, len(plans))
	items := make([]async.WorkItem, 0, len(plans))
	for _, p := range plans {
		key := p.Project.WorkingDir
		if reporter != nil {
			startTimes[key] = time.Now()
			finishers[key] = reporter.Start(p.Project.WorkingDir)
		}
		items = append(items, async.WorkItem{
			Key:        key,
			ResolverID: resolverID,
			Data:       p,
			Timeout:    RunTimeout,
			Handler:    resultHandler{plan: p},
			Subject:    p.Project.WorkingDir,
		})
	}

	runResult := rt.Run(ctx, items)

	results := make([]Result, 0, len(plans))
	for _, r := range runResult.Results {
		res := r.(Result)
		if finish, ok := finishers[res.Project.WorkingDir]; ok {
			passed, failed := countBridgeOutcome(res)
			finish(passed, failed, time.Since(startTimes[res.Project.WorkingDir]))
		}
		results = append(results, res)
	}
	for _, skipped := range runResult.Skipped {
		plan := skipped.Item.Data.(Plan)
		results = append(results, Result{Project: plan.Project, ExitCode: -1, Err: skipped.Err})
	}
	return results
}

// countBridgeOutcome gives the progress reporter a pass/fail count without
// requiring the full bridge ingestion pipeline to have run yet; it treats
// a nonzero exit code as "at least one failure" when the bridge artifact
// hasn't been parsed at this point in the pipeline.
func countBridgeOutcome(res Result) (passed, failed int) {
	if res.ExitCode == 0 {
		return 1, 0
	}
	return 0, 1
}
