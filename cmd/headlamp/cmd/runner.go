package cmd

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/sirupsen/logrus"

	"github.com/wharflab/headlamp/internal/argnorm"
	"github.com/wharflab/headlamp/internal/bridge"
	"github.com/wharflab/headlamp/internal/config"
	"github.com/wharflab/headlamp/internal/coverage"
	"github.com/wharflab/headlamp/internal/discovery"
	"github.com/wharflab/headlamp/internal/dispatch"
	"github.com/wharflab/headlamp/internal/executor"
	"github.com/wharflab/headlamp/internal/graph"
	"github.com/wharflab/headlamp/internal/ignore"
	"github.com/wharflab/headlamp/internal/ownership"
	"github.com/wharflab/headlamp/internal/progress"
	"github.com/wharflab/headlamp/internal/render"
	"github.com/wharflab/headlamp/internal/runnerkind"
	"github.com/wharflab/headlamp/internal/selection"
	"github.com/wharflab/headlamp/internal/vcsprobe"
)

// knownConfigFiles is the table project discovery scans for (spec §3's
// Project "Lifecycle: created at startup by scanning known config
// filenames"). Each row maps one config filename to the runner kind it
// implies (spec §1, runnerkind's registry rows); a kind may have several
// rows, and native-next has none, so no project of that kind is discovered.
var knownConfigFiles = []struct {
	Name string
	Kind string
}{
	{"jest.config.js", "js"},
	{"jest.config.ts", "js"},
	{"jest.config.mjs", "js"},
	{"jest.config.cjs", "js"},
	{"jest.config.json", "js"},
	{"CTestConfig.cmake", "native"},
	{"pytest.ini", "script"},
	{"pyproject.toml", "script"},
	{"setup.cfg", "script"},
}

// runner holds one invocation's fully-derived state, wiring every pipeline
// stage together (spec §5's end-to-end flow).
type runner struct {
	log      *logrus.Logger
	repoRoot string
	derived  *argnorm.DerivedArgs
	cfg      *config.Config
	registry *runnerkind.Registry
	out      io.Writer
}

// newRunner derives the effective configuration for one invocation: CLI
// tokens normalized via argnorm, layered over the closest config file,
// overridden by --changed's VCS probe when requested.
func newRunner(ctx context.Context, tokens []string, log *logrus.Logger) (*runner, error) {
	repoRoot, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("headlamp: determine working directory: %w", err)
	}

	derived, err := argnorm.Parse(tokens, argnorm.Options{RepoRoot: repoRoot, Log: log})
	if err != nil {
		return nil, fmt.Errorf("headlamp: parse arguments: %w", err)
	}
	for _, w := range derived.Warnings {
		log.Warn(w)
	}
	if derived.Watch {
		return nil, errors.New("headlamp: watch mode is not implemented in this build")
	}
	if derived.Verbose || os.Getenv("TEST_CLI_DEBUG") != "" {
		log.SetLevel(logrus.DebugLevel)
	}

	cfg, err := config.Load(repoRoot)
	if err != nil {
		return nil, fmt.Errorf("headlamp: load config: %w", err)
	}
	applyConfigDefaults(derived, cfg)

	if derived.Selection.HasChanged {
		prober := vcsprobe.New(repoRoot, log)
		changed := prober.ChangedFiles(ctx, derived.Selection.ChangedMode)
		for p := range changed {
			derived.Selection.Paths = append(derived.Selection.Paths, p)
		}
		derived.Selection.Paths = dedupStrings(derived.Selection.Paths)
	}

	return &runner{
		log:      log,
		repoRoot: repoRoot,
		derived:  derived,
		cfg:      cfg,
		registry: runnerkind.New(),
		out:      os.Stdout,
	}, nil
}

// applyConfigDefaults fills DerivedArgs fields the user did not set on the
// command line from the loaded config file, CLI flags always winning.
func applyConfigDefaults(d *argnorm.DerivedArgs, cfg *config.Config) {
	if d.BootstrapCommand == "" {
		d.BootstrapCommand = cfg.BootstrapCommand
	}
	if !d.Sequential {
		d.Sequential = cfg.Sequential
	}
	if !d.Coverage.Enabled && cfg.Coverage.Enabled {
		d.Coverage.Enabled = true
		d.Coverage.Mode = argnorm.CoverageMode(cfg.Coverage.Mode)
		d.Coverage.AbortOnFailure = cfg.Coverage.AbortOnFailure
		d.Coverage.PageFit = cfg.Coverage.PageFit
	}
	if d.CoverageUI == "" {
		d.CoverageUI = cfg.CoverageUI
	}
	if d.Editor == "" {
		d.Editor = cfg.EditorCmd
	}
	if len(d.Coverage.Include) == 0 {
		d.Coverage.Include = cfg.Include
	}
	if len(d.Coverage.Exclude) == 0 {
		d.Coverage.Exclude = cfg.Exclude
	}
	if !d.Selection.HasChanged && cfg.Changed.Mode != "" && !d.Selection.Specified {
		if mode, ok := selection.ParseChangedMode(cfg.Changed.Mode); ok {
			d.Selection.HasChanged = true
			d.Selection.ChangedMode = mode
			if cfg.Changed.Depth > 0 {
				d.Selection.ChangedDepth = cfg.Changed.Depth
			}
		}
	}
}

func dedupStrings(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

// discoverProjects walks repoRoot for known runner config filenames,
// building one selection.Project per match (spec §3's Project lifecycle).
func discoverProjects(repoRoot string) ([]selection.Project, error) {
	var projects []selection.Project
	err := filepath.WalkDir(repoRoot, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil //nolint:nilerr // best-effort scan
		}
		if d.IsDir() {
			if selection.IsExcludedDir(path) {
				return filepath.SkipDir
			}
			return nil
		}
		for _, known := range knownConfigFiles {
			if d.Name() != known.Name {
				continue
			}
			abs, normErr := selection.NormalizePath(path)
			if normErr != nil {
				continue
			}
			projects = append(projects, selection.Project{
				ConfigPath: abs,
				WorkingDir: filepath.Dir(abs),
				RunnerKind: known.Kind,
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(projects) == 0 {
		projects = append(projects, selection.Project{
			WorkingDir: repoRoot,
			RunnerKind: "js",
		})
	}
	return projects, nil
}

// projectAllTests globs desc.TestMatch under proj's root, the "union of
// known test files" discovery's fast content pre-selector needs.
func projectAllTests(proj selection.Project, desc runnerkind.Descriptor) []string {
	root := desc.RootDir
	if root == "" {
		root = proj.WorkingDir
	}
	var files []string
	for _, pattern := range desc.TestMatch {
		matches, err := doublestar.Glob(os.DirFS(root), pattern)
		if err != nil {
			continue
		}
		for _, m := range matches {
			abs := filepath.Join(root, m)
			if selection.IsExcludedDir(abs) {
				continue
			}
			if norm, err := selection.NormalizePath(abs); err == nil {
				files = append(files, norm)
			}
		}
	}
	return files
}

// slug derives a filesystem-safe, stable directory name for a project's
// per-run plugin/artifact/coverage scratch space.
func slug(workingDir string) string {
	h := sha256.Sum256([]byte(workingDir))
	return hex.EncodeToString(h[:])[:12]
}

// Run executes the full pipeline (spec §5) and returns the process exit
// code: 0 on success, the first nonzero child exit code otherwise, or
// ExitInternalFatal on a fatal configuration/bootstrap error.
func (r *runner) Run(ctx context.Context) int {
	if r.derived.RunnerKind != "" {
		if _, err := r.registry.Lookup(r.derived.RunnerKind); err != nil {
			r.log.WithError(err).Error("headlamp: unknown --runner kind")
			return ExitInternalFatal
		}
	}

	if r.derived.BootstrapCommand != "" {
		code, err := executor.RunExitCode(ctx, executor.Request{
			Command: strings.Fields(r.derived.BootstrapCommand),
			Dir:     r.repoRoot,
		})
		if err != nil || code != 0 {
			r.log.WithError(err).WithField("exitCode", code).Error("headlamp: bootstrap command failed")
			return ExitInternalFatal
		}
	}

	projects, err := discoverProjects(r.repoRoot)
	if err != nil {
		r.log.WithError(err).Error("headlamp: project discovery scan failed")
		return ExitInternalFatal
	}
	if r.derived.RunnerKind != "" {
		projects = filterByKind(projects, r.derived.RunnerKind)
	}

	descriptors := make(map[string]runnerkind.Descriptor, len(projects))
	for _, p := range projects {
		desc, lookupErr := r.registry.Lookup(p.RunnerKind)
		if lookupErr != nil {
			r.log.WithError(lookupErr).WithField("project", p.WorkingDir).
				Warn("headlamp: project has no registered runner kind, skipping")
			continue
		}
		descriptors[p.ConfigPath] = desc
	}

	ignoreMatcher := ignore.NewMatcher(r.repoRoot)

	prober := vcsprobe.New(r.repoRoot, r.log)
	repoHead := prober.Head(ctx)

	engine := discovery.New(r.repoRoot, r.log)
	engine.NoCache = r.derived.NoCache

	inputs := make([]discovery.ProjectInput, 0, len(projects))
	for _, p := range projects {
		desc, ok := descriptors[p.ConfigPath]
		if !ok {
			continue
		}
		inputs = append(inputs, discovery.ProjectInput{
			Project:  p,
			Desc:     desc,
			AllTests: projectAllTests(p, desc),
		})
	}

	candidates := engine.DiscoverAll(ctx, inputs, r.derived.Forwarded, r.derived.Selection, repoHead)

	ownershipFilter := ownership.New(r.log)
	total := 0
	pcs := make([]dispatch.ProjectCandidates, 0, len(inputs))
	for _, in := range inputs {
		owned := candidates[in.Project.ConfigPath]
		owned = filterIgnored(ignoreMatcher, owned)
		owned = ownershipFilter.FilterForProject(ctx, in.Project, in.Desc, owned)
		total += len(owned)
		pcs = append(pcs, dispatch.ProjectCandidates{
			Project:    in.Project,
			Descriptor: in.Desc,
			Candidates: owned,
		})
	}

	scratchRoot := filepath.Join(r.repoRoot, ".cache", "headlamp", "run")

	var plans []dispatch.Plan
	var coverageRoots []string
	for _, pc := range pcs {
		if !dispatch.ShouldRun(pc, r.derived.Selection, total) {
			continue
		}

		projectScratch := filepath.Join(scratchRoot, slug(pc.Project.WorkingDir))
		var coverageDir string
		if r.derived.Coverage.Enabled {
			coverageDir = filepath.Join(projectScratch, "coverage")
			coverageRoots = append(coverageRoots, coverageDir)
		}

		plan, buildErr := dispatch.BuildPlan(pc, r.derived.Selection, projectScratch, coverageDir, r.derived.Forwarded)
		if buildErr != nil {
			r.log.WithError(buildErr).WithField("project", pc.Project.WorkingDir).
				Error("headlamp: failed to assemble run plan")
			return ExitInternalFatal
		}
		plans = append(plans, plan)
	}

	concurrency := 3
	if r.derived.Sequential {
		concurrency = 1
	}

	reporter := progress.New()
	results := dispatch.Run(ctx, plans, concurrency, reporter)

	docs := make([]*bridge.Document, 0, len(results))
	exitCode := 0
	for _, res := range results {
		if res.ExitCode != 0 && exitCode == 0 {
			exitCode = res.ExitCode
		}

		plan := planFor(plans, res.Project)
		ingester := &bridge.Ingester{ArtifactPath: plan.ArtifactPath}
		doc, _, ingestErr := ingester.Ingest(res.Output)
		if ingestErr != nil {
			r.log.WithError(ingestErr).WithField("project", res.Project.WorkingDir).
				Warn("headlamp: bridge artifact missing or unparseable")
			continue
		}
		docs = append(docs, doc)

		if !r.derived.KeepArtifacts {
			os.Remove(plan.ArtifactPath) //nolint:errcheck // best-effort scratch cleanup
		}
	}

	ranks := r.directnessRanks(ctx, pcs)

	if err := render.Render(r.out, docs, ranks, render.Options{
		OnlyFailures: r.derived.OnlyFailures,
		ShowLogs:     r.derived.ShowLogs,
		CI:           r.derived.CI,
	}); err != nil {
		r.log.WithError(err).Error("headlamp: render failed")
		return ExitInternalFatal
	}

	if r.derived.Coverage.Enabled {
		if r.derived.Coverage.AbortOnFailure && exitCode != 0 {
			r.log.Warn("headlamp: skipping coverage output, a project exited non-zero under --coverage.abortOnFailure")
			return exitCode
		}
		r.printCoverage(coverageRoots, scratchRoot)
	}

	return exitCode
}

func (r *runner) directnessRanks(ctx context.Context, pcs []dispatch.ProjectCandidates) map[string]int {
	if len(r.derived.Selection.Paths) == 0 || !productionLikeSelection(r.derived.Selection) {
		return nil
	}

	var allTests []string
	for _, pc := range pcs {
		allTests = append(allTests, pc.Candidates...)
	}

	sel := graph.NewSelector(r.repoRoot)
	res := sel.SelectDirectTests(ctx, allTests, r.derived.Selection.Paths, r.derived.Selection.ChangedDepth)
	return res.Ranks
}

func productionLikeSelection(sel selection.Selection) bool {
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

func (r *runner) printCoverage(roots []string, scratchDir string) {
	if len(roots) == 0 {
		return
	}
	cm, err := coverage.MergeAll(roots)
	if err != nil {
		r.log.WithError(err).Warn("headlamp: coverage merge failed")
		return
	}
	cm = coverage.FilterGlobs(cm, r.derived.Coverage.Include, r.derived.Coverage.Exclude)

	coverage.WriteTable(r.out, cm)

	if r.derived.Coverage.Detail != "" && r.derived.Coverage.Detail != "auto" {
		maxFiles := r.derived.Coverage.MaxFiles
		if maxFiles <= 0 {
			maxFiles = 20
		}
		maxHotspots := r.derived.Coverage.MaxHotspots
		if maxHotspots <= 0 {
			maxHotspots = 10
		}
		coverage.Detail(r.out, cm, maxFiles, maxHotspots)
	}

	r.writeMergedLCOV(roots, scratchDir)
}

// writeMergedLCOV collects every lcov.info under each project's coverage
// tree and writes a single merged lcov.info under scratchDir, mirroring
// printCoverage's Istanbul JSON merge.
func (r *runner) writeMergedLCOV(roots []string, scratchDir string) {
	merged, err := coverage.MergeLCOV(roots)
	if err != nil {
		r.log.WithError(err).Warn("headlamp: lcov merge failed")
		return
	}
	if len(merged) == 0 {
		return
	}
	if err := os.MkdirAll(scratchDir, 0o755); err != nil {
		r.log.WithError(err).Warn("headlamp: failed to create lcov output directory")
		return
	}
	out := filepath.Join(scratchDir, coverage.LCOVFileName)
	if err := os.WriteFile(out, merged, 0o644); err != nil {
		r.log.WithError(err).Warn("headlamp: failed to write merged lcov.info")
	}
}

func filterByKind(projects []selection.Project, kind string) []selection.Project {
	out := make([]selection.Project, 0, len(projects))
	for _, p := range projects {
		if p.RunnerKind == kind {
			out = append(out, p)
		}
	}
	return out
}

func filterIgnored(m *ignore.Matcher, files []string) []string {
	out := make([]string, 0, len(files))
	for _, f := range files {
		ignored, err := m.IsIgnored(f)
		if err != nil || ignored {
			continue
		}
		out = append(out, f)
	}
	return out
}

func planFor(plans []dispatch.Plan, proj selection.Project) dispatch.Plan {
	for _, p := range plans {
		if p.Project.WorkingDir == proj.WorkingDir {
			return p
		}
	}
	return dispatch.Plan{}
}
