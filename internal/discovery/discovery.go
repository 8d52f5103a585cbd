// Package discovery implements discover (spec §4.3): given a project and
// an argument slice, produce the set of test files its runner would
// execute. Two strategies are tried — a fast content pre-selector that
// defers to the graph-based selector when the user's selection is already
// production-like, and a resilient runner interrogation otherwise — plus a
// name-pattern-only grep shortcut. Results are cached on disk, keyed by
// (config path, normalized args, repo HEAD), and cross-project discovery is
// dispatched through the shared bounded-concurrency runtime so two projects
// sharing an identical cache key only interrogate once.
package discovery

import (
	"bufio"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/sirupsen/logrus"

	"github.com/wharflab/headlamp/internal/async"
	"github.com/wharflab/headlamp/internal/executor"
	"github.com/wharflab/headlamp/internal/graph"
	"github.com/wharflab/headlamp/internal/ownership"
	"github.com/wharflab/headlamp/internal/runnerkind"
	"github.com/wharflab/headlamp/internal/selection"
)

// InterrogateTimeout bounds the runner's --listTests-style invocation
// (spec §4.3/§5: "default 4s for discovery auxiliaries").
const InterrogateTimeout = 4 * time.Second

// Concurrency bounds parallel discovery across projects. Spec §5 says
// "all projects concurrently"; this cap just keeps a pathologically large
// monorepo from spawning hundreds of runner processes at once.
const Concurrency = 8

// NamePatternGlobs are the candidate globs the name-pattern-only mode
// greps (spec §4.3).
var NamePatternGlobs = []string{"**/*.test.*", "**/*.spec.*", "tests/**/*"}

// Interrogator invokes a project's runner in list-only mode for the given
// argument set and returns the test files it reports. Swappable for tests.
type Interrogator func(ctx context.Context, proj selection.Project, desc runnerkind.Descriptor, args []string) ([]string, error)

// DefaultInterrogator runs `<runner> <InterrogateFlag> <args...>` through
// the shared process executor. Per spec §4.3, output is parsed for file
// paths one-per-line "on non-zero exit" too — CaptureOnly only reports an
// error on spawn/cancellation failure, never on exit code, so a failing
// runner's output is still mined for paths.
func DefaultInterrogator(ctx context.Context, proj selection.Project, desc runnerkind.Descriptor, args []string) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, InterrogateTimeout)
	defer cancel()

	command := append([]string{proj.RunnerKind, desc.InterrogateFlag}, args...)
	res, err := executor.CaptureOnly(ctx, executor.Request{
		Command: command,
		Dir:     proj.WorkingDir,
	})
	if err != nil {
		return nil, err
	}
	return parseFileLines(res.CombinedOutput, proj.WorkingDir), nil
}

func parseFileLines(out []byte, workingDir string) []string {
	var files []string
	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		path := line
		if !filepath.IsAbs(path) {
			path = filepath.Join(workingDir, path)
		}
		if info, err := os.Stat(path); err != nil || info.IsDir() {
			continue // spec §4.3: "filtered for existence"
		}
		if norm, err := selection.NormalizePath(path); err == nil {
			files = append(files, norm)
		}
	}
	return files
}

// Engine runs discover(project, args) with on-disk caching.
type Engine struct {
	Graph        *graph.Selector
	Ownership    *ownership.Filter
	Interrogator Interrogator

	// CacheRoot is <repo>/.cache/headlamp/discovery. Empty disables caching.
	CacheRoot string
	NoCache   bool

	Log *logrus.Logger
}

// New returns an Engine wired to repoRoot's graph selector and ownership
// filter, using DefaultInterrogator and the standard cache location.
func New(repoRoot string, log *logrus.Logger) *Engine {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Engine{
		Graph:        graph.NewSelector(repoRoot),
		Ownership:    ownership.New(log),
		Interrogator: DefaultInterrogator,
		CacheRoot:    filepath.Join(repoRoot, ".cache", "headlamp", "discovery"),
		Log:          log,
	}
}

// CacheKey computes spec §3's discovery cache key: hash(config path ∥
// normalized args ∥ repo HEAD).
func CacheKey(configPath string, args []string, repoHead string) string {
	sorted := append([]string(nil), args...)
	sort.Strings(sorted)

	h := sha256.New()
	h.Write([]byte(configPath))
	h.Write([]byte{0})
	h.Write([]byte(strings.Join(sorted, "\x1f")))
	h.Write([]byte{0})
	h.Write([]byte(repoHead))
	return hex.EncodeToString(h.Sum(nil))
}

type cacheEntry struct {
	Files []string `json:"files"`
}

func (e *Engine) readCache(key string) ([]string, bool) {
	if e.NoCache || e.CacheRoot == "" {
		return nil, false
	}
	data, err := os.ReadFile(filepath.Join(e.CacheRoot, key+".json")) //nolint:gosec // key is our own hex hash
	if err != nil {
		return nil, false
	}
	var entry cacheEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, false
	}
	return entry.Files, true
}

// writeCache writes via temp-file-then-rename so a concurrent reader never
// observes a partially written cache entry (SPEC_FULL.md §4.3).
func (e *Engine) writeCache(key string, files []string) {
	if e.NoCache || e.CacheRoot == "" {
		return
	}
	if err := os.MkdirAll(e.CacheRoot, 0o755); err != nil {
		e.Log.WithError(err).Debug("discovery: cache mkdir failed")
		return
	}

	data, err := json.Marshal(cacheEntry{Files: files})
	if err != nil {
		return
	}

	tmp, err := os.CreateTemp(e.CacheRoot, "*.tmp")
	if err != nil {
		return
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return
	}
	if err := tmp.Close(); err != nil {
		return
	}
	if err := os.Rename(tmp.Name(), filepath.Join(e.CacheRoot, key+".json")); err != nil {
		e.Log.WithError(err).Debug("discovery: cache rename failed")
	}
}

// Discover implements discover(project, args) -> list of test files,
// cached by (project.ConfigPath, args, repoHead). allProjectTests is the
// union of test files already known for proj, used by the content
// pre-selector strategy.
func (e *Engine) Discover(ctx context.Context, proj selection.Project, desc runnerkind.Descriptor, args []string, sel selection.Selection, allProjectTests []string, repoHead string) []string {
	key := CacheKey(proj.ConfigPath, args, repoHead)
	if files, ok := e.readCache(key); ok {
		return files
	}

	files := e.discoverUncached(ctx, proj, desc, args, sel, allProjectTests)
	e.writeCache(key, files)
	return files
}

func (e *Engine) discoverUncached(ctx context.Context, proj selection.Project, desc runnerkind.Descriptor, args []string, sel selection.Selection, allProjectTests []string) []string {
	if sel.NamePatternOnly() {
		return e.namePatternGrep(ctx, proj, desc, sel.NamePattern)
	}

	if productionLikeOnly(sel) {
		res := e.Graph.SelectDirectTests(ctx, allProjectTests, sel.Paths, sel.ChangedDepth)
		return res.Kept
	}

	files, err := e.Interrogator(ctx, proj, desc, args)
	if err != nil {
		e.Log.WithError(err).WithField("project", proj.ConfigPath).
			Debug("discovery: runner interrogation failed, treating as empty")
		return nil
	}
	return files
}

// productionLikeOnly reports whether sel's explicit paths are all
// production-like (none are test files), the trigger for the fast content
// pre-selector (spec §4.3 strategy 1).
func productionLikeOnly(sel selection.Selection) bool {
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

// namePatternGrep implements spec §4.3's name-pattern-only mode: glob
// candidate test files, keep those whose body literally contains pattern,
// then narrow to what this project actually owns.
func (e *Engine) namePatternGrep(ctx context.Context, proj selection.Project, desc runnerkind.Descriptor, pattern string) []string {
	root := desc.RootDir
	if root == "" {
		root = proj.WorkingDir
	}

	var candidates []string
	seen := make(map[string]struct{})
	for _, glob := range NamePatternGlobs {
		matches, err := doublestar.Glob(os.DirFS(root), glob)
		if err != nil {
			continue
		}
		for _, m := range matches {
			abs := filepath.Join(root, m)
			if selection.IsExcludedDir(abs) {
				continue
			}
			if !containsLiteral(abs, pattern) {
				continue
			}
			if norm, err := selection.NormalizePath(abs); err == nil {
				if _, dup := seen[norm]; dup {
					continue
				}
				seen[norm] = struct{}{}
				candidates = append(candidates, norm)
			}
		}
	}

	if e.Ownership == nil {
		return candidates
	}
	return e.Ownership.FilterForProject(ctx, proj, desc, candidates)
}

func containsLiteral(path, pattern string) bool {
	data, err := os.ReadFile(path) //nolint:gosec // path built from a repo-local glob match
	if err != nil {
		return false
	}
	return bytes.Contains(data, []byte(pattern))
}

// ProjectInput bundles one project's discovery inputs for DiscoverAll.
type ProjectInput struct {
	Project  selection.Project
	Desc     runnerkind.Descriptor
	AllTests []string // union of known test files for this project
}

// DiscoverAll runs Discover for every project through the shared
// bounded-concurrency runtime (SPEC_FULL.md §4.3/§9), so two projects
// sharing an identical (config path, args, head) cache key interrogate
// only once.
func (e *Engine) DiscoverAll(ctx context.Context, inputs []ProjectInput, args []string, sel selection.Selection, repoHead string) map[string][]string {
	rt := &async.Runtime{
		Concurrency: Concurrency,
		Resolvers: map[string]async.Resolver{
			"discover": async.ResolverFunc{
				IDValue: "discover",
				Func: func(ctx context.Context, data any) (any, error) {
					in := data.(ProjectInput)
					return e.Discover(ctx, in.Project, in.Desc, args, sel, in.AllTests, repoHead), nil
				},
			},
		},
	}

	var (
		mu  sync.Mutex
		out = make(map[string][]string, len(inputs))
	)

	items := make([]async.WorkItem, 0, len(inputs))
	for _, in := range inputs {
		key := CacheKey(in.Project.ConfigPath, args, repoHead)
		items = append(items, async.WorkItem{
			Key:        key,
			ResolverID: "discover",
			Data:       in,
			Handler:    &discoverHandler{mu: &mu, out: out, configPath: in.Project.ConfigPath},
			Subject:    in.Project.ConfigPath,
		})
	}

	rt.Run(ctx, items)
	return out
}

// discoverHandler records one project's share of a (possibly deduplicated)
// resolved file list back into the shared output map.
type discoverHandler struct {
	mu         *sync.Mutex
	out        map[string][]string
	configPath string
}

func (h *discoverHandler) OnSuccess(resolved any) []any {
	files, _ := resolved.([]string)
	h.mu.Lock()
	h.out[h.configPath] = files
	h.mu.Unlock()
	return []any{files}
}
