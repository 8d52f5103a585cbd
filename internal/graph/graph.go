// Package graph implements select_direct_tests (spec §4.4): a lexical,
// regex-based import-graph walk (explicitly not AST/tree-sitter based) that
// decides which test files are "directly related" to a set of changed
// production files, and computes a directness rank used to order the
// unified renderer's output.
package graph

import (
	"context"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"github.com/wharflab/headlamp/internal/async"
)

// Concurrency is the worker-pool width spec §4.4/§5 fixes at 16.
const Concurrency = 16

// resolutionExtensions is the fixed extension list from spec §3, tried in
// order against a resolved relative/root-anchored import specifier.
var resolutionExtensions = []string{"", ".ts", ".tsx", ".js", ".jsx", ".mjs", ".cjs", ".mts", ".cts"}

// importRE extracts specifiers from `import ... from "X"`, `export ... from
// "X"`, and `require("X")` forms (spec §3's ImportEdge).
var importRE = regexp.MustCompile(`(?:\bimport\b|\bexport\b)[^'"\n]*?\bfrom\s+['"]([^'"]+)['"]|\brequire\(\s*['"]([^'"]+)['"]\s*\)`)

// Selector runs select_direct_tests against one repository checkout.
type Selector struct {
	RepoRoot string

	mu        sync.Mutex
	bodies    map[string][]byte
	imports   map[string][]string
	resolved  map[string]map[string]string // file -> specifier -> resolved path
}

// NewSelector returns a Selector with its caches initialized.
func NewSelector(repoRoot string) *Selector {
	return &Selector{
		RepoRoot: repoRoot,
		bodies:   make(map[string][]byte),
		imports:  make(map[string][]string),
		resolved: make(map[string]map[string]string),
	}
}

// Result is the outcome of SelectDirectTests.
type Result struct {
	Kept  []string
	Ranks map[string]int // test file path -> directness rank (depth at match)
}

// SeedTokens builds the textual search tokens for one production path: its
// repo-relative path without extension, its basename without extension, and
// its last-two-path-segment suffix (spec §4.4 step 1).
func SeedTokens(repoRoot, prodPath string) []string {
	rel, err := filepath.Rel(repoRoot, prodPath)
	if err != nil {
		rel = prodPath
	}
	rel = filepath.ToSlash(rel)
	noExt := strings.TrimSuffix(rel, filepath.Ext(rel))
	base := path.Base(noExt)

	segments := strings.Split(noExt, "/")
	lastTwo := noExt
	if len(segments) >= 2 {
		lastTwo = strings.Join(segments[len(segments)-2:], "/")
	}

	seen := make(map[string]struct{}, 3)
	var tokens []string
	for _, t := range []string{noExt, base, lastTwo} {
		if t == "" {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		tokens = append(tokens, t)
	}
	return tokens
}

// SelectDirectTests implements select_direct_tests(repo_root, test_files,
// production_seeds). maxDepth is the changed_depth transitive search bound.
func (s *Selector) SelectDirectTests(ctx context.Context, testFiles, productionSeeds []string, maxDepth int) Result {
	var seeds []string
	for _, p := range productionSeeds {
		seeds = append(seeds, SeedTokens(s.RepoRoot, p)...)
	}

	rt := &async.Runtime{
		Concurrency: Concurrency,
		Resolvers: map[string]async.Resolver{
			"graph-match": async.ResolverFunc{
				IDValue: "graph-match",
				Func: func(_ context.Context, data any) (any, error) {
					file := data.(string)
					memo := make(map[memoKey]matchOutcome)
					matched, rank := s.matchesTransitively(file, 0, maxDepth, seeds, memo)
					return matchResult{file: file, matched: matched, rank: rank}, nil
				},
			},
		},
	}

	collector := &resultCollector{}
	items := make([]async.WorkItem, 0, len(testFiles))
	for _, f := range testFiles {
		items = append(items, async.WorkItem{
			Key:        f,
			ResolverID: "graph-match",
			Data:       f,
			Handler:    collector,
			Subject:    f,
		})
	}

	rt.Run(ctx, items)

	return collector.result()
}

type matchResult struct {
	file    string
	matched bool
	rank    int
}

type resultCollector struct {
	mu    sync.Mutex
	kept  []string
	ranks map[string]int
}

func (c *resultCollector) OnSuccess(resolved any) []any {
	mr, ok := resolved.(matchResult)
	if !ok {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ranks == nil {
		c.ranks = make(map[string]int)
	}
	if mr.matched {
		c.kept = append(c.kept, mr.file)
		c.ranks[mr.file] = mr.rank
	}
	return []any{mr}
}

func (c *resultCollector) result() Result {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Result{Kept: append([]string(nil), c.kept...), Ranks: c.ranks}
}

type memoKey struct {
	file  string
	depth int
}

type matchOutcome struct {
	matched bool
	rank    int
}

// matchesTransitively is the per-work-item recursive walk. It is called
// only from within one resolver invocation, so its memo map is a plain
// (unsynchronized) map private to that call — distinct from the Runtime's
// own per-run dedup cache, which deduplicates across work items instead of
// within the recursive depth traversal of a single one.
func (s *Selector) matchesTransitively(file string, depth, maxDepth int, seeds []string, memo map[memoKey]matchOutcome) (bool, int) {
	if depth > maxDepth {
		return false, -1
	}

	key := memoKey{file: file, depth: depth}
	if out, ok := memo[key]; ok {
		return out.matched, out.rank
	}

	body := s.body(file)
	if containsAny(body, seeds) {
		memo[key] = matchOutcome{matched: true, rank: depth}
		return true, depth
	}

	for _, spec := range s.importSpecifiers(file, body) {
		target, ok := s.resolveImport(file, spec)
		if !ok {
			continue // unresolved non-relative import: dropped, not followed
		}

		targetBody := s.body(target)
		if containsAny(targetBody, seeds) {
			memo[key] = matchOutcome{matched: true, rank: depth + 1}
			return true, depth + 1
		}

		if matched, rank := s.matchesTransitively(target, depth+1, maxDepth, seeds, memo); matched {
			memo[key] = matchOutcome{matched: true, rank: rank}
			return true, rank
		}
	}

	memo[key] = matchOutcome{matched: false, rank: -1}
	return false, -1
}

func containsAny(body []byte, seeds []string) bool {
	if len(body) == 0 {
		return false
	}
	for _, seed := range seeds {
		if seed == "" {
			continue
		}
		if strings.Contains(string(body), seed) {
			return true
		}
	}
	return false
}

// body returns file's content, caching across calls. Unreadable files are
// treated as empty bodies (spec §4.4 failure modes).
func (s *Selector) body(file string) []byte {
	s.mu.Lock()
	if b, ok := s.bodies[file]; ok {
		s.mu.Unlock()
		return b
	}
	s.mu.Unlock()

	b, err := os.ReadFile(file) //nolint:gosec // file is a resolved repo-relative test/source path
	if err != nil {
		b = nil
	}

	s.mu.Lock()
	s.bodies[file] = b
	s.mu.Unlock()
	return b
}

func (s *Selector) importSpecifiers(file string, body []byte) []string {
	s.mu.Lock()
	if specs, ok := s.imports[file]; ok {
		s.mu.Unlock()
		return specs
	}
	s.mu.Unlock()

	matches := importRE.FindAllSubmatch(body, -1)
	specs := make([]string, 0, len(matches))
	for _, m := range matches {
		if len(m[1]) > 0 {
			specs = append(specs, string(m[1]))
		} else if len(m[2]) > 0 {
			specs = append(specs, string(m[2]))
		}
	}

	s.mu.Lock()
	s.imports[file] = specs
	s.mu.Unlock()
	return specs
}

// resolveImport resolves a specifier found in file against the extension
// and index-fallback rules of spec §3. Non-relative, non-root-anchored
// specifiers are treated as unresolved (spec §4.4: "dropped, not followed").
func (s *Selector) resolveImport(file, specifier string) (string, bool) {
	if !strings.HasPrefix(specifier, ".") && !strings.HasPrefix(specifier, "/") {
		return "", false
	}

	s.mu.Lock()
	if m, ok := s.resolved[file]; ok {
		if target, ok := m[specifier]; ok {
			s.mu.Unlock()
			if target == "" {
				return "", false
			}
			return target, true
		}
	}
	s.mu.Unlock()

	var base string
	if strings.HasPrefix(specifier, "/") {
		base = filepath.Join(s.RepoRoot, specifier)
	} else {
		base = filepath.Join(filepath.Dir(file), specifier)
	}

	target, ok := resolveWithExtensions(base)

	s.mu.Lock()
	if s.resolved[file] == nil {
		s.resolved[file] = make(map[string]string)
	}
	s.resolved[file][specifier] = target
	s.mu.Unlock()

	return target, ok
}

func resolveWithExtensions(base string) (string, bool) {
	for _, ext := range resolutionExtensions {
		candidate := base + ext
		if fileExists(candidate) {
			return candidate, true
		}
	}
	for _, ext := range resolutionExtensions {
		candidate := filepath.Join(base, "index"+ext)
		if fileExists(candidate) {
			return candidate, true
		}
	}
	return "", false
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
