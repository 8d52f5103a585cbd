// Package ignore loads an optional .headlampignore file (gitignore-style
// patterns) layered on top of the hardcoded vendor/coverage directory
// exclusion every path-producing stage already applies
// (selection.IsExcludedDir). Grounded directly on the teacher's
// internal/context dockerignore.go/context.go: same ignorefile reader,
// same lazily-initialized patternmatcher.PatternMatcher, adapted from
// build-context ignoring to test-discovery ignoring.
package ignore

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/moby/patternmatcher"
	"github.com/moby/patternmatcher/ignorefile"
)

// FileNames are the possible names for headlamp's ignore file, checked in
// order.
var FileNames = []string{".headlampignore"}

// Load reads ignore patterns from the first matching file name under dir.
// Returns a nil slice, no error, if none exist.
func Load(dir string) ([]string, error) {
	for _, name := range FileNames {
		path := filepath.Join(dir, name)
		patterns, err := loadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, err
		}
		if len(patterns) > 0 {
			return patterns, nil
		}
	}
	return nil, nil
}

func loadFile(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ignorefile.ReadAll(f)
}

// Matcher wraps a patternmatcher.PatternMatcher for repeated IsIgnored
// checks against one project's discovered candidate paths, lazily built
// so projects with no .headlampignore pay nothing.
type Matcher struct {
	dir string

	mu          sync.Mutex
	initialized bool
	initErr     error
	matcher     *patternmatcher.PatternMatcher
	patterns    []string
}

// NewMatcher returns a Matcher rooted at dir.
func NewMatcher(dir string) *Matcher {
	return &Matcher{dir: dir}
}

// IsIgnored reports whether path (relative to the matcher's root, or
// absolute under it) matches a loaded pattern, checking parent directories
// too so a whole-directory ignore excludes everything beneath it.
func (m *Matcher) IsIgnored(path string) (bool, error) {
	if err := m.ensureInitialized(); err != nil {
		return false, err
	}
	if m.matcher == nil {
		return false, nil
	}

	rel := path
	if filepath.IsAbs(path) {
		if r, err := filepath.Rel(m.dir, path); err == nil {
			rel = r
		}
	}
	return m.matcher.MatchesOrParentMatches(filepath.ToSlash(rel))
}

// Patterns returns the raw loaded patterns, for debugging/logging.
func (m *Matcher) Patterns() []string {
	_ = m.ensureInitialized()
	return m.patterns
}

func (m *Matcher) ensureInitialized() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.initialized {
		return m.initErr
	}
	m.initialized = true

	patterns, err := Load(m.dir)
	if err != nil {
		m.initErr = err
		return err
	}
	m.patterns = patterns
	if len(patterns) == 0 {
		return nil
	}

	pm, err := patternmatcher.New(patterns)
	if err != nil {
		m.initErr = err
		return err
	}
	m.matcher = pm
	return nil
}
