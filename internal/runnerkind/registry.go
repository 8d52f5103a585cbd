// Package runnerkind is the static table of wire-contract defaults for each
// backend test runner headlamp knows how to drive (spec §6.2, SPEC_FULL.md
// component 12). The flags each backend takes are data, not branches: a
// fifth backend's wire contract is one table row. The runner binary name
// is not part of the table; dispatch maps each kind to its binary.
package runnerkind

import "fmt"

// Descriptor is the wire contract headlamp needs from one backend kind.
type Descriptor struct {
	// Kind is the registry key, e.g. "js", "native", "native-next", "script".
	Kind string

	// InterrogateFlag lists test files the runner would execute, one per
	// line, on stdout (spec §4.3's "direct interrogation").
	InterrogateFlag string

	// ReporterFlag points the runner at headlamp's event-bridge plugin.
	ReporterFlag string

	// CoverageDirFlag sets the runner's coverage output directory.
	CoverageDirFlag string

	// CollectCoverageFromFlag, when non-empty, is the flag used to scope
	// coverage instrumentation to explicitly selected production files.
	CollectCoverageFromFlag string

	// NamePatternFlag selects tests by name, e.g. "-t" / "--testNamePattern".
	NamePatternFlag string

	// TestMatch are the default glob patterns this runner's tests match,
	// used by the ownership filter's offline fallback (spec §4.5, §9).
	TestMatch []string

	// RootDir is the default root directory tests are resolved relative to.
	// Empty means the project's working directory.
	RootDir string
}

// Default descriptors for the four backend kinds named in spec §1.
var defaults = map[string]Descriptor{
	"js": {
		Kind:                    "js",
		InterrogateFlag:         "--listTests",
		ReporterFlag:            "--reporters",
		CoverageDirFlag:         "--coverageDirectory",
		CollectCoverageFromFlag: "--collectCoverageFrom",
		NamePatternFlag:         "--testNamePattern",
		TestMatch: []string{
			"**/*.test.{js,jsx,ts,tsx,mjs,cjs}",
			"**/*.spec.{js,jsx,ts,tsx,mjs,cjs}",
			"**/tests/**/*.{js,jsx,ts,tsx}",
		},
	},
	"native": {
		Kind:                    "native",
		InterrogateFlag:         "--list-tests",
		ReporterFlag:            "--reporter",
		CoverageDirFlag:         "--coverage-dir",
		CollectCoverageFromFlag: "",
		NamePatternFlag:         "--gtest_filter",
		TestMatch: []string{
			"**/*_test.cc",
			"**/*_test.cpp",
		},
	},
	"native-next": {
		Kind:                    "native-next",
		InterrogateFlag:         "--list-tests",
		ReporterFlag:            "--reporter-plugin",
		CoverageDirFlag:         "--coverage-out",
		CollectCoverageFromFlag: "",
		NamePatternFlag:         "--filter",
		TestMatch: []string{
			"**/*_test.cc",
			"**/*Test.cpp",
		},
	},
	"script": {
		Kind:                    "script",
		InterrogateFlag:         "--collect-only",
		ReporterFlag:            "--reporter",
		CoverageDirFlag:         "--cov-report",
		CollectCoverageFromFlag: "--cov",
		NamePatternFlag:         "-k",
		TestMatch: []string{
			"**/test_*.py",
			"**/*_test.py",
		},
	},
}

// Registry resolves a runner_kind to its wire contract. Rows can be
// replaced with Override; the config loader has no per-project runner
// fields, so a run uses the built-in rows.
type Registry struct {
	descriptors map[string]Descriptor
}

// New returns a registry seeded with the built-in defaults.
func New() *Registry {
	r := &Registry{descriptors: make(map[string]Descriptor, len(defaults))}
	for k, v := range defaults {
		r.descriptors[k] = v
	}
	return r
}

// Override replaces (or adds) the descriptor for kind.
func (r *Registry) Override(kind string, d Descriptor) {
	d.Kind = kind
	r.descriptors[kind] = d
}

// Lookup returns the descriptor for kind, or an error if the registry has no
// row for it — this is the *Fatal* "missing runner binary"-adjacent
// configuration error SPEC_FULL.md §8 requires every project to avoid.
func (r *Registry) Lookup(kind string) (Descriptor, error) {
	d, ok := r.descriptors[kind]
	if !ok {
		return Descriptor{}, fmt.Errorf("runnerkind: unknown runner kind %q", kind)
	}
	if d.InterrogateFlag == "" || d.ReporterFlag == "" {
		return Descriptor{}, fmt.Errorf("runnerkind: runner kind %q is missing required wire contract fields", kind)
	}
	return d, nil
}

// Kinds returns every registered kind, for validation and help text.
func (r *Registry) Kinds() []string {
	kinds := make([]string, 0, len(r.descriptors))
	for k := range r.descriptors {
		kinds = append(kinds, k)
	}
	return kinds
}
