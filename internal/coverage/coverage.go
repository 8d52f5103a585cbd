// Package coverage merges Istanbul-format coverage-final.json files across
// every dispatched project into one CoverageMap (spec §4.10, component
// 10), prints a per-file composite table, and merges LCOV bodies.
// Grounded on internal/discovery's recursive-scan + glob-filter shape and
// Sumatoshi-tech-codefang's go-pretty table conventions (header/footer,
// StyleLight).
package coverage

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/jedib0t/go-pretty/v6/table"
)

// CoverageFileName is the literal filename Istanbul-based coverage
// reporters emit per run.
const CoverageFileName = "coverage-final.json"

// LCOVFileName is the literal filename LCOV-format coverage is written to.
const LCOVFileName = "lcov.info"

// Metric is a covered/total pair (spec §3 CoverageMap).
type Metric struct {
	Covered int
	Total   int
}

// Pct returns covered/total as a percentage, or 100 when Total is zero
// (nothing to cover counts as fully covered, matching Istanbul's convention).
func (m Metric) Pct() float64 {
	if m.Total == 0 {
		return 100
	}
	return 100 * float64(m.Covered) / float64(m.Total)
}

func (m Metric) add(o Metric) Metric {
	return Metric{Covered: m.Covered + o.Covered, Total: m.Total + o.Total}
}

// FileCoverage is one file's coverage record.
type FileCoverage struct {
	Statements Metric
	Branches   Metric
	Functions  Metric
	Lines      Metric
}

// CoverageMap is file-path -> FileCoverage, mergeable by additive union on
// covered counts (spec §3).
type CoverageMap map[string]FileCoverage

// Merge additively unions o into m's counts, for files present in both;
// files unique to either map are carried through unchanged.
func (m CoverageMap) Merge(o CoverageMap) CoverageMap {
	out := make(CoverageMap, len(m)+len(o))
	for path, fc := range m {
		out[path] = fc
	}
	for path, fc := range o {
		if existing, ok := out[path]; ok {
			out[path] = FileCoverage{
				Statements: existing.Statements.add(fc.Statements),
				Branches:   existing.Branches.add(fc.Branches),
				Functions:  existing.Functions.add(fc.Functions),
				Lines:      existing.Lines.add(fc.Lines),
			}
		} else {
			out[path] = fc
		}
	}
	return out
}

// istanbulFile is the subset of Istanbul's per-file coverage-final.json
// shape this package consumes; statementMap/branchMap/fnMap carry each
// entry's line (used to derive line coverage, since Istanbul's own
// "lines" metric was deprecated in favor of statement coverage).
type istanbulFile struct {
	StatementMap map[string]istanbulLoc `json:"statementMap"`
	FnMap        map[string]istanbulFn  `json:"fnMap"`
	BranchMap    map[string]istanbulLoc `json:"branchMap"`
	S            map[string]int         `json:"s"`
	F            map[string]int         `json:"f"`
	B            map[string][]int       `json:"b"`
}

type istanbulLoc struct {
	Start struct {
		Line int `json:"line"`
	} `json:"start"`
}

type istanbulFn struct {
	Decl struct {
		Start struct {
			Line int `json:"line"`
		} `json:"start"`
	} `json:"decl"`
}

// ParseFile decodes one coverage-final.json into a CoverageMap.
func ParseFile(path string) (CoverageMap, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("coverage: read %s: %w", path, err)
	}
	return ParseBytes(data)
}

// ParseBytes decodes raw coverage-final.json content into a CoverageMap.
func ParseBytes(data []byte) (CoverageMap, error) {
	var raw map[string]istanbulFile
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("coverage: decode: %w", err)
	}

	out := make(CoverageMap, len(raw))
	for path, f := range raw {
		statementsCovered, statementsTotal := 0, len(f.StatementMap)
		lineSet := make(map[int]bool)
		lineCovered := make(map[int]bool)
		for key, count := range f.S {
			if count > 0 {
				statementsCovered++
			}
			if loc, ok := f.StatementMap[key]; ok {
				lineSet[loc.Start.Line] = true
				if count > 0 {
					lineCovered[loc.Start.Line] = true
				}
			}
		}

		functionsCovered, functionsTotal := 0, len(f.FnMap)
		for _, count := range f.F {
			if count > 0 {
				functionsCovered++
			}
		}

		branchesCovered, branchesTotal := 0, 0
		for _, counts := range f.B {
			branchesTotal += len(counts)
			for _, c := range counts {
				if c > 0 {
					branchesCovered++
				}
			}
		}

		out[path] = FileCoverage{
			Statements: Metric{Covered: statementsCovered, Total: statementsTotal},
			Branches:   Metric{Covered: branchesCovered, Total: branchesTotal},
			Functions:  Metric{Covered: functionsCovered, Total: functionsTotal},
			Lines:      Metric{Covered: len(lineCovered), Total: len(lineSet)},
		}
	}
	return out, nil
}

// FindCoverageFiles recursively scans root for files literally named
// coverage-final.json (spec §4.10).
func FindCoverageFiles(root string) ([]string, error) {
	return findNamed(root, CoverageFileName)
}

// FindLCOVFiles recursively scans root for files literally named
// lcov.info.
func FindLCOVFiles(root string) ([]string, error) {
	return findNamed(root, LCOVFileName)
}

func findNamed(root, name string) ([]string, error) {
	var matches []string
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil // permission errors etc: skip, don't abort the whole scan
		}
		if !d.IsDir() && d.Name() == name {
			matches = append(matches, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("coverage: scan %s: %w", root, err)
	}
	sort.Strings(matches)
	return matches, nil
}

// MergeAll scans every root for coverage-final.json, parses, and
// additively merges them into one CoverageMap.
func MergeAll(roots []string) (CoverageMap, error) {
	merged := make(CoverageMap)
	for _, root := range roots {
		files, err := FindCoverageFiles(root)
		if err != nil {
			return nil, err
		}
		for _, f := range files {
			cm, err := ParseFile(f)
			if err != nil {
				return nil, err
			}
			merged = merged.Merge(cm)
		}
	}
	return merged, nil
}

// MergeLCOV concatenates every non-empty lcov.info body found under roots
// into one merged document (spec §4.10).
func MergeLCOV(roots []string) ([]byte, error) {
	var out strings.Builder
	for _, root := range roots {
		files, err := FindLCOVFiles(root)
		if err != nil {
			return nil, err
		}
		for _, f := range files {
			data, err := os.ReadFile(f)
			if err != nil {
				return nil, fmt.Errorf("coverage: read %s: %w", f, err)
			}
			if len(strings.TrimSpace(string(data))) == 0 {
				continue
			}
			out.Write(data)
			if !strings.HasSuffix(string(data), "\n") {
				out.WriteByte('\n')
			}
		}
	}
	return []byte(out.String()), nil
}

// FilterGlobs filters a CoverageMap's paths by include/exclude doublestar
// globs. If the result would be empty and include was non-empty, retries
// with include=["**/*"] (spec §4.10's "if the result is empty, retries
// with include=**/*").
func FilterGlobs(cm CoverageMap, include, exclude []string) CoverageMap {
	filtered := applyGlobs(cm, include, exclude)
	if len(filtered) == 0 && len(include) > 0 {
		filtered = applyGlobs(cm, []string{"**/*"}, exclude)
	}
	return filtered
}

func applyGlobs(cm CoverageMap, include, exclude []string) CoverageMap {
	out := make(CoverageMap)
	for path, fc := range cm {
		rel := filepath.ToSlash(path)
		if len(include) > 0 && !matchesAny(include, rel) {
			continue
		}
		if matchesAny(exclude, rel) {
			continue
		}
		out[path] = fc
	}
	return out
}

func matchesAny(globs []string, path string) bool {
	for _, g := range globs {
		if ok, _ := doublestar.Match(g, path); ok {
			return true
		}
	}
	return false
}

// WriteTable renders the per-file composite table (columns: file, stmts,
// branch, funcs, lines) using go-pretty's bordered StyleLight, grounded on
// Sumatoshi-tech-codefang's table convention.
func WriteTable(w io.Writer, cm CoverageMap) {
	paths := make([]string, 0, len(cm))
	for p := range cm {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	tbl := table.NewWriter()
	tbl.SetOutputMirror(w)
	tbl.SetStyle(table.StyleLight)
	tbl.Style().Options.SeparateRows = false

	tbl.AppendHeader(table.Row{"File", "Stmts", "Branch", "Funcs", "Lines"})

	var total FileCoverage
	for _, p := range paths {
		fc := cm[p]
		tbl.AppendRow(table.Row{
			p,
			fmt.Sprintf("%.1f%%", fc.Statements.Pct()),
			fmt.Sprintf("%.1f%%", fc.Branches.Pct()),
			fmt.Sprintf("%.1f%%", fc.Functions.Pct()),
			fmt.Sprintf("%.1f%%", fc.Lines.Pct()),
		})
		total.Statements = total.Statements.add(fc.Statements)
		total.Branches = total.Branches.add(fc.Branches)
		total.Functions = total.Functions.add(fc.Functions)
		total.Lines = total.Lines.add(fc.Lines)
	}

	tbl.AppendFooter(table.Row{
		"All files",
		fmt.Sprintf("%.1f%%", total.Statements.Pct()),
		fmt.Sprintf("%.1f%%", total.Branches.Pct()),
		fmt.Sprintf("%.1f%%", total.Functions.Pct()),
		fmt.Sprintf("%.1f%%", total.Lines.Pct()),
	})

	tbl.Render()
}

// Hotspot is one low-coverage file surfaced by the detail drill-down.
type Hotspot struct {
	Path       string
	Statements Metric
}

// Detail prints a bounded per-file deep-dive, sorted by ascending
// statement coverage (worst first), bounded by maxFiles; when more files
// exist than maxFiles, the omitted count is logged rather than silently
// truncated (spec §4.10 / SPEC_FULL.md's no-silent-caps convention).
func Detail(w io.Writer, cm CoverageMap, maxFiles, maxHotspots int) {
	type row struct {
		path string
		fc   FileCoverage
	}
	rows := make([]row, 0, len(cm))
	for p, fc := range cm {
		rows = append(rows, row{p, fc})
	}
	sort.Slice(rows, func(i, j int) bool {
		return rows[i].fc.Statements.Pct() < rows[j].fc.Statements.Pct()
	})

	shown := rows
	omitted := 0
	if maxFiles > 0 && len(rows) > maxFiles {
		shown = rows[:maxFiles]
		omitted = len(rows) - maxFiles
	}

	for _, r := range shown {
		fmt.Fprintf(w, "%s: %.1f%% statements (%d/%d)\n",
			r.path, r.fc.Statements.Pct(), r.fc.Statements.Covered, r.fc.Statements.Total)
	}
	if omitted > 0 {
		fmt.Fprintf(w, "... %d more files omitted (raise --coverage.maxFiles to see them)\n", omitted)
	}

	hotspots := Hotspots(cm, maxHotspots)
	if len(hotspots) > 0 {
		fmt.Fprintln(w, "Hotspots:")
		for _, h := range hotspots {
			fmt.Fprintf(w, "  %s: %.1f%% statements\n", h.Path, h.Statements.Pct())
		}
	}
}

// Hotspots returns the n worst-covered files by statement percentage.
func Hotspots(cm CoverageMap, n int) []Hotspot {
	hotspots := make([]Hotspot, 0, len(cm))
	for p, fc := range cm {
		hotspots = append(hotspots, Hotspot{Path: p, Statements: fc.Statements})
	}
	sort.Slice(hotspots, func(i, j int) bool {
		return hotspots[i].Statements.Pct() < hotspots[j].Statements.Pct()
	})
	if n > 0 && len(hotspots) > n {
		hotspots = hotspots[:n]
	}
	return hotspots
}
