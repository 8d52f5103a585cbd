// Package bridge ingests a test runner's results via the "bridge" channel
// described in spec §4.8/§6 (component 8): a JSON artifact the runner's
// reporter plugin writes on completion (path carried by JEST_BRIDGE_OUT),
// supplemented by sentinel-prefixed inline events scanned out of the
// runner's combined stdout/stderr for data the final artifact doesn't
// carry (per-line console attribution as it happens, not just at the end).
// Grounded on the teacher's reporter/json.go JSON-shaping conventions and
// the executor package's captured-output model (executor.CaptureResult).
package bridge

import (
	"bufio"
	"bytes"
	"crypto/sha256"
	"embed"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"text/template"
)

// Sentinel prefixes inline bridge events emitted by the env shim and
// reporter plugin on stdout, one JSON object per line.
const Sentinel = "[JEST-BRIDGE-EVENT]"

// BridgeOutEnv is the environment variable the reporter plugin reads to
// learn where to write its JSON artifact.
const BridgeOutEnv = "JEST_BRIDGE_OUT"

// TestStatus mirrors Jest's per-case status strings.
type TestStatus string

const (
	StatusPassed  TestStatus = "passed"
	StatusFailed  TestStatus = "failed"
	StatusPending TestStatus = "pending"
	StatusTodo    TestStatus = "todo"
	StatusSkipped TestStatus = "skipped"
)

// Location is a source position within a test file, when the runner
// reports one.
type Location struct {
	Line   int `json:"line"`
	Column int `json:"column"`
}

// TestCase is one assertion/it block's result.
type TestCase struct {
	NamePath        []string   `json:"namePath"`
	Status          TestStatus `json:"status"`
	DurationMs      int        `json:"durationMs"`
	FailureMessages []string   `json:"failureMessages"`
	Location        *Location  `json:"location,omitempty"`
}

// ConsoleEntry is one console.* call attributed to a test file.
type ConsoleEntry struct {
	TestPath string `json:"testPath"`
	Level    string `json:"level"`
	Message  string `json:"message"`
}

// FileResult is one test file's outcome, matching spec §3's FileResult.
type FileResult struct {
	TestFilePath   string         `json:"testFilePath"`
	ConsoleEntries []ConsoleEntry `json:"consoleEntries"`
	TestCases      []TestCase     `json:"testCases"`
}

// Aggregated mirrors Jest's top-level AggregatedResult counters.
type Aggregated struct {
	NumTotalTestSuites  int  `json:"numTotalTestSuites"`
	NumPassedTestSuites int  `json:"numPassedTestSuites"`
	NumFailedTestSuites int  `json:"numFailedTestSuites"`
	NumTotalTests       int  `json:"numTotalTests"`
	NumPassedTests      int  `json:"numPassedTests"`
	NumFailedTests      int  `json:"numFailedTests"`
	NumPendingTests     int  `json:"numPendingTests"`
	NumTodoTests        int  `json:"numTodoTests"`
	NumTimedOutTests    int  `json:"numTimedOutTests"`
	Success             bool `json:"success"`
	RunTimeMs           int  `json:"runTimeMs"`
}

// Document is the full BridgeDocument (spec §3): one project's bridged
// test run.
type Document struct {
	StartTime   int64        `json:"startTime"`
	TestResults []FileResult `json:"testResults"`
	Aggregated  Aggregated   `json:"aggregated"`
}

// EventType enumerates the inline sentinel events the reporter plugin and
// env shim emit. Decoding is tolerant: unrecognized types are preserved in
// Event.Raw rather than erroring, since a future plugin revision may add
// event kinds the parent doesn't understand yet.
type EventType string

const (
	EventEnvReady          EventType = "envReady"
	EventConsole           EventType = "console"
	EventConsoleBatch      EventType = "consoleBatch"
	EventHTTPResponse      EventType = "httpResponse"
	EventHTTPResponseBatch EventType = "httpResponseBatch"
	EventHTTPAbort         EventType = "httpAbort"
	EventAssertionFailure  EventType = "assertionFailure"
)

// Event is one decoded inline sentinel-line event.
type Event struct {
	Type    EventType       `json:"type"`
	Entries []ConsoleEntry  `json:"entries,omitempty"` // consoleBatch
	ConsoleEntry
	Raw json.RawMessage `json:"-"`
}

// ScanEvents reads combined stdout/stderr captured from a runner
// invocation and extracts every sentinel-prefixed event line. Lines
// without the sentinel prefix are ordinary runner output and are
// ignored — the runner's own stdout is still what the user saw live (the
// executor tees it), this just re-reads the captured copy.
func ScanEvents(combinedOutput []byte) ([]Event, error) {
	var events []Event
	scanner := bufio.NewScanner(bytes.NewReader(combinedOutput))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Text()
		idx := strings.Index(line, Sentinel)
		if idx < 0 {
			continue
		}
		payload := line[idx+len(Sentinel):]

		var ev Event
		if err := json.Unmarshal([]byte(payload), &ev); err != nil {
			continue // malformed inline event, skip rather than fail the whole scan
		}
		ev.Raw = json.RawMessage(payload)
		events = append(events, ev)
	}
	if err := scanner.Err(); err != nil {
		return events, fmt.Errorf("bridge: scan events: %w", err)
	}
	return events, nil
}

// GroupConsoleEntries collects the console-shaped events (console,
// consoleBatch) out of a decoded event stream, keyed by test file path.
func GroupConsoleEntries(events []Event) map[string][]ConsoleEntry {
	grouped := make(map[string][]ConsoleEntry)
	for _, ev := range events {
		switch ev.Type {
		case EventConsole:
			if ev.TestPath == "" {
				continue
			}
			grouped[ev.TestPath] = append(grouped[ev.TestPath], ev.ConsoleEntry)
		case EventConsoleBatch:
			for _, entry := range ev.Entries {
				if entry.TestPath == "" {
					continue
				}
				grouped[entry.TestPath] = append(grouped[entry.TestPath], entry)
			}
		}
	}
	return grouped
}

// MergeConsoleEntries folds inline-scanned console entries into the
// Document's FileResults that have none. The generated reporter plugin
// always writes consoleEntries as an empty array and sends console output
// only as inline consoleBatch events, so this is where file results get
// their console entries; a non-empty list already in the artifact is kept.
func MergeConsoleEntries(doc *Document, grouped map[string][]ConsoleEntry) {
	for i := range doc.TestResults {
		fr := &doc.TestResults[i]
		if len(fr.ConsoleEntries) > 0 {
			continue
		}
		if entries, ok := grouped[fr.TestFilePath]; ok {
			fr.ConsoleEntries = entries
		}
	}
}

// ParseArtifact reads and decodes the JSON document the reporter plugin
// wrote to JEST_BRIDGE_OUT. A missing or unparseable artifact is reported
// as an error so the caller (the dispatch planner / renderer) can fall
// back to a text prettifier over the raw captured output, per spec §4.8.
func ParseArtifact(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("bridge: read artifact: %w", err)
	}
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("bridge: decode artifact: %w", err)
	}
	return &doc, nil
}

// Ingester ties artifact parsing and inline-event scanning together into
// one project's bridged Document.
type Ingester struct {
	// ArtifactPath is where the reporter plugin is expected to have
	// written its JSON document (JEST_BRIDGE_OUT's value).
	ArtifactPath string
}

// Ingest produces the Document for one project's completed run. If the
// artifact can't be read or parsed, it returns the error unwrapped so
// callers can detect the fallback condition with errors.Is/As against the
// underlying os/json errors; events are still scanned and returned
// separately so a caller that wants to attempt a console-only reconstruction
// can do so.
func (in *Ingester) Ingest(combinedOutput []byte) (*Document, []Event, error) {
	events, scanErr := ScanEvents(combinedOutput)

	doc, err := ParseArtifact(in.ArtifactPath)
	if err != nil {
		return nil, events, err
	}

	grouped := GroupConsoleEntries(events)
	MergeConsoleEntries(doc, grouped)

	if scanErr != nil {
		return doc, events, scanErr
	}
	return doc, events, nil
}

//go:embed templates/*.tmpl
var pluginTemplates embed.FS

// PluginFiles names the generated plugin files, relative to a project's
// plugin directory.
var PluginFiles = []string{"headlamp-reporter.js", "headlamp-env-shim.js"}

var templateSources = map[string]string{
	"headlamp-reporter.js": "templates/reporter.js.tmpl",
	"headlamp-env-shim.js": "templates/env_shim.js.tmpl",
}

type templateData struct {
	Sentinel    string
	BridgeOutEnv string
}

// WritePlugins renders the reporter and env-shim plugin files into dir,
// skipping any file whose existing content already matches (by sha256)
// what would be generated — so a repeat dispatch doesn't touch the
// runner's module cache/mtime-based invalidation for no reason. Returns
// the written (or already-current) absolute paths in PluginFiles order.
func WritePlugins(dir string) ([]string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("bridge: create plugin dir: %w", err)
	}

	data := templateData{Sentinel: Sentinel, BridgeOutEnv: BridgeOutEnv}

	paths := make([]string, 0, len(PluginFiles))
	for _, name := range PluginFiles {
		srcPath, ok := templateSources[name]
		if !ok {
			return nil, fmt.Errorf("bridge: no template source for %q", name)
		}

		rendered, err := renderTemplate(srcPath, data)
		if err != nil {
			return nil, err
		}

		target := filepath.Join(dir, name)
		if err := writeIfStale(target, rendered); err != nil {
			return nil, err
		}
		paths = append(paths, target)
	}
	return paths, nil
}

func renderTemplate(srcPath string, data templateData) ([]byte, error) {
	raw, err := fs.ReadFile(pluginTemplates, srcPath)
	if err != nil {
		return nil, fmt.Errorf("bridge: read template %s: %w", srcPath, err)
	}

	tmpl, err := template.New(filepath.Base(srcPath)).Parse(string(raw))
	if err != nil {
		return nil, fmt.Errorf("bridge: parse template %s: %w", srcPath, err)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return nil, fmt.Errorf("bridge: render template %s: %w", srcPath, err)
	}
	return buf.Bytes(), nil
}

// writeIfStale writes content to path only if the file is absent or its
// content hash differs, then writes via temp-file-then-rename so a
// concurrent reader never observes a partial plugin file.
func writeIfStale(path string, content []byte) error {
	if existing, err := os.ReadFile(path); err == nil {
		if contentHash(existing) == contentHash(content) {
			return nil
		}
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".headlamp-plugin-*")
	if err != nil {
		return fmt.Errorf("bridge: create temp plugin file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(content); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("bridge: write temp plugin file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("bridge: close temp plugin file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("bridge: rename temp plugin file: %w", err)
	}
	return nil
}

func contentHash(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
