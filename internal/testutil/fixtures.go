package testutil

import "github.com/wharflab/headlamp/internal/bridge"

// PassingCase returns a minimal passed TestCase for the given name path.
func PassingCase(namePath ...string) bridge.TestCase {
	return bridge.TestCase{NamePath: namePath, Status: bridge.StatusPassed}
}

// FailingCase returns a failed TestCase carrying one failure message.
func FailingCase(message string, namePath ...string) bridge.TestCase {
	return bridge.TestCase{
		NamePath:        namePath,
		Status:          bridge.StatusFailed,
		FailureMessages: []string{message},
	}
}

// FileResult builds a bridge.FileResult from a test file path and its
// cases, for tests that need a document without hand-writing JSON.
func FileResult(path string, cases ...bridge.TestCase) bridge.FileResult {
	return bridge.FileResult{TestFilePath: path, TestCases: cases}
}

// Document builds a bridge.Document from file results, deriving Aggregated
// counters from the case statuses so callers don't have to keep them in
// sync by hand.
func Document(results ...bridge.FileResult) *bridge.Document {
	doc := &bridge.Document{TestResults: results}
	for _, r := range results {
		for _, tc := range r.TestCases {
			doc.Aggregated.NumTotalTests++
			switch tc.Status {
			case bridge.StatusPassed:
				doc.Aggregated.NumPassedTests++
			case bridge.StatusFailed:
				doc.Aggregated.NumFailedTests++
			case bridge.StatusPending, bridge.StatusSkipped:
				doc.Aggregated.NumPendingTests++
			case bridge.StatusTodo:
				doc.Aggregated.NumTodoTests++
			}
		}
	}
	doc.Aggregated.Success = doc.Aggregated.NumFailedTests == 0
	return doc
}
