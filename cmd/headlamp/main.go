// Command headlamp is a unified test-runner orchestrator: it selects
// which tests to run across heterogeneous backing runners, dispatches
// them, ingests their structured results, and renders one merged report.
package main

import (
	"fmt"
	"os"

	"github.com/wharflab/headlamp/cmd/headlamp/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "headlamp: %v\n", err)
		os.Exit(1)
	}
}
