// Package cmd wires headlamp's single-command CLI surface (spec §6): one
// binary, one flag dialect owned by internal/argnorm rather than
// urfave/cli's own flag definitions — argnorm's derive_args already
// implements the `--coverage.<key>=<value>` keyed-option grammar and the
// literal-`--`-forwarding rule, so the command itself only supplies the
// app shell (name, usage, version) and the top-level Action, grounded on
// cmd/tally/cmd/root.go collapsed from tally's lint/lsp/version subcommand
// tree to headlamp's single-binary surface.
package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v3"

	"github.com/wharflab/headlamp/internal/executor"
	"github.com/wharflab/headlamp/internal/version"
)

// Exit codes (spec §6: "0 success, non-zero = child runner's exit code,
// 130 on interrupt, 1 for internal fatal").
const (
	ExitSuccess       = 0
	ExitInternalFatal = 1
)

// NewApp creates the CLI application.
func NewApp() *cli.Command {
	return &cli.Command{
		Name:    "headlamp",
		Usage:   "Unified test-runner orchestrator",
		Version: version.Version(),
		Description: `headlamp selects which tests to run across heterogeneous backing
test runners, dispatches them in parallel, ingests their structured
results, and renders one merged report with coverage.

Examples:
  headlamp
  headlamp --changed
  headlamp -t "renders header"
  headlamp --coverage --coverage.mode=full
  headlamp -- --watch`,
		Action: runHeadlamp,
	}
}

// Execute runs the CLI application.
func Execute() error {
	return NewApp().Run(context.Background(), os.Args)
}

func runHeadlamp(ctx context.Context, cmd *cli.Command) error {
	ctx, stop := executor.InstallInterruptHandler(ctx)
	defer stop()

	log := logrus.StandardLogger()

	tokens := cmd.Args().Slice()

	runner, err := newRunner(ctx, tokens, log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "headlamp: %v\n", err)
		return cli.Exit("", ExitInternalFatal)
	}

	exitCode := runner.Run(ctx)
	if ctx.Err() != nil {
		return cli.Exit("", executor.ReportInterrupted())
	}
	if exitCode != ExitSuccess {
		return cli.Exit("", exitCode)
	}
	return nil
}
