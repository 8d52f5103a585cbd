// Package executor spawns and tears down backend test-runner child
// processes (spec §4.7, SPEC_FULL.md component 1/7). It provides
// run_with_capture (tee to the terminal and a bounded ring buffer, for the
// primary test-run invocation whose output the event bridge ingester must
// parse), run_exit_code (pure passthrough, used for the bootstrap command
// where only the exit status matters), and CaptureOnly (stdout captured
// without a tee, for auxiliary probes like `git` or a runner's --listTests
// interrogation).
package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"runtime"
	"syscall"
	"time"

	"github.com/armon/circbuf"
)

// DefaultCaptureBytes bounds the in-memory combined-output buffer so a
// runaway child cannot exhaust memory, while staying large enough to hold
// the bridge JSON sentinel stream in practice (spec §4.7, SPEC_FULL.md).
const DefaultCaptureBytes = 8 * 1024 * 1024

// DefaultTerminateGrace is the wait between SIGTERM and SIGKILL escalation.
const DefaultTerminateGrace = 2 * time.Second

// Request describes one child process invocation.
type Request struct {
	Command []string
	Dir     string
	Env     []string // additional entries appended to os.Environ()

	// CaptureBytes overrides DefaultCaptureBytes for run_with_capture. Zero
	// means use the default.
	CaptureBytes int

	// TerminateGrace overrides DefaultTerminateGrace. Zero means use the
	// default.
	TerminateGrace time.Duration
}

// CaptureResult is the outcome of RunWithCapture.
type CaptureResult struct {
	ExitCode       int
	CombinedOutput []byte
}

// RunWithCapture starts the child, tees its combined stdout+stderr both to
// the parent's terminal (so the user sees live output, colorized via
// FORCE_COLOR) and into a bounded ring buffer for the event bridge ingester
// to scan afterward.
func RunWithCapture(ctx context.Context, req Request) (CaptureResult, error) {
	capBytes := req.CaptureBytes
	if capBytes <= 0 {
		capBytes = DefaultCaptureBytes
	}

	buf, err := circbuf.NewBuffer(int64(capBytes))
	if err != nil {
		return CaptureResult{}, fmt.Errorf("executor: allocate capture buffer: %w", err)
	}

	cmd, err := build(req)
	if err != nil {
		return CaptureResult{}, err
	}
	cmd.Env = append(cmd.Env, "FORCE_COLOR=3")

	cmd.Stdout = io.MultiWriter(os.Stdout, buf)
	cmd.Stderr = io.MultiWriter(os.Stderr, buf)

	exitCode, err := run(ctx, cmd, terminateGrace(req))
	return CaptureResult{ExitCode: exitCode, CombinedOutput: buf.Bytes()}, err
}

// CaptureOnly starts the child with stdout captured into an in-memory
// buffer and no tee to the terminal — used for internal plumbing calls
// (the VCS probe's `git diff`, a runner's --listTests interrogation) whose
// output downstream code parses but the user never needs to see directly.
// Stderr is discarded; callers that need it should fold it into Command
// via `2>&1` or inspect the non-zero exit separately.
func CaptureOnly(ctx context.Context, req Request) (CaptureResult, error) {
	capBytes := req.CaptureBytes
	if capBytes <= 0 {
		capBytes = DefaultCaptureBytes
	}

	buf, err := circbuf.NewBuffer(int64(capBytes))
	if err != nil {
		return CaptureResult{}, fmt.Errorf("executor: allocate capture buffer: %w", err)
	}

	cmd, err := build(req)
	if err != nil {
		return CaptureResult{}, err
	}
	cmd.Stdout = buf

	exitCode, err := run(ctx, cmd, terminateGrace(req))
	return CaptureResult{ExitCode: exitCode, CombinedOutput: buf.Bytes()}, err
}

// RunExitCode starts the child with stdout/stderr passed through directly
// to the parent and reports only the exit code.
func RunExitCode(ctx context.Context, req Request) (int, error) {
	cmd, err := build(req)
	if err != nil {
		return -1, err
	}
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	return run(ctx, cmd, terminateGrace(req))
}

func build(req Request) (*exec.Cmd, error) {
	if len(req.Command) == 0 {
		return nil, errors.New("executor: command is empty")
	}
	cmd := exec.Command(req.Command[0], req.Command[1:]...) //nolint:gosec // command is caller-constructed, not user free text
	cmd.Dir = req.Dir
	cmd.Env = append(os.Environ(), req.Env...)
	configureProcessGroup(cmd)
	return cmd, nil
}

func terminateGrace(req Request) time.Duration {
	if req.TerminateGrace > 0 {
		return req.TerminateGrace
	}
	return DefaultTerminateGrace
}

// run starts cmd, waits for it to exit or ctx to end, and two-phase
// terminates it on cancellation (SIGTERM then SIGKILL after grace, or
// Process.Kill on Windows).
func run(ctx context.Context, cmd *exec.Cmd, grace time.Duration) (int, error) {
	if err := cmd.Start(); err != nil {
		return -1, fmt.Errorf("executor: start: %w", err)
	}

	waitCh := make(chan error, 1)
	go func() { waitCh <- cmd.Wait() }()

	select {
	case err := <-waitCh:
		return exitCodeFromWaitErr(err), nil
	case <-ctx.Done():
		exit, termErr := terminateProcess(cmd, grace, waitCh)
		if exit == nil {
			return -1, errors.Join(ctx.Err(), termErr)
		}
		return *exit, ctx.Err()
	}
}

func terminateProcess(cmd *exec.Cmd, grace time.Duration, waitCh chan error) (*int, error) {
	if cmd.Process == nil {
		code := -1
		return &code, nil
	}

	if runtime.GOOS == "windows" {
		if err := cmd.Process.Kill(); err != nil && !isNoSuchProcess(err) {
			waitErr := <-waitCh
			return exitCodeFromWaitErrPtr(waitErr), err
		}
		waitErr := <-waitCh
		return exitCodeFromWaitErrPtr(waitErr), nil
	}

	pid := cmd.Process.Pid
	var termErr error

	if err := killProcessGroup(pid, syscall.SIGTERM); err != nil && !isNoSuchProcess(err) {
		termErr = err
		if killErr := cmd.Process.Kill(); killErr != nil && !isNoSuchProcess(killErr) {
			termErr = errors.Join(termErr, killErr)
		}
	}

	if grace > 0 {
		timer := time.NewTimer(grace)
		defer timer.Stop()
		select {
		case waitErr := <-waitCh:
			return exitCodeFromWaitErrPtr(waitErr), termErr
		case <-timer.C:
		}
	}

	if err := killProcessGroup(pid, syscall.SIGKILL); err != nil && !isNoSuchProcess(err) {
		termErr = errors.Join(termErr, err)
		if killErr := cmd.Process.Kill(); killErr != nil && !isNoSuchProcess(killErr) {
			termErr = errors.Join(termErr, killErr)
		}
	}

	waitErr := <-waitCh
	return exitCodeFromWaitErrPtr(waitErr), termErr
}

func exitCodeFromWaitErr(err error) int {
	if err == nil {
		return 0
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		return ee.ExitCode()
	}
	return -1
}

func exitCodeFromWaitErrPtr(err error) *int {
	code := exitCodeFromWaitErr(err)
	return &code
}
