// Package progress prints the dispatch planner's per-stride progress
// (SPEC_FULL.md §4.6 expansion, component 13): a project name + spinner
// while its child runs, replaced by a one-line pass/fail summary when it
// exits. Grounded on the teacher's acp_progress.go hand-rolled spinner
// (frame/interval driven by a bubbles spinner.Spinner, not a full Bubble
// Tea program), adapted from "N AI fixes in progress" to one line per
// dispatched project.
package progress

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/mattn/go-isatty"
)

// Reporter drives stride progress lines on an output stream (stderr by
// default, so it never interleaves with the renderer's stdout report).
type Reporter struct {
	out io.Writer
}

// New returns a Reporter writing to os.Stderr.
func New() *Reporter {
	return &Reporter{out: os.Stderr}
}

// Finish replaces a project's progress line with its result summary.
type Finish func(passed, failed int, elapsed time.Duration)

// Start begins showing project's progress. In a non-interactive terminal
// (piped output, CI) it prints a single static line instead of animating,
// matching the teacher's isatty-gated spinner suppression.
func (r *Reporter) Start(project string) Finish {
	if !isatty.IsTerminal(os.Stderr.Fd()) {
		fmt.Fprintf(r.out, "%s: running\n", project)
		return func(passed, failed int, elapsed time.Duration) {
			fmt.Fprintf(r.out, "%s\n", summaryLine(project, passed, failed, elapsed))
		}
	}

	sp := spinner.Line
	frames := sp.Frames
	interval := sp.FPS
	if len(frames) == 0 {
		frames = []string{"-"}
	}
	if interval <= 0 {
		interval = 120 * time.Millisecond
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		frame := 0
		for {
			select {
			case <-stop:
				fmt.Fprint(r.out, "\r\033[2K")
				close(done)
				return
			case <-ticker.C:
				fmt.Fprintf(r.out, "\r%s %s", frames[frame%len(frames)], project)
				frame++
			}
		}
	}()

	return func(passed, failed int, elapsed time.Duration) {
		close(stop)
		<-done
		fmt.Fprintf(r.out, "%s\n", summaryLine(project, passed, failed, elapsed))
	}
}

func summaryLine(project string, passed, failed int, elapsed time.Duration) string {
	status := "PASS"
	if failed > 0 {
		status = "FAIL"
	}
	return fmt.Sprintf("%s %s: %d passed, %d failed (%s)", status, project, passed, failed, elapsed.Truncate(time.Millisecond))
}
