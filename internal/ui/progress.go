package ui

import (
	"fmt"
	"io"
	"os"

	"github.com/fatih/color"
)

// Out is the destination for progress output. Overridable for tests.
var Out io.Writer = os.Stdout

var (
	doneMark    = color.New(color.FgGreen).Sprint("done")
	warningMark = color.New(color.FgYellow).Sprint("warning")
	skippedMark = color.New(color.FgHiBlack).Sprint("skipped")
)

// Step is a single-line progress entry. Begin prints the message and leaves
// the line open; exactly one of Done, Warning, or Skipped closes it.
type Step struct {
	out io.Writer
}

// Begin starts a progress line: "message... ".
func Begin(format string, args ...interface{}) *Step {
	s := &Step{out: Out}
	fmt.Fprintf(s.out, format+"... ", args...)
	return s
}

// Done closes the line with a green "done" marker.
func (s *Step) Done() {
	fmt.Fprintln(s.out, doneMark)
}

// Warning closes the line with a yellow "warning" marker and an optional detail.
func (s *Step) Warning(detail string) {
	if detail != "" {
		fmt.Fprintf(s.out, "%s (%s)\n", warningMark, detail)
		return
	}
	fmt.Fprintln(s.out, warningMark)
}

// Skipped closes the line with a "skipped" marker.
func (s *Step) Skipped() {
	fmt.Fprintln(s.out, skippedMark)
}

// Infof prints a standalone informational line.
func Infof(format string, args ...interface{}) {
	fmt.Fprintf(Out, format+"\n", args...)
}
