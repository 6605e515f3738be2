package cmd

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/briandowns/spinner"
	"github.com/fatih/color"
	"golang.org/x/term"
)

// progress shows a spinner with the elapsed recording time while stdout is
// a terminal, and plain lines otherwise.
type progress struct {
	out   io.Writer
	sp    *spinner.Spinner
	start time.Time
}

func isTerminal(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}

func newProgress(out io.Writer, interactive bool, message string) *progress {
	p := &progress{out: out, start: time.Now()}
	if !interactive {
		fmt.Fprintf(out, "%s\n", message)
		return p
	}
	p.sp = spinner.New(spinner.CharSets[14], 100*time.Millisecond, spinner.WithWriter(out))
	p.sp.Prefix = "  "
	p.sp.PreUpdate = func(s *spinner.Spinner) {
		s.Suffix = fmt.Sprintf(" %s %s (press %s to stop)", message,
			formatElapsed(time.Since(p.start)),
			color.New(color.FgYellow, color.Bold).Sprint("Ctrl+C"))
	}
	p.sp.Start()
	return p
}

func (p *progress) stop() {
	if p.sp != nil {
		p.sp.Stop()
		fmt.Fprint(p.out, "\r\033[K")
	}
}

// Success stops the spinner and prints a success line.
func (p *progress) Success(message string) {
	p.stop()
	fmt.Fprintf(p.out, "  %s %s\n", color.GreenString("✓"), message)
}

// Fail stops the spinner and prints a failure line.
func (p *progress) Fail(message string) {
	p.stop()
	fmt.Fprintf(p.out, "  %s %s\n", color.RedString("✗"), message)
}

func formatElapsed(d time.Duration) string {
	d = d.Truncate(time.Second)
	return fmt.Sprintf("%02d:%02d", int(d.Minutes()), int(d.Seconds())%60)
}
