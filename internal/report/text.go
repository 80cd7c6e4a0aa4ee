package report

import (
	"fmt"
	"io"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"github.com/roach88/tracebed/internal/verdict"
)

// TextOptions control text rendering.
type TextOptions struct {
	// Color enables ANSI colors for outcomes. Off for files and pipes.
	Color bool
}

// WriteText renders r as a case table followed by the diagnostics of
// every failing case and a summary line.
func WriteText(w io.Writer, r *Report, opts TextOptions) error {
	fmt.Fprintf(w, "Suite: %s\n", r.Suite)
	if r.RunID != "" {
		fmt.Fprintf(w, "Run: %s\n", r.RunID)
	}

	t := table.NewWriter()
	t.SetStyle(table.StyleDefault)
	t.AppendHeader(table.Row{"CASE", "OUTCOME", "DURATION", "DETAIL"})
	for _, c := range r.Cases {
		t.AppendRow(table.Row{
			c.Name,
			colorize(c.Outcome, opts.Color),
			formatDuration(c.DurationMS),
			detail(c),
		})
	}
	fmt.Fprintln(w, t.Render())

	for _, c := range r.Failing() {
		fmt.Fprintln(w)
		fmt.Fprintf(w, "✗ %s (%s)\n", c.Name, c.Outcome)
		for _, st := range c.Processes {
			fmt.Fprintf(w, "  %s: %s\n", st.Process, st)
		}
		for _, d := range c.Diagnostics {
			fmt.Fprintf(w, "  %s: %s\n", d.Kind, d.Message)
			for _, l := range d.Context {
				fmt.Fprintf(w, "    %s/%s: %s\n", l.Process, l.Stream, l.Text)
			}
		}
	}

	for _, e := range r.Errors {
		fmt.Fprintln(w)
		fmt.Fprintf(w, "! %s\n", e)
	}

	s := r.Summary
	fmt.Fprintln(w)
	fmt.Fprintf(w, "Test Summary: %d passed, %d failed, %d skipped, %d total\n",
		s.Passed, s.Failed+s.Errored+s.TimedOut, s.Skipped, s.Total)
	if r.Pass {
		fmt.Fprintln(w, "✓ All cases passed")
	}
	return nil
}

func detail(c Case) string {
	switch {
	case c.Outcome == verdict.Skipped:
		return c.SkipReason
	case len(c.Diagnostics) > 0:
		return fmt.Sprintf("%d diagnostic(s)", len(c.Diagnostics))
	}
	return ""
}

func formatDuration(ms int64) string {
	return (time.Duration(ms) * time.Millisecond).String()
}

func colorize(o verdict.Outcome, color bool) string {
	if !color {
		return string(o)
	}
	switch o {
	case verdict.Pass:
		return text.FgGreen.Sprint(o)
	case verdict.Skipped:
		return text.FgYellow.Sprint(o)
	}
	return text.FgRed.Sprint(o)
}
