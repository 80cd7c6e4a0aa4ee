package cli

import (
	"fmt"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/cobra"

	"github.com/roach88/tracebed/internal/report"
	"github.com/roach88/tracebed/internal/store"
)

// HistoryOptions holds flags for the history command.
type HistoryOptions struct {
	*RootOptions
	Database string
	Limit    int

	// Run shows the verdicts of one run instead of the run list.
	Run string
}

// NewHistoryCommand creates the history command.
func NewHistoryCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &HistoryOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recorded runs",
		Long: `List the suite runs recorded with "tracebed run --db", newest first.

With --run, print the full report of one run. Run IDs may be abbreviated
to any unique prefix.

Examples:
  tracebed history --db runs.db
  tracebed history --db runs.db --run 0190a1b2`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHistory(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (required)")
	cmd.Flags().IntVarP(&opts.Limit, "limit", "n", 20, "max runs to list (0 for all)")
	cmd.Flags().StringVar(&opts.Run, "run", "", "show the report of one run")
	_ = cmd.MarkFlagRequired("db")

	return cmd
}

func runHistory(opts *HistoryOptions, cmd *cobra.Command) error {
	f := newFormatter(opts.RootOptions, cmd)
	ctx := cmd.Context()

	st, err := openExistingStore(opts.Database, f)
	if err != nil {
		return err
	}
	defer st.Close()

	if opts.Run != "" {
		return showRun(f, st, opts.Run, cmd)
	}

	runs, err := st.Runs(ctx, opts.Limit)
	if err != nil {
		return f.Fail(ExitCommandError, ErrCodeStore, err.Error(), nil)
	}

	if f.IsJSON() {
		return f.Success(runs)
	}
	if len(runs) == 0 {
		fmt.Fprintln(f.Writer, "No runs recorded.")
		return nil
	}

	t := table.NewWriter()
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"RUN", "SUITE", "DIGEST", "STARTED", "DURATION", "RESULT", "PASSED", "FAILED", "SKIPPED"})
	for _, r := range runs {
		result := text.FgGreen.Sprint("pass")
		if !r.Pass {
			result = text.FgRed.Sprint("fail")
		}
		c := r.Counts
		t.AppendRow(table.Row{
			store.ShortID(r.ID),
			r.Suite,
			shortDigest(r.SuiteDigest),
			r.Started.Local().Format(time.DateTime),
			r.Duration.Round(time.Millisecond),
			result,
			c.Passed,
			c.Failed + c.Errored + c.TimedOut,
			c.Skipped,
		})
	}
	fmt.Fprintln(f.Writer, t.Render())
	return nil
}

// showRun prints the stored report of one run.
func showRun(f *OutputFormatter, st *store.Store, id string, cmd *cobra.Command) error {
	ctx := cmd.Context()

	run, err := st.Run(ctx, id)
	if err != nil {
		return storeLookupError(f, err)
	}
	verdicts, err := st.Verdicts(ctx, run.ID)
	if err != nil {
		return f.Fail(ExitCommandError, ErrCodeStore, err.Error(), nil)
	}

	rep := &report.Report{
		Suite:      run.Suite,
		RunID:      run.ID,
		Pass:       run.Pass,
		Started:    run.Started,
		DurationMS: run.Duration.Milliseconds(),
		Summary:    run.Counts,
		Cases:      make([]report.Case, 0, len(verdicts)),
		Errors:     run.Errors,
	}
	for _, v := range verdicts {
		rep.Cases = append(rep.Cases, report.FromVerdict(v))
	}

	if f.IsJSON() {
		return f.Success(rep)
	}
	if err := report.WriteText(f.Writer, rep, report.TextOptions{}); err != nil {
		return WrapExitError(ExitCommandError, "failed to write report", err)
	}
	return nil
}

func shortDigest(d string) string {
	if len(d) > 8 {
		return d[:8]
	}
	if d == "" {
		return "-"
	}
	return d
}
