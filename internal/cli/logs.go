package cli

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/tracebed/internal/capture"
	"github.com/roach88/tracebed/internal/store"
)

// LogsOptions holds flags for the logs command.
type LogsOptions struct {
	*RootOptions
	Database string
	Process  string
	Stream   string
}

// NewLogsCommand creates the logs command.
func NewLogsCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &LogsOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "logs <run-id> <case>",
		Short: "Print the captured output of a recorded case",
		Long: `Print the merged, time-ordered output of every process of one case
of a recorded run. Use "latest" as the run ID for the most recent run.

Examples:
  tracebed logs --db runs.db latest multi-client
  tracebed logs --db runs.db 0190a1b2 pubsub --process server --stream stderr`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLogs(opts, args[0], args[1], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (required)")
	cmd.Flags().StringVar(&opts.Process, "process", "", "only lines of this process or role")
	cmd.Flags().StringVar(&opts.Stream, "stream", "any", "only lines of this stream (stdout|stderr|any)")
	_ = cmd.MarkFlagRequired("db")

	return cmd
}

func runLogs(opts *LogsOptions, runID, caseName string, cmd *cobra.Command) error {
	f := newFormatter(opts.RootOptions, cmd)
	ctx := cmd.Context()

	stream := capture.Stream(opts.Stream)
	if !stream.Valid() {
		return f.Fail(ExitCommandError, ErrCodeGeneric,
			fmt.Sprintf("invalid stream %q: must be stdout, stderr or any", opts.Stream), nil)
	}

	st, err := openExistingStore(opts.Database, f)
	if err != nil {
		return err
	}
	defer st.Close()

	var run store.RunSummary
	if runID == "latest" {
		run, err = st.Latest(ctx)
	} else {
		run, err = st.Run(ctx, runID)
	}
	if err != nil {
		return storeLookupError(f, err)
	}

	lines, err := st.Lines(ctx, run.ID, caseName)
	if err != nil {
		return storeLookupError(f, err)
	}
	lines = capture.Filter(lines, func(l capture.Line) bool {
		if opts.Process != "" && l.Process != opts.Process && l.Role != opts.Process {
			return false
		}
		return stream.Matches(l.Stream)
	})

	if f.IsJSON() {
		if lines == nil {
			lines = []capture.Line{}
		}
		return f.Success(lines)
	}
	for _, l := range lines {
		fmt.Fprintf(f.Writer, "%s %s/%s: %s\n", l.Time.Format(time.TimeOnly+".000"), l.Process, l.Stream, l.Text)
	}
	return nil
}

// storeLookupError reports a failed run or case lookup.
func storeLookupError(f *OutputFormatter, err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return f.Fail(ExitCommandError, ErrCodeNotFound, err.Error(), nil)
	}
	return f.Fail(ExitCommandError, ErrCodeStore, err.Error(), nil)
}
