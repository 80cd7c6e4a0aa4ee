package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/briandowns/spinner"
	"github.com/spf13/cobra"

	"github.com/roach88/tracebed/internal/harness"
	"github.com/roach88/tracebed/internal/report"
	"github.com/roach88/tracebed/internal/suite"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	Parallel int
	FailFast bool
	Filter   string
	Database string
	Progress bool
	Color    bool

	// Timeout overrides the suite timeout of the config. Negative disables it.
	Timeout time.Duration

	// Now overrides the harness clock (for testing).
	Now func() time.Time
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run <suite>",
		Short: "Run a test suite",
		Long: `Run every case of a suite and report the verdicts.

Suites are YAML, JSON or CUE files. Each case gets its own port block;
independent cases may run concurrently with --parallel.

Exit codes:
  0 - All cases passed (skipped cases do not fail the suite)
  1 - One or more cases failed, errored or timed out
  2 - Configuration or command error

Examples:
  tracebed run suites/events.yaml
  tracebed run suites/events.yaml --filter "multi-*" --fail-fast
  tracebed run suites/events.cue --parallel 4 --db runs.db
  tracebed run suites/events.yaml --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runSuite(ctx, opts, args[0], cmd)
		},
	}

	addRunFlags(cmd, opts)
	return cmd
}

func addRunFlags(cmd *cobra.Command, opts *RunOptions) {
	cmd.Flags().IntVarP(&opts.Parallel, "parallel", "p", 0, "max concurrent independent cases (default from config)")
	cmd.Flags().BoolVar(&opts.FailFast, "fail-fast", false, "skip remaining cases after the first failure")
	cmd.Flags().StringVar(&opts.Filter, "filter", "", "run only cases matching a glob pattern")
	cmd.Flags().StringVar(&opts.Database, "db", "", "record the run in this SQLite database")
	cmd.Flags().BoolVar(&opts.Progress, "progress", false, "show a progress spinner on stderr")
	cmd.Flags().BoolVar(&opts.Color, "color", false, "colorize outcomes in text output")
	cmd.Flags().DurationVar(&opts.Timeout, "timeout", 0, "suite timeout (default from config, negative disables)")
}

func runSuite(ctx context.Context, opts *RunOptions, suitePath string, cmd *cobra.Command) error {
	f := newFormatter(opts.RootOptions, cmd)

	rep, err := executeSuite(ctx, opts, suitePath, f, cmd)
	if err != nil {
		return err
	}
	return outputReport(f, rep, opts.Color)
}

// executeSuite loads, runs and optionally records a suite.
func executeSuite(ctx context.Context, opts *RunOptions, suitePath string, f *OutputFormatter, cmd *cobra.Command) (*report.Report, error) {
	if opts.Parallel < 0 {
		return nil, f.Fail(ExitCommandError, ErrCodeGeneric, "--parallel must not be negative", nil)
	}

	cfg, err := loadConfig(opts.RootOptions, f)
	if err != nil {
		return nil, err
	}
	s, err := loadSuite(suitePath, cfg, f)
	if err != nil {
		return nil, err
	}
	s, err = s.Filter(opts.Filter)
	if err != nil {
		return nil, f.Fail(ExitCommandError, ErrCodeGeneric, err.Error(), nil)
	}

	logger := newLogger(cmd.ErrOrStderr(), opts.Verbose)
	hopts := harness.Options{
		Config:   cfg,
		Parallel: opts.Parallel,
		FailFast: opts.FailFast,
		Timeout:  opts.Timeout,
		Logger:   logger,
		Now:      opts.Now,
	}
	if opts.Progress && !f.IsJSON() {
		p := newProgress(cmd, len(s.Cases))
		hopts.OnCaseStart = p.start
		hopts.OnCaseDone = p.done
		defer p.stop()
	}

	h, err := harness.New(hopts)
	if err != nil {
		return nil, f.Fail(ExitCommandError, ErrCodeConfig, err.Error(), nil)
	}
	res := h.RunSuite(ctx, s)

	var runID string
	if opts.Database != "" {
		runID, err = record(ctx, opts.Database, res, suitePath, logger, f)
		if err != nil {
			return nil, err
		}
	}
	return report.New(res, runID), nil
}

func record(ctx context.Context, path string, res *harness.SuiteResult, suitePath string, logger *slog.Logger, f *OutputFormatter) (string, error) {
	st, err := openStore(path, f)
	if err != nil {
		return "", err
	}
	defer st.Close()

	// The run context may be cancelled already; the result is still worth keeping.
	id, err := st.SaveRun(context.WithoutCancel(ctx), res, suitePath)
	if err != nil {
		return "", f.Fail(ExitCommandError, ErrCodeStore, fmt.Sprintf("failed to record run: %v", err), nil)
	}
	logger.Info("run recorded", "run", id, "db", path)
	return id, nil
}

// outputReport prints rep and maps a failing suite to ExitFailure.
func outputReport(f *OutputFormatter, rep *report.Report, color bool) error {
	if f.IsJSON() {
		if rep.Pass {
			return f.Success(rep)
		}
		return f.Fail(ExitFailure, ErrCodeTestFailed, failureMessage(rep), rep)
	}

	if err := report.WriteText(f.Writer, rep, report.TextOptions{Color: color}); err != nil {
		return WrapExitError(ExitCommandError, "failed to write report", err)
	}
	if !rep.Pass {
		return &ExitError{Code: ExitFailure, Message: failureMessage(rep), Reported: true}
	}
	return nil
}

func failureMessage(rep *report.Report) string {
	s := rep.Summary
	failed := s.Failed + s.Errored + s.TimedOut
	if failed == 0 && len(rep.Errors) > 0 {
		return rep.Errors[0]
	}
	return fmt.Sprintf("%d of %d case(s) failed", failed, s.Total)
}

// progress drives the --progress spinner. Cases may finish concurrently.
type progress struct {
	mu       sync.Mutex
	s        *spinner.Spinner
	total    int
	finished int
	running  map[int]string
}

func newProgress(cmd *cobra.Command, total int) *progress {
	s := spinner.New(spinner.CharSets[14], 100*time.Millisecond, spinner.WithWriter(cmd.ErrOrStderr()))
	p := &progress{s: s, total: total, running: make(map[int]string)}
	p.s.Suffix = p.suffix()
	p.s.Start()
	return p
}

func (p *progress) start(index int, c *suite.Case) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.running[index] = c.Name
	p.update()
}

func (p *progress) done(r harness.CaseResult) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.running, r.Index)
	p.finished++
	p.update()
}

func (p *progress) update() {
	p.s.Lock()
	p.s.Suffix = p.suffix()
	p.s.Unlock()
}

func (p *progress) suffix() string {
	name := ""
	for i := 0; i < p.total && name == ""; i++ {
		name = p.running[i]
	}
	if name == "" {
		return fmt.Sprintf(" [%d/%d]", p.finished, p.total)
	}
	return fmt.Sprintf(" [%d/%d] %s", p.finished, p.total, name)
}

func (p *progress) stop() {
	p.s.Stop()
}
