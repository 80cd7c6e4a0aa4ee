package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	"github.com/roach88/tracebed/internal/config"
)

// WatchOptions holds flags for the watch command.
type WatchOptions struct {
	RunOptions
	Debounce time.Duration

	// MaxRuns stops watching after that many runs. Zero watches until
	// interrupted.
	MaxRuns int

	// ready is signalled once the watches are in place (for testing).
	ready chan<- struct{}
}

// NewWatchCommand creates the watch command.
func NewWatchCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &WatchOptions{RunOptions: RunOptions{RootOptions: rootOpts}}

	cmd := &cobra.Command{
		Use:   "watch <suite>",
		Short: "Rerun a suite whenever it or the config changes",
		Long: `Run a suite, then run it again every time the suite file or the
harness config file is saved. Failing runs do not stop the watch.

Press Ctrl-C to stop.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runWatch(ctx, opts, args[0], cmd)
		},
	}

	addRunFlags(cmd, &opts.RunOptions)
	cmd.Flags().DurationVar(&opts.Debounce, "debounce", 300*time.Millisecond, "quiet period before rerunning")
	cmd.Flags().IntVar(&opts.MaxRuns, "max-runs", 0, "stop after this many runs")
	_ = cmd.Flags().MarkHidden("max-runs")

	return cmd
}

func runWatch(ctx context.Context, opts *WatchOptions, suitePath string, cmd *cobra.Command) error {
	f := newFormatter(opts.RootOptions, cmd)
	logger := newLogger(cmd.ErrOrStderr(), opts.Verbose)

	targets, err := watchTargets(suitePath, opts.Config)
	if err != nil {
		return f.Fail(ExitCommandError, ErrCodeNotFound, err.Error(), nil)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to create file watcher", err)
	}
	defer watcher.Close()

	// Watch directories: editors often replace files by renaming over them,
	// which drops a watch placed on the file itself.
	dirs := map[string]bool{}
	for path := range targets {
		dir := filepath.Dir(path)
		if dirs[dir] {
			continue
		}
		if err := watcher.Add(dir); err != nil {
			return WrapExitError(ExitCommandError, fmt.Sprintf("failed to watch %s", dir), err)
		}
		dirs[dir] = true
		logger.Debug("watching directory", "dir", dir)
	}
	if opts.ready != nil {
		close(opts.ready)
	}

	var (
		runs    int
		lastErr error
		reason  = "initial run"
	)
	for {
		runs++
		if !f.IsJSON() {
			fmt.Fprintf(f.Writer, "--- run %d (%s) ---\n", runs, reason)
		}
		lastErr = watchRun(ctx, &opts.RunOptions, suitePath, f, cmd)
		if opts.MaxRuns > 0 && runs >= opts.MaxRuns {
			return lastErr
		}

		changed, ok := awaitChange(ctx, watcher, targets, opts.Debounce, logger)
		if !ok {
			return nil
		}
		reason = "changed: " + filepath.Base(changed)
		logger.Info("rerunning suite", "changed", changed)
	}
}

// watchRun runs the suite once. Failures are reported, not returned as
// fatal, so the watch goes on.
func watchRun(ctx context.Context, opts *RunOptions, suitePath string, f *OutputFormatter, cmd *cobra.Command) error {
	rep, err := executeSuite(ctx, opts, suitePath, f, cmd)
	if err != nil {
		var exitErr *ExitError
		if !errors.As(err, &exitErr) || !exitErr.Reported {
			fmt.Fprintf(f.GetErrWriter(), "Error: %v\n", err)
		}
		return err
	}
	return outputReport(f, rep, opts.Color)
}

// watchTargets returns the absolute paths whose changes trigger a rerun.
func watchTargets(suitePath, configPath string) (map[string]bool, error) {
	targets := map[string]bool{}

	abs, err := filepath.Abs(suitePath)
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(abs); err != nil {
		return nil, fmt.Errorf("suite file not found: %s", suitePath)
	}
	targets[abs] = true

	if configPath == "" {
		if _, err := os.Stat(config.DefaultFile); err != nil {
			return targets, nil
		}
		configPath = config.DefaultFile
	}
	abs, err = filepath.Abs(configPath)
	if err != nil {
		return nil, err
	}
	targets[abs] = true
	return targets, nil
}

// awaitChange blocks until a target changes and no further event arrives
// for the debounce period. It returns false when ctx is done or the
// watcher closed.
func awaitChange(ctx context.Context, w *fsnotify.Watcher, targets map[string]bool, debounce time.Duration, logger *slog.Logger) (string, bool) {
	var (
		changed string
		timer   *time.Timer
		fire    <-chan time.Time
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return "", false

		case event, ok := <-w.Events:
			if !ok {
				return "", false
			}
			if !relevant(event, targets) {
				continue
			}
			changed = event.Name
			if timer == nil {
				timer = time.NewTimer(debounce)
			} else {
				timer.Reset(debounce)
			}
			fire = timer.C

		case err, ok := <-w.Errors:
			if !ok {
				return "", false
			}
			logger.Warn("file watcher error", "error", err)

		case <-fire:
			return changed, true
		}
	}
}

func relevant(event fsnotify.Event, targets map[string]bool) bool {
	if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
		return false
	}
	abs, err := filepath.Abs(event.Name)
	if err != nil {
		return false
	}
	return targets[abs]
}
