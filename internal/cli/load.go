package cli

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/roach88/tracebed/internal/config"
	"github.com/roach88/tracebed/internal/store"
	"github.com/roach88/tracebed/internal/suite"
)

// suiteErrorDetails is the JSON detail of a suite description error.
type suiteErrorDetails struct {
	Code  suite.ErrorCode `json:"code"`
	Case  string          `json:"case,omitempty"`
	Field string          `json:"field,omitempty"`
}

func newFormatter(opts *RootOptions, cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(), // Verbose logs go to stderr to avoid corrupting JSON
		Verbose:   opts.Verbose,
	}
}

// loadConfig loads the harness configuration named by --config, reporting
// failures as command errors.
func loadConfig(opts *RootOptions, f *OutputFormatter) (*config.Config, error) {
	if opts.Config != "" {
		if _, err := os.Stat(opts.Config); errors.Is(err, os.ErrNotExist) {
			return nil, f.Fail(ExitCommandError, ErrCodeNotFound,
				fmt.Sprintf("config file not found: %s", opts.Config), nil)
		}
	}
	cfg, err := config.LoadOrDefault(opts.Config)
	if err != nil {
		return nil, f.Fail(ExitCommandError, ErrCodeConfig, err.Error(), nil)
	}
	if cfg.Path() != "" {
		f.VerboseLog("Loaded config %s", cfg.Path())
	}
	return cfg, nil
}

// loadSuite reads and validates the suite at path against the components
// registered in cfg.
func loadSuite(path string, cfg *config.Config, f *OutputFormatter) (*suite.Suite, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil, f.Fail(ExitCommandError, ErrCodeNotFound,
			fmt.Sprintf("suite file not found: %s", path), nil)
	}

	reg, err := cfg.Registry()
	if err != nil {
		return nil, f.Fail(ExitCommandError, ErrCodeConfig, err.Error(), nil)
	}

	s, err := suite.Load(path, reg)
	if err != nil {
		var ce *suite.ConfigError
		if errors.As(err, &ce) {
			return nil, f.Fail(ExitCommandError, ErrCodeSuite, err.Error(),
				suiteErrorDetails{Code: ce.Code, Case: ce.Case, Field: ce.Field})
		}
		return nil, f.Fail(ExitCommandError, ErrCodeSuite, err.Error(), nil)
	}
	f.VerboseLog("Loaded suite %q with %d case(s) from %s", s.Name, len(s.Cases), path)
	return s, nil
}

// openStore opens the run history database at path.
func openStore(path string, f *OutputFormatter) (*store.Store, error) {
	if path == "" {
		return nil, f.Fail(ExitCommandError, ErrCodeStore, "--db is required", nil)
	}
	st, err := store.Open(path)
	if err != nil {
		return nil, f.Fail(ExitCommandError, ErrCodeStore, fmt.Sprintf("failed to open database: %v", err), nil)
	}
	return st, nil
}

// openExistingStore opens a database that must already exist.
func openExistingStore(path string, f *OutputFormatter) (*store.Store, error) {
	if path != "" {
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			return nil, f.Fail(ExitCommandError, ErrCodeNotFound,
				fmt.Sprintf("database not found: %s", path), nil)
		}
	}
	return openStore(path, f)
}
