package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/tracebed/internal/harness"
	"github.com/roach88/tracebed/internal/suite"
)

// ValidationResult holds validation results.
type ValidationResult struct {
	Valid bool          `json:"valid"`
	Suite string        `json:"suite"`
	Cases []CaseSummary `json:"cases"`
}

// CaseSummary describes one validated case.
type CaseSummary struct {
	Name      string     `json:"name"`
	Kind      suite.Kind `json:"kind"`
	Processes int        `json:"processes"`
	Rules     int        `json:"rules"`
	Skip      string     `json:"skip,omitempty"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <suite>",
		Short: "Validate a suite without launching anything",
		Long: `Parse and validate a suite description and build the launch plan
of every case without starting a process.

Unknown trace components, invalid levels and unsupported case kinds are
reported with their error code and exit 2.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true, // Don't print usage on errors
		SilenceErrors: true, // Don't print errors - we handle our own error output
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(rootOpts, args[0], cmd)
		},
	}

	return cmd
}

func runValidate(opts *RootOptions, suitePath string, cmd *cobra.Command) error {
	f := newFormatter(opts, cmd)

	cfg, err := loadConfig(opts, f)
	if err != nil {
		return err
	}
	s, err := loadSuite(suitePath, cfg, f)
	if err != nil {
		return err
	}
	h, err := harness.New(harness.Options{Config: cfg})
	if err != nil {
		return f.Fail(ExitCommandError, ErrCodeConfig, err.Error(), nil)
	}

	result := ValidationResult{Valid: true, Suite: s.Name, Cases: make([]CaseSummary, 0, len(s.Cases))}
	for i := range s.Cases {
		c := &s.Cases[i]
		plan, err := h.Plan(c, i)
		if err != nil {
			return f.Fail(ExitCommandError, ErrCodeSuite, fmt.Sprintf("case %q: %v", c.Name, err), nil)
		}
		result.Cases = append(result.Cases, CaseSummary{
			Name:      c.Name,
			Kind:      c.Kind,
			Processes: len(plan.Processes),
			Rules:     len(plan.Expect.Rules) + len(plan.Expect.Ordered),
			Skip:      c.Skip,
		})
		f.VerboseLog("Case %s: %d process(es)", c.Name, len(plan.Processes))
	}

	if f.IsJSON() {
		return f.Success(result)
	}
	return f.Success(fmt.Sprintf("✓ Suite %q is valid (%d case(s))", s.Name, len(s.Cases)))
}
