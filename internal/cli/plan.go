package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/roach88/tracebed/internal/harness"
	"github.com/roach88/tracebed/internal/topology"
)

// PlanOptions holds flags for the plan command.
type PlanOptions struct {
	*RootOptions
	Filter string
}

// NewPlanCommand creates the plan command.
func NewPlanCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &PlanOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "plan <suite>",
		Short: "Print the launch plan of every case",
		Long: `Print the processes, ranks, ports and faults each case would launch,
with arguments rendered, without starting anything.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPlan(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Filter, "filter", "", "plan only cases matching a glob pattern")
	return cmd
}

func runPlan(opts *PlanOptions, suitePath string, cmd *cobra.Command) error {
	f := newFormatter(opts.RootOptions, cmd)

	cfg, err := loadConfig(opts.RootOptions, f)
	if err != nil {
		return err
	}
	s, err := loadSuite(suitePath, cfg, f)
	if err != nil {
		return err
	}
	filtered, err := s.Filter(opts.Filter)
	if err != nil {
		return f.Fail(ExitCommandError, ErrCodeGeneric, err.Error(), nil)
	}
	h, err := harness.New(harness.Options{Config: cfg})
	if err != nil {
		return f.Fail(ExitCommandError, ErrCodeConfig, err.Error(), nil)
	}

	// Ports follow the position in the run, so plan the filtered suite
	// exactly as run would.
	plans := make([]*topology.Plan, 0, len(filtered.Cases))
	for i := range filtered.Cases {
		plan, err := h.Plan(&filtered.Cases[i], i)
		if err != nil {
			return f.Fail(ExitCommandError, ErrCodeSuite, fmt.Sprintf("case %q: %v", filtered.Cases[i].Name, err), nil)
		}
		plans = append(plans, plan)
	}

	if f.IsJSON() {
		return f.Success(plans)
	}
	for i, plan := range plans {
		if i > 0 {
			fmt.Fprintln(f.Writer)
		}
		writePlan(f.Writer, plan)
	}
	return nil
}

func writePlan(w io.Writer, plan *topology.Plan) {
	fmt.Fprintf(w, "Case: %s (%s) ports %d-%d\n", plan.Case, plan.Kind,
		plan.Ports.Base, plan.Ports.Base+plan.Ports.Size-1)

	t := table.NewWriter()
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"RANK", "PROCESS", "ROLE", "LIFETIME", "COMMAND"})
	for _, p := range plan.Processes {
		command := strings.TrimSpace(p.Command + " " + strings.Join(p.Args, " "))
		if p.Command == "" {
			command = "(no executable)"
		}
		if p.LaunchDelay > 0 {
			command = fmt.Sprintf("%s  [+%s]", command, p.LaunchDelay)
		}
		t.AppendRow(table.Row{p.Rank, p.Name, p.Role, p.Lifetime, command})
	}
	fmt.Fprintln(w, t.Render())

	for _, fault := range plan.Faults {
		fmt.Fprintf(w, "fault: %s %s", fault.Action, fault.Target)
		switch {
		case fault.OnOutput != "":
			fmt.Fprintf(w, " on output %q", fault.OnOutput)
		case fault.After > 0:
			fmt.Fprintf(w, " after %s", fault.After)
		}
		fmt.Fprintln(w)
	}
	fmt.Fprintf(w, "rules: %d, ordered: %d, timeout: %s\n",
		len(plan.Expect.Rules), len(plan.Expect.Ordered), plan.Timeout)
}
