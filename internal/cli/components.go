package cli

import (
	"fmt"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/roach88/tracebed/internal/trace"
)

// NewComponentsCommand creates the components command.
func NewComponentsCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "components",
		Short: "List the trace components suites may reference",
		Long: `List the built-in trace components plus those registered by the
harness config, with the category label and environment variable each uses.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runComponents(rootOpts, cmd)
		},
	}
	return cmd
}

func runComponents(opts *RootOptions, cmd *cobra.Command) error {
	f := newFormatter(opts, cmd)

	cfg, err := loadConfig(opts, f)
	if err != nil {
		return err
	}
	reg, err := cfg.Registry()
	if err != nil {
		return f.Fail(ExitCommandError, ErrCodeConfig, err.Error(), nil)
	}
	components := reg.Components()

	if f.IsJSON() {
		if components == nil {
			components = []trace.Component{}
		}
		return f.Success(components)
	}

	t := table.NewWriter()
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"COMPONENT", "CATEGORY", "ENV"})
	for _, c := range components {
		env := c.Env
		if env == "" {
			env = "-"
		}
		t.AppendRow(table.Row{c.Name, c.Category, env})
	}
	fmt.Fprintln(f.Writer, t.Render())
	return nil
}
