package cmd

import (
	"github.com/spf13/cobra"

	"stackctl/internal/app"
	"stackctl/internal/tui"
)

func newPlanCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "plan",
		Short: "Show startup levels and orders",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			stack, graph, err := app.Inspect(stackFile)
			if err != nil {
				return withExitCode(err)
			}
			return tui.RenderPlan(cmd.OutOrStdout(), stack, graph)
		},
	}
}
