package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"stackctl/internal/app"
)

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check the stack file without starting anything",
		Long: `Parses the stack file, validates every service definition and builds the
dependency graph. Unknown dependencies and cycles are reported with the
services involved.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			stack, graph, err := app.Inspect(stackFile)
			if err != nil {
				return withExitCode(err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "stack %s is valid: %d services in %d levels\n",
				stack.Name, graph.Len(), len(graph.Levels()))
			return nil
		},
	}
}
