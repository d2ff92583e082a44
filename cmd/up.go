package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"stackctl/internal/app"
)

var (
	upTUI       bool
	upDebug     bool
	upNoAPI     bool
	upAPIListen string
)

func newUpCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "up",
		Short: "Start the stack and keep it running until stopped",
		Long: `Starts every service of the stack level by level. A level starts only
once every service of the previous level is running and healthy. The stack
stays up until Ctrl+C, SIGTERM, "stackctl stop" or a service failing for good;
it is then torn down in reverse order and a run report is printed.

SIGHUP re-reads the stack file and reports what changed without touching
running services.

Exit status: 0 when the run ended cleanly, 1 when a service failed, 2 for an
invalid stack file.`,
		Args: cobra.NoArgs,
		RunE: runUp,
	}
	cmd.Flags().BoolVar(&upTUI, "tui", false, "Show the live dashboard")
	cmd.Flags().BoolVar(&upDebug, "debug", false, "Enable debug logging")
	cmd.Flags().BoolVar(&upNoAPI, "no-api", false, "Do not serve the control API")
	cmd.Flags().StringVar(&upAPIListen, "listen", "", "Control API listen address (default from settings)")
	return cmd
}

func runUp(cmd *cobra.Command, _ []string) error {
	cfg := app.NewConfig(stackFile, upTUI, upDebug)
	cfg.NoAPI = upNoAPI
	cfg.APIListen = upAPIListen

	application, err := app.NewApplication(cfg)
	if err != nil {
		return withExitCode(fmt.Errorf("failed to initialize stack: %w", err))
	}
	_, err = application.Run(cmd.Context())
	return withExitCode(err)
}
