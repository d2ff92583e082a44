package cmd

import (
	"context"
	"encoding/json"
	"time"

	"github.com/spf13/cobra"

	"stackctl/internal/api"
	"stackctl/internal/config"
	"stackctl/internal/tui"
)

var statusJSON bool

func newStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the services of a running stack",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()

			status, err := newAPIClient().Status(ctx)
			if err != nil {
				return err
			}
			if statusJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(status)
			}
			return tui.RenderStatus(cmd.OutOrStdout(), status.Stack, status.RunID, status.Phase, status.Services, time.Now())
		},
	}
	cmd.Flags().BoolVar(&statusJSON, "json", false, "Print the raw status document")
	return cmd
}

// newAPIClient targets --api, or the listen address from settings.
func newAPIClient() *api.Client {
	addr := apiAddr
	if addr == "" {
		addr = config.DefaultAPIListen
		if settings, err := config.LoadSettings(); err == nil && settings.API.Listen != "" {
			addr = settings.API.Listen
		}
	}
	return api.NewClient(addr)
}
