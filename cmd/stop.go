package cmd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"stackctl/internal/api"
	"stackctl/internal/orchestrator"
)

var (
	stopWait    bool
	stopTimeout time.Duration
)

func newStopCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Ask a running stack to shut down",
		Long: `Requests an orderly shutdown of the stack started by "stackctl up".
Services stop in reverse dependency order. With --wait the command follows
the teardown until the control API of the stack has gone away.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client := newAPIClient()
			ctx := cmd.Context()

			reqCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			resp, err := client.Stop(reqCtx)
			cancel()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "stop requested (phase: %s)\n", resp.Phase)
			if !stopWait {
				return nil
			}
			return waitStopped(ctx, cmd, client)
		},
	}
	cmd.Flags().BoolVar(&stopWait, "wait", false, "Wait until the stack has stopped")
	cmd.Flags().DurationVar(&stopTimeout, "timeout", 5*time.Minute, "How long --wait waits")
	return cmd
}

// waitStopped polls the status until the API stops answering, printing
// each service as it reaches stopped or failed.
func waitStopped(ctx context.Context, cmd *cobra.Command, client *api.Client) error {
	ctx, cancel := context.WithTimeout(ctx, stopTimeout)
	defer cancel()

	reported := map[string]bool{}
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		status, err := client.Status(ctx)
		if err != nil {
			var statusErr *api.StatusError
			if errors.As(err, &statusErr) || ctx.Err() != nil {
				return err
			}
			// Connection refused: the stack is gone.
			fmt.Fprintln(cmd.OutOrStdout(), "stack stopped")
			return nil
		}
		for _, s := range status.Services {
			if reported[s.Name] || (s.State != "stopped" && s.State != "failed") {
				continue
			}
			reported[s.Name] = true
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", s.State, s.Name)
		}
		if status.Phase == orchestrator.PhaseStopped {
			fmt.Fprintln(cmd.OutOrStdout(), "stack stopped")
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("stack still %s: %w", status.Phase, ctx.Err())
		case <-ticker.C:
		}
	}
}
