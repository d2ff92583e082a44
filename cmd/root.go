package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

// stackFile is the stack definition shared by every command.
var stackFile string

// apiAddr is where status and stop find a running stack.
var apiAddr string

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "stackctl",
	Short: "Run a stack of dependent services on one host",
	Long: `stackctl starts a declared set of services (containers or local commands)
in dependency order, waits for each level to pass its health checks before
starting the next, restarts failed services per policy and routes every
service's output to its log sink. Stopping tears the stack down in reverse
order.`,
	// SilenceUsage is set to true to prevent printing usage message on errors
	// handled by us (e.g. invalid stack files, failed services)
	SilenceUsage: true,
}

// SetVersion sets the version for the root command
func SetVersion(v string) {
	rootCmd.Version = v
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	rootCmd.SetVersionTemplate(`{{printf "stackctl version %s\n" .Version}}`)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(exitCodeFor(err))
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&stackFile, "file", "f", "", "stack file (default ./stack.yaml)")
	rootCmd.PersistentFlags().StringVar(&apiAddr, "api", "", "control API address of a running stack (default from settings)")

	rootCmd.AddCommand(newUpCmd())
	rootCmd.AddCommand(newValidateCmd())
	rootCmd.AddCommand(newPlanCmd())
	rootCmd.AddCommand(newStatusCmd())
	rootCmd.AddCommand(newStopCmd())
	rootCmd.AddCommand(newVersionCmd())
}
