// Package commands implements the connsysctl CLI commands.
package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/bmwcarit/ramses-connsys/internal/control"
)

var (
	// client is the control-plane HTTP client, initialized in PersistentPreRunE.
	client *control.Client

	// outputFormat controls the output format for all commands (table, json or yaml).
	outputFormat string

	// serverAddr is the daemon's control-plane address (host:port).
	serverAddr string
)

// rootCmd is the top-level cobra command for connsysctl.
var rootCmd = &cobra.Command{
	Use:   "connsysctl",
	Short: "CLI client for the connection-management daemon",
	Long:  "connsysctl talks to connsysd's control-plane HTTP API to inspect participants.",
	PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
		client = control.NewClient("http://" + serverAddr)
		return nil
	},
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverAddr, "addr", "localhost:8780",
		"connsysd control-plane address (host:port)")
	rootCmd.PersistentFlags().StringVar(&outputFormat, "format", "table",
		"output format: table, json, yaml")

	rootCmd.AddCommand(participantsCmd())
	rootCmd.AddCommand(monitorCmd())
	rootCmd.AddCommand(versionCmd())
}

// Execute runs the root command and exits with code 1 on error.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
