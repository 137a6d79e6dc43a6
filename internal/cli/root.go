// Package cli implements the vmwarden command line interface.
package cli

import (
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "vmwarden",
	Short: "Authorization and audit core for sandboxed agent VMs",
	Long: "Mediates every agent-to-VM action through declarative policy,\n" +
		"freezes roles into sessions at bind time, and records every\n" +
		"decision in a hash-chained append-only ledger.",
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
