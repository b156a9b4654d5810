// Package commands implements the blockcache-manager CLI.
package commands

import (
	"github.com/spf13/cobra"
)

var (
	// Version information injected at build time.
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:           "blockcache-manager",
	Short:         "Run the distributed block-cache manager (rank 0)",
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to config file")
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(versionCmd)
}
