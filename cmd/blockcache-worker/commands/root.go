// Package commands implements the blockcache-worker CLI.
package commands

import (
	"github.com/spf13/cobra"
)

var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:           "blockcache-worker",
	Short:         "Run a distributed block-cache worker (rank >= 1)",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to config file")
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(versionCmd)
}
