// Package app provides the entry point for the queryforged daemon.
package app

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/queryforge/queryforge/pkg/logger"
)

var rootCmd = &cobra.Command{
	Use:               "queryforged",
	DisableAutoGenTag: true,
	Short:             "queryforged runs isolated database sandboxes for interactive learning",
	Long: `queryforged is the sandbox execution daemon behind the query practice UI.
It validates incoming queries, executes them against per-user isolated
SQLite, PostgreSQL, MariaDB, MongoDB, and Redis sandboxes, keeps
interactive sessions alive across requests, and grades results against
expected answers.`,
	Run: func(cmd *cobra.Command, _ []string) {
		// If no subcommand is provided, print help
		if err := cmd.Help(); err != nil {
			logger.Errorf("Error displaying help: %v", err)
		}
	},
}

// NewRootCmd creates a new root command for the queryforged daemon.
func NewRootCmd() *cobra.Command {
	rootCmd.PersistentFlags().Bool("debug", false, "Enable debug mode")
	if err := viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug")); err != nil {
		logger.Errorf("Error binding debug flag: %v", err)
	}

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)

	return rootCmd
}
