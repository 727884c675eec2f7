// Package commands provides the CLI commands for the agentation broker.
package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/agentation/broker/internal/logging"
)

// Version information set at build time.
var (
	Version   = "0.1.0"
	BuildTime = "dev"
)

// Global flags.
var (
	printLogs bool
	logLevel  string
)

var rootCmd = &cobra.Command{
	Use:   "agentation",
	Short: "agentation - local annotation broker",
	Long: `agentation is a long-lived process that ingests structured
UI-feedback annotations from browser clients and exposes them to AI
coding agents over an HTTP surface, Server-Sent Events, and the Agent
Control Protocol.

Run 'agentation server' to start the broker.`,
	Version: Version,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		logCfg := logging.Config{
			Level:  logging.ParseLevel(logLevel),
			Output: os.Stderr,
			Pretty: printLogs,
		}
		if !printLogs {
			logCfg.Level = logging.FatalLevel
		}
		logging.Init(logCfg)
	},
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&printLogs, "print-logs", false, "Print logs to stderr")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "INFO", "Log level (DEBUG|INFO|WARN|ERROR)")

	rootCmd.SetVersionTemplate(fmt.Sprintf("agentation %s (%s)\n", Version, BuildTime))

	rootCmd.AddCommand(serverCmd)
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}
