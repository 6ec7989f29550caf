// Package cmd defines the CLI commands for the moltgraph executable.
package cmd

import (
	"github.com/spf13/cobra"
)

var cfgFile string

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "moltgraph",
		Short: "Temporal graph crawler for the Moltbook network",
		Long: `moltgraph ingests the Moltbook social network into a versioned
property graph. Every agent, submolt, post, and comment it observes is
merged by stable key with first- and last-seen timestamps, and membership
edges carry validity intervals so the graph keeps its history as the
network changes.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "path to a config file (defaults to environment only)")
	cmd.AddCommand(newCrawlCmd())
	return cmd
}

// Execute runs the CLI.
func Execute() error {
	return newRootCmd().Execute()
}
