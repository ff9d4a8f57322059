package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "drover",
	Short: "Drover - elastic worker pods for streaming and batch jobs",
	Long: `Drover keeps a group of worker pods per job sized to the job's
parallelism. It replaces failed workers, drains groups when jobs end,
and packs tasks onto worker slots.

Run "drover controller" in-cluster; the other commands talk to its HTTP API.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Drover version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("controller", "localhost:8080", "Controller API address")

	rootCmd.AddCommand(controllerCmd)
	rootCmd.AddCommand(jobCmd)
	rootCmd.AddCommand(groupsCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(renderCmd)
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "Drover version %s\nCommit: %s\nBuilt: %s\n", Version, Commit, BuildTime)
	},
}
