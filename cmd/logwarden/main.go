package main

import (
	"os"

	"github.com/spf13/cobra"
)

// newRootCmd builds the command tree. Output goes to the command's writer so
// tests can capture it.
func newRootCmd() *cobra.Command {
	var configFile string

	rootCmd := &cobra.Command{
		Use:          "logwarden",
		Short:        "logwarden - AI log analyzer",
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "Path to configuration file (TOML or YAML)")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run analysis cycles until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(cmd, configFile)
		},
	}

	onceCmd := &cobra.Command{
		Use:   "once",
		Short: "Run exactly one analysis cycle",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOnce(cmd, configFile)
		},
	}

	migrateCmd := &cobra.Command{
		Use:   "migrate",
		Short: "Create the state schema or indices and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrate(cmd, configFile)
		},
	}

	var history bool
	watermarkCmd := &cobra.Command{
		Use:   "watermark <client-id>",
		Short: "Print the effective watermark of a client",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWatermark(cmd, configFile, args[0], history)
		},
	}
	watermarkCmd.Flags().BoolVar(&history, "history", false, "Also list every stored record (sqlite backend)")

	var (
		resultsClient string
		resultsLimit  int
	)
	resultsCmd := &cobra.Command{
		Use:   "results",
		Short: "List stored analysis results, newest first (sqlite backend)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runResults(cmd, configFile, resultsClient, resultsLimit)
		},
	}
	resultsCmd.Flags().StringVar(&resultsClient, "client", "", "Only show results for this client")
	resultsCmd.Flags().IntVarP(&resultsLimit, "limit", "n", 20, "Maximum number of results")

	var cyclesLimit int
	cyclesCmd := &cobra.Command{
		Use:   "cycles",
		Short: "List recent analysis cycles, newest first (sqlite backend)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCycles(cmd, configFile, cyclesLimit)
		},
	}
	cyclesCmd.Flags().IntVarP(&cyclesLimit, "limit", "n", 20, "Maximum number of cycles")

	rootCmd.AddCommand(runCmd, onceCmd, migrateCmd, watermarkCmd, resultsCmd, cyclesCmd)
	return rootCmd
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
