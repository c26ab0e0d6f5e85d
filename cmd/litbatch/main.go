// Package main provides the litbatch CLI entrypoint.
package main

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/joss/litbatch/internal/config"
	"github.com/joss/litbatch/internal/logging"
)

var (
	version = "0.1.0"
	cfg     *config.Config

	cfgPath   string
	logLevel  string
	logFormat string
	noColor   bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "litbatch",
		Short: "Parallel batch orchestrator for research-document pipelines",
		Long: `litbatch splits a document set into contiguous shards, runs a pipeline
command over each shard in parallel, checkpoints progress after every shard
transition, and merges per-shard results back into input order.

Interrupted runs are resumed with 'litbatch resume'. Shards whose output was
written before the interruption are kept; everything else is re-run.`,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			var err error
			cfg, err = config.Load(cfgPath)
			if err != nil {
				fatal("config_load_failed", err)
			}
			if cmd.Flags().Changed("log-level") {
				cfg.Log.Level = logLevel
			}
			if cmd.Flags().Changed("log-format") {
				cfg.Log.Format = logFormat
			}
			if err := cfg.Validate(); err != nil {
				fatal("config_invalid", err)
			}
			if err := logging.Init(cfg.Log.Level, cfg.Log.Format); err != nil {
				fatal("logging_init_failed", err)
			}
			if noColor || config.Env().NoColor {
				color.NoColor = true
			}
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			logging.Sync()
		},
	}

	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "Config file (default ~/.litbatch/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "console", "Log format (console, json)")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "Disable colored output")

	rootCmd.AddGroup(
		&cobra.Group{ID: "run", Title: "Running:"},
		&cobra.Group{ID: "inspect", Title: "Inspecting:"},
	)

	// Running commands
	for _, c := range []*cobra.Command{startCmd(), resumeCmd(), mergeCmd(), cleanupCmd()} {
		c.GroupID = "run"
		rootCmd.AddCommand(c)
	}

	// Inspecting commands
	for _, c := range []*cobra.Command{monitorCmd(), sessionsCmd(), historyCmd(), resourcesCmd(), backupCmd()} {
		c.GroupID = "inspect"
		rootCmd.AddCommand(c)
	}

	// Ungrouped
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(versionCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("litbatch %s\n", version)
		},
	}
}
