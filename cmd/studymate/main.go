package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"studymate/internal/config"
	"studymate/internal/logging"
)

var (
	// Global flags
	configPath string
	verbose    bool
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "studymate",
	Short: "StudyMate - personalized study assistant core",
	Long: `StudyMate is the AI orchestration and retrieval core of a personalized
study assistant: retrieval-augmented chat over uploaded course materials,
backed by a locally supervised model-orchestration service (the Brain).

The API server runs with 'studymate serve' and spawns the Brain as a child
process; 'studymate brain' is that child. Administrative recovery actions
live under 'studymate admin'.`,
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logging.Sync()
	},
}

// loadConfig loads configuration and initializes logging for a subcommand.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	level := cfg.Logging.Level
	if verbose {
		level = "debug"
	}
	if err := logging.Init(logging.Config{
		Level:      level,
		JSONFormat: cfg.Logging.JSONFormat,
		OutputPath: cfg.Logging.OutputPath,
	}); err != nil {
		return nil, fmt.Errorf("failed to initialize logging: %w", err)
	}
	return cfg, nil
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to YAML config file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(brainCmd)
	rootCmd.AddCommand(adminCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
