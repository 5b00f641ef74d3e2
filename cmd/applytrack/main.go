// Package main provides the applytrack CLI over the record store, backups and
// the conflict orchestrator. Every command prints JSON on stdout.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

// Version is set at build time
var Version = "0.1.0"

var configPath string

var rootCmd = &cobra.Command{
	Use:           "applytrack",
	Short:         "ApplyTrack job application tracker",
	Long:          "ApplyTrack keeps job applications in a local store, reconciles them with a cloud copy and manages recovery snapshots.",
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to a config file (yaml, toml or json)")
}

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
