// Package cli defines Cobra command definitions for the coxswain CLI.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	configPath string
	version    = "dev" // set via ldflags at build time
)

var rootCmd = &cobra.Command{
	Use:   "coxswain",
	Short: "Per-channel AI session orchestrator",
	Long: `Coxswain binds chat channels to long-lived AI sessions. Each channel
drives the AI CLI as a subprocess, streams its output back as progress
updates, and survives restarts without losing queued work or rate-limit
state.`,
	Version:       version,
	SilenceErrors: true,
	SilenceUsage:  true,
}

// Execute runs the root command. Called from main.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to coxswain.yaml")
}
