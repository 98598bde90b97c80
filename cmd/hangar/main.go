// Package main provides the entry point for the hangar CLI.
//
// Hangar is a terminal dashboard for running and introspecting multiple
// mobile dev sessions at once: it supervises the dev tool per device, keeps
// a live VM service connection per session, and drives hot reloads.
package main

import (
	"fmt"
	"os"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"
)

// Version information set at build time via ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// rootCmd represents the base command when called without any subcommands.
// Bare `hangar` in a terminal launches the dashboard.
var rootCmd = &cobra.Command{
	Use:   "hangar",
	Short: "Multi-session dashboard for mobile dev tools",
	Long: `Hangar runs one dev tool session per device and puts them all on one screen:
lifecycle, logs, resource usage, VM service health, and hot reload across
every session at once.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		debug, _ := cmd.Flags().GetBool("debug")
		if debug {
			log.SetLevel(log.DebugLevel)
			log.Debug("Debug logging enabled")
		}
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		return runHub(cmd)
	},
}

// Execute runs the root command. Called by main.main().
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().Bool("debug", false, "Enable debug logging")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(devicesCmd)
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(mcpCmd)
}

// versionCmd shows version information.
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("hangar %s\n", version)
		fmt.Printf("commit: %s\n", commit)
		fmt.Printf("built:  %s\n", date)
	},
}

func main() {
	Execute()
}
