package main

import (
	"context"
	"fmt"
	"os"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/hangar-dev/hangar/internal/config"
	"github.com/hangar-dev/hangar/internal/engine"
	"github.com/hangar-dev/hangar/internal/tui"
)

// runCmd launches the session dashboard explicitly.
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Launch the session dashboard",
	Long: `Launch the interactive dashboard.

The dashboard starts with no sessions; press n to pick a device and start
one. Configuration is read from .hangar/config.yaml at the project root
(found by walking up from the current directory).`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runHub(cmd)
	},
}

// runHub wires the engine, dispatcher, and TUI together and blocks until the
// user quits.
func runHub(cmd *cobra.Command) error {
	if !tui.ShouldRunTUI() {
		return fmt.Errorf("the dashboard needs an interactive terminal; see 'hangar mcp' for non-interactive use")
	}

	workDir, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("failed to resolve working directory: %w", err)
	}
	root := config.FindRoot(workDir)

	cfg, err := config.Load(root)
	if err != nil {
		return err
	}

	bridge := tui.NewBridge()
	eng := engine.New(cfg, bridge)
	dispatcher := engine.NewDispatcher(eng, root)

	ctx, cancel := context.WithCancel(cmd.Context())
	dispatcherDone := make(chan struct{})
	go func() {
		defer close(dispatcherDone)
		_ = dispatcher.Run(ctx)
	}()

	runErr := tui.RunHub(version, dispatcher, bridge, cfg, root)

	// The dashboard is gone; give sessions their graceful shutdown.
	cancel()
	<-dispatcherDone

	if runErr != nil {
		log.Error("Dashboard exited with error", "error", runErr)
	}
	return runErr
}
