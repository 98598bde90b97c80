package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/hangar-dev/hangar/internal/config"
	"github.com/hangar-dev/hangar/internal/devices"
)

// devicesCmd lists connected devices without starting the dashboard.
var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "List connected devices",
	RunE: func(cmd *cobra.Command, args []string) error {
		workDir, err := os.Getwd()
		if err != nil {
			return err
		}
		root := config.FindRoot(workDir)
		cfg, err := config.Load(root)
		if err != nil {
			return err
		}

		devs, err := devices.List(cmd.Context(), cfg.Tool.Command, root)
		if err != nil {
			return err
		}
		if len(devs) == 0 {
			fmt.Println("No devices connected.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tPLATFORM")
		for _, d := range devs {
			fmt.Fprintf(w, "%s\t%s\t%s\n", d.ID, d.Name, d.Platform)
		}
		return w.Flush()
	},
}
