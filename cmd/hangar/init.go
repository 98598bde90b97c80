package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/hangar-dev/hangar/internal/config"
)

// initCmd writes a default .hangar/config.yaml into the current directory.
var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create a default .hangar/config.yaml",
	RunE: func(cmd *cobra.Command, args []string) error {
		workDir, err := os.Getwd()
		if err != nil {
			return err
		}

		path := filepath.Join(workDir, config.ConfigDirName, config.ConfigFileName)
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s already exists", path)
		}

		if err := config.Write(workDir, config.Default()); err != nil {
			return err
		}
		fmt.Printf("Wrote %s\n", path)
		return nil
	},
}
