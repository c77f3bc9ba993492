package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/opthub-org/opthub-runner/pkg/stopflag"
)

var stopCmd = &cobra.Command{
	Use:   "stop <process_name>",
	Short: "Set the stop flag for a running worker",
	Args:  cobra.ExactArgs(1),
	RunE:  runStop,
}

var stopFlagDir string

func init() {
	stopCmd.Flags().StringVar(&stopFlagDir, "flag-dir", ".", "directory holding the stop-flag file")
}

func runStop(cmd *cobra.Command, args []string) error {
	processName := args[0]
	flag := stopflag.New(stopFlagDir, processName)
	if err := flag.Stop(); err != nil {
		return fmt.Errorf("stop %s: %w", processName, err)
	}
	fmt.Printf("stop flag set for %s\n", processName)
	return nil
}
