// Command opthub-runner runs a single evaluator or scorer worker, or asks
// one to stop.
package main

import (
	"os"

	"github.com/spf13/cobra"
)

var (
	cfgFile string
	devMode bool
	version = "dev" // set by build flags
)

var rootCmd = &cobra.Command{
	Use:     "opthub-runner",
	Short:   "Worker process for the OptHub competitive optimization platform",
	Version: version,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "config.yaml", "path to config file")
	rootCmd.PersistentFlags().BoolVar(&devMode, "dev", false, "pretty-print logs instead of JSON lines")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(stopCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
