package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/petal-labs/rowflow/cli"
)

// Set via ldflags at build time.
var version = "dev"

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(cli.ExitCode(err))
	}
}

var rootCmd = &cobra.Command{
	Use:   "rowflow",
	Short: "RowFlow row pipeline engine CLI",
	Long:  "RowFlow runs graphs of row-processing stages: every stage copy is a concurrent instance linked to its neighbours by bounded row queues.",
	// SilenceUsage prevents printing usage on every error
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().Bool("verbose", false, "Enable verbose/debug logging")
	rootCmd.PersistentFlags().Bool("quiet", false, "Suppress all output except errors")

	rootCmd.Version = version
	rootCmd.SetVersionTemplate(fmt.Sprintf("rowflow version %s\n", version))

	cli.AddCommands(rootCmd)
}
