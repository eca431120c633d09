// Package cli implements the rowflow commands: run, validate, plan,
// schedule and history.
package cli

import "github.com/spf13/cobra"

// AddCommands registers every rowflow subcommand on root.
func AddCommands(root *cobra.Command) {
	root.AddCommand(NewRunCmd())
	root.AddCommand(NewValidateCmd())
	root.AddCommand(NewPlanCmd())
	root.AddCommand(NewScheduleCmd())
	root.AddCommand(NewHistoryCmd())
}
