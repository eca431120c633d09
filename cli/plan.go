package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/petal-labs/rowflow/plan"
)

// NewPlanCmd creates the "plan" subcommand.
func NewPlanCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plan <file>",
		Short: "Show how a graph would be dispatched: copies, queues and dispatch types",
		Args:  cobra.ExactArgs(1),
		RunE:  runPlan,
	}
	addVarFlag(cmd)
	return cmd
}

func runPlan(cmd *cobra.Command, args []string) error {
	vars, err := varsFromFlags(cmd)
	if err != nil {
		return err
	}
	g, err := loadGraph(cmd, args[0])
	if err != nil {
		return err
	}

	p, err := plan.Build(g, vars)
	if err != nil {
		var pe *plan.PlanningError
		if errors.As(err, &pe) {
			return exitError(exitValidation, "planning failed: %v", pe)
		}
		return exitError(exitValidation, "planning failed: %v", err)
	}
	if _, err := p.WriteTo(cmd.OutOrStdout()); err != nil {
		return fmt.Errorf("writing plan: %w", err)
	}
	return nil
}
