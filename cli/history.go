package cli

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/petal-labs/rowflow/bus"
)

// NewHistoryCmd creates the "history" subcommand.
func NewHistoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history [graph]",
		Short: "List audited runs, or the events of one run",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runHistory,
	}
	addStoreFlag(cmd)
	cmd.Flags().Int("limit", 20, "Maximum number of runs to list (0 = all)")
	cmd.Flags().String("run", "", "Show the events of this run ID instead of the run list")
	cmd.Flags().String("format", "text", "Output format: text | json")
	return cmd
}

func runHistory(cmd *cobra.Command, args []string) error {
	format, _ := cmd.Flags().GetString("format")
	if err := checkFormat(format); err != nil {
		return err
	}
	path := storePath(cmd)
	if path == "" {
		return exitError(exitStore, "history needs a store: pass --store or set %s", envStorePath)
	}
	st, closeStore, err := openStore(path)
	if err != nil {
		return err
	}
	defer closeStore()

	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	if runID, _ := cmd.Flags().GetString("run"); runID != "" {
		events, err := st.List(ctx, runID, 0, 0)
		if err != nil {
			return exitError(exitStore, "listing events: %v", err)
		}
		if len(events) == 0 {
			return exitError(exitStore, "no events for run %s", runID)
		}
		if format == "json" {
			return writeJSON(out, events)
		}
		for _, e := range events {
			where := ""
			if e.IsInstanceEvent() {
				where = fmt.Sprintf(" %s.%d", e.Stage, e.Copy)
			}
			fmt.Fprintf(out, "%4d  %s  %s%s\n", e.Seq, e.Time.Format(time.RFC3339), e.Kind, where)
		}
		return nil
	}

	var graphName string
	if len(args) == 1 {
		graphName = args[0]
	}
	limit, _ := cmd.Flags().GetInt("limit")
	runs, err := st.FinishedRuns(ctx, graphName, limit)
	if err != nil {
		return exitError(exitStore, "listing runs: %v", err)
	}
	if format == "json" {
		if runs == nil {
			runs = []bus.RunRecord{}
		}
		return writeJSON(out, runs)
	}
	printRuns(out, runs)
	return nil
}

func printRuns(w io.Writer, runs []bus.RunRecord) {
	if len(runs) == 0 {
		fmt.Fprintln(w, "No runs recorded.")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "RUN\tGRAPH\tSTATUS\tREAD\tWRITTEN\tERRORS\tELAPSED\tDATE RANGE\t")
	for _, r := range runs {
		status := "ok"
		switch {
		case r.Errors > 0:
			status = "failed"
		case r.Stopped:
			status = "stopped"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%d\t%s\t%s\t\n",
			r.RunID, r.Graph, status, r.Counters.Read, r.Counters.Written, r.Errors,
			r.Elapsed.Round(time.Millisecond), dateRange(r.StartDate, r.EndDate))
	}
	_ = tw.Flush()
}

func dateRange(start, end time.Time) string {
	from := "-"
	if !start.IsZero() {
		from = start.Format(time.RFC3339)
	}
	return from + " .. " + end.Format(time.RFC3339)
}
