package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
)

var standardCronParser = cron.NewParser(
	cron.Minute |
		cron.Hour |
		cron.Dom |
		cron.Month |
		cron.Dow |
		cron.Descriptor,
)

// parseCronExpressionUTC parses a five-field expression or a descriptor
// such as @hourly or @every 10m. Schedules are evaluated in UTC.
func parseCronExpressionUTC(expr string) (cron.Schedule, error) {
	clean := strings.TrimSpace(expr)
	if clean == "" {
		return nil, fmt.Errorf("cron expression is required")
	}

	upper := strings.ToUpper(clean)
	if strings.Contains(upper, "CRON_TZ=") || strings.Contains(upper, "TZ=") {
		return nil, fmt.Errorf("cron expression must be UTC-only (timezone prefixes are not allowed)")
	}

	schedule, err := standardCronParser.Parse(clean)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression: %w", err)
	}
	return schedule, nil
}

// NewScheduleCmd creates the "schedule" subcommand.
func NewScheduleCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schedule <file>",
		Short: "Run a graph repeatedly on a cron schedule",
		Long: "Run a graph repeatedly on a cron schedule (UTC). A tick is skipped while the\n" +
			"previous run is still going. Each run's date range starts where the last\n" +
			"successful run ended; use --store to keep that across restarts.",
		Args: cobra.ExactArgs(1),
		RunE: runSchedule,
	}
	addRunFlags(cmd)
	cmd.Flags().String("cron", "", "Cron expression, e.g. \"*/15 * * * *\" or \"@every 1h\"")
	cmd.Flags().Int("max-runs", 0, "Exit after this many runs (0 = until interrupted)")
	_ = cmd.MarkFlagRequired("cron")
	return cmd
}

func runSchedule(cmd *cobra.Command, args []string) error {
	expr, _ := cmd.Flags().GetString("cron")
	schedule, err := parseCronExpressionUTC(expr)
	if err != nil {
		return exitError(exitInputParse, "%v", err)
	}
	maxRuns, _ := cmd.Flags().GetInt("max-runs")

	settings, err := settingsFromFlags(cmd)
	if err != nil {
		return err
	}
	g, err := loadGraph(cmd, args[0])
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	x, err := newExecutor(ctx, cmd, settings)
	if err != nil {
		return err
	}
	defer x.Close()

	out := cmd.OutOrStdout()
	var (
		mu           sync.Mutex
		runs, failed int
	)
	job := cron.FuncJob(func() {
		if ctx.Err() != nil {
			return
		}
		res, err := x.execute(ctx, g)

		mu.Lock()
		runs++
		n := runs
		if err != nil || res.Failed() {
			failed++
		}
		mu.Unlock()

		switch {
		case err != nil:
			x.logger.Error("scheduled run failed", "graph", g.Name(), "error", err)
		default:
			fmt.Fprintf(out, "run %d: %s read=%d written=%d errors=%d elapsed=%s\n",
				n, res.RunID, res.Counters.Read, res.Counters.Written, res.Errors, res.Elapsed.Round(time.Millisecond))
		}
		if maxRuns > 0 && n >= maxRuns {
			cancel()
		}
	})

	cronLogger := cron.PrintfLogger(slog.NewLogLogger(x.logger.Handler(), slog.LevelDebug))
	c := cron.New(
		cron.WithLocation(time.UTC),
		cron.WithLogger(cronLogger),
		cron.WithChain(cron.SkipIfStillRunning(cronLogger)),
	)
	c.Schedule(schedule, job)
	fmt.Fprintf(out, "Scheduled %s (%s), next run at %s\n", g.Name(), expr, schedule.Next(time.Now().UTC()).Format(time.RFC3339))

	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()

	mu.Lock()
	defer mu.Unlock()
	if failed > 0 {
		return exitError(exitRuntime, "%d of %d scheduled runs failed", failed, runs)
	}
	return nil
}
