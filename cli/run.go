package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/petal-labs/rowflow/bus"
	"github.com/petal-labs/rowflow/graph"
	"github.com/petal-labs/rowflow/otel"
	"github.com/petal-labs/rowflow/plan"
	"github.com/petal-labs/rowflow/registry"
	"github.com/petal-labs/rowflow/runtime"
)

// NewRunCmd creates the "run" subcommand.
func NewRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <file>",
		Short: "Execute a graph file",
		Args:  cobra.ExactArgs(1),
		RunE:  runRun,
	}
	addRunFlags(cmd)
	cmd.Flags().String("format", "text", "Result format: text | json")
	return cmd
}

// addRunFlags registers the flags shared by run and schedule.
func addRunFlags(cmd *cobra.Command) {
	addVarFlag(cmd)
	addStoreFlag(cmd)
	cmd.Flags().String("mode", string(runtime.ModeParallel), "Scheduling mode: parallel | serial")
	cmd.Flags().Int("rowset-size", 0, "Queue capacity in rows (env "+envRowsetSize+"; default 10000)")
	cmd.Flags().Bool("batching", false, "Use batching queues")
	cmd.Flags().Int("batch-size", 0, "Rows per batch handoff (default 100)")
	cmd.Flags().Bool("preview", false, "Buffer log output and show it when initialization fails")
	cmd.Flags().Duration("timeout", 0, "Give up waiting for the run after this long (default 24h)")
	cmd.Flags().Duration("status-interval", 0, "Emit status snapshots at this interval (0 disables)")
	cmd.Flags().Bool("progress", false, "Print instance failures and status snapshots to stderr")
	cmd.Flags().String("otlp-endpoint", "", "Export traces to this OTLP/HTTP collector (host:port)")
	cmd.Flags().Bool("otlp-insecure", false, "Disable TLS towards the OTLP collector")
}

func runRun(cmd *cobra.Command, args []string) error {
	format, _ := cmd.Flags().GetString("format")
	if err := checkFormat(format); err != nil {
		return err
	}
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

	x, err := newExecutor(ctx, cmd, settings)
	if err != nil {
		return err
	}
	defer x.Close()

	res, err := x.execute(ctx, g)
	if err != nil {
		return err
	}
	if format == "json" {
		if err := writeJSON(cmd.OutOrStdout(), res); err != nil {
			return err
		}
	} else {
		printResult(cmd.OutOrStdout(), res)
	}
	return resultError(res)
}

// runSettings is the parsed form of the run flags.
type runSettings struct {
	vars     map[string]string
	opts     runtime.RunOptions
	store    string
	otlp     otel.Config
	progress bool
}

func settingsFromFlags(cmd *cobra.Command) (runSettings, error) {
	vars, err := varsFromFlags(cmd)
	if err != nil {
		return runSettings{}, err
	}

	opts := runtime.DefaultRunOptions()
	mode, _ := cmd.Flags().GetString("mode")
	switch runtime.Mode(mode) {
	case runtime.ModeParallel, runtime.ModeSerial:
		opts.Mode = runtime.Mode(mode)
	default:
		return runSettings{}, exitError(exitInputParse, "unknown mode %q (use parallel or serial)", mode)
	}

	rowset, _ := cmd.Flags().GetInt("rowset-size")
	if rowset <= 0 {
		if env := os.Getenv(envRowsetSize); env != "" {
			if rowset, err = strconv.Atoi(env); err != nil || rowset <= 0 {
				return runSettings{}, exitError(exitInputParse, "invalid %s %q", envRowsetSize, env)
			}
		}
	}
	if rowset > 0 {
		opts.RowsetSize = rowset
	}
	if n, _ := cmd.Flags().GetInt("batch-size"); n > 0 {
		opts.BatchSize = n
	}
	opts.Batching, _ = cmd.Flags().GetBool("batching")
	opts.Preview, _ = cmd.Flags().GetBool("preview")
	opts.StatusInterval, _ = cmd.Flags().GetDuration("status-interval")
	if timeout, _ := cmd.Flags().GetDuration("timeout"); timeout > 0 {
		opts.WaitTimeout = timeout
	}

	s := runSettings{vars: vars, opts: opts, store: storePath(cmd)}
	s.progress, _ = cmd.Flags().GetBool("progress")
	s.otlp.Endpoint, _ = cmd.Flags().GetString("otlp-endpoint")
	s.otlp.Insecure, _ = cmd.Flags().GetBool("otlp-insecure")
	return s, nil
}

// executor runs graphs with the audit store, event bus and telemetry of
// one CLI invocation. schedule reuses a single executor for every tick.
type executor struct {
	engine     *runtime.Engine
	store      store
	closeStore func() error
	events     *bus.MemBus
	throttle   *bus.ThrottledEmitter
	audit      *bus.StoreSubscriber
	tel        *otel.Telemetry
	logger     *slog.Logger
	stderr     io.Writer
	vars       map[string]string
	progress   bool
}

func newExecutor(ctx context.Context, cmd *cobra.Command, s runSettings) (*executor, error) {
	logger := newLogger(cmd)

	st, closeStore, err := openStore(s.store)
	if err != nil {
		return nil, err
	}
	tel, err := otel.Setup(ctx, s.otlp)
	if err != nil {
		_ = closeStore()
		return nil, exitError(exitRuntime, "setting up telemetry: %v", err)
	}

	x := &executor{
		store:      st,
		closeStore: closeStore,
		events:     bus.NewMemBus(bus.MemBusConfig{}),
		audit:      bus.NewStoreSubscriber(st, logger),
		tel:        tel,
		logger:     logger,
		stderr:     cmd.ErrOrStderr(),
		vars:       s.vars,
		progress:   s.progress,
	}
	x.throttle = bus.NewThrottledEmitter(func(runtime.Event) {}, bus.ThrottleConfig{CoalesceInterval: s.opts.StatusInterval})

	opts := s.opts
	opts.Logger = logger
	opts.EventBus = x.events
	opts.EventHandler = runtime.MultiEventHandler(x.audit.Handle, tel.Handler())
	opts.DateRangeSource = st
	throttled, enrich := x.throttle.Decorator(), tel.Decorator()
	opts.EventEmitterDecorator = func(next runtime.EventEmitter) runtime.EventEmitter {
		return enrich(throttled(next))
	}

	x.engine = runtime.NewEngine(registry.Global(), opts)
	return x, nil
}

// Close flushes telemetry and closes the store.
func (x *executor) Close() error {
	x.throttle.Close()
	_ = x.events.Close()
	err := errors.Join(
		x.tel.Shutdown(context.Background()),
		x.closeStore(),
	)
	if n := x.audit.Failures(); n > 0 {
		x.logger.Warn("some events were not stored", "failed", n)
	}
	return err
}

func (x *executor) prepare(ctx context.Context, g *graph.Graph) (*runtime.Run, error) {
	r, err := x.engine.Prepare(ctx, g, runtime.RunArgs{Vars: x.vars})
	if err == nil {
		return r, nil
	}
	var pe *plan.PlanningError
	var ie *runtime.InitError
	switch {
	case errors.As(err, &pe):
		return nil, exitError(exitValidation, "planning failed: %v", err)
	case errors.As(err, &ie):
		fmt.Fprintln(x.stderr, ie.Error())
		return nil, exitError(exitRuntime, "initialization failed")
	}
	return nil, exitError(exitRuntime, "preparing run: %v", err)
}

func (x *executor) execute(ctx context.Context, g *graph.Graph) (runtime.Result, error) {
	r, err := x.prepare(ctx, g)
	if err != nil {
		return runtime.Result{}, err
	}

	if x.progress {
		sub := x.events.Subscribe(r.ID(), runtime.EventInstanceFailed, runtime.EventRunSnapshot)
		done := bus.Drain(sub, func(e runtime.Event) { printProgress(x.stderr, e) })
		defer func() {
			_ = sub.Close()
			<-done
		}()
	}

	if err := r.Start(ctx); err != nil {
		return runtime.Result{}, exitError(exitRuntime, "starting run: %v", err)
	}

	werr := r.WaitUntilFinished(0)
	if errors.Is(werr, runtime.ErrWaitTimeout) {
		_ = r.Stop()
		return r.Result(), exitError(exitTimeout, "run did not finish within %s", x.engine.Options().WaitTimeout)
	}
	if werr != nil {
		x.logger.Warn("run listeners failed", "error", werr)
	}
	return r.Result(), nil
}

func printProgress(w io.Writer, e runtime.Event) {
	switch e.Kind {
	case runtime.EventInstanceFailed:
		msg, _ := e.Payload["error"].(string)
		fmt.Fprintf(w, "[%s] %s.%d failed: %s\n", e.Time.Format(time.TimeOnly), e.Stage, e.Copy, msg)
	case runtime.EventRunSnapshot:
		fmt.Fprintf(w, "[%s] active=%v finished=%v errors=%v\n",
			e.Time.Format(time.TimeOnly), e.Payload["active"], e.Payload["finished"], e.Payload["errors"])
	}
}

func printResult(w io.Writer, res runtime.Result) {
	fmt.Fprintf(w, "Run %s (graph %s, batch %s)\n\n", res.RunID, res.Graph, res.BatchID)

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "STAGE\tCOPY\tSTATE\tREAD\tWRITTEN\tINPUT\tOUTPUT\tREJECTED\tERRORS\t")
	for _, ir := range res.Instances {
		c := ir.Counters
		fmt.Fprintf(tw, "%s\t%d\t%s\t%d\t%d\t%d\t%d\t%d\t%d\t\n",
			ir.Stage, ir.Copy, ir.State, c.Read, c.Written, c.Input, c.Output, c.Rejected, c.Errors)
	}
	_ = tw.Flush()

	for _, ir := range res.Instances {
		if ir.Err != "" {
			fmt.Fprintf(w, "\n%s.%d: %s", ir.Stage, ir.Copy, ir.Err)
		}
		for _, f := range ir.ResultFiles {
			fmt.Fprintf(w, "\nresult file: %s", f)
		}
	}
	fmt.Fprintf(w, "\nFinished in %s with %d %s\n", res.Elapsed.Round(time.Millisecond), res.Errors, pluralize("error", int(res.Errors)))
}

func resultError(res runtime.Result) error {
	switch {
	case res.Failed():
		return exitError(exitRuntime, "run finished with %d %s", res.Errors, pluralize("error", int(res.Errors)))
	case res.Stopped:
		return exitError(exitRuntime, "run was stopped")
	}
	return nil
}
