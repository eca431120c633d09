package runtime

import (
	"context"
	"log/slog"
	"time"

	"github.com/petal-labs/rowflow/core"
	"github.com/petal-labs/rowflow/graph"
)

// Mode selects how instances are scheduled.
type Mode string

const (
	// ModeParallel runs one goroutine per instance.
	ModeParallel Mode = "parallel"
	// ModeSerial runs every instance from one goroutine, one RunOnce call
	// per instance per pass, in topological order.
	ModeSerial Mode = "serial"
	// ModeExternal starts no goroutines; the caller drives Instance.Step.
	// Like ModeSerial it uses unbounded queues and non-blocking reads.
	ModeExternal Mode = "external"
)

// Resolver maps a stage to a fresh behavior object. It is called once per
// copy.
type Resolver interface {
	Resolve(stage *graph.Stage) (core.Runnable, error)
}

// ResolverFunc adapts a function to the Resolver interface.
type ResolverFunc func(stage *graph.Stage) (core.Runnable, error)

// Resolve calls f(stage).
func (f ResolverFunc) Resolve(stage *graph.Stage) (core.Runnable, error) {
	return f(stage)
}

// DateRangeSource supplies the start of a run's date range: the end date of
// the previous successful run of the same graph.
type DateRangeSource interface {
	LastRunEnd(ctx context.Context, graphName string) (time.Time, bool, error)
}

// RunOptions controls preparation and execution.
type RunOptions struct {
	// Mode selects the scheduler (default: ModeParallel).
	Mode Mode

	// RowsetSize is the capacity of every queue in records (default: 10000).
	// Ignored outside ModeParallel.
	RowsetSize int

	// Batching selects the batching queue variant.
	Batching bool

	// BatchSize is the handoff size of batching queues (default: 100).
	BatchSize int

	// PollInterval bounds each wait of an instance reading from several
	// input queues (default: 10ms).
	PollInterval time.Duration

	// WaitTimeout is used by WaitUntilFinished when called with a
	// non-positive timeout (default: 24h).
	WaitTimeout time.Duration

	// StatusInterval emits run.snapshot events while running. Zero disables.
	StatusInterval time.Duration

	// MaxSortInstances disables the topology sort above this many
	// instances (default: 150).
	MaxSortInstances int

	// Preview buffers log output so init failures can report it.
	Preview bool

	// PreviewLogLines bounds the preview log buffer (default: 1000).
	PreviewLogLines int

	// Logger is the base logger. If nil, slog.Default() is used.
	Logger *slog.Logger

	// Now provides the current time (for testing). If nil, uses time.Now.
	Now func() time.Time

	// EventHandler receives events during execution.
	EventHandler EventHandler

	// EventEmitterDecorator wraps the internal event emitter.
	EventEmitterDecorator EventEmitterDecorator

	// EventBus distributes events to subscribers. Absence is not an error.
	EventBus EventPublisher

	// DateRangeSource supplies the start date of the run. If nil the range
	// starts at the zero time.
	DateRangeSource DateRangeSource
}

// DefaultRunOptions returns sensible default options.
func DefaultRunOptions() RunOptions {
	return RunOptions{
		Mode:             ModeParallel,
		RowsetSize:       10000,
		BatchSize:        100,
		PollInterval:     10 * time.Millisecond,
		WaitTimeout:      24 * time.Hour,
		MaxSortInstances: 150,
		PreviewLogLines:  1000,
	}
}

func (o RunOptions) withDefaults() RunOptions {
	d := DefaultRunOptions()
	if o.Mode == "" {
		o.Mode = d.Mode
	}
	if o.RowsetSize <= 0 {
		o.RowsetSize = d.RowsetSize
	}
	if o.BatchSize <= 0 {
		o.BatchSize = d.BatchSize
	}
	if o.PollInterval <= 0 {
		o.PollInterval = d.PollInterval
	}
	if o.WaitTimeout <= 0 {
		o.WaitTimeout = d.WaitTimeout
	}
	if o.MaxSortInstances <= 0 {
		o.MaxSortInstances = d.MaxSortInstances
	}
	if o.PreviewLogLines <= 0 {
		o.PreviewLogLines = d.PreviewLogLines
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// RunArgs are the per-run arguments of Prepare.
type RunArgs struct {
	// Vars resolves ${NAME} copy counts.
	Vars map[string]string

	// TransactionID groups shared external resources across related runs.
	// Ignored when a parent run is present: children use the parent's.
	TransactionID string

	// Parent makes the new run a child. If nil, the run stored in the
	// Prepare context (see ContextWithRun) is used.
	Parent *Run

	// ChildName registers the child under this name in its parent
	// (default: the graph name).
	ChildName string
}
