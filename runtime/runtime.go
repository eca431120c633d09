// Package runtime provides the execution controller for RowFlow graphs:
// stage instances, the run state machine, scheduling and run events.
package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/petal-labs/rowflow/core"
	"github.com/petal-labs/rowflow/graph"
	"github.com/petal-labs/rowflow/plan"
	"github.com/petal-labs/rowflow/queue"
)

// Engine prepares runs of graphs.
type Engine struct {
	resolver Resolver
	opts     RunOptions
}

// NewEngine creates an engine that resolves stage behaviors with resolver.
func NewEngine(resolver Resolver, opts RunOptions) *Engine {
	return &Engine{resolver: resolver, opts: opts}
}

// Options returns the engine's run options with defaults applied.
func (e *Engine) Options() RunOptions {
	return e.opts.withDefaults()
}

// Prepare plans g, creates its queues and instances, and runs the init
// barrier. Planning failures are *plan.PlanningError and nothing is
// created; init failures are *InitError and every instance is disposed.
// On success the run is Ready to Start.
func (e *Engine) Prepare(ctx context.Context, g *graph.Graph, args RunArgs) (*Run, error) {
	opts := e.opts.withDefaults()
	switch opts.Mode {
	case ModeParallel, ModeSerial, ModeExternal:
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidMode, opts.Mode)
	}
	if g == nil {
		return nil, &plan.PlanningError{Err: graph.ErrEmptyGraph}
	}

	parent := args.Parent
	if parent == nil {
		parent = RunFromContext(ctx)
	}
	r := newRun(g, opts, parent)

	r.mu.Lock()
	_ = r.setPhase(PhasePreparing)
	r.mu.Unlock()

	p, err := plan.Build(g, args.Vars)
	if err != nil {
		return nil, err
	}
	r.plan = p

	behaviors, err := e.resolveAll(p)
	if err != nil {
		return nil, err
	}
	if err := r.build(behaviors); err != nil {
		return nil, err
	}
	r.computeBatch(ctx, args)

	if parent != nil {
		name := args.ChildName
		if name == "" {
			name = g.Name()
		}
		parent.AddChild(name, r)
	}

	r.mu.Lock()
	_ = r.setPhase(PhaseInitializing)
	r.mu.Unlock()
	r.logger.Debug("initializing instances", "instances", len(r.instances), "queues", len(r.queues))

	if err := r.initAll(ctx); err != nil {
		return nil, err
	}

	r.emit(NewEvent(EventRunPrepared, r.id).
		WithPayload("batch_id", r.batchID).
		WithPayload("transaction_id", r.transactionID).
		WithPayload("start_date", r.startDate).
		WithPayload("end_date", r.endDate).
		WithPayload("instances", len(r.instances)).
		WithPayload("queues", len(r.queues)))
	return r, nil
}

// resolveAll resolves one behavior per copy before anything is created.
func (e *Engine) resolveAll(p *plan.Plan) (map[string][]core.Runnable, error) {
	if e.resolver == nil {
		return nil, &plan.PlanningError{Err: fmt.Errorf("%w: no resolver configured", ErrUnknownKind)}
	}
	out := make(map[string][]core.Runnable, len(p.Stages))
	for _, sp := range p.Stages {
		list := make([]core.Runnable, sp.Copies)
		for k := range list {
			b, err := e.resolver.Resolve(sp.Stage)
			if err != nil {
				return nil, &plan.PlanningError{Stage: sp.Name(), Err: fmt.Errorf("resolve kind %q: %w", sp.Stage.Kind, err)}
			}
			if b == nil {
				return nil, &plan.PlanningError{Stage: sp.Name(), Err: fmt.Errorf("%w: %q resolved to nil", ErrUnknownKind, sp.Stage.Kind)}
			}
			list[k] = b
		}
		out[sp.Name()] = list
	}
	return out, nil
}

func newRun(g *graph.Graph, opts RunOptions, parent *Run) *Run {
	r := &Run{
		id:     uuid.NewString(),
		graph:  g,
		opts:   opts,
		parent: parent,
		byKey:  make(map[instanceKey]*Instance),
		gate:   make(chan struct{}),
	}
	close(r.gate)

	base := opts.Logger
	if opts.Preview {
		r.logBuf = NewLogBuffer(opts.PreviewLogLines)
		base = slog.New(newTeeHandler(base.Handler(), r.logBuf.Handler()))
	}
	r.logger = base.With("run_id", r.id, "graph", g.Name())

	if parent != nil {
		r.seq = parent.seq
		r.batchMu = parent.batchMu
	} else {
		r.seq = newSeqGen()
		r.batchMu = &sync.Mutex{}
	}

	emit := func(e Event) {
		e.Seq = r.seq.Next()
		if e.Graph == "" {
			e.Graph = g.Name()
		}
		if opts.EventBus != nil {
			opts.EventBus.Publish(e)
		}
		if opts.EventHandler != nil {
			opts.EventHandler(e)
		}
	}
	if opts.EventEmitterDecorator != nil {
		emit = opts.EventEmitterDecorator(emit)
	}
	r.emitFn = emit
	return r
}

// build creates instances and queues from the plan and binds them.
func (r *Run) build(behaviors map[string][]core.Runnable) error {
	for _, sp := range r.plan.Stages {
		for k := 0; k < sp.Copies; k++ {
			inst := &Instance{
				stage:        sp.Stage,
				copy:         k,
				copies:       sp.Copies,
				behavior:     behaviors[sp.Name()][k],
				inbound:      sp.Repartition,
				outbound:     sp.Outbound,
				run:          r,
				logger:       r.logger.With("stage", sp.Name(), "copy", k),
				pollInterval: r.opts.PollInterval,
				cooperative:  r.opts.Mode != ModeParallel,
			}
			r.instances = append(r.instances, inst)
			r.byKey[instanceKey{sp.Name(), k}] = inst
		}
	}

	for _, lp := range r.plan.Links {
		src, _ := r.plan.Stage(lp.From)
		dst, _ := r.plan.Stage(lp.To)
		method, part := graph.PartitionNone, (*graph.Partitioning)(nil)
		switch {
		case dst.Repartition != graph.PartitionNone:
			method, part = dst.Repartition, dst.Stage.Partitioning
		case src.Outbound != graph.PartitionNone:
			method, part = src.Outbound, src.Stage.OutboundPartitioning
		}

		groups := make(map[int]*outputGroup)
		for _, id := range lp.Queues {
			q, err := newQueue(r.opts, id)
			if err != nil {
				return &plan.PlanningError{Stage: lp.From, Err: err}
			}
			r.queues = append(r.queues, q)

			g, ok := groups[id.FromCopy]
			if !ok {
				g = &outputGroup{target: lp.To, method: method, partitioning: part}
				groups[id.FromCopy] = g
				from := r.byKey[instanceKey{lp.From, id.FromCopy}]
				if lp.Error {
					from.errorOutputs = append(from.errorOutputs, g)
				} else {
					from.outputs = append(from.outputs, g)
				}
			}
			g.queues = append(g.queues, q)
			r.byKey[instanceKey{lp.To, id.ToCopy}].addInput(q)
		}
	}

	r.sorted = SortInstances(r.graph, r.instances, r.opts.MaxSortInstances)
	return nil
}

// computeBatch assigns the batch id, date range and transaction id. The
// batch lock is shared with the parent run so nested runs never compute
// these concurrently.
func (r *Run) computeBatch(ctx context.Context, args RunArgs) {
	r.batchMu.Lock()
	defer r.batchMu.Unlock()

	r.batchID = uuid.NewString()
	r.endDate = r.now()
	if src := r.opts.DateRangeSource; src != nil {
		start, ok, err := src.LastRunEnd(ctx, r.graph.Name())
		switch {
		case err != nil:
			r.logger.Warn("date range lookup failed", "error", err)
		case ok:
			r.startDate = start
		}
	}

	switch {
	case r.parent != nil:
		r.transactionID = r.parent.transactionID
	case args.TransactionID != "":
		r.transactionID = args.TransactionID
	default:
		r.transactionID = uuid.NewString()
	}
}

func newQueue(opts RunOptions, id queue.ID) (queue.RowSet, error) {
	qo := queue.Options{Kind: queue.KindBlocking, Capacity: opts.RowsetSize, BatchSize: opts.BatchSize}
	switch {
	case opts.Mode != ModeParallel:
		qo.Kind = queue.KindUnbounded
	case opts.Batching:
		qo.Kind = queue.KindBatching
	}
	return queue.New(id, qo)
}
