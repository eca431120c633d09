package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/petal-labs/rowflow/core"
	"github.com/petal-labs/rowflow/graph"
	"github.com/petal-labs/rowflow/queue"
)

// outputGroup holds the queues from one instance into one target stage.
type outputGroup struct {
	target       string
	method       graph.PartitionMethod
	partitioning *graph.Partitioning
	queues       []queue.RowSet // ordered by target copy
	next         int
}

// Instance is one running copy of a stage. It implements core.StepIO for
// its behavior.
type Instance struct {
	stage    *graph.Stage
	copy     int
	copies   int
	behavior core.Runnable

	// Repartition policies fixed at prepare time.
	inbound  graph.PartitionMethod
	outbound graph.PartitionMethod

	run          *Run
	logger       *slog.Logger
	pollInterval time.Duration
	cooperative  bool

	mu          sync.Mutex
	inputs      []queue.RowSet
	resultFiles []string
	err         error
	startedAt   time.Time

	// Bound at prepare time, read-only afterwards.
	outputs      []*outputGroup
	errorOutputs []*outputGroup

	nextInput int

	state    atomic.Int32
	stopped  atomic.Bool
	disposed atomic.Bool

	read     atomic.Int64
	written  atomic.Int64
	input    atomic.Int64
	output   atomic.Int64
	updated  atomic.Int64
	rejected atomic.Int64
	errors   atomic.Int64
}

// Stage returns the stage this instance is a copy of.
func (i *Instance) Stage() *graph.Stage { return i.stage }

// StageName returns the stage name.
func (i *Instance) StageName() string { return i.stage.Name }

// CopyIndex returns the 0-based copy number.
func (i *Instance) CopyIndex() int { return i.copy }

// Copies returns the resolved copy count of the stage.
func (i *Instance) Copies() int { return i.copies }

// Config returns the stage behavior configuration.
func (i *Instance) Config() map[string]any { return i.stage.Config }

// Behavior returns the resolved behavior object.
func (i *Instance) Behavior() core.Runnable { return i.behavior }

// Logger returns the instance logger.
func (i *Instance) Logger() *slog.Logger { return i.logger }

// InboundPolicy returns the repartition policy applied to records
// entering this stage.
func (i *Instance) InboundPolicy() graph.PartitionMethod { return i.inbound }

// OutboundPolicy returns the stage's declared outbound policy.
func (i *Instance) OutboundPolicy() graph.PartitionMethod { return i.outbound }

// State returns the lifecycle state.
func (i *Instance) State() InstanceState { return InstanceState(i.state.Load()) }

// Stopped reports whether a stop was requested.
func (i *Instance) Stopped() bool { return i.stopped.Load() }

// Err returns the error that ended the instance, if any.
func (i *Instance) Err() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.err
}

func (i *Instance) setErr(err error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.err == nil {
		i.err = err
	}
}

func (i *Instance) String() string {
	return fmt.Sprintf("%s.%d", i.stage.Name, i.copy)
}

// Counters returns a snapshot of the instance counters.
func (i *Instance) Counters() core.Counters {
	return core.Counters{
		Read:     i.read.Load(),
		Written:  i.written.Load(),
		Input:    i.input.Load(),
		Output:   i.output.Load(),
		Updated:  i.updated.Load(),
		Rejected: i.rejected.Load(),
		Errors:   i.errors.Load(),
	}
}

// IncInput, IncOutput, IncUpdated and IncErrors add to the counters a
// behavior maintains itself.
func (i *Instance) IncInput(n int64)   { i.input.Add(n) }
func (i *Instance) IncOutput(n int64)  { i.output.Add(n) }
func (i *Instance) IncUpdated(n int64) { i.updated.Add(n) }
func (i *Instance) IncErrors(n int64)  { i.errors.Add(n) }

// AddResultFile records a file produced by this copy.
func (i *Instance) AddResultFile(path string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.resultFiles = append(i.resultFiles, path)
}

// ResultFiles returns the files recorded by the behavior.
func (i *Instance) ResultFiles() []string {
	i.mu.Lock()
	defer i.mu.Unlock()
	return slices.Clone(i.resultFiles)
}

// HasInputs reports whether any input queue is bound.
func (i *Instance) HasInputs() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return len(i.inputs) > 0
}

func (i *Instance) addInput(q queue.RowSet) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.inputs = append(i.inputs, q)
}

func (i *Instance) inputSnapshot() []queue.RowSet {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.inputs
}

func (i *Instance) allOutputs() []*outputGroup {
	return append(slices.Clip(i.outputs), i.errorOutputs...)
}

// Status returns a point-in-time view of the instance.
func (i *Instance) Status() InstanceStatus {
	st := InstanceStatus{
		Stage:    i.stage.Name,
		Copy:     i.copy,
		State:    i.State(),
		Counters: i.Counters(),
	}
	for _, q := range i.inputSnapshot() {
		st.InputBuffered += q.Size()
	}
	for _, g := range i.allOutputs() {
		for _, q := range g.queues {
			st.OutputBuffered += q.Size()
		}
	}
	return st
}

// GetRow reads the next record from the input queues, round-robin.
func (i *Instance) GetRow(ctx context.Context) (core.Record, error) {
	inputs := i.inputSnapshot()
	if len(inputs) == 0 {
		return core.Record{}, core.ErrEndOfInput
	}
	for {
		if i.stopped.Load() {
			return core.Record{}, core.ErrStopped
		}

		live := -1
		for k := range inputs {
			idx := (i.nextInput + k) % len(inputs)
			if rec, ok := inputs[idx].TryGet(); ok {
				i.nextInput = (idx + 1) % len(inputs)
				i.read.Add(1)
				return rec, nil
			}
			if live < 0 && !inputs[idx].Drained() {
				live = idx
			}
		}
		if live < 0 {
			return core.Record{}, core.ErrEndOfInput
		}
		if i.cooperative {
			return core.Record{}, core.ErrNoRowAvailable
		}

		if len(inputs) == 1 {
			rec, err := inputs[0].Get(ctx)
			if err != nil {
				return core.Record{}, err
			}
			i.read.Add(1)
			return rec, nil
		}

		// Several inputs: wait briefly on one live queue, then rescan all.
		rec, ok, err := inputs[live].Poll(ctx, i.pollInterval)
		switch {
		case ok:
			i.nextInput = (live + 1) % len(inputs)
			i.read.Add(1)
			return rec, nil
		case errors.Is(err, core.ErrEndOfInput):
			continue
		case err != nil:
			return core.Record{}, err
		}
	}
}

// PutRow writes a record to every target stage. A stage without targets
// still counts the row as written.
func (i *Instance) PutRow(ctx context.Context, rec core.Record) error {
	for _, g := range i.outputs {
		if err := i.route(ctx, g, rec); err != nil {
			return err
		}
	}
	i.written.Add(1)
	return nil
}

// PutError sends rec with its explanation down the error link, or counts
// it as rejected when the stage has no error routing.
func (i *Instance) PutError(ctx context.Context, rec core.Record, info core.ErrorInfo) error {
	if len(i.errorOutputs) == 0 {
		i.rejected.Add(1)
		return nil
	}
	errRec := core.WithErrorInfo(rec, info)
	for _, g := range i.errorOutputs {
		if err := i.route(ctx, g, errRec); err != nil {
			return err
		}
	}
	i.written.Add(1)
	return nil
}

func (i *Instance) route(ctx context.Context, g *outputGroup, rec core.Record) error {
	if len(g.queues) == 1 {
		return g.queues[0].Put(ctx, rec)
	}
	switch {
	case g.method == graph.PartitionMirror:
		return putAll(ctx, g.queues, rec)
	case g.method == graph.PartitionMod:
		idx, err := partitionIndex(rec, g.partitioning, len(g.queues))
		if err != nil {
			return err
		}
		return g.queues[idx].Put(ctx, rec)
	case i.stage.CopyRows:
		return putAll(ctx, g.queues, rec)
	default:
		q := g.queues[g.next]
		g.next = (g.next + 1) % len(g.queues)
		return q.Put(ctx, rec)
	}
}

func putAll(ctx context.Context, qs []queue.RowSet, rec core.Record) error {
	for _, q := range qs {
		if err := q.Put(ctx, rec); err != nil {
			return err
		}
	}
	return nil
}

func (i *Instance) init(ctx context.Context) error {
	ini, ok := i.behavior.(core.Initializable)
	if !ok {
		return nil
	}
	if err := ini.Init(ctx, i); err != nil {
		i.errors.Add(1)
		i.setErr(err)
		i.state.Store(int32(StateHalted))
		i.logger.Error("init failed", "error", err)
		return err
	}
	return nil
}

// RequestStop asks the instance to stop and wakes it if it is blocked on a
// queue. It is best effort: a RunOnce call in progress is not interrupted
// unless the behavior is core.Stoppable.
func (i *Instance) RequestStop() {
	if !i.stopped.CompareAndSwap(false, true) {
		return
	}
	if s, ok := i.behavior.(core.Stoppable); ok {
		s.RequestStop()
	}
	for _, q := range i.inputSnapshot() {
		q.Wake()
	}
	for _, g := range i.allOutputs() {
		for _, q := range g.queues {
			q.Wake()
		}
	}
}

func (i *Instance) dispose(ctx context.Context) {
	if !i.disposed.CompareAndSwap(false, true) {
		return
	}
	d, ok := i.behavior.(core.Disposable)
	if !ok {
		return
	}
	if err := d.Dispose(ctx); err != nil {
		i.logger.Warn("dispose failed", "error", err)
	}
}

// Step performs one scheduling quantum: a single RunOnce call plus the
// lifecycle bookkeeping around it. It returns false once the instance is
// done. A returned error is the behavior failure that ended the instance;
// it has already been counted.
//
// Step is called by the run's schedulers and, in ModeExternal, by the
// driver. Calls for one instance must not overlap.
func (i *Instance) Step(ctx context.Context) (bool, error) {
	st := i.State()
	if st.Terminal() {
		return false, nil
	}
	if i.run.Phase() != PhaseRunning {
		return false, ErrNotStarted
	}
	if st == StateIdle {
		if !i.state.CompareAndSwap(int32(StateIdle), int32(StateRunning)) {
			return false, nil
		}
		i.begin()
	}
	if i.stopped.Load() {
		i.complete(ctx, StateStopped)
		return false, nil
	}

	more, err := i.runOnce(ctx)
	switch {
	case err == nil && more:
		return true, nil
	case err == nil:
		if i.stopped.Load() {
			i.complete(ctx, StateStopped)
		} else {
			i.complete(ctx, StateFinished)
		}
		return false, nil
	case errors.Is(err, core.ErrNoRowAvailable):
		return true, nil
	case errors.Is(err, core.ErrStopped), errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		i.complete(ctx, StateStopped)
		return false, nil
	default:
		i.errors.Add(1)
		i.setErr(err)
		i.logger.Error("stage failed", "error", err)
		i.complete(ctx, StateStopped)
		return false, err
	}
}

func (i *Instance) runOnce(ctx context.Context) (more bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			more, err = false, fmt.Errorf("panic in %s: %v", i, r)
		}
	}()
	return i.behavior.RunOnce(ctx, i)
}

func (i *Instance) begin() {
	i.mu.Lock()
	i.startedAt = i.run.now()
	i.mu.Unlock()
	i.logger.Debug("instance started")
	i.run.emit(NewEvent(EventInstanceStarted, i.run.id).WithInstance(i.stage.Name, i.copy))
}

func (i *Instance) elapsed() time.Duration {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.startedAt.IsZero() {
		return 0
	}
	return i.run.now().Sub(i.startedAt)
}

// complete moves a running instance to its terminal state exactly once:
// outputs are marked done, the behavior is disposed and the run is told.
func (i *Instance) complete(ctx context.Context, state InstanceState) {
	if !i.state.CompareAndSwap(int32(StateRunning), int32(state)) {
		return
	}
	for _, g := range i.allOutputs() {
		for _, q := range g.queues {
			q.SetDone()
		}
	}
	if state == StateFinished {
		// Producers still writing to an input this instance no longer
		// reads would block forever.
		for _, q := range i.inputSnapshot() {
			if !q.Drained() {
				q.Wake()
			}
		}
	}
	i.dispose(context.WithoutCancel(ctx))

	c := i.Counters()
	kind := EventInstanceFinished
	if c.Errors > 0 {
		kind = EventInstanceFailed
	}
	e := NewEvent(kind, i.run.id).
		WithInstance(i.stage.Name, i.copy).
		WithElapsed(i.elapsed()).
		WithPayload("state", state.String()).
		WithPayload("counters", c)
	if err := i.Err(); err != nil {
		e = e.WithPayload("error", err.Error())
	}
	i.logger.Debug("instance done", "state", state, "read", c.Read, "written", c.Written, "errors", c.Errors)
	i.run.emit(e)
	i.run.instanceDone(i)
}

// reset returns the instance to Idle for a re-run.
func (i *Instance) reset() {
	i.mu.Lock()
	i.err = nil
	i.resultFiles = nil
	i.startedAt = time.Time{}
	i.mu.Unlock()

	i.nextInput = 0
	for _, g := range i.allOutputs() {
		g.next = 0
	}
	for _, c := range []*atomic.Int64{&i.read, &i.written, &i.input, &i.output, &i.updated, &i.rejected, &i.errors} {
		c.Store(0)
	}
	i.stopped.Store(false)
	i.disposed.Store(false)
	i.state.Store(int32(StateIdle))
}

var _ core.StepIO = (*Instance)(nil)
