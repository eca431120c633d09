package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/petal-labs/rowflow/core"
	"github.com/petal-labs/rowflow/graph"
	"github.com/petal-labs/rowflow/plan"
	"github.com/petal-labs/rowflow/queue"
)

type instanceKey struct {
	stage string
	copy  int
}

// Run is one execution of a prepared graph. It is created by
// Engine.Prepare and driven with Start, Stop, Pause and Resume.
type Run struct {
	id     string
	graph  *graph.Graph
	plan   *plan.Plan
	opts   RunOptions
	logger *slog.Logger
	logBuf *LogBuffer
	seq    *seqGen
	emitFn EventEmitter

	instances []*Instance // plan order
	sorted    []*Instance
	byKey     map[instanceKey]*Instance

	batchID       string
	transactionID string
	startDate     time.Time
	endDate       time.Time
	// batchMu is shared by a family of nested runs.
	batchMu *sync.Mutex
	parent  *Run

	mu          sync.Mutex
	phase       atomic.Int32
	queues      []queue.RowSet
	finished    int
	active      int
	errors      int64
	producers   int
	doneCh      chan struct{}
	started     bool
	listenerErr error
	children    map[string]*Run
	startedAt   time.Time
	finishedAt  time.Time
	cancel      context.CancelFunc

	paused  atomic.Bool
	stopped atomic.Bool
	gateMu  sync.Mutex
	gate    chan struct{} // closed while not paused

	listeners listenerSet
	wg        sync.WaitGroup
}

// ID returns the run identifier.
func (r *Run) ID() string { return r.id }

// Graph returns the graph being executed.
func (r *Run) Graph() *graph.Graph { return r.graph }

// Plan returns the dispatch plan the run was built from.
func (r *Run) Plan() *plan.Plan { return r.plan }

// Logger returns the run logger.
func (r *Run) Logger() *slog.Logger { return r.logger }

// BatchID returns the batch identifier computed at prepare time.
func (r *Run) BatchID() string { return r.batchID }

// TransactionID returns the identifier shared by a family of related runs.
func (r *Run) TransactionID() string { return r.transactionID }

// DateRange returns the start and end dates computed at prepare time.
func (r *Run) DateRange() (time.Time, time.Time) { return r.startDate, r.endDate }

// Parent returns the parent run, or nil.
func (r *Run) Parent() *Run { return r.parent }

// Phase returns the primary state of the run.
func (r *Run) Phase() Phase { return Phase(r.phase.Load()) }

// Paused reports whether the run is paused.
func (r *Run) Paused() bool { return r.paused.Load() }

// Stopped reports whether Stop was requested.
func (r *Run) Stopped() bool { return r.stopped.Load() }

// Instances returns every instance in plan order.
func (r *Run) Instances() []*Instance { return r.instances }

// SortedInstances returns the instances in topological order (see
// SortInstances).
func (r *Run) SortedInstances() []*Instance { return r.sorted }

// Instance returns the given copy of a stage.
func (r *Run) Instance(stage string, copyIndex int) (*Instance, bool) {
	inst, ok := r.byKey[instanceKey{stage, copyIndex}]
	return inst, ok
}

// LogBuffer returns the preview log buffer, or nil outside preview mode.
func (r *Run) LogBuffer() *LogBuffer { return r.logBuf }

func (r *Run) now() time.Time { return r.opts.Now() }

func (r *Run) emit(e Event) {
	r.emitFn(e)
}

// setPhase must be called with r.mu held.
func (r *Run) setPhase(to Phase) error {
	if err := transition(r.Phase(), to); err != nil {
		return err
	}
	r.phase.Store(int32(to))
	return nil
}

// AddChild registers a child run under name.
func (r *Run) AddChild(name string, child *Run) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.children == nil {
		r.children = make(map[string]*Run)
	}
	r.children[name] = child
}

// Child returns the child run registered under name.
func (r *Run) Child(name string) (*Run, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.children[name]
	return c, ok
}

// Children returns a copy of the child map.
func (r *Run) Children() map[string]*Run {
	r.mu.Lock()
	defer r.mu.Unlock()
	return maps.Clone(r.children)
}

// initAll is the init barrier: every instance is initialized concurrently
// and the call returns only after all of them are done. On any failure
// every instance is disposed and the run finishes without running.
func (r *Run) initAll(ctx context.Context) error {
	var g errgroup.Group
	errs := make([]error, len(r.instances))
	for k, inst := range r.instances {
		g.Go(func() error {
			errs[k] = inst.init(ctx)
			if errs[k] != nil {
				return fmt.Errorf("%s: %w", inst, errs[k])
			}
			return nil
		})
	}
	first := g.Wait()

	var failures []*InstanceError
	for k, err := range errs {
		if err != nil {
			inst := r.instances[k]
			failures = append(failures, &InstanceError{Stage: inst.stage.Name, Copy: inst.copy, Err: err})
		}
	}
	if len(failures) == 0 {
		r.mu.Lock()
		defer r.mu.Unlock()
		return r.setPhase(PhaseReady)
	}

	for _, inst := range r.instances {
		inst.dispose(ctx)
	}
	r.mu.Lock()
	r.errors += int64(len(failures))
	_ = r.setPhase(PhaseFinished)
	r.mu.Unlock()

	for _, f := range failures {
		r.emit(NewEvent(EventInstanceFailed, r.id).
			WithInstance(f.Stage, f.Copy).
			WithPayload("state", StateHalted.String()).
			WithPayload("error", f.Err.Error()))
	}
	r.logger.Error("init failed", "failures", len(failures), "first", first)
	ie := &InitError{Failures: failures}
	if r.logBuf != nil {
		ie.Log = r.logBuf.String()
	}
	r.emit(NewEvent(EventRunInitFailed, r.id).WithPayload("error", ie.Error()))
	return ie
}

// Start launches the instances according to the run's mode. The run must
// be Ready: freshly prepared, or reset with ClearError.
func (r *Run) Start(ctx context.Context) error {
	r.mu.Lock()
	if err := r.setPhase(PhaseRunning); err != nil {
		r.mu.Unlock()
		return err
	}
	r.stopped.Store(false)
	r.resetGate()
	r.finished = 0
	r.active = len(r.instances)
	r.doneCh = make(chan struct{})
	r.started = true
	r.startedAt = r.now()
	r.finishedAt = time.Time{}
	runCtx, cancel := context.WithCancel(ContextWithRun(ContextWithEmitter(ctx, r.emitFn), r))
	r.cancel = cancel
	r.mu.Unlock()

	r.logger.Info("run started", "mode", r.opts.Mode, "instances", len(r.instances))
	r.emit(NewEvent(EventRunStarted, r.id).
		WithPayload("mode", string(r.opts.Mode)).
		WithPayload("instances", len(r.instances)).
		WithPayload("batch_id", r.batchID))
	r.recordListenerErr(r.listeners.notifyRun(&r.listeners.active, r))

	switch r.opts.Mode {
	case ModeParallel:
		for _, inst := range r.instances {
			r.wg.Add(1)
			go r.runInstance(runCtx, inst)
		}
	case ModeSerial:
		r.wg.Add(1)
		go r.runSerial(runCtx)
	case ModeExternal:
		// the driver calls Instance.Step
	}

	go r.watch(runCtx)
	if r.opts.StatusInterval > 0 {
		go r.reportStatus(runCtx)
	}
	return nil
}

func (r *Run) runInstance(ctx context.Context, inst *Instance) {
	defer r.wg.Done()
	for {
		if err := r.waitIfPaused(ctx); err != nil {
			inst.RequestStop()
		}
		more, _ := inst.Step(ctx)
		if !more {
			return
		}
	}
}

// runSerial drives every instance from one goroutine, one RunOnce per
// instance per pass. A pass in which nothing moved backs off for one poll
// interval.
func (r *Run) runSerial(ctx context.Context) {
	defer r.wg.Done()
	for {
		if err := r.waitIfPaused(ctx); err != nil {
			r.stopAll()
		}
		before := r.activity()
		pending := 0
		for _, inst := range r.sorted {
			if inst.State().Terminal() {
				continue
			}
			pending++
			_, _ = inst.Step(ctx)
		}
		if pending == 0 {
			return
		}
		if r.activity() == before {
			select {
			case <-ctx.Done():
			case <-time.After(r.opts.PollInterval):
			}
		}
	}
}

// activity is a monotone measure of progress across all instances.
func (r *Run) activity() int64 {
	var n int64
	for _, inst := range r.instances {
		c := inst.Counters()
		n += c.Read + c.Written + c.Rejected + c.Input + c.Output + c.Errors
		if inst.State().Terminal() {
			n++
		}
	}
	return n
}

// watch stops the run when the Start context is canceled.
func (r *Run) watch(ctx context.Context) {
	<-ctx.Done()
	if r.Phase() == PhaseRunning {
		r.logger.Warn("run context canceled, stopping", "error", ctx.Err())
		_ = r.Stop()
	}
}

func (r *Run) reportStatus(ctx context.Context) {
	ticker := time.NewTicker(r.opts.StatusInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			st := r.Status()
			r.emit(NewEvent(EventRunSnapshot, r.id).
				WithElapsed(r.now().Sub(r.startedAt)).
				WithPayload("active", st.Active).
				WithPayload("finished", st.Finished).
				WithPayload("errors", st.Errors).
				WithPayload("paused", st.Paused).
				WithPayload("instances", st.Instances))
		}
	}
}

// instanceDone is the completion protocol. The finished counter is
// updated under the run lock; the call that brings it to the instance
// count finishes the run and notifies finish listeners, exactly once.
func (r *Run) instanceDone(inst *Instance) {
	c := inst.Counters()

	r.mu.Lock()
	r.finished++
	r.active--
	r.errors += c.Errors
	last := r.finished == len(r.instances) && r.Phase() == PhaseRunning
	if last {
		_ = r.setPhase(PhaseFinished)
		r.finishedAt = r.now()
	}
	r.mu.Unlock()

	if c.Errors > 0 {
		r.logger.Warn("instance failed, stopping all instances", "stage", inst.stage.Name, "copy", inst.copy, "errors", c.Errors)
		r.stopAll()
	}
	r.recordListenerErr(r.listeners.notifyInstance(r, inst))
	if last {
		r.finish()
	}
}

func (r *Run) finish() {
	res := r.Result()
	r.logger.Info("run finished",
		"errors", res.Errors,
		"stopped", res.Stopped,
		"read", res.Counters.Read,
		"written", res.Counters.Written,
		"elapsed", res.Elapsed)
	r.emit(NewEvent(EventRunFinished, r.id).
		WithElapsed(res.Elapsed).
		WithPayload("errors", res.Errors).
		WithPayload("stopped", res.Stopped).
		WithPayload("counters", res.Counters).
		WithPayload("batch_id", r.batchID).
		WithPayload("start_date", r.startDate).
		WithPayload("end_date", r.endDate))
	r.recordListenerErr(r.listeners.notifyRun(&r.listeners.finished, r))

	r.mu.Lock()
	cancel, done := r.cancel, r.doneCh
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	close(done)
}

func (r *Run) recordListenerErr(err error) {
	if err == nil {
		return
	}
	r.logger.Error("listener failed", "error", err)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listenerErr = errors.Join(r.listenerErr, err)
}

// WaitUntilFinished blocks until the run finishes or timeout elapses. A
// non-positive timeout uses RunOptions.WaitTimeout. It returns
// ErrWaitTimeout on timeout and otherwise the joined listener errors.
// Instance failures are reported by Result, not here.
func (r *Run) WaitUntilFinished(timeout time.Duration) error {
	if timeout <= 0 {
		timeout = r.opts.WaitTimeout
	}
	r.mu.Lock()
	phase, done, started := r.Phase(), r.doneCh, r.started
	r.mu.Unlock()

	switch {
	case phase == PhaseFinished && !started:
		return nil
	case !started:
		return ErrNotStarted
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		return ErrWaitTimeout
	}

	r.wg.Wait()
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.listenerErr
}

// Done returns a channel closed when the current start finishes.
func (r *Run) Done() <-chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.doneCh
}

func (r *Run) stopAll() {
	for _, inst := range r.instances {
		inst.RequestStop()
	}
}

// Stop requests every instance to stop and releases blocked queue
// operations. It does not wait; use WaitUntilFinished. Stop is a no-op
// unless the run is Running.
func (r *Run) Stop() error {
	if r.Phase() != PhaseRunning {
		return nil
	}
	if !r.stopped.CompareAndSwap(false, true) {
		return nil
	}
	r.logger.Info("run stop requested")
	r.stopAll()
	r.Resume()
	r.emit(NewEvent(EventRunStopped, r.id))
	err := r.listeners.notifyRun(&r.listeners.stopped, r)
	r.recordListenerErr(err)
	return err
}

// Pause blocks every worker loop between RunOnce calls.
func (r *Run) Pause() {
	r.gateMu.Lock()
	defer r.gateMu.Unlock()
	if r.paused.CompareAndSwap(false, true) {
		r.gate = make(chan struct{})
		r.emit(NewEvent(EventRunPaused, r.id))
	}
}

// Resume releases paused worker loops.
func (r *Run) Resume() {
	r.gateMu.Lock()
	defer r.gateMu.Unlock()
	if r.paused.CompareAndSwap(true, false) {
		close(r.gate)
		r.emit(NewEvent(EventRunResumed, r.id))
	}
}

func (r *Run) resetGate() {
	r.gateMu.Lock()
	defer r.gateMu.Unlock()
	if r.paused.CompareAndSwap(true, false) {
		close(r.gate)
	}
}

func (r *Run) waitIfPaused(ctx context.Context) error {
	if !r.paused.Load() {
		return nil
	}
	r.gateMu.Lock()
	gate := r.gate
	r.gateMu.Unlock()
	select {
	case <-gate:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ClearError resets a run that is not running so it can be started again
// without re-planning: the error count and stopped flag are cleared, every
// queue is emptied, and every instance is reset and initialized again.
func (r *Run) ClearError(ctx context.Context) error {
	if r.Phase() == PhaseRunning {
		return ErrRunActive
	}
	r.wg.Wait()

	r.mu.Lock()
	if err := r.setPhase(PhaseInitializing); err != nil {
		r.mu.Unlock()
		return err
	}
	r.errors = 0
	r.finished = 0
	r.active = 0
	r.listenerErr = nil
	r.started = false
	queues := r.queues
	r.mu.Unlock()

	r.stopped.Store(false)
	for _, inst := range r.instances {
		inst.dispose(ctx)
	}
	for _, q := range queues {
		q.Clear()
	}
	for _, inst := range r.instances {
		inst.reset()
	}
	r.logger.Info("run errors cleared")
	return r.initAll(ctx)
}

// RecordProducer feeds records into an instance from outside the graph.
type RecordProducer struct {
	q queue.RowSet
}

// ID returns the identity of the producer's queue.
func (p *RecordProducer) ID() queue.ID { return p.q.ID() }

// PutRow writes one record, blocking while the queue is full.
func (p *RecordProducer) PutRow(ctx context.Context, rec core.Record) error {
	return p.q.Put(ctx, rec)
}

// Done signals that no more records follow.
func (p *RecordProducer) Done() { p.q.SetDone() }

// AddRecordProducer attaches one more input queue to a prepared instance.
// It must be called before Start.
func (r *Run) AddRecordProducer(stage string, copyIndex int) (*RecordProducer, error) {
	inst, ok := r.Instance(stage, copyIndex)
	if !ok {
		return nil, ErrInstanceNotFound
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Phase() != PhaseReady {
		return nil, ErrRunActive
	}
	r.producers++
	q, err := newQueue(r.opts, queue.ProducerID(stage, copyIndex, r.producers))
	if err != nil {
		return nil, err
	}
	r.queues = append(r.queues, q)
	inst.addInput(q)
	return &RecordProducer{q: q}, nil
}

// Status returns a point-in-time snapshot of the run.
func (r *Run) Status() Status {
	r.mu.Lock()
	st := Status{
		RunID:         r.id,
		Graph:         r.graph.Name(),
		Phase:         r.Phase(),
		Paused:        r.paused.Load(),
		Stopped:       r.stopped.Load(),
		Errors:        r.errors,
		Total:         len(r.instances),
		Active:        r.active,
		Finished:      r.finished,
		BatchID:       r.batchID,
		TransactionID: r.transactionID,
		StartDate:     r.startDate,
		EndDate:       r.endDate,
	}
	r.mu.Unlock()

	st.Instances = make([]InstanceStatus, 0, len(r.sorted))
	for _, inst := range r.sorted {
		st.Instances = append(st.Instances, inst.Status())
	}
	return st
}

// Result returns the aggregate outcome of the run.
func (r *Run) Result() Result {
	r.mu.Lock()
	res := Result{
		RunID:         r.id,
		Graph:         r.graph.Name(),
		BatchID:       r.batchID,
		TransactionID: r.transactionID,
		Finished:      r.Phase() == PhaseFinished,
		Stopped:       r.stopped.Load(),
		Errors:        r.errors,
	}
	switch {
	case !r.finishedAt.IsZero():
		res.Elapsed = r.finishedAt.Sub(r.startedAt)
	case !r.startedAt.IsZero():
		res.Elapsed = r.now().Sub(r.startedAt)
	}
	r.mu.Unlock()

	for _, inst := range r.instances {
		c := inst.Counters()
		res.Counters = res.Counters.Add(c)
		ir := InstanceResult{
			Stage:       inst.stage.Name,
			Copy:        inst.copy,
			State:       inst.State(),
			Counters:    c,
			ResultFiles: inst.ResultFiles(),
		}
		if err := inst.Err(); err != nil {
			ir.Err = err.Error()
		}
		res.Instances = append(res.Instances, ir)
	}
	return res
}
