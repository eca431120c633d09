package bus

import (
	"sync"
	"time"

	"github.com/petal-labs/rowflow/runtime"
)

// ThrottleConfig controls the behavior of ThrottledEmitter.
type ThrottleConfig struct {
	// CoalesceInterval is how often coalesced snapshots are flushed.
	// Default: 1s
	CoalesceInterval time.Duration
}

// ThrottledEmitter wraps a runtime.EventEmitter and coalesces run.snapshot
// events so that at most one snapshot per run is forwarded per interval.
// All other events pass through immediately. A run.finished event discards
// the pending snapshot of its run.
type ThrottledEmitter struct {
	emit     runtime.EventEmitter
	interval time.Duration

	mu      sync.Mutex
	pending map[string]runtime.Event // runID -> latest snapshot
	closed  bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewThrottledEmitter starts the flush loop. Call Close to stop it.
func NewThrottledEmitter(emit runtime.EventEmitter, cfg ThrottleConfig) *ThrottledEmitter {
	interval := cfg.CoalesceInterval
	if interval <= 0 {
		interval = time.Second
	}

	te := &ThrottledEmitter{
		emit:     emit,
		interval: interval,
		pending:  make(map[string]runtime.Event),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
	go te.run()
	return te
}

// Decorator returns te as a runtime.EventEmitterDecorator. The wrapped
// emitter replaces the one given to NewThrottledEmitter.
func (te *ThrottledEmitter) Decorator() runtime.EventEmitterDecorator {
	return func(next runtime.EventEmitter) runtime.EventEmitter {
		te.mu.Lock()
		te.emit = next
		te.mu.Unlock()
		return te.Emit
	}
}

// Emit forwards or coalesces e.
func (te *ThrottledEmitter) Emit(e runtime.Event) {
	te.mu.Lock()
	if e.Kind == runtime.EventRunSnapshot {
		if !te.closed {
			te.pending[e.RunID] = e
		}
		te.mu.Unlock()
		return
	}
	if e.Kind == runtime.EventRunFinished {
		delete(te.pending, e.RunID)
	}
	emit := te.emit
	te.mu.Unlock()

	emit(e)
}

// Close flushes pending snapshots and stops the flush loop. It is safe to
// call Close multiple times.
func (te *ThrottledEmitter) Close() {
	te.mu.Lock()
	if te.closed {
		te.mu.Unlock()
		return
	}
	te.closed = true
	te.mu.Unlock()

	close(te.stopCh)
	<-te.doneCh
}

func (te *ThrottledEmitter) run() {
	defer close(te.doneCh)

	ticker := time.NewTicker(te.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			te.flush()
		case <-te.stopCh:
			te.flush()
			return
		}
	}
}

func (te *ThrottledEmitter) flush() {
	te.mu.Lock()
	if len(te.pending) == 0 {
		te.mu.Unlock()
		return
	}
	toFlush := te.pending
	te.pending = make(map[string]runtime.Event)
	emit := te.emit
	te.mu.Unlock()

	for _, e := range toFlush {
		emit(e)
	}
}
