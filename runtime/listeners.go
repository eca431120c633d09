package runtime

import (
	"errors"
	"fmt"
	"slices"
	"sync"
)

// RunListener is notified of run-level transitions.
type RunListener func(r *Run) error

// InstanceListener is notified when an instance reaches a terminal state.
type InstanceListener func(r *Run, inst *Instance) error

// listenerSet stores listeners copy-on-write: registration replaces the
// slice, notification iterates a snapshot without holding the lock.
type listenerSet struct {
	mu       sync.Mutex
	active   []RunListener
	finished []RunListener
	stopped  []RunListener
	instance []InstanceListener
}

func (s *listenerSet) addRun(list *[]RunListener, fn RunListener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	*list = append(slices.Clip(*list), fn)
}

func (s *listenerSet) snapshot(list *[]RunListener) []RunListener {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *list
}

// notifyRun calls every listener even when some fail, then returns the
// joined errors.
func (s *listenerSet) notifyRun(list *[]RunListener, r *Run) error {
	var errs []error
	for _, fn := range s.snapshot(list) {
		if err := callSafely(func() error { return fn(r) }); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *listenerSet) notifyInstance(r *Run, inst *Instance) error {
	s.mu.Lock()
	list := s.instance
	s.mu.Unlock()

	var errs []error
	for _, fn := range list {
		if err := callSafely(func() error { return fn(r, inst) }); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func callSafely(fn func() error) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("listener panic: %v", rec)
		}
	}()
	return fn()
}

// OnActive registers a listener called when the run starts.
func (r *Run) OnActive(fn RunListener) {
	r.listeners.addRun(&r.listeners.active, fn)
}

// OnRunFinished registers a listener called exactly once per run, when
// the last instance completes.
func (r *Run) OnRunFinished(fn RunListener) {
	r.listeners.addRun(&r.listeners.finished, fn)
}

// OnRunStopped registers a listener called when Stop is requested.
func (r *Run) OnRunStopped(fn RunListener) {
	r.listeners.addRun(&r.listeners.stopped, fn)
}

// OnInstanceFinished registers a listener called for every instance that
// reaches Finished or Stopped.
func (r *Run) OnInstanceFinished(fn InstanceListener) {
	r.listeners.mu.Lock()
	defer r.listeners.mu.Unlock()
	r.listeners.instance = append(slices.Clip(r.listeners.instance), fn)
}
