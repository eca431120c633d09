package runtime

import (
	"fmt"
	"time"

	"github.com/petal-labs/rowflow/core"
)

// Phase is the primary state of a run. Paused and stopped are independent
// flags layered on top of it.
type Phase int32

const (
	PhaseNone Phase = iota
	PhasePreparing
	PhaseInitializing
	PhaseReady // initialized, waiting for Start
	PhaseRunning
	PhaseFinished
)

var phaseNames = [...]string{"none", "preparing", "initializing", "ready", "running", "finished"}

func (p Phase) String() string {
	if int(p) < len(phaseNames) {
		return phaseNames[p]
	}
	return fmt.Sprintf("phase(%d)", int(p))
}

// MarshalText renders the phase name.
func (p Phase) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// allowed lists every legal phase transition.
var allowed = map[Phase][]Phase{
	PhaseNone:         {PhasePreparing},
	PhasePreparing:    {PhaseInitializing, PhaseFinished},
	PhaseInitializing: {PhaseReady, PhaseFinished},
	PhaseReady:        {PhaseRunning, PhaseInitializing},
	PhaseRunning:      {PhaseFinished},
	PhaseFinished:     {PhaseInitializing},
}

// transition validates a phase change.
func transition(from, to Phase) error {
	for _, p := range allowed[from] {
		if p == to {
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidPhase, from, to)
}

// InstanceState is the lifecycle state of a stage instance.
type InstanceState int32

const (
	StateIdle InstanceState = iota
	StateRunning
	StateFinished
	StateStopped
	StateHalted // init failed
)

var stateNames = [...]string{"idle", "running", "finished", "stopped", "halted"}

func (s InstanceState) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// MarshalText renders the state name.
func (s InstanceState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a state name.
func (s *InstanceState) UnmarshalText(b []byte) error {
	for i, name := range stateNames {
		if name == string(b) {
			*s = InstanceState(i)
			return nil
		}
	}
	return fmt.Errorf("unknown instance state %q", b)
}

// Terminal reports whether no more work will happen in this state.
func (s InstanceState) Terminal() bool {
	return s >= StateFinished
}

// InstanceStatus is a point-in-time view of one instance.
type InstanceStatus struct {
	Stage    string        `json:"stage"`
	Copy     int           `json:"copy"`
	State    InstanceState `json:"state"`
	Counters core.Counters `json:"counters"`
	// InputBuffered and OutputBuffered are the records sitting in the
	// instance's queues.
	InputBuffered  int `json:"input_buffered"`
	OutputBuffered int `json:"output_buffered"`
}

// Status is a point-in-time view of a run. Instances are in topological
// order when the run is small enough to be sorted.
type Status struct {
	RunID         string           `json:"run_id"`
	Graph         string           `json:"graph"`
	Phase         Phase            `json:"phase"`
	Paused        bool             `json:"paused"`
	Stopped       bool             `json:"stopped"`
	Errors        int64            `json:"errors"`
	Total         int              `json:"total"`
	Active        int              `json:"active"`
	Finished      int              `json:"finished"`
	BatchID       string           `json:"batch_id"`
	TransactionID string           `json:"transaction_id"`
	StartDate     time.Time        `json:"start_date"`
	EndDate       time.Time        `json:"end_date"`
	Instances     []InstanceStatus `json:"instances"`
}

// InstanceResult is the outcome of one instance.
type InstanceResult struct {
	Stage       string        `json:"stage"`
	Copy        int           `json:"copy"`
	State       InstanceState `json:"state"`
	Counters    core.Counters `json:"counters"`
	ResultFiles []string      `json:"result_files,omitempty"`
	Err         string        `json:"error,omitempty"`
}

// Result is the aggregate outcome of a run.
type Result struct {
	RunID         string           `json:"run_id"`
	Graph         string           `json:"graph"`
	BatchID       string           `json:"batch_id"`
	TransactionID string           `json:"transaction_id"`
	Finished      bool             `json:"finished"`
	Stopped       bool             `json:"stopped"`
	Errors        int64            `json:"errors"`
	Counters      core.Counters    `json:"counters"`
	Elapsed       time.Duration    `json:"elapsed"`
	Instances     []InstanceResult `json:"instances"`
}

// Failed reports whether the run ended with errors.
func (r Result) Failed() bool {
	return r.Errors > 0
}
