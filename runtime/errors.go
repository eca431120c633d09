package runtime

import (
	"errors"
	"fmt"
	"strings"

	"github.com/petal-labs/rowflow/core"
)

// Runtime errors
var (
	ErrUnknownKind      = core.ErrUnknownKind
	ErrInitFailed       = errors.New("initialization failed")
	ErrWaitTimeout      = errors.New("timed out waiting for run to finish")
	ErrRunActive        = errors.New("run is active")
	ErrNotStarted       = errors.New("run was not started")
	ErrInvalidMode      = errors.New("invalid scheduling mode")
	ErrInvalidPhase     = errors.New("invalid phase transition")
	ErrInstanceNotFound = errors.New("instance not found")
)

// InstanceError is the failure of one stage copy.
type InstanceError struct {
	Stage string
	Copy  int
	Err   error
}

func (e *InstanceError) Error() string {
	return fmt.Sprintf("%s.%d: %v", e.Stage, e.Copy, e.Err)
}

func (e *InstanceError) Unwrap() error { return e.Err }

// InitError aggregates every init failure of a run. It matches ErrInitFailed
// with errors.Is and each InstanceError with errors.As.
type InitError struct {
	Failures []*InstanceError
	// Log holds buffered log output when the run was prepared in preview mode.
	Log string
}

func (e *InitError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %d instance(s) failed", ErrInitFailed, len(e.Failures))
	for _, f := range e.Failures {
		b.WriteString("\n  ")
		b.WriteString(f.Error())
	}
	if e.Log != "" {
		b.WriteString("\nlog:\n")
		b.WriteString(e.Log)
	}
	return b.String()
}

// Is reports whether target is ErrInitFailed.
func (e *InitError) Is(target error) bool {
	return target == ErrInitFailed
}

// Unwrap returns the individual instance failures.
func (e *InitError) Unwrap() []error {
	errs := make([]error, len(e.Failures))
	for i, f := range e.Failures {
		errs[i] = f
	}
	return errs
}
