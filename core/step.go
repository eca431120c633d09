package core

import (
	"context"
	"errors"
	"log/slog"
)

// Stream errors returned by StepIO.
var (
	// ErrEndOfInput means every input queue is done and drained.
	ErrEndOfInput = errors.New("end of input")
	// ErrStopped means the instance was asked to stop while waiting on a queue.
	// It is a normal cancellation outcome, not a failure.
	ErrStopped = errors.New("stopped")
	// ErrNoRowAvailable is returned in cooperative mode when no input row is
	// ready yet and the caller must yield instead of blocking.
	ErrNoRowAvailable = errors.New("no row available")
)

// ErrUnknownKind is returned by behavior resolvers for an unregistered kind.
var ErrUnknownKind = errors.New("unknown stage kind")

// Runnable is the only capability every stage behavior must provide.
// RunOnce performs at most one unit of work and returns false once the stage
// has no more input and has flushed all of its output. A returned error is
// counted against the instance and ends it.
type Runnable interface {
	RunOnce(ctx context.Context, io StepIO) (bool, error)
}

// Initializable stages acquire resources before the run starts.
// Init is called concurrently for all instances of a run.
type Initializable interface {
	Init(ctx context.Context, io StepIO) error
}

// Stoppable stages are told when a stop was requested so they can
// interrupt long work inside RunOnce.
type Stoppable interface {
	RequestStop()
}

// Disposable stages release resources once they are done.
type Disposable interface {
	Dispose(ctx context.Context) error
}

// StepIO is what a running stage copy sees of the engine.
type StepIO interface {
	// StageName returns the name of the stage this copy belongs to.
	StageName() string
	// CopyIndex returns the 0-based copy number.
	CopyIndex() int
	// Copies returns the resolved copy count of the stage.
	Copies() int
	// Config returns the stage's behavior configuration.
	Config() map[string]any

	// GetRow reads the next record from any input queue.
	// It returns ErrEndOfInput, ErrStopped or ErrNoRowAvailable.
	GetRow(ctx context.Context) (Record, error)
	// PutRow writes a record to the normal output queues.
	// It returns ErrStopped if the instance is stopped while blocked.
	PutRow(ctx context.Context, rec Record) error
	// PutError routes a failed record to the error target when one is
	// configured, otherwise it counts the record as rejected.
	PutError(ctx context.Context, rec Record, info ErrorInfo) error

	// HasInputs reports whether any input queue is bound.
	HasInputs() bool
	// Stopped reports whether a stop was requested.
	Stopped() bool

	IncInput(n int64)
	IncOutput(n int64)
	IncUpdated(n int64)
	IncErrors(n int64)

	// AddResultFile records a file produced by this copy in the run result.
	AddResultFile(path string)

	Logger() *slog.Logger
}
