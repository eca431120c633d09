// Package queue provides the bounded record channels that connect stage
// copies. Every queue has exactly one producer and one consumer; fan
// patterns use one queue per edge.
package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/petal-labs/rowflow/core"
)

// ErrQueueDone is returned when a producer writes after signalling done.
var ErrQueueDone = errors.New("queue is done")

// ID identifies a queue by its endpoints.
type ID struct {
	From     string `json:"from"`
	FromCopy int    `json:"from_copy"`
	To       string `json:"to"`
	ToCopy   int    `json:"to_copy"`
}

// String renders the queue identity as "from.copy - to.copy".
func (id ID) String() string {
	return fmt.Sprintf("%s.%d - %s.%d", id.From, id.FromCopy, id.To, id.ToCopy)
}

// ProducerID returns the synthetic identity of the n-th externally fed
// queue attached to a stage copy.
func ProducerID(stage string, copyIndex, n int) ID {
	return ID{From: fmt.Sprintf("external-%d", n), FromCopy: 0, To: stage, ToCopy: copyIndex}
}

// RowSet is a typed blocking record channel with named endpoints.
type RowSet interface {
	// ID returns the queue's endpoints.
	ID() ID

	// Put appends a record, blocking while the queue is full.
	// It returns core.ErrStopped when woken by Wake.
	Put(ctx context.Context, rec core.Record) error

	// Get removes the oldest record, blocking while the queue is empty.
	// It returns core.ErrEndOfInput once the queue is done and drained and
	// core.ErrStopped when woken by Wake.
	Get(ctx context.Context) (core.Record, error)

	// Poll is Get with an upper bound on the wait; ok is false on timeout.
	Poll(ctx context.Context, timeout time.Duration) (rec core.Record, ok bool, err error)

	// TryGet removes the oldest record without waiting.
	TryGet() (core.Record, bool)

	// SetDone marks that the producer will write no more records.
	SetDone()

	// IsDone reports whether the producer signalled done.
	IsDone() bool

	// Drained reports done and empty.
	Drained() bool

	// Size returns the number of buffered records.
	Size() int

	// Capacity returns the fixed capacity in records.
	Capacity() int

	// Wake releases any blocked Put or Get with core.ErrStopped.
	Wake()

	// Clear empties the queue and resets done and wake state.
	// Only valid while no producer or consumer is active.
	Clear()
}

// Kind selects a queue implementation.
type Kind string

const (
	// KindBlocking is a bounded queue of single records.
	KindBlocking Kind = "blocking"
	// KindBatching is bounded and moves records between producer and
	// consumer in batches.
	KindBatching Kind = "batching"
	// KindUnbounded never blocks the producer. It is used by the
	// single-threaded cooperative scheduler.
	KindUnbounded Kind = "unbounded"
)

// Options configures a new queue.
type Options struct {
	Kind      Kind
	Capacity  int // records; must be > 0 for bounded kinds
	BatchSize int // records per batch for KindBatching (default 100)
}

// New creates a RowSet of the configured kind.
func New(id ID, opts Options) (RowSet, error) {
	switch opts.Kind {
	case "", KindBlocking:
		if opts.Capacity <= 0 {
			return nil, fmt.Errorf("queue %s: capacity must be positive, got %d", id, opts.Capacity)
		}
		return NewBlocking(id, opts.Capacity), nil
	case KindBatching:
		if opts.Capacity <= 0 {
			return nil, fmt.Errorf("queue %s: capacity must be positive, got %d", id, opts.Capacity)
		}
		return NewBatching(id, opts.Capacity, opts.BatchSize), nil
	case KindUnbounded:
		return NewUnbounded(id), nil
	default:
		return nil, fmt.Errorf("queue %s: unknown kind %q", id, opts.Kind)
	}
}

// signal is a close-once channel guarded by the owning queue's mutex.
type signal struct {
	ch     chan struct{}
	closed bool
}

func newSignal() signal {
	return signal{ch: make(chan struct{})}
}

func (s *signal) fire() {
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

func fired(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}
