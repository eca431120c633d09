package queue

import (
	"context"
	"sync"
	"time"

	"github.com/petal-labs/rowflow/core"
)

// Unbounded is a queue whose Put never blocks. The cooperative scheduler
// drives every instance from one goroutine, so a producer waiting on a full
// queue could never be relieved by its consumer.
type Unbounded struct {
	id ID

	mu      sync.Mutex
	rows    []core.Record
	done    bool
	stopped bool
	signal  chan struct{}
}

// NewUnbounded creates an empty unbounded queue.
func NewUnbounded(id ID) *Unbounded {
	return &Unbounded{
		id:     id,
		signal: make(chan struct{}, 1),
	}
}

// ID returns the queue's endpoints.
func (q *Unbounded) ID() ID { return q.id }

// Capacity returns 0; the queue has no fixed bound.
func (q *Unbounded) Capacity() int { return 0 }

// Size returns the number of buffered records.
func (q *Unbounded) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.rows)
}

func (q *Unbounded) notify() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// Put appends a record.
func (q *Unbounded) Put(_ context.Context, rec core.Record) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.done {
		return ErrQueueDone
	}
	if q.stopped {
		return core.ErrStopped
	}
	q.rows = append(q.rows, rec)
	q.notify()
	return nil
}

// next returns a record or the terminal error for the current state.
// ok is false and err nil when the caller has to wait.
func (q *Unbounded) next() (core.Record, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.rows) > 0 {
		rec := q.rows[0]
		q.rows = q.rows[1:]
		return rec, true, nil
	}
	if q.stopped {
		return core.Record{}, false, core.ErrStopped
	}
	if q.done {
		return core.Record{}, false, core.ErrEndOfInput
	}
	return core.Record{}, false, nil
}

// Get removes the oldest record, waiting while the queue is empty.
func (q *Unbounded) Get(ctx context.Context) (core.Record, error) {
	for {
		rec, ok, err := q.next()
		if ok || err != nil {
			return rec, err
		}
		select {
		case <-ctx.Done():
			return core.Record{}, ctx.Err()
		case <-q.signal:
		}
	}
}

// Poll waits at most timeout for a record.
func (q *Unbounded) Poll(ctx context.Context, timeout time.Duration) (core.Record, bool, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		rec, ok, err := q.next()
		if ok || err != nil {
			return rec, ok, err
		}
		select {
		case <-ctx.Done():
			return core.Record{}, false, ctx.Err()
		case <-timer.C:
			return core.Record{}, false, nil
		case <-q.signal:
		}
	}
}

// TryGet removes the oldest record without waiting.
func (q *Unbounded) TryGet() (core.Record, bool) {
	rec, ok, _ := q.next()
	return rec, ok
}

// SetDone marks that the producer will write no more records.
func (q *Unbounded) SetDone() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.done = true
	q.notify()
}

// IsDone reports whether the producer signalled done.
func (q *Unbounded) IsDone() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.done
}

// Drained reports done and empty.
func (q *Unbounded) Drained() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.done && len(q.rows) == 0
}

// Wake releases a waiting consumer with core.ErrStopped.
func (q *Unbounded) Wake() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.stopped = true
	q.notify()
}

// Clear empties the queue and resets its flags.
func (q *Unbounded) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.rows = nil
	q.done = false
	q.stopped = false
	select {
	case <-q.signal:
	default:
	}
}

var _ RowSet = (*Unbounded)(nil)
