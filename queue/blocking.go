package queue

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/petal-labs/rowflow/core"
)

// Blocking is a bounded FIFO queue of records backed by a buffered channel.
type Blocking struct {
	id       ID
	capacity int

	mu   sync.Mutex
	rows chan core.Record
	done signal
	wake signal

	size atomic.Int64
}

// NewBlocking creates a bounded queue holding at most capacity records.
func NewBlocking(id ID, capacity int) *Blocking {
	return &Blocking{
		id:       id,
		capacity: capacity,
		rows:     make(chan core.Record, capacity),
		done:     newSignal(),
		wake:     newSignal(),
	}
}

func (q *Blocking) chans() (chan core.Record, <-chan struct{}, <-chan struct{}) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.rows, q.done.ch, q.wake.ch
}

// ID returns the queue's endpoints.
func (q *Blocking) ID() ID { return q.id }

// Capacity returns the fixed capacity.
func (q *Blocking) Capacity() int { return q.capacity }

// Size returns the number of buffered records.
func (q *Blocking) Size() int { return int(q.size.Load()) }

// Put appends a record, blocking while the queue is full.
func (q *Blocking) Put(ctx context.Context, rec core.Record) error {
	rows, done, wake := q.chans()
	if fired(done) {
		return ErrQueueDone
	}
	if fired(wake) {
		return core.ErrStopped
	}
	// Count before the send so a consumer never observes a negative size.
	q.size.Add(1)
	select {
	case rows <- rec:
		return nil
	case <-wake:
		q.size.Add(-1)
		return core.ErrStopped
	case <-ctx.Done():
		q.size.Add(-1)
		return ctx.Err()
	}
}

// Get removes the oldest record, blocking while the queue is empty.
func (q *Blocking) Get(ctx context.Context) (core.Record, error) {
	rows, done, wake := q.chans()
	if rec, ok := q.take(rows); ok {
		return rec, nil
	}
	select {
	case rec := <-rows:
		q.size.Add(-1)
		return rec, nil
	case <-done:
		if rec, ok := q.take(rows); ok {
			return rec, nil
		}
		return core.Record{}, core.ErrEndOfInput
	case <-wake:
		return core.Record{}, core.ErrStopped
	case <-ctx.Done():
		return core.Record{}, ctx.Err()
	}
}

// Poll waits at most timeout for a record.
func (q *Blocking) Poll(ctx context.Context, timeout time.Duration) (core.Record, bool, error) {
	rows, done, wake := q.chans()
	if rec, ok := q.take(rows); ok {
		return rec, true, nil
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case rec := <-rows:
		q.size.Add(-1)
		return rec, true, nil
	case <-done:
		if rec, ok := q.take(rows); ok {
			return rec, true, nil
		}
		return core.Record{}, false, core.ErrEndOfInput
	case <-wake:
		return core.Record{}, false, core.ErrStopped
	case <-timer.C:
		return core.Record{}, false, nil
	case <-ctx.Done():
		return core.Record{}, false, ctx.Err()
	}
}

// TryGet removes the oldest record without waiting.
func (q *Blocking) TryGet() (core.Record, bool) {
	rows, _, _ := q.chans()
	return q.take(rows)
}

func (q *Blocking) take(rows chan core.Record) (core.Record, bool) {
	select {
	case rec := <-rows:
		q.size.Add(-1)
		return rec, true
	default:
		return core.Record{}, false
	}
}

// SetDone marks that the producer will write no more records.
func (q *Blocking) SetDone() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.done.fire()
}

// IsDone reports whether the producer signalled done.
func (q *Blocking) IsDone() bool {
	_, done, _ := q.chans()
	return fired(done)
}

// Drained reports done and empty.
func (q *Blocking) Drained() bool {
	return q.IsDone() && q.Size() == 0
}

// Wake releases blocked callers with core.ErrStopped.
func (q *Blocking) Wake() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.wake.fire()
}

// Clear empties the queue and resets its signals.
func (q *Blocking) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.rows = make(chan core.Record, q.capacity)
	q.done = newSignal()
	q.wake = newSignal()
	q.size.Store(0)
}

var _ RowSet = (*Blocking)(nil)
