package queue

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/petal-labs/rowflow/core"
)

// DefaultBatchSize is used when Options.BatchSize is not set.
const DefaultBatchSize = 100

// Batching is a bounded queue that hands records from producer to consumer
// in batches. Records only become visible to the consumer once a batch is
// full or the producer signals done.
type Batching struct {
	id        ID
	capacity  int
	batchSize int

	mu      sync.Mutex
	batches chan []core.Record
	done    signal
	wake    signal

	pmu     sync.Mutex
	pending []core.Record

	cmu     sync.Mutex
	current []core.Record

	size atomic.Int64
}

// NewBatching creates a batching queue holding about capacity records.
func NewBatching(id ID, capacity, batchSize int) *Batching {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	if batchSize > capacity {
		batchSize = capacity
	}
	return &Batching{
		id:        id,
		capacity:  capacity,
		batchSize: batchSize,
		batches:   make(chan []core.Record, batchSlots(capacity, batchSize)),
		done:      newSignal(),
		wake:      newSignal(),
	}
}

func batchSlots(capacity, batchSize int) int {
	return max(1, capacity/batchSize)
}

func (q *Batching) chans() (chan []core.Record, <-chan struct{}, <-chan struct{}) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.batches, q.done.ch, q.wake.ch
}

// ID returns the queue's endpoints.
func (q *Batching) ID() ID { return q.id }

// Capacity returns the configured capacity.
func (q *Batching) Capacity() int { return q.capacity }

// BatchSize returns the number of records per handoff.
func (q *Batching) BatchSize() int { return q.batchSize }

// Size returns the number of buffered records, pending ones included.
func (q *Batching) Size() int { return int(q.size.Load()) }

// Put appends a record to the pending batch and hands the batch over once
// it is full, blocking while all batch slots are taken.
func (q *Batching) Put(ctx context.Context, rec core.Record) error {
	batches, done, wake := q.chans()
	if fired(done) {
		return ErrQueueDone
	}
	if fired(wake) {
		return core.ErrStopped
	}

	q.pmu.Lock()
	q.pending = append(q.pending, rec)
	q.size.Add(1)
	if len(q.pending) < q.batchSize {
		q.pmu.Unlock()
		return nil
	}
	batch := q.pending
	q.pending = make([]core.Record, 0, q.batchSize)
	q.pmu.Unlock()

	return q.send(ctx, batches, wake, batch)
}

func (q *Batching) send(ctx context.Context, batches chan []core.Record, wake <-chan struct{}, batch []core.Record) error {
	select {
	case batches <- batch:
		return nil
	case <-wake:
		q.size.Add(-int64(len(batch)))
		return core.ErrStopped
	case <-ctx.Done():
		q.size.Add(-int64(len(batch)))
		return ctx.Err()
	}
}

// Get removes the oldest record, blocking while no batch is available.
func (q *Batching) Get(ctx context.Context) (core.Record, error) {
	if rec, ok := q.TryGet(); ok {
		return rec, nil
	}
	batches, done, wake := q.chans()
	select {
	case b := <-batches:
		return q.consume(b), nil
	case <-done:
		if rec, ok := q.TryGet(); ok {
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
func (q *Batching) Poll(ctx context.Context, timeout time.Duration) (core.Record, bool, error) {
	if rec, ok := q.TryGet(); ok {
		return rec, true, nil
	}
	batches, done, wake := q.chans()
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case b := <-batches:
		return q.consume(b), true, nil
	case <-done:
		if rec, ok := q.TryGet(); ok {
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
func (q *Batching) TryGet() (core.Record, bool) {
	q.cmu.Lock()
	defer q.cmu.Unlock()
	if len(q.current) == 0 {
		batches, _, _ := q.chans()
		select {
		case b := <-batches:
			q.current = b
		default:
			return core.Record{}, false
		}
	}
	return q.pop(), true
}

func (q *Batching) consume(b []core.Record) core.Record {
	q.cmu.Lock()
	defer q.cmu.Unlock()
	q.current = append(q.current, b...)
	return q.pop()
}

// pop must be called with cmu held and a non-empty current batch.
func (q *Batching) pop() core.Record {
	rec := q.current[0]
	q.current = q.current[1:]
	q.size.Add(-1)
	return rec
}

// SetDone flushes the pending batch and marks the queue done.
func (q *Batching) SetDone() {
	batches, done, wake := q.chans()
	if fired(done) {
		return
	}
	q.pmu.Lock()
	batch := q.pending
	q.pending = nil
	q.pmu.Unlock()
	if len(batch) > 0 {
		// A woken queue drops the partial batch; nobody will read it.
		_ = q.send(context.Background(), batches, wake, batch)
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	q.done.fire()
}

// IsDone reports whether the producer signalled done.
func (q *Batching) IsDone() bool {
	_, done, _ := q.chans()
	return fired(done)
}

// Drained reports done and empty.
func (q *Batching) Drained() bool {
	return q.IsDone() && q.Size() == 0
}

// Wake releases blocked callers with core.ErrStopped.
func (q *Batching) Wake() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.wake.fire()
}

// Clear empties the queue and resets its signals.
func (q *Batching) Clear() {
	q.mu.Lock()
	q.batches = make(chan []core.Record, batchSlots(q.capacity, q.batchSize))
	q.done = newSignal()
	q.wake = newSignal()
	q.mu.Unlock()

	q.pmu.Lock()
	q.pending = nil
	q.pmu.Unlock()
	q.cmu.Lock()
	q.current = nil
	q.cmu.Unlock()
	q.size.Store(0)
}

var _ RowSet = (*Batching)(nil)
