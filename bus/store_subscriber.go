package bus

import (
	"context"
	"log/slog"
	"sync/atomic"

	"github.com/petal-labs/rowflow/runtime"
)

// StoreSubscriber writes events to an EventStore. Persistence failures are
// logged and counted; they never fail the run.
type StoreSubscriber struct {
	store    EventStore
	logger   *slog.Logger
	failures atomic.Int64
}

// NewStoreSubscriber creates a new StoreSubscriber.
func NewStoreSubscriber(store EventStore, logger *slog.Logger) *StoreSubscriber {
	if logger == nil {
		logger = slog.Default()
	}
	return &StoreSubscriber{
		store:  store,
		logger: logger,
	}
}

// Handle persists a single event to the store.
func (s *StoreSubscriber) Handle(event runtime.Event) {
	if err := s.store.Append(context.Background(), event); err != nil {
		s.failures.Add(1)
		s.logger.Error("failed to persist event",
			"run_id", event.RunID,
			"kind", event.Kind,
			"seq", event.Seq,
			"error", err,
		)
	}
}

// Failures returns the number of events that could not be stored.
func (s *StoreSubscriber) Failures() int64 {
	return s.failures.Load()
}

// Attach subscribes the store to every event on b. The returned function
// closes the subscription and waits until queued events are written.
func (s *StoreSubscriber) Attach(b EventBus) func() {
	sub := b.SubscribeAll()
	done := Drain(sub, s.Handle)
	return func() {
		_ = sub.Close()
		<-done
	}
}
