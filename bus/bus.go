// Package bus distributes run and instance events to subscribers and
// persists them for audit. The runtime publishes through the
// runtime.EventPublisher interface so it never imports this package.
package bus

import "github.com/petal-labs/rowflow/runtime"

// EventBus distributes events to subscribers.
type EventBus interface {
	// Publish sends an event to all matching subscribers.
	Publish(event runtime.Event)

	// Subscribe registers a subscriber for a single run. When kinds is
	// non-empty only those event kinds are delivered.
	Subscribe(runID string, kinds ...runtime.EventKind) Subscription

	// SubscribeAll registers a subscriber that receives events from all runs.
	SubscribeAll(kinds ...runtime.EventKind) Subscription

	// Close shuts down the bus and all subscriptions.
	Close() error
}

// Subscription receives events.
type Subscription interface {
	// Events returns a channel of events for this subscription. It is
	// closed when the subscription or the bus is closed.
	Events() <-chan runtime.Event

	// Dropped reports how many events were discarded because the buffer
	// was full.
	Dropped() uint64

	// Close unsubscribes and releases resources.
	Close() error
}

// Drain calls h for every event delivered to sub until the subscription
// is closed. The returned channel is closed once the last event was
// handled.
func Drain(sub Subscription, h runtime.EventHandler) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		for e := range sub.Events() {
			h(e)
		}
	}()
	return done
}
