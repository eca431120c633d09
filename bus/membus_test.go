package bus

import (
	"sync"
	"testing"
	"time"

	"github.com/petal-labs/rowflow/runtime"
)

func recv(t *testing.T, sub Subscription) runtime.Event {
	t.Helper()
	select {
	case e, ok := <-sub.Events():
		if !ok {
			t.Fatal("subscription closed")
		}
		return e
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
	return runtime.Event{}
}

func TestMemBus_PublishSubscribe(t *testing.T) {
	b := NewMemBus(MemBusConfig{})
	defer b.Close()

	sub := b.Subscribe("run-1")
	defer sub.Close()

	b.Publish(runtime.NewEvent(runtime.EventRunStarted, "run-1"))

	got := recv(t, sub)
	if got.Kind != runtime.EventRunStarted || got.RunID != "run-1" {
		t.Errorf("got %v/%q, want run.started/run-1", got.Kind, got.RunID)
	}
}

func TestMemBus_RunIsolation(t *testing.T) {
	b := NewMemBus(MemBusConfig{})
	defer b.Close()

	sub1 := b.Subscribe("run-1")
	defer sub1.Close()
	sub2 := b.Subscribe("run-2")
	defer sub2.Close()

	b.Publish(runtime.NewEvent(runtime.EventRunStarted, "run-1"))

	recv(t, sub1)
	select {
	case e := <-sub2.Events():
		t.Errorf("run-2 subscriber received %v from %s", e.Kind, e.RunID)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestMemBus_KindFilter(t *testing.T) {
	b := NewMemBus(MemBusConfig{})
	defer b.Close()

	sub := b.Subscribe("run-1", runtime.EventRunFinished)
	defer sub.Close()
	all := b.SubscribeAll(runtime.EventInstanceFailed, runtime.EventRunFinished)
	defer all.Close()

	b.Publish(runtime.NewEvent(runtime.EventRunStarted, "run-1"))
	b.Publish(runtime.NewEvent(runtime.EventInstanceFailed, "run-2").WithInstance("b", 1))
	b.Publish(runtime.NewEvent(runtime.EventRunFinished, "run-1"))

	if got := recv(t, sub); got.Kind != runtime.EventRunFinished {
		t.Errorf("run subscriber got %v, want run.finished", got.Kind)
	}
	if got := recv(t, all); got.Kind != runtime.EventInstanceFailed || got.Stage != "b" {
		t.Errorf("global subscriber got %v on %q", got.Kind, got.Stage)
	}
	if got := recv(t, all); got.Kind != runtime.EventRunFinished {
		t.Errorf("global subscriber got %v, want run.finished", got.Kind)
	}
}

func TestMemBus_CloseSubscriptionUnregisters(t *testing.T) {
	b := NewMemBus(MemBusConfig{})
	defer b.Close()

	sub := b.Subscribe("run-1")
	all := b.SubscribeAll()
	if got := b.Subscribers(); got != 2 {
		t.Fatalf("Subscribers() = %d, want 2", got)
	}

	_ = sub.Close()
	_ = sub.Close()
	_ = all.Close()
	if got := b.Subscribers(); got != 0 {
		t.Errorf("Subscribers() after close = %d, want 0", got)
	}
	if _, ok := <-sub.Events(); ok {
		t.Error("closed subscription channel should be closed")
	}

	b.Publish(runtime.NewEvent(runtime.EventRunStarted, "run-1"))
}

func TestMemBus_ClosedBus(t *testing.T) {
	b := NewMemBus(MemBusConfig{})
	sub := b.SubscribeAll()

	if err := b.Close(); err != nil {
		t.Fatal(err)
	}
	if _, ok := <-sub.Events(); ok {
		t.Error("bus close should close subscriptions")
	}

	b.Publish(runtime.NewEvent(runtime.EventRunStarted, "run-1"))
	late := b.Subscribe("run-1")
	if _, ok := <-late.Events(); ok {
		t.Error("subscribing to a closed bus should return a closed subscription")
	}
	_ = sub.Close()
	_ = b.Close()
}

func TestMemBus_BufferOverflowCountsDrops(t *testing.T) {
	b := NewMemBus(MemBusConfig{SubscriberBufferSize: 2})
	defer b.Close()

	sub := b.Subscribe("run-1")
	defer sub.Close()

	for i := 0; i < 5; i++ {
		b.Publish(runtime.NewEvent(runtime.EventRunSnapshot, "run-1"))
	}
	if got := len(sub.Events()); got != 2 {
		t.Errorf("buffered = %d, want 2", got)
	}
	if got := sub.Dropped(); got != 3 {
		t.Errorf("Dropped() = %d, want 3", got)
	}
}

func TestMemBus_ConcurrentPublish(t *testing.T) {
	const publishers, perPublisher = 8, 50

	b := NewMemBus(MemBusConfig{SubscriberBufferSize: publishers * perPublisher})
	defer b.Close()

	sub := b.SubscribeAll()
	var wg sync.WaitGroup
	for p := 0; p < publishers; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perPublisher; i++ {
				b.Publish(runtime.NewEvent(runtime.EventRunSnapshot, "run-1"))
			}
		}()
	}
	wg.Wait()

	var n int
	done := Drain(sub, func(runtime.Event) { n++ })
	_ = sub.Close()
	<-done
	if n != publishers*perPublisher {
		t.Errorf("received %d events, want %d", n, publishers*perPublisher)
	}
}
