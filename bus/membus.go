package bus

import (
	"slices"
	"sync"
	"sync/atomic"

	"github.com/petal-labs/rowflow/runtime"
)

// MemBusConfig configures an in-memory event bus.
type MemBusConfig struct {
	// SubscriberBufferSize is the channel buffer size per subscriber (default: 256).
	SubscriberBufferSize int
}

// MemBus is an in-memory event bus. Slow subscribers lose events rather
// than blocking the run that publishes them.
type MemBus struct {
	mu      sync.RWMutex
	byRun   map[string][]*memSub
	global  []*memSub
	bufSize int
	closed  bool
}

// NewMemBus creates a new in-memory event bus with the given configuration.
func NewMemBus(config MemBusConfig) *MemBus {
	bufSize := config.SubscriberBufferSize
	if bufSize <= 0 {
		bufSize = 256
	}
	return &MemBus{
		byRun:   make(map[string][]*memSub),
		bufSize: bufSize,
	}
}

// Publish sends an event to the subscribers of its run and to all global
// subscribers. Events published after Close are dropped.
func (b *MemBus) Publish(event runtime.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}
	for _, sub := range b.byRun[event.RunID] {
		sub.send(event)
	}
	for _, sub := range b.global {
		sub.send(event)
	}
}

// Subscribe registers a subscriber for runID.
func (b *MemBus) Subscribe(runID string, kinds ...runtime.EventKind) Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := b.newSub(runID, kinds)
	if b.closed {
		sub.close()
		return sub
	}
	b.byRun[runID] = append(b.byRun[runID], sub)
	return sub
}

// SubscribeAll registers a subscriber that receives events from all runs.
func (b *MemBus) SubscribeAll(kinds ...runtime.EventKind) Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := b.newSub("", kinds)
	sub.global = true
	if b.closed {
		sub.close()
		return sub
	}
	b.global = append(b.global, sub)
	return sub
}

// Subscribers returns the number of open subscriptions.
func (b *MemBus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	n := len(b.global)
	for _, subs := range b.byRun {
		n += len(subs)
	}
	return n
}

// Close shuts down the bus and all active subscriptions.
func (b *MemBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true
	for _, subs := range b.byRun {
		for _, sub := range subs {
			sub.close()
		}
	}
	for _, sub := range b.global {
		sub.close()
	}
	b.byRun = make(map[string][]*memSub)
	b.global = nil
	return nil
}

func (b *MemBus) newSub(runID string, kinds []runtime.EventKind) *memSub {
	return &memSub{
		bus:   b,
		runID: runID,
		kinds: slices.Clone(kinds),
		ch:    make(chan runtime.Event, b.bufSize),
	}
}

func (b *MemBus) remove(sub *memSub) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if sub.global {
		b.global = slices.DeleteFunc(b.global, func(s *memSub) bool { return s == sub })
		return
	}
	subs := slices.DeleteFunc(b.byRun[sub.runID], func(s *memSub) bool { return s == sub })
	if len(subs) == 0 {
		delete(b.byRun, sub.runID)
		return
	}
	b.byRun[sub.runID] = subs
}

type memSub struct {
	bus     *MemBus
	runID   string
	global  bool
	kinds   []runtime.EventKind
	ch      chan runtime.Event
	dropped atomic.Uint64

	mu     sync.Mutex
	closed bool
}

func (s *memSub) Events() <-chan runtime.Event {
	return s.ch
}

func (s *memSub) Dropped() uint64 {
	return s.dropped.Load()
}

func (s *memSub) Close() error {
	if s.close() {
		s.bus.remove(s)
	}
	return nil
}

// close reports whether this call closed the channel.
func (s *memSub) close() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false
	}
	s.closed = true
	close(s.ch)
	return true
}

func (s *memSub) wants(kind runtime.EventKind) bool {
	return len(s.kinds) == 0 || slices.Contains(s.kinds, kind)
}

func (s *memSub) send(event runtime.Event) {
	if !s.wants(event.Kind) {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	select {
	case s.ch <- event:
	default:
		s.dropped.Add(1)
	}
}

var (
	_ EventBus               = (*MemBus)(nil)
	_ Subscription           = (*memSub)(nil)
	_ runtime.EventPublisher = (*MemBus)(nil)
)
