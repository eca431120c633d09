package runtime

import (
	"time"
)

// EventKind identifies the type of event emitted by a run.
type EventKind string

const (
	// EventRunPrepared is emitted once queues and instances exist and the
	// init barrier passed. Payload carries batch id, date range and counts.
	EventRunPrepared EventKind = "run.prepared"

	// EventRunInitFailed is emitted when one or more instances failed init.
	EventRunInitFailed EventKind = "run.init_failed"

	// EventRunStarted is emitted when Start launches the instances.
	EventRunStarted EventKind = "run.started"

	// EventRunPaused is emitted when the run is paused.
	EventRunPaused EventKind = "run.paused"

	// EventRunResumed is emitted when a paused run resumes.
	EventRunResumed EventKind = "run.resumed"

	// EventRunStopped is emitted when Stop is requested.
	EventRunStopped EventKind = "run.stopped"

	// EventRunFinished is emitted once, when the last instance completes.
	EventRunFinished EventKind = "run.finished"

	// EventRunSnapshot carries periodic per-instance counters.
	EventRunSnapshot EventKind = "run.snapshot"

	// EventInstanceStarted is emitted when an instance begins running.
	EventInstanceStarted EventKind = "instance.started"

	// EventInstanceFinished is emitted when an instance reaches a terminal
	// state without errors.
	EventInstanceFinished EventKind = "instance.finished"

	// EventInstanceFailed is emitted when an instance fails init or ends with
	// a nonzero error count.
	EventInstanceFailed EventKind = "instance.failed"
)

// String returns the string representation of the EventKind.
func (k EventKind) String() string {
	return string(k)
}

// Event is a structured record of what happened during a run. It is the
// unit the audit sink persists.
type Event struct {
	// Kind identifies the event type.
	Kind EventKind

	// RunID is the unique identifier of the run.
	RunID string

	// Graph is the name of the graph being executed.
	Graph string

	// Stage is the stage that produced this event (empty for run-level events).
	Stage string

	// Copy is the copy index of the instance (0 for run-level events).
	Copy int

	// Time is when the event occurred.
	Time time.Time

	// Elapsed is the duration since the run or instance started.
	Elapsed time.Duration

	// Payload contains event-specific data.
	Payload map[string]any

	// Seq is a monotonic sequence number per run (1-indexed).
	Seq uint64

	// TraceID is the OpenTelemetry trace ID (hex-encoded, empty when OTel inactive).
	TraceID string

	// SpanID is the OpenTelemetry span ID (hex-encoded, empty when OTel inactive).
	SpanID string
}

// NewEvent creates a new event with the current timestamp.
func NewEvent(kind EventKind, runID string) Event {
	return Event{
		Kind:    kind,
		RunID:   runID,
		Time:    time.Now(),
		Payload: make(map[string]any),
	}
}

// WithGraph sets the graph name on the event.
func (e Event) WithGraph(name string) Event {
	e.Graph = name
	return e
}

// WithInstance sets the stage and copy index on the event.
func (e Event) WithInstance(stage string, copyIndex int) Event {
	e.Stage = stage
	e.Copy = copyIndex
	return e
}

// WithElapsed sets the elapsed duration on the event.
func (e Event) WithElapsed(elapsed time.Duration) Event {
	e.Elapsed = elapsed
	return e
}

// WithPayload adds a key-value pair to the event payload.
func (e Event) WithPayload(key string, value any) Event {
	if e.Payload == nil {
		e.Payload = make(map[string]any)
	}
	e.Payload[key] = value
	return e
}

// IsInstanceEvent reports whether the event belongs to a stage instance.
func (e Event) IsInstanceEvent() bool {
	return e.Stage != ""
}

// EventEmitter is a function type for emitting events.
type EventEmitter func(Event)

// EventEmitterDecorator wraps an emitter to add cross-cutting behavior.
// Typical uses include enriching emitted events (for example with trace metadata).
type EventEmitterDecorator func(EventEmitter) EventEmitter

// EventPublisher can publish events to external subscribers.
// This interface is satisfied by bus.EventBus, allowing the runtime
// to distribute events without importing the bus package directly.
type EventPublisher interface {
	Publish(event Event)
}

// EventHandler is a function type for handling events.
type EventHandler func(Event)

// MultiEventHandler combines multiple handlers into one.
func MultiEventHandler(handlers ...EventHandler) EventHandler {
	return func(e Event) {
		for _, h := range handlers {
			if h != nil {
				h(e)
			}
		}
	}
}

// ChannelEventHandler returns a handler that sends events to a channel.
// Events are dropped if the channel is full.
func ChannelEventHandler(ch chan<- Event) EventHandler {
	return func(e Event) {
		select {
		case ch <- e:
		default:
		}
	}
}
