package bus

import (
	"context"
	"encoding/json"
	"time"

	"github.com/petal-labs/rowflow/core"
	"github.com/petal-labs/rowflow/runtime"
)

// EventStore persists events for replay and audit.
type EventStore interface {
	// Append stores an event.
	Append(ctx context.Context, event runtime.Event) error

	// List returns events for a run, optionally filtered.
	// afterSeq: return events with Seq > afterSeq (0 means all)
	// limit: max events to return (0 means no limit)
	List(ctx context.Context, runID string, afterSeq uint64, limit int) ([]runtime.Event, error)

	// LatestSeq returns the highest Seq for a run (0 if no events).
	LatestSeq(ctx context.Context, runID string) (uint64, error)
}

// RunHistory answers questions about finished runs. Both stores in this
// package implement it, which makes them usable as a
// runtime.DateRangeSource.
type RunHistory interface {
	// LastRunEnd returns the end date of the most recent run of graphName
	// that finished without errors.
	LastRunEnd(ctx context.Context, graphName string) (time.Time, bool, error)

	// FinishedRuns returns finished runs, newest first. An empty graphName
	// matches every graph; limit <= 0 means no limit.
	FinishedRuns(ctx context.Context, graphName string, limit int) ([]RunRecord, error)
}

// RunRecord summarizes one finished run as recorded by its run.finished
// event.
type RunRecord struct {
	RunID     string        `json:"run_id"`
	Graph     string        `json:"graph"`
	BatchID   string        `json:"batch_id"`
	Errors    int64         `json:"errors"`
	Stopped   bool          `json:"stopped"`
	Counters  core.Counters `json:"counters"`
	StartDate time.Time     `json:"start_date"`
	EndDate   time.Time     `json:"end_date"`
	Elapsed   time.Duration `json:"elapsed"`
	LoggedAt  time.Time     `json:"logged_at"`
}

// Succeeded reports whether the run finished cleanly.
func (r RunRecord) Succeeded() bool {
	return r.Errors == 0 && !r.Stopped
}

// recordFromEvent decodes a run.finished event. Payload values are typed
// when the event comes straight from the runtime and JSON-shaped when it
// was read back from SQLite; both are accepted.
func recordFromEvent(e runtime.Event) (RunRecord, bool) {
	if e.Kind != runtime.EventRunFinished {
		return RunRecord{}, false
	}
	rec := RunRecord{
		RunID:    e.RunID,
		Graph:    e.Graph,
		Elapsed:  e.Elapsed,
		LoggedAt: e.Time,
	}
	rec.BatchID, _ = e.Payload["batch_id"].(string)
	rec.Errors = payloadInt(e.Payload["errors"])
	rec.Stopped, _ = e.Payload["stopped"].(bool)
	rec.StartDate = payloadTime(e.Payload["start_date"])
	rec.EndDate = payloadTime(e.Payload["end_date"])

	switch c := e.Payload["counters"].(type) {
	case core.Counters:
		rec.Counters = c
	case map[string]any:
		if b, err := json.Marshal(c); err == nil {
			_ = json.Unmarshal(b, &rec.Counters)
		}
	}
	return rec, true
}

func payloadInt(v any) int64 {
	switch n := v.(type) {
	case int:
		return int64(n)
	case int64:
		return n
	case float64:
		return int64(n)
	case json.Number:
		i, _ := n.Int64()
		return i
	}
	return 0
}

func payloadTime(v any) time.Time {
	switch t := v.(type) {
	case time.Time:
		return t
	case string:
		parsed, err := time.Parse(time.RFC3339Nano, t)
		if err == nil {
			return parsed
		}
	}
	return time.Time{}
}
