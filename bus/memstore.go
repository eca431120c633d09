package bus

import (
	"context"
	"sync"
	"time"

	"github.com/petal-labs/rowflow/runtime"
)

// MemEventStore is a thread-safe in-memory event store.
type MemEventStore struct {
	mu       sync.RWMutex
	events   map[string][]runtime.Event // runID -> events
	finished []RunRecord                // oldest first
}

// NewMemEventStore creates a new in-memory event store.
func NewMemEventStore() *MemEventStore {
	return &MemEventStore{
		events: make(map[string][]runtime.Event),
	}
}

func (s *MemEventStore) Append(_ context.Context, event runtime.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events[event.RunID] = append(s.events[event.RunID], event)
	if rec, ok := recordFromEvent(event); ok {
		s.finished = append(s.finished, rec)
	}
	return nil
}

func (s *MemEventStore) List(_ context.Context, runID string, afterSeq uint64, limit int) ([]runtime.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []runtime.Event
	for _, e := range s.events[runID] {
		if e.Seq <= afterSeq {
			continue
		}
		result = append(result, e)
		if limit > 0 && len(result) >= limit {
			break
		}
	}
	return result, nil
}

func (s *MemEventStore) LatestSeq(_ context.Context, runID string) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var maxSeq uint64
	for _, e := range s.events[runID] {
		maxSeq = max(maxSeq, e.Seq)
	}
	return maxSeq, nil
}

func (s *MemEventStore) LastRunEnd(_ context.Context, graphName string) (time.Time, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for i := len(s.finished) - 1; i >= 0; i-- {
		rec := s.finished[i]
		if rec.Graph == graphName && rec.Succeeded() {
			return rec.EndDate, true, nil
		}
	}
	return time.Time{}, false, nil
}

func (s *MemEventStore) FinishedRuns(_ context.Context, graphName string, limit int) ([]RunRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []RunRecord
	for i := len(s.finished) - 1; i >= 0; i-- {
		if graphName != "" && s.finished[i].Graph != graphName {
			continue
		}
		out = append(out, s.finished[i])
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

var (
	_ EventStore              = (*MemEventStore)(nil)
	_ RunHistory              = (*MemEventStore)(nil)
	_ runtime.DateRangeSource = (*MemEventStore)(nil)
)
