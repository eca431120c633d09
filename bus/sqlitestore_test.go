package bus

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/petal-labs/rowflow/runtime"
)

// testDSN returns a unique shared-memory DSN for test isolation.
func testDSN(t *testing.T) string {
	t.Helper()
	return fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
}

func newTestStore(t *testing.T, cfg ...SQLiteStoreConfig) *SQLiteEventStore {
	t.Helper()
	var c SQLiteStoreConfig
	if len(cfg) > 0 {
		c = cfg[0]
	}
	if c.DSN == "" {
		c.DSN = testDSN(t)
	}
	store, err := NewSQLiteEventStore(c)
	if err != nil {
		t.Fatalf("NewSQLiteEventStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func makeEvent(runID string, seq uint64, kind runtime.EventKind) runtime.Event {
	e := runtime.NewEvent(kind, runID)
	e.Seq = seq
	return e
}

func TestSQLiteEventStore_AppendList(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for i := uint64(1); i <= 5; i++ {
		e := makeEvent("run-1", i, runtime.EventInstanceFinished).
			WithGraph("orders").
			WithInstance("split", int(i%2)).
			WithElapsed(time.Duration(i) * time.Millisecond).
			WithPayload("index", i)
		e.TraceID = "trace-abc"
		e.SpanID = "span-def"
		if err := store.Append(ctx, e); err != nil {
			t.Fatalf("Append(%d): %v", i, err)
		}
	}
	if err := store.Append(ctx, makeEvent("run-2", 1, runtime.EventRunStarted)); err != nil {
		t.Fatal(err)
	}

	events, err := store.List(ctx, "run-1", 0, 0)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(events) != 5 {
		t.Fatalf("got %d events, want 5", len(events))
	}

	e := events[0]
	if e.RunID != "run-1" || e.Seq != 1 || e.Kind != runtime.EventInstanceFinished {
		t.Errorf("event = %s/%d/%s", e.RunID, e.Seq, e.Kind)
	}
	if e.Graph != "orders" || e.Stage != "split" || e.Copy != 1 {
		t.Errorf("instance = %s/%s.%d", e.Graph, e.Stage, e.Copy)
	}
	if e.Elapsed != time.Millisecond {
		t.Errorf("Elapsed = %v, want 1ms", e.Elapsed)
	}
	if e.TraceID != "trace-abc" || e.SpanID != "span-def" {
		t.Errorf("trace = %q/%q", e.TraceID, e.SpanID)
	}
	if got, _ := e.Payload["index"].(float64); got != 1 {
		t.Errorf("payload index = %v, want 1", e.Payload["index"])
	}

	after, _ := store.List(ctx, "run-1", 3, 1)
	if len(after) != 1 || after[0].Seq != 4 {
		t.Errorf("List(after=3, limit=1) = %+v", after)
	}

	if seq, _ := store.LatestSeq(ctx, "run-1"); seq != 5 {
		t.Errorf("LatestSeq = %d, want 5", seq)
	}
	if seq, _ := store.LatestSeq(ctx, "nope"); seq != 0 {
		t.Errorf("LatestSeq(nope) = %d, want 0", seq)
	}

	ids, _ := store.RunIDs(ctx)
	if len(ids) != 2 || ids[0] != "run-1" || ids[1] != "run-2" {
		t.Errorf("RunIDs = %v", ids)
	}
}

func TestSQLiteEventStore_EmptyPayload(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	e := makeEvent("run-1", 1, runtime.EventRunStarted)
	e.Payload = nil
	if err := store.Append(ctx, e); err != nil {
		t.Fatal(err)
	}
	events, _ := store.List(ctx, "run-1", 0, 0)
	if len(events) != 1 || events[0].Payload == nil {
		t.Fatalf("events = %+v, want one event with an empty payload map", events)
	}
}

func TestSQLiteEventStore_LastRunEnd(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if _, ok, err := store.LastRunEnd(ctx, "orders"); ok || err != nil {
		t.Fatalf("empty store: ok=%v err=%v", ok, err)
	}

	t1 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	t2 := t1.Add(time.Hour)
	for _, e := range []runtime.Event{
		finishedEvent("r1", "orders", 0, t1),
		finishedEvent("r2", "orders", 0, t2),
		finishedEvent("r3", "orders", 1, t2.Add(time.Hour)),
		finishedEvent("r4", "invoices", 0, t2.Add(2*time.Hour)),
	} {
		e.Seq = 1
		if err := store.Append(ctx, e); err != nil {
			t.Fatal(err)
		}
	}

	end, ok, err := store.LastRunEnd(ctx, "orders")
	if err != nil || !ok {
		t.Fatalf("LastRunEnd: ok=%v err=%v", ok, err)
	}
	if !end.Equal(t2) {
		t.Errorf("LastRunEnd = %v, want %v", end, t2)
	}

	runs, err := store.FinishedRuns(ctx, "orders", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 3 || runs[0].RunID != "r3" || runs[0].Errors != 1 || runs[0].Succeeded() {
		t.Fatalf("FinishedRuns(orders) = %+v", runs)
	}
	if runs[1].Counters.Read != 10 || !runs[1].StartDate.Equal(t2.Add(-time.Hour)) {
		t.Errorf("decoded record = %+v", runs[1])
	}
	limited, _ := store.FinishedRuns(ctx, "", 1)
	if len(limited) != 1 || limited[0].RunID != "r4" {
		t.Errorf("FinishedRuns(all, 1) = %+v", limited)
	}
}

func TestSQLiteEventStore_PruneByCountKeepsFinished(t *testing.T) {
	store := newTestStore(t, SQLiteStoreConfig{RetentionCount: 2, PruneInterval: time.Hour})
	ctx := context.Background()

	_ = store.Append(ctx, makeEvent("run-1", 1, runtime.EventRunStarted))
	fin := finishedEvent("run-1", "orders", 0, time.Now())
	fin.Seq = 2
	_ = store.Append(ctx, fin)
	for i := uint64(3); i <= 6; i++ {
		_ = store.Append(ctx, makeEvent("run-1", i, runtime.EventRunSnapshot))
	}

	if err := store.Prune(ctx); err != nil {
		t.Fatalf("Prune: %v", err)
	}
	events, _ := store.List(ctx, "run-1", 0, 0)
	var seqs []uint64
	for _, e := range events {
		seqs = append(seqs, e.Seq)
	}
	if len(seqs) != 3 || seqs[0] != 2 || seqs[1] != 5 || seqs[2] != 6 {
		t.Errorf("remaining seqs = %v, want [2 5 6]", seqs)
	}
}

func TestSQLiteEventStore_PruneByAge(t *testing.T) {
	store := newTestStore(t, SQLiteStoreConfig{RetentionAge: time.Hour, PruneInterval: time.Hour})
	ctx := context.Background()

	old := makeEvent("run-1", 1, runtime.EventRunStarted)
	old.Time = time.Now().Add(-2 * time.Hour)
	_ = store.Append(ctx, old)
	_ = store.Append(ctx, makeEvent("run-1", 2, runtime.EventRunFinished))

	if err := store.Prune(ctx); err != nil {
		t.Fatal(err)
	}
	events, _ := store.List(ctx, "run-1", 0, 0)
	if len(events) != 1 || events[0].Seq != 2 {
		t.Errorf("events after prune = %+v", events)
	}
}

func TestSQLiteEventStore_PersistsAcrossReopen(t *testing.T) {
	dsn := "file:" + filepath.Join(t.TempDir(), "audit.db")
	ctx := context.Background()

	s1, err := NewSQLiteEventStore(SQLiteStoreConfig{DSN: dsn})
	if err != nil {
		t.Fatal(err)
	}
	end := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	fin := finishedEvent("r1", "orders", 0, end)
	fin.Seq = 1
	if err := s1.Append(ctx, fin); err != nil {
		t.Fatal(err)
	}
	if err := s1.Close(); err != nil {
		t.Fatal(err)
	}

	s2 := newTestStore(t, SQLiteStoreConfig{DSN: dsn})
	got, ok, err := s2.LastRunEnd(ctx, "orders")
	if err != nil || !ok || !got.Equal(end) {
		t.Errorf("LastRunEnd after reopen = %v, %v, %v", got, ok, err)
	}
}
