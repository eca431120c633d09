package runtime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/petal-labs/rowflow/core"
	"github.com/petal-labs/rowflow/graph"
)

var testMeta = core.NewRowMeta("n", "k")

// fakeStep implements every capability interface with optional hooks.
type fakeStep struct {
	onInit    func(ctx context.Context, io core.StepIO) error
	onRun     func(ctx context.Context, io core.StepIO) (bool, error)
	onDispose func()
	stopReq   atomic.Bool
}

func (s *fakeStep) Init(ctx context.Context, io core.StepIO) error {
	if s.onInit != nil {
		return s.onInit(ctx, io)
	}
	return nil
}

func (s *fakeStep) RunOnce(ctx context.Context, io core.StepIO) (bool, error) {
	return s.onRun(ctx, io)
}

func (s *fakeStep) RequestStop() { s.stopReq.Store(true) }

func (s *fakeStep) Dispose(context.Context) error {
	if s.onDispose != nil {
		s.onDispose()
	}
	return nil
}

// testResolver maps kinds to behavior factories.
type testResolver map[string]func() core.Runnable

func (tr testResolver) Resolve(s *graph.Stage) (core.Runnable, error) {
	f, ok := tr[s.Kind]
	if !ok {
		return nil, fmt.Errorf("%w: %s", core.ErrUnknownKind, s.Kind)
	}
	return f(), nil
}

func passRows(ctx context.Context, io core.StepIO) (bool, error) {
	rec, err := io.GetRow(ctx)
	if errors.Is(err, core.ErrEndOfInput) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, io.PutRow(ctx, rec)
}

func passFactory() core.Runnable {
	return &fakeStep{onRun: passRows}
}

// source emits n records (n < 0 means forever) and restarts on Init.
func source(n int) func() core.Runnable {
	return func() core.Runnable {
		var emitted int
		return &fakeStep{
			onInit: func(context.Context, core.StepIO) error {
				emitted = 0
				return nil
			},
			onRun: func(ctx context.Context, io core.StepIO) (bool, error) {
				if n >= 0 && emitted >= n {
					return false, nil
				}
				if err := io.PutRow(ctx, core.NewRecord(testMeta, emitted, emitted%10)); err != nil {
					return false, err
				}
				emitted++
				return true, nil
			},
		}
	}
}

type collector struct {
	mu   sync.Mutex
	rows []core.Record
	by   map[int][]core.Record
}

func newCollector() *collector {
	return &collector{by: make(map[int][]core.Record)}
}

func (c *collector) factory() core.Runnable {
	return &fakeStep{onRun: func(ctx context.Context, io core.StepIO) (bool, error) {
		rec, err := io.GetRow(ctx)
		if errors.Is(err, core.ErrEndOfInput) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		c.mu.Lock()
		c.rows = append(c.rows, rec)
		c.by[io.CopyIndex()] = append(c.by[io.CopyIndex()], rec)
		c.mu.Unlock()
		return true, nil
	}}
}

func (c *collector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.rows)
}

func (c *collector) copyRows(k int) []core.Record {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.by[k]
}

func testOptions() RunOptions {
	opts := DefaultRunOptions()
	opts.RowsetSize = 4
	opts.PollInterval = time.Millisecond
	opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	return opts
}

type link struct {
	from, to string
}

func buildGraph(t *testing.T, stages []*graph.Stage, links ...link) *graph.Graph {
	t.Helper()
	g := graph.NewGraph("test")
	for _, s := range stages {
		if err := g.AddStage(s); err != nil {
			t.Fatalf("AddStage(%s): %v", s.Name, err)
		}
	}
	for _, l := range links {
		if err := g.AddLink(l.from, l.to, true); err != nil {
			t.Fatalf("AddLink(%s, %s): %v", l.from, l.to, err)
		}
	}
	return g
}

func prepare(t *testing.T, res Resolver, opts RunOptions, g *graph.Graph) *Run {
	t.Helper()
	r, err := NewEngine(res, opts).Prepare(context.Background(), g, RunArgs{})
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	return r
}

func runToEnd(t *testing.T, r *Run) Result {
	t.Helper()
	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := r.WaitUntilFinished(10 * time.Second); err != nil {
		t.Fatalf("WaitUntilFinished: %v", err)
	}
	return r.Result()
}

func stageWritten(res Result, stage string) int64 {
	var n int64
	for _, ir := range res.Instances {
		if ir.Stage == stage {
			n += ir.Counters.Written
		}
	}
	return n
}
