package steps

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/petal-labs/rowflow/core"
)

// fakeIO feeds a fixed list of rows and captures everything written.
type fakeIO struct {
	cfg    map[string]any
	copy   int
	copies int
	in     []core.Record
	out    []core.Record
	errs   []core.Record
	infos  []core.ErrorInfo
	files  []string
	output int64
	logger *slog.Logger
}

func newFakeIO(cfg map[string]any, in ...core.Record) *fakeIO {
	return &fakeIO{cfg: cfg, copies: 1, in: in, logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
}

func (f *fakeIO) StageName() string      { return "test" }
func (f *fakeIO) CopyIndex() int         { return f.copy }
func (f *fakeIO) Copies() int            { return f.copies }
func (f *fakeIO) Config() map[string]any { return f.cfg }
func (f *fakeIO) HasInputs() bool        { return len(f.in) > 0 }
func (f *fakeIO) Stopped() bool          { return false }
func (f *fakeIO) IncInput(int64)         {}
func (f *fakeIO) IncOutput(n int64)      { f.output += n }
func (f *fakeIO) IncUpdated(int64)       {}
func (f *fakeIO) IncErrors(int64)        {}
func (f *fakeIO) AddResultFile(p string) { f.files = append(f.files, p) }
func (f *fakeIO) Logger() *slog.Logger   { return f.logger }

func (f *fakeIO) GetRow(context.Context) (core.Record, error) {
	if len(f.in) == 0 {
		return core.Record{}, core.ErrEndOfInput
	}
	rec := f.in[0]
	f.in = f.in[1:]
	return rec, nil
}

func (f *fakeIO) PutRow(_ context.Context, rec core.Record) error {
	f.out = append(f.out, rec)
	return nil
}

func (f *fakeIO) PutError(_ context.Context, rec core.Record, info core.ErrorInfo) error {
	f.errs = append(f.errs, rec)
	f.infos = append(f.infos, info)
	return nil
}

// drive calls Init (when present), then RunOnce until it stops.
func drive(t *testing.T, b core.Runnable, fio *fakeIO) error {
	t.Helper()
	ctx := context.Background()
	if ini, ok := b.(core.Initializable); ok {
		if err := ini.Init(ctx, fio); err != nil {
			return err
		}
	}
	for k := 0; k < 100000; k++ {
		more, err := b.RunOnce(ctx, fio)
		if err != nil || !more {
			if d, ok := b.(core.Disposable); ok {
				if derr := d.Dispose(ctx); derr != nil {
					t.Fatalf("Dispose: %v", derr)
				}
			}
			return err
		}
	}
	t.Fatal("behavior did not finish")
	return nil
}

var rowMeta = core.NewRowMeta("id", "color")

func rows(colors ...string) []core.Record {
	out := make([]core.Record, len(colors))
	for k, c := range colors {
		out[k] = core.NewRecord(rowMeta, k, c)
	}
	return out
}

func TestGenerate(t *testing.T) {
	fio := newFakeIO(map[string]any{
		"limit":    3,
		"sequence": "n",
		"fields":   map[string]any{"b": "x", "a": 1.5},
	})
	if err := drive(t, NewGenerate(), fio); err != nil {
		t.Fatal(err)
	}
	if len(fio.out) != 3 {
		t.Fatalf("emitted %d rows, want 3", len(fio.out))
	}
	if got := fio.out[0].Meta.Names(); strings.Join(got, ",") != "n,a,b" {
		t.Errorf("field order = %v, want n,a,b", got)
	}
	if n, _ := fio.out[2].Get("n"); n != 3 {
		t.Errorf("sequence of last row = %v, want 3", n)
	}
	if b, _ := fio.out[1].Get("b"); b != "x" {
		t.Errorf("b = %v, want x", b)
	}
}

func TestGenerate_RerunRestarts(t *testing.T) {
	g := NewGenerate()
	fio := newFakeIO(map[string]any{"limit": "2"})
	if err := drive(t, g, fio); err != nil {
		t.Fatal(err)
	}
	if err := drive(t, g, fio); err != nil {
		t.Fatal(err)
	}
	if len(fio.out) != 4 {
		t.Errorf("emitted %d rows over two runs, want 4", len(fio.out))
	}
}

func TestGenerate_BadLimit(t *testing.T) {
	err := drive(t, NewGenerate(), newFakeIO(map[string]any{"limit": "lots"}))
	var ce *ConfigError
	if !errors.As(err, &ce) || ce.Key != "limit" || !errors.Is(err, ErrInvalidValue) {
		t.Fatalf("got %v, want ConfigError for limit", err)
	}
}

func TestDummy(t *testing.T) {
	fio := newFakeIO(nil, rows("red", "blue")...)
	if err := drive(t, Dummy{}, fio); err != nil {
		t.Fatal(err)
	}
	if len(fio.out) != 2 {
		t.Errorf("passed %d rows, want 2", len(fio.out))
	}
}

func TestFilter(t *testing.T) {
	fio := newFakeIO(map[string]any{"field": "color", "equals": "red"}, rows("red", "blue", "red", "green")...)
	if err := drive(t, &Filter{}, fio); err != nil {
		t.Fatal(err)
	}
	if len(fio.out) != 2 || len(fio.errs) != 2 {
		t.Fatalf("passed %d, errored %d, want 2/2", len(fio.out), len(fio.errs))
	}
	info := fio.infos[0]
	if info.Fields != "color" || info.Count != 1 || !strings.Contains(info.Description, "blue") {
		t.Errorf("ErrorInfo = %+v", info)
	}
}

func TestFilter_RequiresField(t *testing.T) {
	if err := drive(t, &Filter{}, newFakeIO(map[string]any{})); !errors.Is(err, ErrInvalidValue) {
		t.Fatalf("got %v, want ErrInvalidValue", err)
	}
}

func TestAbort(t *testing.T) {
	fio := newFakeIO(map[string]any{"after": 2}, rows("a", "b", "c", "d")...)
	err := drive(t, &Abort{}, fio)
	if !errors.Is(err, ErrAborted) {
		t.Fatalf("got %v, want ErrAborted", err)
	}
	if len(fio.out) != 2 {
		t.Errorf("forwarded %d rows before aborting, want 2", len(fio.out))
	}

	fio = newFakeIO(map[string]any{"after": 10}, rows("a")...)
	if err := drive(t, &Abort{}, fio); err != nil {
		t.Errorf("below threshold: %v", err)
	}
}

func TestLog(t *testing.T) {
	var buf bytes.Buffer
	fio := newFakeIO(map[string]any{"level": "warn"}, rows("red")...)
	fio.logger = slog.New(slog.NewTextHandler(&buf, nil))
	if err := drive(t, &Log{}, fio); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), "level=WARN") || !strings.Contains(buf.String(), "row.color=red") {
		t.Errorf("log output = %q", buf.String())
	}
	if len(fio.out) != 1 {
		t.Errorf("passed %d rows, want 1", len(fio.out))
	}

	if err := drive(t, &Log{}, newFakeIO(map[string]any{"level": "loud"})); err == nil {
		t.Error("expected error for unknown level")
	}
}

func TestCollect(t *testing.T) {
	c := &Collect{}
	fio := newFakeIO(map[string]any{"keep": 2}, rows("a", "b", "c")...)
	if err := drive(t, c, fio); err != nil {
		t.Fatal(err)
	}
	if c.Collected() != 3 {
		t.Errorf("Collected() = %d, want 3", c.Collected())
	}
	if len(c.Rows()) != 2 {
		t.Errorf("kept %d rows, want 2", len(c.Rows()))
	}
}

func TestCollect_WritesCSV(t *testing.T) {
	dir := t.TempDir()
	c := &Collect{}
	fio := newFakeIO(map[string]any{"file": filepath.Join(dir, "out", "rows.csv")}, rows("red", "blue")...)
	fio.copy, fio.copies = 1, 2
	if err := drive(t, c, fio); err != nil {
		t.Fatal(err)
	}

	want := filepath.Join(dir, "out", "rows.1.csv")
	if len(fio.files) != 1 || fio.files[0] != want {
		t.Fatalf("result files = %v, want [%s]", fio.files, want)
	}
	data, err := os.ReadFile(want)
	if err != nil {
		t.Fatal(err)
	}
	if got := string(data); got != "id,color\n0,red\n1,blue\n" {
		t.Errorf("file contents = %q", got)
	}
	if fio.output != 2 {
		t.Errorf("output counter = %d, want 2", fio.output)
	}
}

func TestMapping(t *testing.T) {
	fio := newFakeIO(nil, rows("a")...)
	if err := drive(t, Mapping{}, fio); err != nil {
		t.Fatal(err)
	}
	if len(fio.out) != 0 {
		t.Error("mapping should not move rows")
	}
}

func TestConfigInt(t *testing.T) {
	tests := []struct {
		v       any
		want    int
		wantErr bool
	}{
		{nil, 7, false},
		{3, 3, false},
		{int64(4), 4, false},
		{5.0, 5, false},
		{5.5, 0, true},
		{"6", 6, false},
		{"x", 0, true},
		{[]int{1}, 0, true},
	}
	for _, tt := range tests {
		got, err := configInt(map[string]any{"k": tt.v}, "k", 7)
		if (err != nil) != tt.wantErr || (!tt.wantErr && got != tt.want) {
			t.Errorf("configInt(%v) = %d, %v", tt.v, got, err)
		}
	}
}
