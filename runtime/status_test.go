package runtime

import (
	"errors"
	"strings"
	"testing"

	"github.com/petal-labs/rowflow/core"
	"github.com/petal-labs/rowflow/graph"
)

func TestTransition(t *testing.T) {
	tests := []struct {
		from, to Phase
		ok       bool
	}{
		{PhaseNone, PhasePreparing, true},
		{PhasePreparing, PhaseInitializing, true},
		{PhaseInitializing, PhaseReady, true},
		{PhaseInitializing, PhaseFinished, true},
		{PhaseReady, PhaseRunning, true},
		{PhaseRunning, PhaseFinished, true},
		{PhaseFinished, PhaseInitializing, true},
		{PhaseNone, PhaseRunning, false},
		{PhaseReady, PhaseFinished, false},
		{PhaseRunning, PhaseReady, false},
		{PhaseFinished, PhaseRunning, false},
	}
	for _, tt := range tests {
		err := transition(tt.from, tt.to)
		if tt.ok && err != nil {
			t.Errorf("%s -> %s: unexpected error %v", tt.from, tt.to, err)
		}
		if !tt.ok && !errors.Is(err, ErrInvalidPhase) {
			t.Errorf("%s -> %s: got %v, want ErrInvalidPhase", tt.from, tt.to, err)
		}
	}
}

func TestInstanceState_Terminal(t *testing.T) {
	for s, want := range map[InstanceState]bool{
		StateIdle: false, StateRunning: false,
		StateFinished: true, StateStopped: true, StateHalted: true,
	} {
		if s.Terminal() != want {
			t.Errorf("%s.Terminal() = %v, want %v", s, !want, want)
		}
	}
	if got, _ := StateHalted.MarshalText(); string(got) != "halted" {
		t.Errorf("MarshalText = %q", got)
	}
}

func TestInitError(t *testing.T) {
	cause := errors.New("no such table")
	ie := &InitError{
		Failures: []*InstanceError{{Stage: "load", Copy: 2, Err: cause}},
		Log:      "level=ERROR msg=boom",
	}
	if !errors.Is(ie, ErrInitFailed) {
		t.Error("InitError should match ErrInitFailed")
	}
	if !errors.Is(ie, cause) {
		t.Error("InitError should unwrap to the instance cause")
	}
	var inst *InstanceError
	if !errors.As(ie, &inst) || inst.Stage != "load" {
		t.Errorf("errors.As InstanceError = %v", inst)
	}
	msg := ie.Error()
	for _, want := range []string{"1 instance(s) failed", "load.2: no such table", "msg=boom"} {
		if !strings.Contains(msg, want) {
			t.Errorf("Error() missing %q:\n%s", want, msg)
		}
	}
}

func TestPartitionIndex(t *testing.T) {
	meta := core.NewRowMeta("id", "region")
	p := &graph.Partitioning{Method: graph.PartitionMod, Field: "id", PartitionIDs: []string{"p0", "p1", "p2", "p3"}}

	for id := -8; id <= 8; id++ {
		idx, err := partitionIndex(core.NewRecord(meta, id, "eu"), p, 2)
		if err != nil {
			t.Fatal(err)
		}
		want := (max(id, -id) % 4) % 2
		if idx != want {
			t.Errorf("id %d -> copy %d, want %d", id, idx, want)
		}
	}

	byRegion := &graph.Partitioning{Method: graph.PartitionMod, Field: "region"}
	a, _ := partitionIndex(core.NewRecord(meta, 1, "eu"), byRegion, 3)
	b, _ := partitionIndex(core.NewRecord(meta, 2, "eu"), byRegion, 3)
	if a != b {
		t.Errorf("equal keys mapped to copies %d and %d", a, b)
	}

	if _, err := partitionIndex(core.NewRecord(meta, 1, "eu"), &graph.Partitioning{Method: graph.PartitionMod, Field: "missing"}, 2); err == nil {
		t.Error("expected error for missing partition field")
	}
}

func TestLogBuffer(t *testing.T) {
	b := NewLogBuffer(3)
	for _, line := range []string{"one\n", "two\nthree\n", "four\n"} {
		if _, err := b.Write([]byte(line)); err != nil {
			t.Fatal(err)
		}
	}
	got := b.Lines()
	if len(got) != 3 || got[0] != "two" || got[2] != "four" {
		t.Errorf("Lines() = %v", got)
	}
	if s := b.String(); !strings.HasPrefix(s, "... 1 earlier lines dropped\n") {
		t.Errorf("String() = %q", s)
	}
}
