package graph

import (
	"encoding/json"
	"errors"
	"testing"
)

func hasCode(diags []Diagnostic, code string) bool {
	for _, d := range diags {
		if d.Code == code {
			return true
		}
	}
	return false
}

func TestGraphDefinition_JSONCopies(t *testing.T) {
	data := []byte(`{
		"name": "copies",
		"stages": [
			{"name": "a", "type": "generate", "copies": 3},
			{"name": "b", "type": "dummy", "copies": "${WORKERS}"},
			{"name": "c", "type": "collect"}
		],
		"links": [{"from": "a", "to": "b"}, {"from": "b", "to": "c", "enabled": false}]
	}`)
	var gd GraphDefinition
	if err := json.Unmarshal(data, &gd); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if gd.Stages[0].Copies != "3" || gd.Stages[1].Copies != "${WORKERS}" || gd.Stages[2].Copies != "" {
		t.Errorf("copies = %q %q %q", gd.Stages[0].Copies, gd.Stages[1].Copies, gd.Stages[2].Copies)
	}
	if !gd.Stages[1].Copies.IsVariable() || gd.Stages[0].Copies.IsVariable() {
		t.Error("IsVariable() mismatch")
	}
	if !gd.Links[0].IsEnabled() || gd.Links[1].IsEnabled() {
		t.Error("IsEnabled() mismatch")
	}

	out, err := json.Marshal(gd.Stages[0])
	if err != nil {
		t.Fatal(err)
	}
	var raw map[string]any
	_ = json.Unmarshal(out, &raw)
	if raw["copies"] != float64(3) {
		t.Errorf("literal copies marshalled as %v (%T), want number", raw["copies"], raw["copies"])
	}
	if _, ok := raw["partitioning"]; ok {
		t.Error("partitioning should be omitted when nil")
	}
}

func TestCopyCount_RejectsObjects(t *testing.T) {
	var c CopyCount
	if err := json.Unmarshal([]byte(`{"n": 1}`), &c); err == nil {
		t.Error("expected error for object copy count")
	}
}

func TestValidate_ValidGraph(t *testing.T) {
	gd := GraphDefinition{
		Name: "valid",
		Stages: []StageDef{
			{Name: "a", Type: "generate"},
			{Name: "b", Type: "collect", Copies: "2"},
		},
		Links: []LinkDef{{From: "a", To: "b"}},
	}
	if diags := gd.Validate(); len(diags) != 0 {
		t.Errorf("expected no diagnostics, got: %v", diags)
	}
}

func TestValidate_Diagnostics(t *testing.T) {
	tests := []struct {
		name     string
		gd       GraphDefinition
		code     string
		severity string
	}{
		{
			name: "GR-001 unknown link source",
			gd: GraphDefinition{
				Stages: []StageDef{{Name: "a"}},
				Links:  []LinkDef{{From: "ghost", To: "a"}},
			},
			code: "GR-001", severity: SeverityError,
		},
		{
			name: "GR-002 orphan stage",
			gd: GraphDefinition{
				Stages: []StageDef{{Name: "a"}, {Name: "b"}, {Name: "lonely"}},
				Links:  []LinkDef{{From: "a", To: "b"}},
			},
			code: "GR-002", severity: SeverityWarning,
		},
		{
			name: "GR-004 cycle",
			gd: GraphDefinition{
				Stages: []StageDef{{Name: "a"}, {Name: "b"}},
				Links:  []LinkDef{{From: "a", To: "b"}, {From: "b", To: "a"}},
			},
			code: "GR-004", severity: SeverityError,
		},
		{
			name: "GR-005 duplicate name",
			gd: GraphDefinition{
				Stages: []StageDef{{Name: "a"}, {Name: "a"}},
				Links:  []LinkDef{{From: "a", To: "a"}},
			},
			code: "GR-005", severity: SeverityError,
		},
		{
			name: "GR-006 missing error target",
			gd: GraphDefinition{
				Stages: []StageDef{{Name: "a", ErrorTarget: "nowhere"}},
			},
			code: "GR-006", severity: SeverityError,
		},
		{
			name: "GR-007 error target without link",
			gd: GraphDefinition{
				Stages: []StageDef{{Name: "a", ErrorTarget: "b"}, {Name: "b"}, {Name: "c"}},
				Links:  []LinkDef{{From: "a", To: "c"}, {From: "c", To: "b"}},
			},
			code: "GR-007", severity: SeverityWarning,
		},
		{
			name: "GR-008 zero copies",
			gd: GraphDefinition{
				Stages: []StageDef{{Name: "a", Copies: "0"}},
			},
			code: "GR-008", severity: SeverityError,
		},
		{
			name: "GR-008 malformed copies",
			gd: GraphDefinition{
				Stages: []StageDef{{Name: "a", Copies: "${}"}},
			},
			code: "GR-008", severity: SeverityError,
		},
		{
			name: "GR-009 mod without field",
			gd: GraphDefinition{
				Stages: []StageDef{{Name: "a", Partitioning: &Partitioning{Method: PartitionMod, PartitionIDs: []string{"p0"}}}},
			},
			code: "GR-009", severity: SeverityError,
		},
		{
			name: "GR-009 unknown method",
			gd: GraphDefinition{
				Stages: []StageDef{{Name: "a", OutboundPartitioning: &Partitioning{Method: "hash"}}},
			},
			code: "GR-009", severity: SeverityError,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			diags := tt.gd.Validate()
			var found *Diagnostic
			for i := range diags {
				if diags[i].Code == tt.code {
					found = &diags[i]
				}
			}
			if found == nil {
				t.Fatalf("expected %s, got %v", tt.code, diags)
			}
			if found.Severity != tt.severity {
				t.Errorf("severity = %q, want %q", found.Severity, tt.severity)
			}
		})
	}
}

func TestValidate_DisabledLinkBreaksCycle(t *testing.T) {
	off := false
	gd := GraphDefinition{
		Stages: []StageDef{{Name: "a"}, {Name: "b"}},
		Links:  []LinkDef{{From: "a", To: "b"}, {From: "b", To: "a", Enabled: &off}},
	}
	if diags := gd.Validate(); HasErrors(diags) {
		t.Errorf("unexpected errors: %v", diags)
	}
}

type kinds map[string]bool

func (k kinds) Has(kind string) bool {
	_, ok := k[kind]
	return ok
}

func (k kinds) IsPassThrough(kind string) bool { return k[kind] }

func TestValidateWithKinds(t *testing.T) {
	gd := GraphDefinition{
		Stages: []StageDef{{Name: "a", Type: "dummy"}, {Name: "b", Type: "warp"}},
		Links:  []LinkDef{{From: "a", To: "b"}},
	}
	diags := gd.ValidateWithKinds(kinds{"dummy": false})
	if !hasCode(diags, "GR-003") {
		t.Errorf("expected GR-003, got %v", diags)
	}
	if diags := gd.ValidateWithKinds(nil); hasCode(diags, "GR-003") {
		t.Error("nil lookup must skip the kind check")
	}
}

func TestToGraph(t *testing.T) {
	gd := GraphDefinition{
		Name: "built",
		Stages: []StageDef{
			{Name: "src", Type: "generate", Copies: " 2 ", CopyRows: true, Config: map[string]any{"limit": 5}},
			{Name: "map", Type: "mapping"},
			{Name: "sink", Type: "collect", Partitioning: &Partitioning{Method: PartitionMod, Field: "id", PartitionIDs: []string{"p0"}}},
		},
		Links: []LinkDef{{From: "src", To: "map"}, {From: "map", To: "sink"}},
	}
	g, err := gd.ToGraph(WithKindLookup(kinds{"generate": false, "mapping": true, "collect": false}))
	if err != nil {
		t.Fatal(err)
	}
	if g.Name() != "built" || len(g.Stages()) != 3 {
		t.Fatalf("graph %q with %d stages", g.Name(), len(g.Stages()))
	}
	src, _ := g.Stage("src")
	if src.Copies != "2" || !src.CopyRows || src.Config["limit"] != 5 {
		t.Errorf("src = %+v", src)
	}
	m, _ := g.Stage("map")
	if !m.PassThrough {
		t.Error("mapping should be pass-through")
	}
	sink, _ := g.Stage("sink")
	if !sink.Partitioning.IsPartitioned() {
		t.Error("sink partitioning lost")
	}
}

func TestToGraph_Errors(t *testing.T) {
	dup := GraphDefinition{Stages: []StageDef{{Name: "a"}, {Name: "a"}}}
	if _, err := dup.ToGraph(); !errors.Is(err, ErrDuplicateStage) {
		t.Errorf("duplicate = %v, want ErrDuplicateStage", err)
	}
	cyc := GraphDefinition{
		Stages: []StageDef{{Name: "a"}, {Name: "b"}},
		Links:  []LinkDef{{From: "a", To: "b"}, {From: "b", To: "a"}},
	}
	if _, err := cyc.ToGraph(); !errors.Is(err, ErrCycleDetected) {
		t.Errorf("cycle = %v, want ErrCycleDetected", err)
	}
}
