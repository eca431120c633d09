package graph

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Diagnostic represents a validation error or warning produced by
// graph validation.
type Diagnostic struct {
	Code     string `json:"code"`           // e.g. "GR-001"
	Severity string `json:"severity"`       // "error" or "warning"
	Message  string `json:"message"`        // human-readable description
	Path     string `json:"path,omitempty"` // JSON path to offending field
}

const (
	SeverityError   = "error"
	SeverityWarning = "warning"
)

// HasErrors returns true if any diagnostic has error severity.
func HasErrors(diags []Diagnostic) bool {
	for _, d := range diags {
		if d.Severity == SeverityError {
			return true
		}
	}
	return false
}

// Errors returns only the error-severity diagnostics.
func Errors(diags []Diagnostic) []Diagnostic {
	var errs []Diagnostic
	for _, d := range diags {
		if d.Severity == SeverityError {
			errs = append(errs, d)
		}
	}
	return errs
}

// Warnings returns only the warning-severity diagnostics.
func Warnings(diags []Diagnostic) []Diagnostic {
	var warns []Diagnostic
	for _, d := range diags {
		if d.Severity == SeverityWarning {
			warns = append(warns, d)
		}
	}
	return warns
}

// CopyCount is a stage copy count as written in a graph file: either a
// number or a string that may hold a ${VAR} reference.
type CopyCount string

// UnmarshalJSON accepts both JSON numbers and strings.
func (c *CopyCount) UnmarshalJSON(data []byte) error {
	var n json.Number
	if err := json.Unmarshal(data, &n); err == nil {
		*c = CopyCount(n.String())
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("copies must be a number or a string: %w", err)
	}
	*c = CopyCount(s)
	return nil
}

// MarshalJSON writes literal integers as numbers.
func (c CopyCount) MarshalJSON() ([]byte, error) {
	if n, err := strconv.Atoi(string(c)); err == nil {
		return json.Marshal(n)
	}
	return json.Marshal(string(c))
}

var variableRef = regexp.MustCompile(`^\$\{[A-Za-z_][A-Za-z0-9_.]*\}$`)

// IsVariable reports whether the copy count is a ${VAR} reference.
func (c CopyCount) IsVariable() bool {
	return variableRef.MatchString(strings.TrimSpace(string(c)))
}

// GraphDefinition is the serializable form of a pipeline graph.
// Loaders produce it; ToGraph turns it into a Graph.
type GraphDefinition struct {
	Name     string            `json:"name"`
	Version  string            `json:"version,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
	Stages   []StageDef        `json:"stages"`
	Links    []LinkDef         `json:"links"`
}

// StageDef is a serializable stage within a GraphDefinition.
type StageDef struct {
	Name                 string         `json:"name"`
	Type                 string         `json:"type"`
	Copies               CopyCount      `json:"copies,omitempty"`
	Partitioning         *Partitioning  `json:"partitioning,omitempty"`
	OutboundPartitioning *Partitioning  `json:"outbound_partitioning,omitempty"`
	ErrorTarget          string         `json:"error_target,omitempty"`
	CopyRows             bool           `json:"copy_rows,omitempty"`
	PassThrough          bool           `json:"pass_through,omitempty"`
	ClusterSchema        string         `json:"cluster_schema,omitempty"`
	Config               map[string]any `json:"config,omitempty"`
	Drawing              map[string]any `json:"drawing,omitempty"`
}

// LinkDef is a serializable link within a GraphDefinition.
// A missing Enabled field means the link is enabled.
type LinkDef struct {
	From    string `json:"from"`
	To      string `json:"to"`
	Enabled *bool  `json:"enabled,omitempty"`
}

// IsEnabled reports whether the link is enabled.
func (l LinkDef) IsEnabled() bool {
	return l.Enabled == nil || *l.Enabled
}

// KindLookup answers questions about registered stage kinds.
// Implemented by registry.Registry.
type KindLookup interface {
	Has(kind string) bool
	IsPassThrough(kind string) bool
}

// Validate checks structural integrity of the GraphDefinition:
//   - GR-001: link endpoints reference existing stages
//   - GR-002: orphan stages (warning)
//   - GR-004: cycle detection over enabled links
//   - GR-005: duplicate stage names
//   - GR-006: error target references an existing stage
//   - GR-007: error target has no enabled link (warning)
//   - GR-008: literal copy count must be a positive integer
//   - GR-009: partitioning descriptor is well formed
func (gd *GraphDefinition) Validate() []Diagnostic {
	var diags []Diagnostic

	names := make(map[string]bool, len(gd.Stages))

	// GR-005: duplicate names
	for i, s := range gd.Stages {
		if names[s.Name] {
			diags = append(diags, Diagnostic{
				Code:     "GR-005",
				Severity: SeverityError,
				Message:  fmt.Sprintf("Duplicate stage name %q", s.Name),
				Path:     fmt.Sprintf("stages[%d].name", i),
			})
		}
		names[s.Name] = true
	}

	// GR-001: link endpoints
	for i, l := range gd.Links {
		if !names[l.From] {
			diags = append(diags, Diagnostic{
				Code:     "GR-001",
				Severity: SeverityError,
				Message:  fmt.Sprintf("Link source %q references unknown stage", l.From),
				Path:     fmt.Sprintf("links[%d].from", i),
			})
		}
		if !names[l.To] {
			diags = append(diags, Diagnostic{
				Code:     "GR-001",
				Severity: SeverityError,
				Message:  fmt.Sprintf("Link target %q references unknown stage", l.To),
				Path:     fmt.Sprintf("links[%d].to", i),
			})
		}
	}

	// GR-002: orphan stages
	if len(gd.Stages) > 1 {
		linked := make(map[string]bool)
		for _, l := range gd.Links {
			linked[l.From] = true
			linked[l.To] = true
		}
		for i, s := range gd.Stages {
			if !linked[s.Name] {
				diags = append(diags, Diagnostic{
					Code:     "GR-002",
					Severity: SeverityWarning,
					Message:  fmt.Sprintf("Stage %q has no inbound or outbound links", s.Name),
					Path:     fmt.Sprintf("stages[%d]", i),
				})
			}
		}
	}

	for i, s := range gd.Stages {
		prefix := fmt.Sprintf("stages[%d]", i)
		diags = append(diags, validateCopies(s, prefix)...)
		diags = append(diags, validatePartitioning(s.Name, s.Partitioning, prefix+".partitioning")...)
		diags = append(diags, validatePartitioning(s.Name, s.OutboundPartitioning, prefix+".outbound_partitioning")...)

		if s.ErrorTarget == "" {
			continue
		}
		if !names[s.ErrorTarget] {
			diags = append(diags, Diagnostic{
				Code:     "GR-006",
				Severity: SeverityError,
				Message:  fmt.Sprintf("Stage %q error target %q does not exist", s.Name, s.ErrorTarget),
				Path:     prefix + ".error_target",
			})
			continue
		}
		if !gd.hasEnabledLink(s.Name, s.ErrorTarget) {
			diags = append(diags, Diagnostic{
				Code:     "GR-007",
				Severity: SeverityWarning,
				Message:  fmt.Sprintf("Stage %q error target %q has no enabled link; rejected rows will only be counted", s.Name, s.ErrorTarget),
				Path:     prefix + ".error_target",
			})
		}
	}

	// GR-004: cycles, only when links reference valid stages.
	if !hasLinkRefErrors(diags) {
		if cycle := gd.detectCycle(); cycle != "" {
			diags = append(diags, Diagnostic{
				Code:     "GR-004",
				Severity: SeverityError,
				Message:  fmt.Sprintf("Graph contains a cycle: %s", cycle),
			})
		}
	}

	return diags
}

// ValidateWithKinds runs Validate plus GR-003: every stage type must be known.
func (gd *GraphDefinition) ValidateWithKinds(kinds KindLookup) []Diagnostic {
	diags := gd.Validate()
	if kinds == nil {
		return diags
	}
	for i, s := range gd.Stages {
		if !kinds.Has(s.Type) {
			diags = append(diags, Diagnostic{
				Code:     "GR-003",
				Severity: SeverityError,
				Message:  fmt.Sprintf("Stage %q references unknown type %q", s.Name, s.Type),
				Path:     fmt.Sprintf("stages[%d].type", i),
			})
		}
	}
	return diags
}

func validateCopies(s StageDef, prefix string) []Diagnostic {
	raw := strings.TrimSpace(string(s.Copies))
	if raw == "" || s.Copies.IsVariable() {
		return nil
	}
	n, err := strconv.Atoi(raw)
	if err == nil && n > 0 {
		return nil
	}
	return []Diagnostic{{
		Code:     "GR-008",
		Severity: SeverityError,
		Message:  fmt.Sprintf("Stage %q copies %q must be a positive integer or a ${VAR} reference", s.Name, raw),
		Path:     prefix + ".copies",
	}}
}

func validatePartitioning(stage string, p *Partitioning, path string) []Diagnostic {
	if p == nil {
		return nil
	}
	switch p.Method {
	case "", PartitionNone, PartitionMirror:
		return nil
	case PartitionMod:
		if p.Field == "" || len(p.PartitionIDs) == 0 {
			return []Diagnostic{{
				Code:     "GR-009",
				Severity: SeverityError,
				Message:  fmt.Sprintf("Stage %q mod partitioning needs a field and at least one partition id", stage),
				Path:     path,
			}}
		}
		return nil
	default:
		return []Diagnostic{{
			Code:     "GR-009",
			Severity: SeverityError,
			Message:  fmt.Sprintf("Stage %q uses unknown partitioning method %q", stage, p.Method),
			Path:     path + ".method",
		}}
	}
}

func (gd *GraphDefinition) hasEnabledLink(from, to string) bool {
	for _, l := range gd.Links {
		if l.From == from && l.To == to && l.IsEnabled() {
			return true
		}
	}
	return false
}

// hasLinkRefErrors returns true if diagnostics contain GR-001 errors.
func hasLinkRefErrors(diags []Diagnostic) bool {
	for _, d := range diags {
		if d.Code == "GR-001" {
			return true
		}
	}
	return false
}

// detectCycle uses Kahn's algorithm over enabled links. Returns a
// description of the cycle if found, or empty string if the graph is acyclic.
func (gd *GraphDefinition) detectCycle() string {
	inDegree := make(map[string]int)
	successors := make(map[string][]string)
	for _, s := range gd.Stages {
		inDegree[s.Name] = 0
	}
	for _, l := range gd.Links {
		if !l.IsEnabled() {
			continue
		}
		successors[l.From] = append(successors[l.From], l.To)
		inDegree[l.To]++
	}

	queue := make([]string, 0)
	for _, s := range gd.Stages {
		if inDegree[s.Name] == 0 {
			queue = append(queue, s.Name)
		}
	}

	visited := 0
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		visited++
		for _, succ := range successors[current] {
			inDegree[succ]--
			if inDegree[succ] == 0 {
				queue = append(queue, succ)
			}
		}
	}

	if visited < len(gd.Stages) {
		var cycleStages []string
		for _, s := range gd.Stages {
			if inDegree[s.Name] > 0 {
				cycleStages = append(cycleStages, s.Name)
			}
		}
		return fmt.Sprintf("stages involved: %v", cycleStages)
	}
	return ""
}

// BuildOption configures how a GraphDefinition is converted to a Graph.
type BuildOption func(*buildConfig)

type buildConfig struct {
	kinds KindLookup
}

// WithKindLookup marks stages whose kind is registered as pass-through.
func WithKindLookup(kinds KindLookup) BuildOption {
	return func(c *buildConfig) {
		c.kinds = kinds
	}
}

// ToGraph converts a GraphDefinition into a Graph.
func (gd *GraphDefinition) ToGraph(opts ...BuildOption) (*Graph, error) {
	cfg := &buildConfig{}
	for _, opt := range opts {
		opt(cfg)
	}

	g := NewGraph(gd.Name)
	for _, sd := range gd.Stages {
		passThrough := sd.PassThrough
		if cfg.kinds != nil && cfg.kinds.IsPassThrough(sd.Type) {
			passThrough = true
		}
		s := &Stage{
			Name:                 sd.Name,
			Kind:                 sd.Type,
			Copies:               strings.TrimSpace(string(sd.Copies)),
			Partitioning:         sd.Partitioning,
			OutboundPartitioning: sd.OutboundPartitioning,
			ErrorTarget:          sd.ErrorTarget,
			CopyRows:             sd.CopyRows,
			PassThrough:          passThrough,
			ClusterSchema:        sd.ClusterSchema,
			Config:               sd.Config,
		}
		if err := g.AddStage(s); err != nil {
			return nil, fmt.Errorf("adding stage %q: %w", sd.Name, err)
		}
	}

	for _, ld := range gd.Links {
		if err := g.AddLink(ld.From, ld.To, ld.IsEnabled()); err != nil {
			return nil, fmt.Errorf("adding link %s -> %s: %w", ld.From, ld.To, err)
		}
	}

	if err := g.Validate(); err != nil {
		return nil, err
	}
	return g, nil
}
