// Package graph holds the immutable-after-load model of a pipeline: stages,
// links and partitioning descriptors, plus the serializable GraphDefinition
// that files are loaded into.
package graph

import (
	"errors"
	"fmt"
	"slices"
)

// Graph errors
var (
	ErrStageNotFound  = errors.New("stage not found")
	ErrDuplicateStage = errors.New("duplicate stage name")
	ErrInvalidLink    = errors.New("invalid link")
	ErrCycleDetected  = errors.New("cycle detected in graph")
	ErrEmptyGraph     = errors.New("graph has no stages")
)

// PartitionMethod identifies how records are spread over partitions.
type PartitionMethod string

const (
	PartitionNone   PartitionMethod = "none"
	PartitionMod    PartitionMethod = "mod"    // hash of Field modulo partition count
	PartitionMirror PartitionMethod = "mirror" // every partition receives every record
)

// Partitioning describes how a stage's data is partitioned.
type Partitioning struct {
	Method       PartitionMethod `json:"method"`
	PartitionIDs []string        `json:"partition_ids,omitempty"`
	Field        string          `json:"field,omitempty"`
}

// IsPartitioned reports whether p describes an actual partitioning scheme.
func (p *Partitioning) IsPartitioned() bool {
	return p != nil && p.Method != "" && p.Method != PartitionNone
}

// Equal reports whether two descriptors have the same method and partition ids.
// The partitioning field does not take part in equality.
func (p *Partitioning) Equal(o *Partitioning) bool {
	if !p.IsPartitioned() || !o.IsPartitioned() {
		return p.IsPartitioned() == o.IsPartitioned()
	}
	return p.Method == o.Method && slices.Equal(p.PartitionIDs, o.PartitionIDs)
}

// Stage is a named processing role in the graph.
type Stage struct {
	// Name is unique within a graph.
	Name string
	// Kind is resolved to executable behavior by the registry.
	Kind string
	// Copies is the copy count: a literal integer or a ${VAR} reference
	// resolved at prepare time. Empty means 1.
	Copies string
	// Partitioning is the inbound partitioning descriptor (optional).
	Partitioning *Partitioning
	// OutboundPartitioning is used when this stage feeds a different
	// downstream grouping; independent of Partitioning.
	OutboundPartitioning *Partitioning
	// ErrorTarget names the stage that receives rejected records.
	ErrorTarget string
	// CopyRows sends every record to every target copy instead of
	// distributing them round-robin.
	CopyRows bool
	// PassThrough stages are handled internally and get no queues.
	PassThrough bool
	// ClusterSchema is carried for remote execution and unused locally.
	ClusterSchema string
	// Config is handed to the stage behavior.
	Config map[string]any
}

// Link is a directed, enableable edge between two stages.
type Link struct {
	From    *Stage
	To      *Stage
	Enabled bool
}

// IsErrorLink reports whether the link carries the source's rejected records.
func (l *Link) IsErrorLink() bool {
	return l.From.ErrorTarget != "" && l.From.ErrorTarget == l.To.Name
}

// String returns "from -> to".
func (l *Link) String() string {
	return l.From.Name + " -> " + l.To.Name
}

// Graph is a directed graph of stages. It is built once and treated as
// read-only for the duration of any run.
type Graph struct {
	name   string
	stages map[string]*Stage
	order  []string // preserves insertion order
	links  []*Link
}

// NewGraph creates an empty graph.
func NewGraph(name string) *Graph {
	return &Graph{
		name:   name,
		stages: make(map[string]*Stage),
	}
}

// Name returns the graph's identifier.
func (g *Graph) Name() string {
	return g.name
}

// Stages returns all stages in insertion order.
func (g *Graph) Stages() []*Stage {
	result := make([]*Stage, 0, len(g.order))
	for _, name := range g.order {
		result = append(result, g.stages[name])
	}
	return result
}

// Links returns all links, enabled or not.
func (g *Graph) Links() []*Link {
	return g.links
}

// Stage retrieves a stage by name.
func (g *Graph) Stage(name string) (*Stage, bool) {
	s, ok := g.stages[name]
	return s, ok
}

// AddStage adds a stage to the graph.
func (g *Graph) AddStage(s *Stage) error {
	if s == nil {
		return errors.New("cannot add nil stage")
	}
	if s.Name == "" {
		return errors.New("stage name is required")
	}
	if _, exists := g.stages[s.Name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateStage, s.Name)
	}
	g.stages[s.Name] = s
	g.order = append(g.order, s.Name)
	return nil
}

// AddLink adds a link between two existing stages.
func (g *Graph) AddLink(from, to string, enabled bool) error {
	src, ok := g.stages[from]
	if !ok {
		return fmt.Errorf("%w: source stage %q not found", ErrInvalidLink, from)
	}
	dst, ok := g.stages[to]
	if !ok {
		return fmt.Errorf("%w: target stage %q not found", ErrInvalidLink, to)
	}
	for _, l := range g.links {
		if l.From == src && l.To == dst {
			return fmt.Errorf("%w: duplicate link %s -> %s", ErrInvalidLink, from, to)
		}
	}
	g.links = append(g.links, &Link{From: src, To: dst, Enabled: enabled})
	return nil
}

// EnabledLinks returns the links the planner considers.
func (g *Graph) EnabledLinks() []*Link {
	var result []*Link
	for _, l := range g.links {
		if l.Enabled {
			result = append(result, l)
		}
	}
	return result
}

// Previous returns the stages with an enabled link into name.
func (g *Graph) Previous(name string) []*Stage {
	var result []*Stage
	for _, l := range g.links {
		if l.Enabled && l.To.Name == name {
			result = append(result, l.From)
		}
	}
	return result
}

// Next returns the stages with an enabled link out of name.
func (g *Graph) Next(name string) []*Stage {
	var result []*Stage
	for _, l := range g.links {
		if l.Enabled && l.From.Name == name {
			result = append(result, l.To)
		}
	}
	return result
}

// Precedes reports whether a is found by walking enabled links backwards
// from b. A stage only precedes itself when it sits on a cycle.
func (g *Graph) Precedes(a, b string) bool {
	visited := make(map[string]bool)
	stack := []string{b}
	for len(stack) > 0 {
		current := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, prev := range g.Previous(current) {
			if prev.Name == a {
				return true
			}
			if !visited[prev.Name] {
				visited[prev.Name] = true
				stack = append(stack, prev.Name)
			}
		}
	}
	return false
}

// TopologicalSort returns stage names in an order compatible with enabled links.
func (g *Graph) TopologicalSort() ([]string, error) {
	// Kahn's algorithm, seeded in insertion order for stable output.
	inDegree := make(map[string]int, len(g.order))
	for _, name := range g.order {
		inDegree[name] = 0
	}
	for _, l := range g.EnabledLinks() {
		inDegree[l.To.Name]++
	}

	queue := make([]string, 0)
	for _, name := range g.order {
		if inDegree[name] == 0 {
			queue = append(queue, name)
		}
	}

	result := make([]string, 0, len(g.order))
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		result = append(result, current)
		for _, next := range g.Next(current) {
			inDegree[next.Name]--
			if inDegree[next.Name] == 0 {
				queue = append(queue, next.Name)
			}
		}
	}

	if len(result) != len(g.order) {
		return nil, ErrCycleDetected
	}
	return result, nil
}

// Validate checks the graph for structural problems the planner cannot
// recover from.
func (g *Graph) Validate() error {
	if len(g.order) == 0 {
		return ErrEmptyGraph
	}
	for _, s := range g.Stages() {
		if s.ErrorTarget == "" {
			continue
		}
		if _, ok := g.stages[s.ErrorTarget]; !ok {
			return fmt.Errorf("%w: error target %q of stage %q", ErrStageNotFound, s.ErrorTarget, s.Name)
		}
	}
	if _, err := g.TopologicalSort(); err != nil {
		return err
	}
	return nil
}
