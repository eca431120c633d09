// Package plan turns a graph into the set of queues and endpoint bindings a
// run needs: it resolves copy counts, decides where records have to be
// repartitioned and picks the dispatch type of every enabled link.
package plan

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/petal-labs/rowflow/graph"
	"github.com/petal-labs/rowflow/queue"
)

// Planning errors
var (
	ErrInvalidCopyCount   = errors.New("invalid copy count")
	ErrZeroCopies         = errors.New("stage has zero copies")
	ErrUnresolvedVariable = errors.New("unresolved variable")
)

// PlanningError reports a graph inconsistency discovered before any queue
// or instance is created.
type PlanningError struct {
	Stage string
	Err   error
}

func (e *PlanningError) Error() string {
	if e.Stage == "" {
		return "planning failed: " + e.Err.Error()
	}
	return fmt.Sprintf("planning stage %q: %v", e.Stage, e.Err)
}

func (e *PlanningError) Unwrap() error { return e.Err }

// DispatchType is the fan pattern of a link.
type DispatchType string

const (
	OneToOne  DispatchType = "1:1"
	OneToMany DispatchType = "1:N"
	ManyToOne DispatchType = "N:1"
	Parallel  DispatchType = "N:N" // copy i feeds copy i
	FullFan   DispatchType = "N:M" // every source copy feeds every target copy
)

// Dispatch returns the fan pattern for cs source copies, ct target copies
// and the link's repartition requirement.
func Dispatch(cs, ct int, repartition bool) DispatchType {
	switch {
	case cs == 1 && ct == 1:
		return OneToOne
	case cs == 1 && ct > 1:
		return OneToMany
	case cs > 1 && ct == 1:
		return ManyToOne
	case cs == ct && !repartition:
		return Parallel
	default:
		return FullFan
	}
}

// DispatchCount returns the number of queues a link needs.
func DispatchCount(cs, ct int, repartition bool) int {
	switch Dispatch(cs, ct, repartition) {
	case OneToOne:
		return 1
	case OneToMany, Parallel:
		return ct
	case ManyToOne:
		return cs
	default:
		return cs * ct
	}
}

// NeedsRepartition reports whether records must be redistributed when
// flowing from a stage partitioned as src into a stage partitioned as dst.
func NeedsRepartition(src, dst *graph.Partitioning) bool {
	if !dst.IsPartitioned() {
		return false
	}
	if !src.IsPartitioned() {
		return true
	}
	return !src.Equal(dst)
}

// ResolveCopies returns the positive copy count of a stage. ${NAME}
// references are looked up in vars.
func ResolveCopies(s *graph.Stage, vars map[string]string) (int, error) {
	raw := strings.TrimSpace(s.Copies)
	if raw == "" {
		return 1, nil
	}

	var missing []string
	expanded := os.Expand(raw, func(name string) string {
		v, ok := vars[name]
		if !ok {
			missing = append(missing, name)
		}
		return v
	})
	if len(missing) > 0 {
		return 0, &PlanningError{Stage: s.Name, Err: fmt.Errorf("%w: %s in copies %q", ErrUnresolvedVariable, strings.Join(missing, ", "), raw)}
	}

	n, err := strconv.Atoi(strings.TrimSpace(expanded))
	if err != nil {
		return 0, &PlanningError{Stage: s.Name, Err: fmt.Errorf("%w: %q is not an integer", ErrInvalidCopyCount, expanded)}
	}
	if n < 0 {
		return 0, &PlanningError{Stage: s.Name, Err: fmt.Errorf("%w: %d", ErrInvalidCopyCount, n)}
	}
	if n == 0 {
		return 0, &PlanningError{Stage: s.Name, Err: ErrZeroCopies}
	}
	return n, nil
}

// StagePlan holds what the planner decided for one stage.
type StagePlan struct {
	Stage  *graph.Stage
	Copies int
	// Repartition is the inbound policy shared by every instance of the
	// stage: the stage's own method when any incoming link needs it.
	Repartition graph.PartitionMethod
	// Outbound is the stage's declared outbound policy, independent of
	// Repartition.
	Outbound graph.PartitionMethod
}

// Name returns the stage name.
func (sp *StagePlan) Name() string { return sp.Stage.Name }

// LinkPlan holds the dispatch decision and queues of one enabled link.
type LinkPlan struct {
	From         string
	To           string
	SourceCopies int
	TargetCopies int
	Repartition  bool
	Error        bool // carries the source's rejected records
	Dispatch     DispatchType
	Queues       []queue.ID
}

// Plan is the output of Build.
type Plan struct {
	Graph  *graph.Graph
	Stages []*StagePlan // graph insertion order
	Links  []*LinkPlan

	byStage map[string]*StagePlan
}

// Build plans g. vars resolves ${NAME} copy counts. Any failure is a
// *PlanningError.
func Build(g *graph.Graph, vars map[string]string) (*Plan, error) {
	if g == nil {
		return nil, &PlanningError{Err: graph.ErrEmptyGraph}
	}
	if err := g.Validate(); err != nil {
		return nil, &PlanningError{Err: err}
	}

	p := &Plan{Graph: g, byStage: make(map[string]*StagePlan)}
	for _, s := range g.Stages() {
		n, err := ResolveCopies(s, vars)
		if err != nil {
			return nil, err
		}
		sp := &StagePlan{
			Stage:       s,
			Copies:      n,
			Repartition: graph.PartitionNone,
			Outbound:    graph.PartitionNone,
		}
		if s.OutboundPartitioning.IsPartitioned() {
			sp.Outbound = s.OutboundPartitioning.Method
		}
		p.Stages = append(p.Stages, sp)
		p.byStage[s.Name] = sp
	}

	for _, l := range g.EnabledLinks() {
		if l.From.PassThrough || l.To.PassThrough {
			continue
		}
		src, dst := p.byStage[l.From.Name], p.byStage[l.To.Name]
		repartition := NeedsRepartition(l.From.Partitioning, l.To.Partitioning)
		if repartition {
			dst.Repartition = l.To.Partitioning.Method
		}
		lp := &LinkPlan{
			From:         l.From.Name,
			To:           l.To.Name,
			SourceCopies: src.Copies,
			TargetCopies: dst.Copies,
			Repartition:  repartition,
			Error:        l.IsErrorLink(),
			Dispatch:     Dispatch(src.Copies, dst.Copies, repartition),
		}
		lp.Queues = queueIDs(lp)
		p.Links = append(p.Links, lp)
	}
	return p, nil
}

func queueIDs(lp *LinkPlan) []queue.ID {
	ids := make([]queue.ID, 0, DispatchCount(lp.SourceCopies, lp.TargetCopies, lp.Repartition))
	if lp.Dispatch == Parallel {
		for i := 0; i < lp.TargetCopies; i++ {
			ids = append(ids, queue.ID{From: lp.From, FromCopy: i, To: lp.To, ToCopy: i})
		}
		return ids
	}
	for i := 0; i < lp.SourceCopies; i++ {
		for j := 0; j < lp.TargetCopies; j++ {
			ids = append(ids, queue.ID{From: lp.From, FromCopy: i, To: lp.To, ToCopy: j})
		}
	}
	return ids
}

// Stage returns the plan of the named stage.
func (p *Plan) Stage(name string) (*StagePlan, bool) {
	sp, ok := p.byStage[name]
	return sp, ok
}

// InstanceCount returns the total number of stage copies.
func (p *Plan) InstanceCount() int {
	n := 0
	for _, sp := range p.Stages {
		n += sp.Copies
	}
	return n
}

// QueueCount returns the total number of queues across all links.
func (p *Plan) QueueCount() int {
	n := 0
	for _, lp := range p.Links {
		n += len(lp.Queues)
	}
	return n
}
