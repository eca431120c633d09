package runtime

import (
	"slices"

	"github.com/petal-labs/rowflow/graph"
)

// SortInstances returns the instances in an order consistent with the
// graph's reachability: an instance that can only run after another sorts
// after it. Copies of one stage sort by copy index. The ordering is used
// for monitoring and for the serial scheduler's scan; it never affects
// where records go.
//
// Above max instances the input order is returned unchanged.
func SortInstances(g *graph.Graph, insts []*Instance, max int) []*Instance {
	out := slices.Clone(insts)
	if len(out) < 2 || (max > 0 && len(out) > max) {
		return out
	}
	p := newPrecedence(g)

	// Cocktail sort: alternate forward and backward passes, shrinking the
	// window from the side that settled. Stop when a pass makes no swap.
	left, right := 0, len(out)-1
	for left < right {
		swapped := false
		for k := left; k < right; k++ {
			if p.precedes(out[k+1], out[k]) {
				out[k], out[k+1] = out[k+1], out[k]
				swapped = true
			}
		}
		if !swapped {
			break
		}
		right--

		swapped = false
		for k := right; k > left; k-- {
			if p.precedes(out[k], out[k-1]) {
				out[k], out[k-1] = out[k-1], out[k]
				swapped = true
			}
		}
		if !swapped {
			break
		}
		left++
	}
	return out
}

type stagePair struct{ a, b string }

// precedence answers precedes(a, b) with memoized graph reachability.
// Stages that do not reach each other compare by topological rank so the
// relation is a strict weak ordering and adjacent swaps converge.
type precedence struct {
	g     *graph.Graph
	rank  map[string]int
	reach map[stagePair]bool
}

func newPrecedence(g *graph.Graph) *precedence {
	p := &precedence{g: g, rank: make(map[string]int), reach: make(map[stagePair]bool)}
	order, err := g.TopologicalSort()
	if err != nil {
		for k, s := range g.Stages() {
			p.rank[s.Name] = k
		}
		return p
	}
	for k, name := range order {
		p.rank[name] = k
	}
	return p
}

func (p *precedence) reaches(a, b string) bool {
	key := stagePair{a, b}
	if v, ok := p.reach[key]; ok {
		return v
	}
	v := p.g.Precedes(a, b)
	p.reach[key] = v
	return v
}

func (p *precedence) precedes(a, b *Instance) bool {
	sa, sb := a.stage.Name, b.stage.Name
	if sa == sb {
		return a.copy < b.copy
	}
	if p.reaches(sa, sb) {
		return true
	}
	if p.reaches(sb, sa) {
		return false
	}
	return p.rank[sa] < p.rank[sb]
}
