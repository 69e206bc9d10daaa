package phase

import (
	"fmt"
	"sort"
)

// Graph is a validated, acyclic set of phase definitions.
type Graph struct {
	defs    []*Definition
	byID    map[string]*Definition
	index   map[string]int
	order   []string
	levels  [][]string
	depsOf  map[string][]string
	reverse map[string][]string
}

// NewGraph validates defs and builds the dependency graph. Definitions are
// kept in declaration order; the order is used to break topological ties.
func NewGraph(defs []Definition) (*Graph, error) {
	g := &Graph{
		byID:    make(map[string]*Definition, len(defs)),
		index:   make(map[string]int, len(defs)),
		depsOf:  make(map[string][]string, len(defs)),
		reverse: make(map[string][]string, len(defs)),
	}

	for i := range defs {
		d := defs[i]
		if d.ID == "" {
			return nil, &ValidationError{Field: fmt.Sprintf("phases[%d].id", i), Message: "is required"}
		}
		if _, dup := g.byID[d.ID]; dup {
			return nil, &DuplicatePhaseIDError{ID: d.ID}
		}
		if d.Type == "" {
			d.Type = TypeAgent
		}
		g.index[d.ID] = i
		g.byID[d.ID] = &d
		g.defs = append(g.defs, &d)
	}

	for _, d := range g.defs {
		seen := make(map[string]bool, len(d.DependsOn))
		for _, dep := range d.DependsOn {
			if _, ok := g.byID[dep]; !ok {
				return nil, &UnknownDependencyError{Phase: d.ID, Dependency: dep}
			}
			if seen[dep] {
				continue
			}
			seen[dep] = true
			g.depsOf[d.ID] = append(g.depsOf[d.ID], dep)
			g.reverse[dep] = append(g.reverse[dep], d.ID)
		}
	}

	if cycle := g.findCycle(); cycle != nil {
		return nil, &CyclicDependencyError{Cycle: cycle}
	}

	g.order, g.levels = g.topoSort()

	if err := g.validatePhases(); err != nil {
		return nil, err
	}
	return g, nil
}

// validatePhases checks per-phase rules that need the full graph.
func (g *Graph) validatePhases() error {
	for i, d := range g.defs {
		prefix := fmt.Sprintf("phases[%d]", i)
		switch d.Type {
		case TypeAgent, TypeChecksOnly:
		default:
			return &ValidationError{Field: prefix + ".type", Message: fmt.Sprintf("unknown phase type %q", d.Type)}
		}
		if d.Type == TypeChecksOnly && len(d.Gates) == 0 {
			return &ValidationError{Field: prefix + ".gates", Message: "checks_only phase must declare at least one gate"}
		}
		for j, gc := range d.Gates {
			if !IsValidGateKind(gc.Kind) {
				return &ValidationError{
					Field:   fmt.Sprintf("%s.gates[%d].kind", prefix, j),
					Message: fmt.Sprintf("unknown gate kind %q", gc.Kind),
				}
			}
			if gc.Kind == GateStructuralDocumentValid && gc.Document == "" {
				return &ValidationError{
					Field:   fmt.Sprintf("%s.gates[%d].document", prefix, j),
					Message: "is required for structural_document_valid",
				}
			}
		}
		ancestors := g.Ancestors(d.ID)
		for j, in := range d.Inputs {
			field := fmt.Sprintf("%s.inputs[%d]", prefix, j)
			if _, ok := g.byID[in.From]; !ok {
				return &UnknownDependencyError{Phase: d.ID, Dependency: in.From}
			}
			if !ancestors[in.From] {
				return &ValidationError{Field: field + ".from", Message: fmt.Sprintf("phase %q is not a dependency of %q", in.From, d.ID)}
			}
			if in.Pattern == "" {
				return &ValidationError{Field: field + ".pattern", Message: "is required"}
			}
		}
	}
	return nil
}

// findCycle returns the first cycle found by DFS in declaration order,
// or nil when the graph is acyclic.
func (g *Graph) findCycle() []string {
	const (
		white = iota
		grey
		black
	)
	color := make(map[string]int, len(g.defs))
	var stack []string
	var cycle []string

	var visit func(id string) bool
	visit = func(id string) bool {
		color[id] = grey
		stack = append(stack, id)
		for _, dep := range g.depsOf[id] {
			switch color[dep] {
			case grey:
				start := 0
				for i, s := range stack {
					if s == dep {
						start = i
						break
					}
				}
				cycle = append(append([]string{}, stack[start:]...), dep)
				return true
			case white:
				if visit(dep) {
					return true
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[id] = black
		return false
	}

	for _, d := range g.defs {
		if color[d.ID] == white && visit(d.ID) {
			return cycle
		}
	}
	return nil
}

// topoSort runs Kahn's algorithm level by level. Within a level phases keep
// declaration order, which makes Order deterministic.
func (g *Graph) topoSort() ([]string, [][]string) {
	indeg := make(map[string]int, len(g.defs))
	for _, d := range g.defs {
		indeg[d.ID] = len(g.depsOf[d.ID])
	}

	var ready []string
	for _, d := range g.defs {
		if indeg[d.ID] == 0 {
			ready = append(ready, d.ID)
		}
	}

	var order []string
	var levels [][]string
	for len(ready) > 0 {
		g.sortByDeclaration(ready)
		levels = append(levels, ready)
		order = append(order, ready...)

		var next []string
		for _, id := range ready {
			for _, child := range g.reverse[id] {
				indeg[child]--
				if indeg[child] == 0 {
					next = append(next, child)
				}
			}
		}
		ready = next
	}
	return order, levels
}

func (g *Graph) sortByDeclaration(ids []string) {
	sort.SliceStable(ids, func(i, j int) bool { return g.index[ids[i]] < g.index[ids[j]] })
}

// Order returns phase ids in topological order. Every phase appears after
// all of its dependencies.
func (g *Graph) Order() []string {
	return append([]string(nil), g.order...)
}

// Levels groups phases into batches; phases within a batch do not depend on
// each other and may run concurrently.
func (g *Graph) Levels() [][]string {
	out := make([][]string, len(g.levels))
	for i, l := range g.levels {
		out[i] = append([]string(nil), l...)
	}
	return out
}

// Get returns the definition for id.
func (g *Graph) Get(id string) (*Definition, bool) {
	d, ok := g.byID[id]
	return d, ok
}

// Definitions returns all definitions in declaration order.
func (g *Graph) Definitions() []*Definition {
	return append([]*Definition(nil), g.defs...)
}

// Len returns the number of phases.
func (g *Graph) Len() int { return len(g.defs) }

// DependsOn returns the direct dependencies of id.
func (g *Graph) DependsOn(id string) []string {
	return append([]string(nil), g.depsOf[id]...)
}

// Dependents returns the phases that directly depend on id, in declaration order.
func (g *Graph) Dependents(id string) []string {
	out := append([]string(nil), g.reverse[id]...)
	g.sortByDeclaration(out)
	return out
}

// Ancestors returns the transitive dependencies of id.
func (g *Graph) Ancestors(id string) map[string]bool {
	seen := make(map[string]bool)
	var walk func(string)
	walk = func(cur string) {
		for _, dep := range g.depsOf[cur] {
			if !seen[dep] {
				seen[dep] = true
				walk(dep)
			}
		}
	}
	walk(id)
	return seen
}

// AffectsTests reports whether any phase in the graph is test-bearing.
func (g *Graph) AffectsTests() bool {
	for _, d := range g.defs {
		if d.AffectsTestSuite() {
			return true
		}
	}
	return false
}
