// Package graph validates workflow task graphs before they are persisted.
package graph

// Edge declares that task From depends on task To: To must complete before
// From may run.
type Edge struct {
	From string `json:"from"`
	To   string `json:"to"`
}

const (
	white = iota // unvisited
	gray         // on the current traversal path
	black        // fully explored
)

// Validate checks that names and edges form a well-formed DAG.
//
// It rejects an empty task set, empty or duplicate names, edges that
// reference unknown tasks, self-dependencies, duplicate edges and cycles.
// It has no side effects.
func Validate(names []string, edges []Edge) error {
	_, err := build(names, edges)
	return err
}

// TopologicalOrder returns the task names ordered so that every task appears
// after all of its dependencies. Ties are broken by input order.
func TopologicalOrder(names []string, edges []Edge) ([]string, error) {
	g, err := build(names, edges)
	if err != nil {
		return nil, err
	}

	// indeg counts unmet dependencies; dependents is the reverse adjacency.
	indeg := make([]int, len(names))
	dependents := make([][]int, len(names))
	for from, deps := range g.deps {
		indeg[from] = len(deps)
		for _, to := range deps {
			dependents[to] = append(dependents[to], from)
		}
	}

	done := make([]bool, len(names))
	out := make([]string, 0, len(names))
	for len(out) < len(names) {
		// Lowest input index first keeps the order stable across calls.
		next := -1
		for i := range names {
			if !done[i] && indeg[i] == 0 {
				next = i
				break
			}
		}
		done[next] = true
		out = append(out, names[next])
		for _, d := range dependents[next] {
			indeg[d]--
		}
	}
	return out, nil
}

type adjacency struct {
	names []string
	deps  [][]int
}

func build(names []string, edges []Edge) (*adjacency, error) {
	if len(names) == 0 {
		return nil, invalidf("workflow must have at least one task")
	}

	index := make(map[string]int, len(names))
	for i, n := range names {
		if n == "" {
			return nil, invalidf("task name is required")
		}
		if _, exists := index[n]; exists {
			return nil, invalidf("duplicate task name %q", n)
		}
		index[n] = i
	}

	g := &adjacency{names: names, deps: make([][]int, len(names))}
	seen := make(map[[2]int]bool, len(edges))
	for _, e := range edges {
		from, okFrom := index[e.From]
		to, okTo := index[e.To]
		if !okFrom || !okTo {
			return nil, invalidf("invalid dependency: %q depends on %q", e.From, e.To)
		}
		if from == to {
			return nil, invalidf("task %q cannot depend on itself", e.From)
		}
		pair := [2]int{from, to}
		if seen[pair] {
			return nil, invalidf("duplicate dependency: %q depends on %q", e.From, e.To)
		}
		seen[pair] = true
		g.deps[from] = append(g.deps[from], to)
	}

	if cycle := g.findCycle(); cycle != nil {
		return nil, cycleError(cycle)
	}
	return g, nil
}

// frame is one level of the explicit DFS stack: node plus the index of the
// next dependency edge to explore.
type frame struct {
	node int
	next int
}

// findCycle runs an iterative three-color depth-first search over the
// dependency edges. Reaching a gray node means it is still on the path, so
// the path from that node to the top of the stack closes a cycle.
func (g *adjacency) findCycle() []string {
	color := make([]int, len(g.names))
	for root := range g.names {
		if color[root] != white {
			continue
		}

		stack := []frame{{node: root}}
		color[root] = gray
		for len(stack) > 0 {
			top := &stack[len(stack)-1]
			if top.next == len(g.deps[top.node]) {
				color[top.node] = black
				stack = stack[:len(stack)-1]
				continue
			}

			v := g.deps[top.node][top.next]
			top.next++

			switch color[v] {
			case white:
				color[v] = gray
				stack = append(stack, frame{node: v})
			case gray:
				return g.cyclePath(stack, v)
			}
		}
	}
	return nil
}

func (g *adjacency) cyclePath(stack []frame, v int) []string {
	start := 0
	for i := range stack {
		if stack[i].node == v {
			start = i
			break
		}
	}
	path := make([]string, 0, len(stack)-start+1)
	for _, f := range stack[start:] {
		path = append(path, g.names[f.node])
	}
	return append(path, g.names[v])
}
