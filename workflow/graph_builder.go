package workflow

import (
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/BaSui01/durableflow/workflow/expr"
)

// GraphBuilder validates a flat node/edge list and derives the dependency
// graph: entry, exits, topological levels, parallel groups, critical path
// and join settings.
type GraphBuilder struct {
	logger *zap.Logger
}

// NewGraphBuilder creates a graph builder.
func NewGraphBuilder(logger *zap.Logger) *GraphBuilder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GraphBuilder{logger: logger.With(zap.String("component", "graph_builder"))}
}

// BuildGraph builds a graph with a no-op logger.
func BuildGraph(nodes []*Node, edges []*Edge) (*DependencyGraph, error) {
	return NewGraphBuilder(nil).Build(nodes, edges)
}

// Build validates nodes and edges and returns the dependency graph.
func (b *GraphBuilder) Build(nodes []*Node, edges []*Edge) (*DependencyGraph, error) {
	if len(nodes) == 0 {
		return nil, &GraphValidationError{Reason: "graph has no nodes"}
	}

	g := &DependencyGraph{
		Nodes:    make(map[string]*GraphNode, len(nodes)),
		outgoing: make(map[string][]*Edge),
		incoming: make(map[string][]*Edge),
	}

	for _, n := range nodes {
		if n == nil || n.ID == "" {
			return nil, &GraphValidationError{Reason: "node with empty id"}
		}
		if _, exists := g.Nodes[n.ID]; exists {
			return nil, &GraphValidationError{Reason: "duplicate node id", NodeIDs: []string{n.ID}}
		}
		if n.Type == "" {
			return nil, &GraphValidationError{Reason: "node has no type", NodeIDs: []string{n.ID}}
		}
		g.Nodes[n.ID] = &GraphNode{Node: n}
	}

	if err := b.addEdges(g, edges); err != nil {
		return nil, err
	}

	if err := detectCycles(g); err != nil {
		return nil, err
	}

	if err := selectEntry(g); err != nil {
		return nil, err
	}

	if err := detectUnreachable(g); err != nil {
		return nil, err
	}

	computeLevels(g)
	computeCriticalPath(g)

	if err := configureJoins(g); err != nil {
		return nil, err
	}

	b.logger.Debug("workflow graph built",
		zap.Int("nodes", len(g.Nodes)),
		zap.Int("edges", len(g.Edges)),
		zap.String("entry", g.Entry),
		zap.Strings("exits", g.Exits),
		zap.Int("levels", len(g.Levels)),
		zap.Strings("critical_path", g.CriticalPath),
	)
	return g, nil
}

func (b *GraphBuilder) addEdges(g *DependencyGraph, edges []*Edge) error {
	seen := make(map[[2]string]bool)
	for i, e := range edges {
		if e == nil {
			continue
		}
		if _, ok := g.Nodes[e.Source]; !ok {
			return &GraphValidationError{Reason: "edge references unknown source node", NodeIDs: []string{e.Source}}
		}
		if _, ok := g.Nodes[e.Target]; !ok {
			return &GraphValidationError{Reason: "edge references unknown target node", NodeIDs: []string{e.Target}}
		}
		if e.Source == e.Target {
			return &CycleError{Path: []string{e.Source, e.Target}}
		}
		if e.IsConditional() {
			if err := expr.CheckSafe(e.Condition); err != nil {
				return &GraphValidationError{Reason: "edge guard rejected", NodeIDs: []string{e.Source, e.Target}, Err: err}
			}
		}

		edge := *e
		if edge.ID == "" {
			edge.ID = fmt.Sprintf("%s->%s#%d", e.Source, e.Target, i)
		}
		g.Edges = append(g.Edges, &edge)
		g.outgoing[edge.Source] = append(g.outgoing[edge.Source], &edge)
		g.incoming[edge.Target] = append(g.incoming[edge.Target], &edge)

		key := [2]string{edge.Source, edge.Target}
		if seen[key] {
			b.logger.Debug("parallel edges between the same nodes",
				zap.String("source", edge.Source), zap.String("target", edge.Target))
			continue
		}
		seen[key] = true
		src := g.Nodes[edge.Source]
		dst := g.Nodes[edge.Target]
		src.Dependents = append(src.Dependents, edge.Target)
		dst.Dependencies = append(dst.Dependencies, edge.Source)
	}
	return nil
}

func sortedIDs(g *DependencyGraph) []string {
	ids := make([]string, 0, len(g.Nodes))
	for id := range g.Nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// detectCycles runs a colouring DFS and reports the first back edge as a path.
func detectCycles(g *DependencyGraph) error {
	const (
		white = iota
		grey
		black
	)
	color := make(map[string]int, len(g.Nodes))
	var stack []string

	var visit func(id string) *CycleError
	visit = func(id string) *CycleError {
		color[id] = grey
		stack = append(stack, id)
		for _, next := range g.Nodes[id].Dependents {
			switch color[next] {
			case white:
				if cyc := visit(next); cyc != nil {
					return cyc
				}
			case grey:
				start := 0
				for i, s := range stack {
					if s == next {
						start = i
						break
					}
				}
				path := append([]string(nil), stack[start:]...)
				return &CycleError{Path: append(path, next)}
			}
		}
		stack = stack[:len(stack)-1]
		color[id] = black
		return nil
	}

	for _, id := range sortedIDs(g) {
		if color[id] == white {
			if cyc := visit(id); cyc != nil {
				return cyc
			}
		}
	}
	return nil
}

// selectEntry picks the unique root. With several roots a single start node
// wins; the other roots are then reported as unreachable.
func selectEntry(g *DependencyGraph) error {
	var roots []string
	for _, id := range sortedIDs(g) {
		if len(g.Nodes[id].Dependencies) == 0 {
			roots = append(roots, id)
		}
	}
	switch len(roots) {
	case 0:
		return ErrNoEntryNode
	case 1:
		g.Entry = roots[0]
		return nil
	}

	var starts []string
	for _, id := range roots {
		if g.Nodes[id].Node.Type == NodeTypeStart {
			starts = append(starts, id)
		}
	}
	if len(starts) != 1 {
		return &GraphValidationError{Reason: "multiple entry nodes", NodeIDs: roots, Err: ErrNoEntryNode}
	}
	g.Entry = starts[0]
	return nil
}

func detectUnreachable(g *DependencyGraph) error {
	reachable := map[string]bool{g.Entry: true}
	queue := []string{g.Entry}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for _, next := range g.Nodes[id].Dependents {
			if !reachable[next] {
				reachable[next] = true
				queue = append(queue, next)
			}
		}
	}

	var orphaned []string
	for _, id := range sortedIDs(g) {
		if !reachable[id] {
			orphaned = append(orphaned, id)
		}
	}
	if len(orphaned) > 0 {
		return &GraphValidationError{Reason: "nodes not reachable from entry", NodeIDs: orphaned}
	}
	return nil
}

// computeLevels runs Kahn's algorithm; every level with more than one node
// is a parallel group.
func computeLevels(g *DependencyGraph) {
	inDegree := make(map[string]int, len(g.Nodes))
	for id, n := range g.Nodes {
		inDegree[id] = len(n.Dependencies)
	}

	var current []string
	for _, id := range sortedIDs(g) {
		if inDegree[id] == 0 {
			current = append(current, id)
		}
	}

	for level := 0; len(current) > 0; level++ {
		g.Levels = append(g.Levels, current)
		if len(current) > 1 {
			g.ParallelGroups = append(g.ParallelGroups, current)
		}
		var next []string
		for _, id := range current {
			n := g.Nodes[id]
			n.Level = level
			n.IsParallel = len(current) > 1
			for _, dep := range n.Dependents {
				inDegree[dep]--
				if inDegree[dep] == 0 {
					next = append(next, dep)
				}
			}
		}
		sort.Strings(next)
		current = next
	}

	for _, id := range sortedIDs(g) {
		if len(g.Nodes[id].Dependents) == 0 {
			g.Exits = append(g.Exits, id)
		}
	}
}

// computeCriticalPath finds the longest unit-weight path from the entry.
func computeCriticalPath(g *DependencyGraph) {
	dist := make(map[string]int, len(g.Nodes))
	prev := make(map[string]string, len(g.Nodes))

	for _, id := range g.TopologicalOrder() {
		for _, dep := range g.Nodes[id].Dependencies {
			if d := dist[dep] + 1; d > dist[id] || (d == dist[id] && prev[id] > dep) {
				dist[id] = d
				prev[id] = dep
			}
		}
	}

	end := ""
	for _, id := range g.Exits {
		if end == "" || dist[id] > dist[end] {
			end = id
		}
	}

	var path []string
	for id := end; id != ""; id = prev[id] {
		path = append(path, id)
	}
	for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
		path[i], path[j] = path[j], path[i]
	}
	g.CriticalPath = path
}

func configureJoins(g *DependencyGraph) error {
	for _, id := range sortedIDs(g) {
		n := g.Nodes[id]
		if len(n.Dependencies) < 2 {
			continue
		}
		n.IsJoin = true

		strategy := JoinStrategy(n.Node.ConfigString(ConfigJoinStrategy, string(JoinWaitAll)))
		switch strategy {
		case JoinWaitAll, JoinWaitAny, JoinFirstComplete:
		default:
			return &GraphValidationError{Reason: fmt.Sprintf("unknown join strategy %q", strategy), NodeIDs: []string{id}}
		}
		n.JoinStrategy = strategy
		n.JoinTimeout = n.Node.ConfigMillis(ConfigJoinTimeoutMs, 0)

		action := JoinTimeoutAction(n.Node.ConfigString(ConfigOnJoinTimeout, string(JoinTimeoutFail)))
		switch action {
		case JoinTimeoutFail, JoinTimeoutContinue:
		default:
			return &GraphValidationError{Reason: fmt.Sprintf("unknown join timeout action %q", action), NodeIDs: []string{id}}
		}
		n.OnJoinTimeout = action
	}
	return nil
}
