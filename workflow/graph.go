package workflow

import (
	"time"
)

// JoinStrategy decides when a node with several dependencies may start.
type JoinStrategy string

const (
	JoinWaitAll       JoinStrategy = "wait_all"
	JoinWaitAny       JoinStrategy = "wait_any"
	JoinFirstComplete JoinStrategy = "first_complete"
)

// JoinTimeoutAction is applied when a join timeout elapses.
type JoinTimeoutAction string

const (
	JoinTimeoutFail     JoinTimeoutAction = "fail"
	JoinTimeoutContinue JoinTimeoutAction = "continue"
)

// Node config keys read by the graph builder.
const (
	ConfigJoinStrategy  = "joinStrategy"
	ConfigJoinTimeoutMs = "joinTimeoutMs"
	ConfigOnJoinTimeout = "onJoinTimeout"
)

// GraphNode is a node plus its position in the dependency graph.
type GraphNode struct {
	Node          *Node
	Dependencies  []string
	Dependents    []string
	Level         int
	IsParallel    bool
	IsJoin        bool
	JoinStrategy  JoinStrategy
	JoinTimeout   time.Duration
	OnJoinTimeout JoinTimeoutAction
}

// DependencyGraph is the validated, acyclic form of a workflow definition.
type DependencyGraph struct {
	Nodes          map[string]*GraphNode
	Edges          []*Edge
	Entry          string
	Exits          []string
	Levels         [][]string
	ParallelGroups [][]string
	CriticalPath   []string

	outgoing map[string][]*Edge
	incoming map[string][]*Edge
}

// Node returns the graph node for id.
func (g *DependencyGraph) Node(id string) (*GraphNode, bool) {
	n, ok := g.Nodes[id]
	return n, ok
}

// Outgoing returns the edges leaving id in declaration order.
func (g *DependencyGraph) Outgoing(id string) []*Edge {
	return g.outgoing[id]
}

// Incoming returns the edges entering id in declaration order.
func (g *DependencyGraph) Incoming(id string) []*Edge {
	return g.incoming[id]
}

// TopologicalOrder flattens the levels into one order.
func (g *DependencyGraph) TopologicalOrder() []string {
	order := make([]string, 0, len(g.Nodes))
	for _, level := range g.Levels {
		order = append(order, level...)
	}
	return order
}

// IsExit reports whether id has no dependents.
func (g *DependencyGraph) IsExit(id string) bool {
	n, ok := g.Nodes[id]
	return ok && len(n.Dependents) == 0
}

// NodeIDs returns every node id in topological order.
func (g *DependencyGraph) NodeIDs() []string {
	return g.TopologicalOrder()
}
