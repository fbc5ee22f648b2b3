package workflow

import (
	"sort"

	"go.uber.org/zap"

	"github.com/BaSui01/durableflow/workflow/expr"
)

// Navigator picks the outgoing edges to follow after a node completed.
//
// Conditional edges are grouped into tiers by descending priority. The first
// tier with a true guard wins: its satisfied edges are taken and lower tiers
// are not evaluated. Conditional edges without a priority form the last tier.
// When no guard holds, unconditional sibling edges are the fallback. Without
// conditional edges every unconditional edge is taken.
type Navigator struct {
	graph  *DependencyGraph
	logger *zap.Logger
}

// NewNavigator creates a navigator for graph.
func NewNavigator(graph *DependencyGraph, logger *zap.Logger) *Navigator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Navigator{graph: graph, logger: logger.With(zap.String("component", "navigator"))}
}

// Next returns the edges to activate out of sourceID. Guard tokens are
// replaced with values from execCtx; unresolved tokens become null.
func (n *Navigator) Next(sourceID string, execCtx *ExecutionContext) ([]*Edge, error) {
	edges := n.graph.Outgoing(sourceID)
	var conditional, unconditional []*Edge
	for _, e := range edges {
		if e.IsConditional() {
			conditional = append(conditional, e)
		} else {
			unconditional = append(unconditional, e)
		}
	}
	if len(conditional) == 0 {
		return unconditional, nil
	}

	for _, tier := range priorityTiers(conditional) {
		var taken []*Edge
		for _, e := range tier {
			ok, err := expr.EvaluateTemplate(e.Condition, execCtx.Lookup)
			if err != nil {
				return nil, &NodeExecutionError{
					NodeID:   sourceID,
					NodeType: n.graph.Nodes[sourceID].Node.Type,
					Err:      &GraphValidationError{Reason: "edge guard evaluation failed", NodeIDs: []string{e.Source, e.Target}, Err: err},
				}
			}
			n.logger.Debug("guard evaluated",
				zap.String("edge", e.ID),
				zap.String("condition", e.Condition),
				zap.Bool("result", ok))
			if ok {
				taken = append(taken, e)
			}
		}
		if len(taken) > 0 {
			return taken, nil
		}
	}

	n.logger.Debug("no guard satisfied, using fallback edges",
		zap.String("source", sourceID),
		zap.Int("fallback", len(unconditional)))
	return unconditional, nil
}

// Targets is Next reduced to target ids.
func (n *Navigator) Targets(sourceID string, execCtx *ExecutionContext) ([]string, error) {
	edges, err := n.Next(sourceID, execCtx)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(edges))
	seen := make(map[string]bool, len(edges))
	for _, e := range edges {
		if !seen[e.Target] {
			seen[e.Target] = true
			out = append(out, e.Target)
		}
	}
	return out, nil
}

// priorityTiers groups edges by priority, highest first, with unprioritized
// edges last.
func priorityTiers(edges []*Edge) [][]*Edge {
	byPriority := make(map[int][]*Edge)
	var unprioritized []*Edge
	for _, e := range edges {
		if e.Priority == nil {
			unprioritized = append(unprioritized, e)
			continue
		}
		byPriority[*e.Priority] = append(byPriority[*e.Priority], e)
	}

	priorities := make([]int, 0, len(byPriority))
	for p := range byPriority {
		priorities = append(priorities, p)
	}
	sort.Sort(sort.Reverse(sort.IntSlice(priorities)))

	tiers := make([][]*Edge, 0, len(priorities)+1)
	for _, p := range priorities {
		tiers = append(tiers, byPriority[p])
	}
	if len(unprioritized) > 0 {
		tiers = append(tiers, unprioritized)
	}
	return tiers
}
