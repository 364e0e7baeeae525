package engine

import (
	"fmt"

	"github.com/kandev/kandev/internal/flow/models"
)

// ErrCycle is returned by topoSort when a flow's edges contain a cycle.
type ErrCycle struct {
	Flow string
}

func (e *ErrCycle) Error() string {
	return fmt.Sprintf("flow %s: cycle detected among nodes, topo sort failed", e.Flow)
}

// levelPlan is the result of topologically sorting a flow: every node's
// level (max(parent level) + 1, sources at 0) and a parents-adjacency map.
type levelPlan struct {
	levels  [][]string          // nodes grouped by level, in increasing order
	parents map[string][]string // nodeID -> parent nodeIDs
}

// buildLevelPlan topologically sorts the flow's nodes via Kahn's algorithm
// and groups them into dependency levels. Returns ErrCycle if the edge set
// is not acyclic.
func buildLevelPlan(flow *models.Flow) (*levelPlan, error) {
	parents := make(map[string][]string, len(flow.Nodes))
	children := make(map[string][]string, len(flow.Nodes))
	inDegree := make(map[string]int, len(flow.Nodes))

	for _, n := range flow.Nodes {
		inDegree[n.ID] = 0
	}
	for _, e := range flow.Edges {
		parents[e.Target] = append(parents[e.Target], e.Source)
		children[e.Source] = append(children[e.Source], e.Target)
		inDegree[e.Target]++
	}

	// level[node] = 0 for sources; recomputed via BFS by in-degree peeling.
	level := make(map[string]int, len(flow.Nodes))
	queue := make([]string, 0, len(flow.Nodes))
	for _, n := range flow.Nodes {
		if inDegree[n.ID] == 0 {
			queue = append(queue, n.ID)
			level[n.ID] = 0
		}
	}

	visited := 0
	remaining := append([]string(nil), queue...)
	for len(remaining) > 0 {
		id := remaining[0]
		remaining = remaining[1:]
		visited++
		for _, child := range children[id] {
			if level[child] < level[id]+1 {
				level[child] = level[id] + 1
			}
			inDegree[child]--
			if inDegree[child] == 0 {
				remaining = append(remaining, child)
			}
		}
	}

	if visited != len(flow.Nodes) {
		return nil, &ErrCycle{Flow: flow.ID}
	}

	maxLevel := 0
	for _, l := range level {
		if l > maxLevel {
			maxLevel = l
		}
	}
	levels := make([][]string, maxLevel+1)
	for _, n := range flow.Nodes {
		l := level[n.ID]
		levels[l] = append(levels[l], n.ID)
	}

	return &levelPlan{levels: levels, parents: parents}, nil
}
