package pipeline

import (
	"errors"
	"fmt"
)

// ErrCyclicGraph is returned when the dependency graph has no topological
// ordering. BuildLevels never returns a partial partition alongside it.
var ErrCyclicGraph = errors.New("cyclic dependency graph")

// BuildLevels partitions the steps of a definition into ordered parallel
// levels: level 0 holds all steps with no dependencies, level k all
// remaining steps whose dependencies are fully contained in levels 0..k-1.
// Steps within a level carry no ordering guarantee.
//
// Cycle detection is iterative removal of zero-indegree nodes; if any node
// survives, the graph is cyclic.
func BuildLevels(def *Definition) ([][]string, error) {
	indegree := make(map[string]int, len(def.Steps))
	dependents := make(map[string][]string, len(def.Steps))

	for _, s := range def.Steps {
		indegree[s.ID] = len(s.DependsOn)
		for _, dep := range s.DependsOn {
			dependents[dep] = append(dependents[dep], s.ID)
		}
	}

	var levels [][]string
	placed := 0

	// Current frontier: zero-indegree steps in declaration order.
	var frontier []string
	for _, s := range def.Steps {
		if indegree[s.ID] == 0 {
			frontier = append(frontier, s.ID)
		}
	}

	for len(frontier) > 0 {
		levels = append(levels, frontier)
		placed += len(frontier)

		next := make(map[string]struct{})
		for _, id := range frontier {
			for _, dep := range dependents[id] {
				indegree[dep]--
				if indegree[dep] == 0 {
					next[dep] = struct{}{}
				}
			}
		}

		frontier = nil
		for _, s := range def.Steps {
			if _, ok := next[s.ID]; ok {
				frontier = append(frontier, s.ID)
			}
		}
	}

	if placed != len(def.Steps) {
		return nil, fmt.Errorf("%w: %d of %d steps unreachable from roots", ErrCyclicGraph, len(def.Steps)-placed, len(def.Steps))
	}
	return levels, nil
}
