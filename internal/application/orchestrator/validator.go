package orchestrator

import (
	"fmt"
	"strings"

	"github.com/nishichengju/planmode/internal/domain"
)

// Validator validates execution graph structure
type Validator struct{}

// NewValidator creates a new graph validator
func NewValidator() *Validator {
	return &Validator{}
}

// Validate checks a graph and returns (true, "") when it is well formed, or
// false with a message describing the first violation found. Checks run in
// order: non-empty, unique ids, resolvable dependencies, no self-dependency,
// no cycle. The result depends only on the graph.
func (v *Validator) Validate(g *domain.ExecutionGraph) (bool, string) {
	if g == nil || len(g.Tasks) == 0 {
		return false, "graph must have at least one task"
	}

	ids := make(map[string]bool, len(g.Tasks))
	for _, t := range g.Tasks {
		if ids[t.ID] {
			return false, fmt.Sprintf("duplicate task ID: %s", t.ID)
		}
		ids[t.ID] = true
	}

	for _, t := range g.Tasks {
		for _, dep := range t.Dependencies {
			if !ids[dep] {
				return false, fmt.Sprintf("task %s depends on non-existent task: %s", t.ID, dep)
			}
		}
	}

	for _, t := range g.Tasks {
		for _, dep := range t.Dependencies {
			if dep == t.ID {
				return false, fmt.Sprintf("task %s depends on itself", t.ID)
			}
		}
	}

	if cycle := findCycle(g); cycle != nil {
		return false, fmt.Sprintf("dependency cycle detected: %s", strings.Join(cycle, " -> "))
	}

	return true, ""
}

// Check is Validate in error form
func (v *Validator) Check(g *domain.ExecutionGraph) error {
	if ok, msg := v.Validate(g); !ok {
		return &domain.GraphStructureError{Message: msg}
	}
	return nil
}

// findCycle runs a depth-first search over dependency edges, visiting tasks in
// graph order, and returns the first cycle as a closed path of ids.
func findCycle(g *domain.ExecutionGraph) []string {
	deps := make(map[string][]string, len(g.Tasks))
	for _, t := range g.Tasks {
		deps[t.ID] = t.Dependencies
	}

	const (
		unvisited = iota
		inProgress
		done
	)
	state := make(map[string]int, len(g.Tasks))
	var path []string

	var visit func(id string) []string
	visit = func(id string) []string {
		switch state[id] {
		case done:
			return nil
		case inProgress:
			for i, p := range path {
				if p == id {
					cycle := append([]string{}, path[i:]...)
					return append(cycle, id)
				}
			}
			return []string{id, id}
		}

		state[id] = inProgress
		path = append(path, id)
		for _, dep := range deps[id] {
			if cycle := visit(dep); cycle != nil {
				return cycle
			}
		}
		path = path[:len(path)-1]
		state[id] = done
		return nil
	}

	for _, t := range g.Tasks {
		if state[t.ID] == unvisited {
			if cycle := visit(t.ID); cycle != nil {
				return cycle
			}
		}
	}
	return nil
}
