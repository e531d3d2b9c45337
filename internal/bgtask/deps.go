package bgtask

import (
	"fmt"

	"github.com/gammazero/toposort"

	"forge/internal/taskerr"
)

// validateDependencyGraph rejects a Start call whose dependsOn would
// introduce a cycle into the graph formed by every task the scheduler
// already knows about. It is checked before the new task is admitted to
// the pending list (I8), so a cycle never creates partial state.
func validateDependencyGraph(newID string, newDeps []string, existing map[string]*Task) error {
	for _, dep := range newDeps {
		if dep == newID {
			return &taskerr.ValidationError{Field: "dependsOn", Message: fmt.Sprintf("task %q cannot depend on itself", newID)}
		}
		if _, ok := existing[dep]; !ok {
			return &taskerr.ValidationError{Field: "dependsOn", Message: fmt.Sprintf("dependency %q not found", dep)}
		}
	}

	var edges []toposort.Edge
	edges = append(edges, toposort.Edge{newID, nil})
	for _, dep := range newDeps {
		edges = append(edges, toposort.Edge{dep, newID})
	}
	for id, t := range existing {
		edges = append(edges, toposort.Edge{id, nil})
		for _, dep := range t.DependsOn {
			edges = append(edges, toposort.Edge{dep, id})
		}
	}

	if _, err := toposort.Toposort(edges); err != nil {
		return &taskerr.ValidationError{Field: "dependsOn", Message: fmt.Sprintf("dependency graph containing %q has a cycle", newID)}
	}
	return nil
}

// dependencyEligible reports whether every dependency of t has reached
// StatusCompleted, and separately whether any dependency has failed or
// been cancelled (in which case t must itself be cancelled per I7).
func dependencyEligible(t *Task, tasks map[string]*Task) (eligible bool, blockedBy string) {
	for _, depID := range t.DependsOn {
		dep, ok := tasks[depID]
		if !ok {
			continue
		}
		switch dep.Status {
		case StatusCompleted:
			continue
		case StatusFailed, StatusCancelled:
			return false, depID
		default:
			return false, ""
		}
	}
	return true, ""
}
