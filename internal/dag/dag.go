// Package dag decides whether a prospective dependency edge keeps a task
// graph acyclic. It holds no state of its own: edges are read through an
// EdgeSource, normally a store transaction, so the caller controls the
// consistency window.
package dag

import (
	"context"
	"fmt"
)

// EdgeSource yields the direct dependencies ("depends on" targets) of a task.
type EdgeSource interface {
	OutgoingEdges(ctx context.Context, taskID int64) ([]int64, error)
}

// WouldCreateCycle reports whether adding the edge from -> to would close a
// directed cycle. A self-loop always does. Otherwise the graph is walked
// depth-first from to along outgoing edges; reaching from means from is
// already a transitive dependency of to.
//
// The stored graph is trusted to be acyclic; the visited set only bounds
// the walk to O(V+E).
func WouldCreateCycle(ctx context.Context, src EdgeSource, from, to int64) (bool, error) {
	if from == to {
		return true, nil
	}

	visited := map[int64]struct{}{}
	stack := []int64{to}
	for len(stack) > 0 {
		if err := ctx.Err(); err != nil {
			return false, err
		}
		current := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		if current == from {
			return true, nil
		}
		if _, seen := visited[current]; seen {
			continue
		}
		visited[current] = struct{}{}

		next, err := src.OutgoingEdges(ctx, current)
		if err != nil {
			return false, fmt.Errorf("read dependencies of task %d: %w", current, err)
		}
		// Push in reverse so the lowest-ordered dependency is expanded first.
		for i := len(next) - 1; i >= 0; i-- {
			if _, seen := visited[next[i]]; !seen {
				stack = append(stack, next[i])
			}
		}
	}
	return false, nil
}

// CheckEdge is WouldCreateCycle with the verdict expressed as an error:
// nil when the edge is legal, an *EdgeError wrapping ErrSelfLoop or
// ErrCycle when it is not, or the underlying read error.
func CheckEdge(ctx context.Context, src EdgeSource, from, to int64) error {
	if from == to {
		return &EdgeError{Kind: ErrSelfLoop, From: from, To: to}
	}
	cycle, err := WouldCreateCycle(ctx, src, from, to)
	if err != nil {
		return err
	}
	if cycle {
		return &EdgeError{Kind: ErrCycle, From: from, To: to}
	}
	return nil
}
