// Package graph owns the evolving dependency DAG of one turn's
// actions. The graph grows while the stream is still being consumed,
// so cycle detection runs incrementally on every insert instead of
// once over a complete declaration set.
package graph

import (
	"fmt"

	"github.com/weftlabs/weft/internal/action"
)

// Graph maps action ids to Actions plus an adjacency view for
// readiness queries. It is not safe for concurrent use: the turn
// coordinator is its sole owner and mutator.
type Graph struct {
	nodes      map[string]*action.Action
	dependents map[string][]string // id -> ids that depend on it
	order      []string            // insertion order, for stable iteration
}

func New() *Graph {
	return &Graph{
		nodes:      make(map[string]*action.Action),
		dependents: make(map[string][]string),
	}
}

// Insert adds a newly declared action. Dependencies on ids not yet in
// the graph are allowed: the stream may declare them later, and
// MissingDeps accounts for them at end of stream. A duplicate id is an
// error. If the new edge set closes a cycle, the action is marked
// Failed{cycle_detected} and the ids of every member already in the
// graph that now sits on the cycle, plus their dependents, are
// returned so the caller can fail them too; parsing of unrelated work
// continues.
func (g *Graph) Insert(a *action.Action) ([]string, error) {
	if _, exists := g.nodes[a.ID]; exists {
		return nil, fmt.Errorf("duplicate action id %q", a.ID)
	}
	g.nodes[a.ID] = a
	g.order = append(g.order, a.ID)
	for _, dep := range a.DependsOn {
		g.dependents[dep] = append(g.dependents[dep], a.ID)
	}

	if g.onCycle(a.ID) {
		a.Status = action.StatusFailed
		a.Result = &action.ExecutionResult{
			ActionID: a.ID,
			Failure:  action.Failuref(action.FailCycle, "action %q closes a dependency cycle", a.ID),
		}
		return g.Dependents(a.ID), nil
	}
	return nil, nil
}

// onCycle reports whether id can reach itself through depends_on edges.
func (g *Graph) onCycle(id string) bool {
	seen := make(map[string]bool)
	var walk func(cur string) bool
	walk = func(cur string) bool {
		node, ok := g.nodes[cur]
		if !ok {
			return false // forward-declared dependency, no edges yet
		}
		for _, dep := range node.DependsOn {
			if dep == id {
				return true
			}
			if seen[dep] {
				continue
			}
			seen[dep] = true
			if walk(dep) {
				return true
			}
		}
		return false
	}
	return walk(id)
}

// Get returns the action with the given id, or nil.
func (g *Graph) Get(id string) *action.Action {
	return g.nodes[id]
}

// All returns every action in insertion order.
func (g *Graph) All() []*action.Action {
	out := make([]*action.Action, 0, len(g.order))
	for _, id := range g.order {
		out = append(out, g.nodes[id])
	}
	return out
}

// Ready returns declared actions whose every dependency has reached a
// terminal status and is either Succeeded or tolerated through the
// action's continue-on-failure flag. Actions with a dependency not yet
// declared are not ready.
func (g *Graph) Ready() []*action.Action {
	var ready []*action.Action
	for _, id := range g.order {
		a := g.nodes[id]
		if a.Status != action.StatusDeclared {
			continue
		}
		if g.depsSatisfied(a) {
			ready = append(ready, a)
		}
	}
	return ready
}

func (g *Graph) depsSatisfied(a *action.Action) bool {
	for _, dep := range a.DependsOn {
		d, ok := g.nodes[dep]
		if !ok {
			return false
		}
		switch d.Status {
		case action.StatusSucceeded:
		case action.StatusFailed, action.StatusCancelled:
			if !a.ContinueOnFailure {
				return false
			}
		default:
			return false
		}
	}
	return true
}

// Dependents returns every action id directly or transitively
// depending on id, in a deterministic order.
func (g *Graph) Dependents(id string) []string {
	seen := map[string]bool{id: true}
	var out []string
	var walk func(cur string)
	walk = func(cur string) {
		for _, dep := range g.dependents[cur] {
			if seen[dep] {
				continue
			}
			seen[dep] = true
			out = append(out, dep)
			walk(dep)
		}
	}
	walk(id)
	return out
}

// CancelClosure marks every non-terminal dependent of id Cancelled,
// skipping actions that opted into continue-on-failure (they stay
// eligible for readiness, seeing the failure as an explicit value).
// It returns the actions it cancelled.
func (g *Graph) CancelClosure(id string) []*action.Action {
	var cancelled []*action.Action
	var walk func(cur string)
	walk = func(cur string) {
		for _, depID := range g.dependents[cur] {
			d := g.nodes[depID]
			if d.Status.Terminal() || d.ContinueOnFailure {
				// A tolerating action stays eligible, and its own
				// dependents wait on its actual outcome.
				continue
			}
			d.Status = action.StatusCancelled
			d.Result = &action.ExecutionResult{
				ActionID: d.ID,
				Failure:  action.Failuref(action.FailCancelled, "dependency %q did not succeed", cur),
			}
			cancelled = append(cancelled, d)
			walk(depID)
		}
	}
	walk(id)
	return cancelled
}

// TerminalFailedDep returns a dependency of a that already reached a
// terminal non-Succeeded status a does not tolerate. A failure that
// happened before a was declared propagated through a closure walk
// that could not see a, so the caller must cancel a itself.
func (g *Graph) TerminalFailedDep(a *action.Action) (string, bool) {
	if a.ContinueOnFailure {
		return "", false
	}
	for _, dep := range a.DependsOn {
		d, ok := g.nodes[dep]
		if !ok {
			continue
		}
		if d.Status == action.StatusFailed || d.Status == action.StatusCancelled {
			return dep, true
		}
	}
	return "", false
}

// MissingDeps returns, per non-terminal action, the dependency ids
// that never appeared in the graph. Called once the stream has ended,
// when no further declarations can arrive.
func (g *Graph) MissingDeps() map[string][]string {
	missing := make(map[string][]string)
	for _, id := range g.order {
		a := g.nodes[id]
		if a.Status.Terminal() {
			continue
		}
		for _, dep := range a.DependsOn {
			if _, ok := g.nodes[dep]; !ok {
				missing[id] = append(missing[id], dep)
			}
		}
	}
	return missing
}

// AllTerminal reports whether every action has reached a terminal
// status. Vacuously true for an empty graph.
func (g *Graph) AllTerminal() bool {
	for _, a := range g.nodes {
		if !a.Status.Terminal() {
			return false
		}
	}
	return true
}

// Len returns the number of actions in the graph.
func (g *Graph) Len() int { return len(g.nodes) }
