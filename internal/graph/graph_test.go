package graph

import (
	"testing"

	"github.com/weftlabs/weft/internal/action"
)

func node(id string, deps ...string) *action.Action {
	return &action.Action{
		ID:        id,
		Kind:      action.KindTool,
		Target:    "t",
		Operation: "op",
		DependsOn: deps,
		Status:    action.StatusDeclared,
	}
}

func mustInsert(t *testing.T, g *Graph, a *action.Action) {
	t.Helper()
	if _, err := g.Insert(a); err != nil {
		t.Fatalf("insert %s: %v", a.ID, err)
	}
}

func readyIDs(g *Graph) []string {
	var ids []string
	for _, a := range g.Ready() {
		ids = append(ids, a.ID)
	}
	return ids
}

func TestReadyWithoutDeps(t *testing.T) {
	g := New()
	mustInsert(t, g, node("a"))
	mustInsert(t, g, node("b"))

	ids := readyIDs(g)
	if len(ids) != 2 || ids[0] != "a" || ids[1] != "b" {
		t.Errorf("expected [a b], got %v", ids)
	}
}

func TestReadyWaitsForDependency(t *testing.T) {
	g := New()
	mustInsert(t, g, node("a"))
	mustInsert(t, g, node("b", "a"))

	if ids := readyIDs(g); len(ids) != 1 || ids[0] != "a" {
		t.Fatalf("expected only a ready, got %v", ids)
	}

	g.Get("a").Status = action.StatusSucceeded
	if ids := readyIDs(g); len(ids) != 1 || ids[0] != "b" {
		t.Errorf("expected b ready after a succeeded, got %v", ids)
	}
}

func TestTerminalFailedDep(t *testing.T) {
	g := New()
	mustInsert(t, g, node("a"))
	g.Get("a").Status = action.StatusFailed

	// Declared after a already failed: the closure walk at failure time
	// never saw it.
	late := node("b", "a")
	mustInsert(t, g, late)
	dep, failed := g.TerminalFailedDep(late)
	if !failed || dep != "a" {
		t.Fatalf("expected failed dep a, got %q %v", dep, failed)
	}

	tolerant := node("c", "a")
	tolerant.ContinueOnFailure = true
	mustInsert(t, g, tolerant)
	if _, failed := g.TerminalFailedDep(tolerant); failed {
		t.Error("tolerant action must not report a failed dep")
	}

	forward := node("d", "ghost")
	mustInsert(t, g, forward)
	if _, failed := g.TerminalFailedDep(forward); failed {
		t.Error("undeclared dep is pending, not failed")
	}
}

func TestForwardDependencyNotReady(t *testing.T) {
	g := New()
	mustInsert(t, g, node("b", "a")) // a not declared yet

	if ids := readyIDs(g); len(ids) != 0 {
		t.Fatalf("expected nothing ready, got %v", ids)
	}

	mustInsert(t, g, node("a"))
	g.Get("a").Status = action.StatusSucceeded
	if ids := readyIDs(g); len(ids) != 1 || ids[0] != "b" {
		t.Errorf("expected b ready once a declared and done, got %v", ids)
	}
}

func TestFailedDependencyBlocksUnlessTolerated(t *testing.T) {
	g := New()
	mustInsert(t, g, node("a"))
	mustInsert(t, g, node("b", "a"))
	tolerant := node("c", "a")
	tolerant.ContinueOnFailure = true
	mustInsert(t, g, tolerant)

	g.Get("a").Status = action.StatusFailed
	ids := readyIDs(g)
	if len(ids) != 1 || ids[0] != "c" {
		t.Errorf("expected only tolerant c ready, got %v", ids)
	}
}

func TestDuplicateIDRejected(t *testing.T) {
	g := New()
	mustInsert(t, g, node("a"))
	if _, err := g.Insert(node("a")); err == nil {
		t.Fatal("expected duplicate id error")
	}
}

func TestCycleDetectedOnInsert(t *testing.T) {
	g := New()
	mustInsert(t, g, node("a", "b")) // forward edge to b
	b := node("b", "a")
	cancelled, err := g.Insert(b)
	if err != nil {
		t.Fatalf("insert b: %v", err)
	}

	if b.Status != action.StatusFailed {
		t.Fatalf("expected b failed, got %s", b.Status)
	}
	if b.Result == nil || b.Result.Failure.Kind != action.FailCycle {
		t.Errorf("expected cycle failure, got %+v", b.Result)
	}
	// a depends on b, so it sits on the cycle too
	if len(cancelled) != 1 || cancelled[0] != "a" {
		t.Errorf("expected [a] cancelled, got %v", cancelled)
	}
}

func TestCycleDoesNotAffectUnrelatedWork(t *testing.T) {
	g := New()
	mustInsert(t, g, node("x"))
	mustInsert(t, g, node("a", "b"))
	g.Insert(node("b", "a"))

	ids := readyIDs(g)
	if len(ids) != 1 || ids[0] != "x" {
		t.Errorf("expected x still ready, got %v", ids)
	}
}

func TestCancelClosure(t *testing.T) {
	g := New()
	mustInsert(t, g, node("a"))
	mustInsert(t, g, node("b", "a"))
	mustInsert(t, g, node("c", "b"))
	tolerant := node("d", "a")
	tolerant.ContinueOnFailure = true
	mustInsert(t, g, tolerant)
	mustInsert(t, g, node("e", "d"))

	g.Get("a").Status = action.StatusFailed
	cancelled := g.CancelClosure("a")

	ids := make(map[string]bool)
	for _, x := range cancelled {
		ids[x.ID] = true
		if x.Status != action.StatusCancelled {
			t.Errorf("%s: expected cancelled, got %s", x.ID, x.Status)
		}
		if x.Result == nil || x.Result.Failure.Kind != action.FailCancelled {
			t.Errorf("%s: expected cancelled result, got %+v", x.ID, x.Result)
		}
	}
	if !ids["b"] || !ids["c"] {
		t.Errorf("expected b and c cancelled, got %v", ids)
	}
	// d tolerates the failure, so neither d nor its dependent e falls
	if ids["d"] || ids["e"] {
		t.Errorf("tolerant branch must survive, got %v", ids)
	}
}

func TestMissingDeps(t *testing.T) {
	g := New()
	mustInsert(t, g, node("a"))
	mustInsert(t, g, node("b", "a", "ghost"))

	missing := g.MissingDeps()
	if len(missing) != 1 {
		t.Fatalf("expected one entry, got %v", missing)
	}
	if deps := missing["b"]; len(deps) != 1 || deps[0] != "ghost" {
		t.Errorf("expected [ghost], got %v", deps)
	}
}

func TestAllTerminal(t *testing.T) {
	g := New()
	if !g.AllTerminal() {
		t.Error("empty graph should be terminal")
	}
	mustInsert(t, g, node("a"))
	if g.AllTerminal() {
		t.Error("declared action is not terminal")
	}
	g.Get("a").Status = action.StatusSucceeded
	if !g.AllTerminal() {
		t.Error("expected terminal after success")
	}
}
