package action

import (
	"encoding/json"
	"time"
)

// declaration is the wire schema of an action unit body.
type declaration struct {
	ID                string         `json:"id"`
	Kind              Kind           `json:"kind"`
	Target            string         `json:"target"`
	Operation         string         `json:"operation"`
	Parameters        map[string]any `json:"parameters"`
	DependsOn         []string       `json:"depends_on"`
	ContinueOnFailure bool           `json:"continue_on_failure"`
	TimeoutMs         int64          `json:"timeout_ms"`
}

// Decode parses the closed raw text of one action unit into a Declared
// Action. assignID supplies a local ordinal id when the declaration
// carries none. References inside parameters are scanned and recorded
// unresolved, so decoding never waits on dependencies.
//
// internal forces Kind to internal regardless of the declared value;
// the parser sets it for units recognized as internal actions.
func Decode(raw string, internal bool, assignID func() string) (*Action, *Failure) {
	var decl declaration
	if err := json.Unmarshal([]byte(raw), &decl); err != nil {
		return nil, Failuref(FailMalformed, "decode action payload: %v", err)
	}

	if internal {
		decl.Kind = KindInternal
	}
	if decl.Kind == "" {
		return nil, Failuref(FailMissingField, "action %q is missing kind", decl.ID)
	}
	if !ValidKind(decl.Kind) {
		return nil, Failuref(FailMalformed, "unknown action kind %q", decl.Kind)
	}
	if decl.Target == "" {
		return nil, Failuref(FailMissingField, "action %q is missing target", decl.ID)
	}
	if decl.Operation == "" {
		return nil, Failuref(FailMissingField, "action %q is missing operation", decl.ID)
	}

	id := decl.ID
	if id == "" {
		id = assignID()
	}

	a := &Action{
		ID:                id,
		Kind:              decl.Kind,
		Target:            decl.Target,
		Operation:         decl.Operation,
		Parameters:        decl.Parameters,
		DependsOn:         decl.DependsOn,
		ContinueOnFailure: decl.ContinueOnFailure,
		Status:            StatusDeclared,
	}
	if decl.TimeoutMs > 0 {
		a.Timeout = time.Duration(decl.TimeoutMs) * time.Millisecond
	}
	a.Refs = ScanRefs(a.Parameters)

	// References imply dependencies even when depends_on omits them.
	declared := make(map[string]bool, len(a.DependsOn))
	for _, dep := range a.DependsOn {
		declared[dep] = true
	}
	for _, ref := range a.Refs {
		if !declared[ref.ActionID] {
			a.DependsOn = append(a.DependsOn, ref.ActionID)
			declared[ref.ActionID] = true
		}
	}

	return a, nil
}
