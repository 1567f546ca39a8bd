package action

import (
	"fmt"
	"testing"
	"time"
)

func ordinals() func() string {
	n := 0
	return func() string {
		n++
		return fmt.Sprintf("a%d", n)
	}
}

func TestDecodeValid(t *testing.T) {
	raw := `{
		"id": "fetch",
		"kind": "tool",
		"target": "http",
		"operation": "get",
		"parameters": {"url": "https://example.com"},
		"depends_on": ["auth"],
		"continue_on_failure": true,
		"timeout_ms": 1500
	}`
	a, fail := Decode(raw, false, ordinals())
	if fail != nil {
		t.Fatalf("decode failed: %v", fail)
	}
	if a.ID != "fetch" || a.Kind != KindTool || a.Target != "http" || a.Operation != "get" {
		t.Errorf("unexpected action: %+v", a)
	}
	if !a.ContinueOnFailure {
		t.Error("expected continue_on_failure")
	}
	if a.Timeout != 1500*time.Millisecond {
		t.Errorf("expected 1.5s timeout, got %v", a.Timeout)
	}
	if len(a.DependsOn) != 1 || a.DependsOn[0] != "auth" {
		t.Errorf("unexpected deps: %v", a.DependsOn)
	}
	if a.Status != StatusDeclared {
		t.Errorf("expected declared status, got %s", a.Status)
	}
}

func TestDecodeAssignsOrdinalID(t *testing.T) {
	assign := ordinals()
	a1, fail := Decode(`{"kind":"tool","target":"x","operation":"run"}`, false, assign)
	if fail != nil {
		t.Fatalf("decode failed: %v", fail)
	}
	a2, fail := Decode(`{"kind":"tool","target":"x","operation":"run"}`, false, assign)
	if fail != nil {
		t.Fatalf("decode failed: %v", fail)
	}
	if a1.ID != "a1" || a2.ID != "a2" {
		t.Errorf("expected a1,a2 got %s,%s", a1.ID, a2.ID)
	}
}

func TestDecodeInternalForcesKind(t *testing.T) {
	a, fail := Decode(`{"kind":"tool","target":"var","operation":"set","parameters":{"key":"k","value":1}}`, true, ordinals())
	if fail != nil {
		t.Fatalf("decode failed: %v", fail)
	}
	if a.Kind != KindInternal {
		t.Errorf("expected internal kind, got %s", a.Kind)
	}
}

func TestDecodeFailures(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		kind FailKind
	}{
		{"not json", `{"kind":`, FailMalformed},
		{"unknown kind", `{"kind":"magic","target":"x","operation":"y"}`, FailMalformed},
		{"missing kind", `{"target":"x","operation":"y"}`, FailMissingField},
		{"missing target", `{"kind":"tool","operation":"y"}`, FailMissingField},
		{"missing operation", `{"kind":"tool","target":"x"}`, FailMissingField},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, fail := Decode(tt.raw, false, ordinals())
			if fail == nil {
				t.Fatal("expected failure")
			}
			if fail.Kind != tt.kind {
				t.Errorf("expected %s, got %s", tt.kind, fail.Kind)
			}
		})
	}
}

func TestDecodeRefsImplyDependencies(t *testing.T) {
	raw := `{
		"kind": "tool",
		"target": "mail",
		"operation": "send",
		"parameters": {"to": "$ref(lookup, user.email)", "cc": "$ref(lookup, user.manager)"},
		"depends_on": ["other"]
	}`
	a, fail := Decode(raw, false, ordinals())
	if fail != nil {
		t.Fatalf("decode failed: %v", fail)
	}
	if len(a.Refs) != 2 {
		t.Fatalf("expected 2 refs, got %+v", a.Refs)
	}
	// lookup appears once in depends_on even though two refs point at it
	if len(a.DependsOn) != 2 {
		t.Fatalf("expected deps [other lookup], got %v", a.DependsOn)
	}
	if a.DependsOn[0] != "other" || a.DependsOn[1] != "lookup" {
		t.Errorf("unexpected deps: %v", a.DependsOn)
	}
}
