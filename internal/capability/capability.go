// Package capability is the abstraction boundary between the turn
// engine and whatever actually executes an action: a process, a shell,
// or a container backend.
package capability

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/weftlabs/weft/internal/action"
)

// Invocation carries one ready action to its executor, parameters
// already substituted.
type Invocation struct {
	TurnID     string         `json:"turn_id"`
	ActionID   string         `json:"action_id"`
	Kind       action.Kind    `json:"kind"`
	Target     string         `json:"target"`
	Operation  string         `json:"operation"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

// Invoker executes one invocation and reports a success payload or an
// error. Implementations must honor ctx cancellation as a best-effort
// request to stop the in-flight execution.
type Invoker interface {
	Invoke(ctx context.Context, inv Invocation) (json.RawMessage, error)
}

// InvokerFunc adapts a function to the Invoker interface.
type InvokerFunc func(ctx context.Context, inv Invocation) (json.RawMessage, error)

func (f InvokerFunc) Invoke(ctx context.Context, inv Invocation) (json.RawMessage, error) {
	return f(ctx, inv)
}

// Registry resolves a declared capability to its executor.
type Registry interface {
	Resolve(kind action.Kind, target, operation string) (Invoker, error)
}

// Mux is a static Registry built at construction time, never ambient
// global state: each gateway owns its own.
type Mux struct {
	mu       sync.RWMutex
	byTarget map[string]Invoker // kind/target
	byKind   map[action.Kind]Invoker
}

func NewMux() *Mux {
	return &Mux{
		byTarget: make(map[string]Invoker),
		byKind:   make(map[action.Kind]Invoker),
	}
}

// Register binds a specific kind+target to an invoker.
func (m *Mux) Register(kind action.Kind, target string, inv Invoker) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byTarget[muxKey(kind, target)] = inv
}

// RegisterKind binds a fallback invoker for every target of a kind.
func (m *Mux) RegisterKind(kind action.Kind, inv Invoker) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byKind[kind] = inv
}

func (m *Mux) Resolve(kind action.Kind, target, operation string) (Invoker, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if inv, ok := m.byTarget[muxKey(kind, target)]; ok {
		return inv, nil
	}
	if inv, ok := m.byKind[kind]; ok {
		return inv, nil
	}
	return nil, fmt.Errorf("no executor registered for %s/%s", kind, target)
}

func muxKey(kind action.Kind, target string) string {
	return string(kind) + "/" + target
}
