package action

import (
	"encoding/json"
	"fmt"
	"time"
)

// Kind classifies what an action targets.
type Kind string

const (
	KindTool     Kind = "tool"
	KindAgent    Kind = "agent"
	KindRelic    Kind = "relic"
	KindWorkflow Kind = "workflow"
	KindInternal Kind = "internal"
)

// ValidKind reports whether k is one of the closed set of action kinds.
func ValidKind(k Kind) bool {
	switch k {
	case KindTool, KindAgent, KindRelic, KindWorkflow, KindInternal:
		return true
	}
	return false
}

// Status is the lifecycle state of an action within a turn.
type Status string

const (
	StatusDeclared  Status = "declared"
	StatusReady     Status = "ready"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether s is a final status.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusCancelled
}

// FailKind identifies why an action failed.
type FailKind string

const (
	FailMalformed     FailKind = "malformed_action"
	FailMissingField  FailKind = "missing_field"
	FailUnknownDep    FailKind = "unknown_dependency"
	FailDuplicateID   FailKind = "duplicate_id"
	FailCycle         FailKind = "cycle_detected"
	FailUnresolvedRef FailKind = "unresolved_reference"
	FailTimeout       FailKind = "timeout"
	FailExecution     FailKind = "execution_failure"
	FailCancelled     FailKind = "cancelled"
)

// Failure is a typed action-local failure. It satisfies error so it can
// travel through ordinary error returns.
type Failure struct {
	Kind   FailKind `json:"kind"`
	Detail string   `json:"detail"`
}

func (f *Failure) Error() string {
	return string(f.Kind) + ": " + f.Detail
}

// Failuref builds a Failure with a formatted detail string.
func Failuref(kind FailKind, format string, args ...any) *Failure {
	return &Failure{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

// ExecutionResult is the immutable outcome of one executed action.
type ExecutionResult struct {
	ActionID string          `json:"action_id"`
	TurnID   string          `json:"turn_id"`
	Payload  json.RawMessage `json:"payload,omitempty"`
	Failure  *Failure        `json:"failure,omitempty"`
	Duration time.Duration   `json:"duration"`
}

// OK reports whether the execution succeeded.
func (r *ExecutionResult) OK() bool {
	return r != nil && r.Failure == nil
}

// Action is one declared unit of work inside a turn.
type Action struct {
	ID                string         `json:"id"`
	Kind              Kind           `json:"kind"`
	Target            string         `json:"target"`
	Operation         string         `json:"operation"`
	Parameters        map[string]any `json:"parameters,omitempty"`
	DependsOn         []string       `json:"depends_on,omitempty"`
	ContinueOnFailure bool           `json:"continue_on_failure,omitempty"`
	Timeout           time.Duration  `json:"timeout,omitempty"`

	Status Status           `json:"status"`
	Refs   []Ref            `json:"-"`
	Result *ExecutionResult `json:"result,omitempty"`
}

// External reports whether the action goes through the execution
// dispatcher rather than being handled inside the coordinator.
func (a *Action) External() bool {
	return a.Kind != KindInternal
}

// Clone returns a snapshot safe to hand to observers while the
// scheduler keeps mutating the original. Parameters are deep-copied
// because reference substitution rewrites them in place.
func (a *Action) Clone() *Action {
	snap := *a
	snap.Refs = nil
	if a.Parameters != nil {
		data, _ := json.Marshal(a.Parameters)
		params := make(map[string]any, len(a.Parameters))
		_ = json.Unmarshal(data, &params)
		snap.Parameters = params
	}
	if a.DependsOn != nil {
		snap.DependsOn = append([]string(nil), a.DependsOn...)
	}
	return &snap
}
