package turn

import "github.com/weftlabs/weft/internal/action"

// EventType discriminates the externally observable output events of
// one turn.
type EventType string

const (
	EventThoughtDelta   EventType = "thought_delta"
	EventActionDeclared EventType = "action_declared"
	EventActionResult   EventType = "action_result"
	EventContextFeed    EventType = "context_feed"
	EventError          EventType = "error"
	EventTurnDone       EventType = "turn_done"
)

// OutputEvent is one element of the ordered event sequence a turn
// produces. Exactly one field besides Type and TurnID is meaningful
// per event type.
type OutputEvent struct {
	Type   EventType `json:"type"`
	TurnID string    `json:"turn_id"`

	Thought     string                  `json:"thought,omitempty"`
	Action      *action.Action          `json:"action,omitempty"`
	Result      *action.ExecutionResult `json:"result,omitempty"`
	Context     string                  `json:"context,omitempty"`
	ErrKind     string                  `json:"err_kind,omitempty"`
	ErrDetail   string                  `json:"err_detail,omitempty"`
	Terminating bool                    `json:"terminating,omitempty"`
}
