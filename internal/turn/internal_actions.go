package turn

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/weftlabs/weft/internal/action"
)

// runInternal executes an internal action synchronously inside the
// coordinator's critical section. Its effect (a variable binding) must
// be visible to subsequently declared actions before the parser
// advances, so it never goes through the external dispatcher.
func (t *Turn) runInternal(ctx context.Context, a *action.Action) {
	start := time.Now()
	payload, fail := t.evalInternal(a)

	a.Result = &action.ExecutionResult{
		ActionID: a.ID,
		TurnID:   t.id,
		Payload:  payload,
		Failure:  fail,
		Duration: time.Since(start),
	}
	if fail != nil {
		a.Status = action.StatusFailed
		slog.Warn("internal action failed", "turn", t.id, "action", a.ID, "detail", fail.Detail)
	} else {
		a.Status = action.StatusSucceeded
	}
	t.emit(ctx, OutputEvent{Type: EventActionResult, TurnID: t.id, Result: a.Result})
	if fail != nil {
		t.cancelClosure(ctx, a.ID)
	}
}

// evalInternal interprets the internal capability surface. The only
// target today is "var" with get/set against the reference-resolution
// store.
func (t *Turn) evalInternal(a *action.Action) (json.RawMessage, *action.Failure) {
	if a.Target != "var" {
		return nil, action.Failuref(action.FailExecution, "unknown internal target %q", a.Target)
	}

	key, _ := a.Parameters["key"].(string)
	if key == "" {
		return nil, action.Failuref(action.FailMissingField, "internal %s requires a key parameter", a.Operation)
	}

	switch a.Operation {
	case "set":
		value, ok := a.Parameters["value"]
		if !ok {
			return nil, action.Failuref(action.FailMissingField, "internal set requires a value parameter")
		}
		raw, err := json.Marshal(value)
		if err != nil {
			return nil, action.Failuref(action.FailExecution, "encode value: %v", err)
		}
		if err := t.opts.Vars.Set(key, raw); err != nil {
			return nil, action.Failuref(action.FailExecution, "set %q: %v", key, err)
		}
		return mustMarshal(map[string]any{"key": key, "value": value}), nil

	case "get":
		raw, ok, err := t.opts.Vars.Get(key)
		if err != nil {
			return nil, action.Failuref(action.FailExecution, "get %q: %v", key, err)
		}
		if !ok {
			return nil, action.Failuref(action.FailExecution, "variable %q not set", key)
		}
		var value any
		if err := json.Unmarshal(raw, &value); err != nil {
			return nil, action.Failuref(action.FailExecution, "decode %q: %v", key, err)
		}
		return mustMarshal(map[string]any{"key": key, "value": value}), nil
	}

	return nil, action.Failuref(action.FailExecution, "unknown internal operation %q", a.Operation)
}

func mustMarshal(v any) json.RawMessage {
	data, _ := json.Marshal(v)
	return data
}
