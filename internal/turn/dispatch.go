package turn

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/weftlabs/weft/internal/action"
	"github.com/weftlabs/weft/internal/capability"
)

// dispatch hands one ready action to its execution capability. The
// invocation runs as an independent goroutine; the coordinator only
// learns about it again through the completion channel, preserving the
// single-writer invariant on the graph.
func (t *Turn) dispatch(ctx context.Context, a *action.Action) {
	inv, err := t.opts.Registry.Resolve(a.Kind, a.Target, a.Operation)
	if err != nil {
		// Resolution failure is synchronous: no goroutine was started.
		t.inflight++
		go t.deliver(completion{
			id:      a.ID,
			failure: action.Failuref(action.FailExecution, "resolve capability: %v", err),
		})
		return
	}

	cctx, cancel := context.WithTimeout(ctx, a.Timeout)
	t.cancels[a.ID] = cancel
	t.inflight++

	invocation := capability.Invocation{
		TurnID:     t.id,
		ActionID:   a.ID,
		Kind:       a.Kind,
		Target:     a.Target,
		Operation:  a.Operation,
		Parameters: a.Parameters,
	}

	slog.Info("dispatching action", "turn", t.id, "action", a.ID, "kind", a.Kind, "target", a.Target, "op", a.Operation)

	go func() {
		defer cancel()
		start := time.Now()
		payload, err := inv.Invoke(cctx, invocation)
		c := completion{id: a.ID, payload: payload, duration: time.Since(start)}
		if err != nil {
			switch {
			case errors.Is(cctx.Err(), context.DeadlineExceeded):
				c.failure = action.Failuref(action.FailTimeout, "timed out after %s", a.Timeout)
			case cctx.Err() != nil:
				c.failure = action.Failuref(action.FailCancelled, "execution cancelled")
			default:
				c.failure = action.Failuref(action.FailExecution, "%v", err)
			}
			c.payload = nil
		}
		t.deliver(c)
	}()
}

// deliver pushes a completion into the coordinator, giving up if the
// coordinator already exited (turn aborted).
func (t *Turn) deliver(c completion) {
	select {
	case t.done <- c:
	case <-t.closed:
	}
}
