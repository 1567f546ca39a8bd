// Package turn runs one parse-and-execute cycle over one model stream:
// parsing chunks into units, scheduling declared actions over a
// dependency DAG, dispatching ready actions concurrently, and merging
// results back into a single ordered output sequence.
package turn

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/weftlabs/weft/internal/action"
	"github.com/weftlabs/weft/internal/capability"
	"github.com/weftlabs/weft/internal/graph"
	"github.com/weftlabs/weft/internal/protocol"
)

// Options configures one turn.
type Options struct {
	TurnID         string // assigned if empty
	Registry       capability.Registry
	Vars           VarStore // defaults to a turn-local MemoryVars
	DefaultTimeout time.Duration
	EventBuffer    int
}

// completion is what a finished dispatch delivers back into the
// coordinator's single-writer loop.
type completion struct {
	id       string
	payload  []byte
	failure  *action.Failure
	duration time.Duration
}

// chunkMsg carries one pumped chunk, or the pump's terminal error.
type chunkMsg struct {
	text string
	err  error
}

// Turn coordinates one stream. It is not restartable: a new turn
// requires a new instance.
type Turn struct {
	id   string
	opts Options

	parser *protocol.Parser
	graph  *graph.Graph

	out    chan OutputEvent
	done   chan completion
	closed chan struct{} // closed when the coordinator exits

	cancels   map[string]context.CancelFunc
	inflight  int
	eos       bool
	externals int // dispatchable actions declared so far
	ordinal   int // next auto-assigned local id
	started   bool
}

// New builds a turn. Consuming the channel returned by Run drives the
// whole cycle.
func New(opts Options) *Turn {
	if opts.TurnID == "" {
		opts.TurnID = uuid.New().String()
	}
	if opts.Vars == nil {
		opts.Vars = NewMemoryVars()
	}
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = 5 * time.Minute
	}
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = 64
	}
	return &Turn{
		id:      opts.TurnID,
		opts:    opts,
		parser:  protocol.NewParser(),
		graph:   graph.New(),
		out:     make(chan OutputEvent, opts.EventBuffer),
		done:    make(chan completion),
		closed:  make(chan struct{}),
		cancels: make(map[string]context.CancelFunc),
	}
}

func (t *Turn) ID() string { return t.id }

// Run starts the turn and returns its finite, ordered output sequence.
// The sequence ends with exactly one TurnDone. Run may be called once.
func (t *Turn) Run(ctx context.Context, src Source) <-chan OutputEvent {
	if t.started {
		panic("turn: Run called twice")
	}
	t.started = true

	chunks := make(chan chunkMsg)
	go pump(ctx, src, chunks)
	go t.loop(ctx, chunks)
	return t.out
}

// pump feeds source chunks into the coordinator. It is the only reader
// of the source; the coordinator stays free to handle completions
// between chunks.
func pump(ctx context.Context, src Source, out chan<- chunkMsg) {
	defer close(out)
	for {
		c, err := src.Next(ctx)
		if err != nil {
			if err != io.EOF && ctx.Err() == nil {
				select {
				case out <- chunkMsg{err: err}:
				case <-ctx.Done():
				}
			}
			return
		}
		select {
		case out <- chunkMsg{text: c.Text}:
		case <-ctx.Done():
			return
		}
	}
}

// loop is the single-threaded coordinator: the only writer to the
// parser state and the graph. It interleaves chunk arrival and
// execution completions, handling each atomically with respect to the
// other.
func (t *Turn) loop(ctx context.Context, chunks <-chan chunkMsg) {
	defer close(t.out)
	defer close(t.closed)

	for {
		select {
		case <-ctx.Done():
			t.abort(ctx, "", "")
			return

		case msg, ok := <-chunks:
			if !ok {
				if t.endOfStream(ctx) {
					return
				}
				chunks = nil // stop selecting on the closed channel
				continue
			}
			if msg.err != nil {
				slog.Error("stream source failed", "turn", t.id, "error", msg.err)
				t.abort(ctx, string(protocol.FatalUpstream), msg.err.Error())
				return
			}
			for _, ev := range t.parser.Feed(msg.text) {
				t.handleParseEvent(ctx, ev)
			}
			t.schedule(ctx)

		case c := <-t.done:
			t.handleCompletion(ctx, c)
			t.schedule(ctx)
			if t.finished(ctx) {
				return
			}
		}
	}
}

// endOfStream finalizes the parser once the source is exhausted.
// Reports whether the turn is already complete.
func (t *Turn) endOfStream(ctx context.Context) bool {
	events, err := t.parser.Close()
	for _, ev := range events {
		t.handleParseEvent(ctx, ev)
	}
	if err != nil {
		var fatal *protocol.FatalError
		if f, ok := err.(*protocol.FatalError); ok {
			fatal = f
		} else {
			fatal = &protocol.FatalError{Kind: protocol.FatalUnterminated, Detail: err.Error()}
		}
		slog.Error("fatal parse error", "turn", t.id, "kind", fatal.Kind, "detail", fatal.Detail)
		t.abort(ctx, string(fatal.Kind), fatal.Detail)
		return true
	}

	t.eos = true

	// No further declarations can arrive: dependencies that never
	// appeared are now errors, not pending edges.
	for id, deps := range t.graph.MissingDeps() {
		a := t.graph.Get(id)
		a.Status = action.StatusFailed
		a.Result = &action.ExecutionResult{
			ActionID: id,
			TurnID:   t.id,
			Failure:  action.Failuref(action.FailUnknownDep, "depends on undeclared action(s) %v", deps),
		}
		t.emit(ctx, OutputEvent{Type: EventActionResult, TurnID: t.id, Result: a.Result})
		t.cancelClosure(ctx, id)
	}

	t.schedule(ctx)
	return t.finished(ctx)
}

// handleParseEvent routes one structural unit from the parser.
func (t *Turn) handleParseEvent(ctx context.Context, ev protocol.Event) {
	switch ev.Kind {
	case protocol.UnitThought:
		t.emit(ctx, OutputEvent{Type: EventThoughtDelta, TurnID: t.id, Thought: ev.Text})

	case protocol.UnitContext:
		t.emit(ctx, OutputEvent{Type: EventContextFeed, TurnID: t.id, Context: ev.Text})

	case protocol.UnitAction, protocol.UnitInternal:
		t.declare(ctx, ev.Text, ev.Kind == protocol.UnitInternal)
	}
}

// declare decodes a closed action unit and inserts it into the graph.
// Decoder failures are local to the one action and never abort the
// turn.
func (t *Turn) declare(ctx context.Context, raw string, internal bool) {
	a, fail := action.Decode(raw, internal, t.nextOrdinal)
	if fail != nil {
		slog.Warn("action rejected", "turn", t.id, "kind", fail.Kind, "detail", fail.Detail)
		t.emit(ctx, OutputEvent{Type: EventError, TurnID: t.id, ErrKind: string(fail.Kind), ErrDetail: fail.Detail})
		return
	}
	if a.Timeout == 0 {
		a.Timeout = t.opts.DefaultTimeout
	}

	cancelled, err := t.graph.Insert(a)
	if err != nil {
		detail := fmt.Sprintf("reject action %q: %v", a.ID, err)
		slog.Warn("action rejected", "turn", t.id, "detail", detail)
		t.emit(ctx, OutputEvent{Type: EventError, TurnID: t.id, ErrKind: string(action.FailDuplicateID), ErrDetail: detail})
		return
	}

	// Observers get a snapshot; the live node keeps mutating as the
	// graph schedules it.
	t.emit(ctx, OutputEvent{Type: EventActionDeclared, TurnID: t.id, Action: a.Clone()})

	if a.Status == action.StatusFailed {
		// Insert detected a cycle; fail the member and its dependents,
		// unrelated work continues.
		a.Result.TurnID = t.id
		t.emit(ctx, OutputEvent{Type: EventActionResult, TurnID: t.id, Result: a.Result})
		for _, depID := range cancelled {
			d := t.graph.Get(depID)
			if d.Status.Terminal() {
				continue
			}
			d.Status = action.StatusCancelled
			d.Result = &action.ExecutionResult{
				ActionID: d.ID,
				TurnID:   t.id,
				Failure:  action.Failuref(action.FailCancelled, "dependency %q closed a cycle", a.ID),
			}
			t.emit(ctx, OutputEvent{Type: EventActionResult, TurnID: t.id, Result: d.Result})
		}
		return
	}

	if a.External() {
		t.externals++
	}

	// A dependency may have failed before this action existed; the
	// closure walk at failure time could not reach it, so cancel here
	// or the action would wait forever.
	if dep, failed := t.graph.TerminalFailedDep(a); failed {
		a.Status = action.StatusCancelled
		a.Result = &action.ExecutionResult{
			ActionID: a.ID,
			TurnID:   t.id,
			Failure:  action.Failuref(action.FailCancelled, "dependency %q did not succeed", dep),
		}
		t.emit(ctx, OutputEvent{Type: EventActionResult, TurnID: t.id, Result: a.Result})
	}
}

// schedule runs the readiness pass to a fixpoint: internal actions
// execute synchronously inside this critical section so their effect
// is visible to later declarations, and may unlock further work.
func (t *Turn) schedule(ctx context.Context) {
	for {
		progressed := false
		for _, a := range t.graph.Ready() {
			if fail := t.resolveRefs(a); fail != nil {
				a.Status = action.StatusFailed
				a.Result = &action.ExecutionResult{ActionID: a.ID, TurnID: t.id, Failure: fail}
				t.emit(ctx, OutputEvent{Type: EventActionResult, TurnID: t.id, Result: a.Result})
				t.cancelClosure(ctx, a.ID)
				progressed = true
				continue
			}

			if !a.External() {
				t.runInternal(ctx, a)
				progressed = true
				continue
			}

			a.Status = action.StatusRunning
			t.dispatch(ctx, a)
		}
		if !progressed {
			return
		}
	}
}

// resolveRefs substitutes every reference in a's parameters with the
// concrete value from the dependency's result. A dependency that
// failed but is tolerated via continue-on-failure resolves to an
// explicit failure value instead of a payload lookup.
func (t *Turn) resolveRefs(a *action.Action) *action.Failure {
	for _, ref := range a.Refs {
		dep := t.graph.Get(ref.ActionID)
		if dep == nil || dep.Result == nil {
			return action.Failuref(action.FailUnresolvedRef, "reference to %q before any result", ref.ActionID)
		}
		if !dep.Result.OK() {
			action.Substitute(a.Parameters, ref, map[string]any{"error": dep.Result.Failure.Detail})
			continue
		}
		v, ok := action.Lookup(dep.Result.Payload, ref.Path)
		if !ok {
			return action.Failuref(action.FailUnresolvedRef, "path %q not found in result of %q", ref.Path, ref.ActionID)
		}
		action.Substitute(a.Parameters, ref, v)
	}
	a.Refs = nil
	return nil
}

// handleCompletion attaches a dispatch outcome and propagates failure.
func (t *Turn) handleCompletion(ctx context.Context, c completion) {
	t.inflight--
	delete(t.cancels, c.id)

	a := t.graph.Get(c.id)
	if a == nil || a.Status.Terminal() {
		return
	}

	a.Result = &action.ExecutionResult{
		ActionID: c.id,
		TurnID:   t.id,
		Payload:  c.payload,
		Failure:  c.failure,
		Duration: c.duration,
	}
	if c.failure != nil {
		a.Status = action.StatusFailed
		slog.Warn("action failed", "turn", t.id, "action", c.id, "kind", c.failure.Kind, "detail", c.failure.Detail)
	} else {
		a.Status = action.StatusSucceeded
		slog.Info("action succeeded", "turn", t.id, "action", c.id, "duration", c.duration)
	}
	t.emit(ctx, OutputEvent{Type: EventActionResult, TurnID: t.id, Result: a.Result})

	if c.failure != nil {
		t.cancelClosure(ctx, c.id)
	}
}

// cancelClosure propagates a failure over the dependency closure and
// emits a terminal event for every cancelled action, so a caller is
// never left waiting.
func (t *Turn) cancelClosure(ctx context.Context, id string) {
	for _, d := range t.graph.CancelClosure(id) {
		d.Result.TurnID = t.id
		t.emit(ctx, OutputEvent{Type: EventActionResult, TurnID: t.id, Result: d.Result})
	}
}

// finished emits TurnDone once the stream has ended and every action
// is terminal. Terminating means the model produced a final answer: a
// turn that dispatched no external action expects no follow-up turn.
func (t *Turn) finished(ctx context.Context) bool {
	if !t.eos || t.inflight > 0 || !t.graph.AllTerminal() {
		return false
	}
	t.emit(ctx, OutputEvent{Type: EventTurnDone, TurnID: t.id, Terminating: t.externals == 0})
	slog.Info("turn done", "turn", t.id, "actions", t.graph.Len(), "terminating", t.externals == 0)
	return true
}

// abort handles turn-fatal conditions: cancellation or a fatal stream
// error. In-flight dispatches receive best-effort cancellation, every
// non-terminal action is Cancelled, and the sequence ends with an
// optional Error followed by a terminating TurnDone.
func (t *Turn) abort(ctx context.Context, errKind, errDetail string) {
	for _, cancel := range t.cancels {
		cancel()
	}
	for _, a := range t.graph.All() {
		if a.Status.Terminal() {
			continue
		}
		a.Status = action.StatusCancelled
		a.Result = &action.ExecutionResult{
			ActionID: a.ID,
			TurnID:   t.id,
			Failure:  action.Failuref(action.FailCancelled, "turn aborted"),
		}
		t.emit(ctx, OutputEvent{Type: EventActionResult, TurnID: t.id, Result: a.Result})
	}
	if errKind != "" {
		t.emit(ctx, OutputEvent{Type: EventError, TurnID: t.id, ErrKind: errKind, ErrDetail: errDetail})
	}
	t.emit(ctx, OutputEvent{Type: EventTurnDone, TurnID: t.id, Terminating: true})
}

// emit delivers one output event in order. The buffered send is tried
// first so abort events still reach a consumer draining after
// cancellation; only a full buffer with a dead context drops the event
// rather than blocking the coordinator forever.
func (t *Turn) emit(ctx context.Context, ev OutputEvent) {
	select {
	case t.out <- ev:
		return
	default:
	}
	select {
	case t.out <- ev:
	case <-ctx.Done():
	}
}

func (t *Turn) nextOrdinal() string {
	t.ordinal++
	return fmt.Sprintf("a%d", t.ordinal)
}
