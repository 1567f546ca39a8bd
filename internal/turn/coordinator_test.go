package turn

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/weftlabs/weft/internal/action"
	"github.com/weftlabs/weft/internal/capability"
)

// stubRegistry resolves every external action to a single invoker and
// records what it was invoked with.
type stubRegistry struct {
	mu       sync.Mutex
	invoked  []capability.Invocation
	handlers map[string]capability.InvokerFunc // action id → handler
	fallback capability.InvokerFunc
}

func newStubRegistry() *stubRegistry {
	return &stubRegistry{handlers: make(map[string]capability.InvokerFunc)}
}

func (r *stubRegistry) handle(actionID string, fn capability.InvokerFunc) {
	r.handlers[actionID] = fn
}

func (r *stubRegistry) Resolve(kind action.Kind, target, operation string) (capability.Invoker, error) {
	return capability.InvokerFunc(func(ctx context.Context, inv capability.Invocation) (json.RawMessage, error) {
		r.mu.Lock()
		r.invoked = append(r.invoked, inv)
		fn := r.handlers[inv.ActionID]
		r.mu.Unlock()
		if fn != nil {
			return fn(ctx, inv)
		}
		if r.fallback != nil {
			return r.fallback(ctx, inv)
		}
		return json.RawMessage(`{}`), nil
	}), nil
}

func (r *stubRegistry) invocations() []capability.Invocation {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]capability.Invocation(nil), r.invoked...)
}

func ok(payload string) capability.InvokerFunc {
	return func(ctx context.Context, inv capability.Invocation) (json.RawMessage, error) {
		return json.RawMessage(payload), nil
	}
}

func failWith(msg string) capability.InvokerFunc {
	return func(ctx context.Context, inv capability.Invocation) (json.RawMessage, error) {
		return nil, fmt.Errorf("%s", msg)
	}
}

// runStream drives one turn over the stream and collects the full
// event sequence.
func runStream(t *testing.T, reg capability.Registry, stream string) []OutputEvent {
	t.Helper()
	tn := New(Options{Registry: reg, DefaultTimeout: 5 * time.Second})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var events []OutputEvent
	for ev := range tn.Run(ctx, NewStringSource(stream, 7)) {
		events = append(events, ev)
	}
	return events
}

func lastEvent(t *testing.T, events []OutputEvent) OutputEvent {
	t.Helper()
	if len(events) == 0 {
		t.Fatal("no events")
	}
	return events[len(events)-1]
}

func resultFor(events []OutputEvent, actionID string) *action.ExecutionResult {
	for _, ev := range events {
		if ev.Type == EventActionResult && ev.Result.ActionID == actionID {
			return ev.Result
		}
	}
	return nil
}

func TestEmptyStream(t *testing.T) {
	events := runStream(t, newStubRegistry(), "")
	if len(events) != 1 {
		t.Fatalf("expected only turn_done, got %+v", events)
	}
	done := events[0]
	if done.Type != EventTurnDone || !done.Terminating {
		t.Errorf("expected terminating turn_done, got %+v", done)
	}
}

func TestThoughtOnlyTurn(t *testing.T) {
	events := runStream(t, newStubRegistry(), "<think>done thinking</think> final answer")

	var thought strings.Builder
	for _, ev := range events {
		if ev.Type == EventThoughtDelta {
			thought.WriteString(ev.Thought)
		}
	}
	if got := thought.String(); got != "done thinking final answer" {
		t.Errorf("thought text: %q", got)
	}
	done := lastEvent(t, events)
	if done.Type != EventTurnDone || !done.Terminating {
		t.Errorf("thought-only turn must terminate: %+v", done)
	}
}

func TestActionChainResolvesReference(t *testing.T) {
	reg := newStubRegistry()
	reg.handle("a", ok(`{"x":5}`))
	reg.handle("b", ok(`{"sum":6}`))

	stream := `<act>{"id":"a","kind":"tool","target":"calc","operation":"base"}</act>` +
		`<act>{"id":"b","kind":"tool","target":"calc","operation":"add","parameters":{"n":"$ref(a, x)"}}</act>`

	events := runStream(t, reg, stream)

	ra := resultFor(events, "a")
	if ra == nil || !ra.OK() {
		t.Fatalf("a result: %+v", ra)
	}
	rb := resultFor(events, "b")
	if rb == nil || !rb.OK() {
		t.Fatalf("b result: %+v", rb)
	}

	var bInv *capability.Invocation
	for _, inv := range reg.invocations() {
		if inv.ActionID == "b" {
			inv := inv
			bInv = &inv
		}
	}
	if bInv == nil {
		t.Fatal("b never invoked")
	}
	if n, _ := bInv.Parameters["n"].(float64); n != 5 {
		t.Errorf("expected resolved n=5, got %v", bInv.Parameters["n"])
	}

	done := lastEvent(t, events)
	if done.Type != EventTurnDone || done.Terminating {
		t.Errorf("turn with external actions must not terminate: %+v", done)
	}
}

func TestIndependentActionsBothRun(t *testing.T) {
	reg := newStubRegistry()
	stream := `<act>{"id":"a","kind":"tool","target":"t","operation":"x"}</act>` +
		`<act>{"id":"b","kind":"tool","target":"t","operation":"y"}</act>`

	events := runStream(t, reg, stream)
	if resultFor(events, "a") == nil || resultFor(events, "b") == nil {
		t.Fatalf("expected both results, got %+v", events)
	}
	if len(reg.invocations()) != 2 {
		t.Errorf("expected 2 invocations, got %d", len(reg.invocations()))
	}
}

func TestFailurePropagatesToDependents(t *testing.T) {
	reg := newStubRegistry()
	reg.handle("a", failWith("boom"))

	stream := `<act>{"id":"a","kind":"tool","target":"t","operation":"x"}</act>` +
		`<act>{"id":"b","kind":"tool","target":"t","operation":"y","depends_on":["a"]}</act>` +
		`<act>{"id":"c","kind":"tool","target":"t","operation":"z","depends_on":["b"]}</act>`

	events := runStream(t, reg, stream)

	ra := resultFor(events, "a")
	if ra == nil || ra.Failure == nil || ra.Failure.Kind != action.FailExecution {
		t.Fatalf("a: %+v", ra)
	}
	for _, id := range []string{"b", "c"} {
		r := resultFor(events, id)
		if r == nil || r.Failure == nil || r.Failure.Kind != action.FailCancelled {
			t.Errorf("%s: expected cancelled, got %+v", id, r)
		}
	}
	// only a ever reached an executor
	if n := len(reg.invocations()); n != 1 {
		t.Errorf("expected 1 invocation, got %d", n)
	}
}

func TestDependencyFailedBeforeDependentDeclared(t *testing.T) {
	reg := newStubRegistry()
	reg.handle("a", failWith("boom"))

	// The second chunk is held back until a's failure has been emitted,
	// so b is declared when its dependency is already terminal.
	gate := make(chan struct{})
	src := &gatedSource{
		chunks: []string{
			`<act>{"id":"a","kind":"tool","target":"t","operation":"x"}</act>`,
			`<act>{"id":"b","kind":"tool","target":"t","operation":"y","depends_on":["a"]}</act>`,
		},
		gates: []chan struct{}{nil, gate},
	}

	tn := New(Options{Registry: reg})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var events []OutputEvent
	for ev := range tn.Run(ctx, src) {
		events = append(events, ev)
		if ev.Type == EventActionResult && ev.Result.ActionID == "a" {
			close(gate)
		}
	}

	rb := resultFor(events, "b")
	if rb == nil || rb.Failure == nil || rb.Failure.Kind != action.FailCancelled {
		t.Fatalf("b declared after a failed must be cancelled: %+v", rb)
	}
	done := lastEvent(t, events)
	if done.Type != EventTurnDone {
		t.Fatalf("turn must finish, got %+v", done)
	}
	if n := len(reg.invocations()); n != 1 {
		t.Errorf("only a reaches an executor, got %d invocations", n)
	}
}

func TestDependencyFailedBeforeTolerantDependentDeclared(t *testing.T) {
	reg := newStubRegistry()
	reg.handle("a", failWith("boom"))
	reg.handle("b", ok(`{"handled":true}`))

	gate := make(chan struct{})
	src := &gatedSource{
		chunks: []string{
			`<act>{"id":"a","kind":"tool","target":"t","operation":"x"}</act>`,
			`<act>{"id":"b","kind":"tool","target":"t","operation":"y","depends_on":["a"],"continue_on_failure":true}</act>`,
		},
		gates: []chan struct{}{nil, gate},
	}

	tn := New(Options{Registry: reg})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var events []OutputEvent
	for ev := range tn.Run(ctx, src) {
		events = append(events, ev)
		if ev.Type == EventActionResult && ev.Result.ActionID == "a" {
			close(gate)
		}
	}

	rb := resultFor(events, "b")
	if rb == nil || !rb.OK() {
		t.Fatalf("tolerant b should still run after a's failure: %+v", rb)
	}
}

func TestContinueOnFailureSeesErrorValue(t *testing.T) {
	reg := newStubRegistry()
	reg.handle("a", failWith("boom"))
	reg.handle("b", ok(`{"handled":true}`))

	stream := `<act>{"id":"a","kind":"tool","target":"t","operation":"x"}</act>` +
		`<act>{"id":"b","kind":"tool","target":"t","operation":"y","continue_on_failure":true,"parameters":{"input":"$ref(a, x)"}}</act>`

	events := runStream(t, reg, stream)

	rb := resultFor(events, "b")
	if rb == nil || !rb.OK() {
		t.Fatalf("b should run despite a's failure: %+v", rb)
	}

	var bInv *capability.Invocation
	for _, inv := range reg.invocations() {
		if inv.ActionID == "b" {
			inv := inv
			bInv = &inv
		}
	}
	if bInv == nil {
		t.Fatal("b never invoked")
	}
	errVal, _ := bInv.Parameters["input"].(map[string]any)
	if errVal == nil || errVal["error"] == nil {
		t.Errorf("expected explicit error value, got %v", bInv.Parameters["input"])
	}
}

func TestTimeoutFailsAction(t *testing.T) {
	reg := newStubRegistry()
	reg.handle("slow", func(ctx context.Context, inv capability.Invocation) (json.RawMessage, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})

	stream := `<act>{"id":"slow","kind":"tool","target":"t","operation":"x","timeout_ms":50}</act>` +
		`<act>{"id":"after","kind":"tool","target":"t","operation":"y","depends_on":["slow"]}</act>`

	events := runStream(t, reg, stream)

	r := resultFor(events, "slow")
	if r == nil || r.Failure == nil || r.Failure.Kind != action.FailTimeout {
		t.Fatalf("expected timeout failure, got %+v", r)
	}
	ra := resultFor(events, "after")
	if ra == nil || ra.Failure == nil || ra.Failure.Kind != action.FailCancelled {
		t.Errorf("dependent should be cancelled, got %+v", ra)
	}
}

func TestUnknownDependencyFailsAtEndOfStream(t *testing.T) {
	reg := newStubRegistry()
	stream := `<act>{"id":"b","kind":"tool","target":"t","operation":"y","depends_on":["ghost"]}</act>`

	events := runStream(t, reg, stream)

	r := resultFor(events, "b")
	if r == nil || r.Failure == nil || r.Failure.Kind != action.FailUnknownDep {
		t.Fatalf("expected unknown_dependency, got %+v", r)
	}
	if len(reg.invocations()) != 0 {
		t.Error("b must never reach an executor")
	}
	done := lastEvent(t, events)
	if done.Type != EventTurnDone {
		t.Errorf("turn must still finish: %+v", done)
	}
}

func TestForwardReferenceDeclaredLater(t *testing.T) {
	reg := newStubRegistry()
	reg.handle("late", ok(`{"v":1}`))
	reg.handle("early", ok(`{"used":1}`))

	// early references late before late is declared
	stream := `<act>{"id":"early","kind":"tool","target":"t","operation":"x","parameters":{"p":"$ref(late, v)"}}</act>` +
		`<think>deciding</think>` +
		`<act>{"id":"late","kind":"tool","target":"t","operation":"y"}</act>`

	events := runStream(t, reg, stream)
	re := resultFor(events, "early")
	if re == nil || !re.OK() {
		t.Fatalf("early should resolve once late finishes: %+v", re)
	}
}

func TestCycleFailsMembersOnly(t *testing.T) {
	reg := newStubRegistry()
	stream := `<act>{"id":"a","kind":"tool","target":"t","operation":"x","depends_on":["b"]}</act>` +
		`<act>{"id":"b","kind":"tool","target":"t","operation":"y","depends_on":["a"]}</act>` +
		`<act>{"id":"free","kind":"tool","target":"t","operation":"z"}</act>`

	events := runStream(t, reg, stream)

	rb := resultFor(events, "b")
	if rb == nil || rb.Failure == nil || rb.Failure.Kind != action.FailCycle {
		t.Fatalf("b should fail with cycle_detected: %+v", rb)
	}
	ra := resultFor(events, "a")
	if ra == nil || ra.Failure == nil || ra.Failure.Kind != action.FailCancelled {
		t.Fatalf("a should be cancelled as a cycle member: %+v", ra)
	}
	rf := resultFor(events, "free")
	if rf == nil || !rf.OK() {
		t.Errorf("unrelated action should still run: %+v", rf)
	}
}

func TestMalformedActionIsLocalError(t *testing.T) {
	reg := newStubRegistry()
	stream := `<act>{broken json</act>` +
		`<act>{"id":"good","kind":"tool","target":"t","operation":"x"}</act>`

	events := runStream(t, reg, stream)

	var sawMalformed bool
	for _, ev := range events {
		if ev.Type == EventError && ev.ErrKind == string(action.FailMalformed) {
			sawMalformed = true
		}
	}
	if !sawMalformed {
		t.Error("expected malformed_action error event")
	}
	if r := resultFor(events, "good"); r == nil || !r.OK() {
		t.Errorf("good action should still run: %+v", r)
	}
}

func TestDuplicateIDRejected(t *testing.T) {
	reg := newStubRegistry()
	stream := `<act>{"id":"a","kind":"tool","target":"t","operation":"x"}</act>` +
		`<act>{"id":"a","kind":"tool","target":"t","operation":"y"}</act>`

	events := runStream(t, reg, stream)

	var errors int
	for _, ev := range events {
		if ev.Type == EventError {
			errors++
			if ev.ErrKind != string(action.FailDuplicateID) {
				t.Errorf("expected duplicate_id, got %s", ev.ErrKind)
			}
		}
	}
	if errors != 1 {
		t.Errorf("expected one error event, got %d", errors)
	}
	if len(reg.invocations()) != 1 {
		t.Errorf("only the first declaration runs, got %d invocations", len(reg.invocations()))
	}
}

func TestUnterminatedBlockAbortsTurn(t *testing.T) {
	reg := newStubRegistry()
	events := runStream(t, reg, `<act>{"id":"a","kind":"tool","target":"t"`)

	var fatal *OutputEvent
	for i, ev := range events {
		if ev.Type == EventError {
			fatal = &events[i]
		}
	}
	if fatal == nil || fatal.ErrKind != "unterminated_block" {
		t.Fatalf("expected unterminated_block error, got %+v", events)
	}
	done := lastEvent(t, events)
	if done.Type != EventTurnDone || !done.Terminating {
		t.Errorf("aborted turn ends with terminating done: %+v", done)
	}
}

func TestContextFeedEmitted(t *testing.T) {
	events := runStream(t, newStubRegistry(), "<ctx>remembered fact</ctx>")
	var found bool
	for _, ev := range events {
		if ev.Type == EventContextFeed && ev.Context == "remembered fact" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected context_feed event, got %+v", events)
	}
}

func TestCancelledTurnDrainsCleanly(t *testing.T) {
	reg := newStubRegistry()
	started := make(chan struct{})
	reg.handle("hang", func(ctx context.Context, inv capability.Invocation) (json.RawMessage, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	})

	tn := New(Options{Registry: reg})
	ctx, cancel := context.WithCancel(context.Background())

	stream := `<act>{"id":"hang","kind":"tool","target":"t","operation":"x"}</act>`
	events := tn.Run(ctx, &blockingSource{prefix: stream})

	go func() {
		<-started
		cancel()
	}()

	var all []OutputEvent
	for ev := range events {
		all = append(all, ev)
	}

	done := lastEvent(t, all)
	if done.Type != EventTurnDone {
		t.Fatalf("expected turn_done after cancel, got %+v", done)
	}
	r := resultFor(all, "hang")
	if r == nil || r.Failure == nil || r.Failure.Kind != action.FailCancelled {
		t.Errorf("hanging action should be cancelled, got %+v", r)
	}
}

// gatedSource yields its chunks in order, holding each one whose gate
// is non-nil until that gate is closed. It pins down orderings between
// stream progress and execution progress.
type gatedSource struct {
	chunks []string
	gates  []chan struct{}
	next   int
}

func (s *gatedSource) Next(ctx context.Context) (Chunk, error) {
	if s.next >= len(s.chunks) {
		return Chunk{}, io.EOF
	}
	if g := s.gates[s.next]; g != nil {
		select {
		case <-g:
		case <-ctx.Done():
			return Chunk{}, ctx.Err()
		}
	}
	c := Chunk{Text: s.chunks[s.next]}
	s.next++
	return c, nil
}

// blockingSource yields its prefix and then blocks until the context
// is cancelled, simulating a stalled upstream.
type blockingSource struct {
	prefix string
	sent   bool
}

func (s *blockingSource) Next(ctx context.Context) (Chunk, error) {
	if !s.sent {
		s.sent = true
		return Chunk{Text: s.prefix}, nil
	}
	<-ctx.Done()
	return Chunk{}, ctx.Err()
}
