package protocol

import (
	"strings"
)

type mode int

const (
	scanningText mode = iota // top-level prose
	inThought                // inside <think>, prose still streams
	inAction                 // inside <act>, body buffered whole
	inInternal               // inside <internal>, body buffered whole
	inContext                // inside <ctx>, payload buffered whole
)

func (m mode) String() string {
	switch m {
	case scanningText:
		return "text"
	case inThought:
		return "thought"
	case inAction:
		return "action"
	case inInternal:
		return "internal"
	case inContext:
		return "context"
	}
	return "unknown"
}

// transition describes a marker recognizable in a given mode.
type transition struct {
	lit   string
	to    mode // target mode on an open marker
	close bool // pop instead of push
}

// openers recognizable while scanning prose. Actions may open inside a
// thought, so the thought mode shares the unit openers.
var textOpeners = []transition{
	{lit: OpenThink, to: inThought},
	{lit: OpenAct, to: inAction},
	{lit: OpenInternal, to: inInternal},
	{lit: OpenCtx, to: inContext},
}

var thoughtTransitions = []transition{
	{lit: CloseThink, close: true},
	{lit: OpenAct, to: inAction},
	{lit: OpenInternal, to: inInternal},
	{lit: OpenCtx, to: inContext},
}

// Inside a buffered unit only the matching close marker is structural;
// any other text, including other markers, is body content.
var unitClosers = map[mode][]transition{
	inAction:   {{lit: CloseAct, close: true}},
	inInternal: {{lit: CloseInternal, close: true}},
	inContext:  {{lit: CloseCtx, close: true}},
}

// Parser consumes stream chunks and emits parse events as soon as each
// unit is structurally complete. It is single-owner mutable state with
// the lifetime of one turn.
type Parser struct {
	mode    mode
	stack   []mode // enclosing modes for nested units
	pending string // tail that may be a split marker prefix
	unit    strings.Builder
	chunks  int
}

// NewParser returns a parser at the start of a turn's stream.
func NewParser() *Parser {
	return &Parser{mode: scanningText}
}

// Chunks returns how many chunks have been fed.
func (p *Parser) Chunks() int { return p.chunks }

// Feed consumes one chunk and returns the events it completes. Thought
// text is flushed eagerly so a consumer can render streaming prose;
// action, internal, and context units are buffered until their close
// marker arrives.
func (p *Parser) Feed(chunk string) []Event {
	p.chunks++
	buf := p.pending + chunk
	p.pending = ""

	var events []Event
	var prose strings.Builder

	flushProse := func() {
		if prose.Len() > 0 {
			events = append(events, Event{Kind: UnitThought, Text: prose.String()})
			prose.Reset()
		}
	}

	i := 0
	for i < len(buf) {
		next := strings.IndexByte(buf[i:], '<')
		if next < 0 {
			p.consumeText(buf[i:], &prose)
			break
		}
		// Everything before the candidate marker is content.
		p.consumeText(buf[i:i+next], &prose)
		i += next

		lit, target, isClose, partial := p.match(buf[i:])
		switch {
		case partial:
			// A marker may be split across chunks; hold the tail back.
			p.pending = buf[i:]
			i = len(buf)
		case lit == "":
			// Literal '<' with no structural meaning here.
			p.consumeText(buf[i:i+1], &prose)
			i++
		case isClose:
			flushProse()
			if ev, ok := p.popUnit(); ok {
				events = append(events, ev)
			}
			i += len(lit)
		default:
			flushProse()
			p.stack = append(p.stack, p.mode)
			p.mode = target
			i += len(lit)
		}
	}

	flushProse()
	return events
}

// Close signals end of stream. A still-open unit is a fatal parse
// error, not a silently dropped fragment. A held-back partial marker
// in prose mode is plain text and is flushed as a final delta.
func (p *Parser) Close() ([]Event, error) {
	var events []Event
	if p.pending != "" {
		switch p.mode {
		case scanningText, inThought:
			events = append(events, Event{Kind: UnitThought, Text: p.pending})
		default:
			p.unit.WriteString(p.pending)
		}
		p.pending = ""
	}
	if p.mode != scanningText || len(p.stack) > 0 {
		return events, &FatalError{
			Kind:   FatalUnterminated,
			Detail: "stream ended inside an open " + p.mode.String() + " block",
		}
	}
	return events, nil
}

// consumeText routes content either to the prose accumulator or to the
// open unit's body buffer depending on the current mode.
func (p *Parser) consumeText(s string, prose *strings.Builder) {
	if s == "" {
		return
	}
	switch p.mode {
	case scanningText, inThought:
		prose.WriteString(s)
	default:
		p.unit.WriteString(s)
	}
}

// match checks whether rest begins with a marker structural in the
// current mode. partial is true when rest is a proper prefix of such a
// marker, meaning more input is needed to decide.
func (p *Parser) match(rest string) (lit string, target mode, isClose, partial bool) {
	var candidates []transition
	switch p.mode {
	case scanningText:
		candidates = textOpeners
	case inThought:
		candidates = thoughtTransitions
	default:
		candidates = unitClosers[p.mode]
	}
	for _, t := range candidates {
		if strings.HasPrefix(rest, t.lit) {
			return t.lit, t.to, t.close, false
		}
		if strings.HasPrefix(t.lit, rest) {
			return "", 0, false, true
		}
	}
	return "", 0, false, false
}

// popUnit finalizes the unit closed by a matching close marker and
// restores the enclosing mode. Closed thought blocks produce no event
// of their own: their text already streamed as deltas.
func (p *Parser) popUnit() (Event, bool) {
	closed := p.mode
	p.mode = p.stack[len(p.stack)-1]
	p.stack = p.stack[:len(p.stack)-1]

	switch closed {
	case inAction:
		ev := Event{Kind: UnitAction, Text: p.unit.String()}
		p.unit.Reset()
		return ev, true
	case inInternal:
		ev := Event{Kind: UnitInternal, Text: p.unit.String()}
		p.unit.Reset()
		return ev, true
	case inContext:
		ev := Event{Kind: UnitContext, Text: p.unit.String()}
		p.unit.Reset()
		return ev, true
	}
	return Event{}, false
}
