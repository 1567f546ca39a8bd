// Package protocol implements the incremental parser for the weft
// execution protocol: a token-by-token model stream is classified into
// thought text, action declarations, internal actions, and context
// feeds, each emitted the moment it is structurally complete.
package protocol

// Literal markers recognized in the stream. These are the wire
// contract between the model's output format and this engine; the
// model is prompted to produce exactly these delimiters.
const (
	OpenThink     = "<think>"
	CloseThink    = "</think>"
	OpenAct       = "<act>"
	CloseAct      = "</act>"
	OpenInternal  = "<internal>"
	CloseInternal = "</internal>"
	OpenCtx       = "<ctx>"
	CloseCtx      = "</ctx>"
)

// UnitKind classifies a parse event.
type UnitKind string

const (
	// UnitThought is streaming prose; emitted continuously, not only at
	// block boundaries.
	UnitThought UnitKind = "thought"
	// UnitAction is the raw body of a closed <act> block.
	UnitAction UnitKind = "action"
	// UnitInternal is the raw body of a closed <internal> block.
	UnitInternal UnitKind = "internal"
	// UnitContext is the payload of a closed <ctx> block.
	UnitContext UnitKind = "context"
)

// Event is one parse event. For UnitThought, Text is a delta of prose;
// for the other kinds it is the complete buffered body of the unit.
type Event struct {
	Kind UnitKind
	Text string
}

// FatalKind identifies a turn-fatal stream error.
type FatalKind string

const (
	FatalUnterminated FatalKind = "unterminated_block"
	FatalUpstream     FatalKind = "upstream_failure"
)

// FatalError aborts the whole turn, unlike action-local failures.
type FatalError struct {
	Kind   FatalKind
	Detail string
}

func (e *FatalError) Error() string {
	return string(e.Kind) + ": " + e.Detail
}
