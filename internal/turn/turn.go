// ABOUTME: Shared types of the turn engine: fragments, the outbound sink and error sentinels
// ABOUTME: Errors are grouped by how the session reacts to them

package turn

import "errors"

// Validation errors. The event is logged and dropped.
var (
	ErrNotInitialized     = errors.New("session not initialized")
	ErrAlreadyInitialized = errors.New("session already initialized")
	ErrStaleSequence      = errors.New("stale response sequence")
	ErrDuplicateSequence  = errors.New("duplicate response sequence")
)

// ErrSuperseded means a newer response request arrived while generating.
var ErrSuperseded = errors.New("sequence superseded")

// Generation errors. The sequence is aborted with a fallback reply.
var (
	ErrHandoffLimit   = errors.New("hand-off limit exceeded")
	ErrStepLimit      = errors.New("reasoning step limit exceeded")
	ErrIllegalHandoff = errors.New("illegal hand-off")
	ErrUnknownHandler = errors.New("unknown handler")
)

// Fragment is one piece of a response, delivered in order for its sequence.
type Fragment struct {
	Sequence          int64
	Text              string
	IsFinal           bool
	TerminatesSession bool
	RedirectTarget    string
}

// Sink receives outbound traffic for one connection. Fragment is called under
// the session delivery lock and must not block on the network.
type Sink interface {
	Keepalive(timestamp int64) error
	Fragment(f Fragment) error
}
