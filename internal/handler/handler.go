// ABOUTME: Handler identifiers, action variants and the static hand-off adjacency
// ABOUTME: Handlers are stateless and shared by every session

package handler

import "github.com/Youmanvi/bankAssistant/internal/banking"

// ID identifies one of the fixed conversation handlers.
type ID string

const (
	Triage       ID = "triage"
	Accounts     ID = "accounts"
	Payments     ID = "payments"
	Applications ID = "applications"
)

// All lists every handler ID in registry order.
var All = []ID{Triage, Accounts, Payments, Applications}

// Valid reports whether id is one of the fixed handlers.
func (id ID) Valid() bool {
	switch id {
	case Triage, Accounts, Payments, Applications:
		return true
	}
	return false
}

// transitions is the hand-off adjacency list. A handler may only hand off
// along these edges.
var transitions = map[ID][]ID{
	Triage:       {Accounts, Payments, Applications},
	Accounts:     {Payments},
	Payments:     {Triage},
	Applications: {Triage},
}

// CanTransition reports whether from may hand off to to.
func CanTransition(from, to ID) bool {
	for _, t := range transitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// Transitions returns the hand-off targets declared for from.
func Transitions(from ID) []ID {
	out := make([]ID, len(transitions[from]))
	copy(out, transitions[from])
	return out
}

// Kind tags the capability shape of an action.
type Kind int

const (
	// KindDomain reads or mutates banking state and returns a result.
	KindDomain Kind = iota
	// KindHandoff switches the active handler to Target.
	KindHandoff
	// KindControl ends the call or redirects it to a human.
	KindControl
)

func (k Kind) String() string {
	switch k {
	case KindDomain:
		return "domain"
	case KindHandoff:
		return "handoff"
	case KindControl:
		return "control"
	}
	return "unknown"
}

// Control is the effect of a KindControl action.
type Control int

const (
	ControlNone Control = iota
	ControlEndCall
	ControlTransferToHuman
)

// Param describes one action argument for the reasoning step.
type Param struct {
	Name        string
	Type        string // string, number, integer
	Description string
	Required    bool
	Enum        []string
}

// Action is one callable capability of a handler.
type Action struct {
	Name        string
	Description string
	Params      []Param
	Kind        Kind

	Target  ID                 // KindHandoff
	Control Control            // KindControl
	Exec    banking.ActionFunc // KindDomain
}

// Handler is a named capability bundle: instructions for the reasoning step
// plus the only actions it may call while active.
type Handler struct {
	ID           ID
	Name         string
	Instructions string
	Actions      []Action

	byName map[string]int
}

// Action looks up one of the handler's actions by name.
func (h *Handler) Action(name string) (Action, bool) {
	i, ok := h.byName[name]
	if !ok {
		return Action{}, false
	}
	return h.Actions[i], true
}

// HandoffTo returns the name of the action that hands off to target.
func (h *Handler) HandoffTo(target ID) (string, bool) {
	for _, a := range h.Actions {
		if a.Kind == KindHandoff && a.Target == target {
			return a.Name, true
		}
	}
	return "", false
}
