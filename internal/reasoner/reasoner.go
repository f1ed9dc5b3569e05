// ABOUTME: Contract between the turn engine and a reasoning backend
// ABOUTME: A step streams text deltas and action calls for one handler

package reasoner

import (
	"context"
	"encoding/json"
	"io"

	"github.com/Youmanvi/bankAssistant/internal/handler"
)

// Role is the speaker of a message in the reasoning context.
type Role string

const (
	RoleSystem Role = "system"
	RoleUser   Role = "user"
	RoleAgent  Role = "agent"
	RoleTool   Role = "tool"
)

// Message is one entry of the reasoning context.
type Message struct {
	Role    Role
	Content string

	// Calls are the actions an agent message requested.
	Calls []Call

	// CallID and Name identify the call a tool message answers.
	CallID string
	Name   string
}

// Call is an action invocation requested by the reasoning step.
type Call struct {
	ID   string
	Name string
	Args json.RawMessage
}

// Tool describes one action offered to the reasoning step.
type Tool struct {
	Name        string
	Description string
	Parameters  json.RawMessage // JSON schema object
}

// Request is the input of one reasoning step.
type Request struct {
	Handler      handler.ID
	Instructions string
	Messages     []Message
	Tools        []Tool
}

// EventType tags a streamed step event.
type EventType int

const (
	EventText EventType = iota
	EventCall
)

// Event is one streamed piece of a step.
type Event struct {
	Type EventType
	Text string // EventText
	Call Call   // EventCall
}

// Stream is an iterator over the events of one step. Next returns io.EOF when
// the step is complete.
type Stream interface {
	Next() (Event, error)
	Close() error
}

// Reasoner runs reasoning steps.
type Reasoner interface {
	Step(ctx context.Context, req *Request) (Stream, error)
}

// ToolsFor describes a handler's actions as tools.
func ToolsFor(h *handler.Handler) []Tool {
	tools := make([]Tool, 0, len(h.Actions))
	for _, a := range h.Actions {
		tools = append(tools, Tool{
			Name:        a.Name,
			Description: a.Description,
			Parameters:  schemaFor(a.Params),
		})
	}
	return tools
}

func schemaFor(params []handler.Param) json.RawMessage {
	type property struct {
		Type        string   `json:"type"`
		Description string   `json:"description,omitempty"`
		Enum        []string `json:"enum,omitempty"`
	}
	schema := struct {
		Type       string              `json:"type"`
		Properties map[string]property `json:"properties"`
		Required   []string            `json:"required,omitempty"`
	}{
		Type:       "object",
		Properties: make(map[string]property, len(params)),
	}
	for _, p := range params {
		schema.Properties[p.Name] = property{Type: p.Type, Description: p.Description, Enum: p.Enum}
		if p.Required {
			schema.Required = append(schema.Required, p.Name)
		}
	}
	b, err := json.Marshal(schema)
	if err != nil {
		return json.RawMessage(`{"type":"object"}`)
	}
	return b
}

// sliceStream replays a fixed list of events.
type sliceStream struct {
	events []Event
}

// NewSliceStream returns a Stream over events.
func NewSliceStream(events ...Event) Stream {
	return &sliceStream{events: events}
}

func (s *sliceStream) Next() (Event, error) {
	if len(s.events) == 0 {
		return Event{}, io.EOF
	}
	ev := s.events[0]
	s.events = s.events[1:]
	return ev, nil
}

func (s *sliceStream) Close() error { return nil }

// Func adapts a function to the Reasoner interface.
type Func func(ctx context.Context, req *Request) (Stream, error)

// Step calls f.
func (f Func) Step(ctx context.Context, req *Request) (Stream, error) {
	return f(ctx, req)
}
