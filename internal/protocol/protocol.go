// ABOUTME: JSON codec for the voice session protocol spoken over the websocket
// ABOUTME: Decodes interaction events and encodes config, ping_pong and response frames

package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrMalformed means the frame is not a JSON object of the expected shape.
	ErrMalformed = errors.New("malformed event")

	// ErrUnknownEvent means the interaction_type is not recognized.
	ErrUnknownEvent = errors.New("unknown event kind")
)

// Kind is an inbound event kind.
type Kind int

const (
	KindKeepalive Kind = iota + 1
	KindSessionInit
	KindTranscriptUpdate
	KindResponseRequest
)

func (k Kind) String() string {
	switch k {
	case KindKeepalive:
		return "keepalive"
	case KindSessionInit:
		return "session_init"
	case KindTranscriptUpdate:
		return "transcript_update"
	case KindResponseRequest:
		return "response_request"
	}
	return "unknown"
}

// Interaction types on the wire.
const (
	InteractionPingPong         = "ping_pong"
	InteractionCallDetails      = "call_details"
	InteractionUpdateOnly       = "update_only"
	InteractionResponseRequired = "response_required"
	InteractionReminderRequired = "reminder_required"
)

// Utterance is one transcript entry as the client sends it.
type Utterance struct {
	Role    string `json:"role"` // agent, user
	Content string `json:"content"`
}

// Event is a decoded inbound frame.
type Event struct {
	Kind Kind

	// Type is the raw interaction_type.
	Type string

	Timestamp  int64       // keepalive
	FromNumber string      // session init
	Transcript []Utterance // transcript update, response request
	Sequence   int64       // response request
}

type inboundFrame struct {
	InteractionType string       `json:"interaction_type"`
	Timestamp       *int64       `json:"timestamp"`
	Call            *callDetails `json:"call"`
	Transcript      []Utterance  `json:"transcript"`
	ResponseID      *int64       `json:"response_id"`
}

type callDetails struct {
	FromNumber string `json:"from_number"`
	ToNumber   string `json:"to_number"`
	CallID     string `json:"call_id"`
}

// Decode parses one inbound frame.
func Decode(data []byte) (Event, error) {
	var f inboundFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	ev := Event{Type: f.InteractionType}
	switch f.InteractionType {
	case InteractionPingPong:
		if f.Timestamp == nil {
			return Event{}, fmt.Errorf("%w: ping_pong without timestamp", ErrMalformed)
		}
		ev.Kind = KindKeepalive
		ev.Timestamp = *f.Timestamp

	case InteractionCallDetails:
		ev.Kind = KindSessionInit
		if f.Call != nil {
			ev.FromNumber = f.Call.FromNumber
		}

	case InteractionUpdateOnly:
		ev.Kind = KindTranscriptUpdate
		ev.Transcript = f.Transcript

	case InteractionResponseRequired, InteractionReminderRequired:
		if f.ResponseID == nil {
			return Event{}, fmt.Errorf("%w: %s without response_id", ErrMalformed, f.InteractionType)
		}
		ev.Kind = KindResponseRequest
		ev.Sequence = *f.ResponseID
		ev.Transcript = f.Transcript

	case "":
		return Event{}, fmt.Errorf("%w: missing interaction_type", ErrMalformed)

	default:
		return Event{}, fmt.Errorf("%w: %q", ErrUnknownEvent, f.InteractionType)
	}
	return ev, nil
}

// Config is the capability set announced right after connect.
type Config struct {
	AutoReconnect bool `json:"auto_reconnect"`
	CallDetails   bool `json:"call_details"`
}

// DefaultConfig asks the client to reconnect on drops and to send call details.
var DefaultConfig = Config{AutoReconnect: true, CallDetails: true}

// Response is one response fragment on the wire.
type Response struct {
	ResponseID      int64  `json:"response_id"`
	Content         string `json:"content"`
	ContentComplete bool   `json:"content_complete"`
	EndCall         bool   `json:"end_call"`
	TransferNumber  string `json:"transfer_number,omitempty"`
}

// EncodeConfig encodes the session config frame.
func EncodeConfig(c Config) ([]byte, error) {
	return json.Marshal(struct {
		ResponseType string `json:"response_type"`
		Config       Config `json:"config"`
	}{"config", c})
}

// EncodeKeepalive encodes a ping_pong echo.
func EncodeKeepalive(timestamp int64) ([]byte, error) {
	return json.Marshal(struct {
		ResponseType string `json:"response_type"`
		Timestamp    int64  `json:"timestamp"`
	}{"ping_pong", timestamp})
}

// EncodeResponse encodes a response fragment.
func EncodeResponse(r Response) ([]byte, error) {
	return json.Marshal(struct {
		ResponseType string `json:"response_type"`
		Response
	}{"response", r})
}
