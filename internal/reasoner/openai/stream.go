// ABOUTME: Server-sent events parser for streamed chat completions
// ABOUTME: Emits text deltas as they arrive and complete tool calls at the end

package openai

import (
	"bufio"
	"encoding/json"
	"io"
	"sort"
	"strings"

	"github.com/Youmanvi/bankAssistant/internal/reasoner"
)

type chatChunk struct {
	Choices []struct {
		Delta struct {
			Content   string          `json:"content,omitempty"`
			ToolCalls []toolCallDelta `json:"tool_calls,omitempty"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason,omitempty"`
	} `json:"choices"`
}

type toolCallDelta struct {
	Index    int    `json:"index"`
	ID       string `json:"id,omitempty"`
	Function struct {
		Name      string `json:"name,omitempty"`
		Arguments string `json:"arguments,omitempty"`
	} `json:"function"`
}

type toolCallAccumulator struct {
	id   string
	name string
	args strings.Builder
}

// eventStream implements reasoner.Stream over an SSE response body.
type eventStream struct {
	reader   *bufio.Reader
	closer   io.Closer
	err      error
	calls    map[int]*toolCallAccumulator
	pending  []reasoner.Event
	finished bool
}

func newEventStream(body io.ReadCloser) *eventStream {
	return &eventStream{
		reader: bufio.NewReader(body),
		closer: body,
		calls:  make(map[int]*toolCallAccumulator),
	}
}

// Next returns the next event, or io.EOF once the stream and its tool calls are drained.
func (s *eventStream) Next() (reasoner.Event, error) {
	for {
		if len(s.pending) > 0 {
			ev := s.pending[0]
			s.pending = s.pending[1:]
			return ev, nil
		}
		if s.err != nil {
			return reasoner.Event{}, s.err
		}
		if s.finished {
			return reasoner.Event{}, io.EOF
		}

		line, err := s.reader.ReadString('\n')
		if err != nil {
			if err == io.EOF {
				s.finish()
				continue
			}
			s.err = err
			continue
		}

		line = strings.TrimSpace(line)
		data, ok := strings.CutPrefix(line, "data:")
		if !ok {
			continue
		}
		data = strings.TrimSpace(data)
		if data == "[DONE]" {
			s.finish()
			continue
		}

		var chunk chatChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			continue
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		choice := chunk.Choices[0]

		for _, tc := range choice.Delta.ToolCalls {
			acc, ok := s.calls[tc.Index]
			if !ok {
				acc = &toolCallAccumulator{}
				s.calls[tc.Index] = acc
			}
			if tc.ID != "" {
				acc.id = tc.ID
			}
			if tc.Function.Name != "" {
				acc.name = tc.Function.Name
			}
			acc.args.WriteString(tc.Function.Arguments)
		}

		if choice.Delta.Content != "" {
			return reasoner.Event{Type: reasoner.EventText, Text: choice.Delta.Content}, nil
		}
	}
}

// finish queues the accumulated tool calls in index order.
func (s *eventStream) finish() {
	if s.finished {
		return
	}
	s.finished = true

	idx := make([]int, 0, len(s.calls))
	for i := range s.calls {
		idx = append(idx, i)
	}
	sort.Ints(idx)
	for _, i := range idx {
		acc := s.calls[i]
		if acc.name == "" {
			continue
		}
		args := acc.args.String()
		if strings.TrimSpace(args) == "" {
			args = "{}"
		}
		s.pending = append(s.pending, reasoner.Event{
			Type: reasoner.EventCall,
			Call: reasoner.Call{ID: acc.id, Name: acc.name, Args: json.RawMessage(args)},
		})
	}
}

// Close releases the response body.
func (s *eventStream) Close() error {
	return s.closer.Close()
}
