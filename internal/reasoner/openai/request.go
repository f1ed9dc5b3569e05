// ABOUTME: Translates reasoning requests into chat-completions payloads
// ABOUTME: Agent calls become assistant tool_calls and tool results become tool messages

package openai

import (
	"encoding/json"

	"github.com/Youmanvi/bankAssistant/internal/reasoner"
)

type chatRequest struct {
	Model         string         `json:"model"`
	Messages      []chatMessage  `json:"messages"`
	MaxTokens     *int           `json:"max_completion_tokens,omitempty"`
	Temperature   *float64       `json:"temperature,omitempty"`
	Tools         []chatTool     `json:"tools,omitempty"`
	Stream        bool           `json:"stream"`
	StreamOptions *streamOptions `json:"stream_options,omitempty"`
}

type chatMessage struct {
	Role       string     `json:"role"`
	Content    string     `json:"content,omitempty"`
	ToolCalls  []toolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

type chatTool struct {
	Type     string       `json:"type"`
	Function toolFunction `json:"function"`
}

type toolFunction struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

type toolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function functionCall `json:"function"`
}

type functionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type streamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

func (c *Client) buildRequest(req *reasoner.Request) *chatRequest {
	out := &chatRequest{
		Model:         c.model,
		MaxTokens:     c.maxTokens,
		Temperature:   c.temperature,
		Stream:        true,
		StreamOptions: &streamOptions{IncludeUsage: true},
	}

	if req.Instructions != "" {
		out.Messages = append(out.Messages, chatMessage{Role: "system", Content: req.Instructions})
	}
	for _, m := range req.Messages {
		out.Messages = append(out.Messages, translateMessage(m))
	}

	for _, t := range req.Tools {
		params := t.Parameters
		if len(params) == 0 {
			params = json.RawMessage(`{"type":"object","properties":{}}`)
		}
		out.Tools = append(out.Tools, chatTool{
			Type:     "function",
			Function: toolFunction{Name: t.Name, Description: t.Description, Parameters: params},
		})
	}
	return out
}

func translateMessage(m reasoner.Message) chatMessage {
	switch m.Role {
	case reasoner.RoleAgent:
		msg := chatMessage{Role: "assistant", Content: m.Content}
		for _, call := range m.Calls {
			args := string(call.Args)
			if args == "" {
				args = "{}"
			}
			msg.ToolCalls = append(msg.ToolCalls, toolCall{
				ID:       call.ID,
				Type:     "function",
				Function: functionCall{Name: call.Name, Arguments: args},
			})
		}
		return msg
	case reasoner.RoleTool:
		return chatMessage{Role: "tool", Content: m.Content, ToolCallID: m.CallID}
	case reasoner.RoleSystem:
		return chatMessage{Role: "system", Content: m.Content}
	default:
		return chatMessage{Role: "user", Content: m.Content}
	}
}
