// ABOUTME: Tests for the chat-completions backend against a fake SSE server
// ABOUTME: Covers request translation, streamed text, tool call assembly and API errors

package openai

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Youmanvi/bankAssistant/internal/handler"
	"github.com/Youmanvi/bankAssistant/internal/reasoner"
)

func collect(t *testing.T, s reasoner.Stream) (string, []reasoner.Call) {
	t.Helper()
	defer s.Close()
	var text string
	var calls []reasoner.Call
	for {
		ev, err := s.Next()
		if errors.Is(err, io.EOF) {
			return text, calls
		}
		require.NoError(t, err)
		switch ev.Type {
		case reasoner.EventText:
			text += ev.Text
		case reasoner.EventCall:
			calls = append(calls, ev.Call)
		}
	}
}

func TestStep_StreamsTextAndToolCalls(t *testing.T) {
	var got chatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		w.Header().Set("Content-Type", "text/event-stream")
		chunks := []string{
			`{"choices":[{"delta":{"content":"Let me "}}]}`,
			`{"choices":[{"delta":{"content":"check."}}]}`,
			`{"choices":[{"delta":{"tool_calls":[{"index":0,"id":"call_1","function":{"name":"handle_account_balance","arguments":""}}]}}]}`,
			`{"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"{\"account\":"}}]}}]}`,
			`{"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"\"savings\"}"}}]}}]}`,
			`{"choices":[{"delta":{},"finish_reason":"tool_calls"}]}`,
			`{"choices":[],"usage":{"prompt_tokens":10,"completion_tokens":5}}`,
		}
		for _, c := range chunks {
			fmt.Fprintf(w, "data: %s\n\n", c)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	c := New("sk-test", time.Second, WithBaseURL(srv.URL+"/v1"), WithTemperature(0.2), WithMaxTokens(256))
	stream, err := c.Step(t.Context(), &reasoner.Request{
		Handler:      handler.Accounts,
		Instructions: "be brief",
		Messages: []reasoner.Message{
			{Role: reasoner.RoleSystem, Content: "caller is Alex"},
			{Role: reasoner.RoleUser, Content: "savings balance"},
			{Role: reasoner.RoleAgent, Calls: []reasoner.Call{{ID: "call_0", Name: "transfer_to_accounts"}}},
			{Role: reasoner.RoleTool, CallID: "call_0", Name: "transfer_to_accounts", Content: "transferred to accounts"},
		},
		Tools: []reasoner.Tool{{Name: "handle_account_balance", Description: "balance"}},
	})
	require.NoError(t, err)

	text, calls := collect(t, stream)
	assert.Equal(t, "Let me check.", text)
	require.Len(t, calls, 1)
	assert.Equal(t, "call_1", calls[0].ID)
	assert.Equal(t, "handle_account_balance", calls[0].Name)
	assert.JSONEq(t, `{"account":"savings"}`, string(calls[0].Args))

	assert.Equal(t, DefaultModel, got.Model)
	assert.True(t, got.Stream)
	require.Len(t, got.Messages, 5)
	assert.Equal(t, "system", got.Messages[0].Role)
	assert.Equal(t, "be brief", got.Messages[0].Content)
	assert.Equal(t, "assistant", got.Messages[3].Role)
	require.Len(t, got.Messages[3].ToolCalls, 1)
	assert.Equal(t, "{}", got.Messages[3].ToolCalls[0].Function.Arguments)
	assert.Equal(t, "tool", got.Messages[4].Role)
	assert.Equal(t, "call_0", got.Messages[4].ToolCallID)
	require.Len(t, got.Tools, 1)
	assert.JSONEq(t, `{"type":"object","properties":{}}`, string(got.Tools[0].Function.Parameters))
	require.NotNil(t, got.Temperature)
	assert.InDelta(t, 0.2, *got.Temperature, 0.0001)
}

func TestStep_APIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"error":{"message":"slow down","type":"rate_limit"}}`)
	}))
	defer srv.Close()

	_, err := New("k", time.Second, WithBaseURL(srv.URL)).Step(t.Context(), &reasoner.Request{})
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusTooManyRequests, apiErr.StatusCode)
	assert.Equal(t, "openai: slow down (rate_limit, status 429)", apiErr.Error())
}

func TestStep_StreamWithoutDone(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, ": keepalive\n\ndata: not-json\n\ndata: {\"choices\":[{\"delta\":{\"content\":\"Hi.\"}}]}\n\n")
	}))
	defer srv.Close()

	stream, err := New("k", time.Second, WithBaseURL(srv.URL)).Step(t.Context(), &reasoner.Request{})
	require.NoError(t, err)
	text, calls := collect(t, stream)
	assert.Equal(t, "Hi.", text)
	assert.Empty(t, calls)
}
