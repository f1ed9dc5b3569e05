// ABOUTME: Streaming chat-completions backend for the reasoning step
// ABOUTME: Sends handler instructions, history and tools; streams text and tool calls

package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/Youmanvi/bankAssistant/internal/reasoner"
)

const (
	// DefaultBaseURL is the public API endpoint.
	DefaultBaseURL = "https://api.openai.com/v1"

	// DefaultModel matches the original deployment.
	DefaultModel = "gpt-4o-mini"
)

// Option configures a Client.
type Option func(*Client)

// WithBaseURL points the client at a compatible endpoint.
func WithBaseURL(url string) Option {
	return func(c *Client) {
		if url != "" {
			c.baseURL = url
		}
	}
}

// WithModel sets the model name.
func WithModel(model string) Option {
	return func(c *Client) {
		if model != "" {
			c.model = model
		}
	}
}

// WithTemperature sets the sampling temperature.
func WithTemperature(t float64) Option {
	return func(c *Client) {
		c.temperature = &t
	}
}

// WithMaxTokens caps completion tokens per step.
func WithMaxTokens(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.maxTokens = &n
		}
	}
}

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// Client implements reasoner.Reasoner against the chat completions API.
type Client struct {
	apiKey      string
	baseURL     string
	model       string
	temperature *float64
	maxTokens   *int
	httpClient  *http.Client
	logger      *slog.Logger
}

// New creates a client. requestTimeout bounds one streamed step; zero means no bound.
func New(apiKey string, requestTimeout time.Duration, opts ...Option) *Client {
	c := &Client{
		apiKey:     apiKey,
		baseURL:    DefaultBaseURL,
		model:      DefaultModel,
		httpClient: &http.Client{Timeout: requestTimeout},
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "openai")
	return c
}

// Step streams one chat completion.
func (c *Client) Step(ctx context.Context, req *reasoner.Request) (reasoner.Stream, error) {
	body, err := json.Marshal(c.buildRequest(req))
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.chatCompletionsURL(), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		return nil, parseError(resp)
	}

	c.logger.Debug("step started", "handler", req.Handler, "messages", len(req.Messages), "tools", len(req.Tools))
	return newEventStream(resp.Body), nil
}

func (c *Client) chatCompletionsURL() string {
	return strings.TrimRight(c.baseURL, "/") + "/chat/completions"
}

// APIError is a non-2xx response from the API.
type APIError struct {
	StatusCode int
	Type       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Type != "" {
		return fmt.Sprintf("openai: %s (%s, status %d)", e.Message, e.Type, e.StatusCode)
	}
	return fmt.Sprintf("openai: %s (status %d)", e.Message, e.StatusCode)
}

func parseError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var payload struct {
		Error struct {
			Message string `json:"message"`
			Type    string `json:"type"`
		} `json:"error"`
	}
	apiErr := &APIError{StatusCode: resp.StatusCode}
	if err := json.Unmarshal(raw, &payload); err == nil && payload.Error.Message != "" {
		apiErr.Message = payload.Error.Message
		apiErr.Type = payload.Error.Type
	} else {
		apiErr.Message = strings.TrimSpace(string(raw))
		if apiErr.Message == "" {
			apiErr.Message = http.StatusText(resp.StatusCode)
		}
	}
	return apiErr
}
