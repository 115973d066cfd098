// Package llm adapts an OpenAI-compatible chat completions endpoint onto
// ports.LLMClient. It is the boundary adapter the worker and CLI wire in;
// the execution substrate itself only ever sees the port.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/redis-sre/agentcore/pkg/ports"
)

// DefaultBaseURL is the OpenAI API endpoint; override for compatible
// gateways.
const DefaultBaseURL = "https://api.openai.com/v1"

// Client implements ports.LLMClient over HTTP.
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	// model is the primary model, nanoModel the fast router/fact-check one.
	model     string
	nanoModel string
}

// New constructs a Client. Empty model names fall back to gpt-4o and
// gpt-4o-mini.
func New(apiKey, model, nanoModel string) *Client {
	if model == "" {
		model = "gpt-4o"
	}
	if nanoModel == "" {
		nanoModel = "gpt-4o-mini"
	}
	return &Client{
		httpClient: &http.Client{},
		baseURL:    DefaultBaseURL,
		apiKey:     apiKey,
		model:      model,
		nanoModel:  nanoModel,
	}
}

// WithBaseURL points the client at an alternate OpenAI-compatible endpoint.
func (c *Client) WithBaseURL(url string) *Client {
	c.baseURL = url
	return c
}

type wireMessage struct {
	Role       string         `json:"role"`
	Content    string         `json:"content"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
	ToolCalls  []wireToolCall `json:"tool_calls,omitempty"`
}

type wireToolCall struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type wireTool struct {
	Type     string `json:"type"`
	Function struct {
		Name       string         `json:"name"`
		Parameters map[string]any `json:"parameters"`
	} `json:"function"`
}

type completionRequest struct {
	Model    string        `json:"model"`
	Messages []wireMessage `json:"messages"`
	Tools    []wireTool    `json:"tools,omitempty"`
}

type completionResponse struct {
	Choices []struct {
		Message wireMessage `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Invoke implements ports.LLMClient with the primary model.
func (c *Client) Invoke(ctx context.Context, messages []ports.Message, tools []string, timeout time.Duration) (ports.LLMResponse, error) {
	return c.complete(ctx, c.model, messages, tools, timeout)
}

// InvokeNano implements ports.LLMClient with the nano model. It never
// offers tools.
func (c *Client) InvokeNano(ctx context.Context, messages []ports.Message, timeout time.Duration) (ports.LLMResponse, error) {
	return c.complete(ctx, c.nanoModel, messages, nil, timeout)
}

func (c *Client) complete(ctx context.Context, model string, messages []ports.Message, tools []string, timeout time.Duration) (ports.LLMResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	reqBody := completionRequest{Model: model, Messages: encodeMessages(messages)}
	for _, name := range tools {
		var t wireTool
		t.Type = "function"
		t.Function.Name = name
		t.Function.Parameters = map[string]any{"type": "object", "additionalProperties": true}
		reqBody.Tools = append(reqBody.Tools, t)
	}

	raw, err := json.Marshal(reqBody)
	if err != nil {
		return ports.LLMResponse{}, fmt.Errorf("llm: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(raw))
	if err != nil {
		return ports.LLMResponse{}, fmt.Errorf("llm: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return ports.LLMResponse{}, fmt.Errorf("llm: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return ports.LLMResponse{}, fmt.Errorf("llm: read response: %w", err)
	}

	var parsed completionResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return ports.LLMResponse{}, fmt.Errorf("llm: parse response (status %d): %w", resp.StatusCode, err)
	}
	if parsed.Error != nil {
		return ports.LLMResponse{}, fmt.Errorf("llm: api error (status %d): %s", resp.StatusCode, parsed.Error.Message)
	}
	if resp.StatusCode != http.StatusOK {
		return ports.LLMResponse{}, fmt.Errorf("llm: unexpected status %d", resp.StatusCode)
	}
	if len(parsed.Choices) == 0 {
		return ports.LLMResponse{}, fmt.Errorf("llm: empty choices")
	}

	msg := parsed.Choices[0].Message
	out := ports.LLMResponse{Content: msg.Content}
	for _, tc := range msg.ToolCalls {
		args := map[string]any{}
		if tc.Function.Arguments != "" {
			_ = json.Unmarshal([]byte(tc.Function.Arguments), &args)
		}
		out.ToolCalls = append(out.ToolCalls, ports.ToolCall{ID: tc.ID, Name: tc.Function.Name, Args: args})
	}
	return out, nil
}

func encodeMessages(messages []ports.Message) []wireMessage {
	wire := make([]wireMessage, 0, len(messages))
	for _, m := range messages {
		wm := wireMessage{Role: m.Role, Content: m.Content, ToolCallID: m.ToolCallID}
		for _, tc := range m.ToolCalls {
			var wtc wireToolCall
			wtc.ID = tc.ID
			wtc.Type = "function"
			wtc.Function.Name = tc.Name
			if raw, err := json.Marshal(tc.Args); err == nil {
				wtc.Function.Arguments = string(raw)
			}
			wm.ToolCalls = append(wm.ToolCalls, wtc)
		}
		wire = append(wire, wm)
	}
	return wire
}
