// Package ports defines the interfaces the execution substrate consumes
// from and exposes to external collaborators. The REST/
// WebSocket front end, the LLM/embedding providers, the Redis diagnostic
// tools, and the knowledge-base ingestion pipeline are all out of the core's
// scope — they interact with it only through these interfaces.
package ports

import (
	"context"
	"time"
)

// Message is the minimal shape the dispatcher exchanges with an LLMClient.
// Role is one of "system", "user", "assistant", or "tool".
type Message struct {
	Role       string
	Content    string
	ToolCallID string
	ToolCalls  []ToolCall
}

// ToolCall is one LLM-requested tool invocation.
type ToolCall struct {
	ID   string
	Name string
	Args map[string]any
}

// LLMResponse is what a model call returns: either content, or tool calls to
// execute before the turn can continue.
type LLMResponse struct {
	Content   string
	ToolCalls []ToolCall
}

// LLMClient is the primary and nano model port.
type LLMClient interface {
	// Invoke calls the primary model, optionally offering it a set of tool
	// names it may call.
	Invoke(ctx context.Context, messages []Message, tools []string, timeout time.Duration) (LLMResponse, error)
	// InvokeNano calls the fast router/fact-check model. It never receives
	// tools.
	InvokeNano(ctx context.Context, messages []Message, timeout time.Duration) (LLMResponse, error)
}

// Embedder produces vector embeddings, consumed by the knowledge subsystem
// and by pkg/qa when building QA search docs.
type Embedder interface {
	EmbedMany(ctx context.Context, texts []string) ([][]float32, error)
}

// ToolResult is the outcome of one tool execution.
type ToolResult struct {
	Content string
	Error   string
}

// ToolProvider executes a named tool against a typed argument map.
type ToolProvider interface {
	Execute(ctx context.Context, toolName string, args map[string]any) (ToolResult, error)
}

// InstanceResolver returns decrypted connection details for a bound Redis
// instance.
type InstanceResolver interface {
	GetByID(ctx context.Context, id string) (*ResolvedInstance, error)
}

// ResolvedInstance is the decrypted view of a model.Instance handed to tool
// providers.
type ResolvedInstance struct {
	ID            string
	Name          string
	ConnectionURL string
}

// AgentKind mirrors model.AgentKind without importing pkg/model, keeping
// this package free of a dependency on entity storage.
type AgentKind string

const (
	AgentRedisTriage   AgentKind = "redis_triage"
	AgentRedisChat     AgentKind = "redis_chat"
	AgentKnowledgeOnly AgentKind = "knowledge_only"
)

// UserPreferences optionally steers routing.
type UserPreferences struct {
	PreferredAgent string
}

// Router selects one of the three agent strategies for a turn.
type Router interface {
	Route(ctx context.Context, query string, context map[string]any, prefs *UserPreferences) (AgentKind, error)
}

// StreamEvent is one live progress event published for a thread.
type StreamEvent struct {
	ThreadID string
	TaskID   string
	Type     string
	Message  string
	At       time.Time
}

// StreamChannel is an optional live-update sink; if absent, streaming is
// silently disabled.
type StreamChannel interface {
	Publish(ctx context.Context, threadID string, event StreamEvent) error
}
