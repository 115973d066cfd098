// Package router implements ports.Router: a two-stage nano-LLM classifier
// that picks one of the three agent strategies for a turn. Two separate
// calls, not one three-way prompt:
//
//  1. No bound instance: ask the nano model whether the query needs a live
//     instance at all. Either answer still routes to knowledge_only — the
//     distinction only feeds the log line — since without an instance there
//     is nothing to triage or chat against.
//  2. Bound instance: ask the nano model whether the query wants a full
//     triage or a quick chat. A user preference, when present, short-
//     circuits this call entirely.
package router

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/redis-sre/agentcore/pkg/logger"
	"github.com/redis-sre/agentcore/pkg/ports"
)

// NanoTimeout bounds each routing call to the nano model.
const NanoTimeout = 10 * time.Second

const cacheSize = 1024

const noInstanceSystemPrompt = `You are a query categorization system for a Redis SRE agent.

Categorize if this query requires access to a live Redis instance or is just seeking general knowledge.

1. NEEDS_INSTANCE: Queries that require access to a specific Redis instance for diagnostics, monitoring, or troubleshooting.
   Examples: "Check my Redis memory", "Why is Redis slow?", "Show me the slowlog"

2. KNOWLEDGE_ONLY: Queries seeking general knowledge, best practices, or guidance.
   Examples: "What are Redis best practices?", "How does Redis replication work?"

Respond with ONLY one word: either "NEEDS_INSTANCE" or "KNOWLEDGE_ONLY".`

const hasInstanceSystemPrompt = `You are a query categorization system for a Redis SRE agent.

The user has a Redis instance available. Determine what kind of agent should handle their query:

1. TRIAGE: Full health check, comprehensive diagnostics, or in-depth analysis.
   Trigger words: "full health check", "triage", "comprehensive", "full analysis", "complete diagnostic", "thorough check", "audit"

2. CHAT: Quick questions, specific lookups, or targeted queries.

Respond with ONLY one word: either "TRIAGE" or "CHAT".`

// Classifier implements ports.Router against a nano ports.LLMClient, with an
// LRU cache of recent decisions in front of both stages so repeated
// triage/chat toggles within a thread don't re-ask the model every turn.
type Classifier struct {
	llm   ports.LLMClient
	cache *lru.Cache[string, ports.AgentKind]
}

// New constructs a Classifier. Panics only on a negative cache size, which
// never happens with the package constant.
func New(llm ports.LLMClient) *Classifier {
	cache, _ := lru.New[string, ports.AgentKind](cacheSize)
	return &Classifier{llm: llm, cache: cache}
}

// Route implements ports.Router.
func (c *Classifier) Route(ctx context.Context, query string, ctxMap map[string]any, prefs *ports.UserPreferences) (ports.AgentKind, error) {
	hasInstance := instanceID(ctxMap) != ""

	if !hasInstance {
		return c.routeNoInstance(ctx, query)
	}

	if prefs != nil && prefs.PreferredAgent != "" {
		if kind := parseAgentKind(prefs.PreferredAgent); kind != "" {
			logger.Log.Info().Str("preferred_agent", prefs.PreferredAgent).Msg("router: using user preference")
			return kind, nil
		}
	}

	return c.routeHasInstance(ctx, query)
}

func (c *Classifier) routeNoInstance(ctx context.Context, query string) (ports.AgentKind, error) {
	key := cacheKey("no_instance", query)
	if cached, ok := c.cache.Get(key); ok {
		return cached, nil
	}

	category, err := c.classify(ctx, noInstanceSystemPrompt, query)
	if err != nil {
		logger.Log.Warn().Err(err).Msg("router: no-instance classification failed, defaulting to knowledge_only")
		return ports.AgentKnowledgeOnly, nil
	}

	// Both NEEDS_INSTANCE and KNOWLEDGE_ONLY resolve to the same agent here:
	// there is no instance to route to regardless of what the query wants.
	if strings.Contains(category, "NEEDS_INSTANCE") {
		logger.Log.Info().Msg("router: query needs instance but none bound, routing to knowledge_only")
	}
	c.cache.Add(key, ports.AgentKnowledgeOnly)
	return ports.AgentKnowledgeOnly, nil
}

func (c *Classifier) routeHasInstance(ctx context.Context, query string) (ports.AgentKind, error) {
	key := cacheKey("has_instance", query)
	if cached, ok := c.cache.Get(key); ok {
		return cached, nil
	}

	category, err := c.classify(ctx, hasInstanceSystemPrompt, query)
	if err != nil {
		logger.Log.Warn().Err(err).Msg("router: triage/chat classification failed, defaulting to redis_chat")
		return ports.AgentRedisChat, nil
	}

	kind := ports.AgentRedisChat
	if strings.Contains(category, "TRIAGE") {
		kind = ports.AgentRedisTriage
	}
	c.cache.Add(key, kind)
	return kind, nil
}

func (c *Classifier) classify(ctx context.Context, systemPrompt, query string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, NanoTimeout)
	defer cancel()

	resp, err := c.llm.InvokeNano(ctx, []ports.Message{
		{Role: "system", Content: systemPrompt},
		{Role: "user", Content: fmt.Sprintf("Categorize this query: %s", query)},
	}, NanoTimeout)
	if err != nil {
		return "", fmt.Errorf("router: nano classification: %w", err)
	}
	return strings.ToUpper(strings.TrimSpace(resp.Content)), nil
}

func instanceID(ctxMap map[string]any) string {
	if ctxMap == nil {
		return ""
	}
	if v, ok := ctxMap["instance_id"].(string); ok {
		return v
	}
	return ""
}

func parseAgentKind(preferred string) ports.AgentKind {
	switch ports.AgentKind(preferred) {
	case ports.AgentRedisTriage, ports.AgentRedisChat, ports.AgentKnowledgeOnly:
		return ports.AgentKind(preferred)
	default:
		return ""
	}
}

func cacheKey(stage, query string) string {
	sum := sha256.Sum256([]byte(query))
	return stage + ":" + hex.EncodeToString(sum[:])
}
