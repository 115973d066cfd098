package dispatcher

import "github.com/redis-sre/agentcore/pkg/ports"

// agentProfile is what distinguishes the three dispatch strategies: the
// system prompt, which registered tools the model may call, and how much
// conversation history it sees.
type agentProfile struct {
	systemPrompt   string
	tools          []string
	compactHistory bool
}

const triageSystemPrompt = `You are a senior Redis SRE performing a full diagnostic triage.

Work methodically: gather memory, latency, replication, persistence, and client metrics from the bound instance before drawing conclusions. Cross-check anomalies against the knowledge base. Prefer evidence from tool output over recall.

Finish with a structured report: findings, severity, and concrete remediation steps.`

const chatSystemPrompt = `You are a Redis SRE assistant answering a targeted question about a live instance.

Use diagnostic tools when the question needs current state; answer directly when it doesn't. Keep responses focused on what was asked.`

const knowledgeSystemPrompt = `You are a Redis expert answering from documentation and accumulated operational knowledge.

No live instance is available. Use the knowledge search tool for anything you are not certain of, and cite which sources informed the answer.`

// knowledgeToolNames is the subset of registered tools a knowledge-only
// agent may use. Everything else requires a bound instance.
var knowledgeToolNames = map[string]bool{
	"knowledge_search": true,
}

// profileFor materializes the profile for one agent kind from the currently
// registered tool set.
func profileFor(kind ports.AgentKind, registry *ToolRegistry) agentProfile {
	all := registry.Names()
	switch kind {
	case ports.AgentRedisTriage:
		return agentProfile{systemPrompt: triageSystemPrompt, tools: all}
	case ports.AgentKnowledgeOnly:
		var allowed []string
		for _, name := range all {
			if knowledgeToolNames[name] {
				allowed = append(allowed, name)
			}
		}
		return agentProfile{systemPrompt: knowledgeSystemPrompt, tools: allowed, compactHistory: true}
	default:
		return agentProfile{systemPrompt: chatSystemPrompt, tools: all}
	}
}
