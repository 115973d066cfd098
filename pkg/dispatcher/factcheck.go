package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis-sre/agentcore/pkg/ports"
)

// FactCheckTimeout bounds the fact-check call to the nano model.
const FactCheckTimeout = 30 * time.Second

const factCheckSystemPrompt = `You are a technical fact-checker reviewing a response about Redis operations and diagnostics.

Audit the draft response for factual errors: wrong configuration directive names, incorrect default values, misattributed behavior, or claims the diagnostic evidence contradicts.

Respond with ONLY a JSON object, no prose:
{"has_errors": <bool>, "errors": ["<each factual error found>"], "suggested_research": ["<topic to investigate before correcting>"]}`

// factCheckVerdict is the structured output of one fact-check call.
type factCheckVerdict struct {
	HasErrors         bool     `json:"has_errors"`
	Errors            []string `json:"errors"`
	SuggestedResearch []string `json:"suggested_research"`
}

// checkFacts audits a draft response with the nano model. Evidence is the
// accumulated tool output from the turn, which lets the checker compare
// claims against observed diagnostics; it may be empty.
func checkFacts(ctx context.Context, llm ports.LLMClient, draft, evidence string) (factCheckVerdict, error) {
	prompt := "Draft response:\n\n" + draft
	if evidence != "" {
		prompt += "\n\nDiagnostic evidence gathered during the turn:\n\n" + evidence
	}

	callCtx, cancel := context.WithTimeout(ctx, FactCheckTimeout)
	defer cancel()

	resp, err := llm.InvokeNano(callCtx, []ports.Message{
		{Role: "system", Content: factCheckSystemPrompt},
		{Role: "user", Content: prompt},
	}, FactCheckTimeout)
	if err != nil {
		return factCheckVerdict{}, fmt.Errorf("fact check: %w", err)
	}

	var verdict factCheckVerdict
	if err := json.Unmarshal([]byte(stripFences(resp.Content)), &verdict); err != nil {
		return factCheckVerdict{}, fmt.Errorf("fact check: parse verdict: %w", err)
	}
	return verdict, nil
}

// stripFences removes a markdown code fence the model may wrap its JSON in.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		if idx := strings.Index(s, "\n"); idx >= 0 {
			s = s[idx+1:]
		}
		s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	}
	return strings.TrimSpace(s)
}
