package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis-sre/agentcore/pkg/logger"
	"github.com/redis-sre/agentcore/pkg/ports"
	"github.com/redis-sre/agentcore/pkg/queue"
)

// ErrUnknownTool is returned when executing a tool name that was never
// registered.
var ErrUnknownTool = errors.New("dispatcher: unknown tool")

// ErrMissingToolArg is returned when a tool call omits a required argument.
var ErrMissingToolArg = errors.New("dispatcher: missing required tool argument")

// DefaultToolTimeout bounds one tool execution when a spec doesn't set its
// own timeout.
const DefaultToolTimeout = 30 * time.Second

// ToolSpec declares one tool the agent loop may call. Required argument
// names are validated on every Execute, so a malformed LLM tool call never
// reaches the provider.
type ToolSpec struct {
	Name        string
	Description string
	Required    []string
	Timeout     time.Duration
}

// ToolRegistry maps tool names to their specs and routes execution through
// the external ToolProvider with per-tool timeouts and an in-process rate
// limiter in front of every call.
type ToolRegistry struct {
	provider ports.ToolProvider
	limiter  *queue.ToolLimiter
	specs    map[string]ToolSpec
}

// NewToolRegistry constructs an empty registry. limiter may be nil to
// disable rate limiting.
func NewToolRegistry(provider ports.ToolProvider, limiter *queue.ToolLimiter) *ToolRegistry {
	return &ToolRegistry{provider: provider, limiter: limiter, specs: map[string]ToolSpec{}}
}

// Register adds a tool spec. Registration fails on an empty name or a
// duplicate, so wiring mistakes surface at startup rather than mid-turn.
func (r *ToolRegistry) Register(spec ToolSpec) error {
	if spec.Name == "" {
		return errors.New("dispatcher: tool spec needs a name")
	}
	if _, exists := r.specs[spec.Name]; exists {
		return fmt.Errorf("dispatcher: tool %s already registered", spec.Name)
	}
	if spec.Timeout <= 0 {
		spec.Timeout = DefaultToolTimeout
	}
	r.specs[spec.Name] = spec
	return nil
}

// Names returns every registered tool name, sorted for stable LLM bindings.
func (r *ToolRegistry) Names() []string {
	names := make([]string, 0, len(r.specs))
	for name := range r.specs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Has reports whether name is registered.
func (r *ToolRegistry) Has(name string) bool {
	_, ok := r.specs[name]
	return ok
}

// Execute validates args against the tool's spec, waits for a rate-limit
// token, and runs the tool under its timeout.
func (r *ToolRegistry) Execute(ctx context.Context, name string, args map[string]any) (ports.ToolResult, error) {
	spec, ok := r.specs[name]
	if !ok {
		return ports.ToolResult{}, fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}
	for _, req := range spec.Required {
		if _, present := args[req]; !present {
			return ports.ToolResult{}, fmt.Errorf("%w: %s needs %q", ErrMissingToolArg, name, req)
		}
	}

	if r.limiter != nil {
		if err := r.limiter.Wait(ctx, name); err != nil {
			return ports.ToolResult{}, fmt.Errorf("tool %s: rate limit wait: %w", name, err)
		}
	}

	callCtx, cancel := context.WithTimeout(ctx, spec.Timeout)
	defer cancel()

	start := time.Now()
	result, err := r.provider.Execute(callCtx, name, args)
	if err != nil {
		return ports.ToolResult{}, fmt.Errorf("tool %s: %w", name, err)
	}
	logger.Log.Debug().Str("tool", name).Dur("took", time.Since(start)).Msg("tool executed")
	return result, nil
}
