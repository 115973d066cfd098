// Package tools is the built-in baseline ToolProvider: a handful of Redis
// diagnostics run against the instance bound to the turn, plus knowledge
// search over the RediSearch knowledge index. Deployments with a richer
// diagnostic suite replace this with their own ports.ToolProvider.
package tools

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/redis-sre/agentcore/pkg/dispatcher"
	"github.com/redis-sre/agentcore/pkg/index"
	"github.com/redis-sre/agentcore/pkg/keys"
	"github.com/redis-sre/agentcore/pkg/ports"
)

// Names of the built-in tools.
const (
	KnowledgeSearch = "knowledge_search"
	CheckMemory     = "check_memory"
	CheckSlowlog    = "check_slowlog"
	CheckClients    = "check_clients"
	HealthCheck     = "health_check"
)

// Provider implements ports.ToolProvider.
type Provider struct {
	resolver ports.InstanceResolver
	idx      *index.Manager
	// connect is swappable in tests; defaults to dialing the resolved URL.
	connect func(url string) (redis.UniversalClient, error)
}

// New constructs a Provider.
func New(resolver ports.InstanceResolver, idx *index.Manager) *Provider {
	return &Provider{
		resolver: resolver,
		idx:      idx,
		connect: func(url string) (redis.UniversalClient, error) {
			opts, err := redis.ParseURL(url)
			if err != nil {
				return nil, err
			}
			return redis.NewClient(opts), nil
		},
	}
}

// Execute implements ports.ToolProvider.
func (p *Provider) Execute(ctx context.Context, toolName string, args map[string]any) (ports.ToolResult, error) {
	switch toolName {
	case KnowledgeSearch:
		return p.searchKnowledge(ctx, args)
	case CheckMemory:
		return p.runInfoSection(ctx, args, "memory")
	case CheckClients:
		return p.runInfoSection(ctx, args, "clients")
	case CheckSlowlog:
		return p.slowlog(ctx, args)
	case HealthCheck:
		return p.health(ctx, args)
	default:
		return ports.ToolResult{}, fmt.Errorf("tools: unknown tool %q", toolName)
	}
}

func (p *Provider) searchKnowledge(ctx context.Context, args map[string]any) (ports.ToolResult, error) {
	query, _ := args["query"].(string)
	if query == "" {
		return ports.ToolResult{Error: "knowledge_search needs a query"}, nil
	}
	docs, total, err := p.idx.Search(ctx, keys.KnowledgeIndex, index.SearchOptions{Query: query, Limit: 5})
	if err != nil {
		return ports.ToolResult{}, fmt.Errorf("knowledge search: %w", err)
	}
	if total == 0 {
		return ports.ToolResult{Content: "No knowledge base entries matched."}, nil
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%d matching entries:\n\n", total)
	for _, d := range docs {
		fmt.Fprintf(&b, "## %s\nsource: %s\n%s\n\n", d.Fields["title"], d.Fields["source"], d.Fields["content"])
	}
	return ports.ToolResult{Content: b.String()}, nil
}

// instanceClient resolves the instance bound to the call and dials it.
func (p *Provider) instanceClient(ctx context.Context, args map[string]any) (redis.UniversalClient, error) {
	instanceID, _ := args["instance_id"].(string)
	if instanceID == "" {
		return nil, fmt.Errorf("tools: no instance bound")
	}
	inst, err := p.resolver.GetByID(ctx, instanceID)
	if err != nil {
		return nil, fmt.Errorf("tools: resolve instance %s: %w", instanceID, err)
	}
	if inst == nil {
		return nil, fmt.Errorf("tools: instance %s not found", instanceID)
	}
	return p.connect(inst.ConnectionURL)
}

func (p *Provider) runInfoSection(ctx context.Context, args map[string]any, section string) (ports.ToolResult, error) {
	rdb, err := p.instanceClient(ctx, args)
	if err != nil {
		return ports.ToolResult{}, err
	}
	defer rdb.Close()
	info, err := rdb.Info(ctx, section).Result()
	if err != nil {
		return ports.ToolResult{}, fmt.Errorf("tools: INFO %s: %w", section, err)
	}
	return ports.ToolResult{Content: info}, nil
}

func (p *Provider) slowlog(ctx context.Context, args map[string]any) (ports.ToolResult, error) {
	rdb, err := p.instanceClient(ctx, args)
	if err != nil {
		return ports.ToolResult{}, err
	}
	defer rdb.Close()
	entries, err := rdb.SlowLogGet(ctx, 10).Result()
	if err != nil {
		return ports.ToolResult{}, fmt.Errorf("tools: SLOWLOG GET: %w", err)
	}
	if len(entries) == 0 {
		return ports.ToolResult{Content: "Slowlog is empty."}, nil
	}
	var b strings.Builder
	for _, e := range entries {
		fmt.Fprintf(&b, "#%d %s dur=%s args=%s\n",
			e.ID, e.Time.UTC().Format(time.RFC3339), e.Duration, strings.Join(e.Args, " "))
	}
	return ports.ToolResult{Content: b.String()}, nil
}

func (p *Provider) health(ctx context.Context, args map[string]any) (ports.ToolResult, error) {
	rdb, err := p.instanceClient(ctx, args)
	if err != nil {
		return ports.ToolResult{}, err
	}
	defer rdb.Close()

	start := time.Now()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return ports.ToolResult{Content: "PING failed: " + err.Error()}, nil
	}
	latency := time.Since(start)

	info, err := rdb.Info(ctx, "server", "replication").Result()
	if err != nil {
		return ports.ToolResult{}, fmt.Errorf("tools: INFO: %w", err)
	}
	return ports.ToolResult{Content: fmt.Sprintf("PING ok (%s)\n\n%s", latency, info)}, nil
}

// Specs returns the registration specs for every built-in tool, for feeding
// a dispatcher ToolRegistry.
func Specs() []dispatcher.ToolSpec {
	return []dispatcher.ToolSpec{
		{Name: KnowledgeSearch, Description: "Search the operational knowledge base", Required: []string{"query"}},
		{Name: CheckMemory, Description: "Fetch INFO memory from the bound Redis instance"},
		{Name: CheckSlowlog, Description: "Fetch the 10 most recent slowlog entries"},
		{Name: CheckClients, Description: "Fetch INFO clients from the bound Redis instance"},
		{Name: HealthCheck, Description: "PING the bound instance and fetch server/replication info"},
	}
}
