package tools

import (
	"context"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/redis-sre/agentcore/pkg/dispatcher"
	"github.com/redis-sre/agentcore/pkg/index"
	"github.com/redis-sre/agentcore/pkg/instance"
)

func setupProvider(t *testing.T) (*miniredis.Miniredis, *Provider) {
	t.Helper()
	s, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	t.Cleanup(s.Close)
	rdb := redis.NewClient(&redis.Options{Addr: s.Addr()})
	idx := index.NewManager(rdb)
	store := instance.NewStore(rdb, idx, "test-master-key")
	return s, New(instance.NewResolver(store), idx)
}

func TestExecuteUnknownTool(t *testing.T) {
	_, p := setupProvider(t)
	if _, err := p.Execute(context.Background(), "does_not_exist", nil); err == nil {
		t.Fatal("expected error for unknown tool")
	}
}

func TestDiagnosticsRequireBoundInstance(t *testing.T) {
	_, p := setupProvider(t)
	for _, name := range []string{CheckMemory, CheckSlowlog, CheckClients, HealthCheck} {
		if _, err := p.Execute(context.Background(), name, map[string]any{}); err == nil {
			t.Errorf("%s without instance_id should fail", name)
		}
	}
}

func TestKnowledgeSearchNeedsQuery(t *testing.T) {
	_, p := setupProvider(t)
	result, err := p.Execute(context.Background(), KnowledgeSearch, map[string]any{})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if !strings.Contains(result.Error, "query") {
		t.Errorf("expected a tool-level error about the missing query, got %+v", result)
	}
}

func TestSpecsRegisterCleanly(t *testing.T) {
	_, p := setupProvider(t)
	registry := dispatcher.NewToolRegistry(p, nil)
	for _, spec := range Specs() {
		if err := registry.Register(spec); err != nil {
			t.Fatalf("Register(%s) failed: %v", spec.Name, err)
		}
	}
	if len(registry.Names()) != len(Specs()) {
		t.Errorf("expected %d registered tools, got %d", len(Specs()), len(registry.Names()))
	}
}
