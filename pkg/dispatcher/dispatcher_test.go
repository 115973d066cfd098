package dispatcher

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/redis-sre/agentcore/pkg/index"
	"github.com/redis-sre/agentcore/pkg/model"
	"github.com/redis-sre/agentcore/pkg/ports"
	"github.com/redis-sre/agentcore/pkg/queue"
	"github.com/redis-sre/agentcore/pkg/task"
	"github.com/redis-sre/agentcore/pkg/thread"
)

func setupTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	s, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	t.Cleanup(s.Close)
	return s, redis.NewClient(&redis.Options{Addr: s.Addr()})
}

// scriptedLLM replays a fixed sequence of primary-model responses and a
// fixed sequence of nano responses, repeating the last entry when the
// script runs out.
type scriptedLLM struct {
	mu        sync.Mutex
	responses []ports.LLMResponse
	nano      []string
	calls     int
	nanoCalls int
	err       error
	block     chan struct{} // non-nil: Invoke waits for ctx cancellation
}

func (s *scriptedLLM) Invoke(ctx context.Context, messages []ports.Message, tools []string, timeout time.Duration) (ports.LLMResponse, error) {
	if s.block != nil {
		select {
		case <-ctx.Done():
			return ports.LLMResponse{}, ctx.Err()
		case <-s.block:
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return ports.LLMResponse{}, s.err
	}
	i := s.calls
	s.calls++
	if i >= len(s.responses) {
		i = len(s.responses) - 1
	}
	if i < 0 {
		return ports.LLMResponse{Content: "ok"}, nil
	}
	return s.responses[i], nil
}

func (s *scriptedLLM) InvokeNano(ctx context.Context, messages []ports.Message, timeout time.Duration) (ports.LLMResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.nanoCalls
	s.nanoCalls++
	if len(s.nano) == 0 {
		return ports.LLMResponse{Content: `{"has_errors": false, "errors": [], "suggested_research": []}`}, nil
	}
	if i >= len(s.nano) {
		i = len(s.nano) - 1
	}
	return ports.LLMResponse{Content: s.nano[i]}, nil
}

// fixedRouter always picks one agent kind.
type fixedRouter struct{ kind ports.AgentKind }

func (r fixedRouter) Route(ctx context.Context, query string, context map[string]any, prefs *ports.UserPreferences) (ports.AgentKind, error) {
	return r.kind, nil
}

// recordingProvider records every tool execution and returns canned output.
type recordingProvider struct {
	mu    sync.Mutex
	calls []string
	out   string
}

func (p *recordingProvider) Execute(ctx context.Context, toolName string, args map[string]any) (ports.ToolResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, toolName)
	out := p.out
	if out == "" {
		out = "tool output"
	}
	return ports.ToolResult{Content: out}, nil
}

func (p *recordingProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}

type fixture struct {
	threads  *thread.Store
	tasks    *task.Store
	queue    *queue.Client
	llm      *scriptedLLM
	provider *recordingProvider
	d        *Dispatcher
}

func setup(t *testing.T, llm *scriptedLLM, kind ports.AgentKind, cfg Config) *fixture {
	t.Helper()
	_, rdb := setupTestRedis(t)
	idx := index.NewManager(rdb)
	threads := thread.NewStore(rdb, idx)
	tasks := task.NewStore(rdb, idx)
	q := queue.NewClient(rdb)

	provider := &recordingProvider{}
	tools := NewToolRegistry(provider, nil)
	for _, spec := range []ToolSpec{
		{Name: "check_memory"},
		{Name: "check_slowlog"},
		{Name: "knowledge_search"},
	} {
		if err := tools.Register(spec); err != nil {
			t.Fatalf("Register failed: %v", err)
		}
	}

	d := New(threads, tasks, q, fixedRouter{kind: kind}, llm, tools, nil, nil, cfg)
	d.RegisterOn(q)
	return &fixture{threads: threads, tasks: tasks, queue: q, llm: llm, provider: provider, d: d}
}

func TestSubmitTurnCreatesThreadAndTask(t *testing.T) {
	f := setup(t, &scriptedLLM{}, ports.AgentRedisChat, Config{})
	ctx := context.Background()

	res, err := f.d.SubmitTurn(ctx, SubmitTurnRequest{Message: "Check Redis memory\nsecond line", UserID: "u1"})
	if err != nil {
		t.Fatalf("SubmitTurn failed: %v", err)
	}
	if res.ThreadID == "" || res.TaskID == "" {
		t.Fatalf("expected ids, got %+v", res)
	}
	if res.Status != model.TaskQueued {
		t.Errorf("expected queued, got %s", res.Status)
	}

	th, err := f.threads.GetThread(ctx, res.ThreadID)
	if err != nil {
		t.Fatalf("GetThread failed: %v", err)
	}
	if th.Metadata.Subject != "Check Redis memory" {
		t.Errorf("expected subject seeded from first line, got %q", th.Metadata.Subject)
	}
	if th.Context["original_query"] != "Check Redis memory\nsecond line" {
		t.Errorf("expected original_query in context, got %v", th.Context["original_query"])
	}

	tk, err := f.tasks.GetTaskState(ctx, res.TaskID)
	if err != nil {
		t.Fatalf("GetTaskState failed: %v", err)
	}
	if tk.ThreadID != res.ThreadID {
		t.Errorf("task not linked to thread: %+v", tk)
	}
}

func TestSubmitTurnUnknownThread(t *testing.T) {
	f := setup(t, &scriptedLLM{}, ports.AgentRedisChat, Config{})
	if _, err := f.d.SubmitTurn(context.Background(), SubmitTurnRequest{Message: "hi", ThreadID: "missing"}); !errors.Is(err, thread.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestProcessAgentTurnSimpleAnswer(t *testing.T) {
	llm := &scriptedLLM{responses: []ports.LLMResponse{{Content: "Memory usage is healthy."}}}
	f := setup(t, llm, ports.AgentRedisChat, Config{})
	ctx := context.Background()

	threadID, err := f.threads.CreateThread(ctx, "u1", "", nil, nil)
	if err != nil {
		t.Fatalf("CreateThread failed: %v", err)
	}

	result, err := f.d.ProcessAgentTurn(ctx, threadID, "How is memory?", nil, "", nil)
	if err != nil {
		t.Fatalf("ProcessAgentTurn failed: %v", err)
	}
	if result["response"] != "Memory usage is healthy." {
		t.Errorf("unexpected response: %v", result["response"])
	}

	tasks, err := f.tasks.ListTasks(ctx, task.ListOptions{ThreadID: threadID, ShowAll: true, Limit: 10})
	if err != nil || len(tasks) != 1 {
		t.Fatalf("expected 1 task, got %d (%v)", len(tasks), err)
	}
	tk, err := f.tasks.GetTaskState(ctx, tasks[0].TaskID)
	if err != nil {
		t.Fatalf("GetTaskState failed: %v", err)
	}
	if tk.Status != model.TaskDone {
		t.Errorf("expected done, got %s", tk.Status)
	}
	if tk.Result["response"] != "Memory usage is healthy." {
		t.Errorf("result not persisted: %v", tk.Result)
	}

	var sawStart, sawComplete bool
	for _, u := range tk.Updates {
		switch u.UpdateType {
		case "status":
			sawStart = true
		case "turn_complete":
			sawComplete = true
		}
	}
	if !sawStart || !sawComplete {
		t.Errorf("expected start and turn_complete updates, got %+v", tk.Updates)
	}

	th, err := f.threads.GetThread(ctx, threadID)
	if err != nil {
		t.Fatalf("GetThread failed: %v", err)
	}
	messages := storedMessages(th.Context)
	if len(messages) != 2 || messages[0].Role != "user" || messages[1].Role != "assistant" {
		t.Fatalf("expected persisted user+assistant transcript, got %+v", messages)
	}
	if th.FinalResult == nil {
		t.Errorf("expected thread final result set")
	}
}

func TestToolLoopExecutesCallsInOrder(t *testing.T) {
	llm := &scriptedLLM{responses: []ports.LLMResponse{
		{ToolCalls: []ports.ToolCall{
			{ID: "c1", Name: "check_memory", Args: map[string]any{}},
			{ID: "c2", Name: "check_slowlog", Args: map[string]any{}},
		}},
		{Content: "Both checks look fine."},
	}}
	f := setup(t, llm, ports.AgentRedisTriage, Config{})
	ctx := context.Background()

	threadID, _ := f.threads.CreateThread(ctx, "u1", "", nil, nil)
	result, err := f.d.ProcessAgentTurn(ctx, threadID, "run a full health check", nil, "", nil)
	if err != nil {
		t.Fatalf("ProcessAgentTurn failed: %v", err)
	}
	if result["response"] != "Both checks look fine." {
		t.Errorf("unexpected response: %v", result["response"])
	}

	f.provider.mu.Lock()
	calls := append([]string(nil), f.provider.calls...)
	f.provider.mu.Unlock()
	if len(calls) != 2 || calls[0] != "check_memory" || calls[1] != "check_slowlog" {
		t.Fatalf("expected ordered tool calls, got %v", calls)
	}
}

func TestIterationCapTerminatesTurnAsDone(t *testing.T) {
	llm := &scriptedLLM{responses: []ports.LLMResponse{
		{ToolCalls: []ports.ToolCall{{ID: "c", Name: "check_memory", Args: map[string]any{}}}},
	}}
	f := setup(t, llm, ports.AgentRedisTriage, Config{MaxIterations: 3})
	ctx := context.Background()

	threadID, _ := f.threads.CreateThread(ctx, "u1", "", nil, nil)
	result, err := f.d.ProcessAgentTurn(ctx, threadID, "investigate", nil, "", nil)
	if err != nil {
		t.Fatalf("ProcessAgentTurn failed: %v", err)
	}

	meta, ok := result["metadata"].(map[string]any)
	if !ok || meta["iteration_limit_reached"] != true {
		t.Fatalf("expected iteration_limit_reached, got %v", result["metadata"])
	}
	if result["response"] == "" {
		t.Errorf("expected non-empty content at cap")
	}
	if f.provider.callCount() != 3 {
		t.Errorf("expected 3 tool executions, got %d", f.provider.callCount())
	}

	tasks, _ := f.tasks.ListTasks(ctx, task.ListOptions{ThreadID: threadID, ShowAll: true, Limit: 10})
	tk, err := f.tasks.GetTaskState(ctx, tasks[0].TaskID)
	if err != nil {
		t.Fatalf("GetTaskState failed: %v", err)
	}
	if tk.Status != model.TaskDone {
		t.Errorf("capped turn should finish done, got %s", tk.Status)
	}
}

func TestFactCheckRunsCorrectiveTurn(t *testing.T) {
	llm := &scriptedLLM{
		responses: []ports.LLMResponse{
			{Content: "maxmemory-policy defaults to allkeys-lru."},
			{ToolCalls: []ports.ToolCall{{ID: "r1", Name: "knowledge_search", Args: map[string]any{}}}},
			{Content: "maxmemory-policy defaults to noeviction."},
		},
		nano: []string{
			`{"has_errors": true, "errors": ["wrong default for maxmemory-policy"], "suggested_research": ["maxmemory-policy"]}`,
		},
	}
	f := setup(t, llm, ports.AgentKnowledgeOnly, Config{})
	ctx := context.Background()

	threadID, _ := f.threads.CreateThread(ctx, "u1", "", nil, nil)
	result, err := f.d.ProcessAgentTurn(ctx, threadID, "what is the default maxmemory policy?", nil, "", nil)
	if err != nil {
		t.Fatalf("ProcessAgentTurn failed: %v", err)
	}

	response, _ := result["response"].(string)
	if !strings.HasPrefix(response, "## Corrected Response") {
		t.Fatalf("expected corrected response header, got %q", response)
	}
	if !strings.Contains(response, "Investigation summary") || !strings.Contains(response, "knowledge_search") {
		t.Errorf("expected corrective tool evidence in response, got %q", response)
	}
}

func TestTurnErrorMarksTaskFailed(t *testing.T) {
	llm := &scriptedLLM{err: errors.New("model unavailable")}
	f := setup(t, llm, ports.AgentRedisChat, Config{})
	ctx := context.Background()

	threadID, _ := f.threads.CreateThread(ctx, "u1", "", nil, nil)
	// No worker attempt info on the context reads as a single final attempt.
	_, err := f.d.ProcessAgentTurn(ctx, threadID, "hello", nil, "", nil)
	if err == nil {
		t.Fatalf("expected error")
	}

	tasks, _ := f.tasks.ListTasks(ctx, task.ListOptions{ThreadID: threadID, ShowAll: true, Limit: 10})
	tk, err := f.tasks.GetTaskState(ctx, tasks[0].TaskID)
	if err != nil {
		t.Fatalf("GetTaskState failed: %v", err)
	}
	if tk.Status != model.TaskFailed {
		t.Errorf("expected failed, got %s", tk.Status)
	}
	if !strings.Contains(tk.ErrorMessage, "model unavailable") {
		t.Errorf("expected error message persisted, got %q", tk.ErrorMessage)
	}

	th, _ := f.threads.GetThread(ctx, threadID)
	if !strings.Contains(th.FinalError, "model unavailable") {
		t.Errorf("expected thread error set, got %q", th.FinalError)
	}
}

func TestCancelledTurnTransitionsToCancelled(t *testing.T) {
	llm := &scriptedLLM{block: make(chan struct{})}
	f := setup(t, llm, ports.AgentRedisChat, Config{})

	rootCtx := context.Background()
	threadID, _ := f.threads.CreateThread(rootCtx, "u1", "", nil, nil)

	turnCtx, cancel := context.WithCancel(rootCtx)
	done := make(chan struct{})
	var result map[string]any
	var turnErr error
	go func() {
		result, turnErr = f.d.ProcessAgentTurn(turnCtx, threadID, "hello", nil, "", nil)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("turn did not return after cancellation")
	}

	if turnErr != nil || result != nil {
		t.Fatalf("cancelled turn should return (nil, nil), got (%v, %v)", result, turnErr)
	}

	tasks, _ := f.tasks.ListTasks(rootCtx, task.ListOptions{ThreadID: threadID, ShowAll: true, Limit: 10})
	tk, err := f.tasks.GetTaskState(rootCtx, tasks[0].TaskID)
	if err != nil {
		t.Fatalf("GetTaskState failed: %v", err)
	}
	if tk.Status != model.TaskCancelled {
		t.Errorf("expected cancelled, got %s", tk.Status)
	}
	last := tk.Updates[len(tk.Updates)-1]
	if last.UpdateType != "cancelled" {
		t.Errorf("expected final cancelled update, got %+v", last)
	}
}

func TestHandleRejectsMalformedArgsPermanently(t *testing.T) {
	f := setup(t, &scriptedLLM{}, ports.AgentRedisChat, Config{})
	_, err := f.d.handle(context.Background(), map[string]any{"message": "no thread"})
	if !errors.Is(err, queue.ErrPermanent) {
		t.Fatalf("expected permanent error, got %v", err)
	}
}

func TestInstanceBindingPersistsIntoThreadContext(t *testing.T) {
	llm := &scriptedLLM{responses: []ports.LLMResponse{{Content: "done"}}}
	f := setup(t, llm, ports.AgentRedisChat, Config{})
	ctx := context.Background()

	threadID, _ := f.threads.CreateThread(ctx, "u1", "", nil, nil)
	_, err := f.d.ProcessAgentTurn(ctx, threadID, "check it", map[string]any{"instance_id": "inst-42"}, "", nil)
	if err != nil {
		t.Fatalf("ProcessAgentTurn failed: %v", err)
	}

	th, _ := f.threads.GetThread(ctx, threadID)
	if th.Context["instance_id"] != "inst-42" {
		t.Errorf("expected client instance binding persisted, got %v", th.Context["instance_id"])
	}
}
