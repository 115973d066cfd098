// Package dispatcher runs one agent turn per queued task: it binds the
// thread's instance context, routes the query to one of the three agent
// strategies, drives the bounded tool loop against the LLM, fact-checks the
// draft answer, and persists progress and results through the thread and
// task stores.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis-sre/agentcore/pkg/logger"
	"github.com/redis-sre/agentcore/pkg/metrics"
	"github.com/redis-sre/agentcore/pkg/model"
	"github.com/redis-sre/agentcore/pkg/ports"
	"github.com/redis-sre/agentcore/pkg/qa"
	"github.com/redis-sre/agentcore/pkg/queue"
	"github.com/redis-sre/agentcore/pkg/task"
	"github.com/redis-sre/agentcore/pkg/taskfn"
	"github.com/redis-sre/agentcore/pkg/thread"
)

// ErrBadTurnArgs marks a malformed process_agent_turn submission. Wrapped
// with queue.ErrPermanent so the runtime dead-letters it instead of
// retrying.
var ErrBadTurnArgs = errors.New("dispatcher: turn needs thread_id and message")

// Config tunes one Dispatcher instance.
type Config struct {
	// MaxIterations bounds the tool loop per turn.
	MaxIterations int
	// LLMTimeout bounds each primary-model call.
	LLMTimeout time.Duration
	// TurnSoftBudget is the wall-clock point past which a turn emits a
	// warning update. It never aborts the turn on its own.
	TurnSoftBudget time.Duration
	// CompactHistoryLen is how many trailing transcript messages a
	// knowledge-only agent sees. Redis agents always get the full
	// transcript.
	CompactHistoryLen int
	// RetryAttempts/RetryInitialDelay are the submission retry policy for
	// agent turns.
	RetryAttempts     int
	RetryInitialDelay time.Duration
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		MaxIterations:     10,
		LLMTimeout:        60 * time.Second,
		TurnSoftBudget:    5 * time.Minute,
		CompactHistoryLen: 6,
		RetryAttempts:     3,
		RetryInitialDelay: 5 * time.Second,
	}
}

// Dispatcher owns everything one agent turn touches.
type Dispatcher struct {
	threads     *thread.Store
	tasks       *task.Store
	queue       *queue.Client
	router      ports.Router
	llm         ports.LLMClient
	tools       *ToolRegistry
	provisioner InstanceProvisioner // optional
	qa          *qa.Store           // optional
	cfg         Config
}

// New constructs a Dispatcher. provisioner and qaStore may be nil, which
// disables instance auto-provisioning and QA record writing respectively.
func New(threads *thread.Store, tasks *task.Store, q *queue.Client, router ports.Router,
	llm ports.LLMClient, tools *ToolRegistry, provisioner InstanceProvisioner,
	qaStore *qa.Store, cfg Config) *Dispatcher {
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = DefaultConfig().MaxIterations
	}
	if cfg.LLMTimeout <= 0 {
		cfg.LLMTimeout = DefaultConfig().LLMTimeout
	}
	if cfg.CompactHistoryLen <= 0 {
		cfg.CompactHistoryLen = DefaultConfig().CompactHistoryLen
	}
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = DefaultConfig().RetryAttempts
	}
	if cfg.RetryInitialDelay <= 0 {
		cfg.RetryInitialDelay = DefaultConfig().RetryInitialDelay
	}
	return &Dispatcher{
		threads: threads, tasks: tasks, queue: q, router: router, llm: llm,
		tools: tools, provisioner: provisioner, qa: qaStore, cfg: cfg,
	}
}

// RegisterOn registers the agent-turn handler with the queue runtime.
func (d *Dispatcher) RegisterOn(q *queue.Client) {
	q.Register(taskfn.ProcessAgentTurn, d.handle)
}

// SubmitTurnRequest is the single entry point for starting a turn from the
// outside (HTTP API, CLI). ThreadID is optional; when empty a new thread is
// created around the message.
type SubmitTurnRequest struct {
	Message        string
	ThreadID       string
	UserID         string
	Context        map[string]any
	PreferredAgent string
}

// SubmitTurnResult reports the created task and its thread.
type SubmitTurnResult struct {
	TaskID   string
	ThreadID string
	Status   model.TaskStatus
}

// SubmitTurn ensures a thread exists, creates the task record, and enqueues
// a process_agent_turn entry serialized per thread.
func (d *Dispatcher) SubmitTurn(ctx context.Context, req SubmitTurnRequest) (SubmitTurnResult, error) {
	if req.Message == "" {
		return SubmitTurnResult{}, fmt.Errorf("submit turn: empty message")
	}

	threadID := req.ThreadID
	if threadID == "" {
		initial := map[string]any{"original_query": req.Message}
		for k, v := range req.Context {
			initial[k] = v
		}
		id, err := d.threads.CreateThread(ctx, req.UserID, "", initial, nil)
		if err != nil {
			return SubmitTurnResult{}, fmt.Errorf("submit turn: %w", err)
		}
		if err := d.threads.UpdateSubject(ctx, id, req.Message); err != nil {
			logger.Log.Warn().Err(err).Str("thread_id", id).Msg("failed to seed thread subject")
		}
		threadID = id
	} else if _, err := d.threads.GetThread(ctx, threadID); err != nil {
		return SubmitTurnResult{}, fmt.Errorf("submit turn: %w", err)
	}

	taskID, err := d.tasks.CreateTask(ctx, threadID, req.UserID, thread.DeriveSubject(req.Message))
	if err != nil {
		return SubmitTurnResult{}, fmt.Errorf("submit turn: %w", err)
	}

	args := map[string]any{
		"thread_id": threadID,
		"message":   req.Message,
		"task_id":   taskID,
	}
	if req.Context != nil {
		args["context"] = req.Context
	}
	if req.PreferredAgent != "" {
		args["preferred_agent"] = req.PreferredAgent
	}

	if _, err := d.queue.Submit(ctx, taskfn.ProcessAgentTurn, args, queue.SubmitOptions{
		ConcurrencyKey: threadID,
		MaxConcurrent:  1,
		RetryPolicy:    queue.RetryPolicy{Attempts: d.cfg.RetryAttempts, InitialDelay: d.cfg.RetryInitialDelay},
	}); err != nil {
		return SubmitTurnResult{}, fmt.Errorf("submit turn: %w", err)
	}

	return SubmitTurnResult{TaskID: taskID, ThreadID: threadID, Status: model.TaskQueued}, nil
}

// handle adapts queue args onto ProcessAgentTurn.
func (d *Dispatcher) handle(ctx context.Context, args map[string]any) (map[string]any, error) {
	threadID := stringField(args, "thread_id")
	message := stringField(args, "message")
	if threadID == "" || message == "" {
		return nil, fmt.Errorf("%w: %w", queue.ErrPermanent, ErrBadTurnArgs)
	}
	clientCtx, _ := args["context"].(map[string]any)
	var prefs *ports.UserPreferences
	if preferred := stringField(args, "preferred_agent"); preferred != "" {
		prefs = &ports.UserPreferences{PreferredAgent: preferred}
	}
	return d.ProcessAgentTurn(ctx, threadID, message, clientCtx, stringField(args, "task_id"), prefs)
}

// ProcessAgentTurn consumes one message for a thread and runs one agent
// turn end to end. A nil error with a nil result map means the turn was
// cancelled; the task has already been transitioned.
func (d *Dispatcher) ProcessAgentTurn(ctx context.Context, threadID, message string, clientCtx map[string]any, taskID string, prefs *ports.UserPreferences) (map[string]any, error) {
	turnStart := time.Now()

	if taskID == "" {
		id, err := d.tasks.CreateTask(ctx, threadID, "", thread.DeriveSubject(message))
		if err != nil {
			return nil, fmt.Errorf("process turn: %w", err)
		}
		taskID = id
	}

	if err := d.tasks.UpdateStatus(ctx, taskID, model.TaskInProgress); err != nil {
		return nil, fmt.Errorf("process turn: %w", err)
	}
	d.emit(ctx, threadID, taskID, "Agent turn started", "status", nil)

	result, err := d.runTurn(ctx, threadID, taskID, message, clientCtx, prefs, turnStart)
	if err != nil {
		if ctx.Err() != nil {
			d.cancelTurn(threadID, taskID)
			return nil, nil
		}
		d.failTurn(ctx, threadID, taskID, err)
		return nil, err
	}
	return result, nil
}

// runTurn is the fallible body of a turn; ProcessAgentTurn owns the error
// and cancellation paths around it.
func (d *Dispatcher) runTurn(ctx context.Context, threadID, taskID, message string, clientCtx map[string]any, prefs *ports.UserPreferences, turnStart time.Time) (map[string]any, error) {
	th, err := d.threads.GetThread(ctx, threadID)
	if err != nil {
		return nil, fmt.Errorf("load thread: %w", err)
	}

	if th.Metadata.Subject == "" {
		if err := d.threads.UpdateSubject(ctx, threadID, message); err != nil {
			logger.Log.Warn().Err(err).Str("thread_id", threadID).Msg("failed to seed subject")
		}
	}

	instanceID := d.resolveInstanceID(ctx, th, clientCtx, message)
	merged := mergedContext(th.Context, clientCtx, instanceID)
	if instanceID != "" && stringField(th.Context, "instance_id") != instanceID {
		if err := d.threads.UpdateContext(ctx, threadID, map[string]any{"instance_id": instanceID}, true); err != nil {
			logger.Log.Warn().Err(err).Str("thread_id", threadID).Msg("failed to persist instance binding")
		}
	}

	kind, err := d.router.Route(ctx, message, merged, prefs)
	if err != nil {
		return nil, fmt.Errorf("route: %w", err)
	}
	d.emit(ctx, threadID, taskID, fmt.Sprintf("Routed to %s agent", kind), "status", map[string]any{"agent_kind": string(kind)})

	profile := profileFor(kind, d.tools)
	transcript := d.buildTranscript(th, profile, message, instanceID)

	loop, err := d.runToolLoop(ctx, threadID, taskID, transcript, profile, turnStart)
	if err != nil {
		return nil, err
	}

	content := loop.content
	factCheck := map[string]any{"has_errors": false}
	corrected := false
	if !loop.capped && content != "" {
		verdict, fcErr := checkFacts(ctx, d.llm, content, loop.evidence())
		if fcErr != nil {
			logger.Log.Warn().Err(fcErr).Str("task_id", taskID).Msg("fact check failed, keeping draft")
		} else if verdict.HasErrors {
			d.emit(ctx, threadID, taskID,
				fmt.Sprintf("Fact check found %d issue(s), running corrective turn", len(verdict.Errors)),
				"fact_check", map[string]any{"errors": verdict.Errors})
			content = d.correctiveTurn(ctx, threadID, taskID, loop, verdict, turnStart)
			corrected = true
			factCheck = map[string]any{"has_errors": true, "errors": verdict.Errors, "corrected": true}
		}
	}

	d.persistTranscript(ctx, threadID, message, content)

	resultMeta := map[string]any{
		"iteration_limit_reached": loop.capped,
		"iterations":              loop.iterations,
		"fact_check":              factCheck,
	}
	if instanceID != "" {
		resultMeta["instance_id"] = instanceID
	}
	result := map[string]any{
		"response":   content,
		"agent_kind": string(kind),
		"metadata":   resultMeta,
	}

	if err := d.tasks.SetResult(ctx, taskID, result); err != nil {
		return nil, fmt.Errorf("set task result: %w", err)
	}
	if err := d.threads.SetResult(ctx, threadID, result); err != nil {
		logger.Log.Warn().Err(err).Str("thread_id", threadID).Msg("failed to set thread result")
	}
	d.emit(ctx, threadID, taskID, "Turn complete", "turn_complete", map[string]any{"agent_kind": string(kind)})

	if d.qa != nil && !loop.capped && !corrected && content != "" {
		if _, err := d.qa.Write(ctx, threadID, taskID, stringField(merged, "user_id"), message, content, loop.toolsUsed()); err != nil {
			logger.Log.Warn().Err(err).Str("task_id", taskID).Msg("failed to write qa record")
		}
	}

	metrics.TurnDuration.WithLabelValues(string(kind)).Observe(time.Since(turnStart).Seconds())
	metrics.TurnIterations.WithLabelValues(string(kind)).Observe(float64(loop.iterations))
	return result, nil
}

// loopState is what one bounded tool loop produces.
type loopState struct {
	content    string
	capped     bool
	iterations int
	transcript []ports.Message
	toolCalls  []executedCall
}

type executedCall struct {
	name   string
	output string
}

func (l *loopState) evidence() string {
	if len(l.toolCalls) == 0 {
		return ""
	}
	var b strings.Builder
	for _, c := range l.toolCalls {
		fmt.Fprintf(&b, "[%s]\n%s\n\n", c.name, c.output)
	}
	return b.String()
}

func (l *loopState) toolsUsed() []string {
	seen := map[string]bool{}
	var names []string
	for _, c := range l.toolCalls {
		if !seen[c.name] {
			seen[c.name] = true
			names = append(names, c.name)
		}
	}
	return names
}

// runToolLoop drives LLM -> tool calls -> LLM until the model answers with
// plain content or the iteration cap trips.
func (d *Dispatcher) runToolLoop(ctx context.Context, threadID, taskID string, transcript []ports.Message, profile agentProfile, turnStart time.Time) (*loopState, error) {
	state := &loopState{transcript: transcript}
	warned := false

	for state.iterations < d.cfg.MaxIterations {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		state.iterations++

		if !warned && d.cfg.TurnSoftBudget > 0 && time.Since(turnStart) > d.cfg.TurnSoftBudget {
			warned = true
			d.emit(ctx, threadID, taskID, "Turn is over its soft time budget", "warning",
				map[string]any{"elapsed": time.Since(turnStart).String()})
		}

		callCtx, cancel := context.WithTimeout(ctx, d.cfg.LLMTimeout)
		resp, err := d.llm.Invoke(callCtx, state.transcript, profile.tools, d.cfg.LLMTimeout)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("llm invoke: %w", err)
		}

		if len(resp.ToolCalls) == 0 {
			state.content = resp.Content
			state.transcript = append(state.transcript, ports.Message{Role: "assistant", Content: resp.Content})
			return state, nil
		}

		// Track the best draft so an eventual cap still has content to
		// return.
		if resp.Content != "" {
			state.content = resp.Content
		}

		state.transcript = append(state.transcript, ports.Message{
			Role: "assistant", Content: resp.Content, ToolCalls: resp.ToolCalls,
		})
		for _, call := range resp.ToolCalls {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			d.emit(ctx, threadID, taskID, "Running "+call.Name, "tool_call", map[string]any{"tool": call.Name})

			output := d.executeTool(ctx, call)
			state.toolCalls = append(state.toolCalls, executedCall{name: call.Name, output: output})
			state.transcript = append(state.transcript, ports.Message{
				Role: "tool", ToolCallID: call.ID, Content: output,
			})
		}
	}

	state.capped = true
	if state.content == "" {
		state.content = "The investigation hit its iteration limit before reaching a conclusion. " +
			"Partial findings are recorded in the task updates."
	}
	d.emit(ctx, threadID, taskID, "Iteration limit reached", "warning",
		map[string]any{"iteration_limit_reached": true})
	return state, nil
}

// executeTool runs one tool call, turning failures into tool-message text so
// the model can react instead of the whole turn dying.
func (d *Dispatcher) executeTool(ctx context.Context, call ports.ToolCall) string {
	result, err := d.tools.Execute(ctx, call.Name, call.Args)
	if err != nil {
		return "tool error: " + err.Error()
	}
	if result.Error != "" {
		return "tool error: " + result.Error
	}
	return result.Content
}

// correctiveTurn runs one follow-up investigation from a fact-check verdict
// and returns the corrected response. Failures degrade to the original
// draft annotated with the checker's findings.
func (d *Dispatcher) correctiveTurn(ctx context.Context, threadID, taskID string, loop *loopState, verdict factCheckVerdict, turnStart time.Time) string {
	research := strings.Join(verdict.SuggestedResearch, ", ")
	instruction := "A fact check flagged these issues with your draft:\n- " + strings.Join(verdict.Errors, "\n- ")
	if research != "" {
		instruction += "\n\nInvestigate the following before correcting: " + research
	}
	instruction += "\n\nProduce a corrected response."

	transcript := append(loop.transcript, ports.Message{Role: "user", Content: instruction})
	profile := agentProfile{systemPrompt: "", tools: d.tools.Names()}

	corrective, err := d.runToolLoop(ctx, threadID, taskID, transcript, profile, turnStart)
	if err != nil || corrective.content == "" {
		logger.Log.Warn().Err(err).Str("task_id", taskID).Msg("corrective turn failed, annotating draft")
		return "## Corrected Response\n\n" + loop.content +
			"\n\n*Note: a fact check flagged issues (" + strings.Join(verdict.Errors, "; ") +
			") that could not be automatically corrected.*"
	}

	out := "## Corrected Response\n\n" + corrective.content
	if len(corrective.toolCalls) > 0 {
		out += "\n\n### Investigation summary\n"
		for _, c := range corrective.toolCalls {
			out += "- " + c.name + "\n"
		}
	}
	return out
}

// persistTranscript appends the turn's user/assistant exchange to the
// thread's stored messages. Tool messages never persist between turns.
func (d *Dispatcher) persistTranscript(ctx context.Context, threadID, userMessage, assistantContent string) {
	th, err := d.threads.GetThread(ctx, threadID)
	if err != nil {
		logger.Log.Warn().Err(err).Str("thread_id", threadID).Msg("failed to reload thread for transcript")
		return
	}
	now := time.Now().UTC()
	messages := append(storedMessages(th.Context),
		model.Message{Role: "user", Content: userMessage, Timestamp: now},
		model.Message{Role: "assistant", Content: assistantContent, Timestamp: now},
	)
	if err := d.threads.UpdateContext(ctx, threadID, map[string]any{"messages": messages}, true); err != nil {
		logger.Log.Warn().Err(err).Str("thread_id", threadID).Msg("failed to persist transcript")
	}
}

// buildTranscript assembles the message list for this turn's first LLM
// call: system prompt, prior conversation (compact for knowledge-only
// agents), then the new user message.
func (d *Dispatcher) buildTranscript(th *model.Thread, profile agentProfile, message, instanceID string) []ports.Message {
	var transcript []ports.Message
	system := profile.systemPrompt
	if instanceID != "" {
		system += "\n\nA Redis instance is bound to this conversation (instance_id: " + instanceID + "). Diagnostic tools run against it."
	}
	transcript = append(transcript, ports.Message{Role: "system", Content: system})

	history := storedMessages(th.Context)
	if profile.compactHistory && len(history) > d.cfg.CompactHistoryLen {
		history = history[len(history)-d.cfg.CompactHistoryLen:]
	}
	for _, m := range history {
		if m.Role == "user" || m.Role == "assistant" {
			transcript = append(transcript, ports.Message{Role: m.Role, Content: m.Content})
		}
	}

	return append(transcript, ports.Message{Role: "user", Content: message})
}

// failTurn applies the error path: on the final attempt the task and thread
// are marked failed; earlier attempts only record the error so the retry
// can still complete the same task record.
func (d *Dispatcher) failTurn(ctx context.Context, threadID, taskID string, turnErr error) {
	attempt := queue.Attempt(ctx)
	d.emit(ctx, threadID, taskID, "Turn failed: "+turnErr.Error(), "error",
		map[string]any{"attempt": attempt.Attempt, "max_attempts": attempt.MaxAttempts})

	if !attempt.Final() && !errors.Is(turnErr, queue.ErrPermanent) {
		return
	}
	if err := d.tasks.SetError(ctx, taskID, turnErr.Error()); err != nil {
		logger.Log.Warn().Err(err).Str("task_id", taskID).Msg("failed to mark task failed")
	}
	if err := d.threads.SetError(ctx, threadID, turnErr.Error()); err != nil {
		logger.Log.Warn().Err(err).Str("thread_id", threadID).Msg("failed to mark thread failed")
	}
}

// cancelTurn transitions a cancelled turn's task and emits the final
// cancelled update. Store writes use a detached context since the turn's
// own context is already dead.
func (d *Dispatcher) cancelTurn(threadID, taskID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.tasks.UpdateStatus(ctx, taskID, model.TaskCancelled); err != nil {
		logger.Log.Warn().Err(err).Str("task_id", taskID).Msg("failed to mark task cancelled")
	}
	d.emit(ctx, threadID, taskID, "Turn cancelled", "cancelled", nil)
}

// emit fans one progress update out to both the task and its thread; the
// thread copy carries the task id so clients can group updates per task.
func (d *Dispatcher) emit(ctx context.Context, threadID, taskID, message, updateType string, metadata map[string]any) {
	if err := d.tasks.AppendUpdate(ctx, taskID, message, updateType, metadata); err != nil {
		logger.Log.Warn().Err(err).Str("task_id", taskID).Msg("failed to append task update")
	}
	threadMeta := map[string]any{"task_id": taskID}
	for k, v := range metadata {
		threadMeta[k] = v
	}
	if err := d.threads.AppendUpdate(ctx, threadID, message, updateType, threadMeta); err != nil {
		logger.Log.Warn().Err(err).Str("thread_id", threadID).Msg("failed to append thread update")
	}
}

// mergedContext overlays the client-supplied context on the thread's
// persisted context, with the resolved instance binding on top.
func mergedContext(threadCtx, clientCtx map[string]any, instanceID string) map[string]any {
	merged := map[string]any{}
	for k, v := range threadCtx {
		merged[k] = v
	}
	for k, v := range clientCtx {
		merged[k] = v
	}
	if instanceID != "" {
		merged["instance_id"] = instanceID
	}
	return merged
}

// storedMessages decodes the thread context's transcript, tolerating both
// the typed shape (fresh in-memory contexts) and the generic map shape a
// JSON round-trip through Redis produces.
func storedMessages(threadCtx map[string]any) []model.Message {
	raw, ok := threadCtx["messages"]
	if !ok {
		return nil
	}
	switch v := raw.(type) {
	case []model.Message:
		return v
	case []any:
		messages := make([]model.Message, 0, len(v))
		for _, item := range v {
			m, ok := item.(map[string]any)
			if !ok {
				continue
			}
			msg := model.Message{
				Role:    stringField(m, "role"),
				Content: stringField(m, "content"),
			}
			if ts := stringField(m, "timestamp"); ts != "" {
				msg.Timestamp, _ = time.Parse(time.RFC3339Nano, ts)
			}
			messages = append(messages, msg)
		}
		return messages
	default:
		return nil
	}
}
