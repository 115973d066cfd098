// The CLI is the operator surface: thread and task inspection and purge,
// index administration, and one-shot synchronous agent queries that run the
// full dispatch pipeline in-process.
//
// Exit codes: 0 success, 1 generic failure, 2 referenced entity not found.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/redis-sre/agentcore/pkg/config"
	"github.com/redis-sre/agentcore/pkg/dispatcher"
	"github.com/redis-sre/agentcore/pkg/index"
	"github.com/redis-sre/agentcore/pkg/instance"
	"github.com/redis-sre/agentcore/pkg/keys"
	"github.com/redis-sre/agentcore/pkg/llm"
	"github.com/redis-sre/agentcore/pkg/ports"
	"github.com/redis-sre/agentcore/pkg/qa"
	"github.com/redis-sre/agentcore/pkg/queue"
	"github.com/redis-sre/agentcore/pkg/router"
	"github.com/redis-sre/agentcore/pkg/schedule"
	"github.com/redis-sre/agentcore/pkg/task"
	"github.com/redis-sre/agentcore/pkg/thread"
	"github.com/redis-sre/agentcore/pkg/tools"
)

const (
	exitOK       = 0
	exitFailure  = 1
	exitNotFound = 2
)

func usage() {
	fmt.Fprint(os.Stderr, `usage:
  cli thread list|get|sources|reindex|purge|backfill-search ...
  cli task list|get|purge ...
  cli index list|recreate ...
  cli schedule validate "<cron spec>"
  cli queue dlq [--limit N]
  cli query "<text>" [--redis-instance-id ID] [--support-package-id ID] [--thread-id ID] [--agent auto|triage|chat|knowledge]
`)
}

// app is the CLI's dependency bundle, built once in main.
type app struct {
	cfg       config.Config
	rdb       *redis.Client
	idx       *index.Manager
	threads   *thread.Store
	tasks     *task.Store
	instances *instance.Store
	qa        *qa.Store
	queue     *queue.Client
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(exitFailure)
	}

	cfg := config.Load()
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid REDIS_URL: %v\n", err)
		os.Exit(exitFailure)
	}
	if cfg.RedisPassword != "" {
		opts.Password = cfg.RedisPassword
	}
	rdb := redis.NewClient(opts)
	idx := index.NewManager(rdb)

	a := &app{
		cfg:       cfg,
		rdb:       rdb,
		idx:       idx,
		threads:   thread.NewStore(rdb, idx),
		tasks:     task.NewStore(rdb, idx),
		instances: instance.NewStore(rdb, idx, cfg.MasterKey),
		qa:        qa.NewStore(rdb, idx, nil),
		queue:     queue.NewClient(rdb),
	}

	ctx := context.Background()
	var code int
	switch os.Args[1] {
	case "thread":
		code = a.threadCmd(ctx, os.Args[2:])
	case "task":
		code = a.taskCmd(ctx, os.Args[2:])
	case "index":
		code = a.indexCmd(ctx, os.Args[2:])
	case "schedule":
		code = a.scheduleCmd(os.Args[2:])
	case "queue":
		code = a.queueCmd(ctx, os.Args[2:])
	case "query":
		code = a.queryCmd(ctx, os.Args[2:])
	default:
		usage()
		code = exitFailure
	}
	os.Exit(code)
}

func fail(err error) int {
	fmt.Fprintln(os.Stderr, "error:", err)
	return exitFailure
}

func printJSON(v any) {
	out, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(out))
}

func (a *app) threadCmd(ctx context.Context, args []string) int {
	if len(args) == 0 {
		usage()
		return exitFailure
	}
	switch args[0] {
	case "list":
		fs := flag.NewFlagSet("thread list", flag.ExitOnError)
		userID := fs.String("user-id", "", "filter by user id")
		limit := fs.Int("limit", 20, "max threads")
		fs.Parse(args[1:])
		summaries, err := a.threads.ListThreads(ctx, *userID, *limit, 0)
		if err != nil {
			return fail(err)
		}
		for _, s := range summaries {
			fmt.Printf("%s  %s  %s  %s\n", s.ThreadID, s.UpdatedAt.Format(time.RFC3339), s.UserID, s.Subject)
		}
		return exitOK

	case "get":
		if len(args) < 2 {
			usage()
			return exitFailure
		}
		th, err := a.threads.GetThread(ctx, args[1])
		if errors.Is(err, thread.ErrNotFound) {
			fmt.Fprintln(os.Stderr, "thread not found:", args[1])
			return exitNotFound
		}
		if err != nil {
			return fail(err)
		}
		printJSON(th)
		return exitOK

	case "sources":
		if len(args) < 2 {
			usage()
			return exitFailure
		}
		return a.threadSources(ctx, args[1])

	case "reindex":
		if err := a.idx.RecreateIndex(ctx, keys.ThreadsIndex); err != nil {
			return fail(err)
		}
		return a.backfillSearch(ctx)

	case "backfill-search":
		return a.backfillSearch(ctx)

	case "purge":
		return a.threadPurge(ctx, args[1:])

	default:
		usage()
		return exitFailure
	}
}

// threadSources lists the knowledge sources cited by the thread's QA
// records.
func (a *app) threadSources(ctx context.Context, threadID string) int {
	if _, err := a.threads.GetThread(ctx, threadID); errors.Is(err, thread.ErrNotFound) {
		fmt.Fprintln(os.Stderr, "thread not found:", threadID)
		return exitNotFound
	} else if err != nil {
		return fail(err)
	}

	records, err := a.qa.Search(ctx, fmt.Sprintf("@thread_id:{%s}", threadID), 50)
	if err != nil {
		return fail(err)
	}
	seen := map[string]bool{}
	for _, rec := range records {
		for _, c := range rec.Citations {
			if !seen[c] {
				seen[c] = true
				fmt.Println(c)
			}
		}
	}
	return exitOK
}

// backfillSearch re-projects every thread (and its tasks) from primary KV
// into the FT hash documents, for recovery after an index recreate.
func (a *app) backfillSearch(ctx context.Context) int {
	threadIDs, err := a.rdb.ZRange(ctx, keys.ThreadsZSet, 0, -1).Result()
	if err != nil {
		return fail(err)
	}
	count := 0
	for _, id := range threadIDs {
		th, err := a.threads.GetThread(ctx, id)
		if err != nil {
			continue
		}
		// Touching the subject re-runs the store's doc projection.
		if err := a.threads.SetSubject(ctx, id, th.Metadata.Subject); err != nil {
			fmt.Fprintf(os.Stderr, "backfill %s: %v\n", id, err)
			continue
		}
		taskIDs, _ := a.rdb.ZRange(ctx, keys.ThreadTasksIndex(id), 0, -1).Result()
		for _, taskID := range taskIDs {
			if t, err := a.tasks.GetTaskState(ctx, taskID); err == nil {
				_ = a.tasks.UpdateStatus(ctx, taskID, t.Status)
			}
		}
		count++
	}
	fmt.Printf("backfilled %d threads\n", count)
	return exitOK
}

func (a *app) threadPurge(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("thread purge", flag.ExitOnError)
	olderThan := fs.Duration("older-than", 7*24*time.Hour, "purge threads created before now minus this window")
	includeTasks := fs.Bool("include-tasks", false, "cascade-delete owned tasks")
	yes := fs.Bool("y", false, "skip confirmation")
	fs.Parse(args)

	cutoff := time.Now().UTC().Add(-*olderThan)
	threadIDs, err := a.rdb.ZRange(ctx, keys.ThreadsZSet, 0, -1).Result()
	if err != nil {
		return fail(err)
	}

	var victims []string
	for _, id := range threadIDs {
		th, err := a.threads.GetThread(ctx, id)
		if err != nil {
			continue
		}
		if th.Metadata.CreatedAt.Before(cutoff) {
			victims = append(victims, id)
		}
	}

	if len(victims) == 0 {
		fmt.Println("nothing to purge")
		return exitOK
	}
	if !*yes {
		fmt.Printf("about to delete %d thread(s) created before %s; re-run with -y to confirm\n",
			len(victims), cutoff.Format(time.RFC3339))
		return exitOK
	}

	var cascade func(ctx context.Context, taskID string) error
	if *includeTasks {
		cascade = a.tasks.DeleteTask
	}
	for _, id := range victims {
		if err := a.threads.DeleteThread(ctx, id, *includeTasks, cascade); err != nil {
			fmt.Fprintf(os.Stderr, "purge %s: %v\n", id, err)
		}
	}
	fmt.Printf("purged %d thread(s)\n", len(victims))
	return exitOK
}

func (a *app) taskCmd(ctx context.Context, args []string) int {
	if len(args) == 0 {
		usage()
		return exitFailure
	}
	switch args[0] {
	case "list":
		fs := flag.NewFlagSet("task list", flag.ExitOnError)
		userID := fs.String("user-id", "", "filter by user id")
		status := fs.String("status", "", "filter by status")
		showAll := fs.Bool("show-all", false, "include terminal tasks")
		limit := fs.Int("limit", 20, "max tasks")
		fs.Parse(args[1:])
		summaries, err := a.tasks.ListTasks(ctx, task.ListOptions{
			UserID: *userID, Status: *status, ShowAll: *showAll, Limit: *limit,
		})
		if err != nil {
			return fail(err)
		}
		for _, s := range summaries {
			fmt.Printf("%s  %-11s  %s  %s\n", s.TaskID, s.Status, s.UpdatedAt.Format(time.RFC3339), s.Subject)
		}
		return exitOK

	case "get":
		if len(args) < 2 {
			usage()
			return exitFailure
		}
		t, err := a.tasks.GetTaskState(ctx, args[1])
		if errors.Is(err, task.ErrNotFound) {
			fmt.Fprintln(os.Stderr, "task not found:", args[1])
			return exitNotFound
		}
		if err != nil {
			return fail(err)
		}
		printJSON(t)
		return exitOK

	case "purge":
		fs := flag.NewFlagSet("task purge", flag.ExitOnError)
		olderThan := fs.Duration("older-than", 7*24*time.Hour, "purge terminal tasks updated before now minus this window")
		yes := fs.Bool("y", false, "skip confirmation")
		fs.Parse(args[1:])
		return a.taskPurge(ctx, *olderThan, *yes)

	default:
		usage()
		return exitFailure
	}
}

func (a *app) taskPurge(ctx context.Context, olderThan time.Duration, yes bool) int {
	cutoff := time.Now().UTC().Add(-olderThan)
	threadIDs, err := a.rdb.ZRange(ctx, keys.ThreadsZSet, 0, -1).Result()
	if err != nil {
		return fail(err)
	}

	var victims []string
	for _, threadID := range threadIDs {
		taskIDs, _ := a.rdb.ZRange(ctx, keys.ThreadTasksIndex(threadID), 0, -1).Result()
		for _, id := range taskIDs {
			t, err := a.tasks.GetTaskState(ctx, id)
			if err != nil {
				continue
			}
			if t.Status.IsTerminal() && t.Metadata.UpdatedAt.Before(cutoff) {
				victims = append(victims, id)
			}
		}
	}

	if len(victims) == 0 {
		fmt.Println("nothing to purge")
		return exitOK
	}
	if !yes {
		fmt.Printf("about to delete %d task(s); re-run with -y to confirm\n", len(victims))
		return exitOK
	}
	for _, id := range victims {
		if err := a.tasks.DeleteTask(ctx, id); err != nil {
			fmt.Fprintf(os.Stderr, "purge %s: %v\n", id, err)
		}
	}
	fmt.Printf("purged %d task(s)\n", len(victims))
	return exitOK
}

func (a *app) indexCmd(ctx context.Context, args []string) int {
	if len(args) == 0 {
		usage()
		return exitFailure
	}
	all := []string{
		keys.TasksIndex, keys.ThreadsIndex, keys.SchedulesIndex,
		keys.QAIndex, keys.InstancesIndex, keys.KnowledgeIndex,
	}
	switch args[0] {
	case "list":
		for _, name := range all {
			state := "present"
			if _, err := a.rdb.Do(ctx, "FT.INFO", name).Result(); err != nil {
				state = "missing"
			}
			fmt.Printf("%-16s %s\n", name, state)
		}
		return exitOK

	case "recreate":
		if len(args) < 2 {
			usage()
			return exitFailure
		}
		targets := all
		if args[1] != "all" {
			targets = []string{args[1]}
		}
		for _, name := range targets {
			if err := a.idx.RecreateIndex(ctx, name); err != nil {
				return fail(err)
			}
			fmt.Println("recreated", name)
		}
		return exitOK

	default:
		usage()
		return exitFailure
	}
}

// scheduleCmd holds operator helpers for schedules; validation only, the
// write path lives behind the HTTP API.
func (a *app) scheduleCmd(args []string) int {
	if len(args) < 2 || args[0] != "validate" {
		usage()
		return exitFailure
	}
	if err := schedule.ValidateCronLikeSpec(args[1]); err != nil {
		fmt.Fprintf(os.Stderr, "invalid: %v\n", err)
		return exitFailure
	}
	fmt.Println("valid")
	return exitOK
}

func (a *app) queueCmd(ctx context.Context, args []string) int {
	if len(args) == 0 || args[0] != "dlq" {
		usage()
		return exitFailure
	}
	fs := flag.NewFlagSet("queue dlq", flag.ExitOnError)
	limit := fs.Int64("limit", 20, "max dead-letter entries to show")
	fs.Parse(args[1:])

	entries, err := a.queue.InspectDeadLetter(ctx, *limit)
	if err != nil {
		return fail(err)
	}
	if len(entries) == 0 {
		fmt.Println("dead-letter queue is empty")
		return exitOK
	}
	for _, e := range entries {
		fmt.Println(e)
	}
	return exitOK
}

// queryCmd runs one full agent turn synchronously in this process.
func (a *app) queryCmd(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("query", flag.ExitOnError)
	instanceID := fs.String("redis-instance-id", "", "bind a Redis instance")
	supportPackageID := fs.String("support-package-id", "", "scope knowledge search to a support package")
	threadID := fs.String("thread-id", "", "continue an existing thread")
	agent := fs.String("agent", "auto", "auto|triage|chat|knowledge")

	if len(args) == 0 {
		usage()
		return exitFailure
	}
	text := args[0]
	fs.Parse(args[1:])
	if text == "" {
		usage()
		return exitFailure
	}

	if *threadID != "" {
		if _, err := a.threads.GetThread(ctx, *threadID); errors.Is(err, thread.ErrNotFound) {
			fmt.Fprintln(os.Stderr, "thread not found:", *threadID)
			return exitNotFound
		} else if err != nil {
			return fail(err)
		}
	}
	if *instanceID != "" {
		if _, err := a.instances.GetByID(ctx, *instanceID); errors.Is(err, instance.ErrNotFound) {
			fmt.Fprintln(os.Stderr, "redis instance not found:", *instanceID)
			return exitNotFound
		} else if err != nil {
			return fail(err)
		}
	}
	if *supportPackageID != "" {
		_, total, err := a.idx.Search(ctx, keys.KnowledgeIndex, index.SearchOptions{
			Query: fmt.Sprintf("@source:{%s}", *supportPackageID), Limit: 1,
		})
		if err != nil || total == 0 {
			fmt.Fprintln(os.Stderr, "support package not found:", *supportPackageID)
			return exitNotFound
		}
	}

	llmClient := llm.New(a.cfg.OpenAIKey, a.cfg.Model, a.cfg.NanoModel)
	registry := dispatcher.NewToolRegistry(tools.New(instance.NewResolver(a.instances), a.idx), queue.NewToolLimiter(5, 10))
	for _, spec := range tools.Specs() {
		if err := registry.Register(spec); err != nil {
			return fail(err)
		}
	}
	dispatchCfg := dispatcher.DefaultConfig()
	dispatchCfg.MaxIterations = a.cfg.MaxIterations
	dispatchCfg.LLMTimeout = a.cfg.LLMTimeout
	d := dispatcher.New(a.threads, a.tasks, a.queue, router.New(llmClient), llmClient,
		registry, a.instances, a.qa, dispatchCfg)
	d.RegisterOn(a.queue)

	tid := *threadID
	if tid == "" {
		id, err := a.threads.CreateThread(ctx, "cli", "", map[string]any{"original_query": text}, nil)
		if err != nil {
			return fail(err)
		}
		tid = id
	}

	turnCtx := map[string]any{}
	if *instanceID != "" {
		turnCtx["instance_id"] = *instanceID
	}
	if *supportPackageID != "" {
		turnCtx["support_package_id"] = *supportPackageID
	}

	var prefs *ports.UserPreferences
	if preferred := parseAgentFlag(*agent); preferred != "" {
		prefs = &ports.UserPreferences{PreferredAgent: preferred}
	}

	result, err := d.ProcessAgentTurn(ctx, tid, text, turnCtx, "", prefs)
	if err != nil {
		return fail(err)
	}
	if result == nil {
		fmt.Fprintln(os.Stderr, "turn cancelled")
		return exitFailure
	}
	fmt.Println(result["response"])
	return exitOK
}

func parseAgentFlag(agent string) string {
	switch strings.ToLower(agent) {
	case "triage":
		return "redis_triage"
	case "chat":
		return "redis_chat"
	case "knowledge":
		return "knowledge_only"
	default:
		return ""
	}
}
