// The API server exposes the execution substrate over HTTP: task
// submission and inspection, thread listing and purge, schedule management
// and manual triggers, a websocket stream of live thread updates, and
// health/metrics endpoints. Agent turns themselves run in the worker
// process; this binary creates threads, task records, schedules and queue
// entries, deletes on purge, and reads state.
package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"strconv"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/redis-sre/agentcore/pkg/config"
	"github.com/redis-sre/agentcore/pkg/dispatcher"
	"github.com/redis-sre/agentcore/pkg/index"
	"github.com/redis-sre/agentcore/pkg/instance"
	"github.com/redis-sre/agentcore/pkg/llm"
	"github.com/redis-sre/agentcore/pkg/logger"
	"github.com/redis-sre/agentcore/pkg/model"
	"github.com/redis-sre/agentcore/pkg/qa"
	"github.com/redis-sre/agentcore/pkg/queue"
	"github.com/redis-sre/agentcore/pkg/router"
	"github.com/redis-sre/agentcore/pkg/schedule"
	"github.com/redis-sre/agentcore/pkg/scheduler"
	"github.com/redis-sre/agentcore/pkg/stream"
	"github.com/redis-sre/agentcore/pkg/task"
	"github.com/redis-sre/agentcore/pkg/thread"
	"github.com/redis-sre/agentcore/pkg/tools"
)

// server bundles the stores and services the HTTP handlers need.
type server struct {
	threads   *thread.Store
	tasks     *task.Store
	schedules *schedule.Store
	queue     *queue.Client
	disp      *dispatcher.Dispatcher
	sched     *scheduler.Scheduler
	hub       *stream.Hub
}

// authMiddleware enforces API key authentication. An empty configured key
// allows everything (dev mode).
func authMiddleware(next http.HandlerFunc, requiredKey string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if requiredKey == "" {
			next(w, r)
			return
		}
		if r.Header.Get("X-API-Key") != requiredKey {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

// enableCORS adds CORS headers and short-circuits preflight requests.
func enableCORS(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS, PUT, DELETE")
		w.Header().Set("Access-Control-Allow-Headers", "Accept, Content-Type, Content-Length, Accept-Encoding, Authorization, X-API-Key")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next(w, r)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// setupRouter wires every endpoint onto a mux. Split out of main for tests.
func (s *server) setupRouter(apiKey string) *http.ServeMux {
	mux := http.NewServeMux()
	guard := func(h http.HandlerFunc) http.HandlerFunc {
		return enableCORS(authMiddleware(h, apiKey))
	}

	mux.HandleFunc("POST /api/tasks", guard(s.handleCreateTask))
	mux.HandleFunc("GET /api/tasks", guard(s.handleListTasks))
	mux.HandleFunc("GET /api/tasks/{id}", guard(s.handleGetTask))
	mux.HandleFunc("DELETE /api/tasks/{id}", guard(s.handleDeleteTask))

	mux.HandleFunc("GET /api/threads", guard(s.handleListThreads))
	mux.HandleFunc("GET /api/threads/{id}", guard(s.handleGetThread))
	mux.HandleFunc("DELETE /api/threads/{id}", guard(s.handleDeleteThread))

	mux.HandleFunc("POST /api/schedules", guard(s.handleCreateSchedule))
	mux.HandleFunc("GET /api/schedules/{id}", guard(s.handleGetSchedule))
	mux.HandleFunc("DELETE /api/schedules/{id}", guard(s.handleDeleteSchedule))
	mux.HandleFunc("POST /api/schedules/{id}/trigger", guard(s.handleTriggerSchedule))
	mux.HandleFunc("POST /api/scheduler/trigger", guard(s.handleTriggerScheduler))

	mux.HandleFunc("GET /ws/threads/{id}", func(w http.ResponseWriter, r *http.Request) {
		s.hub.ServeWS(w, r, r.PathValue("id"))
	})

	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.Handle("GET /metrics", promhttp.Handler())
	return mux
}

func (s *server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Message        string         `json:"message"`
		ThreadID       string         `json:"thread_id"`
		UserID         string         `json:"user_id"`
		Context        map[string]any `json:"context"`
		PreferredAgent string         `json:"preferred_agent"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Message == "" {
		writeError(w, http.StatusBadRequest, "message is required")
		return
	}

	res, err := s.disp.SubmitTurn(r.Context(), dispatcher.SubmitTurnRequest{
		Message: req.Message, ThreadID: req.ThreadID, UserID: req.UserID,
		Context: req.Context, PreferredAgent: req.PreferredAgent,
	})
	if errors.Is(err, thread.ErrNotFound) {
		writeError(w, http.StatusNotFound, "thread not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"task_id": res.TaskID, "thread_id": res.ThreadID, "status": res.Status,
	})
}

func (s *server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	t, err := s.tasks.GetTaskState(r.Context(), r.PathValue("id"))
	if errors.Is(err, task.ErrNotFound) {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	showAll, _ := strconv.ParseBool(q.Get("show_all"))
	summaries, err := s.tasks.ListTasks(r.Context(), task.ListOptions{
		ThreadID: q.Get("thread_id"),
		UserID:   q.Get("user_id"),
		Status:   q.Get("status"),
		ShowAll:  showAll,
		Limit:    limit,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": summaries})
}

func (s *server) handleDeleteTask(w http.ResponseWriter, r *http.Request) {
	if err := s.tasks.DeleteTask(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *server) handleListThreads(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	offset, _ := strconv.Atoi(q.Get("offset"))
	summaries, err := s.threads.ListThreads(r.Context(), q.Get("user_id"), limit, offset)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"threads": summaries})
}

func (s *server) handleGetThread(w http.ResponseWriter, r *http.Request) {
	th, err := s.threads.GetThread(r.Context(), r.PathValue("id"))
	if errors.Is(err, thread.ErrNotFound) {
		writeError(w, http.StatusNotFound, "thread not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, th)
}

func (s *server) handleDeleteThread(w http.ResponseWriter, r *http.Request) {
	cascade, _ := strconv.ParseBool(r.URL.Query().Get("cascade_tasks"))
	err := s.threads.DeleteThread(r.Context(), r.PathValue("id"), cascade, s.tasks.DeleteTask)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *server) handleCreateSchedule(w http.ResponseWriter, r *http.Request) {
	var req model.Schedule
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	id, err := s.schedules.Create(r.Context(), req)
	if errors.Is(err, schedule.ErrInvalidInterval) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

func (s *server) handleGetSchedule(w http.ResponseWriter, r *http.Request) {
	sc, err := s.schedules.Get(r.Context(), r.PathValue("id"))
	if errors.Is(err, schedule.ErrNotFound) {
		writeError(w, http.StatusNotFound, "schedule not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, sc)
}

func (s *server) handleDeleteSchedule(w http.ResponseWriter, r *http.Request) {
	if err := s.schedules.Delete(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *server) handleTriggerSchedule(w http.ResponseWriter, r *http.Request) {
	threadID, err := s.sched.TriggerSchedule(r.Context(), r.PathValue("id"))
	if errors.Is(err, schedule.ErrNotFound) {
		writeError(w, http.StatusNotFound, "schedule not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"thread_id": threadID})
}

func (s *server) handleTriggerScheduler(w http.ResponseWriter, r *http.Request) {
	id, err := s.sched.TriggerScheduler(r.Context(), s.queue)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"queue_id": id})
}

// handleHealthz reports ok, or degraded when best-effort index maintenance
// has been failing. Index drift never makes the service unhealthy — readers
// fall back to KV — but operators should see it.
func (s *server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	if index.EnsureIndexFailures > 0 {
		status = "degraded"
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":                status,
		"index_ensure_failures": index.EnsureIndexFailures,
	})
}

func main() {
	cfg := config.Load()

	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		logger.Log.Fatal().Err(err).Str("url", cfg.RedisURL).Msg("invalid REDIS_URL")
	}
	if cfg.RedisPassword != "" {
		opts.Password = cfg.RedisPassword
	}
	rdb := redis.NewClient(opts)

	idx := index.NewManager(rdb)
	hub := stream.NewHub()
	streamer := stream.NewFanout(stream.NewRedisPublisher(rdb), hub)
	threads := thread.NewStore(rdb, idx, thread.WithStream(streamer))
	tasks := task.NewStore(rdb, idx)
	schedules := schedule.NewStore(rdb, idx)
	instances := instance.NewStore(rdb, idx, cfg.MasterKey)
	q := queue.NewClient(rdb)

	llmClient := llm.New(cfg.OpenAIKey, cfg.Model, cfg.NanoModel)
	toolProvider := tools.New(instance.NewResolver(instances), idx)
	registry := dispatcher.NewToolRegistry(toolProvider, queue.NewToolLimiter(5, 10))
	for _, spec := range tools.Specs() {
		if err := registry.Register(spec); err != nil {
			logger.Log.Fatal().Err(err).Msg("tool registration failed")
		}
	}

	dispatchCfg := dispatcher.DefaultConfig()
	dispatchCfg.MaxIterations = cfg.MaxIterations
	dispatchCfg.LLMTimeout = cfg.LLMTimeout
	disp := dispatcher.New(threads, tasks, q, router.New(llmClient), llmClient, registry,
		instances, qa.NewStore(rdb, idx, nil), dispatchCfg)
	disp.RegisterOn(q)

	sched := scheduler.New(schedules, threads, q)
	sched.RegisterHandlerOn(q)

	srv := &server{
		threads: threads, tasks: tasks, schedules: schedules,
		queue: q, disp: disp, sched: sched, hub: hub,
	}
	mux := srv.setupRouter(os.Getenv("API_KEY"))

	logger.Log.Info().Str("addr", cfg.HTTPAddr).Msg("api server listening")
	if err := http.ListenAndServe(cfg.HTTPAddr, mux); err != nil {
		logger.Log.Fatal().Err(err).Msg("api server stopped")
	}
}
