// The worker process runs the execution substrate: a pool of queue workers,
// the delayed-entry drain, the stale-claim reaper, the perpetual scheduler
// loop, and the agent-turn dispatcher. Prometheus metrics are exposed on
// METRICS_ADDR (default :8080).
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/redis-sre/agentcore/pkg/config"
	"github.com/redis-sre/agentcore/pkg/dispatcher"
	"github.com/redis-sre/agentcore/pkg/index"
	"github.com/redis-sre/agentcore/pkg/instance"
	"github.com/redis-sre/agentcore/pkg/llm"
	"github.com/redis-sre/agentcore/pkg/logger"
	"github.com/redis-sre/agentcore/pkg/metrics"
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

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		logger.Log.Fatal().Err(err).Msg("redis unreachable")
	}

	idx := index.NewManager(rdb)
	idx.EnsureAll(ctx)

	streamer := stream.NewRedisPublisher(rdb)
	threads := thread.NewStore(rdb, idx, thread.WithStream(streamer))
	tasks := task.NewStore(rdb, idx)
	schedules := schedule.NewStore(rdb, idx)
	instances := instance.NewStore(rdb, idx, cfg.MasterKey)
	qaStore := qa.NewStore(rdb, idx, nil)

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

	d := dispatcher.New(threads, tasks, q, router.New(llmClient), llmClient, registry,
		instances, qaStore, dispatchCfg)
	d.RegisterOn(q)

	if os.Getenv("BENCHMARK_HANDLER") == "1" {
		q.Register("benchmark_noop", func(ctx context.Context, args map[string]any) (map[string]any, error) {
			return nil, nil
		})
	}

	sched := scheduler.New(schedules, threads, q)
	if err := sched.RegisterOn(ctx, q); err != nil {
		logger.Log.Fatal().Err(err).Msg("scheduler registration failed")
	}

	go func() {
		http.Handle("/metrics", promhttp.Handler())
		logger.Log.Info().Str("addr", cfg.MetricsAddr).Msg("metrics server listening")
		if err := http.ListenAndServe(cfg.MetricsAddr, nil); err != nil {
			logger.Log.Error().Err(err).Msg("metrics server stopped")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Log.Info().Msg("shutting down worker")
		cancel()
	}()

	go q.StartDelayedDrain(ctx)
	go metrics.RunCollector(ctx, q)

	reaper := queue.NewReaper(q)
	if _, err := reaper.SweepOnce(ctx); err != nil {
		logger.Log.Warn().Err(err).Msg("startup claim sweep failed")
	}
	go reaper.Run(ctx, time.Minute)

	logger.Log.Info().Int("concurrency", cfg.WorkerConcurrency).Msg("worker pool started")

	var wg sync.WaitGroup
	for i := 0; i < cfg.WorkerConcurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			queue.NewWorker(q, rdb).Run(ctx)
		}()
	}
	wg.Wait()
}
