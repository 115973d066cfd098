// Benchmark tool: measures queue submission and drain throughput against a
// running Redis plus at least one worker process. Tasks use a no-op handler
// name the worker registers only when BENCHMARK_HANDLER=1 is set.
//
// Usage:
//
//	go run benchmark/main.go -tasks 100000 -submitters 10
package main

import (
	"context"
	"flag"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/redis-sre/agentcore/pkg/config"
	"github.com/redis-sre/agentcore/pkg/queue"
)

func main() {
	numTasks := flag.Int("tasks", 100000, "number of entries to submit")
	numSubmitters := flag.Int("submitters", 10, "number of concurrent submitters")
	flag.Parse()

	cfg := config.Load()
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		fmt.Printf("invalid REDIS_URL: %v\n", err)
		return
	}
	rdb := redis.NewClient(opts)
	client := queue.NewClient(rdb)
	// The submit side only needs the name known; workers own the real
	// handler.
	client.Register("benchmark_noop", func(ctx context.Context, args map[string]any) (map[string]any, error) {
		return nil, nil
	})

	ctx := context.Background()

	fmt.Printf("Queue benchmark\n")
	fmt.Printf("===============\n")
	fmt.Printf("Entries to submit: %d\n", *numTasks)
	fmt.Printf("Concurrent submitters: %d\n\n", *numSubmitters)

	fmt.Printf("Starting submit phase...\n")
	startSubmit := time.Now()

	var wg sync.WaitGroup
	var submitted atomic.Int64
	perSubmitter := *numTasks / *numSubmitters

	for i := 0; i < *numSubmitters; i++ {
		wg.Add(1)
		go func(submitterID int) {
			defer wg.Done()
			for j := 0; j < perSubmitter; j++ {
				_, err := client.Submit(ctx, "benchmark_noop",
					map[string]any{"submitter": submitterID, "n": j}, queue.SubmitOptions{})
				if err != nil {
					fmt.Printf("submit error: %v\n", err)
					return
				}
				submitted.Add(1)
			}
		}(i)
	}

	wg.Wait()
	submitTime := time.Since(startSubmit)

	fmt.Printf("Submitted %d entries in %s\n", submitted.Load(), submitTime)
	fmt.Printf("  Throughput: %.2f entries/sec\n\n", float64(submitted.Load())/submitTime.Seconds())

	fmt.Printf("Waiting for workers to drain the queue...\n")
	startDrain := time.Now()

	for {
		depths := client.QueueDepths(ctx)
		remaining := depths["queue:high"] + depths["queue:default"] + depths["queue:low"] + depths["processing"]
		if remaining == 0 {
			break
		}
		time.Sleep(2 * time.Second)
		fmt.Printf("  Remaining: %d entries\n", remaining)
	}

	drainTime := time.Since(startDrain)
	fmt.Printf("\nDrained in %s\n", drainTime)
	fmt.Printf("  Throughput: %.2f entries/sec\n", float64(*numTasks)/drainTime.Seconds())

	total := submitTime + drainTime
	fmt.Printf("\nTotal time: %s\n", total)
	fmt.Printf("Overall throughput: %.2f entries/sec\n", float64(*numTasks)/total.Seconds())
}
