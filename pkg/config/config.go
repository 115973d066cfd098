// Package config loads process configuration from environment variables
// with sensible defaults. No config files, no framework: every knob is an
// env var.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config is everything the worker, server, and CLI processes read from the
// environment.
type Config struct {
	RedisURL      string
	RedisPassword string

	OpenAIKey string
	Model     string
	MiniModel string
	NanoModel string

	MaxIterations int
	LLMTimeout    time.Duration

	// TaskQueueName is read from TASK_QUEUE_NAME but prefixes nothing: the
	// queue keys are fixed, so deployments sharing one Redis share queues.
	TaskQueueName string

	WorkerConcurrency int
	MetricsAddr       string
	HTTPAddr          string

	// MasterKey encrypts instance connection credentials at rest. An empty
	// value is not rejected: the instance store hashes it like any other.
	MasterKey string
}

// Load reads the environment once.
func Load() Config {
	return Config{
		RedisURL:          getenv("REDIS_URL", "redis://localhost:6379/0"),
		RedisPassword:     os.Getenv("REDIS_PASSWORD"),
		OpenAIKey:         os.Getenv("OPENAI_API_KEY"),
		Model:             os.Getenv("OPENAI_MODEL"),
		MiniModel:         os.Getenv("OPENAI_MINI_MODEL"),
		NanoModel:         os.Getenv("OPENAI_NANO_MODEL"),
		MaxIterations:     getint("MAX_ITERATIONS", 10),
		LLMTimeout:        getduration("LLM_TIMEOUT", 60*time.Second),
		TaskQueueName:     getenv("TASK_QUEUE_NAME", "sre_agent"),
		WorkerConcurrency: getint("WORKER_CONCURRENCY", 2),
		MetricsAddr:       getenv("METRICS_ADDR", ":8080"),
		HTTPAddr:          getenv("HTTP_ADDR", ":8081"),
		MasterKey:         os.Getenv("REDIS_SRE_MASTER_KEY"),
	}
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getint(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return fallback
}

func getduration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			return d
		}
	}
	return fallback
}
