// Package app holds process-level configuration and wiring helpers shared
// by the binary entrypoints.
package app

import (
	"time"

	"github.com/atelierhq/helix/internal/platform/envutil"
)

type Config struct {
	HTTPPort string

	WorkflowPath string
	SchemaDir    string
	PromptDir    string

	AgentRunnerURL string

	MaxRetries   int
	RetryDelay   time.Duration
	TaskTimeout  time.Duration
	PollInterval time.Duration

	HeartbeatInterval time.Duration
	ZombieThreshold   time.Duration

	OrchestratorInterval time.Duration
	JanitorInterval      time.Duration

	EvolutionAttemptsPerJob int

	PromptRetentionVersions int
	EventRetention          time.Duration

	WorkerConcurrency int
}

func LoadConfig() Config {
	cfg := Config{
		HTTPPort: envutil.String("HTTP_PORT", "8080"),

		WorkflowPath: envutil.String("WORKFLOW_PATH", "configs/workflow.yaml"),
		SchemaDir:    envutil.String("SCHEMA_DIR", "configs/schemas"),
		PromptDir:    envutil.String("PROMPT_DIR", "configs/prompts"),

		AgentRunnerURL: envutil.String("AGENT_RUNNER_URL", "http://localhost:9090"),

		MaxRetries:   envutil.Int("MAX_RETRIES", 3),
		RetryDelay:   envutil.Seconds("RETRY_DELAY_SECONDS", 30),
		TaskTimeout:  envutil.Seconds("TASK_TIMEOUT_SECONDS", 300),
		PollInterval: envutil.Seconds("POLL_INTERVAL_SECONDS", 2),

		HeartbeatInterval: envutil.Seconds("HEARTBEAT_INTERVAL_SECONDS", 10),
		ZombieThreshold:   envutil.Seconds("ZOMBIE_THRESHOLD_SECONDS", 60),

		OrchestratorInterval: envutil.Seconds("ORCHESTRATOR_INTERVAL_SECONDS", 2),
		JanitorInterval:      envutil.Seconds("JANITOR_INTERVAL_SECONDS", 30),

		EvolutionAttemptsPerJob: envutil.Int("EVOLUTION_ATTEMPTS_PER_JOB", 1),

		PromptRetentionVersions: envutil.Int("PROMPT_RETENTION_VERSIONS", 5),
		EventRetention:          envutil.Seconds("EVENT_RETENTION_SECONDS", 7*24*3600),

		WorkerConcurrency: envutil.Int("WORKER_CONCURRENCY", 1),
	}
	// A threshold tighter than two heartbeat intervals would recover tasks
	// whose worker is merely one tick late.
	if cfg.ZombieThreshold < 2*cfg.HeartbeatInterval {
		cfg.ZombieThreshold = 2 * cfg.HeartbeatInterval
	}
	return cfg
}
