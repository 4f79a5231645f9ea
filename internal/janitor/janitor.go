// Package janitor runs the background hygiene sweeps: zombie recovery,
// orphan artifact auditing, prompt version retention and event pruning.
package janitor

import (
	"context"
	"time"

	"github.com/atelierhq/helix/internal/app"
	"github.com/atelierhq/helix/internal/data/repos/pipeline"
	"github.com/atelierhq/helix/internal/pkg/dbctx"
	"github.com/atelierhq/helix/internal/pkg/logger"
)

type Janitor struct {
	log       *logger.Logger
	cfg       app.Config
	tasks     pipeline.TaskRepo
	artifacts pipeline.ArtifactRepo
	prompts   pipeline.PromptRepo
	events    pipeline.EventRepo
}

type Deps struct {
	Tasks     pipeline.TaskRepo
	Artifacts pipeline.ArtifactRepo
	Prompts   pipeline.PromptRepo
	Events    pipeline.EventRepo
}

func New(cfg app.Config, deps Deps, baseLog *logger.Logger) *Janitor {
	return &Janitor{
		log:       baseLog.With("component", "Janitor"),
		cfg:       cfg,
		tasks:     deps.Tasks,
		artifacts: deps.Artifacts,
		prompts:   deps.Prompts,
		events:    deps.Events,
	}
}

func (j *Janitor) Run(ctx context.Context) error {
	j.log.Info("Janitor started",
		"interval", j.cfg.JanitorInterval, "zombie_threshold", j.cfg.ZombieThreshold)
	ticker := time.NewTicker(j.cfg.JanitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			j.log.Info("Janitor stopping")
			return ctx.Err()
		case <-ticker.C:
			j.Sweep(ctx)
		}
	}
}

// Sweep runs one hygiene pass. Each step logs and continues on error so
// one failing sweep never starves the others.
func (j *Janitor) Sweep(ctx context.Context) {
	requeued, failed, err := j.tasks.RecoverZombies(dbctx.New(ctx), j.cfg.ZombieThreshold, j.cfg.MaxRetries)
	if err != nil {
		j.log.Error("Zombie recovery failed", "error", err)
	} else if requeued > 0 || failed > 0 {
		j.log.Warn("Recovered zombie tasks", "requeued", requeued, "failed", failed)
	}

	orphans, err := j.artifacts.ListOrphans(dbctx.New(ctx))
	if err != nil {
		j.log.Error("Orphan audit failed", "error", err)
	}
	// Orphans are logged, never deleted. An artifact without a completed
	// task points at a completion that rolled back after insert, which the
	// single-transaction emit is supposed to make impossible.
	for _, a := range orphans {
		j.log.Warn("Orphan artifact detected",
			"artifact_id", a.ID, "task_id", a.TaskID, "job_id", a.JobID, "name", a.Name)
	}

	agentIDs, err := j.prompts.AgentIDs(dbctx.New(ctx))
	if err != nil {
		j.log.Error("Prompt retention listing failed", "error", err)
	}
	for _, agentID := range agentIDs {
		purged, err := j.prompts.PurgeInactive(dbctx.New(ctx), agentID, j.cfg.PromptRetentionVersions)
		if err != nil {
			j.log.Error("Prompt retention failed", "agent_id", agentID, "error", err)
			continue
		}
		if purged > 0 {
			j.log.Info("Purged inactive prompt versions", "agent_id", agentID, "count", purged)
		}
	}

	if j.cfg.EventRetention > 0 {
		cutoff := time.Now().UTC().Add(-j.cfg.EventRetention)
		purged, err := j.events.PurgeOlderThan(dbctx.New(ctx), cutoff)
		if err != nil {
			j.log.Error("Event pruning failed", "error", err)
		} else if purged > 0 {
			j.log.Info("Pruned old system events", "count", purged)
		}
	}
}
