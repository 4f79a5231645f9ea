// Package orchestrator advances jobs through the workflow: completed tasks
// spawn their successor, terminal completions close the job, terminal
// failures either fail the job or hand off to the evolution path.
//
// The loop polls with a cursor and a small overlap instead of listening
// for notifications; every action it takes is idempotent, so reprocessing
// a task after a crash or an overlap replay is harmless.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/atelierhq/helix/internal/app"
	"github.com/atelierhq/helix/internal/data/repos/pipeline"
	types "github.com/atelierhq/helix/internal/domain"
	"github.com/atelierhq/helix/internal/evolution"
	"github.com/atelierhq/helix/internal/pkg/dbctx"
	"github.com/atelierhq/helix/internal/pkg/logger"
	"github.com/atelierhq/helix/internal/realtime"
	"github.com/atelierhq/helix/internal/workflow"
)

const (
	cursorOverlap = 5 * time.Second
	sweepLimit    = 200
)

type Orchestrator struct {
	log      *logger.Logger
	cfg      app.Config
	wf       *workflow.Definition
	jobs     pipeline.JobRepo
	tasks    pipeline.TaskRepo
	evo      *evolution.Coordinator
	notifier realtime.Notifier

	completedCursor time.Time
	failedCursor    time.Time
}

type Deps struct {
	Jobs      pipeline.JobRepo
	Tasks     pipeline.TaskRepo
	Workflow  *workflow.Definition
	Evolution *evolution.Coordinator
	Notifier  realtime.Notifier
}

func New(cfg app.Config, deps Deps, baseLog *logger.Logger) *Orchestrator {
	return &Orchestrator{
		log:      baseLog.With("component", "Orchestrator"),
		cfg:      cfg,
		wf:       deps.Workflow,
		jobs:     deps.Jobs,
		tasks:    deps.Tasks,
		evo:      deps.Evolution,
		notifier: deps.Notifier,
	}
}

func (o *Orchestrator) Run(ctx context.Context) error {
	o.log.Info("Orchestrator started", "interval", o.cfg.OrchestratorInterval)
	ticker := time.NewTicker(o.cfg.OrchestratorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			o.log.Info("Orchestrator stopping")
			return ctx.Err()
		case <-ticker.C:
			o.sweep(ctx)
		}
	}
}

// Sweep runs one advancement pass. Exported for tests.
func (o *Orchestrator) Sweep(ctx context.Context) {
	o.sweep(ctx)
}

func (o *Orchestrator) sweep(ctx context.Context) {
	o.sweepCompleted(ctx)
	o.sweepFailed(ctx)
}

func (o *Orchestrator) sweepCompleted(ctx context.Context) {
	since := o.completedCursor.Add(-cursorOverlap)
	tasks, err := o.tasks.ListCompletedSince(dbctx.New(ctx), since, sweepLimit)
	if err != nil {
		o.log.Error("Failed to list completed tasks", "error", err)
		return
	}
	for _, task := range tasks {
		if ctx.Err() != nil {
			return
		}
		if err := o.handleCompleted(ctx, task); err != nil {
			o.log.Error("Failed to advance completed task",
				"task_id", task.ID, "job_id", task.JobID, "agent_id", task.AgentID, "error", err)
			continue
		}
		if task.CompletedAt != nil && task.CompletedAt.After(o.completedCursor) {
			o.completedCursor = *task.CompletedAt
		}
	}
}

func (o *Orchestrator) sweepFailed(ctx context.Context) {
	since := o.failedCursor.Add(-cursorOverlap)
	tasks, err := o.tasks.ListTerminalFailedSince(dbctx.New(ctx), since, sweepLimit)
	if err != nil {
		o.log.Error("Failed to list failed tasks", "error", err)
		return
	}
	for _, task := range tasks {
		if ctx.Err() != nil {
			return
		}
		if err := o.handleFailed(ctx, task); err != nil {
			o.log.Error("Failed to process failed task",
				"task_id", task.ID, "job_id", task.JobID, "agent_id", task.AgentID, "error", err)
			continue
		}
		if task.LastErrorAt != nil && task.LastErrorAt.After(o.failedCursor) {
			o.failedCursor = *task.LastErrorAt
		}
	}
}

func (o *Orchestrator) handleCompleted(ctx context.Context, task *types.Task) error {
	if task.AgentID == o.wf.FailureHandling.EscalationAgent && task.AgentID != "" {
		return o.evo.ApplyProposal(ctx, task)
	}
	if o.wf.IsTerminal(task.AgentID) {
		applied, err := o.jobs.MarkCompletedIfAllTasksDone(dbctx.New(ctx), task.JobID)
		if err != nil {
			return err
		}
		if applied {
			o.log.Info("Job completed", "job_id", task.JobID)
			o.notifier.JobCompleted(ctx, task.JobID)
		}
		return nil
	}
	return o.createSuccessor(ctx, task)
}

func (o *Orchestrator) createSuccessor(ctx context.Context, task *types.Task) error {
	next, ok := o.wf.NextAgent(task.AgentID)
	if !ok {
		return nil
	}
	exists, err := o.tasks.ExistsForJobAgent(dbctx.New(ctx), task.JobID, next)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}

	refs := make([]types.ArtifactRef, 0, len(o.wf.RequiredInputs(next)))
	for _, name := range o.wf.RequiredInputs(next) {
		producer, ok := o.wf.ProducerOf(name)
		if !ok {
			return fmt.Errorf("no producer for artifact %q", name)
		}
		src, err := o.tasks.LatestCompletedForJobAgent(dbctx.New(ctx), task.JobID, producer)
		if err != nil {
			return err
		}
		if src == nil {
			// Linear order means every required producer already ran; a gap
			// here is a workflow bug, not a race to wait out.
			return fmt.Errorf("producer %q has no completed task for artifact %q", producer, name)
		}
		refs = append(refs, types.ArtifactRef{Name: name, SourceTaskID: src.ID})
	}

	job, err := o.jobs.GetByID(dbctx.New(ctx), task.JobID)
	if err != nil {
		return err
	}
	if job.Terminal() {
		return nil
	}
	params := map[string]any{}
	if len(job.InitialRequest) > 0 {
		if err := json.Unmarshal(job.InitialRequest, &params); err != nil {
			o.log.Warn("Job initial_request is not an object, passing empty params", "job_id", job.ID)
			params = map[string]any{}
		}
	}
	encoded, err := types.TaskInput{Artifacts: refs, Params: params}.Encode()
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	successor := &types.Task{
		ID:        uuid.New(),
		JobID:     task.JobID,
		AgentID:   next,
		Status:    types.TaskPending,
		InputData: encoded,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := o.tasks.Create(dbctx.New(ctx), []*types.Task{successor}); err != nil {
		return err
	}
	o.log.Info("Successor task created",
		"job_id", task.JobID, "agent_id", next, "task_id", successor.ID, "after", task.AgentID)
	return nil
}

func (o *Orchestrator) handleFailed(ctx context.Context, task *types.Task) error {
	esc := o.wf.FailureHandling.EscalationAgent
	if esc != "" && task.AgentID == esc {
		return o.failJob(ctx, task, "prompt evolution failed: "+task.ErrorLog)
	}
	// The cursor overlap replays terminal failures. A task whose evolution
	// cycle already started stays in the escalation agent's hands; failing
	// the job here would race the fix.
	triggered, err := o.evo.Triggered(ctx, task)
	if err != nil {
		return err
	}
	if triggered {
		return nil
	}
	eligible, err := o.evo.Eligible(ctx, task)
	if err != nil {
		return err
	}
	if eligible {
		return o.evo.Trigger(ctx, task)
	}
	return o.failJob(ctx, task, fmt.Sprintf("agent %s failed (%s): %s", task.AgentID, task.Classification, task.ErrorLog))
}

func (o *Orchestrator) failJob(ctx context.Context, task *types.Task, reason string) error {
	applied, err := o.jobs.MarkFailed(dbctx.New(ctx), task.JobID, reason)
	if err != nil {
		return err
	}
	if applied {
		o.log.Warn("Job failed", "job_id", task.JobID, "reason", reason)
		o.notifier.JobFailed(ctx, task.JobID, reason)
	}
	return nil
}
