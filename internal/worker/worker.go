// Package worker runs the per-agent task loop: claim, gather inputs,
// execute, validate, emit. Each worker serves exactly one agent id; run
// several for concurrency.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/datatypes"

	"github.com/atelierhq/helix/internal/app"
	"github.com/atelierhq/helix/internal/data/repos/pipeline"
	types "github.com/atelierhq/helix/internal/domain"
	"github.com/atelierhq/helix/internal/executor"
	"github.com/atelierhq/helix/internal/pkg/dbctx"
	pkgerrors "github.com/atelierhq/helix/internal/pkg/errors"
	"github.com/atelierhq/helix/internal/pkg/logger"
	"github.com/atelierhq/helix/internal/prompt"
	"github.com/atelierhq/helix/internal/realtime"
	"github.com/atelierhq/helix/internal/schema"
	"github.com/atelierhq/helix/internal/workflow"
)

type Worker struct {
	id      string
	agentID string

	log      *logger.Logger
	tracer   trace.Tracer
	cfg      app.Config
	wf       *workflow.Definition
	registry *schema.Registry

	jobs      pipeline.JobRepo
	tasks     pipeline.TaskRepo
	artifacts pipeline.ArtifactRepo
	prompts   *prompt.Store
	exec      executor.Executor
	notifier  realtime.Notifier
}

type Deps struct {
	Jobs      pipeline.JobRepo
	Tasks     pipeline.TaskRepo
	Artifacts pipeline.ArtifactRepo
	Prompts   *prompt.Store
	Registry  *schema.Registry
	Workflow  *workflow.Definition
	Executor  executor.Executor
	Notifier  realtime.Notifier
}

func New(agentID string, cfg app.Config, deps Deps, baseLog *logger.Logger) (*Worker, error) {
	if _, ok := deps.Workflow.Agent(agentID); !ok {
		return nil, fmt.Errorf("%w: %s", pkgerrors.ErrUnknownAgent, agentID)
	}
	id := agentID + "-" + uuid.NewString()[:8]
	return &Worker{
		id:        id,
		agentID:   agentID,
		log:       baseLog.With("component", "Worker", "agent_id", agentID, "worker_id", id),
		tracer:    otel.Tracer("helix/worker"),
		cfg:       cfg,
		wf:        deps.Workflow,
		registry:  deps.Registry,
		jobs:      deps.Jobs,
		tasks:     deps.Tasks,
		artifacts: deps.Artifacts,
		prompts:   deps.Prompts,
		exec:      deps.Executor,
		notifier:  deps.Notifier,
	}, nil
}

func (w *Worker) ID() string { return w.id }

// Run polls for claimable tasks until ctx is cancelled. Each tick drains
// the queue for this agent before sleeping again.
func (w *Worker) Run(ctx context.Context) error {
	w.log.Info("Worker started", "poll_interval", w.cfg.PollInterval)
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			w.log.Info("Worker stopping")
			return ctx.Err()
		case <-ticker.C:
			w.drain(ctx)
		}
	}
}

func (w *Worker) drain(ctx context.Context) {
	for ctx.Err() == nil {
		task, err := w.tasks.ClaimNext(dbctx.New(ctx), w.agentID, w.id, w.cfg.RetryDelay)
		if err != nil {
			w.log.Error("Claim failed", "error", err)
			return
		}
		if task == nil {
			return
		}
		w.process(ctx, task)
	}
}

func (w *Worker) process(ctx context.Context, task *types.Task) {
	log := w.log.With("task_id", task.ID, "job_id", task.JobID, "retry_count", task.RetryCount)
	defer func() {
		if rec := recover(); rec != nil {
			log.Error("Panic while processing task", "panic", rec, "stack", string(debug.Stack()))
			w.failTask(ctx, task, fmt.Sprintf("panic: %v", rec), types.ClassRetryable)
		}
	}()

	ctx, span := w.tracer.Start(ctx, "worker.process",
		trace.WithAttributes(
			attribute.String("agent.id", w.agentID),
			attribute.String("task.id", task.ID.String()),
			attribute.String("job.id", task.JobID.String()),
		))
	defer span.End()

	spec, _ := w.wf.Agent(w.agentID)

	input, err := types.DecodeTaskInput(task.InputData)
	if err != nil {
		w.failTask(ctx, task, fmt.Sprintf("malformed input_data: %v", err), types.ClassOrchestration)
		return
	}

	if w.jobCancelled(ctx, task.JobID, log) {
		w.failTask(ctx, task, "job cancelled", types.ClassCancelled)
		return
	}

	resolved, err := w.artifacts.GetByRefs(dbctx.New(ctx), input.Artifacts)
	if err != nil {
		// A store round-trip failure is not the agent's fault and must not
		// consume a retry. Leave the claim; zombie recovery requeues it.
		log.Error("Failed to resolve input artifacts, leaving claim", "error", err)
		return
	}
	execInput := map[string]any{"params": input.Params}
	inputArtifacts := make(map[string]any, len(input.Artifacts))
	for _, ref := range input.Artifacts {
		artifact, ok := resolved[ref.Name]
		if !ok {
			w.failTask(ctx, task,
				fmt.Sprintf("%v: %s from task %s", pkgerrors.ErrMissingArtifact, ref.Name, ref.SourceTaskID),
				types.ClassOrchestration)
			return
		}
		var payload any
		if err := json.Unmarshal(artifact.Payload, &payload); err != nil {
			w.failTask(ctx, task, fmt.Sprintf("decode artifact %s: %v", ref.Name, err), types.ClassOrchestration)
			return
		}
		inputArtifacts[ref.Name] = payload
	}
	execInput["artifacts"] = inputArtifacts

	promptText, err := w.prompts.ActiveText(ctx, w.agentID)
	if err != nil {
		if errors.Is(err, pkgerrors.ErrMissingBaseline) {
			w.failTask(ctx, task, fmt.Sprintf("load prompt: %v", err), types.ClassOrchestration)
			return
		}
		log.Error("Failed to load prompt, leaving claim", "error", err)
		return
	}

	output, execErr := w.execute(ctx, task, promptText, execInput, log)
	if execErr != nil {
		if ctx.Err() != nil && errors.Is(execErr, context.Canceled) {
			// Shutdown interrupted the run. The claim stays; zombie recovery
			// hands the task to the next worker.
			log.Warn("Execution cancelled by shutdown, leaving claim")
			return
		}
		w.failTask(ctx, task, execErr.Error(), classify(execErr))
		return
	}

	payload, err := json.Marshal(output)
	if err != nil {
		w.failTask(ctx, task, fmt.Sprintf("encode output: %v", err), types.ClassNonRetryable)
		return
	}
	if err := w.registry.Validate(spec.OutputSchema, payload); err != nil {
		class := types.ClassValidation
		if errors.Is(err, pkgerrors.ErrUnknownSchema) {
			class = types.ClassOrchestration
		}
		w.failTask(ctx, task, fmt.Sprintf("schema %s: %v", spec.OutputSchema, err), class)
		return
	}

	if w.jobCancelled(ctx, task.JobID, log) {
		w.failTask(ctx, task, "job cancelled", types.ClassCancelled)
		return
	}

	err = w.tasks.CompleteWithArtifact(dbctx.New(ctx), task.ID, w.id, spec.OutputArtifact, spec.OutputSchema, datatypes.JSON(payload))
	switch {
	case err == nil:
		log.Info("Task completed", "artifact", spec.OutputArtifact)
		w.notifier.TaskCompleted(ctx, task.JobID, task.ID, w.agentID, spec.OutputArtifact)
	case errors.Is(err, pkgerrors.ErrNotInProgress), errors.Is(err, pkgerrors.ErrNotClaimant):
		// The claim was recovered from under us. The work is discarded and
		// the requeued task will redo it.
		log.Warn("Lost claim before completion", "error", err)
	case errors.Is(err, pkgerrors.ErrDuplicateArtifact):
		w.failTask(ctx, task, fmt.Sprintf("artifact %s already exists", spec.OutputArtifact), types.ClassOrchestration)
	default:
		// Likely a store outage. Keep the claim instead of burning a retry;
		// zombie recovery requeues the task if the outage outlives it.
		log.Error("Failed to persist completion, leaving claim", "error", err)
	}
}

// execute runs the agent under the per-task deadline while a background
// goroutine keeps the heartbeat fresh. A rejected heartbeat means the
// claim is gone, so execution is cancelled immediately.
func (w *Worker) execute(ctx context.Context, task *types.Task, promptText string, input map[string]any, log *logger.Logger) (map[string]any, error) {
	timeout := w.wf.EffectiveTimeout(w.agentID, w.cfg.TaskTimeout)
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	hbDone := make(chan struct{})
	go func() {
		defer close(hbDone)
		ticker := time.NewTicker(w.cfg.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-execCtx.Done():
				return
			case <-ticker.C:
				if err := w.tasks.Heartbeat(dbctx.New(ctx), task.ID, w.id); err != nil {
					if errors.Is(err, pkgerrors.ErrNotInProgress) {
						log.Warn("Heartbeat rejected, abandoning execution")
						cancel()
						return
					}
					log.Warn("Heartbeat failed", "error", err)
				}
			}
		}
	}()

	output, err := w.exec.Execute(execCtx, w.agentID, promptText, input)
	cancel()
	<-hbDone
	return output, err
}

func (w *Worker) jobCancelled(ctx context.Context, jobID uuid.UUID, log *logger.Logger) bool {
	job, err := w.jobs.GetByID(dbctx.New(ctx), jobID)
	if err != nil {
		log.Warn("Failed to check job status", "error", err)
		return false
	}
	return job.Status == types.JobCancelled
}

func (w *Worker) failTask(ctx context.Context, task *types.Task, errorLog, classification string) {
	log := w.log.With("task_id", task.ID, "job_id", task.JobID)
	maxRetries := w.wf.EffectiveMaxRetries(w.agentID, w.cfg.MaxRetries)
	retrying, err := w.tasks.Fail(dbctx.New(ctx), task.ID, w.id, errorLog, classification, maxRetries)
	if err != nil {
		if errors.Is(err, pkgerrors.ErrNotInProgress) || errors.Is(err, pkgerrors.ErrNotClaimant) {
			log.Warn("Lost claim before failure could be recorded", "error", err)
			return
		}
		log.Error("Failed to record task failure", "error", err)
		return
	}
	if retrying {
		log.Warn("Task will retry", "classification", classification, "error_log", errorLog)
		return
	}
	log.Error("Task failed terminally", "classification", classification, "error_log", errorLog)
	w.notifier.TaskFailed(ctx, task.JobID, task.ID, w.agentID, classification)
}

// classify maps executor failures to task classifications. A deadline
// blown inside the exec context is a timeout, not a generic retryable.
func classify(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return types.ClassTimeout
	}
	switch executor.Classify(err) {
	case executor.NonRetryable:
		return types.ClassNonRetryable
	case executor.RateLimited:
		return types.ClassRateLimited
	default:
		return types.ClassRetryable
	}
}
