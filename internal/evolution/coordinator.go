// Package evolution implements the prompt-evolution path: a validation
// failure on a pipeline agent can enqueue one escalation task whose output
// installs an improved prompt and re-runs the failed agent.
package evolution

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"github.com/atelierhq/helix/internal/data/repos/pipeline"
	types "github.com/atelierhq/helix/internal/domain"
	"github.com/atelierhq/helix/internal/pkg/dbctx"
	"github.com/atelierhq/helix/internal/pkg/logger"
	"github.com/atelierhq/helix/internal/prompt"
	"github.com/atelierhq/helix/internal/workflow"
)

type Coordinator struct {
	log         *logger.Logger
	wf          *workflow.Definition
	tasks       pipeline.TaskRepo
	events      pipeline.EventRepo
	prompts     *prompt.Store
	attemptsCap int
}

func NewCoordinator(wf *workflow.Definition, tasks pipeline.TaskRepo, events pipeline.EventRepo, prompts *prompt.Store, attemptsCap int, baseLog *logger.Logger) *Coordinator {
	return &Coordinator{
		log:         baseLog.With("component", "EvolutionCoordinator"),
		wf:          wf,
		tasks:       tasks,
		events:      events,
		prompts:     prompts,
		attemptsCap: attemptsCap,
	}
}

// Eligible reports whether a terminally failed task should trigger an
// evolution cycle instead of failing the job. Only validation failures
// qualify, the workflow must declare an escalation agent, and the per-job
// cap must not be exhausted.
func (c *Coordinator) Eligible(ctx context.Context, task *types.Task) (bool, error) {
	if c.attemptsCap <= 0 {
		return false, nil
	}
	esc := c.wf.FailureHandling.EscalationAgent
	if esc == "" || task.AgentID == esc {
		return false, nil
	}
	if task.Classification != types.ClassValidation {
		return false, nil
	}
	triggered, err := c.events.CountByType(dbctx.New(ctx), task.JobID, task.AgentID, types.EventEvolutionTriggered)
	if err != nil {
		return false, err
	}
	return triggered < int64(c.attemptsCap), nil
}

// Triggered reports whether an evolution cycle was already started for
// this failing task. The orchestrator replays terminal failures inside
// its cursor overlap; a triggered task is in the escalation agent's
// hands and must not fail the job.
func (c *Coordinator) Triggered(ctx context.Context, task *types.Task) (bool, error) {
	return c.events.ExistsForTask(dbctx.New(ctx), task.ID, types.EventEvolutionTriggered)
}

// Trigger enqueues an escalation-agent task carrying the failure case and
// records the evolution.triggered event against the failing agent.
func (c *Coordinator) Trigger(ctx context.Context, failed *types.Task) error {
	esc := c.wf.FailureHandling.EscalationAgent
	original, err := types.DecodeTaskInput(failed.InputData)
	if err != nil {
		return fmt.Errorf("decode failing task input: %w", err)
	}
	input := types.TaskInput{
		Params: map[string]any{
			"job_id":           failed.JobID.String(),
			"failing_agent_id": failed.AgentID,
			"failing_task_id":  failed.ID.String(),
			"original_input":   original.Params,
			"error_log":        failed.ErrorLog,
			"retry_count":      failed.RetryCount,
		},
	}
	encoded, err := input.Encode()
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	task := &types.Task{
		ID:        uuid.New(),
		JobID:     failed.JobID,
		AgentID:   esc,
		Status:    types.TaskPending,
		InputData: encoded,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := c.tasks.Create(dbctx.New(ctx), []*types.Task{task}); err != nil {
		return err
	}
	jobID := failed.JobID
	failedID := failed.ID
	if err := c.events.Append(dbctx.New(ctx), &types.SystemEvent{
		JobID:     &jobID,
		TaskID:    &failedID,
		AgentID:   failed.AgentID,
		EventType: types.EventEvolutionTriggered,
		Detail:    mustDetail(map[string]any{"escalation_task_id": task.ID.String()}),
	}); err != nil {
		return err
	}
	c.log.Info("Evolution triggered",
		"job_id", failed.JobID, "failing_agent", failed.AgentID, "escalation_task_id", task.ID)
	return nil
}

// ApplyProposal consumes a completed escalation task: installs the
// proposed prompt for the failing agent and re-enqueues that agent with
// its original input. Idempotent against orchestrator replays.
func (c *Coordinator) ApplyProposal(ctx context.Context, evoTask *types.Task) error {
	evoInput, err := types.DecodeTaskInput(evoTask.InputData)
	if err != nil {
		return fmt.Errorf("decode escalation task input: %w", err)
	}
	target, _ := evoInput.Params["failing_agent_id"].(string)
	failingTaskRaw, _ := evoInput.Params["failing_task_id"].(string)
	if target == "" || failingTaskRaw == "" {
		return fmt.Errorf("escalation task %s carries no failure case", evoTask.ID)
	}
	failingTaskID, err := uuid.Parse(failingTaskRaw)
	if err != nil {
		return fmt.Errorf("escalation task %s: bad failing_task_id: %w", evoTask.ID, err)
	}

	// Replay guards run before the install so a replayed completion event
	// neither stacks prompt versions nor re-enqueues the agent. The applied
	// event covers replays after the retry task already finished; the
	// runnable check covers replays while it is still queued or running.
	applied, err := c.events.ExistsForTask(dbctx.New(ctx), evoTask.ID, types.EventEvolutionApplied)
	if err != nil {
		return err
	}
	if applied {
		c.log.Info("Proposal already applied", "job_id", evoTask.JobID, "agent_id", target)
		return nil
	}
	runnable, err := c.tasks.ExistsRunnableForJobAgent(dbctx.New(ctx), evoTask.JobID, target)
	if err != nil {
		return err
	}
	if runnable {
		c.log.Info("Re-enqueue skipped, runnable task exists", "job_id", evoTask.JobID, "agent_id", target)
		return nil
	}

	var proposal struct {
		PromptText string `json:"prompt_text"`
		Rationale  string `json:"rationale"`
	}
	if err := json.Unmarshal(evoTask.OutputData, &proposal); err != nil {
		return fmt.Errorf("decode proposal from task %s: %w", evoTask.ID, err)
	}
	if proposal.PromptText == "" {
		return fmt.Errorf("proposal from task %s has empty prompt_text", evoTask.ID)
	}

	installed, err := c.prompts.Install(ctx, target, proposal.PromptText, "evolution")
	if err != nil {
		return err
	}

	failed, err := c.tasks.GetByID(dbctx.New(ctx), failingTaskID)
	if err != nil {
		return fmt.Errorf("load failing task %s: %w", failingTaskID, err)
	}
	retryInput, err := types.DecodeTaskInput(failed.InputData)
	if err != nil {
		return fmt.Errorf("decode failing task input: %w", err)
	}
	retryInput.Params["retry_with_improved_prompt"] = true
	encoded, err := retryInput.Encode()
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	retry := &types.Task{
		ID:         uuid.New(),
		JobID:      failed.JobID,
		AgentID:    target,
		Status:     types.TaskPending,
		InputData:  encoded,
		RetryCount: failed.RetryCount,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := c.tasks.Create(dbctx.New(ctx), []*types.Task{retry}); err != nil {
		return err
	}
	// Keyed on the escalation task so the applied guard above finds it.
	jobID := evoTask.JobID
	evoTaskID := evoTask.ID
	if err := c.events.Append(dbctx.New(ctx), &types.SystemEvent{
		JobID:     &jobID,
		TaskID:    &evoTaskID,
		AgentID:   target,
		EventType: types.EventEvolutionApplied,
		Detail: mustDetail(map[string]any{
			"prompt_version":  installed.Version,
			"failing_task_id": failingTaskID.String(),
			"retry_task_id":   retry.ID.String(),
		}),
	}); err != nil {
		return err
	}
	c.log.Info("Evolution applied",
		"job_id", evoTask.JobID, "agent_id", target, "prompt_version", installed.Version, "retry_task_id", retry.ID)
	return nil
}

func mustDetail(detail map[string]any) datatypes.JSON {
	b, err := json.Marshal(detail)
	if err != nil {
		return nil
	}
	return datatypes.JSON(b)
}
