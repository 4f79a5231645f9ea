// Package service exposes the pipeline operations the HTTP layer calls:
// job submission, status reads, artifact reads and cancellation.
package service

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
	pkgerrors "github.com/atelierhq/helix/internal/pkg/errors"
	"github.com/atelierhq/helix/internal/pkg/logger"
	"github.com/atelierhq/helix/internal/workflow"
)

type PipelineService struct {
	log       *logger.Logger
	wf        *workflow.Definition
	jobs      pipeline.JobRepo
	tasks     pipeline.TaskRepo
	artifacts pipeline.ArtifactRepo
	events    pipeline.EventRepo
}

func NewPipelineService(wf *workflow.Definition, jobs pipeline.JobRepo, tasks pipeline.TaskRepo, artifacts pipeline.ArtifactRepo, events pipeline.EventRepo, baseLog *logger.Logger) *PipelineService {
	return &PipelineService{
		log:       baseLog.With("service", "PipelineService"),
		wf:        wf,
		jobs:      jobs,
		tasks:     tasks,
		artifacts: artifacts,
		events:    events,
	}
}

type SubmitJobRequest struct {
	ChatInput string         `json:"chat_input" binding:"required"`
	SessionID string         `json:"session_id"`
	Params    map[string]any `json:"params"`
}

type TaskSummary struct {
	ID             uuid.UUID  `json:"id"`
	AgentID        string     `json:"agent_id"`
	Status         string     `json:"status"`
	Classification string     `json:"classification,omitempty"`
	RetryCount     int        `json:"retry_count"`
	ErrorLog       string     `json:"error_log,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
}

type JobView struct {
	ID           uuid.UUID     `json:"id"`
	Status       string        `json:"status"`
	ErrorMessage string        `json:"error_message,omitempty"`
	CreatedAt    time.Time     `json:"created_at"`
	CompletedAt  *time.Time    `json:"completed_at,omitempty"`
	Tasks        []TaskSummary `json:"tasks"`
}

// SubmitJob persists the job together with its first task so a worker can
// claim work the moment the transaction commits.
func (s *PipelineService) SubmitJob(ctx context.Context, req SubmitJobRequest) (*types.Job, error) {
	initial := map[string]any{
		"chat_input": req.ChatInput,
	}
	if req.SessionID != "" {
		initial["session_id"] = req.SessionID
	}
	for k, v := range req.Params {
		initial[k] = v
	}
	raw, err := json.Marshal(initial)
	if err != nil {
		return nil, err
	}
	input := types.TaskInput{Params: initial}
	job, task, err := s.jobs.CreateWithFirstTask(dbctx.New(ctx), datatypes.JSON(raw), s.wf.First(), input)
	if err != nil {
		return nil, err
	}
	s.log.Info("Job submitted", "job_id", job.ID, "first_task_id", task.ID, "first_agent", s.wf.First())
	return job, nil
}

func (s *PipelineService) GetJob(ctx context.Context, id uuid.UUID) (*JobView, error) {
	job, err := s.jobs.GetByID(dbctx.New(ctx), id)
	if err != nil {
		return nil, err
	}
	tasks, err := s.tasks.ListByJob(dbctx.New(ctx), id)
	if err != nil {
		return nil, err
	}
	view := &JobView{
		ID:           job.ID,
		Status:       job.Status,
		ErrorMessage: job.ErrorMessage,
		CreatedAt:    job.CreatedAt,
		CompletedAt:  job.CompletedAt,
		Tasks:        make([]TaskSummary, 0, len(tasks)),
	}
	for _, t := range tasks {
		view.Tasks = append(view.Tasks, TaskSummary{
			ID:             t.ID,
			AgentID:        t.AgentID,
			Status:         t.Status,
			Classification: t.Classification,
			RetryCount:     t.RetryCount,
			ErrorLog:       t.ErrorLog,
			CreatedAt:      t.CreatedAt,
			CompletedAt:    t.CompletedAt,
		})
	}
	return view, nil
}

func (s *PipelineService) GetTask(ctx context.Context, id uuid.UUID) (*types.Task, error) {
	return s.tasks.GetByID(dbctx.New(ctx), id)
}

func (s *PipelineService) GetArtifact(ctx context.Context, taskID uuid.UUID, name string) (*types.Artifact, error) {
	return s.artifacts.GetByTaskAndName(dbctx.New(ctx), taskID, name)
}

func (s *PipelineService) ListJobEvents(ctx context.Context, jobID uuid.UUID) ([]*types.SystemEvent, error) {
	if _, err := s.jobs.GetByID(dbctx.New(ctx), jobID); err != nil {
		return nil, err
	}
	return s.events.ListByJob(dbctx.New(ctx), jobID)
}

// CancelJob marks the job CANCELLED. Running tasks observe the status on
// their next checkpoint; cancellation never yanks a claim mid-execution.
func (s *PipelineService) CancelJob(ctx context.Context, id uuid.UUID) error {
	applied, err := s.jobs.MarkCancelled(dbctx.New(ctx), id)
	if err != nil {
		return err
	}
	if !applied {
		job, err := s.jobs.GetByID(dbctx.New(ctx), id)
		if err != nil {
			return err
		}
		return fmt.Errorf("%w: job is %s", pkgerrors.ErrNotInProgress, job.Status)
	}
	s.log.Info("Job cancelled", "job_id", id)
	return nil
}
