package pipeline

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	types "github.com/atelierhq/helix/internal/domain"
	"github.com/atelierhq/helix/internal/pkg/dbctx"
	pkgerrors "github.com/atelierhq/helix/internal/pkg/errors"
	"github.com/atelierhq/helix/internal/pkg/logger"
)

type JobRepo interface {
	// CreateWithFirstTask inserts the job and its first task in one
	// transaction, so a submitted job always has claimable work.
	CreateWithFirstTask(dbc dbctx.Context, initialRequest datatypes.JSON, firstAgentID string, input types.TaskInput) (*types.Job, *types.Task, error)
	GetByID(dbc dbctx.Context, id uuid.UUID) (*types.Job, error)
	// MarkCompletedIfAllTasksDone completes the job only when no task of the
	// job is still runnable and no terminal failure remains unsuperseded. A
	// FAILED row whose agent later completed a fresh task (the evolution
	// retry path) does not block completion. Returns whether the update
	// applied.
	MarkCompletedIfAllTasksDone(dbc dbctx.Context, id uuid.UUID) (bool, error)
	MarkFailed(dbc dbctx.Context, id uuid.UUID, errorMessage string) (bool, error)
	MarkCancelled(dbc dbctx.Context, id uuid.UUID) (bool, error)
}

type jobRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewJobRepo(db *gorm.DB, baseLog *logger.Logger) JobRepo {
	return &jobRepo{
		db:  db,
		log: baseLog.With("repo", "JobRepo"),
	}
}

func (r *jobRepo) CreateWithFirstTask(dbc dbctx.Context, initialRequest datatypes.JSON, firstAgentID string, input types.TaskInput) (*types.Job, *types.Task, error) {
	encoded, err := input.Encode()
	if err != nil {
		return nil, nil, err
	}
	now := time.Now().UTC()
	job := &types.Job{
		ID:             uuid.New(),
		InitialRequest: initialRequest,
		Status:         types.JobPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	task := &types.Task{
		ID:        uuid.New(),
		JobID:     job.ID,
		AgentID:   firstAgentID,
		Status:    types.TaskPending,
		InputData: encoded,
		CreatedAt: now,
		UpdatedAt: now,
	}
	err = conn(dbc, r.db).WithContext(dbc.Ctx).Transaction(func(txx *gorm.DB) error {
		if err := txx.Create(job).Error; err != nil {
			return err
		}
		return txx.Create(task).Error
	})
	if err != nil {
		return nil, nil, err
	}
	return job, task, nil
}

func (r *jobRepo) GetByID(dbc dbctx.Context, id uuid.UUID) (*types.Job, error) {
	var job types.Job
	err := conn(dbc, r.db).WithContext(dbc.Ctx).First(&job, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, pkgerrors.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &job, nil
}

func (r *jobRepo) MarkCompletedIfAllTasksDone(dbc dbctx.Context, id uuid.UUID) (bool, error) {
	now := time.Now().UTC()
	var applied bool
	err := conn(dbc, r.db).WithContext(dbc.Ctx).Transaction(func(txx *gorm.DB) error {
		res := txx.Model(&types.Job{}).
			Where("id = ? AND status IN ?", id, []string{types.JobPending, types.JobInProgress}).
			Where("NOT EXISTS (SELECT 1 FROM task WHERE task.job_id = ? AND task.status IN ?)",
				id, []string{types.TaskPending, types.TaskInProgress}).
			// A failed row only blocks completion while no later task of the
			// same agent has completed in its place.
			Where(`NOT EXISTS (
				SELECT 1 FROM task f
				WHERE f.job_id = ? AND f.status = ?
				AND NOT EXISTS (
					SELECT 1 FROM task s
					WHERE s.job_id = f.job_id AND s.agent_id = f.agent_id
					AND s.status = ? AND s.created_at >= f.created_at AND s.id <> f.id
				)
			)`, id, types.TaskFailed, types.TaskCompleted).
			Updates(map[string]interface{}{
				"status":       types.JobCompleted,
				"completed_at": now,
				"updated_at":   now,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}
		applied = true
		jobID := id
		return txx.Create(&types.SystemEvent{
			ID:        uuid.New(),
			JobID:     &jobID,
			EventType: types.EventJobCompleted,
			CreatedAt: now,
		}).Error
	})
	return applied, err
}

func (r *jobRepo) MarkFailed(dbc dbctx.Context, id uuid.UUID, errorMessage string) (bool, error) {
	now := time.Now().UTC()
	var applied bool
	err := conn(dbc, r.db).WithContext(dbc.Ctx).Transaction(func(txx *gorm.DB) error {
		res := txx.Model(&types.Job{}).
			Where("id = ? AND status IN ?", id, []string{types.JobPending, types.JobInProgress}).
			Updates(map[string]interface{}{
				"status":        types.JobFailed,
				"error_message": errorMessage,
				"updated_at":    now,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}
		applied = true
		jobID := id
		return txx.Create(&types.SystemEvent{
			ID:        uuid.New(),
			JobID:     &jobID,
			EventType: types.EventJobFailed,
			CreatedAt: now,
		}).Error
	})
	return applied, err
}

func (r *jobRepo) MarkCancelled(dbc dbctx.Context, id uuid.UUID) (bool, error) {
	now := time.Now().UTC()
	res := conn(dbc, r.db).WithContext(dbc.Ctx).Model(&types.Job{}).
		Where("id = ? AND status IN ?", id, []string{types.JobPending, types.JobInProgress}).
		Updates(map[string]interface{}{
			"status":     types.JobCancelled,
			"updated_at": now,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}
