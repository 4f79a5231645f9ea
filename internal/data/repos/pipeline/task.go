package pipeline

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	types "github.com/atelierhq/helix/internal/domain"
	"github.com/atelierhq/helix/internal/pkg/dbctx"
	pkgerrors "github.com/atelierhq/helix/internal/pkg/errors"
	"github.com/atelierhq/helix/internal/pkg/logger"
)

type TaskRepo interface {
	Create(dbc dbctx.Context, tasks []*types.Task) error
	GetByID(dbc dbctx.Context, id uuid.UUID) (*types.Task, error)
	ListByJob(dbc dbctx.Context, jobID uuid.UUID) ([]*types.Task, error)
	// ClaimNext atomically hands the oldest claimable PENDING task for the
	// agent to the calling worker, or returns nil when there is no work.
	ClaimNext(dbc dbctx.Context, agentID, workerID string, retryDelay time.Duration) (*types.Task, error)
	// CompleteWithArtifact inserts the artifact and marks the task COMPLETED
	// in one transaction. Either both happen or neither does.
	CompleteWithArtifact(dbc dbctx.Context, taskID uuid.UUID, workerID, artifactName, schemaID string, payload datatypes.JSON) error
	// Fail transitions the task to FAILED, or back to PENDING with an
	// incremented retry_count when the classification permits another
	// attempt. Returns whether the task will be retried.
	Fail(dbc dbctx.Context, taskID uuid.UUID, workerID, errorLog, classification string, maxRetries int) (bool, error)
	Heartbeat(dbc dbctx.Context, taskID uuid.UUID, workerID string) error
	// RecoverZombies handles IN_PROGRESS tasks whose heartbeat expired:
	// under the retry cap they go back to PENDING with retry_count
	// incremented, at the cap they fail terminally. Returns how many were
	// requeued and how many failed.
	RecoverZombies(dbc dbctx.Context, threshold time.Duration, maxRetries int) (requeued, failed int, err error)
	ListCompletedSince(dbc dbctx.Context, since time.Time, limit int) ([]*types.Task, error)
	ListTerminalFailedSince(dbc dbctx.Context, since time.Time, limit int) ([]*types.Task, error)
	ExistsForJobAgent(dbc dbctx.Context, jobID uuid.UUID, agentID string) (bool, error)
	ExistsRunnableForJobAgent(dbc dbctx.Context, jobID uuid.UUID, agentID string) (bool, error)
	LatestCompletedForJobAgent(dbc dbctx.Context, jobID uuid.UUID, agentID string) (*types.Task, error)
}

type taskRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewTaskRepo(db *gorm.DB, baseLog *logger.Logger) TaskRepo {
	return &taskRepo{
		db:  db,
		log: baseLog.With("repo", "TaskRepo"),
	}
}

func (r *taskRepo) Create(dbc dbctx.Context, tasks []*types.Task) error {
	if len(tasks) == 0 {
		return nil
	}
	return conn(dbc, r.db).WithContext(dbc.Ctx).Create(&tasks).Error
}

func (r *taskRepo) GetByID(dbc dbctx.Context, id uuid.UUID) (*types.Task, error) {
	var task types.Task
	err := conn(dbc, r.db).WithContext(dbc.Ctx).First(&task, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, pkgerrors.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &task, nil
}

func (r *taskRepo) ListByJob(dbc dbctx.Context, jobID uuid.UUID) ([]*types.Task, error) {
	var out []*types.Task
	err := conn(dbc, r.db).WithContext(dbc.Ctx).
		Where("job_id = ?", jobID).
		Order("created_at ASC, id ASC").
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *taskRepo) ClaimNext(dbc dbctx.Context, agentID, workerID string, retryDelay time.Duration) (*types.Task, error) {
	now := time.Now().UTC()
	retryCutoff := now.Add(-retryDelay)
	var claimed *types.Task
	err := conn(dbc, r.db).WithContext(dbc.Ctx).Transaction(func(txx *gorm.DB) error {
		var task types.Task
		// last_error_at is NULL on first attempts; the predicate has to say
		// so explicitly or retried rows would shadow fresh ones under SQL
		// three-valued logic.
		q := txx.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Where("agent_id = ? AND status = ?", agentID, types.TaskPending).
			Where("(last_error_at IS NULL OR last_error_at < ?)", retryCutoff).
			Order("created_at ASC, id ASC")
		qErr := q.First(&task).Error
		if errors.Is(qErr, gorm.ErrRecordNotFound) {
			return nil
		}
		if qErr != nil {
			return qErr
		}
		if uErr := txx.Model(&types.Task{}).
			Where("id = ?", task.ID).
			Updates(map[string]interface{}{
				"status":       types.TaskInProgress,
				"claimed_by":   workerID,
				"assigned_at":  now,
				"started_at":   now,
				"heartbeat_at": now,
				"updated_at":   now,
			}).Error; uErr != nil {
			return uErr
		}
		if uErr := txx.Model(&types.Job{}).
			Where("id = ? AND status = ?", task.JobID, types.JobPending).
			Updates(map[string]interface{}{
				"status":     types.JobInProgress,
				"updated_at": now,
			}).Error; uErr != nil {
			return uErr
		}
		if eErr := appendTaskEvent(txx, &task, types.EventTaskClaimed, map[string]any{"worker_id": workerID}); eErr != nil {
			return eErr
		}
		task.Status = types.TaskInProgress
		task.ClaimedBy = workerID
		task.AssignedAt = &now
		task.StartedAt = &now
		task.HeartbeatAt = &now
		task.UpdatedAt = now
		claimed = &task
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

func (r *taskRepo) CompleteWithArtifact(dbc dbctx.Context, taskID uuid.UUID, workerID, artifactName, schemaID string, payload datatypes.JSON) error {
	now := time.Now().UTC()
	return conn(dbc, r.db).WithContext(dbc.Ctx).Transaction(func(txx *gorm.DB) error {
		var task types.Task
		err := txx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&task, "id = ?", taskID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return pkgerrors.ErrNotFound
		}
		if err != nil {
			return err
		}
		if task.Status != types.TaskInProgress {
			return pkgerrors.ErrNotInProgress
		}
		if task.ClaimedBy != workerID {
			return pkgerrors.ErrNotClaimant
		}
		artifact := &types.Artifact{
			ID:        uuid.New(),
			TaskID:    task.ID,
			JobID:     task.JobID,
			Name:      artifactName,
			SchemaID:  schemaID,
			Payload:   payload,
			CreatedAt: now,
		}
		if cErr := txx.Create(artifact).Error; cErr != nil {
			if isUniqueViolation(cErr) {
				return pkgerrors.ErrDuplicateArtifact
			}
			return cErr
		}
		if uErr := txx.Model(&types.Task{}).
			Where("id = ?", task.ID).
			Updates(map[string]interface{}{
				"status":       types.TaskCompleted,
				"output_data":  payload,
				"completed_at": now,
				"updated_at":   now,
			}).Error; uErr != nil {
			return uErr
		}
		return appendTaskEvent(txx, &task, types.EventTaskCompleted, map[string]any{
			"artifact_name": artifactName,
			"schema_id":     schemaID,
		})
	})
}

func (r *taskRepo) Fail(dbc dbctx.Context, taskID uuid.UUID, workerID, errorLog, classification string, maxRetries int) (bool, error) {
	now := time.Now().UTC()
	var retrying bool
	err := conn(dbc, r.db).WithContext(dbc.Ctx).Transaction(func(txx *gorm.DB) error {
		var task types.Task
		err := txx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&task, "id = ?", taskID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return pkgerrors.ErrNotFound
		}
		if err != nil {
			return err
		}
		if task.Status != types.TaskInProgress {
			return pkgerrors.ErrNotInProgress
		}
		if workerID != "" && task.ClaimedBy != workerID {
			return pkgerrors.ErrNotClaimant
		}
		retrying = retryableClass(classification) && task.RetryCount < maxRetries
		updates := map[string]interface{}{
			"error_log":      errorLog,
			"classification": classification,
			"last_error_at":  now,
			"updated_at":     now,
		}
		eventType := types.EventTaskFailed
		if retrying {
			eventType = types.EventTaskRetrying
			updates["status"] = types.TaskPending
			updates["retry_count"] = gorm.Expr("retry_count + 1")
			updates["claimed_by"] = ""
			updates["assigned_at"] = nil
			updates["started_at"] = nil
			updates["heartbeat_at"] = nil
		} else {
			updates["status"] = types.TaskFailed
		}
		if uErr := txx.Model(&types.Task{}).Where("id = ?", task.ID).Updates(updates).Error; uErr != nil {
			return uErr
		}
		return appendTaskEvent(txx, &task, eventType, map[string]any{
			"classification": classification,
			"retry_count":    task.RetryCount,
			"error":          errorLog,
		})
	})
	if err != nil {
		return false, err
	}
	return retrying, nil
}

func retryableClass(classification string) bool {
	switch classification {
	case types.ClassRetryable, types.ClassRateLimited, types.ClassValidation, types.ClassTimeout, types.ClassZombie:
		return true
	}
	return false
}

func (r *taskRepo) Heartbeat(dbc dbctx.Context, taskID uuid.UUID, workerID string) error {
	now := time.Now().UTC()
	res := conn(dbc, r.db).WithContext(dbc.Ctx).Model(&types.Task{}).
		Where("id = ? AND status = ? AND claimed_by = ?", taskID, types.TaskInProgress, workerID).
		Updates(map[string]interface{}{
			"heartbeat_at": now,
			"updated_at":   now,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return pkgerrors.ErrNotInProgress
	}
	return nil
}

func (r *taskRepo) RecoverZombies(dbc dbctx.Context, threshold time.Duration, maxRetries int) (int, int, error) {
	now := time.Now().UTC()
	cutoff := now.Add(-threshold)
	var requeued, failed int
	err := conn(dbc, r.db).WithContext(dbc.Ctx).Transaction(func(txx *gorm.DB) error {
		var zombies []*types.Task
		// A task without a heartbeat in IN_PROGRESS should not exist, but the
		// NULL branch keeps the sweep from silently skipping one if it does.
		if qErr := txx.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Where("status = ?", types.TaskInProgress).
			Where("(heartbeat_at IS NULL OR heartbeat_at < ?)", cutoff).
			Find(&zombies).Error; qErr != nil {
			return qErr
		}
		for _, task := range zombies {
			updates := map[string]interface{}{
				"classification": types.ClassZombie,
				"claimed_by":     "",
				"assigned_at":    nil,
				"started_at":     nil,
				"heartbeat_at":   nil,
				"last_error_at":  now,
				"updated_at":     now,
			}
			eventType := types.EventTaskZombieRecovered
			// Each recovery consumes a retry so a worker that keeps dying on
			// the same task cannot requeue it forever.
			if task.RetryCount < maxRetries {
				updates["status"] = types.TaskPending
				updates["retry_count"] = gorm.Expr("retry_count + 1")
				requeued++
			} else {
				updates["status"] = types.TaskFailed
				updates["error_log"] = "worker heartbeat expired"
				eventType = types.EventTaskFailed
				failed++
			}
			if uErr := txx.Model(&types.Task{}).
				Where("id = ?", task.ID).
				Updates(updates).Error; uErr != nil {
				return uErr
			}
			if eErr := appendTaskEvent(txx, task, eventType, map[string]any{
				"claimed_by":     task.ClaimedBy,
				"classification": types.ClassZombie,
				"retry_count":    task.RetryCount,
			}); eErr != nil {
				return eErr
			}
		}
		return nil
	})
	if err != nil {
		return 0, 0, err
	}
	return requeued, failed, nil
}

func (r *taskRepo) ListCompletedSince(dbc dbctx.Context, since time.Time, limit int) ([]*types.Task, error) {
	var out []*types.Task
	q := conn(dbc, r.db).WithContext(dbc.Ctx).
		Where("status = ?", types.TaskCompleted).
		Where("(completed_at IS NOT NULL AND completed_at >= ?)", since).
		Order("completed_at ASC, id ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *taskRepo) ListTerminalFailedSince(dbc dbctx.Context, since time.Time, limit int) ([]*types.Task, error) {
	var out []*types.Task
	q := conn(dbc, r.db).WithContext(dbc.Ctx).
		Where("status = ?", types.TaskFailed).
		Where("(last_error_at IS NOT NULL AND last_error_at >= ?)", since).
		Order("last_error_at ASC, id ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *taskRepo) ExistsForJobAgent(dbc dbctx.Context, jobID uuid.UUID, agentID string) (bool, error) {
	var count int64
	err := conn(dbc, r.db).WithContext(dbc.Ctx).Model(&types.Task{}).
		Where("job_id = ? AND agent_id = ?", jobID, agentID).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (r *taskRepo) ExistsRunnableForJobAgent(dbc dbctx.Context, jobID uuid.UUID, agentID string) (bool, error) {
	var count int64
	err := conn(dbc, r.db).WithContext(dbc.Ctx).Model(&types.Task{}).
		Where("job_id = ? AND agent_id = ? AND status IN ?",
			jobID, agentID, []string{types.TaskPending, types.TaskInProgress},
		).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (r *taskRepo) LatestCompletedForJobAgent(dbc dbctx.Context, jobID uuid.UUID, agentID string) (*types.Task, error) {
	var task types.Task
	err := conn(dbc, r.db).WithContext(dbc.Ctx).
		Where("job_id = ? AND agent_id = ? AND status = ?", jobID, agentID, types.TaskCompleted).
		Order("completed_at DESC").
		Limit(1).
		Find(&task).Error
	if err != nil {
		return nil, err
	}
	if task.ID == uuid.Nil {
		return nil, nil
	}
	return &task, nil
}

func appendTaskEvent(txx *gorm.DB, task *types.Task, eventType string, detail map[string]any) error {
	var detailJSON datatypes.JSON
	if detail != nil {
		b, err := json.Marshal(detail)
		if err != nil {
			return err
		}
		detailJSON = datatypes.JSON(b)
	}
	jobID := task.JobID
	taskID := task.ID
	return txx.Create(&types.SystemEvent{
		ID:        uuid.New(),
		JobID:     &jobID,
		TaskID:    &taskID,
		AgentID:   task.AgentID,
		EventType: eventType,
		Detail:    detailJSON,
		CreatedAt: time.Now().UTC(),
	}).Error
}
