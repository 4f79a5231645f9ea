package pipeline

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	types "github.com/atelierhq/helix/internal/domain"
	"github.com/atelierhq/helix/internal/pkg/dbctx"
	"github.com/atelierhq/helix/internal/pkg/logger"
)

type EventRepo interface {
	Append(dbc dbctx.Context, event *types.SystemEvent) error
	ListByJob(dbc dbctx.Context, jobID uuid.UUID) ([]*types.SystemEvent, error)
	// CountByType counts events of one type for a (job, agent) pair. The
	// evolution coordinator uses it to cap evolution cycles.
	CountByType(dbc dbctx.Context, jobID uuid.UUID, agentID, eventType string) (int64, error)
	// ExistsForTask reports whether an event of the type was recorded for
	// the task. Replay guards key on it.
	ExistsForTask(dbc dbctx.Context, taskID uuid.UUID, eventType string) (bool, error)
	PurgeOlderThan(dbc dbctx.Context, cutoff time.Time) (int64, error)
}

type eventRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewEventRepo(db *gorm.DB, baseLog *logger.Logger) EventRepo {
	return &eventRepo{
		db:  db,
		log: baseLog.With("repo", "EventRepo"),
	}
}

func (r *eventRepo) Append(dbc dbctx.Context, event *types.SystemEvent) error {
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}
	return conn(dbc, r.db).WithContext(dbc.Ctx).Create(event).Error
}

func (r *eventRepo) ListByJob(dbc dbctx.Context, jobID uuid.UUID) ([]*types.SystemEvent, error) {
	var out []*types.SystemEvent
	err := conn(dbc, r.db).WithContext(dbc.Ctx).
		Where("job_id = ?", jobID).
		Order("created_at ASC, id ASC").
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *eventRepo) CountByType(dbc dbctx.Context, jobID uuid.UUID, agentID, eventType string) (int64, error) {
	var count int64
	err := conn(dbc, r.db).WithContext(dbc.Ctx).Model(&types.SystemEvent{}).
		Where("job_id = ? AND agent_id = ? AND event_type = ?", jobID, agentID, eventType).
		Count(&count).Error
	if err != nil {
		return 0, err
	}
	return count, nil
}

func (r *eventRepo) ExistsForTask(dbc dbctx.Context, taskID uuid.UUID, eventType string) (bool, error) {
	var count int64
	err := conn(dbc, r.db).WithContext(dbc.Ctx).Model(&types.SystemEvent{}).
		Where("task_id = ? AND event_type = ?", taskID, eventType).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (r *eventRepo) PurgeOlderThan(dbc dbctx.Context, cutoff time.Time) (int64, error) {
	res := conn(dbc, r.db).WithContext(dbc.Ctx).
		Where("created_at < ?", cutoff).
		Delete(&types.SystemEvent{})
	if res.Error != nil {
		return 0, res.Error
	}
	return res.RowsAffected, nil
}
