package pipeline

import (
	"errors"

	"github.com/google/uuid"
	"gorm.io/gorm"

	types "github.com/atelierhq/helix/internal/domain"
	"github.com/atelierhq/helix/internal/pkg/dbctx"
	pkgerrors "github.com/atelierhq/helix/internal/pkg/errors"
	"github.com/atelierhq/helix/internal/pkg/logger"
)

type ArtifactRepo interface {
	GetByTaskAndName(dbc dbctx.Context, taskID uuid.UUID, name string) (*types.Artifact, error)
	// GetByRefs resolves a batch of artifact references in a single query.
	// The result is keyed by artifact name; absent refs are simply missing
	// from the map.
	GetByRefs(dbc dbctx.Context, refs []types.ArtifactRef) (map[string]*types.Artifact, error)
	ListByJob(dbc dbctx.Context, jobID uuid.UUID) ([]*types.Artifact, error)
	// ListOrphans returns artifacts whose owning task is not COMPLETED.
	// These should not exist; callers log them and never delete.
	ListOrphans(dbc dbctx.Context) ([]*types.Artifact, error)
}

type artifactRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewArtifactRepo(db *gorm.DB, baseLog *logger.Logger) ArtifactRepo {
	return &artifactRepo{
		db:  db,
		log: baseLog.With("repo", "ArtifactRepo"),
	}
}

func (r *artifactRepo) GetByTaskAndName(dbc dbctx.Context, taskID uuid.UUID, name string) (*types.Artifact, error) {
	var artifact types.Artifact
	err := conn(dbc, r.db).WithContext(dbc.Ctx).
		First(&artifact, "task_id = ? AND name = ?", taskID, name).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, pkgerrors.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &artifact, nil
}

func (r *artifactRepo) GetByRefs(dbc dbctx.Context, refs []types.ArtifactRef) (map[string]*types.Artifact, error) {
	out := make(map[string]*types.Artifact, len(refs))
	if len(refs) == 0 {
		return out, nil
	}
	pairs := make([][]interface{}, 0, len(refs))
	for _, ref := range refs {
		pairs = append(pairs, []interface{}{ref.SourceTaskID, ref.Name})
	}
	var rows []*types.Artifact
	err := conn(dbc, r.db).WithContext(dbc.Ctx).
		Where("(task_id, name) IN ?", pairs).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	for _, a := range rows {
		out[a.Name] = a
	}
	return out, nil
}

func (r *artifactRepo) ListByJob(dbc dbctx.Context, jobID uuid.UUID) ([]*types.Artifact, error) {
	var out []*types.Artifact
	err := conn(dbc, r.db).WithContext(dbc.Ctx).
		Where("job_id = ?", jobID).
		Order("created_at ASC").
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *artifactRepo) ListOrphans(dbc dbctx.Context) ([]*types.Artifact, error) {
	var out []*types.Artifact
	err := conn(dbc, r.db).WithContext(dbc.Ctx).
		Where("NOT EXISTS (SELECT 1 FROM task WHERE task.id = artifact.task_id AND task.status = ?)", types.TaskCompleted).
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}
