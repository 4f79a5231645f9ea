package pipeline

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	types "github.com/atelierhq/helix/internal/domain"
	"github.com/atelierhq/helix/internal/pkg/dbctx"
	pkgerrors "github.com/atelierhq/helix/internal/pkg/errors"
	"github.com/atelierhq/helix/internal/pkg/logger"
)

type PromptRepo interface {
	// GetActive returns the active prompt for the agent, falling back to the
	// v0 baseline. ErrMissingBaseline when neither exists.
	GetActive(dbc dbctx.Context, agentID string) (*types.Prompt, error)
	// Install demotes any active row and inserts a fresh active version in
	// one transaction.
	Install(dbc dbctx.Context, agentID, promptText, author string) (*types.Prompt, error)
	// RollbackTo re-activates a historical version. Rolling back to v0
	// leaves no active row; GetActive then serves the baseline.
	RollbackTo(dbc dbctx.Context, agentID, version string) error
	// EnsureBaseline inserts the v0 row if the agent has none.
	EnsureBaseline(dbc dbctx.Context, agentID, promptText string) error
	ListVersions(dbc dbctx.Context, agentID string) ([]*types.Prompt, error)
	// PurgeInactive deletes inactive non-baseline versions beyond the newest
	// keep rows.
	PurgeInactive(dbc dbctx.Context, agentID string, keep int) (int, error)
	AgentIDs(dbc dbctx.Context) ([]string, error)
}

type promptRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewPromptRepo(db *gorm.DB, baseLog *logger.Logger) PromptRepo {
	return &promptRepo{
		db:  db,
		log: baseLog.With("repo", "PromptRepo"),
	}
}

func (r *promptRepo) GetActive(dbc dbctx.Context, agentID string) (*types.Prompt, error) {
	tx := conn(dbc, r.db).WithContext(dbc.Ctx)
	var prompt types.Prompt
	err := tx.Where("agent_id = ? AND is_active = ? AND version <> ?", agentID, true, types.BaselinePromptVersion).
		Limit(1).
		Find(&prompt).Error
	if err != nil {
		return nil, err
	}
	if prompt.ID != uuid.Nil {
		return &prompt, nil
	}
	err = tx.Where("agent_id = ? AND version = ?", agentID, types.BaselinePromptVersion).
		Limit(1).
		Find(&prompt).Error
	if err != nil {
		return nil, err
	}
	if prompt.ID == uuid.Nil {
		return nil, pkgerrors.ErrMissingBaseline
	}
	return &prompt, nil
}

func (r *promptRepo) Install(dbc dbctx.Context, agentID, promptText, author string) (*types.Prompt, error) {
	now := time.Now().UTC()
	prompt := &types.Prompt{
		ID:         uuid.New(),
		AgentID:    agentID,
		Version:    fmt.Sprintf("v%s-%s", now.Format("20060102T150405"), uuid.NewString()[:8]),
		PromptText: promptText,
		IsActive:   true,
		CreatedBy:  author,
		CreatedAt:  now,
	}
	err := conn(dbc, r.db).WithContext(dbc.Ctx).Transaction(func(txx *gorm.DB) error {
		if err := txx.Model(&types.Prompt{}).
			Where("agent_id = ? AND is_active = ?", agentID, true).
			Update("is_active", false).Error; err != nil {
			return err
		}
		if err := txx.Create(prompt).Error; err != nil {
			return err
		}
		return txx.Create(&types.SystemEvent{
			ID:        uuid.New(),
			AgentID:   agentID,
			EventType: types.EventPromptInstalled,
			CreatedAt: now,
		}).Error
	})
	if err != nil {
		return nil, err
	}
	return prompt, nil
}

func (r *promptRepo) RollbackTo(dbc dbctx.Context, agentID, version string) error {
	now := time.Now().UTC()
	return conn(dbc, r.db).WithContext(dbc.Ctx).Transaction(func(txx *gorm.DB) error {
		if err := txx.Model(&types.Prompt{}).
			Where("agent_id = ? AND is_active = ?", agentID, true).
			Update("is_active", false).Error; err != nil {
			return err
		}
		if version != types.BaselinePromptVersion {
			res := txx.Model(&types.Prompt{}).
				Where("agent_id = ? AND version = ?", agentID, version).
				Update("is_active", true)
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				return pkgerrors.ErrNotFound
			}
		}
		return txx.Create(&types.SystemEvent{
			ID:        uuid.New(),
			AgentID:   agentID,
			EventType: types.EventPromptRolledBack,
			CreatedAt: now,
		}).Error
	})
}

func (r *promptRepo) EnsureBaseline(dbc dbctx.Context, agentID, promptText string) error {
	tx := conn(dbc, r.db).WithContext(dbc.Ctx)
	var count int64
	if err := tx.Model(&types.Prompt{}).
		Where("agent_id = ? AND version = ?", agentID, types.BaselinePromptVersion).
		Count(&count).Error; err != nil {
		return err
	}
	if count > 0 {
		return nil
	}
	err := tx.Create(&types.Prompt{
		ID:         uuid.New(),
		AgentID:    agentID,
		Version:    types.BaselinePromptVersion,
		PromptText: promptText,
		IsActive:   false,
		CreatedBy:  "init",
		CreatedAt:  time.Now().UTC(),
	}).Error
	if err != nil && isUniqueViolation(err) {
		// Another process seeded the baseline first.
		return nil
	}
	return err
}

func (r *promptRepo) ListVersions(dbc dbctx.Context, agentID string) ([]*types.Prompt, error) {
	var out []*types.Prompt
	err := conn(dbc, r.db).WithContext(dbc.Ctx).
		Where("agent_id = ?", agentID).
		Order("created_at DESC").
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *promptRepo) PurgeInactive(dbc dbctx.Context, agentID string, keep int) (int, error) {
	if keep < 1 {
		keep = 1
	}
	tx := conn(dbc, r.db).WithContext(dbc.Ctx)
	var candidates []*types.Prompt
	err := tx.Where("agent_id = ? AND is_active = ? AND version <> ?", agentID, false, types.BaselinePromptVersion).
		Order("created_at DESC").
		Find(&candidates).Error
	if err != nil {
		return 0, err
	}
	if len(candidates) <= keep {
		return 0, nil
	}
	ids := make([]uuid.UUID, 0, len(candidates)-keep)
	for _, p := range candidates[keep:] {
		ids = append(ids, p.ID)
	}
	res := tx.Where("id IN ?", ids).Delete(&types.Prompt{})
	if res.Error != nil {
		return 0, res.Error
	}
	return int(res.RowsAffected), nil
}

func (r *promptRepo) AgentIDs(dbc dbctx.Context) ([]string, error) {
	var out []string
	err := conn(dbc, r.db).WithContext(dbc.Ctx).Model(&types.Prompt{}).
		Distinct("agent_id").
		Pluck("agent_id", &out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}
