// Package prompt wraps the versioned prompt rows behind the operations the
// workers and the evolution coordinator need. Prompt rows are never mutated
// in place; installation demotes the previous active version in the same
// transaction.
package prompt

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/atelierhq/helix/internal/data/repos/pipeline"
	types "github.com/atelierhq/helix/internal/domain"
	"github.com/atelierhq/helix/internal/pkg/dbctx"
	"github.com/atelierhq/helix/internal/pkg/logger"
)

type Store struct {
	log     *logger.Logger
	prompts pipeline.PromptRepo
}

func NewStore(prompts pipeline.PromptRepo, baseLog *logger.Logger) *Store {
	return &Store{
		log:     baseLog.With("component", "PromptStore"),
		prompts: prompts,
	}
}

// ActiveText returns the prompt text a worker should execute with: the
// active version when one exists, else the v0 baseline.
func (s *Store) ActiveText(ctx context.Context, agentID string) (string, error) {
	row, err := s.prompts.GetActive(dbctx.New(ctx), agentID)
	if err != nil {
		return "", err
	}
	return row.PromptText, nil
}

func (s *Store) Install(ctx context.Context, agentID, promptText, author string) (*types.Prompt, error) {
	installed, err := s.prompts.Install(dbctx.New(ctx), agentID, promptText, author)
	if err != nil {
		return nil, err
	}
	s.log.Info("Prompt installed", "agent_id", agentID, "version", installed.Version, "author", author)
	return installed, nil
}

func (s *Store) RollbackTo(ctx context.Context, agentID, version string) error {
	if err := s.prompts.RollbackTo(dbctx.New(ctx), agentID, version); err != nil {
		return err
	}
	s.log.Info("Prompt rolled back", "agent_id", agentID, "version", version)
	return nil
}

// SeedBaselines loads <agent_id>.txt files from dir and inserts a v0 row
// for each agent that has none. Existing baselines are left untouched.
func (s *Store) SeedBaselines(ctx context.Context, dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("read prompt dir: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".txt") {
			continue
		}
		agentID := strings.TrimSuffix(entry.Name(), ".txt")
		raw, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return fmt.Errorf("read baseline prompt %s: %w", entry.Name(), err)
		}
		if err := s.prompts.EnsureBaseline(dbctx.New(ctx), agentID, string(raw)); err != nil {
			return fmt.Errorf("seed baseline for %s: %w", agentID, err)
		}
	}
	return nil
}
