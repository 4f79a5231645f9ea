package pipeline

import (
	"context"
	"errors"
	"testing"

	"github.com/atelierhq/helix/internal/data/repos/testutil"
	types "github.com/atelierhq/helix/internal/domain"
	"github.com/atelierhq/helix/internal/pkg/dbctx"
	pkgerrors "github.com/atelierhq/helix/internal/pkg/errors"
)

func TestPromptRepo(t *testing.T) {
	db := testutil.DB(t)
	tx := testutil.Tx(t, db)

	ctx := context.Background()
	dbc := dbctx.Context{Ctx: ctx, Tx: tx}
	repo := NewPromptRepo(db, testutil.Logger(t))

	if _, err := repo.GetActive(dbc, "brief"); !errors.Is(err, pkgerrors.ErrMissingBaseline) {
		t.Fatalf("GetActive without baseline: err=%v, want ErrMissingBaseline", err)
	}

	if err := repo.EnsureBaseline(dbc, "brief", "baseline text"); err != nil {
		t.Fatalf("EnsureBaseline: %v", err)
	}
	// Idempotent: the second call neither errors nor duplicates.
	if err := repo.EnsureBaseline(dbc, "brief", "other text"); err != nil {
		t.Fatalf("EnsureBaseline replay: %v", err)
	}

	active, err := repo.GetActive(dbc, "brief")
	if err != nil {
		t.Fatalf("GetActive baseline: %v", err)
	}
	if active.Version != types.BaselinePromptVersion || active.PromptText != "baseline text" {
		t.Fatalf("GetActive baseline: %+v", active)
	}

	v1, err := repo.Install(dbc, "brief", "improved text", "evolution")
	if err != nil {
		t.Fatalf("Install: %v", err)
	}
	if !v1.IsActive || v1.Version == types.BaselinePromptVersion {
		t.Fatalf("Install: %+v", v1)
	}
	active, err = repo.GetActive(dbc, "brief")
	if err != nil {
		t.Fatalf("GetActive after install: %v", err)
	}
	if active.ID != v1.ID {
		t.Fatalf("GetActive after install: got %v, want %v", active.ID, v1.ID)
	}

	v2, err := repo.Install(dbc, "brief", "even better", "evolution")
	if err != nil {
		t.Fatalf("Install #2: %v", err)
	}
	versions, err := repo.ListVersions(dbc, "brief")
	if err != nil {
		t.Fatalf("ListVersions: %v", err)
	}
	actives := 0
	for _, p := range versions {
		if p.IsActive {
			actives++
		}
	}
	if len(versions) != 3 || actives != 1 {
		t.Fatalf("ListVersions: len=%d actives=%d", len(versions), actives)
	}

	if err := repo.RollbackTo(dbc, "brief", v1.Version); err != nil {
		t.Fatalf("RollbackTo: %v", err)
	}
	active, err = repo.GetActive(dbc, "brief")
	if err != nil {
		t.Fatalf("GetActive after rollback: %v", err)
	}
	if active.ID != v1.ID {
		t.Fatalf("GetActive after rollback: got %v, want %v", active.ID, v1.ID)
	}

	if err := repo.RollbackTo(dbc, "brief", "v-does-not-exist"); !errors.Is(err, pkgerrors.ErrNotFound) {
		t.Fatalf("RollbackTo unknown version: err=%v, want ErrNotFound", err)
	}

	// Rolling back to v0 deactivates everything; GetActive falls through
	// to the baseline.
	if err := repo.RollbackTo(dbc, "brief", types.BaselinePromptVersion); err != nil {
		t.Fatalf("RollbackTo v0: %v", err)
	}
	active, err = repo.GetActive(dbc, "brief")
	if err != nil {
		t.Fatalf("GetActive after rollback to v0: %v", err)
	}
	if active.Version != types.BaselinePromptVersion {
		t.Fatalf("GetActive after rollback to v0: %+v", active)
	}

	// Retention: v1 and v2 are now inactive; keep 1 purges the older one.
	purged, err := repo.PurgeInactive(dbc, "brief", 1)
	if err != nil {
		t.Fatalf("PurgeInactive: %v", err)
	}
	if purged != 1 {
		t.Fatalf("PurgeInactive: purged=%d, want 1", purged)
	}
	versions, _ = repo.ListVersions(dbc, "brief")
	for _, p := range versions {
		if p.ID == v1.ID {
			t.Fatalf("PurgeInactive: older inactive version survived")
		}
	}
	found := false
	for _, p := range versions {
		if p.ID == v2.ID {
			found = true
		}
	}
	if !found {
		t.Fatalf("PurgeInactive: newest inactive version deleted")
	}

	agents, err := repo.AgentIDs(dbc)
	if err != nil {
		t.Fatalf("AgentIDs: %v", err)
	}
	if len(agents) != 1 || agents[0] != "brief" {
		t.Fatalf("AgentIDs: %v", agents)
	}
}
