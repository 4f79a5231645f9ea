package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/atelierhq/helix/internal/data/repos/testutil"
	types "github.com/atelierhq/helix/internal/domain"
	"github.com/atelierhq/helix/internal/pkg/dbctx"
)

func TestEventRepo(t *testing.T) {
	db := testutil.DB(t)
	tx := testutil.Tx(t, db)

	ctx := context.Background()
	dbc := dbctx.Context{Ctx: ctx, Tx: tx}
	repo := NewEventRepo(db, testutil.Logger(t))

	job := testutil.SeedJob(t, ctx, tx, types.JobInProgress)
	jobID := job.ID

	for i := 0; i < 2; i++ {
		if err := repo.Append(dbc, &types.SystemEvent{
			JobID:     &jobID,
			AgentID:   "visual",
			EventType: types.EventEvolutionTriggered,
		}); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	if err := repo.Append(dbc, &types.SystemEvent{
		JobID:     &jobID,
		AgentID:   "brief",
		EventType: types.EventEvolutionTriggered,
	}); err != nil {
		t.Fatalf("Append: %v", err)
	}

	task := testutil.SeedTask(t, ctx, tx, job.ID, "visual", types.TaskFailed)
	taskID := task.ID
	if err := repo.Append(dbc, &types.SystemEvent{
		JobID:     &jobID,
		TaskID:    &taskID,
		AgentID:   "visual",
		EventType: types.EventEvolutionApplied,
	}); err != nil {
		t.Fatalf("Append: %v", err)
	}

	has, err := repo.ExistsForTask(dbc, task.ID, types.EventEvolutionApplied)
	if err != nil || !has {
		t.Fatalf("ExistsForTask applied: has=%v err=%v", has, err)
	}
	has, err = repo.ExistsForTask(dbc, task.ID, types.EventEvolutionTriggered)
	if err != nil || has {
		t.Fatalf("ExistsForTask triggered: has=%v err=%v", has, err)
	}

	n, err := repo.CountByType(dbc, job.ID, "visual", types.EventEvolutionTriggered)
	if err != nil {
		t.Fatalf("CountByType: %v", err)
	}
	if n != 2 {
		t.Fatalf("CountByType: got %d, want 2", n)
	}

	events, err := repo.ListByJob(dbc, job.ID)
	if err != nil {
		t.Fatalf("ListByJob: %v", err)
	}
	if len(events) != 4 {
		t.Fatalf("ListByJob: got %d, want 4", len(events))
	}

	// Prune everything older than now; the four fresh events survive a
	// cutoff in the past.
	purged, err := repo.PurgeOlderThan(dbc, time.Now().UTC().Add(-time.Hour))
	if err != nil {
		t.Fatalf("PurgeOlderThan: %v", err)
	}
	if purged != 0 {
		t.Fatalf("PurgeOlderThan old cutoff: purged=%d, want 0", purged)
	}
	purged, err = repo.PurgeOlderThan(dbc, time.Now().UTC().Add(time.Minute))
	if err != nil {
		t.Fatalf("PurgeOlderThan: %v", err)
	}
	if purged != 4 {
		t.Fatalf("PurgeOlderThan: purged=%d, want 4", purged)
	}
}
