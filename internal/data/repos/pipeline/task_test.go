package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/atelierhq/helix/internal/data/repos/testutil"
	types "github.com/atelierhq/helix/internal/domain"
	"github.com/atelierhq/helix/internal/pkg/dbctx"
	pkgerrors "github.com/atelierhq/helix/internal/pkg/errors"
)

func TestTaskRepoClaimNext(t *testing.T) {
	db := testutil.DB(t)
	tx := testutil.Tx(t, db)

	ctx := context.Background()
	dbc := dbctx.Context{Ctx: ctx, Tx: tx}
	repo := NewTaskRepo(db, testutil.Logger(t))

	job := testutil.SeedJob(t, ctx, tx, types.JobPending)
	now := time.Now().UTC()

	older := testutil.SeedTask(t, ctx, tx, job.ID, "brief", types.TaskPending)
	setCreatedAt(t, tx, older, now.Add(-2*time.Hour))
	newer := testutil.SeedTask(t, ctx, tx, job.ID, "brief", types.TaskPending)
	setCreatedAt(t, tx, newer, now.Add(-1*time.Hour))

	// A recently failed task must stay invisible until the backoff passes.
	cooling := testutil.SeedTask(t, ctx, tx, job.ID, "brief", types.TaskPending)
	setCreatedAt(t, tx, cooling, now.Add(-3*time.Hour))
	recent := now.Add(-5 * time.Second)
	if err := tx.Model(&types.Task{}).Where("id = ?", cooling.ID).
		Update("last_error_at", recent).Error; err != nil {
		t.Fatalf("set last_error_at: %v", err)
	}

	otherAgent := testutil.SeedTask(t, ctx, tx, job.ID, "visual", types.TaskPending)
	_ = otherAgent

	claim1, err := repo.ClaimNext(dbc, "brief", "w1", time.Minute)
	if err != nil {
		t.Fatalf("ClaimNext #1: %v", err)
	}
	if claim1 == nil || claim1.ID != older.ID {
		t.Fatalf("ClaimNext #1: expected %v got %+v", older.ID, claim1)
	}
	if claim1.Status != types.TaskInProgress || claim1.ClaimedBy != "w1" {
		t.Fatalf("ClaimNext #1: status=%q claimed_by=%q", claim1.Status, claim1.ClaimedBy)
	}
	if claim1.HeartbeatAt == nil || claim1.StartedAt == nil {
		t.Fatalf("ClaimNext #1: missing timestamps %+v", claim1)
	}

	// Claiming flips the job to in_progress.
	var gotJob types.Job
	if err := tx.First(&gotJob, "id = ?", job.ID).Error; err != nil {
		t.Fatalf("load job: %v", err)
	}
	if gotJob.Status != types.JobInProgress {
		t.Fatalf("job status = %q, want in_progress", gotJob.Status)
	}

	claim2, err := repo.ClaimNext(dbc, "brief", "w1", time.Minute)
	if err != nil {
		t.Fatalf("ClaimNext #2: %v", err)
	}
	if claim2 == nil || claim2.ID != newer.ID {
		t.Fatalf("ClaimNext #2: expected %v got %+v", newer.ID, claim2)
	}

	claim3, err := repo.ClaimNext(dbc, "brief", "w1", time.Minute)
	if err != nil {
		t.Fatalf("ClaimNext #3: %v", err)
	}
	if claim3 != nil {
		t.Fatalf("ClaimNext #3: expected nil while backoff holds, got %v", claim3.ID)
	}

	// With no backoff the cooling task becomes claimable again.
	claim4, err := repo.ClaimNext(dbc, "brief", "w1", 0)
	if err != nil {
		t.Fatalf("ClaimNext #4: %v", err)
	}
	if claim4 == nil || claim4.ID != cooling.ID {
		t.Fatalf("ClaimNext #4: expected %v got %+v", cooling.ID, claim4)
	}

	events := countEvents(t, tx, job.ID, types.EventTaskClaimed)
	if events != 3 {
		t.Fatalf("task.claimed events = %d, want 3", events)
	}
}

func TestTaskRepoCompleteWithArtifact(t *testing.T) {
	db := testutil.DB(t)
	tx := testutil.Tx(t, db)

	ctx := context.Background()
	dbc := dbctx.Context{Ctx: ctx, Tx: tx}
	repo := NewTaskRepo(db, testutil.Logger(t))

	job := testutil.SeedJob(t, ctx, tx, types.JobInProgress)
	task := testutil.SeedInProgressTask(t, ctx, tx, job.ID, "brief", "w1", time.Now().UTC())
	payload := datatypes.JSON([]byte(`{"title":"t","objective":"o","audience":"a"}`))

	if err := repo.CompleteWithArtifact(dbc, task.ID, "w2", "creative_brief", "CreativeBrief_v1.0", payload); !errors.Is(err, pkgerrors.ErrNotClaimant) {
		t.Fatalf("CompleteWithArtifact wrong worker: err=%v, want ErrNotClaimant", err)
	}

	if err := repo.CompleteWithArtifact(dbc, task.ID, "w1", "creative_brief", "CreativeBrief_v1.0", payload); err != nil {
		t.Fatalf("CompleteWithArtifact: %v", err)
	}

	got, err := repo.GetByID(dbc, task.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if got.Status != types.TaskCompleted || got.CompletedAt == nil || len(got.OutputData) == 0 {
		t.Fatalf("completed task: %+v", got)
	}
	var artifact types.Artifact
	if err := tx.First(&artifact, "task_id = ? AND name = ?", task.ID, "creative_brief").Error; err != nil {
		t.Fatalf("load artifact: %v", err)
	}
	if artifact.JobID != job.ID || artifact.SchemaID != "CreativeBrief_v1.0" {
		t.Fatalf("artifact: %+v", artifact)
	}

	// A completed task cannot complete again; no second artifact appears.
	err = repo.CompleteWithArtifact(dbc, task.ID, "w1", "creative_brief", "CreativeBrief_v1.0", payload)
	if !errors.Is(err, pkgerrors.ErrNotInProgress) {
		t.Fatalf("CompleteWithArtifact replay: err=%v, want ErrNotInProgress", err)
	}
	var count int64
	if err := tx.Model(&types.Artifact{}).Where("task_id = ?", task.ID).Count(&count).Error; err != nil {
		t.Fatalf("count artifacts: %v", err)
	}
	if count != 1 {
		t.Fatalf("artifact count = %d, want 1", count)
	}
}

func TestTaskRepoFail(t *testing.T) {
	db := testutil.DB(t)
	tx := testutil.Tx(t, db)

	ctx := context.Background()
	dbc := dbctx.Context{Ctx: ctx, Tx: tx}
	repo := NewTaskRepo(db, testutil.Logger(t))

	job := testutil.SeedJob(t, ctx, tx, types.JobInProgress)

	task := testutil.SeedInProgressTask(t, ctx, tx, job.ID, "visual", "w1", time.Now().UTC())
	retrying, err := repo.Fail(dbc, task.ID, "w1", "timeout talking to runner", types.ClassRetryable, 3)
	if err != nil {
		t.Fatalf("Fail: %v", err)
	}
	if !retrying {
		t.Fatalf("Fail: expected retry")
	}
	got, err := repo.GetByID(dbc, task.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if got.Status != types.TaskPending || got.RetryCount != 1 || got.ClaimedBy != "" {
		t.Fatalf("retried task: %+v", got)
	}
	if got.LastErrorAt == nil || got.HeartbeatAt != nil {
		t.Fatalf("retried task timestamps: %+v", got)
	}

	// With the retry budget already spent the next failure is terminal.
	spent := testutil.SeedInProgressTask(t, ctx, tx, job.ID, "visual", "w1", time.Now().UTC())
	if err := tx.Model(&types.Task{}).Where("id = ?", spent.ID).Update("retry_count", 1).Error; err != nil {
		t.Fatalf("set retry_count: %v", err)
	}
	retrying, err = repo.Fail(dbc, spent.ID, "w1", "still failing", types.ClassRetryable, 1)
	if err != nil {
		t.Fatalf("Fail exhausted: %v", err)
	}
	if retrying {
		t.Fatalf("Fail exhausted: expected terminal")
	}
	got, _ = repo.GetByID(dbc, spent.ID)
	if got.Status != types.TaskFailed || got.Classification != types.ClassRetryable {
		t.Fatalf("terminal task: %+v", got)
	}

	// Non-retryable classifications fail immediately regardless of budget.
	fatal := testutil.SeedInProgressTask(t, ctx, tx, job.ID, "visual", "w1", time.Now().UTC())
	retrying, err = repo.Fail(dbc, fatal.ID, "w1", "bad request", types.ClassNonRetryable, 3)
	if err != nil {
		t.Fatalf("Fail non-retryable: %v", err)
	}
	if retrying {
		t.Fatalf("Fail non-retryable: expected terminal")
	}

	// Failing twice is rejected.
	if _, err := repo.Fail(dbc, fatal.ID, "w1", "again", types.ClassRetryable, 3); !errors.Is(err, pkgerrors.ErrNotInProgress) {
		t.Fatalf("Fail replay: err=%v, want ErrNotInProgress", err)
	}

	if n := countEvents(t, tx, job.ID, types.EventTaskRetrying); n != 1 {
		t.Fatalf("task.retrying events = %d, want 1", n)
	}
	if n := countEvents(t, tx, job.ID, types.EventTaskFailed); n != 2 {
		t.Fatalf("task.failed events = %d, want 2", n)
	}
}

func TestTaskRepoHeartbeat(t *testing.T) {
	db := testutil.DB(t)
	tx := testutil.Tx(t, db)

	ctx := context.Background()
	dbc := dbctx.Context{Ctx: ctx, Tx: tx}
	repo := NewTaskRepo(db, testutil.Logger(t))

	job := testutil.SeedJob(t, ctx, tx, types.JobInProgress)
	stale := time.Now().UTC().Add(-time.Hour)
	task := testutil.SeedInProgressTask(t, ctx, tx, job.ID, "brief", "w1", stale)

	if err := repo.Heartbeat(dbc, task.ID, "w1"); err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}
	got, err := repo.GetByID(dbc, task.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if got.HeartbeatAt == nil || !got.HeartbeatAt.After(stale) {
		t.Fatalf("heartbeat not advanced: %v", got.HeartbeatAt)
	}

	if err := repo.Heartbeat(dbc, task.ID, "w2"); !errors.Is(err, pkgerrors.ErrNotInProgress) {
		t.Fatalf("Heartbeat wrong worker: err=%v, want ErrNotInProgress", err)
	}
}

func TestTaskRepoRecoverZombies(t *testing.T) {
	db := testutil.DB(t)
	tx := testutil.Tx(t, db)

	ctx := context.Background()
	dbc := dbctx.Context{Ctx: ctx, Tx: tx}
	repo := NewTaskRepo(db, testutil.Logger(t))

	job := testutil.SeedJob(t, ctx, tx, types.JobInProgress)
	now := time.Now().UTC()

	dead := testutil.SeedInProgressTask(t, ctx, tx, job.ID, "brief", "w1", now.Add(-10*time.Minute))
	alive := testutil.SeedInProgressTask(t, ctx, tx, job.ID, "brief", "w2", now)

	// A zombie that already spent its retries must not be requeued again.
	exhausted := testutil.SeedInProgressTask(t, ctx, tx, job.ID, "visual", "w3", now.Add(-10*time.Minute))
	if err := tx.Model(&types.Task{}).Where("id = ?", exhausted.ID).Update("retry_count", 3).Error; err != nil {
		t.Fatalf("set retry_count: %v", err)
	}

	requeued, failed, err := repo.RecoverZombies(dbc, time.Minute, 3)
	if err != nil {
		t.Fatalf("RecoverZombies: %v", err)
	}
	if requeued != 1 || failed != 1 {
		t.Fatalf("RecoverZombies: requeued=%d failed=%d, want 1/1", requeued, failed)
	}

	got, err := repo.GetByID(dbc, dead.ID)
	if err != nil {
		t.Fatalf("GetByID dead: %v", err)
	}
	if got.Status != types.TaskPending || got.RetryCount != 1 || got.Classification != types.ClassZombie || got.ClaimedBy != "" {
		t.Fatalf("recovered task: %+v", got)
	}

	got, err = repo.GetByID(dbc, exhausted.ID)
	if err != nil {
		t.Fatalf("GetByID exhausted: %v", err)
	}
	if got.Status != types.TaskFailed || got.RetryCount != 3 || got.Classification != types.ClassZombie {
		t.Fatalf("exhausted zombie: %+v", got)
	}
	if got.ErrorLog == "" || got.LastErrorAt == nil {
		t.Fatalf("exhausted zombie missing failure record: %+v", got)
	}

	got, err = repo.GetByID(dbc, alive.ID)
	if err != nil {
		t.Fatalf("GetByID alive: %v", err)
	}
	if got.Status != types.TaskInProgress || got.ClaimedBy != "w2" {
		t.Fatalf("healthy task touched: %+v", got)
	}

	if n := countEvents(t, tx, job.ID, types.EventTaskZombieRecovered); n != 1 {
		t.Fatalf("task.zombie_recovered events = %d, want 1", n)
	}
	if n := countEvents(t, tx, job.ID, types.EventTaskFailed); n != 1 {
		t.Fatalf("task.failed events = %d, want 1", n)
	}
}

func TestTaskRepoQueries(t *testing.T) {
	db := testutil.DB(t)
	tx := testutil.Tx(t, db)

	ctx := context.Background()
	dbc := dbctx.Context{Ctx: ctx, Tx: tx}
	repo := NewTaskRepo(db, testutil.Logger(t))

	job := testutil.SeedJob(t, ctx, tx, types.JobInProgress)
	now := time.Now().UTC()

	done := testutil.SeedTask(t, ctx, tx, job.ID, "brief", types.TaskCompleted)
	completedAt := now.Add(-time.Minute)
	if err := tx.Model(&types.Task{}).Where("id = ?", done.ID).Update("completed_at", completedAt).Error; err != nil {
		t.Fatalf("set completed_at: %v", err)
	}
	failed := testutil.SeedTask(t, ctx, tx, job.ID, "visual", types.TaskFailed)
	if err := tx.Model(&types.Task{}).Where("id = ?", failed.ID).Update("last_error_at", now).Error; err != nil {
		t.Fatalf("set last_error_at: %v", err)
	}
	testutil.SeedTask(t, ctx, tx, job.ID, "blueprint", types.TaskPending)

	completed, err := repo.ListCompletedSince(dbc, now.Add(-time.Hour), 0)
	if err != nil {
		t.Fatalf("ListCompletedSince: %v", err)
	}
	if len(completed) != 1 || completed[0].ID != done.ID {
		t.Fatalf("ListCompletedSince: %+v", completed)
	}

	failures, err := repo.ListTerminalFailedSince(dbc, now.Add(-time.Hour), 0)
	if err != nil {
		t.Fatalf("ListTerminalFailedSince: %v", err)
	}
	if len(failures) != 1 || failures[0].ID != failed.ID {
		t.Fatalf("ListTerminalFailedSince: %+v", failures)
	}

	exists, err := repo.ExistsForJobAgent(dbc, job.ID, "brief")
	if err != nil || !exists {
		t.Fatalf("ExistsForJobAgent brief: exists=%v err=%v", exists, err)
	}
	exists, err = repo.ExistsForJobAgent(dbc, job.ID, "audit")
	if err != nil || exists {
		t.Fatalf("ExistsForJobAgent audit: exists=%v err=%v", exists, err)
	}

	runnable, err := repo.ExistsRunnableForJobAgent(dbc, job.ID, "blueprint")
	if err != nil || !runnable {
		t.Fatalf("ExistsRunnableForJobAgent blueprint: runnable=%v err=%v", runnable, err)
	}
	runnable, err = repo.ExistsRunnableForJobAgent(dbc, job.ID, "visual")
	if err != nil || runnable {
		t.Fatalf("ExistsRunnableForJobAgent visual: runnable=%v err=%v", runnable, err)
	}

	latest, err := repo.LatestCompletedForJobAgent(dbc, job.ID, "brief")
	if err != nil {
		t.Fatalf("LatestCompletedForJobAgent: %v", err)
	}
	if latest == nil || latest.ID != done.ID {
		t.Fatalf("LatestCompletedForJobAgent: %+v", latest)
	}
	latest, err = repo.LatestCompletedForJobAgent(dbc, job.ID, "audit")
	if err != nil {
		t.Fatalf("LatestCompletedForJobAgent none: %v", err)
	}
	if latest != nil {
		t.Fatalf("LatestCompletedForJobAgent none: expected nil, got %+v", latest)
	}
}

func setCreatedAt(t *testing.T, tx *gorm.DB, task *types.Task, at time.Time) {
	t.Helper()
	if err := tx.Model(&types.Task{}).Where("id = ?", task.ID).Update("created_at", at).Error; err != nil {
		t.Fatalf("set created_at: %v", err)
	}
}

func countEvents(t *testing.T, tx *gorm.DB, jobID interface{}, eventType string) int {
	t.Helper()
	var n int64
	if err := tx.Model(&types.SystemEvent{}).
		Where("job_id = ? AND event_type = ?", jobID, eventType).
		Count(&n).Error; err != nil {
		t.Fatalf("count events: %v", err)
	}
	return int(n)
}
