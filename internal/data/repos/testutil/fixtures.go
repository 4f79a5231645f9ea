package testutil

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	types "github.com/atelierhq/helix/internal/domain"
)

func SeedJob(tb testing.TB, ctx context.Context, tx *gorm.DB, status string) *types.Job {
	tb.Helper()
	now := time.Now().UTC()
	j := &types.Job{
		ID:             uuid.New(),
		InitialRequest: datatypes.JSON([]byte(`{"chat_input":"make a thing"}`)),
		Status:         status,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := tx.WithContext(ctx).Create(j).Error; err != nil {
		tb.Fatalf("seed job: %v", err)
	}
	return j
}

func SeedTask(tb testing.TB, ctx context.Context, tx *gorm.DB, jobID uuid.UUID, agentID, status string) *types.Task {
	tb.Helper()
	now := time.Now().UTC()
	t := &types.Task{
		ID:        uuid.New(),
		JobID:     jobID,
		AgentID:   agentID,
		Status:    status,
		InputData: datatypes.JSON([]byte(`{"artifacts":[],"params":{}}`)),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := tx.WithContext(ctx).Create(t).Error; err != nil {
		tb.Fatalf("seed task: %v", err)
	}
	return t
}

func SeedInProgressTask(tb testing.TB, ctx context.Context, tx *gorm.DB, jobID uuid.UUID, agentID, workerID string, heartbeatAt time.Time) *types.Task {
	tb.Helper()
	now := time.Now().UTC()
	hb := heartbeatAt
	t := &types.Task{
		ID:          uuid.New(),
		JobID:       jobID,
		AgentID:     agentID,
		Status:      types.TaskInProgress,
		InputData:   datatypes.JSON([]byte(`{"artifacts":[],"params":{}}`)),
		ClaimedBy:   workerID,
		AssignedAt:  &now,
		StartedAt:   &now,
		HeartbeatAt: &hb,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := tx.WithContext(ctx).Create(t).Error; err != nil {
		tb.Fatalf("seed in-progress task: %v", err)
	}
	return t
}

func SeedArtifact(tb testing.TB, ctx context.Context, tx *gorm.DB, taskID, jobID uuid.UUID, name, schemaID string) *types.Artifact {
	tb.Helper()
	a := &types.Artifact{
		ID:        uuid.New(),
		TaskID:    taskID,
		JobID:     jobID,
		Name:      name,
		SchemaID:  schemaID,
		Payload:   datatypes.JSON([]byte(`{"title":"t"}`)),
		CreatedAt: time.Now().UTC(),
	}
	if err := tx.WithContext(ctx).Create(a).Error; err != nil {
		tb.Fatalf("seed artifact: %v", err)
	}
	return a
}

func SeedPrompt(tb testing.TB, ctx context.Context, tx *gorm.DB, agentID, version, text string, active bool) *types.Prompt {
	tb.Helper()
	p := &types.Prompt{
		ID:         uuid.New(),
		AgentID:    agentID,
		Version:    version,
		PromptText: text,
		IsActive:   active,
		CreatedBy:  "test",
		CreatedAt:  time.Now().UTC(),
	}
	if err := tx.WithContext(ctx).Create(p).Error; err != nil {
		tb.Fatalf("seed prompt: %v", err)
	}
	return p
}
