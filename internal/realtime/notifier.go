// Package realtime publishes pipeline lifecycle events for external
// consumers. The core never depends on delivery; a lost notification is
// recoverable by polling the job.
package realtime

import (
	"context"

	"github.com/google/uuid"
)

type Notifier interface {
	TaskCompleted(ctx context.Context, jobID, taskID uuid.UUID, agentID, artifactName string)
	TaskFailed(ctx context.Context, jobID, taskID uuid.UUID, agentID, classification string)
	JobCompleted(ctx context.Context, jobID uuid.UUID)
	JobFailed(ctx context.Context, jobID uuid.UUID, reason string)
}

// Nop drops every notification. Used in tests and when no broker is
// configured.
type Nop struct{}

func (Nop) TaskCompleted(context.Context, uuid.UUID, uuid.UUID, string, string) {}
func (Nop) TaskFailed(context.Context, uuid.UUID, uuid.UUID, string, string)    {}
func (Nop) JobCompleted(context.Context, uuid.UUID)                             {}
func (Nop) JobFailed(context.Context, uuid.UUID, string)                        {}
