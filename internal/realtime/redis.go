package realtime

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/atelierhq/helix/internal/pkg/logger"
)

const defaultChannel = "helix.events"

// RedisNotifier publishes lifecycle events on a redis pub/sub channel.
// Publishing is fire-and-forget; failures are logged and swallowed.
type RedisNotifier struct {
	log     *logger.Logger
	client  *redis.Client
	channel string
}

type Event struct {
	Type           string    `json:"type"`
	JobID          uuid.UUID `json:"job_id"`
	TaskID         uuid.UUID `json:"task_id,omitempty"`
	AgentID        string    `json:"agent_id,omitempty"`
	ArtifactName   string    `json:"artifact_name,omitempty"`
	Classification string    `json:"classification,omitempty"`
	Reason         string    `json:"reason,omitempty"`
	At             time.Time `json:"at"`
}

func NewRedisNotifier(ctx context.Context, addr, channel string, baseLog *logger.Logger) (*RedisNotifier, error) {
	if channel == "" {
		channel = defaultChannel
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}
	return &RedisNotifier{
		log:     baseLog.With("component", "RedisNotifier"),
		client:  client,
		channel: channel,
	}, nil
}

func (n *RedisNotifier) Close() error {
	return n.client.Close()
}

func (n *RedisNotifier) publish(ctx context.Context, event Event) {
	event.At = time.Now().UTC()
	payload, err := json.Marshal(event)
	if err != nil {
		n.log.Error("Failed to encode event", "type", event.Type, "error", err)
		return
	}
	if err := n.client.Publish(ctx, n.channel, payload).Err(); err != nil {
		n.log.Warn("Failed to publish event", "type", event.Type, "job_id", event.JobID, "error", err)
	}
}

func (n *RedisNotifier) TaskCompleted(ctx context.Context, jobID, taskID uuid.UUID, agentID, artifactName string) {
	n.publish(ctx, Event{Type: "task.completed", JobID: jobID, TaskID: taskID, AgentID: agentID, ArtifactName: artifactName})
}

func (n *RedisNotifier) TaskFailed(ctx context.Context, jobID, taskID uuid.UUID, agentID, classification string) {
	n.publish(ctx, Event{Type: "task.failed", JobID: jobID, TaskID: taskID, AgentID: agentID, Classification: classification})
}

func (n *RedisNotifier) JobCompleted(ctx context.Context, jobID uuid.UUID) {
	n.publish(ctx, Event{Type: "job.completed", JobID: jobID})
}

func (n *RedisNotifier) JobFailed(ctx context.Context, jobID uuid.UUID, reason string) {
	n.publish(ctx, Event{Type: "job.failed", JobID: jobID, Reason: reason})
}
