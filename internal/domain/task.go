package domain

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// Task is a unit of work for a single agent. output_data is set only when
// the task reaches COMPLETED, in the same transaction that inserts the
// artifact. claimed_by carries the owning worker id while IN_PROGRESS.
type Task struct {
	ID             uuid.UUID      `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	JobID          uuid.UUID      `gorm:"type:uuid;not null;index" json:"job_id"`
	AgentID        string         `gorm:"column:agent_id;not null;index" json:"agent_id"`
	Status         string         `gorm:"column:status;not null;index" json:"status"`
	InputData      datatypes.JSON `gorm:"column:input_data;type:jsonb" json:"input_data"`
	OutputData     datatypes.JSON `gorm:"column:output_data;type:jsonb" json:"output_data,omitempty"`
	ErrorLog       string         `gorm:"column:error_log" json:"error_log,omitempty"`
	Classification string         `gorm:"column:classification;index" json:"classification,omitempty"`
	RetryCount     int            `gorm:"column:retry_count;not null;default:0" json:"retry_count"`
	ClaimedBy      string         `gorm:"column:claimed_by" json:"claimed_by,omitempty"`
	AssignedAt     *time.Time     `gorm:"column:assigned_at" json:"assigned_at,omitempty"`
	StartedAt      *time.Time     `gorm:"column:started_at" json:"started_at,omitempty"`
	CompletedAt    *time.Time     `gorm:"column:completed_at" json:"completed_at,omitempty"`
	HeartbeatAt    *time.Time     `gorm:"column:heartbeat_at;index" json:"heartbeat_at,omitempty"`
	LastErrorAt    *time.Time     `gorm:"column:last_error_at;index" json:"last_error_at,omitempty"`
	CreatedAt      time.Time      `gorm:"not null;default:now();index" json:"created_at"`
	UpdatedAt      time.Time      `gorm:"not null;default:now();index" json:"updated_at"`
}

func (Task) TableName() string { return "task" }
