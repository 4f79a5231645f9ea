package domain

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// SystemEvent is an append-only record of a state transition. Rows are
// written inside the same transaction as the transition they describe.
type SystemEvent struct {
	ID        uuid.UUID      `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	JobID     *uuid.UUID     `gorm:"type:uuid;index" json:"job_id,omitempty"`
	TaskID    *uuid.UUID     `gorm:"type:uuid;index" json:"task_id,omitempty"`
	AgentID   string         `gorm:"column:agent_id;index" json:"agent_id,omitempty"`
	EventType string         `gorm:"column:event_type;not null;index" json:"event_type"`
	Detail    datatypes.JSON `gorm:"column:detail;type:jsonb" json:"detail,omitempty"`
	CreatedAt time.Time      `gorm:"not null;default:now();index" json:"created_at"`
}

func (SystemEvent) TableName() string { return "system_event" }
