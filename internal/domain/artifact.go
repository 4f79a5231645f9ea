package domain

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// Artifact is the validated output of a completed task. Rows are immutable;
// the (task_id, name) unique index enforces at most one artifact per task
// and name.
type Artifact struct {
	ID        uuid.UUID      `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	TaskID    uuid.UUID      `gorm:"type:uuid;not null;uniqueIndex:idx_artifact_task_name" json:"task_id"`
	JobID     uuid.UUID      `gorm:"type:uuid;not null;index" json:"job_id"`
	Name      string         `gorm:"column:name;not null;uniqueIndex:idx_artifact_task_name" json:"name"`
	SchemaID  string         `gorm:"column:schema_id;not null" json:"schema_id"`
	Payload   datatypes.JSON `gorm:"column:payload;type:jsonb;not null" json:"payload"`
	CreatedAt time.Time      `gorm:"not null;default:now();index" json:"created_at"`
}

func (Artifact) TableName() string { return "artifact" }
