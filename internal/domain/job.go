package domain

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

type Job struct {
	ID             uuid.UUID      `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	InitialRequest datatypes.JSON `gorm:"column:initial_request;type:jsonb" json:"initial_request"`
	Status         string         `gorm:"column:status;not null;index" json:"status"`
	ErrorMessage   string         `gorm:"column:error_message" json:"error_message,omitempty"`
	CreatedAt      time.Time      `gorm:"not null;default:now();index" json:"created_at"`
	UpdatedAt      time.Time      `gorm:"not null;default:now()" json:"updated_at"`
	CompletedAt    *time.Time     `gorm:"column:completed_at" json:"completed_at,omitempty"`
}

func (Job) TableName() string { return "job" }

// Terminal reports whether the job can no longer make progress.
func (j *Job) Terminal() bool {
	switch j.Status {
	case JobCompleted, JobFailed, JobCancelled, JobArchived:
		return true
	}
	return false
}
