package domain

import (
	"time"

	"github.com/google/uuid"
)

// BaselinePromptVersion is the per-agent fallback prompt version. It is
// never marked active and never deleted.
const BaselinePromptVersion = "v0"

type Prompt struct {
	ID         uuid.UUID `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	AgentID    string    `gorm:"column:agent_id;not null;uniqueIndex:idx_prompt_agent_version;index" json:"agent_id"`
	Version    string    `gorm:"column:version;not null;uniqueIndex:idx_prompt_agent_version" json:"version"`
	PromptText string    `gorm:"column:prompt_text;not null" json:"prompt_text"`
	IsActive   bool      `gorm:"column:is_active;not null;default:false;index" json:"is_active"`
	CreatedBy  string    `gorm:"column:created_by;not null" json:"created_by"`
	CreatedAt  time.Time `gorm:"not null;default:now();index" json:"created_at"`
}

func (Prompt) TableName() string { return "prompt" }
