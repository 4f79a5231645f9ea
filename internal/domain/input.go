package domain

import (
	"encoding/json"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// ArtifactRef points a task at a predecessor's output by (source task, name).
type ArtifactRef struct {
	Name         string    `json:"name"`
	SourceTaskID uuid.UUID `json:"source_task_id"`
}

// TaskInput is the decoded shape of task.input_data.
type TaskInput struct {
	Artifacts []ArtifactRef  `json:"artifacts"`
	Params    map[string]any `json:"params"`
}

func (in TaskInput) Encode() (datatypes.JSON, error) {
	if in.Params == nil {
		in.Params = map[string]any{}
	}
	if in.Artifacts == nil {
		in.Artifacts = []ArtifactRef{}
	}
	b, err := json.Marshal(in)
	if err != nil {
		return nil, err
	}
	return datatypes.JSON(b), nil
}

func DecodeTaskInput(raw datatypes.JSON) (TaskInput, error) {
	var in TaskInput
	if len(raw) == 0 {
		in.Params = map[string]any{}
		return in, nil
	}
	if err := json.Unmarshal(raw, &in); err != nil {
		return TaskInput{Params: map[string]any{}}, err
	}
	if in.Params == nil {
		in.Params = map[string]any{}
	}
	return in, nil
}
