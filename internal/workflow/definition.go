// Package workflow loads the declarative agent pipeline: ordered agent ids,
// their required input artifact names, and the output artifact and schema
// each agent produces. The definition is immutable after load.
package workflow

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type AgentSpec struct {
	ID             string   `yaml:"id"`
	Name           string   `yaml:"name"`
	InputArtifacts []string `yaml:"input_artifacts"`
	OutputArtifact string   `yaml:"output_artifact"`
	OutputSchema   string   `yaml:"output_schema"`
	RetryCount     *int     `yaml:"retry_count"`
	TimeoutSeconds *int     `yaml:"timeout"`
}

type FailureHandling struct {
	MaxRetries        int    `yaml:"max_retries"`
	RetryDelaySeconds int    `yaml:"retry_delay_seconds"`
	EscalationAgent   string `yaml:"escalation_agent"`
}

type Definition struct {
	Version         string          `yaml:"workflow_version"`
	Agents          []AgentSpec     `yaml:"agents"`
	ExecutionOrder  []string        `yaml:"execution_order"`
	FailureHandling FailureHandling `yaml:"failure_handling"`

	byID       map[string]*AgentSpec
	next       map[string]string
	byArtifact map[string]string
}

func Load(path string) (*Definition, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read workflow document: %w", err)
	}
	return Parse(raw)
}

func Parse(raw []byte) (*Definition, error) {
	var def Definition
	if err := yaml.Unmarshal(raw, &def); err != nil {
		return nil, fmt.Errorf("parse workflow document: %w", err)
	}
	if err := def.index(); err != nil {
		return nil, err
	}
	return &def, nil
}

func (d *Definition) index() error {
	if len(d.Agents) == 0 {
		return fmt.Errorf("workflow declares no agents")
	}
	if len(d.ExecutionOrder) == 0 {
		return fmt.Errorf("workflow has an empty execution_order")
	}
	d.byID = make(map[string]*AgentSpec, len(d.Agents))
	d.byArtifact = make(map[string]string, len(d.Agents))
	for i := range d.Agents {
		spec := &d.Agents[i]
		if spec.ID == "" {
			return fmt.Errorf("agent %d: missing id", i)
		}
		if _, dup := d.byID[spec.ID]; dup {
			return fmt.Errorf("agent %q declared twice", spec.ID)
		}
		if spec.OutputArtifact == "" {
			return fmt.Errorf("agent %q: missing output_artifact", spec.ID)
		}
		if spec.OutputSchema == "" {
			return fmt.Errorf("agent %q: missing output_schema", spec.ID)
		}
		if producer, dup := d.byArtifact[spec.OutputArtifact]; dup {
			return fmt.Errorf("artifact %q produced by both %q and %q", spec.OutputArtifact, producer, spec.ID)
		}
		d.byID[spec.ID] = spec
		d.byArtifact[spec.OutputArtifact] = spec.ID
	}
	d.next = make(map[string]string, len(d.ExecutionOrder))
	seen := make(map[string]bool, len(d.ExecutionOrder))
	for i, id := range d.ExecutionOrder {
		if _, ok := d.byID[id]; !ok {
			return fmt.Errorf("execution_order references unknown agent %q", id)
		}
		if seen[id] {
			return fmt.Errorf("execution_order repeats agent %q", id)
		}
		seen[id] = true
		if i+1 < len(d.ExecutionOrder) {
			d.next[id] = d.ExecutionOrder[i+1]
		}
	}
	for _, id := range d.ExecutionOrder {
		for _, name := range d.byID[id].InputArtifacts {
			if _, ok := d.byArtifact[name]; !ok {
				return fmt.Errorf("agent %q requires artifact %q that no agent produces", id, name)
			}
		}
	}
	if esc := d.FailureHandling.EscalationAgent; esc != "" {
		if _, ok := d.byID[esc]; !ok {
			return fmt.Errorf("failure_handling.escalation_agent references unknown agent %q", esc)
		}
	}
	return nil
}

// ValidateSchemas checks that every declared output schema is known to the
// registry.
func (d *Definition) ValidateSchemas(registry interface{ Has(string) bool }) error {
	for i := range d.Agents {
		if !registry.Has(d.Agents[i].OutputSchema) {
			return fmt.Errorf("agent %q declares unknown schema %q", d.Agents[i].ID, d.Agents[i].OutputSchema)
		}
	}
	return nil
}

func (d *Definition) Agent(id string) (*AgentSpec, bool) {
	spec, ok := d.byID[id]
	return spec, ok
}

// First returns the entry agent of the pipeline.
func (d *Definition) First() string {
	return d.ExecutionOrder[0]
}

// NextAgent returns the successor of the given agent in execution order.
// The terminal agent has no successor.
func (d *Definition) NextAgent(id string) (string, bool) {
	next, ok := d.next[id]
	return next, ok
}

func (d *Definition) IsTerminal(id string) bool {
	_, ok := d.next[id]
	return !ok
}

func (d *Definition) RequiredInputs(id string) []string {
	spec, ok := d.byID[id]
	if !ok {
		return nil
	}
	return spec.InputArtifacts
}

// ProducerOf returns the agent whose declared output artifact has the
// given name.
func (d *Definition) ProducerOf(artifactName string) (string, bool) {
	id, ok := d.byArtifact[artifactName]
	return id, ok
}

// EffectiveTimeout resolves the per-agent timeout override against the
// configured default.
func (d *Definition) EffectiveTimeout(id string, def time.Duration) time.Duration {
	if spec, ok := d.byID[id]; ok && spec.TimeoutSeconds != nil && *spec.TimeoutSeconds > 0 {
		return time.Duration(*spec.TimeoutSeconds) * time.Second
	}
	return def
}

// EffectiveMaxRetries resolves the per-agent retry override against the
// configured default.
func (d *Definition) EffectiveMaxRetries(id string, def int) int {
	if spec, ok := d.byID[id]; ok && spec.RetryCount != nil && *spec.RetryCount >= 0 {
		return *spec.RetryCount
	}
	return def
}
