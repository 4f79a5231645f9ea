// Package schema holds the artifact schema registry. Schemas are JSON
// Schema documents keyed by their $id and compiled once at startup; the
// registry is read-only afterwards.
package schema

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"

	pkgerrors "github.com/atelierhq/helix/internal/pkg/errors"
	"github.com/atelierhq/helix/internal/pkg/logger"
)

type Registry struct {
	log     *logger.Logger
	schemas map[string]*jsonschema.Schema
}

// LoadDir reads every *.json document under dir and compiles it. The $id
// field is the registry key (e.g. "CreativeBrief_v1.0").
func LoadDir(dir string, baseLog *logger.Logger) (*Registry, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read schema dir: %w", err)
	}
	docs := make(map[string]any)
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read schema %s: %w", entry.Name(), err)
		}
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
		if err != nil {
			return nil, fmt.Errorf("parse schema %s: %w", entry.Name(), err)
		}
		obj, ok := doc.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("schema %s: document is not an object", entry.Name())
		}
		id, _ := obj["$id"].(string)
		if id == "" {
			return nil, fmt.Errorf("schema %s: missing $id", entry.Name())
		}
		if _, dup := docs[id]; dup {
			return nil, fmt.Errorf("schema %s: duplicate $id %q", entry.Name(), id)
		}
		docs[id] = doc
	}
	return compile(docs, baseLog)
}

// FromDocuments builds a registry from already-decoded schema documents
// keyed by $id. Used by tests.
func FromDocuments(docs map[string]any, baseLog *logger.Logger) (*Registry, error) {
	return compile(docs, baseLog)
}

func compile(docs map[string]any, baseLog *logger.Logger) (*Registry, error) {
	compiler := jsonschema.NewCompiler()
	for id, doc := range docs {
		if err := compiler.AddResource(id, doc); err != nil {
			return nil, fmt.Errorf("add schema %q: %w", id, err)
		}
	}
	schemas := make(map[string]*jsonschema.Schema, len(docs))
	for id := range docs {
		compiled, err := compiler.Compile(id)
		if err != nil {
			return nil, fmt.Errorf("compile schema %q: %w", id, err)
		}
		schemas[id] = compiled
	}
	log := baseLog.With("component", "SchemaRegistry")
	log.Info("Schema registry loaded", "schemas", len(schemas))
	return &Registry{log: log, schemas: schemas}, nil
}

func (r *Registry) Has(schemaID string) bool {
	_, ok := r.schemas[schemaID]
	return ok
}

func (r *Registry) IDs() []string {
	out := make([]string, 0, len(r.schemas))
	for id := range r.schemas {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Validate checks a JSON payload against the schema identified by schemaID.
// ErrUnknownSchema when the id is absent; the jsonschema validation error
// otherwise.
func (r *Registry) Validate(schemaID string, payload []byte) error {
	compiled, ok := r.schemas[schemaID]
	if !ok {
		return fmt.Errorf("%w: %s", pkgerrors.ErrUnknownSchema, schemaID)
	}
	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	return compiled.Validate(instance)
}
