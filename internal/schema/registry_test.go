package schema

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	pkgerrors "github.com/atelierhq/helix/internal/pkg/errors"
	"github.com/atelierhq/helix/internal/pkg/logger"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New("test")
	if err != nil {
		t.Fatalf("logger: %v", err)
	}
	return log
}

func briefDocs() map[string]any {
	return map[string]any{
		"CreativeBrief_v1.0": map[string]any{
			"$schema":  "https://json-schema.org/draft/2020-12/schema",
			"$id":      "CreativeBrief_v1.0",
			"type":     "object",
			"required": []any{"title", "objective"},
			"properties": map[string]any{
				"title":     map[string]any{"type": "string", "minLength": 1.0},
				"objective": map[string]any{"type": "string"},
			},
		},
	}
}

func TestRegistryValidate(t *testing.T) {
	reg, err := FromDocuments(briefDocs(), testLogger(t))
	if err != nil {
		t.Fatalf("FromDocuments: %v", err)
	}

	if !reg.Has("CreativeBrief_v1.0") {
		t.Fatalf("Has: expected true")
	}
	if reg.Has("CreativeBrief_v2.0") {
		t.Fatalf("Has unknown: expected false")
	}

	if err := reg.Validate("CreativeBrief_v1.0", []byte(`{"title":"launch","objective":"sell"}`)); err != nil {
		t.Fatalf("Validate conforming payload: %v", err)
	}
	if err := reg.Validate("CreativeBrief_v1.0", []byte(`{"title":""}`)); err == nil {
		t.Fatalf("Validate: expected violation for missing objective and empty title")
	}
	if err := reg.Validate("CreativeBrief_v1.0", []byte(`{"title":`)); err == nil {
		t.Fatalf("Validate: expected error for malformed payload")
	}

	err = reg.Validate("Nope_v1.0", []byte(`{}`))
	if !errors.Is(err, pkgerrors.ErrUnknownSchema) {
		t.Fatalf("Validate unknown schema: err=%v, want ErrUnknownSchema", err)
	}
}

func TestRegistryLoadDir(t *testing.T) {
	dir := t.TempDir()
	write := func(name, body string) {
		t.Helper()
		if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
	write("brief.json", `{"$id":"CreativeBrief_v1.0","type":"object"}`)
	write("visual.json", `{"$id":"VisualConcept_v1.0","type":"object"}`)
	write("notes.txt", "not a schema")

	reg, err := LoadDir(dir, testLogger(t))
	if err != nil {
		t.Fatalf("LoadDir: %v", err)
	}
	ids := reg.IDs()
	if len(ids) != 2 || ids[0] != "CreativeBrief_v1.0" || ids[1] != "VisualConcept_v1.0" {
		t.Fatalf("IDs: %v", ids)
	}
}

func TestRegistryLoadDirRejectsBadDocs(t *testing.T) {
	t.Run("missing id", func(t *testing.T) {
		dir := t.TempDir()
		if err := os.WriteFile(filepath.Join(dir, "anon.json"), []byte(`{"type":"object"}`), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
		if _, err := LoadDir(dir, testLogger(t)); err == nil {
			t.Fatalf("LoadDir: expected error for missing $id")
		}
	})
	t.Run("duplicate id", func(t *testing.T) {
		dir := t.TempDir()
		for _, name := range []string{"a.json", "b.json"} {
			if err := os.WriteFile(filepath.Join(dir, name), []byte(`{"$id":"Dup_v1.0","type":"object"}`), 0o644); err != nil {
				t.Fatalf("write: %v", err)
			}
		}
		if _, err := LoadDir(dir, testLogger(t)); err == nil {
			t.Fatalf("LoadDir: expected error for duplicate $id")
		}
	})
}
