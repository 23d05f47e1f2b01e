package envelope

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/Mindburn-Labs/helm/authority/pkg/contracts"
)

// SchemaRegistry maps a document schema tag to a compiled JSON Schema.
// Documents whose tag has no registered schema pass unchecked.
type SchemaRegistry struct {
	mu      sync.RWMutex
	schemas map[string]*jsonschema.Schema
}

// NewSchemaRegistry creates an empty registry.
func NewSchemaRegistry() *SchemaRegistry {
	return &SchemaRegistry{schemas: make(map[string]*jsonschema.Schema)}
}

func schemaKey(tag, version string) string {
	if version == "" {
		return tag
	}
	return tag + "@" + version
}

// Register compiles raw (a JSON Schema document) for the tag and version.
// An empty version registers the schema for every version of the tag.
func (r *SchemaRegistry) Register(tag, version string, raw []byte) error {
	url := "mem://schemas/" + schemaKey(tag, version) + ".json"
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource(url, bytes.NewReader(raw)); err != nil {
		return fmt.Errorf("add schema %s: %w", tag, err)
	}
	schema, err := c.Compile(url)
	if err != nil {
		return fmt.Errorf("compile schema %s: %w", tag, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.schemas[schemaKey(tag, version)] = schema
	return nil
}

// LoadDir registers every *.json file in dir. The file name without the
// extension is the tag; "tag@version.json" registers a specific version.
func (r *SchemaRegistry) LoadDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("read schema dir: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return fmt.Errorf("read schema %s: %w", e.Name(), err)
		}
		tag, version, _ := strings.Cut(strings.TrimSuffix(e.Name(), ".json"), "@")
		if err := r.Register(tag, version, raw); err != nil {
			return err
		}
	}
	return nil
}

// Validate checks the document body against its registered schema.
func (r *SchemaRegistry) Validate(doc contracts.Document) error {
	if doc.Schema == "" {
		return nil
	}

	r.mu.RLock()
	schema, ok := r.schemas[schemaKey(doc.Schema, doc.SchemaVersion)]
	if !ok {
		schema, ok = r.schemas[doc.Schema]
	}
	r.mu.RUnlock()
	if !ok {
		return nil
	}

	var body any
	if err := json.Unmarshal(doc.Body, &body); err != nil {
		return contracts.Wrap(contracts.CodeSchemaViolation, err, "body is not valid JSON")
	}
	if err := schema.Validate(body); err != nil {
		return contracts.Wrap(contracts.CodeSchemaViolation, err, fmt.Sprintf("content does not match schema %s", doc.Schema))
	}
	return nil
}
