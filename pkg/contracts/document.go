package contracts

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Document is a schema-tagged opaque payload. Schema and SchemaVersion are
// stored next to the body so readers can pick a decoder without parsing it.
type Document struct {
	Schema        string          `json:"schema,omitempty"`
	SchemaVersion string          `json:"schema_version,omitempty"`
	Body          json.RawMessage `json:"body"`
}

// NewDocument marshals body into a tagged document.
func NewDocument(schema, version string, body any) (Document, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return Document{}, fmt.Errorf("marshal document body: %w", err)
	}
	return Document{Schema: schema, SchemaVersion: version, Body: raw}, nil
}

// MustDocument is NewDocument for literals in tests and fixtures.
func MustDocument(schema, version string, body any) Document {
	d, err := NewDocument(schema, version, body)
	if err != nil {
		panic(err)
	}
	return d
}

// IsZero reports whether the document carries no body.
func (d Document) IsZero() bool {
	b := bytes.TrimSpace(d.Body)
	return len(b) == 0 || bytes.Equal(b, []byte("null"))
}

// Decode unmarshals the body into v.
func (d Document) Decode(v any) error {
	if d.IsZero() {
		return fmt.Errorf("document %q has no body", d.Schema)
	}
	return json.Unmarshal(d.Body, v)
}

// BodyOrNull returns the body, substituting JSON null when empty.
func (d Document) BodyOrNull() json.RawMessage {
	if d.IsZero() {
		return json.RawMessage("null")
	}
	return d.Body
}
