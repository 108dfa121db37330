// Package schema validates LLM JSON-mode output against a JSON Schema
// before the Classifier or Observer trusts it, the way the teacher's
// pkg/tools.ValidateAndCoerce validates tool-call arguments: a fresh
// compiler per call (the teacher's fix for schema resource collisions),
// fail-closed on a malformed instance but fail-open on an uncompilable
// schema, since a broken schema in our own code should never be able
// to take the pipeline down.
package schema

import (
	"bytes"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// ClassifierResult is the shape validated before the Classifier trusts
// a model's classify_question response (spec §4.4 step 4).
const ClassifierResult = `{
  "type": "object",
  "properties": {
    "knowledge_code": {"type": "string"},
    "quality": {"type": ["string", "null"], "enum": ["answerable", "needs_clarify", "unanswerable", null]},
    "gating": {"type": ["string", "null"], "enum": ["answerable", "needs_clarify", "unanswerable", null]},
    "missing_fields": {"type": ["array", "null"], "items": {"type": "string"}},
    "unit_tags": {"type": ["array", "null"], "items": {"type": "string"}},
    "reasoning": {"type": ["string", "null"]},
    "clarification_questions": {"type": ["array", "null"], "items": {"type": "string"}}
  }
}`

// Summary is the shape validated before the Observer trusts a model's
// generate_summary response (spec §4.7 mode 1).
const Summary = `{
  "type": "object",
  "properties": {
    "title": {"type": ["string", "null"]},
    "summary": {"type": ["string", "null"]},
    "key_concepts": {"type": ["array", "null"], "items": {"type": "string"}},
    "student_progress": {"type": ["string", "null"]}
  }
}`

// Validate checks instance (raw JSON bytes) against schemaJSON. A
// schema that fails to compile is treated as "no constraint" (nil
// error) rather than surfaced — our own schema literals are static and
// trusted; only the instance is adversarial.
func Validate(schemaJSON, instance []byte) error {
	schema, err := compile(schemaJSON)
	if err != nil {
		return nil
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(instance))
	if err != nil {
		return fmt.Errorf("schema: unmarshal instance: %w", err)
	}
	return schema.Validate(inst)
}

func compile(schemaJSON []byte) (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(schemaJSON))
	if err != nil {
		return nil, fmt.Errorf("schema: unmarshal schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	const url = "mem://maice/schema"
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("schema: add resource: %w", err)
	}
	return c.Compile(url)
}
