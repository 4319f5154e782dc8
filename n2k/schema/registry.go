// Package schema generates and caches JSON-schema documents for compiled
// PGNs and validates decoded envelopes against them.
package schema

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/xeipuuv/gojsonschema"

	"github.com/seabus/canstack/canbus"
	"github.com/seabus/canstack/n2k"
)

// Schema is a JSON-schema document in map form, ready for marshalling.
type Schema map[string]interface{}

// SchemaRegistry lazily builds one draft 2020-12 schema per PGN on first
// access and caches the set for its lifetime. Single writer, many readers.
type SchemaRegistry struct {
	registry *n2k.Registry

	mu       sync.RWMutex
	schemas  map[uint32]Schema
	compiled map[uint32]*gojsonschema.Schema
}

func NewSchemaRegistry(registry *n2k.Registry) *SchemaRegistry {
	return &SchemaRegistry{registry: registry}
}

// Schema returns the schema document for pgn, building the cache on first
// use.
func (s *SchemaRegistry) Schema(pgn uint32) (Schema, error) {
	schemas := s.ensureSchemas()
	schema, ok := schemas[pgn]
	if !ok {
		return nil, fmt.Errorf("%w: unknown pgn %d", canbus.ErrInvalidArgument, pgn)
	}
	return schema, nil
}

// Schemas returns every schema, ordered by PGN ascending.
func (s *SchemaRegistry) Schemas() []Schema {
	schemas := s.ensureSchemas()

	pgns := make([]uint32, 0, len(schemas))
	for pgn := range schemas {
		pgns = append(pgns, pgn)
	}
	sort.Slice(pgns, func(i, j int) bool { return pgns[i] < pgns[j] })

	out := make([]Schema, 0, len(pgns))
	for _, pgn := range pgns {
		out = append(out, schemas[pgn])
	}
	return out
}

// PGNs lists the registered PGNs ascending.
func (s *SchemaRegistry) PGNs() []uint32 {
	return s.registry.PGNs()
}

// Validate checks an envelope against the schema generated for its PGN.
func (s *SchemaRegistry) Validate(envelope *n2k.Envelope) error {
	if envelope == nil {
		return fmt.Errorf("%w: nil envelope", canbus.ErrInvalidArgument)
	}

	compiled, err := s.compiledSchema(envelope.PGN)
	if err != nil {
		return err
	}

	document := map[string]interface{}{
		"pgn":     envelope.PGN,
		"decoded": envelope.Decoded,
	}

	result, err := compiled.Validate(gojsonschema.NewGoLoader(document))
	if err != nil {
		return fmt.Errorf("validate envelope for pgn %d: %w", envelope.PGN, err)
	}
	if !result.Valid() {
		details := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			details = append(details, e.String())
		}
		return fmt.Errorf("%w: envelope for pgn %d fails schema: %s",
			canbus.ErrInvalidArgument, envelope.PGN, strings.Join(details, "; "))
	}
	return nil
}

func (s *SchemaRegistry) ensureSchemas() map[uint32]Schema {
	s.mu.RLock()
	schemas := s.schemas
	s.mu.RUnlock()
	if schemas != nil {
		return schemas
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.schemas == nil {
		built := make(map[uint32]Schema, s.registry.Len())
		for _, pgn := range s.registry.PGNs() {
			built[pgn] = buildSchema(s.registry.Message(pgn))
		}
		s.schemas = built
		s.compiled = make(map[uint32]*gojsonschema.Schema, len(built))
	}
	return s.schemas
}

func (s *SchemaRegistry) compiledSchema(pgn uint32) (*gojsonschema.Schema, error) {
	schemas := s.ensureSchemas()

	s.mu.RLock()
	compiled := s.compiled[pgn]
	s.mu.RUnlock()
	if compiled != nil {
		return compiled, nil
	}

	document, ok := schemas[pgn]
	if !ok {
		return nil, fmt.Errorf("%w: unknown pgn %d", canbus.ErrInvalidArgument, pgn)
	}

	built, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(validationDocument(document)))
	if err != nil {
		return nil, fmt.Errorf("compile schema for pgn %d: %w", pgn, err)
	}

	s.mu.Lock()
	s.compiled[pgn] = built
	s.mu.Unlock()
	return built, nil
}

// validationDocument derives the validator's copy of a schema document.
// multipleOf is dropped everywhere: decoded values are raw*resolution
// doubles, and float rounding makes exact multiple checks fail on perfectly
// good envelopes. The $schema draft marker is dropped too, since the
// validator library predates draft 2020-12; the published document keeps
// both for introspection.
func validationDocument(document Schema) map[string]interface{} {
	out := stripMultipleOf(map[string]interface{}(document)).(map[string]interface{})
	delete(out, "$schema")
	return out
}

func stripMultipleOf(node interface{}) interface{} {
	switch v := node.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(v))
		for key, value := range v {
			if key == "multipleOf" {
				continue
			}
			out[key] = stripMultipleOf(value)
		}
		return out
	case Schema:
		return stripMultipleOf(map[string]interface{}(v))
	case []interface{}:
		out := make([]interface{}, len(v))
		for i, value := range v {
			out[i] = stripMultipleOf(value)
		}
		return out
	default:
		return node
	}
}

func buildSchema(message *n2k.CompiledMessage) Schema {
	properties := map[string]interface{}{}

	for i := range message.Fields {
		field := &message.Fields[i]
		if field.Reserved || field.Id == "" {
			continue
		}
		properties[field.Id] = buildFieldSchema(field)
	}

	return Schema{
		"$schema": "https://json-schema.org/draft/2020-12/schema",
		"title":   buildTitle(message),
		"type":    "object",
		"properties": map[string]interface{}{
			"pgn": map[string]interface{}{
				"type":  "integer",
				"const": message.PGN,
			},
			"decoded": map[string]interface{}{
				"type":                 "object",
				"properties":           properties,
				"additionalProperties": false,
			},
		},
		"required":             []interface{}{"pgn", "decoded"},
		"additionalProperties": false,
	}
}

func buildFieldSchema(field *n2k.CompiledField) map[string]interface{} {
	schema := map[string]interface{}{}

	switch field.Type {
	case n2k.FieldStringFix, n2k.FieldStringLau:
		schema["type"] = "string"
	default:
		schema["type"] = "number"
	}

	if description := fieldDescription(field); description != "" {
		schema["description"] = description
	}

	// Dialect range metadata is only trustworthy on genuinely numeric fields
	// with meaningful scaling; lookup "ranges" are enum-ish and strings have
	// none.
	if emitRangeConstraints(field) {
		if field.RangeMin != nil {
			schema["minimum"] = *field.RangeMin
		}
		if field.RangeMax != nil {
			schema["maximum"] = *field.RangeMax
		}
	}

	if field.Resolution > 0 && field.Type != n2k.FieldLookup && !isStringType(field.Type) {
		schema["multipleOf"] = field.Resolution
	}

	schema["x-bitLength"] = field.BitLength
	schema["x-bitOffset"] = field.BitOffset
	schema["x-signed"] = field.Signed
	schema["x-resolution"] = field.Resolution
	schema["x-offset"] = field.Offset
	if field.Unit != "" {
		schema["x-unit"] = field.Unit
	}
	if field.Definition != nil && field.Definition.TypeInPdf != "" {
		schema["x-typeInPdf"] = field.Definition.TypeInPdf
	}
	schema["x-fieldType"] = field.Type.String()

	return schema
}

func emitRangeConstraints(field *n2k.CompiledField) bool {
	if isStringType(field.Type) || field.Type == n2k.FieldLookup {
		return false
	}
	if field.RangeMin == nil && field.RangeMax == nil {
		return false
	}
	return field.Resolution > 0
}

func isStringType(t n2k.FieldType) bool {
	return t == n2k.FieldStringFix || t == n2k.FieldStringLau
}

func buildTitle(message *n2k.CompiledMessage) string {
	title := fmt.Sprintf("N2K PGN %d", message.PGN)
	if message.Id != "" {
		title += " " + message.Id
	}
	if message.Description != "" {
		title += " " + message.Description
	}
	return title
}

func fieldDescription(field *n2k.CompiledField) string {
	name := field.Name
	unit := field.Unit

	switch {
	case name == "" && unit == "":
		return ""
	case unit == "":
		return name
	case name == "":
		return unit
	default:
		return name + " (" + unit + ")"
	}
}
