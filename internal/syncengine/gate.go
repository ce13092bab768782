package syncengine

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// GateResult classifies one payload against one mutation kind's remote
// shape. Compatible requires every required field present, no field outside
// the allowed set, and all present fields type-valid.
type GateResult struct {
	Compatible      bool     `json:"compatible"`
	MissingRequired []string `json:"missingRequired,omitempty"`
	Unexpected      []string `json:"unexpected,omitempty"`
	Detail          string   `json:"detail,omitempty"`
}

type kindShape struct {
	required []string
	allowed  map[string]struct{}
	schema   *jsonschema.Schema
}

// Gate validates mutation payloads against the remote authority's expected
// shape. It is pure: construction compiles one JSON Schema per kind from the
// canonical payload struct definitions, and Validate performs no I/O.
type Gate struct {
	shapes map[MutationKind]kindShape
}

func NewGate() (*Gate, error) {
	compiler := jsonschema.NewCompiler()
	shapes := make(map[MutationKind]kindShape, len(payloadPrototypes))
	for kind, prototype := range payloadPrototypes {
		required, allowed, doc, err := shapeFor(prototype)
		if err != nil {
			return nil, fmt.Errorf("gate: shape for %s: %w", kind, err)
		}
		url := "mutation/" + string(kind) + ".json"
		if err := compiler.AddResource(url, doc); err != nil {
			return nil, fmt.Errorf("gate: add resource for %s: %w", kind, err)
		}
		schema, err := compiler.Compile(url)
		if err != nil {
			return nil, fmt.Errorf("gate: compile %s: %w", kind, err)
		}
		shapes[kind] = kindShape{required: required, allowed: allowed, schema: schema}
	}
	return &Gate{shapes: shapes}, nil
}

// Validate compares the payload's field set against the kind's required and
// allowed sets and runs the compiled schema for type checks.
func (g *Gate) Validate(payload map[string]any, kind MutationKind) GateResult {
	shape, ok := g.shapes[kind]
	if !ok {
		return GateResult{Compatible: false, Detail: "unknown mutation kind"}
	}

	result := GateResult{}
	for _, name := range shape.required {
		if _, present := payload[name]; !present {
			result.MissingRequired = append(result.MissingRequired, name)
		}
	}
	for name := range payload {
		if _, allowed := shape.allowed[name]; !allowed {
			result.Unexpected = append(result.Unexpected, name)
		}
	}
	sort.Strings(result.MissingRequired)
	sort.Strings(result.Unexpected)
	if len(result.MissingRequired) > 0 || len(result.Unexpected) > 0 {
		return result
	}

	instance, err := roundTripJSON(payload)
	if err != nil {
		result.Detail = err.Error()
		return result
	}
	if err := shape.schema.Validate(instance); err != nil {
		result.Detail = err.Error()
		return result
	}
	result.Compatible = true
	return result
}

// roundTripJSON re-decodes the payload so schema validation sees the same
// value shapes the wire would carry, regardless of how the caller built the
// map (ints vs float64, typed slices vs []any).
func roundTripJSON(payload map[string]any) (any, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(bytes.NewReader(data))
}

// shapeFor derives the required list, allowed set and a JSON Schema document
// from a canonical payload struct: json-tagged fields are allowed, fields
// without omitempty are required.
func shapeFor(prototype any) ([]string, map[string]struct{}, any, error) {
	t := reflect.TypeOf(prototype)
	if t.Kind() != reflect.Struct {
		return nil, nil, nil, fmt.Errorf("prototype is %s, want struct", t.Kind())
	}

	required := []string{}
	allowed := map[string]struct{}{}
	properties := map[string]any{}
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		name, omitempty, skip := parseJSONTag(field)
		if skip {
			continue
		}
		allowed[name] = struct{}{}
		if !omitempty {
			required = append(required, name)
		}
		properties[name] = schemaForType(field.Type)
	}
	sort.Strings(required)

	doc := map[string]any{
		"type":                 "object",
		"properties":           properties,
		"additionalProperties": false,
	}
	if len(required) > 0 {
		doc["required"] = required
	}
	// Round-trip through encoding/json so the compiler sees plain decoded
	// JSON shapes rather than typed Go slices and maps.
	data, err := json.Marshal(doc)
	if err != nil {
		return nil, nil, nil, err
	}
	decoded, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return nil, nil, nil, err
	}
	return required, allowed, decoded, nil
}

func parseJSONTag(field reflect.StructField) (name string, omitempty bool, skip bool) {
	tag := field.Tag.Get("json")
	if tag == "-" || field.PkgPath != "" {
		return "", false, true
	}
	parts := strings.Split(tag, ",")
	name = parts[0]
	if name == "" {
		name = field.Name
	}
	for _, option := range parts[1:] {
		if option == "omitempty" {
			omitempty = true
		}
	}
	return name, omitempty, false
}

func schemaForType(t reflect.Type) map[string]any {
	switch t.Kind() {
	case reflect.String:
		return map[string]any{"type": "string"}
	case reflect.Bool:
		return map[string]any{"type": "boolean"}
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return map[string]any{"type": "integer"}
	case reflect.Float32, reflect.Float64:
		return map[string]any{"type": "number"}
	case reflect.Slice, reflect.Array:
		return map[string]any{
			"type":  "array",
			"items": schemaForElement(t.Elem()),
		}
	case reflect.Ptr:
		return schemaForType(t.Elem())
	case reflect.Struct:
		return schemaForStruct(t)
	case reflect.Map:
		return map[string]any{"type": "object"}
	default:
		return map[string]any{}
	}
}

func schemaForElement(t reflect.Type) map[string]any {
	if t.Kind() == reflect.Struct {
		return schemaForStruct(t)
	}
	return schemaForType(t)
}

func schemaForStruct(t reflect.Type) map[string]any {
	required := []string{}
	properties := map[string]any{}
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		name, omitempty, skip := parseJSONTag(field)
		if skip {
			continue
		}
		if !omitempty {
			required = append(required, name)
		}
		properties[name] = schemaForType(field.Type)
	}
	sort.Strings(required)
	doc := map[string]any{
		"type":                 "object",
		"properties":           properties,
		"additionalProperties": false,
	}
	if len(required) > 0 {
		doc["required"] = required
	}
	return doc
}
