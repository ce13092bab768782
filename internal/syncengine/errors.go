package syncengine

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrInvalidInput  = errors.New("invalid input")
	ErrQueueFull     = errors.New("queue full")
	ErrUnknownKind   = errors.New("unknown mutation kind")
	ErrAuthRequired  = errors.New("authentication required")
	ErrSchemaInvalid = errors.New("schema invalid")
)

// SchemaError carries the field-level detail of a gate rejection. It matches
// ErrSchemaInvalid under errors.Is so callers can branch without inspecting
// the field lists.
type SchemaError struct {
	Kind            MutationKind
	MissingRequired []string
	Unexpected      []string
	Detail          string
}

func (e *SchemaError) Error() string {
	parts := make([]string, 0, 3)
	if len(e.MissingRequired) > 0 {
		parts = append(parts, "missing required: "+strings.Join(e.MissingRequired, ", "))
	}
	if len(e.Unexpected) > 0 {
		parts = append(parts, "unexpected: "+strings.Join(e.Unexpected, ", "))
	}
	if e.Detail != "" {
		parts = append(parts, e.Detail)
	}
	if len(parts) == 0 {
		return fmt.Sprintf("schema invalid for %s", e.Kind)
	}
	return fmt.Sprintf("schema invalid for %s (%s)", e.Kind, strings.Join(parts, "; "))
}

func (e *SchemaError) Is(target error) bool {
	return target == ErrSchemaInvalid
}
