package tools

import (
	"errors"
	"fmt"
)

// ErrUnknownTool is returned when a call names a tool that is not in
// the registry.
var ErrUnknownTool = errors.New("unknown tool")

// ValidationError reports a tool payload that does not match the tool's
// schema or its cross-field rules. The payload is rejected before the
// tool runs; nothing is coerced.
type ValidationError struct {
	Tool   string
	Field  string // dotted path, empty for the payload as a whole
	Reason string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("tool %q: invalid arguments: %s", e.Tool, e.Reason)
	}
	return fmt.Sprintf("tool %q: field %q: %s", e.Tool, e.Field, e.Reason)
}

// IsValidation reports whether err is or wraps a *ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
