package config

import (
	"fmt"
	"strings"
)

// ValidationError is one invalid configuration field. Value is the offending
// value when it is safe to show; secrets are never recorded.
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (ve ValidationError) Error() string {
	if ve.Field == "" {
		return ve.Message
	}
	return ve.Field + " " + ve.Message
}

// ValidationErrors collects every problem found by Validate so an operator
// can fix them in one pass.
type ValidationErrors []ValidationError

func (ve ValidationErrors) Error() string {
	switch len(ve) {
	case 0:
		return "configuration is valid"
	case 1:
		return "invalid configuration: " + ve[0].Error()
	}
	parts := make([]string, len(ve))
	for i, e := range ve {
		parts[i] = e.Error()
	}
	return fmt.Sprintf("%d configuration errors: %s", len(ve), strings.Join(parts, "; "))
}

func (ve ValidationErrors) HasErrors() bool {
	return len(ve) > 0
}

// Add records a problem with field. The optional value is shown by
// check-config.
func (ve *ValidationErrors) Add(field, message string, value ...interface{}) {
	e := ValidationError{Field: field, Message: message}
	if len(value) > 0 {
		e.Value = value[0]
	}
	*ve = append(*ve, e)
}

// EnvError reports a SMARTGATE_* variable that could not be parsed.
type EnvError struct {
	Variable string
	Err      error
}

func (e *EnvError) Error() string {
	return fmt.Sprintf("invalid value for %s: %v", e.Variable, e.Err)
}

func (e *EnvError) Unwrap() error {
	return e.Err
}
