package model

import (
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"
)

// ValidationError holds a list of field-level validation errors.
type ValidationError struct {
	Errors []FieldError
}

// FieldError represents a single validation failure on a named field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Error formats the validation error as a semicolon-separated list of field messages.
func (e *ValidationError) Error() string {
	parts := make([]string, len(e.Errors))
	for i, fe := range e.Errors {
		parts[i] = fe.Field + ": " + fe.Message
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// HasErrors reports whether the validation error contains any field errors.
func (e *ValidationError) HasErrors() bool {
	return len(e.Errors) > 0
}

// Add appends a field error.
func (e *ValidationError) Add(field, format string, args ...any) {
	e.Errors = append(e.Errors, FieldError{Field: field, Message: fmt.Sprintf(format, args...)})
}

// Unwrap lets errors.Is(err, ErrValidation) and KindOf see field errors as
// validation failures.
func (e *ValidationError) Unwrap() error {
	return &Error{Kind: KindValidation, Message: e.Error()}
}

// Err returns e as an error when it has entries, nil otherwise.
func (e *ValidationError) Err() error {
	if e.HasErrors() {
		return e
	}
	return nil
}

// Limits bounds the shape of a graph and the size of node input.
type Limits struct {
	MaxChildren    int
	MaxDepth       int
	MaxNodes       int
	MaxPromptBytes int
}

// DefaultLimits returns the stock structural limits.
func DefaultLimits() Limits {
	return Limits{
		MaxChildren:    50,
		MaxDepth:       100,
		MaxNodes:       2000,
		MaxPromptBytes: 32 * 1024,
	}
}

// ValidateRequest checks prompt, model and parameters of a new node.
func ValidateRequest(prompt, modelID string, params json.RawMessage, limits Limits) error {
	var ve ValidationError

	p := strings.TrimSpace(prompt)
	switch {
	case p == "":
		ve.Add("prompt", "is required")
	case !utf8.ValidString(prompt):
		ve.Add("prompt", "must be valid UTF-8")
	case limits.MaxPromptBytes > 0 && len(prompt) > limits.MaxPromptBytes:
		ve.Add("prompt", "must be %d bytes or fewer, got %d", limits.MaxPromptBytes, len(prompt))
	}

	if strings.TrimSpace(modelID) == "" {
		ve.Add("model", "is required")
	}

	if len(params) > 0 && !json.Valid(params) {
		ve.Add("parameters", "contains invalid JSON")
	}

	return ve.Err()
}

// ValidateAnchor checks that an anchor is well formed. Offsets are hints, so
// only their internal consistency is checked here.
func ValidateAnchor(a *TextAnchor) error {
	if a == nil {
		return nil
	}
	var ve ValidationError
	if a.Exact == "" {
		ve.Add("anchor.exact", "is required")
	}
	if (a.StartOffset == nil) != (a.EndOffset == nil) {
		ve.Add("anchor.offsets", "start_offset and end_offset must be given together")
	}
	if a.HasOffsets() && (*a.StartOffset < 0 || *a.EndOffset < *a.StartOffset) {
		ve.Add("anchor.offsets", "invalid range [%d,%d)", *a.StartOffset, *a.EndOffset)
	}
	return ve.Err()
}

// ValidateTitle checks a graph title.
func ValidateTitle(title string) error {
	var ve ValidationError
	t := strings.TrimSpace(title)
	if t == "" {
		ve.Add("title", "is required")
	} else if len([]rune(t)) > 500 {
		ve.Add("title", "must be 500 characters or fewer")
	}
	return ve.Err()
}

// ValidateUpdate checks a user annotation edit.
func ValidateUpdate(u NodeUpdate) error {
	var ve ValidationError
	if u.IsEmpty() {
		ve.Add("update", "no fields to change")
	}
	if u.Tags != nil {
		for i, tag := range *u.Tags {
			if strings.TrimSpace(tag) == "" {
				ve.Add(fmt.Sprintf("tags[%d]", i), "must not be blank")
			}
		}
	}
	return ve.Err()
}
