package model

import (
	"strings"
	"testing"
)

// fieldErrors extracts a *ValidationError from err or fails the test.
func fieldErrors(t *testing.T, err error) []FieldError {
	t.Helper()
	if err == nil {
		t.Fatal("expected validation error, got nil")
	}
	ve, ok := err.(*ValidationError)
	if !ok {
		t.Fatalf("expected *ValidationError, got %T", err)
	}
	return ve.Errors
}

// hasFieldError reports whether the error list contains an error for the given field.
func hasFieldError(errs []FieldError, field string) bool {
	for _, fe := range errs {
		if fe.Field == field {
			return true
		}
	}
	return false
}

func intPtr(v int) *int { return &v }

func TestValidateRequest(t *testing.T) {
	limits := DefaultLimits()
	limits.MaxPromptBytes = 16

	tests := []struct {
		name   string
		prompt string
		model  string
		params string
		field  string
	}{
		{"empty prompt", "", "gpt", "", "prompt"},
		{"whitespace prompt", " \t\n", "gpt", "", "prompt"},
		{"oversized prompt", strings.Repeat("x", 17), "gpt", "", "prompt"},
		{"missing model", "why?", "", "", "model"},
		{"bad params", "why?", "gpt", "{", "parameters"},
		{"valid", "why?", "gpt", `{"temperature":0.2}`, ""},
		{"exactly at limit", strings.Repeat("x", 16), "gpt", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var params []byte
			if tt.params != "" {
				params = []byte(tt.params)
			}
			err := ValidateRequest(tt.prompt, tt.model, params, limits)
			if tt.field == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if !hasFieldError(fieldErrors(t, err), tt.field) {
				t.Errorf("expected error on field %q, got %v", tt.field, err)
			}
		})
	}
}

func TestValidateAnchor(t *testing.T) {
	if err := ValidateAnchor(nil); err != nil {
		t.Errorf("nil anchor should be valid, got %v", err)
	}
	if err := ValidateAnchor(&TextAnchor{Exact: "sky"}); err != nil {
		t.Errorf("exact-only anchor should be valid, got %v", err)
	}
	errs := fieldErrors(t, ValidateAnchor(&TextAnchor{}))
	if !hasFieldError(errs, "anchor.exact") {
		t.Error("expected anchor.exact error")
	}
	errs = fieldErrors(t, ValidateAnchor(&TextAnchor{Exact: "x", StartOffset: intPtr(1)}))
	if !hasFieldError(errs, "anchor.offsets") {
		t.Error("expected anchor.offsets error for half-specified offsets")
	}
	errs = fieldErrors(t, ValidateAnchor(&TextAnchor{Exact: "x", StartOffset: intPtr(5), EndOffset: intPtr(2)}))
	if !hasFieldError(errs, "anchor.offsets") {
		t.Error("expected anchor.offsets error for inverted range")
	}
}

func TestValidateTitle(t *testing.T) {
	if err := ValidateTitle("Physics questions"); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if !hasFieldError(fieldErrors(t, ValidateTitle("  ")), "title") {
		t.Error("expected title error")
	}
	if !hasFieldError(fieldErrors(t, ValidateTitle(strings.Repeat("a", 501))), "title") {
		t.Error("expected title length error")
	}
}

func TestValidateUpdate(t *testing.T) {
	if !hasFieldError(fieldErrors(t, ValidateUpdate(NodeUpdate{})), "update") {
		t.Error("expected error for empty update")
	}
	tags := []string{"ok", " "}
	if !hasFieldError(fieldErrors(t, ValidateUpdate(NodeUpdate{Tags: &tags})), "tags[1]") {
		t.Error("expected error for blank tag")
	}
}
