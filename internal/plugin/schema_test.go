package plugin_test

import (
	"fmt"
	"strings"
	"testing"

	"github.com/tapwire/tapwire/internal/plugin"
)

func TestValidateSchema_ValidManifest(t *testing.T) {
	yaml := `
entry: main.lua
version: 1.0.0
capabilities:
  - serial.send
  - rtt.send
`
	if err := plugin.ValidateSchema([]byte(yaml)); err != nil {
		t.Errorf("ValidateSchema() error = %v, want nil", err)
	}
}

func TestValidateSchema_MissingEntry(t *testing.T) {
	yaml := `version: 1.0.0`
	if err := plugin.ValidateSchema([]byte(yaml)); err == nil {
		t.Error("ValidateSchema() expected error for missing entry")
	}
}

func TestValidateSchema_EmptyInput(t *testing.T) {
	tests := []struct {
		name  string
		input []byte
	}{
		{name: "nil input", input: nil},
		{name: "empty slice", input: []byte{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := plugin.ValidateSchema(tt.input); err == nil {
				t.Error("ValidateSchema() expected error for empty input")
			}
		})
	}
}

func TestValidateSchema_InvalidYAML(t *testing.T) {
	yaml := `entry: [invalid`
	if err := plugin.ValidateSchema([]byte(yaml)); err == nil {
		t.Error("ValidateSchema() expected error for invalid YAML")
	}
}

func TestGenerateSchema(t *testing.T) {
	schema, err := plugin.GenerateSchema()
	if err != nil {
		t.Fatalf("GenerateSchema() error = %v", err)
	}
	if len(schema) == 0 {
		t.Error("GenerateSchema() returned empty schema")
	}

	schemaStr := string(schema)
	expectedFields := []string{
		`"entry"`,
		`"version"`,
		`"capabilities"`,
		`"$schema"`,
	}
	for _, field := range expectedFields {
		if !strings.Contains(schemaStr, field) {
			t.Errorf("GenerateSchema() missing expected field %s", field)
		}
	}
}

func TestResetSchemaCache(t *testing.T) {
	yaml := `entry: main.lua`
	if err := plugin.ValidateSchema([]byte(yaml)); err != nil {
		t.Fatalf("ValidateSchema() error = %v", err)
	}

	plugin.ResetSchemaCache()

	if err := plugin.ValidateSchema([]byte(yaml)); err != nil {
		t.Errorf("ValidateSchema() after reset error = %v", err)
	}
}

func TestGetSchemaID(t *testing.T) {
	id := plugin.GetSchemaID()
	if id == "" {
		t.Error("GetSchemaID() returned empty string")
	}
	if !strings.Contains(id, "tapwire") {
		t.Errorf("GetSchemaID() = %q, want to contain 'tapwire'", id)
	}
}

func TestFormatSchemaError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{name: "nil error", err: nil, want: ""},
		{name: "simple error", err: fmt.Errorf("test error"), want: "test error"},
		{
			name: "schema validation error",
			err:  fmt.Errorf("schema validation failed: missing required field"),
			want: "missing required field",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := plugin.FormatSchemaError(tt.err)
			if got != tt.want {
				t.Errorf("FormatSchemaError() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestValidateSchema_WithCapabilities(t *testing.T) {
	yaml := `
entry: at_responder.lua
version: 1.0.0
description: responds to AT commands
capabilities:
  - rtt.*
  - serial.send
`
	if err := plugin.ValidateSchema([]byte(yaml)); err != nil {
		t.Errorf("ValidateSchema() error = %v, want nil for manifest with all optional fields", err)
	}
}
