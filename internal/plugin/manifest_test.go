package plugin_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tapwire/tapwire/internal/plugin"
)

func TestParseManifest_Basic(t *testing.T) {
	yaml := `
entry: main.lua
version: 1.0.0
description: echoes received frames back out
capabilities:
  - serial.send
  - rtt.send
`
	m, err := plugin.ParseManifest([]byte(yaml))
	require.NoError(t, err)

	assert.Equal(t, "main.lua", m.Entry)
	assert.Equal(t, "1.0.0", m.Version)
	assert.Len(t, m.Capabilities, 2)
}

func TestParseManifest_MissingEntry(t *testing.T) {
	yaml := `
version: 1.0.0
`
	_, err := plugin.ParseManifest([]byte(yaml))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "entry")
}

func TestParseManifest_EmptyInput(t *testing.T) {
	tests := []struct {
		name  string
		input []byte
	}{
		{name: "nil input", input: nil},
		{name: "empty slice", input: []byte{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := plugin.ParseManifest(tt.input)
			assert.Error(t, err)
		})
	}
}

func TestParseManifest_InvalidYAML(t *testing.T) {
	yaml := `entry: [invalid`
	_, err := plugin.ParseManifest([]byte(yaml))
	assert.Error(t, err)
}

func TestParseManifest_UnsupportedExtension(t *testing.T) {
	yaml := `entry: main.py`
	_, err := plugin.ParseManifest([]byte(yaml))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported extension")
}

func TestDisplayName(t *testing.T) {
	tests := []struct {
		entry string
		want  string
	}{
		{entry: "echo.lua", want: "echo"},
		{entry: "plugins/at-responder.lua", want: "at-responder"},
		{entry: "noext", want: "noext"},
	}

	for _, tt := range tests {
		t.Run(tt.entry, func(t *testing.T) {
			assert.Equal(t, tt.want, plugin.DisplayName(tt.entry))
		})
	}
}

func TestParseManifest_InvalidDisplayName(t *testing.T) {
	tests := []struct {
		name  string
		entry string
	}{
		{name: "uppercase", entry: "Echo.lua"},
		{name: "starts with number", entry: "1echo.lua"},
		{name: "starts with dash", entry: "-echo.lua"},
		{name: "underscore", entry: "echo_bot.lua"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			yaml := "entry: " + tt.entry + "\n"
			_, err := plugin.ParseManifest([]byte(yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), "display name")
		})
	}
}

func TestManifest_Validate_EmptyEntry(t *testing.T) {
	m := &plugin.Manifest{Entry: ""}
	assert.Error(t, m.Validate())
}
