package errutil_test

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"

	"github.com/samber/oops"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tapwire/tapwire/pkg/errutil"
)

func TestLogError_OopsError(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	err := oops.Code("TIMEOUT").With("plugin", "echo").Errorf("deadline exceeded")
	errutil.LogError(logger, "deferred call failed", err)

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "deferred call failed", entry["msg"])
	assert.Equal(t, "TIMEOUT", entry["code"])
	assert.Contains(t, entry["error"], "deadline exceeded")
}

func TestLogError_PlainError(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	errutil.LogError(logger, "load failed", errors.New("boom"))

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "load failed", entry["msg"])
	assert.Equal(t, "boom", entry["error"])
	assert.NotContains(t, entry, "code")
}

func TestCode(t *testing.T) {
	assert.Equal(t, "", errutil.Code(errors.New("plain")))
	assert.Equal(t, "TIMEOUT", errutil.Code(oops.Code("TIMEOUT").Errorf("x")))
}
