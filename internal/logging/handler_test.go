// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 tapwire Contributors

package logging_test

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"

	"github.com/tapwire/tapwire/internal/logging"
)

func TestSetup_StampsServiceAndVersion(t *testing.T) {
	var buf bytes.Buffer
	logger := logging.Setup("tapwire", "0.1.0", "json", &buf)

	logger.Info("hello")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "tapwire", entry["service"])
	assert.Equal(t, "0.1.0", entry["version"])
	assert.Equal(t, "hello", entry["msg"])
}

func TestSetup_TextFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := logging.Setup("tapwire", "0.1.0", "text", &buf)

	logger.Info("hello")

	assert.Contains(t, buf.String(), "msg=hello")
	assert.Contains(t, buf.String(), "service=tapwire")
}

func TestSetup_StampsTraceContext(t *testing.T) {
	var buf bytes.Buffer
	logger := logging.Setup("tapwire", "0.1.0", "json", &buf)

	traceID, err := trace.TraceIDFromHex("0102030405060708090a0b0c0d0e0f10")
	require.NoError(t, err)
	spanID, err := trace.SpanIDFromHex("0102030405060708")
	require.NoError(t, err)
	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID: traceID,
		SpanID:  spanID,
	})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)

	logger.InfoContext(ctx, "resumed task")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, traceID.String(), entry["trace_id"])
	assert.Equal(t, spanID.String(), entry["span_id"])
}

func TestPluginLogger_AddsPluginAttr(t *testing.T) {
	var buf bytes.Buffer
	base := logging.Setup("tapwire", "0.1.0", "json", &buf)
	logger := logging.PluginLogger(base, "echo")

	logger.Info("loaded")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "echo", entry["plugin"])
}
