// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"
)

func decodeLine(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry), "not JSON: %s", buf.String())
	return entry
}

func TestSetup_JSONFormat(t *testing.T) {
	var buf bytes.Buffer
	logger, err := Setup("gatekeeper", "1.0.0", "json", "info", &buf)
	require.NoError(t, err)

	logger.Info("decision cache ready", "backend", "lru")

	entry := decodeLine(t, &buf)
	assert.Equal(t, "decision cache ready", entry["msg"])
	assert.Equal(t, "gatekeeper", entry["service"])
	assert.Equal(t, "1.0.0", entry["version"])
	assert.Equal(t, "lru", entry["backend"])
}

func TestSetup_TextFormat(t *testing.T) {
	var buf bytes.Buffer
	logger, err := Setup("gatekeeper", "1.0.0", "text", "", &buf)
	require.NoError(t, err)

	logger.Info("seed applied")
	assert.Contains(t, buf.String(), "seed applied")
	assert.Contains(t, buf.String(), "service=gatekeeper")
}

func TestSetup_DefaultFormatIsJSON(t *testing.T) {
	var buf bytes.Buffer
	logger, err := Setup("gatekeeper", "1.0.0", "", "", &buf)
	require.NoError(t, err)
	logger.Info("hello")
	decodeLine(t, &buf)
}

func TestSetup_RejectsUnknownFormatAndLevel(t *testing.T) {
	_, err := Setup("gatekeeper", "1.0.0", "xml", "info", nil)
	require.Error(t, err)
	_, err = Setup("gatekeeper", "1.0.0", "json", "verbose", nil)
	require.Error(t, err)
}

func TestSetup_LevelFilters(t *testing.T) {
	var buf bytes.Buffer
	logger, err := Setup("gatekeeper", "1.0.0", "json", "warn", &buf)
	require.NoError(t, err)

	logger.Info("dropped")
	assert.Zero(t, buf.Len())

	logger.Warn("kept")
	assert.Equal(t, "kept", decodeLine(t, &buf)["msg"])
}

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"":        slog.LevelInfo,
		"INFO":    slog.LevelInfo,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
	}
	for in, want := range tests {
		got, err := ParseLevel(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
}

func TestHandler_TraceContext(t *testing.T) {
	var buf bytes.Buffer
	logger, err := Setup("gatekeeper", "1.0.0", "json", "debug", &buf)
	require.NoError(t, err)

	traceID, _ := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736") //nolint:errcheck // constant
	spanID, _ := trace.SpanIDFromHex("00f067aa0ba902b7")                  //nolint:errcheck // constant
	ctx := trace.ContextWithSpanContext(context.Background(), trace.NewSpanContext(trace.SpanContextConfig{
		TraceID: traceID,
		SpanID:  spanID,
	}))

	logger.With("component", "resolver").InfoContext(ctx, "permission check failed closed")

	entry := decodeLine(t, &buf)
	assert.Equal(t, "4bf92f3577b34da6a3ce929d0e0e4736", entry["trace_id"])
	assert.Equal(t, "00f067aa0ba902b7", entry["span_id"])
	assert.Equal(t, "resolver", entry["component"])
}

func TestHandler_NoTraceContext(t *testing.T) {
	var buf bytes.Buffer
	logger, err := Setup("gatekeeper", "1.0.0", "json", "info", &buf)
	require.NoError(t, err)

	logger.WithGroup("audit").Info("flushed", "entries", 3)

	entry := decodeLine(t, &buf)
	assert.NotContains(t, entry, "trace_id")
	assert.NotContains(t, entry, "span_id")
}

func TestSetDefault(t *testing.T) {
	original := slog.Default()
	defer slog.SetDefault(original)

	require.NoError(t, SetDefault("gatekeeper", "2.0.0", "json", "info"))
	assert.NotEqual(t, original, slog.Default())
	require.Error(t, SetDefault("gatekeeper", "2.0.0", "yaml", "info"))
}
