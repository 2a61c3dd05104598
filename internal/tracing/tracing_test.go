package tracing

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitTracer_ReturnsUsableTracer(t *testing.T) {
	tracer := InitTracer("calcifer-test")
	require.NotNil(t, tracer)

	ctx, span := StartReconcile(context.Background(), tracer, "ctrl1:fan1")
	defer span.End()

	assert.NotNil(t, ctx)
	assert.True(t, span.SpanContext().IsValid())
}

func TestShutdown_NoExporterConfigured_ReturnsNoError(t *testing.T) {
	InitTracer("calcifer-test")
	err := Shutdown(context.Background())
	assert.NoError(t, err)
}
