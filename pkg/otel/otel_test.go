package otel

import (
	"context"
	"testing"

	"github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"inviteflow/pkg/config"
)

func TestInit_DisabledInstallsPropagatorOnly(t *testing.T) {
	shutdown, err := Init(context.Background(), config.TracingConfig{}, "test", zap.NewNop())
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
	assert.Contains(t, otel.GetTextMapPropagator().Fields(), "traceparent")
}

func TestHeaderCarrier_PropagatesSpanContext(t *testing.T) {
	otel.SetTextMapPropagator(propagation.TraceContext{})
	tp := sdktrace.NewTracerProvider()
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	ctx, span := tp.Tracer("test").Start(context.Background(), "publish")
	defer span.End()

	headers := amqp091.Table{"X-Trace-ID": "abc"}
	InjectHeaders(ctx, headers)
	assert.NotEmpty(t, headers["traceparent"])
	assert.Equal(t, "abc", headers["X-Trace-ID"])

	remote := trace.SpanContextFromContext(ExtractHeaders(context.Background(), headers))
	assert.True(t, remote.IsRemote())
	assert.Equal(t, span.SpanContext().TraceID(), remote.TraceID())
}

func TestHeaderCarrier_IgnoresNonStringValues(t *testing.T) {
	c := HeaderCarrier{"x-retry": int32(3), "k": "v"}
	assert.Equal(t, "", c.Get("x-retry"))
	assert.Equal(t, "v", c.Get("k"))
	assert.ElementsMatch(t, []string{"x-retry", "k"}, c.Keys())
}

func TestExtractHeaders_NilHeaders(t *testing.T) {
	ctx := context.Background()
	assert.Equal(t, ctx, ExtractHeaders(ctx, nil))
}

func TestOperation(t *testing.T) {
	assert.Equal(t, "SELECT", operation("  select id FROM invites"))
	assert.Equal(t, "INSERT", operation("INSERT INTO messages"))
	assert.Equal(t, "QUERY", operation(""))
	assert.Equal(t, "SELECT a FROM b", statement("SELECT a\n\tFROM   b"))
}
