package tracing

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"testing"
	"time"

	"chatsync/internal/models"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	oteltrace "go.opentelemetry.io/otel/trace"
)

func installRecorder(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	previous := otel.GetTracerProvider()
	otel.SetTracerProvider(provider)
	t.Cleanup(func() {
		_ = provider.Shutdown(context.Background())
		otel.SetTracerProvider(previous)
	})
	return recorder
}

func TestDefaultTracingConfig(t *testing.T) {
	config := DefaultTracingConfig()

	assert.Equal(t, "chatsync", config.ServiceName)
	assert.Equal(t, "dev", config.ServiceVersion)
	assert.Equal(t, 0.1, config.SampleRate)
	assert.False(t, config.Enabled)
	assert.True(t, config.UseStdout)
}

func TestFromModel(t *testing.T) {
	config := FromModel(models.TracingConfig{
		Enabled:      true,
		ServiceName:  "sync-test",
		OTLPEndpoint: "http://collector:4318/v1/traces",
		SampleRate:   0.5,
	})

	assert.True(t, config.Enabled)
	assert.False(t, config.UseStdout)
	assert.Equal(t, "sync-test", config.ServiceName)
	assert.Equal(t, "dev", config.ServiceVersion)
	assert.Equal(t, "development", config.Environment)
	assert.Equal(t, "http://collector:4318/v1/traces", config.OTLPEndpoint)
	assert.Equal(t, 0.5, config.SampleRate)
}

func TestTracingManager_DisabledIsNoop(t *testing.T) {
	logger := logrus.New()
	tm := NewTracingManager(DefaultTracingConfig(), logger)

	require.NoError(t, tm.Initialize(context.Background()))
	assert.Nil(t, tm.tracerProvider)
	require.NoError(t, tm.Shutdown(context.Background()))
}

func TestStartSpan_RecordsAttributesAndErrors(t *testing.T) {
	recorder := installRecorder(t)

	ctx, span := StartSpan(context.Background(), "paging.older_page",
		attribute.String("conversation_id", "bob@example.org"))
	AddSpanAttributes(ctx, attribute.Int("page_size", 50))
	RecordError(ctx, errors.New("gateway unavailable"))
	assert.NotEmpty(t, GetOtelTraceID(ctx))
	span.End()

	ended := recorder.Ended()
	require.Len(t, ended, 1)
	got := ended[0]
	assert.Equal(t, "paging.older_page", got.Name())
	assert.Equal(t, codes.Error, got.Status().Code)
	assert.Contains(t, got.Attributes(), attribute.String("conversation_id", "bob@example.org"))
	assert.Contains(t, got.Attributes(), attribute.Int("page_size", 50))
	require.Len(t, got.Events(), 1)
	assert.Equal(t, "exception", got.Events()[0].Name)
}

func TestSetSpanStatus(t *testing.T) {
	recorder := installRecorder(t)

	ctx, span := StartSpan(context.Background(), "outbound.send")
	SetSpanStatus(ctx, codes.Ok, "")
	span.End()

	require.Len(t, recorder.Ended(), 1)
	assert.Equal(t, codes.Ok, recorder.Ended()[0].Status().Code)
}

func TestSpanHelpers_WithoutSpan(t *testing.T) {
	ctx := context.Background()

	assert.NotPanics(t, func() {
		AddSpanAttributes(ctx, attribute.String("k", "v"))
		SetSpanStatus(ctx, codes.Error, "boom")
		RecordError(ctx, errors.New("boom"))
	})
	assert.Empty(t, GetOtelTraceID(ctx))
}

func TestGenerateRequestID(t *testing.T) {
	id1 := GenerateRequestID()
	id2 := GenerateRequestID()

	assert.NotEqual(t, id1, id2)
	assert.True(t, strings.HasPrefix(id1, "req_"))
}

func TestWithRequest(t *testing.T) {
	ctx := WithRequest(context.Background(), "req-123")
	assert.Equal(t, "req-123", GetRequestID(ctx))
	assert.False(t, GetStartTime(ctx).IsZero())
	assert.GreaterOrEqual(t, Duration(ctx), time.Duration(0))

	for _, bad := range []string{"", "has space", "line\nbreak", strings.Repeat("x", maxRequestIDLen+1)} {
		generated := WithRequest(context.Background(), bad)
		assert.True(t, strings.HasPrefix(GetRequestID(generated), "req_"), "id %q should be replaced", bad)
	}
}

func TestWithRequestID_KeepsStartTime(t *testing.T) {
	ctx := WithRequest(context.Background(), "req-1")
	started := GetStartTime(ctx)

	ctx = WithRequestID(ctx, "req-2")
	assert.Equal(t, "req-2", GetRequestID(ctx))
	assert.Equal(t, started, GetStartTime(ctx))
}

func TestContextAccessors_Empty(t *testing.T) {
	ctx := context.Background()

	assert.Empty(t, GetRequestID(ctx))
	assert.True(t, GetStartTime(ctx).IsZero())
	assert.Equal(t, time.Duration(0), Duration(ctx))
	assert.Empty(t, LogFields(ctx))
}

func TestLogFields(t *testing.T) {
	installRecorder(t)

	ctx, span := StartSpan(WithRequestID(context.Background(), "req-9"), "op")
	defer span.End()

	fields := LogFields(ctx)
	assert.Equal(t, "req-9", fields["request_id"])
	assert.Equal(t, GetOtelTraceID(ctx), fields["trace_id"])
}

func TestNewSampler(t *testing.T) {
	params := func(parent oteltrace.SpanContext) sdktrace.SamplingParameters {
		return sdktrace.SamplingParameters{
			ParentContext: oteltrace.ContextWithSpanContext(context.Background(), parent),
			TraceID:       oteltrace.TraceID{0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff},
			Name:          "op",
		}
	}
	sampledParent := oteltrace.NewSpanContext(oteltrace.SpanContextConfig{
		TraceID:    oteltrace.TraceID{1},
		SpanID:     oteltrace.SpanID{1},
		TraceFlags: oteltrace.FlagsSampled,
		Remote:     true,
	})

	assert.Equal(t, sdktrace.RecordAndSample, newSampler(1).ShouldSample(params(oteltrace.SpanContext{})).Decision)
	assert.Equal(t, sdktrace.Drop, newSampler(0).ShouldSample(params(oteltrace.SpanContext{})).Decision)
	assert.Equal(t, sdktrace.RecordAndSample, newSampler(0).ShouldSample(params(sampledParent)).Decision,
		"a sampled caller keeps the trace")
}

func TestPropagation_RoundTrip(t *testing.T) {
	installRecorder(t)
	tm := NewTracingManager(DefaultTracingConfig(), logrus.New())
	require.NoError(t, tm.Initialize(context.Background()))

	ctx, span := StartSpan(context.Background(), "http POST /api/messages")
	defer span.End()

	header := http.Header{}
	InjectHTTP(ctx, header)
	require.NotEmpty(t, header.Get("traceparent"))

	downstream := ExtractHTTP(context.Background(), header)
	assert.Equal(t, GetOtelTraceID(ctx), GetOtelTraceID(downstream))
}
