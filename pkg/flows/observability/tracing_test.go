package observability

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func attributeKey(k string) attribute.Key { return attribute.Key(k) }

func setupTracingTest(t *testing.T) *tracetest.InMemoryExporter {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))

	original := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	tracer = otel.Tracer("flowstack")

	t.Cleanup(func() {
		otel.SetTracerProvider(original)
		tracer = otel.Tracer("flowstack")
		if err := tp.Shutdown(context.Background()); err != nil {
			t.Logf("shutdown tracer provider: %v", err)
		}
	})
	return exporter
}

func spanAttr(s tracetest.SpanStub, key string) attribute.Value {
	for _, kv := range s.Attributes {
		if string(kv.Key) == key {
			return kv.Value
		}
	}
	return attribute.Value{}
}

func TestSpanHierarchy(t *testing.T) {
	exporter := setupTracingTest(t)
	sm := NewSpanManager()

	ctx, run := sm.StartRunSpan(context.Background(), "run-1", "thread-1")
	stepCtx, step := sm.StartStepSpan(ctx, 0, 2)
	_, task := sm.StartTaskSpan(stepCtx, "agent", "task-1")
	sm.EndSpanWithError(task, nil)
	sm.EndSpanWithError(step, nil)
	sm.EndSpanWithError(run, nil)

	spans := exporter.GetSpans()
	require.Len(t, spans, 3)

	byName := map[string]tracetest.SpanStub{}
	for _, s := range spans {
		byName[s.Name] = s
	}
	runSpan, stepSpan, taskSpan := byName["flows.run"], byName["flows.step"], byName["flows.task.agent"]

	assert.Equal(t, "run-1", spanAttr(runSpan, "run.id").AsString())
	assert.Equal(t, "thread-1", spanAttr(runSpan, "thread.id").AsString())
	assert.Equal(t, int64(2), spanAttr(stepSpan, "step.tasks").AsInt64())
	assert.Equal(t, "task-1", spanAttr(taskSpan, "task.id").AsString())

	assert.Equal(t, runSpan.SpanContext.SpanID(), stepSpan.Parent.SpanID())
	assert.Equal(t, stepSpan.SpanContext.SpanID(), taskSpan.Parent.SpanID())
	assert.Equal(t, codes.Ok, taskSpan.Status.Code)
}

func TestEndSpanWithError(t *testing.T) {
	exporter := setupTracingTest(t)
	sm := NewSpanManager()

	_, span := sm.StartTaskSpan(context.Background(), "agent", "task-1")
	sm.EndSpanWithError(span, errors.New("model unavailable"))

	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	assert.Equal(t, codes.Error, spans[0].Status.Code)
	assert.Equal(t, "model unavailable", spans[0].Status.Description)
	require.Len(t, spans[0].Events, 1)
	assert.Equal(t, "exception", spans[0].Events[0].Name)
}

func TestAddSpanEvent(t *testing.T) {
	exporter := setupTracingTest(t)
	sm := NewSpanManager()

	ctx, span := sm.StartRunSpan(context.Background(), "run-1", "")
	sm.AddSpanEvent(ctx, "interrupt", attribute.String("status", "interrupt_before"))
	span.End()

	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	require.Len(t, spans[0].Events, 1)
	assert.Equal(t, "interrupt", spans[0].Events[0].Name)

	assert.NotPanics(t, func() { AddSpanEvent(context.Background(), "no span") })
}

func TestNoopSpanManager(t *testing.T) {
	sm := NoopSpanManager{}
	ctx := context.Background()

	got, span := sm.StartRunSpan(ctx, "r", "t")
	assert.Equal(t, ctx, got)
	assert.False(t, span.IsRecording())
	_, _ = sm.StartStepSpan(ctx, 0, 1)
	_, span = sm.StartTaskSpan(ctx, "n", "id")
	assert.NotPanics(t, func() {
		sm.EndSpanWithError(span, errors.New("x"))
		sm.AddSpanEvent(ctx, "e")
	})
}
