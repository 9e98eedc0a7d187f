package observability

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// MetricsRecorder records engine metrics.
// Use NewMetricsRecorder() for OTel metrics or NoopMetrics{} when disabled.
type MetricsRecorder interface {
	// RecordTask records one task execution with its duration and outcome.
	RecordTask(ctx context.Context, node string, duration time.Duration, err error)

	// RecordStep records a completed superstep and how many tasks it ran.
	RecordStep(ctx context.Context, step, tasks int, duration time.Duration)

	// RecordRun records the end of an invocation with its terminal status.
	RecordRun(ctx context.Context, status string, success bool, duration time.Duration)

	// RecordCheckpoint records a checkpoint handed to the saver.
	RecordCheckpoint(ctx context.Context, source string, sizeBytes int64)
}

type otelMetrics struct {
	taskExecutions metric.Int64Counter
	taskLatency    metric.Float64Histogram
	taskErrors     metric.Int64Counter
	steps          metric.Int64Counter
	stepTasks      metric.Int64Histogram
	stepLatency    metric.Float64Histogram
	runs           metric.Int64Counter
	runLatency     metric.Float64Histogram
	checkpointSize metric.Int64Histogram
}

var (
	defaultMetrics     *otelMetrics
	defaultMetricsOnce sync.Once
	defaultMetricsErr  error
)

func getDefaultMetrics() (*otelMetrics, error) {
	defaultMetricsOnce.Do(func() {
		defaultMetrics, defaultMetricsErr = newOtelMetrics()
	})
	return defaultMetrics, defaultMetricsErr
}

func newOtelMetrics() (*otelMetrics, error) {
	meter := otel.Meter("flowstack")
	m := &otelMetrics{}
	var err error

	if m.taskExecutions, err = meter.Int64Counter("flows.task.executions",
		metric.WithDescription("Number of task executions"),
	); err != nil {
		return nil, err
	}
	if m.taskLatency, err = meter.Float64Histogram("flows.task.latency_ms",
		metric.WithDescription("Task execution latency in milliseconds"),
		metric.WithUnit("ms"),
	); err != nil {
		return nil, err
	}
	if m.taskErrors, err = meter.Int64Counter("flows.task.errors",
		metric.WithDescription("Number of failed task executions"),
	); err != nil {
		return nil, err
	}
	if m.steps, err = meter.Int64Counter("flows.steps",
		metric.WithDescription("Number of completed supersteps"),
	); err != nil {
		return nil, err
	}
	if m.stepTasks, err = meter.Int64Histogram("flows.step.tasks",
		metric.WithDescription("Tasks run per superstep"),
	); err != nil {
		return nil, err
	}
	if m.stepLatency, err = meter.Float64Histogram("flows.step.latency_ms",
		metric.WithDescription("Superstep latency in milliseconds"),
		metric.WithUnit("ms"),
	); err != nil {
		return nil, err
	}
	if m.runs, err = meter.Int64Counter("flows.runs",
		metric.WithDescription("Number of invocations"),
	); err != nil {
		return nil, err
	}
	if m.runLatency, err = meter.Float64Histogram("flows.run.latency_ms",
		metric.WithDescription("Invocation latency in milliseconds"),
		metric.WithUnit("ms"),
	); err != nil {
		return nil, err
	}
	if m.checkpointSize, err = meter.Int64Histogram("flows.checkpoint.size_bytes",
		metric.WithDescription("Encoded checkpoint size in bytes"),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}
	return m, nil
}

// NewMetricsRecorder returns a MetricsRecorder that uses OpenTelemetry.
// If metrics initialization fails, it returns a no-op recorder.
//
// The recorder uses the global OTel meter provider; configure it first:
//
//	otel.SetMeterProvider(yourProvider)
func NewMetricsRecorder() MetricsRecorder {
	m, err := getDefaultMetrics()
	if err != nil {
		slog.Warn("metrics initialization failed, using no-op recorder",
			slog.String("error", err.Error()))
		return NoopMetrics{}
	}
	return m
}

func (m *otelMetrics) RecordTask(ctx context.Context, node string, duration time.Duration, err error) {
	attrs := metric.WithAttributes(attribute.String("node", node))
	m.taskExecutions.Add(ctx, 1, attrs)
	m.taskLatency.Record(ctx, float64(duration.Microseconds())/1000, attrs)
	if err != nil {
		m.taskErrors.Add(ctx, 1, attrs)
	}
}

func (m *otelMetrics) RecordStep(ctx context.Context, step, tasks int, duration time.Duration) {
	m.steps.Add(ctx, 1)
	m.stepTasks.Record(ctx, int64(tasks))
	m.stepLatency.Record(ctx, float64(duration.Microseconds())/1000,
		metric.WithAttributes(attribute.Int("step", step)))
}

func (m *otelMetrics) RecordRun(ctx context.Context, status string, success bool, duration time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("status", status),
		attribute.Bool("success", success),
	)
	m.runs.Add(ctx, 1, attrs)
	m.runLatency.Record(ctx, float64(duration.Microseconds())/1000, attrs)
}

func (m *otelMetrics) RecordCheckpoint(ctx context.Context, source string, sizeBytes int64) {
	m.checkpointSize.Record(ctx, sizeBytes,
		metric.WithAttributes(attribute.String("source", source)))
}
