package otel

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "reelstudio"

// Metrics holds all ReelStudio metric instruments.
type Metrics struct {
	TasksCreated        metric.Int64Counter
	TasksCompleted      metric.Int64Counter
	TasksFailed         metric.Int64Counter
	TasksCancelled      metric.Int64Counter
	GenerationCalls     metric.Int64Counter
	GenerationRetries   metric.Int64Counter
	FilesSwept          metric.Int64Counter
	GenerationDuration  metric.Float64Histogram
	CompositionDuration metric.Float64Histogram
}

// NewMetrics creates all metric instruments.
func NewMetrics() (*Metrics, error) {
	meter := otel.Meter(meterName)
	m := &Metrics{}
	var err error

	m.TasksCreated, err = meter.Int64Counter("reelstudio.tasks.created",
		metric.WithDescription("Number of tasks created"))
	if err != nil {
		return nil, err
	}

	m.TasksCompleted, err = meter.Int64Counter("reelstudio.tasks.completed",
		metric.WithDescription("Number of tasks completed"))
	if err != nil {
		return nil, err
	}

	m.TasksFailed, err = meter.Int64Counter("reelstudio.tasks.failed",
		metric.WithDescription("Number of tasks failed"))
	if err != nil {
		return nil, err
	}

	m.TasksCancelled, err = meter.Int64Counter("reelstudio.tasks.cancelled",
		metric.WithDescription("Number of tasks cancelled"))
	if err != nil {
		return nil, err
	}

	m.GenerationCalls, err = meter.Int64Counter("reelstudio.generation.calls",
		metric.WithDescription("Number of generator invocations, including retries"))
	if err != nil {
		return nil, err
	}

	m.GenerationRetries, err = meter.Int64Counter("reelstudio.generation.retries",
		metric.WithDescription("Number of generator retries after transient failures"))
	if err != nil {
		return nil, err
	}

	m.FilesSwept, err = meter.Int64Counter("reelstudio.files.swept",
		metric.WithDescription("Number of orphaned files removed by the sweeper"))
	if err != nil {
		return nil, err
	}

	m.GenerationDuration, err = meter.Float64Histogram("reelstudio.generation.duration_seconds",
		metric.WithDescription("Generation phase duration in seconds"))
	if err != nil {
		return nil, err
	}

	m.CompositionDuration, err = meter.Float64Histogram("reelstudio.composition.duration_seconds",
		metric.WithDescription("Composition phase duration in seconds"))
	if err != nil {
		return nil, err
	}

	return m, nil
}
