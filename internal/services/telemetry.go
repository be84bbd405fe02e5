package services

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"

	"dsr-orchestrator/pkg/models"
)

const instrumentationName = "dsr-orchestrator/internal/services"

// workflowMetrics records workflow outcomes and collaborator latency on the
// global MeterProvider.
type workflowMetrics struct {
	finished metric.Int64Counter
	duration metric.Float64Histogram
}

func newWorkflowMetrics(meter metric.Meter) *workflowMetrics {
	finished, err := meter.Int64Counter("dsr.workflows.finished",
		metric.WithDescription("Workflows that reached a terminal status"))
	if err != nil {
		otel.Handle(err)
		finished, _ = noop.NewMeterProvider().Meter(instrumentationName).Int64Counter("dsr.workflows.finished")
	}
	duration, err := meter.Float64Histogram("dsr.collaborator.duration",
		metric.WithDescription("Collaborator call latency"),
		metric.WithUnit("s"))
	if err != nil {
		otel.Handle(err)
		duration, _ = noop.NewMeterProvider().Meter(instrumentationName).Float64Histogram("dsr.collaborator.duration")
	}
	return &workflowMetrics{finished: finished, duration: duration}
}

func (m *workflowMetrics) workflowFinished(ctx context.Context, status models.WorkflowStatus) {
	m.finished.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status.String())))
}

func (m *workflowMetrics) collaboratorCalled(ctx context.Context, c Collaborator, err error, elapsed time.Duration) {
	m.duration.Record(ctx, elapsed.Seconds(), metric.WithAttributes(
		attribute.String("collaborator", string(c)),
		attribute.String("outcome", callOutcome(err)),
	))
}

func callOutcome(err error) string {
	var unavailable *CollaboratorUnavailableError
	var rejected *CollaboratorRejectedError
	switch {
	case err == nil:
		return "ok"
	case errors.As(err, &unavailable):
		return "unavailable"
	case errors.As(err, &rejected):
		return "rejected"
	default:
		return "error"
	}
}
