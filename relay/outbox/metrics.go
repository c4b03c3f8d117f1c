package outbox

import (
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

type projectorMetrics struct {
	recordsSent     metric.Int64Counter
	recordsFailed   metric.Int64Counter
	recordsDead     metric.Int64Counter
	recordsReleased metric.Int64Counter
	cycleLatency    metric.Float64Histogram
	batchDepth      metric.Int64Gauge
}

func newProjectorMetrics(provider metric.MeterProvider) (projectorMetrics, error) {
	if provider == nil {
		provider = otel.GetMeterProvider()
	}

	meter := provider.Meter("relay.outbox.projector")

	var (
		metrics projectorMetrics
		err     error
	)

	metrics.recordsSent, err = meter.Int64Counter(
		"outbox.records.sent",
		metric.WithDescription("Number of outbox records successfully published"),
		metric.WithUnit("{record}"),
	)
	if err != nil {
		return projectorMetrics{}, fmt.Errorf("create outbox.records.sent counter: %w", err)
	}

	metrics.recordsFailed, err = meter.Int64Counter(
		"outbox.records.failed",
		metric.WithDescription("Number of outbox records that failed to publish"),
		metric.WithUnit("{record}"),
	)
	if err != nil {
		return projectorMetrics{}, fmt.Errorf("create outbox.records.failed counter: %w", err)
	}

	metrics.recordsDead, err = meter.Int64Counter(
		"outbox.records.dead",
		metric.WithDescription("Number of outbox records moved to the dead status"),
		metric.WithUnit("{record}"),
	)
	if err != nil {
		return projectorMetrics{}, fmt.Errorf("create outbox.records.dead counter: %w", err)
	}

	metrics.recordsReleased, err = meter.Int64Counter(
		"outbox.records.released",
		metric.WithDescription("Number of claimed records released unprocessed to preserve ordering"),
		metric.WithUnit("{record}"),
	)
	if err != nil {
		return projectorMetrics{}, fmt.Errorf("create outbox.records.released counter: %w", err)
	}

	metrics.cycleLatency, err = meter.Float64Histogram(
		"outbox.cycle.latency",
		metric.WithDescription("Time taken per projector poll cycle"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return projectorMetrics{}, fmt.Errorf("create outbox.cycle.latency histogram: %w", err)
	}

	metrics.batchDepth, err = meter.Int64Gauge(
		"outbox.batch.depth",
		metric.WithDescription("Number of outbox records claimed in a poll cycle"),
		metric.WithUnit("{record}"),
	)
	if err != nil {
		return projectorMetrics{}, fmt.Errorf("create outbox.batch.depth gauge: %w", err)
	}

	return metrics, nil
}
