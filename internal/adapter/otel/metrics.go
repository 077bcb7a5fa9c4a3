package otel

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "dispatchd"

// Metrics holds the run metric instruments.
type Metrics struct {
	RunsStarted   metric.Int64Counter
	RunsCompleted metric.Int64Counter
	RunsFailed    metric.Int64Counter
	SliceDuration metric.Float64Histogram
}

// NewMetrics creates all metric instruments.
func NewMetrics() (*Metrics, error) {
	meter := otel.Meter(meterName)
	m := &Metrics{}
	var err error

	m.RunsStarted, err = meter.Int64Counter("dispatchd.runs.started",
		metric.WithDescription("Number of runs launched"))
	if err != nil {
		return nil, err
	}

	m.RunsCompleted, err = meter.Int64Counter("dispatchd.runs.completed",
		metric.WithDescription("Number of runs completed"))
	if err != nil {
		return nil, err
	}

	m.RunsFailed, err = meter.Int64Counter("dispatchd.runs.failed",
		metric.WithDescription("Number of runs failed"))
	if err != nil {
		return nil, err
	}

	m.SliceDuration, err = meter.Float64Histogram("dispatchd.slice.duration_seconds",
		metric.WithDescription("Advancement slice duration in seconds"))
	if err != nil {
		return nil, err
	}

	return m, nil
}
