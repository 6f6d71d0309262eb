package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

// Drop reasons recorded on support.inbound.dropped
const (
	DropMalformed = "malformed"
	DropEcho      = "echo"
	DropForeign   = "foreign_sender"
	DropDuplicate = "duplicate"
	DropStale     = "stale"
)

// Metrics holds the instruments recorded by the support session and the
// broker connection
type Metrics struct {
	InboundAccepted metric.Int64Counter
	InboundDropped  metric.Int64Counter
	PublishFailed   metric.Int64Counter
	Reconnects      metric.Int64Counter
	HistoryLoad     metric.Float64Histogram
}

// NewMetrics creates the instrument set on meter
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	var (
		m   Metrics
		err error
	)

	m.InboundAccepted, err = meter.Int64Counter("support.inbound.accepted",
		metric.WithDescription("Inbound messages appended to the transcript"))
	if err != nil {
		return nil, fmt.Errorf("failed to create inbound accepted counter: %w", err)
	}

	m.InboundDropped, err = meter.Int64Counter("support.inbound.dropped",
		metric.WithDescription("Inbound frames discarded, by reason"))
	if err != nil {
		return nil, fmt.Errorf("failed to create inbound dropped counter: %w", err)
	}

	m.PublishFailed, err = meter.Int64Counter("support.publish.failed",
		metric.WithDescription("Publishes rejected by the channel"))
	if err != nil {
		return nil, fmt.Errorf("failed to create publish failed counter: %w", err)
	}

	m.Reconnects, err = meter.Int64Counter("broker.reconnects",
		metric.WithDescription("Broker connections established after the first"))
	if err != nil {
		return nil, fmt.Errorf("failed to create reconnects counter: %w", err)
	}

	m.HistoryLoad, err = meter.Float64Histogram("support.history.load.duration",
		metric.WithDescription("History load latency"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, fmt.Errorf("failed to create history load histogram: %w", err)
	}

	return &m, nil
}

// NoopMetrics returns instruments that record nothing
func NoopMetrics() *Metrics {
	m, _ := NewMetrics(metricnoop.NewMeterProvider().Meter("noop"))
	return m
}

// NoopTracer returns a tracer that records nothing
func NoopTracer() trace.Tracer {
	return tracenoop.NewTracerProvider().Tracer("noop")
}

// Dropped records one discarded inbound frame
func (m *Metrics) Dropped(ctx context.Context, reason string) {
	m.InboundDropped.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// ObserveHistoryLoad records the time since start on the history histogram
func (m *Metrics) ObserveHistoryLoad(ctx context.Context, start time.Time, ok bool) {
	m.HistoryLoad.Record(ctx, float64(time.Since(start).Milliseconds()),
		metric.WithAttributes(attribute.Bool("ok", ok)))
}
