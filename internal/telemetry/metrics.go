package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// Metrics holds the engine counters. The zero value and a nil *Metrics are no-ops.
type Metrics struct {
	refreshes metric.Int64Counter
	logouts   metric.Int64Counter
	drained   metric.Int64Counter
	failed    metric.Int64Counter
}

// NewMetrics registers the engine counters on meter. A nil meter uses the no-op meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	if meter == nil {
		meter = noop.NewMeterProvider().Meter("geoquiz")
	}
	var m Metrics
	var err error
	if m.refreshes, err = meter.Int64Counter("geoquiz.session.refreshes",
		metric.WithDescription("Token refresh attempts by outcome")); err != nil {
		return nil, err
	}
	if m.logouts, err = meter.Int64Counter("geoquiz.session.logouts",
		metric.WithDescription("Session terminations by reason")); err != nil {
		return nil, err
	}
	if m.drained, err = meter.Int64Counter("geoquiz.offline.drained",
		metric.WithDescription("Offline queue entries replayed successfully")); err != nil {
		return nil, err
	}
	if m.failed, err = meter.Int64Counter("geoquiz.offline.failed",
		metric.WithDescription("Offline queue replays that failed and were kept")); err != nil {
		return nil, err
	}
	return &m, nil
}

// RecordRefresh counts one refresh attempt; outcome is "success" or "failure".
func (m *Metrics) RecordRefresh(ctx context.Context, outcome string) {
	if m == nil || m.refreshes == nil {
		return
	}
	m.refreshes.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordLogout counts one session termination.
func (m *Metrics) RecordLogout(ctx context.Context, reason string) {
	if m == nil || m.logouts == nil {
		return
	}
	m.logouts.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordDrain counts the result of one offline queue replay pass for kind.
func (m *Metrics) RecordDrain(ctx context.Context, kind string, drained, failed int) {
	if m == nil {
		return
	}
	opt := metric.WithAttributes(attribute.String("kind", kind))
	if m.drained != nil && drained > 0 {
		m.drained.Add(ctx, int64(drained), opt)
	}
	if m.failed != nil && failed > 0 {
		m.failed.Add(ctx, int64(failed), opt)
	}
}
