// Package observe holds the OpenTelemetry metric instruments for capture
// and bridge activity.
//
// A package-level default [Metrics] instance ([DefaultMetrics]) uses the
// global meter provider, which is a no-op until [InitProvider] installs the
// Prometheus bridge. Tests should use [NewMetrics] with their own
// [metric.MeterProvider].
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "micgate"

// Metrics holds all metric instruments. The OTel types handle their own
// synchronisation and are safe to use from the realtime tap.
type Metrics struct {
	// BridgeCalls counts graph mutations. Attributes: op, status.
	BridgeCalls metric.Int64Counter

	// BridgeFailures counts recovered native failures. Attributes: op, exception.
	BridgeFailures metric.Int64Counter

	// TapBuffers counts buffers processed by the capture tap.
	TapBuffers metric.Int64Counter

	// TapProcessing tracks time spent handling one buffer on the realtime thread.
	TapProcessing metric.Float64Histogram

	// TelemetryDropped counts telemetry updates discarded because the
	// delivery queue was full.
	TelemetryDropped metric.Int64Counter

	// TransmitTransitions counts gate changes. Attributes: mode, state.
	TransmitTransitions metric.Int64Counter

	// TransmitDuration tracks how long each transmit interval lasted.
	TransmitDuration metric.Float64Histogram

	// CaptureRunning is 1 while the capture tap is installed.
	CaptureRunning metric.Int64UpDownCounter
}

var tapBuckets = []float64{
	0.00005, 0.0001, 0.00025, 0.0005, 0.001, 0.0025, 0.005, 0.01,
}

var transmitBuckets = []float64{
	0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 300,
}

// NewMetrics creates all instruments on mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.BridgeCalls, err = m.Int64Counter("micgate.bridge.calls",
		metric.WithDescription("Native graph mutations by operation and status."),
	); err != nil {
		return nil, err
	}
	if met.BridgeFailures, err = m.Int64Counter("micgate.bridge.failures",
		metric.WithDescription("Recovered native failures by operation and exception name."),
	); err != nil {
		return nil, err
	}
	if met.TapBuffers, err = m.Int64Counter("micgate.tap.buffers",
		metric.WithDescription("Audio buffers processed by the capture tap."),
	); err != nil {
		return nil, err
	}
	if met.TapProcessing, err = m.Float64Histogram("micgate.tap.processing",
		metric.WithDescription("Time spent processing one captured buffer."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(tapBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TelemetryDropped, err = m.Int64Counter("micgate.telemetry.dropped",
		metric.WithDescription("Telemetry updates dropped because the delivery queue was full."),
	); err != nil {
		return nil, err
	}
	if met.TransmitTransitions, err = m.Int64Counter("micgate.transmit.transitions",
		metric.WithDescription("Transmit gate changes by mode and new state."),
	); err != nil {
		return nil, err
	}
	if met.TransmitDuration, err = m.Float64Histogram("micgate.transmit.duration",
		metric.WithDescription("Length of transmit intervals."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(transmitBuckets...),
	); err != nil {
		return nil, err
	}
	if met.CaptureRunning, err = m.Int64UpDownCounter("micgate.capture.running",
		metric.WithDescription("1 while the capture tap is installed."),
	); err != nil {
		return nil, err
	}

	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider].
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

func (m *Metrics) RecordBridgeCall(ctx context.Context, op string, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.BridgeCalls.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("op", op),
			attribute.String("status", status),
		),
	)
}

func (m *Metrics) RecordBridgeFailure(ctx context.Context, op, exception string) {
	m.BridgeFailures.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("op", op),
			attribute.String("exception", exception),
		),
	)
}

func (m *Metrics) RecordTapBuffer(ctx context.Context, elapsed time.Duration) {
	m.TapBuffers.Add(ctx, 1)
	m.TapProcessing.Record(ctx, elapsed.Seconds())
}

func (m *Metrics) RecordTransmit(ctx context.Context, mode string, on bool) {
	state := "off"
	if on {
		state = "on"
	}
	m.TransmitTransitions.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("mode", mode),
			attribute.String("state", state),
		),
	)
}
