// Package observability provides OpenTelemetry instrumentation for tracing and metrics.
package observability

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	otelmetric "go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/sdk/metric"
)

const meterName = "appfleet"

// InitMetrics initializes the OpenTelemetry metrics provider with a Prometheus exporter.
// It returns the HTTP handler for the /metrics endpoint and a shutdown function.
// The shutdown function should be called on application exit for graceful cleanup.
func InitMetrics() (http.Handler, func(context.Context) error, error) {
	exporter, err := prometheus.New()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	provider := metric.NewMeterProvider(
		metric.WithReader(exporter),
	)

	otel.SetMeterProvider(provider)

	return promhttp.Handler(), provider.Shutdown, nil
}

// Instruments holds the agent's metric instruments. A nil *Instruments is
// valid and records nothing, which keeps tests free of metric setup.
type Instruments struct {
	jobsFinished  otelmetric.Int64Counter
	jobsRetried   otelmetric.Int64Counter
	downloadBytes otelmetric.Int64Counter
	eventsDropped otelmetric.Int64Counter
	meter         otelmetric.Meter
}

// NewInstruments creates the instruments on the global meter provider.
func NewInstruments() (*Instruments, error) {
	meter := otel.Meter(meterName)
	i := &Instruments{meter: meter}

	var err error
	if i.jobsFinished, err = meter.Int64Counter("appfleet.jobs.finished",
		otelmetric.WithDescription("Install jobs that reached a terminal state")); err != nil {
		return nil, err
	}
	if i.jobsRetried, err = meter.Int64Counter("appfleet.jobs.retried",
		otelmetric.WithDescription("Retryable job failures that were requeued")); err != nil {
		return nil, err
	}
	if i.downloadBytes, err = meter.Int64Counter("appfleet.download.bytes",
		otelmetric.WithUnit("By"),
		otelmetric.WithDescription("Artifact bytes written to staging")); err != nil {
		return nil, err
	}
	if i.eventsDropped, err = meter.Int64Counter("appfleet.events.dropped",
		otelmetric.WithDescription("Outbound events evicted from the bounded buffer")); err != nil {
		return nil, err
	}
	return i, nil
}

// JobFinished counts a terminal job by its final state.
func (i *Instruments) JobFinished(ctx context.Context, state string) {
	if i == nil {
		return
	}
	i.jobsFinished.Add(ctx, 1, otelmetric.WithAttributes(attribute.String("state", state)))
}

// JobRetried counts a requeued job by error code.
func (i *Instruments) JobRetried(ctx context.Context, code string) {
	if i == nil {
		return
	}
	i.jobsRetried.Add(ctx, 1, otelmetric.WithAttributes(attribute.String("code", code)))
}

// DownloadBytes counts bytes written by a download path.
func (i *Instruments) DownloadBytes(ctx context.Context, path string, n int64) {
	if i == nil || n <= 0 {
		return
	}
	i.downloadBytes.Add(ctx, n, otelmetric.WithAttributes(attribute.String("path", path)))
}

// EventsDropped counts evicted outbound events.
func (i *Instruments) EventsDropped(ctx context.Context, n int) {
	if i == nil || n <= 0 {
		return
	}
	i.eventsDropped.Add(ctx, int64(n))
}

// ObserveQueueDepth registers an observable gauge reporting the queue length.
func (i *Instruments) ObserveQueueDepth(count func(context.Context) (int64, error)) error {
	if i == nil {
		return nil
	}
	_, err := i.meter.Int64ObservableGauge("appfleet.queue.depth",
		otelmetric.WithDescription("Install jobs waiting or in progress"),
		otelmetric.WithInt64Callback(func(ctx context.Context, o otelmetric.Int64Observer) error {
			n, err := count(ctx)
			if err != nil {
				return err
			}
			o.Observe(n)
			return nil
		}),
	)
	return err
}
