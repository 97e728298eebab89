package observability

import (
	"context"
	"fmt"
	"net/http"
	"time"

	promclient "github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// MetricsConfig configures the metrics collector and its scrape endpoint.
type MetricsConfig struct {
	Enabled        bool `yaml:"enabled"`
	PrometheusPort int  `yaml:"prometheus_port"`
}

// StreamingMetrics tracks the event pipeline. All record methods are safe on
// a disabled (or nil) collector.
type StreamingMetrics struct {
	meter metric.Meter

	eventsIngested  metric.Int64Counter
	eventsPersisted metric.Int64Counter
	eventsDropped   metric.Int64Counter
	eventsReplayed  metric.Int64Counter
	activeStreams   metric.Int64UpDownCounter
	appendLatency   metric.Float64Histogram
	runOutcomes     metric.Int64Counter

	prometheusServer *http.Server
}

// NewStreamingMetrics creates the collector. When disabled it returns an
// inert collector whose methods no-op.
func NewStreamingMetrics(config MetricsConfig) (*StreamingMetrics, error) {
	if !config.Enabled {
		return &StreamingMetrics{}, nil
	}

	exporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(exporter),
	)
	otel.SetMeterProvider(provider)

	meter := provider.Meter("flume")
	m := &StreamingMetrics{meter: meter}

	m.eventsIngested, err = meter.Int64Counter(
		"flume.events.ingested.total",
		metric.WithDescription("Events pushed to live brokers"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create events_ingested counter: %w", err)
	}

	m.eventsPersisted, err = meter.Int64Counter(
		"flume.events.persisted.total",
		metric.WithDescription("Events appended to the durable log"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create events_persisted counter: %w", err)
	}

	m.eventsDropped, err = meter.Int64Counter(
		"flume.events.dropped.total",
		metric.WithDescription("Events dropped by filtering or finished brokers"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create events_dropped counter: %w", err)
	}

	m.eventsReplayed, err = meter.Int64Counter(
		"flume.events.replayed.total",
		metric.WithDescription("Events re-sent to reconnecting clients from the log"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create events_replayed counter: %w", err)
	}

	m.activeStreams, err = meter.Int64UpDownCounter(
		"flume.streams.active",
		metric.WithDescription("Currently connected SSE clients"),
		metric.WithUnit("{connection}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create active_streams counter: %w", err)
	}

	m.appendLatency, err = meter.Float64Histogram(
		"flume.eventlog.append.latency",
		metric.WithDescription("Durable append latency in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create append_latency histogram: %w", err)
	}

	m.runOutcomes, err = meter.Int64Counter(
		"flume.runs.outcomes.total",
		metric.WithDescription("Terminal run outcomes by status"),
		metric.WithUnit("{run}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create run_outcomes counter: %w", err)
	}

	if config.PrometheusPort > 0 {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promclient.Handler())
		m.prometheusServer = &http.Server{
			Addr:    fmt.Sprintf(":%d", config.PrometheusPort),
			Handler: mux,
		}
		go func() {
			if err := m.prometheusServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				fmt.Printf("prometheus server error: %v\n", err)
			}
		}()
	}

	return m, nil
}

func (m *StreamingMetrics) IncEventsIngested(ctx context.Context) {
	if m == nil || m.eventsIngested == nil {
		return
	}
	m.eventsIngested.Add(ctx, 1)
}

func (m *StreamingMetrics) IncEventsPersisted(ctx context.Context) {
	if m == nil || m.eventsPersisted == nil {
		return
	}
	m.eventsPersisted.Add(ctx, 1)
}

func (m *StreamingMetrics) IncEventsDropped(ctx context.Context) {
	if m == nil || m.eventsDropped == nil {
		return
	}
	m.eventsDropped.Add(ctx, 1)
}

func (m *StreamingMetrics) AddEventsReplayed(ctx context.Context, n int64) {
	if m == nil || m.eventsReplayed == nil || n <= 0 {
		return
	}
	m.eventsReplayed.Add(ctx, n)
}

func (m *StreamingMetrics) IncActiveStreams(ctx context.Context) {
	if m == nil || m.activeStreams == nil {
		return
	}
	m.activeStreams.Add(ctx, 1)
}

func (m *StreamingMetrics) DecActiveStreams(ctx context.Context) {
	if m == nil || m.activeStreams == nil {
		return
	}
	m.activeStreams.Add(ctx, -1)
}

func (m *StreamingMetrics) RecordAppendLatency(ctx context.Context, d time.Duration) {
	if m == nil || m.appendLatency == nil {
		return
	}
	m.appendLatency.Record(ctx, d.Seconds())
}

func (m *StreamingMetrics) RecordRunOutcome(ctx context.Context, status string) {
	if m == nil || m.runOutcomes == nil {
		return
	}
	m.runOutcomes.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

// Shutdown stops the Prometheus scrape server if one is running.
func (m *StreamingMetrics) Shutdown() {
	if m == nil || m.prometheusServer == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = m.prometheusServer.Shutdown(ctx)
}
