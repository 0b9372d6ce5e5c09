package observability

import (
	"context"
	"net/http"
	"strings"
	"time"

	promreg "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"

	"github.com/ncecere/usage_meter/internal/config"
)

type Provider struct {
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *metric.MeterProvider
	promExporter   *prometheus.Exporter
	promHandler    http.Handler
	shutdownFuncs  []func(context.Context) error

	eventsProcessed    *promreg.CounterVec
	eventsSkipped      promreg.Counter
	batchErrors        *promreg.CounterVec
	batchDuration      promreg.Histogram
	summariesRefreshed *promreg.CounterVec
}

func Setup(ctx context.Context, cfg config.ObservabilityConfig) (*Provider, error) {
	if !cfg.EnableOTLP && !cfg.EnableMetrics {
		return nil, nil
	}

	provider := &Provider{}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName("usage-meter"),
		),
	)
	if err != nil {
		return nil, err
	}

	if cfg.EnableOTLP {
		rawEndpoint := strings.TrimSpace(cfg.OTLPEndpoint)
		endpoint := rawEndpoint
		if endpoint == "" {
			endpoint = "localhost:4317"
		}
		opts := []otlptracegrpc.Option{}
		switch {
		case strings.HasPrefix(endpoint, "http://"):
			endpoint = strings.TrimPrefix(endpoint, "http://")
			opts = append(opts, otlptracegrpc.WithInsecure())
		case strings.HasPrefix(endpoint, "https://"):
			endpoint = strings.TrimPrefix(endpoint, "https://")
		default:
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		opts = append(opts, otlptracegrpc.WithEndpoint(endpoint))

		client := otlptracegrpc.NewClient(opts...)
		exporter, err := otlptrace.New(ctx, client)
		if err != nil {
			return nil, err
		}
		tp := sdktrace.NewTracerProvider(
			sdktrace.WithBatcher(exporter),
			sdktrace.WithResource(res),
		)
		otel.SetTracerProvider(tp)
		provider.tracerProvider = tp
		provider.shutdownFuncs = append(provider.shutdownFuncs, tp.Shutdown)
	}

	if cfg.EnableMetrics {
		registry := promreg.NewRegistry()
		promExporter, err := prometheus.New(prometheus.WithRegisterer(registry))
		if err != nil {
			return nil, err
		}
		mp := metric.NewMeterProvider(
			metric.WithReader(promExporter),
			metric.WithResource(res),
		)
		otel.SetMeterProvider(mp)
		provider.meterProvider = mp
		provider.promExporter = promExporter
		provider.promHandler = promhttp.HandlerFor(registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
		provider.shutdownFuncs = append(provider.shutdownFuncs, mp.Shutdown)

		eventsProcessed := promreg.NewCounterVec(
			promreg.CounterOpts{
				Namespace: "usage_meter",
				Name:      "events_processed_total",
				Help:      "Usage events persisted to the ledger.",
			},
			[]string{"workspace"},
		)
		eventsSkipped := promreg.NewCounter(
			promreg.CounterOpts{
				Namespace: "usage_meter",
				Name:      "events_skipped_total",
				Help:      "Malformed usage events dropped by the processor.",
			},
		)
		batchErrors := promreg.NewCounterVec(
			promreg.CounterOpts{
				Namespace: "usage_meter",
				Name:      "batch_errors_total",
				Help:      "Workspace partitions that failed during a batch tick.",
			},
			[]string{"workspace"},
		)
		batchDuration := promreg.NewHistogram(
			promreg.HistogramOpts{
				Namespace: "usage_meter",
				Name:      "batch_duration_seconds",
				Help:      "Duration of processor batch ticks in seconds.",
				Buckets:   []float64{0.05, 0.1, 0.2, 0.5, 1, 2, 5, 10},
			},
		)
		summariesRefreshed := promreg.NewCounterVec(
			promreg.CounterOpts{
				Namespace: "usage_meter",
				Name:      "summaries_refreshed_total",
				Help:      "Workspace billing summaries written to the cache.",
			},
			[]string{"source"},
		)
		for _, collector := range []promreg.Collector{eventsProcessed, eventsSkipped, batchErrors, batchDuration, summariesRefreshed} {
			if err := registry.Register(collector); err != nil {
				return nil, err
			}
		}
		provider.eventsProcessed = eventsProcessed
		provider.eventsSkipped = eventsSkipped
		provider.batchErrors = batchErrors
		provider.batchDuration = batchDuration
		provider.summariesRefreshed = summariesRefreshed
	}

	return provider, nil
}

func (p *Provider) PrometheusHandler() http.Handler {
	if p == nil || p.promHandler == nil {
		return nil
	}
	return p.promHandler
}

func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil {
		return nil
	}
	for _, fn := range p.shutdownFuncs {
		if err := fn(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (p *Provider) TracerProvider() *sdktrace.TracerProvider {
	if p == nil {
		return nil
	}
	return p.tracerProvider
}

// RecordEventsProcessed counts events persisted for a workspace.
func (p *Provider) RecordEventsProcessed(workspaceID string, count int) {
	if p == nil || p.eventsProcessed == nil || count <= 0 {
		return
	}
	p.eventsProcessed.WithLabelValues(workspaceID).Add(float64(count))
}

// RecordEventSkipped counts a malformed event dropped before persistence.
func (p *Provider) RecordEventSkipped() {
	if p == nil || p.eventsSkipped == nil {
		return
	}
	p.eventsSkipped.Inc()
}

// RecordBatchError counts a failed workspace partition.
func (p *Provider) RecordBatchError(workspaceID string) {
	if p == nil || p.batchErrors == nil {
		return
	}
	p.batchErrors.WithLabelValues(workspaceID).Inc()
}

// RecordBatchDuration observes one processor batch tick.
func (p *Provider) RecordBatchDuration(duration time.Duration) {
	if p == nil || p.batchDuration == nil {
		return
	}
	p.batchDuration.Observe(duration.Seconds())
}

// RecordSummaryRefreshed counts a cached summary write; source is "aggregates"
// or "ledger" depending on which path produced it.
func (p *Provider) RecordSummaryRefreshed(source string) {
	if p == nil || p.summariesRefreshed == nil {
		return
	}
	p.summariesRefreshed.WithLabelValues(source).Inc()
}
