// Package telemetry bootstraps OpenTelemetry tracing, metrics, and logging
// for the workflow pool, and owns the pool-level job counters the
// scheduler reports through once a Provider is wired in.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/bridges/otelslog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// meterName scopes the pool's job counters within whatever meter provider
// Start installs.
const meterName = "github.com/rezkam/workflowpool/pool"

// Config selects whether telemetry ships to an OTLP collector or stays
// local: disabled still yields a usable no-op tracer/meter and a stdout
// JSON logger, never a nil provider.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Enabled        bool
}

func (c Config) withDefaults() Config {
	if c.ServiceName == "" {
		c.ServiceName = "workflowpool"
	}
	if c.ServiceVersion == "" {
		c.ServiceVersion = "dev"
	}
	return c
}

// Provider owns the tracer, meter, and logger providers plus the job
// counters built on top of the meter, and shuts all of them down together.
type Provider struct {
	TracerProvider *sdktrace.TracerProvider
	MeterProvider  *sdkmetric.MeterProvider
	LoggerProvider *sdklog.LoggerProvider
	Logger         *slog.Logger
	Jobs           *JobMetrics
}

// JobMetrics are the pool-level counters the scheduler increments as jobs
// resolve: one completed/failed/retrying outcome per call.
type JobMetrics struct {
	completed metric.Int64Counter
	failed    metric.Int64Counter
	retrying  metric.Int64Counter
}

func newJobMetrics(mp metric.MeterProvider) (*JobMetrics, error) {
	meter := mp.Meter(meterName)

	completed, err := meter.Int64Counter("job.completed",
		metric.WithDescription("jobs that finished successfully"))
	if err != nil {
		return nil, fmt.Errorf("telemetry: job.completed counter: %w", err)
	}
	failed, err := meter.Int64Counter("job.failed",
		metric.WithDescription("jobs discarded as a terminal failure"))
	if err != nil {
		return nil, fmt.Errorf("telemetry: job.failed counter: %w", err)
	}
	retrying, err := meter.Int64Counter("job.retrying",
		metric.WithDescription("attempts that failed but re-entered the queue"))
	if err != nil {
		return nil, fmt.Errorf("telemetry: job.retrying counter: %w", err)
	}
	return &JobMetrics{completed: completed, failed: failed, retrying: retrying}, nil
}

// Completed records one successfully finished job. A nil *JobMetrics is a
// safe no-op, so callers that construct a Pool without telemetry wired in
// don't need a guard at every call site.
func (m *JobMetrics) Completed(ctx context.Context) {
	if m == nil {
		return
	}
	m.completed.Add(ctx, 1)
}

// Failed records one job discarded as a terminal failure.
func (m *JobMetrics) Failed(ctx context.Context) {
	if m == nil {
		return
	}
	m.failed.Add(ctx, 1)
}

// Retrying records one attempt that failed but re-entered the queue.
func (m *JobMetrics) Retrying(ctx context.Context) {
	if m == nil {
		return
	}
	m.retrying.Add(ctx, 1)
}

// Start wires tracing, metrics, and logging together and installs the
// tracer and meter providers as the process-global OTel providers (the
// logger provider is returned, not installed globally), so every package
// that calls
// otel.Tracer (the execution wrapper's per-attempt span, in particular)
// picks up the real exporters from this point on.
func Start(ctx context.Context, cfg Config) (*Provider, error) {
	cfg = cfg.withDefaults()

	tp, err := initTracerProvider(ctx, cfg)
	if err != nil {
		return nil, err
	}
	mp, err := initMeterProvider(ctx, cfg)
	if err != nil {
		return nil, err
	}
	lp, logger, err := initLogger(ctx, cfg)
	if err != nil {
		return nil, err
	}
	jobs, err := newJobMetrics(mp)
	if err != nil {
		return nil, err
	}

	return &Provider{
		TracerProvider: tp,
		MeterProvider:  mp,
		LoggerProvider: lp,
		Logger:         logger,
		Jobs:           jobs,
	}, nil
}

// Shutdown flushes and stops every provider, joining any errors.
func (p *Provider) Shutdown(ctx context.Context) error {
	var errs []error
	if err := p.TracerProvider.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("telemetry: tracer provider shutdown: %w", err))
	}
	if err := p.MeterProvider.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("telemetry: meter provider shutdown: %w", err))
	}
	if err := p.LoggerProvider.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("telemetry: logger provider shutdown: %w", err))
	}
	return errors.Join(errs...)
}

// parseOTLPHeaders parses OTEL_EXPORTER_OTLP_HEADERS and URL-decodes
// values. Grafana Cloud (a common collector target for this exporter
// chain) provides headers URL-encoded; the Go SDK doesn't always decode
// them itself.
func parseOTLPHeaders() map[string]string {
	raw := os.Getenv("OTEL_EXPORTER_OTLP_HEADERS")
	if raw == "" {
		return nil
	}

	headers := make(map[string]string)
	for _, pair := range strings.Split(raw, ",") {
		kv := strings.SplitN(pair, "=", 2)
		if len(kv) == 2 {
			key := strings.TrimSpace(kv[0])
			value, err := url.QueryUnescape(kv[1])
			if err != nil {
				value = kv[1]
			}
			headers[key] = value
		}
	}
	return headers
}

func newResource(ctx context.Context, cfg Config) (*resource.Resource, error) {
	serviceResource, err := resource.New(ctx,
		resource.WithFromEnv(),
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
		resource.WithSchemaURL(semconv.SchemaURL),
	)
	if err != nil {
		return nil, fmt.Errorf("telemetry: build service resource: %w", err)
	}

	res, err := resource.Merge(resource.Default(), serviceResource)
	if err != nil {
		if errors.Is(err, resource.ErrPartialResource) || errors.Is(err, resource.ErrSchemaURLConflict) {
			return res, nil
		}
		return nil, fmt.Errorf("telemetry: merge resources: %w", err)
	}
	return res, nil
}

// initTracerProvider wires an OTLP/HTTP trace exporter when enabled, or a
// no-op provider otherwise. Configured via the standard
// OTEL_EXPORTER_OTLP_ENDPOINT/OTEL_EXPORTER_OTLP_HEADERS environment
// variables.
func initTracerProvider(ctx context.Context, cfg Config) (*sdktrace.TracerProvider, error) {
	if !cfg.Enabled {
		tp := sdktrace.NewTracerProvider()
		otel.SetTracerProvider(tp)
		return tp, nil
	}

	res, err := newResource(ctx, cfg)
	if err != nil {
		return nil, err
	}

	opts := []otlptracehttp.Option{otlptracehttp.WithTimeout(10 * time.Second)}
	if headers := parseOTLPHeaders(); headers != nil {
		opts = append(opts, otlptracehttp.WithHeaders(headers))
	}

	traceExporter, err := otlptracehttp.New(context.Background(), opts...)
	if err != nil {
		return nil, fmt.Errorf("telemetry: trace exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(traceExporter, sdktrace.WithBatchTimeout(5*time.Second)),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return tp, nil
}

// initMeterProvider wires an OTLP/HTTP metric exporter when enabled, or a
// no-op provider otherwise.
func initMeterProvider(ctx context.Context, cfg Config) (*sdkmetric.MeterProvider, error) {
	if !cfg.Enabled {
		mp := sdkmetric.NewMeterProvider()
		otel.SetMeterProvider(mp)
		return mp, nil
	}

	res, err := newResource(ctx, cfg)
	if err != nil {
		return nil, err
	}

	opts := []otlpmetrichttp.Option{otlpmetrichttp.WithTimeout(10 * time.Second)}
	if headers := parseOTLPHeaders(); headers != nil {
		opts = append(opts, otlpmetrichttp.WithHeaders(headers))
	}

	metricExporter, err := otlpmetrichttp.New(context.Background(), opts...)
	if err != nil {
		return nil, fmt.Errorf("telemetry: metric exporter: %w", err)
	}

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExporter, sdkmetric.WithInterval(15*time.Second))),
	)
	otel.SetMeterProvider(mp)
	return mp, nil
}

// initLogger wires an OTLP/HTTP log exporter plus an otelslog bridge
// logger when enabled, or a stdout JSON slog.Logger otherwise. Either way
// the returned logger is what every package in this module logs through.
func initLogger(ctx context.Context, cfg Config) (*sdklog.LoggerProvider, *slog.Logger, error) {
	if !cfg.Enabled {
		return sdklog.NewLoggerProvider(), slog.New(slog.NewJSONHandler(os.Stdout, nil)), nil
	}

	res, err := newResource(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}

	opts := []otlploghttp.Option{otlploghttp.WithTimeout(10 * time.Second)}
	if headers := parseOTLPHeaders(); headers != nil {
		opts = append(opts, otlploghttp.WithHeaders(headers))
	}

	logExporter, err := otlploghttp.New(context.Background(), opts...)
	if err != nil {
		return nil, nil, fmt.Errorf("telemetry: log exporter: %w", err)
	}

	lp := sdklog.NewLoggerProvider(
		sdklog.WithProcessor(sdklog.NewBatchProcessor(logExporter, sdklog.WithExportTimeout(5*time.Second))),
		sdklog.WithResource(res),
	)
	logger := otelslog.NewLogger(cfg.ServiceName, otelslog.WithLoggerProvider(lp))
	return lp, logger, nil
}
