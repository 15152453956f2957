// Package telemetry wires up Prometheus + OpenTelemetry exporters used across
// the relay.
package telemetry

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"dns-relay/pkg/config"
	"dns-relay/pkg/logging"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
)

// Telemetry holds telemetry providers and exporters
type Telemetry struct {
	cfg                *config.TelemetryConfig
	meterProvider      metric.MeterProvider
	prometheusExporter *prometheus.Exporter
	prometheusServer   *http.Server
	logger             *logging.Logger
}

// Metrics holds all relay metrics
type Metrics struct {
	QueriesReceived  metric.Int64Counter
	ResponsesSent    metric.Int64Counter
	FailureResponses metric.Int64Counter
	UpstreamRetries  metric.Int64Counter
	UpstreamFailures metric.Int64Counter
	ReplySendErrors  metric.Int64Counter
	ListenerRestarts metric.Int64Counter
	DumpWrites       metric.Int64Counter
	DumpFailures     metric.Int64Counter
	QueryDuration    metric.Float64Histogram
	ActiveWorkers    metric.Int64UpDownCounter
}

// New creates a new telemetry instance
func New(ctx context.Context, cfg *config.TelemetryConfig, logger *logging.Logger) (*Telemetry, error) {
	if !cfg.Enabled {
		logger.Info("Telemetry disabled")
		return &Telemetry{
			cfg:           cfg,
			meterProvider: noop.NewMeterProvider(),
			logger:        logger,
		}, nil
	}

	t := &Telemetry{
		cfg:    cfg,
		logger: logger,
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(cfg.ServiceName),
			semconv.ServiceVersionKey.String(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	if err := t.setupMetrics(res); err != nil {
		return nil, fmt.Errorf("failed to setup metrics: %w", err)
	}

	logger.Info("Telemetry initialized",
		"service", cfg.ServiceName,
		"version", cfg.ServiceVersion,
		"prometheus", cfg.PrometheusEnabled,
	)

	return t, nil
}

// setupMetrics initializes the metrics provider
func (t *Telemetry) setupMetrics(res *resource.Resource) error {
	if !t.cfg.PrometheusEnabled {
		t.meterProvider = noop.NewMeterProvider()
		return nil
	}

	exporter, err := prometheus.New()
	if err != nil {
		return fmt.Errorf("failed to create prometheus exporter: %w", err)
	}
	t.prometheusExporter = exporter

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(exporter),
	)
	t.meterProvider = provider
	otel.SetMeterProvider(provider)

	if err := t.startPrometheusServer(); err != nil {
		return fmt.Errorf("failed to start prometheus server: %w", err)
	}

	t.logger.Info("Prometheus metrics enabled", "port", t.cfg.PrometheusPort)
	return nil
}

// startPrometheusServer starts the Prometheus metrics HTTP server
func (t *Telemetry) startPrometheusServer() error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	t.prometheusServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", t.cfg.PrometheusPort),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := t.prometheusServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			t.logger.Error("Prometheus server failed", "error", err)
		}
	}()

	return nil
}

// InitMetrics initializes and returns all relay metrics
func (t *Telemetry) InitMetrics() (*Metrics, error) {
	meter := t.meterProvider.Meter("dns-relay")

	queriesReceived, err := meter.Int64Counter(
		"relay.queries.received",
		metric.WithDescription("Total number of DNS queries received"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create queries counter: %w", err)
	}

	responsesSent, err := meter.Int64Counter(
		"relay.responses.sent",
		metric.WithDescription("Responses relayed back to clients"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create responses counter: %w", err)
	}

	failureResponses, err := meter.Int64Counter(
		"relay.responses.failure",
		metric.WithDescription("Synthesized SERVFAIL responses sent to clients"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create failure responses counter: %w", err)
	}

	upstreamRetries, err := meter.Int64Counter(
		"relay.upstream.retries",
		metric.WithDescription("Upstream attempts retried after a failure"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create upstream retries counter: %w", err)
	}

	upstreamFailures, err := meter.Int64Counter(
		"relay.upstream.failures",
		metric.WithDescription("Forward sequences that exhausted all attempts"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create upstream failures counter: %w", err)
	}

	replySendErrors, err := meter.Int64Counter(
		"relay.reply.send_errors",
		metric.WithDescription("Failures sending the final reply to the client"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create reply send errors counter: %w", err)
	}

	listenerRestarts, err := meter.Int64Counter(
		"relay.listener.restarts",
		metric.WithDescription("Accept loop restarts after an abnormal exit"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create listener restarts counter: %w", err)
	}

	dumpWrites, err := meter.Int64Counter(
		"relay.dump.writes",
		metric.WithDescription("Packet dump files written"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create dump writes counter: %w", err)
	}

	dumpFailures, err := meter.Int64Counter(
		"relay.dump.failures",
		metric.WithDescription("Packet dump writes that failed"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create dump failures counter: %w", err)
	}

	queryDuration, err := meter.Float64Histogram(
		"relay.query.duration",
		metric.WithDescription("End-to-end request processing duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create query duration histogram: %w", err)
	}

	activeWorkers, err := meter.Int64UpDownCounter(
		"relay.workers.active",
		metric.WithDescription("Request workers currently in flight"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create active workers gauge: %w", err)
	}

	m := &Metrics{
		QueriesReceived:  queriesReceived,
		ResponsesSent:    responsesSent,
		FailureResponses: failureResponses,
		UpstreamRetries:  upstreamRetries,
		UpstreamFailures: upstreamFailures,
		ReplySendErrors:  replySendErrors,
		ListenerRestarts: listenerRestarts,
		DumpWrites:       dumpWrites,
		DumpFailures:     dumpFailures,
		QueryDuration:    queryDuration,
		ActiveWorkers:    activeWorkers,
	}

	if err := t.registerHostMetrics(meter); err != nil {
		return nil, err
	}

	return m, nil
}

// MeterProvider returns the meter provider
func (t *Telemetry) MeterProvider() metric.MeterProvider {
	return t.meterProvider
}

// Shutdown gracefully shuts down telemetry
func (t *Telemetry) Shutdown(ctx context.Context) error {
	var errs []error

	if t.prometheusServer != nil {
		if err := t.prometheusServer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("prometheus server shutdown: %w", err))
		}
	}

	if provider, ok := t.meterProvider.(*sdkmetric.MeterProvider); ok {
		if err := provider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("meter provider shutdown: %w", err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("telemetry shutdown errors: %v", errs)
	}

	t.logger.Info("Telemetry shut down")
	return nil
}
