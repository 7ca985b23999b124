// Package telemetry wires OpenTelemetry metrics (scraped by Prometheus) and
// traces (exported over OTLP gRPC).
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.uber.org/zap"

	"banklink/internal/shared/logger"
)

type Config struct {
	ServiceName  string
	Environment  string
	OTLPEndpoint string // traces are not exported when empty
	MetricsPort  string
	SampleRatio  float64
}

// Providers is what Init installed; Shutdown flushes and stops all of it in
// reverse order of creation.
type Providers struct {
	Registry      *prometheus.Registry
	MetricsAddr   string
	shutdownFuncs []func(context.Context) error
}

func (p *Providers) Shutdown(ctx context.Context) error {
	var errs []error
	for i := len(p.shutdownFuncs) - 1; i >= 0; i-- {
		if err := p.shutdownFuncs[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Init installs the global meter and tracer providers and starts the
// /metrics listener.
func Init(ctx context.Context, cfg Config, log *zap.Logger) (shutdown func(context.Context) error, err error) {
	p, err := Setup(ctx, cfg, log)
	if err != nil {
		return nil, err
	}
	return p.Shutdown, nil
}

// Setup is Init returning the installed Providers.
func Setup(ctx context.Context, cfg Config, log *zap.Logger) (*Providers, error) {
	log = logger.OrNop(log).Named("telemetry")
	p := &Providers{Registry: prometheus.NewRegistry()}

	res, err := resource.Merge(
		resource.Default(),
		// Schemaless so the merge cannot conflict with Default's schema URL
		resource.NewSchemaless(
			semconv.ServiceName(cfg.ServiceName),
			semconv.DeploymentEnvironment(cfg.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	p.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	promExporter, err := otelprom.New(otelprom.WithRegisterer(p.Registry))
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}
	meterProvider := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(promExporter),
	)
	otel.SetMeterProvider(meterProvider)
	p.shutdownFuncs = append(p.shutdownFuncs, meterProvider.Shutdown)

	if cfg.OTLPEndpoint != "" {
		traceExporter, err := otlptracegrpc.New(ctx,
			otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint),
			otlptracegrpc.WithInsecure(),
		)
		if err != nil {
			_ = p.Shutdown(ctx)
			return nil, fmt.Errorf("failed to create trace exporter: %w", err)
		}
		tracerProvider := sdktrace.NewTracerProvider(
			sdktrace.WithResource(res),
			sdktrace.WithBatcher(traceExporter, sdktrace.WithBatchTimeout(5*time.Second)),
			sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRatio))),
		)
		otel.SetTracerProvider(tracerProvider)
		p.shutdownFuncs = append(p.shutdownFuncs, tracerProvider.Shutdown)
	} else {
		log.Info("no OTLP endpoint configured, traces are not exported")
	}

	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	srv, addr, err := serveMetrics(cfg.MetricsPort, p.Registry, log)
	if err != nil {
		_ = p.Shutdown(ctx)
		return nil, err
	}
	p.MetricsAddr = addr
	p.shutdownFuncs = append(p.shutdownFuncs, srv.Shutdown)

	log.Info("OpenTelemetry initialized",
		zap.String("metrics_addr", addr),
		zap.String("otlp_endpoint", cfg.OTLPEndpoint),
		zap.Float64("sample_ratio", cfg.SampleRatio))
	return p, nil
}

// serveMetrics binds before returning so a taken port fails Init.
func serveMetrics(port string, reg *prometheus.Registry, log *zap.Logger) (*http.Server, string, error) {
	ln, err := net.Listen("tcp", ":"+port)
	if err != nil {
		return nil, "", fmt.Errorf("failed to listen for metrics on port %s: %w", port, err)
	}

	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))

	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      10 * time.Second,
	}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics server error", zap.Error(err))
		}
	}()
	return srv, ln.Addr().String(), nil
}
