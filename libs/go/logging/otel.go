package logging

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploggrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	otellog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/log/global"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// DefaultMetricExportInterval is how often metrics are pushed to the OTLP
// collector when Config does not override it.
const DefaultMetricExportInterval = 60 * time.Second

var (
	loggerProvider *sdklog.LoggerProvider
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
)

// Tracer returns a named tracer from the global TracerProvider:
//
//	tracer := logging.Tracer("pool")
//	ctx, span := tracer.Start(ctx, "warm-container")
//	defer span.End()
func Tracer(name string) trace.Tracer {
	return otel.Tracer(name)
}

// Meter returns a named meter from the global MeterProvider:
//
//	meter := logging.Meter("pool")
//	counter, _ := meter.Int64Counter("containers_created_total")
//	counter.Add(ctx, 1)
func Meter(name string) metric.Meter {
	return otel.Meter(name)
}

func serviceResource(ctx context.Context, cfg Config) (*resource.Resource, error) {
	return resource.New(ctx,
		resource.WithAttributes(
			attribute.String("service.name", cfg.ServiceName),
			attribute.String("service.version", cfg.Version),
			attribute.String("deployment.environment", cfg.Environment),
		),
	)
}

// setupOTLPLogs creates an OTLP gRPC log exporter and registers it as the
// global OTel LoggerProvider.
func setupOTLPLogs(cfg Config) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	exporter, err := otlploggrpc.New(ctx,
		otlploggrpc.WithEndpoint(cfg.OTLPEndpoint),
		otlploggrpc.WithInsecure(),
	)
	if err != nil {
		return fmt.Errorf("create OTLP log exporter: %w", err)
	}

	res, err := serviceResource(ctx, cfg)
	if err != nil {
		return fmt.Errorf("create OTLP resource: %w", err)
	}

	provider := sdklog.NewLoggerProvider(
		sdklog.WithProcessor(sdklog.NewBatchProcessor(exporter)),
		sdklog.WithResource(res),
	)

	global.SetLoggerProvider(provider)
	loggerProvider = provider
	return nil
}

func shutdownOTLPLogs(ctx context.Context) error {
	if loggerProvider != nil {
		err := loggerProvider.Shutdown(ctx)
		loggerProvider = nil
		return err
	}
	return nil
}

// setupTracing creates an OTLP gRPC trace exporter and registers it as the
// global TracerProvider with W3C trace context propagation.
func setupTracing(cfg Config) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return fmt.Errorf("create OTLP trace exporter: %w", err)
	}

	res, err := serviceResource(ctx, cfg)
	if err != nil {
		return fmt.Errorf("create trace resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	tracerProvider = tp
	return nil
}

func shutdownTracing(ctx context.Context) error {
	if tracerProvider != nil {
		err := tracerProvider.Shutdown(ctx)
		tracerProvider = nil
		return err
	}
	return nil
}

// setupMetrics creates an OTLP gRPC metric exporter and registers it as the
// global MeterProvider with periodic export.
func setupMetrics(cfg Config) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	exporter, err := otlpmetricgrpc.New(ctx,
		otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint),
		otlpmetricgrpc.WithInsecure(),
	)
	if err != nil {
		return fmt.Errorf("create OTLP metric exporter: %w", err)
	}

	res, err := serviceResource(ctx, cfg)
	if err != nil {
		return fmt.Errorf("create metric resource: %w", err)
	}

	interval := DefaultMetricExportInterval
	if cfg.MetricExportInterval > 0 {
		interval = cfg.MetricExportInterval
	}

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(
			sdkmetric.NewPeriodicReader(exporter,
				sdkmetric.WithInterval(interval),
			),
		),
		sdkmetric.WithResource(res),
	)

	otel.SetMeterProvider(mp)
	meterProvider = mp
	return nil
}

func shutdownMetrics(ctx context.Context) error {
	if meterProvider != nil {
		err := meterProvider.Shutdown(ctx)
		meterProvider = nil
		return err
	}
	return nil
}

// emitOTEL forwards a slog record to the OTel LoggerProvider. Called by the
// handlers when OTLP is enabled; the context carries trace correlation.
func emitOTEL(ctx context.Context, r slog.Record, cfg Config) {
	provider := global.GetLoggerProvider()
	if provider == nil {
		return
	}

	logger := provider.Logger(cfg.ServiceName)

	var rec otellog.Record
	rec.SetTimestamp(r.Time)
	rec.SetBody(otellog.StringValue(r.Message))
	rec.SetSeverity(slogToOTELSeverity(r.Level))
	rec.SetSeverityText(r.Level.String())

	var attrs []otellog.KeyValue
	r.Attrs(func(a slog.Attr) bool {
		attrs = append(attrs, otellog.String(a.Key, a.Value.String()))
		return true
	})
	rec.AddAttributes(attrs...)

	logger.Emit(ctx, rec)
}

func slogToOTELSeverity(l slog.Level) otellog.Severity {
	switch {
	case l >= slog.LevelError:
		return otellog.SeverityError
	case l >= slog.LevelWarn:
		return otellog.SeverityWarn
	case l >= slog.LevelInfo:
		return otellog.SeverityInfo
	default:
		return otellog.SeverityDebug
	}
}
