// Package telemetry initialises optional OpenTelemetry trace, metric, and log
// providers backed by an OTLP gRPC collector. All three providers share a
// single gRPC connection and a resource that names the Unforgotten
// deployment: its version, host, backend, user and default account.
//
// Call [Setup] once during startup. The returned [ShutdownFunc] must be called
// before the process exits to flush pending telemetry.
//
// If telemetry is not configured, the global providers remain no-ops and the
// rest of the codebase incurs no overhead. [Counter] creates instruments that
// are safe to use either way.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"net/url"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploggrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/log/global"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
)

// DefaultServiceName is the service.name used when none is configured.
const DefaultServiceName = "unforgotten"

// Resource attribute keys describing the sync deployment.
const (
	AttrUserID    = attribute.Key("unforgotten.user_id")
	AttrAccountID = attribute.Key("unforgotten.account_id")
)

// Config groups all telemetry settings: the collector connection from the
// telemetry YAML block plus the identity of the running daemon.
type Config struct {
	// OTLPEndpoint is the gRPC host:port of the collector.
	OTLPEndpoint string

	// Insecure disables TLS for the collector connection.
	Insecure bool

	// ServiceName overrides service.name. Defaults to DefaultServiceName.
	ServiceName string

	// Headers is sent as gRPC metadata on every OTLP request.
	Headers map[string]string

	// ServiceVersion is the build version of the binary.
	ServiceVersion string

	// BackendURL is the sync backend; only its host is exported.
	BackendURL string

	// UserID and AccountID identify whose data this daemon syncs.
	UserID    string
	AccountID string
}

// ShutdownFunc flushes and closes all OTel providers.
// It must be called with a fresh context (the main context may already be
// cancelled by the time shutdown runs).
type ShutdownFunc func(context.Context) error

func noopShutdown(context.Context) error { return nil }

// Setup initialises the global OpenTelemetry trace, metric, and log providers.
// The three exporters share a single gRPC connection to cfg.OTLPEndpoint.
//
// The returned ShutdownFunc is always non-nil; on error it is a no-op so
// callers can defer unconditionally.
func Setup(ctx context.Context, cfg Config) (ShutdownFunc, error) {
	res, err := newResource(ctx, cfg)
	if err != nil {
		return noopShutdown, err
	}

	conn, err := dial(cfg)
	if err != nil {
		return noopShutdown, err
	}

	var shutdowns []func(context.Context) error
	fail := func(err error) (ShutdownFunc, error) {
		for _, s := range shutdowns {
			_ = s(ctx)
		}
		_ = conn.Close()
		return noopShutdown, err
	}

	tp, err := newTracerProvider(ctx, conn, cfg.Headers, res)
	if err != nil {
		return fail(err)
	}
	shutdowns = append(shutdowns, tp.Shutdown)

	mp, err := newMeterProvider(ctx, conn, cfg.Headers, res)
	if err != nil {
		return fail(err)
	}
	shutdowns = append(shutdowns, mp.Shutdown)

	lp, err := newLoggerProvider(ctx, conn, cfg.Headers, res)
	if err != nil {
		return fail(err)
	}

	otel.SetTracerProvider(tp)
	otel.SetMeterProvider(mp)
	global.SetLoggerProvider(lp)

	return func(ctx context.Context) error {
		var errs []error
		if err := tp.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("trace provider shutdown: %w", err))
		}
		if err := mp.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("metric provider shutdown: %w", err))
		}
		if err := lp.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("log provider shutdown: %w", err))
		}
		if err := conn.Close(); err != nil {
			errs = append(errs, fmt.Errorf("OTLP gRPC connection close: %w", err))
		}
		return errors.Join(errs...)
	}, nil
}

// newResource describes this daemon. Detected attributes carry the SDK's
// schema URL; ours are schemaless so the two merge without conflict.
func newResource(ctx context.Context, cfg Config) (*resource.Resource, error) {
	name := cfg.ServiceName
	if name == "" {
		name = DefaultServiceName
	}
	attrs := []attribute.KeyValue{semconv.ServiceName(name)}
	if cfg.ServiceVersion != "" {
		attrs = append(attrs, semconv.ServiceVersion(cfg.ServiceVersion))
	}
	if host := backendHost(cfg.BackendURL); host != "" {
		attrs = append(attrs, semconv.ServerAddress(host))
	}
	if cfg.UserID != "" {
		attrs = append(attrs, AttrUserID.String(cfg.UserID))
	}
	if cfg.AccountID != "" {
		attrs = append(attrs, AttrAccountID.String(cfg.AccountID))
	}

	res, err := resource.New(ctx,
		resource.WithTelemetrySDK(),
		resource.WithHost(),
		resource.WithOSType(),
		resource.WithProcessRuntimeVersion(),
		resource.WithAttributes(attrs...),
	)
	if err != nil {
		return nil, fmt.Errorf("building OTel resource: %w", err)
	}
	return res, nil
}

func backendHost(raw string) string {
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return u.Hostname()
}

func dial(cfg Config) (*grpc.ClientConn, error) {
	var creds credentials.TransportCredentials
	if cfg.Insecure {
		creds = insecure.NewCredentials()
	} else {
		creds = credentials.NewTLS(nil) // system root CAs
	}
	conn, err := grpc.NewClient(cfg.OTLPEndpoint, grpc.WithTransportCredentials(creds))
	if err != nil {
		return nil, fmt.Errorf("dialling OTLP collector at %q: %w", cfg.OTLPEndpoint, err)
	}
	return conn, nil
}

func newTracerProvider(ctx context.Context, conn *grpc.ClientConn, headers map[string]string, res *resource.Resource) (*sdktrace.TracerProvider, error) {
	exp, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithGRPCConn(conn),
		otlptracegrpc.WithHeaders(headers),
	)
	if err != nil {
		return nil, fmt.Errorf("creating OTLP trace exporter: %w", err)
	}
	return sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
	), nil
}

func newMeterProvider(ctx context.Context, conn *grpc.ClientConn, headers map[string]string, res *resource.Resource) (*sdkmetric.MeterProvider, error) {
	exp, err := otlpmetricgrpc.New(ctx,
		otlpmetricgrpc.WithGRPCConn(conn),
		otlpmetricgrpc.WithHeaders(headers),
	)
	if err != nil {
		return nil, fmt.Errorf("creating OTLP metric exporter: %w", err)
	}
	return sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exp)),
		sdkmetric.WithResource(res),
	), nil
}

func newLoggerProvider(ctx context.Context, conn *grpc.ClientConn, headers map[string]string, res *resource.Resource) (*sdklog.LoggerProvider, error) {
	exp, err := otlploggrpc.New(ctx,
		otlploggrpc.WithGRPCConn(conn),
		otlploggrpc.WithHeaders(headers),
	)
	if err != nil {
		return nil, fmt.Errorf("creating OTLP log exporter: %w", err)
	}
	return sdklog.NewLoggerProvider(
		sdklog.WithProcessor(sdklog.NewBatchProcessor(exp)),
		sdklog.WithResource(res),
	), nil
}
