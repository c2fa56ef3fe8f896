// Package telemetry wires OpenTelemetry tracing for the gateway and its
// outbound actuator client.
package telemetry

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.25.0"
	oteltrace "go.opentelemetry.io/otel/trace"
)

const defaultService = "scg"

// Config mirrors the standard OTEL_* variables that the gateway honours.
type Config struct {
	Service  string
	Endpoint string
	Headers  map[string]string
	Timeout  time.Duration
	Insecure bool
	Required bool
	Sampler  trace.Sampler
}

func ConfigFromEnv(service string) Config {
	return Config{
		Service:  service,
		Endpoint: strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")),
		Headers:  parseHeaders(os.Getenv("OTEL_EXPORTER_OTLP_HEADERS")),
		Timeout:  time.Second * time.Duration(envInt("OTEL_EXPORTER_OTLP_TIMEOUT_SEC", 5)),
		Insecure: os.Getenv("OTEL_EXPORTER_OTLP_INSECURE") == "true",
		Required: os.Getenv("OTEL_REQUIRED") == "true",
		Sampler:  parseSampler(os.Getenv("OTEL_TRACES_SAMPLER"), os.Getenv("OTEL_TRACES_SAMPLER_ARG")),
	}
}

// Init configures global tracing from the environment.
func Init(ctx context.Context, serviceName string) (func(context.Context) error, error) {
	return InitWithConfig(ctx, ConfigFromEnv(serviceName))
}

// InitWithConfig installs a tracer provider. Without an endpoint spans are
// recorded but never exported.
func InitWithConfig(ctx context.Context, cfg Config) (func(context.Context) error, error) {
	service := strings.TrimSpace(cfg.Service)
	if service == "" {
		service = defaultService
	}
	sampler := cfg.Sampler
	if sampler == nil {
		sampler = trace.ParentBased(trace.AlwaysSample())
	}
	res, _ := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(service),
	))
	opts := []trace.TracerProviderOption{trace.WithResource(res), trace.WithSampler(sampler)}

	if cfg.Endpoint != "" {
		exporterOpts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(cfg.Endpoint)}
		if cfg.Timeout > 0 {
			exporterOpts = append(exporterOpts, otlptracehttp.WithTimeout(cfg.Timeout))
		}
		if cfg.Insecure {
			exporterOpts = append(exporterOpts, otlptracehttp.WithInsecure())
		}
		if len(cfg.Headers) > 0 {
			exporterOpts = append(exporterOpts, otlptracehttp.WithHeaders(cfg.Headers))
		}
		exporter, err := otlptracehttp.New(ctx, exporterOpts...)
		switch {
		case err != nil && cfg.Required:
			return nil, err
		case err != nil:
			slog.Warn("otel exporter disabled", "err", err)
		default:
			opts = append(opts, trace.WithBatcher(exporter))
		}
	}
	tp := trace.NewTracerProvider(opts...)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})
	return tp.Shutdown, nil
}

// Tracer returns the named tracer from the global provider.
func Tracer(name string) oteltrace.Tracer {
	return otel.Tracer(name)
}

func parseSampler(name, arg string) trace.Sampler {
	name = strings.ToLower(strings.TrimSpace(name))
	ratio := 1.0
	if val, err := strconv.ParseFloat(strings.TrimSpace(arg), 64); err == nil {
		ratio = min(max(val, 0), 1)
	}
	switch name {
	case "always_on":
		return trace.AlwaysSample()
	case "always_off":
		return trace.NeverSample()
	case "traceidratio":
		return trace.TraceIDRatioBased(ratio)
	default:
		return trace.ParentBased(trace.TraceIDRatioBased(ratio))
	}
}

// HTTPMiddleware instruments inbound HTTP handlers.
func HTTPMiddleware(operation string) func(http.Handler) http.Handler {
	operation = strings.TrimSpace(operation)
	if operation == "" {
		operation = defaultService
	}
	return otelhttp.NewMiddleware(operation)
}

// InstrumentClient wraps an HTTP client transport so forward calls carry trace context.
func InstrumentClient(client *http.Client) *http.Client {
	if client == nil {
		client = &http.Client{}
	}
	base := client.Transport
	if base == nil {
		base = http.DefaultTransport
	}
	client.Transport = otelhttp.NewTransport(base)
	return client
}

func parseHeaders(raw string) map[string]string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	out := map[string]string{}
	for _, part := range strings.Split(raw, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			continue
		}
		out[k] = strings.TrimSpace(v)
	}
	return out
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}
