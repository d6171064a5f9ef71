package telemetry

import (
	"context"
	"crypto/tls"
	"strings"

	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/trace"
	"google.golang.org/grpc/credentials"

	"github.com/fyrsmithlabs/mcptel/pkg/config"
)

// newSpanExporter builds the span exporter selected by exporter_kind.
func newSpanExporter(ctx context.Context, cfg *config.Telemetry) (trace.SpanExporter, error) {
	headers, err := cfg.Auth.Headers()
	if err != nil {
		return nil, err
	}

	switch cfg.Exporter {
	case config.ExporterConsole:
		return stdouttrace.New(stdouttrace.WithPrettyPrint())

	case config.ExporterOTLPGRPC:
		opts := []otlptracegrpc.Option{
			otlptracegrpc.WithEndpoint(stripScheme(cfg.Endpoint)),
			otlptracegrpc.WithHeaders(headers),
		}
		if cfg.Insecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		} else if cfg.InsecureSkipVerify {
			opts = append(opts, otlptracegrpc.WithTLSCredentials(credentials.NewTLS(&tls.Config{
				InsecureSkipVerify: true, //nolint:gosec // User explicitly requested
			})))
		}
		return otlptracegrpc.New(ctx, opts...)

	default: // otlp-http
		opts := []otlptracehttp.Option{
			otlptracehttp.WithEndpoint(stripScheme(cfg.Endpoint)),
			otlptracehttp.WithHeaders(headers),
		}
		if cfg.Insecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		} else if cfg.InsecureSkipVerify {
			opts = append(opts, otlptracehttp.WithTLSClientConfig(&tls.Config{
				InsecureSkipVerify: true, //nolint:gosec // User explicitly requested
			}))
		}
		return otlptracehttp.New(ctx, opts...)
	}
}

// newMetricExporter builds the metric exporter selected by exporter_kind.
func newMetricExporter(ctx context.Context, cfg *config.Telemetry) (metric.Exporter, error) {
	headers, err := cfg.Auth.Headers()
	if err != nil {
		return nil, err
	}

	switch cfg.Exporter {
	case config.ExporterConsole:
		return stdoutmetric.New()

	case config.ExporterOTLPGRPC:
		opts := []otlpmetricgrpc.Option{
			otlpmetricgrpc.WithEndpoint(stripScheme(cfg.Endpoint)),
			otlpmetricgrpc.WithHeaders(headers),
		}
		if cfg.Insecure {
			opts = append(opts, otlpmetricgrpc.WithInsecure())
		} else if cfg.InsecureSkipVerify {
			opts = append(opts, otlpmetricgrpc.WithTLSCredentials(credentials.NewTLS(&tls.Config{
				InsecureSkipVerify: true, //nolint:gosec // User explicitly requested
			})))
		}
		return otlpmetricgrpc.New(ctx, opts...)

	default: // otlp-http
		opts := []otlpmetrichttp.Option{
			otlpmetrichttp.WithEndpoint(stripScheme(cfg.Endpoint)),
			otlpmetrichttp.WithHeaders(headers),
		}
		if cfg.Insecure {
			opts = append(opts, otlpmetrichttp.WithInsecure())
		} else if cfg.InsecureSkipVerify {
			opts = append(opts, otlpmetrichttp.WithTLSClientConfig(&tls.Config{
				InsecureSkipVerify: true, //nolint:gosec // User explicitly requested
			}))
		}
		return otlpmetrichttp.New(ctx, opts...)
	}
}

// newSampler maps the configured ratio onto an SDK sampler, wrapped
// parent-based for proper context propagation.
func newSampler(rate float64) trace.Sampler {
	var sampler trace.Sampler
	switch {
	case rate >= 1.0:
		sampler = trace.AlwaysSample()
	case rate <= 0:
		sampler = trace.NeverSample()
	default:
		sampler = trace.TraceIDRatioBased(rate)
	}
	return trace.ParentBased(sampler)
}

// stripScheme removes http:// or https:// from an endpoint URL.
// The OTLP exporters expect just host:port, not full URLs.
func stripScheme(endpoint string) string {
	endpoint = strings.TrimPrefix(endpoint, "https://")
	endpoint = strings.TrimPrefix(endpoint, "http://")
	if idx := strings.Index(endpoint, "/"); idx != -1 {
		endpoint = endpoint[:idx]
	}
	return endpoint
}
