package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	oteltrace "go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/mcptel/internal/sanitize"
	"github.com/fyrsmithlabs/mcptel/pkg/config"
)

const (
	// scopeName is the instrumentation scope for tracers and meters.
	scopeName = "github.com/fyrsmithlabs/mcptel"

	// AttrSessionID is stamped into every emitted attribute set.
	AttrSessionID = "mcp.session.id"

	// DefaultArgumentPrefix prefixes flattened call arguments.
	DefaultArgumentPrefix = "mcp.request.argument"

	// sessionDurationMetric records total manager lifetime at shutdown.
	sessionDurationMetric = "mcp.server.session.duration"

	// clientConnectionsMetric counts client initialize handshakes.
	clientConnectionsMetric = "mcp.client.connections"
)

// ErrNotInitialized is returned when a telemetry operation is invoked on a
// nil or never-initialized Manager.
var ErrNotInitialized = errors.New("telemetry not initialized")

// HistogramFunc records one value against a cached histogram instrument.
type HistogramFunc func(ctx context.Context, value float64, attrs map[string]any)

// CounterFunc adds an increment to a cached counter instrument.
type CounterFunc func(ctx context.Context, incr int64, attrs map[string]any)

// Option customizes Manager construction, mainly for test injection.
type Option func(*options)

type options struct {
	logger        *zap.Logger
	spanProcessor sdktrace.SpanProcessor
	metricReader  sdkmetric.Reader
}

// WithLogger sets the logger. Defaults to zap.NewNop.
func WithLogger(log *zap.Logger) Option {
	return func(o *options) { o.logger = log }
}

// WithSpanProcessor replaces the exporter-backed batch processor,
// typically with a tracetest.SpanRecorder.
func WithSpanProcessor(sp sdktrace.SpanProcessor) Option {
	return func(o *options) { o.spanProcessor = sp }
}

// WithMetricReader replaces the periodic exporting reader, typically with
// a sdkmetric.ManualReader.
func WithMetricReader(r sdkmetric.Reader) Option {
	return func(o *options) { o.metricReader = r }
}

// Manager owns the tracer and meter providers for one instrumented server.
//
// Providers are explicit instances, never registered in the process-global
// otel registry, so multiple instrumented servers can coexist in one
// process without cross-talk. All attribute sets emitted through the
// Manager pass a single pipeline: session-id stamp, then configured data
// processors in order, then PII sanitization when enabled.
type Manager struct {
	cfg       *config.Telemetry
	log       *zap.Logger
	sessionID string
	startedAt time.Time

	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	tracer         oteltrace.Tracer
	meter          metric.Meter
	sanitizer      *sanitize.Sanitizer

	mu         sync.Mutex
	histograms map[string]metric.Float64Histogram
	counters   map[string]metric.Int64Counter
	shutDown   bool

	initialized bool
}

// NewManager validates cfg, fills defaults, and builds the providers.
//
// A disabled subsystem (tracing or metrics) gets a no-op provider so
// callers never branch on the toggles themselves. Construction failures
// are fatal: a half-built Manager is never returned.
func NewManager(ctx context.Context, cfg *config.Telemetry, opts ...Option) (*Manager, error) {
	if cfg == nil {
		return nil, fmt.Errorf("invalid telemetry config: nil")
	}
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid telemetry config: %w", err)
	}

	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}

	sanitizer, err := sanitize.NewWithPatterns(cfg.PIIPatterns)
	if err != nil {
		return nil, fmt.Errorf("invalid telemetry config: %w", err)
	}

	m := &Manager{
		cfg:         cfg,
		log:         o.logger.Named("telemetry"),
		sessionID:   uuid.NewString(),
		startedAt:   time.Now(),
		sanitizer:   sanitizer,
		histograms:  make(map[string]metric.Float64Histogram),
		counters:    make(map[string]metric.Int64Counter),
		initialized: true,
	}

	// Standalone resource to avoid schema URL conflicts with
	// resource.Default(), which uses a different semconv version.
	res := resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(cfg.ServerName),
		semconv.ServiceVersion(cfg.ServerVersion),
		attribute.String(AttrSessionID, m.sessionID),
	)

	if cfg.EnableTracing {
		tpOpts := []sdktrace.TracerProviderOption{
			sdktrace.WithResource(res),
			sdktrace.WithSampler(newSampler(cfg.SamplingRate)),
		}
		if o.spanProcessor != nil {
			tpOpts = append(tpOpts, sdktrace.WithSpanProcessor(o.spanProcessor))
		} else {
			exporter, err := newSpanExporter(ctx, cfg)
			if err != nil {
				return nil, fmt.Errorf("create span exporter: %w", err)
			}
			tpOpts = append(tpOpts,
				sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(cfg.BatchTimeout.Duration())),
			)
		}
		m.tracerProvider = sdktrace.NewTracerProvider(tpOpts...)
		m.tracer = m.tracerProvider.Tracer(scopeName)
	} else {
		m.tracer = tracenoop.NewTracerProvider().Tracer(scopeName)
	}

	if cfg.EnableMetrics {
		reader := o.metricReader
		if reader == nil {
			exporter, err := newMetricExporter(ctx, cfg)
			if err != nil {
				return nil, fmt.Errorf("create metric exporter: %w", err)
			}
			reader = sdkmetric.NewPeriodicReader(exporter,
				sdkmetric.WithInterval(cfg.MetricExportInterval.Duration()),
				sdkmetric.WithTimeout(cfg.BatchTimeout.Duration()),
			)
		}
		m.meterProvider = sdkmetric.NewMeterProvider(
			sdkmetric.WithResource(res),
			sdkmetric.WithReader(reader),
		)
		m.meter = m.meterProvider.Meter(scopeName)
	} else {
		m.meter = metricnoop.NewMeterProvider().Meter(scopeName)
	}

	m.log.Debug("telemetry initialized",
		zap.String("session_id", m.sessionID),
		zap.String("exporter", string(cfg.Exporter)),
		zap.Bool("tracing", cfg.EnableTracing),
		zap.Bool("metrics", cfg.EnableMetrics))

	return m, nil
}

// SessionID returns the generated session identifier.
func (m *Manager) SessionID() string {
	if m == nil {
		return ""
	}
	return m.sessionID
}

// IsInitialized reports whether the manager was built by NewManager.
func (m *Manager) IsInitialized() bool {
	return m != nil && m.initialized
}

// Config returns the defaulted configuration the manager was built with.
func (m *Manager) Config() *config.Telemetry {
	if m == nil {
		return nil
	}
	return m.cfg
}

// StartActiveSpan runs fn inside a span named name. The span is active in
// the context passed to fn, attrs go through the attribute pipeline, and
// fn's result and error are returned as-is. An error from fn marks the
// span failed but is otherwise untouched.
func (m *Manager) StartActiveSpan(ctx context.Context, name string, attrs map[string]any, fn func(ctx context.Context, span oteltrace.Span) (any, error)) (any, error) {
	if !m.IsInitialized() {
		return nil, ErrNotInitialized
	}

	ctx, span := m.tracer.Start(ctx, name,
		oteltrace.WithAttributes(toKeyValues(m.ProcessAttributes(attrs))...))
	defer span.End()

	result, err := fn(ctx, span)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	return result, err
}

// Histogram returns a recorder bound to a float64 histogram instrument.
// Instruments are cached by name; repeated calls share one identity.
func (m *Manager) Histogram(name, description, unit string) (HistogramFunc, error) {
	if !m.IsInitialized() {
		return nil, ErrNotInitialized
	}

	m.mu.Lock()
	hist, ok := m.histograms[name]
	if !ok {
		var err error
		hist, err = m.meter.Float64Histogram(name,
			metric.WithDescription(description),
			metric.WithUnit(unit),
		)
		if err != nil {
			m.mu.Unlock()
			return nil, fmt.Errorf("create histogram %q: %w", name, err)
		}
		m.histograms[name] = hist
	}
	m.mu.Unlock()

	return func(ctx context.Context, value float64, attrs map[string]any) {
		hist.Record(ctx, value, metric.WithAttributes(toKeyValues(m.ProcessAttributes(attrs))...))
	}, nil
}

// Counter returns an adder bound to an int64 counter instrument, cached by
// name like Histogram.
func (m *Manager) Counter(name, description, unit string) (CounterFunc, error) {
	if !m.IsInitialized() {
		return nil, ErrNotInitialized
	}

	m.mu.Lock()
	ctr, ok := m.counters[name]
	if !ok {
		var err error
		ctr, err = m.meter.Int64Counter(name,
			metric.WithDescription(description),
			metric.WithUnit(unit),
		)
		if err != nil {
			m.mu.Unlock()
			return nil, fmt.Errorf("create counter %q: %w", name, err)
		}
		m.counters[name] = ctr
	}
	m.mu.Unlock()

	return func(ctx context.Context, incr int64, attrs map[string]any) {
		ctr.Add(ctx, incr, metric.WithAttributes(toKeyValues(m.ProcessAttributes(attrs))...))
	}, nil
}

// ReportClientInfo counts a client connection with its reported identity.
func (m *Manager) ReportClientInfo(ctx context.Context, name, version string) {
	if !m.IsInitialized() {
		return
	}
	add, err := m.Counter(clientConnectionsMetric, "Client connections by reported client info", "{connection}")
	if err != nil {
		m.log.Warn("client info counter unavailable", zap.Error(err))
		return
	}
	add(ctx, 1, map[string]any{
		"client.name":    name,
		"client.version": version,
	})
}

// ArgumentAttributes flattens call arguments into dotted span-attribute
// keys under prefix (DefaultArgumentPrefix when empty). One nesting level
// is expanded; deeper values are JSON-encoded in place. Returns an empty
// map when argument collection is disabled.
func (m *Manager) ArgumentAttributes(params map[string]any, prefix string) map[string]any {
	out := make(map[string]any)
	if !m.IsInitialized() || !m.cfg.EnableArgumentCollection {
		return out
	}
	if prefix == "" {
		prefix = DefaultArgumentPrefix
	}

	for key, value := range params {
		nested, ok := value.(map[string]any)
		if !ok {
			out[prefix+"."+key] = flattenLeaf(value)
			continue
		}
		for subKey, subValue := range nested {
			out[prefix+"."+key+"."+subKey] = flattenLeaf(subValue)
		}
	}
	return out
}

// flattenLeaf converts a value into something representable as a span
// attribute. Composite values are JSON-encoded rather than expanded.
func flattenLeaf(value any) any {
	switch value.(type) {
	case nil, bool, int, int32, int64, float32, float64, string:
		return value
	default:
		encoded, err := json.Marshal(value)
		if err != nil {
			return fmt.Sprintf("%v", value)
		}
		return string(encoded)
	}
}

// ProcessAttributes runs the attribute pipeline: session-id stamp,
// configured processors in order, then PII sanitization if enabled. The
// input map is never mutated.
func (m *Manager) ProcessAttributes(data map[string]any) map[string]any {
	if !m.IsInitialized() {
		return data
	}

	out := make(map[string]any, len(data)+1)
	for k, v := range data {
		out[k] = v
	}
	out[AttrSessionID] = m.sessionID

	for _, proc := range m.cfg.DataProcessors {
		if processed := proc(out); processed != nil {
			out = processed
		}
	}

	if m.cfg.EnablePIISanitization {
		out = m.sanitizer.Sanitize(out)
	}
	return out
}

// Shutdown records the final session-duration sample and shuts down the
// providers, draining pending exports. Safe to call more than once; only
// the first call does work.
func (m *Manager) Shutdown(ctx context.Context) error {
	if !m.IsInitialized() {
		return nil
	}

	m.mu.Lock()
	if m.shutDown {
		m.mu.Unlock()
		return nil
	}
	m.shutDown = true
	m.mu.Unlock()

	if record, err := m.Histogram(sessionDurationMetric, "Total duration of the telemetry session", "s"); err == nil {
		record(ctx, time.Since(m.startedAt).Seconds(), nil)
	}

	var errs []error
	if m.meterProvider != nil {
		if err := m.meterProvider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("meter provider shutdown: %w", err))
		}
	}
	if m.tracerProvider != nil {
		if err := m.tracerProvider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("trace provider shutdown: %w", err))
		}
	}

	m.log.Debug("telemetry shut down", zap.String("session_id", m.sessionID))
	return errors.Join(errs...)
}

// ForceFlush immediately exports pending spans and metrics.
func (m *Manager) ForceFlush(ctx context.Context) error {
	if !m.IsInitialized() {
		return nil
	}

	var errs []error
	if m.tracerProvider != nil {
		if err := m.tracerProvider.ForceFlush(ctx); err != nil {
			errs = append(errs, fmt.Errorf("trace flush: %w", err))
		}
	}
	if m.meterProvider != nil {
		if err := m.meterProvider.ForceFlush(ctx); err != nil {
			errs = append(errs, fmt.Errorf("meter flush: %w", err))
		}
	}
	return errors.Join(errs...)
}

// toKeyValues converts an attribute map into otel key-values, sorted by
// key so repeated exports are deterministic.
func toKeyValues(attrs map[string]any) []attribute.KeyValue {
	if len(attrs) == 0 {
		return nil
	}
	keys := make([]string, 0, len(attrs))
	for k := range attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	kvs := make([]attribute.KeyValue, 0, len(keys))
	for _, k := range keys {
		switch v := attrs[k].(type) {
		case nil:
			kvs = append(kvs, attribute.String(k, ""))
		case bool:
			kvs = append(kvs, attribute.Bool(k, v))
		case int:
			kvs = append(kvs, attribute.Int(k, v))
		case int32:
			kvs = append(kvs, attribute.Int64(k, int64(v)))
		case int64:
			kvs = append(kvs, attribute.Int64(k, v))
		case float32:
			kvs = append(kvs, attribute.Float64(k, float64(v)))
		case float64:
			kvs = append(kvs, attribute.Float64(k, v))
		case string:
			kvs = append(kvs, attribute.String(k, v))
		case []string:
			kvs = append(kvs, attribute.StringSlice(k, v))
		default:
			kvs = append(kvs, attribute.String(k, fmt.Sprintf("%v", v)))
		}
	}
	return kvs
}
