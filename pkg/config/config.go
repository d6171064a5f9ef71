// Package config defines the telemetry configuration surface for mcptel.
//
// A single Telemetry value describes server identity, export target,
// sampling, feature toggles, and session-capture behavior. It is validated
// once at instrumentation time and treated as immutable afterwards.
package config

import (
	"encoding/base64"
	"fmt"
	"time"
)

// ExporterKind selects the span/metric exporter implementation.
type ExporterKind string

const (
	// ExporterOTLPHTTP exports over OTLP http/protobuf.
	ExporterOTLPHTTP ExporterKind = "otlp-http"
	// ExporterOTLPGRPC exports over OTLP gRPC.
	ExporterOTLPGRPC ExporterKind = "otlp-grpc"
	// ExporterConsole writes spans and metrics to stdout.
	ExporterConsole ExporterKind = "console"
)

// AuthType selects the authentication scheme for the export backend.
type AuthType string

const (
	AuthBearer AuthType = "bearer"
	AuthAPIKey AuthType = "apiKey"
	AuthBasic  AuthType = "basic"
)

// Auth holds backend authentication credentials. Exactly the fields for the
// selected Type must be set; Headers fails eagerly otherwise.
type Auth struct {
	Type     AuthType `koanf:"type"`
	Token    Secret   `koanf:"token"`
	APIKey   Secret   `koanf:"api_key"`
	Username string   `koanf:"username"`
	Password Secret   `koanf:"password"`
}

// Headers builds the HTTP headers for the configured scheme.
// Missing credential fields are reported before any network call is made.
func (a *Auth) Headers() (map[string]string, error) {
	if a == nil {
		return map[string]string{}, nil
	}
	switch a.Type {
	case AuthBearer:
		if !a.Token.IsSet() {
			return nil, fmt.Errorf("token is required for bearer auth")
		}
		return map[string]string{"Authorization": "Bearer " + a.Token.Value()}, nil
	case AuthAPIKey:
		if !a.APIKey.IsSet() {
			return nil, fmt.Errorf("api_key is required for apiKey auth")
		}
		return map[string]string{"X-API-Key": a.APIKey.Value()}, nil
	case AuthBasic:
		if a.Username == "" || !a.Password.IsSet() {
			return nil, fmt.Errorf("username and password are required for basic auth")
		}
		credentials := base64.StdEncoding.EncodeToString([]byte(a.Username + ":" + a.Password.Value()))
		return map[string]string{"Authorization": "Basic " + credentials}, nil
	default:
		return nil, fmt.Errorf("unknown auth type: %q", a.Type)
	}
}

// Processor transforms an attribute set before export. Processors run in
// order and must not mutate their input.
type Processor func(map[string]any) map[string]any

// Session controls session-replay capture.
type Session struct {
	// FlushInterval is the periodic background flush cadence.
	FlushInterval Duration `koanf:"flush_interval"`
	// QueueThreshold triggers an immediate out-of-band flush when the
	// event queue reaches this size.
	QueueThreshold int `koanf:"queue_threshold"`
	// MaxQueueSize bounds the event queue; oldest events are dropped
	// beyond it so a backend outage cannot grow memory without limit.
	MaxQueueSize int `koanf:"max_queue_size"`
	// RequestTimeout bounds individual backend requests.
	RequestTimeout Duration `koanf:"request_timeout"`
}

// Telemetry is the complete instrumentation configuration.
type Telemetry struct {
	ServerName    string `koanf:"server_name"`
	ServerVersion string `koanf:"server_version"`

	// Endpoint is the export target base URL (OTLP ingest plus the
	// session backend, which shares the same base).
	Endpoint string       `koanf:"endpoint"`
	Auth     *Auth        `koanf:"auth"`
	Exporter ExporterKind `koanf:"exporter_kind"`
	// Insecure disables TLS for OTLP connections (local collectors).
	Insecure bool `koanf:"insecure"`
	// InsecureSkipVerify accepts any TLS certificate (internal CAs).
	InsecureSkipVerify bool `koanf:"insecure_skip_verify"`

	SamplingRate float64 `koanf:"sampling_rate"`

	EnableTracing            bool `koanf:"enable_tracing"`
	EnableMetrics            bool `koanf:"enable_metrics"`
	EnablePIISanitization    bool `koanf:"enable_pii_sanitization"`
	EnableArgumentCollection bool `koanf:"enable_argument_collection"`

	MetricExportInterval Duration `koanf:"metric_export_interval"`
	BatchTimeout         Duration `koanf:"batch_timeout"`

	// PIIPatterns replaces the default redaction rule set when non-empty.
	PIIPatterns []string `koanf:"pii_patterns"`

	Session Session `koanf:"session"`

	// DataProcessors are applied, in order, to every attribute set before
	// PII sanitization. Runtime-only; not loadable from file.
	DataProcessors []Processor `koanf:"-"`
}

// NewDefault returns the documented defaults. ServerName and ServerVersion
// have no defaults and must be set by the caller.
func NewDefault() *Telemetry {
	return &Telemetry{
		Endpoint:                 "http://localhost:4318",
		Exporter:                 ExporterOTLPHTTP,
		SamplingRate:             1.0,
		EnableTracing:            true,
		EnableMetrics:            true,
		EnablePIISanitization:    false,
		EnableArgumentCollection: true,
		MetricExportInterval:     Duration(60 * time.Second),
		BatchTimeout:             Duration(30 * time.Second),
		Session: Session{
			FlushInterval:  Duration(5 * time.Second),
			QueueThreshold: 10,
			MaxQueueSize:   1000,
			RequestTimeout: Duration(30 * time.Second),
		},
	}
}

// Validate checks the configuration invariants.
func (c *Telemetry) Validate() error {
	if c.ServerName == "" {
		return fmt.Errorf("server_name is required")
	}
	if c.ServerVersion == "" {
		return fmt.Errorf("server_version is required")
	}
	if c.SamplingRate < 0 || c.SamplingRate > 1 {
		return fmt.Errorf("sampling_rate must be between 0.0 and 1.0, got %f", c.SamplingRate)
	}
	switch c.Exporter {
	case "", ExporterOTLPHTTP, ExporterOTLPGRPC, ExporterConsole:
	default:
		return fmt.Errorf("unknown exporter_kind: %q", c.Exporter)
	}
	if c.Auth != nil {
		if _, err := c.Auth.Headers(); err != nil {
			return err
		}
	}
	if c.MetricExportInterval.Duration() < 0 {
		return fmt.Errorf("metric_export_interval cannot be negative")
	}
	if c.BatchTimeout.Duration() < 0 {
		return fmt.Errorf("batch_timeout cannot be negative")
	}
	return nil
}

// WithDefaults returns a copy with unset optional fields filled in.
// Validation runs against the defaulted copy; the original is not touched.
func (c *Telemetry) WithDefaults() *Telemetry {
	out := *c
	def := NewDefault()
	if out.Endpoint == "" {
		out.Endpoint = def.Endpoint
	}
	if out.Exporter == "" {
		out.Exporter = def.Exporter
	}
	if out.MetricExportInterval == 0 {
		out.MetricExportInterval = def.MetricExportInterval
	}
	if out.BatchTimeout == 0 {
		out.BatchTimeout = def.BatchTimeout
	}
	if out.Session.FlushInterval == 0 {
		out.Session.FlushInterval = def.Session.FlushInterval
	}
	if out.Session.QueueThreshold == 0 {
		out.Session.QueueThreshold = def.Session.QueueThreshold
	}
	if out.Session.MaxQueueSize == 0 {
		out.Session.MaxQueueSize = def.Session.MaxQueueSize
	}
	if out.Session.RequestTimeout == 0 {
		out.Session.RequestTimeout = def.Session.RequestTimeout
	}
	return &out
}
