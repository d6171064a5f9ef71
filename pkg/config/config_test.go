package config

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDefault(t *testing.T) {
	cfg := NewDefault()

	assert.Equal(t, "http://localhost:4318", cfg.Endpoint)
	assert.Equal(t, ExporterOTLPHTTP, cfg.Exporter)
	assert.Equal(t, 1.0, cfg.SamplingRate)
	assert.True(t, cfg.EnableTracing)
	assert.True(t, cfg.EnableMetrics)
	assert.False(t, cfg.EnablePIISanitization)
	assert.True(t, cfg.EnableArgumentCollection)
	assert.Equal(t, 60*time.Second, cfg.MetricExportInterval.Duration())
	assert.Equal(t, 30*time.Second, cfg.BatchTimeout.Duration())
	assert.Equal(t, 5*time.Second, cfg.Session.FlushInterval.Duration())
	assert.Equal(t, 10, cfg.Session.QueueThreshold)
	assert.Equal(t, 1000, cfg.Session.MaxQueueSize)
}

func TestTelemetry_Validate(t *testing.T) {
	valid := func() *Telemetry {
		cfg := NewDefault()
		cfg.ServerName = "test-server"
		cfg.ServerVersion = "1.0.0"
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(*Telemetry)
		wantErr string
	}{
		{
			name:   "valid config",
			mutate: func(c *Telemetry) {},
		},
		{
			name:    "empty server_name",
			mutate:  func(c *Telemetry) { c.ServerName = "" },
			wantErr: "server_name is required",
		},
		{
			name:    "empty server_version",
			mutate:  func(c *Telemetry) { c.ServerVersion = "" },
			wantErr: "server_version is required",
		},
		{
			name:    "sampling rate above one",
			mutate:  func(c *Telemetry) { c.SamplingRate = 1.5 },
			wantErr: "sampling_rate must be between 0.0 and 1.0",
		},
		{
			name:    "negative sampling rate",
			mutate:  func(c *Telemetry) { c.SamplingRate = -0.1 },
			wantErr: "sampling_rate must be between 0.0 and 1.0",
		},
		{
			name:    "unknown exporter kind",
			mutate:  func(c *Telemetry) { c.Exporter = "jaeger" },
			wantErr: "unknown exporter_kind",
		},
		{
			name:    "bearer auth without token",
			mutate:  func(c *Telemetry) { c.Auth = &Auth{Type: AuthBearer} },
			wantErr: "token is required for bearer auth",
		},
		{
			name:    "apiKey auth without key",
			mutate:  func(c *Telemetry) { c.Auth = &Auth{Type: AuthAPIKey} },
			wantErr: "api_key is required for apiKey auth",
		},
		{
			name:    "basic auth missing username",
			mutate:  func(c *Telemetry) { c.Auth = &Auth{Type: AuthBasic, Password: "pw"} },
			wantErr: "username and password are required for basic auth",
		},
		{
			name:    "basic auth missing password",
			mutate:  func(c *Telemetry) { c.Auth = &Auth{Type: AuthBasic, Username: "user"} },
			wantErr: "username and password are required for basic auth",
		},
		{
			name:    "unknown auth type",
			mutate:  func(c *Telemetry) { c.Auth = &Auth{Type: "oauth"} },
			wantErr: "unknown auth type",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestTelemetry_WithDefaults(t *testing.T) {
	cfg := &Telemetry{
		ServerName:    "srv",
		ServerVersion: "0.1.0",
		SamplingRate:  0.5,
	}

	out := cfg.WithDefaults()

	assert.Equal(t, "http://localhost:4318", out.Endpoint)
	assert.Equal(t, ExporterOTLPHTTP, out.Exporter)
	assert.Equal(t, 0.5, out.SamplingRate)
	assert.Equal(t, 60*time.Second, out.MetricExportInterval.Duration())
	assert.Equal(t, 5*time.Second, out.Session.FlushInterval.Duration())

	// Original untouched.
	assert.Empty(t, cfg.Endpoint)
}

func TestAuth_Headers(t *testing.T) {
	tests := []struct {
		name string
		auth *Auth
		want map[string]string
	}{
		{
			name: "nil auth",
			auth: nil,
			want: map[string]string{},
		},
		{
			name: "bearer",
			auth: &Auth{Type: AuthBearer, Token: "tok123"},
			want: map[string]string{"Authorization": "Bearer tok123"},
		},
		{
			name: "api key",
			auth: &Auth{Type: AuthAPIKey, APIKey: "key456"},
			want: map[string]string{"X-API-Key": "key456"},
		},
		{
			name: "basic",
			auth: &Auth{Type: AuthBasic, Username: "user", Password: "pass"},
			// base64("user:pass")
			want: map[string]string{"Authorization": "Basic dXNlcjpwYXNz"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.auth.Headers()
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSecret_Redaction(t *testing.T) {
	s := Secret("hunter2")
	assert.Equal(t, "[REDACTED]", s.String())
	assert.Equal(t, "hunter2", s.Value())

	data, err := json.Marshal(struct {
		Token Secret `json:"token"`
	}{Token: s})
	require.NoError(t, err)
	assert.NotContains(t, string(data), "hunter2")

	assert.Empty(t, Secret("").String())
	assert.False(t, Secret("").IsSet())
}

func TestDuration_UnmarshalText(t *testing.T) {
	var d Duration
	require.NoError(t, d.UnmarshalText([]byte("90s")))
	assert.Equal(t, 90*time.Second, d.Duration())

	assert.Error(t, d.UnmarshalText([]byte("-5s")))
	assert.Error(t, d.UnmarshalText([]byte("not-a-duration")))
}
