// Package telemetry owns the OpenTelemetry provider lifecycle for an
// instrumented MCP server.
//
// A Manager holds an explicit TracerProvider and MeterProvider bound to the
// server's identity and a generated session id; nothing is registered in the
// process-global otel registry. Every attribute set emitted through the
// Manager — span attributes, counter and histogram attributes — passes
// through the same pipeline: session-id stamping, configured data
// processors, then optional PII sanitization.
package telemetry
