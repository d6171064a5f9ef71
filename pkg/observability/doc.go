// Package observability instruments MCP servers with OpenTelemetry traces
// and metrics, plus optional session-replay capture.
//
// The entry point is InstrumentServer, which wraps a target server's
// registration surface so every tool, resource, and prompt handler runs
// inside a span with a per-call counter, a duration histogram, and session
// events. Two registration styles are recognized: the go-sdk style
// (AddTool and friends) and a name-keyed registry style (RegisterTool and
// friends). The style per category is detected once when the adapter is
// built.
//
// Handler errors pass through unchanged; telemetry failures never disrupt
// the instrumented server.
package observability
