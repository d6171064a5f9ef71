package observability

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	oteltrace "go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/mcptel/internal/sanitize"
	"github.com/fyrsmithlabs/mcptel/internal/session"
	"github.com/fyrsmithlabs/mcptel/internal/telemetry"
)

const (
	durationMetric     = "mcp.server.operation.duration"
	durationMetricDesc = "MCP request or notification duration"
	counterDesc        = "MCP request or notification count"

	attrMethodName    = "mcp.method.name"
	attrToolName      = "mcp.tool.name"
	attrResourceURI   = "mcp.resource.uri"
	attrRequestID     = "mcp.request.id"
	attrClientAddress = "client.address"
	attrErrorType     = "error.type"
)

// callExecutor carries the per-instance pieces every instrumented call
// needs: the manager, the session tracker lookup, and the shared duration
// histogram, created once.
type callExecutor struct {
	manager *telemetry.Manager
	tracker func() *session.Tracker
	log     *zap.Logger

	recordDuration telemetry.HistogramFunc
}

func newCallExecutor(m *telemetry.Manager, tracker func() *session.Tracker, log *zap.Logger) (*callExecutor, error) {
	recordDuration, err := m.Histogram(durationMetric, durationMetricDesc, "ms")
	if err != nil {
		return nil, err
	}
	return &callExecutor{
		manager:        m,
		tracker:        tracker,
		log:            log,
		recordDuration: recordDuration,
	}, nil
}

// operation binds one registered handler's identity to its pre-created
// counter. The counter name is derived from the method and operation name
// so repeated wraps of the same operation share one instrument.
type operation struct {
	exec     *callExecutor
	method   string
	name     string
	resource bool

	eventBefore session.EventType
	eventAfter  session.EventType

	baseAttrs map[string]any
	count     telemetry.CounterFunc
}

func (e *callExecutor) bind(method, name string) (*operation, error) {
	op := &operation{
		exec:     e,
		method:   method,
		name:     name,
		resource: strings.HasPrefix(method, "resources/"),
	}
	op.eventBefore, op.eventAfter = eventTypes(method)

	op.baseAttrs = map[string]any{attrMethodName: method}
	if op.resource {
		op.baseAttrs[attrResourceURI] = name
	} else {
		op.baseAttrs[attrToolName] = name
	}

	counterName := fmt.Sprintf("mcp.server.%s.%s",
		sanitize.MetricComponent(method), sanitize.MetricComponent(name))
	count, err := e.manager.Counter(counterName, counterDesc, "{call}")
	if err != nil {
		return nil, err
	}
	op.count = count
	return op, nil
}

// eventTypes maps an MCP method to its before and completion session
// event types. Tool calls distinguish call from response; the other
// categories reuse one type for both sides, the response carrying the
// output and duration.
func eventTypes(method string) (before, after session.EventType) {
	switch method {
	case "resources/list":
		return session.EventResourceList, session.EventResourceList
	case "resources/read":
		return session.EventResourceRead, session.EventResourceRead
	case "prompts/list":
		return session.EventPromptList, session.EventPromptList
	case "prompts/get":
		return session.EventPromptGet, session.EventPromptGet
	default:
		return session.EventToolCall, session.EventToolResponse
	}
}

// run executes one instrumented call: span, counter, session events, a
// single duration record on both paths, with the handler's error returned
// to the caller untouched.
func (op *operation) run(ctx context.Context, args map[string]any, call func(ctx context.Context) (any, error)) (any, error) {
	attrs := make(map[string]any, len(op.baseAttrs)+3)
	for k, v := range op.baseAttrs {
		attrs[k] = v
	}
	attrs[attrRequestID] = uuid.NewString()
	attrs[attrClientAddress] = runtimeAddress()
	for k, v := range op.exec.manager.ArgumentAttributes(args, "") {
		attrs[k] = v
	}

	return op.exec.manager.StartActiveSpan(ctx, op.method+" "+op.name, attrs,
		func(ctx context.Context, span oteltrace.Span) (any, error) {
			op.count(ctx, 1, op.baseAttrs)

			start := time.Now()
			op.emitBefore(args)

			result, err := call(ctx)
			durationMS := float64(time.Since(start)) / float64(time.Millisecond)

			histAttrs := op.baseAttrs
			if err != nil {
				errType := fmt.Sprintf("%T", err)
				span.SetAttributes(attribute.String(attrErrorType, errType))
				op.emitError(err, errType, durationMS)

				histAttrs = make(map[string]any, len(op.baseAttrs)+1)
				for k, v := range op.baseAttrs {
					histAttrs[k] = v
				}
				histAttrs[attrErrorType] = errType
			} else {
				op.emitAfter(result, durationMS)
			}
			op.exec.recordDuration(ctx, durationMS, histAttrs)

			return result, err
		})
}

// activeTracker returns the session tracker when capture is on, else nil.
func (op *operation) activeTracker() *session.Tracker {
	tr := op.exec.tracker()
	if tr == nil || tr.State() != session.StateActive {
		return nil
	}
	return tr
}

func (op *operation) emitBefore(args map[string]any) {
	tr := op.activeTracker()
	if tr == nil {
		return
	}

	event := &session.Event{
		Type:     op.eventBefore,
		Metadata: map[string]any{"method": op.method},
	}
	if op.resource {
		event.ResourceURI = op.name
	} else {
		event.ToolName = op.name
	}
	if op.exec.manager.Config().EnableArgumentCollection {
		event.Input = args
	}
	tr.AddEvent(event)
}

func (op *operation) emitAfter(result any, durationMS float64) {
	tr := op.activeTracker()
	if tr == nil {
		return
	}

	event := &session.Event{
		Type:       op.eventAfter,
		DurationMS: &durationMS,
		Metadata:   map[string]any{"method": op.method},
	}
	if op.resource {
		event.ResourceURI = op.name
		event.Metadata["status"] = "success"
	} else {
		event.ToolName = op.name
	}
	if op.exec.manager.Config().EnableArgumentCollection {
		event.Output = snapshotMap(result)
	}
	tr.AddEvent(event)
}

func (op *operation) emitError(err error, errType string, durationMS float64) {
	tr := op.activeTracker()
	if tr == nil {
		return
	}

	event := &session.Event{
		Type: session.EventError,
		Error: &session.ErrorData{
			Message: err.Error(),
			Type:    errType,
		},
		DurationMS: &durationMS,
		Metadata:   map[string]any{"method": op.method},
	}
	if op.resource {
		event.ResourceURI = op.name
	} else {
		event.ToolName = op.name
	}
	tr.AddEvent(event)
}

// argumentsToMap normalizes call arguments into a flat map for flattening
// and snapshots. Raw JSON comes off the wire; in-process callers pass a
// map or a struct.
func argumentsToMap(v any) map[string]any {
	switch args := v.(type) {
	case nil:
		return nil
	case map[string]any:
		return args
	case json.RawMessage:
		var out map[string]any
		if err := json.Unmarshal(args, &out); err != nil {
			return nil
		}
		return out
	case []byte:
		var out map[string]any
		if err := json.Unmarshal(args, &out); err != nil {
			return nil
		}
		return out
	default:
		return snapshotMap(v)
	}
}

// snapshotMap renders an arbitrary value as a map for session capture.
func snapshotMap(v any) map[string]any {
	if v == nil {
		return nil
	}
	if m, ok := v.(map[string]any); ok {
		return m
	}
	encoded, err := json.Marshal(v)
	if err != nil {
		return map[string]any{"value": fmt.Sprintf("%v", v)}
	}
	var out map[string]any
	if err := json.Unmarshal(encoded, &out); err != nil {
		return map[string]any{"value": string(encoded)}
	}
	return out
}

// runtimeAddress resolves the host's address once. Stdio servers have no
// peer connection, so the local address stands in for client.address.
var runtimeAddress = sync.OnceValue(func() string {
	hostname, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	addrs, err := net.LookupHost(hostname)
	if err != nil || len(addrs) == 0 {
		return "unknown"
	}
	return addrs[0]
})
