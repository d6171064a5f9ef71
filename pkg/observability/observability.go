package observability

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	oteltrace "go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/mcptel/internal/session"
	"github.com/fyrsmithlabs/mcptel/internal/telemetry"
	"github.com/fyrsmithlabs/mcptel/pkg/config"
)

// Option customizes InstrumentServer.
type Option func(*instrumentOptions)

type instrumentOptions struct {
	logger      *zap.Logger
	managerOpts []telemetry.Option
}

// WithLogger sets the logger for the instance, adapter, and session
// tracker. Defaults to zap.NewNop.
func WithLogger(log *zap.Logger) Option {
	return func(o *instrumentOptions) { o.logger = log }
}

// WithManagerOptions passes options through to the telemetry manager,
// mainly for in-memory exporters in tests.
func WithManagerOptions(opts ...telemetry.Option) Option {
	return func(o *instrumentOptions) { o.managerOpts = append(o.managerOpts, opts...) }
}

// Instance is the handle returned by InstrumentServer: manual telemetry
// operations, session lifecycle, and the adapted registration surface.
type Instance struct {
	manager *telemetry.Manager
	server  *Server
	log     *zap.Logger

	// startMu serializes EnableSessionTracking across its backend
	// round-trip so concurrent enables create at most one session.
	startMu sync.Mutex

	mu      sync.Mutex
	tracker *session.Tracker
}

// InstrumentServer wraps target with telemetry instrumentation and
// returns the observability instance. The target's registration surface
// is detected once; register operations through Instance.Server()
// afterwards. Instrumenting an already-adapted *Server returns its
// existing instance unchanged.
func InstrumentServer(ctx context.Context, target any, cfg *config.Telemetry, opts ...Option) (*Instance, error) {
	if target == nil {
		return nil, fmt.Errorf("instrument server: target is nil")
	}
	if adapted, ok := target.(*Server); ok {
		return adapted.inst, nil
	}

	var o instrumentOptions
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}
	log := o.logger.Named("mcptel")

	managerOpts := append([]telemetry.Option{telemetry.WithLogger(o.logger)}, o.managerOpts...)
	manager, err := telemetry.NewManager(ctx, cfg, managerOpts...)
	if err != nil {
		return nil, err
	}

	inst := &Instance{
		manager: manager,
		log:     log,
	}

	exec, err := newCallExecutor(manager, inst.SessionTracker, log)
	if err != nil {
		shutdownErr := manager.Shutdown(ctx)
		return nil, errors.Join(err, shutdownErr)
	}

	caps := detectCapabilities(target)
	inst.server = &Server{
		inst:   inst,
		target: target,
		caps:   caps,
		exec:   exec,
		log:    log,
	}

	if mw, ok := target.(middlewareRegistrar); ok {
		mw.AddReceivingMiddleware(clientInfoMiddleware(manager))
	}

	log.Debug("server instrumented",
		zap.String("session_id", manager.SessionID()),
		zap.String("tools", caps.tools.String()),
		zap.String("resources", caps.resources.String()),
		zap.String("prompts", caps.prompts.String()))

	return inst, nil
}

// Server returns the adapted registration surface.
func (i *Instance) Server() *Server {
	return i.server
}

// SessionID returns the telemetry session identifier.
func (i *Instance) SessionID() string {
	return i.manager.SessionID()
}

// StartActiveSpan runs fn inside a span, for manual instrumentation
// alongside the automatic wrapping.
func (i *Instance) StartActiveSpan(ctx context.Context, name string, attrs map[string]any, fn func(ctx context.Context, span oteltrace.Span) (any, error)) (any, error) {
	return i.manager.StartActiveSpan(ctx, name, attrs, fn)
}

// Histogram returns a recorder for a custom histogram instrument.
func (i *Instance) Histogram(name, description, unit string) (telemetry.HistogramFunc, error) {
	return i.manager.Histogram(name, description, unit)
}

// Counter returns an adder for a custom counter instrument.
func (i *Instance) Counter(name, description, unit string) (telemetry.CounterFunc, error) {
	return i.manager.Counter(name, description, unit)
}

// ProcessAttributes runs the attribute pipeline on data.
func (i *Instance) ProcessAttributes(data map[string]any) map[string]any {
	return i.manager.ProcessAttributes(data)
}

// EnableSessionTracking starts session-replay capture. resourceUUID is
// the backend resource this session belongs to; metadata is attached to
// the created session. No-op when tracking is already enabled.
func (i *Instance) EnableSessionTracking(ctx context.Context, resourceUUID string, metadata map[string]any) error {
	i.startMu.Lock()
	defer i.startMu.Unlock()

	if i.SessionTracker() != nil {
		return nil
	}

	tracker, err := session.New(i.manager.Config(), i.manager.SessionID(),
		session.WithLogger(i.log),
		session.WithResourceUUID(resourceUUID))
	if err != nil {
		return err
	}
	if err := tracker.Start(ctx, metadata); err != nil {
		return err
	}

	i.mu.Lock()
	i.tracker = tracker
	i.mu.Unlock()
	return nil
}

// SessionTracker returns the active tracker, or nil when session
// tracking is not enabled.
func (i *Instance) SessionTracker() *session.Tracker {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.tracker
}

// CompleteSession flushes remaining events, notifies the backend, and
// disables capture. No-op when tracking was never enabled.
func (i *Instance) CompleteSession(ctx context.Context) error {
	i.mu.Lock()
	tracker := i.tracker
	i.tracker = nil
	i.mu.Unlock()

	if tracker == nil {
		return nil
	}
	return tracker.Complete(ctx)
}

// Shutdown completes any active session and shuts down the telemetry
// providers, draining pending exports.
func (i *Instance) Shutdown(ctx context.Context) error {
	return errors.Join(
		i.CompleteSession(ctx),
		i.manager.Shutdown(ctx),
	)
}

// ForceFlush immediately exports pending spans and metrics.
func (i *Instance) ForceFlush(ctx context.Context) error {
	return i.manager.ForceFlush(ctx)
}

// AddTool registers a typed tool handler with instrumentation, keeping
// the go-sdk's schema inference for In and Out. The target must be a
// *mcp.Server; other targets fall back to the untyped path with the
// arguments decoded into In.
func AddTool[In, Out any](srv *Server, tool *mcp.Tool, h mcp.ToolHandlerFor[In, Out]) {
	if underlying, ok := srv.target.(*mcp.Server); ok {
		op, err := srv.exec.bind("tools/call", tool.Name)
		if err != nil {
			srv.log.Warn("tool instrumentation unavailable", zap.String("tool", tool.Name), zap.Error(err))
			mcp.AddTool(underlying, tool, h)
			return
		}

		mcp.AddTool(underlying, tool, func(ctx context.Context, req *mcp.CallToolRequest, args In) (*mcp.CallToolResult, Out, error) {
			var out Out
			result, err := op.run(ctx, snapshotMap(args), func(ctx context.Context) (any, error) {
				res, o, err := h(ctx, req, args)
				if err != nil {
					return nil, err
				}
				out = o
				return res, nil
			})
			if err != nil {
				return nil, out, err
			}
			res, _ := result.(*mcp.CallToolResult)
			return res, out, nil
		})
		return
	}

	srv.AddTool(tool, func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		var args In
		if raw := argumentsToMap(req.Params.Arguments); raw != nil {
			encoded, err := json.Marshal(raw)
			if err != nil {
				return nil, fmt.Errorf("encode tool arguments: %w", err)
			}
			if err := json.Unmarshal(encoded, &args); err != nil {
				return nil, fmt.Errorf("decode tool arguments: %w", err)
			}
		}
		res, out, err := h(ctx, req, args)
		if err != nil {
			return res, err
		}
		if res == nil {
			res = &mcp.CallToolResult{}
		}
		if res.StructuredContent == nil && any(out) != nil {
			res.StructuredContent = out
		}
		return res, nil
	})
}

// clientInfoMiddleware observes initialize requests and reports the
// connecting client's identity.
func clientInfoMiddleware(m *telemetry.Manager) mcp.Middleware {
	return func(next mcp.MethodHandler) mcp.MethodHandler {
		return func(ctx context.Context, method string, req mcp.Request) (mcp.Result, error) {
			if method == "initialize" {
				if params, ok := req.GetParams().(*mcp.InitializeParams); ok && params.ClientInfo != nil {
					m.ReportClientInfo(ctx, params.ClientInfo.Name, params.ClientInfo.Version)
				}
			}
			return next(ctx, method, req)
		}
	}
}
