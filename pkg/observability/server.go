package observability

import (
	"context"
	"encoding/json"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"
)

// Server is the adapted registration surface returned by InstrumentServer.
// It exposes both recognized registration styles; each call wraps the
// handler through the executor and forwards to the target's detected
// entry point for that category. Registrations in a style the target does
// not recognize are dropped with a warning rather than panicking.
type Server struct {
	inst   *Instance
	target any
	caps   capabilities
	exec   *callExecutor
	log    *zap.Logger
}

// Target returns the wrapped server.
func (s *Server) Target() any {
	return s.target
}

// Capabilities describes the detection result, mainly for logging.
func (s *Server) Capabilities() map[string]string {
	return map[string]string{
		"tools":     s.caps.tools.String(),
		"resources": s.caps.resources.String(),
		"prompts":   s.caps.prompts.String(),
	}
}

// AddTool registers a go-sdk style tool handler with instrumentation.
func (s *Server) AddTool(tool *mcp.Tool, h mcp.ToolHandler) {
	if s.caps.tools != styleSDK {
		s.dropRegistration("tool", tool.Name, s.caps.tools)
		return
	}

	op, err := s.exec.bind("tools/call", tool.Name)
	if err != nil {
		s.log.Warn("tool instrumentation unavailable", zap.String("tool", tool.Name), zap.Error(err))
		s.target.(sdkToolRegistrar).AddTool(tool, h)
		return
	}

	s.target.(sdkToolRegistrar).AddTool(tool, func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		result, err := op.run(ctx, argumentsToMap(req.Params.Arguments), func(ctx context.Context) (any, error) {
			return h(ctx, req)
		})
		if err != nil {
			return nil, err
		}
		res, _ := result.(*mcp.CallToolResult)
		return res, nil
	})
}

// RegisterTool registers a registry-style tool handler with
// instrumentation.
func (s *Server) RegisterTool(name string, h ToolHandlerFunc) {
	if s.caps.tools != styleRegistry {
		s.dropRegistration("tool", name, s.caps.tools)
		return
	}

	op, err := s.exec.bind("tools/call", name)
	if err != nil {
		s.log.Warn("tool instrumentation unavailable", zap.String("tool", name), zap.Error(err))
		s.target.(toolRegistry).RegisterTool(name, h)
		return
	}

	s.target.(toolRegistry).RegisterTool(name, func(ctx context.Context, input json.RawMessage) (any, error) {
		return op.run(ctx, argumentsToMap(input), func(ctx context.Context) (any, error) {
			return h(ctx, input)
		})
	})
}

// AddResource registers a go-sdk style resource handler with
// instrumentation. The operation name is the resource URI.
func (s *Server) AddResource(res *mcp.Resource, h mcp.ResourceHandler) {
	if s.caps.resources != styleSDK {
		s.dropRegistration("resource", res.URI, s.caps.resources)
		return
	}

	op, err := s.exec.bind("resources/read", res.URI)
	if err != nil {
		s.log.Warn("resource instrumentation unavailable", zap.String("uri", res.URI), zap.Error(err))
		s.target.(sdkResourceRegistrar).AddResource(res, h)
		return
	}

	s.target.(sdkResourceRegistrar).AddResource(res, func(ctx context.Context, req *mcp.ReadResourceRequest) (*mcp.ReadResourceResult, error) {
		result, err := op.run(ctx, map[string]any{"uri": req.Params.URI}, func(ctx context.Context) (any, error) {
			return h(ctx, req)
		})
		if err != nil {
			return nil, err
		}
		out, _ := result.(*mcp.ReadResourceResult)
		return out, nil
	})
}

// RegisterResource registers a registry-style resource handler with
// instrumentation.
func (s *Server) RegisterResource(uri string, h ResourceHandlerFunc) {
	if s.caps.resources != styleRegistry {
		s.dropRegistration("resource", uri, s.caps.resources)
		return
	}

	op, err := s.exec.bind("resources/read", uri)
	if err != nil {
		s.log.Warn("resource instrumentation unavailable", zap.String("uri", uri), zap.Error(err))
		s.target.(resourceRegistry).RegisterResource(uri, h)
		return
	}

	s.target.(resourceRegistry).RegisterResource(uri, func(ctx context.Context, requestURI string) (any, error) {
		return op.run(ctx, map[string]any{"uri": requestURI}, func(ctx context.Context) (any, error) {
			return h(ctx, requestURI)
		})
	})
}

// AddPrompt registers a go-sdk style prompt handler with instrumentation.
func (s *Server) AddPrompt(prompt *mcp.Prompt, h mcp.PromptHandler) {
	if s.caps.prompts != styleSDK {
		s.dropRegistration("prompt", prompt.Name, s.caps.prompts)
		return
	}

	op, err := s.exec.bind("prompts/get", prompt.Name)
	if err != nil {
		s.log.Warn("prompt instrumentation unavailable", zap.String("prompt", prompt.Name), zap.Error(err))
		s.target.(sdkPromptRegistrar).AddPrompt(prompt, h)
		return
	}

	s.target.(sdkPromptRegistrar).AddPrompt(prompt, func(ctx context.Context, req *mcp.GetPromptRequest) (*mcp.GetPromptResult, error) {
		result, err := op.run(ctx, promptArgs(req.Params.Arguments), func(ctx context.Context) (any, error) {
			return h(ctx, req)
		})
		if err != nil {
			return nil, err
		}
		out, _ := result.(*mcp.GetPromptResult)
		return out, nil
	})
}

// RegisterPrompt registers a registry-style prompt handler with
// instrumentation.
func (s *Server) RegisterPrompt(name string, h PromptHandlerFunc) {
	if s.caps.prompts != styleRegistry {
		s.dropRegistration("prompt", name, s.caps.prompts)
		return
	}

	op, err := s.exec.bind("prompts/get", name)
	if err != nil {
		s.log.Warn("prompt instrumentation unavailable", zap.String("prompt", name), zap.Error(err))
		s.target.(promptRegistry).RegisterPrompt(name, h)
		return
	}

	s.target.(promptRegistry).RegisterPrompt(name, func(ctx context.Context, args map[string]string) (any, error) {
		return op.run(ctx, promptArgs(args), func(ctx context.Context) (any, error) {
			return h(ctx, args)
		})
	})
}

func (s *Server) dropRegistration(category, name string, detected style) {
	s.log.Warn("registration style not supported by target, dropping",
		zap.String("category", category),
		zap.String("name", name),
		zap.String("detected_style", detected.String()))
}

func promptArgs(args map[string]string) map[string]any {
	if len(args) == 0 {
		return nil
	}
	out := make(map[string]any, len(args))
	for k, v := range args {
		out[k] = v
	}
	return out
}
