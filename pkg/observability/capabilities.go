package observability

import (
	"context"
	"encoding/json"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// style identifies a recognized registration surface for one operation
// category. Detection runs once at adapter construction; the chosen style
// never changes afterwards.
type style int

const (
	styleNone style = iota
	styleSDK
	styleRegistry
)

func (s style) String() string {
	switch s {
	case styleSDK:
		return "sdk"
	case styleRegistry:
		return "registry"
	default:
		return "none"
	}
}

// go-sdk style surfaces, matching *mcp.Server.
type sdkToolRegistrar interface {
	AddTool(*mcp.Tool, mcp.ToolHandler)
}

type sdkResourceRegistrar interface {
	AddResource(*mcp.Resource, mcp.ResourceHandler)
}

type sdkPromptRegistrar interface {
	AddPrompt(*mcp.Prompt, mcp.PromptHandler)
}

type middlewareRegistrar interface {
	AddReceivingMiddleware(...mcp.Middleware)
}

// ToolHandlerFunc is the registry-style tool handler shape.
type ToolHandlerFunc func(ctx context.Context, input json.RawMessage) (any, error)

// ResourceHandlerFunc is the registry-style resource handler shape.
type ResourceHandlerFunc func(ctx context.Context, uri string) (any, error)

// PromptHandlerFunc is the registry-style prompt handler shape.
type PromptHandlerFunc func(ctx context.Context, args map[string]string) (any, error)

// Registry-style surfaces, name-keyed handler tables.
type toolRegistry interface {
	RegisterTool(name string, h ToolHandlerFunc)
}

type resourceRegistry interface {
	RegisterResource(uri string, h ResourceHandlerFunc)
}

type promptRegistry interface {
	RegisterPrompt(name string, h PromptHandlerFunc)
}

// capabilities records the detected style per operation category.
type capabilities struct {
	tools      style
	resources  style
	prompts    style
	middleware bool
}

// detectCapabilities probes the target for recognized registration
// surfaces. SDK style wins over registry style when a target exposes
// both; a category with neither is left as styleNone and skipped.
func detectCapabilities(target any) capabilities {
	var caps capabilities

	switch target.(type) {
	case sdkToolRegistrar:
		caps.tools = styleSDK
	case toolRegistry:
		caps.tools = styleRegistry
	}
	switch target.(type) {
	case sdkResourceRegistrar:
		caps.resources = styleSDK
	case resourceRegistry:
		caps.resources = styleRegistry
	}
	switch target.(type) {
	case sdkPromptRegistrar:
		caps.prompts = styleSDK
	case promptRegistry:
		caps.prompts = styleRegistry
	}
	_, caps.middleware = target.(middlewareRegistrar)

	return caps
}
