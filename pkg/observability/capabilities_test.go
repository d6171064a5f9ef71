package observability

import (
	"testing"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
)

// fakeSDKServer mimics the go-sdk *mcp.Server registration surface.
type fakeSDKServer struct {
	tools       map[string]mcp.ToolHandler
	resources   map[string]mcp.ResourceHandler
	prompts     map[string]mcp.PromptHandler
	middlewares []mcp.Middleware
}

func newFakeSDKServer() *fakeSDKServer {
	return &fakeSDKServer{
		tools:     make(map[string]mcp.ToolHandler),
		resources: make(map[string]mcp.ResourceHandler),
		prompts:   make(map[string]mcp.PromptHandler),
	}
}

func (f *fakeSDKServer) AddTool(t *mcp.Tool, h mcp.ToolHandler) { f.tools[t.Name] = h }
func (f *fakeSDKServer) AddResource(r *mcp.Resource, h mcp.ResourceHandler) {
	f.resources[r.URI] = h
}
func (f *fakeSDKServer) AddPrompt(p *mcp.Prompt, h mcp.PromptHandler) { f.prompts[p.Name] = h }
func (f *fakeSDKServer) AddReceivingMiddleware(mw ...mcp.Middleware) {
	f.middlewares = append(f.middlewares, mw...)
}

// fakeRegistryServer mimics a name-keyed handler registry.
type fakeRegistryServer struct {
	tools     map[string]ToolHandlerFunc
	resources map[string]ResourceHandlerFunc
	prompts   map[string]PromptHandlerFunc
}

func newFakeRegistryServer() *fakeRegistryServer {
	return &fakeRegistryServer{
		tools:     make(map[string]ToolHandlerFunc),
		resources: make(map[string]ResourceHandlerFunc),
		prompts:   make(map[string]PromptHandlerFunc),
	}
}

func (f *fakeRegistryServer) RegisterTool(name string, h ToolHandlerFunc) { f.tools[name] = h }
func (f *fakeRegistryServer) RegisterResource(uri string, h ResourceHandlerFunc) {
	f.resources[uri] = h
}
func (f *fakeRegistryServer) RegisterPrompt(name string, h PromptHandlerFunc) { f.prompts[name] = h }

// toolOnlyServer exposes a single recognized category.
type toolOnlyServer struct {
	tools map[string]ToolHandlerFunc
}

func (t *toolOnlyServer) RegisterTool(name string, h ToolHandlerFunc) {
	if t.tools == nil {
		t.tools = make(map[string]ToolHandlerFunc)
	}
	t.tools[name] = h
}

// dualStyleServer exposes both styles for tools; detection must prefer
// the sdk style.
type dualStyleServer struct {
	sdkTools      map[string]mcp.ToolHandler
	registryTools map[string]ToolHandlerFunc
}

func (d *dualStyleServer) AddTool(t *mcp.Tool, h mcp.ToolHandler) {
	if d.sdkTools == nil {
		d.sdkTools = make(map[string]mcp.ToolHandler)
	}
	d.sdkTools[t.Name] = h
}

func (d *dualStyleServer) RegisterTool(name string, h ToolHandlerFunc) {
	if d.registryTools == nil {
		d.registryTools = make(map[string]ToolHandlerFunc)
	}
	d.registryTools[name] = h
}

var (
	_ sdkToolRegistrar     = (*fakeSDKServer)(nil)
	_ sdkResourceRegistrar = (*fakeSDKServer)(nil)
	_ sdkPromptRegistrar   = (*fakeSDKServer)(nil)
	_ middlewareRegistrar  = (*fakeSDKServer)(nil)
	_ toolRegistry         = (*fakeRegistryServer)(nil)
	_ resourceRegistry     = (*fakeRegistryServer)(nil)
	_ promptRegistry       = (*fakeRegistryServer)(nil)
)

func TestDetectCapabilities(t *testing.T) {
	tests := []struct {
		name      string
		target    any
		tools     style
		resources style
		prompts   style
		mw        bool
	}{
		{"sdk server", newFakeSDKServer(), styleSDK, styleSDK, styleSDK, true},
		{"registry server", newFakeRegistryServer(), styleRegistry, styleRegistry, styleRegistry, false},
		{"tool-only registry", &toolOnlyServer{}, styleRegistry, styleNone, styleNone, false},
		{"sdk wins over registry", &dualStyleServer{}, styleSDK, styleNone, styleNone, false},
		{"unrecognized", struct{}{}, styleNone, styleNone, styleNone, false},
		{"real go-sdk server", mcp.NewServer(&mcp.Implementation{Name: "t", Version: "1"}, nil), styleSDK, styleSDK, styleSDK, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			caps := detectCapabilities(tt.target)
			assert.Equal(t, tt.tools, caps.tools, "tools")
			assert.Equal(t, tt.resources, caps.resources, "resources")
			assert.Equal(t, tt.prompts, caps.prompts, "prompts")
			assert.Equal(t, tt.mw, caps.middleware, "middleware")
		})
	}
}
