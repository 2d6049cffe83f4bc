// Package mcpgw exposes the dispatcher's tools over the Model Context
// Protocol. tools/list mirrors the registry and tools/call goes through
// Dispatcher.Invoke, so MCP clients get the same retry, rate limiting and
// breaker behavior as the conversation runtime.
package mcpgw

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"github.com/agentoven/agentoven/dispatch-plane/internal/dispatcher"
	"github.com/agentoven/agentoven/dispatch-plane/pkg/models"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/rs/zerolog/log"
)

const (
	DefaultTenant = "default"
	TenantHeader  = "X-Tenant"
	ChatHeader    = "X-Chat-ID"

	// ConfirmedArg must be true in the arguments of a sensitive tool call.
	// It is stripped before the tool runs.
	ConfirmedArg = "confirmed"
	// ErrConfirmationRequired is the error_kind of a refused sensitive call.
	ErrConfirmationRequired = "confirmation_required"
)

// Tools is the dispatcher surface the gateway needs.
type Tools interface {
	List() []models.ToolDescriptor
	Invoke(ctx context.Context, name string, args map[string]any, call dispatcher.CallContext) models.ToolInvocationOutcome
}

type callKey struct{}

// WithCall attaches the caller identity used for tools/call.
func WithCall(ctx context.Context, call dispatcher.CallContext) context.Context {
	return context.WithValue(ctx, callKey{}, call)
}

// CallFrom returns the caller identity, defaulting the tenant.
func CallFrom(ctx context.Context) dispatcher.CallContext {
	call, _ := ctx.Value(callKey{}).(dispatcher.CallContext)
	if call.TenantID == "" {
		call.TenantID = DefaultTenant
	}
	return call
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithTenantFrom sets how Handler resolves the tenant of an HTTP request.
// The default reads the X-Tenant header.
func WithTenantFrom(fn func(r *http.Request) string) Option {
	return func(g *Gateway) { g.tenantFrom = fn }
}

func headerTenant(r *http.Request) string {
	return r.Header.Get(TenantHeader)
}

// Gateway is the MCP server in front of the dispatcher.
type Gateway struct {
	tools      Tools
	srv        *server.MCPServer
	tenantFrom func(r *http.Request) string

	mu         sync.Mutex
	registered map[string]models.ToolDescriptor
}

func New(tools Tools, version string, opts ...Option) *Gateway {
	g := &Gateway{
		tools: tools,
		srv: server.NewMCPServer("dispatch-plane", version,
			server.WithToolCapabilities(true),
			server.WithRecovery(),
		),
		tenantFrom: headerTenant,
		registered: make(map[string]models.ToolDescriptor),
	}
	for _, o := range opts {
		o(g)
	}
	g.Sync()
	return g
}

// Server returns the underlying MCP server.
func (g *Gateway) Server() *server.MCPServer { return g.srv }

// Sync mirrors the dispatcher registry into the MCP tool list. Call it
// after registering or removing tools.
func (g *Gateway) Sync() {
	g.mu.Lock()
	defer g.mu.Unlock()

	current := make(map[string]bool)
	for _, desc := range g.tools.List() {
		current[desc.Name] = true
		if prev, ok := g.registered[desc.Name]; ok && sameTool(prev, desc) {
			continue
		}
		g.srv.AddTool(toMCPTool(desc), g.callHandler(desc))
		g.registered[desc.Name] = desc
	}

	var stale []string
	for name := range g.registered {
		if !current[name] {
			stale = append(stale, name)
			delete(g.registered, name)
		}
	}
	if len(stale) > 0 {
		g.srv.DeleteTools(stale...)
	}
	log.Debug().Int("tools", len(g.registered)).Strs("removed", stale).Msg("MCP tool list synced")
}

func sameTool(a, b models.ToolDescriptor) bool {
	if a.Description != b.Description || a.Sensitive != b.Sensitive {
		return false
	}
	sa, _ := json.Marshal(a.InputSchema)
	sb, _ := json.Marshal(b.InputSchema)
	return string(sa) == string(sb)
}

func toMCPTool(desc models.ToolDescriptor) mcp.Tool {
	schema := desc.InputSchema
	if schema == nil {
		schema = map[string]any{"type": "object"}
	}
	raw, err := json.Marshal(schema)
	if err != nil {
		raw = []byte(`{"type":"object"}`)
	}
	tool := mcp.NewToolWithRawSchema(desc.Name, desc.Description, raw)
	if desc.Sensitive {
		destructive := true
		tool.Annotations.DestructiveHint = &destructive
	}
	return tool
}

// callHandler runs a tools/call through the dispatcher. Failures become an
// isError result whose text is a JSON object with error_kind, error and
// metadata. Sensitive tools run only when the arguments carry
// "confirmed": true.
func (g *Gateway) callHandler(desc models.ToolDescriptor) server.ToolHandlerFunc {
	name := desc.Name
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		call := CallFrom(ctx)
		args := req.GetArguments()
		if desc.Sensitive {
			if ok, _ := args[ConfirmedArg].(bool); !ok {
				log.Warn().Str("tenant", call.TenantID).Str("tool", name).Msg("Refused unconfirmed sensitive MCP call")
				body, _ := json.Marshal(map[string]any{
					"error_kind": ErrConfirmationRequired,
					"error":      "tool " + name + " is sensitive; pass confirmed: true or go through the conversation",
				})
				return mcp.NewToolResultError(string(body)), nil
			}
			args = withoutConfirmed(args)
		}
		out := g.tools.Invoke(ctx, name, args, call)
		if !out.Success {
			body, _ := json.Marshal(map[string]any{
				"error_kind": out.ErrorKind,
				"error":      out.Error,
				"metadata":   out.Metadata,
			})
			return mcp.NewToolResultError(string(body)), nil
		}
		if s, ok := out.Result.(string); ok {
			return mcp.NewToolResultText(s), nil
		}
		body, err := json.Marshal(out.Result)
		if err != nil {
			return mcp.NewToolResultError(`{"error_kind":"handler_error","error":"result is not JSON-encodable"}`), nil
		}
		return mcp.NewToolResultText(string(body)), nil
	}
}

func withoutConfirmed(args map[string]any) map[string]any {
	out := make(map[string]any, len(args))
	for k, v := range args {
		if k != ConfirmedArg {
			out[k] = v
		}
	}
	return out
}

// HandleMessage processes one raw JSON-RPC message on behalf of call. It returns
// nil for notifications.
func (g *Gateway) HandleMessage(ctx context.Context, call dispatcher.CallContext, raw json.RawMessage) mcp.JSONRPCMessage {
	return g.srv.HandleMessage(WithCall(ctx, call), raw)
}

// Handler serves MCP over streamable HTTP. The tenant comes from the
// configured resolver, the chat from X-Chat-ID.
func (g *Gateway) Handler() http.Handler {
	return server.NewStreamableHTTPServer(g.srv,
		server.WithHTTPContextFunc(func(ctx context.Context, r *http.Request) context.Context {
			return WithCall(ctx, dispatcher.CallContext{
				TenantID: g.tenantFrom(r),
				ChatID:   r.Header.Get(ChatHeader),
			})
		}),
	)
}
