package tools_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/agentoven/agentoven/dispatch-plane/internal/dispatcher"
	"github.com/agentoven/agentoven/dispatch-plane/internal/tools"
	"github.com/agentoven/agentoven/dispatch-plane/pkg/models"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var call = dispatcher.CallContext{TenantID: "acme", ChatID: "c1"}

func TestHTTPRequestGetJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "abc", r.Header.Get("X-Trace"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"slots":3}`))
	}))
	defer srv.Close()

	h := tools.HTTPRequest(srv.Client())
	res, err := h(context.Background(), map[string]any{
		"url":     srv.URL,
		"headers": map[string]any{"X-Trace": "abc"},
	}, call)
	require.NoError(t, err)

	out := res.(map[string]any)
	assert.Equal(t, 200, out["status"])
	assert.Equal(t, map[string]any{"slots": float64(3)}, out["body"])
	assert.Equal(t, "application/json", out["headers"].(map[string]any)["Content-Type"])
}

func TestHTTPRequestPostBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		b, _ := io.ReadAll(r.Body)
		_, _ = w.Write(b)
	}))
	defer srv.Close()

	res, err := tools.HTTPRequest(nil)(context.Background(), map[string]any{
		"method": "post",
		"url":    srv.URL,
		"body":   map[string]any{"name": "Ana"},
	}, call)
	require.NoError(t, err)
	assert.Equal(t, `{"name":"Ana"}`, res.(map[string]any)["body"])
}

func TestHTTPRequestStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "busy", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := tools.HTTPRequest(nil)(context.Background(), map[string]any{"url": srv.URL}, call)
	var se *dispatcher.StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusServiceUnavailable, se.Status)
}

func TestHTTPRequestRequiresURL(t *testing.T) {
	_, err := tools.HTTPRequest(nil)(context.Background(), map[string]any{}, call)
	assert.Error(t, err)
}

func TestHTTPRequestThroughDispatcherRetries(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	d := dispatcher.New(dispatcher.WithSleep(func(context.Context, time.Duration) error { return nil }))
	_, err := tools.RegisterBuiltins(d, tools.Options{})
	require.NoError(t, err)

	out := d.Invoke(context.Background(), tools.HTTPRequestTool, map[string]any{"url": srv.URL}, call)
	require.True(t, out.Success, out.Error)
	assert.Equal(t, 2, out.Metadata.Attempts)
	assert.Equal(t, "ok", out.Result.(map[string]any)["body"])
}

func TestSendMessage(t *testing.T) {
	var got map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	h := tools.SendMessage(srv.URL, &tools.Auth{Type: "bearer", Token: "tok"}, nil)
	res, err := h(context.Background(), map[string]any{"text": "Lembrete: consulta amanhã"}, call)
	require.NoError(t, err)
	assert.Equal(t, "mensagem enviada", res)
	assert.Equal(t, map[string]string{"tenant_id": "acme", "chat_id": "c1", "text": "Lembrete: consulta amanhã"}, got)

	_, err = h(context.Background(), map[string]any{}, call)
	assert.Error(t, err)
}

func TestSendMessageDescriptorIsSensitive(t *testing.T) {
	assert.True(t, tools.SendMessageDescriptor().Sensitive)
	assert.False(t, tools.HTTPRequestDescriptor().Sensitive)
}

func TestSendMessageRateLimitedUpstream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	_, err := tools.SendMessage(srv.URL, nil, nil)(context.Background(), map[string]any{"text": "x"}, call)
	var se *dispatcher.StatusError
	require.ErrorAs(t, err, &se)
	assert.True(t, dispatcher.TransientStatus(se.Status))
}

// ── Manifest ─────────────────────────────────────────────────

const manifestYAML = `
tools:
  - name: calendar_lookup
    description: Look up free slots
    endpoint: http://calendar.local/mcp
    remote_name: lookup
    config:
      timeout_ms: 5000
      rate_limit:
        enabled: true
        per_tenant_per_minute: 30
  - name: book_slot
    endpoint: http://calendar.local/mcp
    sensitive: true
    auth:
      type: api-key
      header: X-Api-Key
      key: k
`

func TestParseManifest(t *testing.T) {
	m, err := tools.ParseManifest([]byte(manifestYAML))
	require.NoError(t, err)
	require.Len(t, m.Tools, 2)

	lookup := m.Tools[0].Descriptor()
	assert.Equal(t, "calendar_lookup", lookup.Name)
	assert.Equal(t, "lookup", m.Tools[0].RemoteName)
	assert.Equal(t, int64(5000), lookup.Config.TimeoutMs)
	assert.True(t, lookup.Config.RateLimit.Enabled)
	assert.Equal(t, 30, lookup.Config.RateLimit.PerTenantPerMinute)
	// Untouched fields keep their defaults.
	def := models.DefaultToolConfig()
	assert.Equal(t, def.MaxRetries, lookup.Config.MaxRetries)
	assert.Equal(t, def.Breaker, lookup.Config.Breaker)

	book := m.Tools[1]
	assert.Equal(t, "book_slot", book.RemoteName)
	assert.True(t, book.Descriptor().Sensitive)
	assert.Equal(t, def, book.Descriptor().Config)
	require.NotNil(t, book.Auth)
	assert.Equal(t, "X-Api-Key", book.Auth.Header)
}

func TestParseManifestErrors(t *testing.T) {
	for name, doc := range map[string]string{
		"missing name":     "tools:\n  - endpoint: http://x\n",
		"missing endpoint": "tools:\n  - name: a\n",
		"duplicate":        "tools:\n  - {name: a, endpoint: http://x}\n  - {name: a, endpoint: http://y}\n",
		"bad yaml":         "tools: [",
	} {
		_, err := tools.ParseManifest([]byte(doc))
		assert.Error(t, err, name)
	}
}

type recordingRegistrar struct{ names []string }

func (r *recordingRegistrar) Register(desc models.ToolDescriptor, _ dispatcher.Handler) error {
	if desc.Name == "fail" {
		return errors.New("nope")
	}
	r.names = append(r.names, desc.Name)
	return nil
}

func TestRegisterBuiltins(t *testing.T) {
	m, err := tools.ParseManifest([]byte(manifestYAML))
	require.NoError(t, err)

	r := &recordingRegistrar{}
	_, err = tools.RegisterBuiltins(r, tools.Options{Manifest: m})
	assert.Error(t, err, "manifest tools need a remote pool")

	r = &recordingRegistrar{}
	pool := tools.NewRemotePool("test")
	defer pool.Close()
	names, err := tools.RegisterBuiltins(r, tools.Options{MessageWebhookURL: "http://hook", Manifest: m, Remote: pool})
	require.NoError(t, err)
	assert.Equal(t, []string{"http_request", "send_message", "calendar_lookup", "book_slot"}, names)
	assert.Equal(t, names, r.names)
}

// ── Remote MCP tools ─────────────────────────────────────────

func remoteServer(t *testing.T) *httptest.Server {
	t.Helper()
	s := server.NewMCPServer("calendar", "1.0.0", server.WithToolCapabilities(false))
	s.AddTool(mcp.NewTool("lookup", mcp.WithDescription("free slots"), mcp.WithString("day")),
		func(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			day, _ := req.GetArguments()["day"].(string)
			if day == "" {
				return mcp.NewToolResultError("day is required"), nil
			}
			return mcp.NewToolResultText(fmt.Sprintf("3 slots on %s", day)), nil
		})
	srv := httptest.NewServer(server.NewStreamableHTTPServer(s))
	t.Cleanup(srv.Close)
	return srv
}

func TestRemoteTool(t *testing.T) {
	srv := remoteServer(t)
	pool := tools.NewRemotePool("test")
	defer pool.Close()

	h := pool.Tool(srv.URL+"/mcp", "lookup", nil)
	res, err := h(context.Background(), map[string]any{"day": "monday"}, call)
	require.NoError(t, err)
	assert.Equal(t, "3 slots on monday", res)

	// Session is reused.
	res, err = h(context.Background(), map[string]any{"day": "friday"}, call)
	require.NoError(t, err)
	assert.Equal(t, "3 slots on friday", res)
}

func TestRemoteToolErrorResult(t *testing.T) {
	srv := remoteServer(t)
	pool := tools.NewRemotePool("test")
	defer pool.Close()

	_, err := pool.Tool(srv.URL+"/mcp", "lookup", nil)(context.Background(), map[string]any{}, call)
	require.ErrorIs(t, err, tools.ErrRemoteTool)
	assert.Contains(t, err.Error(), "day is required")
	var se *dispatcher.StatusError
	assert.False(t, errors.As(err, &se), "tool errors are not transport errors")
}

func TestRemoteToolUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	pool := tools.NewRemotePool("test")
	defer pool.Close()
	_, err := pool.Tool(url, "lookup", nil)(context.Background(), map[string]any{}, call)
	var se *dispatcher.StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusServiceUnavailable, se.Status)
}
