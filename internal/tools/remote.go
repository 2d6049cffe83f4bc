package tools

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/agentoven/agentoven/dispatch-plane/internal/dispatcher"
	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/rs/zerolog/log"
)

// ErrRemoteTool is wrapped by errors the remote server reported in a tool
// result, as opposed to transport failures.
var ErrRemoteTool = errors.New("remote tool error")

// RemotePool keeps one MCP client session per remote endpoint. Sessions are
// opened on first use and dropped after a transport failure so the next
// call reconnects.
type RemotePool struct {
	mu       sync.Mutex
	sessions map[string]*remoteSession
	version  string
}

type remoteSession struct {
	mu     sync.Mutex
	client *mcpclient.Client
}

func NewRemotePool(version string) *RemotePool {
	return &RemotePool{sessions: make(map[string]*remoteSession), version: version}
}

func (p *RemotePool) session(endpoint string) *remoteSession {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.sessions[endpoint]
	if !ok {
		s = &remoteSession{}
		p.sessions[endpoint] = s
	}
	return s
}

// connect returns a ready client for endpoint, opening it if needed.
func (p *RemotePool) connect(ctx context.Context, endpoint string, headers map[string]string) (*mcpclient.Client, error) {
	s := p.session(endpoint)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client != nil {
		return s.client, nil
	}

	var opts []transport.StreamableHTTPCOption
	if len(headers) > 0 {
		opts = append(opts, transport.WithHTTPHeaders(headers))
	}
	c, err := mcpclient.NewStreamableHttpClient(endpoint, opts...)
	if err != nil {
		return nil, fmt.Errorf("create client: %w", err)
	}
	// The session outlives the call that opened it.
	if err := c.Start(context.Background()); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("start transport: %w", err)
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcp.Implementation{Name: "dispatch-plane", Version: p.version}
	if _, err := c.Initialize(ctx, initReq); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("initialize: %w", err)
	}

	log.Info().Str("endpoint", endpoint).Msg("Remote MCP session opened")
	s.client = c
	return c, nil
}

func (p *RemotePool) drop(endpoint string, c *mcpclient.Client) {
	s := p.session(endpoint)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client == c {
		_ = s.client.Close()
		s.client = nil
	}
}

// Close ends every open session.
func (p *RemotePool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var errs []error
	for endpoint, s := range p.sessions {
		s.mu.Lock()
		if s.client != nil {
			if err := s.client.Close(); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", endpoint, err))
			}
			s.client = nil
		}
		s.mu.Unlock()
	}
	return errors.Join(errs...)
}

// Tool returns a handler that calls remoteName on endpoint. Transport
// failures surface as 503 so the dispatcher retries them and counts them
// toward the breaker; an isError result is a plain handler error.
func (p *RemotePool) Tool(endpoint, remoteName string, auth *Auth) dispatcher.Handler {
	headers := auth.headers()
	return func(ctx context.Context, args map[string]any, _ dispatcher.CallContext) (any, error) {
		c, err := p.connect(ctx, endpoint, headers)
		if err != nil {
			return nil, dispatcher.NewStatusError(http.StatusServiceUnavailable, fmt.Errorf("remote %s: %w", remoteName, err))
		}

		req := mcp.CallToolRequest{}
		req.Params.Name = remoteName
		req.Params.Arguments = args
		res, err := c.CallTool(ctx, req)
		if err != nil {
			if ctx.Err() == nil {
				p.drop(endpoint, c)
			}
			return nil, dispatcher.NewStatusError(http.StatusServiceUnavailable, fmt.Errorf("remote %s: %w", remoteName, err))
		}

		text := resultText(res)
		if res.IsError {
			return nil, fmt.Errorf("%w: %s: %s", ErrRemoteTool, remoteName, text)
		}
		return text, nil
	}
}

func resultText(res *mcp.CallToolResult) string {
	var parts []string
	for _, c := range res.Content {
		switch tc := c.(type) {
		case mcp.TextContent:
			parts = append(parts, tc.Text)
		case *mcp.TextContent:
			parts = append(parts, tc.Text)
		}
	}
	return strings.Join(parts, "\n")
}
