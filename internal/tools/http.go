// Package tools holds the built-in capabilities registered with the
// dispatcher: a generic HTTP call, a messaging send over a webhook and
// proxies for tools hosted on remote MCP servers.
package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/agentoven/agentoven/dispatch-plane/internal/dispatcher"
	"github.com/agentoven/agentoven/dispatch-plane/pkg/models"
)

const (
	HTTPRequestTool = "http_request"
	SendMessageTool = "send_message"

	maxResponseBytes = 1 << 20
)

func defaultClient() *http.Client {
	// Attempt timeouts come from the dispatcher's per-attempt context.
	return &http.Client{Timeout: 60 * time.Second}
}

// HTTPRequestDescriptor describes http_request.
func HTTPRequestDescriptor() models.ToolDescriptor {
	return models.ToolDescriptor{
		Name:        HTTPRequestTool,
		Description: "Perform an HTTP request and return status, headers and body.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"method":  map[string]any{"type": "string", "enum": []any{"GET", "POST", "PUT", "PATCH", "DELETE"}},
				"url":     map[string]any{"type": "string"},
				"headers": map[string]any{"type": "object", "additionalProperties": map[string]any{"type": "string"}},
				"body":    map[string]any{},
			},
			"required": []any{"url"},
		},
		Config: models.DefaultToolConfig(),
	}
}

// HTTPRequest returns the http_request handler. A non-2xx response is
// returned as a dispatcher.StatusError so 429 and 5xx are retried.
func HTTPRequest(client *http.Client) dispatcher.Handler {
	if client == nil {
		client = defaultClient()
	}
	return func(ctx context.Context, args map[string]any, _ dispatcher.CallContext) (any, error) {
		url, _ := args["url"].(string)
		if url == "" {
			return nil, fmt.Errorf("http_request: url is required")
		}
		method, _ := args["method"].(string)
		if method == "" {
			method = http.MethodGet
		}
		method = strings.ToUpper(method)

		body, contentType, err := encodeBody(args["body"])
		if err != nil {
			return nil, err
		}
		req, err := http.NewRequestWithContext(ctx, method, url, body)
		if err != nil {
			return nil, fmt.Errorf("http_request: build request: %w", err)
		}
		if contentType != "" {
			req.Header.Set("Content-Type", contentType)
		}
		if hdrs, ok := args["headers"].(map[string]any); ok {
			for k, v := range hdrs {
				if s, ok := v.(string); ok {
					req.Header.Set(k, s)
				}
			}
		}

		resp, err := client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("http_request: %w", err)
		}
		defer resp.Body.Close()
		raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
		if err != nil {
			return nil, fmt.Errorf("http_request: read response: %w", err)
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return nil, dispatcher.NewStatusError(resp.StatusCode, fmt.Errorf("%s %s: %s", method, url, truncate(raw, 256)))
		}

		headers := make(map[string]any, len(resp.Header))
		for k := range resp.Header {
			headers[k] = resp.Header.Get(k)
		}
		return map[string]any{
			"status":  resp.StatusCode,
			"headers": headers,
			"body":    decodeBody(raw, resp.Header.Get("Content-Type")),
		}, nil
	}
}

func encodeBody(v any) (io.Reader, string, error) {
	switch b := v.(type) {
	case nil:
		return nil, "", nil
	case string:
		return strings.NewReader(b), "text/plain; charset=utf-8", nil
	default:
		data, err := json.Marshal(b)
		if err != nil {
			return nil, "", fmt.Errorf("http_request: encode body: %w", err)
		}
		return bytes.NewReader(data), "application/json", nil
	}
}

// decodeBody returns parsed JSON for JSON responses and the raw string
// otherwise.
func decodeBody(raw []byte, contentType string) any {
	if strings.Contains(contentType, "json") {
		var v any
		if err := json.Unmarshal(raw, &v); err == nil {
			return v
		}
	}
	return string(raw)
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "…"
}
