package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/agentoven/agentoven/dispatch-plane/internal/dispatcher"
	"github.com/agentoven/agentoven/dispatch-plane/pkg/models"
)

// SendMessageDescriptor describes send_message. It is sensitive: the user
// confirms before anything is sent.
func SendMessageDescriptor() models.ToolDescriptor {
	return models.ToolDescriptor{
		Name:        SendMessageTool,
		Description: "enviar a mensagem",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"chat_id": map[string]any{"type": "string", "description": "Defaults to the current chat."},
				"text":    map[string]any{"type": "string"},
			},
			"required": []any{"text"},
		},
		Sensitive: true,
		Config:    models.DefaultToolConfig(),
	}
}

// SendMessage returns the send_message handler, which posts
// {tenant_id, chat_id, text} to a messaging gateway webhook.
func SendMessage(webhookURL string, auth *Auth, client *http.Client) dispatcher.Handler {
	if client == nil {
		client = defaultClient()
	}
	return func(ctx context.Context, args map[string]any, call dispatcher.CallContext) (any, error) {
		text, _ := args["text"].(string)
		if text == "" {
			return nil, fmt.Errorf("send_message: text is required")
		}
		chatID, _ := args["chat_id"].(string)
		if chatID == "" {
			chatID = call.ChatID
		}

		body, err := json.Marshal(map[string]string{
			"tenant_id": call.TenantID,
			"chat_id":   chatID,
			"text":      text,
		})
		if err != nil {
			return nil, fmt.Errorf("send_message: encode: %w", err)
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, webhookURL, bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("send_message: build request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		auth.apply(req)

		resp, err := client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("send_message: %w", err)
		}
		defer resp.Body.Close()
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return nil, dispatcher.NewStatusError(resp.StatusCode, fmt.Errorf("send_message: %s", truncate(raw, 256)))
		}
		return "mensagem enviada", nil
	}
}
