package router

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/agentoven/agentoven/dispatch-plane/pkg/models"
)

// ── OpenAI-compatible chat backend ──────────────────────────

// ChatClient calls an OpenAI-compatible /chat/completions endpoint. Ollama,
// vLLM and most gateways expose the same surface.
type ChatClient struct {
	endpoint string
	apiKey   string
	model    string
	client   *http.Client
}

func NewChatClient(endpoint, apiKey, model string, client *http.Client) *ChatClient {
	if endpoint == "" {
		endpoint = "https://api.openai.com/v1"
	}
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &ChatClient{
		endpoint: strings.TrimRight(endpoint, "/"),
		apiKey:   apiKey,
		model:    model,
		client:   client,
	}
}

type responseFormat struct {
	Type string `json:"type"`
}

type chatRequest struct {
	Model          string               `json:"model"`
	Messages       []models.ChatMessage `json:"messages"`
	MaxTokens      int                  `json:"max_tokens,omitempty"`
	Temperature    float64              `json:"temperature"`
	ResponseFormat *responseFormat      `json:"response_format,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// StatusError is returned for non-2xx answers.
type StatusError struct {
	Status int
	Body   string
}

func (e *StatusError) Error() string   { return fmt.Sprintf("chat completions: status %d: %s", e.Status, e.Body) }
func (e *StatusError) StatusCode() int { return e.Status }

func (c *ChatClient) complete(ctx context.Context, req chatRequest) (string, error) {
	req.Model = c.model
	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("chat completions: marshal: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("chat completions: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("chat completions: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", &StatusError{Status: resp.StatusCode, Body: string(b)}
	}
	var out chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("chat completions: decode response: %w", err)
	}
	if len(out.Choices) == 0 {
		return "", fmt.Errorf("chat completions: no choices returned")
	}
	return out.Choices[0].Message.Content, nil
}

// ── Structured tier ──────────────────────────────────────────

const classifierInstructions = `You route messages for a customer service assistant.
Answer with a single JSON object with the fields:
action_type ("tool_call", "action", "handoff", "reply" or "none"),
tool, arguments, intent_id, confidence (0..1), reply, reason.
Only use tools and intents from the lists below.`

// OpenAIClassifier asks the model for a JSON decision.
type OpenAIClassifier struct {
	chat *ChatClient
}

func NewOpenAIClassifier(chat *ChatClient) *OpenAIClassifier {
	return &OpenAIClassifier{chat: chat}
}

func (c *OpenAIClassifier) Classify(ctx context.Context, req ClassifyRequest) (*Decision, error) {
	var sys strings.Builder
	sys.WriteString(classifierInstructions)
	sys.WriteString("\n\nTools:\n")
	for _, t := range req.Tools {
		schema, _ := json.Marshal(t.InputSchema)
		fmt.Fprintf(&sys, "- %s: %s %s\n", t.Name, t.Description, schema)
	}
	sys.WriteString("\nIntents:\n")
	for _, in := range req.Intents {
		fmt.Fprintf(&sys, "- %s: %s\n", in.ID, in.Name)
	}
	if req.State != nil && req.State.Stage != "" {
		fmt.Fprintf(&sys, "\nConversation stage: %s\n", req.State.Stage)
	}

	msgs := []models.ChatMessage{{Role: "system", Content: sys.String()}}
	msgs = append(msgs, req.History...)
	msgs = append(msgs, models.ChatMessage{Role: "user", Content: req.Text})

	content, err := c.chat.complete(ctx, chatRequest{
		Messages:       msgs,
		ResponseFormat: &responseFormat{Type: "json_object"},
	})
	if err != nil {
		return nil, err
	}
	var dec Decision
	if err := json.Unmarshal([]byte(content), &dec); err != nil {
		return nil, fmt.Errorf("decode decision: %w", err)
	}
	return &dec, nil
}

// ── Generative tier ──────────────────────────────────────────

const generatorInstructions = "You are a concise, friendly customer service assistant. Reply in the user's language in at most two sentences."

type OpenAIGenerator struct {
	chat *ChatClient
}

func NewOpenAIGenerator(chat *ChatClient) *OpenAIGenerator {
	return &OpenAIGenerator{chat: chat}
}

func (g *OpenAIGenerator) Generate(ctx context.Context, prompt string, maxTokens int) (string, error) {
	return g.chat.complete(ctx, chatRequest{
		Messages: []models.ChatMessage{
			{Role: "system", Content: generatorInstructions},
			{Role: "user", Content: prompt},
		},
		MaxTokens:   maxTokens,
		Temperature: 0.3,
	})
}
