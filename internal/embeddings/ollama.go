package embeddings

import (
	"context"
	"net/http"
	"strings"
	"time"
)

// OllamaDriver talks to a local Ollama /api/embed endpoint.
type OllamaDriver struct {
	endpoint   string
	model      string
	dimensions int
	batchSize  int
	client     *http.Client
}

type OllamaOption func(*OllamaDriver)

func WithOllamaBatchSize(size int) OllamaOption {
	return func(d *OllamaDriver) { d.batchSize = size }
}

func WithOllamaHTTPClient(c *http.Client) OllamaOption {
	return func(d *OllamaDriver) { d.client = c }
}

func NewOllamaDriver(endpoint, model string, opts ...OllamaOption) *OllamaDriver {
	if endpoint == "" {
		endpoint = "http://localhost:11434"
	}
	if model == "" {
		model = "nomic-embed-text"
	}
	dims := 768
	switch model {
	case "mxbai-embed-large":
		dims = 1024
	case "all-minilm", "all-minilm:l6-v2":
		dims = 384
	}
	d := &OllamaDriver{
		endpoint:   strings.TrimRight(endpoint, "/"),
		model:      model,
		dimensions: dims,
		batchSize:  128,
		client:     &http.Client{Timeout: 60 * time.Second},
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *OllamaDriver) Kind() string    { return "ollama" }
func (d *OllamaDriver) Dimensions() int { return d.dimensions }

type ollamaEmbedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type ollamaEmbedResponse struct {
	Embeddings [][]float64 `json:"embeddings"`
}

func (d *OllamaDriver) Embed(ctx context.Context, texts []string) ([][]float64, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	return embedBatched(ctx, texts, d.batchSize, func(ctx context.Context, batch []string) ([][]float64, error) {
		var result ollamaEmbedResponse
		if err := postJSON(ctx, d.client, d.Kind(), d.endpoint+"/api/embed", nil, ollamaEmbedRequest{Model: d.model, Input: batch}, &result); err != nil {
			return nil, err
		}
		return result.Embeddings, nil
	})
}

func (d *OllamaDriver) HealthCheck(ctx context.Context) error {
	_, err := d.Embed(ctx, []string{"health check"})
	return err
}
