package ai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

const defaultOllamaBaseURL = "http://127.0.0.1:11434"

// OllamaClient talks to a local Ollama server.
type OllamaClient struct {
	api endpoint
	// KeepAlive is forwarded so a worker processing a backlog keeps the model
	// loaded between jobs.
	KeepAlive string
}

// NewOllamaClient constructs a client; an empty baseURL means the local default.
func NewOllamaClient(baseURL string) *OllamaClient {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = defaultOllamaBaseURL
	}
	return &OllamaClient{
		api: endpoint{
			provider: "ollama",
			baseURL:  baseURL,
			client:   &http.Client{Timeout: 120 * time.Second},
			errMessage: func(body []byte) string {
				var e struct {
					Error string `json:"error"`
				}
				_ = json.Unmarshal(body, &e)
				return e.Error
			},
		},
		KeepAlive: "10m",
	}
}

// embed posts a batch to /api/embed. Servers older than the batch API answer
// 404 or 405 and are served one prompt at a time through /api/embeddings.
func (c *OllamaClient) embed(ctx context.Context, model string, texts []string, dimensions int) ([][]float32, error) {
	req := struct {
		Model      string   `json:"model"`
		Input      []string `json:"input"`
		Dimensions int      `json:"dimensions,omitempty"`
		KeepAlive  string   `json:"keep_alive,omitempty"`
	}{Model: model, Input: texts, Dimensions: dimensions, KeepAlive: c.KeepAlive}
	var resp struct {
		Embeddings [][]float32 `json:"embeddings"`
	}
	err := c.api.postJSON(ctx, "/api/embed", req, &resp)
	var apiErr *APIError
	if errors.As(err, &apiErr) && (apiErr.StatusCode == http.StatusNotFound || apiErr.StatusCode == http.StatusMethodNotAllowed) {
		return c.embedEach(ctx, model, texts)
	}
	if err != nil {
		return nil, err
	}
	if len(resp.Embeddings) != len(texts) {
		return nil, fmt.Errorf("ollama embed returned %d embeddings for %d inputs", len(resp.Embeddings), len(texts))
	}
	return resp.Embeddings, nil
}

func (c *OllamaClient) embedEach(ctx context.Context, model string, texts []string) ([][]float32, error) {
	out := make([][]float32, 0, len(texts))
	for _, text := range texts {
		var resp struct {
			Embedding []float32 `json:"embedding"`
		}
		req := map[string]string{"model": model, "prompt": text}
		if err := c.api.postJSON(ctx, "/api/embeddings", req, &resp); err != nil {
			return nil, err
		}
		if len(resp.Embedding) == 0 {
			return nil, errors.New("ollama embedding response missing embedding")
		}
		out = append(out, resp.Embedding)
	}
	return out, nil
}

// OllamaEmbedder embeds with a fixed model and output dimension.
type OllamaEmbedder struct {
	client     *OllamaClient
	model      string
	dimensions int
}

func NewOllamaEmbedder(client *OllamaClient, model string, dimensions int) *OllamaEmbedder {
	return &OllamaEmbedder{client: client, model: strings.TrimSpace(model), dimensions: dimensions}
}

func (e *OllamaEmbedder) EmbedText(ctx context.Context, text string) ([]float32, error) {
	if strings.TrimSpace(text) == "" {
		return nil, errors.New("embedding text required")
	}
	out, err := e.EmbedTexts(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return out[0], nil
}

func (e *OllamaEmbedder) EmbedTexts(ctx context.Context, texts []string) ([][]float32, error) {
	if e.model == "" {
		return nil, errors.New("ollama embedding model required")
	}
	if len(texts) == 0 {
		return [][]float32{}, nil
	}
	return e.client.embed(ctx, e.model, texts, e.dimensions)
}

// OllamaGenerator produces text through /api/chat without streaming. A low
// temperature keeps study materials and answers close to the transcript.
type OllamaGenerator struct {
	client      *OllamaClient
	model       string
	Temperature float64
}

func NewOllamaGenerator(client *OllamaClient, model string) *OllamaGenerator {
	return &OllamaGenerator{client: client, model: strings.TrimSpace(model), Temperature: 0.2}
}

type ollamaMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

func (g *OllamaGenerator) GenerateText(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	if g.model == "" {
		return "", errors.New("ollama generation model required")
	}
	messages := make([]ollamaMessage, 0, 2)
	if strings.TrimSpace(systemPrompt) != "" {
		messages = append(messages, ollamaMessage{Role: "system", Content: systemPrompt})
	}
	messages = append(messages, ollamaMessage{Role: "user", Content: userPrompt})

	req := struct {
		Model     string             `json:"model"`
		Messages  []ollamaMessage    `json:"messages"`
		Stream    bool               `json:"stream"`
		KeepAlive string             `json:"keep_alive,omitempty"`
		Options   map[string]float64 `json:"options,omitempty"`
	}{
		Model:     g.model,
		Messages:  messages,
		KeepAlive: g.client.KeepAlive,
		Options:   map[string]float64{"temperature": g.Temperature},
	}
	var resp struct {
		Message ollamaMessage `json:"message"`
	}
	if err := g.client.api.postJSON(ctx, "/api/chat", req, &resp); err != nil {
		return "", fmt.Errorf("ollama generate: %w", err)
	}
	text := strings.TrimSpace(resp.Message.Content)
	if text == "" {
		return "", errors.New("empty response from ollama")
	}
	return text, nil
}
