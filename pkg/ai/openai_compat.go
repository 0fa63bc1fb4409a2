package ai

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// OpenAICompatClient calls any OpenAI-compatible /v1 API (vLLM, LiteLLM,
// LocalAI, OpenRouter, hosted OpenAI).
type OpenAICompatClient struct {
	api endpoint
}

// NewOpenAICompatClient builds a client. baseURL includes the /v1 prefix;
// apiKey may be empty for local servers.
func NewOpenAICompatClient(baseURL, apiKey string) *OpenAICompatClient {
	header := http.Header{}
	if key := strings.TrimSpace(apiKey); key != "" {
		header.Set("Authorization", "Bearer "+key)
	}
	return &OpenAICompatClient{api: endpoint{
		provider: "openai-compat",
		baseURL:  strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		header:   header,
		client:   &http.Client{Timeout: 120 * time.Second},
		errMessage: func(body []byte) string {
			var e oaiErrorResponse
			_ = json.Unmarshal(body, &e)
			return e.Error.Message
		},
	}}
}

func (c *OpenAICompatClient) doJSON(ctx context.Context, path string, payload, out any) error {
	return c.api.postJSON(ctx, path, payload, out)
}

func (c *OpenAICompatClient) do(ctx context.Context, path, contentType string, body io.Reader, out any) error {
	return c.api.post(ctx, path, contentType, body, out)
}

// OpenAICompatGenerator implements TextGenerator with /chat/completions.
type OpenAICompatGenerator struct {
	client *OpenAICompatClient
	model  string
}

// NewOpenAICompatGenerator builds an OpenAI-compatible TextGenerator.
func NewOpenAICompatGenerator(client *OpenAICompatClient, model string) *OpenAICompatGenerator {
	return &OpenAICompatGenerator{client: client, model: strings.TrimSpace(model)}
}

// GenerateText implements TextGenerator using the OpenAI chat completions API.
func (g *OpenAICompatGenerator) GenerateText(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	if g.model == "" {
		return "", fmt.Errorf("openai-compat generation model required")
	}
	messages := make([]oaiMessage, 0, 2)
	if strings.TrimSpace(systemPrompt) != "" {
		messages = append(messages, oaiMessage{Role: "system", Content: systemPrompt})
	}
	messages = append(messages, oaiMessage{Role: "user", Content: userPrompt})

	var chatResp oaiChatResponse
	if err := g.client.doJSON(ctx, "/chat/completions", oaiChatRequest{Model: g.model, Messages: messages}, &chatResp); err != nil {
		return "", err
	}
	if len(chatResp.Choices) == 0 {
		return "", fmt.Errorf("empty response from openai-compat api")
	}
	text := strings.TrimSpace(chatResp.Choices[0].Message.Content)
	if text == "" {
		return "", fmt.Errorf("empty response from openai-compat api")
	}
	return text, nil
}

// OpenAICompatEmbedder implements Embedder and BatchEmbedder with /embeddings.
type OpenAICompatEmbedder struct {
	client     *OpenAICompatClient
	model      string
	dimensions int
}

// NewOpenAICompatEmbedder builds an OpenAI-compatible embedder.
func NewOpenAICompatEmbedder(client *OpenAICompatClient, model string, dimensions int) *OpenAICompatEmbedder {
	return &OpenAICompatEmbedder{client: client, model: strings.TrimSpace(model), dimensions: dimensions}
}

func (e *OpenAICompatEmbedder) EmbedText(ctx context.Context, text string) ([]float32, error) {
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("embedding text required")
	}
	out, err := e.EmbedTexts(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return out[0], nil
}

func (e *OpenAICompatEmbedder) EmbedTexts(ctx context.Context, texts []string) ([][]float32, error) {
	if e.model == "" {
		return nil, fmt.Errorf("openai-compat embedding model required")
	}
	if len(texts) == 0 {
		return [][]float32{}, nil
	}
	req := oaiEmbeddingRequest{Model: e.model, Input: texts}
	if e.dimensions > 0 {
		req.Dimensions = e.dimensions
	}
	var resp oaiEmbeddingResponse
	if err := e.client.doJSON(ctx, "/embeddings", req, &resp); err != nil {
		return nil, err
	}
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("openai-compat returned %d embeddings for %d inputs", len(resp.Data), len(texts))
	}
	out := make([][]float32, len(texts))
	for _, item := range resp.Data {
		if item.Index < 0 || item.Index >= len(out) {
			return nil, fmt.Errorf("openai-compat embedding index %d out of range", item.Index)
		}
		out[item.Index] = item.Embedding
	}
	return out, nil
}

// OpenAI-compatible request/response types.

type oaiMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type oaiChatRequest struct {
	Model    string       `json:"model"`
	Messages []oaiMessage `json:"messages"`
}

type oaiChatResponse struct {
	Choices []struct {
		Message oaiMessage `json:"message"`
	} `json:"choices"`
}

type oaiEmbeddingRequest struct {
	Model      string   `json:"model"`
	Input      []string `json:"input"`
	Dimensions int      `json:"dimensions,omitempty"`
}

type oaiEmbeddingResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

type oaiErrorResponse struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}
