package ai

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
	"github.com/tmc/langchaingo/schema"
)

// LangchainConfig configures the langchaingo-backed provider.
type LangchainConfig struct {
	BaseURL         string
	APIKey          string
	EmbeddingModel  string
	GenerationModel string
}

func newLangchainClient(cfg LangchainConfig) (*openai.LLM, error) {
	token := strings.TrimSpace(cfg.APIKey)
	if token == "" {
		// local OpenAI-compatible services accept any token
		token = "none"
	}
	opts := []openai.Option{openai.WithToken(token)}
	if base := strings.TrimSpace(cfg.BaseURL); base != "" {
		opts = append(opts, openai.WithBaseURL(base))
	}
	if model := strings.TrimSpace(cfg.EmbeddingModel); model != "" {
		opts = append(opts, openai.WithEmbeddingModel(model))
	}
	if model := strings.TrimSpace(cfg.GenerationModel); model != "" {
		opts = append(opts, openai.WithModel(model))
	}
	return openai.New(opts...)
}

// LangchainEmbedder implements Embedder through langchaingo.
type LangchainEmbedder struct {
	embedder embeddings.Embedder
	logger   *slog.Logger
}

// NewLangchainEmbedder builds an embedder over an OpenAI-compatible endpoint.
func NewLangchainEmbedder(cfg LangchainConfig) (*LangchainEmbedder, error) {
	client, err := newLangchainClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("langchain client: %w", err)
	}
	embedder, err := embeddings.NewEmbedder(client, embeddings.WithStripNewLines(true))
	if err != nil {
		return nil, fmt.Errorf("langchain embedder: %w", err)
	}
	return &LangchainEmbedder{
		embedder: embedder,
		logger:   slog.Default().With("component", "langchain-embedder"),
	}, nil
}

func (e *LangchainEmbedder) EmbedText(ctx context.Context, text string) ([]float32, error) {
	vec, err := e.embedder.EmbedQuery(ctx, text)
	if err != nil {
		e.logger.Error("failed to generate embedding", "err", err)
		return nil, err
	}
	return vec, nil
}

func (e *LangchainEmbedder) EmbedTexts(ctx context.Context, texts []string) ([][]float32, error) {
	e.logger.Debug("generating embeddings for texts", "count", len(texts))
	out, err := e.embedder.EmbedDocuments(ctx, texts)
	if err != nil {
		e.logger.Error("failed to generate embeddings", "count", len(texts), "err", err)
		return nil, err
	}
	if len(out) != len(texts) {
		return nil, fmt.Errorf("langchain returned %d embeddings for %d inputs", len(out), len(texts))
	}
	return out, nil
}

// LangchainGenerator implements TextGenerator through langchaingo.
type LangchainGenerator struct {
	client      llms.Model
	temperature float64
}

// NewLangchainGenerator builds a generator over an OpenAI-compatible endpoint.
func NewLangchainGenerator(cfg LangchainConfig) (*LangchainGenerator, error) {
	client, err := newLangchainClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("langchain client: %w", err)
	}
	return &LangchainGenerator{client: client, temperature: 0.2}, nil
}

func (g *LangchainGenerator) GenerateText(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	content := make([]llms.MessageContent, 0, 2)
	if strings.TrimSpace(systemPrompt) != "" {
		content = append(content, llms.MessageContent{
			Role:  schema.ChatMessageTypeSystem,
			Parts: []llms.ContentPart{llms.TextPart(systemPrompt)},
		})
	}
	content = append(content, llms.MessageContent{
		Role:  schema.ChatMessageTypeHuman,
		Parts: []llms.ContentPart{llms.TextPart(userPrompt)},
	})
	resp, err := g.client.GenerateContent(ctx, content, llms.WithTemperature(g.temperature))
	if err != nil {
		return "", fmt.Errorf("langchain generate: %w", err)
	}
	if len(resp.Choices) == 0 || strings.TrimSpace(resp.Choices[0].Content) == "" {
		return "", fmt.Errorf("empty response from langchain model")
	}
	return strings.TrimSpace(resp.Choices[0].Content), nil
}
