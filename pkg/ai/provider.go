package ai

import (
	"fmt"
	"strings"
)

// Provider names accepted by NewProvider.
const (
	ProviderOllama    = "ollama"
	ProviderOpenAI    = "openai"
	ProviderLangchain = "langchain"
)

// Config selects and configures the model backends.
type Config struct {
	Provider             string
	BaseURL              string
	APIKey               string
	EmbeddingModel       string
	EmbeddingDim         int
	GenerationModel      string
	TranscriptionBaseURL string
	TranscriptionAPIKey  string
	TranscriptionModel   string
}

// Provider bundles the clients used by the pipeline and the retrieval engine.
type Provider struct {
	Embedder    Embedder
	Generator   TextGenerator
	Transcriber Transcriber
}

// NewProvider builds embedder, generator and transcriber for cfg.Provider.
// Transcription always goes through an OpenAI-compatible endpoint; it
// defaults to BaseURL unless the provider is Ollama, which has none.
func NewProvider(cfg Config) (Provider, error) {
	name := strings.ToLower(strings.TrimSpace(cfg.Provider))
	if name == "" {
		name = ProviderOllama
	}
	if strings.TrimSpace(cfg.EmbeddingModel) == "" {
		return Provider{}, fmt.Errorf("embedding model required")
	}
	if strings.TrimSpace(cfg.GenerationModel) == "" {
		return Provider{}, fmt.Errorf("generation model required")
	}

	var p Provider
	switch name {
	case ProviderOllama:
		if cfg.EmbeddingDim <= 0 {
			return Provider{}, fmt.Errorf("embedding dim required for ollama")
		}
		ollama := NewOllamaClient(cfg.BaseURL)
		p.Embedder = NewOllamaEmbedder(ollama, cfg.EmbeddingModel, cfg.EmbeddingDim)
		p.Generator = NewOllamaGenerator(ollama, cfg.GenerationModel)
	case ProviderOpenAI:
		if strings.TrimSpace(cfg.BaseURL) == "" {
			return Provider{}, fmt.Errorf("base url required for openai provider")
		}
		client := NewOpenAICompatClient(cfg.BaseURL, cfg.APIKey)
		p.Embedder = NewOpenAICompatEmbedder(client, cfg.EmbeddingModel, cfg.EmbeddingDim)
		p.Generator = NewOpenAICompatGenerator(client, cfg.GenerationModel)
	case ProviderLangchain:
		lc := LangchainConfig{
			BaseURL:         cfg.BaseURL,
			APIKey:          cfg.APIKey,
			EmbeddingModel:  cfg.EmbeddingModel,
			GenerationModel: cfg.GenerationModel,
		}
		embedder, err := NewLangchainEmbedder(lc)
		if err != nil {
			return Provider{}, err
		}
		generator, err := NewLangchainGenerator(lc)
		if err != nil {
			return Provider{}, err
		}
		p.Embedder = embedder
		p.Generator = generator
	default:
		return Provider{}, fmt.Errorf("unknown ai provider: %s", name)
	}

	transcriptionURL := strings.TrimSpace(cfg.TranscriptionBaseURL)
	transcriptionKey := strings.TrimSpace(cfg.TranscriptionAPIKey)
	if transcriptionURL == "" && name != ProviderOllama {
		transcriptionURL = cfg.BaseURL
	}
	if transcriptionKey == "" {
		transcriptionKey = cfg.APIKey
	}
	if transcriptionURL != "" {
		p.Transcriber = NewOpenAICompatTranscriber(NewOpenAICompatClient(transcriptionURL, transcriptionKey), cfg.TranscriptionModel)
	}
	return p, nil
}
