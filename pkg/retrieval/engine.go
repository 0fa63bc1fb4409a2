// Package retrieval answers student questions from transcript chunks and
// cites the chunks it used.
package retrieval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"amplified/pkg/ai"
	"amplified/pkg/domain"
	"amplified/pkg/store"
)

const (
	defaultTopK     = 5
	defaultMinScore = 0.5

	// NoGroundedAnswer is returned when no chunk scores above the floor.
	NoGroundedAnswer = "I couldn't find anything in the session recordings that answers this question."

	systemPrompt = "You are a tutoring assistant. Answer only from the numbered transcript excerpts. " +
		"Cite excerpts by their number. If the excerpts do not answer the question, say so."
)

// ProviderError marks a failure of the embedding or answer provider.
type ProviderError struct {
	Op  string
	Err error
}

func (e *ProviderError) Error() string { return fmt.Sprintf("%s: %v", e.Op, e.Err) }

func (e *ProviderError) Unwrap() error { return e.Err }

// Config tunes ranking.
type Config struct {
	TopK int
	// MinScore is the relevance floor; nil means 0.5. Zero is a valid floor.
	MinScore *float64
}

// Engine answers questions over the current chunks in a Store.
type Engine struct {
	store     store.Store
	embedder  ai.Embedder
	generator ai.TextGenerator
	topK      int
	minScore  float64
	logger    *slog.Logger
}

// NewEngine builds an Engine; unset config values fall back to top 5 above 0.5.
func NewEngine(st store.Store, embedder ai.Embedder, generator ai.TextGenerator, cfg Config, logger *slog.Logger) (*Engine, error) {
	if st == nil || embedder == nil || generator == nil {
		return nil, errors.New("retrieval engine requires store, embedder and generator")
	}
	if cfg.TopK <= 0 {
		cfg.TopK = defaultTopK
	}
	minScore := defaultMinScore
	if cfg.MinScore != nil {
		if *cfg.MinScore < 0 || *cfg.MinScore > 1 {
			return nil, fmt.Errorf("%w: min score %v outside [0, 1]", domain.ErrValidation, *cfg.MinScore)
		}
		minScore = *cfg.MinScore
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:     st,
		embedder:  embedder,
		generator: generator,
		topK:      cfg.TopK,
		minScore:  minScore,
		logger:    logger.With("component", "retrieval"),
	}, nil
}

// Answer ranks the current chunks of sessionID (all sessions when nil) and
// asks the generator to answer from the best ones. A present but blank
// session id is rejected.
func (e *Engine) Answer(ctx context.Context, question string, sessionID *string) (domain.ChatResponse, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return domain.ChatResponse{}, fmt.Errorf("%w: question required", domain.ErrValidation)
	}
	var scope *string
	if sessionID != nil {
		id := strings.TrimSpace(*sessionID)
		if id == "" {
			return domain.ChatResponse{}, fmt.Errorf("%w: session_id must not be empty; omit it to search every session", domain.ErrValidation)
		}
		_, ok, err := e.store.GetSession(ctx, id)
		if err != nil {
			return domain.ChatResponse{}, fmt.Errorf("load session: %w", err)
		}
		if !ok {
			return domain.ChatResponse{}, domain.NotFoundError("session", id)
		}
		scope = &id
	}

	query, err := e.embedder.EmbedText(ctx, question)
	if err != nil {
		return domain.ChatResponse{}, &ProviderError{Op: "embed question", Err: err}
	}
	candidates, err := e.store.SearchChunks(ctx, query, scope, e.topK)
	if err != nil {
		return domain.ChatResponse{}, fmt.Errorf("search chunks: %w", err)
	}
	top := SelectTop(Rank(query, candidates), e.topK, e.minScore)
	if len(top) == 0 {
		e.logger.Info("no grounded answer", "session_id", deref(scope), "candidates", len(candidates))
		return domain.ChatResponse{Answer: NoGroundedAnswer, Citations: []domain.ChatCitation{}, Grounded: false}, nil
	}

	answer, err := e.generator.GenerateText(ctx, systemPrompt, buildPrompt(question, top))
	if err != nil {
		return domain.ChatResponse{}, &ProviderError{Op: "generate answer", Err: err}
	}
	citations := make([]domain.ChatCitation, 0, len(top))
	for _, s := range top {
		citations = append(citations, domain.ChatCitation{ChunkID: s.Chunk.ID, Score: s.Score})
	}
	return domain.ChatResponse{Answer: strings.TrimSpace(answer), Citations: citations, Grounded: true}, nil
}

func buildPrompt(question string, top []Scored) string {
	var sb strings.Builder
	sb.WriteString("Question: ")
	sb.WriteString(question)
	sb.WriteString("\n\nExcerpts:\n")
	for i, s := range top {
		fmt.Fprintf(&sb, "[%d] (%s-%s) %s\n\n", i+1, clock(s.Chunk.StartMs), clock(s.Chunk.EndMs), s.Chunk.Text)
	}
	return sb.String()
}

func clock(ms int64) string {
	sec := ms / 1000
	return fmt.Sprintf("%02d:%02d", sec/60, sec%60)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
