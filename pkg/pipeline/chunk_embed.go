package pipeline

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"amplified/internal/util"
	"amplified/pkg/ai"
	"amplified/pkg/domain"
)

const stageChunkEmbed = string(domain.JobChunkEmbed)

// ChunkEmbedStage chunks the session's current transcript and embeds every chunk.
type ChunkEmbedStage struct {
	deps Deps
}

func (s *ChunkEmbedStage) Run(ctx context.Context, job domain.ProcessingJob, cp Checkpoint) error {
	if s.deps.Embedder == nil {
		return Permanent(stageChunkEmbed, errors.New("no embedding provider configured"))
	}
	transcript, ok, err := s.deps.Store.CurrentTranscript(ctx, job.SessionID)
	if err != nil {
		return Transient(stageChunkEmbed, fmt.Errorf("load transcript: %w", err))
	}
	if !ok {
		return Permanent(stageChunkEmbed, fmt.Errorf("session %s has no transcript", job.SessionID))
	}
	chunks := BuildChunks(transcript, s.deps.Chunking)
	if len(chunks) == 0 {
		return Permanent(stageChunkEmbed, fmt.Errorf("transcript %s produced no chunks", transcript.ID))
	}

	if err := checkpoint(ctx, cp); err != nil {
		return err
	}
	if err := s.embed(ctx, chunks); err != nil {
		return Transient(stageChunkEmbed, err)
	}
	if err := checkpoint(ctx, cp); err != nil {
		return err
	}

	now := s.deps.Now()
	for i := range chunks {
		chunks[i].CreatedAt = now
	}
	if err := s.deps.Store.ReplaceChunks(ctx, transcript.ID, chunks); err != nil {
		return Transient(stageChunkEmbed, fmt.Errorf("store chunks: %w", err))
	}
	util.LoggerFromContext(ctx).Info("chunks stored", "transcript_id", transcript.ID, "chunks", len(chunks))
	return nil
}

// embed fills Embedding on each chunk, batching provider calls with bounded concurrency.
func (s *ChunkEmbedStage) embed(ctx context.Context, chunks []domain.TranscriptChunk) error {
	cfg := s.deps.Chunking
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(cfg.EmbedConcurrency)
	for start := 0; start < len(chunks); start += cfg.EmbedBatchSize {
		end := start + cfg.EmbedBatchSize
		if end > len(chunks) {
			end = len(chunks)
		}
		batch := chunks[start:end]
		g.Go(func() error {
			texts := make([]string, 0, len(batch))
			for _, c := range batch {
				texts = append(texts, c.Text)
			}
			vectors, err := ai.EmbedAll(gctx, s.deps.Embedder, texts)
			if err != nil {
				return fmt.Errorf("embed chunks: %w", err)
			}
			if len(vectors) != len(batch) {
				return fmt.Errorf("embedding count mismatch: got %d, want %d", len(vectors), len(batch))
			}
			for i, vec := range vectors {
				if len(vec) == 0 {
					return fmt.Errorf("empty embedding for chunk %s", batch[i].ID)
				}
				batch[i].Embedding = vec
			}
			return nil
		})
	}
	return g.Wait()
}
