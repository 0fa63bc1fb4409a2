package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"amplified/internal/util"
	"amplified/pkg/ai"
	"amplified/pkg/domain"
	"amplified/pkg/storage"
)

const stageTranscribe = string(domain.JobTranscribe)

// TranscribeStage turns a session recording into a Transcript.
type TranscribeStage struct {
	deps Deps
}

func (s *TranscribeStage) Run(ctx context.Context, job domain.ProcessingJob, cp Checkpoint) error {
	if s.deps.Transcriber == nil {
		return Permanent(stageTranscribe, errors.New("no transcription provider configured"))
	}
	session, ok, err := s.deps.Store.GetSession(ctx, job.SessionID)
	if err != nil {
		return Transient(stageTranscribe, fmt.Errorf("load session: %w", err))
	}
	if !ok {
		return Permanent(stageTranscribe, domain.NotFoundError("session", job.SessionID))
	}
	ref := strings.TrimSpace(session.VideoSourceURL)
	if ref == "" {
		return Permanent(stageTranscribe, errors.New("session has no media"))
	}
	mediaURL := ref
	if s.deps.Media != nil {
		mediaURL, err = s.deps.Media.Resolve(ctx, ref)
		if err != nil {
			if errors.Is(err, storage.ErrInvalidReference) {
				return Permanent(stageTranscribe, err)
			}
			return Transient(stageTranscribe, fmt.Errorf("resolve media: %w", err))
		}
	}

	if err := checkpoint(ctx, cp); err != nil {
		return err
	}
	result, err := s.deps.Transcriber.Transcribe(ctx, mediaURL)
	if err != nil {
		if errors.Is(err, ai.ErrUnsupportedMedia) {
			return Permanent(stageTranscribe, err)
		}
		return Transient(stageTranscribe, fmt.Errorf("transcribe: %w", err))
	}
	if strings.TrimSpace(result.Text) == "" {
		return Permanent(stageTranscribe, errors.New("empty transcript"))
	}
	if result.DurationMs <= 0 {
		return Permanent(stageTranscribe, fmt.Errorf("invalid duration %dms", result.DurationMs))
	}
	if err := checkpoint(ctx, cp); err != nil {
		return err
	}

	transcript := domain.Transcript{
		ID:         util.DerivedID("tr", job.ID),
		SessionID:  session.ID,
		FullText:   strings.TrimSpace(result.Text),
		DurationMs: result.DurationMs,
		Segments:   result.Segments,
		CreatedAt:  s.deps.Now(),
	}
	if err := s.deps.Store.SaveTranscript(ctx, transcript); err != nil {
		return Transient(stageTranscribe, fmt.Errorf("save transcript: %w", err))
	}
	util.LoggerFromContext(ctx).Info("transcript saved",
		"transcript_id", transcript.ID,
		"duration_ms", transcript.DurationMs,
		"segments", len(transcript.Segments),
	)
	return nil
}
