package store

import (
	"context"
	"time"

	"amplified/pkg/domain"
)

// Store defines persistence operations for sessions, transcripts, chunks and materials.
type Store interface {
	// sessions
	SaveSession(ctx context.Context, s domain.Session) error
	GetSession(ctx context.Context, id string) (domain.Session, bool, error)

	// transcripts
	// SaveTranscript upserts t and supersedes every other current transcript of its session.
	SaveTranscript(ctx context.Context, t domain.Transcript) error
	GetTranscript(ctx context.Context, id string) (domain.Transcript, bool, error)
	CurrentTranscript(ctx context.Context, sessionID string) (domain.Transcript, bool, error)

	// chunks
	ReplaceChunks(ctx context.Context, transcriptID string, chunks []domain.TranscriptChunk) error
	ListChunks(ctx context.Context, transcriptID string) ([]domain.TranscriptChunk, error)
	// ListCurrentChunks returns chunks of current transcripts; a nil sessionID spans all sessions.
	ListCurrentChunks(ctx context.Context, sessionID *string) ([]domain.TranscriptChunk, error)
	// SearchChunks returns up to limit current chunks nearest to query by
	// cosine distance, ties ordered by start_ms then id.
	SearchChunks(ctx context.Context, query []float32, sessionID *string, limit int) ([]domain.TranscriptChunk, error)
	ChunkStats(ctx context.Context) (domain.ChunkStats, error)

	// materials
	SaveMaterial(ctx context.Context, m domain.StudyMaterial) error
	// SaveDraftMaterial writes m only while no material with its id exists or
	// the stored one is still draft; otherwise it returns
	// domain.ErrConcurrencyConflict and leaves the stored material alone.
	SaveDraftMaterial(ctx context.Context, m domain.StudyMaterial) error
	GetMaterial(ctx context.Context, id string) (domain.StudyMaterial, bool, error)
	ListMaterials(ctx context.Context, sessionID string) ([]domain.StudyMaterial, error)
	// TransitionMaterial moves a material from one status to another only if it
	// is still in from. A lost race returns domain.ErrConcurrencyConflict.
	TransitionMaterial(ctx context.Context, id string, from domain.MaterialStatus, change MaterialChange) (domain.StudyMaterial, error)
}

// MaterialChange is the update applied by TransitionMaterial.
type MaterialChange struct {
	To domain.MaterialStatus
	// ReviewComment replaces the stored comment when non-nil.
	ReviewComment *string
	At            time.Time
}
