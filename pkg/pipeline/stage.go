// Package pipeline holds the stages run for each job type: transcription,
// chunking with embedding, and study-material generation.
package pipeline

import (
	"context"
	"fmt"
	"time"

	"amplified/pkg/ai"
	"amplified/pkg/domain"
	"amplified/pkg/store"
)

// Checkpoint records progress and returns ErrCanceled when the job should stop.
type Checkpoint func(ctx context.Context) error

// Stage runs one job. It reads upstream artifacts from the store and writes
// its own; it never touches the job queue.
type Stage interface {
	Run(ctx context.Context, job domain.ProcessingJob, checkpoint Checkpoint) error
}

// StageFunc adapts a function to Stage.
type StageFunc func(ctx context.Context, job domain.ProcessingJob, checkpoint Checkpoint) error

func (f StageFunc) Run(ctx context.Context, job domain.ProcessingJob, checkpoint Checkpoint) error {
	return f(ctx, job, checkpoint)
}

// MediaResolver maps a stored media reference to a fetchable URL.
type MediaResolver interface {
	Resolve(ctx context.Context, ref string) (string, error)
}

// Deps are the collaborators shared by the built-in stages.
type Deps struct {
	Store       store.Store
	Media       MediaResolver
	Transcriber ai.Transcriber
	Embedder    ai.Embedder
	Generator   ai.TextGenerator
	Chunking    ChunkingConfig
	Now         func() time.Time
}

// Registry resolves the stage for a job type.
type Registry map[domain.JobType]Stage

// NewRegistry wires the built-in stages.
func NewRegistry(deps Deps) Registry {
	if deps.Now == nil {
		deps.Now = func() time.Time { return time.Now().UTC() }
	}
	deps.Chunking = deps.Chunking.withDefaults()
	return Registry{
		domain.JobTranscribe:       &TranscribeStage{deps: deps},
		domain.JobChunkEmbed:       &ChunkEmbedStage{deps: deps},
		domain.JobGenerateMaterial: &MaterialStage{deps: deps},
	}
}

// Lookup returns the stage registered for t.
func (r Registry) Lookup(t domain.JobType) (Stage, error) {
	stage, ok := r[t]
	if !ok || stage == nil {
		return nil, fmt.Errorf("no stage registered for %s", t)
	}
	return stage, nil
}

func checkpoint(ctx context.Context, cp Checkpoint) error {
	if cp == nil {
		return ctx.Err()
	}
	return cp(ctx)
}
