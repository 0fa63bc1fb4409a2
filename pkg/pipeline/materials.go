package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"amplified/internal/util"
	"amplified/pkg/domain"
)

const (
	stageMaterial          = string(domain.JobGenerateMaterial)
	defaultMaxContextChars = 24_000
)

var materialPrompts = map[domain.MaterialType]string{
	domain.MaterialSummary: "You write study summaries of tutoring sessions. " +
		"Produce a concise structured summary with headings and bullet points covering every topic discussed. " +
		"Use only the transcript.",
	domain.MaterialFlashcards: "You write flashcards from tutoring sessions. " +
		"Produce 10 to 20 cards as lines of the form \"Q: ...\" followed by \"A: ...\". " +
		"Use only facts stated in the transcript.",
	domain.MaterialQuiz: "You write practice quizzes from tutoring sessions. " +
		"Produce 5 to 10 multiple-choice questions with four options labelled A-D and mark the correct answer. " +
		"Use only the transcript.",
}

var materialTitles = map[domain.MaterialType]string{
	domain.MaterialSummary:    "Summary",
	domain.MaterialFlashcards: "Flashcards",
	domain.MaterialQuiz:       "Quiz",
}

// MaterialStage generates one study material in draft status.
type MaterialStage struct {
	deps Deps
}

func (s *MaterialStage) Run(ctx context.Context, job domain.ProcessingJob, cp Checkpoint) error {
	if job.MaterialType == nil || !job.MaterialType.Valid() {
		return Permanent(stageMaterial, errors.New("job has no material type"))
	}
	if s.deps.Generator == nil {
		return Permanent(stageMaterial, errors.New("no generation provider configured"))
	}
	materialType := *job.MaterialType
	id := util.DerivedID("mat", job.ID)

	existing, exists, err := s.deps.Store.GetMaterial(ctx, id)
	if err != nil {
		return Transient(stageMaterial, fmt.Errorf("load material: %w", err))
	}
	if exists && existing.Status != domain.MaterialDraft {
		// Already under review; a re-run must not overwrite it.
		return nil
	}

	session, ok, err := s.deps.Store.GetSession(ctx, job.SessionID)
	if err != nil {
		return Transient(stageMaterial, fmt.Errorf("load session: %w", err))
	}
	if !ok {
		return Permanent(stageMaterial, domain.NotFoundError("session", job.SessionID))
	}
	transcript, ok, err := s.deps.Store.CurrentTranscript(ctx, job.SessionID)
	if err != nil {
		return Transient(stageMaterial, fmt.Errorf("load transcript: %w", err))
	}
	if !ok {
		return Permanent(stageMaterial, fmt.Errorf("session %s has no transcript", job.SessionID))
	}
	chunks, err := s.deps.Store.ListChunks(ctx, transcript.ID)
	if err != nil {
		return Transient(stageMaterial, fmt.Errorf("load chunks: %w", err))
	}

	if err := checkpoint(ctx, cp); err != nil {
		return err
	}
	userPrompt := buildMaterialPrompt(session, transcript, chunks)
	content, err := s.deps.Generator.GenerateText(ctx, materialPrompts[materialType], userPrompt)
	if err != nil {
		return Transient(stageMaterial, fmt.Errorf("generate %s: %w", materialType, err))
	}
	content = strings.TrimSpace(content)
	if content == "" {
		return Transient(stageMaterial, fmt.Errorf("empty %s from provider", materialType))
	}
	if err := checkpoint(ctx, cp); err != nil {
		return err
	}

	now := s.deps.Now()
	material := domain.StudyMaterial{
		ID:          id,
		SessionID:   session.ID,
		Type:        materialType,
		Title:       fmt.Sprintf("%s: %s", materialTitles[materialType], session.Title),
		Content:     content,
		Status:      domain.MaterialDraft,
		SourceJobID: job.ID,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if exists {
		material.CreatedAt = existing.CreatedAt
		material.ReviewComment = existing.ReviewComment
	}
	if err := s.deps.Store.SaveDraftMaterial(ctx, material); err != nil {
		if errors.Is(err, domain.ErrConcurrencyConflict) {
			util.LoggerFromContext(ctx).Info("material left draft during generation, keeping reviewed version", "material_id", material.ID)
			return nil
		}
		return Transient(stageMaterial, fmt.Errorf("save material: %w", err))
	}
	util.LoggerFromContext(ctx).Info("material drafted", "material_id", material.ID, "material_type", materialType)
	return nil
}

func buildMaterialPrompt(session domain.Session, transcript domain.Transcript, chunks []domain.TranscriptChunk) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Session: %s\n", session.Title)
	if session.Description != nil && strings.TrimSpace(*session.Description) != "" {
		fmt.Fprintf(&b, "Description: %s\n", strings.TrimSpace(*session.Description))
	}
	b.WriteString("\nTranscript:\n")
	budget := defaultMaxContextChars
	if len(chunks) == 0 {
		b.WriteString(truncate(transcript.FullText, budget))
		return b.String()
	}
	for _, c := range chunks {
		line := fmt.Sprintf("[%s] %s\n", formatOffset(c.StartMs), c.Text)
		if len(line) > budget {
			b.WriteString(truncate(line, budget))
			break
		}
		b.WriteString(line)
		budget -= len(line)
	}
	return b.String()
}

func formatOffset(ms int64) string {
	sec := ms / 1000
	return fmt.Sprintf("%02d:%02d:%02d", sec/3600, (sec/60)%60, sec%60)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

func utf8RuneStart(b byte) bool {
	return b&0xC0 != 0x80
}
