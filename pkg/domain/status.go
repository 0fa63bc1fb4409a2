package domain

import (
	"fmt"
	"strings"
)

// JobType identifies a pipeline stage.
type JobType string

const (
	JobTranscribe       JobType = "transcribe"
	JobChunkEmbed       JobType = "chunk_embed"
	JobGenerateMaterial JobType = "generate_material"
)

// JobTypes lists the stages in pipeline order.
var JobTypes = []JobType{JobTranscribe, JobChunkEmbed, JobGenerateMaterial}

// Valid reports whether t is a known job type.
func (t JobType) Valid() bool {
	switch t {
	case JobTranscribe, JobChunkEmbed, JobGenerateMaterial:
		return true
	}
	return false
}

// Prerequisite returns the stage that must complete for the same session
// before a job of type t may be claimed.
func (t JobType) Prerequisite() (JobType, bool) {
	switch t {
	case JobChunkEmbed:
		return JobTranscribe, true
	case JobGenerateMaterial:
		return JobChunkEmbed, true
	}
	return "", false
}

// UnmarshalText rejects unknown job types.
func (t *JobType) UnmarshalText(b []byte) error {
	v, err := ParseJobType(string(b))
	if err != nil {
		return err
	}
	*t = v
	return nil
}

// ParseJobType converts user input into a JobType.
func ParseJobType(s string) (JobType, error) {
	t := JobType(strings.ToLower(strings.TrimSpace(s)))
	if !t.Valid() {
		return "", fmt.Errorf("%w: unknown job type %q", ErrValidation, s)
	}
	return t, nil
}

// JobStatus is the lifecycle state of a ProcessingJob.
type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobCanceled  JobStatus = "canceled"
)

// Valid reports whether s is a known job status.
func (s JobStatus) Valid() bool {
	switch s {
	case JobQueued, JobRunning, JobCompleted, JobFailed, JobCanceled:
		return true
	}
	return false
}

// Terminal reports whether no further automatic transition can happen.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobCanceled
}

// UnmarshalText rejects unknown job statuses.
func (s *JobStatus) UnmarshalText(b []byte) error {
	v, err := ParseJobStatus(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// ParseJobStatus converts user input into a JobStatus.
func ParseJobStatus(s string) (JobStatus, error) {
	v := JobStatus(strings.ToLower(strings.TrimSpace(s)))
	if !v.Valid() {
		return "", fmt.Errorf("%w: unknown job status %q", ErrValidation, s)
	}
	return v, nil
}

// MaterialType is the kind of study material.
type MaterialType string

const (
	MaterialSummary    MaterialType = "summary"
	MaterialFlashcards MaterialType = "flashcards"
	MaterialQuiz       MaterialType = "quiz"
)

// MaterialTypes lists all material types.
var MaterialTypes = []MaterialType{MaterialSummary, MaterialFlashcards, MaterialQuiz}

// Valid reports whether t is a known material type.
func (t MaterialType) Valid() bool {
	switch t {
	case MaterialSummary, MaterialFlashcards, MaterialQuiz:
		return true
	}
	return false
}

// UnmarshalText rejects unknown material types.
func (t *MaterialType) UnmarshalText(b []byte) error {
	v, err := ParseMaterialType(string(b))
	if err != nil {
		return err
	}
	*t = v
	return nil
}

// ParseMaterialType converts user input into a MaterialType.
func ParseMaterialType(s string) (MaterialType, error) {
	t := MaterialType(strings.ToLower(strings.TrimSpace(s)))
	if !t.Valid() {
		return "", fmt.Errorf("%w: unknown material type %q", ErrValidation, s)
	}
	return t, nil
}

// MaterialStatus is the review state of a StudyMaterial.
type MaterialStatus string

const (
	MaterialDraft         MaterialStatus = "draft"
	MaterialPendingReview MaterialStatus = "pending_review"
	MaterialApproved      MaterialStatus = "approved"
	MaterialPublished     MaterialStatus = "published"
)

var materialTransitions = map[MaterialStatus][]MaterialStatus{
	MaterialDraft:         {MaterialPendingReview},
	MaterialPendingReview: {MaterialApproved, MaterialDraft},
	MaterialApproved:      {MaterialPublished},
}

// Valid reports whether s is a known material status.
func (s MaterialStatus) Valid() bool {
	switch s {
	case MaterialDraft, MaterialPendingReview, MaterialApproved, MaterialPublished:
		return true
	}
	return false
}

// CanTransitionTo reports whether the review workflow allows s -> next.
func (s MaterialStatus) CanTransitionTo(next MaterialStatus) bool {
	for _, allowed := range materialTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// UnmarshalText rejects unknown material statuses.
func (s *MaterialStatus) UnmarshalText(b []byte) error {
	v := MaterialStatus(strings.ToLower(strings.TrimSpace(string(b))))
	if !v.Valid() {
		return fmt.Errorf("%w: unknown material status %q", ErrValidation, string(b))
	}
	*s = v
	return nil
}

// SessionStatus is the publication state of a session.
type SessionStatus string

const (
	SessionDraft     SessionStatus = "draft"
	SessionApproved  SessionStatus = "approved"
	SessionPublished SessionStatus = "published"
)
